package repository

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"apiforge/internal/automation"
)

func mongoClientKey(cfg *automation.DatabaseConfig) string {
	return "mongodb:" + mongoURI(cfg)
}

func mongoURI(cfg *automation.DatabaseConfig) string {
	return cfg.String("connection_string", "mongodb://localhost:27017")
}

func newMongoClient(ctx context.Context, cfg *automation.DatabaseConfig) (*client, error) {
	mc, err := mongo.Connect(ctx, options.Client().ApplyURI(mongoURI(cfg)))
	if err != nil {
		return nil, fmt.Errorf("%w: mongodb: %v", ErrConfiguration, err)
	}
	return &client{
		value: mc,
		close: mc.Disconnect,
		ping: func(ctx context.Context) error {
			return mc.Ping(ctx, nil)
		},
	}, nil
}

// mongoRepository maps the opaque string id onto Mongo's _id: hex strings
// that parse as ObjectIDs round-trip as ObjectIDs, anything else is stored
// as a plain string key.
type mongoRepository struct {
	collection *mongo.Collection
}

func newMongoRepository(c *client, database, collection string) Repository {
	mc := c.value.(*mongo.Client)
	return &mongoRepository{collection: mc.Database(database).Collection(collection)}
}

// nativeID converts an exposed string id into the stored _id value.
func nativeID(id string) any {
	if oid, err := primitive.ObjectIDFromHex(id); err == nil {
		return oid
	}
	return id
}

// toDocument swaps the "id" key for "_id".
func toDocument(entity Entity) bson.M {
	doc := bson.M{}
	for k, v := range entity {
		if k == "id" {
			continue
		}
		doc[k] = v
	}
	if id := entityID(entity); id != "" {
		doc["_id"] = nativeID(id)
	}
	return doc
}

// fromDocument swaps "_id" back to the exposed string "id".
func fromDocument(doc bson.M) Entity {
	entity := Entity{}
	for k, v := range doc {
		if k == "_id" {
			switch id := v.(type) {
			case primitive.ObjectID:
				entity["id"] = id.Hex()
			default:
				entity["id"] = fmt.Sprint(id)
			}
			continue
		}
		entity[k] = v
	}
	return entity
}

func (r *mongoRepository) Create(ctx context.Context, entity Entity) (Entity, error) {
	doc := toDocument(entity)
	res, err := r.collection.InsertOne(ctx, doc)
	if err != nil {
		return nil, fmt.Errorf("insert into %s: %w", r.collection.Name(), err)
	}
	if entityID(entity) == "" {
		if oid, ok := res.InsertedID.(primitive.ObjectID); ok {
			entity["id"] = oid.Hex()
		} else {
			entity["id"] = fmt.Sprint(res.InsertedID)
		}
	}
	return entity, nil
}

func (r *mongoRepository) GetByID(ctx context.Context, id string) (Entity, error) {
	var doc bson.M
	err := r.collection.FindOne(ctx, bson.M{"_id": nativeID(id)}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find in %s: %w", r.collection.Name(), err)
	}
	return fromDocument(doc), nil
}

func (r *mongoRepository) GetAll(ctx context.Context, limit, offset int) ([]Entity, error) {
	return r.Find(ctx, nil, limit, offset)
}

func (r *mongoRepository) Update(ctx context.Context, entity Entity) (Entity, error) {
	id := entityID(entity)
	if id == "" {
		return nil, nil
	}
	res, err := r.collection.ReplaceOne(ctx, bson.M{"_id": nativeID(id)}, toDocument(entity))
	if err != nil {
		return nil, fmt.Errorf("replace in %s: %w", r.collection.Name(), err)
	}
	if res.MatchedCount == 0 {
		return nil, nil
	}
	return entity, nil
}

func (r *mongoRepository) Delete(ctx context.Context, id string) (bool, error) {
	res, err := r.collection.DeleteOne(ctx, bson.M{"_id": nativeID(id)})
	if err != nil {
		return false, fmt.Errorf("delete from %s: %w", r.collection.Name(), err)
	}
	return res.DeletedCount > 0, nil
}

func (r *mongoRepository) Exists(ctx context.Context, id string) (bool, error) {
	n, err := r.collection.CountDocuments(ctx, bson.M{"_id": nativeID(id)}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("count in %s: %w", r.collection.Name(), err)
	}
	return n > 0, nil
}

func (r *mongoRepository) Count(ctx context.Context, filters map[string]any) (int64, error) {
	n, err := r.collection.CountDocuments(ctx, mongoFilter(filters))
	if err != nil {
		return 0, fmt.Errorf("count in %s: %w", r.collection.Name(), err)
	}
	return n, nil
}

func (r *mongoRepository) Find(ctx context.Context, filters map[string]any, limit, offset int) ([]Entity, error) {
	opts := options.Find().SetSkip(int64(offset)).SetLimit(int64(limit))
	cursor, err := r.collection.Find(ctx, mongoFilter(filters), opts)
	if err != nil {
		return nil, fmt.Errorf("find in %s: %w", r.collection.Name(), err)
	}
	defer cursor.Close(ctx)

	entities := []Entity{}
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode doc: %w", err)
		}
		entities = append(entities, fromDocument(doc))
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", r.collection.Name(), err)
	}
	return entities, nil
}

// mongoFilter translates equality filters into a bson document. Filtering
// on "id" targets the native _id key.
func mongoFilter(filters map[string]any) bson.M {
	filter := bson.M{}
	for field, value := range filters {
		if field == "id" {
			if s, ok := value.(string); ok {
				filter["_id"] = nativeID(s)
				continue
			}
		}
		filter[field] = value
	}
	return filter
}
