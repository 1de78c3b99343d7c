package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"apiforge/internal/automation"
)

func elasticClientKey(cfg *automation.DatabaseConfig) string {
	return "elasticsearch:" + cfg.String("addresses", "http://localhost:9200")
}

func newElasticClient(cfg *automation.DatabaseConfig) (*client, error) {
	addresses := strings.Split(cfg.String("addresses", "http://localhost:9200"), ",")
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: addresses,
		Username:  cfg.String("username", ""),
		Password:  cfg.String("password", ""),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: elasticsearch: %v", ErrConfiguration, err)
	}
	return &client{
		value: es,
		ping: func(ctx context.Context) error {
			res, err := es.Ping(es.Ping.WithContext(ctx))
			if err != nil {
				return err
			}
			defer res.Body.Close()
			if res.IsError() {
				return fmt.Errorf("elasticsearch ping: %s", res.Status())
			}
			return nil
		},
	}, nil
}

// elasticRepository indexes one document per entity with the exposed id as
// the document _id. Equality filters become term queries; pagination is
// from/size. Indexing uses refresh=true so writes are immediately visible
// to the list endpoints.
type elasticRepository struct {
	es    *elasticsearch.Client
	index string
}

func newElasticRepository(c *client, index string) Repository {
	return &elasticRepository{es: c.value.(*elasticsearch.Client), index: index}
}

func (r *elasticRepository) Create(ctx context.Context, entity Entity) (Entity, error) {
	id := ensureID(entity)
	body, err := json.Marshal(sourceDoc(entity))
	if err != nil {
		return nil, fmt.Errorf("marshal entity: %w", err)
	}
	res, err := r.es.Index(r.index, bytes.NewReader(body),
		r.es.Index.WithDocumentID(id),
		r.es.Index.WithRefresh("true"),
		r.es.Index.WithContext(ctx),
	)
	if err := checkResponse(res, err, "index"); err != nil {
		return nil, err
	}
	return entity, nil
}

func (r *elasticRepository) GetByID(ctx context.Context, id string) (Entity, error) {
	res, err := r.es.Get(r.index, id, r.es.Get.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", r.index, id, err)
	}
	defer res.Body.Close()
	if res.StatusCode == 404 {
		return nil, nil
	}
	if res.IsError() {
		return nil, fmt.Errorf("get %s/%s: %s", r.index, id, res.Status())
	}

	var payload struct {
		ID     string `json:"_id"`
		Source Entity `json:"_source"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode get response: %w", err)
	}
	payload.Source["id"] = payload.ID
	return payload.Source, nil
}

func (r *elasticRepository) GetAll(ctx context.Context, limit, offset int) ([]Entity, error) {
	return r.Find(ctx, nil, limit, offset)
}

func (r *elasticRepository) Update(ctx context.Context, entity Entity) (Entity, error) {
	id := entityID(entity)
	if id == "" {
		return nil, nil
	}
	exists, err := r.Exists(ctx, id)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	return r.Create(ctx, entity)
}

func (r *elasticRepository) Delete(ctx context.Context, id string) (bool, error) {
	res, err := r.es.Delete(r.index, id,
		r.es.Delete.WithRefresh("true"),
		r.es.Delete.WithContext(ctx),
	)
	if err != nil {
		return false, fmt.Errorf("delete %s/%s: %w", r.index, id, err)
	}
	defer res.Body.Close()
	if res.StatusCode == 404 {
		return false, nil
	}
	if res.IsError() {
		return false, fmt.Errorf("delete %s/%s: %s", r.index, id, res.Status())
	}
	return true, nil
}

func (r *elasticRepository) Exists(ctx context.Context, id string) (bool, error) {
	res, err := r.es.Exists(r.index, id, r.es.Exists.WithContext(ctx))
	if err != nil {
		return false, fmt.Errorf("exists %s/%s: %w", r.index, id, err)
	}
	defer res.Body.Close()
	return res.StatusCode == 200, nil
}

func (r *elasticRepository) Count(ctx context.Context, filters map[string]any) (int64, error) {
	body, err := json.Marshal(map[string]any{"query": termQuery(filters)})
	if err != nil {
		return 0, fmt.Errorf("marshal query: %w", err)
	}
	res, err := r.es.Count(
		r.es.Count.WithIndex(r.index),
		r.es.Count.WithBody(bytes.NewReader(body)),
		r.es.Count.WithContext(ctx),
	)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", r.index, err)
	}
	defer res.Body.Close()
	if res.StatusCode == 404 {
		return 0, nil
	}
	if res.IsError() {
		return 0, fmt.Errorf("count %s: %s", r.index, res.Status())
	}

	var payload struct {
		Count int64 `json:"count"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("decode count response: %w", err)
	}
	return payload.Count, nil
}

func (r *elasticRepository) Find(ctx context.Context, filters map[string]any, limit, offset int) ([]Entity, error) {
	body, err := json.Marshal(map[string]any{"query": termQuery(filters)})
	if err != nil {
		return nil, fmt.Errorf("marshal query: %w", err)
	}
	res, err := r.es.Search(
		r.es.Search.WithIndex(r.index),
		r.es.Search.WithBody(bytes.NewReader(body)),
		r.es.Search.WithFrom(offset),
		r.es.Search.WithSize(limit),
		r.es.Search.WithContext(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", r.index, err)
	}
	defer res.Body.Close()
	if res.StatusCode == 404 {
		return []Entity{}, nil
	}
	if res.IsError() {
		return nil, fmt.Errorf("search %s: %s", r.index, res.Status())
	}

	var payload struct {
		Hits struct {
			Hits []struct {
				ID     string `json:"_id"`
				Source Entity `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	entities := make([]Entity, 0, len(payload.Hits.Hits))
	for _, hit := range payload.Hits.Hits {
		entity := hit.Source
		if entity == nil {
			entity = Entity{}
		}
		entity["id"] = hit.ID
		entities = append(entities, entity)
	}
	return entities, nil
}

// sourceDoc strips the id key; the id lives in the document _id.
func sourceDoc(entity Entity) Entity {
	doc := Entity{}
	for k, v := range entity {
		if k == "id" {
			continue
		}
		doc[k] = v
	}
	return doc
}

// termQuery renders equality filters as a bool/filter of term clauses.
func termQuery(filters map[string]any) map[string]any {
	if len(filters) == 0 {
		return map[string]any{"match_all": map[string]any{}}
	}
	terms := make([]map[string]any, 0, len(filters))
	for field, value := range filters {
		if field == "id" {
			field = "_id"
		}
		terms = append(terms, map[string]any{"term": map[string]any{field: value}})
	}
	return map[string]any{"bool": map[string]any{"filter": terms}}
}

func checkResponse(res *esapi.Response, err error, op string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("%s: %s", op, res.Status())
	}
	return nil
}
