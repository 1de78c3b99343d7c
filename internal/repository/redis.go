package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"

	"apiforge/internal/automation"
)

// scanCap bounds how many records the in-memory filter pass will load.
const scanCap = 10000

func redisClientKey(cfg *automation.DatabaseConfig) string {
	return "redis:" + redisAddr(cfg) + "/" + cfg.String("db", "0")
}

func redisAddr(cfg *automation.DatabaseConfig) string {
	return cfg.String("host", "localhost") + ":" + cfg.String("port", "6379")
}

func newRedisClient(cfg *automation.DatabaseConfig) (*client, error) {
	db, err := strconv.Atoi(cfg.String("db", "0"))
	if err != nil {
		return nil, fmt.Errorf("%w: redis: invalid db number: %v", ErrConfiguration, err)
	}
	rc := redis.NewClient(&redis.Options{
		Addr:     redisAddr(cfg),
		Password: cfg.String("password", ""),
		DB:       db,
	})
	return &client{
		value: rc,
		close: func(context.Context) error { return rc.Close() },
		ping: func(ctx context.Context) error {
			return rc.Ping(ctx).Err()
		},
	}, nil
}

// redisRepository stores one JSON value per entity under <namespace>:<id>
// and tracks ids in the <namespace>:all set. Redis has no server-side
// filtering or offset pagination for this layout, so Find and Count load
// candidates and filter in memory; a documented inefficiency, not a
// correctness issue.
type redisRepository struct {
	rdb       *redis.Client
	namespace string
}

func newRedisRepository(c *client, namespace string) Repository {
	return &redisRepository{rdb: c.value.(*redis.Client), namespace: namespace}
}

func (r *redisRepository) key(id string) string {
	return r.namespace + ":" + id
}

func (r *redisRepository) indexKey() string {
	return r.namespace + ":all"
}

func (r *redisRepository) Create(ctx context.Context, entity Entity) (Entity, error) {
	id := ensureID(entity)
	raw, err := json.Marshal(entity)
	if err != nil {
		return nil, fmt.Errorf("marshal entity: %w", err)
	}
	if err := r.rdb.Set(ctx, r.key(id), raw, 0).Err(); err != nil {
		return nil, fmt.Errorf("set %s: %w", r.key(id), err)
	}
	if err := r.rdb.SAdd(ctx, r.indexKey(), id).Err(); err != nil {
		return nil, fmt.Errorf("index %s: %w", id, err)
	}
	return entity, nil
}

func (r *redisRepository) GetByID(ctx context.Context, id string) (Entity, error) {
	raw, err := r.rdb.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", r.key(id), err)
	}
	var entity Entity
	if err := json.Unmarshal(raw, &entity); err != nil {
		return nil, fmt.Errorf("decode %s: %w", r.key(id), err)
	}
	return entity, nil
}

func (r *redisRepository) GetAll(ctx context.Context, limit, offset int) ([]Entity, error) {
	all, err := r.loadAll(ctx)
	if err != nil {
		return nil, err
	}
	return paginate(all, limit, offset), nil
}

func (r *redisRepository) Update(ctx context.Context, entity Entity) (Entity, error) {
	id := entityID(entity)
	if id == "" {
		return nil, nil
	}
	exists, err := r.rdb.Exists(ctx, r.key(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("exists %s: %w", r.key(id), err)
	}
	if exists == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(entity)
	if err != nil {
		return nil, fmt.Errorf("marshal entity: %w", err)
	}
	if err := r.rdb.Set(ctx, r.key(id), raw, 0).Err(); err != nil {
		return nil, fmt.Errorf("set %s: %w", r.key(id), err)
	}
	return entity, nil
}

func (r *redisRepository) Delete(ctx context.Context, id string) (bool, error) {
	deleted, err := r.rdb.Del(ctx, r.key(id)).Result()
	if err != nil {
		return false, fmt.Errorf("del %s: %w", r.key(id), err)
	}
	if deleted == 0 {
		return false, nil
	}
	// The record is gone; a stale index entry only costs a miss on the
	// next scan, so it does not fail the delete.
	if err := r.rdb.SRem(ctx, r.indexKey(), id).Err(); err != nil {
		log.Printf("WARN: unindex %s: %v", r.key(id), err)
	}
	return true, nil
}

func (r *redisRepository) Exists(ctx context.Context, id string) (bool, error) {
	n, err := r.rdb.Exists(ctx, r.key(id)).Result()
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", r.key(id), err)
	}
	return n > 0, nil
}

func (r *redisRepository) Count(ctx context.Context, filters map[string]any) (int64, error) {
	if len(filters) == 0 {
		n, err := r.rdb.SCard(ctx, r.indexKey()).Result()
		if err != nil {
			return 0, fmt.Errorf("scard %s: %w", r.indexKey(), err)
		}
		return n, nil
	}

	all, err := r.loadAll(ctx)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, entity := range all {
		if matchesFilters(entity, filters) {
			n++
		}
	}
	return n, nil
}

func (r *redisRepository) Find(ctx context.Context, filters map[string]any, limit, offset int) ([]Entity, error) {
	all, err := r.loadAll(ctx)
	if err != nil {
		return nil, err
	}
	matched := []Entity{}
	for _, entity := range all {
		if matchesFilters(entity, filters) {
			matched = append(matched, entity)
		}
	}
	return paginate(matched, limit, offset), nil
}

// loadAll fetches up to scanCap entities, ordered by id for stable paging.
func (r *redisRepository) loadAll(ctx context.Context) ([]Entity, error) {
	ids, err := r.rdb.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers %s: %w", r.indexKey(), err)
	}
	sort.Strings(ids)
	if len(ids) > scanCap {
		ids = ids[:scanCap]
	}

	entities := make([]Entity, 0, len(ids))
	for _, id := range ids {
		entity, err := r.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if entity != nil {
			entities = append(entities, entity)
		}
	}
	return entities, nil
}
