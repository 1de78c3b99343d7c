package repository

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"apiforge/internal/automation"
)

// Supported backend types for DatabaseConfig.Type.
const (
	BackendPostgres      = "postgres"
	BackendMongoDB       = "mongodb"
	BackendRedis         = "redis"
	BackendElasticsearch = "elasticsearch"
	BackendDynamoDB      = "dynamodb"
	BackendMemory        = "memory"
)

// ErrConfiguration marks an unsupported backend type or malformed config,
// detected at repository-construction time.
var ErrConfiguration = errors.New("repository configuration error")

// client is one cached backend connection plus its teardown.
type client struct {
	value any
	close func(ctx context.Context) error
	ping  func(ctx context.Context) error
}

// Factory builds repositories bound to (entity-type, backend-config) pairs.
// Backend clients are cached per (type, connection identity); repositories
// themselves are cheap and constructed per call.
type Factory struct {
	mu       sync.Mutex
	clients  map[string]*client
	memories map[string]*MemoryRepository
}

func NewFactory() *Factory {
	return &Factory{
		clients:  make(map[string]*client),
		memories: make(map[string]*MemoryRepository),
	}
}

// CreateRepository returns a Repository for the given entity type and
// backend config. A nil config selects the in-process memory backend so
// draft automations work without provisioning anything.
func (f *Factory) CreateRepository(ctx context.Context, entityType string, cfg *automation.DatabaseConfig) (Repository, error) {
	backendType := BackendMemory
	if cfg != nil && cfg.Type != "" {
		backendType = cfg.Type
	}

	switch backendType {
	case BackendMemory:
		return f.memoryRepository(cfg.String("namespace", entityType)), nil

	case BackendPostgres:
		c, err := f.getOrCreateClient(ctx, postgresClientKey(cfg), func() (*client, error) {
			return newPostgresClient(ctx, cfg)
		})
		if err != nil {
			return nil, err
		}
		return newPostgresRepository(c, cfg.String("table", entityType))

	case BackendMongoDB:
		c, err := f.getOrCreateClient(ctx, mongoClientKey(cfg), func() (*client, error) {
			return newMongoClient(ctx, cfg)
		})
		if err != nil {
			return nil, err
		}
		return newMongoRepository(c, cfg.String("database", "apiforge"), cfg.String("collection", entityType)), nil

	case BackendRedis:
		c, err := f.getOrCreateClient(ctx, redisClientKey(cfg), func() (*client, error) {
			return newRedisClient(cfg)
		})
		if err != nil {
			return nil, err
		}
		return newRedisRepository(c, cfg.String("namespace", entityType)), nil

	case BackendElasticsearch:
		c, err := f.getOrCreateClient(ctx, elasticClientKey(cfg), func() (*client, error) {
			return newElasticClient(cfg)
		})
		if err != nil {
			return nil, err
		}
		return newElasticRepository(c, cfg.String("index", entityType)), nil

	case BackendDynamoDB:
		c, err := f.getOrCreateClient(ctx, dynamoClientKey(cfg), func() (*client, error) {
			return newDynamoClient(ctx, cfg)
		})
		if err != nil {
			return nil, err
		}
		return newDynamoRepository(c, cfg.String("table", entityType)), nil

	default:
		return nil, fmt.Errorf("%w: unsupported backend type %q", ErrConfiguration, backendType)
	}
}

// Ping probes the backend named by cfg. Backends without a cheap liveness
// call report nil.
func (f *Factory) Ping(ctx context.Context, entityType string, cfg *automation.DatabaseConfig) error {
	if cfg == nil || cfg.Type == "" || cfg.Type == BackendMemory {
		return nil
	}
	if _, err := f.CreateRepository(ctx, entityType, cfg); err != nil {
		return err
	}

	f.mu.Lock()
	c := f.clients[clientKey(cfg)]
	f.mu.Unlock()
	if c != nil && c.ping != nil {
		return c.ping(ctx)
	}
	return nil
}

// clientKey returns the cache key for cfg's backend connection.
func clientKey(cfg *automation.DatabaseConfig) string {
	switch cfg.Type {
	case BackendPostgres:
		return postgresClientKey(cfg)
	case BackendMongoDB:
		return mongoClientKey(cfg)
	case BackendRedis:
		return redisClientKey(cfg)
	case BackendElasticsearch:
		return elasticClientKey(cfg)
	case BackendDynamoDB:
		return dynamoClientKey(cfg)
	}
	return ""
}

// CloseConnections tears down every cached client. Per-client failures are
// logged, never raised. The cache is cleared afterward.
func (f *Factory) CloseConnections(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for key, c := range f.clients {
		if c.close == nil {
			continue
		}
		if err := c.close(ctx); err != nil {
			log.Printf("WARN: close backend client %s: %v", key, err)
		}
	}
	f.clients = make(map[string]*client)
	f.memories = make(map[string]*MemoryRepository)
}

func (f *Factory) memoryRepository(namespace string) *MemoryRepository {
	f.mu.Lock()
	defer f.mu.Unlock()

	repo, ok := f.memories[namespace]
	if !ok {
		repo = NewMemoryRepository()
		f.memories[namespace] = repo
	}
	return repo
}

func (f *Factory) getOrCreateClient(_ context.Context, key string, build func() (*client, error)) (*client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.clients[key]; ok {
		return c, nil
	}
	c, err := build()
	if err != nil {
		return nil, err
	}
	f.clients[key] = c
	return c, nil
}
