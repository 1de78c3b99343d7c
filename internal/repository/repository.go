// Package repository provides a uniform CRUD contract over heterogeneous
// storage backends. Entities are schemaless JSON objects; every backend
// exposes the opaque string id under the "id" key regardless of its native
// key type. Filtering is equality-only; backends without native pagination
// emulate offset/limit by scanning to the watermark.
package repository

import (
	"context"

	"github.com/google/uuid"
)

// Entity is a schemaless record exchanged with a backend.
type Entity = map[string]any

// Repository is the backend-independent CRUD contract.
type Repository interface {
	// Create stores a new entity, assigning an id when absent, and returns
	// the stored entity.
	Create(ctx context.Context, entity Entity) (Entity, error)
	// GetByID returns the entity for id, or nil when absent.
	GetByID(ctx context.Context, id string) (Entity, error)
	// GetAll returns entities with offset/limit pagination.
	GetAll(ctx context.Context, limit, offset int) ([]Entity, error)
	// Update replaces the entity identified by its "id" field. Returns the
	// stored entity, or nil when no entity matched.
	Update(ctx context.Context, entity Entity) (Entity, error)
	// Delete removes the entity for id. Returns whether it existed.
	Delete(ctx context.Context, id string) (bool, error)
	// Exists reports whether an entity with id exists.
	Exists(ctx context.Context, id string) (bool, error)
	// Count returns the number of entities matching the equality filters.
	Count(ctx context.Context, filters map[string]any) (int64, error)
	// Find returns entities matching the equality filters, paginated.
	Find(ctx context.Context, filters map[string]any, limit, offset int) ([]Entity, error)
}

// entityID extracts the string id of an entity, or "".
func entityID(entity Entity) string {
	switch v := entity["id"].(type) {
	case string:
		return v
	default:
		return ""
	}
}

// ensureID returns the entity's id, assigning a fresh UUID when missing.
func ensureID(entity Entity) string {
	id := entityID(entity)
	if id == "" {
		id = uuid.NewString()
		entity["id"] = id
	}
	return id
}

// matchesFilters reports whether the entity satisfies every equality filter.
// Values are compared loosely so numbers survive JSON round-trips.
func matchesFilters(entity Entity, filters map[string]any) bool {
	for field, want := range filters {
		got, ok := entity[field]
		if !ok || !looseEqual(got, want) {
			return false
		}
	}
	return true
}

func looseEqual(a, b any) bool {
	if a == b {
		return true
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// paginate slices entities by offset/limit.
func paginate(entities []Entity, limit, offset int) []Entity {
	if offset >= len(entities) {
		return []Entity{}
	}
	end := offset + limit
	if limit <= 0 || end > len(entities) {
		end = len(entities)
	}
	return entities[offset:end]
}
