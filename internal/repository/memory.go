package repository

import (
	"context"
	"sync"
)

// MemoryRepository is an in-process backend used for tests and local
// development. Entities are kept in insertion order so pagination is
// deterministic.
type MemoryRepository struct {
	mu       sync.RWMutex
	entities map[string]Entity
	order    []string
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{entities: make(map[string]Entity)}
}

func (r *MemoryRepository) Create(_ context.Context, entity Entity) (Entity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := ensureID(entity)
	stored := cloneEntity(entity)
	if _, exists := r.entities[id]; !exists {
		r.order = append(r.order, id)
	}
	r.entities[id] = stored
	return cloneEntity(stored), nil
}

func (r *MemoryRepository) GetByID(_ context.Context, id string) (Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entity, ok := r.entities[id]
	if !ok {
		return nil, nil
	}
	return cloneEntity(entity), nil
}

func (r *MemoryRepository) GetAll(_ context.Context, limit, offset int) ([]Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return paginate(r.snapshot(), limit, offset), nil
}

func (r *MemoryRepository) Update(_ context.Context, entity Entity) (Entity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := entityID(entity)
	if id == "" {
		return nil, nil
	}
	if _, ok := r.entities[id]; !ok {
		return nil, nil
	}
	stored := cloneEntity(entity)
	r.entities[id] = stored
	return cloneEntity(stored), nil
}

func (r *MemoryRepository) Delete(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entities[id]; !ok {
		return false, nil
	}
	delete(r.entities, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (r *MemoryRepository) Exists(_ context.Context, id string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entities[id]
	return ok, nil
}

func (r *MemoryRepository) Count(_ context.Context, filters map[string]any) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var n int64
	for _, entity := range r.snapshot() {
		if matchesFilters(entity, filters) {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) Find(_ context.Context, filters map[string]any, limit, offset int) ([]Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []Entity
	for _, entity := range r.snapshot() {
		if matchesFilters(entity, filters) {
			matched = append(matched, entity)
		}
	}
	return paginate(matched, limit, offset), nil
}

// snapshot returns copies of all entities in insertion order.
func (r *MemoryRepository) snapshot() []Entity {
	all := make([]Entity, 0, len(r.order))
	for _, id := range r.order {
		all = append(all, cloneEntity(r.entities[id]))
	}
	return all
}

func cloneEntity(entity Entity) Entity {
	dup := make(Entity, len(entity))
	for k, v := range entity {
		dup[k] = v
	}
	return dup
}
