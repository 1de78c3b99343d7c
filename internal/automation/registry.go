package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"apiforge/internal/blobstore"
)

// ErrNotFound is returned when a named automation does not exist.
var ErrNotFound = errors.New("automation not found")

// ErrDuplicateName is returned when registering a name that is already taken.
var ErrDuplicateName = errors.New("automation name already exists")

// Registry is the in-memory, name-indexed catalog of automations. All
// mutations persist to the backing store before the map is touched, so the
// map is never ahead of durable storage.
type Registry struct {
	mu          sync.RWMutex
	store       *blobstore.Store
	automations map[string]*Automation
}

func NewRegistry(store *blobstore.Store) *Registry {
	return &Registry{
		store:       store,
		automations: make(map[string]*Automation),
	}
}

// LoadAutomations rebuilds the catalog from the store. Prior state is
// cleared first. Malformed or unreadable documents are logged and skipped.
func (r *Registry) LoadAutomations(ctx context.Context) error {
	keys, err := r.store.ListKeys(ctx)
	if err != nil {
		return fmt.Errorf("list automation keys: %w", err)
	}

	loaded := make(map[string]*Automation, len(keys))
	for _, key := range keys {
		raw, err := r.store.LoadJSON(ctx, key)
		if err != nil {
			log.Printf("WARN: skipping automation %s: load failed: %v", key, err)
			continue
		}
		var a Automation
		if err := json.Unmarshal(raw, &a); err != nil {
			log.Printf("WARN: skipping automation %s: parse failed: %v", key, err)
			continue
		}
		if a.Name == "" {
			log.Printf("WARN: skipping automation %s: missing name", key)
			continue
		}
		loaded[a.Name] = &a
	}

	r.mu.Lock()
	r.automations = loaded
	r.mu.Unlock()

	log.Printf("Loaded %d automations from storage", len(loaded))
	return nil
}

// GetAutomation returns the automation with the given name, or nil.
func (r *Registry) GetAutomation(name string) *Automation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.automations[name]
}

// GetAutomationByID returns the automation with the given id, or nil.
func (r *Registry) GetAutomationByID(id string) *Automation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.automations {
		if a.ID == id {
			return a
		}
	}
	return nil
}

// AllAutomations returns all registered automations ordered by name.
func (r *Registry) AllAutomations() []*Automation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := make([]*Automation, 0, len(r.automations))
	for _, a := range r.automations {
		all = append(all, a)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return all
}

// RegisterAutomation adds a new automation. The name must be unused. An id
// is assigned when missing. The automation is persisted before it becomes
// visible in the catalog.
func (r *Registry) RegisterAutomation(ctx context.Context, a *Automation) (*Automation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.automations[a.Name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateName, a.Name)
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}

	if err := r.persist(ctx, a); err != nil {
		log.Printf("ERROR: persist automation %s: %v", a.Name, err)
		return nil, fmt.Errorf("persist automation %s: %w", a.Name, err)
	}

	r.automations[a.Name] = a
	log.Printf("Registered automation: %s (id: %s)", a.Name, a.ID)
	return a, nil
}

// UpdateAutomation replaces the automation stored under name. The original
// id and created_at are preserved and updated_at is bumped. The update is
// persisted before the catalog entry is replaced.
func (r *Registry) UpdateAutomation(ctx context.Context, name string, updated *Automation) (*Automation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, exists := r.automations[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	updated.ID = current.ID
	updated.CreatedAt = current.CreatedAt
	updated.UpdatedAt = time.Now().UTC()

	if err := r.persist(ctx, updated); err != nil {
		log.Printf("ERROR: persist automation %s: %v", name, err)
		return nil, fmt.Errorf("persist automation %s: %w", name, err)
	}

	delete(r.automations, name)
	r.automations[updated.Name] = updated
	log.Printf("Updated automation: %s", name)
	return updated, nil
}

// DeleteAutomation removes an automation from the catalog and the store.
// Returns true if the automation existed.
func (r *Registry) DeleteAutomation(ctx context.Context, name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, exists := r.automations[name]
	if !exists {
		return false, nil
	}

	if err := r.store.Delete(ctx, a.ID); err != nil {
		log.Printf("ERROR: delete automation document %s: %v", a.ID, err)
		return false, fmt.Errorf("delete automation %s: %w", name, err)
	}

	delete(r.automations, name)
	log.Printf("Deleted automation: %s", name)
	return true, nil
}

// CreateAutomation builds and registers a draft automation with version
// 1.0.0. When basePath is empty it defaults to "/api/<name>".
func (r *Registry) CreateAutomation(ctx context.Context, name, description, basePath string) (*Automation, error) {
	if basePath == "" {
		basePath = "/api/" + name
	}
	now := time.Now().UTC()
	a := &Automation{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		Version:     "1.0.0",
		BasePath:    basePath,
		Status:      StatusDraft,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return r.RegisterAutomation(ctx, a)
}

func (r *Registry) persist(ctx context.Context, a *Automation) error {
	doc, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal automation: %w", err)
	}
	return r.store.SaveJSON(ctx, a.ID, doc)
}
