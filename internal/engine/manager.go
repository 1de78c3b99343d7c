package engine

import (
	"context"
	"fmt"
	"log"
	"sync"

	"apiforge/internal/automation"
)

// AutomationManager coordinates lifecycle operations across the registry and
// the router. One mutex spans every mutate-persist-rebuild sequence, so
// concurrent admin calls serialize and the route table always reflects the
// last persisted catalog state.
type AutomationManager struct {
	mu       sync.Mutex
	registry *automation.Registry
	router   *RouterManager
}

func NewAutomationManager(registry *automation.Registry, router *RouterManager) *AutomationManager {
	return &AutomationManager{registry: registry, router: router}
}

// Initialize loads the persisted catalog and builds the initial route table.
func (m *AutomationManager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.registry.LoadAutomations(ctx); err != nil {
		return fmt.Errorf("initialize automations: %w", err)
	}
	m.router.RegisterAllRouters()
	return nil
}

// CreateAutomation registers a new draft automation. Drafts are not routed
// until activated, so no rebuild happens here.
func (m *AutomationManager) CreateAutomation(ctx context.Context, name, description, basePath string) (*automation.Automation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registry.CreateAutomation(ctx, name, description, basePath)
}

// RegisterAutomation adds a fully formed automation and routes it if active.
func (m *AutomationManager) RegisterAutomation(ctx context.Context, a *automation.Automation) (*automation.Automation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := checkEndpointUniqueness(a); err != nil {
		return nil, err
	}
	defaultEndpointHandlers(a)
	registered, err := m.registry.RegisterAutomation(ctx, a)
	if err != nil {
		return nil, err
	}
	if registered.Status == automation.StatusActive {
		m.router.UpdateRouter(registered.Name)
	}
	return registered, nil
}

// UpdateAutomation replaces an automation definition and rebuilds routes.
func (m *AutomationManager) UpdateAutomation(ctx context.Context, name string, updated *automation.Automation) (*automation.Automation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := checkEndpointUniqueness(updated); err != nil {
		return nil, err
	}
	defaultEndpointHandlers(updated)
	result, err := m.registry.UpdateAutomation(ctx, name, updated)
	if err != nil {
		return nil, err
	}
	m.router.UpdateRouter(result.Name)
	return result, nil
}

// ActivateAutomation transitions an automation to active and mounts its
// endpoints.
func (m *AutomationManager) ActivateAutomation(ctx context.Context, name string) (*automation.Automation, error) {
	return m.setStatus(ctx, name, automation.StatusActive)
}

// DeactivateAutomation transitions an automation to inactive and unmounts
// its endpoints. Deactivating an inactive automation is a no-op.
func (m *AutomationManager) DeactivateAutomation(ctx context.Context, name string) (*automation.Automation, error) {
	return m.setStatus(ctx, name, automation.StatusInactive)
}

func (m *AutomationManager) setStatus(ctx context.Context, name string, status automation.Status) (*automation.Automation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.registry.GetAutomation(name)
	if current == nil {
		return nil, fmt.Errorf("%w: %s", automation.ErrNotFound, name)
	}
	if current.Status == status {
		return current, nil
	}

	updated := current.Clone()
	updated.Status = status
	result, err := m.registry.UpdateAutomation(ctx, name, updated)
	if err != nil {
		return nil, err
	}
	m.router.UpdateRouter(name)
	log.Printf("Automation %s is now %s", name, status)
	return result, nil
}

// DeleteAutomation removes an automation; its base path is tombstoned so
// former clients get an explicit deletion message.
func (m *AutomationManager) DeleteAutomation(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a := m.registry.GetAutomation(name)
	if a == nil {
		return fmt.Errorf("%w: %s", automation.ErrNotFound, name)
	}

	deleted, err := m.registry.DeleteAutomation(ctx, name)
	if err != nil {
		return err
	}
	if deleted {
		m.router.RemoveRouter(a.BasePath)
	}
	return nil
}

// AddEndpoint appends an endpoint to an automation and rebuilds routes.
// The (path, method) pair must be unused within the automation.
func (m *AutomationManager) AddEndpoint(ctx context.Context, name string, ep automation.Endpoint) (*automation.Automation, error) {
	return m.mutateEndpoints(ctx, name, func(a *automation.Automation) error {
		if a.FindEndpoint(ep.Path, ep.Method) != nil {
			return ConflictError(fmt.Sprintf("Endpoint %s %s already exists in automation %s", ep.Method, ep.Path, name))
		}
		a.AddEndpoint(ep)
		return nil
	})
}

// UpdateEndpoint replaces the endpoint identified by path and method. The
// replacement may not collide with another endpoint's (path, method) pair.
func (m *AutomationManager) UpdateEndpoint(ctx context.Context, name, path, method string, ep automation.Endpoint) (*automation.Automation, error) {
	return m.mutateEndpoints(ctx, name, func(a *automation.Automation) error {
		if (ep.Path != path || ep.Method != method) && a.FindEndpoint(ep.Path, ep.Method) != nil {
			return ConflictError(fmt.Sprintf("Endpoint %s %s already exists in automation %s", ep.Method, ep.Path, name))
		}
		if !a.UpdateEndpoint(path, method, ep) {
			return fmt.Errorf("endpoint %s %s not found in automation %s: %w", method, path, name, automation.ErrNotFound)
		}
		return nil
	})
}

// RemoveEndpoint deletes the endpoint identified by path and method.
func (m *AutomationManager) RemoveEndpoint(ctx context.Context, name, path, method string) (*automation.Automation, error) {
	return m.mutateEndpoints(ctx, name, func(a *automation.Automation) error {
		if !a.RemoveEndpoint(path, method) {
			return fmt.Errorf("endpoint %s %s not found in automation %s: %w", method, path, name, automation.ErrNotFound)
		}
		return nil
	})
}

func (m *AutomationManager) mutateEndpoints(ctx context.Context, name string, mutate func(*automation.Automation) error) (*automation.Automation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.registry.GetAutomation(name)
	if current == nil {
		return nil, fmt.Errorf("%w: %s", automation.ErrNotFound, name)
	}

	updated := current.Clone()
	if err := mutate(updated); err != nil {
		return nil, err
	}
	defaultEndpointHandlers(updated)

	result, err := m.registry.UpdateAutomation(ctx, name, updated)
	if err != nil {
		return nil, err
	}
	if result.Status == automation.StatusActive {
		m.router.UpdateRouter(name)
	}
	return result, nil
}

// checkEndpointUniqueness rejects an automation whose endpoint list holds
// the same (path, method) pair twice. Endpoint lookups and removals are
// keyed on that pair, so a duplicate would shadow its twin.
func checkEndpointUniqueness(a *automation.Automation) error {
	seen := make(map[string]struct{}, len(a.Endpoints))
	for i := range a.Endpoints {
		key := a.Endpoints[i].Method + " " + a.Endpoints[i].Path
		if _, dup := seen[key]; dup {
			return ConflictError(fmt.Sprintf("Duplicate endpoint %s %s in automation %s", a.Endpoints[i].Method, a.Endpoints[i].Path, a.Name))
		}
		seen[key] = struct{}{}
	}
	return nil
}

// defaultEndpointHandlers fills the built-in crud key on endpoints that do
// not name a handler, so every stored definition records the handler that
// serves it.
func defaultEndpointHandlers(a *automation.Automation) {
	for i := range a.Endpoints {
		if a.Endpoints[i].Handler == "" {
			a.Endpoints[i].Handler = string(DefaultHandlerKey)
		}
	}
}
