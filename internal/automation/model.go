package automation

import "time"

// Status is the lifecycle state of an automation.
type Status string

const (
	StatusDraft    Status = "draft"
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusActive, StatusInactive:
		return true
	}
	return false
}

// ParamType classifies an endpoint parameter.
type ParamType string

const (
	ParamString  ParamType = "string"
	ParamInteger ParamType = "integer"
	ParamFloat   ParamType = "float"
	ParamBoolean ParamType = "boolean"
	ParamObject  ParamType = "object"
	ParamArray   ParamType = "array"
	ParamFile    ParamType = "file"
)

// EndpointParameter declares one parameter of an endpoint.
type EndpointParameter struct {
	Name        string    `json:"name"`
	Type        ParamType `json:"type"`
	Description string    `json:"description,omitempty"`
	Required    bool      `json:"required"`
	Default     any       `json:"default,omitempty"`
}

// Endpoint is the declarative definition of one route within an automation.
type Endpoint struct {
	Path         string              `json:"path"`
	Method       string              `json:"method"`
	Summary      string              `json:"summary,omitempty"`
	Description  string              `json:"description,omitempty"`
	Parameters   []EndpointParameter `json:"parameters,omitempty"`
	Handler      string              `json:"handler,omitempty"`
	RequiresAuth bool                `json:"requires_auth"`
	Active       bool                `json:"active"`
	WrapResponse bool                `json:"wrap_response"`
	SingleItem   bool                `json:"single_item"`
	IDField      string              `json:"id_field,omitempty"`
}

// IDFieldName returns the configured id field, defaulting to "id".
func (e *Endpoint) IDFieldName() string {
	if e.IDField == "" {
		return "id"
	}
	return e.IDField
}

// DatabaseConfig selects and configures the storage backend for an automation.
type DatabaseConfig struct {
	Type   string         `json:"type"`
	Config map[string]any `json:"config,omitempty"`
}

// String returns a config value as a string, or the fallback when absent.
func (d *DatabaseConfig) String(key, fallback string) string {
	if d == nil || d.Config == nil {
		return fallback
	}
	if v, ok := d.Config[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// Automation is a named, versioned bundle of endpoints plus a backend config.
type Automation struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Version     string          `json:"version"`
	BasePath    string          `json:"base_path"`
	Status      Status          `json:"status"`
	Endpoints   []Endpoint      `json:"endpoints"`
	DBConfig    *DatabaseConfig `json:"db_config,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// AddEndpoint appends an endpoint and bumps updated_at.
func (a *Automation) AddEndpoint(ep Endpoint) {
	a.Endpoints = append(a.Endpoints, ep)
	a.UpdatedAt = time.Now().UTC()
}

// FindEndpoint returns the endpoint matching path+method, or nil.
func (a *Automation) FindEndpoint(path, method string) *Endpoint {
	for i := range a.Endpoints {
		if a.Endpoints[i].Path == path && a.Endpoints[i].Method == method {
			return &a.Endpoints[i]
		}
	}
	return nil
}

// RemoveEndpoint removes the endpoint matching path+method.
// Returns true if an endpoint was removed.
func (a *Automation) RemoveEndpoint(path, method string) bool {
	for i := range a.Endpoints {
		if a.Endpoints[i].Path == path && a.Endpoints[i].Method == method {
			a.Endpoints = append(a.Endpoints[:i], a.Endpoints[i+1:]...)
			a.UpdatedAt = time.Now().UTC()
			return true
		}
	}
	return false
}

// UpdateEndpoint replaces the endpoint matching path+method.
// Returns true if an endpoint was replaced.
func (a *Automation) UpdateEndpoint(path, method string, updated Endpoint) bool {
	for i := range a.Endpoints {
		if a.Endpoints[i].Path == path && a.Endpoints[i].Method == method {
			a.Endpoints[i] = updated
			a.UpdatedAt = time.Now().UTC()
			return true
		}
	}
	return false
}

// Clone returns a copy with its own endpoints slice. Mutating the clone never
// affects automations already published in a route-table snapshot.
func (a *Automation) Clone() *Automation {
	dup := *a
	dup.Endpoints = make([]Endpoint, len(a.Endpoints))
	copy(dup.Endpoints, a.Endpoints)
	if a.Metadata != nil {
		dup.Metadata = make(map[string]any, len(a.Metadata))
		for k, v := range a.Metadata {
			dup.Metadata[k] = v
		}
	}
	if a.DBConfig != nil {
		cfg := *a.DBConfig
		dup.DBConfig = &cfg
	}
	return &dup
}
