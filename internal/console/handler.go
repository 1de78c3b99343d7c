package console

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"apiforge/internal/automation"
	"apiforge/internal/engine"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// Handler serves the management surface: listing, defining, activating, and
// deleting automations at runtime.
type Handler struct {
	manager  *engine.AutomationManager
	registry *automation.Registry
	router   *engine.RouterManager
}

func NewHandler(manager *engine.AutomationManager, registry *automation.Registry, router *engine.RouterManager) *Handler {
	return &Handler{manager: manager, registry: registry, router: router}
}

// RegisterConsoleRoutes mounts the management API under /console. The
// caller decides which middleware guards the group.
func RegisterConsoleRoutes(app *fiber.App, h *Handler, middleware ...fiber.Handler) {
	console := app.Group("/console")
	for _, m := range middleware {
		console.Use(m)
	}

	console.Get("/health", h.Health)

	console.Get("/automations", h.ListAutomations)
	console.Post("/automations", h.CreateAutomation)
	console.Get("/automations/:name", h.GetAutomation)
	console.Put("/automations/:name", h.UpdateAutomation)
	console.Delete("/automations/:name", h.DeleteAutomation)

	console.Post("/automations/:name/activate", h.ActivateAutomation)
	console.Post("/automations/:name/deactivate", h.DeactivateAutomation)

	console.Post("/automations/:name/endpoints", h.AddEndpoint)
	console.Put("/automations/:name/endpoints", h.UpdateEndpoint)
	console.Delete("/automations/:name/endpoints", h.RemoveEndpoint)
}

func (h *Handler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":         "healthy",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"automations":    len(h.registry.AllAutomations()),
		"router_version": h.router.Version(),
	})
}

func (h *Handler) ListAutomations(c *fiber.Ctx) error {
	statusFilter := c.Query("status")
	skip := c.QueryInt("skip", 0)
	if skip < 0 {
		skip = 0
	}
	limit := c.QueryInt("limit", defaultPageLimit)
	if limit <= 0 || limit > maxPageLimit {
		limit = defaultPageLimit
	}

	all := h.registry.AllAutomations()
	filtered := make([]*automation.Automation, 0, len(all))
	for _, a := range all {
		if statusFilter != "" && string(a.Status) != statusFilter {
			continue
		}
		filtered = append(filtered, a)
	}

	total := len(filtered)
	if skip > total {
		skip = total
	}
	end := skip + limit
	if end > total {
		end = total
	}

	return c.JSON(fiber.Map{
		"items": filtered[skip:end],
		"total": total,
		"skip":  skip,
		"limit": limit,
	})
}

func (h *Handler) CreateAutomation(c *fiber.Ctx) error {
	var a automation.Automation
	if err := c.BodyParser(&a); err != nil {
		return engine.RespondError(c, engine.ValidationError("Invalid JSON body"))
	}
	if err := validateAutomation(&a); err != nil {
		return engine.RespondError(c, err)
	}
	if a.Status == "" {
		a.Status = automation.StatusDraft
	}
	if a.BasePath == "" {
		a.BasePath = "/api/" + a.Name
	}
	if a.Version == "" {
		a.Version = "1.0.0"
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	registered, err := h.manager.RegisterAutomation(c.Context(), &a)
	if err != nil {
		return engine.RespondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(registered)
}

func (h *Handler) GetAutomation(c *fiber.Ctx) error {
	name := c.Params("name")
	a := h.registry.GetAutomation(name)
	if a == nil {
		return engine.RespondError(c, engine.NotFoundError("Automation not found: "+name))
	}
	return c.JSON(a)
}

func (h *Handler) UpdateAutomation(c *fiber.Ctx) error {
	name := c.Params("name")
	var a automation.Automation
	if err := c.BodyParser(&a); err != nil {
		return engine.RespondError(c, engine.ValidationError("Invalid JSON body"))
	}
	if err := validateAutomation(&a); err != nil {
		return engine.RespondError(c, err)
	}

	updated, err := h.manager.UpdateAutomation(c.Context(), name, &a)
	if err != nil {
		return engine.RespondError(c, err)
	}
	return c.JSON(updated)
}

func (h *Handler) DeleteAutomation(c *fiber.Ctx) error {
	name := c.Params("name")
	if err := h.manager.DeleteAutomation(c.Context(), name); err != nil {
		return engine.RespondError(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "name": name})
}

func (h *Handler) ActivateAutomation(c *fiber.Ctx) error {
	a, err := h.manager.ActivateAutomation(c.Context(), c.Params("name"))
	if err != nil {
		return engine.RespondError(c, err)
	}
	return c.JSON(a)
}

func (h *Handler) DeactivateAutomation(c *fiber.Ctx) error {
	a, err := h.manager.DeactivateAutomation(c.Context(), c.Params("name"))
	if err != nil {
		return engine.RespondError(c, err)
	}
	return c.JSON(a)
}

func (h *Handler) AddEndpoint(c *fiber.Ctx) error {
	name := c.Params("name")
	var ep automation.Endpoint
	if err := c.BodyParser(&ep); err != nil {
		return engine.RespondError(c, engine.ValidationError("Invalid JSON body"))
	}
	if err := validateEndpoint(&ep); err != nil {
		return engine.RespondError(c, err)
	}

	a, err := h.manager.AddEndpoint(c.Context(), name, ep)
	if err != nil {
		return engine.RespondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(a)
}

// UpdateEndpoint replaces the endpoint identified by the path and method
// query parameters with the endpoint in the body.
func (h *Handler) UpdateEndpoint(c *fiber.Ctx) error {
	name := c.Params("name")
	path, method, err := endpointSelector(c)
	if err != nil {
		return engine.RespondError(c, err)
	}

	var ep automation.Endpoint
	if err := c.BodyParser(&ep); err != nil {
		return engine.RespondError(c, engine.ValidationError("Invalid JSON body"))
	}
	if err := validateEndpoint(&ep); err != nil {
		return engine.RespondError(c, err)
	}

	a, err := h.manager.UpdateEndpoint(c.Context(), name, path, method, ep)
	if err != nil {
		return engine.RespondError(c, err)
	}
	return c.JSON(a)
}

func (h *Handler) RemoveEndpoint(c *fiber.Ctx) error {
	name := c.Params("name")
	path, method, err := endpointSelector(c)
	if err != nil {
		return engine.RespondError(c, err)
	}

	a, err := h.manager.RemoveEndpoint(c.Context(), name, path, method)
	if err != nil {
		return engine.RespondError(c, err)
	}
	return c.JSON(a)
}

func endpointSelector(c *fiber.Ctx) (path, method string, err error) {
	path = c.Query("path")
	method = strings.ToUpper(c.Query("method"))
	if path == "" || method == "" {
		return "", "", engine.ValidationError("path and method query parameters are required")
	}
	return path, method, nil
}

var allowedMethods = map[string]struct{}{
	http.MethodGet:    {},
	http.MethodPost:   {},
	http.MethodPut:    {},
	http.MethodPatch:  {},
	http.MethodDelete: {},
}

func validateAutomation(a *automation.Automation) error {
	if a.Name == "" {
		return engine.ValidationError("Automation name is required")
	}
	if a.Status != "" && !a.Status.Valid() {
		return engine.ValidationError(fmt.Sprintf("Invalid status: %s", a.Status))
	}
	if a.BasePath != "" && !strings.HasPrefix(a.BasePath, "/") {
		return engine.ValidationError("base_path must start with /")
	}
	for i := range a.Endpoints {
		if err := validateEndpoint(&a.Endpoints[i]); err != nil {
			return err
		}
	}
	return nil
}

func validateEndpoint(ep *automation.Endpoint) error {
	// An empty path means the automation's base path itself.
	if ep.Path != "" && !strings.HasPrefix(ep.Path, "/") {
		return engine.ValidationError("Endpoint path must start with /")
	}
	ep.Method = strings.ToUpper(ep.Method)
	if _, ok := allowedMethods[ep.Method]; !ok {
		return engine.ValidationError(fmt.Sprintf("Unsupported method: %s", ep.Method))
	}
	for _, p := range ep.Parameters {
		if p.Name == "" {
			return engine.ValidationError("Parameter name is required")
		}
		switch p.Type {
		case "", automation.ParamString, automation.ParamInteger, automation.ParamFloat,
			automation.ParamBoolean, automation.ParamObject, automation.ParamArray, automation.ParamFile:
		default:
			return engine.ValidationError(fmt.Sprintf("Unsupported parameter type: %s", p.Type))
		}
	}
	return nil
}
