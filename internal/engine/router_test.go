package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/gofiber/fiber/v2"

	"apiforge/internal/automation"
	"apiforge/internal/blobstore"
	"apiforge/internal/repository"
)

type harness struct {
	app      *fiber.App
	manager  *AutomationManager
	registry *automation.Registry
	router   *RouterManager
}

func newHarness(t *testing.T, auth AuthFunc) *harness {
	t.Helper()
	store := blobstore.NewStore(nil, blobstore.NewLocalStore(t.TempDir()))
	registry := automation.NewRegistry(store)
	factory := repository.NewFactory()

	endpointHandler := NewEndpointHandler(factory)
	handlers := NewHandlerRegistry()
	if err := handlers.Register(DefaultHandlerKey, endpointHandler.Process); err != nil {
		t.Fatalf("register handler: %v", err)
	}

	router := NewRouterManager(registry, handlers, factory, endpointHandler, auth)
	manager := NewAutomationManager(registry, router)
	if err := manager.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	app := fiber.New()
	app.All("/*", router.Dispatch)
	return &harness{app: app, manager: manager, registry: registry, router: router}
}

func itemsAutomation() *automation.Automation {
	return &automation.Automation{
		Name:     "inventory",
		Version:  "1.0.0",
		BasePath: "/api/items",
		Status:   automation.StatusActive,
		DBConfig: &automation.DatabaseConfig{Type: repository.BackendMemory},
		Endpoints: []automation.Endpoint{
			{Path: "", Method: "GET", Active: true},
			{Path: "", Method: "POST", Active: true},
			{Path: "/{id}", Method: "GET", Active: true, SingleItem: true},
			{Path: "/{id}", Method: "PUT", Active: true},
			{Path: "/{id}", Method: "PATCH", Active: true},
			{Path: "/{id}", Method: "DELETE", Active: true},
		},
	}
}

func (h *harness) register(t *testing.T, a *automation.Automation) {
	t.Helper()
	if _, err := h.manager.RegisterAutomation(context.Background(), a); err != nil {
		t.Fatalf("register automation: %v", err)
	}
}

func (h *harness) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, _ := http.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.app.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	raw, _ := io.ReadAll(resp.Body)
	var parsed map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &parsed); err != nil {
			t.Fatalf("%s %s: parse response %q: %v", method, path, raw, err)
		}
	}
	return resp, parsed
}

func TestDispatchUnknownPath(t *testing.T) {
	h := newHarness(t, nil)
	resp, body := h.do(t, "GET", "/api/nothing", nil)
	if resp.StatusCode != 404 {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if body["type"] != "not_found_error" {
		t.Fatalf("expected not_found_error, got %v", body["type"])
	}
}

func TestDispatchMethodNotAllowed(t *testing.T) {
	h := newHarness(t, nil)
	a := itemsAutomation()
	a.Endpoints = a.Endpoints[:1] // GET list only
	h.register(t, a)

	resp, _ := h.do(t, "DELETE", "/api/items", nil)
	if resp.StatusCode != 405 {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestInactiveEndpointsNotRouted(t *testing.T) {
	h := newHarness(t, nil)
	a := itemsAutomation()
	a.Endpoints[1].Active = false // POST
	h.register(t, a)

	resp, _ := h.do(t, "GET", "/api/items", nil)
	if resp.StatusCode != 200 {
		t.Fatalf("GET should be routed, got %d", resp.StatusCode)
	}
	resp, _ = h.do(t, "POST", "/api/items", map[string]any{"name": "x"})
	if resp.StatusCode != 405 {
		t.Fatalf("inactive POST should not be routed, got %d", resp.StatusCode)
	}
}

func TestInactiveAutomationNotRouted(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, itemsAutomation())

	if _, err := h.manager.DeactivateAutomation(context.Background(), "inventory"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	resp, body := h.do(t, "GET", "/api/items", nil)
	if resp.StatusCode != 404 {
		t.Fatalf("expected 404 after deactivation, got %d", resp.StatusCode)
	}
	if body["error"] == "this endpoint has been deleted" {
		t.Fatal("deactivation must not be reported as deletion")
	}

	// Deactivating again is a no-op.
	if _, err := h.manager.DeactivateAutomation(context.Background(), "inventory"); err != nil {
		t.Fatalf("second deactivate: %v", err)
	}

	if _, err := h.manager.ActivateAutomation(context.Background(), "inventory"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	resp, _ = h.do(t, "GET", "/api/items", nil)
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200 after reactivation, got %d", resp.StatusCode)
	}
}

func TestDeletedAutomationReportsDeletion(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, itemsAutomation())

	if err := h.manager.DeleteAutomation(context.Background(), "inventory"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	resp, body := h.do(t, "GET", "/api/items", nil)
	if resp.StatusCode != 404 {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if body["error"] != "this endpoint has been deleted" {
		t.Fatalf("expected deletion message, got %v", body["error"])
	}

	// Subpaths of the deleted base path report deletion too.
	_, body = h.do(t, "GET", "/api/items/42", nil)
	if body["error"] != "this endpoint has been deleted" {
		t.Fatalf("expected deletion message for subpath, got %v", body["error"])
	}

	// Registering a new automation on the path lifts the tombstone.
	h.register(t, itemsAutomation())
	resp, _ = h.do(t, "GET", "/api/items", nil)
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200 after re-registration, got %d", resp.StatusCode)
	}
}

func TestFullRebuildClearsTombstones(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, itemsAutomation())
	if err := h.manager.DeleteAutomation(context.Background(), "inventory"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	h.router.RegisterAllRouters()

	_, body := h.do(t, "GET", "/api/items", nil)
	if body["error"] == "this endpoint has been deleted" {
		t.Fatal("full rebuild must clear deletion tombstones")
	}
}

func TestSnapshotVersionAdvances(t *testing.T) {
	h := newHarness(t, nil)
	v0 := h.router.Version()
	h.register(t, itemsAutomation())
	v1 := h.router.Version()
	if v1 <= v0 {
		t.Fatalf("version did not advance: %d -> %d", v0, v1)
	}
}

func TestUnknownHandlerKeySkipped(t *testing.T) {
	h := newHarness(t, nil)
	a := itemsAutomation()
	a.Endpoints[1].Handler = "nonexistent"
	h.register(t, a)

	resp, _ := h.do(t, "GET", "/api/items", nil)
	if resp.StatusCode != 200 {
		t.Fatalf("healthy endpoint should still be routed, got %d", resp.StatusCode)
	}
	resp, _ = h.do(t, "POST", "/api/items", map[string]any{"name": "x"})
	if resp.StatusCode != 405 {
		t.Fatalf("endpoint with unknown handler should be skipped, got %d", resp.StatusCode)
	}
}

func TestRequiresAuth(t *testing.T) {
	authFn := func(c *fiber.Ctx) error {
		if c.Get("Authorization") != "Bearer good" {
			return UnauthorizedError("Invalid or expired token")
		}
		return nil
	}
	h := newHarness(t, authFn)
	a := itemsAutomation()
	for i := range a.Endpoints {
		a.Endpoints[i].RequiresAuth = true
	}
	h.register(t, a)

	resp, body := h.do(t, "GET", "/api/items", nil)
	if resp.StatusCode != 401 {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}
	if body["type"] != "auth_error" {
		t.Fatalf("expected auth_error, got %v", body["type"])
	}

	req, _ := http.NewRequest("GET", "/api/items", nil)
	req.Header.Set("Authorization", "Bearer good")
	resp2, err := h.app.Test(req, -1)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp2.StatusCode != 200 {
		t.Fatalf("expected 200 with token, got %d", resp2.StatusCode)
	}
}

func TestAutomationHealthEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, itemsAutomation())

	resp, body := h.do(t, "GET", "/api/items/health", nil)
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["service"] != "inventory" {
		t.Fatalf("expected service inventory, got %v", body["service"])
	}
	if body["status"] != "healthy" {
		t.Fatalf("expected healthy, got %v", body["status"])
	}
	deps, ok := body["dependencies"].(map[string]any)
	if !ok {
		t.Fatalf("missing dependencies: %v", body)
	}
	if _, ok := deps["memory"]; !ok {
		t.Fatalf("expected memory dependency, got %v", deps)
	}
	if _, ok := body["system_info"]; !ok {
		t.Fatal("missing system_info")
	}
	if _, ok := body["response_time_ms"]; !ok {
		t.Fatal("missing response_time_ms")
	}
}

func TestDraftActivationScenario(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	a, err := h.manager.CreateAutomation(ctx, "orders", "order service", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if a.Status != automation.StatusDraft {
		t.Fatalf("expected draft, got %s", a.Status)
	}

	// Drafts are not routed, not even their health probe.
	resp, _ := h.do(t, "GET", "/api/orders/health", nil)
	if resp.StatusCode != 404 {
		t.Fatalf("draft should not be routed, got %d", resp.StatusCode)
	}

	activated, err := h.manager.ActivateAutomation(ctx, "orders")
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if activated.Status != automation.StatusActive {
		t.Fatalf("expected active, got %s", activated.Status)
	}

	resp, body := h.do(t, "GET", "/api/orders/health", nil)
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["service"] != "orders" {
		t.Fatalf("expected service orders, got %v", body["service"])
	}
}

func TestBackgroundTasks(t *testing.T) {
	var tasks BackgroundTasks
	done := make(chan struct{})
	tasks.Run(func() { close(done) })
	tasks.Wait()
	select {
	case <-done:
	default:
		t.Fatal("task did not run before Wait returned")
	}
}

func TestParsePathTemplate(t *testing.T) {
	cases := []struct {
		template string
		path     string
		params   map[string]string
		match    bool
	}{
		{"/api/items", "/api/items", nil, true},
		{"/api/items", "/api/items/", nil, true},
		{"/api/items/{id}", "/api/items/42", map[string]string{"id": "42"}, true},
		{"/api/items/:id", "/api/items/42", map[string]string{"id": "42"}, true},
		{"/api/{a}/x/{b}", "/api/1/x/2", map[string]string{"a": "1", "b": "2"}, true},
		{"/api/items/{id}", "/api/items", nil, false},
		{"/api/items", "/api/other", nil, false},
	}
	for _, tc := range cases {
		segs := parsePathTemplate(tc.template)
		params, ok := matchPath(segs, normalizePath(tc.path))
		if ok != tc.match {
			t.Fatalf("%s vs %s: match=%v want %v", tc.template, tc.path, ok, tc.match)
		}
		for name, want := range tc.params {
			if params[name] != want {
				t.Fatalf("%s vs %s: param %s=%q want %q", tc.template, tc.path, name, params[name], want)
			}
		}
	}
}

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"":            "/",
		"/":           "/",
		"api/items":   "/api/items",
		"/api/items/": "/api/items",
	}
	for in, want := range cases {
		if got := normalizePath(in); got != want {
			t.Fatalf("normalizePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestAddEndpointRejectsDuplicatePair(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, itemsAutomation())
	ctx := context.Background()

	ep := automation.Endpoint{Path: "/dup", Method: "GET", Active: true}
	if _, err := h.manager.AddEndpoint(ctx, "inventory", ep); err != nil {
		t.Fatalf("first add: %v", err)
	}

	_, err := h.manager.AddEndpoint(ctx, "inventory", ep)
	var appErr *AppError
	if !errors.As(err, &appErr) || appErr.Kind != KindConflict {
		t.Fatalf("expected conflict, got %v", err)
	}

	count := 0
	for _, e := range h.registry.GetAutomation("inventory").Endpoints {
		if e.Path == "/dup" && e.Method == "GET" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("GET /dup appears %d times, want 1", count)
	}
}

func TestRegisterRejectsDuplicateEndpointPair(t *testing.T) {
	h := newHarness(t, nil)
	a := itemsAutomation()
	a.Endpoints = append(a.Endpoints, automation.Endpoint{Path: "", Method: "GET", Active: true})

	_, err := h.manager.RegisterAutomation(context.Background(), a)
	var appErr *AppError
	if !errors.As(err, &appErr) || appErr.Kind != KindConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
	if h.registry.GetAutomation("inventory") != nil {
		t.Fatal("rejected automation must not enter the catalog")
	}
}

func TestUpdateEndpointRejectsCollision(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, itemsAutomation())

	// Moving GET /{id} onto the collection route collides with GET "".
	moved := automation.Endpoint{Path: "", Method: "GET", Active: true}
	_, err := h.manager.UpdateEndpoint(context.Background(), "inventory", "/{id}", "GET", moved)
	var appErr *AppError
	if !errors.As(err, &appErr) || appErr.Kind != KindConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestRegistrationFillsDefaultHandler(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, itemsAutomation())

	for _, ep := range h.registry.GetAutomation("inventory").Endpoints {
		if ep.Handler != string(DefaultHandlerKey) {
			t.Fatalf("endpoint %s %q handler = %q, want %q", ep.Method, ep.Path, ep.Handler, DefaultHandlerKey)
		}
	}

	resp, _ := h.do(t, http.MethodGet, "/api/items", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 through default handler, got %d", resp.StatusCode)
	}
}

func TestHandlerlessEndpointSkipped(t *testing.T) {
	h := newHarness(t, nil)

	// A definition that bypassed the manager, as a hand-edited stored
	// document would, carries no handler reference and is not routed.
	a := itemsAutomation()
	if _, err := h.registry.RegisterAutomation(context.Background(), a); err != nil {
		t.Fatalf("register: %v", err)
	}
	h.router.RegisterAllRouters()

	resp, body := h.do(t, http.MethodGet, "/api/items", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for handler-less endpoint, got %d", resp.StatusCode)
	}
	if body["type"] != "not_found_error" {
		t.Fatalf("expected not_found_error, got %v", body["type"])
	}
}
