package console

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/gofiber/fiber/v2"

	"apiforge/internal/automation"
	"apiforge/internal/blobstore"
	"apiforge/internal/engine"
	"apiforge/internal/repository"
)

func newConsoleApp(t *testing.T) *fiber.App {
	t.Helper()
	store := blobstore.NewStore(nil, blobstore.NewLocalStore(t.TempDir()))
	registry := automation.NewRegistry(store)
	factory := repository.NewFactory()

	endpointHandler := engine.NewEndpointHandler(factory)
	handlers := engine.NewHandlerRegistry()
	if err := handlers.Register(engine.DefaultHandlerKey, endpointHandler.Process); err != nil {
		t.Fatalf("register handler: %v", err)
	}
	router := engine.NewRouterManager(registry, handlers, factory, endpointHandler, nil)
	manager := engine.NewAutomationManager(registry, router)
	if err := manager.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	app := fiber.New()
	RegisterConsoleRoutes(app, NewHandler(manager, registry, router))
	app.All("/*", router.Dispatch)
	return app
}

func request(t *testing.T, app *fiber.App, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, _ := http.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	raw, _ := io.ReadAll(resp.Body)
	var parsed map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &parsed); err != nil {
			t.Fatalf("%s %s: parse %q: %v", method, path, raw, err)
		}
	}
	return resp, parsed
}

func ordersPayload() map[string]any {
	return map[string]any{
		"name":      "orders",
		"base_path": "/api/orders",
		"status":    "active",
		"db_config": map[string]any{"type": "memory"},
		"endpoints": []map[string]any{
			{"path": "", "method": "GET", "active": true},
			{"path": "", "method": "POST", "active": true},
		},
	}
}

func TestConsoleHealth(t *testing.T) {
	app := newConsoleApp(t)
	resp, body := request(t, app, "GET", "/console/health", nil)
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["status"] != "healthy" {
		t.Fatalf("unexpected health: %v", body)
	}
}

func TestConsoleAutomationLifecycle(t *testing.T) {
	app := newConsoleApp(t)

	// Create an active automation; its endpoints go live immediately.
	resp, created := request(t, app, "POST", "/console/automations", ordersPayload())
	if resp.StatusCode != 201 {
		t.Fatalf("create: %d %v", resp.StatusCode, created)
	}
	if created["id"] == "" || created["id"] == nil {
		t.Fatalf("expected assigned id, got %v", created)
	}

	resp, _ = request(t, app, "GET", "/api/orders", nil)
	if resp.StatusCode != 200 {
		t.Fatalf("dynamic route not live: %d", resp.StatusCode)
	}

	// Duplicate names conflict.
	resp, body := request(t, app, "POST", "/console/automations", ordersPayload())
	if resp.StatusCode != 409 {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	if body["type"] != "conflict_error" {
		t.Fatalf("expected conflict_error, got %v", body["type"])
	}

	// Fetch and deactivate.
	resp, fetched := request(t, app, "GET", "/console/automations/orders", nil)
	if resp.StatusCode != 200 || fetched["name"] != "orders" {
		t.Fatalf("get: %d %v", resp.StatusCode, fetched)
	}
	resp, _ = request(t, app, "POST", "/console/automations/orders/deactivate", nil)
	if resp.StatusCode != 200 {
		t.Fatalf("deactivate: %d", resp.StatusCode)
	}
	resp, _ = request(t, app, "GET", "/api/orders", nil)
	if resp.StatusCode != 404 {
		t.Fatalf("deactivated route still live: %d", resp.StatusCode)
	}

	resp, _ = request(t, app, "POST", "/console/automations/orders/activate", nil)
	if resp.StatusCode != 200 {
		t.Fatalf("activate: %d", resp.StatusCode)
	}

	// Delete tombstones the base path.
	resp, _ = request(t, app, "DELETE", "/console/automations/orders", nil)
	if resp.StatusCode != 200 {
		t.Fatalf("delete: %d", resp.StatusCode)
	}
	resp, body = request(t, app, "GET", "/api/orders", nil)
	if resp.StatusCode != 404 || body["error"] != "this endpoint has been deleted" {
		t.Fatalf("expected deletion tombstone, got %d %v", resp.StatusCode, body)
	}

	resp, body = request(t, app, "GET", "/console/automations/orders", nil)
	if resp.StatusCode != 404 {
		t.Fatalf("expected 404 for deleted automation, got %d %v", resp.StatusCode, body)
	}
}

func TestConsoleListPagination(t *testing.T) {
	app := newConsoleApp(t)

	for i := 0; i < 25; i++ {
		payload := map[string]any{
			"name":   fmt.Sprintf("auto-%02d", i),
			"status": "draft",
		}
		if i < 5 {
			payload["status"] = "active"
		}
		resp, _ := request(t, app, "POST", "/console/automations", payload)
		if resp.StatusCode != 201 {
			t.Fatalf("seed %d: %d", i, resp.StatusCode)
		}
	}

	// Default page size is 20.
	_, body := request(t, app, "GET", "/console/automations", nil)
	items, _ := body["items"].([]any)
	if len(items) != 20 {
		t.Fatalf("expected 20 items, got %d", len(items))
	}
	if body["total"] != float64(25) {
		t.Fatalf("expected total 25, got %v", body["total"])
	}

	_, body = request(t, app, "GET", "/console/automations?skip=20", nil)
	items, _ = body["items"].([]any)
	if len(items) != 5 {
		t.Fatalf("expected 5 items at skip=20, got %d", len(items))
	}

	// Status filter.
	_, body = request(t, app, "GET", "/console/automations?status=active", nil)
	if body["total"] != float64(5) {
		t.Fatalf("expected 5 active, got %v", body["total"])
	}

	// Limit above the cap falls back to the default.
	_, body = request(t, app, "GET", "/console/automations?limit=1000", nil)
	if body["limit"] != float64(20) {
		t.Fatalf("expected limit fallback 20, got %v", body["limit"])
	}
}

func TestConsoleValidation(t *testing.T) {
	app := newConsoleApp(t)

	resp, body := request(t, app, "POST", "/console/automations", map[string]any{})
	if resp.StatusCode != 422 {
		t.Fatalf("expected 422 for missing name, got %d", resp.StatusCode)
	}
	if body["type"] != "validation_error" {
		t.Fatalf("expected validation_error, got %v", body["type"])
	}

	resp, _ = request(t, app, "POST", "/console/automations", map[string]any{
		"name":   "bad",
		"status": "archived",
	})
	if resp.StatusCode != 422 {
		t.Fatalf("expected 422 for bad status, got %d", resp.StatusCode)
	}

	resp, _ = request(t, app, "POST", "/console/automations", map[string]any{
		"name": "bad",
		"endpoints": []map[string]any{
			{"path": "/x", "method": "TRACE"},
		},
	})
	if resp.StatusCode != 422 {
		t.Fatalf("expected 422 for bad method, got %d", resp.StatusCode)
	}
}

func TestConsoleEndpointManagement(t *testing.T) {
	app := newConsoleApp(t)
	resp, _ := request(t, app, "POST", "/console/automations", ordersPayload())
	if resp.StatusCode != 201 {
		t.Fatalf("create: %d", resp.StatusCode)
	}

	// Add a single-item endpoint; it is routable immediately.
	resp, _ = request(t, app, "POST", "/console/automations/orders/endpoints", map[string]any{
		"path": "/{id}", "method": "GET", "active": true, "single_item": true,
	})
	if resp.StatusCode != 201 {
		t.Fatalf("add endpoint: %d", resp.StatusCode)
	}
	resp, _ = request(t, app, "GET", "/api/orders/42", nil)
	if resp.StatusCode != 200 {
		t.Fatalf("new endpoint not routed: %d", resp.StatusCode)
	}

	// Update the endpoint identified by query selector.
	resp, _ = request(t, app, "PUT", "/console/automations/orders/endpoints?path=/{id}&method=GET", map[string]any{
		"path": "/{id}", "method": "GET", "active": false, "single_item": true,
	})
	if resp.StatusCode != 200 {
		t.Fatalf("update endpoint: %d", resp.StatusCode)
	}
	resp, _ = request(t, app, "GET", "/api/orders/42", nil)
	if resp.StatusCode == 200 {
		t.Fatal("deactivated endpoint still routed")
	}

	// Selector misses are 404, selector omissions are 422.
	resp, _ = request(t, app, "PUT", "/console/automations/orders/endpoints?path=/nope&method=GET", map[string]any{
		"path": "/nope", "method": "GET",
	})
	if resp.StatusCode != 404 {
		t.Fatalf("expected 404 for missing endpoint, got %d", resp.StatusCode)
	}
	resp, _ = request(t, app, "DELETE", "/console/automations/orders/endpoints", nil)
	if resp.StatusCode != 422 {
		t.Fatalf("expected 422 without selector, got %d", resp.StatusCode)
	}

	// Remove.
	resp, _ = request(t, app, "DELETE", "/console/automations/orders/endpoints?path=/{id}&method=GET", nil)
	if resp.StatusCode != 200 {
		t.Fatalf("remove endpoint: %d", resp.StatusCode)
	}
	_, fetched := request(t, app, "GET", "/console/automations/orders", nil)
	endpoints, _ := fetched["endpoints"].([]any)
	if len(endpoints) != 2 {
		t.Fatalf("expected 2 endpoints after removal, got %d", len(endpoints))
	}
}

func TestConsoleDuplicateEndpoints(t *testing.T) {
	app := newConsoleApp(t)

	// Bulk create with the same (path, method) twice.
	payload := ordersPayload()
	payload["endpoints"] = []map[string]any{
		{"path": "", "method": "GET", "active": true},
		{"path": "", "method": "GET", "active": true},
	}
	resp, body := request(t, app, http.MethodPost, "/console/automations", payload)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate endpoint pair, got %d", resp.StatusCode)
	}
	if body["type"] != "conflict_error" {
		t.Fatalf("expected conflict_error, got %v", body["type"])
	}

	// A clean create, then adding an endpoint that already exists.
	resp, _ = request(t, app, http.MethodPost, "/console/automations", ordersPayload())
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d", resp.StatusCode)
	}
	resp, body = request(t, app, http.MethodPost, "/console/automations/orders/endpoints",
		map[string]any{"path": "", "method": "GET", "active": true})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for existing endpoint, got %d", resp.StatusCode)
	}
	if body["type"] != "conflict_error" {
		t.Fatalf("expected conflict_error, got %v", body["type"])
	}
}
