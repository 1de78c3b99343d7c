package engine

import (
	"context"
	"log"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2"

	"apiforge/internal/automation"
	"apiforge/internal/repository"
)

// AuthFunc guards an endpoint with requires_auth set. A non-nil error
// aborts the request; the error is rendered through RespondError.
type AuthFunc func(c *fiber.Ctx) error

// route is one dispatchable endpoint inside a snapshot.
type route struct {
	method     string
	segments   []segment
	automation *automation.Automation
	endpoint   *automation.Endpoint
	handler    HandlerFunc
	health     bool
}

type segment struct {
	literal string
	param   string // non-empty for a {name} or :name segment
}

// snapshot is an immutable route table. Dispatch reads whichever snapshot
// is current at the instant the request arrives; rebuilds install a fresh
// snapshot with a single atomic pointer swap, so no request ever observes
// a half-built table.
type snapshot struct {
	version      uint64
	routes       []route
	deletedPaths map[string]struct{}
}

// RouterManager owns the live route table. All mutations go through
// RegisterAllRouters / UpdateRouter / RemoveRouter, which build a complete
// replacement snapshot and swap it in.
type RouterManager struct {
	registry *automation.Registry
	handlers *HandlerRegistry
	factory  *repository.Factory
	endpoint *EndpointHandler
	auth     AuthFunc
	version  atomic.Uint64
	current  atomic.Pointer[snapshot]
}

func NewRouterManager(reg *automation.Registry, handlers *HandlerRegistry, factory *repository.Factory, endpoint *EndpointHandler, auth AuthFunc) *RouterManager {
	rm := &RouterManager{
		registry: reg,
		handlers: handlers,
		factory:  factory,
		endpoint: endpoint,
		auth:     auth,
	}
	rm.current.Store(&snapshot{deletedPaths: map[string]struct{}{}})
	return rm
}

// Version reports the version of the currently installed snapshot.
func (rm *RouterManager) Version() uint64 {
	return rm.current.Load().version
}

// RegisterAllRouters rebuilds the route table from every active automation
// in the registry. The deleted-path set is reset; a full rebuild is the
// only operation that forgives previously deleted paths.
func (rm *RouterManager) RegisterAllRouters() {
	routes := rm.collectRoutes(rm.registry.AllAutomations())
	rm.install(routes, map[string]struct{}{})
}

// UpdateRouter reinstalls the table after one automation changed. The
// change may be activation, deactivation, or an endpoint edit; the table is
// rebuilt from the registry either way so it can never drift.
func (rm *RouterManager) UpdateRouter(name string) {
	prev := rm.current.Load()
	deleted := copyPathSet(prev.deletedPaths)
	if a := rm.registry.GetAutomation(name); a != nil {
		// Paths served again stop being tombstones.
		delete(deleted, normalizePath(a.BasePath))
	}
	routes := rm.collectRoutes(rm.registry.AllAutomations())
	rm.install(routes, deleted)
}

// RemoveRouter reinstalls the table without the named automation and
// records its base path as deleted, so former clients get an explicit
// deletion message instead of a bare 404.
func (rm *RouterManager) RemoveRouter(basePath string) {
	prev := rm.current.Load()
	deleted := copyPathSet(prev.deletedPaths)
	deleted[normalizePath(basePath)] = struct{}{}
	routes := rm.collectRoutes(rm.registry.AllAutomations())
	rm.install(routes, deleted)
}

func (rm *RouterManager) install(routes []route, deleted map[string]struct{}) {
	next := &snapshot{
		version:      rm.version.Add(1),
		routes:       routes,
		deletedPaths: deleted,
	}
	rm.current.Store(next)
	log.Printf("router: installed snapshot v%d with %d routes", next.version, len(routes))
}

func (rm *RouterManager) collectRoutes(automations []*automation.Automation) []route {
	var routes []route
	for _, a := range automations {
		if a.Status != automation.StatusActive {
			continue
		}
		base := normalizePath(a.BasePath)
		for i := range a.Endpoints {
			ep := &a.Endpoints[i]
			if !ep.Active {
				continue
			}
			if ep.Handler == "" {
				log.Printf("router: skipping %s %s%s of automation %q: no handler reference",
					ep.Method, base, ep.Path, a.Name)
				continue
			}
			fn, err := rm.handlers.Resolve(HandlerKey(ep.Handler))
			if err != nil {
				log.Printf("router: skipping %s %s%s of automation %q: %v",
					ep.Method, base, ep.Path, a.Name, err)
				continue
			}
			routes = append(routes, route{
				method:     strings.ToUpper(ep.Method),
				segments:   parsePathTemplate(base + ep.Path),
				automation: a,
				endpoint:   ep,
				handler:    fn,
			})
		}
		// Every active automation gets a synthesized health probe.
		routes = append(routes, route{
			method:     fiber.MethodGet,
			segments:   parsePathTemplate(base + "/health"),
			automation: a,
			health:     true,
		})
	}
	return routes
}

// Dispatch is the catch-all handler mounted last on the fiber app. It
// matches the request against the current snapshot and runs the endpoint
// pipeline, or reports deleted / unknown paths.
func (rm *RouterManager) Dispatch(c *fiber.Ctx) error {
	snap := rm.current.Load()
	path := normalizePath(c.Path())
	method := c.Method()

	pathMatched := false
	for i := range snap.routes {
		r := &snap.routes[i]
		params, ok := matchPath(r.segments, path)
		if !ok {
			continue
		}
		pathMatched = true
		if r.method != method {
			continue
		}

		if r.health {
			return rm.serveHealth(c, r.automation)
		}
		if r.endpoint.RequiresAuth && rm.auth != nil {
			if err := rm.auth(c); err != nil {
				return RespondError(c, err)
			}
		}
		return rm.endpoint.HandleRequest(c, r.automation, r.endpoint, r.handler, params)
	}

	if pathMatched {
		return RespondError(c, &AppError{
			Kind:    KindServer,
			Status:  fiber.StatusMethodNotAllowed,
			Message: "Method " + method + " not allowed for " + path,
		})
	}

	for deleted := range snap.deletedPaths {
		if path == deleted || strings.HasPrefix(path, deleted+"/") {
			return RespondError(c, NotFoundError("this endpoint has been deleted"))
		}
	}

	return RespondError(c, NotFoundError("Not found: "+path))
}

func (rm *RouterManager) serveHealth(c *fiber.Ctx, a *automation.Automation) error {
	start := time.Now()

	status := "healthy"
	dependencies := fiber.Map{}
	backend := repository.BackendMemory
	if a.DBConfig != nil && a.DBConfig.Type != "" {
		backend = a.DBConfig.Type
	}

	ctx, cancel := context.WithTimeout(c.Context(), 3*time.Second)
	defer cancel()
	if err := rm.factory.Ping(ctx, a.Name, a.DBConfig); err != nil {
		status = "degraded"
		dependencies[backend] = fiber.Map{"status": "unhealthy", "error": err.Error()}
	} else {
		dependencies[backend] = fiber.Map{"status": "healthy"}
	}

	return c.JSON(fiber.Map{
		"service":          a.Name,
		"status":           status,
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
		"version":          a.Version,
		"response_time_ms": float64(time.Since(start).Microseconds()) / 1000.0,
		"dependencies":     dependencies,
		"system_info": fiber.Map{
			"go_version":    runtime.Version(),
			"num_goroutine": runtime.NumGoroutine(),
			"num_cpu":       runtime.NumCPU(),
		},
	})
}

// parsePathTemplate splits a template into segments, accepting both
// "{name}" and ":name" parameter styles.
func parsePathTemplate(template string) []segment {
	parts := splitPath(normalizePath(template))
	segments := make([]segment, 0, len(parts))
	for _, part := range parts {
		switch {
		case strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}"):
			segments = append(segments, segment{param: part[1 : len(part)-1]})
		case strings.HasPrefix(part, ":"):
			segments = append(segments, segment{param: part[1:]})
		default:
			segments = append(segments, segment{literal: part})
		}
	}
	return segments
}

func matchPath(segments []segment, path string) (map[string]string, bool) {
	parts := splitPath(path)
	if len(parts) != len(segments) {
		return nil, false
	}
	var params map[string]string
	for i, seg := range segments {
		if seg.param != "" {
			if params == nil {
				params = map[string]string{}
			}
			params[seg.param] = parts[i]
			continue
		}
		if seg.literal != parts[i] {
			return nil, false
		}
	}
	return params, true
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// normalizePath guarantees a leading slash and no trailing slash.
func normalizePath(path string) string {
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
	}
	return path
}

func copyPathSet(src map[string]struct{}) map[string]struct{} {
	dst := make(map[string]struct{}, len(src))
	for k := range src {
		dst[k] = struct{}{}
	}
	return dst
}
