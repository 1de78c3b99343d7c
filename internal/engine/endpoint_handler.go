package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"apiforge/internal/automation"
	"apiforge/internal/repository"
)

const (
	defaultLimit = 100
	maxLimit     = 100
)

// EndpointHandler is the generic, config-driven request processor. It
// extracts and validates parameters per the endpoint declaration, runs the
// resolved handler, and formats the response. Its Process method is the
// built-in CRUD handler registered under DefaultHandlerKey.
type EndpointHandler struct {
	factory *repository.Factory
}

func NewEndpointHandler(factory *repository.Factory) *EndpointHandler {
	return &EndpointHandler{factory: factory}
}

// HandleRequest runs the full request pipeline for one matched endpoint:
// extract/validate parameters, invoke fn, format and write the response.
// Errors are converted to the structured error payload here; nothing
// escapes to the caller.
func (h *EndpointHandler) HandleRequest(c *fiber.Ctx, a *automation.Automation, ep *automation.Endpoint, fn HandlerFunc, pathParams map[string]string) error {
	params, err := extractParameters(c, ep, pathParams)
	if err != nil {
		return RespondError(c, err)
	}

	tasks := &BackgroundTasks{}
	result, err := fn(c.Context(), params, a, ep, tasks)
	if err != nil {
		return RespondError(c, err)
	}

	return c.Status(successStatus(ep.Method)).JSON(formatResponse(ep, result))
}

// Process is the generic CRUD handler: it obtains a repository for the
// automation's backend config and dispatches on the HTTP method.
func (h *EndpointHandler) Process(ctx context.Context, params map[string]any, a *automation.Automation, ep *automation.Endpoint, _ *BackgroundTasks) (any, error) {
	repo, err := h.factory.CreateRepository(ctx, a.Name, a.DBConfig)
	if err != nil {
		if errors.Is(err, repository.ErrConfiguration) {
			return nil, ConfigurationError(err.Error())
		}
		return nil, DatabaseError(err.Error())
	}

	switch ep.Method {
	case http.MethodGet:
		if ep.SingleItem {
			return h.getSingle(ctx, repo, ep, params)
		}
		return h.list(ctx, repo, params)
	case http.MethodPost:
		entity, err := repo.Create(ctx, params)
		if err != nil {
			return nil, DatabaseError(err.Error())
		}
		return entity, nil
	case http.MethodPut:
		return h.update(ctx, repo, ep, params)
	case http.MethodDelete:
		return h.delete(ctx, repo, ep, params)
	case http.MethodPatch:
		return h.patch(ctx, repo, ep, params)
	default:
		return nil, &AppError{
			Kind:    KindServer,
			Status:  fiber.StatusNotImplemented,
			Message: fmt.Sprintf("Method %s not implemented", ep.Method),
		}
	}
}

func (h *EndpointHandler) getSingle(ctx context.Context, repo repository.Repository, ep *automation.Endpoint, params map[string]any) (any, error) {
	id, err := requireID(ep, params)
	if err != nil {
		return nil, err
	}
	entity, err := repo.GetByID(ctx, id)
	if err != nil {
		return nil, DatabaseError(err.Error())
	}
	if entity == nil {
		return repository.Entity{}, nil
	}
	return entity, nil
}

func (h *EndpointHandler) list(ctx context.Context, repo repository.Repository, params map[string]any) (any, error) {
	filters := map[string]any{}
	for field, value := range params {
		if field == "offset" || field == "limit" {
			continue
		}
		filters[field] = value
	}

	offset := intParam(params["offset"], 0)
	if offset < 0 {
		offset = 0
	}
	limit := intParam(params["limit"], defaultLimit)
	if limit <= 0 || limit > maxLimit {
		limit = defaultLimit
	}

	items, err := repo.Find(ctx, filters, limit, offset)
	if err != nil {
		return nil, DatabaseError(err.Error())
	}
	total, err := repo.Count(ctx, filters)
	if err != nil {
		return nil, DatabaseError(err.Error())
	}
	if items == nil {
		items = []repository.Entity{}
	}

	return fiber.Map{
		"items":  items,
		"total":  total,
		"offset": offset,
		"limit":  limit,
	}, nil
}

func (h *EndpointHandler) update(ctx context.Context, repo repository.Repository, ep *automation.Endpoint, params map[string]any) (any, error) {
	id, err := requireID(ep, params)
	if err != nil {
		return nil, err
	}
	params["id"] = id
	updated, err := repo.Update(ctx, params)
	if err != nil {
		return nil, DatabaseError(err.Error())
	}
	if updated == nil {
		return nil, NotFoundError(fmt.Sprintf("Item with ID %s not found", id))
	}
	return updated, nil
}

func (h *EndpointHandler) delete(ctx context.Context, repo repository.Repository, ep *automation.Endpoint, params map[string]any) (any, error) {
	id, err := requireID(ep, params)
	if err != nil {
		return nil, err
	}
	deleted, err := repo.Delete(ctx, id)
	if err != nil {
		return nil, DatabaseError(err.Error())
	}
	return fiber.Map{"success": deleted, "id": id}, nil
}

func (h *EndpointHandler) patch(ctx context.Context, repo repository.Repository, ep *automation.Endpoint, params map[string]any) (any, error) {
	id, err := requireID(ep, params)
	if err != nil {
		return nil, err
	}
	existing, err := repo.GetByID(ctx, id)
	if err != nil {
		return nil, DatabaseError(err.Error())
	}
	if existing == nil {
		return nil, NotFoundError(fmt.Sprintf("Item with ID %s not found", id))
	}

	idField := ep.IDFieldName()
	for field, value := range params {
		if field == idField || field == "id" {
			continue
		}
		existing[field] = value
	}

	updated, err := repo.Update(ctx, existing)
	if err != nil {
		return nil, DatabaseError(err.Error())
	}
	if updated == nil {
		return nil, NotFoundError(fmt.Sprintf("Item with ID %s not found", id))
	}
	return updated, nil
}

// requireID extracts the endpoint's id field from params, converting
// non-string values to their string form.
func requireID(ep *automation.Endpoint, params map[string]any) (string, error) {
	idField := ep.IDFieldName()
	value, ok := params[idField]
	if !ok || value == nil || value == "" {
		return "", ValidationError(fmt.Sprintf("Missing required ID field: %s", idField))
	}
	if s, ok := value.(string); ok {
		return s, nil
	}
	return fmt.Sprint(value), nil
}

// extractParameters merges path, query, and body parameters, then validates
// and coerces them against the endpoint's declared parameters.
func extractParameters(c *fiber.Ctx, ep *automation.Endpoint, pathParams map[string]string) (map[string]any, error) {
	params := map[string]any{}

	c.Request().URI().QueryArgs().VisitAll(func(key, value []byte) {
		params[string(key)] = string(value)
	})

	// Path parameters win on name collision.
	for name, value := range pathParams {
		params[name] = value
	}

	switch ep.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		if err := mergeBody(c, params); err != nil {
			return nil, err
		}
	}

	return validateParameters(ep, params)
}

// mergeBody folds the request body into params by content type. Absent
// bodies and non-JSON parse problems are tolerated; a malformed JSON body
// is a validation error.
func mergeBody(c *fiber.Ctx, params map[string]any) error {
	contentType := string(c.Request().Header.ContentType())

	switch {
	case strings.HasPrefix(contentType, fiber.MIMEApplicationJSON):
		body := c.Body()
		if len(strings.TrimSpace(string(body))) == 0 {
			return nil
		}
		var parsed map[string]any
		if err := json.Unmarshal(body, &parsed); err != nil {
			return ValidationError("Invalid JSON body")
		}
		for key, value := range parsed {
			params[key] = value
		}

	case strings.HasPrefix(contentType, fiber.MIMEApplicationForm):
		c.Request().PostArgs().VisitAll(func(key, value []byte) {
			params[string(key)] = string(value)
		})

	case strings.HasPrefix(contentType, fiber.MIMEMultipartForm):
		form, err := c.MultipartForm()
		if err != nil {
			return nil
		}
		for key, values := range form.Value {
			if len(values) > 0 {
				params[key] = values[0]
			}
		}
		for key, files := range form.File {
			if len(files) > 0 {
				params[key] = map[string]any{
					"filename":     files[0].Filename,
					"size":         files[0].Size,
					"content_type": files[0].Header.Get("Content-Type"),
				}
			}
		}
	}

	return nil
}

// validateParameters checks required parameters, applies defaults, and
// coerces values to their declared types. All failures are collected into
// one validation error.
func validateParameters(ep *automation.Endpoint, params map[string]any) (map[string]any, error) {
	var problems []string
	for _, p := range ep.Parameters {
		value, present := params[p.Name]
		if !present || value == nil {
			if p.Default != nil {
				params[p.Name] = p.Default
				continue
			}
			if p.Required {
				problems = append(problems, p.Name+": field required")
			}
			continue
		}

		coerced, err := coerceValue(p.Type, value)
		if err != nil {
			problems = append(problems, p.Name+": "+err.Error())
			continue
		}
		params[p.Name] = coerced
	}

	if len(problems) > 0 {
		return nil, ValidationError("Parameter validation failed: " + strings.Join(problems, "; "))
	}
	return params, nil
}

func coerceValue(t automation.ParamType, value any) (any, error) {
	switch t {
	case automation.ParamString, "":
		switch v := value.(type) {
		case string:
			return v, nil
		case map[string]any, []any:
			return nil, errors.New("value is not a valid string")
		default:
			return fmt.Sprint(v), nil
		}

	case automation.ParamInteger:
		switch v := value.(type) {
		case int:
			return v, nil
		case int64:
			return int(v), nil
		case float64:
			if v != float64(int64(v)) {
				return nil, errors.New("value is not a valid integer")
			}
			return int(v), nil
		case string:
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return nil, errors.New("value is not a valid integer")
			}
			return n, nil
		}
		return nil, errors.New("value is not a valid integer")

	case automation.ParamFloat:
		switch v := value.(type) {
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case float64:
			return v, nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, errors.New("value is not a valid float")
			}
			return f, nil
		}
		return nil, errors.New("value is not a valid float")

	case automation.ParamBoolean:
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return nil, errors.New("value is not a valid boolean")
			}
			return b, nil
		}
		return nil, errors.New("value is not a valid boolean")

	case automation.ParamObject:
		if v, ok := value.(map[string]any); ok {
			return v, nil
		}
		return nil, errors.New("value is not a valid object")

	case automation.ParamArray:
		if v, ok := value.([]any); ok {
			return v, nil
		}
		return nil, errors.New("value is not a valid array")

	case automation.ParamFile:
		return value, nil
	}

	return value, nil
}

// intParam parses an int out of a loosely typed parameter, falling back to
// def on anything malformed.
func intParam(value any, def int) int {
	switch v := value.(type) {
	case nil:
		return def
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return def
		}
		return n
	}
	return def
}

func formatResponse(ep *automation.Endpoint, result any) any {
	if ep.WrapResponse {
		return fiber.Map{"data": result, "success": true}
	}
	return result
}

func successStatus(method string) int {
	switch method {
	case http.MethodPost:
		return fiber.StatusCreated
	case http.MethodDelete:
		return fiber.StatusNoContent
	default:
		return fiber.StatusOK
	}
}
