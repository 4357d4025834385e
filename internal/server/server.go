package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"tasknest/internal/domain"
	"tasknest/internal/engine"
	"tasknest/internal/engine/auth"
	"tasknest/internal/enhance"
	"tasknest/internal/identity"
	"tasknest/internal/logging"
	"tasknest/internal/repo"
)

const apiVersion = "0.3.0"

// Config for the HTTP API handler.
type Config struct {
	Engine       engine.Engine
	Orchestrator enhance.Orchestrator
	Monitor      enhance.Monitor
	// Identity may be nil; the auth proxy routes then answer 503.
	Identity    *identity.Client
	BasePath    string
	CORSOrigins []string
	Auth        AuthConfig
	Logger      *slog.Logger
}

// apiError models the error envelope {"error": code, "message": ..., "details": ...}.
type apiError struct {
	status  int
	Code    string         `json:"error" example:"validation_error"`
	Message string         `json:"message" example:"status: invalid status \"doing\""`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type bodyBytesKey struct{}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Message }

// New returns an HTTP handler exposing the Tasknest API.
func New(cfg Config) (http.Handler, error) {
	basePath := strings.TrimRight(cfg.BasePath, "/")
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := logging.OrDefault(cfg.Logger)
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the API envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors are plain 400s.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLogger(log))
	router.Use(middleware.Recoverer)
	router.Use(corsMiddleware(cfg.CORSOrigins))
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	authCfg := cfg.Auth
	if authCfg.Logger == nil {
		authCfg.Logger = log
	}
	router.Use(newAuthMiddleware(basePath, authCfg))

	hcfg := huma.DefaultConfig("Tasknest API", apiVersion)
	hcfg.OpenAPIPath = "" // served below with security applied
	hcfg.DocsPath = ""    // custom Swagger UI below
	api := humachi.New(router, hcfg)
	var group huma.API = api
	if basePath != "" {
		group = huma.NewGroup(api, basePath)
	}

	registerDocs(router, basePath)
	registerHealth(group)
	registerTasks(group, cfg.Engine)
	registerTaskEvents(group, cfg.Engine)
	registerEnhance(group, cfg.Orchestrator)
	registerIdentity(group, cfg.Identity)
	if cfg.Auth.DevTokens {
		registerDevAuth(group, cfg.Auth)
	}
	registerStreams(router, basePath, streamHandler{
		monitor: cfg.Monitor,
		origins: originHosts(cfg.CORSOrigins),
		logger:  log.With("component", "stream"),
	})
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		var details map[string]any
		if ve.Field != "" {
			details = map[string]any{"field": ve.Field, "reason": ve.Reason}
		}
		return newAPIError(http.StatusBadRequest, "validation_error", ve.Error(), details)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", "task not found", nil)
	}
	var ue auth.UnauthorizedError
	if errors.As(err, &ue) {
		return newAPIError(http.StatusUnauthorized, "unauthorized", ue.Error(), nil)
	}
	if errors.Is(err, identity.ErrUnavailable) {
		return newAPIError(http.StatusServiceUnavailable, "identity_unavailable", "identity provider not configured", nil)
	}
	var pe *identity.ProviderError
	if errors.As(err, &pe) {
		return newAPIError(http.StatusBadRequest, "upstream_failure", pe.Message, map[string]any{"provider_status": pe.StatusCode})
	}
	var up *enhance.UpstreamError
	if errors.As(err, &up) {
		msg := "AI enhancement failed"
		if up.TimedOut {
			msg = "AI enhancement timed out"
		}
		return newAPIError(http.StatusInternalServerError, "upstream_failure", msg, map[string]any{"timed_out": up.TimedOut})
	}
	slog.Error("request failed", "err", err)
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "validation_error"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func ownerFromContext(ctx context.Context) (auth.Principal, huma.StatusError) {
	if p, ok := auth.PrincipalFromContext(ctx); ok {
		return p, nil
	}
	return auth.Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join("/", basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		doc  []byte
	)
	r.Get(path.Join("/", basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			if _, ok := op.Responses["default"]; ok {
				continue
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	public := publicPaths(basePath)
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if public[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", basePath, "openapi.json")
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Tasknest API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;access token&gt;.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok", "version": apiVersion}}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		p, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CreateTask(ctx, p.UserID, engine.TaskInput{
			Title:          input.Body.Title,
			Description:    input.Body.Description,
			Status:         input.Body.Status,
			Priority:       input.Body.Priority,
			DueDate:        input.Body.DueDate,
			EstimatedHours: input.Body.EstimatedHours,
			Tags:           input.Body.Tags,
			ParentTaskID:   input.Body.ParentTaskID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Description: "Newest first. When more rows exist the X-Next-Cursor header carries the cursor for the next page.",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status       string `query:"status"`
		Priority     string `query:"priority"`
		ParentTaskID string `query:"parent_task_id"`
		RootOnly     bool   `query:"root_only"`
		Tag          string `query:"tag"`
		Search       string `query:"q"`
		Limit        int    `query:"limit" default:"50" minimum:"1" maximum:"200"`
		Cursor       string `query:"cursor"`
	}) (*struct {
		NextCursor string         `header:"X-Next-Cursor"`
		Body       []TaskResponse `json:"body"`
	}, error) {
		p, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		page, err := e.ListTasks(ctx, p.UserID, engine.ListOptions{
			Status:   input.Status,
			Priority: input.Priority,
			Parent:   input.ParentTaskID,
			RootOnly: input.RootOnly,
			Tag:      input.Tag,
			Search:   input.Search,
			Limit:    input.Limit,
			Cursor:   input.Cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			NextCursor string         `header:"X-Next-Cursor"`
			Body       []TaskResponse `json:"body"`
		}{NextCursor: page.NextCursor, Body: mapTasks(page.Tasks)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		p, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.GetTask(ctx, p.UserID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPut,
		Path:        "/tasks/{id}",
		Summary:     "Update task",
		Description: "Partial update. Fields left out are unchanged; parent_task_id null moves the task to the root.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		p, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		bodyMap := rawBodyMap(ctx)
		patch := engine.TaskPatch{
			Title:          input.Body.Title,
			Description:    input.Body.Description,
			Status:         input.Body.Status,
			Priority:       input.Body.Priority,
			DueDate:        input.Body.DueDate,
			EstimatedHours: input.Body.EstimatedHours,
			ParentTaskID:   input.Body.ParentTaskID,
		}
		if raw, ok := bodyMap["tags"]; ok {
			patch.SetTags = true
			if !isNullRaw(raw) {
				patch.Tags = input.Body.Tags
			}
		}
		if isNullRaw(bodyMap["parent_task_id"]) {
			detach := ""
			patch.ParentTaskID = &detach
		}
		t, err := e.UpdateTask(ctx, p.UserID, input.ID, patch)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-task",
		Method:        http.MethodDelete,
		Path:          "/tasks/{id}",
		Summary:       "Delete task",
		Description:   "Children are kept and become root tasks.",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		p, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteTask(ctx, p.UserID, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "patch-task-status",
		Method:      http.MethodPatch,
		Path:        "/tasks/{id}/status",
		Summary:     "Change task status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body PatchStatusRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		p, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.PatchStatus(ctx, p.UserID, input.ID, input.Body.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-task-children",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/children",
		Summary:     "List direct children",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		p, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		children, err := e.Children(ctx, p.UserID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(children)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task-with-children",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/with-children",
		Summary:     "Get task and its direct children",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TaskWithChildrenResponse `json:"body"`
	}, error) {
		p, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, children, err := e.WithChildren(ctx, p.UserID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskWithChildrenResponse `json:"body"`
		}{Body: TaskWithChildrenResponse{Task: taskResponse(t), Children: mapTasks(children)}}, nil
	})
}

func registerTaskEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-task-events",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/events",
		Summary:     "Task activity log",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Limit int    `query:"limit" default:"50" minimum:"1" maximum:"200"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		p, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Events(ctx, p.UserID, input.ID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		resp := make([]EventResponse, 0, len(items))
		for _, evt := range items {
			resp = append(resp, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerEnhance(api huma.API, o enhance.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID: "enhance-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/enhance-ai",
		Summary:     "Enhance or split a task with the language model",
		Description: "Makes one model call. enhance rewrites title and description; split creates child tasks. " +
			"Repeated split calls add another batch of children.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body EnhanceRequest `json:"body"`
	}) (*struct {
		Body EnhanceResponse `json:"body"`
	}, error) {
		p, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		out, err := o.Enhance(ctx, p.UserID, input.ID, input.Body.EnhancementType)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EnhanceResponse `json:"body"`
		}{Body: enhanceResponse(out)}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-token",
		Method:      http.MethodPost,
		Path:        "/auth/dev/token",
		Summary:     "DEV ONLY: mint an access token for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevTokenRequest `json:"body"`
	}) (*struct {
		Body DevTokenResponse `json:"body"`
	}, error) {
		userID := strings.TrimSpace(input.Body.UserID)
		if userID == "" {
			return nil, newAPIError(http.StatusBadRequest, "validation_error", "user_id is required", map[string]any{"field": "user_id"})
		}
		token, exp, err := auth.MintDevToken(authCfg.Verifier, userID, input.Body.Email, time.Duration(input.Body.TTLSeconds)*time.Second)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DevTokenResponse `json:"body"`
		}{Body: DevTokenResponse{AccessToken: token, TokenType: "bearer", ExpiresAt: domain.FormatTime(exp)}}, nil
	})
}

func eventResponse(evt domain.Event) EventResponse {
	payload := map[string]any{}
	if evt.Payload != "" {
		_ = json.Unmarshal([]byte(evt.Payload), &payload)
	}
	return EventResponse{
		ID:      evt.ID,
		TaskID:  evt.TaskID,
		Type:    evt.Type,
		Payload: payload,
		TS:      evt.TS,
	}
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	return nil
}

func rawBodyMap(ctx context.Context) map[string]json.RawMessage {
	data := bodyBytes(ctx)
	if len(data) == 0 {
		return map[string]json.RawMessage{}
	}
	var out map[string]json.RawMessage
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]json.RawMessage{}
	}
	return out
}

func isNullRaw(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && bytes.Equal(trimmed, []byte("null"))
}
