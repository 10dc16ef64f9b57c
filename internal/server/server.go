package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"trustgate/internal/commerce"
	"trustgate/internal/config"
	"trustgate/internal/domain"
	"trustgate/internal/engine"
	"trustgate/internal/gate"
	"trustgate/internal/ids"
	"trustgate/internal/obs"
	"trustgate/internal/repo"
	"trustgate/pkg/verification"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
	// Metrics, when set, instruments every route and serves /metrics.
	Metrics      *obs.Metrics
	Logger       *log.Logger
	MaxBodyBytes int64
	RateLimit    config.RateLimitConfig
	// Commerce overrides the checkout service built from Engine.
	Commerce *commerce.Service
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"bad_request"`
	Message string         `json:"message" example:"body required"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the checkpoint API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("engine required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	svc := commerceService(cfg, logger)

	router := chi.NewRouter()
	router.Use(requestID)
	router.Use(logging(logger))
	if cfg.Metrics != nil {
		router.Use(cfg.Metrics.Instrument)
	}
	router.Use(securityHeaders)
	router.Use(cors)
	if cfg.RateLimit.PerSecond > 0 {
		burst := cfg.RateLimit.Burst
		if burst <= 0 {
			burst = cfg.RateLimit.PerSecond
		}
		router.Use(newRateLimiter(burst, cfg.RateLimit.PerSecond).middleware)
	}
	router.Use(bufferBody(cfg.MaxBodyBytes))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Trustgate API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics.Handler())
	}
	registerHealth(group)
	registerCheckpoints(group, cfg.Engine, cfg.MaxBodyBytes)
	registerEvents(group, cfg.Engine, cfg.MaxBodyBytes)
	registerCommerce(group, svc)
	registerVerifications(group, cfg.Engine, cfg.Auth)
	registerAudit(group, cfg.Engine, cfg.Auth)
	registerMe(group)
	if cfg.Auth.DevAuth {
		registerDevAuth(group, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func commerceService(cfg Config, logger *log.Logger) commerce.Service {
	if cfg.Commerce != nil {
		return *cfg.Commerce
	}
	e := cfg.Engine
	return commerce.Service{
		Checkpoints: e.Invoker,
		Events:      e.Emitter,
		Config:      e.Config,
		Policy:      gate.FromConfig(e.Config),
		Logger:      logger,
	}
}

// bufferBody keeps the raw body on the context and caps its size.
func bufferBody(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if maxBytes > 0 {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			bodyBytes, err := io.ReadAll(r.Body)
			if err != nil {
				if isMaxBytesError(err) {
					respondStatusError(w, newAPIError(http.StatusRequestEntityTooLarge, "payload_too_large", "request body too large", map[string]any{"max_bytes": maxBytes}))
					return
				}
				respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "unreadable body", nil))
				return
			}
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, context.Canceled) {
		return newAPIError(499, "client_closed_request", "request cancelled", nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusRequestEntityTooLarge:
		return "payload_too_large"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
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
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	public := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
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
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Trustgate API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
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
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

// registerCheckpoints exposes the checkpoint invoker. Every well-formed
// request answers 201 with a result; failures live in the body.
func registerCheckpoints(api huma.API, e *engine.Engine, maxBody int64) {
	huma.Register(api, huma.Operation{
		OperationID:   "execute-checkpoint",
		Method:        http.MethodPost,
		Path:          "/checkpoint",
		Summary:       "Run a checkpoint",
		DefaultStatus: http.StatusCreated,
		MaxBodyBytes:  maxBody,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusRequestEntityTooLarge,
			http.StatusTooManyRequests,
		},
	}, func(ctx context.Context, input *struct {
		Body verification.CheckpointRequest `json:"body"`
	}) (*struct {
		Body verification.CheckpointResult `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		res := e.Invoker.Execute(ctx, input.Body, peerIP(ctx))
		return &struct {
			Body verification.CheckpointResult `json:"body"`
		}{Body: res}, nil
	})
}

// registerEvents exposes the event emitter. Missing user and session ids are
// filled from the caller's token.
func registerEvents(api huma.API, e *engine.Engine, maxBody int64) {
	huma.Register(api, huma.Operation{
		OperationID:   "send-event",
		Method:        http.MethodPost,
		Path:          "/event",
		Summary:       "Send an event",
		DefaultStatus: http.StatusCreated,
		MaxBodyBytes:  maxBody,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusRequestEntityTooLarge,
			http.StatusTooManyRequests,
		},
	}, func(ctx context.Context, input *struct {
		Body verification.EventRequest `json:"body"`
	}) (*struct {
		Body verification.EventResult `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		req := input.Body
		if p, ok := principalFromContext(ctx); ok && p.Source == sourceJWT {
			if req.UserID == "" {
				req.UserID = p.UserID
			}
			if req.SessionID == "" {
				req.SessionID = p.SessionID
			}
		}
		res := e.Emitter.Emit(ctx, req)
		return &struct {
			Body verification.EventResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerCommerce(api huma.API, svc commerce.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "checkout",
		Method:      http.MethodPost,
		Path:        "/purchase/checkout",
		Summary:     "Check out a transaction",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CheckoutRequest `json:"body"`
	}) (*struct {
		Body commerce.CheckoutResult `json:"body"`
	}, error) {
		user, authErr := userFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res := svc.Checkout(ctx, input.Body.Transaction, input.Body.SourceToken, commerce.Caller{
			UserID:    user.UserID,
			SessionID: user.SessionID,
			PeerIP:    peerIP(ctx),
			ClientIP:  input.Body.ClientIPAddress,
			Customer:  input.Body.Customer,
		})
		return &struct {
			Body commerce.CheckoutResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "apply-promo-code",
		Method:      http.MethodPost,
		Path:        "/promo-code/apply",
		Summary:     "Apply a promo code",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body ApplyPromoRequest `json:"body"`
	}) (*struct {
		Body commerce.PromoResult `json:"body"`
	}, error) {
		user, authErr := userFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res := svc.ApplyPromo(ctx, input.Body.PromoCode, input.Body.SourceToken, commerce.Caller{
			UserID:    user.UserID,
			SessionID: user.SessionID,
			PeerIP:    peerIP(ctx),
			ClientIP:  input.Body.ClientIPAddress,
		})
		return &struct {
			Body commerce.PromoResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerVerifications(api huma.API, e *engine.Engine, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "list-verifications",
		Method:      http.MethodGet,
		Path:        "/verifications",
		Summary:     "List checkpoint outcomes",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Checkpoint string `query:"checkpoint"`
		Status     string `query:"status" enum:"allowed,running,denied,error"`
		SessionID  string `query:"session_id"`
		UserID     string `query:"user_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedRecords `json:"body"`
	}, error) {
		if err := requireService(ctx, authCfg); err != nil {
			return nil, err
		}
		afterTS, afterID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		limit := normalizeLimit(input.Limit)
		items, err := e.Repo.ListVerificationRecords(ctx, repo.RecordFilter{
			CheckpointName: input.Checkpoint,
			Status:         input.Status,
			SessionID:      input.SessionID,
			UserID:         input.UserID,
			AfterTS:        afterTS,
			AfterID:        afterID,
			Limit:          limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedRecords{Items: []VerificationRecordResponse{}}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
			items = items[:limit]
		}
		resp.Items = mapRecords(items)
		return &struct {
			Body paginatedRecords `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-verification",
		Method:      http.MethodGet,
		Path:        "/verifications/{id}",
		Summary:     "Show every round of one verification",
		Errors:      []int{http.StatusNotFound, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body VerificationChainResponse `json:"body"`
	}, error) {
		if err := requireService(ctx, authCfg); err != nil {
			return nil, err
		}
		verificationID := input.ID
		chain, err := e.Repo.VerificationChain(ctx, verificationID)
		if errors.Is(err, repo.ErrNotFound) {
			// Fall back to a record id.
			rec, recErr := e.Repo.GetVerificationRecord(ctx, input.ID)
			if recErr != nil {
				return nil, handleError(recErr)
			}
			if rec.VerificationID == "" {
				chain, err = []domain.VerificationRecord{rec}, nil
			} else {
				verificationID = rec.VerificationID
				chain, err = e.Repo.VerificationChain(ctx, verificationID)
			}
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VerificationChainResponse `json:"body"`
		}{Body: VerificationChainResponse{
			VerificationID: verificationID,
			Status:         chain[len(chain)-1].Status,
			Steps:          len(chain),
			Records:        mapRecords(chain),
		}}, nil
	})
}

// registerAudit exposes the audit event log, event deliveries and outcome
// counts.
func registerAudit(api huma.API, e *engine.Engine, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit-events",
		Method:      http.MethodGet,
		Path:        "/audit/events",
		Summary:     "List recent audit events",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"checkpoint,event"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if err := requireService(ctx, authCfg); err != nil {
			return nil, err
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEvents(ctx, limit+1, cursorID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-event-deliveries",
		Method:      http.MethodGet,
		Path:        "/audit/deliveries",
		Summary:     "List emitted events",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		EventName string `query:"event_name"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body []DeliveryResponse `json:"body"`
	}, error) {
		if err := requireService(ctx, authCfg); err != nil {
			return nil, err
		}
		items, err := e.Repo.ListEventDeliveries(ctx, normalizeLimit(input.Limit), input.EventName)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]DeliveryResponse, 0, len(items))
		for _, d := range items {
			out = append(out, deliveryResponse(d))
		}
		return &struct {
			Body []DeliveryResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "checkpoint-stats",
		Method:      http.MethodGet,
		Path:        "/audit/stats",
		Summary:     "Checkpoint outcome counts",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Checkpoint string `query:"checkpoint"`
	}) (*struct {
		Body StatsResponse `json:"body"`
	}, error) {
		if err := requireService(ctx, authCfg); err != nil {
			return nil, err
		}
		counts, err := e.Repo.CountByStatus(ctx, input.Checkpoint)
		if err != nil {
			return nil, handleError(err)
		}
		total := 0
		for _, n := range counts {
			total += n
		}
		return &struct {
			Body StatsResponse `json:"body"`
		}{Body: StatsResponse{Checkpoint: input.Checkpoint, Counts: counts, Total: total}}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{UserID: p.UserID, SessionID: p.SessionID, ServiceID: p.ServiceID, Source: p.Source}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		user := strings.TrimSpace(input.Body.UserID)
		if user == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		session := strings.TrimSpace(input.Body.SessionID)
		if session == "" {
			session = ids.New()
		}
		token, expires, err := authCfg.Tokens.Sign(user, session)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{
			Token:     token,
			UserID:    user,
			SessionID: session,
			ExpiresAt: expires.UTC().Format(time.RFC3339),
		}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

// peerIP is the caller address as seen by this server.
func peerIP(ctx context.Context) string {
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return ""
	}
	return clientIP(req)
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
