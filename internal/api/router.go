// Package api provides the HTTP API handlers for attractord.
// All endpoints are mounted under /api/v1.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/attractor-dev/attractor/internal/cache"
	"github.com/attractor-dev/attractor/internal/domain"
	"github.com/attractor-dev/attractor/internal/ratelimit"
	"github.com/attractor-dev/attractor/internal/scm"
	"github.com/attractor-dev/attractor/internal/storage"
)

// maxJSONBodySize is the maximum size for JSON request bodies (1MB).
const maxJSONBodySize = 1 << 20

// maxContentBodySize is the maximum size for raw attractor content uploads (2MB).
const maxContentBodySize = 2 << 20

// validNameRe matches lowercase slug resource names: starts with a lowercase
// letter, then lowercase + digits + hyphens + underscores.
var validNameRe = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// validName returns true if s is a valid lowercase slug (1-128 chars).
func validName(s string) bool {
	return len(s) <= 128 && validNameRe.MatchString(s)
}

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

// parsePagination reads limit and offset from query params with defaults and bounds.
func parsePagination(r *http.Request) (limit, offset int) {
	limit = defaultPageLimit
	offset = 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

// Structured error type codes for machine-readable error categorization.
const (
	ErrorTypeValidation   = "VALIDATION"
	ErrorTypeNotFound     = "NOT_FOUND"
	ErrorTypeConflict     = "CONFLICT"
	ErrorTypePrecondition = "PRECONDITION"
	ErrorTypeRateLimit    = "RATE_LIMIT"
	ErrorTypeInternal     = "INTERNAL"
	ErrorTypeUnavailable  = "UNAVAILABLE"
)

// APIError is the structured JSON error envelope returned by all API error
// responses: {"error": {"code": "...", "type": "...", "message": "..."}}.
type APIError struct {
	Error APIErrorDetail `json:"error"`
}

// APIErrorDetail holds the code, type, and message inside the error envelope.
type APIErrorDetail struct {
	Code    string `json:"code"`
	Type    string `json:"type,omitempty"`
	Message string `json:"message"`
}

// errorTypeFromStatus maps HTTP status codes to broad error type categories.
func errorTypeFromStatus(status int) string {
	switch {
	case status == http.StatusBadRequest:
		return ErrorTypeValidation
	case status == http.StatusNotFound:
		return ErrorTypeNotFound
	case status == http.StatusConflict:
		return ErrorTypeConflict
	case status == http.StatusUnprocessableEntity:
		return ErrorTypePrecondition
	case status == http.StatusTooManyRequests:
		return ErrorTypeRateLimit
	case status == http.StatusServiceUnavailable:
		return ErrorTypeUnavailable
	case status >= 500:
		return ErrorTypeInternal
	default:
		return ""
	}
}

// errorJSON writes a structured JSON error response. All API errors use this
// format so clients only need to handle one shape.
func errorJSON(w http.ResponseWriter, message, code string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(APIError{
		Error: APIErrorDetail{Code: code, Type: errorTypeFromStatus(status), Message: message},
	}); err != nil {
		slog.Error("failed to encode JSON error response", "error", err)
	}
}

// internalError logs the full error server-side and returns a generic JSON error.
func internalError(w http.ResponseWriter, msg string, err error) {
	slog.Error(msg, "error", err)
	errorJSON(w, msg, "INTERNAL", http.StatusInternalServerError)
}

// writeDomainError maps a kinded domain error onto the HTTP surface. Untyped
// errors are treated as internal.
func writeDomainError(w http.ResponseWriter, err error) {
	var de *domain.Error
	if !errors.As(err, &de) {
		internalError(w, "internal error", err)
		return
	}
	switch de.Kind {
	case domain.KindValidation:
		errorJSON(w, de.Message, "INVALID_ARGUMENT", http.StatusBadRequest)
	case domain.KindNotFound:
		errorJSON(w, de.Message, "NOT_FOUND", http.StatusNotFound)
	case domain.KindConflict:
		errorJSON(w, de.Message, "CONFLICT", http.StatusConflict)
	case domain.KindPrecondition:
		errorJSON(w, de.Message, "FAILED_PRECONDITION", http.StatusUnprocessableEntity)
	default:
		internalError(w, de.Message, err)
	}
}

// writeJSON encodes v as JSON and writes it to w with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// limitJSONBody caps request body size. Raw content uploads (text/*) get the
// larger content cap; everything else gets the JSON cap.
func limitJSONBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			limit := int64(maxJSONBodySize)
			if strings.HasPrefix(r.Header.Get("Content-Type"), "text/") {
				limit = maxContentBodySize
			}
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
		next.ServeHTTP(w, r)
	})
}

// securityHeaders adds standard HTTP security headers to every response.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// Server holds dependencies for all API handlers.
type Server struct {
	Projects     ProjectStore
	Environments EnvironmentStore
	Defs         AttractorDefStore
	Content      ContentService
	Runs         RunStore
	Events       RunEventStore
	Bus          EventBus
	Outcomes     OutcomeStore
	Questions    QuestionStore
	Reviews      ReviewStore
	Artifacts    ArtifactStore
	Bundles      SpecBundleStore
	Schedules    ScheduleStore
	Objects      storage.Store
	Lifecycle    RunLifecycle
	Writeback    *scm.Writeback // nil disables review writeback

	CORSOrigins     []string          // Allowed CORS origins. Defaults to ["http://localhost:3000"].
	RateLimit       *RateLimitConfig  // Per-IP rate limiting config. Nil disables rate limiting.
	DistLimiter     ratelimit.Limiter // Cross-replica limiter; takes precedence over RateLimit.
	RateLimiterStop func()            // Populated by NewRouter when local rate limiting is enabled.
	SSELimiter      *SSELimiter      // Concurrent SSE connection limiter. Nil = default limiter.

	DBHealth     HealthChecker // Postgres health check (pool.Ping). Nil = skip.
	QueueHealth  HealthChecker // Redis health check (PING). Nil = skip.
	ObjectHealth HealthChecker // Object store health check (BucketExists). Nil = skip.

	// ProjectCache reduces Postgres load on the hot run-create path.
	// Nil is safe — handlers check before using.
	ProjectCache *cache.Cache[string, *domain.Project]
}

// NewRouter creates a configured chi router with all API routes mounted.
func NewRouter(srv *Server) chi.Router {
	if srv.SSELimiter == nil {
		srv.SSELimiter = NewSSELimiter()
	}

	r := chi.NewRouter()

	corsOrigins := srv.CORSOrigins
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"http://localhost:3000"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "RateLimit-Limit", "RateLimit-Remaining", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(securityHeaders)
	r.Use(RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)

	// Health & metrics (unauthenticated, outside /api/v1)
	r.Get("/health", srv.HandleHealth)
	r.Get("/health/live", srv.HandleHealthLive)
	r.Get("/health/ready", srv.HandleHealthReady)
	r.Get("/metrics", srv.HandleMetrics)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(limitJSONBody)
		switch {
		case srv.DistLimiter != nil:
			r.Use(RateLimitDistributed(srv.DistLimiter))
		case srv.RateLimit != nil:
			rl, mw := RateLimit(*srv.RateLimit)
			srv.RateLimiterStop = rl.Stop
			r.Use(mw)
		}

		MountProjectRoutes(r, srv)
		MountEnvironmentRoutes(r, srv)
		MountAttractorRoutes(r, srv)
		MountRunRoutes(r, srv)
		MountQuestionRoutes(r, srv)
		MountScheduleRoutes(r, srv)
	})

	return r
}
