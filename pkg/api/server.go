package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/tether/pkg/compatibility"
	"github.com/platinummonkey/tether/pkg/httputil"
	"github.com/platinummonkey/tether/pkg/observability"
	"github.com/platinummonkey/tether/pkg/registry"
	"github.com/platinummonkey/tether/pkg/storage"
)

// Server serves the registry API
type Server struct {
	registry *registry.Service
	router   *mux.Router
	logger   *observability.Logger
	metrics  *observability.Metrics

	maxBodyBytes int64
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the logger attached to every request context
func WithLogger(l *observability.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics instruments requests with Prometheus metrics
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMaxBodyBytes limits request bodies
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) { s.maxBodyBytes = n }
}

// NewServer creates a new API server
func NewServer(reg *registry.Service, opts ...Option) *Server {
	s := &Server{
		registry:     reg,
		router:       mux.NewRouter(),
		maxBodyBytes: 4 << 20,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = observability.NewLogger(observability.InfoLevel, nil)
	}

	s.router.Use(httputil.RequestIDMiddleware(s.logger))
	s.router.Use(httputil.RecoveryMiddleware)
	s.router.Use(httputil.LoggingMiddleware)
	if s.metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(s.metrics))
	}
	s.router.Use(httputil.ContentTypeMiddleware)
	s.router.Use(httputil.MaxBytesMiddleware(s.maxBodyBytes))

	s.setupRoutes()
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	v1 := s.router.PathPrefix("/v1").Subrouter()

	// Groups
	v1.HandleFunc("/groups", s.createGroup).Methods(http.MethodPost)
	v1.HandleFunc("/groups", s.listGroups).Methods(http.MethodGet)
	v1.HandleFunc("/groups/{group}", s.getGroup).Methods(http.MethodGet)
	v1.HandleFunc("/groups/{group}", s.deleteGroup).Methods(http.MethodDelete)
	v1.HandleFunc("/groups/{group}/policy", s.updatePolicy).Methods(http.MethodPut)
	v1.HandleFunc("/groups/{group}/history", s.groupHistory).Methods(http.MethodGet)

	// Schemas
	v1.HandleFunc("/groups/{group}/schemas", s.addSchema).Methods(http.MethodPost)
	v1.HandleFunc("/groups/{group}/schemas", s.listSchemas).Methods(http.MethodGet)
	v1.HandleFunc("/groups/{group}/schemas/latest", s.getLatestSchema).Methods(http.MethodGet)
	v1.HandleFunc("/groups/{group}/schemas/lookup", s.lookupSchema).Methods(http.MethodPost)
	v1.HandleFunc("/groups/{group}/schemas/{ordinal:[0-9]+}", s.getSchema).Methods(http.MethodGet)
	v1.HandleFunc("/groups/{group}/schemas/{ordinal:[0-9]+}", s.deleteSchema).Methods(http.MethodDelete)

	// Compatibility
	v1.HandleFunc("/groups/{group}/compatibility", s.checkCompatibility).Methods(http.MethodPost)
	v1.HandleFunc("/groups/{group}/can-read", s.canRead).Methods(http.MethodPost)

	// Codecs and encodings
	v1.HandleFunc("/groups/{group}/codecs", s.addCodec).Methods(http.MethodPost)
	v1.HandleFunc("/groups/{group}/codecs", s.listCodecs).Methods(http.MethodGet)
	v1.HandleFunc("/groups/{group}/encodings", s.getEncodingID).Methods(http.MethodPost)
	v1.HandleFunc("/groups/{group}/encodings/{id:[0-9]+}", s.getEncodingInfo).Methods(http.MethodGet)
}

// Router exposes the router so callers can mount extra routes
func (s *Server) Router() *mux.Router {
	return s.router
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the router wrapped with OpenTelemetry request spans
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "tether-api")
}

// writeServiceError maps registry errors to HTTP statuses
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, registry.ErrInvalidArgument),
		errors.Is(err, compatibility.ErrMalformedSchema),
		errors.Is(err, compatibility.ErrFormatMismatch),
		errors.Is(err, compatibility.ErrUnsupportedFormat),
		errors.Is(err, storage.ErrCodecNotRegistered):
		status = http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, storage.ErrGroupExists):
		status = http.StatusConflict
	case errors.Is(err, registry.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}

	if status >= http.StatusInternalServerError {
		observability.FromContext(r.Context()).WithError(err).Error("request failed")
	}
	httputil.WriteError(w, status, err)
}
