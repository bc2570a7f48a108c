package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/docsplus/docstore/internal/logger"
	"github.com/docsplus/docstore/pkg/metrics"
	"github.com/docsplus/docstore/pkg/nm"
)

// NewRouter wires the admin routes:
//
//	GET /healthz     - liveness probe
//	GET /v1/status   - directory size, live servers, replication queue
//	GET /v1/servers  - storage-server registry
//	GET /v1/files    - directory listing with owners and replicas
//	GET /v1/trash    - soft-deleted files
//	GET /v1/users    - known users and session state
//	GET /metrics     - Prometheus exposition
func NewRouter(n *nm.Server, m *metrics.Metrics) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	h := newHandler(n)

	r.Get("/healthz", h.healthz)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", h.status)
		r.Get("/servers", h.servers)
		r.Get("/files", h.files)
		r.Get("/trash", h.trash)
		r.Get("/users", h.users)
	})
	r.Method(http.MethodGet, "/metrics", m.Handler())

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/v1/status", http.StatusTemporaryRedirect)
	})

	return r
}

// requestLogger logs request start at DEBUG and completion at INFO.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		logger.Debug("admin request started",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logger.Info("admin request completed",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
		)
	})
}
