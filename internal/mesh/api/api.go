// Package api implements the Control API: the HTTP/JSON surface spec §6
// exposes over the runtime's registry and resolution engine.
package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hashmesh/meshcore/infrastructure/logging"
	"github.com/hashmesh/meshcore/infrastructure/metrics"
	"github.com/hashmesh/meshcore/infrastructure/middleware"
	"github.com/hashmesh/meshcore/infrastructure/service"
	"github.com/hashmesh/meshcore/internal/mesh/registry"
	"github.com/hashmesh/meshcore/internal/mesh/runtime"
	"github.com/hashmesh/meshcore/pkg/version"
)

// Server wires the Control API's routes and middleware around a
// *runtime.Runtime (Design Note: explicit lifecycle, no package globals).
type Server struct {
	rt         *runtime.Runtime
	logger     *logging.Logger
	hub        *eventHub
	router     *mux.Router
	probes     *service.ProbeManager
	deepHealth *service.DeepHealthChecker
	startedAt  time.Time
}

// NewServer builds the Control API router. cfg is read for API.* knobs
// (rate limit, body size, signing key); everything else comes from rt.
func NewServer(rt *runtime.Runtime, logger *logging.Logger, m *metrics.Metrics) *Server {
	cfg := rt.Config()

	s := &Server{
		rt:         rt,
		logger:     logger,
		hub:        newEventHub(logger),
		probes:     service.NewProbeManager(5 * time.Second),
		deepHealth: service.NewDeepHealthChecker(5 * time.Second),
		startedAt:  time.Now(),
	}
	s.deepHealth.Register("registry", s.checkRegistry)

	rt.Registry.Subscribe(registry.EventFilter{}, s.hub.broadcast)

	router := mux.NewRouter()
	router.Use(middleware.LoggingMiddleware(logger))
	router.Use(middleware.NewRecoveryMiddleware(logger).Handler)
	if m != nil {
		router.Use(middleware.MetricsMiddleware("meshd", m))
		router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}
	router.Use(middleware.NewCORSMiddleware(&middleware.CORSConfig{
		AllowedOrigins:  []string{"*"},
		AllowCredentials: false,
	}).Handler)
	router.Use(middleware.NewBodyLimitMiddleware(cfg.API.MaxBodyBytes).Handler)

	rlPerSecond := cfg.API.RateLimitPerSecond
	if rlPerSecond <= 0 {
		rlPerSecond = 100
	}
	rateLimiter := middleware.NewRateLimiter(int(rlPerSecond), int(rlPerSecond)*2, logger)
	router.Use(rateLimiter.Handler)

	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	router.HandleFunc("/livez", s.probes.LivenessHandler()).Methods(http.MethodGet)
	router.HandleFunc("/readyz", s.probes.ReadinessHandler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz/deep", service.DeepHealthHandler(s.deepHealth, "meshd", version.Version, false, func() time.Duration {
		return time.Since(s.startedAt)
	})).Methods(http.MethodGet)
	router.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)

	router.HandleFunc("/registry/instances", s.handleRegister).Methods(http.MethodPost)
	router.HandleFunc("/registry/instances/{id}/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	router.HandleFunc("/registry/instances/{id}", s.handlePatch).Methods(http.MethodPatch)
	router.HandleFunc("/registry/instances/{id}", s.handleDeregister).Methods(http.MethodDelete)
	router.HandleFunc("/registry/services/{name}", s.handleListService).Methods(http.MethodGet)
	router.HandleFunc("/registry/state", s.handleState).Methods(http.MethodGet)
	router.HandleFunc("/registry/state/hash", s.handleStateHash).Methods(http.MethodGet)
	router.HandleFunc("/resolve", s.handleResolve).Methods(http.MethodPost)
	router.HandleFunc("/events", s.handleEventsWS)
	router.HandleFunc("/events/stream", s.handleEventsSSE).Methods(http.MethodGet)

	s.router = router
	s.probes.SetReady(true)
	return s
}

// Router returns the assembled http.Handler for use by cmd/meshd's
// http.Server.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	writeServiceError(w, r, err)
}

// httpTimeout bounds how long any single handler is allowed to run,
// matching the server-level timeouts cmd/meshd configures on its
// http.Server.
const httpTimeout = 10 * time.Second
