// Package httpapi is the REST control surface of the daemon. Mission
// lifecycle and artifacts are exposed under /v1, live progress over a
// WebSocket event feed, plus the usual /healthz and /metrics probes.
package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fathomlabs/fathom/internal/auth"
	"github.com/fathomlabs/fathom/internal/events"
	"github.com/fathomlabs/fathom/internal/health"
	"github.com/fathomlabs/fathom/internal/orchestrator"
)

// Server wires the mission controller into HTTP handlers.
type Server struct {
	ctl     *orchestrator.Controller
	events  *events.Manager
	authMW  *auth.Middleware
	authSvc *auth.Service
	health  *health.Health
	logger  *zap.Logger
}

// NewServer builds the handler set. authSvc may be nil when auth is
// disabled; the token endpoint is not mounted then.
func NewServer(
	ctl *orchestrator.Controller,
	ev *events.Manager,
	authMW *auth.Middleware,
	authSvc *auth.Service,
	h *health.Health,
	logger *zap.Logger,
) *Server {
	return &Server{
		ctl:     ctl,
		events:  ev,
		authMW:  authMW,
		authSvc: authSvc,
		health:  h,
		logger:  logger,
	}
}

// Router assembles the route tree. Reads require any authenticated
// caller; lifecycle control requires the operator role.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	if s.authSvc != nil {
		// The key in the request body is the credential here, so the
		// exchange lives outside the authenticated subtree.
		r.HandleFunc("/v1/auth/token", s.handleToken).Methods(http.MethodPost)
	}

	api := r.PathPrefix("/v1").Subrouter()
	api.Use(s.authMW.Wrap)

	api.HandleFunc("/missions", s.handleList).Methods(http.MethodGet)
	api.HandleFunc("/missions/{id}", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/missions/{id}/report", s.handleReport).Methods(http.MethodGet)
	api.HandleFunc("/missions/{id}/events", s.handleEvents).Methods(http.MethodGet)

	control := api.NewRoute().Subrouter()
	control.Use(s.authMW.RequireRole(auth.RoleOperator))
	control.HandleFunc("/missions", s.handleStart).Methods(http.MethodPost)
	control.HandleFunc("/missions/{id}/pause", s.handlePause).Methods(http.MethodPost)
	control.HandleFunc("/missions/{id}/resume", s.handleResume).Methods(http.MethodPost)
	control.HandleFunc("/missions/{id}/stop", s.handleStop).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}
