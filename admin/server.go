// Package admin serves the operational HTTP surface of dbrouter: liveness,
// topology status, manual configuration reload and metrics.
package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/randree/dbrouter"
)

// StatusSource reports the state of the built topologies.
type StatusSource interface {
	Snapshot() []dbrouter.TopologyStatus
}

// Reloader re-reads the configuration and applies it.
type Reloader interface {
	Reload() error
}

// ReloaderFunc adapts a function to Reloader.
type ReloaderFunc func() error

func (f ReloaderFunc) Reload() error { return f() }

// Deps are the collaborators of the admin handlers. Reloader and Metrics are
// optional; their routes are not mounted when nil.
type Deps struct {
	Status   StatusSource
	Reloader Reloader
	Metrics  http.Handler
	Logger   log.FieldLogger
}

// Server wraps the admin HTTP server.
type Server struct {
	http   *http.Server
	logger log.FieldLogger
}

// NewRouter builds the chi router with every admin route.
func NewRouter(d Deps) chi.Router {
	if d.Logger == nil {
		d.Logger = log.StandardLogger()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))
	r.Use(accessLog(d.Logger))

	r.Get("/healthz", healthz)
	r.Get("/status", status(d))
	if d.Reloader != nil {
		r.Post("/reload", reload(d))
	}
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}
	return r
}

// New builds the admin server listening on addr.
func New(addr string, d Deps) *Server {
	if d.Logger == nil {
		d.Logger = log.StandardLogger()
	}
	return &Server{
		http: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(d),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: d.Logger,
	}
}

// Start runs the server until it fails or is shut down.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.http.Addr).Info("DBROUTER | admin server listening")
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("DBROUTER | admin server shutting down")
	return s.http.Shutdown(ctx)
}
