package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/regelwerk/internal/calculation"
	"github.com/opensource-finance/regelwerk/internal/domain"
	"github.com/opensource-finance/regelwerk/internal/rules"
)

// Server is the HTTP API of regelwerk.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer wires the handlers into a router. repo, cache and bus are
// optional; endpoints that need a missing dependency answer 503.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, cache domain.Cache, bus domain.EventBus, registry *rules.Registry, ruleSets *rules.RuleSetEngine, processor *calculation.Processor, resultTTL time.Duration, version string) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		handler: NewHandler(repo, cache, bus, registry, ruleSets, processor, resultTTL, version),
		config:  cfg,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	h := s.handler
	r := s.router

	r.Use(CORSMiddleware(s.config.CORSOrigins))
	r.Use(RecoverMiddleware)
	r.Use(TracingMiddleware)
	r.Use(LoggingMiddleware)
	r.Use(middleware.RealIP)
	r.Use(middleware.Compress(5))
	if s.config.MaxBodyBytes > 0 {
		r.Use(middleware.RequestSize(s.config.MaxBodyBytes))
	}

	r.Get("/health", h.Health)
	r.Get("/ready", h.Ready)

	r.Group(func(r chi.Router) {
		r.Use(TenantMiddleware)

		r.Post("/calculate", h.Calculate)
		r.Route("/calculations", func(r chi.Router) {
			r.Post("/", h.EnqueueCalculation)
			r.Get("/{id}", h.GetCalculation)
		})

		r.Route("/rules", func(r chi.Router) {
			r.Get("/", h.ListRules)
			r.Post("/", h.CreateRule)
			r.Post("/validate", h.ValidateRule)
			r.Post("/reload", h.ReloadRules)
			r.Get("/{id}", h.GetRule)
			r.Put("/{id}", h.UpdateRule)
			r.Delete("/{id}", h.DeleteRule)
		})

		r.Route("/rulesets", func(r chi.Router) {
			r.Get("/", h.ListRuleSets)
			r.Post("/", h.CreateRuleSet)
			r.Post("/reload", h.ReloadRuleSets)
			r.Get("/{id}", h.GetRuleSet)
			r.Put("/{id}", h.UpdateRuleSet)
			r.Delete("/{id}", h.DeleteRuleSet)
		})
	})
}

// Start listens on the configured address and blocks until the server
// stops. After Shutdown it returns http.ErrServerClosed.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port)),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout:      time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	return s.server.ListenAndServe()
}

// Shutdown drains open requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router exposes the router, mainly for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler exposes the handlers, mainly for tests.
func (s *Server) Handler() *Handler {
	return s.handler
}
