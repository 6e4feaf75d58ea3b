package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/nikhilbhutani/dataintegration/internal/api/handlers"
	"github.com/nikhilbhutani/dataintegration/internal/api/middleware"
	"github.com/nikhilbhutani/dataintegration/internal/auth"
	"github.com/nikhilbhutani/dataintegration/internal/config"
	"github.com/nikhilbhutani/dataintegration/internal/events"
)

// Services are the domain services behind the HTTP surface.
type Services struct {
	Databases handlers.DatabaseService
	Sources   handlers.SourceService
	Bindings  handlers.BindingService
	Search    handlers.SearchService
	Audit     handlers.AuditLister
	Events    events.Bus
	Keys      auth.KeyStore
	Checks    map[string]handlers.Check
}

type Router struct {
	mux    *chi.Mux
	cfg    *config.Config
	svc    Services
	jwt    *auth.JWTMiddleware
	apikey *auth.APIKeyMiddleware
}

func NewRouter(cfg *config.Config, svc Services) *Router {
	return &Router{
		mux:    chi.NewRouter(),
		cfg:    cfg,
		svc:    svc,
		jwt:    auth.NewJWTMiddleware(cfg.Auth.JWTSecret),
		apikey: auth.NewAPIKeyMiddleware(svc.Keys, cfg.Auth.APIKeyHeader),
	}
}

// Setup builds the handler tree. ctx bounds background work such as the
// rate limiter's janitor.
func (rt *Router) Setup(ctx context.Context) http.Handler {
	r := rt.mux

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.ClientIP)
	r.Use(middleware.Logging)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(rt.cfg.Server.AllowedOrigins))

	rl := middleware.NewRateLimiter(ctx, rt.cfg.Server.RateLimitRPS, rt.cfg.Server.RateLimitBurst)
	r.Use(rl.Limit)

	health := handlers.NewHealthHandler(rt.svc.Checks)
	r.Get("/healthz", health.Healthz)
	r.Get("/readyz", health.Readyz)

	dbH := handlers.NewDatabaseHandler(rt.svc.Databases, rt.svc.Sources)
	fileH := handlers.NewFileHandler(rt.svc.Sources, rt.cfg.Processing.MaxFileSize)
	bindH := handlers.NewBindingHandler(rt.svc.Bindings)
	searchH := handlers.NewSearchHandler(rt.svc.Search)
	auditH := handlers.NewAuditHandler(rt.svc.Audit)
	eventsH := handlers.NewEventsHandler(rt.svc.Events, 15*time.Second)

	r.Route("/api/v1", func(r chi.Router) {
		// Auth: try API key first, then JWT
		r.Use(rt.apikey.Authenticate)
		r.Use(rt.jwt.Authenticate)
		r.Use(middleware.TagBusiness)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireBusiness)

			r.Route("/databases", func(r chi.Router) {
				r.Post("/", dbH.Create)
				r.Get("/", dbH.List)
				r.Get("/{id}", dbH.Get)
				r.Put("/{id}", dbH.Update)
				r.Delete("/{id}", dbH.Delete)
				r.Get("/{id}/schema", dbH.Schema)
				r.Get("/{id}/stats", dbH.Stats)
				r.Get("/{id}/sources", dbH.Sources)
				r.Post("/{id}/bind-agent", bindH.Bind)
				r.Get("/{id}/bindings", bindH.List)
			})

			r.Delete("/bindings/{id}", bindH.Unbind)

			r.Route("/files", func(r chi.Router) {
				r.Post("/upload", fileH.Upload)
				r.Get("/sources", fileH.List)
				r.Get("/sources/{id}", fileH.Get)
				r.Get("/sources/{id}/status", fileH.Status)
				r.Delete("/sources/{id}", fileH.Delete)
			})

			r.Post("/search", searchH.Search)
			r.Get("/events", eventsH.Stream)
			r.Get("/audit", auditH.List)
		})

		r.Route("/agent", func(r chi.Router) {
			r.Use(auth.RequireAgent)
			r.Post("/search", searchH.AgentSearch)
			r.Get("/databases", bindH.AgentDatabases)
		})
	})

	return r
}
