package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/kanak-erp/kanak-erp/internal/auth"
	"github.com/kanak-erp/kanak-erp/internal/inventory"
	"github.com/kanak-erp/kanak-erp/internal/observability"
	"github.com/kanak-erp/kanak-erp/internal/stock"
	synchttp "github.com/kanak-erp/kanak-erp/internal/sync"
	"github.com/kanak-erp/kanak-erp/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger           *slog.Logger
	Config           *Config
	AuthService      *auth.Service
	AuthHandler      *auth.Handler
	SyncHandler      *synchttp.Handler
	StockHandler     *stock.Handler
	InventoryHandler *inventory.Handler
	JobsHandler      *jobs.Handler
	Metrics          *observability.Metrics
}

// NewRouter constructs the chi.Router with Kanak defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/auth", params.AuthHandler.MountRoutes)

	// Everything below requires a bearer token.
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(params.AuthService))

		r.Route("/sync", params.SyncHandler.MountRoutes)
		r.Route("/stock", func(r chi.Router) {
			params.StockHandler.MountRoutes(r)
			r.Get("/summary", params.InventoryHandler.HandleSummary)
		})
		r.Route("/items", params.InventoryHandler.MountRoutes)
	})

	if params.JobsHandler != nil {
		r.Route("/jobs", params.JobsHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
