package httpapi

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"gatewayd/internal/config"
	"gatewayd/internal/engine"
	"gatewayd/internal/selector"
	"gatewayd/pkg/types"
)

// SelectorService is what the handlers need from the variant selector.
type SelectorService interface {
	Select(ctx context.Context, modelName string, body map[string]any) (selector.Selection, error)
	Models() types.ModelList
	ModelInfo(name string) (types.ModelInfo, bool)
}

// SupervisorService is what the handlers need from the engine supervisor.
type SupervisorService interface {
	Ensure(ctx context.Context, model *config.Model, variant *config.Variant) (engine.Client, error)
	Touch()
}

// Gateway is the request forwarder: it parses, selects, ensures, and relays.
// One instance serves the whole process.
type Gateway struct {
	cfg    *config.Config
	sel    SelectorService
	sup    SupervisorService
	dumper *Dumper
	log    zerolog.Logger

	// reqMu serializes inference end-to-end: at most one request is
	// between select and response completion at any time.
	reqMu    sync.Mutex
	draining atomic.Bool
}

// NewGateway wires the forwarder. dumper may be nil.
func NewGateway(cfg *config.Config, sel SelectorService, sup SupervisorService, dumper *Dumper, log zerolog.Logger) *Gateway {
	return &Gateway{cfg: cfg, sel: sel, sup: sup, dumper: dumper, log: log}
}

// SetDraining makes inference endpoints refuse new work during shutdown.
func (g *Gateway) SetDraining() { g.draining.Store(true) }

// NewMux builds the HTTP handler tree.
func NewMux(g *Gateway) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	// JSON only: event streams must pass through uncompressed.
	r.Use(middleware.Compress(5, "application/json"))
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if c := g.cfg.Server.CORS; c.Enabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: c.Origins,
			AllowedMethods: c.Methods,
			AllowedHeaders: c.Headers,
		}))
	}
	r.Use(MetricsMiddleware)
	r.Use(g.accessLog)

	r.Post("/v1/chat/completions", g.handleChatCompletion)
	r.Post("/v1/completions", g.handleCompletion)
	r.Post("/v1/embeddings", g.handleEmbeddings)
	r.Get("/v1/models", g.handleModelsList)
	r.Get("/v1/models/{model_id}", g.handleModelInfo)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if g.draining.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("draining"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	MountSwagger(r)

	return r
}
