package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/joseph-ayodele/formsign/internal/cache"
	"github.com/joseph-ayodele/formsign/internal/export"
	"github.com/joseph-ayodele/formsign/internal/forms"
	"github.com/joseph-ayodele/formsign/internal/ingest"
	"github.com/joseph-ayodele/formsign/internal/repository"
	"github.com/joseph-ayodele/formsign/internal/signature"
	"github.com/joseph-ayodele/formsign/internal/webhook"
)

// Deps are the services the HTTP surface delegates to. Nil optional members disable their routes.
type Deps struct {
	Ingest       *ingest.Service
	Gateway      *webhook.Gateway
	Limiter      *webhook.IPLimiter
	Orchestrator *signature.Orchestrator
	Forms        *forms.Service
	Export       *export.Service
	Cache        *cache.Manager
	Jobs         repository.QueueJobRepository

	// Health reports whether the process can serve traffic.
	Health func(ctx context.Context) error
	// Gatherer backs /metrics when set.
	Gatherer prometheus.Gatherer
	// UploadsDir is served under /uploads/ when set (local storage backend).
	UploadsDir string

	TrustedIPHeader string
	AdminToken      string
}

// NewRouter wires every endpoint onto a chi router.
func NewRouter(d Deps, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.Recoverer)
	r.Use(accessLog(logger))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if d.Health != nil {
			if err := d.Health(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unhealthy", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	if d.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}
	if d.UploadsDir != "" {
		r.Handle("/uploads/*", http.StripPrefix("/uploads/", http.FileServer(http.Dir(d.UploadsDir))))
	}

	if d.Ingest != nil {
		r.Post("/forms/{formID}/submissions", submitHandler(d.Ingest, d.TrustedIPHeader))
	}
	if d.Gateway != nil {
		r.Post("/webhooks/autentique", webhook.Handler(d.Gateway, d.Limiter, d.TrustedIPHeader, logger))
	}

	if d.AdminToken == "" {
		logger.Warn("admin routes disabled: no admin token configured")
		return r
	}
	a := &admin{deps: d, logger: logger}
	r.Route("/admin", func(api chi.Router) {
		api.Use(bearerAuth(d.AdminToken))
		if d.Forms != nil {
			api.Post("/forms", a.createForm)
			api.Get("/forms/{formID}", a.getForm)
			api.Put("/forms/{formID}/status", a.setFormStatus)
		}
		if d.Export != nil {
			api.Get("/forms/{formID}/export.xlsx", a.exportForm)
		}
		if d.Gateway != nil {
			api.Get("/webhooks/stats", a.webhookStats)
			api.Post("/webhooks/{webhookID}/retry", a.retryWebhook)
			api.Post("/webhooks/prune", a.pruneWebhooks)
		}
		if d.Cache != nil {
			api.Get("/cache/stats", a.cacheStats)
			api.Post("/cache/flush", a.flushCache)
		}
		if d.Jobs != nil {
			api.Get("/jobs/stats", a.jobStats)
		}
		if d.Orchestrator != nil {
			api.Post("/submissions/{submissionID}/signature", a.createDocument)
			api.Get("/documents/{documentID}/status", a.documentStatus)
			api.Post("/documents/{documentID}/download", a.downloadDocument)
			api.Post("/documents/{documentID}/cancel", a.cancelDocument)
			api.Post("/documents/{documentID}/resend", a.resendSignature)
		}
	})
	return r
}
