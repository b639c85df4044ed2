package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"dealescrow/internal/config"
	"dealescrow/internal/logger"
)

// NewRouter собирает chi-роутер API. ctx ограничивает фоновые деплои.
func NewRouter(ctx context.Context, svc Service, escrowCfg config.EscrowConfig, log *logger.Logger) http.Handler {
	h := &Handlers{
		svc:           svc,
		bg:            ctx,
		serviceWallet: escrowCfg.ServiceWallet,
		arbiter:       escrowCfg.Arbiter,
		log:           log,
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.SetHeader("Content-Type", "application/json"))

		r.Post("/deals", h.CreateDeal)
		r.Get("/deals", h.ListDeals)
		r.Get("/deals/{id}", h.GetDeal)
		r.Post("/deals/{id}/deploy", h.DeployDeal)
		r.Post("/deals/{id}/actions", h.ExecuteAction)
		r.Post("/deals/{id}/sync", h.SyncDeal)
		r.Get("/deals/{id}/payout", h.PreviewPayout)
	})

	return r
}

func requestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.WithRequestID(middleware.GetReqID(r.Context())).WithFields(logrus.Fields{
				"component": "api",
				"method":    r.Method,
				"path":      r.URL.Path,
				"status":    ww.Status(),
				"elapsed":   time.Since(start).String(),
			}).Debug("HTTP-запрос обработан.")
		})
	}
}
