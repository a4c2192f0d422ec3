package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func NewRouter(apiHandler *APIHandler, webhookHandler *WebhookHandler, gatherer prometheus.Gatherer, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)

	// Provider callbacks
	r.Get("/webhook/instagram", webhookHandler.VerifyHandler)
	r.Post("/webhook/instagram", webhookHandler.EventHandler)

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.SetHeader("Content-Type", "application/json"))

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok"}`))
		})

		r.Post("/chat", apiHandler.ChatHandler)
		r.Post("/chat/batch", apiHandler.ChatBatchHandler)
		r.Delete("/chat/memory", apiHandler.ClearMemoryHandler)
		r.Post("/ingest", apiHandler.IngestHandler)
		r.Post("/ingest/batch", apiHandler.IngestBatchHandler)
		r.Post("/knowledge/query", apiHandler.KnowledgeQueryHandler)
		r.Delete("/knowledge/{postID}", apiHandler.DeleteKnowledgeHandler)

		r.Get("/settings/policy", apiHandler.GetPolicySettingsHandler)
		r.Put("/settings/policy", apiHandler.UpdatePolicySettingsHandler)
		r.Get("/settings/comments", apiHandler.GetCommentSettingsHandler)
		r.Put("/settings/comments", apiHandler.UpdateCommentSettingsHandler)

		r.Get("/triggers", apiHandler.ListTriggersHandler)
		r.Post("/triggers", apiHandler.CreateTriggerHandler)
		r.Put("/triggers/{triggerID}/active", apiHandler.SetTriggerActiveHandler)

		r.Get("/automation/logs", apiHandler.ListAutomationLogsHandler)

		r.Get("/conversations", apiHandler.ListConversationsHandler)
		r.Get("/conversations/{conversationID}", apiHandler.GetConversationHandler)
		r.Put("/conversations/{conversationID}/status", apiHandler.SetConversationStatusHandler)
	})

	return r
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	log := logger.With().Str("component", "http").Logger()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("Request handled")
		})
	}
}
