package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Duration of outbound network requests",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15, 30, 60},
	}, []string{"component", "operation", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Number of outbound network requests",
	}, []string{"component", "operation", "status"})

	LLMGenerationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "llm_generation_duration_seconds",
		Help:    "Duration of LLM generation calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"model"})

	LLMTokensTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_tokens_total",
		Help: "Tokens consumed by LLM calls",
	}, []string{"model", "type"})

	ChatRepliesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_replies_total",
		Help: "Chat pipeline replies by source",
	}, []string{"source"})

	PolicyDecisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "autoreply_policy_decisions_total",
		Help: "Auto-reply policy decisions by gate",
	}, []string{"gate"})

	WebhookEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_events_total",
		Help: "Normalized webhook events by kind and outcome",
	}, []string{"kind", "outcome"})

	AutomationActionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "automation_actions_total",
		Help: "Comment automation decisions",
	}, []string{"type", "action"})

	IngestedPostsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingested_posts_total",
		Help: "Post ingestion attempts by outcome",
	}, []string{"outcome"})

	WorkerQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "worker_queue_depth",
		Help: "Jobs waiting in the background work queue",
	})
)

func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		NetworkRequestDuration,
		NetworkRequestTotal,
		LLMGenerationDuration,
		LLMTokensTotal,
		ChatRepliesTotal,
		PolicyDecisionsTotal,
		WebhookEventsTotal,
		AutomationActionsTotal,
		IngestedPostsTotal,
		WorkerQueueDepth,
	)
}

// ObserveNetworkRequest records duration and status of an outbound call.
func ObserveNetworkRequest(component, operation string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	NetworkRequestDuration.WithLabelValues(component, operation, status).Observe(time.Since(start).Seconds())
	NetworkRequestTotal.WithLabelValues(component, operation, status).Inc()
}

// ObserveLLMGeneration records generation latency and token usage.
func ObserveLLMGeneration(model string, duration time.Duration, promptTokens, completionTokens, totalTokens int) {
	if model == "" {
		model = "unknown"
	}
	LLMGenerationDuration.WithLabelValues(model).Observe(duration.Seconds())
	if promptTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
	if totalTokens <= 0 {
		totalTokens = promptTokens + completionTokens
	}
	if totalTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "total").Add(float64(totalTokens))
	}
}
