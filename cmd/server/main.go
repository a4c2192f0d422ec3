package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"socialops.com/autoresponder/internal/api"
	"socialops.com/autoresponder/internal/config"
	"socialops.com/autoresponder/internal/core"
	"socialops.com/autoresponder/internal/logging"
	"socialops.com/autoresponder/internal/metrics"
	"socialops.com/autoresponder/internal/platform"
	"socialops.com/autoresponder/internal/store"
	"socialops.com/autoresponder/internal/webhook"
	"socialops.com/autoresponder/internal/worker"
)

func main() {
	ingestFile := flag.String("ingest", "", "Ingest a JSON array of posts from this file and exit")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		bootLogger := logging.New("INFO")
		bootLogger.Fatal().Err(err).Msg("Invalid configuration")
	}
	logger := logging.New(cfg.LogLevel)
	if cfg.Debug() {
		logger.Debug().Msg("Service starting in DEBUG mode")
	}

	dbStore, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer dbStore.Close()

	llmService, err := core.NewLLMService(context.Background(), cfg.Gemini.APIKey, core.LLMModels{
		Chat:      cfg.Gemini.ChatModel,
		Vision:    cfg.Gemini.VisionModel,
		Embedding: cfg.Gemini.EmbeddingModel,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize Gemini client")
	}
	defer llmService.Close()

	knowledge := core.NewVectorIndex(dbStore, llmService, cfg.RAG.SimilarityThreshold, logger)
	ingestService := core.NewIngestService(llmService, knowledge, cfg.Timeouts.ImageFetch, cfg.Timeouts.Generation, logger)

	if *ingestFile != "" {
		if err := ingestFromFile(context.Background(), ingestService, *ingestFile, logger); err != nil {
			logger.Fatal().Err(err).Str("file", *ingestFile).Msg("Data ingestion failed")
		}
		return
	}

	var generator core.Generator = llmService
	if strings.EqualFold(cfg.GenerationProvider, "groq") {
		generator = core.NewGroqGenerator(cfg.Groq.APIKey, cfg.Groq.BaseURL, cfg.Groq.Model, cfg.Timeouts.Generation, logger)
	}

	loc, err := cfg.Location()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load timezone")
	}

	pipeline := core.NewChatPipeline(
		core.NewGatekeeper(logger),
		core.NewRateLimiter(cfg.RAG.RateLimitDelay, logger),
		knowledge,
		generator,
		core.NewHistoryMemory(cfg.RAG.MaxContextTokens),
		core.ChatOptions{
			RetrievalK:        cfg.RAG.RetrievalK,
			MaxOutputTokens:   cfg.RAG.MaxOutputTokens,
			Temperature:       cfg.RAG.Temperature,
			GenerationTimeout: cfg.Timeouts.Generation,
		},
		logger,
	)

	instagram := platform.NewClient(cfg.Instagram.GraphURL, cfg.Instagram.AccessToken, cfg.Timeouts.HTTP, logger)
	policy := core.NewAutoReplyPolicy(dbStore, cfg.StalenessWindow, loc, logger)
	messages := core.NewMessageService(dbStore, policy, pipeline, instagram, logger)
	comments := core.NewCommentAutomation(dbStore, pipeline, instagram, cfg.Timeouts.CommentReply, logger)

	// A job may wait on the limiter, generate, send, and sleep for the configured comment delay.
	jobTimeout := cfg.RAG.RateLimitDelay + cfg.Timeouts.Generation + 2*cfg.Timeouts.HTTP + 5*time.Minute
	pool := worker.New(cfg.Worker.Count, cfg.Worker.QueueSize, jobTimeout, logger)
	processor := webhook.NewProcessor(messages, comments, pool, logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.MustRegister(registry)

	apiHandler := api.NewAPIHandler(pipeline, ingestService, knowledge, dbStore, logger)
	webhookHandler := api.NewWebhookHandler(processor, cfg.Instagram.VerifyToken, cfg.Instagram.AppSecret, logger)
	router := api.NewRouter(apiHandler, webhookHandler, registry, logger)

	serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)
	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Timeouts.Generation + 30*time.Second, // /api/chat waits on generation
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", serverAddr).Str("provider", cfg.GenerationProvider).Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Str("addr", serverAddr).Msg("Could not listen")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}
	// Webhooks are closed now; let queued replies finish.
	if err := pool.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Worker pool did not drain before the deadline")
	}

	logger.Info().Msg("Server exiting gracefully")
}

func ingestFromFile(ctx context.Context, ingest *core.IngestService, path string, logger zerolog.Logger) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read posts file: %w", err)
	}
	var posts []core.Post
	if err := json.Unmarshal(raw, &posts); err != nil {
		return fmt.Errorf("failed to parse posts file: %w", err)
	}

	logger.Info().Int("posts", len(posts)).Msg("Starting data ingestion")
	res := ingest.IngestBatch(ctx, posts)
	logger.Info().Int("success", res.Success).Int("failed", res.Failed).Msg("Data ingestion complete")
	return nil
}
