package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"

	"socialops.com/autoresponder/internal/metrics"
)

// GenerationRequest is a single bounded prompt for a text model.
type GenerationRequest struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float32
	JSON        bool // Constrain the output to a JSON object
}

// Completion is a model answer plus the usage the provider reported, if any.
type Completion struct {
	Text             string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type Generator interface {
	Generate(ctx context.Context, req GenerationRequest) (Completion, error)
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VisionGenerator answers a prompt about an image.
type VisionGenerator interface {
	GenerateFromImage(ctx context.Context, req GenerationRequest, image []byte, format string) (Completion, error)
}

type LLMModels struct {
	Chat      string
	Vision    string
	Embedding string
}

// LLMService talks to Gemini for embeddings, image fact extraction and, when
// selected, chat generation.
type LLMService struct {
	client *genai.Client
	models LLMModels
	log    zerolog.Logger
}

func NewLLMService(ctx context.Context, apiKey string, models LLMModels, logger zerolog.Logger) (*LLMService, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &LLMService{
		client: client,
		models: models,
		log:    logger.With().Str("component", "gemini").Logger(),
	}, nil
}

func (s *LLMService) Close() {
	if s.client == nil {
		return
	}
	if err := s.client.Close(); err != nil {
		s.log.Error().Err(err).Msg("Error closing GenAI client")
		return
	}
	s.log.Info().Msg("GenAI client closed")
}

func (s *LLMService) Embed(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	em := s.client.EmbeddingModel(s.models.Embedding)
	res, err := em.EmbedContent(ctx, genai.Text(text))
	metrics.ObserveNetworkRequest("gemini", "embed", start, err)
	if err != nil {
		return nil, fmt.Errorf("gemini embedding request failed: %w", err)
	}
	if res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, fmt.Errorf("no embedding data received from gemini")
	}
	return res.Embedding.Values, nil
}

func (s *LLMService) Generate(ctx context.Context, req GenerationRequest) (Completion, error) {
	return s.generate(ctx, s.models.Chat, req, genai.Text(req.Prompt))
}

func (s *LLMService) GenerateFromImage(ctx context.Context, req GenerationRequest, image []byte, format string) (Completion, error) {
	return s.generate(ctx, s.models.Vision, req, genai.ImageData(format, image), genai.Text(req.Prompt))
}

func (s *LLMService) generate(ctx context.Context, modelName string, req GenerationRequest, parts ...genai.Part) (Completion, error) {
	model := s.client.GenerativeModel(modelName)
	if req.System != "" {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(req.System)},
		}
	}
	if req.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	model.SetTemperature(req.Temperature)
	if req.JSON {
		model.ResponseMIMEType = "application/json"
	}

	start := time.Now()
	resp, err := model.GenerateContent(ctx, parts...)
	if err != nil {
		return Completion{}, fmt.Errorf("gemini generation request failed: %w", err)
	}

	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return Completion{}, fmt.Errorf("gemini response was empty or had no candidates")
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			text.WriteString(string(txt))
		} else {
			s.log.Debug().Str("type", fmt.Sprintf("%T", part)).Msg("Gemini response part was not text")
		}
	}
	if text.Len() == 0 {
		return Completion{}, fmt.Errorf("gemini returned no text")
	}

	out := Completion{Text: strings.TrimSpace(text.String()), Model: modelName}
	if u := resp.UsageMetadata; u != nil {
		out.PromptTokens = int(u.PromptTokenCount)
		out.CompletionTokens = int(u.CandidatesTokenCount)
		out.TotalTokens = int(u.TotalTokenCount)
	}
	metrics.ObserveLLMGeneration(modelName, time.Since(start), out.PromptTokens, out.CompletionTokens, out.TotalTokens)
	return out, nil
}
