package core

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"socialops.com/autoresponder/internal/metrics"
)

type chatCompletionClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// GroqGenerator generates replies through Groq's OpenAI-compatible endpoint.
type GroqGenerator struct {
	client chatCompletionClient
	model  string
	log    zerolog.Logger
}

func NewGroqGenerator(apiKey, baseURL, model string, timeout time.Duration, logger zerolog.Logger) *GroqGenerator {
	if model == "" {
		model = "llama3-8b-8192"
	}
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	config.HTTPClient = &http.Client{Timeout: timeout}

	return newGroqGenerator(openai.NewClientWithConfig(config), model, logger)
}

func newGroqGenerator(client chatCompletionClient, model string, logger zerolog.Logger) *GroqGenerator {
	return &GroqGenerator{
		client: client,
		model:  model,
		log:    logger.With().Str("component", "groq").Logger(),
	}
}

func (g *GroqGenerator) Generate(ctx context.Context, req GenerationRequest) (Completion, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	ccr := openai.ChatCompletionRequest{
		Model:       g.model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.JSON {
		ccr.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	start := time.Now()
	resp, err := g.client.CreateChatCompletion(ctx, ccr)
	if err != nil {
		return Completion{}, fmt.Errorf("groq chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Completion{}, fmt.Errorf("groq chat completion: no response choices")
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return Completion{}, fmt.Errorf("groq chat completion: empty message")
	}

	out := Completion{
		Text:             text,
		Model:            g.model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	metrics.ObserveLLMGeneration(g.model, time.Since(start), out.PromptTokens, out.CompletionTokens, out.TotalTokens)
	g.log.Debug().Int("total_tokens", out.TotalTokens).Dur("elapsed", time.Since(start)).Msg("Groq completion finished")
	return out, nil
}
