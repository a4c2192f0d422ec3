package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"socialops.com/autoresponder/internal/metrics"
	"socialops.com/autoresponder/internal/utils"
)

const (
	SourceGatekeeper    = "gatekeeper"
	SourceGeneration    = "generation"
	SourceErrorFallback = "error_fallback"

	FallbackReply = "I apologize, but I'm having trouble responding right now. Please try again later!"

	noContext = "No relevant information found."
)

const chatSystemPrompt = "You are a helpful social media assistant. Use the context to answer briefly."

// ReplyMetadata describes how a reply was produced.
type ReplyMetadata struct {
	ConversationID  string    `json:"conversation_id"`
	Timestamp       time.Time `json:"timestamp"`
	Source          string    `json:"source"`
	TokensUsed      int       `json:"tokens_used"`
	TokensEstimated bool      `json:"tokens_estimated"` // True when the provider reported no usage
	ElapsedMS       int64     `json:"elapsed_ms"`
	NumSources      int       `json:"num_sources"`
	SourcePostID    string    `json:"source_post_id,omitempty"`
	Error           string    `json:"error,omitempty"`
}

type ChatReply struct {
	Text     string        `json:"reply"`
	Metadata ReplyMetadata `json:"metadata"`
}

type ChatOptions struct {
	RetrievalK        int
	MaxOutputTokens   int
	Temperature       float32
	GenerationTimeout time.Duration
}

// ChatPipeline turns an inbound message into a reply, spending paid calls only
// when the gatekeeper cannot answer.
type ChatPipeline struct {
	gatekeeper *Gatekeeper
	limiter    *RateLimiter
	knowledge  KnowledgeStore
	generator  Generator
	memory     *HistoryMemory
	opts       ChatOptions
	log        zerolog.Logger
	now        func() time.Time
}

func NewChatPipeline(gatekeeper *Gatekeeper, limiter *RateLimiter, knowledge KnowledgeStore, generator Generator, memory *HistoryMemory, opts ChatOptions, logger zerolog.Logger) *ChatPipeline {
	if opts.RetrievalK < 1 {
		opts.RetrievalK = 1
	}
	if opts.MaxOutputTokens <= 0 {
		opts.MaxOutputTokens = 150
	}
	return &ChatPipeline{
		gatekeeper: gatekeeper,
		limiter:    limiter,
		knowledge:  knowledge,
		generator:  generator,
		memory:     memory,
		opts:       opts,
		log:        logger.With().Str("component", "chat").Logger(),
		now:        time.Now,
	}
}

// Respond always yields a reply. Failures after the gatekeeper are reported
// through the metadata with source error_fallback.
func (p *ChatPipeline) Respond(ctx context.Context, text, conversationID string) (string, ReplyMetadata) {
	start := p.now()
	meta := ReplyMetadata{ConversationID: conversationID, Timestamp: start.UTC()}
	finish := func(reply, source string) (string, ReplyMetadata) {
		meta.Source = source
		meta.ElapsedMS = p.now().Sub(start).Milliseconds()
		metrics.ChatRepliesTotal.WithLabelValues(source).Inc()
		return reply, meta
	}

	if p.gatekeeper.Classify(text) {
		return finish(p.gatekeeper.NextStaticReply(), SourceGatekeeper)
	}

	g, err := p.grounded(ctx, text, p.historyFor(conversationID), "", p.opts.MaxOutputTokens)
	meta.NumSources = len(g.matches)
	if len(g.matches) > 0 {
		meta.SourcePostID = g.matches[0].PostID
	}
	if err != nil {
		p.log.Error().Err(err).Str("conversation_id", conversationID).Msg("Chat generation failed, using fallback reply")
		meta.Error = err.Error()
		return finish(FallbackReply, SourceErrorFallback)
	}

	meta.TokensUsed = g.completion.TotalTokens
	if meta.TokensUsed == 0 {
		meta.TokensUsed = utils.EstimateTokens(g.prompt) + utils.EstimateTokens(g.completion.Text)
		meta.TokensEstimated = true
	}
	if p.memory != nil && conversationID != "" {
		p.memory.Append(conversationID, text, g.completion.Text)
	}
	return finish(g.completion.Text, SourceGeneration)
}

// RespondBatch answers messages one at a time so the shared limiter budget holds.
func (p *ChatPipeline) RespondBatch(ctx context.Context, texts []string, conversationID string) []ChatReply {
	replies := make([]ChatReply, 0, len(texts))
	for _, text := range texts {
		reply, meta := p.Respond(ctx, text, conversationID)
		replies = append(replies, ChatReply{Text: reply, Metadata: meta})
	}
	return replies
}

// GenerateGrounded runs retrieval and generation without the gatekeeper or
// conversation history. instruction is appended to the system prompt.
func (p *ChatPipeline) GenerateGrounded(ctx context.Context, text, instruction string, maxTokens int) (string, error) {
	g, err := p.grounded(ctx, text, "", instruction, maxTokens)
	if err != nil {
		return "", err
	}
	return g.completion.Text, nil
}

// ClearMemory drops all rolling conversation histories.
func (p *ChatPipeline) ClearMemory() {
	if p.memory != nil {
		p.memory.Clear()
	}
	p.log.Info().Msg("Conversation memory cleared")
}

type groundedResult struct {
	matches    []KnowledgeMatch
	prompt     string
	completion Completion
}

func (p *ChatPipeline) grounded(ctx context.Context, text, history, instruction string, maxTokens int) (groundedResult, error) {
	var res groundedResult
	if p.opts.GenerationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.GenerationTimeout)
		defer cancel()
	}

	if err := p.limiter.Throttle(ctx); err != nil {
		return res, fmt.Errorf("rate limiter: %w", err)
	}

	matches, err := p.knowledge.Query(ctx, text, p.opts.RetrievalK)
	if err != nil {
		return res, fmt.Errorf("failed to retrieve context: %w", err)
	}
	res.matches = matches

	res.prompt = buildPrompt(matches, history, text)
	system := chatSystemPrompt
	if instruction != "" {
		system += " " + instruction
	}

	completion, err := p.generator.Generate(ctx, GenerationRequest{
		System:      system,
		Prompt:      res.prompt,
		MaxTokens:   maxTokens,
		Temperature: p.opts.Temperature,
	})
	if err != nil {
		return res, fmt.Errorf("failed to generate reply: %w", err)
	}
	if strings.TrimSpace(completion.Text) == "" {
		return res, fmt.Errorf("generator returned an empty reply")
	}
	res.completion = completion
	return res, nil
}

func buildPrompt(matches []KnowledgeMatch, history, question string) string {
	contextText := noContext
	if len(matches) > 0 {
		parts := make([]string, 0, len(matches))
		for _, m := range matches {
			parts = append(parts, m.Content)
		}
		contextText = strings.Join(parts, "\n\n")
	}

	var b strings.Builder
	b.WriteString("Context: ")
	b.WriteString(contextText)
	b.WriteString("\n\n")
	if history != "" {
		b.WriteString("Conversation so far:\n")
		b.WriteString(history)
		b.WriteString("\n\n")
	}
	b.WriteString("User: ")
	b.WriteString(question)
	b.WriteString("\nAssistant:")
	return b.String()
}

func (p *ChatPipeline) historyFor(conversationID string) string {
	if p.memory == nil || conversationID == "" {
		return ""
	}
	return p.memory.Render(conversationID)
}
