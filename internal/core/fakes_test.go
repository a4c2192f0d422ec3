package core

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"socialops.com/autoresponder/internal/platform"
	"socialops.com/autoresponder/internal/store"
)

// bagEmbedder hashes lowercase words into a small fixed-size vector.
type bagEmbedder struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (e *bagEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	vec := make([]float32, 64)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, "?!.,:")
		if w == "" {
			continue
		}
		h := fnv.New32a()
		h.Write([]byte(w))
		vec[h.Sum32()%64]++
	}
	return vec, nil
}

type fakeGenerator struct {
	mu       sync.Mutex
	requests []GenerationRequest
	reply    string
	err      error
	usage    int
}

func (g *fakeGenerator) Generate(_ context.Context, req GenerationRequest) (Completion, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.err != nil {
		return Completion{}, g.err
	}
	return Completion{Text: g.reply, Model: "fake", TotalTokens: g.usage}, nil
}

func (g *fakeGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

type fakeKnowledge struct {
	mu      sync.Mutex
	matches []KnowledgeMatch
	err     error
	queries []int
}

func (k *fakeKnowledge) Upsert(context.Context, string, string, map[string]string) error {
	return k.err
}

func (k *fakeKnowledge) Query(_ context.Context, _ string, n int) ([]KnowledgeMatch, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.queries = append(k.queries, n)
	if k.err != nil {
		return nil, k.err
	}
	return k.matches, nil
}

type fakeMessenger struct {
	mu       sync.Mutex
	dms      []string
	replies  []string
	fail     bool
	username string
}

func (m *fakeMessenger) SendMessage(_ context.Context, recipientID, text string) platform.SendResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return platform.SendResult{Error: "graph api HTTP 500: unavailable"}
	}
	m.dms = append(m.dms, recipientID+":"+text)
	return platform.SendResult{Success: true, MessageID: "mid-out"}
}

func (m *fakeMessenger) ReplyToComment(_ context.Context, commentID, text string) platform.SendResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return platform.SendResult{Error: "graph api HTTP 500: unavailable"}
	}
	m.replies = append(m.replies, commentID+":"+text)
	return platform.SendResult{Success: true, MessageID: "reply-id"}
}

func (m *fakeMessenger) GetUsername(context.Context, string) (string, error) {
	if m.username == "" {
		return "", errors.New("not found")
	}
	return m.username, nil
}

func (m *fakeMessenger) sentDMs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.dms)
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func noDelayLimiter() *RateLimiter {
	return NewRateLimiter(0, zerolog.Nop())
}

func newTestPipeline(knowledge KnowledgeStore, gen Generator) (*ChatPipeline, *RateLimiter) {
	limiter := noDelayLimiter()
	p := NewChatPipeline(NewGatekeeper(zerolog.Nop()), limiter, knowledge, gen, NewHistoryMemory(200),
		ChatOptions{RetrievalK: 1, MaxOutputTokens: 150, Temperature: 0.7, GenerationTimeout: time.Second}, zerolog.Nop())
	return p, limiter
}
