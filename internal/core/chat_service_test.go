package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestRespondGreetingUsesGatekeeper(t *testing.T) {
	knowledge := &fakeKnowledge{}
	gen := &fakeGenerator{reply: "should not be used"}
	p, limiter := newTestPipeline(knowledge, gen)

	reply, meta := p.Respond(context.Background(), "Hi", "conv-1")
	if reply == "" {
		t.Fatal("expected a canned reply")
	}
	if meta.Source != SourceGatekeeper || meta.TokensUsed != 0 {
		t.Errorf("unexpected metadata: %+v", meta)
	}
	if gen.calls() != 0 || len(knowledge.queries) != 0 || limiter.Calls() != 0 {
		t.Errorf("gatekeeper path must not throttle, retrieve or generate (gen=%d queries=%d throttles=%d)",
			gen.calls(), len(knowledge.queries), limiter.Calls())
	}
	if meta.ConversationID != "conv-1" || meta.Timestamp.IsZero() {
		t.Errorf("conversation id and timestamp must be set: %+v", meta)
	}
}

func TestRespondGeneratesWithRetrievedContext(t *testing.T) {
	knowledge := &fakeKnowledge{matches: []KnowledgeMatch{{
		PostID:  "post-9",
		Content: "Date: 2026-05-02\nVenue: Riverside Studio\nTopic: Pottery workshop\nCaption: Join us",
		Score:   0.91,
	}}}
	gen := &fakeGenerator{reply: "The next event is the pottery workshop on May 2nd.", usage: 87}
	p, limiter := newTestPipeline(knowledge, gen)

	reply, meta := p.Respond(context.Background(), "When is the next event?", "conv-1")
	if reply != gen.reply {
		t.Fatalf("unexpected reply %q", reply)
	}
	if meta.Source != SourceGeneration {
		t.Fatalf("expected generation source, got %+v", meta)
	}
	if limiter.Calls() != 1 {
		t.Errorf("expected one throttle, got %d", limiter.Calls())
	}
	if len(knowledge.queries) != 1 || knowledge.queries[0] != 1 {
		t.Errorf("expected one retrieval with k=1, got %v", knowledge.queries)
	}
	if meta.NumSources != 1 || meta.SourcePostID != "post-9" || meta.TokensUsed != 87 || meta.TokensEstimated {
		t.Errorf("unexpected metadata: %+v", meta)
	}

	req := gen.requests[0]
	if !strings.Contains(req.Prompt, "Venue: Riverside Studio") || !strings.Contains(req.Prompt, "User: When is the next event?") {
		t.Errorf("prompt is missing context or question:\n%s", req.Prompt)
	}
	if req.MaxTokens != 150 || req.Temperature != 0.7 {
		t.Errorf("unexpected generation bounds: %+v", req)
	}
}

func TestRespondEstimatesTokensWhenUsageMissing(t *testing.T) {
	gen := &fakeGenerator{reply: "Sure, we open at nine."}
	p, _ := newTestPipeline(&fakeKnowledge{}, gen)

	_, meta := p.Respond(context.Background(), "What time do you open tomorrow?", "conv-2")
	if !meta.TokensEstimated || meta.TokensUsed <= 0 {
		t.Errorf("expected an estimated token count, got %+v", meta)
	}
	if !strings.Contains(gen.requests[0].Prompt, noContext) {
		t.Errorf("expected the empty-context marker in the prompt:\n%s", gen.requests[0].Prompt)
	}
}

func TestRespondFallsBackWhenStoreUnavailable(t *testing.T) {
	knowledge := &fakeKnowledge{err: fmt.Errorf("%w: connection refused", ErrStoreUnavailable)}
	gen := &fakeGenerator{reply: "unused"}
	p, _ := newTestPipeline(knowledge, gen)

	reply, meta := p.Respond(context.Background(), "Where is the venue for Saturday?", "conv-1")
	if reply != FallbackReply {
		t.Fatalf("expected the static fallback, got %q", reply)
	}
	if meta.Source != SourceErrorFallback {
		t.Errorf("expected error_fallback, got %s", meta.Source)
	}
	if !strings.Contains(meta.Error, "knowledge store unavailable") {
		t.Errorf("expected the error in metadata, got %q", meta.Error)
	}
	if gen.calls() != 0 {
		t.Errorf("generation must not run after a failed retrieval")
	}
}

func TestRespondFallsBackWhenGenerationFails(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("503 service unavailable")}
	p, _ := newTestPipeline(&fakeKnowledge{}, gen)

	reply, meta := p.Respond(context.Background(), "Do you ship abroad?", "conv-1")
	if reply != FallbackReply || meta.Source != SourceErrorFallback || meta.Error == "" {
		t.Fatalf("unexpected result %q %+v", reply, meta)
	}
}

func TestRespondCarriesHistory(t *testing.T) {
	gen := &fakeGenerator{reply: "We are at Riverside Studio."}
	p, _ := newTestPipeline(&fakeKnowledge{}, gen)
	ctx := context.Background()

	p.Respond(ctx, "Where is the workshop?", "conv-1")
	p.Respond(ctx, "And what time does it start?", "conv-1")
	if !strings.Contains(gen.requests[1].Prompt, "User: Where is the workshop?") {
		t.Errorf("second prompt should include the first turn:\n%s", gen.requests[1].Prompt)
	}

	p.Respond(ctx, "Do I need to bring anything?", "conv-2")
	if strings.Contains(gen.requests[2].Prompt, "Where is the workshop?") {
		t.Errorf("history leaked across conversations:\n%s", gen.requests[2].Prompt)
	}

	p.ClearMemory()
	p.Respond(ctx, "Is parking available?", "conv-1")
	if strings.Contains(gen.requests[3].Prompt, "Conversation so far") {
		t.Errorf("history should be empty after ClearMemory:\n%s", gen.requests[3].Prompt)
	}
}

func TestRespondBatchIsSequential(t *testing.T) {
	gen := &fakeGenerator{reply: "answer"}
	p, limiter := newTestPipeline(&fakeKnowledge{}, gen)

	replies := p.RespondBatch(context.Background(), []string{"hello", "What is the price of a ticket?", "Where do I park?"}, "")
	if len(replies) != 3 {
		t.Fatalf("expected 3 replies, got %d", len(replies))
	}
	if replies[0].Metadata.Source != SourceGatekeeper || replies[1].Metadata.Source != SourceGeneration {
		t.Errorf("unexpected sources: %s, %s", replies[0].Metadata.Source, replies[1].Metadata.Source)
	}
	if limiter.Calls() != 2 {
		t.Errorf("expected 2 throttled calls, got %d", limiter.Calls())
	}
}

func TestGenerateGroundedSkipsGatekeeper(t *testing.T) {
	gen := &fakeGenerator{reply: "Thanks for stopping by!"}
	p, limiter := newTestPipeline(&fakeKnowledge{}, gen)

	text, err := p.GenerateGrounded(context.Background(), "hi", "Keep it under 100 characters.", 60)
	if err != nil {
		t.Fatalf("GenerateGrounded failed: %v", err)
	}
	if text != gen.reply || limiter.Calls() != 1 {
		t.Errorf("expected a generated reply through the limiter, got %q (throttles=%d)", text, limiter.Calls())
	}
	req := gen.requests[0]
	if req.MaxTokens != 60 || !strings.HasSuffix(req.System, "Keep it under 100 characters.") {
		t.Errorf("unexpected request: %+v", req)
	}
}
