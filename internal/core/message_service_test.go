package core

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"socialops.com/autoresponder/internal/store"
)

type stubPolicy struct {
	allow  bool
	reason string
}

func (p stubPolicy) ShouldReply(context.Context, string, *store.Conversation) (bool, string) {
	return p.allow, p.reason
}

func TestHandleInboundDeduplicates(t *testing.T) {
	s := newTestStore(t)
	svc := NewMessageService(s, stubPolicy{allow: true, reason: ReasonOK}, nil, &fakeMessenger{}, zerolog.Nop())
	ctx := context.Background()
	in := store.InboundMessage{RemoteUserID: "u1", RemoteMessageID: "mid-1", Text: "When is the next event?", SentAt: time.Now()}

	first, err := svc.HandleInbound(ctx, in)
	if err != nil {
		t.Fatalf("HandleInbound failed: %v", err)
	}
	if first.Duplicate || !first.Allowed || first.Conversation == nil {
		t.Fatalf("unexpected first result: %+v", first)
	}

	second, err := svc.HandleInbound(ctx, in)
	if err != nil {
		t.Fatalf("replay returned an error: %v", err)
	}
	if !second.Duplicate || second.Allowed {
		t.Fatalf("expected the replay to be a duplicate with no reply, got %+v", second)
	}

	msgs, err := s.GetMessages(ctx, first.Conversation.ID, 10)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Errorf("expected one persisted message, got %d", len(msgs))
	}
}

func TestProcessReplySendsAndRecords(t *testing.T) {
	s := newTestStore(t)
	messenger := &fakeMessenger{username: "jane.doe"}
	pipeline, _ := newTestPipeline(&fakeKnowledge{}, &fakeGenerator{reply: "unused"})
	svc := NewMessageService(s, stubPolicy{allow: true}, pipeline, messenger, zerolog.Nop())
	ctx := context.Background()

	res, err := svc.HandleInbound(ctx, store.InboundMessage{RemoteUserID: "u1", RemoteMessageID: "mid-1", Text: "hello", SentAt: time.Now()})
	if err != nil {
		t.Fatalf("HandleInbound failed: %v", err)
	}
	if err := svc.ProcessReply(ctx, res.Conversation, "hello"); err != nil {
		t.Fatalf("ProcessReply failed: %v", err)
	}

	if messenger.sentDMs() != 1 {
		t.Fatalf("expected one outbound message, got %d", messenger.sentDMs())
	}
	conv, err := s.GetConversation(ctx, res.Conversation.ID)
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if conv.MessageCount != 2 || conv.AutoReplyCount != 1 {
		t.Errorf("unexpected counters: %+v", conv)
	}
	if conv.DisplayName == nil || *conv.DisplayName != "jane.doe" {
		t.Errorf("expected display name to be fetched, got %v", conv.DisplayName)
	}

	msgs, _ := s.GetMessages(ctx, conv.ID, 10)
	bot := msgs[len(msgs)-1]
	if bot.Sender != store.SenderBot || !bot.IsAutoReply || !bot.SentSuccessfully || bot.ResponseTimeMS == nil {
		t.Errorf("unexpected bot message: %+v", bot)
	}
}

func TestProcessReplyRecordsSendFailure(t *testing.T) {
	s := newTestStore(t)
	messenger := &fakeMessenger{fail: true}
	pipeline, _ := newTestPipeline(&fakeKnowledge{}, &fakeGenerator{reply: "unused"})
	svc := NewMessageService(s, stubPolicy{allow: true}, pipeline, messenger, zerolog.Nop())
	ctx := context.Background()

	res, err := svc.HandleInbound(ctx, store.InboundMessage{RemoteUserID: "u1", RemoteMessageID: "mid-1", Text: "thanks", SentAt: time.Now()})
	if err != nil {
		t.Fatalf("HandleInbound failed: %v", err)
	}
	if err := svc.ProcessReply(ctx, res.Conversation, "thanks"); err != nil {
		t.Fatalf("ProcessReply failed: %v", err)
	}

	conv, _ := s.GetConversation(ctx, res.Conversation.ID)
	if conv.AutoReplyCount != 0 {
		t.Errorf("a failed send must not count as an auto-reply, got %d", conv.AutoReplyCount)
	}
	msgs, _ := s.GetMessages(ctx, conv.ID, 10)
	bot := msgs[len(msgs)-1]
	if bot.SentSuccessfully || bot.ErrorMessage == "" {
		t.Errorf("expected the failure to be recorded, got %+v", bot)
	}
}
