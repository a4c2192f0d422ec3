package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"socialops.com/autoresponder/internal/store"
)

type fakePolicyRepo struct {
	settings store.PolicySettings
	recent   int
	countErr error
}

func (r *fakePolicyRepo) GetPolicySettings(context.Context) (store.PolicySettings, error) {
	return r.settings, nil
}

func (r *fakePolicyRepo) CountAutoRepliesSince(context.Context, string, time.Time) (int, error) {
	return r.recent, r.countErr
}

var policyNow = time.Date(2026, 6, 10, 14, 30, 0, 0, time.UTC)

func newTestPolicy(repo *fakePolicyRepo) *AutoReplyPolicy {
	p := NewAutoReplyPolicy(repo, 5*time.Minute, time.UTC, zerolog.Nop())
	p.now = func() time.Time { return policyNow }
	return p
}

func enabledSettings() store.PolicySettings {
	ps := store.DefaultPolicySettings()
	ps.AutoReplyEnabled = true
	return ps
}

func freshConversation() *store.Conversation {
	return &store.Conversation{ID: "conv-1", LastMessageAt: policyNow.Add(-time.Minute)}
}

func TestShouldReplyAllowsByDefaultWhenEnabled(t *testing.T) {
	p := newTestPolicy(&fakePolicyRepo{settings: enabledSettings()})
	ok, reason := p.ShouldReply(context.Background(), "When is the next event?", freshConversation())
	if !ok || reason != ReasonOK {
		t.Fatalf("expected OK, got %v %q", ok, reason)
	}
}

func TestShouldReplyGateOrder(t *testing.T) {
	stale := &store.Conversation{ID: "conv-1", LastMessageAt: policyNow.Add(-10 * time.Minute)}

	tests := []struct {
		name   string
		mutate func(*store.PolicySettings)
		recent int
		conv   *store.Conversation
		text   string
		want   string
	}{
		{
			name: "disabled wins over everything",
			mutate: func(ps *store.PolicySettings) {
				ps.AutoReplyEnabled = false
				ps.BlacklistKeywords = []string{"refund"}
			},
			recent: 100,
			conv:   stale,
			text:   "refund please",
			want:   "Auto-reply is disabled",
		},
		{
			name:   "staleness wins over rate limit",
			recent: 100,
			conv:   stale,
			text:   "hello there",
			want:   "Message too old (> 5 minutes)",
		},
		{
			name: "outside business hours",
			mutate: func(ps *store.PolicySettings) {
				ps.BusinessHoursOnly = true
				ps.BusinessHoursStart = "09:00"
				ps.BusinessHoursEnd = "12:00"
			},
			recent: 100,
			text:   "hello there",
			want:   "Outside business hours",
		},
		{
			name:   "hourly cap",
			recent: 10,
			text:   "refund please",
			mutate: func(ps *store.PolicySettings) { ps.BlacklistKeywords = []string{"refund"} },
			want:   "Rate limit reached (10/hour)",
		},
		{
			name:   "blacklist is case-insensitive",
			mutate: func(ps *store.PolicySettings) { ps.BlacklistKeywords = []string{"Refund"} },
			text:   "I want a REFUND now",
			want:   "Blacklisted keyword: Refund",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ps := enabledSettings()
			if tt.mutate != nil {
				tt.mutate(&ps)
			}
			conv := tt.conv
			if conv == nil {
				conv = freshConversation()
			}
			p := newTestPolicy(&fakePolicyRepo{settings: ps, recent: tt.recent})
			ok, reason := p.ShouldReply(context.Background(), tt.text, conv)
			if ok || reason != tt.want {
				t.Errorf("got %v %q, want false %q", ok, reason, tt.want)
			}
		})
	}
}

func TestCheckBusinessHours(t *testing.T) {
	p := newTestPolicy(&fakePolicyRepo{})
	ps := enabledSettings()
	ps.BusinessHoursOnly = true

	tests := []struct {
		start, end string
		at         time.Time
		want       bool
	}{
		{"09:00", "18:00", time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC), true},
		{"09:00", "18:00", time.Date(2026, 1, 1, 18, 0, 0, 0, time.UTC), true},
		{"09:00", "18:00", time.Date(2026, 1, 1, 18, 1, 0, 0, time.UTC), false},
		{"09:00", "18:00", time.Date(2026, 1, 1, 8, 59, 0, 0, time.UTC), false},
		{"22:00", "06:00", time.Date(2026, 1, 1, 23, 30, 0, 0, time.UTC), true},
		{"22:00", "06:00", time.Date(2026, 1, 1, 5, 0, 0, 0, time.UTC), true},
		{"22:00", "06:00", time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC), false},
		{"9:00", "18:00", time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC), false},
		{"9:00", "18:00", time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC), true},
		{"9:00", "18:00", time.Date(2026, 1, 1, 8, 30, 0, 0, time.UTC), false},
		{"bogus", "18:00", time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC), false},
	}
	for _, tt := range tests {
		ps.BusinessHoursStart, ps.BusinessHoursEnd = tt.start, tt.end
		if ok, _ := p.checkBusinessHours(ps, tt.at); ok != tt.want {
			t.Errorf("window %s-%s at %s: got %v, want %v", tt.start, tt.end, tt.at.Format("15:04"), ok, tt.want)
		}
	}

	ps.BusinessHoursOnly = false
	if ok, _ := p.checkBusinessHours(ps, time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC)); !ok {
		t.Error("window must not apply when business-hours-only is off")
	}
}

func TestCheckBusinessHoursUsesLocation(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*3600)
	p := NewAutoReplyPolicy(&fakePolicyRepo{}, 5*time.Minute, loc, zerolog.Nop())
	ps := enabledSettings()
	ps.BusinessHoursOnly = true

	// 06:00 UTC is 11:00 in UTC+5.
	if ok, _ := p.checkBusinessHours(ps, time.Date(2026, 1, 1, 6, 0, 0, 0, time.UTC)); !ok {
		t.Error("expected the window to be evaluated in the configured timezone")
	}
}

func TestCheckStaleness(t *testing.T) {
	p := newTestPolicy(&fakePolicyRepo{})
	if ok, _ := p.checkStaleness(&store.Conversation{LastMessageAt: policyNow.Add(-4 * time.Minute)}, policyNow); !ok {
		t.Error("4 minute old message should pass")
	}
	if ok, _ := p.checkStaleness(&store.Conversation{LastMessageAt: policyNow.Add(-6 * time.Minute)}, policyNow); ok {
		t.Error("6 minute old message should be stale")
	}
	if ok, _ := p.checkStaleness(nil, policyNow); ok {
		t.Error("missing conversation should be rejected")
	}
}

func TestCheckRateLimitFailsClosed(t *testing.T) {
	p := newTestPolicy(&fakePolicyRepo{countErr: errors.New("database is locked")})
	ok, reason := p.checkRateLimit(context.Background(), enabledSettings(), freshConversation(), policyNow)
	if ok || reason != "Rate limit check failed" {
		t.Errorf("expected a closed gate on count errors, got %v %q", ok, reason)
	}
}

func TestShouldReplyAgainstStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ps, err := s.GetPolicySettings(ctx)
	if err != nil {
		t.Fatalf("GetPolicySettings failed: %v", err)
	}
	ps.AutoReplyEnabled = true
	ps.ReplyRateLimit = 1
	if err := s.UpdatePolicySettings(ctx, ps); err != nil {
		t.Fatalf("UpdatePolicySettings failed: %v", err)
	}

	conv, _, err := s.RecordInboundMessage(ctx, store.InboundMessage{RemoteUserID: "u1", RemoteMessageID: "m1", Text: "question", SentAt: time.Now()})
	if err != nil {
		t.Fatalf("RecordInboundMessage failed: %v", err)
	}
	p := NewAutoReplyPolicy(s, 5*time.Minute, time.UTC, zerolog.Nop())
	if ok, reason := p.ShouldReply(ctx, "question", conv); !ok {
		t.Fatalf("expected first reply to be allowed, got %q", reason)
	}

	if err := s.AppendBotMessage(ctx, &store.Message{ConversationID: conv.ID, Content: "answer", IsAutoReply: true, SentSuccessfully: true}); err != nil {
		t.Fatalf("AppendBotMessage failed: %v", err)
	}
	if ok, reason := p.ShouldReply(ctx, "another question", conv); ok || reason != "Rate limit reached (1/hour)" {
		t.Fatalf("expected the hourly cap to apply, got %v %q", ok, reason)
	}
}
