package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"socialops.com/autoresponder/internal/metrics"
	"socialops.com/autoresponder/internal/store"
)

const ReasonOK = "OK"

type policyRepository interface {
	GetPolicySettings(ctx context.Context) (store.PolicySettings, error)
	CountAutoRepliesSince(ctx context.Context, conversationID string, since time.Time) (int, error)
}

// AutoReplyPolicy decides whether an inbound message gets an automated reply.
// Gates run in a fixed order and the first failing one names the reason.
type AutoReplyPolicy struct {
	repo      policyRepository
	staleness time.Duration
	loc       *time.Location
	log       zerolog.Logger
	now       func() time.Time
}

func NewAutoReplyPolicy(repo policyRepository, staleness time.Duration, loc *time.Location, logger zerolog.Logger) *AutoReplyPolicy {
	if staleness <= 0 {
		staleness = 5 * time.Minute
	}
	if loc == nil {
		loc = time.Local
	}
	return &AutoReplyPolicy{
		repo:      repo,
		staleness: staleness,
		loc:       loc,
		log:       logger.With().Str("component", "policy").Logger(),
		now:       time.Now,
	}
}

func (p *AutoReplyPolicy) ShouldReply(ctx context.Context, text string, conv *store.Conversation) (bool, string) {
	ps, err := p.repo.GetPolicySettings(ctx)
	if err != nil {
		p.log.Error().Err(err).Msg("Failed to load policy settings, not replying")
		return p.decide("settings", false, "Policy settings unavailable")
	}
	now := p.now()

	if ok, reason := p.checkEnabled(ps); !ok {
		return p.decide("disabled", ok, reason)
	}
	if ok, reason := p.checkStaleness(conv, now); !ok {
		return p.decide("stale", ok, reason)
	}
	if ok, reason := p.checkBusinessHours(ps, now); !ok {
		return p.decide("business_hours", ok, reason)
	}
	if ok, reason := p.checkRateLimit(ctx, ps, conv, now); !ok {
		return p.decide("rate_limit", ok, reason)
	}
	if ok, reason := p.checkBlacklist(ps, text); !ok {
		return p.decide("blacklist", ok, reason)
	}
	return p.decide("ok", true, ReasonOK)
}

func (p *AutoReplyPolicy) decide(gate string, ok bool, reason string) (bool, string) {
	metrics.PolicyDecisionsTotal.WithLabelValues(gate).Inc()
	return ok, reason
}

func (p *AutoReplyPolicy) checkEnabled(ps store.PolicySettings) (bool, string) {
	if !ps.AutoReplyEnabled {
		return false, "Auto-reply is disabled"
	}
	return true, ReasonOK
}

// checkStaleness uses the conversation's last message time, which the store
// sets from the provider timestamp of the message being evaluated.
func (p *AutoReplyPolicy) checkStaleness(conv *store.Conversation, now time.Time) (bool, string) {
	if conv == nil || conv.LastMessageAt.IsZero() || now.Sub(conv.LastMessageAt) > p.staleness {
		return false, fmt.Sprintf("Message too old (> %d minutes)", int(p.staleness.Minutes()))
	}
	return true, ReasonOK
}

func (p *AutoReplyPolicy) checkBusinessHours(ps store.PolicySettings, now time.Time) (bool, string) {
	if !ps.BusinessHoursOnly {
		return true, ReasonOK
	}
	start, errStart := ClockMinutes(ps.BusinessHoursStart)
	end, errEnd := ClockMinutes(ps.BusinessHoursEnd)
	if errStart != nil || errEnd != nil {
		p.log.Warn().
			Str("start", ps.BusinessHoursStart).
			Str("end", ps.BusinessHoursEnd).
			Msg("Invalid business hours window, treating as closed")
		return false, "Outside business hours"
	}
	local := now.In(p.loc)
	if !withinWindow(local.Hour()*60+local.Minute(), start, end) {
		return false, "Outside business hours"
	}
	return true, ReasonOK
}

// ClockMinutes parses an HH:MM clock time into minutes since midnight.
// Unpadded hours such as "9:00" are accepted.
func ClockMinutes(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// withinWindow reports whether cur falls in [start, end], all in minutes since
// midnight. A window whose start is after its end wraps past midnight.
func withinWindow(cur, start, end int) bool {
	if start <= end {
		return cur >= start && cur <= end
	}
	return cur >= start || cur <= end
}

func (p *AutoReplyPolicy) checkRateLimit(ctx context.Context, ps store.PolicySettings, conv *store.Conversation, now time.Time) (bool, string) {
	if conv == nil {
		return false, "Unknown conversation"
	}
	n, err := p.repo.CountAutoRepliesSince(ctx, conv.ID, now.Add(-time.Hour))
	if err != nil {
		p.log.Error().Err(err).Str("conversation_id", conv.ID).Msg("Failed to count recent auto-replies")
		return false, "Rate limit check failed"
	}
	if n >= ps.ReplyRateLimit {
		return false, fmt.Sprintf("Rate limit reached (%d/hour)", ps.ReplyRateLimit)
	}
	return true, ReasonOK
}

func (p *AutoReplyPolicy) checkBlacklist(ps store.PolicySettings, text string) (bool, string) {
	lower := strings.ToLower(text)
	for _, kw := range ps.BlacklistKeywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return false, "Blacklisted keyword: " + kw
		}
	}
	return true, ReasonOK
}
