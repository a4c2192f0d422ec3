package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"socialops.com/autoresponder/internal/metrics"
	"socialops.com/autoresponder/internal/store"
	"socialops.com/autoresponder/internal/utils"
)

const (
	AutomationCommentReply = "auto_comment_reply"
	AutomationCommentToDM  = "comment_to_dm"

	ActionRepliedToComment   = "replied_to_comment"
	ActionFailedToReply      = "failed_to_reply"
	ActionSkipped            = "skipped"
	ActionRateLimited        = "rate_limited"
	ActionError              = "error"
	ActionSentDM             = "sent_dm"
	ActionFailedToSend       = "failed_to_send"
	ActionDuplicatePrevented = "duplicate_prevented"
	ActionNoTrigger          = "no_trigger"

	commentReplyMaxRunes = 150
	dmMaxRunes           = 200
	DefaultDMResponse    = "Thanks for your comment! 🙏"
)

// CommentEvent is one comment left on a post.
type CommentEvent struct {
	CommentID string
	PostID    string
	UserID    string
	Username  string
	Text      string
}

type automationRepository interface {
	GetCommentReplySettings(ctx context.Context) (store.CommentReplySettings, error)
	CountSuccessfulActionsSince(ctx context.Context, automationType, action string, since time.Time) (int, error)
	CreateAutomationLog(ctx context.Context, entry *store.AutomationLog) error
	ListTriggers(ctx context.Context, activeOnly bool) ([]store.CommentTrigger, error)
	HasDMGuard(ctx context.Context, postID, userID string) (bool, error)
	RecordDMGuard(ctx context.Context, postID, userID, keyword string) error
	DeleteDMGuard(ctx context.Context, postID, userID string) error
	IncrementTriggerCount(ctx context.Context, id int64) error
}

type GroundedGenerator interface {
	GenerateGrounded(ctx context.Context, text, instruction string, maxTokens int) (string, error)
}

// CommentAutomation reacts to comments: a public reply and keyword triggered DMs.
type CommentAutomation struct {
	repo         automationRepository
	generator    GroundedGenerator
	messenger    Messenger
	replyTimeout time.Duration
	locks        *keyedMutex
	log          zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewCommentAutomation(repo automationRepository, generator GroundedGenerator, messenger Messenger, replyTimeout time.Duration, logger zerolog.Logger) *CommentAutomation {
	return &CommentAutomation{
		repo:         repo,
		generator:    generator,
		messenger:    messenger,
		replyTimeout: replyTimeout,
		locks:        newKeyedMutex(),
		log:          logger.With().Str("component", "automation").Logger(),
		now:          time.Now,
		sleep:        sleepContext,
	}
}

// AutoReply posts a public reply to the comment when settings allow it.
func (a *CommentAutomation) AutoReply(ctx context.Context, ev CommentEvent) string {
	start := a.now()
	entry := store.AutomationLog{
		AutomationType: AutomationCommentReply,
		UserID:         ev.UserID,
		PostID:         ev.PostID,
		CommentID:      ev.CommentID,
	}
	done := func(action string, success bool, errMsg string) string {
		entry.ActionTaken = action
		entry.Success = success
		entry.ErrorMessage = errMsg
		entry.ResponseTimeMS = a.now().Sub(start).Milliseconds()
		a.logAction(ctx, &entry)
		return action
	}

	settings, err := a.repo.GetCommentReplySettings(ctx)
	if err != nil {
		return done(ActionError, false, fmt.Sprintf("failed to load settings: %v", err))
	}
	if !settings.IsActive {
		return done(ActionSkipped, false, "Auto-reply is not active")
	}
	for _, kw := range settings.IgnoreKeywords {
		if kw != "" && utils.ContainsFold(ev.Text, kw) {
			return done(ActionSkipped, false, "Ignored keyword: "+kw)
		}
	}

	n, err := a.repo.CountSuccessfulActionsSince(ctx, AutomationCommentReply, ActionRepliedToComment, a.now().Add(-time.Hour))
	if err != nil {
		return done(ActionError, false, fmt.Sprintf("failed to count recent replies: %v", err))
	}
	if n >= settings.MaxRepliesPerHour {
		return done(ActionRateLimited, false, fmt.Sprintf("Rate limit reached (%d/hour)", settings.MaxRepliesPerHour))
	}

	if settings.DelaySeconds > 0 {
		if err := a.sleep(ctx, time.Duration(settings.DelaySeconds)*time.Second); err != nil {
			return done(ActionError, false, fmt.Sprintf("delay interrupted: %v", err))
		}
	}

	text := settings.FallbackMessage
	if settings.UseRAG && a.generator != nil {
		instruction := fmt.Sprintf("You are replying publicly to an Instagram comment in a %s tone. Keep it under 100 characters.", settings.Tone)
		generated, err := a.generator.GenerateGrounded(ctx, ev.Text, instruction, 60)
		if err != nil {
			a.log.Warn().Err(err).Str("comment_id", ev.CommentID).Msg("Comment reply generation failed, using fallback message")
		} else {
			text = generated
		}
	}
	text = utils.TruncateWithEllipsis(strings.TrimSpace(text), commentReplyMaxRunes)
	if text == "" {
		return done(ActionSkipped, false, "No reply text available")
	}
	entry.ResponseText = text

	sendCtx, cancel := a.withReplyTimeout(ctx)
	result := a.messenger.ReplyToComment(sendCtx, ev.CommentID, text)
	cancel()
	if !result.Success {
		return done(ActionFailedToReply, false, result.Error)
	}
	return done(ActionRepliedToComment, true, "")
}

// CommentToDM sends a direct message when the comment matches an active trigger.
// A user receives at most one DM per post: the guard row is reserved before
// the send and released again if the send fails.
func (a *CommentAutomation) CommentToDM(ctx context.Context, ev CommentEvent) string {
	start := a.now()
	entry := store.AutomationLog{
		AutomationType: AutomationCommentToDM,
		UserID:         ev.UserID,
		PostID:         ev.PostID,
		CommentID:      ev.CommentID,
	}
	done := func(action string, success bool, errMsg string) string {
		entry.ActionTaken = action
		entry.Success = success
		entry.ErrorMessage = errMsg
		entry.ResponseTimeMS = a.now().Sub(start).Milliseconds()
		a.logAction(ctx, &entry)
		return action
	}

	triggers, err := a.repo.ListTriggers(ctx, true)
	if err != nil {
		return done(ActionError, false, fmt.Sprintf("failed to load triggers: %v", err))
	}
	trigger, ok := MatchTrigger(triggers, ev.Text)
	if !ok {
		return done(ActionNoTrigger, false, "")
	}

	unlock := a.locks.Lock(ev.PostID + "\x00" + ev.UserID)
	defer unlock()

	exists, err := a.repo.HasDMGuard(ctx, ev.PostID, ev.UserID)
	if err != nil {
		return done(ActionError, false, fmt.Sprintf("failed to check duplicate guard: %v", err))
	}
	if exists {
		return done(ActionDuplicatePrevented, false, "")
	}

	text := trigger.DMResponse
	if trigger.UseRAG && a.generator != nil {
		generated, err := a.generator.GenerateGrounded(ctx, ev.Text,
			"You are sending a friendly direct message to someone who commented on a post. Keep it under 200 characters.", 100)
		if err != nil {
			a.log.Warn().Err(err).Str("keyword", trigger.Keyword).Msg("DM generation failed, using trigger response")
		} else {
			text = generated
		}
	}
	if strings.TrimSpace(text) == "" {
		text = DefaultDMResponse
	}
	text = utils.TruncateWithEllipsis(strings.TrimSpace(text), dmMaxRunes)
	entry.ResponseText = text

	if err := a.repo.RecordDMGuard(ctx, ev.PostID, ev.UserID, trigger.Keyword); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return done(ActionDuplicatePrevented, false, "")
		}
		return done(ActionError, false, fmt.Sprintf("failed to reserve duplicate guard: %v", err))
	}

	sendCtx, cancel := a.withReplyTimeout(ctx)
	result := a.messenger.SendMessage(sendCtx, ev.UserID, text)
	cancel()
	if !result.Success {
		if err := a.repo.DeleteDMGuard(context.WithoutCancel(ctx), ev.PostID, ev.UserID); err != nil {
			a.log.Error().Err(err).Str("post_id", ev.PostID).Str("user_id", ev.UserID).Msg("Failed to release DM guard")
		}
		return done(ActionFailedToSend, false, result.Error)
	}

	if err := a.repo.IncrementTriggerCount(ctx, trigger.ID); err != nil {
		a.log.Error().Err(err).Int64("trigger_id", trigger.ID).Msg("Failed to increment trigger count")
	}
	return done(ActionSentDM, true, "")
}

// MatchTrigger returns the first trigger whose keyword occurs in the comment,
// ignoring case. Triggers are expected longest keyword first.
func MatchTrigger(triggers []store.CommentTrigger, text string) (store.CommentTrigger, bool) {
	upper := strings.ToUpper(text)
	for _, t := range triggers {
		kw := strings.ToUpper(strings.TrimSpace(t.Keyword))
		if kw != "" && strings.Contains(upper, kw) {
			return t, true
		}
	}
	return store.CommentTrigger{}, false
}

func (a *CommentAutomation) withReplyTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.replyTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.replyTimeout)
}

// logAction records the decision. A failed write is logged and otherwise ignored.
func (a *CommentAutomation) logAction(ctx context.Context, entry *store.AutomationLog) {
	metrics.AutomationActionsTotal.WithLabelValues(entry.AutomationType, entry.ActionTaken).Inc()
	ev := a.log.Info()
	if entry.ActionTaken == ActionError || entry.ActionTaken == ActionFailedToReply || entry.ActionTaken == ActionFailedToSend {
		ev = a.log.Warn()
	}
	ev.Str("type", entry.AutomationType).
		Str("action", entry.ActionTaken).
		Str("comment_id", entry.CommentID).
		Str("detail", entry.ErrorMessage).
		Msg("Automation decision")

	if err := a.repo.CreateAutomationLog(context.WithoutCancel(ctx), entry); err != nil {
		a.log.Error().Err(err).Str("action", entry.ActionTaken).Msg("Failed to write automation log")
	}
}

type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refLock)}
}

// Lock acquires the lock for key and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
