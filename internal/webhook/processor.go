package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"socialops.com/autoresponder/internal/core"
	"socialops.com/autoresponder/internal/metrics"
	"socialops.com/autoresponder/internal/store"
	"socialops.com/autoresponder/internal/worker"
)

type MessageHandler interface {
	HandleInbound(ctx context.Context, in store.InboundMessage) (core.InboundResult, error)
	ProcessReply(ctx context.Context, conv *store.Conversation, userText string) error
}

type CommentHandler interface {
	AutoReply(ctx context.Context, ev core.CommentEvent) string
	CommentToDM(ctx context.Context, ev core.CommentEvent) string
}

type Submitter interface {
	Submit(ctx context.Context, job worker.Job) error
}

// Processor persists webhook messages synchronously and hands the slow work
// (generation and sending) to the worker pool.
type Processor struct {
	messages      MessageHandler
	comments      CommentHandler
	jobs          Submitter
	submitTimeout time.Duration
	inlineTimeout time.Duration
	log           zerolog.Logger
}

func NewProcessor(messages MessageHandler, comments CommentHandler, jobs Submitter, logger zerolog.Logger) *Processor {
	return &Processor{
		messages:      messages,
		comments:      comments,
		jobs:          jobs,
		submitTimeout: time.Second,
		inlineTimeout: 2 * time.Minute,
		log:           logger.With().Str("component", "webhook").Logger(),
	}
}

// Handle processes one webhook body and returns how many events were accepted.
// Every event is attempted; a storage failure is reported after the rest of
// the payload has been handled so the provider redelivers it.
func (p *Processor) Handle(ctx context.Context, body []byte) (int, error) {
	batch, err := Normalize(body)
	if err != nil {
		return 0, err
	}
	if batch.Object != "instagram" && batch.Object != "page" {
		p.log.Info().Str("object", batch.Object).Msg("Unexpected webhook object, parsing anyway")
	}
	if batch.Skipped > 0 {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "skipped").Add(float64(batch.Skipped))
	}

	processed := 0
	var errs []error
	for _, m := range batch.Messages {
		if err := p.handleMessage(ctx, m); err != nil {
			metrics.WebhookEventsTotal.WithLabelValues("message", "error").Inc()
			p.log.Error().Err(err).Str("message_id", m.MessageID).Msg("Failed to process message event")
			errs = append(errs, err)
			continue
		}
		processed++
	}
	for _, c := range batch.Comments {
		p.dispatchComment(ctx, c)
		processed++
	}

	if processed == 0 && len(errs) == 0 {
		p.log.Info().Int("skipped", batch.Skipped).Msg("No processable events found in webhook payload")
	}
	if len(errs) > 0 {
		return processed, fmt.Errorf("%d of %d message events failed: %w", len(errs), len(batch.Messages), errors.Join(errs...))
	}
	return processed, nil
}

func (p *Processor) handleMessage(ctx context.Context, m MessageEvent) error {
	res, err := p.messages.HandleInbound(ctx, store.InboundMessage{
		Platform:        store.PlatformInstagram,
		RemoteUserID:    m.SenderID,
		RemoteMessageID: m.MessageID,
		Text:            m.Text,
		SentAt:          m.Timestamp,
	})
	if err != nil {
		return err
	}
	switch {
	case res.Duplicate:
		metrics.WebhookEventsTotal.WithLabelValues("message", "duplicate").Inc()
		return nil
	case !res.Allowed:
		metrics.WebhookEventsTotal.WithLabelValues("message", "no_reply").Inc()
		return nil
	}

	conv, text := res.Conversation, m.Text
	err = p.submit(ctx, worker.Job{
		Name: "dm_reply",
		Run: func(jobCtx context.Context) error {
			return p.messages.ProcessReply(jobCtx, conv, text)
		},
	})
	if err == nil {
		metrics.WebhookEventsTotal.WithLabelValues("message", "reply_queued").Inc()
		return nil
	}

	// The message is already stored, so a redelivery would be deduplicated.
	// Reply inline instead of losing it.
	p.log.Warn().Str("message_id", m.MessageID).Msg("Reply queue unavailable, replying inline")
	inlineCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.inlineTimeout)
	defer cancel()
	if err := p.messages.ProcessReply(inlineCtx, conv, text); err != nil {
		p.log.Error().Err(err).Str("message_id", m.MessageID).Msg("Inline reply failed")
	}
	metrics.WebhookEventsTotal.WithLabelValues("message", "reply_inline").Inc()
	return nil
}

func (p *Processor) dispatchComment(ctx context.Context, c CommentEvent) {
	ev := core.CommentEvent{
		CommentID: c.CommentID,
		PostID:    c.PostID,
		UserID:    c.UserID,
		Username:  c.Username,
		Text:      c.Text,
	}
	p.submit(ctx, worker.Job{
		Name: "comment_reply",
		Run: func(jobCtx context.Context) error {
			p.comments.AutoReply(jobCtx, ev)
			return nil
		},
	})
	p.submit(ctx, worker.Job{
		Name: "comment_dm",
		Run: func(jobCtx context.Context) error {
			p.comments.CommentToDM(jobCtx, ev)
			return nil
		},
	})
	metrics.WebhookEventsTotal.WithLabelValues("comment", "queued").Inc()
}

// submit waits briefly for queue room. A rejected job is logged and returned
// to the caller, which decides whether it can be dropped.
func (p *Processor) submit(ctx context.Context, job worker.Job) error {
	submitCtx, cancel := context.WithTimeout(ctx, p.submitTimeout)
	defer cancel()
	if err := p.jobs.Submit(submitCtx, job); err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(job.Name, "dropped").Inc()
		p.log.Error().Err(err).Str("job", job.Name).Msg("Failed to queue background job")
		return err
	}
	return nil
}
