package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"socialops.com/autoresponder/internal/platform"
	"socialops.com/autoresponder/internal/store"
)

type messageRepository interface {
	RecordInboundMessage(ctx context.Context, in store.InboundMessage) (*store.Conversation, *store.Message, error)
	AppendBotMessage(ctx context.Context, msg *store.Message) error
	SetConversationDisplayName(ctx context.Context, id, name string) error
}

// Messenger is the outbound side of the messaging platform.
type Messenger interface {
	SendMessage(ctx context.Context, recipientID, text string) platform.SendResult
	ReplyToComment(ctx context.Context, commentID, text string) platform.SendResult
	GetUsername(ctx context.Context, userID string) (string, error)
}

type Responder interface {
	Respond(ctx context.Context, text, conversationID string) (string, ReplyMetadata)
}

type ReplyPolicy interface {
	ShouldReply(ctx context.Context, text string, conv *store.Conversation) (bool, string)
}

type InboundResult struct {
	Conversation *store.Conversation
	Message      *store.Message
	Duplicate    bool
	Allowed      bool
	Reason       string
}

// MessageService persists inbound direct messages and produces the automated reply.
type MessageService struct {
	repo      messageRepository
	policy    ReplyPolicy
	responder Responder
	messenger Messenger
	log       zerolog.Logger
	now       func() time.Time
}

func NewMessageService(repo messageRepository, policy ReplyPolicy, responder Responder, messenger Messenger, logger zerolog.Logger) *MessageService {
	return &MessageService{
		repo:      repo,
		policy:    policy,
		responder: responder,
		messenger: messenger,
		log:       logger.With().Str("component", "messages").Logger(),
		now:       time.Now,
	}
}

// HandleInbound stores the message and evaluates the reply policy. A replayed
// delivery is reported as Duplicate and has no side effects.
func (s *MessageService) HandleInbound(ctx context.Context, in store.InboundMessage) (InboundResult, error) {
	conv, msg, err := s.repo.RecordInboundMessage(ctx, in)
	if errors.Is(err, store.ErrDuplicate) {
		s.log.Info().Str("remote_message_id", in.RemoteMessageID).Msg("Duplicate message delivery dropped")
		return InboundResult{Duplicate: true, Reason: "Duplicate message"}, nil
	}
	if err != nil {
		return InboundResult{}, fmt.Errorf("failed to record inbound message: %w", err)
	}

	res := InboundResult{Conversation: conv, Message: msg}
	res.Allowed, res.Reason = s.policy.ShouldReply(ctx, in.Text, conv)
	s.log.Info().
		Str("conversation_id", conv.ID).
		Bool("allowed", res.Allowed).
		Str("reason", res.Reason).
		Msg("Inbound message recorded")
	return res, nil
}

// ProcessReply generates, sends and records the reply to a user message.
func (s *MessageService) ProcessReply(ctx context.Context, conv *store.Conversation, userText string) error {
	if conv.DisplayName == nil {
		s.resolveDisplayName(ctx, conv)
	}

	start := s.now()
	reply, meta := s.responder.Respond(ctx, userText, conv.ID)
	elapsed := s.now().Sub(start).Milliseconds()

	result := s.messenger.SendMessage(ctx, conv.RemoteUserID, reply)
	bot := &store.Message{
		ConversationID:   conv.ID,
		Sender:           store.SenderBot,
		Content:          reply,
		IsAutoReply:      true,
		SentSuccessfully: result.Success,
		ErrorMessage:     result.Error,
		ResponseTimeMS:   &elapsed,
	}
	if err := s.repo.AppendBotMessage(ctx, bot); err != nil {
		return fmt.Errorf("failed to record bot reply: %w", err)
	}

	ev := s.log.Info()
	if !result.Success {
		ev = s.log.Warn().Str("error", result.Error)
	}
	ev.Str("conversation_id", conv.ID).
		Str("source", meta.Source).
		Bool("sent", result.Success).
		Int64("response_time_ms", elapsed).
		Msg("Auto-reply processed")
	return nil
}

func (s *MessageService) resolveDisplayName(ctx context.Context, conv *store.Conversation) {
	name, err := s.messenger.GetUsername(ctx, conv.RemoteUserID)
	if err != nil {
		s.log.Warn().Err(err).Str("remote_user_id", conv.RemoteUserID).Msg("Could not fetch username")
		return
	}
	if err := s.repo.SetConversationDisplayName(ctx, conv.ID, name); err != nil {
		s.log.Warn().Err(err).Str("conversation_id", conv.ID).Msg("Could not store display name")
		return
	}
	conv.DisplayName = &name
}
