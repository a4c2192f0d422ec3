package store

import "time"

const (
	SenderUser = "user"
	SenderBot  = "bot"

	StatusActive   = "active"
	StatusResolved = "resolved"
	StatusArchived = "archived"

	PlatformInstagram = "instagram"
)

type Conversation struct {
	ID             string    `json:"id"` // UUID
	Platform       string    `json:"platform"`
	RemoteUserID   string    `json:"remote_user_id"`
	DisplayName    *string   `json:"display_name"` // Fetched lazily from the platform
	Status         string    `json:"status"`
	MessageCount   int       `json:"message_count"`
	AutoReplyCount int       `json:"auto_reply_count"`
	LastMessageAt  time.Time `json:"last_message_at"`
	CreatedAt      time.Time `json:"created_at"`
}

type Message struct {
	ID               string    `json:"id"` // UUID
	ConversationID   string    `json:"conversation_id"`
	RemoteMessageID  *string   `json:"remote_message_id"`
	Sender           string    `json:"sender"` // "user" or "bot"
	Content          string    `json:"content"`
	IsAutoReply      bool      `json:"is_auto_reply"`
	SentSuccessfully bool      `json:"sent_successfully"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	ResponseTimeMS   *int64    `json:"response_time_ms,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// InboundMessage is a user message as received from the platform.
type InboundMessage struct {
	Platform        string
	RemoteUserID    string
	RemoteMessageID string
	Text            string
	SentAt          time.Time
}

type PolicySettings struct {
	AutoReplyEnabled   bool      `json:"auto_reply_enabled"`
	ReplyRateLimit     int       `json:"reply_rate_limit"` // Max auto-replies per conversation per hour
	BusinessHoursOnly  bool      `json:"business_hours_only"`
	BusinessHoursStart string    `json:"business_hours_start"` // HH:MM
	BusinessHoursEnd   string    `json:"business_hours_end"`   // HH:MM
	BlacklistKeywords  []string  `json:"blacklist_keywords"`
	DefaultGreeting    string    `json:"default_greeting"`
	FallbackMessage    string    `json:"fallback_message"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func DefaultPolicySettings() PolicySettings {
	return PolicySettings{
		AutoReplyEnabled:   false,
		ReplyRateLimit:     10,
		BusinessHoursOnly:  false,
		BusinessHoursStart: "09:00",
		BusinessHoursEnd:   "18:00",
		BlacklistKeywords:  []string{},
		DefaultGreeting:    "Hello! Thanks for reaching out. How can I help you today?",
		FallbackMessage:    "I'm sorry, I didn't quite understand that. Could you please rephrase?",
	}
}

type CommentReplySettings struct {
	Platform          string    `json:"platform"`
	IsActive          bool      `json:"is_active"`
	IgnoreKeywords    []string  `json:"ignore_keywords"`
	MaxRepliesPerHour int       `json:"max_replies_per_hour"`
	DelaySeconds      int       `json:"delay_seconds"`
	UseRAG            bool      `json:"use_rag"`
	Tone              string    `json:"tone"`
	FallbackMessage   string    `json:"fallback_message"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func DefaultCommentReplySettings() CommentReplySettings {
	return CommentReplySettings{
		Platform:          PlatformInstagram,
		IsActive:          false,
		IgnoreKeywords:    []string{},
		MaxRepliesPerHour: 10,
		DelaySeconds:      0,
		UseRAG:            true,
		Tone:              "friendly",
		FallbackMessage:   "Thanks for your comment! 😊",
	}
}

type CommentTrigger struct {
	ID             int64     `json:"id"`
	Keyword        string    `json:"keyword"`
	DMResponse     string    `json:"dm_response"`
	UseRAG         bool      `json:"use_rag"`
	IsActive       bool      `json:"is_active"`
	TimesTriggered int       `json:"times_triggered"`
	CreatedAt      time.Time `json:"created_at"`
}

type AutomationLog struct {
	ID             string    `json:"id"` // UUID
	AutomationType string    `json:"automation_type"`
	Platform       string    `json:"platform"`
	ActionTaken    string    `json:"action_taken"`
	Success        bool      `json:"success"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	ResponseText   string    `json:"response_text,omitempty"`
	UserID         string    `json:"user_id,omitempty"`
	PostID         string    `json:"post_id,omitempty"`
	CommentID      string    `json:"comment_id,omitempty"`
	ResponseTimeMS int64     `json:"response_time_ms"`
	CreatedAt      time.Time `json:"created_at"`
}

type KnowledgeDocument struct {
	PostID     string            `json:"post_id"`
	Content    string            `json:"content"`
	Platform   string            `json:"platform"`
	Topic      string            `json:"topic"`
	Metadata   map[string]string `json:"metadata"`
	Embedding  []float32         `json:"-"` // Internal, never serialized to API responses
	IngestedAt time.Time         `json:"ingested_at"`
}
