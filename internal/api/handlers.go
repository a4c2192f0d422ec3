package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"socialops.com/autoresponder/internal/core"
	"socialops.com/autoresponder/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type ChatService interface {
	Respond(ctx context.Context, text, conversationID string) (string, core.ReplyMetadata)
	RespondBatch(ctx context.Context, texts []string, conversationID string) []core.ChatReply
	ClearMemory()
}

type Ingester interface {
	Ingest(ctx context.Context, post core.Post) bool
	IngestBatch(ctx context.Context, posts []core.Post) core.BatchResult
}

type KnowledgeIndex interface {
	Query(ctx context.Context, text string, k int) ([]core.KnowledgeMatch, error)
	Delete(ctx context.Context, id string) error
}

// AdminStore is the slice of the store the admin endpoints read and write.
type AdminStore interface {
	GetPolicySettings(ctx context.Context) (store.PolicySettings, error)
	UpdatePolicySettings(ctx context.Context, ps store.PolicySettings) error
	GetCommentReplySettings(ctx context.Context) (store.CommentReplySettings, error)
	UpdateCommentReplySettings(ctx context.Context, cs store.CommentReplySettings) error
	ListTriggers(ctx context.Context, activeOnly bool) ([]store.CommentTrigger, error)
	CreateTrigger(ctx context.Context, t *store.CommentTrigger) error
	SetTriggerActive(ctx context.Context, id int64, active bool) error
	ListAutomationLogs(ctx context.Context, automationType string, limit int) ([]store.AutomationLog, error)
	ListConversations(ctx context.Context, limit int) ([]store.Conversation, error)
	SetConversationStatus(ctx context.Context, id, status string) error
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	GetMessages(ctx context.Context, conversationID string, limit int) ([]store.Message, error)
}

type APIHandler struct {
	chat      ChatService
	ingest    Ingester
	knowledge KnowledgeIndex
	store     AdminStore
	log       zerolog.Logger
}

func NewAPIHandler(chat ChatService, ingest Ingester, knowledge KnowledgeIndex, st AdminStore, logger zerolog.Logger) *APIHandler {
	return &APIHandler{
		chat:      chat,
		ingest:    ingest,
		knowledge: knowledge,
		store:     st,
		log:       logger.With().Str("component", "api").Logger(),
	}
}

type ChatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id"`
}

type ChatResponse struct {
	Response string             `json:"response"`
	Metadata core.ReplyMetadata `json:"metadata"`
}

// ChatHandler runs the reply pipeline without touching the platform, for testing answers.
func (h *APIHandler) ChatHandler(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		http.Error(w, "Message cannot be empty", http.StatusBadRequest)
		return
	}
	if req.ConversationID == "" {
		req.ConversationID = "api-test"
	}

	text, meta := h.chat.Respond(r.Context(), req.Message, req.ConversationID)
	json.NewEncoder(w).Encode(ChatResponse{Response: text, Metadata: meta})
}

type ChatBatchRequest struct {
	Messages       []string `json:"messages"`
	ConversationID string   `json:"conversation_id"`
}

func (h *APIHandler) ChatBatchHandler(w http.ResponseWriter, r *http.Request) {
	var req ChatBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.Messages) == 0 {
		http.Error(w, "Messages cannot be empty", http.StatusBadRequest)
		return
	}
	json.NewEncoder(w).Encode(h.chat.RespondBatch(r.Context(), req.Messages, req.ConversationID))
}

func (h *APIHandler) ClearMemoryHandler(w http.ResponseWriter, r *http.Request) {
	h.chat.ClearMemory()
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) IngestHandler(w http.ResponseWriter, r *http.Request) {
	var post core.Post
	if err := json.NewDecoder(r.Body).Decode(&post); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if post.PostID == "" || post.ImageURL == "" {
		http.Error(w, "post_id and image_url are required", http.StatusBadRequest)
		return
	}

	if !h.ingest.Ingest(r.Context(), post) {
		http.Error(w, "Failed to ingest post", http.StatusUnprocessableEntity)
		return
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{"post_id": post.PostID, "success": true})
}

func (h *APIHandler) IngestBatchHandler(w http.ResponseWriter, r *http.Request) {
	var posts []core.Post
	if err := json.NewDecoder(r.Body).Decode(&posts); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	json.NewEncoder(w).Encode(h.ingest.IngestBatch(r.Context(), posts))
}

type KnowledgeQueryRequest struct {
	Query string `json:"query"`
	K     int    `json:"k"`
}

func (h *APIHandler) KnowledgeQueryHandler(w http.ResponseWriter, r *http.Request) {
	var req KnowledgeQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		http.Error(w, "Query cannot be empty", http.StatusBadRequest)
		return
	}
	if req.K <= 0 {
		req.K = 3
	}

	matches, err := h.knowledge.Query(r.Context(), req.Query, req.K)
	if err != nil {
		h.log.Error().Err(err).Msg("Knowledge query failed")
		http.Error(w, "Knowledge store unavailable", http.StatusServiceUnavailable)
		return
	}
	if matches == nil {
		matches = []core.KnowledgeMatch{}
	}
	json.NewEncoder(w).Encode(matches)
}

func (h *APIHandler) DeleteKnowledgeHandler(w http.ResponseWriter, r *http.Request) {
	postID := chi.URLParam(r, "postID")
	if err := h.knowledge.Delete(r.Context(), postID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "Document not found", http.StatusNotFound)
			return
		}
		h.log.Error().Err(err).Str("post_id", postID).Msg("Failed to delete knowledge document")
		http.Error(w, "Failed to delete document", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) GetPolicySettingsHandler(w http.ResponseWriter, r *http.Request) {
	ps, err := h.store.GetPolicySettings(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to load policy settings")
		http.Error(w, "Failed to load policy settings", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(ps)
}

func (h *APIHandler) UpdatePolicySettingsHandler(w http.ResponseWriter, r *http.Request) {
	current, err := h.store.GetPolicySettings(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to load policy settings")
		http.Error(w, "Failed to load policy settings", http.StatusInternalServerError)
		return
	}
	// Decoding over the current record makes omitted fields keep their values.
	if err := json.NewDecoder(r.Body).Decode(&current); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := validatePolicySettings(&current); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.store.UpdatePolicySettings(r.Context(), current); err != nil {
		h.log.Error().Err(err).Msg("Failed to save policy settings")
		http.Error(w, "Failed to save policy settings", http.StatusInternalServerError)
		return
	}
	h.log.Info().Bool("auto_reply_enabled", current.AutoReplyEnabled).Msg("Policy settings updated")
	h.GetPolicySettingsHandler(w, r)
}

// validatePolicySettings checks the settings and rewrites business hours as
// zero-padded HH:MM.
func validatePolicySettings(ps *store.PolicySettings) error {
	if ps.ReplyRateLimit < 0 {
		return errors.New("reply_rate_limit cannot be negative")
	}
	for _, v := range []*string{&ps.BusinessHoursStart, &ps.BusinessHoursEnd} {
		mins, err := core.ClockMinutes(*v)
		if err != nil {
			return errors.New("business hours must be HH:MM")
		}
		*v = fmt.Sprintf("%02d:%02d", mins/60, mins%60)
	}
	return nil
}

func (h *APIHandler) GetCommentSettingsHandler(w http.ResponseWriter, r *http.Request) {
	cs, err := h.store.GetCommentReplySettings(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to load comment settings")
		http.Error(w, "Failed to load comment settings", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(cs)
}

func (h *APIHandler) UpdateCommentSettingsHandler(w http.ResponseWriter, r *http.Request) {
	current, err := h.store.GetCommentReplySettings(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to load comment settings")
		http.Error(w, "Failed to load comment settings", http.StatusInternalServerError)
		return
	}
	if err := json.NewDecoder(r.Body).Decode(&current); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if current.MaxRepliesPerHour < 0 || current.DelaySeconds < 0 {
		http.Error(w, "max_replies_per_hour and delay_seconds cannot be negative", http.StatusBadRequest)
		return
	}

	if err := h.store.UpdateCommentReplySettings(r.Context(), current); err != nil {
		h.log.Error().Err(err).Msg("Failed to save comment settings")
		http.Error(w, "Failed to save comment settings", http.StatusInternalServerError)
		return
	}
	h.GetCommentSettingsHandler(w, r)
}

func (h *APIHandler) ListTriggersHandler(w http.ResponseWriter, r *http.Request) {
	triggers, err := h.store.ListTriggers(r.Context(), r.URL.Query().Get("active") == "true")
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list triggers")
		http.Error(w, "Failed to list triggers", http.StatusInternalServerError)
		return
	}
	if triggers == nil {
		triggers = []store.CommentTrigger{}
	}
	json.NewEncoder(w).Encode(triggers)
}

type CreateTriggerRequest struct {
	Keyword    string `json:"keyword"`
	DMResponse string `json:"dm_response"`
	UseRAG     bool   `json:"use_rag"`
	IsActive   *bool  `json:"is_active,omitempty"`
}

func (h *APIHandler) CreateTriggerHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateTriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Keyword) == "" {
		http.Error(w, "Keyword cannot be empty", http.StatusBadRequest)
		return
	}

	t := &store.CommentTrigger{
		Keyword:    req.Keyword,
		DMResponse: req.DMResponse,
		UseRAG:     req.UseRAG,
		IsActive:   req.IsActive == nil || *req.IsActive,
	}
	if err := h.store.CreateTrigger(r.Context(), t); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			http.Error(w, "A trigger with this keyword already exists", http.StatusConflict)
			return
		}
		h.log.Error().Err(err).Str("keyword", req.Keyword).Msg("Failed to create trigger")
		http.Error(w, "Failed to create trigger", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(t)
}

type SetTriggerActiveRequest struct {
	IsActive bool `json:"is_active"`
}

func (h *APIHandler) SetTriggerActiveHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "triggerID"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid trigger id", http.StatusBadRequest)
		return
	}
	var req SetTriggerActiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.store.SetTriggerActive(r.Context(), id, req.IsActive); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "Trigger not found", http.StatusNotFound)
			return
		}
		h.log.Error().Err(err).Int64("trigger_id", id).Msg("Failed to update trigger")
		http.Error(w, "Failed to update trigger", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) ListAutomationLogsHandler(w http.ResponseWriter, r *http.Request) {
	logs, err := h.store.ListAutomationLogs(r.Context(), r.URL.Query().Get("type"), listLimit(r))
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list automation logs")
		http.Error(w, "Failed to list automation logs", http.StatusInternalServerError)
		return
	}
	if logs == nil {
		logs = []store.AutomationLog{}
	}
	json.NewEncoder(w).Encode(logs)
}

func (h *APIHandler) ListConversationsHandler(w http.ResponseWriter, r *http.Request) {
	convs, err := h.store.ListConversations(r.Context(), listLimit(r))
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list conversations")
		http.Error(w, "Failed to list conversations", http.StatusInternalServerError)
		return
	}
	if convs == nil {
		convs = []store.Conversation{}
	}
	json.NewEncoder(w).Encode(convs)
}

type SetConversationStatusRequest struct {
	Status string `json:"status"`
}

func (h *APIHandler) SetConversationStatusHandler(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "conversationID")
	var req SetConversationStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	switch req.Status {
	case store.StatusActive, store.StatusResolved, store.StatusArchived:
	default:
		http.Error(w, "Status must be active, resolved or archived", http.StatusBadRequest)
		return
	}

	if err := h.store.SetConversationStatus(r.Context(), convID, req.Status); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "Conversation not found", http.StatusNotFound)
			return
		}
		h.log.Error().Err(err).Str("conversation_id", convID).Msg("Failed to update conversation status")
		http.Error(w, "Failed to update conversation", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type ConversationDetailsResponse struct {
	*store.Conversation
	Messages []store.Message `json:"messages"`
}

func (h *APIHandler) GetConversationHandler(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "conversationID")

	conv, err := h.store.GetConversation(r.Context(), convID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Conversation not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("conversation_id", convID).Msg("Failed to load conversation")
		http.Error(w, "Failed to load conversation", http.StatusInternalServerError)
		return
	}

	messages, err := h.store.GetMessages(r.Context(), convID, listLimit(r))
	if err != nil {
		h.log.Error().Err(err).Str("conversation_id", convID).Msg("Failed to load messages")
		http.Error(w, "Failed to load messages", http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []store.Message{}
	}
	json.NewEncoder(w).Encode(ConversationDetailsResponse{Conversation: conv, Messages: messages})
}

func listLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	return min(n, maxListLimit)
}
