package core

import (
	"strings"
	"sync"

	"socialops.com/autoresponder/internal/utils"
)

type turn struct {
	user string
	bot  string
}

type history struct {
	summary string
	turns   []turn
}

// HistoryMemory keeps a bounded rolling history per conversation. Once the
// rendered history goes over the token cap, the oldest turns are folded into
// a clipped summary line and dropped.
type HistoryMemory struct {
	mu        sync.Mutex
	maxTokens int
	histories map[string]*history
}

func NewHistoryMemory(maxTokens int) *HistoryMemory {
	if maxTokens <= 0 {
		maxTokens = 200
	}
	return &HistoryMemory{maxTokens: maxTokens, histories: make(map[string]*history)}
}

func (m *HistoryMemory) Append(conversationID, userText, botText string) {
	if conversationID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.histories[conversationID]
	if !ok {
		h = &history{}
		m.histories[conversationID] = h
	}
	h.turns = append(h.turns, turn{user: userText, bot: botText})

	for utils.EstimateTokens(render(h)) > m.maxTokens && len(h.turns) > 0 {
		oldest := h.turns[0]
		h.turns = h.turns[1:]
		h.summary = m.fold(h.summary, oldest)
	}
}

// fold keeps the most recent part of the summary within half of the budget.
func (m *HistoryMemory) fold(summary string, t turn) string {
	budgetRunes := (m.maxTokens / 2) * 4
	line := "User asked: " + t.user + " / Assistant: " + t.bot
	joined := strings.TrimSpace(summary + " " + line)
	runes := []rune(joined)
	if len(runes) > budgetRunes {
		runes = runes[len(runes)-budgetRunes:]
	}
	return string(runes)
}

// Render returns the history as prompt text, or "" when nothing is stored.
func (m *HistoryMemory) Render(conversationID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.histories[conversationID]
	if !ok {
		return ""
	}
	return render(h)
}

func render(h *history) string {
	var b strings.Builder
	if h.summary != "" {
		b.WriteString("Summary: ")
		b.WriteString(h.summary)
		b.WriteString("\n")
	}
	for _, t := range h.turns {
		b.WriteString("User: ")
		b.WriteString(t.user)
		b.WriteString("\nAssistant: ")
		b.WriteString(t.bot)
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

// Clear drops every stored history.
func (m *HistoryMemory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.histories = make(map[string]*history)
}

func (m *HistoryMemory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.histories)
}
