package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrMalformedPayload = errors.New("malformed webhook payload")

// MessageEvent is a direct message in canonical form, whatever shape it arrived in.
type MessageEvent struct {
	SenderID    string
	RecipientID string
	MessageID   string
	Text        string
	Timestamp   time.Time
}

type CommentEvent struct {
	CommentID string
	PostID    string
	UserID    string
	Username  string
	Text      string
}

type Batch struct {
	Object   string
	Messages []MessageEvent
	Comments []CommentEvent
	Skipped  int
}

type envelope struct {
	Object string            `json:"object"`
	Entry  []json.RawMessage `json:"entry"`
}

type entry struct {
	ID        string            `json:"id"`
	Messaging []json.RawMessage `json:"messaging"`
	Changes   []change          `json:"changes"`
}

type change struct {
	Field string          `json:"field"`
	Value json.RawMessage `json:"value"`
}

type messagingEvent struct {
	Sender    *party `json:"sender"`
	Recipient *party `json:"recipient"`
	Timestamp int64  `json:"timestamp"`
	Message   *struct {
		MID    string `json:"mid"`
		ID     string `json:"id"`
		Text   string `json:"text"`
		IsEcho bool   `json:"is_echo"`
	} `json:"message"`
}

type party struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type changeValue struct {
	Messaging []json.RawMessage `json:"messaging"`

	// Comment fields.
	ID    string `json:"id"`
	Text  string `json:"text"`
	From  *party `json:"from"`
	Media *struct {
		ID string `json:"id"`
	} `json:"media"`

	// Single messaging object fields.
	Sender  *party          `json:"sender"`
	Message json.RawMessage `json:"message"`
}

// Normalize flattens a webhook body into message and comment events.
// Only an unreadable top-level document is an error; a bad entry or event is
// counted in Skipped and its siblings are still returned.
func Normalize(body []byte) (Batch, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Batch{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	b := Batch{Object: env.Object}
	for _, raw := range env.Entry {
		var e entry
		if err := json.Unmarshal(raw, &e); err != nil {
			b.Skipped++
			continue
		}

		if len(e.Messaging) > 0 {
			for _, ev := range e.Messaging {
				b.addMessage(ev)
			}
			continue
		}

		for _, c := range e.Changes {
			var v changeValue
			if err := json.Unmarshal(c.Value, &v); err != nil {
				b.Skipped++
				continue
			}
			switch {
			case len(v.Messaging) > 0:
				for _, ev := range v.Messaging {
					b.addMessage(ev)
				}
			case v.Sender != nil && len(v.Message) > 0:
				b.addMessage(c.Value)
			case c.Field == "comments" || (v.From != nil && v.ID != "" && v.Text != ""):
				b.addComment(e.ID, v)
			default:
				b.Skipped++
			}
		}
	}
	return b, nil
}

func (b *Batch) addMessage(raw json.RawMessage) {
	var ev messagingEvent
	if err := json.Unmarshal(raw, &ev); err != nil || ev.Message == nil || ev.Sender == nil {
		b.Skipped++
		return
	}
	if ev.Message.IsEcho || ev.Message.Text == "" || ev.Sender.ID == "" {
		b.Skipped++
		return
	}

	id := ev.Message.MID
	if id == "" {
		id = ev.Message.ID
	}
	m := MessageEvent{
		SenderID:  ev.Sender.ID,
		MessageID: id,
		Text:      ev.Message.Text,
	}
	if ev.Recipient != nil {
		m.RecipientID = ev.Recipient.ID
	}
	if ev.Timestamp > 0 {
		m.Timestamp = time.UnixMilli(ev.Timestamp)
	}
	b.Messages = append(b.Messages, m)
}

func (b *Batch) addComment(accountID string, v changeValue) {
	if v.ID == "" || v.Text == "" || v.From == nil || v.From.ID == "" {
		b.Skipped++
		return
	}
	// Our own replies come back as comment events too.
	if accountID != "" && v.From.ID == accountID {
		b.Skipped++
		return
	}
	c := CommentEvent{
		CommentID: v.ID,
		UserID:    v.From.ID,
		Username:  v.From.Username,
		Text:      v.Text,
	}
	if v.Media != nil {
		c.PostID = v.Media.ID
	}
	b.Comments = append(b.Comments, c)
}
