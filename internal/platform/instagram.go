package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/rs/zerolog"

	"socialops.com/autoresponder/internal/metrics"
)

const DefaultGraphURL = "https://graph.facebook.com/v19.0"

// SendResult is the outcome of an outbound call. Failures are reported here
// instead of as errors.
type SendResult struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// GraphError is a non-2xx answer from the Graph API.
type GraphError struct {
	StatusCode int
	Message    string
}

func (e *GraphError) Error() string {
	return fmt.Sprintf("graph api HTTP %d: %s", e.StatusCode, e.Message)
}

// Client calls the Instagram Graph API for one business account.
type Client struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
	log         zerolog.Logger

	attempts uint
	delay    time.Duration
}

func NewClient(baseURL, accessToken string, timeout time.Duration, logger zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultGraphURL
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		accessToken: accessToken,
		httpClient:  &http.Client{Timeout: timeout},
		log:         logger.With().Str("component", "instagram").Logger(),
		attempts:    3,
		delay:       500 * time.Millisecond,
	}
}

// SendMessage sends a direct message to a user.
func (c *Client) SendMessage(ctx context.Context, recipientID, text string) SendResult {
	payload := map[string]any{
		"recipient": map[string]string{"id": recipientID},
		"message":   map[string]string{"text": text},
	}
	var out struct {
		MessageID string `json:"message_id"`
	}
	if err := c.post(ctx, "send_message", "/me/messages", payload, &out); err != nil {
		c.log.Error().Err(err).Str("recipient_id", recipientID).Msg("Failed to send Instagram message")
		return SendResult{Error: err.Error()}
	}
	c.log.Info().Str("recipient_id", recipientID).Str("message_id", out.MessageID).Msg("Instagram message sent")
	return SendResult{Success: true, MessageID: out.MessageID}
}

// ReplyToComment posts a public reply under a comment.
func (c *Client) ReplyToComment(ctx context.Context, commentID, text string) SendResult {
	payload := map[string]any{
		"message": text,
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.post(ctx, "reply_comment", "/"+url.PathEscape(commentID)+"/replies", payload, &out); err != nil {
		c.log.Error().Err(err).Str("comment_id", commentID).Msg("Failed to reply to comment")
		return SendResult{Error: err.Error()}
	}
	return SendResult{Success: true, MessageID: out.ID}
}

// GetUsername resolves a user id to a display handle, preferring username over name.
func (c *Client) GetUsername(ctx context.Context, userID string) (string, error) {
	q := url.Values{}
	q.Set("fields", "name,username")
	endpoint := c.baseURL + "/" + url.PathEscape(userID) + "?" + q.Encode()

	var out struct {
		Name     string `json:"name"`
		Username string `json:"username"`
	}
	if err := c.do(ctx, "get_username", http.MethodGet, endpoint, nil, &out); err != nil {
		return "", err
	}
	if out.Username != "" {
		return out.Username, nil
	}
	if out.Name != "" {
		return out.Name, nil
	}
	return "", fmt.Errorf("no username returned for %s", userID)
}

func (c *Client) post(ctx context.Context, operation, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return c.do(ctx, operation, http.MethodPost, c.baseURL+path, body, out)
}

// do performs one Graph API call. Only GETs are retried: a POST whose
// response was lost may already have been delivered.
func (c *Client) do(ctx context.Context, operation, method, endpoint string, body []byte, out any) error {
	attempts := c.attempts
	if method != http.MethodGet {
		attempts = 1
	}
	start := time.Now()
	err := retry.Do(
		func() error {
			var reader io.Reader = http.NoBody
			if body != nil {
				reader = bytes.NewReader(body)
			}
			req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("Authorization", "Bearer "+c.accessToken)
			if body != nil {
				req.Header.Set("Content-Type", "application/json")
			}

			resp, err := c.httpClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if err != nil {
				return err
			}
			if resp.StatusCode >= 300 {
				gerr := &GraphError{StatusCode: resp.StatusCode, Message: graphErrorMessage(raw)}
				if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
					return retry.Unrecoverable(gerr)
				}
				return gerr
			}
			if out != nil && len(raw) > 0 {
				if err := json.Unmarshal(raw, out); err != nil {
					return retry.Unrecoverable(fmt.Errorf("decode response: %w", err))
				}
			}
			return nil
		},
		retry.Attempts(attempts),
		retry.Delay(c.delay),
		retry.MaxDelay(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.log.Warn().Uint("attempt", n).Err(err).Str("operation", operation).Msg("Retrying Graph API call")
		}),
	)
	metrics.ObserveNetworkRequest("instagram", operation, start, err)
	return err
}

func graphErrorMessage(raw []byte) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	msg := strings.TrimSpace(string(raw))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
