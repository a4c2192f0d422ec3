package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/rs/zerolog"

	"socialops.com/autoresponder/internal/metrics"
	"socialops.com/autoresponder/internal/store"
	"socialops.com/autoresponder/internal/utils"
)

const (
	captionExcerptRunes = 200
	maxImageBytes       = 20 << 20
	unknownFact         = "Unknown"
)

const extractionPrompt = `Look at this social media post image and caption. Extract only these facts and answer with a JSON object containing exactly these keys:
{"date": "YYYY-MM-DD or Unknown", "venue": "place name or Unknown", "topic": "short topic"}

Caption: %s`

type Post struct {
	PostID        string     `json:"post_id"`
	ImageURL      string     `json:"image_url"`
	Caption       string     `json:"caption"`
	Platform      string     `json:"platform"`
	ScheduledTime *time.Time `json:"scheduled_time,omitempty"`
}

type BatchResult struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// PostFacts are the structured facts pulled out of a post image.
type PostFacts struct {
	Date  string `json:"date"`
	Venue string `json:"venue"`
	Topic string `json:"topic"`
}

type IngestService struct {
	vision     VisionGenerator
	knowledge  KnowledgeStore
	httpClient *http.Client
	genTimeout time.Duration
	log        zerolog.Logger

	fetchAttempts uint
	fetchDelay    time.Duration
	now           func() time.Time
}

// NewIngestService bounds image fetches by fetchTimeout and each model call
// (fact extraction, embedding) by genTimeout.
func NewIngestService(vision VisionGenerator, knowledge KnowledgeStore, fetchTimeout, genTimeout time.Duration, logger zerolog.Logger) *IngestService {
	return &IngestService{
		vision:        vision,
		knowledge:     knowledge,
		httpClient:    &http.Client{Timeout: fetchTimeout},
		genTimeout:    genTimeout,
		log:           logger.With().Str("component", "ingest").Logger(),
		fetchAttempts: 3,
		fetchDelay:    500 * time.Millisecond,
		now:           time.Now,
	}
}

// Ingest turns one post into a fact document in the knowledge store.
// Failures are logged and reported as false.
func (s *IngestService) Ingest(ctx context.Context, post Post) bool {
	if err := s.ingest(ctx, post); err != nil {
		s.log.Error().Err(err).Str("post_id", post.PostID).Msg("Post ingestion failed")
		metrics.IngestedPostsTotal.WithLabelValues("failed").Inc()
		return false
	}
	s.log.Info().Str("post_id", post.PostID).Msg("Post ingested")
	metrics.IngestedPostsTotal.WithLabelValues("success").Inc()
	return true
}

// IngestBatch ingests posts one after another. One failure does not stop the rest.
func (s *IngestService) IngestBatch(ctx context.Context, posts []Post) BatchResult {
	var res BatchResult
	for _, post := range posts {
		if s.Ingest(ctx, post) {
			res.Success++
		} else {
			res.Failed++
		}
	}
	s.log.Info().Int("success", res.Success).Int("failed", res.Failed).Msg("Batch ingestion finished")
	return res
}

func (s *IngestService) ingest(ctx context.Context, post Post) error {
	if post.PostID == "" {
		return fmt.Errorf("post id is required")
	}
	if post.Platform == "" {
		post.Platform = store.PlatformInstagram
	}

	img, format, err := s.fetchImage(ctx, post.ImageURL)
	if err != nil {
		return fmt.Errorf("failed to fetch image: %w", err)
	}

	caption := utils.ClipRunes(strings.TrimSpace(post.Caption), captionExcerptRunes)
	genCtx, cancel := s.withGenTimeout(ctx)
	completion, err := s.vision.GenerateFromImage(genCtx, GenerationRequest{
		Prompt:      fmt.Sprintf(extractionPrompt, caption),
		MaxTokens:   100,
		Temperature: 0,
		JSON:        true,
	}, img, format)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to extract facts: %w", err)
	}

	facts, err := ParseFacts(completion.Text)
	if err != nil {
		return err
	}

	ingestedAt := s.now().UTC()
	metadata := map[string]string{
		"post_id":     post.PostID,
		"platform":    post.Platform,
		"date":        facts.Date,
		"venue":       facts.Venue,
		"topic":       facts.Topic,
		"ingested_at": ingestedAt.Format(time.RFC3339),
	}
	if post.ScheduledTime != nil {
		metadata["scheduled_time"] = post.ScheduledTime.UTC().Format(time.RFC3339)
	}

	upsertCtx, cancel := s.withGenTimeout(ctx)
	defer cancel()
	if err := s.knowledge.Upsert(upsertCtx, post.PostID, FactDocument(facts, caption), metadata); err != nil {
		return fmt.Errorf("failed to store fact document: %w", err)
	}
	return nil
}

func (s *IngestService) withGenTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.genTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.genTimeout)
}

// FactDocument renders the compact document stored for a post.
func FactDocument(facts PostFacts, caption string) string {
	return fmt.Sprintf("Date: %s\nVenue: %s\nTopic: %s\nCaption: %s",
		facts.Date, facts.Venue, facts.Topic, utils.ClipRunes(caption, captionExcerptRunes))
}

var errMalformedFacts = errors.New("malformed fact extraction")

// ParseFacts reads the extraction answer. The object must carry exactly the
// date, venue and topic keys as strings, and the date must be ISO or Unknown.
func ParseFacts(raw string) (PostFacts, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return PostFacts{}, fmt.Errorf("%w: no JSON object in %q", errMalformedFacts, utils.ClipRunes(raw, 80))
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(raw[start:end+1]), &fields); err != nil {
		return PostFacts{}, fmt.Errorf("%w: %v", errMalformedFacts, err)
	}
	if len(fields) != 3 {
		return PostFacts{}, fmt.Errorf("%w: expected 3 keys, got %d", errMalformedFacts, len(fields))
	}

	get := func(key string) (string, error) {
		v, ok := fields[key]
		if !ok {
			return "", fmt.Errorf("%w: missing %q", errMalformedFacts, key)
		}
		s, ok := v.(string)
		if !ok {
			return "", fmt.Errorf("%w: %q is not a string", errMalformedFacts, key)
		}
		return strings.TrimSpace(s), nil
	}

	var facts PostFacts
	var err error
	if facts.Date, err = get("date"); err != nil {
		return PostFacts{}, err
	}
	if facts.Venue, err = get("venue"); err != nil {
		return PostFacts{}, err
	}
	if facts.Topic, err = get("topic"); err != nil {
		return PostFacts{}, err
	}

	if facts.Date == "" || strings.EqualFold(facts.Date, unknownFact) {
		facts.Date = unknownFact
	} else if _, err := time.Parse("2006-01-02", facts.Date); err != nil {
		return PostFacts{}, fmt.Errorf("%w: unparseable date %q", errMalformedFacts, facts.Date)
	}
	if facts.Venue == "" {
		facts.Venue = unknownFact
	}
	if facts.Topic == "" {
		return PostFacts{}, fmt.Errorf("%w: empty topic", errMalformedFacts)
	}
	return facts, nil
}

// fetchImage downloads the image into memory and checks that it decodes.
func (s *IngestService) fetchImage(ctx context.Context, url string) ([]byte, string, error) {
	if url == "" {
		return nil, "", fmt.Errorf("image url is required")
	}

	var data []byte
	var format string
	start := time.Now()
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			resp, err := s.httpClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return retry.Unrecoverable(fmt.Errorf("HTTP %d", resp.StatusCode))
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			}

			body, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
			if err != nil {
				return err
			}
			if len(body) > maxImageBytes {
				return retry.Unrecoverable(fmt.Errorf("image larger than %d bytes", maxImageBytes))
			}
			_, f, err := image.DecodeConfig(bytes.NewReader(body))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("not a valid image: %w", err))
			}
			data, format = body, f
			return nil
		},
		retry.Attempts(s.fetchAttempts),
		retry.Delay(s.fetchDelay),
		retry.MaxDelay(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.log.Warn().Uint("attempt", n).Err(err).Str("url", url).Msg("Retrying image fetch")
		}),
	)
	metrics.ObserveNetworkRequest("ingest", "image_fetch", start, err)
	if err != nil {
		return nil, "", err
	}
	return data, format, nil
}
