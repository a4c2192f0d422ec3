package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"socialops.com/autoresponder/internal/metrics"
	"socialops.com/autoresponder/internal/store"
	"socialops.com/autoresponder/internal/utils"
)

// ErrStoreUnavailable means the knowledge store could not be consulted at all.
// An empty result set is not an error.
var ErrStoreUnavailable = errors.New("knowledge store unavailable")

type KnowledgeMatch struct {
	PostID   string            `json:"post_id"`
	Content  string            `json:"content"`
	Score    float32           `json:"score"`
	Metadata map[string]string `json:"metadata"`
}

type KnowledgeStore interface {
	Upsert(ctx context.Context, id, text string, metadata map[string]string) error
	Query(ctx context.Context, text string, k int) ([]KnowledgeMatch, error)
}

type knowledgeRepository interface {
	UpsertKnowledgeDocument(ctx context.Context, doc *store.KnowledgeDocument) error
	ListKnowledgeDocuments(ctx context.Context) ([]store.KnowledgeDocument, error)
	DeleteKnowledgeDocument(ctx context.Context, postID string) error
}

// VectorIndex is a brute-force cosine index over documents persisted in SQLite.
// Documents are cached in memory after the first load and kept in sync on upsert.
type VectorIndex struct {
	repo      knowledgeRepository
	embedder  Embedder
	threshold float32
	log       zerolog.Logger

	mu     sync.RWMutex
	loaded bool
	docs   map[string]store.KnowledgeDocument
}

func NewVectorIndex(repo knowledgeRepository, embedder Embedder, threshold float32, logger zerolog.Logger) *VectorIndex {
	return &VectorIndex{
		repo:      repo,
		embedder:  embedder,
		threshold: threshold,
		log:       logger.With().Str("component", "knowledge").Logger(),
		docs:      make(map[string]store.KnowledgeDocument),
	}
}

// Upsert embeds text and stores it under id, replacing any earlier version.
func (v *VectorIndex) Upsert(ctx context.Context, id, text string, metadata map[string]string) error {
	if id == "" {
		return fmt.Errorf("document id is required")
	}
	start := time.Now()
	embedding, err := v.embedder.Embed(ctx, text)
	if err != nil {
		metrics.ObserveNetworkRequest("knowledge", "upsert", start, err)
		return fmt.Errorf("%w: failed to embed document %s: %v", ErrStoreUnavailable, id, err)
	}

	doc := store.KnowledgeDocument{
		PostID:    id,
		Content:   text,
		Platform:  metadata["platform"],
		Topic:     metadata["topic"],
		Metadata:  metadata,
		Embedding: embedding,
	}
	err = v.repo.UpsertKnowledgeDocument(ctx, &doc)
	metrics.ObserveNetworkRequest("knowledge", "upsert", start, err)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	v.mu.Lock()
	v.docs[id] = doc
	v.mu.Unlock()
	return nil
}

// Delete removes a document from the store and the in-memory index.
func (v *VectorIndex) Delete(ctx context.Context, id string) error {
	if err := v.repo.DeleteKnowledgeDocument(ctx, id); err != nil {
		return err
	}
	v.mu.Lock()
	delete(v.docs, id)
	v.mu.Unlock()
	return nil
}

// Query returns up to k documents ordered by descending similarity to text.
func (v *VectorIndex) Query(ctx context.Context, text string, k int) ([]KnowledgeMatch, error) {
	if k < 1 {
		k = 1
	}
	start := time.Now()
	if err := v.ensureLoaded(ctx); err != nil {
		metrics.ObserveNetworkRequest("knowledge", "query", start, err)
		return nil, err
	}

	queryEmbedding, err := v.embedder.Embed(ctx, text)
	if err != nil {
		metrics.ObserveNetworkRequest("knowledge", "query", start, err)
		return nil, fmt.Errorf("%w: failed to embed query: %v", ErrStoreUnavailable, err)
	}

	v.mu.RLock()
	matches := make([]KnowledgeMatch, 0, len(v.docs))
	for _, doc := range v.docs {
		if len(doc.Embedding) == 0 {
			v.log.Warn().Str("post_id", doc.PostID).Msg("Skipping document with missing embedding")
			continue
		}
		score, err := utils.CosineSimilarity(queryEmbedding, doc.Embedding)
		if err != nil {
			v.log.Warn().Err(err).Str("post_id", doc.PostID).Msg("Skipping document, similarity failed")
			continue
		}
		if score < v.threshold {
			continue
		}
		matches = append(matches, KnowledgeMatch{
			PostID:   doc.PostID,
			Content:  doc.Content,
			Score:    score,
			Metadata: doc.Metadata,
		})
	}
	v.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].PostID < matches[j].PostID
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	metrics.ObserveNetworkRequest("knowledge", "query", start, nil)
	v.log.Debug().Int("matches", len(matches)).Int("k", k).Msg("Knowledge query finished")
	return matches, nil
}

func (v *VectorIndex) ensureLoaded(ctx context.Context) error {
	v.mu.RLock()
	loaded := v.loaded
	v.mu.RUnlock()
	if loaded {
		return nil
	}

	// The write lock is held across the listing so an Upsert or Delete that
	// lands mid-load is applied after it, not overwritten by it.
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.loaded {
		return nil
	}
	docs, err := v.repo.ListKnowledgeDocuments(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	for _, doc := range docs {
		if _, ok := v.docs[doc.PostID]; !ok {
			v.docs[doc.PostID] = doc
		}
	}
	v.loaded = true
	if len(docs) == 0 {
		v.log.Warn().Msg("Knowledge index loaded with no documents. Ingest posts before relying on retrieval.")
	} else {
		v.log.Info().Int("documents", len(docs)).Msg("Knowledge index loaded")
	}
	return nil
}
