package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// UpsertKnowledgeDocument writes the document for a post, replacing any previous version.
func (s *SQLiteStore) UpsertKnowledgeDocument(ctx context.Context, doc *KnowledgeDocument) error {
	embeddingBytes, err := json.Marshal(doc.Embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}
	metadata := doc.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	metadataBytes, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if doc.IngestedAt.IsZero() {
		doc.IngestedAt = s.now()
	}

	_, err = s.db.ExecContext(ctx, `
        INSERT INTO knowledge_documents (post_id, content, platform, topic, metadata_json, embedding_json, ingested_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (post_id) DO UPDATE SET
            content = excluded.content,
            platform = excluded.platform,
            topic = excluded.topic,
            metadata_json = excluded.metadata_json,
            embedding_json = excluded.embedding_json,
            ingested_at = excluded.ingested_at`,
		doc.PostID, doc.Content, doc.Platform, doc.Topic, string(metadataBytes), string(embeddingBytes), toMillis(doc.IngestedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert knowledge document: %w", err)
	}
	return nil
}

// ListKnowledgeDocuments loads every document with its embedding.
// Rows with an unreadable embedding are returned with a nil embedding.
func (s *SQLiteStore) ListKnowledgeDocuments(ctx context.Context) ([]KnowledgeDocument, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT post_id, content, platform, topic, metadata_json, embedding_json, ingested_at
        FROM knowledge_documents ORDER BY post_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query knowledge documents: %w", err)
	}
	defer rows.Close()

	var docs []KnowledgeDocument
	for rows.Next() {
		var doc KnowledgeDocument
		var metadataJSON, embeddingJSON string
		var ingestedAt int64
		if err := rows.Scan(&doc.PostID, &doc.Content, &doc.Platform, &doc.Topic, &metadataJSON, &embeddingJSON, &ingestedAt); err != nil {
			return nil, fmt.Errorf("failed to scan knowledge document row: %w", err)
		}
		if err := json.Unmarshal([]byte(metadataJSON), &doc.Metadata); err != nil {
			doc.Metadata = map[string]string{}
		}
		if err := json.Unmarshal([]byte(embeddingJSON), &doc.Embedding); err != nil {
			doc.Embedding = nil
		}
		doc.IngestedAt = fromMillis(ingestedAt)
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (s *SQLiteStore) DeleteKnowledgeDocument(ctx context.Context, postID string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM knowledge_documents WHERE post_id = ?", postID)
	if err != nil {
		return fmt.Errorf("failed to delete knowledge document: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}
