package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CreateTrigger stores a new comment-to-DM rule. Keywords are unique regardless of case.
func (s *SQLiteStore) CreateTrigger(ctx context.Context, t *CommentTrigger) error {
	t.Keyword = strings.TrimSpace(t.Keyword)
	if t.Keyword == "" {
		return fmt.Errorf("trigger keyword cannot be empty")
	}
	t.CreatedAt = fromMillis(toMillis(s.now()))
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO comment_triggers (keyword, dm_response, use_rag, is_active, times_triggered, created_at)
        VALUES (?, ?, ?, ?, 0, ?)`,
		t.Keyword, t.DMResponse, t.UseRAG, t.IsActive, toMillis(t.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("keyword %q: %w", t.Keyword, ErrDuplicate)
		}
		return fmt.Errorf("failed to insert trigger: %w", err)
	}
	t.ID, _ = res.LastInsertId()
	t.TimesTriggered = 0
	return nil
}

// ListTriggers returns rules ordered by longest keyword first, then oldest first.
func (s *SQLiteStore) ListTriggers(ctx context.Context, activeOnly bool) ([]CommentTrigger, error) {
	query := `
        SELECT id, keyword, dm_response, use_rag, is_active, times_triggered, created_at
        FROM comment_triggers`
	if activeOnly {
		query += " WHERE is_active = TRUE"
	}
	query += " ORDER BY length(keyword) DESC, id ASC"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query triggers: %w", err)
	}
	defer rows.Close()

	var triggers []CommentTrigger
	for rows.Next() {
		var t CommentTrigger
		var createdAt int64
		if err := rows.Scan(&t.ID, &t.Keyword, &t.DMResponse, &t.UseRAG, &t.IsActive, &t.TimesTriggered, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan trigger row: %w", err)
		}
		t.CreatedAt = fromMillis(createdAt)
		triggers = append(triggers, t)
	}
	return triggers, rows.Err()
}

func (s *SQLiteStore) SetTriggerActive(ctx context.Context, id int64, active bool) error {
	res, err := s.db.ExecContext(ctx, "UPDATE comment_triggers SET is_active = ? WHERE id = ?", active, id)
	if err != nil {
		return fmt.Errorf("failed to update trigger: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) IncrementTriggerCount(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "UPDATE comment_triggers SET times_triggered = times_triggered + 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to increment trigger count: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) HasDMGuard(ctx context.Context, postID, userID string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM comment_dm_guards WHERE post_id = ? AND user_id = ?", postID, userID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query dm guard: %w", err)
	}
	return true, nil
}

// RecordDMGuard inserts the (post, user) guard row. A concurrent insert for the
// same pair returns ErrDuplicate.
func (s *SQLiteStore) RecordDMGuard(ctx context.Context, postID, userID, keyword string) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO comment_dm_guards (post_id, user_id, trigger_keyword, created_at)
        VALUES (?, ?, ?, ?)`, postID, userID, keyword, toMillis(s.now()))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert dm guard: %w", err)
	}
	return nil
}

// DeleteDMGuard releases a guard row reserved for a DM that was never delivered.
func (s *SQLiteStore) DeleteDMGuard(ctx context.Context, postID, userID string) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM comment_dm_guards WHERE post_id = ? AND user_id = ?", postID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete dm guard: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) CreateAutomationLog(ctx context.Context, entry *AutomationLog) error {
	entry.ID = uuid.NewString()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	entry.CreatedAt = fromMillis(toMillis(entry.CreatedAt))
	if entry.Platform == "" {
		entry.Platform = PlatformInstagram
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO automation_logs (id, automation_type, platform, action_taken, success, error_message,
            response_text, user_id, post_id, comment_id, response_time_ms, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.AutomationType, entry.Platform, entry.ActionTaken, entry.Success, entry.ErrorMessage,
		entry.ResponseText, entry.UserID, entry.PostID, entry.CommentID, entry.ResponseTimeMS, toMillis(entry.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert automation log: %w", err)
	}
	return nil
}

// CountSuccessfulActionsSince counts successful log entries of one automation type and action.
func (s *SQLiteStore) CountSuccessfulActionsSince(ctx context.Context, automationType, action string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM automation_logs
        WHERE automation_type = ? AND action_taken = ? AND success = TRUE AND created_at >= ?`,
		automationType, action, toMillis(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count automation logs: %w", err)
	}
	return n, nil
}

// ListAutomationLogs returns the most recent entries first, optionally filtered by type.
func (s *SQLiteStore) ListAutomationLogs(ctx context.Context, automationType string, limit int) ([]AutomationLog, error) {
	query := `
        SELECT id, automation_type, platform, action_taken, success, error_message, response_text,
               user_id, post_id, comment_id, response_time_ms, created_at
        FROM automation_logs`
	args := []any{}
	if automationType != "" {
		query += " WHERE automation_type = ?"
		args = append(args, automationType)
	}
	query += " ORDER BY created_at DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query automation logs: %w", err)
	}
	defer rows.Close()

	var logs []AutomationLog
	for rows.Next() {
		var entry AutomationLog
		var createdAt int64
		if err := rows.Scan(&entry.ID, &entry.AutomationType, &entry.Platform, &entry.ActionTaken, &entry.Success,
			&entry.ErrorMessage, &entry.ResponseText, &entry.UserID, &entry.PostID, &entry.CommentID,
			&entry.ResponseTimeMS, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan automation log row: %w", err)
		}
		entry.CreatedAt = fromMillis(createdAt)
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}
