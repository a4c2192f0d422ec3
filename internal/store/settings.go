package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// GetPolicySettings returns the auto-reply policy, creating the default record on first read.
func (s *SQLiteStore) GetPolicySettings(ctx context.Context) (PolicySettings, error) {
	var ps PolicySettings
	var updatedAt int64
	err := s.db.QueryRowContext(ctx, `
        SELECT auto_reply_enabled, reply_rate_limit, business_hours_only, business_hours_start,
               business_hours_end, default_greeting, fallback_message, updated_at
        FROM policy_settings WHERE id = 1`).Scan(
		&ps.AutoReplyEnabled, &ps.ReplyRateLimit, &ps.BusinessHoursOnly, &ps.BusinessHoursStart,
		&ps.BusinessHoursEnd, &ps.DefaultGreeting, &ps.FallbackMessage, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		defaults := DefaultPolicySettings()
		if err := s.UpdatePolicySettings(ctx, defaults); err != nil {
			return PolicySettings{}, err
		}
		return s.GetPolicySettings(ctx)
	}
	if err != nil {
		return PolicySettings{}, fmt.Errorf("failed to query policy settings: %w", err)
	}
	ps.UpdatedAt = fromMillis(updatedAt)

	ps.BlacklistKeywords, err = s.listKeywords(ctx, "policy_blacklist_keywords")
	if err != nil {
		return PolicySettings{}, err
	}
	return ps, nil
}

func (s *SQLiteStore) UpdatePolicySettings(ctx context.Context, ps PolicySettings) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
        INSERT INTO policy_settings (id, auto_reply_enabled, reply_rate_limit, business_hours_only,
            business_hours_start, business_hours_end, default_greeting, fallback_message, updated_at)
        VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (id) DO UPDATE SET
            auto_reply_enabled = excluded.auto_reply_enabled,
            reply_rate_limit = excluded.reply_rate_limit,
            business_hours_only = excluded.business_hours_only,
            business_hours_start = excluded.business_hours_start,
            business_hours_end = excluded.business_hours_end,
            default_greeting = excluded.default_greeting,
            fallback_message = excluded.fallback_message,
            updated_at = excluded.updated_at`,
		ps.AutoReplyEnabled, ps.ReplyRateLimit, ps.BusinessHoursOnly, ps.BusinessHoursStart,
		ps.BusinessHoursEnd, ps.DefaultGreeting, ps.FallbackMessage, toMillis(s.now()))
	if err != nil {
		return fmt.Errorf("failed to save policy settings: %w", err)
	}
	if err := replaceKeywords(ctx, tx, "policy_blacklist_keywords", ps.BlacklistKeywords); err != nil {
		return err
	}
	return tx.Commit()
}

// GetCommentReplySettings returns the comment auto-reply settings, creating defaults on first read.
func (s *SQLiteStore) GetCommentReplySettings(ctx context.Context) (CommentReplySettings, error) {
	var cs CommentReplySettings
	var updatedAt int64
	err := s.db.QueryRowContext(ctx, `
        SELECT platform, is_active, max_replies_per_hour, delay_seconds, use_rag, tone, fallback_message, updated_at
        FROM comment_reply_settings WHERE id = 1`).Scan(
		&cs.Platform, &cs.IsActive, &cs.MaxRepliesPerHour, &cs.DelaySeconds, &cs.UseRAG, &cs.Tone,
		&cs.FallbackMessage, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		if err := s.UpdateCommentReplySettings(ctx, DefaultCommentReplySettings()); err != nil {
			return CommentReplySettings{}, err
		}
		return s.GetCommentReplySettings(ctx)
	}
	if err != nil {
		return CommentReplySettings{}, fmt.Errorf("failed to query comment reply settings: %w", err)
	}
	cs.UpdatedAt = fromMillis(updatedAt)

	cs.IgnoreKeywords, err = s.listKeywords(ctx, "comment_ignore_keywords")
	if err != nil {
		return CommentReplySettings{}, err
	}
	return cs, nil
}

func (s *SQLiteStore) UpdateCommentReplySettings(ctx context.Context, cs CommentReplySettings) error {
	if cs.Platform == "" {
		cs.Platform = PlatformInstagram
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
        INSERT INTO comment_reply_settings (id, platform, is_active, max_replies_per_hour, delay_seconds,
            use_rag, tone, fallback_message, updated_at)
        VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (id) DO UPDATE SET
            platform = excluded.platform,
            is_active = excluded.is_active,
            max_replies_per_hour = excluded.max_replies_per_hour,
            delay_seconds = excluded.delay_seconds,
            use_rag = excluded.use_rag,
            tone = excluded.tone,
            fallback_message = excluded.fallback_message,
            updated_at = excluded.updated_at`,
		cs.Platform, cs.IsActive, cs.MaxRepliesPerHour, cs.DelaySeconds, cs.UseRAG, cs.Tone,
		cs.FallbackMessage, toMillis(s.now()))
	if err != nil {
		return fmt.Errorf("failed to save comment reply settings: %w", err)
	}
	if err := replaceKeywords(ctx, tx, "comment_ignore_keywords", cs.IgnoreKeywords); err != nil {
		return err
	}
	return tx.Commit()
}

// Keyword tables are fixed internal names, never user input.
func (s *SQLiteStore) listKeywords(ctx context.Context, table string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT keyword FROM "+table+" ORDER BY position ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	keywords := []string{}
	for rows.Next() {
		var kw string
		if err := rows.Scan(&kw); err != nil {
			return nil, fmt.Errorf("failed to scan keyword: %w", err)
		}
		keywords = append(keywords, kw)
	}
	return keywords, rows.Err()
}

func replaceKeywords(ctx context.Context, tx *sql.Tx, table string, keywords []string) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
		return fmt.Errorf("failed to clear %s: %w", table, err)
	}
	position := 0
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO "+table+" (keyword, position) VALUES (?, ?) ON CONFLICT (keyword) DO NOTHING", kw, position)
		if err != nil {
			return fmt.Errorf("failed to insert into %s: %w", table, err)
		}
		position++
	}
	return nil
}
