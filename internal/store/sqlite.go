package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3" // SQLite driver
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")
)

type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps writes serialized and lets ":memory:" databases work.
	db.SetMaxOpenConns(1)
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db, now: time.Now}
	if err = store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    PRAGMA foreign_keys = ON;

    CREATE TABLE IF NOT EXISTS conversations (
        id TEXT PRIMARY KEY, -- UUID
        platform TEXT NOT NULL,
        remote_user_id TEXT NOT NULL,
        display_name TEXT,
        status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'resolved', 'archived')),
        message_count INTEGER NOT NULL DEFAULT 0,
        auto_reply_count INTEGER NOT NULL DEFAULT 0,
        last_message_at INTEGER NOT NULL, -- unix millis
        created_at INTEGER NOT NULL,
        UNIQUE (platform, remote_user_id)
    );

    CREATE TABLE IF NOT EXISTS messages (
        id TEXT PRIMARY KEY, -- UUID
        conversation_id TEXT NOT NULL,
        remote_message_id TEXT UNIQUE,
        sender TEXT NOT NULL CHECK (sender IN ('user', 'bot')),
        content TEXT NOT NULL,
        is_auto_reply BOOLEAN NOT NULL DEFAULT FALSE,
        sent_successfully BOOLEAN NOT NULL DEFAULT TRUE,
        error_message TEXT NOT NULL DEFAULT '',
        response_time_ms INTEGER,
        created_at INTEGER NOT NULL,
        FOREIGN KEY (conversation_id) REFERENCES conversations (id)
    );
    CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, created_at);

    CREATE TABLE IF NOT EXISTS policy_settings (
        id INTEGER PRIMARY KEY CHECK (id = 1),
        auto_reply_enabled BOOLEAN NOT NULL,
        reply_rate_limit INTEGER NOT NULL,
        business_hours_only BOOLEAN NOT NULL,
        business_hours_start TEXT NOT NULL,
        business_hours_end TEXT NOT NULL,
        default_greeting TEXT NOT NULL,
        fallback_message TEXT NOT NULL,
        updated_at INTEGER NOT NULL
    );

    CREATE TABLE IF NOT EXISTS policy_blacklist_keywords (
        keyword TEXT PRIMARY KEY COLLATE NOCASE,
        position INTEGER NOT NULL
    );

    CREATE TABLE IF NOT EXISTS comment_reply_settings (
        id INTEGER PRIMARY KEY CHECK (id = 1),
        platform TEXT NOT NULL,
        is_active BOOLEAN NOT NULL,
        max_replies_per_hour INTEGER NOT NULL,
        delay_seconds INTEGER NOT NULL,
        use_rag BOOLEAN NOT NULL,
        tone TEXT NOT NULL,
        fallback_message TEXT NOT NULL,
        updated_at INTEGER NOT NULL
    );

    CREATE TABLE IF NOT EXISTS comment_ignore_keywords (
        keyword TEXT PRIMARY KEY COLLATE NOCASE,
        position INTEGER NOT NULL
    );

    CREATE TABLE IF NOT EXISTS comment_triggers (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        keyword TEXT NOT NULL UNIQUE COLLATE NOCASE,
        dm_response TEXT NOT NULL DEFAULT '',
        use_rag BOOLEAN NOT NULL DEFAULT FALSE,
        is_active BOOLEAN NOT NULL DEFAULT TRUE,
        times_triggered INTEGER NOT NULL DEFAULT 0,
        created_at INTEGER NOT NULL
    );

    CREATE TABLE IF NOT EXISTS comment_dm_guards (
        post_id TEXT NOT NULL,
        user_id TEXT NOT NULL,
        trigger_keyword TEXT NOT NULL,
        created_at INTEGER NOT NULL,
        PRIMARY KEY (post_id, user_id)
    );

    CREATE TABLE IF NOT EXISTS automation_logs (
        id TEXT PRIMARY KEY, -- UUID
        automation_type TEXT NOT NULL,
        platform TEXT NOT NULL,
        action_taken TEXT NOT NULL,
        success BOOLEAN NOT NULL,
        error_message TEXT NOT NULL DEFAULT '',
        response_text TEXT NOT NULL DEFAULT '',
        user_id TEXT NOT NULL DEFAULT '',
        post_id TEXT NOT NULL DEFAULT '',
        comment_id TEXT NOT NULL DEFAULT '',
        response_time_ms INTEGER NOT NULL DEFAULT 0,
        created_at INTEGER NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_automation_logs_type ON automation_logs (automation_type, action_taken, created_at);

    CREATE TABLE IF NOT EXISTS knowledge_documents (
        post_id TEXT PRIMARY KEY,
        content TEXT NOT NULL,
        platform TEXT NOT NULL,
        topic TEXT NOT NULL DEFAULT '',
        metadata_json TEXT NOT NULL DEFAULT '{}',
        embedding_json TEXT NOT NULL, -- JSON array of float32
        ingested_at INTEGER NOT NULL
    );
    `
	_, err := s.db.Exec(schema)
	return err
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// isUniqueViolation reports whether err comes from a UNIQUE or PRIMARY KEY constraint.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
