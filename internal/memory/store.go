// Package memory implements the persistent memory store: SQLite rows for
// structured fields plus an FTS5 index for keyword recall. Recall blends
// text relevance with importance and recency under a token budget.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersion  = 2
	schemaChecksum = "dc-m2-2026-08-24-memory-scoped"

	// ScopeGlobal marks memories visible to every group. It doubles as the
	// group_folder value global rows are filed under.
	ScopeGlobal = "global"
	// ScopeGroup memories are shared by everyone in the group.
	ScopeGroup = "group"
	// ScopeUser memories belong to one subject and only recall for them.
	ScopeUser = "user"
)

// Memory types. TypeFact is the default for untyped writes.
const (
	TypeIdentity     = "identity"
	TypePreference   = "preference"
	TypeFact         = "fact"
	TypeRelationship = "relationship"
	TypeProject      = "project"
	TypeTask         = "task"
	TypeNote         = "note"
	TypeArchive      = "archive"
)

var validTypes = map[string]bool{
	TypeIdentity: true, TypePreference: true, TypeFact: true, TypeRelationship: true,
	TypeProject: true, TypeTask: true, TypeNote: true, TypeArchive: true,
}

// Entry is a stored memory.
type Entry struct {
	ID             int64      `json:"id"`
	Group          string     `json:"group"` // workspace folder, or "global"
	Scope          string     `json:"scope"` // user | group | global
	SubjectID      string     `json:"subject_id,omitempty"`
	Type           string     `json:"type"`
	Key            string     `json:"key,omitempty"` // explicit identity override
	Content        string     `json:"content"`
	Normalized     string     `json:"-"`
	Tags           []string   `json:"tags,omitempty"`
	Importance     float64    `json:"importance"`
	Confidence     float64    `json:"confidence"`
	Source         string     `json:"source,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	AccessCount    int        `json:"access_count"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Store is the SQLite-backed memory store.
type Store struct {
	db       *sql.DB
	embedder Embedder
}

// Open opens (creating if needed) the memory database at path. The sqlite3
// build must include FTS5, which mattn/go-sqlite3 enables by default.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal_mode: %w", err)
	}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// SetEmbedder attaches the embedder used to vectorize recall queries.
// When set, dense similarity supplements the lexical recall score.
func (s *Store) SetEmbedder(e Embedder) { s.embedder = e }

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersion {
		return fmt.Errorf("memory schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}
	if maxVersion == schemaVersion {
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&existing); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existing != schemaChecksum {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersion, existing, schemaChecksum)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS memories (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			group_folder TEXT NOT NULL,
			scope TEXT NOT NULL DEFAULT 'group' CHECK(scope IN ('user', 'group', 'global')),
			subject_id TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL DEFAULT 'fact',
			key TEXT NOT NULL,
			content TEXT NOT NULL,
			normalized TEXT NOT NULL,
			tags TEXT NOT NULL DEFAULT '[]',
			importance REAL NOT NULL DEFAULT 0.5,
			confidence REAL NOT NULL DEFAULT 0.5,
			source TEXT NOT NULL DEFAULT '',
			embedding BLOB,
			access_count INTEGER NOT NULL DEFAULT 0,
			expires_at DATETIME,
			last_accessed_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(group_folder, scope, subject_id, type, key)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_memories_group ON memories(group_folder, updated_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_memories_normalized ON memories(group_folder, normalized);`,
		`CREATE INDEX IF NOT EXISTS idx_memories_expires ON memories(expires_at);`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(mem_id UNINDEXED, content, tags);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}
	return tx.Commit()
}

// normalizeContent lowercases, strips punctuation, and collapses
// whitespace. It is the identity form used for merge and forget-by-content.
func normalizeContent(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := true
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		// Punctuation and whitespace both collapse into one separator.
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimRight(b.String(), " ")
}

// identityKey derives the merge identity: an explicit key when the writer
// named one, else the normalized content.
func identityKey(e Entry) string {
	if e.Key != "" {
		return e.Key
	}
	return normalizeContent(e.Content)
}
