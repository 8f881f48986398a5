// Package sqlite provides a SQLite implementation of the memory store.
//
// SQLite is a lightweight, file-based database suitable for local development
// and small-scale deployments. Vectors are stored as JSON strings in TEXT
// fields and similarity search uses in-memory cosine similarity; keyword
// search uses an FTS5 virtual table kept in sync by triggers. Binaries using
// this backend must be built with the sqlite_fts5 build tag.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/cortex-mem/cortex-go/pkg/storage"
)

// Client implements storage.Store using SQLite as the backend.
type Client struct {
	db *sql.DB
}

// Config contains configuration for creating a SQLite store.
type Config struct {
	// DBPath is the path to the SQLite database file.
	DBPath string
}

// NewClient creates a new SQLite store.
//
// The schema (memories, memory_history, memories_fts) is created on first use.
func NewClient(cfg *Config) (*Client, error) {
	dbDir := filepath.Dir(cfg.DBPath)
	if dbDir != "" && dbDir != "." {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return nil, fmt.Errorf("NewSQLiteClient: failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_foreign_keys=1&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("NewSQLiteClient: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("NewSQLiteClient: %w", err)
	}

	client := &Client{db: db}

	if err := client.initTables(context.Background()); err != nil {
		return nil, err
	}

	return client, nil
}

// initTables initializes the database schema.
func (c *Client) initTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memories (
			id INTEGER PRIMARY KEY,
			user_id TEXT NOT NULL,
			text TEXT NOT NULL,
			embedding TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT 'fact',
			confidence REAL NOT NULL DEFAULT 0.8,
			category TEXT,
			source_text TEXT,
			entities TEXT,
			hash TEXT,
			status TEXT NOT NULL DEFAULT 'active',
			replaced_by INTEGER,
			conversation_id TEXT,
			access_count INTEGER NOT NULL DEFAULT 0,
			last_accessed_at DATETIME,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_user_status ON memories(user_id, status)`,
		`CREATE TABLE IF NOT EXISTS memory_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			memory_id INTEGER NOT NULL,
			action TEXT NOT NULL,
			prev_text TEXT,
			new_text TEXT,
			conversation_id TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_memory ON memory_history(memory_id)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
			text,
			content='memories',
			content_rowid='id'
		)`,
		`CREATE TRIGGER IF NOT EXISTS memories_fts_insert AFTER INSERT ON memories BEGIN
			INSERT INTO memories_fts(rowid, text) VALUES (new.id, new.text);
		END`,
		`CREATE TRIGGER IF NOT EXISTS memories_fts_delete AFTER DELETE ON memories BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, text) VALUES ('delete', old.id, old.text);
		END`,
		`CREATE TRIGGER IF NOT EXISTS memories_fts_update AFTER UPDATE OF text ON memories BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, text) VALUES ('delete', old.id, old.text);
			INSERT INTO memories_fts(rowid, text) VALUES (new.id, new.text);
		END`,
	}

	for _, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("initTables: %w", err)
		}
	}

	return nil
}

const memoryColumns = `id, user_id, text, embedding, type, confidence, category,
	source_text, entities, hash, status, replaced_by, conversation_id,
	access_count, last_accessed_at, created_at, updated_at`

// Insert inserts a memory row. Vectors are stored as JSON strings.
func (c *Client) Insert(ctx context.Context, memory *storage.Memory) error {
	embeddingJSON, err := json.Marshal(memory.Embedding)
	if err != nil {
		return fmt.Errorf("Insert: %w", err)
	}

	entitiesJSON, err := json.Marshal(memory.Entities)
	if err != nil {
		return fmt.Errorf("Insert: %w", err)
	}

	now := time.Now().UTC()
	if memory.CreatedAt.IsZero() {
		memory.CreatedAt = now
	}
	memory.UpdatedAt = now

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO memories
		(id, user_id, text, embedding, type, confidence, category, source_text,
		 entities, hash, status, conversation_id, access_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		memory.ID,
		memory.UserID,
		memory.Text,
		string(embeddingJSON),
		string(memory.Type),
		memory.Confidence,
		memory.Category,
		memory.SourceText,
		string(entitiesJSON),
		memory.Hash,
		string(memory.Status),
		memory.ConversationID,
		memory.AccessCount,
		memory.CreatedAt,
		memory.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("Insert: %w", err)
	}

	return nil
}

// Get retrieves a memory by id, restricted to the given user.
func (c *Client) Get(ctx context.Context, id int64, userID string) (*storage.Memory, error) {
	row := c.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM memories WHERE id = ? AND user_id = ?
	`, memoryColumns), id, userID)

	memory, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("Get: %w", storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}

	return memory, nil
}

// UpdateText rewrites a memory's text, embedding, and hash in one write.
func (c *Client) UpdateText(ctx context.Context, id int64, userID string, upd *storage.TextUpdate) (*storage.Memory, error) {
	embeddingJSON, err := json.Marshal(upd.Embedding)
	if err != nil {
		return nil, fmt.Errorf("UpdateText: %w", err)
	}

	query := `UPDATE memories SET text = ?, embedding = ?, hash = ?, updated_at = ?`
	args := []interface{}{upd.Text, string(embeddingJSON), upd.Hash, time.Now().UTC()}
	if upd.Confidence != nil {
		query += `, confidence = ?`
		args = append(args, *upd.Confidence)
	}
	query += ` WHERE id = ? AND user_id = ?`
	args = append(args, id, userID)

	if err := c.execOne(ctx, "UpdateText", query, args...); err != nil {
		return nil, err
	}

	return c.Get(ctx, id, userID)
}

// UpdateConfidence replaces a memory's confidence score.
func (c *Client) UpdateConfidence(ctx context.Context, id int64, userID string, confidence float64) (*storage.Memory, error) {
	err := c.execOne(ctx, "UpdateConfidence", `
		UPDATE memories SET confidence = ?, updated_at = ? WHERE id = ? AND user_id = ?
	`, confidence, time.Now().UTC(), id, userID)
	if err != nil {
		return nil, err
	}

	return c.Get(ctx, id, userID)
}

// MarkOutdated sets a memory's status to outdated with a replaced_by reference.
func (c *Client) MarkOutdated(ctx context.Context, id int64, userID string, replacedBy int64) (*storage.Memory, error) {
	err := c.execOne(ctx, "MarkOutdated", `
		UPDATE memories SET status = ?, replaced_by = ?, updated_at = ? WHERE id = ? AND user_id = ?
	`, string(storage.StatusOutdated), replacedBy, time.Now().UTC(), id, userID)
	if err != nil {
		return nil, err
	}

	return c.Get(ctx, id, userID)
}

// Archive sets a memory's status to archived.
func (c *Client) Archive(ctx context.Context, id int64, userID string) error {
	return c.execOne(ctx, "Archive", `
		UPDATE memories SET status = ?, updated_at = ? WHERE id = ? AND user_id = ?
	`, string(storage.StatusArchived), time.Now().UTC(), id, userID)
}

// TouchAccess increments a memory's access count and stamps the access time.
func (c *Client) TouchAccess(ctx context.Context, id int64, userID string, at time.Time) error {
	return c.execOne(ctx, "TouchAccess", `
		UPDATE memories SET access_count = access_count + 1, last_accessed_at = ? WHERE id = ? AND user_id = ?
	`, at, id, userID)
}

// SearchVector performs vector similarity search using cosine similarity.
//
// SQLite has no native vector operations, so similarity is calculated in
// memory over the user's active rows.
func (c *Client) SearchVector(ctx context.Context, embedding []float64, opts *storage.SearchOptions) ([]*storage.Memory, error) {
	rows, err := c.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM memories WHERE user_id = ? AND status = ?
	`, memoryColumns), opts.UserID, string(storage.StatusActive))
	if err != nil {
		return nil, fmt.Errorf("SearchVector: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var memories []*storage.Memory
	for rows.Next() {
		memory, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("SearchVector: %w", err)
		}

		score := cosineSimilarity(embedding, memory.Embedding)
		if score >= opts.Threshold {
			memory.Similarity = score
			memories = append(memories, memory)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("SearchVector: %w", err)
	}

	sort.SliceStable(memories, func(i, j int) bool {
		return memories[i].Similarity > memories[j].Similarity
	})
	if opts.Limit > 0 && len(memories) > opts.Limit {
		memories = memories[:opts.Limit]
	}

	return memories, nil
}

// SearchKeyword performs full-text search over active memories via FTS5,
// ranked by bm25.
func (c *Client) SearchKeyword(ctx context.Context, query string, opts *storage.SearchOptions) ([]*storage.Memory, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}

	rows, err := c.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM memories m
		JOIN memories_fts f ON f.rowid = m.id
		WHERE memories_fts MATCH ? AND m.user_id = ? AND m.status = ?
		ORDER BY bm25(memories_fts)
		LIMIT ?
	`, prefixColumns("m")), match, opts.UserID, string(storage.StatusActive), opts.Limit)
	if err != nil {
		return nil, fmt.Errorf("SearchKeyword: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var memories []*storage.Memory
	for rows.Next() {
		memory, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("SearchKeyword: %w", err)
		}
		memories = append(memories, memory)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("SearchKeyword: %w", err)
	}

	return memories, nil
}

// List returns all active memories for a user, newest first.
func (c *Client) List(ctx context.Context, userID string) ([]*storage.Memory, error) {
	rows, err := c.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM memories WHERE user_id = ? AND status = ? ORDER BY created_at DESC
	`, memoryColumns), userID, string(storage.StatusActive))
	if err != nil {
		return nil, fmt.Errorf("List: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var memories []*storage.Memory
	for rows.Next() {
		memory, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("List: %w", err)
		}
		memories = append(memories, memory)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("List: %w", err)
	}

	return memories, nil
}

// CountActive returns the number of active memories a user holds.
func (c *Client) CountActive(ctx context.Context, userID string) (int, error) {
	var count int
	err := c.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM memories WHERE user_id = ? AND status = ?
	`, userID, string(storage.StatusActive)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("CountActive: %w", err)
	}
	return count, nil
}

// CountByType returns active-memory counts grouped by memory type.
func (c *Client) CountByType(ctx context.Context, userID string) (map[storage.MemoryType]int, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT type, COUNT(*) FROM memories WHERE user_id = ? AND status = ? GROUP BY type
	`, userID, string(storage.StatusActive))
	if err != nil {
		return nil, fmt.Errorf("CountByType: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[storage.MemoryType]int)
	for rows.Next() {
		var typ string
		var count int
		if err := rows.Scan(&typ, &count); err != nil {
			return nil, fmt.Errorf("CountByType: %w", err)
		}
		counts[storage.MemoryType(typ)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("CountByType: %w", err)
	}

	return counts, nil
}

// AppendHistory appends one audit record.
func (c *Client) AppendHistory(ctx context.Context, entry *storage.HistoryEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO memory_history (memory_id, action, prev_text, new_text, conversation_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entry.MemoryID, string(entry.Action), entry.PrevText, entry.NewText, entry.ConversationID, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("AppendHistory: %w", err)
	}

	return nil
}

// History returns the audit trail for one memory, oldest first.
func (c *Client) History(ctx context.Context, memoryID int64) ([]*storage.HistoryEntry, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, memory_id, action, prev_text, new_text, conversation_id, created_at
		FROM memory_history WHERE memory_id = ? ORDER BY id ASC
	`, memoryID)
	if err != nil {
		return nil, fmt.Errorf("History: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*storage.HistoryEntry
	for rows.Next() {
		var entry storage.HistoryEntry
		var action string
		var prevText, newText, conversationID sql.NullString
		if err := rows.Scan(&entry.ID, &entry.MemoryID, &action, &prevText, &newText, &conversationID, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("History: %w", err)
		}
		entry.Action = storage.HistoryAction(action)
		entry.PrevText = prevText.String
		entry.NewText = newText.String
		entry.ConversationID = conversationID.String
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("History: %w", err)
	}

	return entries, nil
}

// Close closes the database connection.
func (c *Client) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// execOne runs a statement that must affect exactly one row; zero rows maps
// to a not-found error.
func (c *Client) execOne(ctx context.Context, op, query string, args ...interface{}) error {
	result, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}

	return nil
}

// scanner abstracts sql.Row and sql.Rows for scanMemory.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanMemory scans a memory from a database row.
func scanMemory(s scanner) (*storage.Memory, error) {
	var memory storage.Memory
	var embeddingStr, typ, status string
	var category, sourceText, entitiesStr, hash, conversationID sql.NullString
	var replacedBy sql.NullInt64
	var lastAccessedAt sql.NullTime

	err := s.Scan(
		&memory.ID,
		&memory.UserID,
		&memory.Text,
		&embeddingStr,
		&typ,
		&memory.Confidence,
		&category,
		&sourceText,
		&entitiesStr,
		&hash,
		&status,
		&replacedBy,
		&conversationID,
		&memory.AccessCount,
		&lastAccessedAt,
		&memory.CreatedAt,
		&memory.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(embeddingStr), &memory.Embedding); err != nil {
		return nil, fmt.Errorf("parse embedding: %w", err)
	}
	if entitiesStr.Valid && entitiesStr.String != "" {
		if err := json.Unmarshal([]byte(entitiesStr.String), &memory.Entities); err != nil {
			return nil, fmt.Errorf("parse entities: %w", err)
		}
	}

	memory.Type = storage.MemoryType(typ)
	memory.Status = storage.MemoryStatus(status)
	memory.Category = category.String
	memory.SourceText = sourceText.String
	memory.Hash = hash.String
	memory.ConversationID = conversationID.String
	if replacedBy.Valid {
		memory.ReplacedBy = &replacedBy.Int64
	}
	if lastAccessedAt.Valid {
		memory.LastAccessedAt = &lastAccessedAt.Time
	}

	return &memory, nil
}

// prefixColumns qualifies the memory column list with a table alias.
func prefixColumns(alias string) string {
	cols := strings.Split(memoryColumns, ",")
	for i, col := range cols {
		cols[i] = alias + "." + strings.TrimSpace(col)
	}
	return strings.Join(cols, ", ")
}

// ftsQuery turns free text into an FTS5 OR query of quoted terms, stripping
// characters FTS5 treats as syntax.
func ftsQuery(query string) string {
	fields := strings.Fields(query)
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.NewReplacer(`"`, "", `'`, "", `*`, "", `(`, "", `)`, "").Replace(f)
		if f == "" {
			continue
		}
		terms = append(terms, `"`+f+`"`)
	}
	return strings.Join(terms, " OR ")
}

// cosineSimilarity calculates the cosine similarity between two vectors.
func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}
