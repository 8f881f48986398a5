// Package mysql provides a MySQL implementation of the memory store.
//
// MySQL has no native vector type, so embeddings are stored as JSON strings
// and similarity is calculated in memory over the user's active rows, the
// same approach the SQLite backend takes. Keyword search uses a FULLTEXT
// index with natural language mode.
package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/cortex-mem/cortex-go/pkg/storage"
)

// Client implements storage.Store using MySQL as the backend.
type Client struct {
	db *sql.DB
}

// Config contains MySQL configuration.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
}

// NewClient creates a new MySQL store.
func NewClient(cfg *Config) (*Client, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("NewMySQLClient: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("NewMySQLClient: %w", err)
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
			id BIGINT PRIMARY KEY,
			user_id VARCHAR(255) NOT NULL,
			text TEXT NOT NULL,
			embedding LONGTEXT NOT NULL,
			type VARCHAR(32) NOT NULL DEFAULT 'fact',
			confidence DOUBLE NOT NULL DEFAULT 0.8,
			category VARCHAR(255),
			source_text TEXT,
			entities JSON,
			hash VARCHAR(64),
			status VARCHAR(16) NOT NULL DEFAULT 'active',
			replaced_by BIGINT,
			conversation_id VARCHAR(255),
			access_count INT NOT NULL DEFAULT 0,
			last_accessed_at DATETIME(6),
			created_at DATETIME(6) DEFAULT CURRENT_TIMESTAMP(6),
			updated_at DATETIME(6) DEFAULT CURRENT_TIMESTAMP(6),
			INDEX idx_memories_user_status (user_id, status),
			FULLTEXT INDEX idx_memories_text (text)
		)`,
		`CREATE TABLE IF NOT EXISTS memory_history (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			memory_id BIGINT NOT NULL,
			action VARCHAR(16) NOT NULL,
			prev_text TEXT,
			new_text TEXT,
			conversation_id VARCHAR(255),
			created_at DATETIME(6) DEFAULT CURRENT_TIMESTAMP(6),
			INDEX idx_history_memory (memory_id)
		)`,
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

// SearchVector performs vector similarity search using in-memory cosine
// similarity over the user's active rows.
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

// SearchKeyword performs FULLTEXT search in natural language mode.
func (c *Client) SearchKeyword(ctx context.Context, query string, opts *storage.SearchOptions) ([]*storage.Memory, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	rows, err := c.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM memories
		WHERE user_id = ? AND status = ? AND MATCH(text) AGAINST(? IN NATURAL LANGUAGE MODE)
		ORDER BY MATCH(text) AGAINST(? IN NATURAL LANGUAGE MODE) DESC
		LIMIT ?
	`, memoryColumns), opts.UserID, string(storage.StatusActive), query, query, opts.Limit)
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
//
// Note: MySQL reports zero affected rows for a no-op update that matched a
// row, so existence is re-checked before mapping to not-found.
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
		// Distinguish "row unchanged" from "row missing".
		id, userID := trailingIDArgs(args)
		var exists int
		err := c.db.QueryRowContext(ctx, `SELECT 1 FROM memories WHERE id = ? AND user_id = ?`, id, userID).Scan(&exists)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	return nil
}

// trailingIDArgs extracts the (id, user_id) pair every mutation query binds last.
func trailingIDArgs(args []interface{}) (interface{}, interface{}) {
	return args[len(args)-2], args[len(args)-1]
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
