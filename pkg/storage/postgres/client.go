// Package postgres provides a PostgreSQL + pgvector implementation of the
// memory store.
//
// Vector similarity runs in the database via the pgvector cosine distance
// operator; keyword search uses PostgreSQL full-text search ranked with
// ts_rank.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/cortex-mem/cortex-go/pkg/storage"
)

// Client implements storage.Store on PostgreSQL with the pgvector extension.
type Client struct {
	db         *sql.DB
	dimensions int
}

// Config contains PostgreSQL configuration.
type Config struct {
	Host               string
	Port               int
	User               string
	Password           string
	DBName             string
	EmbeddingModelDims int
	SSLMode            string
}

// NewClient creates a new PostgreSQL store.
//
// The pgvector extension and the schema are created on first use.
func NewClient(cfg *Config) (*Client, error) {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, sslMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("NewPostgresClient: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("NewPostgresClient: %w", err)
	}

	client := &Client{db: db, dimensions: cfg.EmbeddingModelDims}

	if err := client.initTables(context.Background()); err != nil {
		return nil, err
	}

	return client, nil
}

// initTables initializes the pgvector extension and the schema.
func (c *Client) initTables(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("initTables: create extension: %w", err)
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memories (
			id BIGINT PRIMARY KEY,
			user_id VARCHAR(255) NOT NULL,
			text TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			type VARCHAR(32) NOT NULL DEFAULT 'fact',
			confidence DOUBLE PRECISION NOT NULL DEFAULT 0.8,
			category VARCHAR(255),
			source_text TEXT,
			entities JSONB,
			hash VARCHAR(64),
			status VARCHAR(16) NOT NULL DEFAULT 'active',
			replaced_by BIGINT,
			conversation_id VARCHAR(255),
			access_count INTEGER NOT NULL DEFAULT 0,
			last_accessed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ DEFAULT NOW(),
			text_tsv tsvector GENERATED ALWAYS AS (to_tsvector('english', text)) STORED
		)`, c.dimensions),
		`CREATE INDEX IF NOT EXISTS idx_memories_user_status ON memories(user_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_tsv ON memories USING GIN(text_tsv)`,
		`CREATE TABLE IF NOT EXISTS memory_history (
			id BIGSERIAL PRIMARY KEY,
			memory_id BIGINT NOT NULL,
			action VARCHAR(16) NOT NULL,
			prev_text TEXT,
			new_text TEXT,
			conversation_id VARCHAR(255),
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_memory ON memory_history(memory_id)`,
	}

	for _, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("initTables: %w", err)
		}
	}

	return nil
}

const memoryColumns = `id, user_id, text, embedding::text, type, confidence, category,
	source_text, entities, hash, status, replaced_by, conversation_id,
	access_count, last_accessed_at, created_at, updated_at`

// Insert inserts a memory row.
func (c *Client) Insert(ctx context.Context, memory *storage.Memory) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`,
		memory.ID,
		memory.UserID,
		memory.Text,
		toVector(memory.Embedding),
		string(memory.Type),
		memory.Confidence,
		nullString(memory.Category),
		nullString(memory.SourceText),
		string(entitiesJSON),
		nullString(memory.Hash),
		string(memory.Status),
		nullString(memory.ConversationID),
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
		SELECT %s FROM memories WHERE id = $1 AND user_id = $2
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
	query := `UPDATE memories SET text = $1, embedding = $2, hash = $3, updated_at = $4`
	args := []interface{}{upd.Text, toVector(upd.Embedding), upd.Hash, time.Now().UTC()}
	n := 5
	if upd.Confidence != nil {
		query += fmt.Sprintf(`, confidence = $%d`, n)
		args = append(args, *upd.Confidence)
		n++
	}
	query += fmt.Sprintf(` WHERE id = $%d AND user_id = $%d`, n, n+1)
	args = append(args, id, userID)

	if err := c.execOne(ctx, "UpdateText", query, args...); err != nil {
		return nil, err
	}

	return c.Get(ctx, id, userID)
}

// UpdateConfidence replaces a memory's confidence score.
func (c *Client) UpdateConfidence(ctx context.Context, id int64, userID string, confidence float64) (*storage.Memory, error) {
	err := c.execOne(ctx, "UpdateConfidence", `
		UPDATE memories SET confidence = $1, updated_at = $2 WHERE id = $3 AND user_id = $4
	`, confidence, time.Now().UTC(), id, userID)
	if err != nil {
		return nil, err
	}

	return c.Get(ctx, id, userID)
}

// MarkOutdated sets a memory's status to outdated with a replaced_by reference.
func (c *Client) MarkOutdated(ctx context.Context, id int64, userID string, replacedBy int64) (*storage.Memory, error) {
	err := c.execOne(ctx, "MarkOutdated", `
		UPDATE memories SET status = $1, replaced_by = $2, updated_at = $3 WHERE id = $4 AND user_id = $5
	`, string(storage.StatusOutdated), replacedBy, time.Now().UTC(), id, userID)
	if err != nil {
		return nil, err
	}

	return c.Get(ctx, id, userID)
}

// Archive sets a memory's status to archived.
func (c *Client) Archive(ctx context.Context, id int64, userID string) error {
	return c.execOne(ctx, "Archive", `
		UPDATE memories SET status = $1, updated_at = $2 WHERE id = $3 AND user_id = $4
	`, string(storage.StatusArchived), time.Now().UTC(), id, userID)
}

// TouchAccess increments a memory's access count and stamps the access time.
func (c *Client) TouchAccess(ctx context.Context, id int64, userID string, at time.Time) error {
	return c.execOne(ctx, "TouchAccess", `
		UPDATE memories SET access_count = access_count + 1, last_accessed_at = $1 WHERE id = $2 AND user_id = $3
	`, at, id, userID)
}

// SearchVector performs vector similarity search via pgvector cosine distance.
func (c *Client) SearchVector(ctx context.Context, embedding []float64, opts *storage.SearchOptions) ([]*storage.Memory, error) {
	vec := toVector(embedding)

	rows, err := c.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s, 1 - (embedding <=> $1::vector) AS similarity
		FROM memories
		WHERE user_id = $2 AND status = $3 AND 1 - (embedding <=> $1::vector) >= $4
		ORDER BY embedding <=> $1::vector
		LIMIT $5
	`, memoryColumns), vec, opts.UserID, string(storage.StatusActive), opts.Threshold, opts.Limit)
	if err != nil {
		return nil, fmt.Errorf("SearchVector: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var memories []*storage.Memory
	for rows.Next() {
		memory, err := scanMemoryWithScore(rows)
		if err != nil {
			return nil, fmt.Errorf("SearchVector: %w", err)
		}
		memories = append(memories, memory)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("SearchVector: %w", err)
	}

	return memories, nil
}

// SearchKeyword performs full-text search ranked with ts_rank.
func (c *Client) SearchKeyword(ctx context.Context, query string, opts *storage.SearchOptions) ([]*storage.Memory, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	rows, err := c.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM memories
		WHERE user_id = $1 AND status = $2 AND text_tsv @@ plainto_tsquery('english', $3)
		ORDER BY ts_rank(text_tsv, plainto_tsquery('english', $3)) DESC
		LIMIT $4
	`, memoryColumns), opts.UserID, string(storage.StatusActive), query, opts.Limit)
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
		SELECT %s FROM memories WHERE user_id = $1 AND status = $2 ORDER BY created_at DESC
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
		SELECT COUNT(*) FROM memories WHERE user_id = $1 AND status = $2
	`, userID, string(storage.StatusActive)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("CountActive: %w", err)
	}
	return count, nil
}

// CountByType returns active-memory counts grouped by memory type.
func (c *Client) CountByType(ctx context.Context, userID string) (map[storage.MemoryType]int, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT type, COUNT(*) FROM memories WHERE user_id = $1 AND status = $2 GROUP BY type
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
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.MemoryID, string(entry.Action), entry.PrevText, entry.NewText, nullString(entry.ConversationID), entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("AppendHistory: %w", err)
	}

	return nil
}

// History returns the audit trail for one memory, oldest first.
func (c *Client) History(ctx context.Context, memoryID int64) ([]*storage.HistoryEntry, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, memory_id, action, prev_text, new_text, conversation_id, created_at
		FROM memory_history WHERE memory_id = $1 ORDER BY id ASC
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

// toVector converts a float64 slice to a pgvector value.
func toVector(embedding []float64) pgvector.Vector {
	f32 := make([]float32, len(embedding))
	for i, v := range embedding {
		f32[i] = float32(v)
	}
	return pgvector.NewVector(f32)
}

// parseVector parses pgvector's "[0.1,0.2,...]" text representation.
func parseVector(s string) ([]float64, error) {
	s = strings.Trim(strings.TrimSpace(s), "[]")
	if s == "" {
		return nil, nil
	}

	parts := strings.Split(s, ",")
	vec := make([]float64, len(parts))
	for i, p := range parts {
		var v float64
		if _, err := fmt.Sscanf(strings.TrimSpace(p), "%g", &v); err != nil {
			return nil, fmt.Errorf("parse vector element %d: %w", i, err)
		}
		vec[i] = v
	}

	return vec, nil
}

// scanner abstracts sql.Row and sql.Rows for scanMemory.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMemoryInto(s scanner, extra ...interface{}) (*storage.Memory, error) {
	var memory storage.Memory
	var embeddingStr, typ, status string
	var category, sourceText, entitiesStr, hash, conversationID sql.NullString
	var replacedBy sql.NullInt64
	var lastAccessedAt sql.NullTime

	dest := []interface{}{
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
	}
	dest = append(dest, extra...)

	if err := s.Scan(dest...); err != nil {
		return nil, err
	}

	embedding, err := parseVector(embeddingStr)
	if err != nil {
		return nil, err
	}
	memory.Embedding = embedding

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

// scanMemory scans a memory from a database row.
func scanMemory(s scanner) (*storage.Memory, error) {
	return scanMemoryInto(s)
}

// scanMemoryWithScore scans a memory plus a trailing similarity column.
func scanMemoryWithScore(s scanner) (*storage.Memory, error) {
	var similarity float64
	memory, err := scanMemoryInto(s, &similarity)
	if err != nil {
		return nil, err
	}
	memory.Similarity = similarity
	return memory, nil
}

// nullString maps "" to SQL NULL.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
