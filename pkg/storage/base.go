// Package storage provides interfaces and types for memory storage backends.
//
// It defines the Store interface that all storage implementations must satisfy,
// along with the durable Memory and HistoryEntry records and query options.
package storage

import (
	"context"
	"errors"
	"time"
)

// MemoryType classifies what kind of fact a memory records.
type MemoryType string

const (
	// TypeIdentity is core identity ("User is a doctor", "User is vegetarian").
	TypeIdentity MemoryType = "identity"

	// TypeFact is verifiable information ("Works at Google", "Lives in Berlin").
	TypeFact MemoryType = "fact"

	// TypePreference is a like or dislike ("Prefers dark mode").
	TypePreference MemoryType = "preference"

	// TypeEvent is a one-time occurrence ("Started new job").
	TypeEvent MemoryType = "event"

	// TypeContext is temporary/situational ("Working on auth bug").
	TypeContext MemoryType = "context"
)

// MemoryStatus is the lifecycle state of a memory.
//
// A memory transitions active -> outdated or active -> archived exactly once
// and is never reactivated. Only active memories are eligible for retrieval
// and similarity comparison.
type MemoryStatus string

const (
	// StatusActive marks a memory as current and retrievable.
	StatusActive MemoryStatus = "active"

	// StatusOutdated marks a memory superseded by a newer one (ReplacedBy is set).
	StatusOutdated MemoryStatus = "outdated"

	// StatusArchived marks a memory removed via the delete endpoint.
	StatusArchived MemoryStatus = "archived"
)

// HistoryAction is the kind of mutation recorded in the audit trail.
type HistoryAction string

const (
	// ActionAdd records the creation of a memory.
	ActionAdd HistoryAction = "ADD"

	// ActionUpdate records a text rewrite of an existing memory.
	ActionUpdate HistoryAction = "UPDATE"

	// ActionDelete records a memory being marked outdated.
	ActionDelete HistoryAction = "DELETE"

	// ActionConflict records a confidence reduction after a soft contradiction.
	ActionConflict HistoryAction = "CONFLICT"
)

// Memory represents a durable fact record owned by a single user.
//
// Text carries the canonical third-person statement of the fact and Embedding
// its vector representation; the two are always written together so the store
// never holds a stale embedding.
type Memory struct {
	// ID is the unique identifier of the memory, assigned at creation.
	ID int64 `json:"id"`

	// UserID identifies the user who owns this memory. All queries and
	// mutations are scoped by it.
	UserID string `json:"user_id"`

	// Text is the canonical third-person statement of the fact.
	Text string `json:"text"`

	// Embedding is the vector representation of Text.
	// Omitted from JSON to reduce payload size.
	Embedding []float64 `json:"-"`

	// Type classifies the fact (identity, fact, preference, event, context).
	Type MemoryType `json:"type"`

	// Confidence is how certain the fact is, in [0,1]. Set at creation and
	// only ever lowered by a CONFLICT decision.
	Confidence float64 `json:"confidence"`

	// Category is descriptive metadata (location, employment, food, ...).
	Category string `json:"category,omitempty"`

	// SourceText quotes the utterance the fact was extracted from.
	SourceText string `json:"source_text,omitempty"`

	// Entities lists named entities mentioned by the fact.
	Entities []string `json:"entities,omitempty"`

	// Hash is the content hash of Text, recomputed whenever Text changes.
	Hash string `json:"-"`

	// Status is the lifecycle state (active, outdated, archived).
	Status MemoryStatus `json:"status"`

	// ReplacedBy references the memory that superseded this one.
	// Set only when Status becomes outdated.
	ReplacedBy *int64 `json:"replaced_by,omitempty"`

	// ConversationID ties the memory to the conversation it was learned from.
	ConversationID string `json:"conversation_id,omitempty"`

	// AccessCount is how many times retrieval has returned this memory.
	// Updated only by retrieval, never by consolidation.
	AccessCount int `json:"access_count"`

	// LastAccessedAt is when retrieval last returned this memory.
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`

	// CreatedAt is when the memory was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the memory was last mutated.
	UpdatedAt time.Time `json:"updated_at"`

	// Similarity is the vector similarity score from search operations.
	// Populated by SearchVector only; not persisted.
	Similarity float64 `json:"similarity,omitempty"`
}

// HistoryEntry is one append-only audit record. Exactly one entry is written
// per mutation; entries are never edited or deleted.
type HistoryEntry struct {
	// ID is the unique identifier of the history entry.
	ID int64 `json:"id"`

	// MemoryID is the memory the mutation touched.
	MemoryID int64 `json:"memory_id"`

	// Action is the mutation kind (ADD, UPDATE, DELETE, CONFLICT).
	Action HistoryAction `json:"action"`

	// PrevText is the memory text before the mutation (empty for ADD).
	PrevText string `json:"prev_text,omitempty"`

	// NewText is the memory text after the mutation (empty for DELETE).
	NewText string `json:"new_text,omitempty"`

	// ConversationID ties the mutation to the conversation that caused it.
	ConversationID string `json:"conversation_id,omitempty"`

	// CreatedAt is when the mutation happened.
	CreatedAt time.Time `json:"created_at"`
}

// SearchOptions contains options for vector and keyword search operations.
type SearchOptions struct {
	// UserID scopes results to a single user (required).
	UserID string

	// Limit sets the maximum number of results to return.
	Limit int

	// Threshold sets the minimum similarity score for vector results.
	// Ignored by keyword search.
	Threshold float64
}

// TextUpdate describes a text rewrite applied to an existing memory.
// Embedding and Hash must be derived from the new Text by the caller so a
// single write carries all three.
type TextUpdate struct {
	// Text is the new canonical statement.
	Text string

	// Embedding is the vector representation of Text.
	Embedding []float64

	// Hash is the content hash of Text.
	Hash string

	// Confidence optionally replaces the stored confidence.
	Confidence *float64
}

// Store defines the interface for memory storage backends.
//
// All implementations (SQLite, PostgreSQL, MySQL) must scope every operation
// by user id; memory rows are additionally addressed by memory id, so no two
// requests contend on the same logical row under ordinary use.
type Store interface {
	// Insert inserts a new memory row.
	Insert(ctx context.Context, memory *Memory) error

	// Get retrieves a memory by id, restricted to the given user.
	// Returns an error wrapping a not-found condition when the row is absent
	// or owned by a different user.
	Get(ctx context.Context, id int64, userID string) (*Memory, error)

	// UpdateText rewrites a memory's text, embedding, and hash in one write,
	// optionally replacing its confidence.
	UpdateText(ctx context.Context, id int64, userID string, upd *TextUpdate) (*Memory, error)

	// UpdateConfidence replaces a memory's confidence score.
	UpdateConfidence(ctx context.Context, id int64, userID string, confidence float64) (*Memory, error)

	// MarkOutdated sets a memory's status to outdated and records the memory
	// that replaced it.
	MarkOutdated(ctx context.Context, id int64, userID string, replacedBy int64) (*Memory, error)

	// Archive sets a memory's status to archived (soft delete via the API).
	Archive(ctx context.Context, id int64, userID string) error

	// TouchAccess increments a memory's access count and stamps the access
	// time. Called only for memories actually returned by retrieval.
	TouchAccess(ctx context.Context, id int64, userID string, at time.Time) error

	// SearchVector returns active memories ranked by embedding similarity,
	// highest first, filtered by opts.Threshold and capped at opts.Limit.
	// Each result carries its Similarity score.
	SearchVector(ctx context.Context, embedding []float64, opts *SearchOptions) ([]*Memory, error)

	// SearchKeyword returns active memories ranked by full-text relevance
	// against the query, capped at opts.Limit.
	SearchKeyword(ctx context.Context, query string, opts *SearchOptions) ([]*Memory, error)

	// List returns all active memories for a user, newest first.
	List(ctx context.Context, userID string) ([]*Memory, error)

	// CountActive returns the number of active memories a user holds.
	// Used to enforce the per-user memory ceiling.
	CountActive(ctx context.Context, userID string) (int, error)

	// CountByType returns active-memory counts grouped by memory type.
	CountByType(ctx context.Context, userID string) (map[MemoryType]int, error)

	// AppendHistory appends one audit record. History rows are never edited
	// or deleted.
	AppendHistory(ctx context.Context, entry *HistoryEntry) error

	// History returns the audit trail for one memory, oldest first.
	History(ctx context.Context, memoryID int64) ([]*HistoryEntry, error)

	// Close closes the store and releases resources.
	Close() error
}

// ErrNotFound is returned by implementations when a memory row is absent or
// not owned by the requesting user.
var ErrNotFound = errors.New("memory not found")
