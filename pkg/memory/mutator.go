package memory

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/cortex-mem/cortex-go/pkg/embedder"
	"github.com/cortex-mem/cortex-go/pkg/storage"
)

// ErrMemoryLimitExceeded is returned when creating a memory would push a user
// past the configured per-user ceiling. It rejects that single decision only;
// sibling decisions in the same batch still execute.
var ErrMemoryLimitExceeded = errors.New("memory limit exceeded")

// IDGenerator supplies unique ids for newly created memories.
type IDGenerator interface {
	// Generate returns a new unique id.
	Generate() int64
}

// Mutator applies one reconciliation decision to the durable store.
//
// Every mutation is one or two row writes plus exactly one history append per
// affected memory id. Text-bearing writes always recompute the embedding and
// content hash from the new text; stale embeddings are never persisted.
type Mutator struct {
	store       storage.Store
	embedder    embedder.Provider
	ids         IDGenerator
	maxMemories int
}

// NewMutator creates a mutator. maxMemories caps active memories per user;
// zero disables the cap.
func NewMutator(store storage.Store, provider embedder.Provider, ids IDGenerator, maxMemories int) *Mutator {
	return &Mutator{
		store:       store,
		embedder:    provider,
		ids:         ids,
		maxMemories: maxMemories,
	}
}

// Apply executes one decision for the fact it was made about.
//
// The returned result mirrors the decision's action; NONE returns a result
// with no memory attached and writes nothing.
func (m *Mutator) Apply(ctx context.Context, userID, conversationID string, fact Fact, decision Decision) (*MutationResult, error) {
	result := &MutationResult{
		FactIndex: decision.FactIndex,
		Action:    decision.Action,
		Reasoning: decision.Reasoning,
	}

	switch decision.Action {
	case DecisionAdd:
		memory, err := m.create(ctx, userID, conversationID, fact)
		if err != nil {
			return nil, err
		}
		result.Memory = memory

	case DecisionUpdate:
		memory, err := m.update(ctx, userID, conversationID, decision.TargetID, fact)
		if err != nil {
			return nil, err
		}
		result.Memory = memory

	case DecisionDelete:
		// New memory first so the old row's replaced_by has a target.
		memory, err := m.create(ctx, userID, conversationID, fact)
		if err != nil {
			return nil, err
		}
		replaced, err := m.supersede(ctx, userID, conversationID, decision.TargetID, memory.ID)
		if err != nil {
			return nil, err
		}
		result.Memory = memory
		result.Replaced = replaced

	case DecisionConflict:
		if decision.NewConfidence == nil {
			return nil, fmt.Errorf("apply CONFLICT: missing new confidence")
		}
		memory, err := m.create(ctx, userID, conversationID, fact)
		if err != nil {
			return nil, err
		}
		conflicted, err := m.lowerConfidence(ctx, userID, conversationID, decision.TargetID, *decision.NewConfidence)
		if err != nil {
			return nil, err
		}
		result.Memory = memory
		result.Replaced = conflicted

	case DecisionNone:
		// Duplicate: reasoning is reported, nothing is written.

	default:
		return nil, fmt.Errorf("apply: unknown action %q", decision.Action)
	}

	return result, nil
}

// create inserts a new active memory and appends its ADD history row. The
// per-user ceiling is checked before the write.
func (m *Mutator) create(ctx context.Context, userID, conversationID string, fact Fact) (*storage.Memory, error) {
	if m.maxMemories > 0 {
		count, err := m.store.CountActive(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("create: %w", err)
		}
		if count >= m.maxMemories {
			return nil, fmt.Errorf("create: %w", ErrMemoryLimitExceeded)
		}
	}

	embedding, err := m.embedder.Embed(ctx, fact.Text)
	if err != nil {
		return nil, fmt.Errorf("create: %w", err)
	}

	memory := &storage.Memory{
		ID:             m.ids.Generate(),
		UserID:         userID,
		Text:           fact.Text,
		Embedding:      embedding,
		Type:           fact.Type,
		Confidence:     fact.Confidence,
		Category:       fact.Category,
		SourceText:     fact.Source,
		Entities:       fact.Entities,
		Hash:           contentHash(fact.Text),
		Status:         storage.StatusActive,
		ConversationID: conversationID,
	}

	if err := m.store.Insert(ctx, memory); err != nil {
		return nil, fmt.Errorf("create: %w", err)
	}

	if err := m.store.AppendHistory(ctx, &storage.HistoryEntry{
		MemoryID:       memory.ID,
		Action:         storage.ActionAdd,
		NewText:        fact.Text,
		ConversationID: conversationID,
	}); err != nil {
		return nil, fmt.Errorf("create: %w", err)
	}

	return memory, nil
}

// update overwrites the target's text, embedding, and hash, keeping its id,
// and appends an UPDATE history row.
func (m *Mutator) update(ctx context.Context, userID, conversationID string, targetID int64, fact Fact) (*storage.Memory, error) {
	old, err := m.store.Get(ctx, targetID, userID)
	if err != nil {
		return nil, fmt.Errorf("update: %w", err)
	}

	embedding, err := m.embedder.Embed(ctx, fact.Text)
	if err != nil {
		return nil, fmt.Errorf("update: %w", err)
	}

	confidence := fact.Confidence
	updated, err := m.store.UpdateText(ctx, targetID, userID, &storage.TextUpdate{
		Text:       fact.Text,
		Embedding:  embedding,
		Hash:       contentHash(fact.Text),
		Confidence: &confidence,
	})
	if err != nil {
		return nil, fmt.Errorf("update: %w", err)
	}

	if err := m.store.AppendHistory(ctx, &storage.HistoryEntry{
		MemoryID:       targetID,
		Action:         storage.ActionUpdate,
		PrevText:       old.Text,
		NewText:        fact.Text,
		ConversationID: conversationID,
	}); err != nil {
		return nil, fmt.Errorf("update: %w", err)
	}

	return updated, nil
}

// supersede marks the target outdated, pointing it at its replacement, and
// appends a DELETE history row.
func (m *Mutator) supersede(ctx context.Context, userID, conversationID string, targetID, replacedBy int64) (*storage.Memory, error) {
	old, err := m.store.Get(ctx, targetID, userID)
	if err != nil {
		return nil, fmt.Errorf("supersede: %w", err)
	}

	replaced, err := m.store.MarkOutdated(ctx, targetID, userID, replacedBy)
	if err != nil {
		return nil, fmt.Errorf("supersede: %w", err)
	}

	if err := m.store.AppendHistory(ctx, &storage.HistoryEntry{
		MemoryID:       targetID,
		Action:         storage.ActionDelete,
		PrevText:       old.Text,
		ConversationID: conversationID,
	}); err != nil {
		return nil, fmt.Errorf("supersede: %w", err)
	}

	return replaced, nil
}

// lowerConfidence reduces the target's confidence after a soft contradiction
// and appends a CONFLICT history row. Confidence is never raised: a new value
// above the current one is clamped to the current one.
func (m *Mutator) lowerConfidence(ctx context.Context, userID, conversationID string, targetID int64, newConfidence float64) (*storage.Memory, error) {
	old, err := m.store.Get(ctx, targetID, userID)
	if err != nil {
		return nil, fmt.Errorf("lower confidence: %w", err)
	}

	if newConfidence > old.Confidence {
		newConfidence = old.Confidence
	}
	if newConfidence < 0 {
		newConfidence = 0
	}

	updated, err := m.store.UpdateConfidence(ctx, targetID, userID, newConfidence)
	if err != nil {
		return nil, fmt.Errorf("lower confidence: %w", err)
	}

	if err := m.store.AppendHistory(ctx, &storage.HistoryEntry{
		MemoryID:       targetID,
		Action:         storage.ActionConflict,
		PrevText:       fmt.Sprintf("%s (confidence: %.2f)", old.Text, old.Confidence),
		NewText:        fmt.Sprintf("%s (confidence: %.2f)", old.Text, newConfidence),
		ConversationID: conversationID,
	}); err != nil {
		return nil, fmt.Errorf("lower confidence: %w", err)
	}

	return updated, nil
}

// contentHash is the md5 hash of the canonical text, stored alongside it for
// cheap duplicate detection.
func contentHash(text string) string {
	sum := md5.Sum([]byte(text))
	return hex.EncodeToString(sum[:])
}
