// Package memory implements the consolidation pipeline and the hybrid
// retrieval engine.
//
// Consolidation turns conversation turns into atomic typed facts, reconciles
// each fact against the user's existing memories, and applies the resulting
// decisions to the store with a full audit trail. Retrieval combines vector
// and keyword search through reciprocal rank fusion, multi-factor scoring,
// and optional cross-encoder reranking.
package memory

import (
	"github.com/cortex-mem/cortex-go/pkg/storage"
)

// Fact is one atomic, typed, confidence-scored statement extracted from a
// user's utterance. Facts are transient: they are consumed by comparison,
// decision, and mutation, never persisted directly.
type Fact struct {
	// Text is the fact phrased in third person ("User works at Google").
	Text string `json:"text"`

	// Type classifies the fact (identity, fact, preference, event, context).
	Type storage.MemoryType `json:"type"`

	// Confidence is how certain the extraction is, in [0,1].
	Confidence float64 `json:"confidence"`

	// Category is a free-form grouping (location, employment, food, ...).
	Category string `json:"category"`

	// Source quotes the exact text the fact was extracted from.
	Source string `json:"source"`

	// Entities lists named entities mentioned by the fact.
	Entities []string `json:"entities"`
}

// DecisionAction is the reconciliation verdict for one fact.
type DecisionAction string

const (
	// DecisionAdd creates a new active memory; no equivalent memory exists.
	DecisionAdd DecisionAction = "ADD"

	// DecisionUpdate overwrites an existing memory with a more specific or
	// recent version, keeping its id.
	DecisionUpdate DecisionAction = "UPDATE"

	// DecisionDelete supersedes an existing memory that is now factually
	// wrong: a new memory is created and the old one marked outdated.
	DecisionDelete DecisionAction = "DELETE"

	// DecisionConflict records a soft contradiction: the old memory keeps
	// its status but loses confidence, and the new fact is stored alongside.
	DecisionConflict DecisionAction = "CONFLICT"

	// DecisionNone skips a duplicate fact; nothing is written.
	DecisionNone DecisionAction = "NONE"
)

// RequiresTarget reports whether the action must reference an existing memory.
func (a DecisionAction) RequiresTarget() bool {
	switch a {
	case DecisionUpdate, DecisionDelete, DecisionConflict:
		return true
	default:
		return false
	}
}

// valid reports whether the action is one of the five known verdicts.
func (a DecisionAction) valid() bool {
	switch a {
	case DecisionAdd, DecisionUpdate, DecisionDelete, DecisionConflict, DecisionNone:
		return true
	default:
		return false
	}
}

// Decision is the reconciliation outcome for one fact in a batch. It is
// produced once by the decision engine, consumed once by the mutator, then
// discarded.
type Decision struct {
	// FactIndex is the position of the fact in the extraction batch.
	FactIndex int `json:"fact_index"`

	// Action is the verdict (ADD, UPDATE, DELETE, CONFLICT, NONE).
	Action DecisionAction `json:"action"`

	// TargetID is the durable id of the memory the action applies to.
	// Required for UPDATE, DELETE, and CONFLICT.
	TargetID int64 `json:"target_id,omitempty"`

	// NewConfidence is the lowered confidence for a CONFLICT target.
	NewConfidence *float64 `json:"new_confidence,omitempty"`

	// Reasoning is the classifier's stated rationale, recorded in the
	// response only and never persisted.
	Reasoning string `json:"reasoning,omitempty"`
}

// MutationResult is the outcome of applying one decision.
type MutationResult struct {
	// FactIndex is the position of the fact the decision was made for.
	FactIndex int `json:"fact_index"`

	// Action is the decision's verdict.
	Action DecisionAction `json:"action"`

	// Memory is the memory created or updated by the mutation (nil for NONE
	// and for failed mutations).
	Memory *storage.Memory `json:"memory,omitempty"`

	// Replaced is the superseded memory for DELETE, or the conflicted
	// memory for CONFLICT.
	Replaced *storage.Memory `json:"replaced,omitempty"`

	// Reasoning is carried over from the decision.
	Reasoning string `json:"reasoning,omitempty"`

	// Error is set when this single mutation failed; sibling mutations in
	// the batch are unaffected.
	Error string `json:"error,omitempty"`
}

// ConsolidationResult summarizes one consolidation run.
type ConsolidationResult struct {
	// Results holds one entry per executed decision, in fact order.
	Results []MutationResult `json:"results"`

	// ExtractedCount is the number of facts the extractor produced.
	ExtractedCount int `json:"extracted_count"`

	// StoredCount is the number of decisions that mutated the store.
	StoredCount int `json:"stored_count"`
}

// ScoredMemory is one retrieval result with its ranking signals.
type ScoredMemory struct {
	*storage.Memory

	// RRFScore is the reciprocal-rank-fusion score across the vector and
	// keyword result lists.
	RRFScore float64 `json:"rrf_score"`

	// HybridScore is the multi-factor score used for final candidate
	// ranking (similarity, recency, type weight, access frequency).
	HybridScore float64 `json:"hybrid_score"`

	// RelevanceScore is the reranker's score, set only when reranking ran.
	RelevanceScore float64 `json:"relevance_score,omitempty"`

	// Sources records which searches produced the item ("vector",
	// "keyword", or both).
	Sources []string `json:"search_sources"`
}
