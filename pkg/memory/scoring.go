package memory

import (
	"time"

	"github.com/cortex-mem/cortex-go/pkg/storage"
)

// Hybrid score weights. Similarity dominates; recency, type importance, and
// access frequency refine the ordering among comparable matches.
const (
	weightSimilarity = 0.50
	weightRecency    = 0.25
	weightType       = 0.15
	weightAccess     = 0.10
)

// typeWeights ranks memory types by how durable and identity-defining they
// are. An unknown type scores 0.5.
var typeWeights = map[storage.MemoryType]float64{
	storage.TypeIdentity:   1.0,
	storage.TypePreference: 0.8,
	storage.TypeFact:       0.6,
	storage.TypeEvent:      0.4,
	storage.TypeContext:    0.2,
}

// HybridScore computes the multi-factor ranking score for one fused
// retrieval candidate.
//
//	score = 0.50*similarity + 0.25*recency + 0.15*type_weight + 0.10*access
//
// recency decays linearly to zero at 30 days old (floored at 0, not capped
// above 1 for items newer than now); access frequency saturates at 100
// accesses.
func HybridScore(memory *storage.Memory, similarity float64, now time.Time) float64 {
	daysOld := int(now.Sub(memory.CreatedAt).Hours() / 24)
	recency := 1 - float64(daysOld)/30
	if recency < 0 {
		recency = 0
	}

	typeWeight, ok := typeWeights[memory.Type]
	if !ok {
		typeWeight = 0.5
	}

	access := float64(memory.AccessCount) / 100
	if access > 1 {
		access = 1
	}

	return similarity*weightSimilarity +
		recency*weightRecency +
		typeWeight*weightType +
		access*weightAccess
}
