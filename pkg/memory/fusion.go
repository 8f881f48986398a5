package memory

import (
	"sort"

	"github.com/cortex-mem/cortex-go/pkg/storage"
)

// rrfK is the standard reciprocal-rank-fusion constant. Each result list
// contributes 1/(k+rank) per item, which keeps the fused score insensitive
// to the incomparable score scales of vector and keyword search.
const rrfK = 60

// ReciprocalRankFusion merges the vector and keyword result lists into one
// ranking.
//
// Ranks start at 1 within each list. An item appearing in both lists sums the
// contributions from both, so it always outranks an equal-rank item found by
// only one search. The sort is stable: ties keep first-seen order (vector
// list first). Each fused item records which searches produced it.
func ReciprocalRankFusion(vectorResults, keywordResults []*storage.Memory) []*ScoredMemory {
	byID := make(map[int64]*ScoredMemory)
	var order []*ScoredMemory

	for rank, mem := range vectorResults {
		item := &ScoredMemory{
			Memory:   mem,
			RRFScore: 1.0 / float64(rrfK+rank+1),
			Sources:  []string{"vector"},
		}
		byID[mem.ID] = item
		order = append(order, item)
	}

	for rank, mem := range keywordResults {
		score := 1.0 / float64(rrfK+rank+1)
		if item, ok := byID[mem.ID]; ok {
			item.RRFScore += score
			item.Sources = append(item.Sources, "keyword")
			continue
		}
		item := &ScoredMemory{
			Memory:   mem,
			RRFScore: score,
			Sources:  []string{"keyword"},
		}
		byID[mem.ID] = item
		order = append(order, item)
	}

	sort.SliceStable(order, func(i, j int) bool {
		return order[i].RRFScore > order[j].RRFScore
	})

	return order
}
