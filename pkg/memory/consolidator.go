package memory

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/cortex-mem/cortex-go/pkg/storage"
)

// Consolidator runs the full consolidation pipeline for one conversation:
// extract facts, find similar memories per fact, decide one action per fact,
// apply the decisions.
//
// All parallelism is fan-out/join within one call. Comparator calls run
// concurrently and the decision call waits for all of them; mutator calls run
// concurrently and a single decision's failure is recorded per-decision
// without cancelling its siblings. No mutation already committed is rolled
// back when a later one fails: consolidation is best effort per fact.
type Consolidator struct {
	extractor  *FactExtractor
	comparator *Comparator
	engine     *DecisionEngine
	mutator    *Mutator
}

// NewConsolidator wires the four pipeline stages together.
func NewConsolidator(extractor *FactExtractor, comparator *Comparator, engine *DecisionEngine, mutator *Mutator) *Consolidator {
	return &Consolidator{
		extractor:  extractor,
		comparator: comparator,
		engine:     engine,
		mutator:    mutator,
	}
}

// Consolidate processes one conversation for one user.
func (c *Consolidator) Consolidate(ctx context.Context, userID, conversationID string, turns []Turn) (*ConsolidationResult, error) {
	facts, err := c.extractor.Extract(ctx, turns)
	if err != nil {
		return nil, err
	}
	if len(facts) == 0 {
		return &ConsolidationResult{Results: []MutationResult{}}, nil
	}

	log.Printf("consolidate: extracted %d facts for user %s", len(facts), userID)

	candidates := c.compareAll(ctx, userID, facts)

	decisions, err := c.engine.Decide(ctx, facts, candidates)
	if err != nil {
		return nil, err
	}

	results := c.applyAll(ctx, userID, conversationID, facts, decisions)

	stored := 0
	for _, r := range results {
		if r.Error == "" && r.Action != DecisionNone {
			stored++
		}
	}

	return &ConsolidationResult{
		Results:        results,
		ExtractedCount: len(facts),
		StoredCount:    stored,
	}, nil
}

// compareAll runs one comparator call per fact concurrently and joins before
// returning. candidates[i] belongs to facts[i]. A failed comparison leaves an
// empty candidate list for that fact, so the decision engine sees the fact as
// novel instead of the batch failing.
func (c *Consolidator) compareAll(ctx context.Context, userID string, facts []Fact) [][]*storage.Memory {
	candidates := make([][]*storage.Memory, len(facts))

	var wg sync.WaitGroup
	for i, fact := range facts {
		wg.Add(1)
		go func(i int, text string) {
			defer wg.Done()
			similar, err := c.comparator.FindSimilar(ctx, userID, text)
			if err != nil {
				log.Printf("consolidate: comparison failed for fact %d: %v", i, err)
				return
			}
			candidates[i] = similar
		}(i, fact.Text)
	}
	wg.Wait()

	return candidates
}

// applyAll executes decisions concurrently. Results preserve fact order even
// though mutations complete out of order, and a failed mutation is reported
// in its own result without aborting the rest of the batch.
func (c *Consolidator) applyAll(ctx context.Context, userID, conversationID string, facts []Fact, decisions []Decision) []MutationResult {
	results := make([]MutationResult, len(decisions))

	var wg sync.WaitGroup
	for i, decision := range decisions {
		if decision.FactIndex < 0 || decision.FactIndex >= len(facts) {
			results[i] = MutationResult{
				FactIndex: decision.FactIndex,
				Action:    decision.Action,
				Error:     "fact index out of range",
			}
			continue
		}

		wg.Add(1)
		go func(i int, decision Decision) {
			defer wg.Done()
			result, err := c.mutator.Apply(ctx, userID, conversationID, facts[decision.FactIndex], decision)
			if err != nil {
				if errors.Is(err, ErrMemoryLimitExceeded) {
					log.Printf("consolidate: memory limit reached for user %s, fact %d rejected", userID, decision.FactIndex)
				} else {
					log.Printf("consolidate: mutation failed for fact %d: %v", decision.FactIndex, err)
				}
				results[i] = MutationResult{
					FactIndex: decision.FactIndex,
					Action:    decision.Action,
					Reasoning: decision.Reasoning,
					Error:     err.Error(),
				}
				return
			}
			results[i] = *result
		}(i, decision)
	}
	wg.Wait()

	return results
}
