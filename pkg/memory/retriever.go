package memory

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/cortex-mem/cortex-go/pkg/embedder"
	"github.com/cortex-mem/cortex-go/pkg/rerank"
	"github.com/cortex-mem/cortex-go/pkg/storage"
)

// Default retrieval parameters.
const (
	// DefaultSearchThreshold filters vector candidates by cosine
	// similarity before fusion.
	DefaultSearchThreshold = 0.5

	// fetchMultiplier oversizes both searches so fusion has enough
	// candidates to reorder.
	fetchMultiplier = 3

	// candidateMultiplier bounds how many fused candidates survive hybrid
	// scoring before the optional rerank pass.
	candidateMultiplier = 2
)

// Retriever runs the hybrid search pipeline: vector and keyword search in
// parallel, reciprocal-rank fusion, multi-factor scoring, an optional
// rerank pass, and access tracking on the returned memories.
type Retriever struct {
	embedder  embedder.Provider
	store     storage.Store
	reranker  rerank.Provider // nil disables the rerank stage
	threshold float64
	now       func() time.Time
}

// NewRetriever builds a retriever over the given providers. reranker may be
// nil, in which case hybrid-score order is final.
func NewRetriever(embed embedder.Provider, store storage.Store, reranker rerank.Provider) *Retriever {
	return &Retriever{
		embedder:  embed,
		store:     store,
		reranker:  reranker,
		threshold: DefaultSearchThreshold,
		now:       time.Now,
	}
}

// SetThreshold overrides the vector similarity cutoff.
func (r *Retriever) SetThreshold(threshold float64) {
	r.threshold = threshold
}

// Search returns up to limit memories for the user ranked by relevance to
// the query. Returned memories have their access counters bumped; failures
// to bump are logged and do not affect the result.
func (r *Retriever) Search(ctx context.Context, userID, query string, limit int) ([]*ScoredMemory, error) {
	if limit <= 0 {
		limit = 10
	}

	vectorResults, keywordResults, err := r.searchBoth(ctx, userID, query, limit*fetchMultiplier)
	if err != nil {
		return nil, err
	}

	fused := ReciprocalRankFusion(vectorResults, keywordResults)
	if len(fused) == 0 {
		return nil, nil
	}

	now := r.now()
	for _, item := range fused {
		// Keyword-only hits carry no cosine similarity; the fused rank
		// score stands in so they are not zeroed out of contention.
		similarity := item.Memory.Similarity
		if !item.foundBy("vector") {
			similarity = item.RRFScore
		}
		item.HybridScore = HybridScore(item.Memory, similarity, now)
	}

	sort.SliceStable(fused, func(i, j int) bool {
		return fused[i].HybridScore > fused[j].HybridScore
	})

	candidates := fused
	if max := limit * candidateMultiplier; len(candidates) > max {
		candidates = candidates[:max]
	}

	results, err := r.rerankCandidates(ctx, query, candidates, limit)
	if err != nil {
		return nil, err
	}

	r.touchAll(ctx, userID, results)
	return results, nil
}

// searchBoth runs the vector and keyword searches concurrently. The vector
// leg embeds the query first; either leg failing fails the search.
func (r *Retriever) searchBoth(ctx context.Context, userID, query string, fetchLimit int) ([]*storage.Memory, []*storage.Memory, error) {
	var (
		wg             sync.WaitGroup
		vectorResults  []*storage.Memory
		keywordResults []*storage.Memory
		vectorErr      error
		keywordErr     error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		embedding, err := r.embedder.Embed(ctx, query)
		if err != nil {
			vectorErr = fmt.Errorf("embed query: %w", err)
			return
		}
		vectorResults, vectorErr = r.store.SearchVector(ctx, embedding, &storage.SearchOptions{
			UserID:    userID,
			Limit:     fetchLimit,
			Threshold: r.threshold,
		})
	}()
	go func() {
		defer wg.Done()
		keywordResults, keywordErr = r.store.SearchKeyword(ctx, query, &storage.SearchOptions{
			UserID: userID,
			Limit:  fetchLimit,
		})
	}()
	wg.Wait()

	if vectorErr != nil {
		return nil, nil, vectorErr
	}
	if keywordErr != nil {
		return nil, nil, keywordErr
	}
	return vectorResults, keywordResults, nil
}

// rerankCandidates reorders the top candidates with the rerank provider and
// truncates to limit. Without a provider it just truncates. A rerank failure
// falls back to hybrid-score order rather than failing the search.
func (r *Retriever) rerankCandidates(ctx context.Context, query string, candidates []*ScoredMemory, limit int) ([]*ScoredMemory, error) {
	if r.reranker == nil || len(candidates) <= 1 {
		return truncate(candidates, limit), nil
	}

	documents := make([]string, len(candidates))
	for i, item := range candidates {
		documents[i] = item.Memory.Text
	}

	ranked, err := r.reranker.Rerank(ctx, query, documents, limit)
	if err != nil {
		log.Printf("rerank failed, keeping hybrid order: %v", err)
		return truncate(candidates, limit), nil
	}

	results := make([]*ScoredMemory, 0, len(ranked))
	for _, res := range ranked {
		if res.Index < 0 || res.Index >= len(candidates) {
			continue
		}
		item := candidates[res.Index]
		item.RelevanceScore = res.RelevanceScore
		results = append(results, item)
	}
	return truncate(results, limit), nil
}

// touchAll bumps access counters for the returned memories concurrently.
func (r *Retriever) touchAll(ctx context.Context, userID string, results []*ScoredMemory) {
	now := r.now()
	var wg sync.WaitGroup
	for _, item := range results {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			if err := r.store.TouchAccess(ctx, id, userID, now); err != nil {
				log.Printf("touch access for memory %d: %v", id, err)
			}
		}(item.Memory.ID)
	}
	wg.Wait()
}

func truncate(items []*ScoredMemory, limit int) []*ScoredMemory {
	if len(items) > limit {
		return items[:limit]
	}
	return items
}

func (s *ScoredMemory) foundBy(source string) bool {
	for _, src := range s.Sources {
		if src == source {
			return true
		}
	}
	return false
}
