// Package rerank provides interfaces for cross-encoder reranking providers.
//
// Reranking is an optional final stage of retrieval: given a query and a set
// of candidate documents, a reranker reorders them by relevance. When no
// reranker is configured, retrieval simply truncates its hybrid-scored
// candidates.
package rerank

import "context"

// Result is a single reranked document.
type Result struct {
	// Index is the position of the document in the input slice.
	Index int

	// RelevanceScore is the reranker's relevance score for the document.
	RelevanceScore float64
}

// Provider defines the interface for reranking providers.
type Provider interface {
	// Rerank reorders documents by relevance to the query and returns at
	// most topN results, most relevant first. Each result references an
	// input document by index.
	Rerank(ctx context.Context, query string, documents []string, topN int) ([]Result, error)

	// Close closes the provider and releases resources.
	Close() error
}
