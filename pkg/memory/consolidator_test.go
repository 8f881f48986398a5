package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortex-mem/cortex-go/pkg/memory"
	"github.com/cortex-mem/cortex-go/pkg/storage"
)

func newTestConsolidator(llm *scriptLLM, embed *stubEmbedder, store *memStore, maxMemories int) *memory.Consolidator {
	return memory.NewConsolidator(
		memory.NewFactExtractor(llm),
		memory.NewComparator(embed, store),
		memory.NewDecisionEngine(llm),
		memory.NewMutator(store, embed, newSeqIDs(1000), maxMemories),
	)
}

func TestConsolidateNewUserAdds(t *testing.T) {
	llm := &scriptLLM{responses: []string{
		`{"facts": [{"text": "User works at Google", "type": "fact", "confidence": 0.9, "category": "employment"}]}`,
		`{"decisions": [{"fact_index": 0, "action": "ADD", "reasoning": "New information"}]}`,
	}}
	store := newMemStore()
	consolidator := newTestConsolidator(llm, newStubEmbedder(), store, 50)

	result, err := consolidator.Consolidate(context.Background(), "u1", "conv1", []memory.Turn{
		{Role: "user", Content: "I work at Google"},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, result.ExtractedCount)
	assert.Equal(t, 1, result.StoredCount)
	require.Len(t, result.Results, 1)
	assert.Equal(t, memory.DecisionAdd, result.Results[0].Action)
	require.NotNil(t, result.Results[0].Memory)

	count, _ := store.CountActive(context.Background(), "u1")
	assert.Equal(t, 1, count)
}

func TestConsolidateHardContradiction(t *testing.T) {
	llm := &scriptLLM{responses: []string{
		`{"facts": [{"text": "User lives in Berlin", "type": "fact", "confidence": 0.9, "category": "location"}]}`,
		`{"decisions": [{"fact_index": 0, "action": "DELETE", "target_id": "0_0", "reasoning": "moved"}]}`,
	}}

	embed := newStubEmbedder()
	// The old and new location statements embed close together so the
	// comparator surfaces the old one as a candidate.
	embed.set("User lives in Berlin", []float64{1, 0, 0})

	store := newMemStore()
	store.seed(&storage.Memory{
		ID:        7,
		UserID:    "u1",
		Text:      "User lives in NYC",
		Type:      storage.TypeFact,
		Embedding: []float64{1, 0, 0},
		Status:    storage.StatusActive,
	})

	consolidator := newTestConsolidator(llm, embed, store, 50)
	result, err := consolidator.Consolidate(context.Background(), "u1", "conv2", []memory.Turn{
		{Role: "user", Content: "I moved to Berlin last month"},
	})
	require.NoError(t, err)
	require.Len(t, result.Results, 1)
	assert.Equal(t, memory.DecisionDelete, result.Results[0].Action)

	old := store.get(7)
	assert.Equal(t, storage.StatusOutdated, old.Status)
	require.NotNil(t, old.ReplacedBy)

	replacement := store.get(*old.ReplacedBy)
	require.NotNil(t, replacement)
	assert.Equal(t, "User lives in Berlin", replacement.Text)
	assert.Equal(t, storage.StatusActive, replacement.Status)
}

func TestConsolidateSoftContradiction(t *testing.T) {
	llm := &scriptLLM{responses: []string{
		`{"facts": [{"text": "User ate steak at a client dinner", "type": "event", "confidence": 0.85}]}`,
		`{"decisions": [{"fact_index": 0, "action": "CONFLICT", "target_id": "0_0", "new_confidence": 0.8, "reasoning": "exception"}]}`,
	}}

	embed := newStubEmbedder()
	embed.set("User ate steak at a client dinner", []float64{1, 0, 0})

	store := newMemStore()
	store.seed(&storage.Memory{
		ID:         7,
		UserID:     "u1",
		Text:       "User is vegetarian",
		Type:       storage.TypeIdentity,
		Confidence: 0.95,
		Embedding:  []float64{1, 0, 0},
		Status:     storage.StatusActive,
	})

	consolidator := newTestConsolidator(llm, embed, store, 50)
	result, err := consolidator.Consolidate(context.Background(), "u1", "conv3", []memory.Turn{
		{Role: "user", Content: "had steak at the client dinner"},
	})
	require.NoError(t, err)
	require.Len(t, result.Results, 1)

	old := store.get(7)
	assert.Equal(t, storage.StatusActive, old.Status, "conflicted identity stays active")
	assert.Equal(t, 0.8, old.Confidence)

	count, _ := store.CountActive(context.Background(), "u1")
	assert.Equal(t, 2, count, "the new event is stored alongside")
}

func TestConsolidateDuplicateSkipped(t *testing.T) {
	llm := &scriptLLM{responses: []string{
		`{"facts": [{"text": "User works at Google", "type": "fact", "confidence": 0.9}]}`,
		`{"decisions": [{"fact_index": 0, "action": "NONE", "reasoning": "duplicate"}]}`,
	}}

	embed := newStubEmbedder()
	embed.set("User works at Google", []float64{1, 0, 0})

	store := newMemStore()
	store.seed(&storage.Memory{
		ID:        7,
		UserID:    "u1",
		Text:      "User works at Google",
		Embedding: []float64{1, 0, 0},
		Status:    storage.StatusActive,
	})

	consolidator := newTestConsolidator(llm, embed, store, 50)
	result, err := consolidator.Consolidate(context.Background(), "u1", "conv4", []memory.Turn{
		{Role: "user", Content: "I work at Google"},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, result.ExtractedCount)
	assert.Equal(t, 0, result.StoredCount)

	count, _ := store.CountActive(context.Background(), "u1")
	assert.Equal(t, 1, count)
}

func TestConsolidateNothingExtracted(t *testing.T) {
	llm := &scriptLLM{responses: []string{`{"facts": []}`}}
	consolidator := newTestConsolidator(llm, newStubEmbedder(), newMemStore(), 50)

	result, err := consolidator.Consolidate(context.Background(), "u1", "conv5", []memory.Turn{
		{Role: "user", Content: "what's the weather like"},
	})
	require.NoError(t, err)

	assert.Zero(t, result.ExtractedCount)
	assert.Empty(t, result.Results)
	assert.Equal(t, 1, llm.callCount(), "no decision call for an empty batch")
}

func TestConsolidateCeilingRejectsOnlyThatFact(t *testing.T) {
	llm := &scriptLLM{responses: []string{
		`{"facts": [
			{"text": "User works at Google", "type": "fact", "confidence": 0.9},
			{"text": "User works at Google", "type": "fact", "confidence": 0.9}
		]}`,
		`{"decisions": [
			{"fact_index": 0, "action": "ADD"},
			{"fact_index": 1, "action": "NONE", "reasoning": "duplicate"}
		]}`,
	}}

	store := newMemStore()
	store.seed(&storage.Memory{ID: 1, UserID: "u1", Text: "existing", Status: storage.StatusActive})

	consolidator := newTestConsolidator(llm, newStubEmbedder(), store, 1)
	result, err := consolidator.Consolidate(context.Background(), "u1", "conv6", []memory.Turn{
		{Role: "user", Content: "I work at Google"},
	})
	require.NoError(t, err)
	require.Len(t, result.Results, 2)

	assert.Contains(t, result.Results[0].Error, "memory limit exceeded")
	assert.Empty(t, result.Results[1].Error, "sibling NONE decision is unaffected")
	assert.Equal(t, 0, result.StoredCount)
}

func TestConsolidateResultsKeepFactOrder(t *testing.T) {
	llm := &scriptLLM{responses: []string{
		`{"facts": [
			{"text": "User works at Google", "type": "fact", "confidence": 0.9},
			{"text": "User lives in Berlin", "type": "fact", "confidence": 0.85},
			{"text": "User prefers dark mode", "type": "preference", "confidence": 0.8}
		]}`,
		`{"decisions": [
			{"fact_index": 2, "action": "ADD"},
			{"fact_index": 0, "action": "ADD"},
			{"fact_index": 1, "action": "ADD"}
		]}`,
	}}

	consolidator := newTestConsolidator(llm, newStubEmbedder(), newMemStore(), 50)
	result, err := consolidator.Consolidate(context.Background(), "u1", "conv7", []memory.Turn{
		{Role: "user", Content: "I work at Google, live in Berlin, and prefer dark mode"},
	})
	require.NoError(t, err)
	require.Len(t, result.Results, 3)

	for i, r := range result.Results {
		assert.Equal(t, i, r.FactIndex)
	}
	assert.Equal(t, 3, result.StoredCount)
}
