package memory_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortex-mem/cortex-go/pkg/memory"
	"github.com/cortex-mem/cortex-go/pkg/storage"
)

func TestExtractParsesFacts(t *testing.T) {
	llm := &scriptLLM{responses: []string{`{
		"facts": [
			{
				"text": "User works at Google",
				"type": "fact",
				"confidence": 0.9,
				"category": "employment",
				"source": "I just started at Google",
				"entities": ["Google"]
			},
			{
				"text": "User lives in Berlin",
				"type": "fact",
				"confidence": 0.85,
				"category": "location",
				"source": "I just started at Google, moved to Berlin for it",
				"entities": ["Berlin"]
			}
		]
	}`}}

	extractor := memory.NewFactExtractor(llm)
	facts, err := extractor.Extract(context.Background(), []memory.Turn{
		{Role: "user", Content: "I just started at Google, moved to Berlin for it"},
	})
	require.NoError(t, err)
	require.Len(t, facts, 2)

	assert.Equal(t, "User works at Google", facts[0].Text)
	assert.Equal(t, storage.TypeFact, facts[0].Type)
	assert.Equal(t, 0.9, facts[0].Confidence)
	assert.Equal(t, []string{"Google"}, facts[0].Entities)
	assert.Equal(t, "User lives in Berlin", facts[1].Text)
}

func TestExtractFormatsConversation(t *testing.T) {
	llm := &scriptLLM{responses: []string{`{"facts": []}`}}

	extractor := memory.NewFactExtractor(llm)
	_, err := extractor.Extract(context.Background(), []memory.Turn{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi there"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, llm.callCount())

	prompt := llm.userMessage(0)
	assert.Contains(t, prompt, "USER: hello")
	assert.Contains(t, prompt, "ASSISTANT: hi there")
}

func TestExtractStripsCodeFences(t *testing.T) {
	llm := &scriptLLM{responses: []string{
		"```json\n{\"facts\": [{\"text\": \"User is vegetarian\", \"type\": \"identity\", \"confidence\": 0.95}]}\n```",
	}}

	extractor := memory.NewFactExtractor(llm)
	facts, err := extractor.Extract(context.Background(), []memory.Turn{
		{Role: "user", Content: "I'm vegetarian"},
	})
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, storage.TypeIdentity, facts[0].Type)
}

func TestExtractNormalizesTypeAndConfidence(t *testing.T) {
	llm := &scriptLLM{responses: []string{`{
		"facts": [
			{"text": "a", "type": "IDENTITY", "confidence": 1.5},
			{"text": "b", "type": "sentiment", "confidence": 0},
			{"text": "c", "type": "event", "confidence": -0.4},
			{"text": "", "type": "fact", "confidence": 0.9}
		]
	}`}}

	extractor := memory.NewFactExtractor(llm)
	facts, err := extractor.Extract(context.Background(), []memory.Turn{{Role: "user", Content: "x"}})
	require.NoError(t, err)
	require.Len(t, facts, 3, "empty-text facts are dropped")

	assert.Equal(t, storage.TypeIdentity, facts[0].Type)
	assert.Equal(t, 1.0, facts[0].Confidence)

	assert.Equal(t, storage.TypeFact, facts[1].Type, "unknown type defaults to fact")
	assert.Equal(t, 0.8, facts[1].Confidence, "omitted confidence defaults to 0.8")

	assert.Equal(t, 0.0, facts[2].Confidence)
}

func TestExtractMalformedResponse(t *testing.T) {
	llm := &scriptLLM{responses: []string{"not json at all"}}

	extractor := memory.NewFactExtractor(llm)
	facts, err := extractor.Extract(context.Background(), []memory.Turn{{Role: "user", Content: "x"}})
	require.NoError(t, err)
	assert.Empty(t, facts)
}

func TestExtractEmptyConversation(t *testing.T) {
	llm := &scriptLLM{}

	extractor := memory.NewFactExtractor(llm)
	facts, err := extractor.Extract(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, facts)
	assert.Zero(t, llm.callCount())
}

func TestExtractTransportError(t *testing.T) {
	llm := &scriptLLM{err: errors.New("upstream down")}

	extractor := memory.NewFactExtractor(llm)
	_, err := extractor.Extract(context.Background(), []memory.Turn{{Role: "user", Content: "x"}})
	assert.Error(t, err)
}
