package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/cortex-mem/cortex-go/pkg/llm"
	"github.com/cortex-mem/cortex-go/pkg/storage"
)

// Turn is one conversation turn handed to the extractor.
type Turn struct {
	// Role is "user" or "assistant".
	Role string `json:"role"`

	// Content is the turn's text.
	Content string `json:"content"`
}

// FactExtractor extracts atomic facts from a conversation using an LLM.
//
// Only user-authored content is evidentiary; assistant turns are context and
// never become facts themselves (the extraction prompt enforces this).
// Compound statements are split into separate facts, each independently typed
// and confidence-scored.
type FactExtractor struct {
	llm llm.Provider
}

// NewFactExtractor creates a new fact extractor.
func NewFactExtractor(provider llm.Provider) *FactExtractor {
	return &FactExtractor{llm: provider}
}

// Extract extracts facts from the conversation.
//
// The extraction process:
//  1. Formats turns as "ROLE: content" lines
//  2. Calls the LLM with the extraction prompt in JSON mode
//  3. Parses the {"facts": [...]} response
//
// Malformed or non-JSON LLM output degrades gracefully to an empty fact list
// rather than failing the caller; an LLM transport error is returned as-is.
func (e *FactExtractor) Extract(ctx context.Context, turns []Turn) ([]Fact, error) {
	if len(turns) == 0 {
		return nil, nil
	}

	var sb strings.Builder
	for _, turn := range turns {
		fmt.Fprintf(&sb, "%s: %s\n", strings.ToUpper(turn.Role), turn.Content)
	}

	messages := []llm.Message{
		{Role: "system", Content: extractionPrompt},
		{Role: "user", Content: "Conversation:\n" + sb.String()},
	}

	response, err := e.llm.GenerateWithMessages(ctx, messages, llm.WithJSONResponse())
	if err != nil {
		return nil, fmt.Errorf("extract facts: %w", err)
	}

	return parseFactsResponse(response), nil
}

// parseFactsResponse parses the LLM response, returning an empty list on any
// malformed output ("nothing learned this turn").
func parseFactsResponse(response string) []Fact {
	response = stripCodeFences(response)

	var result struct {
		Facts []struct {
			Text       string   `json:"text"`
			Type       string   `json:"type"`
			Confidence float64  `json:"confidence"`
			Category   string   `json:"category"`
			Source     string   `json:"source"`
			Entities   []string `json:"entities"`
		} `json:"facts"`
	}
	if err := json.Unmarshal([]byte(response), &result); err != nil {
		log.Printf("extractor: discarding malformed response: %v", err)
		return nil
	}

	facts := make([]Fact, 0, len(result.Facts))
	for _, f := range result.Facts {
		if f.Text == "" {
			continue
		}
		facts = append(facts, Fact{
			Text:       f.Text,
			Type:       normalizeType(f.Type),
			Confidence: clampConfidence(f.Confidence),
			Category:   f.Category,
			Source:     f.Source,
			Entities:   f.Entities,
		})
	}

	return facts
}

// normalizeType maps the LLM's type string onto a known memory type,
// defaulting to fact.
func normalizeType(t string) storage.MemoryType {
	switch storage.MemoryType(strings.ToLower(strings.TrimSpace(t))) {
	case storage.TypeIdentity:
		return storage.TypeIdentity
	case storage.TypePreference:
		return storage.TypePreference
	case storage.TypeEvent:
		return storage.TypeEvent
	case storage.TypeContext:
		return storage.TypeContext
	default:
		return storage.TypeFact
	}
}

// clampConfidence bounds a confidence value to [0,1], defaulting to 0.8 when
// the model omitted it.
func clampConfidence(c float64) float64 {
	if c == 0 {
		return 0.8
	}
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// stripCodeFences removes markdown code fences some models wrap JSON in.
func stripCodeFences(response string) string {
	response = strings.ReplaceAll(response, "```json", "")
	response = strings.ReplaceAll(response, "```", "")
	return strings.TrimSpace(response)
}
