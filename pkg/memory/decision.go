package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"

	"github.com/cortex-mem/cortex-go/pkg/llm"
	"github.com/cortex-mem/cortex-go/pkg/storage"
)

// DecisionEngine reconciles a batch of new facts against each fact's
// candidate similar memories, producing one decision per fact.
//
// Durable memory ids are shielded from the LLM: every candidate is addressed
// by a request-scoped ephemeral reference of the form "factIndex_candIndex",
// and references in the response are rewritten back to durable ids through a
// bijective map built fresh for each call. The map is never shared or cached
// across requests.
type DecisionEngine struct {
	llm llm.Provider
}

// NewDecisionEngine creates a new decision engine.
func NewDecisionEngine(provider llm.Provider) *DecisionEngine {
	return &DecisionEngine{llm: provider}
}

// candidateRef is how one existing memory is presented to the classifier:
// ephemeral id plus only the fields needed for judgment.
type candidateRef struct {
	ID         string             `json:"id"`
	Text       string             `json:"text"`
	Type       storage.MemoryType `json:"type,omitempty"`
	Category   string             `json:"category,omitempty"`
	Confidence float64            `json:"confidence"`
}

// factView is how one new fact is presented to the classifier.
type factView struct {
	Text       string             `json:"text"`
	Type       storage.MemoryType `json:"type"`
	Category   string             `json:"category,omitempty"`
	Confidence float64            `json:"confidence"`
}

// rawDecision is the wire shape of one decision in the LLM response. The
// target id arrives as an ephemeral reference string.
type rawDecision struct {
	FactIndex     int      `json:"fact_index"`
	Action        string   `json:"action"`
	TargetID      *string  `json:"target_id"`
	NewConfidence *float64 `json:"new_confidence"`
	Reasoning     string   `json:"reasoning"`
}

// Decide produces one decision per fact.
//
// candidates[i] holds the similar memories found for facts[i]. If the LLM
// response cannot be parsed, the whole batch falls back to one ADD decision
// per fact. A single decision with an unknown ephemeral reference, invalid
// action, or out-of-range fact index is dropped; its siblings survive.
func (d *DecisionEngine) Decide(ctx context.Context, facts []Fact, candidates [][]*storage.Memory) ([]Decision, error) {
	if len(facts) == 0 {
		return nil, nil
	}
	if len(candidates) != len(facts) {
		return nil, fmt.Errorf("decide: %d candidate lists for %d facts", len(candidates), len(facts))
	}

	refs := make(map[string]int64)
	mapped := make([][]candidateRef, len(facts))
	for factIdx, memories := range candidates {
		mapped[factIdx] = make([]candidateRef, 0, len(memories))
		for candIdx, mem := range memories {
			ref := fmt.Sprintf("%d_%d", factIdx, candIdx)
			refs[ref] = mem.ID
			mapped[factIdx] = append(mapped[factIdx], candidateRef{
				ID:         ref,
				Text:       mem.Text,
				Type:       mem.Type,
				Category:   mem.Category,
				Confidence: mem.Confidence,
			})
		}
	}

	views := make([]factView, len(facts))
	for i, f := range facts {
		views[i] = factView{
			Text:       f.Text,
			Type:       f.Type,
			Category:   f.Category,
			Confidence: f.Confidence,
		}
	}

	factsJSON, err := json.MarshalIndent(views, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("decide: %w", err)
	}
	memoriesJSON, err := json.MarshalIndent(mapped, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("decide: %w", err)
	}

	userPrompt := fmt.Sprintf("New Facts:\n%s\n\nExisting Memories (per fact):\n%s\n", factsJSON, memoriesJSON)

	messages := []llm.Message{
		{Role: "system", Content: decisionPrompt},
		{Role: "user", Content: userPrompt},
	}

	response, err := d.llm.GenerateWithMessages(ctx, messages, llm.WithJSONResponse())
	if err != nil {
		return nil, fmt.Errorf("decide: %w", err)
	}

	return d.parseDecisions(response, len(facts), refs), nil
}

// parseDecisions parses the classifier's response and restores durable ids.
// An unparseable response falls back to one ADD per fact.
func (d *DecisionEngine) parseDecisions(response string, factCount int, refs map[string]int64) []Decision {
	response = stripCodeFences(response)

	var result struct {
		Decisions []rawDecision `json:"decisions"`
	}
	if err := json.Unmarshal([]byte(response), &result); err != nil {
		log.Printf("decision: falling back to ADD per fact, malformed response: %v", err)
		return fallbackDecisions(factCount)
	}
	if result.Decisions == nil {
		log.Printf("decision: falling back to ADD per fact, response missing decisions")
		return fallbackDecisions(factCount)
	}

	decisions := make([]Decision, 0, len(result.Decisions))
	for _, raw := range result.Decisions {
		action := DecisionAction(raw.Action)
		if !action.valid() {
			log.Printf("decision: dropping decision with unknown action %q", raw.Action)
			continue
		}
		if raw.FactIndex < 0 || raw.FactIndex >= factCount {
			log.Printf("decision: dropping decision with fact_index %d out of range", raw.FactIndex)
			continue
		}

		decision := Decision{
			FactIndex:     raw.FactIndex,
			Action:        action,
			NewConfidence: raw.NewConfidence,
			Reasoning:     raw.Reasoning,
		}

		if action.RequiresTarget() {
			if raw.TargetID == nil {
				log.Printf("decision: dropping %s decision without target", action)
				continue
			}
			durable, ok := refs[*raw.TargetID]
			if !ok {
				log.Printf("decision: dropping %s decision with unknown reference %q", action, *raw.TargetID)
				continue
			}
			decision.TargetID = durable
		}

		decisions = append(decisions, decision)
	}

	// Results downstream are reported in fact order regardless of the order
	// the classifier emitted decisions in.
	sort.SliceStable(decisions, func(i, j int) bool {
		return decisions[i].FactIndex < decisions[j].FactIndex
	})

	return decisions
}

// fallbackDecisions is the degraded outcome for an unusable classifier
// response: store every fact as new.
func fallbackDecisions(factCount int) []Decision {
	decisions := make([]Decision, factCount)
	for i := range decisions {
		decisions[i] = Decision{
			FactIndex: i,
			Action:    DecisionAdd,
			Reasoning: "Default",
		}
	}
	return decisions
}
