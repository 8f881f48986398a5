package memory

import (
	"fmt"
	"strings"
)

// extractionPrompt instructs the LLM to turn a conversation into atomic,
// typed, confidence-scored facts about the user.
const extractionPrompt = `You are a memory extraction system. Analyze the conversation and extract facts worth remembering about the user.

For each fact, provide:
- text: The fact in third-person ("User likes...", "User works at...")
- type: One of [identity, fact, preference, event, context]
- confidence: 0.0 to 1.0 (how certain?)
- category: What category? (location, employment, skill, food, hobby, health, etc.)
- source: Quote the exact text this was extracted from
- entities: List of named entities (people, companies, places, technologies)

TYPES explained:
- identity: Core identity ("User is a doctor", "User is vegetarian")
- fact: Verifiable info ("Works at Google", "Lives in Berlin")
- preference: Likes/dislikes ("Prefers dark mode", "Hates meetings")
- event: One-time occurrence ("Started new job", "Learned React yesterday")
- context: Temporary/situational ("Working on auth bug", "Preparing for interview")

RULES:
1. Extract from USER messages only, ignore assistant messages
2. Split compound facts into separate items
3. Rephrase as third-person ("User..." not "I...")
4. Return empty array if nothing worth extracting

Return valid JSON only:
{
    "facts": [
        {
            "text": "User works at Google",
            "type": "fact",
            "confidence": 0.9,
            "category": "employment",
            "source": "I just started at Google",
            "entities": ["Google"]
        }
    ]
}`

// decisionPrompt instructs the LLM to reconcile new facts against existing
// memories. Candidate memories are addressed only by ephemeral references;
// durable ids never reach the model.
const decisionPrompt = `You are a memory management system. Given new facts and existing memories, decide what action to take.

ACTIONS:
- ADD: New information, not in existing memories
- UPDATE: More detailed/recent version of existing memory (provide target_id)
- DELETE: Hard contradiction - old memory is factually wrong (provide target_id)
- CONFLICT: Soft contradiction - both could be true, lower old memory's confidence (provide target_id, new_confidence)
- NONE: Already exists with same meaning (duplicate, skip it)

CONFLICT vs DELETE:
- DELETE = HARD contradiction (old fact is WRONG):
  - "Lives in NYC" -> "Lives in Berlin" = DELETE (can't live in two places)
  - "Works at Google" -> "Works at Meta" = DELETE (changed jobs)

- CONFLICT = SOFT contradiction (both could be true):
  - "User is vegetarian" + "User ate steak" = CONFLICT (exception doesn't change identity)
  - "User prefers dark mode" + "User used light mode" = CONFLICT (temporary choice)
  - "User hates meetings" + "User enjoyed standup" = CONFLICT (exception)

CONFLICT RULES:
1. identity + event = CONFLICT (lower confidence by 0.1-0.2)
2. preference + event = CONFLICT (lower confidence by 0.1-0.2)
3. Same type + same category = usually DELETE

For CONFLICT, set new_confidence to current confidence minus 0.1-0.2 (minimum 0.3).

Return valid JSON:
{
    "decisions": [
        {
            "fact_index": 0,
            "action": "ADD",
            "target_id": null,
            "new_confidence": null,
            "reasoning": "New information"
        }
    ]
}`

// chatSystemPrompt frames the retrieval-augmented chat response. The
// %s placeholder receives the formatted memories context block.
const chatSystemPrompt = `You are Cortex, a helpful AI assistant with access to the user's personal memories and context.

You have been provided with relevant memories about the user below. Use this context naturally in your responses when appropriate - don't explicitly mention "your memories say" unless asked about what you know.

%s

GUIDELINES:
1. Be conversational and helpful
2. Reference known context naturally (e.g., "Since you work at Google..." not "According to my memories...")
3. If memories conflict, use the one with higher confidence or ask for clarification
4. If you don't have relevant context, just answer normally without pretending to know
5. Keep responses concise but helpful`

// BuildChatSystemPrompt renders the chat system prompt with the retrieved
// memories as a context block.
func BuildChatSystemPrompt(memories []*ScoredMemory) string {
	if len(memories) == 0 {
		return fmt.Sprintf(chatSystemPrompt, "No stored memories matched this conversation.")
	}

	var b strings.Builder
	b.WriteString("RELEVANT MEMORIES ABOUT THE USER:\n")
	for _, mem := range memories {
		fmt.Fprintf(&b, "- [%s] %s (confidence: %.2f)\n", mem.Type, mem.Text, mem.Confidence)
	}
	return fmt.Sprintf(chatSystemPrompt, strings.TrimRight(b.String(), "\n"))
}
