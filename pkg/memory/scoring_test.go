package memory_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cortex-mem/cortex-go/pkg/memory"
	"github.com/cortex-mem/cortex-go/pkg/storage"
)

func TestHybridScoreComponents(t *testing.T) {
	now := time.Now()
	m := &storage.Memory{
		Type:        storage.TypePreference,
		CreatedAt:   now,
		AccessCount: 10,
	}

	// 0.50*0.8 + 0.25*1.0 + 0.15*0.8 + 0.10*0.1
	score := memory.HybridScore(m, 0.8, now)
	assert.InDelta(t, 0.78, score, 1e-9)
}

func TestHybridScoreRecencyDecay(t *testing.T) {
	now := time.Now()
	fresh := &storage.Memory{Type: storage.TypeFact, CreatedAt: now}
	aged := &storage.Memory{Type: storage.TypeFact, CreatedAt: now.AddDate(0, 0, -15)}
	stale := &storage.Memory{Type: storage.TypeFact, CreatedAt: now.AddDate(0, 0, -60)}

	assert.Greater(t, memory.HybridScore(fresh, 0.5, now), memory.HybridScore(aged, 0.5, now))
	assert.Greater(t, memory.HybridScore(aged, 0.5, now), memory.HybridScore(stale, 0.5, now))

	// Recency bottoms out at zero past 30 days; 60 and 90 days score alike.
	ancient := &storage.Memory{Type: storage.TypeFact, CreatedAt: now.AddDate(0, 0, -90)}
	assert.InDelta(t, memory.HybridScore(stale, 0.5, now), memory.HybridScore(ancient, 0.5, now), 1e-9)
}

func TestHybridScoreTypeOrdering(t *testing.T) {
	now := time.Now()
	types := []storage.MemoryType{
		storage.TypeIdentity,
		storage.TypePreference,
		storage.TypeFact,
		storage.TypeEvent,
		storage.TypeContext,
	}

	prev := 2.0
	for _, typ := range types {
		score := memory.HybridScore(&storage.Memory{Type: typ, CreatedAt: now}, 0.5, now)
		assert.Less(t, score, prev, "type %s should score below the previous type", typ)
		prev = score
	}
}

func TestHybridScoreUnknownTypeMidWeight(t *testing.T) {
	now := time.Now()
	unknown := memory.HybridScore(&storage.Memory{Type: "mystery", CreatedAt: now}, 0.5, now)
	fact := memory.HybridScore(&storage.Memory{Type: storage.TypeFact, CreatedAt: now}, 0.5, now)
	event := memory.HybridScore(&storage.Memory{Type: storage.TypeEvent, CreatedAt: now}, 0.5, now)

	assert.Less(t, unknown, fact)
	assert.Greater(t, unknown, event)
}

func TestHybridScoreAccessSaturates(t *testing.T) {
	now := time.Now()
	atCap := &storage.Memory{Type: storage.TypeFact, CreatedAt: now, AccessCount: 100}
	beyond := &storage.Memory{Type: storage.TypeFact, CreatedAt: now, AccessCount: 2500}

	assert.InDelta(t,
		memory.HybridScore(atCap, 0.5, now),
		memory.HybridScore(beyond, 0.5, now),
		1e-9)
}
