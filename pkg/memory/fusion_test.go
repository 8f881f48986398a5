package memory_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortex-mem/cortex-go/pkg/memory"
	"github.com/cortex-mem/cortex-go/pkg/storage"
)

func mem(id int64, text string) *storage.Memory {
	return &storage.Memory{ID: id, Text: text, Status: storage.StatusActive}
}

func TestReciprocalRankFusionBothListsWins(t *testing.T) {
	a, b, c := mem(1, "a"), mem(2, "b"), mem(3, "c")

	fused := memory.ReciprocalRankFusion(
		[]*storage.Memory{a, b},
		[]*storage.Memory{b, c},
	)
	require.Len(t, fused, 3)

	// b appears in both lists, so it outranks a despite a leading the
	// vector list.
	assert.Equal(t, int64(2), fused[0].ID)
	assert.Equal(t, int64(1), fused[1].ID)
	assert.Equal(t, int64(3), fused[2].ID)

	assert.InDelta(t, 1.0/62+1.0/61, fused[0].RRFScore, 1e-9)
	assert.InDelta(t, 1.0/61, fused[1].RRFScore, 1e-9)
	assert.InDelta(t, 1.0/62, fused[2].RRFScore, 1e-9)
}

func TestReciprocalRankFusionSources(t *testing.T) {
	a, b, c := mem(1, "a"), mem(2, "b"), mem(3, "c")

	fused := memory.ReciprocalRankFusion(
		[]*storage.Memory{a, b},
		[]*storage.Memory{b, c},
	)

	bySources := make(map[int64][]string)
	for _, item := range fused {
		bySources[item.ID] = item.Sources
	}
	assert.Equal(t, []string{"vector"}, bySources[1])
	assert.Equal(t, []string{"vector", "keyword"}, bySources[2])
	assert.Equal(t, []string{"keyword"}, bySources[3])
}

func TestReciprocalRankFusionEmpty(t *testing.T) {
	assert.Empty(t, memory.ReciprocalRankFusion(nil, nil))
}

func TestReciprocalRankFusionSingleList(t *testing.T) {
	fused := memory.ReciprocalRankFusion(
		[]*storage.Memory{mem(1, "a"), mem(2, "b"), mem(3, "c")},
		nil,
	)
	require.Len(t, fused, 3)

	// Order within one list is preserved.
	for i, want := range []int64{1, 2, 3} {
		assert.Equal(t, want, fused[i].ID)
	}
}
