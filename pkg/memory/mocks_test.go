package memory_test

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cortex-mem/cortex-go/pkg/llm"
	"github.com/cortex-mem/cortex-go/pkg/rerank"
	"github.com/cortex-mem/cortex-go/pkg/storage"
)

// scriptLLM replays canned responses in order and records the messages it
// was called with.
type scriptLLM struct {
	mu        sync.Mutex
	responses []string
	err       error
	calls     [][]llm.Message
}

func (s *scriptLLM) Generate(ctx context.Context, prompt string, opts ...llm.GenerateOption) (string, error) {
	return s.GenerateWithMessages(ctx, []llm.Message{{Role: "user", Content: prompt}}, opts...)
}

func (s *scriptLLM) GenerateWithMessages(_ context.Context, messages []llm.Message, _ ...llm.GenerateOption) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, messages)
	if s.err != nil {
		return "", s.err
	}
	if len(s.responses) == 0 {
		return "", fmt.Errorf("script exhausted after %d calls", len(s.calls))
	}
	response := s.responses[0]
	s.responses = s.responses[1:]
	return response, nil
}

func (s *scriptLLM) Close() error { return nil }

func (s *scriptLLM) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *scriptLLM) userMessage(call int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.calls[call] {
		if m.Role == "user" {
			return m.Content
		}
	}
	return ""
}

// stubEmbedder returns preset vectors per exact text and a constant fallback
// for everything else.
type stubEmbedder struct {
	vectors  map[string][]float64
	fallback []float64
	err      error
}

func newStubEmbedder() *stubEmbedder {
	return &stubEmbedder{
		vectors:  make(map[string][]float64),
		fallback: []float64{0, 0, 1},
	}
}

func (e *stubEmbedder) set(text string, vec []float64) {
	e.vectors[text] = vec
}

func (e *stubEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	if e.err != nil {
		return nil, e.err
	}
	if vec, ok := e.vectors[text]; ok {
		return vec, nil
	}
	return e.fallback, nil
}

func (e *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, t := range texts {
		vec, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (e *stubEmbedder) Dimensions() int { return 3 }
func (e *stubEmbedder) Close() error    { return nil }

// seqIDs hands out sequential ids starting at base.
type seqIDs struct {
	mu   sync.Mutex
	next int64
}

func newSeqIDs(base int64) *seqIDs { return &seqIDs{next: base} }

func (s *seqIDs) Generate() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	return id
}

// memStore is an in-memory storage.Store for pipeline tests.
type memStore struct {
	mu        sync.Mutex
	memories  map[int64]*storage.Memory
	history   []*storage.HistoryEntry
	nextHist1 int64
}

func newMemStore() *memStore {
	return &memStore{
		memories:  make(map[int64]*storage.Memory),
		nextHist1: 1,
	}
}

// seed inserts a memory directly, bypassing history, as if it existed before
// the test began.
func (m *memStore) seed(mem *storage.Memory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mem.Status == "" {
		mem.Status = storage.StatusActive
	}
	if mem.CreatedAt.IsZero() {
		mem.CreatedAt = time.Now()
	}
	m.memories[mem.ID] = mem
}

func (m *memStore) Insert(_ context.Context, mem *storage.Memory) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := *mem
	now := time.Now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	m.memories[stored.ID] = &stored
	return nil
}

func (m *memStore) Get(_ context.Context, id int64, userID string) (*storage.Memory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookup(id, userID)
}

func (m *memStore) lookup(id int64, userID string) (*storage.Memory, error) {
	mem, ok := m.memories[id]
	if !ok || mem.UserID != userID {
		return nil, storage.ErrNotFound
	}
	copied := *mem
	return &copied, nil
}

func (m *memStore) UpdateText(_ context.Context, id int64, userID string, upd *storage.TextUpdate) (*storage.Memory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mem, ok := m.memories[id]
	if !ok || mem.UserID != userID {
		return nil, storage.ErrNotFound
	}
	mem.Text = upd.Text
	mem.Embedding = upd.Embedding
	mem.Hash = upd.Hash
	if upd.Confidence != nil {
		mem.Confidence = *upd.Confidence
	}
	mem.UpdatedAt = time.Now()
	copied := *mem
	return &copied, nil
}

func (m *memStore) UpdateConfidence(_ context.Context, id int64, userID string, confidence float64) (*storage.Memory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mem, ok := m.memories[id]
	if !ok || mem.UserID != userID {
		return nil, storage.ErrNotFound
	}
	mem.Confidence = confidence
	mem.UpdatedAt = time.Now()
	copied := *mem
	return &copied, nil
}

func (m *memStore) MarkOutdated(_ context.Context, id int64, userID string, replacedBy int64) (*storage.Memory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mem, ok := m.memories[id]
	if !ok || mem.UserID != userID {
		return nil, storage.ErrNotFound
	}
	mem.Status = storage.StatusOutdated
	mem.ReplacedBy = &replacedBy
	mem.UpdatedAt = time.Now()
	copied := *mem
	return &copied, nil
}

func (m *memStore) Archive(_ context.Context, id int64, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mem, ok := m.memories[id]
	if !ok || mem.UserID != userID {
		return storage.ErrNotFound
	}
	mem.Status = storage.StatusArchived
	mem.UpdatedAt = time.Now()
	return nil
}

func (m *memStore) TouchAccess(_ context.Context, id int64, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mem, ok := m.memories[id]
	if !ok || mem.UserID != userID {
		return storage.ErrNotFound
	}
	mem.AccessCount++
	mem.LastAccessedAt = &at
	return nil
}

func (m *memStore) SearchVector(_ context.Context, embedding []float64, opts *storage.SearchOptions) ([]*storage.Memory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var results []*storage.Memory
	for _, mem := range m.memories {
		if mem.UserID != opts.UserID || mem.Status != storage.StatusActive {
			continue
		}
		sim := cosine(embedding, mem.Embedding)
		if sim < opts.Threshold {
			continue
		}
		copied := *mem
		copied.Similarity = sim
		results = append(results, &copied)
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if opts.Limit > 0 && len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

func (m *memStore) SearchKeyword(_ context.Context, query string, opts *storage.SearchOptions) ([]*storage.Memory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	terms := strings.Fields(strings.ToLower(query))
	type hit struct {
		mem   *storage.Memory
		count int
	}
	var hits []hit
	for _, mem := range m.memories {
		if mem.UserID != opts.UserID || mem.Status != storage.StatusActive {
			continue
		}
		text := strings.ToLower(mem.Text)
		count := 0
		for _, term := range terms {
			if strings.Contains(text, term) {
				count++
			}
		}
		if count == 0 {
			continue
		}
		copied := *mem
		hits = append(hits, hit{mem: &copied, count: count})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].count > hits[j].count
	})
	results := make([]*storage.Memory, 0, len(hits))
	for _, h := range hits {
		results = append(results, h.mem)
	}
	if opts.Limit > 0 && len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

func (m *memStore) List(_ context.Context, userID string) ([]*storage.Memory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var results []*storage.Memory
	for _, mem := range m.memories {
		if mem.UserID != userID || mem.Status != storage.StatusActive {
			continue
		}
		copied := *mem
		results = append(results, &copied)
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})
	return results, nil
}

func (m *memStore) CountActive(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, mem := range m.memories {
		if mem.UserID == userID && mem.Status == storage.StatusActive {
			count++
		}
	}
	return count, nil
}

func (m *memStore) CountByType(_ context.Context, userID string) (map[storage.MemoryType]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[storage.MemoryType]int)
	for _, mem := range m.memories {
		if mem.UserID == userID && mem.Status == storage.StatusActive {
			counts[mem.Type]++
		}
	}
	return counts, nil
}

func (m *memStore) AppendHistory(_ context.Context, entry *storage.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := *entry
	stored.ID = m.nextHist1
	m.nextHist1++
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	m.history = append(m.history, &stored)
	return nil
}

func (m *memStore) History(_ context.Context, memoryID int64) ([]*storage.HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var entries []*storage.HistoryEntry
	for _, e := range m.history {
		if e.MemoryID == memoryID {
			copied := *e
			entries = append(entries, &copied)
		}
	}
	return entries, nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) get(id int64) *storage.Memory {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem, ok := m.memories[id]
	if !ok {
		return nil
	}
	copied := *mem
	return &copied
}

func (m *memStore) historyFor(id int64) []*storage.HistoryEntry {
	entries, _ := m.History(context.Background(), id)
	return entries
}

func cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// scriptReranker replays one rerank result set or fails.
type scriptReranker struct {
	results []rerank.Result
	err     error
	calls   int
}

func (r *scriptReranker) Rerank(_ context.Context, _ string, _ []string, _ int) ([]rerank.Result, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	return r.results, nil
}

func (r *scriptReranker) Close() error { return nil }
