package knowledge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedEmbedder maps known inputs to canned vectors.
type fixedEmbedder struct {
	vectors map[string][]float32
	err     error
}

func (f *fixedEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	v, ok := f.vectors[text]
	if !ok {
		return []float32{0, 0, 1}, nil
	}
	return v, nil
}

func entryAt(question, answer string, embedding []float32, indexedAt time.Time) Entry {
	return Entry{
		ID:        uuid.New(),
		Question:  question,
		Answer:    answer,
		Embedding: embedding,
		IndexedAt: indexedAt,
	}
}

func TestSearchFiltersByThreshold(t *testing.T) {
	t.Parallel()

	embedder := &fixedEmbedder{vectors: map[string][]float32{
		"returns": {1, 0, 0},
	}}
	idx := NewIndex(embedder)

	now := time.Now()
	// Cosine against {1,0,0}: the first scores about 0.99, the second 0.41.
	idx.Put(entryAt("how do returns work", "within 14 days", []float32{0.9, 0.1, 0}, now))
	idx.Put(entryAt("shipping times", "3 to 5 days", []float32{0.4, 0.9, 0}, now))

	results, degraded, err := idx.Search(context.Background(), "returns", "", 5)
	require.NoError(t, err)
	assert.False(t, degraded)
	require.Len(t, results, 1)
	assert.Equal(t, "how do returns work", results[0].Entry.Question)
	assert.GreaterOrEqual(t, results[0].Score, ScoreThreshold)
}

func TestSearchEmptyResultIsNotAnError(t *testing.T) {
	t.Parallel()

	embedder := &fixedEmbedder{vectors: map[string][]float32{
		"unrelated": {0, 1, 0},
	}}
	idx := NewIndex(embedder)
	idx.Put(entryAt("returns", "within 14 days", []float32{1, 0, 0}, time.Now()))

	results, degraded, err := idx.Search(context.Background(), "unrelated", "", 5)
	require.NoError(t, err)
	assert.False(t, degraded)
	assert.Empty(t, results)
}

func TestSearchTiesPreferNewest(t *testing.T) {
	t.Parallel()

	embedder := &fixedEmbedder{vectors: map[string][]float32{
		"policy": {1, 0, 0},
	}}
	idx := NewIndex(embedder)

	idx.Put(entryAt("old policy", "old answer", []float32{1, 0, 0}, time.Now().Add(-time.Hour)))
	idx.Put(entryAt("new policy", "new answer", []float32{1, 0, 0}, time.Now()))

	results, _, err := idx.Search(context.Background(), "policy", "", 5)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "new policy", results[0].Entry.Question)
}

func TestSearchFiltersByCategory(t *testing.T) {
	t.Parallel()

	embedder := &fixedEmbedder{vectors: map[string][]float32{
		"policy": {1, 0, 0},
	}}
	idx := NewIndex(embedder)

	shipping := entryAt("shipping policy", "3 to 5 days", []float32{1, 0, 0}, time.Now())
	shipping.Category = "shipping"
	returns := entryAt("returns policy", "within 14 days", []float32{1, 0, 0}, time.Now())
	returns.Category = "returns"
	idx.Put(shipping)
	idx.Put(returns)

	results, _, err := idx.Search(context.Background(), "policy", "returns", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "returns policy", results[0].Entry.Question)
}

func TestSearchRespectsLimit(t *testing.T) {
	t.Parallel()

	embedder := &fixedEmbedder{vectors: map[string][]float32{
		"q": {1, 0, 0},
	}}
	idx := NewIndex(embedder)
	for i := 0; i < 8; i++ {
		idx.Put(entryAt("question", "answer", []float32{1, 0, 0}, time.Now()))
	}

	results, _, err := idx.Search(context.Background(), "q", "", 3)
	require.NoError(t, err)
	assert.Len(t, results, 3)
}

func TestSearchDegradesToLexical(t *testing.T) {
	t.Parallel()

	embedder := &fixedEmbedder{err: errors.New("embedder down")}
	idx := NewIndex(embedder)
	idx.Put(entryAt("what is the refund policy", "30 days", nil, time.Now()))
	idx.Put(entryAt("store opening hours", "9 to 5", nil, time.Now()))

	results, degraded, err := idx.Search(context.Background(), "refund policy", "", 5)
	require.NoError(t, err)
	assert.True(t, degraded)
	require.Len(t, results, 1)
	assert.Equal(t, "what is the refund policy", results[0].Entry.Question)
}

func TestIndexEntryReplacesPriorChunk(t *testing.T) {
	t.Parallel()

	embedder := &fixedEmbedder{vectors: map[string][]float32{}}
	store := NewMemoryEntryStore()
	idx := NewIndex(embedder)

	entry := Entry{ID: uuid.New(), Question: "how long is shipping", Answer: "5 days"}
	require.NoError(t, idx.IndexEntry(context.Background(), store, entry))
	assert.Equal(t, 1, idx.Len())

	entry.Answer = "2 days"
	require.NoError(t, idx.IndexEntry(context.Background(), store, entry))
	assert.Equal(t, 1, idx.Len(), "reindexing a source must not accumulate stale chunks")

	listed, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "2 days", listed[0].Answer)
}

func TestReloadSwapsCorpus(t *testing.T) {
	t.Parallel()

	store := NewMemoryEntryStore()
	require.NoError(t, store.Upsert(context.Background(), entryAt("q1", "a1", []float32{1, 0, 0}, time.Now())))
	require.NoError(t, store.Upsert(context.Background(), entryAt("q2", "a2", []float32{0, 1, 0}, time.Now())))

	idx := NewIndex(&fixedEmbedder{})
	require.NoError(t, idx.Reload(context.Background(), store))
	assert.Equal(t, 2, idx.Len())
}

func TestCosine(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 1.0, cosine([]float32{1, 0}, []float32{1, 0}), 1e-9)
	assert.InDelta(t, 0.0, cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Zero(t, cosine([]float32{1, 0}, []float32{1, 0, 0}), "dimension mismatch scores zero")
	assert.Zero(t, cosine(nil, nil))
}
