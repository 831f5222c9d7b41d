// Package knowledge answers product and policy questions from an indexed FAQ
// corpus. Entries live in Postgres; similarity search runs over an in-memory
// vector index rebuilt from the store at startup.
package knowledge

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	contractx "github.com/lumora/concierge/bot/contract"
)

// ScoreThreshold is the minimum cosine similarity an entry needs to count as
// relevant. Below it, the corpus has no answer.
const ScoreThreshold = 0.5

// Entry is one indexed FAQ item. Category is an optional tag used to narrow
// searches.
type Entry struct {
	ID        uuid.UUID
	Question  string
	Answer    string
	Category  string
	Embedding []float32
	IndexedAt time.Time
}

// Result pairs an entry with its similarity to the query.
type Result struct {
	Entry Entry
	Score float64
}

// EntryStore is the persistence boundary for the FAQ corpus.
type EntryStore interface {
	List(ctx context.Context) ([]Entry, error)
	Upsert(ctx context.Context, entry Entry) error
}

// Index serves similarity search over the corpus. Reads take a shared lock;
// Reload swaps the whole slice under the write lock.
type Index struct {
	mu       sync.RWMutex
	entries  []Entry
	embedder Embedder
}

func NewIndex(embedder Embedder) *Index {
	return &Index{embedder: embedder}
}

// Reload replaces the in-memory corpus with the store's current contents.
func (idx *Index) Reload(ctx context.Context, store EntryStore) error {
	entries, err := store.List(ctx)
	if err != nil {
		return fmt.Errorf("load knowledge entries: %w", err)
	}

	idx.mu.Lock()
	idx.entries = entries
	idx.mu.Unlock()

	log.Info().Int("entries", len(entries)).Msg("knowledge index reloaded")
	return nil
}

// IndexEntry computes a fresh embedding for the entry, persists it, and
// replaces any prior chunk for the same source in the live index.
func (idx *Index) IndexEntry(ctx context.Context, store EntryStore, entry Entry) error {
	vector, err := idx.embedder.Embed(ctx, entry.Question+"\n"+entry.Answer)
	if err != nil {
		return fmt.Errorf("embed knowledge entry: %w", err)
	}

	entry.Embedding = vector
	entry.IndexedAt = time.Now().UTC()

	if store != nil {
		if err := store.Upsert(ctx, entry); err != nil {
			return fmt.Errorf("persist knowledge entry: %w", err)
		}
	}
	idx.Put(entry)
	return nil
}

// Put adds or replaces one entry in the live index.
func (idx *Index) Put(entry Entry) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for i, existing := range idx.entries {
		if existing.ID == entry.ID {
			idx.entries[i] = entry
			return
		}
	}
	idx.entries = append(idx.entries, entry)
}

// Len reports the number of indexed entries.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// Search returns up to limit entries scoring at or above the relevance
// threshold, best first. Ties prefer the most recently indexed entry. When
// the embedder is unavailable the index degrades to lexical matching rather
// than failing the whole exchange; degraded reports that fallback.
func (idx *Index) Search(ctx context.Context, query, category string, limit int) (results []Result, degraded bool, err error) {
	if strings.TrimSpace(query) == "" {
		return nil, false, fmt.Errorf("%w: query is empty", contractx.ErrValidation)
	}
	if limit <= 0 {
		limit = 5
	}

	vector, err := idx.embedder.Embed(ctx, query)
	if err != nil {
		log.Warn().Err(err).Msg("embedder unavailable, falling back to lexical search")
		return idx.lexicalSearch(query, category, limit), true, nil
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	for _, entry := range idx.entries {
		if category != "" && !strings.EqualFold(entry.Category, category) {
			continue
		}
		score := cosine(vector, entry.Embedding)
		if score >= ScoreThreshold {
			results = append(results, Result{Entry: entry, Score: score})
		}
	}
	sortResults(results)
	if len(results) > limit {
		results = results[:limit]
	}
	return results, false, nil
}

func sortResults(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Entry.IndexedAt.After(results[j].Entry.IndexedAt)
	})
}

// lexicalSearch is the degraded path: substring containment between the
// query terms and the entry question.
func (idx *Index) lexicalSearch(query, category string, limit int) []Result {
	terms := strings.Fields(strings.ToLower(query))

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var results []Result
	for _, entry := range idx.entries {
		if category != "" && !strings.EqualFold(entry.Category, category) {
			continue
		}
		question := strings.ToLower(entry.Question)
		matched := 0
		for _, term := range terms {
			if strings.Contains(question, term) {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		results = append(results, Result{
			Entry: entry,
			Score: float64(matched) / float64(len(terms)),
		})
	}
	sortResults(results)
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
