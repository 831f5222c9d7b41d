package knowledge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type entryRow struct {
	bun.BaseModel `bun:"table:faq_entries,alias:fe"`

	ID        string    `bun:"id,pk,type:uuid"`
	Question  string    `bun:"question,notnull"`
	Answer    string    `bun:"answer,notnull"`
	Category  string    `bun:"category,nullzero"`
	Embedding []float32 `bun:"embedding,type:jsonb,nullzero"`
	IndexedAt time.Time `bun:"indexed_at,notnull"`
}

// BunStore persists FAQ entries in Postgres.
type BunStore struct {
	db *bun.DB
}

var _ EntryStore = (*BunStore)(nil)

func NewBunStore(db *bun.DB) *BunStore {
	return &BunStore{db: db}
}

func (s *BunStore) List(ctx context.Context) ([]Entry, error) {
	var rows []entryRow
	if err := s.db.NewSelect().Model(&rows).Order("indexed_at ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("select faq entries: %w", err)
	}

	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		id, err := uuid.Parse(row.ID)
		if err != nil {
			return nil, fmt.Errorf("parse faq entry id %q: %w", row.ID, err)
		}
		entries = append(entries, Entry{
			ID:        id,
			Question:  row.Question,
			Answer:    row.Answer,
			Category:  row.Category,
			Embedding: row.Embedding,
			IndexedAt: row.IndexedAt,
		})
	}
	return entries, nil
}

func (s *BunStore) Upsert(ctx context.Context, entry Entry) error {
	row := entryRow{
		ID:        entry.ID.String(),
		Question:  entry.Question,
		Answer:    entry.Answer,
		Category:  entry.Category,
		Embedding: entry.Embedding,
		IndexedAt: entry.IndexedAt,
	}
	_, err := s.db.NewInsert().
		Model(&row).
		On("CONFLICT (id) DO UPDATE").
		Set("question = EXCLUDED.question").
		Set("answer = EXCLUDED.answer").
		Set("category = EXCLUDED.category").
		Set("embedding = EXCLUDED.embedding").
		Set("indexed_at = EXCLUDED.indexed_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("upsert faq entry: %w", err)
	}
	return nil
}

// MemoryEntryStore keeps the corpus in process for tests and local runs.
type MemoryEntryStore struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]Entry
}

var _ EntryStore = (*MemoryEntryStore)(nil)

func NewMemoryEntryStore() *MemoryEntryStore {
	return &MemoryEntryStore{entries: make(map[uuid.UUID]Entry)}
}

func (s *MemoryEntryStore) List(_ context.Context) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.entries))
	for _, entry := range s.entries {
		out = append(out, entry)
	}
	return out, nil
}

func (s *MemoryEntryStore) Upsert(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.ID] = entry
	return nil
}
