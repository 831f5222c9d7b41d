package calls

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	contractx "github.com/lumora/concierge/bot/contract"
)

type callRow struct {
	bun.BaseModel `bun:"table:voice_calls,alias:vc"`

	ID             string     `bun:"id,pk,type:uuid"`
	ConversationID *string    `bun:"conversation_id,type:uuid"`
	UserPhone      string     `bun:"user_phone"`
	TelephonyID    string     `bun:"telephony_id,nullzero"`
	AgentID        string     `bun:"agent_id,nullzero"`
	Status         string     `bun:"status,notnull"`
	StartedAt      time.Time  `bun:"started_at,notnull"`
	EndedAt        *time.Time `bun:"ended_at"`
	DurationSecs   int        `bun:"duration_secs"`
	RecordingRef   string     `bun:"recording_ref,nullzero"`
	Segments       []Segment  `bun:"segments,type:jsonb,nullzero"`
}

// BunStore persists call records in Postgres.
type BunStore struct {
	db *bun.DB
}

var _ Store = (*BunStore)(nil)

func NewBunStore(db *bun.DB) *BunStore {
	return &BunStore{db: db}
}

func (s *BunStore) Insert(ctx context.Context, call Call) error {
	row := toRow(call)
	if _, err := s.db.NewInsert().Model(&row).Exec(ctx); err != nil {
		return fmt.Errorf("insert voice call: %w", err)
	}
	return nil
}

func (s *BunStore) Update(ctx context.Context, call Call) error {
	row := toRow(call)
	if _, err := s.db.NewUpdate().Model(&row).WherePK().Exec(ctx); err != nil {
		return fmt.Errorf("update voice call: %w", err)
	}
	return nil
}

func (s *BunStore) FindByEitherID(ctx context.Context, telephonyID, agentID string) (Call, error) {
	if telephonyID == "" && agentID == "" {
		return Call{}, fmt.Errorf("%w: no identifier to resolve", contractx.ErrValidation)
	}

	var row callRow
	q := s.db.NewSelect().Model(&row)
	switch {
	case telephonyID != "" && agentID != "":
		q = q.Where("telephony_id = ? OR agent_id = ?", telephonyID, agentID)
	case telephonyID != "":
		q = q.Where("telephony_id = ?", telephonyID)
	default:
		q = q.Where("agent_id = ?", agentID)
	}

	if err := q.Limit(1).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Call{}, contractx.ErrReconciliationMiss
		}
		return Call{}, fmt.Errorf("select voice call: %w", err)
	}
	return fromRow(row)
}

func toRow(call Call) callRow {
	row := callRow{
		ID:           call.ID.String(),
		UserPhone:    call.UserPhone,
		TelephonyID:  call.TelephonyID,
		AgentID:      call.AgentID,
		Status:       string(call.Status),
		StartedAt:    call.StartedAt,
		EndedAt:      call.EndedAt,
		DurationSecs: call.DurationSecs,
		RecordingRef: call.RecordingRef,
		Segments:     call.Segments,
	}
	if call.ConversationID != nil {
		convID := call.ConversationID.String()
		row.ConversationID = &convID
	}
	return row
}

func fromRow(row callRow) (Call, error) {
	id, err := uuid.Parse(row.ID)
	if err != nil {
		return Call{}, fmt.Errorf("parse call id %q: %w", row.ID, err)
	}
	call := Call{
		ID:           id,
		UserPhone:    row.UserPhone,
		TelephonyID:  row.TelephonyID,
		AgentID:      row.AgentID,
		Status:       Status(row.Status),
		StartedAt:    row.StartedAt,
		EndedAt:      row.EndedAt,
		DurationSecs: row.DurationSecs,
		RecordingRef: row.RecordingRef,
		Segments:     row.Segments,
	}
	if row.ConversationID != nil {
		convID, err := uuid.Parse(*row.ConversationID)
		if err != nil {
			return Call{}, fmt.Errorf("parse conversation id %q: %w", *row.ConversationID, err)
		}
		call.ConversationID = &convID
	}
	return call, nil
}

// ListCalls returns call records newest first for the dashboard.
func (s *BunStore) ListCalls(ctx context.Context, limit, offset int) ([]Call, error) {
	var rows []callRow
	err := s.db.NewSelect().
		Model(&rows).
		Order("started_at DESC").
		Limit(limit).
		Offset(offset).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list voice calls: %w", err)
	}

	out := make([]Call, 0, len(rows))
	for _, row := range rows {
		call, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, call)
	}
	return out, nil
}

// MemoryStore keeps call records in process for tests and local runs.
type MemoryStore struct {
	mu    sync.RWMutex
	calls map[uuid.UUID]Call
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{calls: make(map[uuid.UUID]Call)}
}

func (s *MemoryStore) Insert(_ context.Context, call Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[call.ID]; ok {
		return fmt.Errorf("call %s already exists", call.ID)
	}
	s.calls[call.ID] = cloneCall(call)
	return nil
}

func (s *MemoryStore) Update(_ context.Context, call Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[call.ID]; !ok {
		return contractx.ErrReconciliationMiss
	}
	s.calls[call.ID] = cloneCall(call)
	return nil
}

func (s *MemoryStore) FindByEitherID(_ context.Context, telephonyID, agentID string) (Call, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, call := range s.calls {
		if telephonyID != "" && call.TelephonyID == telephonyID {
			return cloneCall(call), nil
		}
		if agentID != "" && call.AgentID == agentID {
			return cloneCall(call), nil
		}
	}
	return Call{}, contractx.ErrReconciliationMiss
}

// ListCalls returns call records newest first for the dashboard.
func (s *MemoryStore) ListCalls(_ context.Context, limit, offset int) ([]Call, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Call, 0, len(s.calls))
	for _, call := range s.calls {
		out = append(out, cloneCall(call))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })

	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneCall(call Call) Call {
	out := call
	out.Segments = append([]Segment(nil), call.Segments...)
	if call.EndedAt != nil {
		ended := *call.EndedAt
		out.EndedAt = &ended
	}
	if call.ConversationID != nil {
		convID := *call.ConversationID
		out.ConversationID = &convID
	}
	return out
}
