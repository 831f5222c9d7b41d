// Package analytics records operational events for the dashboard. Recording
// is best-effort; a failed write never disturbs the conversation path.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	contractx "github.com/lumora/concierge/bot/contract"
)

type Kind string

const (
	KindMessageReceived Kind = "message_received"
	KindReplySent       Kind = "reply_sent"
	KindToolInvoked     Kind = "tool_invoked"
	KindFallbackServed  Kind = "fallback_served"
	KindCallCompleted   Kind = "call_completed"
	KindEscalation      Kind = "escalation"
	KindKnowledgeGap    Kind = "knowledge_gap"
)

// Event is one recorded fact about an exchange.
type Event struct {
	Kind      Kind
	UserPhone string
	Channel   contractx.Channel
	Detail    map[string]any
	At        time.Time
}

// Recorder accepts analytics events.
type Recorder interface {
	Record(ctx context.Context, event Event) error
}

type eventRow struct {
	bun.BaseModel `bun:"table:analytics_events,alias:ae"`

	ID        string         `bun:"id,pk,type:uuid"`
	Kind      string         `bun:"kind,notnull"`
	UserPhone string         `bun:"user_phone,nullzero"`
	Channel   string         `bun:"channel,nullzero"`
	Detail    map[string]any `bun:"detail,type:jsonb,nullzero"`
	At        time.Time      `bun:"at,notnull"`
}

// BunRecorder persists events in Postgres.
type BunRecorder struct {
	db *bun.DB
}

var _ Recorder = (*BunRecorder)(nil)

func NewBunRecorder(db *bun.DB) *BunRecorder {
	return &BunRecorder{db: db}
}

func (r *BunRecorder) Record(ctx context.Context, event Event) error {
	at := event.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	row := eventRow{
		ID:        uuid.NewString(),
		Kind:      string(event.Kind),
		UserPhone: event.UserPhone,
		Channel:   string(event.Channel),
		Detail:    event.Detail,
		At:        at,
	}
	if _, err := r.db.NewInsert().Model(&row).Exec(ctx); err != nil {
		return fmt.Errorf("insert analytics event: %w", err)
	}
	return nil
}

// ListByKind returns recorded events of one kind, newest first, for the
// dashboard's gap reports.
func (r *BunRecorder) ListByKind(ctx context.Context, kind Kind, limit, offset int) ([]Event, error) {
	var rows []eventRow
	err := r.db.NewSelect().
		Model(&rows).
		Where("kind = ?", string(kind)).
		Order("at DESC").
		Limit(limit).
		Offset(offset).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list analytics events: %w", err)
	}

	out := make([]Event, 0, len(rows))
	for _, row := range rows {
		out = append(out, Event{
			Kind:      Kind(row.Kind),
			UserPhone: row.UserPhone,
			Channel:   contractx.Channel(row.Channel),
			Detail:    row.Detail,
			At:        row.At,
		})
	}
	return out, nil
}

// Nop discards events. It serves tests and deployments without a dashboard.
type Nop struct{}

var _ Recorder = Nop{}

func (Nop) Record(context.Context, Event) error { return nil }
