// Package calls reconciles voice call state across two webhook sources. The
// telephony provider and the voice platform each report with their own call
// id, in no guaranteed order, so every operation resolves the call record by
// whichever identifier the event happens to carry.
package calls

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lumora/concierge/bot/analytics"
	contractx "github.com/lumora/concierge/bot/contract"
	"github.com/lumora/concierge/pkg/keylock"
)

type Status string

const (
	StatusCreated    Status = "created"
	StatusInProgress Status = "in_progress"
	StatusResolved   Status = "resolved"
	StatusEscalated  Status = "escalated"
	StatusMissed     Status = "missed"
	StatusFailed     Status = "failed"
)

// Terminal statuses are one-way; a later completion webhook with a different
// status is logged as an anomaly and otherwise ignored.
func (s Status) Terminal() bool {
	switch s {
	case StatusResolved, StatusEscalated, StatusMissed, StatusFailed:
		return true
	}
	return false
}

// Segment is one transcript utterance. Its identity is derived from
// (speaker, start, end) because neither provider guarantees a segment id.
type Segment struct {
	Speaker contractx.Role `json:"speaker"`
	Text    string         `json:"text"`
	Start   float64        `json:"start"`
	End     float64        `json:"end"`
}

func (s Segment) sameIdentity(other Segment) bool {
	return s.Speaker == other.Speaker && s.Start == other.Start && s.End == other.End
}

// Call is the reconciled record for one voice interaction.
type Call struct {
	ID             uuid.UUID
	ConversationID *uuid.UUID
	UserPhone      string
	TelephonyID    string
	AgentID        string
	Status         Status
	StartedAt      time.Time
	EndedAt        *time.Time
	DurationSecs   int
	RecordingRef   string
	Segments       []Segment
}

// Ref carries whichever identifiers an inbound event knows about. At least
// one call id must be set.
type Ref struct {
	TelephonyID string
	AgentID     string
	UserPhone   string
}

func (r Ref) validate() error {
	if r.TelephonyID == "" && r.AgentID == "" {
		return fmt.Errorf("%w: event carries no call identifier", contractx.ErrValidation)
	}
	return nil
}

// Store is the persistence boundary for call records.
type Store interface {
	Insert(ctx context.Context, call Call) error
	Update(ctx context.Context, call Call) error
	// FindByEitherID resolves a call by telephony or platform id. Empty ids
	// are skipped. Returns ErrReconciliationMiss when no record matches.
	FindByEitherID(ctx context.Context, telephonyID, agentID string) (Call, error)
}

// ConversationCloser closes the conversation linked to a completed call.
type ConversationCloser interface {
	Close(ctx context.Context, conversationID uuid.UUID) error
}

// Reconciler serializes per-call mutation so racing webhooks from the two
// providers cannot split one call into two records.
type Reconciler struct {
	store         Store
	conversations ConversationCloser
	events        analytics.Recorder
	locks         *keylock.KeyedMutex
	now           func() time.Time
}

type Option func(*Reconciler)

// WithRecorder reports terminal call transitions to the dashboard.
func WithRecorder(rec analytics.Recorder) Option {
	return func(r *Reconciler) {
		if rec != nil {
			r.events = rec
		}
	}
}

func NewReconciler(store Store, conversations ConversationCloser, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:         store,
		conversations: conversations,
		events:        analytics.Nop{},
		locks:         keylock.New(0),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reconciler) lockKey(ref Ref) string {
	// The user phone is the only key both providers share. Events without
	// it fall back to a call id, preferring the telephony side.
	if ref.UserPhone != "" {
		return "phone:" + ref.UserPhone
	}
	if ref.TelephonyID != "" {
		return "tel:" + ref.TelephonyID
	}
	return "agent:" + ref.AgentID
}

// CreateOrAttach resolves the call for ref, creating it on first contact and
// attaching any identifier the record is still missing. Re-attaching an
// already known id is a no-op; a conflicting second id is rejected.
func (r *Reconciler) CreateOrAttach(ctx context.Context, ref Ref) (Call, error) {
	if err := ref.validate(); err != nil {
		return Call{}, err
	}

	unlock := r.locks.Lock(r.lockKey(ref))
	defer unlock()
	return r.createOrAttachLocked(ctx, ref)
}

func (r *Reconciler) createOrAttachLocked(ctx context.Context, ref Ref) (Call, error) {
	call, err := r.store.FindByEitherID(ctx, ref.TelephonyID, ref.AgentID)
	if errors.Is(err, contractx.ErrReconciliationMiss) {
		call = Call{
			ID:          uuid.New(),
			UserPhone:   ref.UserPhone,
			TelephonyID: ref.TelephonyID,
			AgentID:     ref.AgentID,
			Status:      StatusCreated,
			StartedAt:   r.now().UTC(),
		}
		if err := r.store.Insert(ctx, call); err != nil {
			return Call{}, fmt.Errorf("insert call record: %w", err)
		}
		log.Info().
			Str("call_id", call.ID.String()).
			Str("telephony_id", call.TelephonyID).
			Str("agent_id", call.AgentID).
			Msg("call record created")
		return call, nil
	}
	if err != nil {
		return Call{}, fmt.Errorf("resolve call record: %w", err)
	}

	changed, err := attach(&call, ref)
	if err != nil {
		return Call{}, err
	}
	if changed {
		if err := r.store.Update(ctx, call); err != nil {
			return Call{}, fmt.Errorf("attach call identifier: %w", err)
		}
		log.Info().
			Str("call_id", call.ID.String()).
			Str("telephony_id", call.TelephonyID).
			Str("agent_id", call.AgentID).
			Msg("call identifiers reconciled")
	}
	return call, nil
}

func attach(call *Call, ref Ref) (bool, error) {
	changed := false
	switch {
	case ref.TelephonyID != "" && call.TelephonyID == "":
		call.TelephonyID = ref.TelephonyID
		changed = true
	case ref.TelephonyID != "" && call.TelephonyID != ref.TelephonyID:
		return false, fmt.Errorf("%w: telephony id %q conflicts with %q",
			contractx.ErrValidation, ref.TelephonyID, call.TelephonyID)
	}
	switch {
	case ref.AgentID != "" && call.AgentID == "":
		call.AgentID = ref.AgentID
		changed = true
	case ref.AgentID != "" && call.AgentID != ref.AgentID:
		return false, fmt.Errorf("%w: platform id %q conflicts with %q",
			contractx.ErrValidation, ref.AgentID, call.AgentID)
	}
	if ref.UserPhone != "" && call.UserPhone == "" {
		call.UserPhone = ref.UserPhone
		changed = true
	}
	return changed, nil
}

// Resolve finds the call for ref without creating one.
func (r *Reconciler) Resolve(ctx context.Context, ref Ref) (Call, error) {
	if err := ref.validate(); err != nil {
		return Call{}, err
	}
	return r.store.FindByEitherID(ctx, ref.TelephonyID, ref.AgentID)
}

// LinkConversation binds the call to its conversation once, so completion
// can close the conversation later.
func (r *Reconciler) LinkConversation(ctx context.Context, ref Ref, conversationID uuid.UUID) error {
	if err := ref.validate(); err != nil {
		return err
	}

	unlock := r.locks.Lock(r.lockKey(ref))
	defer unlock()

	call, err := r.store.FindByEitherID(ctx, ref.TelephonyID, ref.AgentID)
	if err != nil {
		return fmt.Errorf("resolve call for linking: %w", err)
	}
	if call.ConversationID != nil {
		return nil
	}

	call.ConversationID = &conversationID
	if err := r.store.Update(ctx, call); err != nil {
		return fmt.Errorf("link call conversation: %w", err)
	}
	return nil
}

// RecordSegment appends a transcript utterance to an existing call. A
// segment for an unknown call is logged and dropped rather than fabricated
// into an orphan record. Redelivery of a segment already recorded under the
// same derived identity is dropped silently.
func (r *Reconciler) RecordSegment(ctx context.Context, ref Ref, seg Segment) (Call, error) {
	if err := ref.validate(); err != nil {
		return Call{}, err
	}

	unlock := r.locks.Lock(r.lockKey(ref))
	defer unlock()

	call, err := r.store.FindByEitherID(ctx, ref.TelephonyID, ref.AgentID)
	if errors.Is(err, contractx.ErrReconciliationMiss) {
		log.Warn().
			Str("telephony_id", ref.TelephonyID).
			Str("agent_id", ref.AgentID).
			Msg("transcript segment for unknown call dropped")
		return Call{}, err
	}
	if err != nil {
		return Call{}, fmt.Errorf("resolve call for transcript: %w", err)
	}

	for _, existing := range call.Segments {
		if existing.sameIdentity(seg) {
			return call, nil
		}
	}

	call.Segments = append(call.Segments, seg)
	if call.Status == StatusCreated {
		call.Status = StatusInProgress
	}
	if err := r.store.Update(ctx, call); err != nil {
		return Call{}, fmt.Errorf("append transcript segment: %w", err)
	}
	return call, nil
}

// Complete moves an existing call to its terminal status, records duration
// and recording reference, and closes the linked conversation. A repeat with
// the same status is a no-op; a repeat with a different status keeps the
// first terminal status and logs the anomaly.
func (r *Reconciler) Complete(ctx context.Context, ref Ref, providerStatus string, durationSecs int, recordingRef string) (Call, error) {
	if err := ref.validate(); err != nil {
		return Call{}, err
	}

	unlock := r.locks.Lock(r.lockKey(ref))
	defer unlock()

	call, err := r.createOrAttachLocked(ctx, ref)
	if err != nil {
		return Call{}, err
	}

	final := MapProviderStatus(providerStatus)
	if call.Status.Terminal() {
		if call.Status != final {
			log.Warn().
				Str("call_id", call.ID.String()).
				Str("recorded_status", string(call.Status)).
				Str("reported_status", string(final)).
				Msg("conflicting terminal status for completed call")
		}
		return call, nil
	}

	ended := r.now().UTC()
	call.Status = final
	call.EndedAt = &ended
	call.DurationSecs = durationSecs
	if recordingRef != "" {
		call.RecordingRef = recordingRef
	}
	if err := r.store.Update(ctx, call); err != nil {
		return Call{}, fmt.Errorf("complete call record: %w", err)
	}

	if call.ConversationID != nil && r.conversations != nil {
		if err := r.conversations.Close(ctx, *call.ConversationID); err != nil {
			log.Error().Err(err).
				Str("call_id", call.ID.String()).
				Str("conversation_id", call.ConversationID.String()).
				Msg("failed to close conversation for completed call")
		}
	}

	r.record(ctx, analytics.KindCallCompleted, call, map[string]any{
		"status":        string(call.Status),
		"duration_secs": durationSecs,
	})

	log.Info().
		Str("call_id", call.ID.String()).
		Str("status", string(call.Status)).
		Int("duration_secs", durationSecs).
		Msg("call completed")
	return call, nil
}

// Escalate marks the call as handed to a human agent.
func (r *Reconciler) Escalate(ctx context.Context, ref Ref) (Call, error) {
	if err := ref.validate(); err != nil {
		return Call{}, err
	}

	unlock := r.locks.Lock(r.lockKey(ref))
	defer unlock()

	call, err := r.createOrAttachLocked(ctx, ref)
	if err != nil {
		return Call{}, err
	}
	if call.Status.Terminal() {
		return call, nil
	}

	call.Status = StatusEscalated
	if err := r.store.Update(ctx, call); err != nil {
		return Call{}, fmt.Errorf("escalate call record: %w", err)
	}

	r.record(ctx, analytics.KindEscalation, call, map[string]any{
		"call_id": call.ID.String(),
	})
	return call, nil
}

func (r *Reconciler) record(ctx context.Context, kind analytics.Kind, call Call, detail map[string]any) {
	if err := r.events.Record(ctx, analytics.Event{
		Kind:      kind,
		UserPhone: call.UserPhone,
		Channel:   contractx.ChannelVoice,
		Detail:    detail,
	}); err != nil {
		log.Warn().Err(err).Str("kind", string(kind)).Msg("analytics record failed")
	}
}

// MapProviderStatus normalizes telephony provider completion statuses.
func MapProviderStatus(providerStatus string) Status {
	switch strings.ToLower(strings.TrimSpace(providerStatus)) {
	case "completed", "complete", "answered", "resolved":
		return StatusResolved
	case "escalated", "transferred":
		return StatusEscalated
	case "no-answer", "no_answer", "noanswer", "unanswered", "busy", "missed":
		return StatusMissed
	default:
		return StatusFailed
	}
}
