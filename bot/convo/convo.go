// Package convo owns conversation and message state. A conversation is
// identified by (user phone, channel); at most one open conversation exists
// per pair at a time. History is append-only, and the model context window
// is always the newest bounded slice of it.
package convo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	contractx "github.com/lumora/concierge/bot/contract"
	"github.com/lumora/concierge/pkg/keylock"
)

// ContextLimit is the maximum number of stored messages replayed into a
// model request. Enforcement happens in the store query, so unbounded
// history never reaches memory.
const ContextLimit = 20

// ErrNotFound reports a conversation id that matches no record.
var ErrNotFound = errors.New("conversation not found")

type Status string

const (
	StatusActive    Status = "active"
	StatusEscalated Status = "escalated"
	StatusClosed    Status = "closed"
)

// Conversation is one interaction session between a user and the bot on one
// channel.
type Conversation struct {
	ID               uuid.UUID
	UserPhone        string
	Channel          contractx.Channel
	Status           Status
	Language         string
	EscalationReason string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Message is one immutable conversation entry. Only user, assistant, and
// system turns are persisted; tool traffic stays inside a single
// orchestration run.
type Message struct {
	ID             uuid.UUID
	ConversationID uuid.UUID
	// Seq is assigned by the store on append and breaks created_at ties
	// in insertion order.
	Seq       int64
	Role      contractx.Role
	Content   string
	CreatedAt time.Time
}

// Store is the persistence boundary for conversations and their messages.
type Store interface {
	Insert(ctx context.Context, conv Conversation) error
	Update(ctx context.Context, conv Conversation) error
	Get(ctx context.Context, id uuid.UUID) (Conversation, error)
	// FindOpen returns the non-closed conversation for the pair, or
	// ErrNotFound.
	FindOpen(ctx context.Context, userPhone string, channel contractx.Channel) (Conversation, error)
	AppendMessage(ctx context.Context, msg Message) error
	// RecentMessages returns at most limit messages, newest first.
	RecentMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]Message, error)
}

// Service serializes mutation per conversation while unrelated conversations
// proceed concurrently.
type Service struct {
	store Store
	users UserStore
	locks *keylock.KeyedMutex
	now   func() time.Time
}

type Option func(*Service)

// WithUserDirectory keeps a customer record per normalized phone number,
// refreshed on every conversation lookup.
func WithUserDirectory(users UserStore) Option {
	return func(s *Service) {
		s.users = users
	}
}

func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store: store,
		locks: keylock.New(0),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func pairKey(userPhone string, channel contractx.Channel) string {
	return fmt.Sprintf("pair:%s:%s", userPhone, channel)
}

// GetOrCreate returns the open conversation for (userPhone, channel),
// creating one when none exists. The pair lock keeps two racing first
// events from opening two conversations.
func (s *Service) GetOrCreate(ctx context.Context, userPhone string, channel contractx.Channel) (Conversation, error) {
	userPhone = NormalizePhone(userPhone)
	if userPhone == "" {
		return Conversation{}, fmt.Errorf("%w: user identity is empty", contractx.ErrValidation)
	}

	unlock := s.locks.Lock(pairKey(userPhone, channel))
	defer unlock()

	if s.users != nil {
		if _, err := s.users.UpsertUser(ctx, User{ID: uuid.New(), Phone: userPhone, LastSeenAt: s.now().UTC()}); err != nil {
			log.Warn().Err(err).Msg("failed to refresh user record")
		}
	}

	conv, err := s.store.FindOpen(ctx, userPhone, channel)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Conversation{}, fmt.Errorf("find open conversation: %w", err)
	}

	now := s.now().UTC()
	conv = Conversation{
		ID:        uuid.New(),
		UserPhone: userPhone,
		Channel:   channel,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Insert(ctx, conv); err != nil {
		return Conversation{}, fmt.Errorf("create conversation: %w", err)
	}

	log.Info().
		Str("conversation_id", conv.ID.String()).
		Str("channel", string(channel)).
		Msg("conversation opened")
	return conv, nil
}

// Append persists one message at the tail of the conversation.
func (s *Service) Append(ctx context.Context, conversationID uuid.UUID, role contractx.Role, content string) (Message, error) {
	if role != contractx.RoleUser && role != contractx.RoleAssistant && role != contractx.RoleSystem {
		return Message{}, fmt.Errorf("%w: role %q is not persistable", contractx.ErrValidation, role)
	}

	unlock := s.locks.Lock(conversationID.String())
	defer unlock()

	msg := Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		return Message{}, fmt.Errorf("append message: %w", err)
	}
	return msg, nil
}

// LoadContext returns the model context window: the newest messages capped
// at the context limit, ordered oldest to newest.
func (s *Service) LoadContext(ctx context.Context, conversationID uuid.UUID) ([]contractx.ChatTurn, error) {
	recent, err := s.store.RecentMessages(ctx, conversationID, ContextLimit)
	if err != nil {
		return nil, fmt.Errorf("load context window: %w", err)
	}

	turns := make([]contractx.ChatTurn, len(recent))
	for i, msg := range recent {
		turns[len(recent)-1-i] = contractx.ChatTurn{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}
	return turns, nil
}

// Escalate hands the conversation to a human. An escalated conversation
// stays escalated until explicitly closed; a closed one is left alone.
func (s *Service) Escalate(ctx context.Context, conversationID uuid.UUID, reason string) error {
	unlock := s.locks.Lock(conversationID.String())
	defer unlock()

	conv, err := s.store.Get(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("escalate conversation: %w", err)
	}
	if conv.Status != StatusActive {
		return nil
	}

	conv.Status = StatusEscalated
	conv.EscalationReason = reason
	conv.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, conv); err != nil {
		return fmt.Errorf("escalate conversation: %w", err)
	}

	log.Info().
		Str("conversation_id", conversationID.String()).
		Str("reason", reason).
		Msg("conversation escalated")
	return nil
}

// Close ends the conversation. Closing an already closed conversation is a
// no-op.
func (s *Service) Close(ctx context.Context, conversationID uuid.UUID) error {
	unlock := s.locks.Lock(conversationID.String())
	defer unlock()

	conv, err := s.store.Get(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("close conversation: %w", err)
	}
	if conv.Status == StatusClosed {
		return nil
	}

	conv.Status = StatusClosed
	conv.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, conv); err != nil {
		return fmt.Errorf("close conversation: %w", err)
	}
	return nil
}

// SetLanguage records the detected language hint for later exchanges.
func (s *Service) SetLanguage(ctx context.Context, conversationID uuid.UUID, language string) error {
	if language == "" {
		return nil
	}

	unlock := s.locks.Lock(conversationID.String())
	defer unlock()

	conv, err := s.store.Get(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("set conversation language: %w", err)
	}
	if conv.Language == language {
		return nil
	}

	conv.Language = language
	conv.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, conv); err != nil {
		return fmt.Errorf("set conversation language: %w", err)
	}
	return nil
}
