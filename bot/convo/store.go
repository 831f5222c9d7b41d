package convo

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

type conversationRow struct {
	bun.BaseModel `bun:"table:conversations,alias:c"`

	ID               string    `bun:"id,pk,type:uuid"`
	UserPhone        string    `bun:"user_phone,notnull"`
	Channel          string    `bun:"channel,notnull"`
	Status           string    `bun:"status,notnull"`
	Language         string    `bun:"language,nullzero"`
	EscalationReason string    `bun:"escalation_reason,nullzero"`
	CreatedAt        time.Time `bun:"created_at,notnull"`
	UpdatedAt        time.Time `bun:"updated_at,notnull"`
}

type messageRow struct {
	bun.BaseModel `bun:"table:messages,alias:m"`

	ID             string    `bun:"id,pk,type:uuid"`
	ConversationID string    `bun:"conversation_id,notnull,type:uuid"`
	Seq            int64     `bun:"seq,scanonly"`
	Role           string    `bun:"role,notnull"`
	Content        string    `bun:"content"`
	CreatedAt      time.Time `bun:"created_at,notnull"`
}

type userRow struct {
	bun.BaseModel `bun:"table:users,alias:u"`

	ID          string    `bun:"id,pk,type:uuid"`
	Phone       string    `bun:"phone,notnull,unique"`
	DisplayName string    `bun:"display_name,nullzero"`
	CreatedAt   time.Time `bun:"created_at,notnull"`
	LastSeenAt  time.Time `bun:"last_seen_at,notnull"`
}

// BunStore persists conversations and messages in Postgres.
type BunStore struct {
	db *bun.DB
}

var (
	_ Store     = (*BunStore)(nil)
	_ UserStore = (*BunStore)(nil)
)

func NewBunStore(db *bun.DB) *BunStore {
	return &BunStore{db: db}
}

func (s *BunStore) Insert(ctx context.Context, conv Conversation) error {
	row := toConversationRow(conv)
	if _, err := s.db.NewInsert().Model(&row).Exec(ctx); err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

func (s *BunStore) Update(ctx context.Context, conv Conversation) error {
	row := toConversationRow(conv)
	if _, err := s.db.NewUpdate().Model(&row).WherePK().Exec(ctx); err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	return nil
}

func (s *BunStore) Get(ctx context.Context, id uuid.UUID) (Conversation, error) {
	var row conversationRow
	err := s.db.NewSelect().Model(&row).Where("id = ?", id.String()).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conversation{}, ErrNotFound
		}
		return Conversation{}, fmt.Errorf("select conversation: %w", err)
	}
	return fromConversationRow(row)
}

func (s *BunStore) FindOpen(ctx context.Context, userPhone string, channel contractx.Channel) (Conversation, error) {
	var row conversationRow
	err := s.db.NewSelect().
		Model(&row).
		Where("user_phone = ?", userPhone).
		Where("channel = ?", string(channel)).
		Where("status != ?", string(StatusClosed)).
		Order("created_at DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conversation{}, ErrNotFound
		}
		return Conversation{}, fmt.Errorf("select open conversation: %w", err)
	}
	return fromConversationRow(row)
}

func (s *BunStore) AppendMessage(ctx context.Context, msg Message) error {
	row := messageRow{
		ID:             msg.ID.String(),
		ConversationID: msg.ConversationID.String(),
		Role:           string(msg.Role),
		Content:        msg.Content,
		CreatedAt:      msg.CreatedAt,
	}
	if _, err := s.db.NewInsert().Model(&row).Exec(ctx); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *BunStore) RecentMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]Message, error) {
	var rows []messageRow
	err := s.db.NewSelect().
		Model(&rows).
		Where("conversation_id = ?", conversationID.String()).
		// seq is a bigserial; it breaks created_at ties in insertion
		// order where the random uuid primary key cannot.
		OrderExpr("created_at DESC, seq DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}

	msgs := make([]Message, 0, len(rows))
	for _, row := range rows {
		msg, err := fromMessageRow(row)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func toConversationRow(conv Conversation) conversationRow {
	return conversationRow{
		ID:               conv.ID.String(),
		UserPhone:        conv.UserPhone,
		Channel:          string(conv.Channel),
		Status:           string(conv.Status),
		Language:         conv.Language,
		EscalationReason: conv.EscalationReason,
		CreatedAt:        conv.CreatedAt,
		UpdatedAt:        conv.UpdatedAt,
	}
}

func fromConversationRow(row conversationRow) (Conversation, error) {
	id, err := uuid.Parse(row.ID)
	if err != nil {
		return Conversation{}, fmt.Errorf("parse conversation id %q: %w", row.ID, err)
	}
	return Conversation{
		ID:               id,
		UserPhone:        row.UserPhone,
		Channel:          contractx.Channel(row.Channel),
		Status:           Status(row.Status),
		Language:         row.Language,
		EscalationReason: row.EscalationReason,
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
	}, nil
}

func fromMessageRow(row messageRow) (Message, error) {
	id, err := uuid.Parse(row.ID)
	if err != nil {
		return Message{}, fmt.Errorf("parse message id %q: %w", row.ID, err)
	}
	convID, err := uuid.Parse(row.ConversationID)
	if err != nil {
		return Message{}, fmt.Errorf("parse conversation id %q: %w", row.ConversationID, err)
	}
	return Message{
		ID:             id,
		ConversationID: convID,
		Seq:            row.Seq,
		Role:           contractx.Role(row.Role),
		Content:        row.Content,
		CreatedAt:      row.CreatedAt,
	}, nil
}

func (s *BunStore) UpsertUser(ctx context.Context, user User) (User, error) {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = user.LastSeenAt
	}
	row := userRow{
		ID:          user.ID.String(),
		Phone:       user.Phone,
		DisplayName: user.DisplayName,
		CreatedAt:   user.CreatedAt,
		LastSeenAt:  user.LastSeenAt,
	}
	if _, err := s.db.NewInsert().
		Model(&row).
		On("CONFLICT (phone) DO UPDATE").
		Set("last_seen_at = EXCLUDED.last_seen_at").
		Returning("*").
		Exec(ctx); err != nil {
		return User{}, fmt.Errorf("upsert user: %w", err)
	}

	id, err := uuid.Parse(row.ID)
	if err != nil {
		return User{}, fmt.Errorf("parse user id: %w", err)
	}
	return User{
		ID:          id,
		Phone:       row.Phone,
		DisplayName: row.DisplayName,
		CreatedAt:   row.CreatedAt,
		LastSeenAt:  row.LastSeenAt,
	}, nil
}

// ListConversations returns conversations newest first for the dashboard.
func (s *BunStore) ListConversations(ctx context.Context, limit, offset int) ([]Conversation, error) {
	var rows []conversationRow
	err := s.db.NewSelect().
		Model(&rows).
		Order("updated_at DESC").
		Limit(limit).
		Offset(offset).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	out := make([]Conversation, 0, len(rows))
	for _, row := range rows {
		conv, err := fromConversationRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, nil
}

// MemoryStore keeps conversation state in process for tests and local runs.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[uuid.UUID]Conversation
	messages      map[uuid.UUID][]Message
	users         map[string]User
	seq           int64
}

var (
	_ Store     = (*MemoryStore)(nil)
	_ UserStore = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[uuid.UUID]Conversation),
		messages:      make(map[uuid.UUID][]Message),
		users:         make(map[string]User),
	}
}

func (s *MemoryStore) UpsertUser(_ context.Context, user User) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.users[user.Phone]; ok {
		existing.LastSeenAt = user.LastSeenAt
		s.users[user.Phone] = existing
		return existing, nil
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = user.LastSeenAt
	}
	s.users[user.Phone] = user
	return user, nil
}

func (s *MemoryStore) Insert(_ context.Context, conv Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[conv.ID]; ok {
		return fmt.Errorf("conversation %s already exists", conv.ID)
	}
	s.conversations[conv.ID] = conv
	return nil
}

func (s *MemoryStore) Update(_ context.Context, conv Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[conv.ID]; !ok {
		return ErrNotFound
	}
	s.conversations[conv.ID] = conv
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	return conv, nil
}

func (s *MemoryStore) FindOpen(_ context.Context, userPhone string, channel contractx.Channel) (Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, conv := range s.conversations {
		if conv.UserPhone == userPhone && conv.Channel == channel && conv.Status != StatusClosed {
			return conv, nil
		}
	}
	return Conversation{}, ErrNotFound
}

// ListConversations returns conversations newest first for the dashboard.
func (s *MemoryStore) ListConversations(_ context.Context, limit, offset int) ([]Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		out = append(out, conv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })

	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	msg.Seq = s.seq
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], msg)
	return nil
}

func (s *MemoryStore) RecentMessages(_ context.Context, conversationID uuid.UUID, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.messages[conversationID]
	out := make([]Message, len(history))
	// Append order is authoritative; reverse it for newest-first.
	for i, msg := range history {
		out[len(history)-1-i] = msg
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
