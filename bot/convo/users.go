package convo

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// User is the per-phone customer record behind conversations on every
// channel.
type User struct {
	ID          uuid.UUID
	Phone       string
	DisplayName string
	CreatedAt   time.Time
	LastSeenAt  time.Time
}

// UserStore persists customer records keyed by normalized phone number.
type UserStore interface {
	// UpsertUser creates the record for user.Phone or refreshes its
	// LastSeenAt, returning the stored state.
	UpsertUser(ctx context.Context, user User) (User, error)
}

// NormalizePhone reduces a phone number to a canonical form: digits only,
// with a leading plus preserved. Formatting characters and whitespace are
// stripped so "+91 98765-43210" and "+919876543210" key the same user.
func NormalizePhone(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(raw))
	if raw[0] == '+' {
		b.WriteByte('+')
	}
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
