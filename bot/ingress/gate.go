// Package ingress guards event intake. Every inbound delivery passes through
// a dedup gate keyed by channel and provider event id before any state is
// mutated, so webhook retries and double deliveries collapse into a single
// admission.
package ingress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"

	contractx "github.com/lumora/concierge/bot/contract"
	"github.com/lumora/concierge/pkg/redisrest"
)

// DedupTTL bounds how long an admitted event id blocks replays. Provider
// retry windows are minutes, not hours.
const DedupTTL = 5 * time.Minute

// Gate admits an event exactly once per (channel, eventID) within the dedup
// window. A second call with the same key within the window reports false
// with contract.ErrDuplicateEvent.
type Gate interface {
	Admit(ctx context.Context, channel contractx.Channel, eventID string) (bool, error)
}

func dedupKey(channel contractx.Channel, eventID string) string {
	return fmt.Sprintf("dedup:%s:%s", channel, eventID)
}

// RedisGate marks admissions in Redis with SET NX EX, which makes the
// check-and-mark a single atomic command across replicas.
type RedisGate struct {
	client *redisrest.Client
	ttl    time.Duration
}

var _ Gate = (*RedisGate)(nil)

func NewRedisGate(client *redisrest.Client) *RedisGate {
	return &RedisGate{client: client, ttl: DedupTTL}
}

// Admit reports whether the event is first-seen. When the store is
// unreachable the gate fails open: a rare double reply is preferred over
// dropping a customer message outright.
func (g *RedisGate) Admit(ctx context.Context, channel contractx.Channel, eventID string) (bool, error) {
	if eventID == "" {
		return false, fmt.Errorf("%w: event id is empty", contractx.ErrValidation)
	}

	ok, err := g.client.SetNX(ctx, dedupKey(channel, eventID), "1", g.ttl)
	if err != nil {
		log.Warn().Err(err).
			Str("channel", string(channel)).
			Str("event_id", eventID).
			Msg("dedup store unavailable, admitting event")
		return true, nil
	}
	if !ok {
		return false, fmt.Errorf("%w: %s", contractx.ErrDuplicateEvent, eventID)
	}
	return true, nil
}

// MemoryGate is an in-process gate backed by an expiring LRU. It serves
// single-instance deployments and tests.
type MemoryGate struct {
	mu   sync.Mutex
	seen *expirable.LRU[string, struct{}]
}

var _ Gate = (*MemoryGate)(nil)

func NewMemoryGate(size int) *MemoryGate {
	if size <= 0 {
		size = 4096
	}
	return &MemoryGate{
		seen: expirable.NewLRU[string, struct{}](size, nil, DedupTTL),
	}
}

func (g *MemoryGate) Admit(_ context.Context, channel contractx.Channel, eventID string) (bool, error) {
	if eventID == "" {
		return false, fmt.Errorf("%w: event id is empty", contractx.ErrValidation)
	}

	key := dedupKey(channel, eventID)

	// Check and mark under one lock so concurrent deliveries of the same
	// event cannot both observe first-seen.
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, dup := g.seen.Get(key); dup {
		return false, fmt.Errorf("%w: %s", contractx.ErrDuplicateEvent, eventID)
	}
	g.seen.Add(key, struct{}{})
	return true, nil
}
