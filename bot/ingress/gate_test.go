package ingress

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	contractx "github.com/lumora/concierge/bot/contract"
	"github.com/lumora/concierge/pkg/redisrest"
)

func TestMemoryGateAdmitsOnce(t *testing.T) {
	t.Parallel()

	gate := NewMemoryGate(16)

	first, err := gate.Admit(context.Background(), contractx.ChannelChat, "wamid.1")
	require.NoError(t, err)
	assert.True(t, first)

	second, err := gate.Admit(context.Background(), contractx.ChannelChat, "wamid.1")
	assert.ErrorIs(t, err, contractx.ErrDuplicateEvent)
	assert.False(t, second)
}

func TestMemoryGateConcurrentDoubleDelivery(t *testing.T) {
	t.Parallel()

	gate := NewMemoryGate(16)

	const workers = 32
	var admitted atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := gate.Admit(context.Background(), contractx.ChannelChat, "wamid.race")
			if ok {
				require.NoError(t, err)
				admitted.Add(1)
			} else {
				require.ErrorIs(t, err, contractx.ErrDuplicateEvent)
			}
		}()
	}

	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), admitted.Load(), "exactly one delivery must be admitted")
}

func TestMemoryGateKeysByChannel(t *testing.T) {
	t.Parallel()

	gate := NewMemoryGate(16)

	chat, err := gate.Admit(context.Background(), contractx.ChannelChat, "evt-9")
	require.NoError(t, err)
	voice, err := gate.Admit(context.Background(), contractx.ChannelVoice, "evt-9")
	require.NoError(t, err)

	assert.True(t, chat)
	assert.True(t, voice, "same id on another channel is a distinct event")
}

func TestMemoryGateRejectsEmptyID(t *testing.T) {
	t.Parallel()

	gate := NewMemoryGate(16)

	_, err := gate.Admit(context.Background(), contractx.ChannelChat, "")
	assert.ErrorIs(t, err, contractx.ErrValidation)
}

func TestRedisGateAdmitsOnce(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			_, _ = w.Write([]byte(`{"result":"OK"}`))
			return
		}
		_, _ = w.Write([]byte(`{"result":null}`))
	}))
	defer srv.Close()

	client, err := redisrest.NewClient(redisrest.Config{URL: srv.URL, Token: "tok"})
	require.NoError(t, err)

	gate := NewRedisGate(client)

	first, err := gate.Admit(context.Background(), contractx.ChannelVoice, "call-1")
	require.NoError(t, err)
	assert.True(t, first)

	second, err := gate.Admit(context.Background(), contractx.ChannelVoice, "call-1")
	assert.ErrorIs(t, err, contractx.ErrDuplicateEvent)
	assert.False(t, second)
}

func TestRedisGateFailsOpen(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client, err := redisrest.NewClient(redisrest.Config{URL: srv.URL, Token: "tok"})
	require.NoError(t, err)

	gate := NewRedisGate(client)

	ok, err := gate.Admit(context.Background(), contractx.ChannelChat, "wamid.2")
	require.NoError(t, err)
	assert.True(t, ok, "store outage must not drop inbound events")
}
