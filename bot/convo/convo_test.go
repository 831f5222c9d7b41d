package convo

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	contractx "github.com/lumora/concierge/bot/contract"
)

func openConversation(t *testing.T, svc *Service, phone string) Conversation {
	t.Helper()
	conv, err := svc.GetOrCreate(context.Background(), phone, contractx.ChannelChat)
	require.NoError(t, err)
	return conv
}

func appendN(t *testing.T, svc *Service, conv Conversation, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := svc.Append(context.Background(), conv.ID, contractx.RoleUser, fmt.Sprintf("message %d", i))
		require.NoError(t, err)
	}
}

func TestGetOrCreateReturnsExistingOpenConversation(t *testing.T) {
	t.Parallel()

	svc := NewService(NewMemoryStore())

	first := openConversation(t, svc, "+15550001")
	second := openConversation(t, svc, "+15550001")

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, StatusActive, second.Status)
}

func TestGetOrCreateConcurrentFirstContact(t *testing.T) {
	t.Parallel()

	svc := NewService(NewMemoryStore())

	const workers = 16
	ids := make([]string, workers)
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			conv, err := svc.GetOrCreate(context.Background(), "+15550002", contractx.ChannelChat)
			require.NoError(t, err)
			ids[i] = conv.ID.String()
		}(i)
	}
	close(start)
	wg.Wait()

	for _, id := range ids[1:] {
		assert.Equal(t, ids[0], id, "racing first events must open exactly one conversation")
	}
}

func TestGetOrCreateSeparatesChannels(t *testing.T) {
	t.Parallel()

	svc := NewService(NewMemoryStore())

	chat, err := svc.GetOrCreate(context.Background(), "+15550003", contractx.ChannelChat)
	require.NoError(t, err)
	voice, err := svc.GetOrCreate(context.Background(), "+15550003", contractx.ChannelVoice)
	require.NoError(t, err)

	assert.NotEqual(t, chat.ID, voice.ID)
}

func TestLoadContextBounds(t *testing.T) {
	t.Parallel()

	for _, n := range []int{1, ContextLimit, 500} {
		n := n
		t.Run(fmt.Sprintf("%d messages", n), func(t *testing.T) {
			t.Parallel()

			svc := NewService(NewMemoryStore())
			conv := openConversation(t, svc, fmt.Sprintf("+1555100%d", n))
			appendN(t, svc, conv, n)

			window, err := svc.LoadContext(context.Background(), conv.ID)
			require.NoError(t, err)

			want := n
			if want > ContextLimit {
				want = ContextLimit
			}
			require.Len(t, window, want)

			// Oldest first, ending at the newest append.
			assert.Equal(t, fmt.Sprintf("message %d", n-want), window[0].Content)
			assert.Equal(t, fmt.Sprintf("message %d", n-1), window[len(window)-1].Content)
		})
	}
}

func TestLoadContextOrderSurvivesTimestampCollisions(t *testing.T) {
	t.Parallel()

	svc := NewService(NewMemoryStore())
	// Freeze the clock so every append lands on the same created_at and
	// only the store's sequence can order them.
	frozen := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return frozen }

	conv := openConversation(t, svc, "+15551200")
	appendN(t, svc, conv, 10)

	window, err := svc.LoadContext(context.Background(), conv.ID)
	require.NoError(t, err)
	require.Len(t, window, 10)

	for i, turn := range window {
		assert.Equal(t, fmt.Sprintf("message %d", i), turn.Content)
	}

	// The store-assigned sequence carries the ordering: newest first,
	// strictly decreasing.
	recent, err := svc.store.RecentMessages(context.Background(), conv.ID, ContextLimit)
	require.NoError(t, err)
	require.Len(t, recent, 10)
	for i := 1; i < len(recent); i++ {
		assert.Greater(t, recent[i-1].Seq, recent[i].Seq)
	}
}

func TestAppendRejectsToolRole(t *testing.T) {
	t.Parallel()

	svc := NewService(NewMemoryStore())
	conv := openConversation(t, svc, "+15550004")

	_, err := svc.Append(context.Background(), conv.ID, contractx.RoleTool, "tool output")
	assert.ErrorIs(t, err, contractx.ErrValidation)
}

func TestEscalateThenCloseLifecycle(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	svc := NewService(store)
	conv := openConversation(t, svc, "+15550005")

	require.NoError(t, svc.Escalate(context.Background(), conv.ID, "customer asked for a human"))

	got, err := store.Get(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusEscalated, got.Status)
	assert.Equal(t, "customer asked for a human", got.EscalationReason)

	// Escalated stays escalated until closed.
	require.NoError(t, svc.Escalate(context.Background(), conv.ID, "second reason"))
	got, err = store.Get(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "customer asked for a human", got.EscalationReason)

	require.NoError(t, svc.Close(context.Background(), conv.ID))
	require.NoError(t, svc.Close(context.Background(), conv.ID), "re-close is a no-op")

	got, err = store.Get(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, got.Status)
}

func TestCloseAllowsNewConversation(t *testing.T) {
	t.Parallel()

	svc := NewService(NewMemoryStore())

	first := openConversation(t, svc, "+15550006")
	require.NoError(t, svc.Close(context.Background(), first.ID))

	second := openConversation(t, svc, "+15550006")
	assert.NotEqual(t, first.ID, second.ID)
}
