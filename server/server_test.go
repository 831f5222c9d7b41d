package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumora/concierge/bot/calls"
	contractx "github.com/lumora/concierge/bot/contract"
	"github.com/lumora/concierge/bot/convo"
	"github.com/lumora/concierge/bot/ingress"
	"github.com/lumora/concierge/bot/orchestrator"
)

type fakeOrch struct {
	mu         sync.Mutex
	chatEvents []contractx.ChatEvent
	voiceTools []string
	outcome    contractx.Outcome
}

func (f *fakeOrch) HandleChat(_ context.Context, event contractx.ChatEvent) (orchestrator.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chatEvents = append(f.chatEvents, event)
	return orchestrator.Result{Reply: "ok"}, nil
}

func (f *fakeOrch) HandleVoiceTool(_ context.Context, _, _, name string, _ map[string]any) contractx.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.voiceTools = append(f.voiceTools, name)
	if f.outcome.Status == "" {
		return contractx.Found(map[string]any{"summary": "done"})
	}
	return f.outcome
}

type fakeChannel struct {
	token string
	valid bool
}

func (f *fakeChannel) VerifyToken() string                 { return f.token }
func (f *fakeChannel) VerifySignature([]byte, string) bool { return f.valid }
func (f *fakeChannel) MarkAsRead(context.Context, string)  {}

type convoLister struct {
	store *convo.MemoryStore
}

func (l convoLister) ListConversations(ctx context.Context, limit, offset int) ([]convo.Conversation, error) {
	return l.store.ListConversations(ctx, limit, offset)
}

func (l convoLister) RecentMessages(ctx context.Context, id uuid.UUID, limit int) ([]convo.Message, error) {
	return l.store.RecentMessages(ctx, id, limit)
}

type testEnv struct {
	server     *Server
	orch       *fakeOrch
	convos     *convo.Service
	convoStore *convo.MemoryStore
	callStore  *calls.MemoryStore
	reconciler *calls.Reconciler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	orch := &fakeOrch{}
	convoStore := convo.NewMemoryStore()
	convos := convo.NewService(convoStore)
	callStore := calls.NewMemoryStore()
	reconciler := calls.NewReconciler(callStore, convos)

	srv := New(
		Config{Addr: ":0"},
		orch,
		&fakeChannel{token: "verify-me", valid: true},
		ingress.NewMemoryGate(64),
		reconciler,
		convos,
		convoLister{store: convoStore},
		callStore,
		nil,
	)

	return &testEnv{
		server:     srv,
		orch:       orch,
		convos:     convos,
		convoStore: convoStore,
		callStore:  callStore,
		reconciler: reconciler,
	}
}

func (env *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestChatWebhookVerification(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet,
		"/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=12345", nil)
	rec := env.do(req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "12345", rec.Body.String())

	req = httptest.NewRequest(http.MethodGet,
		"/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", nil)
	rec = env.do(req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestChatWebhookDispatchesTextMessages(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	payload := `{"entry":[{"changes":[{"value":{"messages":[
		{"id":"wamid.1","from":"+15550001","timestamp":"1700000000","type":"text","text":{"body":"where is my order"}},
		{"id":"wamid.2","from":"+15550001","type":"image"}
	]}}]}]}`

	req := httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp", strings.NewReader(payload))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := env.do(req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Eventually(t, func() bool {
		env.orch.mu.Lock()
		defer env.orch.mu.Unlock()
		return len(env.orch.chatEvents) == 1
	}, 2*time.Second, 10*time.Millisecond, "non-text messages are skipped")

	env.orch.mu.Lock()
	defer env.orch.mu.Unlock()
	assert.Equal(t, "wamid.1", env.orch.chatEvents[0].ExternalID)
	assert.Equal(t, "where is my order", env.orch.chatEvents[0].Content)
}

func TestChatWebhookRejectsBadSignature(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.server.channel = &fakeChannel{token: "verify-me", valid: false}

	req := httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp", strings.NewReader(`{}`))
	rec := env.do(req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	env.orch.mu.Lock()
	defer env.orch.mu.Unlock()
	assert.Empty(t, env.orch.chatEvents)
}

func TestVoiceToolRoundTrip(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	payload := `{"agent_call_id":"agent-1","user_phone":"+15550002","tool_name":"get_order_status","arguments":{"order_id":"ORD1"}}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/voice/tool", strings.NewReader(payload))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := env.do(req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, env.orch.voiceTools, 1)
	assert.Equal(t, "get_order_status", env.orch.voiceTools[0])

	// The call record now exists and is linked to a voice conversation.
	call, err := env.reconciler.Resolve(context.Background(), calls.Ref{AgentID: "agent-1"})
	require.NoError(t, err)
	require.NotNil(t, call.ConversationID)
}

func TestVoiceToolRecordsLanguageHint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	payload := `{"agent_call_id":"agent-lang","user_phone":"+15550009","tool_name":"get_order_status","arguments":{},"language":"th"}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/voice/tool", strings.NewReader(payload))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := env.do(req)
	assert.Equal(t, http.StatusOK, rec.Code)

	call, err := env.reconciler.Resolve(context.Background(), calls.Ref{AgentID: "agent-lang"})
	require.NoError(t, err)
	require.NotNil(t, call.ConversationID)

	conv, err := env.convoStore.Get(context.Background(), *call.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, "th", conv.Language)
}

func TestVoiceTranscriptForUnknownCallStillAcks(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	payload := `{"agent_call_id":"agent-ghost","speaker":"user","text":"hello","start":0,"end":1.5}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/voice/transcript", strings.NewReader(payload))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := env.do(req)

	assert.Equal(t, http.StatusOK, rec.Code, "unresolved segments are dropped, never bounced")
}

func TestVoiceCompleteClosesConversation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	// Tool request opens the call and links a conversation.
	toolPayload := `{"agent_call_id":"agent-2","user_phone":"+15550003","tool_name":"get_order_status","arguments":{}}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/voice/tool", strings.NewReader(toolPayload))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	env.do(req)

	// Completion arrives under a fresh telephony id plus the known agent id.
	completePayload := `{"agent_call_id":"agent-2","telephony_call_id":"exo-2","status":"completed","duration":95}`
	req = httptest.NewRequest(http.MethodPost, "/webhooks/voice/complete", strings.NewReader(completePayload))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := env.do(req)
	assert.Equal(t, http.StatusOK, rec.Code)

	call, err := env.reconciler.Resolve(context.Background(), calls.Ref{TelephonyID: "exo-2"})
	require.NoError(t, err)
	assert.Equal(t, calls.StatusResolved, call.Status)
	assert.Equal(t, 95, call.DurationSecs)

	require.NotNil(t, call.ConversationID)
	conv, err := env.convoStore.Get(context.Background(), *call.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, convo.StatusClosed, conv.Status)
}

func TestTelephonyFormWebhook(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	form := url.Values{"CallSid": {"exo-9"}, "From": {"+15550004"}, "Status": {"ringing"}}
	req := httptest.NewRequest(http.MethodPost, "/webhooks/telephony", strings.NewReader(form.Encode()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	rec := env.do(req)
	assert.Equal(t, http.StatusOK, rec.Code)

	call, err := env.reconciler.Resolve(context.Background(), calls.Ref{TelephonyID: "exo-9"})
	require.NoError(t, err)
	assert.Equal(t, calls.StatusCreated, call.Status)

	form = url.Values{"CallSid": {"exo-9"}, "Status": {"no-answer"}}
	req = httptest.NewRequest(http.MethodPost, "/webhooks/telephony", strings.NewReader(form.Encode()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	env.do(req)

	call, err = env.reconciler.Resolve(context.Background(), calls.Ref{TelephonyID: "exo-9"})
	require.NoError(t, err)
	assert.Equal(t, calls.StatusMissed, call.Status)
}

func TestDashboardConversations(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	conv, err := env.convos.GetOrCreate(context.Background(), "+15550005", contractx.ChannelChat)
	require.NoError(t, err)
	_, err = env.convos.Append(context.Background(), conv.ID, contractx.RoleUser, "hi")
	require.NoError(t, err)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/conversations?limit=10", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "+15550005")

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/conversations/"+conv.ID.String()+"/messages", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "hi")

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/conversations/not-a-uuid/messages", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDashboardCallsAndGapsWithoutBackends(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	_, err := env.reconciler.CreateOrAttach(context.Background(), calls.Ref{TelephonyID: "exo-10", UserPhone: "+15550006"})
	require.NoError(t, err)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/calls", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "exo-10")

	// No gap lister wired: the endpoint degrades to an empty page.
	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/knowledge-gaps", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"gaps":[]`)
}
