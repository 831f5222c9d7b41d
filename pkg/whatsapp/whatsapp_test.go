package whatsapp

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	contractx "github.com/lumora/concierge/bot/contract"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	client, err := NewClient(Config{
		BaseURL:       baseURL,
		PhoneNumberID: "12345",
		AccessToken:   "token",
		AppSecret:     "secret",
		VerifyToken:   "verify-me",
		Timeout:       5 * time.Second,
	})
	require.NoError(t, err)
	client.retry.BaseDelay = time.Millisecond
	return client
}

func sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, "https://example.invalid")
	payload := []byte(`{"entry":[]}`)

	assert.True(t, client.VerifySignature(payload, sign("secret", payload)))
	assert.False(t, client.VerifySignature(payload, sign("wrong", payload)))
	assert.False(t, client.VerifySignature(payload, "not-a-signature"))
	assert.False(t, client.VerifySignature([]byte("tampered"), sign("secret", payload)))
}

func TestVerifySignatureSkippedWithoutSecret(t *testing.T) {
	t.Parallel()

	client, err := NewClient(Config{
		BaseURL:       "https://example.invalid",
		PhoneNumberID: "12345",
		AccessToken:   "token",
	})
	require.NoError(t, err)

	assert.True(t, client.VerifySignature([]byte("anything"), ""))
}

func TestSendTextSplitsLongMessages(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Text struct {
				Body string `json:"body"`
			} `json:"text"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		mu.Lock()
		bodies = append(bodies, payload.Text.Body)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	long := strings.Repeat("word ", 1700)
	require.NoError(t, client.SendText(context.Background(), "+15550001", long))

	require.Greater(t, len(bodies), 1, "messages over the channel limit are split")
	for _, body := range bodies {
		assert.LessOrEqual(t, len([]rune(body)), maxMessageChars)
	}
	joined := strings.Join(bodies, " ")
	assert.Equal(t, strings.Fields(long), strings.Fields(joined), "no words lost across chunks")
}

func TestSendTextRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	require.NoError(t, client.SendText(context.Background(), "+15550001", "hello"))
	assert.Equal(t, 2, calls)
}

func TestSendTextDoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	err := client.SendText(context.Background(), "+15550001", "hello")
	assert.ErrorIs(t, err, contractx.ErrPermanentUpstream)
	assert.Equal(t, 1, calls)
}

func TestSplitTextKeepsRunesIntact(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("हिन्दी ", 40)
	chunks := splitText(text, 50)

	require.Greater(t, len(chunks), 1)
	for _, chunk := range chunks {
		assert.True(t, strings.HasPrefix(chunk, "ह"), "chunks must start on a rune boundary")
	}
}

func TestSplitTextShortPassthrough(t *testing.T) {
	t.Parallel()

	chunks := splitText("short message", maxMessageChars)
	assert.Equal(t, []string{"short message"}, chunks)
}
