package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/lumora/concierge/bot/calls"
	contractx "github.com/lumora/concierge/bot/contract"
)

// verifyChatWebhook answers the chat provider's subscription handshake.
func (s *Server) verifyChatWebhook(c echo.Context) error {
	mode := c.QueryParam("hub.mode")
	token := c.QueryParam("hub.verify_token")
	challenge := c.QueryParam("hub.challenge")

	if mode == "subscribe" && token != "" && token == s.channel.VerifyToken() {
		return c.String(http.StatusOK, challenge)
	}
	return c.NoContent(http.StatusForbidden)
}

// chatPayload mirrors the graph-style webhook envelope, reduced to the
// fields the bot reads.
type chatPayload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Messages []struct {
					ID        string `json:"id"`
					From      string `json:"from"`
					Timestamp string `json:"timestamp"`
					Type      string `json:"type"`
					Text      struct {
						Body string `json:"body"`
					} `json:"text"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// handleChatWebhook processes inbound chat deliveries. The delivery is
// acknowledged regardless of processing outcome; failures are logged, never
// bounced back into the provider's retry machinery.
func (s *Server) handleChatWebhook(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, 1<<20))
	if err != nil {
		return c.NoContent(http.StatusOK)
	}

	if !s.channel.VerifySignature(body, c.Request().Header.Get("X-Hub-Signature-256")) {
		log.Warn().Msg("chat webhook signature mismatch")
		return c.NoContent(http.StatusForbidden)
	}

	var payload chatPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		log.Warn().Err(err).Msg("unparseable chat webhook payload")
		return c.NoContent(http.StatusOK)
	}

	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			for _, msg := range change.Value.Messages {
				if msg.Type != "" && msg.Type != "text" {
					continue
				}
				if msg.Text.Body == "" {
					continue
				}

				event := contractx.ChatEvent{
					ExternalID: msg.ID,
					Sender:     msg.From,
					Content:    msg.Text.Body,
					Timestamp:  parseUnixSeconds(msg.Timestamp),
				}

				// Each message is processed off the request goroutine so
				// the provider gets its ack before the model round trip.
				ctx := context.WithoutCancel(c.Request().Context())
				go func(event contractx.ChatEvent) {
					s.channel.MarkAsRead(ctx, event.ExternalID)
					if _, err := s.orch.HandleChat(ctx, event); err != nil {
						log.Error().Err(err).Str("event_id", event.ExternalID).Msg("chat event processing failed")
					}
				}(event)
			}
		}
	}
	return c.NoContent(http.StatusOK)
}

func parseUnixSeconds(raw string) time.Time {
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Now().UTC()
	}
	return time.Unix(secs, 0).UTC()
}

type voiceRef struct {
	TelephonyCallID string `json:"telephony_call_id"`
	AgentCallID     string `json:"agent_call_id"`
	UserPhone       string `json:"user_phone"`
}

func (v voiceRef) ref() calls.Ref {
	return calls.Ref{
		TelephonyID: v.TelephonyCallID,
		AgentID:     v.AgentCallID,
		UserPhone:   v.UserPhone,
	}
}

type transcriptPayload struct {
	voiceRef
	Speaker string  `json:"speaker"`
	Text    string  `json:"text"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
}

// handleVoiceTranscript is fire-and-forget: segments for unknown calls are
// dropped with a log line, and the provider always gets a 200.
func (s *Server) handleVoiceTranscript(c echo.Context) error {
	var payload transcriptPayload
	if err := c.Bind(&payload); err != nil {
		return c.NoContent(http.StatusOK)
	}

	speaker := contractx.RoleUser
	if strings.EqualFold(payload.Speaker, "assistant") || strings.EqualFold(payload.Speaker, "agent") {
		speaker = contractx.RoleAssistant
	}

	if _, err := s.reconciler.RecordSegment(c.Request().Context(), payload.ref(), calls.Segment{
		Speaker: speaker,
		Text:    payload.Text,
		Start:   payload.Start,
		End:     payload.End,
	}); err != nil {
		log.Debug().Err(err).Msg("transcript segment not recorded")
	}
	return c.NoContent(http.StatusOK)
}

type voiceToolPayload struct {
	voiceRef
	RequestID string         `json:"request_id"`
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
	Language  string         `json:"language"`
}

// handleVoiceTool serves a synchronous tool request: the voice platform
// blocks on the executor's outcome.
func (s *Server) handleVoiceTool(c echo.Context) error {
	var payload voiceToolPayload
	if err := c.Bind(&payload); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unparseable payload"})
	}

	ctx := c.Request().Context()

	if payload.RequestID != "" {
		if _, err := s.gate.Admit(ctx, contractx.ChannelVoice, payload.RequestID); errors.Is(err, contractx.ErrDuplicateEvent) {
			return c.JSON(http.StatusOK, contractx.NotFound("duplicate tool request"))
		}
	}

	call, err := s.reconciler.CreateOrAttach(ctx, payload.ref())
	if err != nil {
		log.Warn().Err(err).Msg("voice tool request without resolvable call")
		return c.JSON(http.StatusOK, contractx.Fail(contractx.ErrorInvalidArguments, "unresolvable call reference"))
	}

	userPhone := call.UserPhone
	if userPhone == "" {
		userPhone = payload.UserPhone
	}

	conversationID := call.ConversationID
	if userPhone != "" && conversationID == nil {
		if conv, convErr := s.convos.GetOrCreate(ctx, userPhone, contractx.ChannelVoice); convErr == nil {
			if linkErr := s.reconciler.LinkConversation(ctx, payload.ref(), conv.ID); linkErr != nil {
				log.Warn().Err(linkErr).Msg("failed to link call to conversation")
			}
			id := conv.ID
			conversationID = &id
		}
	}

	if payload.Language != "" && conversationID != nil {
		if err := s.convos.SetLanguage(ctx, *conversationID, payload.Language); err != nil {
			log.Debug().Err(err).Msg("language hint not recorded")
		}
	}

	outcome := s.orch.HandleVoiceTool(ctx, userPhone, call.ID.String(), payload.ToolName, payload.Arguments)
	return c.JSON(http.StatusOK, outcome)
}

type voiceCompletePayload struct {
	voiceRef
	Status       string `json:"status"`
	DurationSecs int    `json:"duration"`
	RecordingURL string `json:"recording_url"`
}

func (s *Server) handleVoiceComplete(c echo.Context) error {
	var payload voiceCompletePayload
	if err := c.Bind(&payload); err != nil {
		return c.NoContent(http.StatusOK)
	}

	if _, err := s.reconciler.Complete(c.Request().Context(), payload.ref(),
		payload.Status, payload.DurationSecs, payload.RecordingURL); err != nil {
		log.Warn().Err(err).Msg("voice completion not recorded")
	}
	return c.NoContent(http.StatusOK)
}

// handleTelephony accepts the telephony provider's form-encoded status
// callbacks: call start opens the record, terminal statuses complete it.
func (s *Server) handleTelephony(c echo.Context) error {
	callSid := c.FormValue("CallSid")
	from := c.FormValue("From")
	status := strings.ToLower(c.FormValue("Status"))

	if callSid == "" {
		return c.NoContent(http.StatusOK)
	}

	ref := calls.Ref{TelephonyID: callSid, UserPhone: from}
	ctx := c.Request().Context()

	switch status {
	case "", "ringing", "in-progress", "in_progress", "answered":
		if _, err := s.reconciler.CreateOrAttach(ctx, ref); err != nil {
			log.Warn().Err(err).Str("call_sid", callSid).Msg("telephony call not recorded")
		}
	default:
		duration, _ := strconv.Atoi(c.FormValue("Duration"))
		if _, err := s.reconciler.Complete(ctx, ref, status, duration, c.FormValue("RecordingUrl")); err != nil {
			log.Warn().Err(err).Str("call_sid", callSid).Msg("telephony completion not recorded")
		}
	}
	return c.NoContent(http.StatusOK)
}
