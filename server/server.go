// Package server wires the webhook ingress and dashboard query endpoints
// over echo. Handlers parse transport payloads, hand them to the domain
// services, and always acknowledge deliveries so upstream providers do not
// enter retry storms.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"

	"github.com/lumora/concierge/bot/analytics"
	"github.com/lumora/concierge/bot/calls"
	contractx "github.com/lumora/concierge/bot/contract"
	"github.com/lumora/concierge/bot/convo"
	"github.com/lumora/concierge/bot/ingress"
	"github.com/lumora/concierge/bot/orchestrator"
)

type Config struct {
	Addr            string        `envconfig:"ADDR" default:":8080"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" split_words:"true" default:"15s"`
}

// ChatHandler is the orchestration surface the webhook handlers drive.
type ChatHandler interface {
	HandleChat(ctx context.Context, event contractx.ChatEvent) (orchestrator.Result, error)
	HandleVoiceTool(ctx context.Context, userPhone, callID, name string, args map[string]any) contractx.Outcome
}

// ChatChannel is the transport-side surface of the chat provider.
type ChatChannel interface {
	VerifyToken() string
	VerifySignature(payload []byte, signature string) bool
	MarkAsRead(ctx context.Context, messageID string)
}

// ConversationLister serves the dashboard's conversation summaries.
type ConversationLister interface {
	ListConversations(ctx context.Context, limit, offset int) ([]convo.Conversation, error)
	RecentMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]convo.Message, error)
}

// CallLister serves the dashboard's call summaries.
type CallLister interface {
	ListCalls(ctx context.Context, limit, offset int) ([]calls.Call, error)
}

// GapLister serves the dashboard's knowledge gap report.
type GapLister interface {
	ListByKind(ctx context.Context, kind analytics.Kind, limit, offset int) ([]analytics.Event, error)
}

type Server struct {
	echo       *echo.Echo
	cfg        Config
	orch       ChatHandler
	channel    ChatChannel
	gate       ingress.Gate
	reconciler *calls.Reconciler
	convos     *convo.Service
	convList   ConversationLister
	callList   CallLister
	gaps       GapLister
}

func New(
	cfg Config,
	orch ChatHandler,
	channel ChatChannel,
	gate ingress.Gate,
	reconciler *calls.Reconciler,
	convos *convo.Service,
	convList ConversationLister,
	callList CallLister,
	gaps GapLister,
) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:       e,
		cfg:        cfg,
		orch:       orch,
		channel:    channel,
		gate:       gate,
		reconciler: reconciler,
		convos:     convos,
		convList:   convList,
		callList:   callList,
		gaps:       gaps,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.echo.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	s.echo.GET("/webhooks/whatsapp", s.verifyChatWebhook)
	s.echo.POST("/webhooks/whatsapp", s.handleChatWebhook)

	s.echo.POST("/webhooks/voice/transcript", s.handleVoiceTranscript)
	s.echo.POST("/webhooks/voice/tool", s.handleVoiceTool)
	s.echo.POST("/webhooks/voice/complete", s.handleVoiceComplete)
	s.echo.POST("/webhooks/telephony", s.handleTelephony)

	api := s.echo.Group("/api")
	api.GET("/conversations", s.listConversations)
	api.GET("/conversations/:id/messages", s.listMessages)
	api.GET("/calls", s.listCalls)
	api.GET("/knowledge-gaps", s.listKnowledgeGaps)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until the context is cancelled, then drains connections.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.echo.Start(s.cfg.Addr)
	}()

	log.Info().Str("addr", s.cfg.Addr).Msg("server listening")

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		return s.echo.Shutdown(shutdownCtx)
	}
}
