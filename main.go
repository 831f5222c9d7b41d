package main

import (
	"context"
	"database/sql"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/lumora/concierge/bot/analytics"
	"github.com/lumora/concierge/bot/calls"
	"github.com/lumora/concierge/bot/commerce"
	"github.com/lumora/concierge/bot/convo"
	"github.com/lumora/concierge/bot/ingress"
	"github.com/lumora/concierge/bot/knowledge"
	"github.com/lumora/concierge/bot/orchestrator"
	"github.com/lumora/concierge/bot/tool"
	configx "github.com/lumora/concierge/pkg/config"
	"github.com/lumora/concierge/pkg/deepseek"
	_ "github.com/lumora/concierge/pkg/logger/autoload"
	"github.com/lumora/concierge/pkg/redisrest"
	"github.com/lumora/concierge/pkg/whatsapp"
	"github.com/lumora/concierge/server"
)

type AppConfig struct {
	DatabaseURL string `envconfig:"DATABASE_URL" split_words:"true" required:"true"`
	RedisURL    string `envconfig:"REDIS_URL" split_words:"true"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appCfg := configx.MustNew[AppConfig]("")

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(appCfg.DatabaseURL)))
	db := bun.NewDB(sqldb, pgdialect.New())
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("database unreachable")
	}

	// Dedup falls back to in-process memory when no Redis REST endpoint is
	// configured. Memory dedup does not survive restarts or span replicas.
	var gate ingress.Gate
	if appCfg.RedisURL != "" {
		redisCfg := configx.MustNew[redisrest.Config]("REDIS")
		redisClient, err := redisrest.NewClient(*redisCfg)
		if err != nil {
			log.Fatal().Err(err).Msg("redis client init failed")
		}
		gate = ingress.NewRedisGate(redisClient)
	} else {
		log.Warn().Msg("no redis configured, using in-memory dedup gate")
		gate = ingress.NewMemoryGate(4096)
	}

	model, err := deepseek.NewClient(*configx.MustNew[deepseek.Config]("DEEPSEEK"))
	if err != nil {
		log.Fatal().Err(err).Msg("model client init failed")
	}

	sender, err := whatsapp.NewClient(*configx.MustNew[whatsapp.Config]("WHATSAPP"))
	if err != nil {
		log.Fatal().Err(err).Msg("whatsapp client init failed")
	}

	catalog, err := commerce.NewClient(*configx.MustNew[commerce.Config]("COMMERCE"))
	if err != nil {
		log.Fatal().Err(err).Msg("commerce client init failed")
	}

	tracker, err := commerce.NewShippingClient(*configx.MustNew[commerce.ShippingConfig]("SHIPPING"))
	if err != nil {
		log.Fatal().Err(err).Msg("shipping client init failed")
	}

	embedder, err := knowledge.NewHTTPEmbedder(*configx.MustNew[knowledge.EmbedderConfig]("EMBEDDING"))
	if err != nil {
		log.Fatal().Err(err).Msg("embedder init failed")
	}

	faqStore := knowledge.NewBunStore(db)
	index := knowledge.NewIndex(embedder)
	if err := index.Reload(ctx, faqStore); err != nil {
		log.Fatal().Err(err).Msg("knowledge index reload failed")
	}
	log.Info().Int("entries", index.Len()).Msg("knowledge index loaded")

	convoStore := convo.NewBunStore(db)
	conversations := convo.NewService(convoStore, convo.WithUserDirectory(convoStore))
	callStore := calls.NewBunStore(db)
	recorder := analytics.NewBunRecorder(db)
	reconciler := calls.NewReconciler(callStore, conversations, calls.WithRecorder(recorder))

	registry := tool.NewRegistry()
	tool.RegisterAll(registry, catalog, tracker, index)

	orch := orchestrator.New(
		*configx.MustNew[orchestrator.Config]("ORCHESTRATOR"),
		gate,
		conversations,
		model,
		registry,
		registry.Specs(),
		sender,
		recorder,
	)

	srv := server.New(
		*configx.MustNew[server.Config]("SERVER"),
		orch,
		sender,
		gate,
		reconciler,
		conversations,
		convoStore,
		callStore,
		recorder,
	)

	if err := srv.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}
