// The trading bot daemon: scheduler, live engine, REST/WebSocket/gRPC API,
// Telegram console and optional Kafka event export.
//
// Usage:
//
//	TRADEBOT_CONFIG=config/tradebot.yaml go run ./cmd/tradebot
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"tradebot/internal/api"
	"tradebot/internal/app"
	"tradebot/internal/config"
	"tradebot/internal/events"
	"tradebot/internal/scheduler"
	"tradebot/internal/telegram"
	"tradebot/internal/util"
)

func main() {
	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(cfg, nil, logger)
	if err != nil {
		log.Fatalf("failed to initialise: %v", err)
	}
	defer a.Close()

	if err := a.Start(ctx); err != nil {
		log.Fatalf("failed to start engine: %v", err)
	}
	logger.Info("tradebot starting",
		"broker", a.Broker.Name(),
		"symbols", len(cfg.Universe),
		"http", cfg.Server.HTTPAddr(),
		"grpc", cfg.Server.GRPCAddr(),
	)

	g, ctx := errgroup.WithContext(ctx)

	var notify app.Notify
	if cfg.Telegram.Enabled() {
		console := telegram.NewConsole(a, cfg.Telegram.AllowedChatIDs, logger)
		bot, err := telegram.NewBot(cfg.Telegram.BotToken, console, logger)
		if err != nil {
			log.Fatalf("failed to start telegram: %v", err)
		}
		notify = bot.Broadcast
		notifier := telegram.NewNotifier(a.Bus, bot, cfg.Telegram.NotifyEvents, logger)
		g.Go(func() error { return bot.Run(ctx) })
		g.Go(func() error { return notifier.Run(ctx) })
	} else {
		logger.Info("telegram disabled: no bot token")
	}

	if cfg.Kafka.Enabled() {
		sink := events.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		g.Go(func() error { return events.Drain(ctx, a.Bus, sink, logger) })
	}

	sched := scheduler.New(a.Calendar, a.Bus, logger)
	for _, job := range a.Jobs(notify) {
		if err := sched.Add(job); err != nil {
			log.Fatalf("failed to schedule %s: %v", job.Name, err)
		}
	}
	g.Go(func() error { return sched.Run(ctx) })

	srv := api.NewServer(cfg.Server, api.Deps{
		Operator:  a,
		Orders:    a.DB,
		Trades:    a.DB,
		Signals:   a.DB,
		Bars:      a.Bars,
		Backtests: a.DB,
		Equity:    a.Bars,
		Bus:       a.Bus,
		Scheduler: sched,
		Logger:    logger,
	})
	g.Go(func() error { return srv.ListenAndServe(ctx) })

	if err := g.Wait(); err != nil {
		logger.Error("tradebot stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("tradebot stopped")
}
