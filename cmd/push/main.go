// Command push runs one node of the push backend, in one of two
// modes: "api" serves the HTTP ingress, "connector" serves the
// realtime WebSocket edge. Both modes share the broker over MongoDB
// and Redis.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/xiucall/push/api"
	"github.com/xiucall/push/config"
	"github.com/xiucall/push/connector"
	"github.com/xiucall/push/fabric/redisfabric"
	"github.com/xiucall/push/internal/logctx"
	"github.com/xiucall/push/queue"
	"github.com/xiucall/push/session"
	"github.com/xiucall/push/store"
	"github.com/xiucall/push/store/mongostore"
)

func main() {
	mode := flag.String("mode", "api", "server mode: api or connector")
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	if err := run(*mode, *configPath); err != nil {
		fmt.Fprintln(os.Stderr, "push:", err)
		os.Exit(1)
	}
}

func run(mode, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fab := redisfabric.New(redisfabric.Config{
		Addrs:      cfg.Redis.Addrs,
		MasterName: cfg.Redis.MasterName,
	})
	defer fab.Close()

	broker := queue.NewBroker(queue.Config{
		DialStore: func(ctx context.Context) (store.Store, error) {
			return mongostore.Connect(ctx, mongostore.Config{
				URI:      cfg.Mongo.URI,
				Database: cfg.Mongo.Database,
			})
		},
		Fabric:     fab,
		CappedSize: cfg.Queue.CappedSize,
		Logger:     logger,
	})
	if err := broker.Connect(ctx); err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	defer broker.Close(context.Background())

	logger.Info("starting", "mode", mode)

	switch mode {
	case "api":
		srv := api.New(cfg, broker, logger)
		err = srv.ListenAndServe(ctx)
	case "connector":
		var sm *session.Manager
		sm, err = session.Open(ctx, fab, logger)
		if err != nil {
			return fmt.Errorf("open session manager: %w", err)
		}
		defer sm.Close(context.Background())
		srv := connector.New(cfg, broker, sm, logger)
		err = srv.ListenAndServe(ctx)
	default:
		return fmt.Errorf("unknown mode %q (want api or connector)", mode)
	}
	if err != nil {
		return err
	}

	logger.Info("shutdown complete", "mode", mode)
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	base := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(logctx.Handler{Handler: base})
}
