package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"hyperfeed/internal/domain"
	"hyperfeed/internal/feed"
	"hyperfeed/internal/infra"
	"hyperfeed/internal/rest"
	"hyperfeed/internal/storage"
	"hyperfeed/internal/transport"
)

func main() {
	defaultConfig := os.Getenv("HYPERFEED_CONFIG")
	if defaultConfig == "" {
		defaultConfig = "config.yaml"
	}
	configPath := flag.String("config", defaultConfig, "path to config file")
	flag.Parse()

	cfg, err := infra.LoadConfig(*configPath)
	if err != nil {
		slog.Error("❌ Config load failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.SetDefault(infra.NewLogger(cfg))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	restClient := rest.NewClient(cfg.Hyperliquid.RestURL)
	wsClient := transport.NewClient(cfg.Hyperliquid.WSURL)
	manager := feed.NewManager(cfg, wsClient, restClient)

	// Optional audit journal: appends fills and account snapshots as they
	// stream in.
	if cfg.Journal.Enabled {
		journal, err := storage.NewJournal(cfg.Journal.Path)
		if err != nil {
			slog.Error("❌ Journal open failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer journal.Close()

		manager.UserStateFeed().AddFillListener(func(f domain.Fill) {
			if err := journal.RecordFill(ctx, f); err != nil {
				slog.Warn("Journal fill write failed", slog.Any("error", err))
			}
		})
		manager.UserStateFeed().AddAccountListener(func(a domain.AccountState) {
			if err := journal.RecordAccount(ctx, a); err != nil {
				slog.Warn("Journal account write failed", slog.Any("error", err))
			}
		})
		slog.Info("✅ Journal enabled", slog.String("path", cfg.Journal.Path))
	}

	if manager.Start(cfg.Hyperliquid.Symbols) {
		slog.InfoContext(ctx, "✅ Live feeds running", slog.Any("symbols", cfg.Hyperliquid.Symbols))
	} else if cfg.Feeds.FallbackToREST {
		slog.Warn("WebSocket unavailable, serving reads from REST fallback")
	} else {
		slog.Error("❌ No data path available: WebSocket down and fallback disabled")
		os.Exit(1)
	}
	defer manager.Stop()

	slog.InfoContext(ctx, "✨ hyperfeed operational. Press Ctrl+C to exit.")
	<-ctx.Done()
	slog.InfoContext(ctx, "👋 Shutting down gracefully...")
}
