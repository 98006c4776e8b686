package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/dm-chat/internal/alert"
	"github.com/whisper/dm-chat/internal/config"
	"github.com/whisper/dm-chat/internal/logging"
	"github.com/whisper/dm-chat/internal/messaging"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logger = logger.Named("notifier")

	if cfg.NATSURL == "" {
		logger.Fatal("NATS_URL is required")
	}

	// Telegram sink; without a token alerts are only logged.
	var sink alert.Sink = alert.NewLogSink(logger)
	if cfg.TelegramToken != "" {
		tg, err := alert.NewTelegramSink(cfg.TelegramToken, cfg.TelegramChatID)
		if err != nil {
			logger.Fatal("failed to create telegram sink", zap.Error(err))
		}
		sink = tg
	} else {
		logger.Warn("TELEGRAM_BOT_TOKEN not set, alerts will only be logged")
	}

	// NATS setup.
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "dm-chat-notifier"

	natsClient, err := messaging.NewNATSClient(natsConfig, logger)
	if err != nil {
		logger.Fatal("failed to connect to NATS", zap.Error(err))
	}

	// Subscribe to admin alerts published by the chat servers.
	err = natsClient.SubscribeAdminAlerts(func(data []byte) {
		a, err := alert.Decode(data)
		if err != nil {
			logger.Warn("dropping malformed alert", zap.Error(err))
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := sink.Send(ctx, a); err != nil {
			logger.Error("forward alert",
				zap.String("message_id", a.MessageID),
				zap.String("from_id", a.FromID),
				zap.Error(err))
			return
		}
		logger.Info("alert forwarded",
			zap.String("message_id", a.MessageID),
			zap.String("from_id", a.FromID))
	})
	if err != nil {
		logger.Fatal("failed to subscribe to admin alerts", zap.Error(err))
	}

	logger.Info("notifier running",
		zap.String("nats_url", natsConfig.URL),
		zap.Bool("telegram", cfg.TelegramToken != ""))

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", zap.String("signal", sig.String()))

	natsClient.Close()
}
