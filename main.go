package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hendrywilliam/nereid/src"
	"github.com/hendrywilliam/nereid/src/utils"
	"github.com/joho/godotenv"
)

var signals = []os.Signal{
	os.Interrupt,
	syscall.SIGINT,
	syscall.SIGTERM,
}

func main() {
	_ = godotenv.Load()
	cfg := utils.LoadConfiguration()

	logger := slog.New(src.NewColorHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), signals...)
	defer stop()

	client, err := src.NewClient(src.ClientOptions{
		Token:      cfg.BotToken,
		Intents:    cfg.Intents,
		GatewayURL: cfg.GatewayAddress,
		Compress:   cfg.Compress,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("client setup failed", slog.Any("error", err))
		os.Exit(1)
	}
	if err := client.Open(ctx); err != nil {
		logger.Error("client open failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer client.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-client.Events():
			if !ok {
				return
			}
			logger.Debug("event", slog.Any("envelope", env))
		}
	}
}
