package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"einvoice-gateway/internal/app"
	"einvoice-gateway/internal/config"
	"einvoice-gateway/internal/events"
	"einvoice-gateway/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "json").WithError(err).Fatal("load config")
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	buildCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	a, err := app.Build(buildCtx, cfg, logger)
	cancel()
	if err != nil {
		logger.WithError(err).Fatal("wire components")
	}
	defer a.Close()

	if a.Minio == nil {
		logger.Fatal("MINIO_ACCESS_KEY is required for the event handler")
	}
	drops, err := a.DropStore(ctx)
	if err != nil {
		logger.WithError(err).Fatal("prepare drop bucket")
	}

	handler := events.NewDropHandler(drops, a.Orchestrator, logger.WithField("component", "drop-handler"))
	source := events.NewMinioDropSource(a.Minio, cfg.MinioDropBucket, cfg.MinioDropPrefix)

	logger.WithFields(logrus.Fields{
		"bucket": cfg.MinioDropBucket,
		"prefix": cfg.MinioDropPrefix,
	}).Info("listening for invoice drops")
	if err := source.Run(ctx, func(parent context.Context, ev events.DropEvent) error {
		handleCtx, cancel := context.WithTimeout(parent, 30*time.Second)
		defer cancel()
		return handler.Handle(handleCtx, ev)
	}); err != nil && ctx.Err() == nil {
		logger.WithError(err).Fatal("event-handler stopped with error")
	}
}
