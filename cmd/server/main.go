package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nodenexus/nodenexus/internal/config"
	"github.com/nodenexus/nodenexus/internal/logging"
	"github.com/nodenexus/nodenexus/internal/serverapp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.New(cfg.Logging)

	app, err := serverapp.New(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("initialize server")
	}

	ctx := context.Background()
	if err := app.Start(ctx); err != nil {
		logger.WithError(err).Fatal("start server")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Fatal("shutdown")
	}
}
