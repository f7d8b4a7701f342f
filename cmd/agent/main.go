package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	agentconfig "github.com/nodenexus/nodenexus/agent/config"
	"github.com/nodenexus/nodenexus/agent/conn"
	"github.com/nodenexus/nodenexus/internal/logging"
)

func main() {
	configPath := flag.String("config", "/etc/nodenexus/agent.conf", "path to the agent configuration file")
	insecureSkipVerify := flag.Bool("insecure-skip-verify", false, "skip TLS certificate verification (testing only)")
	flag.Parse()

	cfg, err := agentconfig.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel})

	tlsConfig := &tls.Config{InsecureSkipVerify: *insecureSkipVerify}
	controller := conn.New(cfg, tlsConfig, logger.WithField("vps_id", cfg.VPSID))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := controller.Run(ctx); err != nil && ctx.Err() == nil {
		logger.WithError(err).Fatal("agent: exiting")
	}

	os.Exit(0)
}
