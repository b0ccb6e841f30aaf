// Package main is the Trigger (pipeline orchestrator) service entry
// point. Configuration is sourced from environment variables first;
// flags are local-dev overrides, matching cmd/extractor.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/malawley/hygiene-ingest/config"
	"github.com/malawley/hygiene-ingest/trigger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fs := flag.NewFlagSet("trigger", flag.ExitOnError)

	port := fs.Int("port", envInt("PORT", 8080), "HTTP listen port")
	serviceConfigB64 := fs.String("service-config", os.Getenv("SERVICE_CONFIG_B64"), "base64-encoded stage->url map")
	enableJSONLoader := fs.Bool("enable-json-loader", envBool("ENABLE_JSON_LOADER", false), "enable the optional JSON loader branch")
	shutdownTimeout := fs.Duration("shutdown-timeout", 30*time.Second, "graceful shutdown timeout")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}

	cfg := &config.TriggerConfig{
		Port:             *port,
		ServiceConfigB64: *serviceConfigB64,
		EnableJSONLoader: *enableJSONLoader,
		ShutdownTimeout:  *shutdownTimeout,
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	forwarder := trigger.NewHTTPForwarder()
	durations := trigger.NewLogrusDurationLogger(logger)
	svc := trigger.NewService(cfg, forwarder, durations, logger)
	server := trigger.NewServer(svc, cfg.Port, logger)

	logger.WithField("json_loader_enabled", cfg.EnableJSONLoader).Info("trigger starting")
	return server.Run(ctx, cfg.ShutdownTimeout)
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
