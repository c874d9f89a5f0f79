package main

import (
	"context"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/ably/terminal-broker/src/api"
	"github.com/ably/terminal-broker/src/auditlog"
	"github.com/ably/terminal-broker/src/broker"
	"github.com/ably/terminal-broker/src/config"
	"github.com/ably/terminal-broker/src/container"
	"github.com/ably/terminal-broker/src/container/dockerengine"
	"github.com/ably/terminal-broker/src/container/memoryengine"
	"github.com/ably/terminal-broker/src/ratelimit"
	"github.com/ably/terminal-broker/src/supervisor"
	"github.com/ably/terminal-broker/src/wsproto"
)

// buildAdapter picks the Docker-backed container.Adapter when a daemon is
// reachable, and falls back to the in-memory PTY adapter otherwise.
// CONTAINER_ENGINE=memory forces the fallback even when Docker is present,
// for local development without root/docker-in-docker (spec.md §3's
// "adapter is pluggable" non-goal on engine internals).
func buildAdapter(cfg *config.Config) container.Adapter {
	if os.Getenv("CONTAINER_ENGINE") == "memory" {
		logrus.Info("using in-memory container adapter (CONTAINER_ENGINE=memory)")
		return memoryengine.New(os.Getenv("SHELL"))
	}

	adapter, err := dockerengine.New()
	if err != nil {
		logrus.WithError(err).Warn("docker engine unavailable, falling back to in-memory adapter")
		return memoryengine.New(os.Getenv("SHELL"))
	}
	return adapter
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file found, continuing with process environment")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	if cfg.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	logrus.SetFormatter(&logrus.JSONFormatter{})

	adapter := buildAdapter(cfg)

	ipLimiter := ratelimit.New(cfg.ConnectionThrottleWindow, cfg.MaxConnectionsPerIPPerMinute, cfg.EnableConnectionThrottling)
	resumeLimiter := ratelimit.New(cfg.ConnectionThrottleWindow, cfg.MaxResumeAttemptsPerSessionPerMin, cfg.EnableConnectionThrottling)

	audit := auditlog.New(cfg.SecurityAuditLog)
	registry := broker.NewRegistry(cfg, adapter, resumeLimiter, audit)
	endpoint := wsproto.NewEndpoint(registry, ipLimiter, cfg, audit)

	router := api.SetupRouter(endpoint, registry, !cfg.Debug, cfg.Debug)

	sup := supervisor.New(cfg, registry, adapter, ipLimiter, resumeLimiter, router)

	logrus.WithField("port", cfg.Port).Info("terminal broker starting")
	if err := sup.Run(context.Background()); err != nil {
		log.Fatalf("supervisor exited with error: %v", err)
	}
	logrus.Info("terminal broker stopped")
}
