// Package supervisor runs the three durable activities spec.md §4.7
// names: the upgrade listener, the periodic container-health sweep, and
// the rate-limiter janitor, and owns graceful shutdown. It resolves the
// spec's two open bootstrap questions (§9) in favour of the variant that
// reconciles stale containers before serving and never exits the process
// directly — the caller's main always controls os.Exit.
package supervisor

import (
	"context"
	"net/http"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ably/terminal-broker/src/broker"
	"github.com/ably/terminal-broker/src/config"
	"github.com/ably/terminal-broker/src/container"
	"github.com/ably/terminal-broker/src/ratelimit"
)

// Supervisor wires a Registry, its container adapter, and its rate
// limiters to a concrete HTTP server, and owns their shared lifetime.
type Supervisor struct {
	cfg       *config.Config
	registry  *broker.Registry
	adapter   container.Adapter
	ipLimiter *ratelimit.Limiter
	resumeLim *ratelimit.Limiter
	server    *http.Server
	log       *logrus.Entry

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New builds a Supervisor. handler is the fully configured HTTP handler
// (gin.Engine satisfies http.Handler) serving both the health endpoint and
// the WebSocket upgrade route.
func New(cfg *config.Config, registry *broker.Registry, adapter container.Adapter, ipLimiter, resumeLimiter *ratelimit.Limiter, handler http.Handler) *Supervisor {
	return &Supervisor{
		cfg:       cfg,
		registry:  registry,
		adapter:   adapter,
		ipLimiter: ipLimiter,
		resumeLim: resumeLimiter,
		server: &http.Server{
			Addr:    ":" + strconv.Itoa(cfg.Port),
			Handler: handler,
		},
		log:    logrus.WithField("component", "supervisor"),
		stopCh: make(chan struct{}),
	}
}

// Run reconciles stale containers, starts the health/janitor loops and the
// HTTP listener, and blocks until ctx is cancelled or a SIGINT/SIGTERM
// arrives, at which point it drains and terminates every session before
// returning.
func (sup *Supervisor) Run(ctx context.Context) error {
	if err := sup.adapter.Reconcile(ctx); err != nil {
		sup.log.WithError(err).Warn("startup reconcile reported errors")
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if sup.cfg.EnableResourceMonitoring {
		go sup.healthLoop(sigCtx)
	}
	go sup.janitorLoop(sigCtx)

	serveErr := make(chan error, 1)
	go func() {
		if err := sup.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-sigCtx.Done():
		sup.log.Info("shutdown signal received, draining")
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	return sup.shutdown()
}

// Stopped returns a channel closed once shutdown has completed draining
// and terminating every session.
func (sup *Supervisor) Stopped() <-chan struct{} { return sup.stopCh }

// shutdown refuses new upgrades, gives every live session
// SHUTDOWN_GRACE_PERIOD_MS to drain on its own, then force-terminates
// whatever remains (spec.md §4.7, §5 "hard deadline"). http.Server.Shutdown
// alone cannot provide this grace window: gorilla's Upgrade hijacks the TCP
// connection away from the http.Server, so Shutdown returns immediately
// regardless of how many WebSocket sessions are still attached. The actual
// wait is done here, against the registry's sessions directly.
func (sup *Supervisor) shutdown() error {
	sup.stopOnce.Do(func() { close(sup.stopCh) })

	_ = sup.server.Close()

	drainCtx, cancel := context.WithTimeout(context.Background(), sup.cfg.ShutdownGracePeriod)
	defer cancel()
	for _, s := range sup.registry.Snapshot() {
		select {
		case <-s.Done():
		case <-drainCtx.Done():
		}
	}

	for _, s := range sup.registry.Snapshot() {
		sup.registry.Terminate(context.Background(), s, broker.ReasonShutdown)
	}
	return nil
}

// healthLoop asks the adapter to classify every live session's container
// every RESOURCE_MONITORING_INTERVAL_MS and terminates any session whose
// container has gone away (spec.md §4.7b).
func (sup *Supervisor) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(sup.cfg.ResourceMonitoringInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sup.sweepHealth(ctx)
		}
	}
}

func (sup *Supervisor) sweepHealth(ctx context.Context) {
	health, err := sup.adapter.HealthCheck(ctx)
	if err != nil {
		sup.log.WithError(err).Warn("health check failed, retrying next tick")
		return
	}
	for _, s := range sup.registry.Snapshot() {
		h, ok := health[s.Container()]
		if !ok || h == container.HealthGone {
			sup.registry.Terminate(ctx, s, broker.ReasonContainerGone)
		}
	}
}

// janitorLoop periodically sweeps both rate limiters' stale buckets
// (spec.md §4.3).
func (sup *Supervisor) janitorLoop(ctx context.Context) {
	ticker := time.NewTicker(sup.cfg.CleanupGracePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			sup.ipLimiter.Janitor(now)
			sup.resumeLim.Janitor(now)
		}
	}
}
