package supervisor

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/ably/terminal-broker/src/broker"
	"github.com/ably/terminal-broker/src/config"
	"github.com/ably/terminal-broker/src/container"
	"github.com/ably/terminal-broker/src/ratelimit"
)

// noopAdapter is the smallest container.Adapter that satisfies the
// interface without managing anything real, for supervisor-loop tests
// that only care about reconcile/health-check being called.
type noopAdapter struct {
	reconciled   bool
	healthCalls  int
	healthResult map[container.Handle]container.Health
}

func (a *noopAdapter) Reconcile(ctx context.Context) error { a.reconciled = true; return nil }
func (a *noopAdapter) Create(ctx context.Context, spec container.Spec) (container.Handle, error) {
	return "", nil
}
func (a *noopAdapter) Attach(ctx context.Context, h container.Handle) (container.Streams, error) {
	return container.Streams{}, nil
}
func (a *noopAdapter) Stop(ctx context.Context, h container.Handle, grace int) error   { return nil }
func (a *noopAdapter) Remove(ctx context.Context, h container.Handle) error            { return nil }
func (a *noopAdapter) HealthCheck(ctx context.Context) (map[container.Handle]container.Health, error) {
	a.healthCalls++
	return a.healthResult, nil
}

func testConfig(port int) *config.Config {
	return &config.Config{
		Port:                       port,
		ResourceMonitoringInterval: 10 * time.Millisecond,
		EnableResourceMonitoring:   true,
		CleanupGracePeriod:         10 * time.Millisecond,
		ShutdownGracePeriod:        100 * time.Millisecond,
		MaxAnonymousSessions:       5,
		MaxAuthenticatedSessions:   5,
	}
}

func TestRunReconcilesAtStartup(t *testing.T) {
	cfg := testConfig(0)
	adapter := &noopAdapter{healthResult: map[container.Handle]container.Health{}}
	limiter := ratelimit.New(time.Minute, 10, true)
	reg := broker.NewRegistry(cfg, adapter, limiter, nil)

	mux := http.NewServeMux()
	sup := New(cfg, reg, adapter, limiter, limiter, mux)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}

	if !adapter.reconciled {
		t.Fatal("Reconcile was not called at startup")
	}
	if adapter.healthCalls == 0 {
		t.Fatal("health loop never ran")
	}
}
