// Package container defines the contract the session registry uses to
// create, attach to, and reclaim the sandboxed shell process for a session
// (spec.md §4.6). The registry never depends on a concrete engine; it only
// sees this interface, so it can be tested against an in-memory fake
// (src/container/memoryengine) while production runs the Docker-engine
// adapter (src/container/dockerengine).
package container

import (
	"context"
	"io"
)

// Handle is an opaque reference to a created container. Its only meaning
// to the registry is "pass this back to Attach/Stop/Remove/HealthCheck for
// the same container".
type Handle string

// Health is the classification HealthCheck returns for a container.
type Health string

const (
	HealthOK        Health = "ok"
	HealthUnhealthy Health = "unhealthy"
	HealthGone      Health = "gone"
)

// ResourceLimits carries the numeric security-posture limits from
// config.Config; the adapter never hard-codes them (spec.md §4.6).
type ResourceLimits struct {
	MemoryBytes int64
	PidsLimit   int64
	CPUShares   int64
	TmpfsBytes  int64
}

// Spec describes a container to create for a session.
type Spec struct {
	SessionID string
	Env       map[string]string
	Image     string
	Network   string
	Limits    ResourceLimits
	Cols      uint16
	Rows      uint16
}

// Streams is the set of I/O handles Attach returns for a live container.
type Streams struct {
	Stdin  io.WriteCloser
	Stdout io.Reader
	Resize func(cols, rows uint16) error
	// Wait blocks until the container's shell process exits and returns its
	// exit error, if any. It must be safe to call from exactly one goroutine
	// per Attach.
	Wait func() error
}

// Adapter is the container lifecycle contract spec.md §4.6 names.
// Implementations must tolerate concurrent calls: the core never holds a
// registry lock across an Adapter call (spec.md §5).
type Adapter interface {
	// Reconcile runs once at startup. It removes non-running containers
	// that carry the broker's management label and leaves running ones
	// alone, so sessions whose container survived a broker restart remain
	// resumable.
	Reconcile(ctx context.Context) error

	// Create makes the configured image available if absent (the Docker
	// adapter pulls it; no adapter builds it), then starts a new container
	// with the security posture spec.md §4.6 requires.
	Create(ctx context.Context, spec Spec) (Handle, error)

	// Attach opens the container's stdio streams.
	Attach(ctx context.Context, h Handle) (Streams, error)

	// Stop asks the container to exit gracefully, waiting up to grace
	// before a forced kill.
	Stop(ctx context.Context, h Handle, grace int) error

	// Remove deletes the container and its resources.
	Remove(ctx context.Context, h Handle) error

	// HealthCheck classifies every container this adapter currently
	// manages.
	HealthCheck(ctx context.Context) (map[Handle]Health, error)
}
