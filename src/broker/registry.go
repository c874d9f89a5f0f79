// Package broker implements the session registry and lifecycle described in
// spec.md §4.1: admission, create, resume, takeover, detach, terminate, and
// the three per-session timers. It generalises the teacher's
// terminal.SessionManager (map + per-entry guard, one goroutine pair per
// session) from "one persistent PTY keyed by a caller-chosen id" to the
// full resume/takeover/admission/credential state machine the spec demands.
package broker

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ably/terminal-broker/src/auditlog"
	"github.com/ably/terminal-broker/src/config"
	"github.com/ably/terminal-broker/src/container"
	"github.com/ably/terminal-broker/src/credential"
	"github.com/ably/terminal-broker/src/ratelimit"
	"github.com/ably/terminal-broker/src/ringbuffer"
)

// Bucket is one of the two independent admission accounts (spec.md §3).
type Bucket string

const (
	BucketAnonymous     Bucket = "anonymous"
	BucketAuthenticated Bucket = "authenticated"
)

// AdmissionDecision is the result of Admit.
type AdmissionDecision struct {
	Admitted bool
	Reason   string
}

// Registry owns every live session. It is the only mutable shared state of
// the broker (spec.md §5): every mutation of a session goes through it.
type Registry struct {
	cfg     *config.Config
	adapter container.Adapter
	resume  *ratelimit.Limiter
	audit   *auditlog.Log
	log     *logrus.Entry

	mu       sync.RWMutex
	sessions map[string]*Session
	counts   map[Bucket]int
}

// NewRegistry creates a Registry bound to cfg's caps/timeouts, adapter for
// container lifecycle, resumeLimiter for the per-session resume quota
// (spec.md §4.3), and audit for the resume/takeover/terminate events
// SECURITY_AUDIT_LOG gates (spec.md §3, §7). audit may be nil in tests that
// don't care about audit output; a disabled logger (auditlog.New(false))
// is the production default when the flag is off.
func NewRegistry(cfg *config.Config, adapter container.Adapter, resumeLimiter *ratelimit.Limiter, audit *auditlog.Log) *Registry {
	if audit == nil {
		audit = auditlog.New(false)
	}
	return &Registry{
		cfg:      cfg,
		adapter:  adapter,
		resume:   resumeLimiter,
		audit:    audit,
		log:      logrus.WithField("component", "broker"),
		sessions: make(map[string]*Session),
		counts:   make(map[Bucket]int),
	}
}

// Admit enforces the two independent capacity caps (spec.md §4.1). Callers
// must call Admit before Create and must not create a session if it
// refuses — admission is refused outright, never queued.
func (r *Registry) Admit(bucket Bucket) AdmissionDecision {
	r.mu.RLock()
	defer r.mu.RUnlock()

	max := r.cfg.MaxAnonymousSessions
	if bucket == BucketAuthenticated {
		max = r.cfg.MaxAuthenticatedSessions
	}
	if r.counts[bucket] >= max {
		return AdmissionDecision{Admitted: false, Reason: "capacity"}
	}
	return AdmissionDecision{Admitted: true}
}

// Count returns the live session count for bucket.
func (r *Registry) Count(bucket Bucket) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counts[bucket]
}

// Lookup returns the live session for id, if any, without mutating it. The
// protocol layer uses this to decide whether an incoming sessionId should
// be handled via TryResume (session detached) or Takeover (session
// attached) before making the call that actually mutates state.
func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Snapshot returns every live session, for the health loop.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func newSessionID() (string, error) {
	buf := make([]byte, 20) // 160 bits, comfortably over the 128-bit floor
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("broker: generate session id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Create admits (must already have passed Admit), provisions a container,
// and registers a new session attached to sock.
func (r *Registry) Create(ctx context.Context, credHash credential.Hash, authenticated bool, env map[string]string, cols, rows uint16, sock Socket) (*Session, error) {
	bucket := BucketAnonymous
	if authenticated {
		bucket = BucketAuthenticated
	}

	id, err := newSessionID()
	if err != nil {
		return nil, err
	}

	handle, err := r.adapter.Create(ctx, container.Spec{
		SessionID: id,
		Env:       env,
		Image:     r.cfg.ContainerImage,
		Network:   r.cfg.ContainerNetwork,
		Cols:      cols,
		Rows:      rows,
		Limits: container.ResourceLimits{
			MemoryBytes: r.cfg.ContainerMemoryBytes,
			PidsLimit:   r.cfg.ContainerPidsLimit,
			CPUShares:   r.cfg.ContainerCPUShares,
			TmpfsBytes:  r.cfg.ContainerTmpfsSize,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("broker: create container: %w", err)
	}

	streams, err := r.adapter.Attach(ctx, handle)
	if err != nil {
		_ = r.adapter.Remove(ctx, handle)
		return nil, fmt.Errorf("broker: attach container: %w", err)
	}

	now := time.Now()
	s := &Session{
		ID:             id,
		CredentialHash: credHash,
		Authenticated:  authenticated,
		container:      handle,
		streams:        streams,
		createdAt:      now,
		status:         StatusDetached,
		lastActivity:   now,
		buffer:         ringbuffer.New(r.cfg.OutputBufferMaxLines, r.cfg.MaxOutputBufferSize),
		doneCh:         make(chan struct{}),
		log:            r.log.WithField("session", id),
	}

	s.idleTimer = time.AfterFunc(r.cfg.TerminalIdleTimeout, func() {
		r.Terminate(context.Background(), s, ReasonIdleTimeout)
	})
	s.absTimer = time.AfterFunc(r.cfg.MaxSessionDuration, func() {
		r.Terminate(context.Background(), s, ReasonDurationTimeout)
	})

	// attachSocket's buffer is still empty at this point, so this is just
	// the state-machine transition into Attached; it never replays anything.
	if err := s.attachSocket(sock); err != nil {
		_ = r.adapter.Remove(ctx, handle)
		return nil, err
	}

	r.mu.Lock()
	r.sessions[id] = s
	r.counts[bucket]++
	r.mu.Unlock()

	go r.streamOut(s)
	go r.watchExit(s)

	return s, nil
}

// streamOut copies container stdout into the session's buffer/socket until
// the stream ends, the way the teacher's ManagedSession.readLoop does.
func (r *Registry) streamOut(s *Session) {
	buf := make([]byte, 4096)
	for {
		n, err := s.streams.Stdout.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.deliver(data)
			s.touch(r.cfg.TerminalIdleTimeout)
		}
		if err != nil {
			return
		}
	}
}

// watchExit terminates the session when its container's shell process
// exits on its own (spec.md §4.1 "terminated when ... the container
// exits"), generalising the teacher's watchShellExit.
func (r *Registry) watchExit(s *Session) {
	if s.streams.Wait == nil {
		return
	}
	err := s.streams.Wait()
	select {
	case <-s.doneCh:
		return // already terminated by another path
	default:
	}
	if err != nil {
		s.log.WithError(err).Info("container exited with error")
	}
	r.Terminate(context.Background(), s, ReasonContainerExit)
}

// TryResume binds a new socket to an existing detached session, replaying
// its buffer first (spec.md §4.1 "Resume").
func (r *Registry) TryResume(sessionID string, credHash credential.Hash, sock Socket) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	if s.CredentialHash != credHash {
		return nil, ErrCredentialMismatch
	}

	if !s.attaching.CompareAndSwap(false, true) {
		// Another resume/takeover is already in flight; this one loses.
		return nil, ErrTakeoverInProgress
	}
	defer s.attaching.Store(false)

	s.mu.Lock()
	expired := s.status == StatusDetached && s.orphanAt != nil && time.Now().After(*s.orphanAt)
	alreadyAttached := s.status == StatusAttached
	terminated := s.status == StatusTerminated
	s.mu.Unlock()

	if terminated {
		return nil, ErrNotFound
	}
	if expired {
		return nil, ErrExpired
	}
	if alreadyAttached {
		// A live resume with a matching id and credentials while attached
		// is a takeover, not a resume; callers should use Takeover.
		return nil, ErrAlreadyAttached
	}

	if !r.resume.Allow(sessionID) {
		return nil, ErrResumeRateLimited
	}

	if err := s.attachSocket(sock); err != nil {
		return nil, err
	}
	s.touch(r.cfg.TerminalIdleTimeout)
	r.audit.SessionEvent("resume", sessionID, "")
	return s, nil
}

// Takeover displaces the currently attached socket of s with sock, after
// verifying sock's presenter carries the same credentials as the session's
// original socket (glossary: "displacing the currently attached socket of
// a session with a newer one carrying the same identifier and
// credentials"). The old socket is closed with ReasonReplaced; no new
// container is created.
func (r *Registry) Takeover(s *Session, credHash credential.Hash, sock Socket) error {
	if s.CredentialHash != credHash {
		return ErrCredentialMismatch
	}

	if !s.attaching.CompareAndSwap(false, true) {
		return ErrTakeoverInProgress
	}
	defer s.attaching.Store(false)

	s.mu.Lock()
	old := s.socket
	terminated := s.status == StatusTerminated
	s.mu.Unlock()
	if terminated {
		return ErrNotFound
	}

	if old != nil {
		_ = old.SendStatus("disconnected", string(ReasonReplaced))
		_ = old.Close()
	}

	if err := s.attachSocket(sock); err != nil {
		return err
	}
	s.touch(r.cfg.TerminalIdleTimeout)
	r.audit.SessionEvent("takeover", s.ID, "")
	return nil
}

// Detach unbinds sock, leaves the container running, and starts the
// orphan-grace timer (spec.md §4.1). It is a no-op if sock is no longer
// the session's current socket (a takeover already displaced it), so a
// losing read-loop can never detach the socket that replaced it.
func (r *Registry) Detach(s *Session, sock Socket, reason Reason) {
	if !s.HasSocket(sock) {
		return
	}
	s.log.WithField("reason", reason).Info("session detached")
	r.audit.SessionEvent("detach", s.ID, string(reason))
	s.detachSocket(r.cfg.ResumeGrace, func() {
		r.Terminate(context.Background(), s, ReasonOrphanExpired)
	})
}

// Terminate removes the container, cancels every timer, clears the buffer,
// and drops the registry entry. Exactly one call per session ever runs its
// body; repeats are no-ops (spec.md §4.1, §8 property 5).
func (r *Registry) Terminate(ctx context.Context, s *Session, reason Reason) {
	s.terminateOnce.Do(func() {
		s.mu.Lock()
		sock := s.socket
		s.socket = nil
		s.status = StatusTerminated
		if s.idleTimer != nil {
			s.idleTimer.Stop()
		}
		if s.absTimer != nil {
			s.absTimer.Stop()
		}
		if s.orphanTimer != nil {
			s.orphanTimer.Stop()
		}
		s.mu.Unlock()

		close(s.doneCh)
		s.buffer.Reset()

		if sock != nil {
			_ = sock.SendStatus("disconnected", string(reason))
			_ = sock.Close()
		}

		if err := r.adapter.Remove(ctx, s.container); err != nil {
			s.log.WithError(err).Warn("failed to remove container on terminate")
		}

		bucket := BucketAnonymous
		if s.Authenticated {
			bucket = BucketAuthenticated
		}
		r.mu.Lock()
		delete(r.sessions, s.ID)
		if r.counts[bucket] > 0 {
			r.counts[bucket]--
		}
		r.mu.Unlock()

		s.log.WithField("reason", reason).Info("session terminated")
		r.audit.SessionEvent("terminate", s.ID, string(reason))
	})
}

// Write forwards client input to the session's container stdin (spec.md
// §4.2 "data" frame handling). It does not record activity; callers do that
// with Touch.
func (s *Session) Write(p []byte) (int, error) {
	n, err := s.streams.Stdin.Write(p)
	return n, err
}

// Resize forwards a TTY window-size change to the container.
func (s *Session) Resize(cols, rows uint16) error {
	if s.streams.Resize == nil {
		return nil
	}
	return s.streams.Resize(cols, rows)
}

// Done returns a channel closed when the session reaches Terminated.
func (s *Session) Done() <-chan struct{} { return s.doneCh }

// Touch records activity and rearms the idle timer; exported so the
// protocol layer can mark input bytes as activity too.
func (s *Session) Touch(idleTimeout time.Duration) { s.touch(idleTimeout) }
