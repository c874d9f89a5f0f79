package broker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ably/terminal-broker/src/container"
	"github.com/ably/terminal-broker/src/credential"
	"github.com/ably/terminal-broker/src/ringbuffer"
)

// Socket is the subset of a live WebSocket connection the registry needs.
// wsproto.Conn implements this; the broker package never imports wsproto,
// keeping the dependency direction protocol -> registry, never the reverse.
type Socket interface {
	// SendData forwards raw shell output to the client as a data frame.
	SendData(p []byte) error
	// SendStatus sends a status frame with an optional reason.
	SendStatus(status, reason string) error
	// Close closes the underlying connection.
	Close() error
}

// Status is a session's externally observable lifecycle state
// (spec.md §4.1 state machine).
type Status string

const (
	StatusAttached   Status = "attached"
	StatusDetached   Status = "detached"
	StatusTerminated Status = "terminated"
)

// Session is one logical shell: one container, at most one attached socket.
// All field mutation happens under mu or via the registry's per-ID
// serialisation; see spec.md §5 "Shared-resource discipline".
type Session struct {
	ID             string
	CredentialHash credential.Hash
	Authenticated  bool

	container container.Handle
	streams   container.Streams

	createdAt time.Time

	mu           sync.Mutex
	status       Status
	socket       Socket
	lastActivity time.Time
	orphanAt     *time.Time

	idleTimer *time.Timer
	absTimer  *time.Timer
	orphanTimer *time.Timer

	attaching atomic.Bool

	buffer *ringbuffer.Buffer

	// writeMu serialises replay-then-live-forward so a resuming client
	// never observes an interleave (spec.md §4.5).
	writeMu sync.Mutex

	doneCh        chan struct{}
	terminateOnce sync.Once
	terminateFn   func(Reason)

	log *logrus.Entry
}

// Status returns the session's current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// LastActivity returns the last time bytes moved in either direction.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// CreatedAt returns the session's creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// HasSocket reports whether sock is the session's currently attached
// socket. Callers use this to avoid detaching a session out from under a
// socket that has already been displaced by a takeover.
func (s *Session) HasSocket(sock Socket) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.socket == sock
}

// Container returns the session's container handle.
func (s *Session) Container() container.Handle { return s.container }

// touch updates lastActivity and rearms the idle timer. Called on every
// byte in either direction (spec.md §4.1 "Timers").
func (s *Session) touch(idleTimeout time.Duration) {
	s.mu.Lock()
	s.lastActivity = time.Now()
	if s.idleTimer != nil {
		s.idleTimer.Reset(idleTimeout)
	}
	s.mu.Unlock()
}

// deliver writes shell output to the buffer and, if a socket is attached,
// forwards it live. Appending to the buffer and forwarding are both done
// under writeMu so a concurrent resume's replay-then-attach step can never
// interleave with a live write (spec.md §4.5, §5).
func (s *Session) deliver(data []byte) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.buffer.Append(data)

	s.mu.Lock()
	sock := s.socket
	s.mu.Unlock()
	if sock == nil {
		return
	}
	if err := sock.SendData(data); err != nil {
		s.log.WithError(err).Debug("live forward to socket failed")
	}
}

// attachSocket binds sock as the session's live socket, after replaying the
// buffer to it. Replay and the switch to live forwarding happen under
// writeMu, so the socket never observes replayed and live bytes out of
// order (spec.md §4.1 "Resume", §4.5).
func (s *Session) attachSocket(sock Socket) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.buffer.Replay(func(p []byte) error {
		return sock.SendData(p)
	}); err != nil {
		return err
	}

	s.mu.Lock()
	s.socket = sock
	s.status = StatusAttached
	s.orphanAt = nil
	if s.orphanTimer != nil {
		s.orphanTimer.Stop()
		s.orphanTimer = nil
	}
	s.mu.Unlock()
	return nil
}

// detachSocket clears the live socket without touching the container,
// starting the orphan grace window.
func (s *Session) detachSocket(orphanGrace time.Duration, onExpire func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusAttached {
		return
	}
	s.socket = nil
	s.status = StatusDetached
	deadline := time.Now().Add(orphanGrace)
	s.orphanAt = &deadline
	s.orphanTimer = time.AfterFunc(orphanGrace, onExpire)
}
