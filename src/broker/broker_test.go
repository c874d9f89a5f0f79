package broker

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/ably/terminal-broker/src/config"
	"github.com/ably/terminal-broker/src/container"
	"github.com/ably/terminal-broker/src/credential"
	"github.com/ably/terminal-broker/src/ratelimit"
)

// fakeAdapter is a minimal container.Adapter for registry tests: every
// handle gets an in-memory pipe pair instead of a real PTY or container.
type fakeAdapter struct {
	mu      sync.Mutex
	n       int
	streams map[container.Handle]*fakeStream
}

type fakeStream struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	once   sync.Once
	exitCh chan struct{}
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{streams: make(map[container.Handle]*fakeStream)}
}

func (a *fakeAdapter) Reconcile(ctx context.Context) error { return nil }

func (a *fakeAdapter) Create(ctx context.Context, spec container.Spec) (container.Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.n++
	h := container.Handle(fmt.Sprintf("fake-%d", a.n))
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	a.streams[h] = &fakeStream{stdinR: inR, stdinW: inW, stdoutR: outR, stdoutW: outW, exitCh: make(chan struct{})}
	return h, nil
}

func (a *fakeAdapter) Attach(ctx context.Context, h container.Handle) (container.Streams, error) {
	a.mu.Lock()
	fs, ok := a.streams[h]
	a.mu.Unlock()
	if !ok {
		return container.Streams{}, fmt.Errorf("fakeAdapter: unknown handle %s", h)
	}
	return container.Streams{
		Stdin:  fs.stdinW,
		Stdout: fs.stdoutR,
		Resize: func(cols, rows uint16) error { return nil },
		Wait: func() error {
			<-fs.exitCh
			return nil
		},
	}, nil
}

func (a *fakeAdapter) Stop(ctx context.Context, h container.Handle, grace int) error {
	return a.exit(h)
}

func (a *fakeAdapter) Remove(ctx context.Context, h container.Handle) error {
	return a.exit(h)
}

func (a *fakeAdapter) HealthCheck(ctx context.Context) (map[container.Handle]container.Health, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[container.Handle]container.Health, len(a.streams))
	for h, fs := range a.streams {
		select {
		case <-fs.exitCh:
			out[h] = container.HealthGone
		default:
			out[h] = container.HealthOK
		}
	}
	return out, nil
}

func (a *fakeAdapter) exit(h container.Handle) error {
	a.mu.Lock()
	fs, ok := a.streams[h]
	a.mu.Unlock()
	if !ok {
		return nil
	}
	fs.once.Do(func() {
		_ = fs.stdoutW.Close()
		close(fs.exitCh)
	})
	return nil
}

// push writes data to a session's stdout stream, as if the shell produced it.
func (a *fakeAdapter) push(h container.Handle, data []byte) {
	a.mu.Lock()
	fs := a.streams[h]
	a.mu.Unlock()
	_, _ = fs.stdoutW.Write(data)
}

// fakeSocket records everything sent to it.
type fakeSocket struct {
	mu     sync.Mutex
	data   [][]byte
	status []string
	closed bool
}

func (f *fakeSocket) SendData(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(p))
	copy(cp, p)
	f.data = append(f.data, cp)
	return nil
}

func (f *fakeSocket) SendStatus(status, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = append(f.status, status+":"+reason)
	return nil
}

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSocket) allData() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []byte
	for _, d := range f.data {
		out = append(out, d...)
	}
	return out
}

func (f *fakeSocket) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func testConfig() *config.Config {
	return &config.Config{
		MaxAnonymousSessions:              2,
		MaxAuthenticatedSessions:          2,
		MaxResumeAttemptsPerSessionPerMin: 3,
		TerminalIdleTimeout:               time.Hour,
		MaxSessionDuration:                time.Hour,
		ResumeGrace:                       50 * time.Millisecond,
		OutputBufferMaxLines:              1000,
		MaxOutputBufferSize:               1 << 20,
	}
}

func newTestRegistry() (*Registry, *fakeAdapter) {
	cfg := testConfig()
	adapter := newFakeAdapter()
	limiter := ratelimit.New(time.Minute, cfg.MaxResumeAttemptsPerSessionPerMin, true)
	return NewRegistry(cfg, adapter, limiter, nil), adapter
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

// S1: a brand-new session is created attached, and live output reaches the
// socket that created it.
func TestCreateAttachesSocketAndStreamsOutput(t *testing.T) {
	reg, adapter := newTestRegistry()
	sock := &fakeSocket{}

	s, err := reg.Create(context.Background(), credential.Derive("k", "t"), true, nil, 80, 24, sock)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.Status() != StatusAttached {
		t.Fatalf("status = %s, want attached", s.Status())
	}

	adapter.push(s.Container(), []byte("hello\n"))
	waitFor(t, func() bool { return string(sock.allData()) == "hello\n" })
}

// S2: resuming within the grace window replays buffered output before any
// new live bytes, and the prior socket is not involved.
func TestResumeReplaysBufferedOutput(t *testing.T) {
	reg, adapter := newTestRegistry()
	credHash := credential.Derive("k", "t")
	first := &fakeSocket{}

	s, err := reg.Create(context.Background(), credHash, true, nil, 80, 24, first)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	adapter.push(s.Container(), []byte("buffered\n"))
	waitFor(t, func() bool { return string(first.allData()) == "buffered\n" })

	reg.Detach(s, first, ReasonClientExit)
	if s.Status() != StatusDetached {
		t.Fatalf("status = %s, want detached", s.Status())
	}

	second := &fakeSocket{}
	resumed, err := reg.TryResume(s.ID, credHash, second)
	if err != nil {
		t.Fatalf("TryResume: %v", err)
	}
	if resumed != s {
		t.Fatal("TryResume returned a different session")
	}
	if got := string(second.allData()); got != "buffered\n" {
		t.Fatalf("replay = %q, want %q", got, "buffered\n")
	}

	adapter.push(s.Container(), []byte("live\n"))
	waitFor(t, func() bool { return string(second.allData()) == "buffered\nlive\n" })
}

// S3: resume with the wrong credential hash is refused and does not mutate
// session state.
func TestResumeWrongCredentialRefused(t *testing.T) {
	reg, _ := newTestRegistry()
	credHash := credential.Derive("k", "t")
	sock := &fakeSocket{}

	s, err := reg.Create(context.Background(), credHash, true, nil, 80, 24, sock)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	reg.Detach(s, sock, ReasonClientExit)

	_, err = reg.TryResume(s.ID, credential.Derive("k", "wrong"), &fakeSocket{})
	if err != ErrCredentialMismatch {
		t.Fatalf("err = %v, want ErrCredentialMismatch", err)
	}
	if s.Status() != StatusDetached {
		t.Fatalf("status = %s, want still detached", s.Status())
	}
}

// S4: a second connection presenting the same session id and credentials
// while one socket is already attached takes over, displacing the old
// socket with a "replaced" status.
func TestTakeoverDisplacesOldSocket(t *testing.T) {
	reg, adapter := newTestRegistry()
	credHash := credential.Derive("k", "t")
	first := &fakeSocket{}

	s, err := reg.Create(context.Background(), credHash, true, nil, 80, 24, first)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// A resume attempt while attached is refused; the caller should take over.
	if _, err := reg.TryResume(s.ID, credHash, &fakeSocket{}); err != ErrAlreadyAttached {
		t.Fatalf("err = %v, want ErrAlreadyAttached", err)
	}

	second := &fakeSocket{}
	if err := reg.Takeover(s, credHash, second); err != nil {
		t.Fatalf("Takeover: %v", err)
	}
	if !first.isClosed() {
		t.Fatal("old socket was not closed on takeover")
	}
	if len(first.status) == 0 || first.status[len(first.status)-1] != "disconnected:replaced" {
		t.Fatalf("old socket status = %v, want trailing disconnected:replaced", first.status)
	}

	adapter.push(s.Container(), []byte("to-new\n"))
	waitFor(t, func() bool { return string(second.allData()) == "to-new\n" })
	if string(first.allData()) != "" {
		t.Fatalf("old socket received post-takeover data: %q", first.allData())
	}
}

// A takeover attempt presenting the wrong credentials must not displace the
// attached socket, even though it names the right session id.
func TestTakeoverWrongCredentialRefused(t *testing.T) {
	reg, _ := newTestRegistry()
	credHash := credential.Derive("k", "t")
	first := &fakeSocket{}

	s, err := reg.Create(context.Background(), credHash, true, nil, 80, 24, first)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	wrong := credential.Derive("k", "other-token")
	if err := reg.Takeover(s, wrong, &fakeSocket{}); err != ErrCredentialMismatch {
		t.Fatalf("err = %v, want ErrCredentialMismatch", err)
	}
	if first.isClosed() {
		t.Fatal("attacker without matching credentials displaced the live socket")
	}
}

// S5: admission refuses outright once a bucket is at capacity; it never
// queues the caller.
func TestAdmitRefusesAtCapacity(t *testing.T) {
	reg, _ := newTestRegistry()
	for i := 0; i < 2; i++ {
		d := reg.Admit(BucketAuthenticated)
		if !d.Admitted {
			t.Fatalf("admission %d unexpectedly refused", i)
		}
		if _, err := reg.Create(context.Background(), credential.Derive("k", fmt.Sprint(i)), true, nil, 80, 24, &fakeSocket{}); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	d := reg.Admit(BucketAuthenticated)
	if d.Admitted {
		t.Fatal("admission should have been refused at capacity")
	}
	if reg.Count(BucketAuthenticated) != 2 {
		t.Fatalf("count = %d, want 2", reg.Count(BucketAuthenticated))
	}
}

// S6: once the per-session resume rate is exhausted, further resumes are
// refused until the window slides.
func TestResumeRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.MaxResumeAttemptsPerSessionPerMin = 1
	adapter := newFakeAdapter()
	limiter := ratelimit.New(time.Minute, cfg.MaxResumeAttemptsPerSessionPerMin, true)
	reg := NewRegistry(cfg, adapter, limiter, nil)

	credHash := credential.Derive("k", "t")
	createSock := &fakeSocket{}
	s, err := reg.Create(context.Background(), credHash, true, nil, 80, 24, createSock)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	reg.Detach(s, createSock, ReasonClientExit)

	firstResumeSock := &fakeSocket{}
	if _, err := reg.TryResume(s.ID, credHash, firstResumeSock); err != nil {
		t.Fatalf("first resume: %v", err)
	}
	reg.Detach(s, firstResumeSock, ReasonClientExit)

	if _, err := reg.TryResume(s.ID, credHash, &fakeSocket{}); err != ErrResumeRateLimited {
		t.Fatalf("err = %v, want ErrResumeRateLimited", err)
	}
}

// Universal property: a container exiting on its own terminates the
// session exactly once, removes it from the registry, and closes the
// socket with a container_exit reason.
func TestContainerExitTerminatesSessionOnce(t *testing.T) {
	reg, adapter := newTestRegistry()
	sock := &fakeSocket{}

	s, err := reg.Create(context.Background(), credential.Derive("k", "t"), true, nil, 80, 24, sock)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	adapter.exit(s.Container())
	<-s.Done()

	waitFor(t, func() bool { return sock.isClosed() })
	if s.Status() != StatusTerminated {
		t.Fatalf("status = %s, want terminated", s.Status())
	}
	if _, ok := reg.Lookup(s.ID); ok {
		t.Fatal("terminated session was not removed from the registry")
	}
	if reg.Count(BucketAuthenticated) != 0 {
		t.Fatalf("count = %d, want 0 after terminate", reg.Count(BucketAuthenticated))
	}

	// Repeated Terminate calls are no-ops (exactly-once semantics).
	reg.Terminate(context.Background(), s, ReasonShutdown)
	reg.Terminate(context.Background(), s, ReasonShutdown)
}

// Universal property: the orphan grace window terminates a detached
// session that nobody resumes in time.
func TestOrphanGraceExpiryTerminates(t *testing.T) {
	reg, _ := newTestRegistry()
	credHash := credential.Derive("k", "t")

	sock := &fakeSocket{}
	s, err := reg.Create(context.Background(), credHash, true, nil, 80, 24, sock)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	reg.Detach(s, sock, ReasonClientExit)

	waitFor(t, func() bool { return s.Status() == StatusTerminated })

	if _, err := reg.TryResume(s.ID, credHash, &fakeSocket{}); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound after orphan expiry", err)
	}
}

// Universal property: resuming an unknown session id fails closed.
func TestResumeUnknownSession(t *testing.T) {
	reg, _ := newTestRegistry()
	if _, err := reg.TryResume("does-not-exist", credential.Derive("k", "t"), &fakeSocket{}); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
