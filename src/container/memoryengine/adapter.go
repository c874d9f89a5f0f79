// Package memoryengine is an in-process container.Adapter that runs the
// restricted shell as a local PTY-backed process instead of a real
// container. It exists for tests and for local/dev runs with no container
// engine available, and is grounded directly on the teacher's
// terminal.TerminalSession (creack/pty process management): same
// StartWithSize/Setsize/process-group-kill shape, generalised behind the
// container.Adapter contract instead of being wired straight into a
// WebSocket handler.
package memoryengine

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/ably/terminal-broker/src/container"
)

// Adapter is a container.Adapter backed by local PTY processes. It does not
// enforce the container security posture (no real container boundary
// exists); production deployments use dockerengine.Adapter instead.
type Adapter struct {
	shell string

	mu      sync.Mutex
	procs   map[container.Handle]*shellProcess
}

type shellProcess struct {
	ptmx    *os.File
	cmd     *exec.Cmd
	usePgrp bool

	mu      sync.Mutex
	closed  bool
	waitErr error
	waitCh  chan struct{}
}

// New creates a memory-engine adapter. shell is the restricted shell binary
// to launch for every session; if empty, $SHELL or /bin/sh is used, as in
// the teacher's NewTerminalSession.
func New(shell string) *Adapter {
	return &Adapter{
		shell: shell,
		procs: make(map[container.Handle]*shellProcess),
	}
}

// Reconcile is a no-op: local PTY processes never survive this process's
// own restart, so there is nothing to reconcile against.
func (a *Adapter) Reconcile(ctx context.Context) error { return nil }

// Create starts a new PTY-backed shell process for spec.
func (a *Adapter) Create(ctx context.Context, spec container.Spec) (container.Handle, error) {
	shell := a.shell
	if shell == "" {
		shell = os.Getenv("SHELL")
		if shell == "" {
			shell = "/bin/sh"
		}
	}

	cmd := exec.Command(shell)

	systemEnv := os.Environ()
	overridden := make(map[string]bool, len(spec.Env))
	for k := range spec.Env {
		overridden[k] = true
	}
	finalEnv := make([]string, 0, len(systemEnv)+len(spec.Env)+1)
	for _, kv := range systemEnv {
		idx := -1
		for i, c := range kv {
			if c == '=' {
				idx = i
				break
			}
		}
		if idx > 0 && !overridden[kv[:idx]] {
			finalEnv = append(finalEnv, kv)
		}
	}
	for k, v := range spec.Env {
		finalEnv = append(finalEnv, k+"="+v)
	}
	finalEnv = append(finalEnv, "TERM=xterm-256color")
	cmd.Env = finalEnv

	usePgrp := runtime.GOOS == "linux"
	if usePgrp {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}

	cols, rows := spec.Cols, spec.Rows
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return "", fmt.Errorf("memoryengine: start shell: %w", err)
	}

	sp := &shellProcess{
		ptmx:    ptmx,
		cmd:     cmd,
		usePgrp: usePgrp,
		waitCh:  make(chan struct{}),
	}
	go sp.waitLoop()

	handle := container.Handle(fmt.Sprintf("mem-%s-%s", spec.SessionID, uuid.NewString()))
	a.mu.Lock()
	a.procs[handle] = sp
	a.mu.Unlock()

	return handle, nil
}

func (sp *shellProcess) waitLoop() {
	err := sp.cmd.Wait()
	sp.mu.Lock()
	sp.waitErr = err
	sp.mu.Unlock()
	close(sp.waitCh)
}

// Attach returns the PTY's I/O streams.
func (a *Adapter) Attach(ctx context.Context, h container.Handle) (container.Streams, error) {
	sp, ok := a.lookup(h)
	if !ok {
		return container.Streams{}, fmt.Errorf("memoryengine: unknown handle %q", h)
	}
	return container.Streams{
		Stdin:  ptyWriteCloser{sp},
		Stdout: ptyReader{sp},
		Resize: func(cols, rows uint16) error {
			sp.mu.Lock()
			closed := sp.closed
			sp.mu.Unlock()
			if closed {
				return io.ErrClosedPipe
			}
			return pty.Setsize(sp.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
		},
		Wait: func() error {
			<-sp.waitCh
			sp.mu.Lock()
			defer sp.mu.Unlock()
			return sp.waitErr
		},
	}, nil
}

type ptyWriteCloser struct{ sp *shellProcess }

func (w ptyWriteCloser) Write(p []byte) (int, error) { return w.sp.ptmx.Write(p) }
func (w ptyWriteCloser) Close() error                { return nil }

type ptyReader struct{ sp *shellProcess }

func (r ptyReader) Read(p []byte) (int, error) { return r.sp.ptmx.Read(p) }

// Stop terminates the shell process; grace is ignored because a local
// process group kill is immediate.
func (a *Adapter) Stop(ctx context.Context, h container.Handle, grace int) error {
	return a.kill(h)
}

// Remove terminates and forgets the process.
func (a *Adapter) Remove(ctx context.Context, h container.Handle) error {
	err := a.kill(h)
	a.mu.Lock()
	delete(a.procs, h)
	a.mu.Unlock()
	return err
}

func (a *Adapter) kill(h container.Handle) error {
	sp, ok := a.lookup(h)
	if !ok {
		return nil
	}
	sp.mu.Lock()
	if sp.closed {
		sp.mu.Unlock()
		return nil
	}
	sp.closed = true
	sp.mu.Unlock()

	_ = sp.ptmx.Close()
	if sp.cmd.Process != nil {
		if sp.usePgrp {
			_ = syscall.Kill(-sp.cmd.Process.Pid, syscall.SIGKILL)
		} else {
			_ = sp.cmd.Process.Kill()
		}
	}
	return nil
}

// HealthCheck reports every tracked process as Gone once its shell has
// exited, Ok otherwise.
func (a *Adapter) HealthCheck(ctx context.Context) (map[container.Handle]container.Health, error) {
	a.mu.Lock()
	handles := make(map[container.Handle]*shellProcess, len(a.procs))
	for h, sp := range a.procs {
		handles[h] = sp
	}
	a.mu.Unlock()

	out := make(map[container.Handle]container.Health, len(handles))
	for h, sp := range handles {
		select {
		case <-sp.waitCh:
			out[h] = container.HealthGone
		default:
			out[h] = container.HealthOK
		}
	}
	return out, nil
}

func (a *Adapter) lookup(h container.Handle) (*shellProcess, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	sp, ok := a.procs[h]
	return sp, ok
}
