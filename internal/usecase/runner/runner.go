// Package runner spawns external commands and exposes their output as a
// stream of tagged, byte-exact chunks.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"ansible-mcp/internal/domain"
)

// Config holds configuration for the Runner.
type Config struct {
	Env        []string      // extra KEY=VALUE pairs appended to the inherited environment
	Dir        string        // default working directory
	OutputBuf  int           // output channel capacity in chunks (default: 64)
	WaitDelay  time.Duration // how long Wait tolerates pipes held open after exit (default: 2s)
	KillGrace  time.Duration // default grace between SIGTERM and SIGKILL (default: 5s)
	LookupPath func(file string) (string, error)
}

// Runner starts processes. It holds no per-process state.
type Runner struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Runner.
func New(cfg Config, logger *slog.Logger) *Runner {
	if cfg.OutputBuf <= 0 {
		cfg.OutputBuf = 64
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = 2 * time.Second
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 5 * time.Second
	}
	if cfg.LookupPath == nil {
		cfg.LookupPath = exec.LookPath
	}
	return &Runner{cfg: cfg, logger: logger}
}

// ExitStatus describes how a process ended.
type ExitStatus struct {
	Code      int       // exit code, -1 when terminated by a signal
	Signaled  bool      // terminated by a signal
	Err       error     // wait error not explained by a non-zero exit
	StartedAt time.Time // when the process was spawned
	EndedAt   time.Time // when the output stream was closed
}

// Success reports a clean zero exit.
func (s ExitStatus) Success() bool {
	return s.Code == 0 && !s.Signaled && s.Err == nil
}

// Preflight resolves argv[0] without spawning anything.
func (r *Runner) Preflight(argv []string) error {
	_, err := r.resolve("Runner.Preflight", argv)
	return err
}

// resolve maps argv[0] to an executable path or a spawn error.
func (r *Runner) resolve(op string, argv []string) (string, error) {
	if len(argv) == 0 || argv[0] == "" {
		return "", domain.NewSubSystemError("runner", op, domain.ErrSpawn, "argument vector is empty")
	}
	path, err := r.cfg.LookupPath(argv[0])
	if err != nil {
		return "", classifySpawnError(op, argv[0], err)
	}
	return path, nil
}

func classifySpawnError(op, name string, err error) error {
	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return domain.NewSubSystemError("runner", op, domain.ErrExecutableNotFound, name)
	case errors.Is(err, fs.ErrPermission), errors.Is(err, syscall.EACCES):
		return domain.NewSubSystemError("runner", op, domain.ErrExecutableDenied, name)
	default:
		return domain.NewSubSystemError("runner", op, domain.ErrSpawn, fmt.Sprintf("%s: %v", name, err))
	}
}

// Start launches argv with env appended to the runner environment.
// The process is detached from ctx: cancelling ctx does not kill it.
func (r *Runner) Start(ctx context.Context, argv []string, env []string, dir string) (*Handle, error) {
	path, err := r.resolve("Runner.Start", argv)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(path, argv[1:]...)
	cmd.Args[0] = argv[0]
	cmd.Env = append(append(os.Environ(), r.cfg.Env...), env...)
	cmd.Dir = dir
	if cmd.Dir == "" {
		cmd.Dir = r.cfg.Dir
	}
	cmd.WaitDelay = r.cfg.WaitDelay
	setProcessGroup(cmd)

	h := &Handle{
		cmd:    cmd,
		output: make(chan domain.OutputChunk, r.cfg.OutputBuf),
		done:   make(chan struct{}),
		grace:  r.cfg.KillGrace,
	}
	cmd.Stdout = &chunkWriter{stream: domain.StreamStdout, h: h}
	cmd.Stderr = &chunkWriter{stream: domain.StreamStderr, h: h}

	if err := cmd.Start(); err != nil {
		return nil, classifySpawnError("Runner.Start", argv[0], err)
	}
	h.exit.StartedAt = time.Now()

	go h.wait()

	r.logger.DebugContext(ctx, "process started", "pid", cmd.Process.Pid, "command", argv[0])
	return h, nil
}

// Handle wraps one running OS process. It is owned by a single caller.
type Handle struct {
	cmd    *exec.Cmd
	output chan domain.OutputChunk
	done   chan struct{}
	exit   ExitStatus
	grace  time.Duration

	writeMu sync.Mutex // serializes stdout and stderr copy goroutines on the channel
	closed  bool

	killMu   sync.Mutex
	killSent bool
}

// PID returns the OS process id.
func (h *Handle) PID() int { return h.cmd.Process.Pid }

// Output returns the chunk stream. It must be drained; it is closed after
// the process exits and every chunk has been delivered.
func (h *Handle) Output() <-chan domain.OutputChunk { return h.output }

// Done is closed once Wait would return.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the process has exited and its output has been closed.
func (h *Handle) Wait() ExitStatus {
	<-h.done
	return h.exit
}

// Killed reports whether Kill or Terminate delivered a signal before the
// process was reaped.
func (h *Handle) Killed() bool {
	h.killMu.Lock()
	defer h.killMu.Unlock()
	return h.killSent
}

// Kill sends sig to the process group. A no-op after the process has exited.
func (h *Handle) Kill(sig os.Signal) error {
	// Held across the signal so Killed never misses a delivery that ended
	// the process.
	h.killMu.Lock()
	defer h.killMu.Unlock()

	select {
	case <-h.done:
		return nil
	default:
	}

	err := signalProcess(h.cmd, sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	if err != nil {
		return err
	}
	h.killSent = true
	return nil
}

// Terminate asks the process to stop and escalates to a forced kill if it
// is still alive after grace. It returns once the signal has been sent.
func (h *Handle) Terminate(grace time.Duration) error {
	if grace <= 0 {
		grace = h.grace
	}
	if err := h.Kill(syscall.SIGTERM); err != nil {
		return err
	}
	go func() {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-h.done:
		case <-timer.C:
			_ = h.Kill(os.Kill)
		}
	}()
	return nil
}

func (h *Handle) wait() {
	// exec copies both pipes to completion, bounded by WaitDelay, before Wait returns.
	err := h.cmd.Wait()

	h.writeMu.Lock()
	h.closed = true
	close(h.output)
	h.writeMu.Unlock()

	h.exit.EndedAt = time.Now()
	if h.cmd.ProcessState == nil {
		h.exit.Code = -1
		h.exit.Err = err
		close(h.done)
		return
	}
	h.exit.Code = h.cmd.ProcessState.ExitCode()
	if h.exit.Code < 0 {
		h.exit.Signaled = true
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) && !errors.Is(err, exec.ErrWaitDelay) {
		h.exit.Err = err
	}
	close(h.done)
}

// chunkWriter turns pipe reads into tagged chunks.
type chunkWriter struct {
	stream domain.OutputStream
	h      *Handle
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	data := make([]byte, len(p))
	copy(data, p)

	w.h.writeMu.Lock()
	defer w.h.writeMu.Unlock()
	if w.h.closed {
		// Late write from a pipe held open past WaitDelay.
		return len(p), nil
	}
	w.h.output <- domain.OutputChunk{Stream: w.stream, Data: data}
	return len(p), nil
}
