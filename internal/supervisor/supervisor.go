// Package supervisor spawns one service child attached to a pseudo-terminal,
// streams its output as log events, and runs the graceful kill flow. Each
// running instance is owned by exactly one supervisor; the scheduler observes
// it purely through events.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"

	"github.com/benaskins/micromux/internal/bus"
	"github.com/benaskins/micromux/internal/health"
	"github.com/benaskins/micromux/internal/service"
)

// termGracePeriod bounds how long a SIGTERM'd child may linger before the
// hard kill.
const termGracePeriod = 750 * time.Millisecond

// Size is the PTY window size propagated to children.
type Size struct {
	Cols uint16
	Rows uint16
}

// DefaultSize is used until the UI reports the real terminal size.
var DefaultSize = Size{Cols: 80, Rows: 24}

// Handle gives the scheduler access to a live instance's PTY for resizing
// and input injection. Access is guarded; the owning supervisor closes the
// master once the child has exited.
type Handle struct {
	mu     sync.Mutex
	master *os.File // nil on the pipe fallback
	closed bool
}

// Resize updates the PTY window size. It is a no-op on the pipe fallback.
func (h *Handle) Resize(size Size) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.master == nil || h.closed {
		return nil
	}
	return pty.Setsize(h.master, &pty.Winsize{Rows: size.Rows, Cols: size.Cols})
}

// SendInput writes raw bytes to the child's terminal.
func (h *Handle) SendInput(p []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.master == nil || h.closed {
		return fmt.Errorf("no pty attached")
	}
	_, err := h.master.Write(p)
	return err
}

func (h *Handle) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.master != nil && !h.closed {
		h.master.Close()
	}
	h.closed = true
}

// Start spawns the service child. The terminate context is per-instance and
// derived from the global shutdown, so cancelling either starts the kill
// flow. On success the child's lifecycle continues in background goroutines
// that publish Started, LogLine, Killed, and Exited events.
func Start(terminate context.Context, svc *service.Service, b *bus.Bus, size Size, interactiveLogs bool) (*Handle, error) {
	logger := slog.With("component", "supervisor", "service", svc.ID)

	cmd := exec.Command(svc.Command.Program, svc.Command.Args...)
	if svc.WorkingDir != "" {
		cmd.Dir = svc.WorkingDir
	}
	cmd.Env = append(os.Environ(), svc.Env...)
	if svc.EnableColor {
		cmd.Env = append(cmd.Env,
			"TERM=xterm-256color",
			"CLICOLOR=1",
			"CLICOLOR_FORCE=1",
			"FORCE_COLOR=1",
		)
	}

	handle, readers, err := attach(cmd, size)
	if err != nil {
		return nil, err
	}

	pid := cmd.Process.Pid
	logger.Info("started child", "pid", pid, "command", svc.Command.Line())

	bg := context.Background()
	b.Publish(bg, bus.Started{Service: svc.ID})

	emit := func(stream bus.OutputStream) emitFunc {
		return func(update bus.LogUpdateKind, line string) {
			b.Publish(bg, bus.LogLine{
				Service: svc.ID,
				Stream:  stream,
				Update:  update,
				Line:    line,
			})
		}
	}
	for _, r := range readers {
		r := r
		go func() {
			if r.interactiveCapable && interactiveLogs {
				readInteractive(r.r, emit(r.stream))
			} else {
				readLines(r.r, emit(r.stream))
			}
		}()
	}

	// The wait goroutine is the only caller of cmd.Wait; the kill flow
	// observes the exit through waitCh.
	waitCh := make(chan int, 1)
	go func() {
		waitCh <- exitCode(cmd.Wait())
	}()

	go superviseKill(terminate, svc.ID, cmd, handle, waitCh, b, logger)

	if svc.HealthCheck != nil {
		go health.Run(terminate, svc, b)
	}

	return handle, nil
}

// outputReader pairs a stream source with its tag. PTY children merge
// stderr into the terminal, so there is a single stdout-tagged reader; the
// pipe fallback keeps stderr separate.
type outputReader struct {
	r                  io.Reader
	stream             bus.OutputStream
	interactiveCapable bool
}

func attach(cmd *exec.Cmd, size Size) (*Handle, []outputReader, error) {
	master, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: size.Rows, Cols: size.Cols})
	if err == nil {
		return &Handle{master: master},
			[]outputReader{{r: master, stream: bus.Stdout, interactiveCapable: true}},
			nil
	}

	// Degraded fallback: no PTY available, run on pipes with the child in
	// its own process group so the kill flow still reaches the whole tree.
	// The pipes are owned here, not by exec, so cmd.Wait cannot close them
	// out from under the readers.
	stdoutR, stdoutW, perr := os.Pipe()
	if perr != nil {
		return nil, nil, fmt.Errorf("stdout pipe: %w", perr)
	}
	stderrR, stderrW, perr := os.Pipe()
	if perr != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, nil, fmt.Errorf("stderr pipe: %w", perr)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	setProcessGroup(cmd)
	serr := cmd.Start()
	stdoutW.Close()
	stderrW.Close()
	if serr != nil {
		stdoutR.Close()
		stderrR.Close()
		return nil, nil, fmt.Errorf("starting process (pty unavailable: %v): %w", err, serr)
	}

	return &Handle{},
		[]outputReader{
			{r: stdoutR, stream: bus.Stdout},
			{r: stderrR, stream: bus.Stderr},
		},
		nil
}

// superviseKill waits for the child to exit, running the graceful kill flow
// when the terminate context fires first: Killed event, SIGTERM to the
// process group, hard kill after the grace period.
func superviseKill(terminate context.Context, id string, cmd *exec.Cmd, h *Handle, waitCh <-chan int, b *bus.Bus, logger *slog.Logger) {
	bg := context.Background()

	exited := func(code int) {
		h.close()
		b.Publish(bg, bus.Exited{Service: id, ExitCode: code})
	}

	select {
	case code := <-waitCh:
		logger.Info("child exited", "exit_code", code)
		exited(code)
		return
	case <-terminate.Done():
	}

	pid := cmd.Process.Pid
	b.Publish(bg, bus.Killed{Service: id})

	if !gracefulKillSupported {
		logger.Info("hard-killing child", "pid", pid)
		_ = cmd.Process.Kill()
		exited(<-waitCh)
		return
	}

	logger.Info("terminating child", "pid", pid)
	if err := signalTerm(pid); err != nil {
		logger.Warn("failed to deliver SIGTERM, relying on hard kill", "pid", pid, "error", err)
	}

	select {
	case code := <-waitCh:
		exited(code)
		return
	case <-time.After(termGracePeriod):
		logger.Warn("grace period elapsed, hard-killing child", "pid", pid)
		if err := signalKill(pid); err != nil {
			_ = cmd.Process.Kill()
		}
	}

	exited(<-waitCh)
}

// exitCode maps cmd.Wait's result to the observed exit status; -1 denotes
// unknown or forced termination.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if ee, ok := err.(*exec.ExitError); ok {
		return ee.ExitCode()
	}
	return -1
}
