// Package health runs the periodic health-check probe for one service
// instance and feeds the outcomes back to the scheduler as events.
package health

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/benaskins/micromux/internal/bus"
	"github.com/benaskins/micromux/internal/service"
)

// defaultRetries is how many failed attempts are tolerated before the
// service is reported unhealthy, when the config does not say.
const defaultRetries = 1

// Run executes the health-check loop for one instance of svc until the
// terminate context fires or the retries are exhausted. Once Unhealthy is
// emitted the loop exits: the service stays Running(Unhealthy) until it
// exits or is killed.
func Run(terminate context.Context, svc *service.Service, b *bus.Bus) {
	hc := svc.HealthCheck
	logger := slog.With("component", "health", "service", svc.ID)

	maxRetries := hc.Retries
	if maxRetries <= 0 {
		maxRetries = defaultRetries
	}

	if hc.StartDelay > 0 {
		if !sleep(terminate, hc.StartDelay) {
			return
		}
	}

	logger.Info("starting health check loop",
		"command", hc.Test.Line(),
		"interval", hc.Interval,
		"max_retries", maxRetries,
	)

	var (
		nextAttemptID uint64
		failures      int
	)
	for {
		nextAttemptID++
		result := probe(terminate, svc, hc, nextAttemptID, b)
		if terminate.Err() != nil {
			return
		}

		if result.success {
			b.Publish(context.Background(), bus.Healthy{Service: svc.ID})
			failures = 0
		} else {
			logger.Warn("health check failed",
				"attempt", failures,
				"max_retries", maxRetries,
				"exit_code", result.exitCode,
				"reason", result.reason,
			)
			if failures < maxRetries {
				failures++
			} else {
				b.Publish(context.Background(), bus.Unhealthy{Service: svc.ID})
				return
			}
		}

		if !sleep(terminate, hc.Interval) {
			return
		}
	}
}

type probeResult struct {
	success  bool
	exitCode int
	reason   string
}

// probe runs one attempt: spawn the test command, stream its output, and
// classify the outcome. Timeouts and spawn errors count as exit code -1.
func probe(terminate context.Context, svc *service.Service, hc *service.HealthCheck, attempt uint64, b *bus.Bus) probeResult {
	bg := context.Background()

	ctx := terminate
	var cancel context.CancelFunc
	if hc.Timeout > 0 {
		ctx, cancel = context.WithTimeout(terminate, hc.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, hc.Test.Program, hc.Test.Args...)
	if svc.WorkingDir != "" {
		cmd.Dir = svc.WorkingDir
	}
	cmd.Env = append(os.Environ(), svc.Env...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return probeResult{exitCode: -1, reason: err.Error()}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return probeResult{exitCode: -1, reason: err.Error()}
	}

	b.Publish(bg, bus.HealthCheckStarted{
		Service: svc.ID,
		Attempt: attempt,
		Command: hc.Test.Line(),
	})

	if err := cmd.Start(); err != nil {
		b.Publish(bg, bus.HealthCheckFinished{
			Service:  svc.ID,
			Attempt:  attempt,
			Success:  false,
			ExitCode: -1,
		})
		return probeResult{exitCode: -1, reason: err.Error()}
	}

	var wg sync.WaitGroup
	stream := func(r io.Reader, tag bus.OutputStream) {
		defer wg.Done()
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			b.Publish(bg, bus.HealthCheckLogLine{
				Service: svc.ID,
				Attempt: attempt,
				Stream:  tag,
				Line:    sc.Text(),
			})
		}
	}
	wg.Add(2)
	go stream(stdout, bus.Stdout)
	go stream(stderr, bus.Stderr)
	wg.Wait()

	werr := cmd.Wait()

	code := 0
	reason := ""
	success := werr == nil
	if werr != nil {
		code = -1
		reason = werr.Error()
		var ee *exec.ExitError
		if errors.As(werr, &ee) && ctx.Err() == nil {
			code = ee.ExitCode()
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			code = -1
			reason = "timeout"
		}
	}

	b.Publish(bg, bus.HealthCheckFinished{
		Service:  svc.ID,
		Attempt:  attempt,
		Success:  success,
		ExitCode: code,
	})

	return probeResult{success: success, exitCode: code, reason: reason}
}

// sleep waits for d with cancellation; a zero duration yields immediately.
// It reports whether the wait completed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
