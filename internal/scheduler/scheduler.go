// Package scheduler owns all service lifecycle state. It is the single
// consumer of the event and command streams and the only writer of the state
// table; supervisors and health checks influence it exclusively through
// events.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/benaskins/micromux/internal/bus"
	"github.com/benaskins/micromux/internal/graph"
	"github.com/benaskins/micromux/internal/service"
	"github.com/benaskins/micromux/internal/supervisor"
)

const (
	// userRestartDebounce spaces out repeated user restarts of one service.
	userRestartDebounce = 200 * time.Millisecond
	// crashBackoffBase is the first crash-loop restart delay; it doubles per
	// consecutive failure up to crashBackoffMax.
	crashBackoffBase = 250 * time.Millisecond
	crashBackoffMax  = 5 * time.Second
)

// SpawnFunc starts one service instance. The default is supervisor.Start;
// tests substitute their own.
type SpawnFunc func(terminate context.Context, svc *service.Service, b *bus.Bus, size supervisor.Size, interactiveLogs bool) (*supervisor.Handle, error)

// Scheduler runs the event loop described above. All fields are owned by the
// Run goroutine; no locking is needed.
type Scheduler struct {
	services []*service.Service
	byID     map[string]*service.Service
	graph    *graph.Graph
	bus      *bus.Bus
	spawn    SpawnFunc

	interactiveLogs bool
	logger          *slog.Logger

	state              map[string]State
	desiredDisabled    map[string]struct{}
	restartRequested   map[string]struct{}
	onFailureRemaining map[string]int
	terminate          map[string]context.CancelFunc
	handles            map[string]*supervisor.Handle
	backoffUntil       map[string]time.Time
	consecFailures     map[string]int

	size         supervisor.Size
	shutdown     context.Context
	shuttingDown bool

	crashWarn rate.Sometimes
	now       func() time.Time
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithSpawner replaces the process spawner (used by tests).
func WithSpawner(spawn SpawnFunc) Option {
	return func(s *Scheduler) { s.spawn = spawn }
}

// WithInteractiveLogs toggles carriage-return rewrite handling in the PTY
// output readers.
func WithInteractiveLogs(enabled bool) Option {
	return func(s *Scheduler) { s.interactiveLogs = enabled }
}

// WithPTYSize sets the initial PTY size used before the UI reports one.
func WithPTYSize(size supervisor.Size) Option {
	return func(s *Scheduler) { s.size = size }
}

// New creates a scheduler over the loaded services. The services slice is in
// configuration order, which is also the scheduling-pass order.
func New(services []*service.Service, g *graph.Graph, b *bus.Bus, opts ...Option) *Scheduler {
	s := &Scheduler{
		services:           services,
		byID:               make(map[string]*service.Service, len(services)),
		graph:              g,
		bus:                b,
		spawn:              supervisor.Start,
		interactiveLogs:    true,
		logger:             slog.With("component", "scheduler"),
		state:              make(map[string]State, len(services)),
		desiredDisabled:    make(map[string]struct{}),
		restartRequested:   make(map[string]struct{}),
		onFailureRemaining: make(map[string]int),
		terminate:          make(map[string]context.CancelFunc),
		handles:            make(map[string]*supervisor.Handle),
		backoffUntil:       make(map[string]time.Time),
		consecFailures:     make(map[string]int),
		size:               supervisor.DefaultSize,
		crashWarn:          rate.Sometimes{First: 1, Interval: 5 * time.Second},
		now:                time.Now,
	}
	for _, svc := range services {
		s.byID[svc.ID] = svc
		s.state[svc.ID] = State{Kind: Pending}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StateOf returns the current state of the service id. Only safe to call
// before Run or from tests that know Run has returned.
func (s *Scheduler) StateOf(id string) State {
	return s.state[id]
}

// Run drives the scheduler until ctx (the global shutdown) is cancelled and
// every live child has exited. During shutdown it also returns when no event
// arrives for 5 seconds while children are still live.
func (s *Scheduler) Run(ctx context.Context) error {
	s.shutdown = ctx
	s.logger.Info("scheduler starting", "services", len(s.services))

	wake := time.NewTimer(time.Hour)
	wake.Stop()
	defer wake.Stop()

	s.schedulePass(wake)

	for {
		select {
		case <-ctx.Done():
			if !s.shuttingDown {
				s.shuttingDown = true
				s.logger.Info("shutdown requested, waiting for children")
				// Terminate contexts derive from ctx, so every supervisor
				// and health check is already winding down.
			}
			if !s.anyLive() {
				s.logger.Info("scheduler stopped")
				return nil
			}
			// Keep consuming events until the last child reports its exit.
			select {
			case ev := <-s.bus.Events():
				s.handleEvent(ev, wake)
			case <-time.After(5 * time.Second):
				s.logger.Warn("timed out waiting for children to exit")
				return nil
			}

		case ev := <-s.bus.Events():
			s.handleEvent(ev, wake)

		case cmd := <-s.bus.Commands():
			s.handleCommand(cmd, wake)

		case <-wake.C:
			// A restart backoff elapsed.
			s.schedulePass(wake)
		}
	}
}

func (s *Scheduler) anyLive() bool {
	for _, st := range s.state {
		switch st.Kind {
		case Starting, Running, Killed:
			return true
		}
	}
	return false
}

// handleEvent applies the state transition for ev, re-broadcasts it to the
// UI, and runs one scheduling pass.
func (s *Scheduler) handleEvent(ev bus.Event, wake *time.Timer) {
	s.applyEvent(ev)
	s.bus.Broadcast(ev)
	if !s.shuttingDown {
		s.schedulePass(wake)
	}
}

// applyEvent is the total state-transition function (current, event) → next.
// Log and health-check output events pass through without touching state.
func (s *Scheduler) applyEvent(ev bus.Event) {
	id := ev.ServiceID()
	if _, ok := s.byID[id]; !ok {
		return
	}

	switch ev := ev.(type) {
	case bus.Started:
		s.state[id] = State{Kind: Running, Health: HealthNone}
	case bus.Healthy:
		// Tolerate stragglers: a probe result may arrive just after the
		// child exited.
		if s.state[id].Kind == Running {
			s.state[id] = State{Kind: Running, Health: HealthHealthy}
			s.consecFailures[id] = 0
		}
	case bus.Unhealthy:
		if s.state[id].Kind == Running {
			s.state[id] = State{Kind: Running, Health: HealthUnhealthy}
		}
	case bus.Killed:
		s.state[id] = State{Kind: Killed}
	case bus.Exited:
		s.recordExit(id, ev.ExitCode)
	case bus.Disabled:
		s.state[id] = State{Kind: Disabled}
	}
}

// recordExit moves a service to Exited (or Disabled when the user asked),
// releasing the instance resources and updating crash-loop accounting.
func (s *Scheduler) recordExit(id string, code int) {
	if cancel, ok := s.terminate[id]; ok {
		cancel()
		delete(s.terminate, id)
	}
	delete(s.handles, id)

	if _, disabled := s.desiredDisabled[id]; disabled {
		s.state[id] = State{Kind: Disabled}
		s.bus.Broadcast(bus.Disabled{Service: id})
		return
	}

	s.state[id] = State{Kind: Exited, ExitCode: code}

	if code == 0 {
		s.consecFailures[id] = 0
		return
	}

	// Exponential backoff against crash loops under Always/OnFailure.
	k := s.consecFailures[id]
	s.consecFailures[id] = k + 1
	delay := crashBackoffBase << min(k, 10)
	if delay > crashBackoffMax {
		delay = crashBackoffMax
	}
	s.backoffUntil[id] = s.now().Add(delay)
	if k >= 2 {
		s.crashWarn.Do(func() {
			s.logger.Warn("service is crash-looping",
				"service", id,
				"consecutive_failures", k+1,
				"backoff", delay,
			)
		})
	}
}

// handleCommand translates a user intent into desire flags and cancellation.
func (s *Scheduler) handleCommand(cmd bus.Command, wake *time.Timer) {
	switch cmd := cmd.(type) {
	case bus.Restart:
		s.requestRestart(cmd.Service)
	case bus.RestartAll:
		for _, svc := range s.services {
			s.requestRestart(svc.ID)
		}
	case bus.Disable:
		s.disable(cmd.Service)
	case bus.Enable:
		s.enable(cmd.Service)
	case bus.SendInput:
		if h, ok := s.handles[cmd.Service]; ok {
			if err := h.SendInput(cmd.Data); err != nil {
				s.logger.Debug("dropping input", "service", cmd.Service, "error", err)
			}
		}
	case bus.ResizeAll:
		s.size = supervisor.Size{Cols: cmd.Cols, Rows: cmd.Rows}
		for id, h := range s.handles {
			if err := h.Resize(s.size); err != nil {
				s.logger.Debug("resize failed", "service", id, "error", err)
			}
		}
	}

	if !s.shuttingDown {
		s.schedulePass(wake)
	}
}

func (s *Scheduler) requestRestart(id string) {
	if _, ok := s.byID[id]; !ok {
		return
	}
	s.logger.Info("restart requested", "service", id)
	s.restartRequested[id] = struct{}{}
	s.consecFailures[id] = 0
	s.backoffUntil[id] = s.now().Add(userRestartDebounce)

	switch s.state[id].Kind {
	case Running, Starting:
		if cancel, ok := s.terminate[id]; ok {
			cancel()
		}
	}
}

func (s *Scheduler) disable(id string) {
	if _, ok := s.byID[id]; !ok {
		return
	}
	s.logger.Info("disabling service", "service", id)
	s.desiredDisabled[id] = struct{}{}
	delete(s.restartRequested, id)

	switch s.state[id].Kind {
	case Running, Starting, Killed:
		// The ensuing Exited event completes the transition.
		if cancel, ok := s.terminate[id]; ok {
			cancel()
		}
	default:
		s.state[id] = State{Kind: Disabled}
		s.bus.Broadcast(bus.Disabled{Service: id})
	}
}

func (s *Scheduler) enable(id string) {
	if _, ok := s.byID[id]; !ok {
		return
	}
	s.logger.Info("enabling service", "service", id)
	delete(s.desiredDisabled, id)
	if s.state[id].Kind == Disabled {
		s.state[id] = State{Kind: Pending}
	}
}
