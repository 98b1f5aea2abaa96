package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/benaskins/micromux/internal/bus"
	"github.com/benaskins/micromux/internal/graph"
	"github.com/benaskins/micromux/internal/service"
	"github.com/benaskins/micromux/internal/supervisor"
)

// fakeChild scripts what a spawned instance does. Each spawn publishes
// Started and then follows the script, mimicking the real supervisor's
// event order (Killed then Exited on termination).
type fakeChild struct {
	exitCode   int  // immediate exit with this code...
	exitImmed  bool // ...when set
	healthyAt  time.Duration
	spawnErr   bool
	killedExit int
}

type fakeSpawner struct {
	children map[string]fakeChild
}

func (f *fakeSpawner) spawn(terminate context.Context, svc *service.Service, b *bus.Bus, _ supervisor.Size, _ bool) (*supervisor.Handle, error) {
	child, ok := f.children[svc.ID]
	if !ok {
		child = fakeChild{}
	}
	if child.spawnErr {
		return nil, errors.New("spawn refused")
	}

	bg := context.Background()
	b.Publish(bg, bus.Started{Service: svc.ID})

	go func() {
		if child.exitImmed {
			b.Publish(bg, bus.Exited{Service: svc.ID, ExitCode: child.exitCode})
			return
		}
		if child.healthyAt > 0 {
			select {
			case <-time.After(child.healthyAt):
				b.Publish(bg, bus.Healthy{Service: svc.ID})
			case <-terminate.Done():
				b.Publish(bg, bus.Killed{Service: svc.ID})
				b.Publish(bg, bus.Exited{Service: svc.ID, ExitCode: child.killedExit})
				return
			}
		}
		<-terminate.Done()
		b.Publish(bg, bus.Killed{Service: svc.ID})
		b.Publish(bg, bus.Exited{Service: svc.ID, ExitCode: child.killedExit})
	}()

	return &supervisor.Handle{}, nil
}

type harness struct {
	t      *testing.T
	bus    *bus.Bus
	sched  *Scheduler
	cancel context.CancelFunc
	done   chan struct{}
	events []bus.Event
}

func newHarness(t *testing.T, services []*service.Service, children map[string]fakeChild) *harness {
	t.Helper()

	g, err := graph.New(services)
	if err != nil {
		t.Fatal(err)
	}

	b := bus.New(256)
	f := &fakeSpawner{children: children}
	s := New(services, g, b, WithSpawner(f.spawn))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	return &harness{t: t, bus: b, sched: s, cancel: cancel, done: done}
}

// waitFor drains the UI broadcast until pred returns true or the deadline
// passes. All observed events are retained for later assertions.
func (h *harness) waitFor(d time.Duration, pred func([]bus.Event) bool) bool {
	deadline := time.After(d)
	for {
		if pred(h.events) {
			return true
		}
		select {
		case e := <-h.bus.UI():
			h.events = append(h.events, e)
		case <-deadline:
			return false
		}
	}
}

// settle drains the UI broadcast for the given window.
func (h *harness) settle(d time.Duration) {
	deadline := time.After(d)
	for {
		select {
		case e := <-h.bus.UI():
			h.events = append(h.events, e)
		case <-deadline:
			return
		}
	}
}

func (h *harness) stop() {
	h.cancel()
	go func() {
		for range h.bus.UI() {
			// keep draining so the scheduler never blocks on broadcast
		}
	}()
	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		h.t.Fatal("scheduler did not stop")
	}
}

func (h *harness) countStarted(id string) int {
	n := 0
	for _, e := range h.events {
		if s, ok := e.(bus.Started); ok && s.Service == id {
			n++
		}
	}
	return n
}

func (h *harness) indexOf(pred func(bus.Event) bool) int {
	for i, e := range h.events {
		if pred(e) {
			return i
		}
	}
	return -1
}

func oneShot(id string, code int, policy service.RestartPolicy) *service.Service {
	return &service.Service{
		ID:      id,
		Command: service.Command{Program: "test"},
		Restart: policy,
	}
}

func TestSingleServiceImmediateSuccess(t *testing.T) {
	svc := oneShot("a", 0, service.RestartPolicy{Kind: service.Never})
	h := newHarness(t, []*service.Service{svc}, map[string]fakeChild{
		"a": {exitImmed: true, exitCode: 0},
	})
	defer h.stop()

	ok := h.waitFor(2*time.Second, func(evs []bus.Event) bool {
		for _, e := range evs {
			if x, ok := e.(bus.Exited); ok && x.Service == "a" && x.ExitCode == 0 {
				return true
			}
		}
		return false
	})
	if !ok {
		t.Fatalf("never saw Exited(a, 0): %v", h.events)
	}

	// No restart should follow.
	h.settle(300 * time.Millisecond)
	if n := h.countStarted("a"); n != 1 {
		t.Errorf("a started %d times, want 1", n)
	}
}

func TestDependencyConditionStarted(t *testing.T) {
	a := &service.Service{ID: "a", Command: service.Command{Program: "test"}}
	b := &service.Service{
		ID:        "b",
		Command:   service.Command{Program: "test"},
		DependsOn: []service.Dependency{{Name: "a", Condition: service.Started}},
	}
	h := newHarness(t, []*service.Service{a, b}, map[string]fakeChild{
		"a": {}, // long running
		"b": {exitImmed: true},
	})
	defer h.stop()

	ok := h.waitFor(2*time.Second, func(evs []bus.Event) bool {
		return h.countStarted("b") >= 1
	})
	if !ok {
		t.Fatalf("b never started: %v", h.events)
	}

	ia := h.indexOf(func(e bus.Event) bool {
		s, ok := e.(bus.Started)
		return ok && s.Service == "a"
	})
	ib := h.indexOf(func(e bus.Event) bool {
		s, ok := e.(bus.Started)
		return ok && s.Service == "b"
	})
	if ia < 0 || ib < 0 || ia > ib {
		t.Errorf("Started(a) must precede Started(b): a=%d b=%d", ia, ib)
	}
}

func TestDependencyConditionHealthy(t *testing.T) {
	a := &service.Service{
		ID:          "a",
		Command:     service.Command{Program: "test"},
		HealthCheck: &service.HealthCheck{Test: service.Command{Program: "true"}},
	}
	b := &service.Service{
		ID:        "b",
		Command:   service.Command{Program: "test"},
		DependsOn: []service.Dependency{{Name: "a", Condition: service.Healthy}},
	}
	h := newHarness(t, []*service.Service{a, b}, map[string]fakeChild{
		"a": {healthyAt: 100 * time.Millisecond},
		"b": {exitImmed: true},
	})
	defer h.stop()

	ok := h.waitFor(3*time.Second, func(evs []bus.Event) bool {
		return h.countStarted("b") >= 1
	})
	if !ok {
		t.Fatalf("b never started: %v", h.events)
	}

	ih := h.indexOf(func(e bus.Event) bool {
		x, ok := e.(bus.Healthy)
		return ok && x.Service == "a"
	})
	ib := h.indexOf(func(e bus.Event) bool {
		s, ok := e.(bus.Started)
		return ok && s.Service == "b"
	})
	if ih < 0 || ib < 0 || ih > ib {
		t.Errorf("Healthy(a) must precede Started(b): healthy=%d b=%d", ih, ib)
	}
}

func TestOnFailureRetryBound(t *testing.T) {
	svc := oneShot("a", 1, service.RestartPolicy{Kind: service.OnFailure, MaxAttempts: 2})
	h := newHarness(t, []*service.Service{svc}, map[string]fakeChild{
		"a": {exitImmed: true, exitCode: 1},
	})
	defer h.stop()

	// Three starts total: the initial one plus two retries. Backoff spaces
	// them at 250 ms and 500 ms.
	ok := h.waitFor(5*time.Second, func(evs []bus.Event) bool {
		return h.countStarted("a") >= 3
	})
	if !ok {
		t.Fatalf("expected 3 starts, saw %d: %v", h.countStarted("a"), h.events)
	}

	h.settle(1500 * time.Millisecond)
	if n := h.countStarted("a"); n != 3 {
		t.Errorf("a started %d times, want exactly 3", n)
	}
}

func TestOnFailureCleanExitNotRestarted(t *testing.T) {
	svc := oneShot("a", 0, service.RestartPolicy{Kind: service.OnFailure, MaxAttempts: 5})
	h := newHarness(t, []*service.Service{svc}, map[string]fakeChild{
		"a": {exitImmed: true, exitCode: 0},
	})
	defer h.stop()

	h.waitFor(2*time.Second, func(evs []bus.Event) bool {
		return h.countStarted("a") >= 1
	})
	h.settle(400 * time.Millisecond)
	if n := h.countStarted("a"); n != 1 {
		t.Errorf("a started %d times, want 1 (exit 0 under on-failure)", n)
	}
}

func TestUserRestartBypassesPolicy(t *testing.T) {
	svc := oneShot("a", 0, service.RestartPolicy{Kind: service.Never})
	h := newHarness(t, []*service.Service{svc}, map[string]fakeChild{
		"a": {exitImmed: true, exitCode: 0},
	})
	defer h.stop()

	h.waitFor(2*time.Second, func(evs []bus.Event) bool {
		for _, e := range evs {
			if _, ok := e.(bus.Exited); ok {
				return true
			}
		}
		return false
	})

	h.bus.Send(bus.Restart{Service: "a"})

	ok := h.waitFor(3*time.Second, func(evs []bus.Event) bool {
		return h.countStarted("a") >= 2
	})
	if !ok {
		t.Fatalf("restart did not start a again: %v", h.events)
	}
}

func TestDisabledSticks(t *testing.T) {
	svc := oneShot("a", 0, service.RestartPolicy{Kind: service.Always})
	h := newHarness(t, []*service.Service{svc}, map[string]fakeChild{
		"a": {}, // long running
	})
	defer h.stop()

	h.waitFor(2*time.Second, func(evs []bus.Event) bool {
		return h.countStarted("a") >= 1
	})

	h.bus.Send(bus.Disable{Service: "a"})

	ok := h.waitFor(3*time.Second, func(evs []bus.Event) bool {
		for _, e := range evs {
			if _, ok := e.(bus.Disabled); ok {
				return true
			}
		}
		return false
	})
	if !ok {
		t.Fatalf("never saw Disabled(a): %v", h.events)
	}

	// Despite restart=always, the disabled service must stay down.
	h.settle(600 * time.Millisecond)
	if n := h.countStarted("a"); n != 1 {
		t.Errorf("a started %d times while disabled, want 1", n)
	}

	h.bus.Send(bus.Enable{Service: "a"})
	ok = h.waitFor(3*time.Second, func(evs []bus.Event) bool {
		return h.countStarted("a") >= 2
	})
	if !ok {
		t.Errorf("a did not start after Enable: %v", h.events)
	}
}

func TestSpawnFailureRecordsExit(t *testing.T) {
	svc := oneShot("a", 0, service.RestartPolicy{Kind: service.Never})
	h := newHarness(t, []*service.Service{svc}, map[string]fakeChild{
		"a": {spawnErr: true},
	})
	defer h.stop()

	ok := h.waitFor(2*time.Second, func(evs []bus.Event) bool {
		for _, e := range evs {
			if x, ok := e.(bus.Exited); ok && x.Service == "a" && x.ExitCode == -1 {
				return true
			}
		}
		return false
	})
	if !ok {
		t.Fatalf("never saw Exited(a, -1): %v", h.events)
	}
}

func TestGracefulShutdownTerminatesChildren(t *testing.T) {
	svc := oneShot("a", 0, service.RestartPolicy{Kind: service.Always})
	h := newHarness(t, []*service.Service{svc}, map[string]fakeChild{
		"a": {killedExit: 143},
	})

	h.waitFor(2*time.Second, func(evs []bus.Event) bool {
		return h.countStarted("a") >= 1
	})

	h.cancel()
	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not drain on shutdown")
	}

	if got := h.sched.StateOf("a"); got.Kind != Exited {
		t.Errorf("final state = %v, want Exited", got)
	}
}

func TestRestartAllTouchesEveryService(t *testing.T) {
	var services []*service.Service
	children := map[string]fakeChild{}
	for i := range 3 {
		id := fmt.Sprintf("svc%d", i)
		services = append(services, oneShot(id, 0, service.RestartPolicy{Kind: service.Never}))
		children[id] = fakeChild{exitImmed: true}
	}
	h := newHarness(t, services, children)
	defer h.stop()

	h.waitFor(2*time.Second, func(evs []bus.Event) bool {
		for _, s := range services {
			if h.countStarted(s.ID) < 1 {
				return false
			}
		}
		return true
	})

	h.bus.Send(bus.RestartAll{})

	ok := h.waitFor(3*time.Second, func(evs []bus.Event) bool {
		for _, s := range services {
			if h.countStarted(s.ID) < 2 {
				return false
			}
		}
		return true
	})
	if !ok {
		t.Errorf("not all services restarted: %v", h.events)
	}
}
