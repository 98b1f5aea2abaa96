package tui

import (
	"github.com/benaskins/micromux/internal/bus"
	"github.com/benaskins/micromux/internal/logbuf"
	"github.com/benaskins/micromux/internal/service"
)

const (
	// healthcheckHistory is how many recent probe attempts are kept per
	// service.
	healthcheckHistory = 2

	logLines = 1000
	logBytes = 64 * 1024 * 1024
	hcLines  = 200
	hcBytes  = 256 * 1024
)

// execState is the display lifecycle state, reconstructed purely from the
// event broadcast.
type execState int

const (
	statePending execState = iota
	stateRunning
	stateHealthy
	stateUnhealthy
	stateKilled
	stateExited
	stateDisabled
)

func (s execState) String() string {
	switch s {
	case statePending:
		return "PENDING"
	case stateRunning:
		return "RUNNING"
	case stateHealthy:
		return "HEALTHY"
	case stateUnhealthy:
		return "UNHEALTHY"
	case stateKilled:
		return "KILLED"
	case stateExited:
		return "EXITED"
	case stateDisabled:
		return "DISABLED"
	default:
		return "?"
	}
}

// attemptView is one health-check attempt with its captured output.
type attemptView struct {
	id       uint64
	command  string
	output   *logbuf.Bounded
	finished bool
	success  bool
	exitCode int
}

// serviceView is the per-service display state.
type serviceView struct {
	id             string
	name           string
	ports          []uint16
	state          execState
	exitCode       int
	logs           *logbuf.Bounded
	hasHealthCheck bool
	attempts       []*attemptView
	logsDirty      bool
	healthDirty    bool
}

func newServiceView(svc *service.Service) *serviceView {
	return &serviceView{
		id:             svc.ID,
		name:           svc.DisplayName,
		ports:          svc.OpenPorts,
		state:          statePending,
		logs:           logbuf.New(logLines, logBytes),
		hasHealthCheck: svc.HealthCheck != nil,
	}
}

func (v *serviceView) attempt(id uint64) *attemptView {
	for _, a := range v.attempts {
		if a.id == id {
			return a
		}
	}
	return nil
}

// apply folds one event into the view state. Unknown services are ignored;
// the UI never queries the scheduler out of band.
func apply(views map[string]*serviceView, ev bus.Event) {
	v, ok := views[ev.ServiceID()]
	if !ok {
		return
	}

	switch ev := ev.(type) {
	case bus.Started:
		v.state = stateRunning
	case bus.Healthy:
		v.state = stateHealthy
	case bus.Unhealthy:
		v.state = stateUnhealthy
	case bus.Killed:
		if v.state != stateDisabled {
			v.state = stateKilled
		}
	case bus.Exited:
		if v.state != stateDisabled {
			v.state = stateExited
			v.exitCode = ev.ExitCode
		}
	case bus.Disabled:
		v.state = stateDisabled
	case bus.LogLine:
		line := ev.Line
		if ev.Stream == bus.Stderr {
			line = "[stderr] " + line
		}
		if ev.Update == bus.ReplaceLast {
			v.logs.ReplaceLast(line)
		} else {
			v.logs.Push(line)
		}
		v.logsDirty = true
	case bus.HealthCheckStarted:
		for len(v.attempts) >= healthcheckHistory {
			v.attempts = v.attempts[1:]
		}
		v.attempts = append(v.attempts, &attemptView{
			id:      ev.Attempt,
			command: ev.Command,
			output:  logbuf.New(hcLines, hcBytes),
		})
		v.healthDirty = true
	case bus.HealthCheckLogLine:
		if a := v.attempt(ev.Attempt); a != nil {
			line := ev.Line
			if ev.Stream == bus.Stderr {
				line = "[stderr] " + line
			}
			a.output.Push(line)
			v.healthDirty = true
		}
	case bus.HealthCheckFinished:
		if a := v.attempt(ev.Attempt); a != nil {
			a.finished = true
			a.success = ev.Success
			a.exitCode = ev.ExitCode
			v.healthDirty = true
		}
	}
}
