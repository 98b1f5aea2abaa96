package scheduler

import (
	"context"
	"time"

	"github.com/benaskins/micromux/internal/bus"
	"github.com/benaskins/micromux/internal/service"
)

// startCheck is the verdict for one service in a scheduling pass.
type startCheck struct {
	consider bool
	exited   bool // the consider carries a previous exit
	exitCode int
}

var skip = startCheck{}

// schedulePass walks the services in configuration order and starts every
// one that is eligible and whose dependencies are ready. When a start is
// deferred only by restart backoff, the wake timer is armed so the pass
// re-runs without requiring another event.
func (s *Scheduler) schedulePass(wake *time.Timer) {
	var nextWake time.Time

	for _, svc := range s.services {
		chk := s.check(svc, &nextWake)
		if !chk.consider {
			continue
		}
		if !s.ready(svc) {
			continue
		}
		s.start(svc, chk)
	}

	if !nextWake.IsZero() {
		wake.Stop()
		wake.Reset(nextWake.Sub(s.now()) + time.Millisecond)
	}
}

// check decides whether svc should be considered for a start right now.
func (s *Scheduler) check(svc *service.Service, nextWake *time.Time) startCheck {
	id := svc.ID

	if _, disabled := s.desiredDisabled[id]; disabled {
		return skip
	}

	st := s.state[id]

	_, requested := s.restartRequested[id]
	if !requested {
		if until, ok := s.backoffUntil[id]; ok && s.now().Before(until) {
			// Only Pending/Exited states can become startable when the
			// backoff lapses, so only those arm the wake timer.
			if st.Kind == Pending || st.Kind == Exited {
				if nextWake.IsZero() || until.Before(*nextWake) {
					*nextWake = until
				}
			}
			return skip
		}
	}

	switch st.Kind {
	case Pending:
		return startCheck{consider: true}
	case Starting, Running, Killed, Disabled:
		return skip
	case Exited:
		if requested {
			return startCheck{consider: true, exited: true, exitCode: st.ExitCode}
		}
		switch svc.Restart.Kind {
		case service.Never:
			return skip
		case service.Always, service.UnlessStopped:
			return startCheck{consider: true, exited: true, exitCode: st.ExitCode}
		case service.OnFailure:
			if st.ExitCode == 0 {
				return skip
			}
			if _, ok := s.onFailureRemaining[id]; !ok {
				s.onFailureRemaining[id] = svc.Restart.MaxAttempts
			}
			if s.onFailureRemaining[id] > 0 {
				return startCheck{consider: true, exited: true, exitCode: st.ExitCode}
			}
			return skip
		}
	}
	return skip
}

// ready reports whether every dependency satisfies its recorded condition.
func (s *Scheduler) ready(svc *service.Service) bool {
	for _, dep := range s.graph.IncomingNeighbors(svc.ID) {
		st := s.state[dep]
		switch svc.ConditionFor(dep) {
		case service.Started:
			if st.Kind != Running {
				return false
			}
		case service.Healthy:
			if st.Kind != Running || st.Health != HealthHealthy {
				return false
			}
		case service.CompletedSuccessfully:
			if st.Kind != Exited || st.ExitCode != 0 {
				return false
			}
		}
	}
	return true
}

// start spawns a fresh instance of svc. A spawn failure records Exited(-1)
// so a later pass may retry per policy.
func (s *Scheduler) start(svc *service.Service, chk startCheck) {
	id := svc.ID
	s.logger.Info("starting service", "service", id)

	_, requested := s.restartRequested[id]
	if chk.exited && svc.Restart.Kind == service.OnFailure && !requested && chk.exitCode != 0 {
		if remaining := s.onFailureRemaining[id]; remaining > 0 {
			s.onFailureRemaining[id] = remaining - 1
		}
	}

	delete(s.restartRequested, id)
	s.state[id] = State{Kind: Starting}

	terminate, cancel := context.WithCancel(s.shutdown)
	s.terminate[id] = cancel

	handle, err := s.spawn(terminate, svc, s.bus, s.size, s.interactiveLogs)
	if err != nil {
		s.logger.Error("failed to start service", "service", id, "error", err)
		// Report the failure as an exit event so the normal transition,
		// backoff, and wake-up path runs and a later pass may retry per
		// policy.
		s.bus.Publish(context.Background(), bus.Exited{Service: id, ExitCode: -1})
		return
	}
	s.handles[id] = handle
}
