// Package service defines the immutable per-service model the scheduler and
// supervisor operate on. Values are constructed once by the config loader and
// never mutated afterwards; all runtime bookkeeping lives in the scheduler.
package service

import (
	"fmt"
	"time"
)

// Condition is the predicate a dependency must satisfy before a dependent
// service may start.
type Condition int

const (
	// Started is satisfied once the dependency is running.
	Started Condition = iota
	// Healthy is satisfied once the dependency's latest health check passed.
	Healthy
	// CompletedSuccessfully is satisfied once the dependency exited with code 0.
	CompletedSuccessfully
)

func (c Condition) String() string {
	switch c {
	case Started:
		return "service_started"
	case Healthy:
		return "service_healthy"
	case CompletedSuccessfully:
		return "service_completed_successfully"
	default:
		return fmt.Sprintf("Condition(%d)", int(c))
	}
}

// Dependency names another service and the condition it must satisfy.
type Dependency struct {
	Name      string
	Condition Condition
}

// RestartKind selects the restart policy family.
type RestartKind int

const (
	// Never leaves an exited service down.
	Never RestartKind = iota
	// Always restarts regardless of exit code.
	Always
	// UnlessStopped behaves like Always within a single run; micromux keeps
	// no state across runs.
	UnlessStopped
	// OnFailure restarts on nonzero exit, up to MaxAttempts times.
	OnFailure
)

// RestartPolicy describes when an exited service is automatically restarted.
type RestartPolicy struct {
	Kind        RestartKind
	MaxAttempts int // OnFailure only
}

func (p RestartPolicy) String() string {
	switch p.Kind {
	case Never:
		return "never"
	case Always:
		return "always"
	case UnlessStopped:
		return "unless-stopped"
	case OnFailure:
		return fmt.Sprintf("on-failure:%d", p.MaxAttempts)
	default:
		return fmt.Sprintf("RestartPolicy(%d)", int(p.Kind))
	}
}

// Command is a resolved program invocation.
type Command struct {
	Program string
	Args    []string
}

// Line renders the command for display.
func (c Command) Line() string {
	out := c.Program
	for _, a := range c.Args {
		out += " " + a
	}
	return out
}

// HealthCheck is the probe configuration for one service.
type HealthCheck struct {
	Test       Command
	StartDelay time.Duration // delay before the first probe
	Interval   time.Duration // time between probes; 0 means immediate
	Timeout    time.Duration // per-probe timeout; 0 means none
	Retries    int           // failures tolerated before Unhealthy; 0 means default
}

// Service is one supervised child process, immutable after load.
type Service struct {
	ID          string
	DisplayName string
	Command     Command
	WorkingDir  string
	// Env holds KEY=VALUE pairs in declaration order, env_file entries first.
	Env         []string
	DependsOn   []Dependency
	HealthCheck *HealthCheck
	Restart     RestartPolicy
	OpenPorts   []uint16
	EnableColor bool
}

// ConditionFor returns the recorded condition for the named dependency,
// defaulting to Started when the dependency is not listed.
func (s *Service) ConditionFor(dep string) Condition {
	for _, d := range s.DependsOn {
		if d.Name == dep {
			return d.Condition
		}
	}
	return Started
}
