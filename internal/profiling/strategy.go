package profiling

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/wesleyorama2/loadrunner/internal/config"
	"github.com/wesleyorama2/loadrunner/internal/container"
	"github.com/wesleyorama2/loadrunner/internal/notify"
	"github.com/wesleyorama2/loadrunner/internal/project"
	"github.com/wesleyorama2/loadrunner/internal/run"
)

// Strategy is a profiling session bound to a single run.
type Strategy interface {
	// Name identifies the strategy in logs.
	Name() string

	// Start begins profiling. An error means profiling could not be set up;
	// the caller should Cancel the session and carry on without it.
	Start(ctx context.Context, r *run.LoadRun) error

	// Teardown finishes profiling after the load completed. The returned
	// channel is closed once no profiling work remains.
	Teardown(ctx context.Context, r *run.LoadRun) <-chan struct{}

	// Cancel abandons profiling and undoes its side effects. Errors are
	// reported after every rollback step has been attempted.
	Cancel(ctx context.Context, r *run.LoadRun) error
}

// PollObserver receives the number of artifact polls an agent session made.
type PollObserver interface {
	ObserveAgentPolls(attempts int)
}

// Selector creates the strategy that fits a project.
type Selector struct {
	cfg      config.ProfilingConfig
	exec     container.Exec
	probe    LivenessProbe
	emitter  notify.Emitter
	observer PollObserver
}

// NewSelector creates a selector. exec may be nil when no container runtime
// is available, in which case agent profiling is never selected.
func NewSelector(cfg config.ProfilingConfig, exec container.Exec, probe LivenessProbe, emitter notify.Emitter, observer PollObserver) *Selector {
	return &Selector{
		cfg:      cfg,
		exec:     exec,
		probe:    probe,
		emitter:  emitter,
		observer: observer,
	}
}

// Select returns a new session for p, or nil when the project's runtime has
// no profiling support.
func (s *Selector) Select(p *project.Project) Strategy {
	switch {
	case p.Language == project.LanguageNodeJS:
		return NewSamplingProfiler(s.cfg.Sampling, s.emitter)
	case p.Language == project.LanguageJava && p.ProjectType == project.TypeLiberty:
		if s.exec == nil {
			log.WithField("project", p.ID).Warn("No container runtime configured, skipping agent profiling")
			return nil
		}
		return NewAgentProfiler(s.cfg.Agent, s.exec, s.probe, s.emitter, s.observer)
	default:
		return nil
	}
}

func targetOf(p *project.Project) container.Target {
	return container.Target{
		ID:        p.Container.ID,
		Namespace: p.Container.Namespace,
		Container: p.Container.Name,
	}
}
