package loadrunner

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/wesleyorama2/loadrunner/internal/loadgen"
	"github.com/wesleyorama2/loadrunner/internal/notify"
	"github.com/wesleyorama2/loadrunner/internal/run"
	"github.com/wesleyorama2/loadrunner/internal/telemetry"
)

// Run handles load-service events until the channel closes or ctx is done.
func (e *Engine) Run(ctx context.Context, events <-chan loadgen.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			e.handle(ev)
		}
	}
}

func (e *Engine) handle(ev loadgen.Event) {
	switch ev := ev.(type) {
	case loadgen.Connected:
		e.mu.Lock()
		e.down = false
		e.mu.Unlock()
		log.Info("Load service connected")
	case loadgen.Started:
		e.onStarted()
	case loadgen.Completed:
		e.onCompleted()
	case loadgen.Cancelled:
		e.onCancelled()
	case loadgen.Error:
		log.WithField("message", ev.Message).Error("Load service reported an error")
		e.markDown()
	case loadgen.Disconnected:
		log.WithError(ev.Err).Warn("Load service disconnected")
		e.markDown()
	}
}

// transition moves the active run from one of the given states to next. It
// returns nil when there is no run in an accepting state.
func (e *Engine) transition(next run.State, from ...run.State) *activeRun {
	e.mu.Lock()
	defer e.mu.Unlock()

	ar := e.active
	if ar == nil {
		return nil
	}
	for _, s := range from {
		if ar.state == s {
			e.setState(ar, next)
			return ar
		}
	}
	return nil
}

func (e *Engine) onStarted() {
	ar := e.transition(run.Running, run.Starting)
	if ar == nil {
		log.Debug("Ignoring started event")
		return
	}
	runLogger(ar.run).Info("Load started")
	e.heartbeat.Start(ar.run, notify.StatusRunning)
}

func (e *Engine) onCompleted() {
	ar := e.transition(run.Completing, run.Running)
	if ar == nil {
		log.Debug("Ignoring completed event")
		return
	}
	runLogger(ar.run).Info("Load completed")

	e.background.Add(1)
	go func() {
		defer e.background.Done()
		e.complete(ar)
	}()
}

func (e *Engine) onCancelled() {
	e.mu.Lock()
	if e.staleCancels > 0 {
		e.staleCancels--
		e.mu.Unlock()
		log.Debug("Ignoring cancelled event for a cancel we requested")
		return
	}
	e.mu.Unlock()

	ar := e.transition(run.Cancelling, run.Starting, run.Running)
	if ar == nil {
		log.Debug("Ignoring cancelled event")
		return
	}
	runLogger(ar.run).Info("Load service cancelled the run")

	e.background.Add(1)
	go func() {
		defer e.background.Done()
		e.cancel(ar)
	}()
}

func (e *Engine) markDown() {
	e.mu.Lock()
	e.down = true
	ar := e.active
	e.mu.Unlock()

	if ar == nil {
		return
	}
	if err := e.registry.SetLoadInProgress(ar.run.ProjectID(), false); err != nil {
		runLogger(ar.run).WithError(err).Warn("Failed to clear load in progress")
	}
}

// complete records the collection, tears profiling down and reports the run
// completed once no profiling work remains.
func (e *Engine) complete(ar *activeRun) {
	ctx := context.Background()
	r := ar.run
	logger := runLogger(r)

	e.heartbeat.Stop()
	if err := e.registry.SetLoadInProgress(r.ProjectID(), false); err != nil {
		logger.WithError(err).Warn("Failed to clear load in progress")
	}

	if err := e.collector.RecordCollection(ctx, r); err != nil {
		logger.WithError(err).Error("Failed to record metrics collection")
	}

	e.mu.Lock()
	strategy := ar.strategy
	e.mu.Unlock()

	if strategy != nil {
		<-strategy.Teardown(ctx, r)
	}

	e.release(ar, telemetry.OutcomeCompleted)
	e.emitter.Emit(notify.New(r.ProjectID(), notify.StatusCompleted))
	logger.Info("Load run completed")
}

// Status is a snapshot of the engine.
type Status struct {
	State       string `json:"state"`
	Connected   bool   `json:"connected"`
	ProjectID   string `json:"projectID,omitempty"`
	RunID       string `json:"runID,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`
	Description string `json:"description,omitempty"`
	Profiling   string `json:"profiling,omitempty"`
}

// Status returns the engine's current state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Status{
		State:     run.Idle.String(),
		Connected: !e.down && e.service.Connected(),
	}
	if ar := e.active; ar != nil {
		s.State = ar.state.String()
		s.ProjectID = ar.run.ProjectID()
		s.RunID = ar.run.ID
		s.Timestamp = ar.run.Timestamp
		s.Description = ar.run.Description
		if ar.strategy != nil {
			s.Profiling = ar.strategy.Name()
		}
	}
	return s
}
