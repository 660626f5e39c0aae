// Package loadrunner is the run lifecycle manager. It owns the single run
// slot and drives the metrics collection, profiling and heartbeat of the run
// occupying it, reacting to events from the load-generation service.
//
// A run moves through
//
//	Idle -> Preparing -> Starting -> Running -> Completing -> Idle
//
// and may leave Preparing, Starting or Running through Cancelling, or fail
// from Starting when the load service rejects the run. Events from the load
// service are handled one at a time, in arrival order, by Run.
package loadrunner

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/wesleyorama2/loadrunner/internal/config"
	"github.com/wesleyorama2/loadrunner/internal/heartbeat"
	"github.com/wesleyorama2/loadrunner/internal/loadgen"
	"github.com/wesleyorama2/loadrunner/internal/notify"
	"github.com/wesleyorama2/loadrunner/internal/profiling"
	"github.com/wesleyorama2/loadrunner/internal/project"
	"github.com/wesleyorama2/loadrunner/internal/run"
	"github.com/wesleyorama2/loadrunner/internal/telemetry"
	"github.com/wesleyorama2/loadrunner/internal/vcs"
)

// RunInfoFile records the source revision a run was made against.
const RunInfoFile = "runinfo.json"

// Precondition errors. They are returned before any state is changed.
var (
	ErrRunInProgress      = errors.New("a load run is already in progress")
	ErrNoRunInProgress    = errors.New("no load run in progress")
	ErrServiceUnavailable = errors.New("load service is not available")
	ErrResultsDir         = errors.New("failed to create results directory")
	ErrInvalidConfig      = errors.New("invalid load configuration")
)

// Errors ending a run that was accepted.
var (
	ErrLoadRejected = errors.New("load service rejected the run")
	ErrRunCancelled = errors.New("load run was cancelled while preparing")
)

// LoadService starts and stops load generation.
type LoadService interface {
	RunLoad(ctx context.Context, req loadgen.RunRequest) error
	CancelLoad(ctx context.Context) error
	Connected() bool
}

// Collector manages the metrics collection of a run.
type Collector interface {
	CreateCollection(ctx context.Context, r *run.LoadRun, seconds int) *run.Collection
	RecordCollection(ctx context.Context, r *run.LoadRun) error
	DeleteCollection(ctx context.Context, c *run.Collection) error
}

// Selector picks the profiling strategy for a project. A nil Strategy means
// the run is not profiled.
type Selector interface {
	Select(p *project.Project) profiling.Strategy
}

// Heartbeat periodically reports a run's status.
type Heartbeat interface {
	Start(r *run.LoadRun, status notify.Status)
	Stop()
}

// Telemetry records engine metrics.
type Telemetry interface {
	RunStarted()
	RunFinished(outcome string)
	SetState(state int)
}

// RevisionFunc returns the source revision of the checkout at path and
// whether it has pending changes.
type RevisionFunc func(path string) (hash string, clean bool, err error)

type noTelemetry struct{}

func (noTelemetry) RunStarted()        {}
func (noTelemetry) RunFinished(string) {}
func (noTelemetry) SetState(int)       {}

type activeRun struct {
	run             *run.LoadRun
	state           run.State
	strategy        profiling.Strategy
	cancelRequested bool
}

// Engine is the run lifecycle manager.
type Engine struct {
	registry  project.Registry
	service   LoadService
	collector Collector
	selector  Selector
	emitter   notify.Emitter
	heartbeat Heartbeat
	telemetry Telemetry
	revision  RevisionFunc
	now       func() time.Time

	mu           sync.Mutex
	active       *activeRun
	down         bool
	staleCancels int

	background sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithHeartbeat replaces the default heartbeat reporter.
func WithHeartbeat(h Heartbeat) Option {
	return func(e *Engine) {
		e.heartbeat = h
	}
}

// WithTelemetry records engine metrics.
func WithTelemetry(t Telemetry) Option {
	return func(e *Engine) {
		e.telemetry = t
	}
}

// WithRevision replaces the source revision lookup. A nil function disables
// runinfo.json.
func WithRevision(f RevisionFunc) Option {
	return func(e *Engine) {
		e.revision = f
	}
}

// WithClock sets the clock used to timestamp runs.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates an idle engine.
func New(registry project.Registry, service LoadService, collector Collector, selector Selector, emitter notify.Emitter, opts ...Option) *Engine {
	e := &Engine{
		registry:  registry,
		service:   service,
		collector: collector,
		selector:  selector,
		emitter:   emitter,
		heartbeat: heartbeat.NewReporter(emitter, heartbeat.DefaultInterval),
		telemetry: noTelemetry{},
		revision:  vcs.Revision,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func runLogger(r *run.LoadRun) *log.Entry {
	return log.WithFields(log.Fields{"project": r.ProjectID(), "run": r.Timestamp})
}

// setState must be called with e.mu held.
func (e *Engine) setState(ar *activeRun, state run.State) {
	ar.state = state
	e.telemetry.SetState(int(state))
}

// StartRun accepts a load run against a project and drives it up to the
// point where the load service has been asked to generate load.
func (e *Engine) StartRun(ctx context.Context, projectID string, cfg config.LoadConfig, description string) (*run.LoadRun, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessage(ErrInvalidConfig, err.Error())
	}

	p, err := e.registry.Get(projectID)
	if err != nil {
		return nil, err
	}

	ar, err := e.claim(p, cfg, description)
	if err != nil {
		return nil, err
	}
	r := ar.run
	logger := runLogger(r)
	logger.WithField("dir", r.WorkDir).Info("Load run accepted")

	e.writeRunInfo(r, p)
	e.heartbeat.Start(r, notify.StatusPreparing)

	if strategy := e.selector.Select(p); strategy != nil {
		if err := strategy.Start(ctx, r); err != nil {
			logger.WithError(err).Warnf("Failed to start %s profiling, continuing without it", strategy.Name())
			if err := strategy.Cancel(context.Background(), r); err != nil {
				logger.WithError(err).Warn("Profiling rollback reported errors")
			}
		} else {
			e.mu.Lock()
			ar.strategy = strategy
			e.mu.Unlock()
		}
	}

	if e.cancelRequested(ar) {
		e.cancel(ar)
		return r, ErrRunCancelled
	}

	r.SetCollection(e.collector.CreateCollection(ctx, r, cfg.MaxSeconds))

	e.mu.Lock()
	if ar.cancelRequested {
		e.mu.Unlock()
		e.cancel(ar)
		return r, ErrRunCancelled
	}
	e.setState(ar, run.Starting)
	e.mu.Unlock()

	e.heartbeat.Start(r, notify.StatusStarting)
	if err := e.registry.SetLoadInProgress(p.ID, true); err != nil {
		logger.WithError(err).Warn("Failed to mark project as under load")
	}

	if err := e.service.RunLoad(ctx, runRequest(p, cfg)); err != nil {
		logger.WithError(err).Error("Load service rejected the run")
		e.fail(ar)
		return r, errors.WithMessage(ErrLoadRejected, err.Error())
	}

	logger.Info("Load requested")
	return r, nil
}

// claim checks the preconditions and takes the run slot. Nothing is changed
// when an error is returned.
func (e *Engine) claim(p *project.Project, cfg config.LoadConfig, description string) (*activeRun, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active != nil {
		return nil, ErrRunInProgress
	}
	if e.down || !e.service.Connected() {
		return nil, ErrServiceUnavailable
	}

	r := run.New(p, cfg, description, e.now())
	if err := os.MkdirAll(r.WorkDir, 0755); err != nil {
		return nil, errors.WithMessagef(ErrResultsDir, "%s: %v", r.WorkDir, err)
	}

	ar := &activeRun{run: r}
	e.active = ar
	e.setState(ar, run.Preparing)
	e.telemetry.RunStarted()
	return ar, nil
}

func runRequest(p *project.Project, cfg config.LoadConfig) loadgen.RunRequest {
	return loadgen.RunRequest{
		URL:               strings.TrimRight(p.AppBaseURL, "/") + cfg.Path,
		Method:            cfg.Method,
		Body:              cfg.Body,
		ContentType:       cfg.ContentType,
		Concurrency:       cfg.Concurrency,
		RequestsPerSecond: cfg.RequestsPerSecond,
		MaxSeconds:        cfg.MaxSeconds,
	}
}

// writeRunInfo records the project's revision when its checkout is clean.
func (e *Engine) writeRunInfo(r *run.LoadRun, p *project.Project) {
	if e.revision == nil || p.LocalPath == "" {
		return
	}
	logger := runLogger(r)

	hash, clean, err := e.revision(p.LocalPath)
	if err != nil {
		logger.WithError(err).Debug("No source revision available")
		return
	}
	if !clean {
		logger.Info("Project has pending changes, not recording revision")
		return
	}

	data, err := json.Marshal(vcs.RunInfo{GitHash: hash})
	if err != nil {
		return
	}
	if err := os.WriteFile(filepath.Join(r.WorkDir, RunInfoFile), data, 0644); err != nil {
		logger.WithError(err).Warn("Failed to write run info")
	}
}

func (e *Engine) cancelRequested(ar *activeRun) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return ar.cancelRequested
}

// CancelRun cancels the active run. The rollback runs in the background and
// the slot is cleared once it has finished.
func (e *Engine) CancelRun(ctx context.Context) error {
	e.mu.Lock()
	ar := e.active
	if ar == nil {
		e.mu.Unlock()
		return ErrNoRunInProgress
	}

	switch ar.state {
	case run.Preparing:
		ar.cancelRequested = true
		e.mu.Unlock()
		runLogger(ar.run).Info("Cancel requested while preparing")
		return nil
	case run.Starting, run.Running:
		e.setState(ar, run.Cancelling)
		e.mu.Unlock()
	default:
		e.mu.Unlock()
		return nil
	}

	logger := runLogger(ar.run)
	logger.Info("Cancelling load run")
	if err := e.service.CancelLoad(ctx); err != nil {
		logger.WithError(err).Warn("Failed to cancel load")
	} else {
		e.mu.Lock()
		e.staleCancels++
		e.mu.Unlock()
	}

	e.background.Add(1)
	go func() {
		defer e.background.Done()
		e.cancel(ar)
	}()
	return nil
}

// cancel rolls the run back and clears the slot.
func (e *Engine) cancel(ar *activeRun) {
	e.mu.Lock()
	e.setState(ar, run.Cancelling)
	e.mu.Unlock()

	e.heartbeat.Stop()
	e.emitter.Emit(notify.New(ar.run.ProjectID(), notify.StatusCancelling))
	e.rollback(ar)
	e.release(ar, telemetry.OutcomeCancelled)
	e.emitter.Emit(notify.New(ar.run.ProjectID(), notify.StatusCancelled))
	runLogger(ar.run).Info("Load run cancelled")
}

// fail rolls back a run the load service refused.
func (e *Engine) fail(ar *activeRun) {
	e.mu.Lock()
	if e.active != ar || ar.state != run.Starting {
		e.mu.Unlock()
		return
	}
	e.setState(ar, run.Failed)
	e.mu.Unlock()

	e.heartbeat.Stop()
	e.rollback(ar)
	e.release(ar, telemetry.OutcomeFailed)
}

// rollback undoes the side effects of a run. Every step is attempted.
func (e *Engine) rollback(ar *activeRun) {
	ctx := context.Background()
	r := ar.run
	var result error

	e.mu.Lock()
	strategy := ar.strategy
	e.mu.Unlock()

	if strategy != nil {
		if err := strategy.Cancel(ctx, r); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "%s profiling rollback", strategy.Name()))
		}
	}
	if c := r.Collection(); c != nil && !c.Timed {
		if err := e.collector.DeleteCollection(ctx, c); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := e.registry.SetLoadInProgress(r.ProjectID(), false); err != nil {
		result = multierror.Append(result, err)
	}

	if result != nil {
		runLogger(r).WithError(result).Warn("Rollback finished with errors")
	}
}

// release detaches the run and frees the slot if the run still holds it.
func (e *Engine) release(ar *activeRun, outcome string) {
	ar.run.Release()

	e.mu.Lock()
	if e.active == ar {
		e.active = nil
		e.telemetry.SetState(int(run.Idle))
	}
	e.mu.Unlock()

	e.telemetry.RunFinished(outcome)
}

// Wait blocks until background completion and cancellation work is done.
func (e *Engine) Wait() {
	e.background.Wait()
}
