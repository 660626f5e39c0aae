package profiling

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/wesleyorama2/loadrunner/internal/config"
	"github.com/wesleyorama2/loadrunner/internal/container"
	"github.com/wesleyorama2/loadrunner/internal/notify"
	"github.com/wesleyorama2/loadrunner/internal/project"
	"github.com/wesleyorama2/loadrunner/internal/run"
)

// copyTimeout bounds a single attempt to copy the agent output out of the
// container.
const copyTimeout = 30 * time.Second

const stagingDir = ".agent"

var errPollAborted = errors.New("profiling cancelled")

// AgentProfiler profiles an Open Liberty server with a native agent. Starting
// it restarts the server, launches the agent for the run duration and
// schedules polling for the agent's output file.
type AgentProfiler struct {
	cfg      config.AgentConfig
	exec     container.Exec
	probe    LivenessProbe
	emitter  notify.Emitter
	observer PollObserver

	// durationUnit scales the run duration before the first poll.
	durationUnit time.Duration

	mu        sync.Mutex
	timer     *time.Timer
	aborted   bool
	restarted bool
	target    container.Target
	outputDir string
	artifacts []string

	// stopPoll cancels the copy of an in-flight poll; polls tracks it.
	stopPoll context.CancelFunc
	polls    sync.WaitGroup

	done     chan struct{}
	doneOnce sync.Once
}

// NewAgentProfiler creates an agent session. Zero-valued settings in cfg
// take their defaults.
func NewAgentProfiler(cfg config.AgentConfig, exec container.Exec, probe LivenessProbe, emitter notify.Emitter, observer PollObserver) *AgentProfiler {
	cfg.ApplyDefaults()
	return &AgentProfiler{
		cfg:      cfg,
		exec:     exec,
		probe:    probe,
		emitter:  emitter,
		observer: observer,

		durationUnit: time.Second,
		done:         make(chan struct{}),
	}
}

// Name implements Strategy.
func (a *AgentProfiler) Name() string { return "agent" }

// Supported reports whether the agent can attach to the given runtime
// version.
func (a *AgentProfiler) Supported(version string) bool {
	for _, v := range a.cfg.UnsupportedVersions {
		if strings.TrimSpace(version) == v {
			return false
		}
	}
	return true
}

// Start implements Strategy. An unsupported runtime version skips profiling
// without failing.
func (a *AgentProfiler) Start(ctx context.Context, r *run.LoadRun) error {
	p := r.Project()
	if p == nil {
		return errors.New("run has been released")
	}
	logger := runLogger(r)

	if !a.Supported(p.RuntimeVersion) {
		logger.WithField("version", p.RuntimeVersion).Warn("Profiling is not supported on this runtime version, continuing without it")
		a.finish()
		return nil
	}

	a.mu.Lock()
	a.target = targetOf(p)
	a.outputDir = path.Join(a.cfg.OutputDir, r.Timestamp)
	a.restarted = true
	a.mu.Unlock()

	if err := a.restart(ctx, p); err != nil {
		return err
	}

	if err := container.Run(ctx, a.exec, a.target, "mkdir", "-p", a.outputDir); err != nil {
		return errors.Wrap(err, "failed to create agent output directory")
	}

	if err := container.Run(ctx, a.exec, a.target, a.launchCommand(r)...); err != nil {
		return errors.Wrap(err, "failed to launch profiling agent")
	}
	logger.WithField("duration", r.Config.MaxSeconds).Info("Profiling agent launched")

	a.schedule(r, time.Duration(r.Config.MaxSeconds)*a.durationUnit, 1)
	return nil
}

func (a *AgentProfiler) launchCommand(r *run.LoadRun) []string {
	replacer := strings.NewReplacer(
		"{{duration}}", strconv.Itoa(r.Config.MaxSeconds),
		"{{outputDir}}", a.outputDir,
	)
	cmd := make([]string, len(a.cfg.LaunchCommand))
	for i, arg := range a.cfg.LaunchCommand {
		cmd[i] = replacer.Replace(arg)
	}
	return cmd
}

// restart stops the server, waits for it to go down, starts it again and
// waits for it to come back.
func (a *AgentProfiler) restart(ctx context.Context, p *project.Project) error {
	logger := log.WithField("project", p.ID)

	if err := container.Run(ctx, a.exec, a.target, a.cfg.StopCommand...); err != nil {
		return errors.Wrap(err, "failed to stop server")
	}
	if err := a.waitForLiveness(ctx, p, false); err != nil {
		logger.WithError(err).Warn("Server did not report down after stop, starting it anyway")
	}

	if err := container.Run(ctx, a.exec, a.target, a.cfg.StartCommand...); err != nil {
		return errors.Wrap(err, "failed to start server")
	}
	if err := a.waitForLiveness(ctx, p, true); err != nil {
		return errors.Wrap(err, "server did not come back after restart")
	}

	logger.Info("Server restarted")
	return nil
}

// waitForLiveness polls the probe on a fixed interval until it reports want.
func (a *AgentProfiler) waitForLiveness(ctx context.Context, p *project.Project, want bool) error {
	return retry.Do(
		func() error {
			if a.probe.Alive(ctx, p) != want {
				return errors.Errorf("liveness is not %t", want)
			}
			return nil
		},
		retry.Attempts(uint(a.cfg.LivenessAttempts)),
		retry.Delay(a.cfg.LivenessInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
}

func (a *AgentProfiler) schedule(r *run.LoadRun, after time.Duration, attempt int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.aborted {
		return
	}
	a.timer = time.AfterFunc(after, func() { a.PollForArtifact(r, attempt) })
}

// PollForArtifact tries once to copy the agent output out of the container.
// It reschedules itself until the output appears or the attempt bound is
// reached, and stops silently once the run is released or cancelled.
func (a *AgentProfiler) PollForArtifact(r *run.LoadRun, attempt int) {
	a.mu.Lock()
	if a.aborted || r.Released() {
		a.mu.Unlock()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), copyTimeout)
	a.stopPoll = cancel
	a.polls.Add(1)
	a.mu.Unlock()
	defer a.polls.Done()

	logger := runLogger(r).WithField("attempt", attempt)

	files, err := a.copyArtifacts(ctx, r)
	cancel()

	switch {
	case errors.Is(err, errPollAborted):
		logger.Debug("Profiling cancelled during copy, discarding output")
		return
	case err == nil && len(files) > 0:
		logger.WithField("files", files).Info("Profiling data retrieved")
		a.observe(attempt)
		a.emitUnlessAborted(r, notify.StatusHCDReady)
		a.finish()
		return
	case err != nil:
		logger.WithError(err).Debug("Profiling data not available yet")
	}

	if attempt >= a.cfg.MaxPollAttempts {
		logger.Errorf("Profiling data not retrieved after %d attempts, giving up", attempt)
		a.observe(attempt)
		a.emitUnlessAborted(r, notify.StatusProfilingFail)
		a.finish()
		return
	}

	if a.emitUnlessAborted(r, notify.StatusCollecting) {
		a.schedule(r, a.cfg.PollInterval, attempt+1)
	}
}

// emitUnlessAborted emits status for the run unless the session has been
// cancelled, and reports whether it did.
func (a *AgentProfiler) emitUnlessAborted(r *run.LoadRun, status notify.Status) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.aborted {
		return false
	}
	a.emitter.Emit(notify.New(r.ProjectID(), status))
	return true
}

// copyArtifacts copies the agent output directory into a staging directory
// under the run's working directory and moves any matching files up into
// the working directory. Nothing is moved once the session is cancelled.
func (a *AgentProfiler) copyArtifacts(ctx context.Context, r *run.LoadRun) ([]string, error) {
	staging := filepath.Join(r.WorkDir, stagingDir)
	defer os.RemoveAll(staging)

	files, err := a.exec.CopyFrom(ctx, a.target, a.outputDir, staging)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.aborted {
		return nil, errPollAborted
	}

	var moved []string
	for _, f := range files {
		if ok, _ := filepath.Match(a.cfg.ArtifactPattern, filepath.Base(f)); !ok {
			continue
		}
		dest := filepath.Join(r.WorkDir, filepath.Base(f))
		if err := os.Rename(f, dest); err != nil {
			return moved, errors.Wrapf(err, "failed to move %s", f)
		}
		moved = append(moved, dest)
		a.artifacts = append(a.artifacts, dest)
	}
	return moved, nil
}

// Teardown implements Strategy. The channel closes when polling has either
// retrieved the agent output or given up.
func (a *AgentProfiler) Teardown(ctx context.Context, r *run.LoadRun) <-chan struct{} {
	return a.done
}

// Cancel implements Strategy. A pending poll is stopped and an in-flight one
// is awaited. If the server was restarted it is stopped and started again to
// detach the agent, and partial output is removed from the container and the
// working directory.
func (a *AgentProfiler) Cancel(ctx context.Context, r *run.LoadRun) error {
	a.mu.Lock()
	a.aborted = true
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	if a.stopPoll != nil {
		a.stopPoll()
	}
	restarted := a.restarted
	target := a.target
	outputDir := a.outputDir
	a.mu.Unlock()
	defer a.finish()

	a.polls.Wait()

	a.mu.Lock()
	artifacts := append([]string(nil), a.artifacts...)
	a.mu.Unlock()

	var result *multierror.Error
	if restarted {
		if err := container.Run(ctx, a.exec, target, a.cfg.StopCommand...); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "failed to stop server"))
		}
		if p := r.Project(); p != nil {
			if err := a.waitForLiveness(ctx, p, false); err != nil {
				log.WithField("project", p.ID).WithError(err).Warn("Server did not report down after stop")
			}
		}
		if err := container.Run(ctx, a.exec, target, a.cfg.StartCommand...); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "failed to start server"))
		}
		if p := r.Project(); p != nil {
			if err := a.waitForLiveness(ctx, p, true); err != nil {
				result = multierror.Append(result, errors.Wrap(err, "server did not come back"))
			}
		}
		if outputDir != "" {
			if err := container.Run(ctx, a.exec, target, "rm", "-rf", outputDir); err != nil {
				result = multierror.Append(result, errors.Wrap(err, "failed to remove agent output"))
			}
		}
	}

	for _, f := range artifacts {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			result = multierror.Append(result, err)
		}
	}
	if err := os.RemoveAll(filepath.Join(r.WorkDir, stagingDir)); err != nil {
		result = multierror.Append(result, err)
	}

	return result.ErrorOrNil()
}

func (a *AgentProfiler) observe(attempts int) {
	if a.observer != nil {
		a.observer.ObserveAgentPolls(attempts)
	}
}

func (a *AgentProfiler) finish() {
	a.doneOnce.Do(func() { close(a.done) })
}

func runLogger(r *run.LoadRun) *log.Entry {
	return log.WithFields(log.Fields{"project": r.ProjectID(), "run": r.Timestamp})
}
