package loadrunner

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/loadrunner/internal/config"
	"github.com/wesleyorama2/loadrunner/internal/loadgen"
	"github.com/wesleyorama2/loadrunner/internal/notify"
	"github.com/wesleyorama2/loadrunner/internal/profiling"
	"github.com/wesleyorama2/loadrunner/internal/project"
	"github.com/wesleyorama2/loadrunner/internal/telemetry"
)

var runTime = time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC)

type harness struct {
	engine    *Engine
	registry  *project.FileRegistry
	service   *fakeService
	collector *fakeCollector
	heartbeat *fakeHeartbeat
	telemetry *fakeTelemetry
	rec       *notify.Recorder
	project   *project.Project
}

func newHarness(t *testing.T, selector Selector, opts ...Option) *harness {
	p := &project.Project{
		ID:           "p1",
		Language:     project.LanguageNodeJS,
		AppBaseURL:   "http://app:3000/",
		LoadTestPath: t.TempDir(),
	}
	h := &harness{
		registry:  project.NewRegistry(p),
		service:   &fakeService{connected: true},
		collector: &fakeCollector{},
		telemetry: &fakeTelemetry{},
		rec:       &notify.Recorder{},
		project:   p,
	}
	h.heartbeat = &fakeHeartbeat{emitter: h.rec}
	if selector == nil {
		selector = &fakeSelector{}
	}

	opts = append([]Option{
		WithHeartbeat(h.heartbeat),
		WithTelemetry(h.telemetry),
		WithRevision(nil),
		WithClock(func() time.Time { return runTime }),
	}, opts...)
	h.engine = New(h.registry, h.service, h.collector, selector, h.rec, opts...)
	return h
}

func withStrategy(s profiling.Strategy) Selector {
	return &fakeSelector{strategy: s}
}

func validConfig() config.LoadConfig {
	return config.LoadConfig{Path: "/orders", RequestsPerSecond: 10, Concurrency: 2, MaxSeconds: 5}
}

func (h *harness) loadInProgress(t *testing.T) bool {
	p, err := h.registry.Get(h.project.ID)
	require.NoError(t, err)
	return p.LoadInProgress
}

func TestStartRun_CompletesAfterProfilingTeardown(t *testing.T) {
	strategy := newFakeStrategy()
	h := newHarness(t, withStrategy(strategy))

	r, err := h.engine.StartRun(context.Background(), "p1", validConfig(), "baseline")
	require.NoError(t, err)

	assert.Equal(t, "20240203040506", r.Timestamp)
	assert.DirExists(t, filepath.Join(h.project.LoadTestPath, "20240203040506"))
	assert.Equal(t, []notify.Status{notify.StatusPreparing, notify.StatusStarting}, h.rec.Statuses())
	assert.Equal(t, "starting", h.engine.Status().State)
	assert.Equal(t, "fake", h.engine.Status().Profiling)
	assert.True(t, h.loadInProgress(t))
	assert.Equal(t, []int{5}, h.collector.seconds)

	runs := h.service.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, loadgen.RunRequest{
		URL:               "http://app:3000/orders",
		Method:            "GET",
		Concurrency:       2,
		RequestsPerSecond: 10,
		MaxSeconds:        5,
	}, runs[0])

	h.engine.handle(loadgen.Started{})
	assert.Equal(t, "running", h.engine.Status().State)
	assert.Equal(t, notify.StatusRunning, h.rec.Statuses()[2])

	h.engine.handle(loadgen.Completed{})
	require.Eventually(t, func() bool { return strategy.Teardowns() == 1 }, time.Second, time.Millisecond)

	assert.Equal(t, "completing", h.engine.Status().State)
	assert.Equal(t, 0, h.rec.Count(notify.StatusCompleted))
	assert.False(t, h.loadInProgress(t))
	assert.False(t, h.heartbeat.Active())
	assert.Equal(t, 1, h.collector.Recorded())

	close(strategy.finished)
	h.engine.Wait()

	assert.Equal(t, 1, h.rec.Count(notify.StatusCompleted))
	assert.Equal(t, "idle", h.engine.Status().State)
	assert.True(t, r.Released())
	assert.Equal(t, 0, strategy.Cancels())
	assert.Equal(t, 1, h.telemetry.Finished(telemetry.OutcomeCompleted))
}

func TestStartRun_RunInProgress(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.engine.StartRun(context.Background(), "p1", validConfig(), "")
	require.NoError(t, err)

	_, err = h.engine.StartRun(context.Background(), "p1", validConfig(), "")
	assert.True(t, errors.Is(err, ErrRunInProgress))
	assert.Len(t, h.service.Runs(), 1)
}

func TestStartRun_ConcurrentRequestsAdmitOne(t *testing.T) {
	h := newHarness(t, nil)

	var wg sync.WaitGroup
	results := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.StartRun(context.Background(), "p1", validConfig(), "")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	accepted := 0
	for err := range results {
		if err == nil {
			accepted++
			continue
		}
		assert.True(t, errors.Is(err, ErrRunInProgress))
	}
	assert.Equal(t, 1, accepted)
	assert.Len(t, h.service.Runs(), 1)
}

func TestStartRun_ServiceUnavailable(t *testing.T) {
	h := newHarness(t, nil)
	h.service.connected = false

	_, err := h.engine.StartRun(context.Background(), "p1", validConfig(), "")
	assert.True(t, errors.Is(err, ErrServiceUnavailable))
	assert.Empty(t, h.rec.Statuses())
	assert.Equal(t, "idle", h.engine.Status().State)

	entries, err := os.ReadDir(h.project.LoadTestPath)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStartRun_Preconditions(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.engine.StartRun(context.Background(), "missing", validConfig(), "")
	assert.True(t, errors.Is(err, project.ErrProjectNotFound))

	bad := validConfig()
	bad.Concurrency = 0
	_, err = h.engine.StartRun(context.Background(), "p1", bad, "")
	assert.True(t, errors.Is(err, ErrInvalidConfig))
	assert.Contains(t, err.Error(), "concurrency")

	assert.Empty(t, h.rec.Statuses())
	assert.Equal(t, 0, h.telemetry.started)
}

func TestStartRun_ResultsDirFailure(t *testing.T) {
	h := newHarness(t, nil)
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))
	h.project.LoadTestPath = blocker
	h.registry = project.NewRegistry(h.project)
	h.engine.registry = h.registry

	_, err := h.engine.StartRun(context.Background(), "p1", validConfig(), "")
	assert.True(t, errors.Is(err, ErrResultsDir))
	assert.Empty(t, h.rec.Statuses())
	assert.Equal(t, "idle", h.engine.Status().State)

	h.project.LoadTestPath = t.TempDir()
	h.engine.registry = project.NewRegistry(h.project)
	_, err = h.engine.StartRun(context.Background(), "p1", validConfig(), "")
	assert.NoError(t, err)
}

func TestStartRun_LoadRejectedRollsBack(t *testing.T) {
	strategy := newFakeStrategy()
	h := newHarness(t, withStrategy(strategy))
	h.service.runErr = &loadgen.StatusError{StatusCode: 500, Body: "busy"}

	r, err := h.engine.StartRun(context.Background(), "p1", validConfig(), "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLoadRejected))
	assert.Contains(t, err.Error(), "busy")

	assert.Equal(t, 1, strategy.Cancels())
	assert.Equal(t, 1, h.collector.Deleted())
	assert.False(t, h.loadInProgress(t))
	assert.False(t, h.heartbeat.Active())
	assert.True(t, r.Released())
	assert.Equal(t, "idle", h.engine.Status().State)
	assert.Equal(t, 0, h.rec.Count(notify.StatusCancelled))
	assert.Equal(t, 1, h.telemetry.Finished(telemetry.OutcomeFailed))

	h.service.runErr = nil
	_, err = h.engine.StartRun(context.Background(), "p1", validConfig(), "")
	assert.NoError(t, err)
}

func TestStartRun_TimedCollectionNotDeletedOnRollback(t *testing.T) {
	h := newHarness(t, nil)
	h.collector.timed = true
	h.service.runErr = errors.New("connection refused")

	_, err := h.engine.StartRun(context.Background(), "p1", validConfig(), "")
	assert.True(t, errors.Is(err, ErrLoadRejected))
	assert.Equal(t, 0, h.collector.Deleted())
}

func TestStartRun_ProfilingStartFailureContinues(t *testing.T) {
	strategy := newFakeStrategy()
	strategy.startErr = errors.New("socket refused")
	h := newHarness(t, withStrategy(strategy))

	_, err := h.engine.StartRun(context.Background(), "p1", validConfig(), "")
	require.NoError(t, err)
	assert.Equal(t, 1, strategy.Cancels())
	assert.Empty(t, h.engine.Status().Profiling)

	h.engine.handle(loadgen.Started{})
	h.engine.handle(loadgen.Completed{})
	h.engine.Wait()

	assert.Equal(t, 0, strategy.Teardowns())
	assert.Equal(t, 1, h.rec.Count(notify.StatusCompleted))
}

func TestStartRun_WithoutCollection(t *testing.T) {
	h := newHarness(t, nil)
	h.collector.none = true

	_, err := h.engine.StartRun(context.Background(), "p1", validConfig(), "")
	require.NoError(t, err)

	require.NoError(t, h.engine.CancelRun(context.Background()))
	h.engine.Wait()
	assert.Equal(t, 0, h.collector.Deleted())
	assert.Equal(t, 1, h.rec.Count(notify.StatusCancelled))
}

func TestStartRun_WritesRunInfoWhenClean(t *testing.T) {
	clean := true
	revision := func(path string) (string, bool, error) {
		return "abc123", clean, nil
	}
	h := newHarness(t, nil, WithRevision(revision))
	h.project.LocalPath = "/src/p1"
	h.engine.registry = project.NewRegistry(h.project)

	r, err := h.engine.StartRun(context.Background(), "p1", validConfig(), "")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(r.WorkDir, RunInfoFile))
	require.NoError(t, err)
	var info map[string]string
	require.NoError(t, json.Unmarshal(data, &info))
	assert.Equal(t, map[string]string{"gitHash": "abc123"}, info)

	require.NoError(t, h.engine.CancelRun(context.Background()))
	h.engine.Wait()

	clean = false
	h.engine.now = func() time.Time { return runTime.Add(time.Minute) }
	r, err = h.engine.StartRun(context.Background(), "p1", validConfig(), "")
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(r.WorkDir, RunInfoFile))
}

func TestCancelRun_NoRunInProgress(t *testing.T) {
	strategy := newFakeStrategy()
	h := newHarness(t, withStrategy(strategy))

	err := h.engine.CancelRun(context.Background())
	assert.True(t, errors.Is(err, ErrNoRunInProgress))
	assert.Empty(t, h.rec.Statuses())
	assert.Empty(t, h.heartbeat.Started())
	assert.Equal(t, 0, h.heartbeat.stops)
	assert.Equal(t, 0, strategy.Cancels())
	assert.Equal(t, 0, h.service.Cancels())
}

func TestCancelRun_WhileStarting(t *testing.T) {
	strategy := newFakeStrategy()
	h := newHarness(t, withStrategy(strategy))

	r, err := h.engine.StartRun(context.Background(), "p1", validConfig(), "")
	require.NoError(t, err)

	require.NoError(t, h.engine.CancelRun(context.Background()))
	h.engine.Wait()

	assert.Equal(t, 1, h.service.Cancels())
	assert.Equal(t, 1, strategy.Cancels())
	assert.Equal(t, 1, h.collector.Deleted())
	assert.False(t, h.loadInProgress(t))
	assert.False(t, h.heartbeat.Active())
	assert.True(t, r.Released())
	assert.Equal(t, "idle", h.engine.Status().State)

	statuses := h.rec.Statuses()
	assert.Equal(t, []notify.Status{notify.StatusCancelling, notify.StatusCancelled}, statuses[len(statuses)-2:])
	assert.Equal(t, 1, h.telemetry.Finished(telemetry.OutcomeCancelled))
}

func TestCancelRun_IgnoresEchoedCancel(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.engine.StartRun(context.Background(), "p1", validConfig(), "")
	require.NoError(t, err)
	require.NoError(t, h.engine.CancelRun(context.Background()))
	h.engine.Wait()

	h.engine.now = func() time.Time { return runTime.Add(time.Minute) }
	_, err = h.engine.StartRun(context.Background(), "p1", validConfig(), "")
	require.NoError(t, err)

	// The load service confirms the first cancel after the next run began.
	h.engine.handle(loadgen.Cancelled{})
	h.engine.Wait()
	assert.Equal(t, "starting", h.engine.Status().State)

	h.engine.handle(loadgen.Cancelled{})
	h.engine.Wait()
	assert.Equal(t, "idle", h.engine.Status().State)
	assert.Equal(t, 2, h.rec.Count(notify.StatusCancelled))
}

func TestCancelRun_WhilePreparing(t *testing.T) {
	strategy := newFakeStrategy()
	strategy.startGate = make(chan struct{})
	h := newHarness(t, withStrategy(strategy))

	result := make(chan error, 1)
	go func() {
		_, err := h.engine.StartRun(context.Background(), "p1", validConfig(), "")
		result <- err
	}()

	<-strategy.started
	assert.Equal(t, "preparing", h.engine.Status().State)
	require.NoError(t, h.engine.CancelRun(context.Background()))
	close(strategy.startGate)

	err := <-result
	assert.True(t, errors.Is(err, ErrRunCancelled))
	assert.Empty(t, h.service.Runs())
	assert.Equal(t, 0, h.service.Cancels())
	assert.Equal(t, 1, strategy.Cancels())
	assert.Equal(t, 1, h.rec.Count(notify.StatusCancelled))
	assert.Equal(t, "idle", h.engine.Status().State)
}

func TestEvents_OutOfStateAreIgnored(t *testing.T) {
	h := newHarness(t, nil)

	h.engine.handle(loadgen.Started{})
	h.engine.handle(loadgen.Completed{})
	h.engine.handle(loadgen.Cancelled{})
	h.engine.Wait()
	assert.Empty(t, h.rec.Statuses())

	_, err := h.engine.StartRun(context.Background(), "p1", validConfig(), "")
	require.NoError(t, err)

	// Completion before the load started is not a valid transition.
	h.engine.handle(loadgen.Completed{})
	h.engine.Wait()
	assert.Equal(t, "starting", h.engine.Status().State)
	assert.Equal(t, 0, h.rec.Count(notify.StatusCompleted))
}

func TestEvents_CancelledByService(t *testing.T) {
	strategy := newFakeStrategy()
	h := newHarness(t, withStrategy(strategy))

	_, err := h.engine.StartRun(context.Background(), "p1", validConfig(), "")
	require.NoError(t, err)
	h.engine.handle(loadgen.Started{})
	h.engine.handle(loadgen.Cancelled{})
	h.engine.Wait()

	assert.Equal(t, 0, h.service.Cancels())
	assert.Equal(t, 1, strategy.Cancels())
	assert.Equal(t, "idle", h.engine.Status().State)
	assert.Equal(t, 1, h.rec.Count(notify.StatusCancelled))
}

func TestEvents_DisconnectMarksDown(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.engine.StartRun(context.Background(), "p1", validConfig(), "")
	require.NoError(t, err)
	h.engine.handle(loadgen.Started{})
	require.True(t, h.loadInProgress(t))

	h.engine.handle(loadgen.Disconnected{Err: errors.New("EOF")})

	status := h.engine.Status()
	assert.False(t, status.Connected)
	assert.Equal(t, "running", status.State)
	assert.False(t, h.loadInProgress(t))

	_, err = h.engine.StartRun(context.Background(), "p1", validConfig(), "")
	assert.True(t, errors.Is(err, ErrRunInProgress))
}

func TestEvents_ErrorMarksDownUntilReconnect(t *testing.T) {
	h := newHarness(t, nil)

	h.engine.handle(loadgen.Error{Message: "worker crashed"})
	_, err := h.engine.StartRun(context.Background(), "p1", validConfig(), "")
	assert.True(t, errors.Is(err, ErrServiceUnavailable))

	h.engine.handle(loadgen.Connected{})
	_, err = h.engine.StartRun(context.Background(), "p1", validConfig(), "")
	assert.NoError(t, err)
}

func TestRun_DispatchesInOrder(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.engine.StartRun(context.Background(), "p1", validConfig(), "")
	require.NoError(t, err)

	events := make(chan loadgen.Event, 3)
	events <- loadgen.Started{}
	events <- loadgen.Completed{}
	close(events)

	require.NoError(t, h.engine.Run(context.Background(), events))
	h.engine.Wait()

	assert.Equal(t, []notify.Status{
		notify.StatusPreparing,
		notify.StatusStarting,
		notify.StatusRunning,
		notify.StatusCompleted,
	}, h.rec.Statuses())
	assert.Equal(t, "idle", h.engine.Status().State)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.NoError(t, h.engine.Run(ctx, make(chan loadgen.Event)))
}
