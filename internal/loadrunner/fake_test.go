package loadrunner

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/wesleyorama2/loadrunner/internal/container"
	"github.com/wesleyorama2/loadrunner/internal/loadgen"
	"github.com/wesleyorama2/loadrunner/internal/notify"
	"github.com/wesleyorama2/loadrunner/internal/profiling"
	"github.com/wesleyorama2/loadrunner/internal/project"
	"github.com/wesleyorama2/loadrunner/internal/run"
)

type fakeService struct {
	mu        sync.Mutex
	connected bool
	runErr    error
	runs      []loadgen.RunRequest
	cancels   int
}

func (f *fakeService) RunLoad(ctx context.Context, req loadgen.RunRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, req)
	return f.runErr
}

func (f *fakeService) CancelLoad(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return nil
}

func (f *fakeService) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeService) Runs() []loadgen.RunRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]loadgen.RunRequest(nil), f.runs...)
}

func (f *fakeService) Cancels() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancels
}

type fakeCollector struct {
	mu       sync.Mutex
	timed    bool
	none     bool
	seconds  []int
	recorded int
	deleted  []*run.Collection
}

func (f *fakeCollector) CreateCollection(ctx context.Context, r *run.LoadRun, seconds int) *run.Collection {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seconds = append(f.seconds, seconds)
	if f.none {
		return nil
	}
	return &run.Collection{URI: "http://app/metrics/api/v1/collections/1", Timed: f.timed, Created: time.Now()}
}

func (f *fakeCollector) RecordCollection(ctx context.Context, r *run.LoadRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded++
	return nil
}

func (f *fakeCollector) DeleteCollection(ctx context.Context, c *run.Collection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, c)
	return nil
}

func (f *fakeCollector) Recorded() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recorded
}

func (f *fakeCollector) Deleted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deleted)
}

// fakeStrategy is a profiling session whose Start can be held and whose
// teardown finishes when released.
type fakeStrategy struct {
	startErr  error
	startGate chan struct{}
	started   chan struct{}
	finished  chan struct{}
	startOnce sync.Once

	mu        sync.Mutex
	teardowns int
	cancels   int
}

func newFakeStrategy() *fakeStrategy {
	return &fakeStrategy{started: make(chan struct{}), finished: make(chan struct{})}
}

func (f *fakeStrategy) Name() string { return "fake" }

func (f *fakeStrategy) Start(ctx context.Context, r *run.LoadRun) error {
	f.startOnce.Do(func() { close(f.started) })
	if f.startGate != nil {
		<-f.startGate
	}
	return f.startErr
}

func (f *fakeStrategy) Teardown(ctx context.Context, r *run.LoadRun) <-chan struct{} {
	f.mu.Lock()
	f.teardowns++
	f.mu.Unlock()
	return f.finished
}

func (f *fakeStrategy) Cancel(ctx context.Context, r *run.LoadRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return nil
}

func (f *fakeStrategy) Teardowns() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.teardowns
}

func (f *fakeStrategy) Cancels() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancels
}

type fakeSelector struct {
	strategy profiling.Strategy
}

func (f *fakeSelector) Select(p *project.Project) profiling.Strategy {
	return f.strategy
}

// fakeContainer runs no commands of its own; it only records them.
type fakeContainer struct {
	mu       sync.Mutex
	commands [][]string
}

func (f *fakeContainer) Exec(ctx context.Context, target container.Target, cmd []string) (*container.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	return &container.Result{}, nil
}

func (f *fakeContainer) CopyFrom(ctx context.Context, target container.Target, srcPath, dstDir string) ([]string, error) {
	return nil, errors.New("not found")
}

func (f *fakeContainer) Commands() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.commands)
}

type aliveProbe struct{}

func (aliveProbe) Alive(ctx context.Context, p *project.Project) bool { return true }

// fakeHeartbeat records heartbeat starts without a timer.
type fakeHeartbeat struct {
	emitter notify.Emitter

	mu      sync.Mutex
	active  bool
	started []notify.Status
	stops   int
}

func (f *fakeHeartbeat) Start(r *run.LoadRun, status notify.Status) {
	f.mu.Lock()
	f.active = true
	f.started = append(f.started, status)
	f.mu.Unlock()
	f.emitter.Emit(notify.NewTimed(r.ProjectID(), status, r.Timestamp))
}

func (f *fakeHeartbeat) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = false
	f.stops++
}

func (f *fakeHeartbeat) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakeHeartbeat) Started() []notify.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notify.Status(nil), f.started...)
}

type fakeTelemetry struct {
	mu       sync.Mutex
	started  int
	finished map[string]int
	state    int
}

func (f *fakeTelemetry) RunStarted() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
}

func (f *fakeTelemetry) RunFinished(outcome string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finished == nil {
		f.finished = map[string]int{}
	}
	f.finished[outcome]++
}

func (f *fakeTelemetry) SetState(state int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = state
}

func (f *fakeTelemetry) Finished(outcome string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finished[outcome]
}
