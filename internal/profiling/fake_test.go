package profiling

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/wesleyorama2/loadrunner/internal/container"
	"github.com/wesleyorama2/loadrunner/internal/project"
)

// fakeServer is a container whose server goes down on the stop command and
// comes back on the start command.
type fakeServer struct {
	mu        sync.Mutex
	alive     bool
	commands  []string
	failOn    string
	copies    int
	copyAfter int // succeed on this copy attempt; zero never succeeds
}

func newFakeServer() *fakeServer {
	return &fakeServer{alive: true}
}

func (f *fakeServer) Exec(ctx context.Context, target container.Target, cmd []string) (*container.Result, error) {
	line := strings.Join(cmd, " ")

	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, line)

	if f.failOn != "" && strings.Contains(line, f.failOn) {
		return &container.Result{ExitCode: 1, Stderr: "failed"}, nil
	}
	switch {
	case strings.HasSuffix(line, " stop"):
		f.alive = false
	case strings.HasSuffix(line, " start"):
		f.alive = true
	}
	return &container.Result{}, nil
}

func (f *fakeServer) CopyFrom(ctx context.Context, target container.Target, srcPath, dstDir string) ([]string, error) {
	f.mu.Lock()
	f.copies++
	attempt := f.copies
	f.mu.Unlock()

	if f.copyAfter == 0 || attempt < f.copyAfter {
		return nil, errors.New("no such file or directory")
	}

	dir := filepath.Join(dstDir, filepath.Base(srcPath))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	hcd := filepath.Join(dir, "server1.hcd")
	logFile := filepath.Join(dir, "agent.log")
	os.WriteFile(hcd, []byte("hcd"), 0644)
	os.WriteFile(logFile, []byte("log"), 0644)
	return []string{hcd, logFile}, nil
}

func (f *fakeServer) Alive(ctx context.Context, p *project.Project) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func (f *fakeServer) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func (f *fakeServer) Copies() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.copies
}

// stalledCopy holds every copy until its context is cancelled and then lets
// it succeed.
type stalledCopy struct {
	*fakeServer
	entered chan struct{}
	once    sync.Once
}

func (s *stalledCopy) CopyFrom(ctx context.Context, target container.Target, srcPath, dstDir string) ([]string, error) {
	s.once.Do(func() { close(s.entered) })
	<-ctx.Done()
	return s.fakeServer.CopyFrom(context.Background(), target, srcPath, dstDir)
}

type countingObserver struct {
	mu       sync.Mutex
	attempts []int
}

func (c *countingObserver) ObserveAgentPolls(attempts int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts = append(c.attempts, attempts)
}

func (c *countingObserver) Attempts() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.attempts...)
}
