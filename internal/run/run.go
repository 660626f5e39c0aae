// Package run holds the state shared by the components that take part in a
// load run: the run itself, its lifecycle states and its metrics collection.
package run

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wesleyorama2/loadrunner/internal/config"
	"github.com/wesleyorama2/loadrunner/internal/project"
)

// TimestampFormat names run directories under the project's load-test path.
const TimestampFormat = "20060102150405"

// State is a position in the run lifecycle.
type State int

const (
	Idle State = iota
	Preparing
	Starting
	Running
	Completing
	Cancelling
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Preparing:
		return "preparing"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Completing:
		return "completing"
	case Cancelling:
		return "cancelling"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Collection is a handle on a metrics collection opened in the application.
type Collection struct {
	URI     string
	Timed   bool
	Created time.Time
}

// LoadRun is a single load test against a project.
type LoadRun struct {
	ID          string
	Description string
	Config      config.LoadConfig
	Created     time.Time
	Timestamp   string
	WorkDir     string

	mu         sync.Mutex
	project    *project.Project
	projectID  string
	collection *Collection
}

// New creates a run for p. The working directory is derived from the
// project's load-test path and the creation time but is not created.
func New(p *project.Project, cfg config.LoadConfig, description string, now time.Time) *LoadRun {
	ts := now.Format(TimestampFormat)
	return &LoadRun{
		ID:          uuid.NewString(),
		Description: description,
		Config:      cfg,
		Created:     now,
		Timestamp:   ts,
		WorkDir:     filepath.Join(p.LoadTestPath, ts),
		project:     p,
		projectID:   p.ID,
	}
}

// Project returns the run's project, or nil once the run has been released.
func (r *LoadRun) Project() *project.Project {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.project
}

// ProjectID is available for the lifetime of the run, including after
// release, so late notifications can still be addressed.
func (r *LoadRun) ProjectID() string {
	return r.projectID
}

// Collection returns the metrics collection handle, which may be nil.
func (r *LoadRun) Collection() *Collection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.collection
}

// SetCollection records the run's metrics collection.
func (r *LoadRun) SetCollection(c *Collection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collection = c
}

// Release detaches the run from its project. Work scheduled against a
// released run must stop.
func (r *LoadRun) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.project = nil
}

// Released reports whether Release has been called.
func (r *LoadRun) Released() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.project == nil
}
