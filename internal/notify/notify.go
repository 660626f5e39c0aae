// Package notify delivers run status notifications to the UI.
//
// Every notification carries the project ID and a status from a fixed
// vocabulary. Heartbeats add the run's timestamp key, which also names the
// run's results directory. Notifications are fanned out to any
// number of emitters: the websocket hub that UI clients subscribe to and the
// console.
package notify

import (
	"sync"
)

// Status is a run status reported to the UI.
type Status string

const (
	StatusPreparing      Status = "preparing"
	StatusStarting       Status = "starting"
	StatusRunning        Status = "running"
	StatusCollecting     Status = "collecting"
	StatusCancelling     Status = "cancelling"
	StatusCancelled      Status = "cancelled"
	StatusHCDReady       Status = "hcdReady"
	StatusProfilingReady Status = "profilingReady"
	StatusProfilingFail  Status = "profilingFailed"
	StatusCompleted      Status = "completed"
	StatusOldMetrics     Status = "app-is-using-old-metrics"
)

// Notification is a single status update for a project.
type Notification struct {
	ProjectID string `json:"projectID"`
	Status    Status `json:"status"`
	Timestamp string `json:"timestamp,omitempty"`
}

// New creates a notification without a timestamp.
func New(projectID string, status Status) Notification {
	return Notification{ProjectID: projectID, Status: status}
}

// NewTimed creates a notification carrying a run timestamp key.
func NewTimed(projectID string, status Status, timestamp string) Notification {
	return Notification{ProjectID: projectID, Status: status, Timestamp: timestamp}
}

// Emitter delivers notifications. Emit must not block for long.
type Emitter interface {
	Emit(n Notification)
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(n Notification)

// Emit calls f(n).
func (f EmitterFunc) Emit(n Notification) { f(n) }

// Multi fans a notification out to every emitter in order.
type Multi []Emitter

// Emit delivers n to each emitter.
func (m Multi) Emit(n Notification) {
	for _, e := range m {
		e.Emit(n)
	}
}

// Recorder keeps every notification it receives. It is safe for concurrent
// use and is mostly useful in tests.
type Recorder struct {
	mu            sync.Mutex
	notifications []Notification
}

// Emit records n.
func (r *Recorder) Emit(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications = append(r.notifications, n)
}

// Notifications returns a copy of everything recorded so far.
func (r *Recorder) Notifications() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.notifications))
	copy(out, r.notifications)
	return out
}

// Statuses returns the recorded statuses in order.
func (r *Recorder) Statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.notifications))
	for _, n := range r.notifications {
		out = append(out, n.Status)
	}
	return out
}

// Count returns how many times status was recorded.
func (r *Recorder) Count(status Status) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, n := range r.notifications {
		if n.Status == status {
			count++
		}
	}
	return count
}
