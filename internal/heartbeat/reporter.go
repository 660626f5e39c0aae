// Package heartbeat periodically reports the status of the active run.
package heartbeat

import (
	"sync"
	"time"

	"github.com/wesleyorama2/loadrunner/internal/notify"
	"github.com/wesleyorama2/loadrunner/internal/run"
)

// DefaultInterval is the period between heartbeats.
const DefaultInterval = 2 * time.Second

// Reporter emits {projectID, status, timestamp} for the active run on a
// fixed period. At most one heartbeat is active at a time.
type Reporter struct {
	emitter  notify.Emitter
	interval time.Duration

	mu         sync.Mutex
	ticker     *time.Ticker
	stop       chan struct{}
	active     int
	generation int
}

// NewReporter creates a reporter. A non-positive interval uses
// DefaultInterval.
func NewReporter(emitter notify.Emitter, interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reporter{emitter: emitter, interval: interval}
}

// Start replaces any running heartbeat with one reporting status for r. The
// first notification is emitted immediately.
func (h *Reporter) Start(r *run.LoadRun, status notify.Status) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.stopLocked()

	n := notify.NewTimed(r.ProjectID(), status, r.Timestamp)
	h.emitter.Emit(n)

	ticker := time.NewTicker(h.interval)
	stop := make(chan struct{})
	h.ticker = ticker
	h.stop = stop
	h.active++
	h.generation++
	gen := h.generation

	go func() {
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if !h.tick(gen, n) {
					return
				}
			}
		}
	}()
}

// tick emits n unless a later Start or a Stop has superseded generation gen.
func (h *Reporter) tick(gen int, n notify.Notification) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.generation != gen || h.ticker == nil {
		return false
	}
	h.emitter.Emit(n)
	return true
}

// Stop cancels the heartbeat. It is safe to call when none is running.
func (h *Reporter) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopLocked()
}

func (h *Reporter) stopLocked() {
	if h.ticker == nil {
		return
	}
	h.ticker.Stop()
	close(h.stop)
	h.ticker = nil
	h.stop = nil
	h.active--
}

// Active returns the number of running heartbeats, which is zero or one.
func (h *Reporter) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}
