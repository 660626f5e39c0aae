// Package loadgen talks to the load-generation service.
//
// Run and cancel requests are plain HTTP calls. Progress comes back on a
// websocket as JSON frames of the form {"event": "...", "data": ...}, which
// the Client turns into Events. Connection state changes are reported on the
// same channel so that a single consumer sees everything in order.
package loadgen

import "fmt"

// Event is something that happened on the load-service connection. The set
// of implementations is closed.
type Event interface {
	loadEvent()
}

// Started is sent when the load service begins generating load.
type Started struct{}

// Completed is sent when the load finished its configured duration.
type Completed struct{}

// Cancelled is sent when the load was stopped early.
type Cancelled struct{}

// Error is sent when the load service reports a failure. The client drops
// the socket afterwards and reconnects.
type Error struct {
	Message string
}

// Connected is emitted when the socket is (re)established.
type Connected struct{}

// Disconnected is emitted when the socket drops.
type Disconnected struct {
	Err error
}

func (Started) loadEvent()      {}
func (Completed) loadEvent()    {}
func (Cancelled) loadEvent()    {}
func (Error) loadEvent()        {}
func (Connected) loadEvent()    {}
func (Disconnected) loadEvent() {}

func (e Error) String() string {
	return fmt.Sprintf("load service error: %s", e.Message)
}

// RunRequest is the body of a run request.
type RunRequest struct {
	URL               string `json:"url"`
	Method            string `json:"method"`
	Body              string `json:"body,omitempty"`
	ContentType       string `json:"contentType,omitempty"`
	Concurrency       int    `json:"concurrency"`
	RequestsPerSecond int    `json:"requestsPerSecond"`
	MaxSeconds        int    `json:"maxSeconds"`
}

// StatusError is returned when the load service answers a request with a
// non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("load service returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("load service returned status %d: %s", e.StatusCode, e.Body)
}
