package profiling

import (
	"context"
	"encoding/json"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/wesleyorama2/loadrunner/internal/config"
	"github.com/wesleyorama2/loadrunner/internal/notify"
	"github.com/wesleyorama2/loadrunner/internal/run"
	"github.com/wesleyorama2/loadrunner/pkg/jsonpath"
)

// Artifacts written by the sampling profiler.
const (
	ProfilingFile = "profiling.json"
	MergedFile    = "profiling-merged.json"
	SummaryFile   = "profiling-summary.json"
)

const (
	eventEnable    = "enableprofiling"
	eventDisable   = "disableprofiling"
	eventProfiling = "profiling"
)

type command struct {
	Event string `json:"event"`
}

// SamplingProfiler collects call-stack samples streamed by the application
// over a websocket.
type SamplingProfiler struct {
	cfg     config.SamplingConfig
	emitter notify.Emitter
	dialer  websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	samples []json.RawMessage
	closed  bool

	readDone chan struct{}
}

// NewSamplingProfiler creates a sampling session.
func NewSamplingProfiler(cfg config.SamplingConfig, emitter notify.Emitter) *SamplingProfiler {
	return &SamplingProfiler{
		cfg:     cfg,
		emitter: emitter,
		dialer:  websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Name implements Strategy.
func (s *SamplingProfiler) Name() string { return "sampling" }

// Start implements Strategy. It connects to the application's profiling
// socket, enables profiling and starts collecting samples.
func (s *SamplingProfiler) Start(ctx context.Context, r *run.LoadRun) error {
	p := r.Project()
	if p == nil {
		return errors.New("run has been released")
	}

	socketURL, err := profilingURL(p.AppBaseURL, s.cfg.SocketPath)
	if err != nil {
		return err
	}

	conn, _, err := s.dialer.DialContext(ctx, socketURL, nil)
	if err != nil {
		return errors.Wrapf(err, "failed to connect to profiling socket %s", socketURL)
	}

	if err := conn.WriteJSON(command{Event: eventEnable}); err != nil {
		conn.Close()
		return errors.Wrap(err, "failed to enable profiling")
	}

	s.mu.Lock()
	s.conn = conn
	s.readDone = make(chan struct{})
	s.mu.Unlock()

	go s.readLoop(conn, runLogger(r))
	runLogger(r).WithField("url", socketURL).Info("Sampling profiler connected")
	return nil
}

func profilingURL(appBaseURL, socketPath string) (string, error) {
	u, err := url.Parse(appBaseURL)
	if err != nil {
		return "", errors.Wrapf(err, "invalid application url %q", appBaseURL)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(socketPath, "/")
	return u.String(), nil
}

func (s *SamplingProfiler) readLoop(conn *websocket.Conn, logger *log.Entry) {
	defer close(s.readDone)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				logger.WithError(err).Warn("Profiling socket closed unexpectedly")
			}
			return
		}

		frame := string(msg)
		event, err := jsonpath.Extract(frame, "$.event")
		if err != nil || event != eventProfiling {
			continue
		}

		sample, err := decodeSampleFrame(frame)
		if err != nil {
			logger.WithError(err).Warn("Dropping malformed profiling sample")
			continue
		}

		s.mu.Lock()
		s.samples = append(s.samples, sample)
		s.mu.Unlock()
	}
}

// decodeSampleFrame extracts and validates the sample carried by a
// profiling frame. The sample may be embedded as an object or as a JSON
// encoded string.
func decodeSampleFrame(frame string) (json.RawMessage, error) {
	raw, err := jsonpath.ExtractRaw(frame, "$.data")
	if err != nil {
		return nil, err
	}
	if jsonpath.IsString(frame, "$.data") {
		unquoted, err := strconv.Unquote(raw)
		if err != nil {
			return nil, errors.Wrap(err, "invalid sample string")
		}
		raw = unquoted
	}
	return parseSample([]byte(raw))
}

// Samples returns a copy of the samples collected so far.
func (s *SamplingProfiler) Samples() []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]json.RawMessage(nil), s.samples...)
}

// disconnect sends the disable command, closes the socket and waits for the
// read loop to exit.
func (s *SamplingProfiler) disconnect() error {
	s.mu.Lock()
	conn := s.conn
	done := s.readDone
	already := s.closed
	s.closed = true
	s.conn = nil
	s.mu.Unlock()

	if conn == nil || already {
		return nil
	}

	var result error
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteJSON(command{Event: eventDisable}); err != nil {
		result = errors.Wrap(err, "failed to disable profiling")
	}
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()
	<-done
	return result
}

// Teardown implements Strategy. Profiling is disabled, the samples are
// written to profiling.json and then merged and summarised. Post-processing
// failures are logged only. The returned channel closes after
// profilingReady has been emitted.
func (s *SamplingProfiler) Teardown(ctx context.Context, r *run.LoadRun) <-chan struct{} {
	done := make(chan struct{})
	logger := runLogger(r)

	go func() {
		defer close(done)

		if err := s.disconnect(); err != nil {
			logger.WithError(err).Warn("Failed to disable profiling cleanly")
		}

		samplesPath := filepath.Join(r.WorkDir, ProfilingFile)
		if err := writeSamples(samplesPath, s.Samples()); err != nil {
			logger.WithError(err).Error("Failed to write profiling data")
			return
		}

		mergedPath := filepath.Join(r.WorkDir, MergedFile)
		if err := MergeFile(samplesPath, mergedPath); err != nil {
			logger.WithError(err).Error("Failed to merge profiling data")
		}
		if err := SummarizeFile(samplesPath, mergedPath, filepath.Join(r.WorkDir, SummaryFile)); err != nil {
			logger.WithError(err).Error("Failed to summarize profiling data")
		}

		logger.WithField("samples", len(s.Samples())).Info("Profiling data written")
		s.emitter.Emit(notify.New(r.ProjectID(), notify.StatusProfilingReady))
	}()

	return done
}

func writeSamples(path string, samples []json.RawMessage) error {
	if samples == nil {
		samples = []json.RawMessage{}
	}
	data, err := json.Marshal(samples)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Cancel implements Strategy. Profiling is disabled and the socket closed;
// no artifacts are written.
func (s *SamplingProfiler) Cancel(ctx context.Context, r *run.LoadRun) error {
	return s.disconnect()
}
