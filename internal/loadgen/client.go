package loadgen

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/wesleyorama2/loadrunner/internal/http"
	"github.com/wesleyorama2/loadrunner/pkg/jsonpath"
)

const (
	runLoadPath    = "/api/v1/runload"
	cancelLoadPath = "/api/v1/cancelLoad"

	eventBuffer = 64
)

// Client connects to the load service.
type Client struct {
	http      *http.Client
	socketURL string
	reconnect time.Duration
	dialer    websocket.Dialer
	events    chan Event
	connected atomic.Bool
	logger    *log.Entry

	connMu sync.Mutex
	conn   *websocket.Conn
}

// Option configures a Client.
type Option func(*Client)

// WithReconnectInterval sets the delay between reconnect attempts.
func WithReconnectInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.reconnect = d
		}
	}
}

// WithHTTPOptions passes options through to the underlying HTTP client.
func WithHTTPOptions(opts ...http.ClientOption) Option {
	return func(c *Client) {
		c.http = http.NewClient(append([]http.ClientOption{http.WithBaseURL(c.http.BaseURL())}, opts...)...)
	}
}

// NewClient creates a client for the service at baseURL. The event socket
// is served at socketPath on the same host.
func NewClient(baseURL, socketPath string, opts ...Option) (*Client, error) {
	socketURL, err := websocketURL(baseURL, socketPath)
	if err != nil {
		return nil, err
	}

	c := &Client{
		http:      http.NewClient(http.WithBaseURL(baseURL)),
		socketURL: socketURL,
		reconnect: 5 * time.Second,
		dialer:    websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		events:    make(chan Event, eventBuffer),
		logger:    log.WithField("component", "loadgen"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// websocketURL swaps the scheme of an http(s) base URL for ws(s) and joins
// path onto it.
func websocketURL(baseURL, path string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", errors.Wrapf(err, "invalid url %q", baseURL)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", errors.Errorf("unsupported scheme %q in %q", u.Scheme, baseURL)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	return u.String(), nil
}

// Events returns the channel events are delivered on. It is closed when Run
// returns.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Connected reports whether the event socket is currently up.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Run maintains the event socket until ctx is cancelled, reconnecting after
// each failure.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.events)

	go func() {
		<-ctx.Done()
		c.connMu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.connMu.Unlock()
	}()

	for {
		err := c.subscribe(ctx)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.WithError(err).Warnf("Load service connection lost, retrying in %s", c.reconnect)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.reconnect):
		}
	}
}

func (c *Client) subscribe(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.socketURL, nil)
	if err != nil {
		return errors.Wrap(err, "failed to connect to load service")
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.connected.Store(true)
	c.logger.WithField("url", c.socketURL).Info("Connected to load service")
	c.send(ctx, Connected{})

	defer func() {
		c.connected.Store(false)
		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()
		conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			c.connected.Store(false)
			c.send(ctx, Disconnected{Err: err})
			return err
		}

		event, ok := decodeEvent(string(msg))
		if !ok {
			c.logger.WithField("frame", string(msg)).Debug("Ignoring unknown load service frame")
			continue
		}
		if e, isErr := event.(Error); isErr {
			// An error frame ends the session; Run reconnects.
			c.connected.Store(false)
			c.send(ctx, e)
			return errors.Errorf("load service reported an error: %s", e.Message)
		}
		c.send(ctx, event)
	}
}

func (c *Client) send(ctx context.Context, e Event) {
	select {
	case c.events <- e:
	case <-ctx.Done():
	}
}

func decodeEvent(frame string) (Event, bool) {
	name, err := jsonpath.Extract(frame, "$.event")
	if err != nil {
		return nil, false
	}

	switch name {
	case "started":
		return Started{}, true
	case "completed":
		return Completed{}, true
	case "cancelled":
		return Cancelled{}, true
	case "error":
		msg, _ := jsonpath.Extract(frame, "$.data")
		return Error{Message: msg}, true
	default:
		return nil, false
	}
}

// RunLoad asks the service to start generating load.
func (c *Client) RunLoad(ctx context.Context, req RunRequest) error {
	return c.post(ctx, runLoadPath, req)
}

// CancelLoad asks the service to stop the current load.
func (c *Client) CancelLoad(ctx context.Context) error {
	return c.post(ctx, cancelLoadPath, nil)
}

func (c *Client) post(ctx context.Context, path string, body interface{}) error {
	req := http.NewRequest("POST", path)
	if body != nil {
		req.WithBody(body)
	}

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return errors.Wrapf(err, "load service request %s failed", path)
	}
	if !resp.IsSuccess() {
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(resp.GetBodyAsString())}
	}
	return nil
}
