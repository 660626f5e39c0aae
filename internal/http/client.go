// Package http is the small HTTP client used for every outbound call the
// orchestration engine makes: the target application's metrics API, its
// liveness endpoint and the load-generation service.
package http

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// maxBodySize caps how much of a response body is buffered.
const maxBodySize = 64 << 20

// Client represents an HTTP client bound to a base URL.
type Client struct {
	httpClient *http.Client
	baseURL    string
	headers    map[string]string
}

// ClientOption is a function that configures a Client
type ClientOption func(*Client)

// NewClient creates a new HTTP client with the given options
func NewClient(options ...ClientOption) *Client {
	client := &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		headers: make(map[string]string),
	}

	for _, option := range options {
		option(client)
	}

	return client
}

// WithBaseURL sets the base URL for the client
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = baseURL
	}
}

// WithTimeout sets the timeout for the client
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.httpClient.Timeout = timeout
		}
	}
}

// WithHeader adds a header to the client
func WithHeader(key, value string) ClientOption {
	return func(c *Client) {
		c.headers[key] = value
	}
}

// WithHTTPClient replaces the underlying transport client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// BaseURL returns the base URL requests are resolved against.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Do executes an HTTP request and returns the fully buffered response.
//
// A non-2xx status is not an error; callers inspect StatusCode. Only
// transport failures are returned as errors.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	httpReq, err := req.Build(ctx, c.baseURL)
	if err != nil {
		return nil, errors.Wrapf(err, "building %s %s", req.Method, req.Path)
	}

	for key, value := range c.headers {
		if httpReq.Header.Get(key) == "" {
			httpReq.Header.Set(key, value)
		}
	}

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", httpReq.Method, httpReq.URL.Redacted())
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodySize))
	if err != nil {
		return nil, errors.Wrapf(err, "reading response of %s %s", httpReq.Method, httpReq.URL.Redacted())
	}

	return &Response{
		StatusCode:   httpResp.StatusCode,
		Status:       httpResp.Status,
		Headers:      httpResp.Header,
		ResponseTime: time.Since(start),
		URL:          httpReq.URL.String(),
		rawBody:      body,
	}, nil
}
