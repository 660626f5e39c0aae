package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Request represents an HTTP request
type Request struct {
	Method      string
	Path        string
	QueryParams url.Values
	Headers     map[string]string
	Body        interface{}
}

// NewRequest creates a new HTTP request. Path may be relative to the
// client's base URL or an absolute URL, which is used as-is.
func NewRequest(method, path string) *Request {
	return &Request{
		Method:      method,
		Path:        path,
		QueryParams: make(url.Values),
		Headers:     make(map[string]string),
	}
}

// WithHeader adds a header to the request
func (r *Request) WithHeader(key, value string) *Request {
	r.Headers[key] = value
	return r
}

// WithQueryParam adds a query parameter to the request
func (r *Request) WithQueryParam(key, value string) *Request {
	r.QueryParams.Add(key, value)
	return r
}

// WithBody sets the body of the request
func (r *Request) WithBody(body interface{}) *Request {
	r.Body = body
	return r
}

// Build constructs an http.Request from the Request
func (r *Request) Build(ctx context.Context, baseURL string) (*http.Request, error) {
	reqURL, err := r.resolve(baseURL)
	if err != nil {
		return nil, err
	}

	query := reqURL.Query()
	for key, values := range r.QueryParams {
		for _, value := range values {
			query.Add(key, value)
		}
	}
	reqURL.RawQuery = query.Encode()

	var bodyReader io.Reader
	if r.Body != nil {
		switch body := r.Body.(type) {
		case string:
			bodyReader = strings.NewReader(body)
		case []byte:
			bodyReader = bytes.NewReader(body)
		case io.Reader:
			bodyReader = body
		default:
			// Assume JSON for other types
			jsonBody, err := json.Marshal(body)
			if err != nil {
				return nil, err
			}
			bodyReader = bytes.NewReader(jsonBody)
			if _, ok := r.Headers["Content-Type"]; !ok {
				r.Headers["Content-Type"] = "application/json"
			}
		}
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, reqURL.String(), bodyReader)
	if err != nil {
		return nil, err
	}

	for key, value := range r.Headers {
		req.Header.Set(key, value)
	}

	return req, nil
}

func (r *Request) resolve(baseURL string) (*url.URL, error) {
	if target, err := url.Parse(r.Path); err == nil && target.IsAbs() {
		return target, nil
	}

	reqURL, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}

	// Join the base URL path with the request path
	if reqURL.Path == "" {
		reqURL.Path = "/" + strings.TrimLeft(r.Path, "/")
	} else {
		reqURL.Path = strings.TrimRight(reqURL.Path, "/") + "/" + strings.TrimLeft(r.Path, "/")
	}
	return reqURL, nil
}
