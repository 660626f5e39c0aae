package http

import (
	"encoding/json"
	"net/http"
	"time"
)

// Response represents a buffered HTTP response
type Response struct {
	StatusCode   int
	Status       string
	Headers      http.Header
	ResponseTime time.Duration
	URL          string
	rawBody      []byte
}

// GetBody returns the response body as a byte array
func (r *Response) GetBody() []byte {
	return r.rawBody
}

// GetBodyAsString returns the response body as a string
func (r *Response) GetBodyAsString() string {
	return string(r.rawBody)
}

// GetBodyAsJSON unmarshals the response body into the provided interface
func (r *Response) GetBodyAsJSON(v interface{}) error {
	return json.Unmarshal(r.rawBody, v)
}

// GetHeader returns the value of the specified header
func (r *Response) GetHeader(key string) string {
	return r.Headers.Get(key)
}

// IsSuccess returns true if the response status code is in the 2xx range
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// IsClientError returns true if the response status code is in the 4xx range
func (r *Response) IsClientError() bool {
	return r.StatusCode >= 400 && r.StatusCode < 500
}

// IsServerError returns true if the response status code is in the 5xx range
func (r *Response) IsServerError() bool {
	return r.StatusCode >= 500 && r.StatusCode < 600
}
