package http

import (
	"net/http"
	"testing"
)

func TestResponse_GetBodyAsJSON(t *testing.T) {
	resp := &Response{
		StatusCode: 200,
		Status:     "200 OK",
		Headers:    make(http.Header),
		rawBody:    []byte(`{"id":3,"time":{"start":1}}`),
	}

	var data struct {
		ID   int `json:"id"`
		Time struct {
			Start int `json:"start"`
		} `json:"time"`
	}
	if err := resp.GetBodyAsJSON(&data); err != nil {
		t.Fatalf("Error parsing JSON: %v", err)
	}
	if data.ID != 3 || data.Time.Start != 1 {
		t.Errorf("Unexpected decoded value %+v", data)
	}
	if resp.GetBodyAsString() != `{"id":3,"time":{"start":1}}` {
		t.Errorf("Unexpected string body %s", resp.GetBodyAsString())
	}
}

func TestResponse_StatusClasses(t *testing.T) {
	tests := []struct {
		code        int
		success     bool
		clientError bool
		serverError bool
	}{
		{200, true, false, false},
		{201, true, false, false},
		{204, true, false, false},
		{400, false, true, false},
		{404, false, true, false},
		{500, false, false, true},
		{503, false, false, true},
	}

	for _, tt := range tests {
		resp := &Response{StatusCode: tt.code}
		if resp.IsSuccess() != tt.success {
			t.Errorf("IsSuccess(%d) = %v, want %v", tt.code, resp.IsSuccess(), tt.success)
		}
		if resp.IsClientError() != tt.clientError {
			t.Errorf("IsClientError(%d) = %v, want %v", tt.code, resp.IsClientError(), tt.clientError)
		}
		if resp.IsServerError() != tt.serverError {
			t.Errorf("IsServerError(%d) = %v, want %v", tt.code, resp.IsServerError(), tt.serverError)
		}
	}
}

func TestResponse_GetHeader(t *testing.T) {
	headers := make(http.Header)
	headers.Set("Location", "collections/0")
	resp := &Response{Headers: headers}

	if resp.GetHeader("location") != "collections/0" {
		t.Errorf("Expected case-insensitive header lookup, got %q", resp.GetHeader("location"))
	}
}
