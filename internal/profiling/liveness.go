package profiling

import (
	"context"
	"net/http"
	"strings"
	"time"

	lrhttp "github.com/wesleyorama2/loadrunner/internal/http"
	"github.com/wesleyorama2/loadrunner/internal/project"
)

// LivenessProbe reports whether the project's application is serving.
type LivenessProbe interface {
	Alive(ctx context.Context, p *project.Project) bool
}

// HTTPProbe considers the application alive when its health endpoint
// answers with a 2xx status.
type HTTPProbe struct {
	client *lrhttp.Client
	path   string
}

// NewHTTPProbe creates a probe hitting path on the application's base URL.
func NewHTTPProbe(path string, timeout time.Duration) *HTTPProbe {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProbe{
		client: lrhttp.NewClient(lrhttp.WithTimeout(timeout)),
		path:   path,
	}
}

// Alive performs a single health check.
func (h *HTTPProbe) Alive(ctx context.Context, p *project.Project) bool {
	url := strings.TrimRight(p.AppBaseURL, "/") + "/" + strings.TrimLeft(h.path, "/")
	resp, err := h.client.Do(ctx, lrhttp.NewRequest(http.MethodGet, url))
	if err != nil {
		return false
	}
	return resp.IsSuccess()
}
