package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DefaultMaxSeconds is the load duration used when none is given.
const DefaultMaxSeconds = 60

// MaxConcurrency bounds the number of concurrent load workers.
const MaxConcurrency = 1000

var validMethods = map[string]bool{
	"GET":    true,
	"POST":   true,
	"PUT":    true,
	"DELETE": true,
	"PATCH":  true,
}

// LoadConfig describes a single load test against the project's application.
type LoadConfig struct {
	Path              string `json:"path" yaml:"path"`
	RequestsPerSecond int    `json:"requestsPerSecond" yaml:"requestsPerSecond"`
	Concurrency       int    `json:"concurrency" yaml:"concurrency"`
	MaxSeconds        int    `json:"maxSeconds,omitempty" yaml:"maxSeconds,omitempty"`
	Method            string `json:"method,omitempty" yaml:"method,omitempty"`
	Body              string `json:"body,omitempty" yaml:"body,omitempty"`
	ContentType       string `json:"contentType,omitempty" yaml:"contentType,omitempty"`
}

// ApplyDefaults fills the optional fields.
func (l *LoadConfig) ApplyDefaults() {
	if l.MaxSeconds == 0 {
		l.MaxSeconds = DefaultMaxSeconds
	}
	if l.Method == "" {
		l.Method = "GET"
	}
	l.Method = strings.ToUpper(l.Method)
	if l.Body != "" && l.ContentType == "" {
		l.ContentType = "application/json"
	}
}

// Validate checks the load configuration.
//
// Returns nil if valid, or a ValidationErrors containing all validation errors.
func (l *LoadConfig) Validate() error {
	errs := &ValidationErrors{}

	if !strings.HasPrefix(l.Path, "/") {
		errs.Add("path", "must start with '/'")
	}
	if l.RequestsPerSecond < 1 {
		errs.Add("requestsPerSecond", "must be at least 1")
	}
	if l.Concurrency < 1 {
		errs.Add("concurrency", "must be at least 1")
	} else if l.Concurrency > MaxConcurrency {
		errs.Add("concurrency", "cannot exceed 1000")
	}
	if l.MaxSeconds < 1 {
		errs.Add("maxSeconds", "must be at least 1")
	}
	if l.Method != "" && !validMethods[strings.ToUpper(l.Method)] {
		errs.Add("method", "must be one of: GET, POST, PUT, DELETE, PATCH")
	}
	if l.Body != "" && strings.ToUpper(l.Method) == "GET" {
		errs.Add("body", "is not allowed for GET requests")
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// ReadLoadConfig reads a load configuration from a file.
func ReadLoadConfig(path string) (*LoadConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read load config")
	}

	return ParseLoadConfig(data, path)
}

// ParseLoadConfig parses load configuration data, applies defaults and
// validates the result.
//
// The format is determined by the file extension in path, or defaults to YAML
// if the path is empty or has an unknown extension.
func ParseLoadConfig(data []byte, path string) (*LoadConfig, error) {
	var lc LoadConfig

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, &lc); err != nil {
			return nil, errors.Wrap(err, "failed to parse JSON load config")
		}
	default:
		if err := yaml.Unmarshal(data, &lc); err != nil {
			return nil, errors.Wrap(err, "failed to parse YAML load config")
		}
	}

	lc.ApplyDefaults()
	if err := lc.Validate(); err != nil {
		return nil, err
	}
	return &lc, nil
}
