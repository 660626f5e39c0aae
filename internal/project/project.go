// Package project describes the projects a load test can be run against and
// the registry that tracks them.
package project

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ErrProjectNotFound is returned when a project ID is not registered.
var ErrProjectNotFound = errors.New("project not found")

// Project languages and types the profiling selector understands.
const (
	LanguageNodeJS = "nodejs"
	LanguageJava   = "java"

	TypeLiberty = "liberty"
)

// Capabilities are features detected on the running application.
type Capabilities struct {
	// TimedMetrics is set when the metrics API supports timed collections
	// that expire on their own.
	TimedMetrics bool `json:"timedMetrics" yaml:"timedMetrics"`
}

// Container locates the running application.
type Container struct {
	ID        string `json:"id" yaml:"id"`
	Namespace string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	Name      string `json:"name,omitempty" yaml:"name,omitempty"`
}

// Project is a registered application.
type Project struct {
	ID             string       `json:"id" yaml:"id"`
	Name           string       `json:"name" yaml:"name"`
	Language       string       `json:"language" yaml:"language"`
	ProjectType    string       `json:"projectType" yaml:"projectType"`
	RuntimeVersion string       `json:"runtimeVersion,omitempty" yaml:"runtimeVersion,omitempty"`
	AppBaseURL     string       `json:"appBaseURL" yaml:"appBaseURL"`
	MetricsRoot    string       `json:"metricsRoot" yaml:"metricsRoot"`
	Capabilities   Capabilities `json:"capabilities" yaml:"capabilities"`
	Container      Container    `json:"container" yaml:"container"`
	LocalPath      string       `json:"localPath" yaml:"localPath"`
	LoadTestPath   string       `json:"loadTestPath" yaml:"loadTestPath"`

	LoadInProgress bool `json:"loadInProgress" yaml:"-"`
}

// Registry looks projects up and tracks whether a load test is running
// against them.
type Registry interface {
	Get(id string) (*Project, error)
	SetLoadInProgress(id string, inProgress bool) error
}

// FileRegistry is a Registry backed by a YAML or JSON file read once at
// startup.
type FileRegistry struct {
	mu       sync.RWMutex
	projects map[string]*Project
}

type registryFile struct {
	Projects []*Project `json:"projects" yaml:"projects"`
}

// NewRegistry creates a registry holding the given projects.
func NewRegistry(projects ...*Project) *FileRegistry {
	r := &FileRegistry{projects: make(map[string]*Project, len(projects))}
	for _, p := range projects {
		r.projects[p.ID] = p
	}
	return r
}

// LoadRegistry reads a registry file. The format is chosen from the file
// extension and defaults to YAML.
func LoadRegistry(path string) (*FileRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read projects file")
	}

	var file registryFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &file)
	default:
		err = yaml.Unmarshal(data, &file)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse projects file %s", path)
	}

	for i, p := range file.Projects {
		if p.ID == "" {
			return nil, errors.Errorf("project %d in %s has no id", i, path)
		}
		if p.LoadTestPath == "" && p.LocalPath != "" {
			p.LoadTestPath = filepath.Join(p.LocalPath, "load-test")
		}
	}

	return NewRegistry(file.Projects...), nil
}

// Get returns a copy of the project so callers never race with flag updates.
func (r *FileRegistry) Get(id string) (*Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.projects[id]
	if !ok {
		return nil, errors.Wrapf(ErrProjectNotFound, "project %s", id)
	}
	cp := *p
	return &cp, nil
}

// SetLoadInProgress records whether a load test is running for the project.
func (r *FileRegistry) SetLoadInProgress(id string, inProgress bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.projects[id]
	if !ok {
		return errors.Wrapf(ErrProjectNotFound, "project %s", id)
	}
	p.LoadInProgress = inProgress
	return nil
}

// List returns copies of all registered projects.
func (r *FileRegistry) List() []*Project {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Project, 0, len(r.projects))
	for _, p := range r.projects {
		cp := *p
		out = append(out, &cp)
	}
	return out
}
