// Package container runs commands inside the application's container and
// copies files out of it. Docker and Kubernetes are supported.
package container

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/wesleyorama2/loadrunner/internal/config"
)

// Target identifies a container. For Docker only ID is used; for Kubernetes
// ID is the pod name and Container optionally selects a container in it.
type Target struct {
	ID        string
	Namespace string
	Container string
}

func (t Target) String() string {
	if t.Namespace != "" {
		return t.Namespace + "/" + t.ID
	}
	return t.ID
}

// Result is the outcome of a command that ran to completion.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Err returns an error describing a non-zero exit, or nil.
func (r *Result) Err() error {
	if r.ExitCode == 0 {
		return nil
	}
	msg := strings.TrimSpace(r.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(r.Stdout)
	}
	return fmt.Errorf("command exited with code %d: %s", r.ExitCode, msg)
}

// Exec runs commands in containers.
type Exec interface {
	// Exec runs cmd and waits for it. An error is returned only when the
	// command could not be run; a non-zero exit is reported in the Result.
	Exec(ctx context.Context, target Target, cmd []string) (*Result, error)

	// CopyFrom copies srcPath, a file or directory, out of the container into
	// dstDir and returns the paths of the regular files written.
	CopyFrom(ctx context.Context, target Target, srcPath, dstDir string) ([]string, error)
}

// Run executes cmd and folds a non-zero exit into the returned error.
func Run(ctx context.Context, e Exec, target Target, cmd ...string) error {
	res, err := e.Exec(ctx, target, cmd)
	if err != nil {
		return err
	}
	return errors.Wrapf(res.Err(), "%s in %s", strings.Join(cmd, " "), target)
}

// New creates the backend selected by cfg.Runtime.
func New(cfg config.ContainerConfig) (Exec, error) {
	switch cfg.Runtime {
	case config.RuntimeDocker, "":
		return NewDocker(cfg.DockerEndpoint)
	case config.RuntimeKubernetes:
		return NewKubernetes(cfg.Kubeconfig, cfg.Namespace)
	default:
		return nil, errors.Errorf("unsupported container runtime %q", cfg.Runtime)
	}
}
