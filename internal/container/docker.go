package container

import (
	"bytes"
	"context"
	"io"

	docker "github.com/fsouza/go-dockerclient"
	"github.com/pkg/errors"
)

// Docker runs commands through the Docker engine API.
type Docker struct {
	client *docker.Client
}

// NewDocker connects to the Docker engine at endpoint, for example
// unix:///var/run/docker.sock.
func NewDocker(endpoint string) (*Docker, error) {
	client, err := docker.NewClient(endpoint)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create docker client for %s", endpoint)
	}
	return &Docker{client: client}, nil
}

// Exec runs cmd with a docker exec and waits for it to finish.
func (d *Docker) Exec(ctx context.Context, target Target, cmd []string) (*Result, error) {
	exec, err := d.client.CreateExec(docker.CreateExecOptions{
		Container:    target.ID,
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
		Context:      ctx,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create exec in %s", target)
	}

	var stdout, stderr bytes.Buffer
	err = d.client.StartExec(exec.ID, docker.StartExecOptions{
		OutputStream: &stdout,
		ErrorStream:  &stderr,
		Context:      ctx,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to run exec in %s", target)
	}

	inspect, err := d.client.InspectExec(exec.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to inspect exec in %s", target)
	}

	return &Result{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// CopyFrom downloads srcPath as a tar archive and unpacks it into dstDir.
func (d *Docker) CopyFrom(ctx context.Context, target Target, srcPath, dstDir string) ([]string, error) {
	pr, pw := io.Pipe()

	go func() {
		err := d.client.DownloadFromContainer(target.ID, docker.DownloadFromContainerOptions{
			OutputStream: pw,
			Path:         srcPath,
			Context:      ctx,
		})
		pw.CloseWithError(err)
	}()

	files, err := extractTar(pr, dstDir)
	pr.CloseWithError(err)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to copy %s from %s", srcPath, target)
	}
	return files, nil
}
