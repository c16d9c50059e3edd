// Package dockerrun implements the backend interface by running jobs as
// Docker containers. Jobs run directly on the host Docker daemon; the
// container id is the remote handle and the container's labels tie it back
// to the task that owns it.
package dockerrun

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/gc3pie/gridrun/internal/backend"
	"github.com/gc3pie/gridrun/internal/model"
)

// Type is the resource type tag this backend registers under.
const Type = "docker"

const (
	workDir      = "/work"
	managedLabel = "managed-by"
	managedValue = "gridrun"
	taskLabel    = "gridrun.task"
)

// New is the backend.Factory for Docker resources.
func New(res *backend.Resource, logger *slog.Logger) (backend.Backend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Backend{res: res, cli: cli, logger: logger}, nil
}

// Backend runs jobs as containers on one Docker daemon.
type Backend struct {
	res    *backend.Resource
	cli    *client.Client
	logger *slog.Logger
}

// Submit pulls the job's image if needed, creates a container with the
// requested resource limits, and starts it.
func (b *Backend) Submit(ctx context.Context, job backend.Job) error {
	spec := job.Spec()
	if spec.Image == "" {
		return fmt.Errorf("job %s has no container image", job.ID())
	}
	if len(spec.Command) == 0 {
		return fmt.Errorf("job %s has an empty command", job.ID())
	}

	if err := b.pullImageIfNeeded(ctx, spec.Image); err != nil {
		return fmt.Errorf("pull image %s: %w", spec.Image, err)
	}

	env := make([]string, 0, len(spec.Environment))
	for k, v := range spec.Environment {
		env = append(env, k+"="+v)
	}

	req := job.Requirements()
	cores := req.Cores
	if cores == 0 {
		cores = 1
	}

	containerConfig := &container.Config{
		Image:      spec.Image,
		Cmd:        spec.Command,
		Env:        env,
		WorkingDir: workDir,
		Labels: map[string]string{
			taskLabel:    job.ID(),
			managedLabel: managedValue,
		},
	}
	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			NanoCPUs: int64(cores) * 1e9,
			Memory:   int64(req.MemoryPerCoreMB*cores) * 1024 * 1024,
		},
	}

	resp, err := b.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "gridrun-"+job.ID())
	if err != nil {
		return fmt.Errorf("create container: %w", err)
	}
	if err := b.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = b.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return fmt.Errorf("start container: %w", err)
	}

	job.Record().RemoteID = resp.ID
	return nil
}

// Poll inspects the job's container. A container the daemon no longer knows
// resolves to UNKNOWN rather than an error, per the backend contract.
func (b *Backend) Poll(ctx context.Context, job backend.Job) (backend.PollResult, error) {
	inspect, err := b.cli.ContainerInspect(ctx, job.Record().RemoteID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return backend.PollResult{
				State: model.StateUnknown,
				Info:  "container no longer exists",
			}, nil
		}
		return backend.PollResult{}, fmt.Errorf("inspect container: %w", err)
	}
	return mapState(inspect.State), nil
}

// mapState translates a container state into a poll result.
func mapState(state *container.State) backend.PollResult {
	switch {
	case state == nil:
		return backend.PollResult{State: model.StateUnknown, Info: "container has no state"}
	case state.Running:
		return backend.PollResult{State: model.StateRunning, Info: "container running"}
	case state.Paused:
		return backend.PollResult{State: model.StateStopped, Info: "container paused"}
	case state.Status == "created":
		return backend.PollResult{State: model.StateSubmitted, Info: "container created"}
	default:
		res := backend.PollResult{
			State:      model.StateTerminated,
			Returncode: state.ExitCode,
			Info:       fmt.Sprintf("container exited with code %d", state.ExitCode),
		}
		if state.OOMKilled {
			res.Signal = "OOMKilled"
			res.Info = "container killed by the OOM killer"
		} else if state.Error != "" {
			res.Info = state.Error
		}
		return res
	}
}

// Cancel kills the job's container, best-effort.
func (b *Backend) Cancel(ctx context.Context, job backend.Job) error {
	err := b.cli.ContainerKill(ctx, job.Record().RemoteID, "SIGKILL")
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("kill container: %w", err)
	}
	return nil
}

// FetchOutput writes the container's stdout and stderr streams into destDir
// and copies out each declared output file from the container workdir.
func (b *Backend) FetchOutput(ctx context.Context, job backend.Job, destDir string) error {
	spec := job.Spec()
	id := job.Record().RemoteID

	logs, err := b.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return fmt.Errorf("container logs: %w", err)
	}
	defer logs.Close()

	stdout, err := os.Create(filepath.Join(destDir, spec.Stdout))
	if err != nil {
		return fmt.Errorf("create stdout file: %w", err)
	}
	defer stdout.Close()
	stderr, err := os.Create(filepath.Join(destDir, spec.Stderr))
	if err != nil {
		return fmt.Errorf("create stderr file: %w", err)
	}
	defer stderr.Close()

	if _, err := stdcopy.StdCopy(stdout, stderr, logs); err != nil {
		return fmt.Errorf("demultiplex logs: %w", err)
	}

	for _, name := range spec.OutputFiles {
		if err := b.copyOut(ctx, id, name, destDir); err != nil {
			if client.IsErrNotFound(err) {
				b.logger.Warn("declared output file missing in container",
					"job", job.ID(), "file", name)
				continue
			}
			return fmt.Errorf("copy out %s: %w", name, err)
		}
	}
	return nil
}

// copyOut extracts one file from the container workdir into destDir.
func (b *Backend) copyOut(ctx context.Context, containerID, name, destDir string) error {
	rc, _, err := b.cli.CopyFromContainer(ctx, containerID, path.Join(workDir, name))
	if err != nil {
		return err
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		out, err := os.Create(filepath.Join(destDir, filepath.Base(hdr.Name)))
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return err
		}
		if err := out.Close(); err != nil {
			return err
		}
	}
}

// Peek returns a byte range of the container's stdout or stderr. The daemon
// keeps the full stream, so the range is cut client-side after demuxing.
func (b *Backend) Peek(ctx context.Context, job backend.Job, stream backend.Stream, offset, size int64) (io.ReadCloser, error) {
	logs, err := b.cli.ContainerLogs(ctx, job.Record().RemoteID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("container logs: %w", err)
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
		return nil, fmt.Errorf("demultiplex logs: %w", err)
	}

	buf := stdout.Bytes()
	if stream == backend.Stderr {
		buf = stderr.Bytes()
	}
	if offset > int64(len(buf)) {
		offset = int64(len(buf))
	}
	buf = buf[offset:]
	if size > 0 && size < int64(len(buf)) {
		buf = buf[:size]
	}
	return io.NopCloser(bytes.NewReader(buf)), nil
}

// Free removes the job's container.
func (b *Backend) Free(ctx context.Context, job backend.Job) error {
	err := b.cli.ContainerRemove(ctx, job.Record().RemoteID, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// Status reports capacity based on the running containers this backend
// manages.
func (b *Backend) Status(ctx context.Context) (backend.Status, error) {
	containers, err := b.cli.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(
			filters.Arg("label", managedLabel+"="+managedValue),
		),
	})
	if err != nil {
		return backend.Status{}, fmt.Errorf("list containers: %w", err)
	}

	running := len(containers)
	free := b.res.MaxCores - running
	if free < 0 {
		free = 0
	}
	return backend.Status{
		FreeSlots:  free,
		OwnRunning: running,
	}, nil
}

func (b *Backend) pullImageIfNeeded(ctx context.Context, imageName string) error {
	if _, err := b.cli.ImageInspect(ctx, imageName); err == nil {
		return nil
	}
	reader, err := b.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

var _ backend.Backend = (*Backend)(nil)
