package stage

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// DockerRunner executes stage commands inside a throwaway container,
// giving each stage a reproducible environment isolated from the
// orchestrator host.
type DockerRunner struct {
	// Image is the container image stage commands run in.
	Image string
	// Binds are host:container volume binds, typically mounting the
	// materialized snapshot read-only.
	Binds []string

	cli *client.Client
}

func NewDockerRunner(img string, binds []string) *DockerRunner {
	return &DockerRunner{Image: img, Binds: binds}
}

func (d *DockerRunner) ensureClient() error {
	if d.cli != nil {
		return nil
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return err
	}
	d.cli = cli
	return nil
}

func (d *DockerRunner) Run(ctx context.Context, spec CommandSpec) (*ExecResult, error) {
	if err := d.ensureClient(); err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	if len(spec.Argv) == 0 {
		return nil, fmt.Errorf("command spec has no argv")
	}

	reader, err := d.cli.ImagePull(ctx, d.Image, image.PullOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to pull image %s: %w", d.Image, err)
	}
	io.Copy(io.Discard, reader)
	reader.Close()

	binds := d.Binds
	if spec.Dir != "" {
		binds = append(append([]string{}, binds...), fmt.Sprintf("%s:/workspace", spec.Dir))
	}

	cfg := &container.Config{
		Image:      d.Image,
		Cmd:        spec.Argv,
		Env:        mapToEnvList(spec.Env),
		WorkingDir: "/workspace",
	}
	hostCfg := &container.HostConfig{
		Binds:       binds,
		NetworkMode: "none",
		AutoRemove:  false,
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, &v1.Platform{}, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	defer d.cli.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	statusCh, errCh := d.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	var exitCode int
	select {
	case err := <-errCh:
		if err != nil {
			return nil, fmt.Errorf("failed waiting for container: %w", err)
		}
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-ctx.Done():
		return nil, fmt.Errorf("command cancelled: %w", ctx.Err())
	}

	logs, err := d.cli.ContainerLogs(ctx, resp.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, fmt.Errorf("failed to read container logs: %w", err)
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
		return nil, fmt.Errorf("failed to demux container logs: %w", err)
	}

	return &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
	}, nil
}

func mapToEnvList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	list := make([]string, 0, len(env))
	for k, v := range env {
		list = append(list, fmt.Sprintf("%s=%s", k, v))
	}
	return list
}
