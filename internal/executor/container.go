package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/docker/docker/api/types/container"
	img "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/opsgym/assessd/internal/domain"
	"github.com/opsgym/assessd/internal/loader"
)

// dockerAPI is the slice of the docker client the container sandbox uses.
type dockerAPI interface {
	ImagePull(ctx context.Context, ref string, options img.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

func (e *Executor) dockerClient() (dockerAPI, error) {
	e.dockerOnce.Do(func() {
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			e.dockerErr = fmt.Errorf("docker client: %w", err)
			return
		}
		e.docker = cli
	})
	return e.docker, e.dockerErr
}

// runContainer executes a unit as a one-shot container: read-only rootfs,
// network detached unless the unit holds an inspection capability, memory
// and CPU ceilings, env restricted to the manifest allow-list plus the
// scoped credential. The unit writes its result JSON to stdout.
func (e *Executor) runContainer(ctx context.Context, unit *loader.ExecutableUnit, inv Invocation) outcome {
	cli, err := e.dockerClient()
	if err != nil {
		return outcome{err: fmt.Errorf("unit %s: %w: %v", unit.UnitRef, domain.ErrTransient, err)}
	}
	m := unit.Manifest

	if err := pullIfNeeded(ctx, cli, m.Image); err != nil {
		return outcome{err: fmt.Errorf("unit %s: pull %s: %w: %v", unit.UnitRef, m.Image, domain.ErrTransient, err)}
	}

	env, err := e.containerEnv(unit, inv)
	if err != nil {
		return outcome{err: err}
	}

	networkMode := container.NetworkMode("none")
	if m.Grants(loader.CapCloudInspect) || m.Grants(loader.CapHTTPProbe) {
		networkMode = ""
	}
	hostCfg := &container.HostConfig{
		NetworkMode:    networkMode,
		ReadonlyRootfs: true,
		Resources: container.Resources{
			Memory:   e.cfg.MemoryLimitBytes,
			NanoCPUs: e.cfg.NanoCPUs,
		},
	}

	create, err := cli.ContainerCreate(ctx, &container.Config{
		Image: m.Image,
		Cmd:   m.Command,
		Env:   env,
		Tty:   false,
	}, hostCfg, nil, nil, "")
	if err != nil {
		return outcome{err: fmt.Errorf("unit %s: create: %w: %v", unit.UnitRef, domain.ErrTransient, err)}
	}
	cid := create.ID
	defer func() {
		stop := 0
		_ = cli.ContainerStop(context.Background(), cid, container.StopOptions{Timeout: &stop})
		_ = cli.ContainerRemove(context.Background(), cid, container.RemoveOptions{Force: true})
	}()

	if err := cli.ContainerStart(ctx, cid, container.StartOptions{}); err != nil {
		return outcome{err: fmt.Errorf("unit %s: start: %w: %v", unit.UnitRef, domain.ErrTransient, err)}
	}

	var exitCode int
	statusCh, errCh := cli.ContainerWait(ctx, cid, container.WaitConditionNotRunning)
	select {
	case werr := <-errCh:
		if werr != nil {
			if ctx.Err() != nil {
				return outcome{err: fmt.Errorf("unit %s: %w", unit.UnitRef, domain.ErrTimeout)}
			}
			return outcome{err: fmt.Errorf("unit %s: wait: %w", unit.UnitRef, werr)}
		}
	case st := <-statusCh:
		exitCode = int(st.StatusCode)
	case <-ctx.Done():
		return outcome{err: fmt.Errorf("unit %s: %w", unit.UnitRef, domain.ErrTimeout)}
	}

	stdout, stderr := collectLogs(ctx, cli, cid)
	switch {
	case exitCode == 137:
		// SIGKILL from the kernel: memory ceiling breached.
		return outcome{err: fmt.Errorf("unit %s: %w", unit.UnitRef, domain.ErrResourceExceeded)}
	case exitCode != 0:
		return outcome{err: fmt.Errorf("unit %s: exit %d: %s", unit.UnitRef, exitCode, firstLine(stderr))}
	}

	var res wasmResult // container units speak the same result document
	if jErr := json.Unmarshal(stdout, &res); jErr != nil {
		return outcome{err: fmt.Errorf("unit %s: malformed result: %w", unit.UnitRef, jErr)}
	}
	return outcome{implemented: res.Implemented, details: res.Details}
}

// containerEnv assembles the allow-listed environment. The delegated
// credential rides along only when the unit holds cloud_inspect.
func (e *Executor) containerEnv(unit *loader.ExecutableUnit, inv Invocation) ([]string, error) {
	values := map[string]string{
		"ASSESS_TARGET":      inv.Target,
		"ASSESS_PARTICIPANT": inv.ParticipantID,
		"ASSESS_REGION":      e.cfg.Region,
	}
	var env []string
	for _, k := range unit.Manifest.EnvAllowlist {
		if v, ok := values[k]; ok {
			env = append(env, k+"="+v)
		}
	}
	if unit.Manifest.Grants(loader.CapCloudInspect) {
		if inv.Credential == nil {
			return nil, fmt.Errorf("unit %s: cloud_inspect without credential", unit.UnitRef)
		}
		credEnv, err := inv.Credential.Env()
		if err != nil {
			return nil, fmt.Errorf("unit %s: %w", unit.UnitRef, err)
		}
		for k, v := range credEnv {
			env = append(env, k+"="+v)
		}
	}
	sort.Strings(env)
	return env, nil
}

func pullIfNeeded(ctx context.Context, cli dockerAPI, image string) error {
	reader, err := cli.ImagePull(ctx, image, img.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	_, _ = io.Copy(io.Discard, reader) // eat the progress stream
	return nil
}

func collectLogs(ctx context.Context, cli dockerAPI, cid string) (stdout, stderr []byte) {
	logs, err := cli.ContainerLogs(ctx, cid, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, nil
	}
	defer logs.Close()
	var outBuf, errBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&outBuf, &errBuf, io.LimitReader(logs, wasmOutputMax)); err != nil {
		return nil, nil
	}
	return outBuf.Bytes(), errBuf.Bytes()
}

func firstLine(b []byte) string {
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		b = b[:i]
	}
	if len(b) > 256 {
		b = b[:256]
	}
	return string(b)
}
