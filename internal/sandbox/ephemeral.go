package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// EphemeralRunner starts a fresh container per run. The request goes in on
// stdin, the framed result comes back on stdout, and the container is
// removed afterwards. No state survives between runs except the group
// workspace mount.
type EphemeralRunner struct {
	client *client.Client
	cfg    Config
	logger *slog.Logger
}

func NewEphemeralRunner(cfg Config, logger *slog.Logger) (*EphemeralRunner, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &EphemeralRunner{
		client: cli,
		cfg:    cfg,
		logger: logger.With("component", "sandbox", "mode", "ephemeral"),
	}, nil
}

func (r *EphemeralRunner) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	runCtx, cancel := context.WithTimeoutCause(ctx, r.cfg.Timeout, ErrRunTimeout)
	defer cancel()

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal run request: %w", err)
	}

	binds := append([]string{
		fmt.Sprintf("%s:/workspace", filepath.Join(r.cfg.GroupsDir, req.Group)),
	}, r.cfg.ExtraBinds...)

	resp, err := r.client.ContainerCreate(runCtx, &container.Config{
		Image:       r.cfg.Image,
		Cmd:         []string{"sh", "-c", r.cfg.AgentCommand},
		WorkingDir:  "/workspace",
		Env:         r.cfg.Env,
		OpenStdin:   true,
		StdinOnce:   true,
		AttachStdin: true,
		Tty:         false,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory: r.cfg.MemoryMB * 1024 * 1024,
		},
		NetworkMode: container.NetworkMode(r.cfg.NetworkMode),
		Binds:       binds,
	}, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	containerID := resp.ID
	defer func() {
		_ = r.client.ContainerRemove(context.Background(), containerID, container.RemoveOptions{Force: true})
	}()

	attach, err := r.client.ContainerAttach(runCtx, containerID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("attach container: %w", err)
	}
	defer attach.Close()

	if err := r.client.ContainerStart(runCtx, containerID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}

	if _, err := attach.Conn.Write(append(payload, '\n')); err != nil {
		return nil, fmt.Errorf("write run request: %w", err)
	}
	if err := attach.CloseWrite(); err != nil {
		r.logger.Debug("close stdin failed", "error", err)
	}

	statusCh, errCh := r.client.ContainerWait(runCtx, containerID, container.WaitConditionNotRunning)
	var exitCode int
	select {
	case err := <-errCh:
		return nil, fmt.Errorf("wait container: %w", err)
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-runCtx.Done():
		_ = r.client.ContainerKill(context.Background(), containerID, "SIGKILL")
		if cause := context.Cause(runCtx); cause != nil {
			return nil, cause
		}
		return nil, runCtx.Err()
	}

	out, err := r.client.ContainerLogs(runCtx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, fmt.Errorf("container logs: %w", err)
	}
	defer out.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdoutBuf, &stderrBuf, out)

	result, err := ExtractResult(stdoutBuf.String())
	if err != nil {
		r.logger.Warn("run produced no usable output",
			"run_id", req.RunID, "exit_code", exitCode, "stderr_len", stderrBuf.Len())
		if exitCode != 0 {
			return nil, fmt.Errorf("agent exited %d: %s: %w", exitCode, truncate(stderrBuf.String(), 512), err)
		}
		return nil, err
	}
	return result, nil
}

func (r *EphemeralRunner) Close() error {
	return r.client.Close()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
