package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/fsnotify/fsnotify"

	"github.com/basket/dotclaw/internal/bus"
	"github.com/basket/dotclaw/internal/shared"
)

const (
	requestsDirName  = "agent_requests"
	responsesDirName = "agent_responses"
	heartbeatName    = "heartbeat"

	responsePollInterval = 250 * time.Millisecond
)

// DaemonRunner keeps one long-lived container per group and exchanges
// requests and responses through files in the group's IPC directory. The
// agent updates a heartbeat file; a stale heartbeat or dead container
// triggers a respawn.
type DaemonRunner struct {
	client *client.Client
	cfg    Config
	logger *slog.Logger
	bus    *bus.Bus

	heartbeatGrace time.Duration

	mu        sync.Mutex
	wakeUntil time.Time
	known     map[string]string // group -> container id
}

func NewDaemonRunner(cfg Config, heartbeatGrace time.Duration, eventBus *bus.Bus, logger *slog.Logger) (*DaemonRunner, error) {
	cfg.applyDefaults()
	if heartbeatGrace <= 0 {
		heartbeatGrace = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DaemonRunner{
		client:         cli,
		cfg:            cfg,
		logger:         logger.With("component", "sandbox", "mode", "daemon"),
		bus:            eventBus,
		heartbeatGrace: heartbeatGrace,
		known:          make(map[string]string),
	}, nil
}

// NoteWake suspends heartbeat enforcement for the grace window. Containers
// paused by a host sleep need time to catch up before being declared dead.
func (d *DaemonRunner) NoteWake(grace time.Duration) {
	d.mu.Lock()
	d.wakeUntil = time.Now().Add(grace)
	d.mu.Unlock()
}

func (d *DaemonRunner) containerName(group string) string {
	return "dotclaw-agent-" + group
}

func (d *DaemonRunner) groupIPC(group string) string {
	return filepath.Join(d.cfg.IPCDir, group)
}

func (d *DaemonRunner) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	runCtx, cancel := context.WithTimeoutCause(ctx, d.cfg.Timeout, ErrRunTimeout)
	defer cancel()

	if err := d.ensureHealthy(runCtx, req.Group); err != nil {
		return nil, err
	}

	ipc := d.groupIPC(req.Group)
	reqDir := filepath.Join(ipc, requestsDirName)
	respDir := filepath.Join(ipc, responsesDirName)
	for _, dir := range []string{reqDir, respDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ipc dir: %w", err)
		}
	}

	respPath := filepath.Join(respDir, req.RunID+".json")
	reqPath := filepath.Join(reqDir, req.RunID+".json")
	if err := shared.WriteJSONAtomic(reqPath, req, 0o644); err != nil {
		return nil, fmt.Errorf("write run request: %w", err)
	}
	defer func() {
		_ = os.Remove(reqPath)
		_ = os.Remove(respPath)
	}()

	result, err := d.awaitResponse(runCtx, respDir, respPath)
	if err != nil {
		if cause := context.Cause(runCtx); cause == ErrRunTimeout {
			return nil, ErrRunTimeout
		}
		return nil, err
	}
	if result.Error != "" {
		return result, fmt.Errorf("sandbox: agent error: %s", result.Error)
	}
	return result, nil
}

// awaitResponse waits for the response file using fsnotify with a poll
// fallback; some filesystems drop events under load.
func (d *DaemonRunner) awaitResponse(ctx context.Context, respDir, respPath string) (*RunResult, error) {
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if err := watcher.Add(respDir); err != nil {
			watcher = nil
		}
	} else {
		watcher = nil
	}

	ticker := time.NewTicker(responsePollInterval)
	defer ticker.Stop()

	check := func() (*RunResult, bool, error) {
		data, err := os.ReadFile(respPath)
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, fmt.Errorf("read response: %w", err)
		}
		var res RunResult
		if err := json.Unmarshal(data, &res); err != nil {
			// Partially written by a non-atomic agent; let the next
			// tick retry.
			return nil, false, nil
		}
		return &res, true, nil
	}

	for {
		if res, ok, err := check(); err != nil || ok {
			return res, err
		}
		var events chan fsnotify.Event
		if watcher != nil {
			events = watcher.Events
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		case <-events:
		}
	}
}

// ensureHealthy checks the container and heartbeat, respawning when either
// is gone.
func (d *DaemonRunner) ensureHealthy(ctx context.Context, group string) error {
	name := d.containerName(group)
	inspect, err := d.client.ContainerInspect(ctx, name)
	running := err == nil && inspect.State != nil && inspect.State.Running

	if running && d.heartbeatFresh(group) {
		return nil
	}

	if err == nil {
		// Exists but dead or unresponsive; remove before respawning.
		d.logger.Warn("daemon container unhealthy, respawning", "group", group, "running", running)
		if err := d.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil {
			return fmt.Errorf("remove stale container: %w", err)
		}
	}
	return d.spawn(ctx, group)
}

func (d *DaemonRunner) heartbeatFresh(group string) bool {
	d.mu.Lock()
	wakeUntil := d.wakeUntil
	d.mu.Unlock()
	if time.Now().Before(wakeUntil) {
		return true
	}

	info, err := os.Stat(filepath.Join(d.groupIPC(group), heartbeatName))
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) <= d.heartbeatGrace
}

func (d *DaemonRunner) spawn(ctx context.Context, group string) error {
	ipc := d.groupIPC(group)
	if err := os.MkdirAll(ipc, 0o755); err != nil {
		return fmt.Errorf("create group ipc dir: %w", err)
	}

	binds := append([]string{
		fmt.Sprintf("%s:/workspace", filepath.Join(d.cfg.GroupsDir, group)),
		fmt.Sprintf("%s:/ipc", ipc),
	}, d.cfg.ExtraBinds...)

	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image:      d.cfg.Image,
		Cmd:        []string{"sh", "-c", d.cfg.AgentCommand},
		WorkingDir: "/workspace",
		Env:        append([]string{"DOTCLAW_IPC_DIR=/ipc"}, d.cfg.Env...),
		Tty:        false,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory: d.cfg.MemoryMB * 1024 * 1024,
		},
		NetworkMode: container.NetworkMode(d.cfg.NetworkMode),
		Binds:       binds,
	}, nil, nil, d.containerName(group))
	if err != nil {
		return fmt.Errorf("create daemon container: %w", err)
	}
	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start daemon container: %w", err)
	}

	d.mu.Lock()
	d.known[group] = resp.ID
	d.mu.Unlock()

	// Fresh containers get the wake grace to come up and start beating.
	d.NoteWake(d.heartbeatGrace * 4)

	d.logger.Info("daemon container started", "group", group, "container_id", resp.ID[:12])
	if d.bus != nil {
		d.bus.Publish(bus.TopicDaemonRespawn, map[string]string{"group": group, "container_id": resp.ID})
	}
	return nil
}

// Shutdown stops every known daemon container.
func (d *DaemonRunner) Shutdown(ctx context.Context) {
	d.mu.Lock()
	groups := make([]string, 0, len(d.known))
	for g := range d.known {
		groups = append(groups, g)
	}
	d.mu.Unlock()

	for _, g := range groups {
		name := d.containerName(g)
		if err := d.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil {
			d.logger.Warn("stop daemon container failed", "group", g, "error", err)
		}
	}
}

func (d *DaemonRunner) Close() error {
	return d.client.Close()
}
