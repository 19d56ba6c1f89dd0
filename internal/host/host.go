// Package host wires the whole process together: stores, failover
// policy, lane semaphore, sandbox, pipeline, scheduler, IPC dispatcher
// and platform adapters, plus the background loops that keep them
// healthy (stalled-message reset, wake detection, config reload).
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/dotclaw/internal/bus"
	"github.com/basket/dotclaw/internal/config"
	"github.com/basket/dotclaw/internal/failover"
	"github.com/basket/dotclaw/internal/groups"
	"github.com/basket/dotclaw/internal/ipc"
	"github.com/basket/dotclaw/internal/lane"
	"github.com/basket/dotclaw/internal/memory"
	"github.com/basket/dotclaw/internal/otel"
	"github.com/basket/dotclaw/internal/pipeline"
	"github.com/basket/dotclaw/internal/platform"
	"github.com/basket/dotclaw/internal/queue"
	"github.com/basket/dotclaw/internal/sandbox"
	"github.com/basket/dotclaw/internal/scheduler"
	"github.com/basket/dotclaw/internal/shared"
)

const (
	// shutdownDrain bounds how long in-flight runs may finish before
	// they are aborted.
	shutdownDrain = 30 * time.Second

	// Wake detection: the monitor ticks every wakeCheckInterval; a gap
	// larger than the tick plus wakeJumpThreshold means the machine
	// slept or the process was suspended.
	wakeCheckInterval = 5 * time.Second
	wakeJumpThreshold = 20 * time.Second

	stalledSweepInterval = time.Minute
	memorySweepInterval  = 10 * time.Minute
	runLogSweepInterval  = time.Hour
	runLogRetention      = 30 * 24 * time.Hour
)

// Host owns every long-lived component and their lifecycles.
type Host struct {
	cfg    *config.Config
	paths  config.Paths
	logger *slog.Logger

	bus         *bus.Bus
	queue       *queue.Store
	memory      *memory.Store
	tracker     *failover.CooldownTracker
	policy      *failover.Policy
	lanes       *lane.Semaphore
	registry    *groups.Registry
	sessions    *groups.KVFile
	taskThreads *groups.KVFile
	daemon      *sandbox.DaemonRunner // nil in ephemeral mode
	manager     *sandbox.Manager
	pipe        *pipeline.Pipeline
	tasks       *scheduler.Store
	sched       *scheduler.Scheduler
	dispatcher  *ipc.Dispatcher
	adapter     platform.Adapter
	telemetry   *otel.Provider

	runtime atomic.Value // config.Runtime
	wg      sync.WaitGroup
}

// New builds the full component graph. Nothing is started yet; call Run.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Host, error) {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Host{cfg: cfg, paths: cfg.Paths(), logger: logger}

	if err := h.paths.EnsureLayout(); err != nil {
		return nil, fmt.Errorf("prepare home directory: %w", err)
	}

	rt, err := config.LoadRuntime(h.paths.RuntimeConfig())
	if err != nil {
		return nil, err
	}
	h.runtime.Store(rt)

	h.telemetry, err = otel.Init(ctx, cfg.Otel)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	h.bus = bus.New()

	h.queue, err = queue.Open(h.paths.MessageQueueDB(), h.bus)
	if err != nil {
		return nil, fmt.Errorf("open message queue: %w", err)
	}
	h.memory, err = memory.Open(h.paths.MemoryDB())
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}
	h.tasks, err = scheduler.NewStore(h.queue.DB(), scheduler.RetryPolicy{
		MaxRetries:  rt.TaskMaxRetries,
		BaseBackoff: rt.TaskRetryBase(),
		MaxBackoff:  rt.TaskRetryMax(),
	})
	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}

	h.tracker, err = failover.NewCooldownTracker(h.paths.CooldownsFile(), h.bus, logger)
	if err != nil {
		return nil, fmt.Errorf("load cooldowns: %w", err)
	}
	modelCfg, err := failover.LoadModelConfig(h.paths.ModelConfig(), cfg.DefaultModel)
	if err != nil {
		return nil, fmt.Errorf("load model config: %w", err)
	}
	h.policy = failover.NewPolicy(modelCfg, h.tracker)

	h.lanes = lane.New(lane.Config{
		Permits:                   rt.WorkerPoolSize,
		Starvation:                rt.LaneStarvation(),
		MaxConsecutiveInteractive: rt.MaxConsecutiveInteractive,
	})

	h.registry, err = groups.Load(h.paths.GroupsFile())
	if err != nil {
		return nil, fmt.Errorf("load groups: %w", err)
	}
	h.sessions, err = groups.OpenKVFile(h.paths.SessionsFile())
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	h.taskThreads, err = groups.OpenKVFile(h.paths.TaskThreadsFile())
	if err != nil {
		return nil, fmt.Errorf("load task threads: %w", err)
	}
	for _, rec := range h.registry.List() {
		if _, err := sandbox.EnsureGroupWorkspace(h.paths.GroupsDir(), rec.Folder); err != nil {
			return nil, fmt.Errorf("prepare workspace %s: %w", rec.Folder, err)
		}
	}

	runner, err := h.buildRunner(rt)
	if err != nil {
		return nil, err
	}
	h.manager = sandbox.NewManager(runner, h.bus, logger)
	h.manager.SetStreamWatcher(sandbox.NewStreamWatcher(h.paths.IPCDir(), rt.EditInterval(), h.bus, logger))

	if cfg.Channels.Telegram.Enabled {
		if cfg.Channels.Telegram.Token == "" {
			return nil, errors.New("telegram enabled but no token configured")
		}
		h.adapter = platform.NewTelegram(platform.TelegramConfig{
			Token:          cfg.Channels.Telegram.Token,
			AllowedUserIDs: cfg.Channels.Telegram.AllowedIDs,
			Queue:          h.queue,
			Bus:            h.bus,
			Logger:         logger,
			Runtime:        h.Runtime,
		})
	}

	h.pipe = pipeline.New(pipeline.Deps{
		Queue:    h.queue,
		Memory:   h.memory,
		Policy:   h.policy,
		Lanes:    h.lanes,
		Sandbox:  h.manager,
		Groups:   h.registry,
		Sessions: h.sessions,
		Bus:      h.bus,
		Logger:   logger,
		Tracer:   h.telemetry.Tracer,
		Runtime:  h.Runtime,
		Send:     h.deliver,
	})

	h.sched = scheduler.New(scheduler.Config{
		Store:    h.tasks,
		Execute:  h.executeTask,
		Bus:      h.bus,
		Logger:   logger,
		Interval: rt.SchedulerPoll(),
		Lease:    rt.TaskLease(),
	})

	h.dispatcher, err = ipc.New(ipc.Deps{
		Paths:    h.paths,
		Memory:   h.memory,
		Tasks:    h.tasks,
		Groups:   h.registry,
		Policy:   h.policy,
		Lanes:    h.lanes,
		Sandbox:  h.manager,
		Platform: h.ipcPlatform(),
		Logger:   logger,
		Runtime:  h.Runtime,
	})
	if err != nil {
		return nil, fmt.Errorf("init ipc dispatcher: %w", err)
	}

	return h, nil
}

// Runtime returns the current hot-reloadable tunables.
func (h *Host) Runtime() config.Runtime {
	return h.runtime.Load().(config.Runtime)
}

func (h *Host) buildRunner(rt config.Runtime) (sandbox.Runner, error) {
	binds, err := sandbox.LoadMountAllowlist(h.paths.MountAllowlist())
	if err != nil {
		return nil, fmt.Errorf("load mount allowlist: %w", err)
	}
	sc := sandbox.Config{
		Image:        h.cfg.Sandbox.Image,
		MemoryMB:     h.cfg.Sandbox.MemoryMB,
		NetworkMode:  h.cfg.Sandbox.NetworkMode,
		AgentCommand: h.cfg.Sandbox.AgentCommand,
		Timeout:      rt.ContainerTimeout(),
		GroupsDir:    h.paths.GroupsDir(),
		IPCDir:       h.paths.IPCDir(),
		ExtraBinds:   binds,
		Env:          agentEnv(),
	}
	if h.cfg.Sandbox.Mode == "daemon" {
		d, err := sandbox.NewDaemonRunner(sc, rt.HeartbeatGrace(), h.bus, h.logger)
		if err != nil {
			return nil, fmt.Errorf("init daemon runner: %w", err)
		}
		h.daemon = d
		return d, nil
	}
	r, err := sandbox.NewEphemeralRunner(sc, h.logger)
	if err != nil {
		return nil, fmt.Errorf("init ephemeral runner: %w", err)
	}
	return r, nil
}

// agentEnv selects host environment passed through to agent containers.
func agentEnv() []string {
	keys := []string{
		"ANTHROPIC_API_KEY",
		"ANTHROPIC_BASE_URL",
		"OPENAI_API_KEY",
	}
	var env []string
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			env = append(env, k+"="+v)
		}
	}
	return env
}

// Run starts every component and blocks until ctx is canceled, then
// drains and shuts down. A fatal platform adapter error also ends Run.
func (h *Host) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Reclaim messages stuck in processing from a previous crash before
	// the pipeline reseeds its drains.
	if n, err := h.queue.ResetStalled(runCtx, time.Second); err != nil {
		h.logger.Warn("startup stalled reset failed", "error", err)
	} else if n > 0 {
		h.logger.Info("reclaimed stalled messages", "count", n)
	}

	if err := h.pipe.Start(runCtx); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}
	h.sched.Start(runCtx)
	h.dispatcher.Start(runCtx)

	watcher := config.NewWatcher(h.paths, h.logger)
	if err := watcher.Start(runCtx); err != nil {
		h.logger.Warn("config watcher unavailable", "error", err)
	} else {
		h.wg.Add(1)
		go h.reloadLoop(runCtx, watcher)
	}

	h.wg.Add(2)
	go h.wakeLoop(runCtx)
	go h.maintenanceLoop(runCtx)

	errCh := make(chan error, 1)
	if h.adapter != nil {
		go func() {
			if err := h.adapter.Start(runCtx); err != nil {
				errCh <- fmt.Errorf("%s adapter: %w", h.adapter.Name(), err)
			}
		}()
	}

	h.logger.Info("dotclaw host running",
		"home", h.cfg.HomeDir,
		"sandbox_mode", h.cfg.Sandbox.Mode,
		"groups", len(h.registry.List()))

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		h.logger.Error("platform adapter failed", "error", runErr)
	}
	cancel()

	h.shutdown()
	return runErr
}

// shutdown stops intake, lets in-flight runs drain, then tears down.
func (h *Host) shutdown() {
	h.logger.Info("shutting down")
	h.pipe.Stop()
	h.sched.Stop()
	h.dispatcher.Stop()
	h.wg.Wait()

	deadline := time.Now().Add(shutdownDrain)
	for time.Now().Before(deadline) && len(h.manager.ActiveRuns()) > 0 {
		time.Sleep(250 * time.Millisecond)
	}
	if active := h.manager.ActiveRuns(); len(active) > 0 {
		h.logger.Warn("aborting runs still active after drain", "count", len(active))
	}
	h.manager.AbortAll()

	if h.daemon != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
		h.daemon.Shutdown(stopCtx)
		stopCancel()
	}
	if err := h.manager.Close(); err != nil {
		h.logger.Warn("sandbox close failed", "error", err)
	}
	if err := h.memory.Close(); err != nil {
		h.logger.Warn("memory close failed", "error", err)
	}
	if err := h.queue.Close(); err != nil {
		h.logger.Warn("queue close failed", "error", err)
	}
	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := h.telemetry.Shutdown(flushCtx); err != nil {
		h.logger.Warn("trace flush failed", "error", err)
	}
	flushCancel()
	h.logger.Info("shutdown complete")
}

// deliver routes final agent output to the chat's platform adapter.
func (h *Host) deliver(ctx context.Context, chatID, text string) error {
	if h.adapter == nil {
		h.logger.Info("no adapter configured, dropping output", "chat_id", chatID)
		return nil
	}
	return h.adapter.Send(ctx, chatID, text)
}

// executeTask runs one scheduled task turn under the scheduled lane
// and returns the agent's output for the task's run record.
func (h *Host) executeTask(ctx context.Context, task scheduler.Task, runID string) (string, error) {
	if err := h.lanes.Acquire(ctx, lane.Scheduled); err != nil {
		return "", err
	}
	defer h.lanes.Release()

	rt := h.Runtime()
	model, err := h.policy.Resolve(task.Group, "", task.Prompt)
	if err != nil {
		return "", fmt.Errorf("resolve model: %w", err)
	}

	// Group context reuses the group's conversation session; isolated
	// tasks start fresh every occurrence.
	var sessionID string
	if task.ContextMode == scheduler.ContextGroup {
		sessionID, _ = h.sessions.Get(task.Group)
	}

	var memories string
	if hits, err := h.memory.Recall(ctx, task.Group, "", task.Prompt, rt.RecallMaxResults, rt.RecallMaxTokens); err == nil {
		var b []byte
		for _, hit := range hits {
			b = append(b, "- "...)
			b = append(b, hit.Entry.Content...)
			b = append(b, '\n')
		}
		memories = string(b)
	}

	params := h.policy.Params(model)
	result, err := h.manager.Run(ctx, sandbox.RunRequest{
		RunID:           runID,
		TraceID:         shared.TraceID(ctx),
		Group:           task.Group,
		ChatID:          task.ChatID,
		Model:           model,
		SessionID:       sessionID,
		Prompt:          task.Prompt,
		Memories:        memories,
		MaxToolSteps:    rt.MaxToolSteps,
		ContextWindow:   params.ContextWindow,
		MaxOutputTokens: params.MaxOutputTokens,
		Temperature:     params.Temperature,
	})
	if err != nil {
		class := failover.Classify(err)
		h.tracker.ReportFailure(model, class, err.Error())
		return "", err
	}
	h.tracker.ReportSuccess(model)
	if result.Error != "" {
		return "", errors.New(result.Error)
	}

	if task.ContextMode == scheduler.ContextGroup && result.SessionID != "" {
		if err := h.sessions.Set(task.Group, result.SessionID); err != nil {
			h.logger.Warn("persist task session failed", "task_id", task.ID, "error", err)
		}
	}

	if result.Output != "" && task.ChatID != "" && h.adapter != nil {
		msgID, err := h.adapter.SendMessage(ctx, task.ChatID, result.Output)
		if err != nil {
			// The occurrence succeeded; a delivery hiccup must not burn
			// the task's retry budget.
			h.logger.Error("task output delivery failed", "task_id", task.ID, "error", err)
			return result.Output, nil
		}
		key := fmt.Sprintf("task:%d", task.ID)
		if err := h.taskThreads.Set(key, msgID); err != nil {
			h.logger.Warn("persist task thread failed", "task_id", task.ID, "error", err)
		}
	}
	return result.Output, nil
}

// wakeLoop detects suspend/resume by watching for wall-clock jumps and
// gives daemons a heartbeat grace window before reclaiming work.
func (h *Host) wakeLoop(ctx context.Context) {
	defer h.wg.Done()
	ticker := time.NewTicker(wakeCheckInterval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			gap := now.Sub(last)
			last = now
			if gap < wakeCheckInterval+wakeJumpThreshold {
				continue
			}
			h.logger.Info("wake detected", "gap", gap.Round(time.Second))
			h.bus.Publish(bus.TopicWakeDetected, gap)
			if h.daemon != nil {
				h.daemon.NoteWake(h.Runtime().WakeGrace())
			}
			if n, err := h.queue.ResetStalled(ctx, time.Second); err == nil && n > 0 {
				h.logger.Info("reclaimed messages after wake", "count", n)
			}
			if err := h.pipe.Reseed(ctx); err != nil {
				h.logger.Warn("reseed after wake failed", "error", err)
			}
		}
	}
}

// maintenanceLoop sweeps stalled messages and expired memories.
func (h *Host) maintenanceLoop(ctx context.Context) {
	defer h.wg.Done()
	stalled := time.NewTicker(stalledSweepInterval)
	defer stalled.Stop()
	expiry := time.NewTicker(memorySweepInterval)
	defer expiry.Stop()
	runLog := time.NewTicker(runLogSweepInterval)
	defer runLog.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-runLog.C:
			if n, err := h.tasks.TrimRunLog(ctx, runLogRetention); err != nil {
				h.logger.Warn("run log trim failed", "error", err)
			} else if n > 0 {
				h.logger.Info("trimmed task run log", "count", n)
			}
		case <-stalled.C:
			n, err := h.queue.ResetStalled(ctx, h.Runtime().StalledAfter())
			if err != nil {
				h.logger.Warn("stalled sweep failed", "error", err)
				continue
			}
			if n > 0 {
				h.logger.Info("requeued stalled messages", "count", n)
				_ = h.pipe.Reseed(ctx)
			}
		case <-expiry.C:
			// The expiry sweep holds a maintenance permit so it yields to
			// agent traffic under load.
			if err := h.lanes.Acquire(ctx, lane.Maintenance); err != nil {
				return
			}
			n, err := h.memory.CleanupExpired(ctx)
			h.lanes.Release()
			if err != nil {
				h.logger.Warn("memory expiry sweep failed", "error", err)
			} else if n > 0 {
				h.logger.Info("expired memories removed", "count", n)
			}
		}
	}
}

// reloadLoop applies config file changes without a restart.
func (h *Host) reloadLoop(ctx context.Context, watcher *config.Watcher) {
	defer h.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events():
			if !ok {
				return
			}
			switch filepath.Base(ev.Path) {
			case filepath.Base(h.paths.RuntimeConfig()):
				rt, err := config.LoadRuntime(h.paths.RuntimeConfig())
				if err != nil {
					h.logger.Error("runtime config reload failed", "error", err)
					continue
				}
				h.runtime.Store(rt)
				h.bus.Publish(bus.TopicConfigReloaded, ev.Path)
				h.logger.Info("runtime config reloaded")
			case filepath.Base(h.paths.ModelConfig()):
				mc, err := failover.LoadModelConfig(h.paths.ModelConfig(), h.cfg.DefaultModel)
				if err != nil {
					h.logger.Error("model config reload failed", "error", err)
					continue
				}
				h.policy.Reload(mc)
				h.bus.Publish(bus.TopicConfigReloaded, ev.Path)
				h.logger.Info("model config reloaded")
			}
		}
	}
}

// ipcPlatform adapts the optional platform adapter for IPC message
// actions; without one, message actions fail with a clear error.
func (h *Host) ipcPlatform() ipc.Platform {
	if h.adapter != nil {
		return h.adapter
	}
	return unconfiguredPlatform{}
}

type unconfiguredPlatform struct{}

func (unconfiguredPlatform) SendMessage(context.Context, string, string) (string, error) {
	return "", errors.New("no platform adapter configured")
}

func (unconfiguredPlatform) EditMessage(context.Context, string, string, string) error {
	return errors.New("no platform adapter configured")
}

func (unconfiguredPlatform) DeleteMessage(context.Context, string, string) error {
	return errors.New("no platform adapter configured")
}
