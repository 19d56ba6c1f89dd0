// Package ipc consumes asynchronous actions agents drop into their
// per-group IPC directories. Agents write JSON request files; the host
// validates, authorizes, dispatches to the owning subsystem, and writes
// an atomic response when the request asks for one.
package ipc

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/dotclaw/internal/config"
	"github.com/basket/dotclaw/internal/failover"
	"github.com/basket/dotclaw/internal/groups"
	"github.com/basket/dotclaw/internal/lane"
	"github.com/basket/dotclaw/internal/memory"
	"github.com/basket/dotclaw/internal/sandbox"
	"github.com/basket/dotclaw/internal/scheduler"
	"github.com/basket/dotclaw/internal/shared"
)

// IPC directory layout per group. requests/ is request/response, tasks/
// and messages/ are fire-and-forget.
const (
	requestsDir  = "requests"
	responsesDir = "responses"
	tasksDir     = "tasks"
	messagesDir  = "messages"
)

var watchedDirs = []string{requestsDir, tasksDir, messagesDir}

// Platform is the slice of a platform adapter the dispatcher needs for
// message actions.
type Platform interface {
	SendMessage(ctx context.Context, chatID, text string) (messageID string, err error)
	EditMessage(ctx context.Context, chatID, messageID, text string) error
	DeleteMessage(ctx context.Context, chatID, messageID string) error
}

// Deps wires a Dispatcher.
type Deps struct {
	Paths    config.Paths
	Memory   *memory.Store
	Tasks    *scheduler.Store
	Groups   *groups.Registry
	Policy   *failover.Policy
	Lanes    *lane.Semaphore
	Sandbox  *sandbox.Manager
	Platform Platform
	Logger   *slog.Logger
	Runtime  func() config.Runtime
}

// Dispatcher is the IPC consumer loop.
type Dispatcher struct {
	deps      Deps
	logger    *slog.Logger
	schema    *jsonschema.Schema
	subagents *subagentTracker

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(deps Deps) (*Dispatcher, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	schema, err := compileEnvelopeSchema()
	if err != nil {
		return nil, err
	}
	return &Dispatcher{
		deps:      deps,
		logger:    deps.Logger.With("component", "ipc"),
		schema:    schema,
		subagents: newSubagentTracker(deps.Lanes, deps.Sandbox),
	}, nil
}

// Start launches the watch loop. fsnotify wakes the sweeper early; the
// poll ticker is the correctness backstop (watches can miss files written
// before a new group's directory gets registered).
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.wg.Add(1)
	go d.loop(loopCtx)
}

// Stop halts the loop and waits for in-flight dispatches and subagents.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	d.wg.Wait()
	d.subagents.Wait()
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer d.wg.Done()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.logger.Warn("fsnotify unavailable, falling back to polling", "error", err)
		watcher = nil
	} else {
		defer watcher.Close()
	}
	watched := map[string]bool{}

	interval := d.deps.Runtime().IPCPollInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.refreshWatches(watcher, watched)
	d.Sweep(ctx)
	for {
		var events chan fsnotify.Event
		if watcher != nil {
			events = watcher.Events
		}
		select {
		case <-ctx.Done():
			return
		case <-events:
			d.Sweep(ctx)
		case <-ticker.C:
			d.refreshWatches(watcher, watched)
			d.Sweep(ctx)
		}
	}
}

// refreshWatches adds fsnotify watches for any group IPC dirs that
// appeared since the last poll.
func (d *Dispatcher) refreshWatches(watcher *fsnotify.Watcher, watched map[string]bool) {
	if watcher == nil {
		return
	}
	for _, rec := range d.deps.Groups.List() {
		for _, sub := range watchedDirs {
			dir := filepath.Join(d.deps.Paths.GroupIPCDir(rec.Folder), sub)
			if watched[dir] {
				continue
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				continue
			}
			if err := watcher.Add(dir); err == nil {
				watched[dir] = true
			}
		}
	}
}

// Sweep processes every pending request file once. Exported for tests and
// for the host's shutdown drain.
func (d *Dispatcher) Sweep(ctx context.Context) {
	for _, rec := range d.deps.Groups.List() {
		for _, sub := range watchedDirs {
			d.sweepDir(ctx, rec.Folder, sub)
		}
	}
}

func (d *Dispatcher) sweepDir(ctx context.Context, group, sub string) {
	dir := filepath.Join(d.deps.Paths.GroupIPCDir(group), sub)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		d.processFile(ctx, group, filepath.Join(dir, entry.Name()))
	}
}

func (d *Dispatcher) processFile(ctx context.Context, group, path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return
	}

	req, err := d.validateEnvelope(raw)
	if err != nil {
		d.logger.Warn("quarantining malformed request", "group", group, "file", filepath.Base(path), "error", err)
		d.quarantine(group, path)
		return
	}
	defer os.Remove(path)

	target := req.Group
	if target == "" {
		target = group
	}

	var result any
	var dispatchErr error
	if target != group && group != shared.MainGroup {
		dispatchErr = fmt.Errorf("group %q may not act on group %q", group, target)
	} else {
		result, dispatchErr = d.dispatch(ctx, group, target, req)
	}

	if dispatchErr != nil {
		d.logger.Warn("ipc action failed", "group", group, "action", req.Action, "error", dispatchErr)
	} else {
		d.logger.Info("ipc action handled", "group", group, "action", req.Action, "target", target)
	}

	if req.ID == "" {
		return
	}
	resp := Response{ID: req.ID, OK: dispatchErr == nil, Result: result}
	if dispatchErr != nil {
		resp.Error = shared.Redact(dispatchErr.Error())
	}
	respPath := filepath.Join(d.deps.Paths.GroupIPCDir(group), responsesDir, req.ID+".json")
	if err := os.MkdirAll(filepath.Dir(respPath), 0o755); err != nil {
		d.logger.Error("create responses dir failed", "group", group, "error", err)
		return
	}
	if err := shared.WriteJSONAtomic(respPath, resp, 0o644); err != nil {
		d.logger.Error("write response failed", "group", group, "id", req.ID, "error", err)
	}
}

// quarantine moves an unreadable request out of the way so the sweeper
// does not reprocess it forever.
func (d *Dispatcher) quarantine(group, path string) {
	dst := filepath.Join(d.deps.Paths.IPCErrorsDir(), group+"-"+filepath.Base(path))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return
	}
	if err := os.Rename(path, dst); err != nil {
		_ = os.Remove(path)
	}
}
