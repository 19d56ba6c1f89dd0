package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/basket/dotclaw/internal/bus"
	"github.com/basket/dotclaw/internal/shared"
)

// Manager serializes runs per group and fronts the configured Runner.
// Two chats in the same group share a workspace, so their runs must not
// overlap; different groups run concurrently up to the lane permits.
type Manager struct {
	runner Runner
	logger *slog.Logger
	bus    *bus.Bus

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	active  map[string]context.CancelFunc // run id -> abort
	streams *StreamWatcher
}

func NewManager(runner Runner, eventBus *bus.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		runner: runner,
		logger: logger.With("component", "sandbox-manager"),
		bus:    eventBus,
		locks:  make(map[string]*sync.Mutex),
		active: make(map[string]context.CancelFunc),
	}
}

// SetStreamWatcher enables partial-output streaming: every run gets a
// goroutine tailing its stream directory for the run's lifetime. Set before
// the first Run.
func (m *Manager) SetStreamWatcher(w *StreamWatcher) {
	m.streams = w
}

func (m *Manager) groupLock(group string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[group]
	if !ok {
		l = &sync.Mutex{}
		m.locks[group] = l
	}
	return l
}

// Run executes one agent turn, holding the group's workspace lock for the
// duration. The run can be aborted by id via Abort.
func (m *Manager) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if req.RunID == "" {
		req.RunID = shared.NewRunID()
	}

	lock := m.groupLock(req.Group)
	lock.Lock()
	defer lock.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.active[req.RunID] = cancel
	m.mu.Unlock()
	defer func() {
		cancel()
		m.mu.Lock()
		delete(m.active, req.RunID)
		m.mu.Unlock()
	}()

	if m.bus != nil {
		m.bus.Publish(bus.TopicRunStarted, bus.RunEvent{
			TraceID: req.TraceID, ChatID: req.ChatID, Group: req.Group, Model: req.Model,
		})
	}
	if m.streams != nil {
		go m.streams.Watch(runCtx, req.Group, req.ChatID, req.RunID, req.TraceID)
	}

	result, err := m.runner.Run(runCtx, req)
	if err != nil {
		topic := bus.TopicRunFailed
		if runCtx.Err() != nil && ctx.Err() == nil {
			topic = bus.TopicRunInterrupted
		}
		if m.bus != nil {
			m.bus.Publish(topic, bus.RunEvent{
				TraceID: req.TraceID, ChatID: req.ChatID, Group: req.Group, Model: req.Model,
				Err: shared.Redact(err.Error()),
			})
		}
		return nil, err
	}

	if m.bus != nil {
		m.bus.Publish(bus.TopicRunCompleted, bus.RunEvent{
			TraceID: req.TraceID, ChatID: req.ChatID, Group: req.Group, Model: req.Model,
		})
	}
	return result, nil
}

// Abort cancels an in-flight run by id. Returns false when the run is not
// active.
func (m *Manager) Abort(runID string) bool {
	m.mu.Lock()
	cancel, ok := m.active[runID]
	m.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// AbortAll cancels every in-flight run. Used during shutdown.
func (m *Manager) AbortAll() {
	m.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(m.active))
	for _, c := range m.active {
		cancels = append(cancels, c)
	}
	m.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

// ActiveRuns returns the ids of in-flight runs.
func (m *Manager) ActiveRuns() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.active))
	for id := range m.active {
		out = append(out, id)
	}
	return out
}

func (m *Manager) Close() error {
	m.AbortAll()
	return m.runner.Close()
}

// EnsureGroupWorkspace creates the on-disk workspace folder for a group.
func EnsureGroupWorkspace(groupsDir, group string) (string, error) {
	if err := shared.ValidateGroupFolder(group); err != nil {
		return "", err
	}
	dir := filepath.Join(groupsDir, group)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create group workspace: %w", err)
	}
	return dir, nil
}
