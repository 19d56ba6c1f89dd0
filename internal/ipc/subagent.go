package ipc

import (
	"context"
	"errors"
	"sync"

	"github.com/basket/dotclaw/internal/lane"
	"github.com/basket/dotclaw/internal/sandbox"
	"github.com/basket/dotclaw/internal/shared"
)

// Subagent statuses.
const (
	SubagentRunning   = "running"
	SubagentCompleted = "completed"
	SubagentFailed    = "failed"
)

// ErrSubagentNotFound indicates an unknown subagent id.
var ErrSubagentNotFound = errors.New("ipc: subagent not found")

type subagentRun struct {
	ID     string `json:"id"`
	Group  string `json:"group"`
	Status string `json:"status"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// subagentTracker runs background agent turns spawned by a parent run and
// keeps their results around for later subagent_status / subagent_result
// queries. Results survive until host restart; they are not persisted.
type subagentTracker struct {
	lanes   *lane.Semaphore
	sandbox *sandbox.Manager

	mu   sync.Mutex
	runs map[string]*subagentRun
	wg   sync.WaitGroup
}

func newSubagentTracker(lanes *lane.Semaphore, sb *sandbox.Manager) *subagentTracker {
	return &subagentTracker{
		lanes:   lanes,
		sandbox: sb,
		runs:    make(map[string]*subagentRun),
	}
}

// Spawn starts a subagent run and returns its id immediately. The run
// waits for a subagent lane permit so spawned work cannot crowd out
// interactive traffic.
func (t *subagentTracker) Spawn(ctx context.Context, req sandbox.RunRequest) string {
	id := shared.NewRunID()
	req.RunID = id

	t.mu.Lock()
	t.runs[id] = &subagentRun{ID: id, Group: req.Group, Status: SubagentRunning}
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := t.lanes.Acquire(ctx, lane.Subagent); err != nil {
			t.finish(id, "", err)
			return
		}
		defer t.lanes.Release()

		result, err := t.sandbox.Run(ctx, req)
		if err != nil {
			t.finish(id, "", err)
			return
		}
		t.finish(id, result.Output, nil)
	}()
	return id
}

func (t *subagentTracker) finish(id, output string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	run, ok := t.runs[id]
	if !ok {
		return
	}
	if err != nil {
		run.Status = SubagentFailed
		run.Error = shared.Redact(err.Error())
		return
	}
	run.Status = SubagentCompleted
	run.Output = output
}

// Status returns a copy of the run's current state.
func (t *subagentTracker) Status(id string) (subagentRun, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	run, ok := t.runs[id]
	if !ok {
		return subagentRun{}, ErrSubagentNotFound
	}
	return *run, nil
}

// Wait blocks until all spawned runs have finished. Used at shutdown.
func (t *subagentTracker) Wait() {
	t.wg.Wait()
}
