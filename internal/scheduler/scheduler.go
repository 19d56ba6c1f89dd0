package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/dotclaw/internal/bus"
)

// Executor runs a claimed task and returns the agent's output. The
// scheduler records the outcome; execution details (lane permits,
// sandbox, delivery) belong to the caller.
type Executor func(ctx context.Context, task Task, runID string) (string, error)

// Config wires a Scheduler.
type Config struct {
	Store    *Store
	Execute  Executor
	Bus      *bus.Bus
	Logger   *slog.Logger
	Interval time.Duration // poll period, default 5s
	Lease    time.Duration // claim lease, default 15m
	Owner    string        // lease owner id, defaults to a random uuid
}

// Scheduler polls for due tasks and dispatches them to the executor.
type Scheduler struct {
	store    *Store
	execute  Executor
	bus      *bus.Bus
	logger   *slog.Logger
	interval time.Duration
	lease    time.Duration
	owner    string

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 15 * time.Minute
	}
	if cfg.Owner == "" {
		cfg.Owner = uuid.NewString()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		store:    cfg.Store,
		execute:  cfg.Execute,
		bus:      cfg.Bus,
		logger:   cfg.Logger.With("component", "scheduler"),
		interval: cfg.Interval,
		lease:    cfg.Lease,
		owner:    cfg.Owner,
	}
}

// Start launches the polling loop. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.loop(loopCtx)
	s.logger.Info("scheduler started", "interval", s.interval, "owner", s.owner)
}

// Stop halts the loop and waits for in-flight task runs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Immediate first tick so due tasks run at startup, not a poll later.
	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	claimed, err := s.store.ClaimDue(ctx, s.owner, s.lease, 8)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("claim due tasks failed", "error", err)
		}
		return
	}
	for _, task := range claimed {
		s.fire(ctx, task)
	}
}

func (s *Scheduler) fire(ctx context.Context, task Task) {
	runID := uuid.NewString()
	startedAt := time.Now()
	s.publish(bus.TopicTaskClaimed, task, "")
	s.logger.Info("task claimed", "task_id", task.ID, "group", task.Group, "kind", task.Kind, "run_id", runID)

	result, err := s.execute(ctx, task, runID)
	if err != nil {
		s.logger.Warn("task run failed", "task_id", task.ID, "run_id", runID, "error", err)
		after, ferr := s.store.Fail(ctx, task.ID, runID, startedAt, err.Error())
		if ferr != nil {
			s.logger.Error("record task failure failed", "task_id", task.ID, "error", ferr)
			return
		}
		s.publish(bus.TopicTaskFailed, after, err.Error())
		if after.Status == StatusPaused {
			s.logger.Warn("task quarantined after repeated failures", "task_id", task.ID)
			s.publish(bus.TopicTaskPaused, after, err.Error())
		}
		return
	}

	after, cerr := s.store.Complete(ctx, task.ID, runID, startedAt, result)
	if cerr != nil {
		s.logger.Error("record task completion failed", "task_id", task.ID, "error", cerr)
		return
	}
	s.publish(bus.TopicTaskCompleted, after, "")
	s.logger.Info("task completed", "task_id", task.ID, "run_id", runID, "status", after.Status)
}

func (s *Scheduler) publish(topic string, task Task, errMsg string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(topic, bus.TaskEvent{
		TaskID: task.ID,
		Group:  task.Group,
		ChatID: task.ChatID,
		Status: task.Status,
		Err:    errMsg,
	})
}
