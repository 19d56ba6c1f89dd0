package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/dotclaw/internal/bus"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tasks.db")
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestStore(t *testing.T, policy RetryPolicy) *Store {
	t.Helper()
	st, err := NewStore(openTestDB(t), policy)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return st
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestNextRun(t *testing.T) {
	// 2026-03-10 14:30 UTC is 09:30 in New York (EST ended March 8).
	now := time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)

	tests := []struct {
		name     string
		kind     string
		expr     string
		timezone string
		want     time.Time
		wantErr  bool
	}{
		{
			name: "cron utc",
			kind: KindCron, expr: "0 9 * * *",
			want: time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC),
		},
		{
			name: "cron in timezone",
			kind: KindCron, expr: "0 17 * * *", timezone: "America/New_York",
			// 5pm EDT today is 21:00 UTC.
			want: time.Date(2026, 3, 10, 21, 0, 0, 0, time.UTC),
		},
		{
			name: "interval",
			kind: KindInterval, expr: "45m",
			want: now.Add(45 * time.Minute),
		},
		{
			name: "interval below minimum",
			kind: KindInterval, expr: "30s", wantErr: true,
		},
		{
			name: "once future",
			kind: KindOnce, expr: "2026-04-01T08:00:00Z",
			want: time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC),
		},
		{
			name: "once in the past fires now",
			kind: KindOnce, expr: "2020-01-01T00:00:00Z",
			want: now,
		},
		{
			name: "bad cron",
			kind: KindCron, expr: "not cron", wantErr: true,
		},
		{
			name: "bad timezone",
			kind: KindCron, expr: "0 9 * * *", timezone: "Mars/Olympus", wantErr: true,
		},
		{
			name: "unknown kind",
			kind: "weekly", expr: "x", wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextRun(tt.kind, tt.expr, tt.timezone, now)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NextRun: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("next = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStoreCreateAndGet(t *testing.T) {
	st := newTestStore(t, RetryPolicy{})
	ctx := context.Background()

	task, err := st.Create(ctx, Task{
		Group:  "main",
		ChatID: "telegram:1",
		Prompt: "morning briefing",
		Kind:   KindCron,
		Expr:   "0 9 * * *",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if task.ID == 0 || task.Status != StatusActive || task.ContextMode != ContextGroup {
		t.Errorf("task = %+v", task)
	}
	if task.NextRunAt == nil {
		t.Fatal("next_run_at not set")
	}

	if _, err := st.Create(ctx, Task{Group: "main", Prompt: "x", Kind: KindCron, Expr: "bogus"}); err == nil {
		t.Error("invalid schedule should be rejected")
	}
	if _, err := st.Get(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get missing = %v", err)
	}
}

func TestClaimDueLeaseExclusivity(t *testing.T) {
	st := newTestStore(t, RetryPolicy{})
	ctx := context.Background()

	task, err := st.Create(ctx, Task{Group: "main", Prompt: "p", Kind: KindOnce, Expr: "2020-01-01T00:00:00Z"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Past one-shot is immediately due; a small sleep gets us past its
	// fire-now timestamp.
	time.Sleep(20 * time.Millisecond)

	first, err := st.ClaimDue(ctx, "host-a", time.Minute, 8)
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if len(first) != 1 || first[0].ID != task.ID || first[0].LeaseOwner != "host-a" {
		t.Fatalf("first claim = %+v", first)
	}

	second, err := st.ClaimDue(ctx, "host-b", time.Minute, 8)
	if err != nil {
		t.Fatalf("second ClaimDue: %v", err)
	}
	if len(second) != 0 {
		t.Errorf("leased task reclaimed: %+v", second)
	}

	// Expired lease becomes claimable again.
	st.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	third, err := st.ClaimDue(ctx, "host-b", time.Minute, 8)
	if err != nil {
		t.Fatalf("third ClaimDue: %v", err)
	}
	if len(third) != 1 || third[0].LeaseOwner != "host-b" {
		t.Errorf("expired lease not reclaimed: %+v", third)
	}
}

func TestCompleteReschedulesAndFinishesOnce(t *testing.T) {
	st := newTestStore(t, RetryPolicy{})
	ctx := context.Background()
	t0 := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	st.now = func() time.Time { return t0 }

	interval, err := st.Create(ctx, Task{Group: "main", Prompt: "p", Kind: KindInterval, Expr: "10m"})
	if err != nil {
		t.Fatalf("Create interval: %v", err)
	}
	after, err := st.Complete(ctx, interval.ID, "run-1", t0, "briefing sent")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if after.Status != StatusActive || after.NextRunAt == nil || !after.NextRunAt.Equal(t0.Add(10*time.Minute)) {
		t.Errorf("interval after complete = %+v", after)
	}
	if after.RetryCount != 0 || after.LastError != "" || after.LeaseOwner != "" {
		t.Errorf("counters not reset: %+v", after)
	}
	if after.LastResult != "briefing sent" {
		t.Errorf("last result = %q", after.LastResult)
	}

	once, err := st.Create(ctx, Task{Group: "main", Prompt: "p", Kind: KindOnce, Expr: "2026-06-01T13:00:00Z"})
	if err != nil {
		t.Fatalf("Create once: %v", err)
	}
	after, err = st.Complete(ctx, once.ID, "run-2", t0, "")
	if err != nil {
		t.Fatalf("Complete once: %v", err)
	}
	if after.Status != StatusCompleted || after.NextRunAt != nil {
		t.Errorf("once after complete = %+v", after)
	}
}

func TestFailBackoffAndQuarantine(t *testing.T) {
	st := newTestStore(t, RetryPolicy{
		MaxRetries:  3,
		BaseBackoff: 30 * time.Second,
		MaxBackoff:  time.Minute,
	})
	ctx := context.Background()
	t0 := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	st.now = func() time.Time { return t0 }

	task, err := st.Create(ctx, Task{Group: "main", Prompt: "p", Kind: KindInterval, Expr: "10m"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// First failure retries after the base backoff.
	after, err := st.Fail(ctx, task.ID, "run-1", t0, "boom")
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if after.Status != StatusActive || after.RetryCount != 1 || !after.NextRunAt.Equal(t0.Add(30*time.Second)) {
		t.Errorf("after fail 1 = %+v next=%v", after, after.NextRunAt)
	}
	if after.LastError != "boom" {
		t.Errorf("last error = %q", after.LastError)
	}

	// Second failure doubles the backoff, capped at MaxBackoff.
	after, err = st.Fail(ctx, task.ID, "run-2", t0, "boom")
	if err != nil {
		t.Fatalf("Fail 2: %v", err)
	}
	if after.RetryCount != 2 || !after.NextRunAt.Equal(t0.Add(time.Minute)) {
		t.Errorf("after fail 2 = %+v next=%v", after, after.NextRunAt)
	}

	// Third consecutive failure hits the threshold and quarantines.
	after, err = st.Fail(ctx, task.ID, "run-3", t0, "still broken")
	if err != nil {
		t.Fatalf("Fail 3: %v", err)
	}
	if after.Status != StatusPaused || after.LastError != "still broken" {
		t.Errorf("task not quarantined: %+v", after)
	}

	// Resume reactivates with a fresh streak.
	if err := st.Resume(ctx, task.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	got, err := st.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusActive || got.RetryCount != 0 || got.LastError != "" {
		t.Errorf("after resume = %+v", got)
	}

	log, err := st.RunLog(ctx, task.ID, 10)
	if err != nil {
		t.Fatalf("RunLog: %v", err)
	}
	if len(log) != 3 || log[0].RunID != "run-3" || log[0].Outcome != "failure" {
		t.Errorf("run log = %+v", log)
	}
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	st := newTestStore(t, RetryPolicy{MaxRetries: 3, BaseBackoff: time.Second, MaxBackoff: time.Minute})
	ctx := context.Background()
	t0 := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	st.now = func() time.Time { return t0 }

	task, err := st.Create(ctx, Task{Group: "main", Prompt: "p", Kind: KindInterval, Expr: "10m"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	for _, run := range []string{"run-1", "run-2"} {
		if _, err := st.Fail(ctx, task.ID, run, t0, "flaky"); err != nil {
			t.Fatalf("Fail %s: %v", run, err)
		}
	}
	after, err := st.Complete(ctx, task.ID, "run-3", t0, "recovered")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if after.RetryCount != 0 || after.LastError != "" || after.LastResult != "recovered" {
		t.Errorf("streak not reset: %+v", after)
	}

	// The streak starts over: two more failures still stay active.
	for _, run := range []string{"run-4", "run-5"} {
		if after, err = st.Fail(ctx, task.ID, run, t0, "flaky"); err != nil {
			t.Fatalf("Fail %s: %v", run, err)
		}
	}
	if after.Status != StatusActive || after.RetryCount != 2 {
		t.Errorf("quarantined too early: %+v", after)
	}
	if after, err = st.Fail(ctx, task.ID, "run-6", t0, "flaky"); err != nil {
		t.Fatalf("Fail run-6: %v", err)
	}
	if after.Status != StatusPaused {
		t.Errorf("third consecutive failure should pause: %+v", after)
	}
}

func TestPauseResumeDelete(t *testing.T) {
	st := newTestStore(t, RetryPolicy{})
	ctx := context.Background()

	task, err := st.Create(ctx, Task{Group: "research", Prompt: "p", Kind: KindInterval, Expr: "1h"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := st.Pause(ctx, task.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	got, _ := st.Get(ctx, task.ID)
	if got.Status != StatusPaused {
		t.Errorf("status = %s", got.Status)
	}

	// Paused tasks are never claimed.
	claimed, err := st.ClaimDue(ctx, "host", time.Minute, 8)
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if len(claimed) != 0 {
		t.Errorf("paused task claimed: %+v", claimed)
	}

	tasks, err := st.List(ctx, "research")
	if err != nil || len(tasks) != 1 {
		t.Fatalf("List = %v, %v", tasks, err)
	}

	if err := st.Delete(ctx, task.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := st.Delete(ctx, task.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete = %v", err)
	}
}

func TestSchedulerFiresDueTask(t *testing.T) {
	st := newTestStore(t, RetryPolicy{})
	ctx := context.Background()

	if _, err := st.Create(ctx, Task{Group: "main", ChatID: "telegram:1", Prompt: "go", Kind: KindOnce, Expr: "2020-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	b := bus.New()
	sub := b.Subscribe("task.")
	defer b.Unsubscribe(sub)

	executed := make(chan Task, 1)
	sched := New(Config{
		Store:    st,
		Bus:      b,
		Interval: 20 * time.Millisecond,
		Execute: func(ctx context.Context, task Task, runID string) (string, error) {
			executed <- task
			return "all done", nil
		},
	})
	sched.Start(ctx)
	defer sched.Stop()

	select {
	case task := <-executed:
		if task.Prompt != "go" {
			t.Errorf("executed task = %+v", task)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("task never executed")
	}

	topics := map[string]bool{}
	waitFor(t, 2*time.Second, func() bool {
		select {
		case ev := <-sub.Ch():
			topics[ev.Topic] = true
		default:
		}
		return topics[bus.TopicTaskClaimed] && topics[bus.TopicTaskCompleted]
	})

	waitFor(t, 2*time.Second, func() bool {
		got, err := st.Get(ctx, 1)
		return err == nil && got.Status == StatusCompleted && got.LastResult == "all done"
	})
}

func TestSchedulerQuarantinePublishesPaused(t *testing.T) {
	st := newTestStore(t, RetryPolicy{MaxRetries: 1, BaseBackoff: time.Second, MaxBackoff: time.Second})
	ctx := context.Background()

	if _, err := st.Create(ctx, Task{Group: "main", Prompt: "p", Kind: KindInterval, Expr: "1h"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	// Make it due now.
	if _, err := st.db.ExecContext(ctx, `UPDATE tasks SET next_run_at = ? WHERE id = 1;`, time.Now().UTC().Add(-time.Minute)); err != nil {
		t.Fatal(err)
	}

	b := bus.New()
	sub := b.Subscribe(bus.TopicTaskPaused)
	defer b.Unsubscribe(sub)

	sched := New(Config{
		Store:    st,
		Bus:      b,
		Interval: 20 * time.Millisecond,
		Execute: func(ctx context.Context, task Task, runID string) (string, error) {
			return "", errors.New("agent exploded")
		},
	})
	sched.Start(ctx)
	defer sched.Stop()

	select {
	case ev := <-sub.Ch():
		te := ev.Payload.(bus.TaskEvent)
		if te.Status != StatusPaused || te.Err == "" {
			t.Errorf("paused event = %+v", te)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no task.paused event")
	}
}
