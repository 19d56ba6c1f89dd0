package ipc

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/dotclaw/internal/config"
	"github.com/basket/dotclaw/internal/failover"
	"github.com/basket/dotclaw/internal/groups"
	"github.com/basket/dotclaw/internal/lane"
	"github.com/basket/dotclaw/internal/memory"
	"github.com/basket/dotclaw/internal/sandbox"
	"github.com/basket/dotclaw/internal/scheduler"
)

type platformCall struct {
	op        string
	chatID    string
	messageID string
	text      string
}

type fakePlatform struct {
	mu    sync.Mutex
	calls []platformCall
}

func (f *fakePlatform) record(c platformCall) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

func (f *fakePlatform) SendMessage(ctx context.Context, chatID, text string) (string, error) {
	f.record(platformCall{op: "send", chatID: chatID, text: text})
	return "mid-1", nil
}

func (f *fakePlatform) EditMessage(ctx context.Context, chatID, messageID, text string) error {
	f.record(platformCall{op: "edit", chatID: chatID, messageID: messageID, text: text})
	return nil
}

func (f *fakePlatform) DeleteMessage(ctx context.Context, chatID, messageID string) error {
	f.record(platformCall{op: "delete", chatID: chatID, messageID: messageID})
	return nil
}

type echoRunner struct{}

func (echoRunner) Run(ctx context.Context, req sandbox.RunRequest) (*sandbox.RunResult, error) {
	return &sandbox.RunResult{Output: "sub: " + req.Prompt}, nil
}

func (echoRunner) Close() error { return nil }

type testEnv struct {
	dispatcher *Dispatcher
	paths      config.Paths
	platform   *fakePlatform
	policy     *failover.Policy
	tasks      *scheduler.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	paths := config.Paths{Home: dir}
	if err := paths.EnsureLayout(); err != nil {
		t.Fatalf("ensure layout: %v", err)
	}

	mem, err := memory.Open(paths.MemoryDB())
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	t.Cleanup(func() { mem.Close() })

	db, err := sql.Open("sqlite3", paths.MessageQueueDB()+"?_busy_timeout=5000")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	tasks, err := scheduler.NewStore(db, scheduler.RetryPolicy{})
	if err != nil {
		t.Fatalf("task store: %v", err)
	}

	reg, err := groups.Load(paths.GroupsFile())
	if err != nil {
		t.Fatalf("load groups: %v", err)
	}
	if _, err := reg.Register("research", "Research", "telegram:9"); err != nil {
		t.Fatalf("register research: %v", err)
	}

	tracker, err := failover.NewCooldownTracker(paths.CooldownsFile(), nil, nil)
	if err != nil {
		t.Fatalf("tracker: %v", err)
	}
	policy := failover.NewPolicy(failover.ModelConfig{Default: "model-a"}, tracker)

	platform := &fakePlatform{}
	d, err := New(Deps{
		Paths:    paths,
		Memory:   mem,
		Tasks:    tasks,
		Groups:   reg,
		Policy:   policy,
		Lanes:    lane.New(lane.Config{Permits: 2}),
		Sandbox:  sandbox.NewManager(echoRunner{}, nil, nil),
		Platform: platform,
		Runtime:  config.DefaultRuntime,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &testEnv{dispatcher: d, paths: paths, platform: platform, policy: policy, tasks: tasks}
}

// drop writes a request file the way an agent would and sweeps once.
func (e *testEnv) drop(t *testing.T, group, dir, name string, req any) {
	t.Helper()
	full := filepath.Join(e.paths.GroupIPCDir(group), dir)
	if err := os.MkdirAll(full, 0o755); err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(full, name), data, 0o644); err != nil {
		t.Fatal(err)
	}
	e.dispatcher.Sweep(context.Background())
}

func (e *testEnv) response(t *testing.T, group, id string) Response {
	t.Helper()
	path := filepath.Join(e.paths.GroupIPCDir(group), responsesDir, id+".json")
	deadline := time.Now().Add(2 * time.Second)
	for {
		data, err := os.ReadFile(path)
		if err == nil {
			var resp Response
			if err := json.Unmarshal(data, &resp); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			return resp
		}
		if time.Now().After(deadline) {
			t.Fatalf("no response file %s", path)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMemoryUpsertAndSearchRoundTrip(t *testing.T) {
	e := newTestEnv(t)

	e.drop(t, "research", requestsDir, "r1.json", Request{
		ID:     "req-1",
		Action: "memory_upsert",
		Payload: json.RawMessage(`{
			"content": "prefers concise answers with citations",
			"tags": ["style"],
			"importance": 0.8
		}`),
	})
	resp := e.response(t, "research", "req-1")
	if !resp.OK {
		t.Fatalf("upsert response = %+v", resp)
	}

	e.drop(t, "research", requestsDir, "r2.json", Request{
		ID:      "req-2",
		Action:  "memory_search",
		Payload: json.RawMessage(`{"query": "concise citations"}`),
	})
	resp = e.response(t, "research", "req-2")
	if !resp.OK {
		t.Fatalf("search response = %+v", resp)
	}
	hits, ok := resp.Result.([]any)
	if !ok || len(hits) != 1 {
		t.Errorf("search result = %+v", resp.Result)
	}

	// Request files are consumed.
	entries, _ := os.ReadDir(filepath.Join(e.paths.GroupIPCDir("research"), requestsDir))
	if len(entries) != 0 {
		t.Errorf("request files left behind: %d", len(entries))
	}
}

func TestCrossGroupRequiresMain(t *testing.T) {
	e := newTestEnv(t)

	e.drop(t, "research", requestsDir, "r1.json", Request{
		ID:      "req-1",
		Action:  "memory_list",
		Group:   "main",
		Payload: json.RawMessage(`{}`),
	})
	resp := e.response(t, "research", "req-1")
	if resp.OK || !strings.Contains(resp.Error, "may not act") {
		t.Errorf("cross-group response = %+v", resp)
	}

	// Main acting on research is allowed.
	e.drop(t, "main", requestsDir, "r2.json", Request{
		ID:      "req-2",
		Action:  "memory_list",
		Group:   "research",
		Payload: json.RawMessage(`{}`),
	})
	if resp := e.response(t, "main", "req-2"); !resp.OK {
		t.Errorf("main cross-group response = %+v", resp)
	}
}

func TestMalformedRequestQuarantined(t *testing.T) {
	e := newTestEnv(t)

	dir := filepath.Join(e.paths.GroupIPCDir("research"), requestsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	e.dispatcher.Sweep(context.Background())

	if _, err := os.Stat(filepath.Join(dir, "bad.json")); !os.IsNotExist(err) {
		t.Error("malformed request still in requests dir")
	}
	quarantined, err := os.ReadDir(e.paths.IPCErrorsDir())
	if err != nil || len(quarantined) != 1 {
		t.Errorf("errors dir = %v, %v", quarantined, err)
	}

	// An envelope missing the action is also rejected by schema.
	if err := os.WriteFile(filepath.Join(dir, "noaction.json"), []byte(`{"id": "x"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	e.dispatcher.Sweep(context.Background())
	quarantined, _ = os.ReadDir(e.paths.IPCErrorsDir())
	if len(quarantined) != 2 {
		t.Errorf("errors dir after schema reject = %d files", len(quarantined))
	}
}

func TestTaskLifecycleActions(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	e.drop(t, "research", requestsDir, "r1.json", Request{
		ID:     "req-1",
		Action: "schedule_task",
		Payload: json.RawMessage(`{
			"prompt": "summarize the feeds",
			"kind": "interval",
			"expr": "30m",
			"chat_id": "telegram:9"
		}`),
	})
	resp := e.response(t, "research", "req-1")
	if !resp.OK {
		t.Fatalf("schedule response = %+v", resp)
	}

	tasks, err := e.tasks.List(ctx, "research")
	if err != nil || len(tasks) != 1 {
		t.Fatalf("tasks = %v, %v", tasks, err)
	}
	id := tasks[0].ID

	e.drop(t, "research", tasksDir, "t1.json", Request{
		Action:  "pause_task",
		Payload: json.RawMessage(`{"task_id": 1}`),
	})
	task, err := e.tasks.Get(ctx, id)
	if err != nil || task.Status != scheduler.StatusPaused {
		t.Errorf("after pause = %+v, %v", task, err)
	}

	e.drop(t, "research", tasksDir, "t2.json", Request{
		Action:  "resume_task",
		Payload: json.RawMessage(`{"task_id": 1}`),
	})
	task, _ = e.tasks.Get(ctx, id)
	if task.Status != scheduler.StatusActive {
		t.Errorf("after resume = %+v", task)
	}

	// Another group cannot touch it.
	e.drop(t, "main", requestsDir, "r2.json", Request{
		ID:      "req-2",
		Action:  "cancel_task",
		Payload: json.RawMessage(`{"task_id": 1}`),
	})
	resp = e.response(t, "main", "req-2")
	if resp.OK || !strings.Contains(resp.Error, "belongs to group") {
		t.Errorf("foreign cancel = %+v", resp)
	}
}

func TestGroupRegistryActionsAreMainOnly(t *testing.T) {
	e := newTestEnv(t)

	e.drop(t, "research", requestsDir, "r1.json", Request{
		ID:      "req-1",
		Action:  "register_group",
		Payload: json.RawMessage(`{"folder": "notes", "name": "Notes"}`),
	})
	resp := e.response(t, "research", "req-1")
	if resp.OK || !strings.Contains(resp.Error, "requires the main group") {
		t.Errorf("non-main register = %+v", resp)
	}

	e.drop(t, "main", requestsDir, "r2.json", Request{
		ID:      "req-2",
		Action:  "register_group",
		Payload: json.RawMessage(`{"folder": "notes", "name": "Notes", "chat_id": "telegram:44"}`),
	})
	if resp := e.response(t, "main", "req-2"); !resp.OK {
		t.Errorf("main register = %+v", resp)
	}
}

func TestSendMessageScopedToOwnChats(t *testing.T) {
	e := newTestEnv(t)

	e.drop(t, "research", messagesDir, "m1.json", Request{
		Action:  "send_message",
		Payload: json.RawMessage(`{"chat_id": "telegram:9", "text": "progress update"}`),
	})
	e.platform.mu.Lock()
	calls := append([]platformCall(nil), e.platform.calls...)
	e.platform.mu.Unlock()
	if len(calls) != 1 || calls[0].op != "send" || calls[0].chatID != "telegram:9" {
		t.Fatalf("platform calls = %+v", calls)
	}

	// A chat not bound to research resolves to main; denied.
	e.drop(t, "research", requestsDir, "r1.json", Request{
		ID:      "req-1",
		Action:  "send_message",
		Payload: json.RawMessage(`{"chat_id": "telegram:999", "text": "sneaky"}`),
	})
	resp := e.response(t, "research", "req-1")
	if resp.OK || !strings.Contains(resp.Error, "belongs to group") {
		t.Errorf("foreign send = %+v", resp)
	}
}

func TestSetModelGlobalIsMainOnly(t *testing.T) {
	e := newTestEnv(t)

	e.drop(t, "research", requestsDir, "r1.json", Request{
		ID:      "req-1",
		Action:  "set_model",
		Payload: json.RawMessage(`{"model": "model-z", "scope": "global"}`),
	})
	resp := e.response(t, "research", "req-1")
	if resp.OK {
		t.Errorf("non-main global set_model = %+v", resp)
	}

	// Group-scoped set is allowed and persisted.
	e.drop(t, "research", requestsDir, "r2.json", Request{
		ID:      "req-2",
		Action:  "set_model",
		Payload: json.RawMessage(`{"model": "model-b"}`),
	})
	if resp := e.response(t, "research", "req-2"); !resp.OK {
		t.Fatalf("group set_model = %+v", resp)
	}
	if got, err := e.policy.Resolve("research", "", ""); err != nil || got != "model-b" {
		t.Errorf("resolve after set = %q, %v", got, err)
	}
	if _, err := os.Stat(e.paths.ModelConfig()); err != nil {
		t.Errorf("model config not persisted: %v", err)
	}

	e.drop(t, "main", requestsDir, "r3.json", Request{
		ID:      "req-3",
		Action:  "set_model",
		Payload: json.RawMessage(`{"model": "model-c", "scope": "global"}`),
	})
	if resp := e.response(t, "main", "req-3"); !resp.OK {
		t.Fatalf("main global set_model = %+v", resp)
	}
	if got, _ := e.policy.Resolve("main", "", ""); got != "model-c" {
		t.Errorf("global default = %q", got)
	}
}

func TestSpawnSubagentAndStatus(t *testing.T) {
	e := newTestEnv(t)

	e.drop(t, "research", requestsDir, "r1.json", Request{
		ID:      "req-1",
		Action:  "spawn_subagent",
		Payload: json.RawMessage(`{"prompt": "dig into the archive"}`),
	})
	resp := e.response(t, "research", "req-1")
	if !resp.OK {
		t.Fatalf("spawn response = %+v", resp)
	}
	id := resp.Result.(map[string]any)["subagent_id"].(string)

	deadline := time.Now().Add(2 * time.Second)
	for {
		run, err := e.dispatcher.subagents.Status(id)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if run.Status == SubagentCompleted {
			if run.Output != "sub: dig into the archive" {
				t.Errorf("output = %q", run.Output)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("subagent stuck in %s", run.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
