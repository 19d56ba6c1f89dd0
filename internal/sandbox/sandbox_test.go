package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/dotclaw/internal/bus"
)

func TestExtractResult(t *testing.T) {
	tests := []struct {
		name    string
		stdout  string
		want    string
		wantErr error
	}{
		{
			name:   "json body",
			stdout: "tool noise\n---DOTCLAW_OUTPUT_START---\n{\"output\":\"hi there\",\"session_id\":\"s1\"}\n---DOTCLAW_OUTPUT_END---\n",
			want:   "hi there",
		},
		{
			name:   "bare text body",
			stdout: "---DOTCLAW_OUTPUT_START---\njust text\n---DOTCLAW_OUTPUT_END---",
			want:   "just text",
		},
		{
			name:   "uses last marker pair",
			stdout: "---DOTCLAW_OUTPUT_START---\nold\n---DOTCLAW_OUTPUT_END---\n---DOTCLAW_OUTPUT_START---\n{\"output\":\"new\"}\n---DOTCLAW_OUTPUT_END---",
			want:   "new",
		},
		{
			name:    "no markers",
			stdout:  "agent crashed before printing",
			wantErr: ErrNoOutputMarkers,
		},
		{
			name:    "unterminated",
			stdout:  "---DOTCLAW_OUTPUT_START---\npartial",
			wantErr: ErrNoOutputMarkers,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := ExtractResult(tt.stdout)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ExtractResult: %v", err)
			}
			if res.Output != tt.want {
				t.Errorf("output = %q, want %q", res.Output, tt.want)
			}
		})
	}
}

func TestExtractResultAgentError(t *testing.T) {
	stdout := "---DOTCLAW_OUTPUT_START---\n{\"error\":\"model refused\"}\n---DOTCLAW_OUTPUT_END---"
	res, err := ExtractResult(stdout)
	if err == nil {
		t.Fatal("expected error for agent error body")
	}
	if res == nil || res.Error != "model refused" {
		t.Errorf("result = %+v", res)
	}
}

// fakeRunner records concurrency for manager tests.
type fakeRunner struct {
	mu        sync.Mutex
	inFlight  map[string]int
	maxByGrp  map[string]int
	delay     time.Duration
	runErr    error
	blockOnCt bool
}

func newFakeRunner(delay time.Duration) *fakeRunner {
	return &fakeRunner{
		inFlight: map[string]int{},
		maxByGrp: map[string]int{},
		delay:    delay,
	}
}

func (f *fakeRunner) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	f.mu.Lock()
	f.inFlight[req.Group]++
	if f.inFlight[req.Group] > f.maxByGrp[req.Group] {
		f.maxByGrp[req.Group] = f.inFlight[req.Group]
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inFlight[req.Group]--
		f.mu.Unlock()
	}()

	if f.blockOnCt {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if f.runErr != nil {
		return nil, f.runErr
	}
	return &RunResult{Output: "ok:" + req.Prompt}, nil
}

func (f *fakeRunner) Close() error { return nil }

func TestManagerSerializesPerGroup(t *testing.T) {
	fake := newFakeRunner(30 * time.Millisecond)
	m := NewManager(fake, nil, nil)
	defer m.Close()

	var wg sync.WaitGroup
	run := func(group string) {
		defer wg.Done()
		if _, err := m.Run(context.Background(), RunRequest{Group: group, ChatID: "c", Prompt: "p"}); err != nil {
			t.Errorf("Run(%s): %v", group, err)
		}
	}
	for i := 0; i < 3; i++ {
		wg.Add(2)
		go run("main")
		go run("research")
	}
	wg.Wait()

	if fake.maxByGrp["main"] != 1 || fake.maxByGrp["research"] != 1 {
		t.Errorf("per-group concurrency = %+v, want 1 each", fake.maxByGrp)
	}
}

func TestManagerAbort(t *testing.T) {
	fake := newFakeRunner(0)
	fake.blockOnCt = true
	m := NewManager(fake, nil, nil)
	defer m.Close()

	done := make(chan error, 1)
	go func() {
		_, err := m.Run(context.Background(), RunRequest{RunID: "r1", Group: "main"})
		done <- err
	}()

	// Wait for the run to register.
	deadline := time.After(time.Second)
	for {
		if len(m.ActiveRuns()) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("run never became active")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if !m.Abort("r1") {
		t.Fatal("Abort returned false for active run")
	}
	select {
	case err := <-done:
		if err == nil {
			t.Error("aborted run returned nil error")
		}
	case <-time.After(time.Second):
		t.Fatal("aborted run never returned")
	}
	if m.Abort("r1") {
		t.Error("Abort should return false after completion")
	}
}

func TestManagerPublishesRunEvents(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("run.")
	defer b.Unsubscribe(sub)

	fake := newFakeRunner(0)
	m := NewManager(fake, b, nil)
	defer m.Close()

	if _, err := m.Run(context.Background(), RunRequest{Group: "main", ChatID: "telegram:1"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	topics := []string{}
	for len(topics) < 2 {
		select {
		case ev := <-sub.Ch():
			topics = append(topics, ev.Topic)
		case <-time.After(time.Second):
			t.Fatalf("events so far: %v", topics)
		}
	}
	if topics[0] != bus.TopicRunStarted || topics[1] != bus.TopicRunCompleted {
		t.Errorf("topics = %v", topics)
	}
}

func TestLoadMountAllowlist(t *testing.T) {
	dir := t.TempDir()
	hostDir := filepath.Join(dir, "shared")
	if err := os.MkdirAll(hostDir, 0o755); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(dir, "mount-allowlist.json")
	writeJSON := func(content string) {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	// Missing file means no extra binds.
	binds, err := LoadMountAllowlist(filepath.Join(dir, "nope.json"))
	if err != nil || binds != nil {
		t.Errorf("missing file = %v, %v", binds, err)
	}

	writeJSON(`[{"host_path": "` + hostDir + `", "container_path": "/mnt/shared", "read_only": true}]`)
	binds, err = LoadMountAllowlist(path)
	if err != nil {
		t.Fatalf("LoadMountAllowlist: %v", err)
	}
	if len(binds) != 1 || binds[0] != hostDir+":/mnt/shared:ro" {
		t.Errorf("binds = %v", binds)
	}

	// Relative host paths are rejected.
	writeJSON(`[{"host_path": "relative/path", "container_path": "/mnt/x"}]`)
	if _, err := LoadMountAllowlist(path); err == nil {
		t.Error("relative host path should fail")
	}

	// Nonexistent host paths are rejected.
	writeJSON(`[{"host_path": "` + filepath.Join(dir, "ghost") + `", "container_path": "/mnt/x"}]`)
	if _, err := LoadMountAllowlist(path); err == nil {
		t.Error("nonexistent host path should fail")
	}
}

func TestStreamWatcherPublishesThrottledChunks(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicRunStreamChunk)
	defer b.Unsubscribe(sub)

	ipc := t.TempDir()
	w := NewStreamWatcher(ipc, 30*time.Millisecond, b, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go w.Watch(ctx, "main", "telegram:1", "run-1", "trace-1")

	dir := w.StreamDir("main", "trace-1")
	// Give the watcher a beat to set up.
	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "1"), []byte("Hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	var first StreamChunk
	select {
	case ev := <-sub.Ch():
		first = ev.Payload.(StreamChunk)
	case <-time.After(2 * time.Second):
		t.Fatal("no stream chunk published")
	}
	if first.Text != "Hello" || first.Done {
		t.Errorf("first chunk = %+v", first)
	}

	if err := os.WriteFile(filepath.Join(dir, "2"), []byte(", world"), 0o644); err != nil {
		t.Fatal(err)
	}

	cancel()

	// Drain until the Done chunk arrives; it must carry the full text.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub.Ch():
			chunk := ev.Payload.(StreamChunk)
			if chunk.Done {
				if chunk.Text != "Hello, world" && chunk.Text != "" {
					t.Errorf("final chunk text = %q", chunk.Text)
				}
				if _, err := os.Stat(dir); !os.IsNotExist(err) {
					t.Error("stream dir not cleaned up")
				}
				return
			}
		case <-deadline:
			t.Fatal("no final chunk")
		}
	}
}

func TestStreamChunksConcatenateInSequenceOrder(t *testing.T) {
	dir := t.TempDir()
	// Sequence numbers sort numerically, not lexically, and stray files
	// in the directory are ignored.
	chunks := map[string]string{
		"2":        "two ",
		"10":       "ten",
		"1":        "one ",
		"notes.md": "junk",
	}
	for name, content := range chunks {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	got, ok := readChunks(dir)
	if !ok {
		t.Fatal("readChunks failed")
	}
	if got != "one two ten" {
		t.Errorf("concatenated = %q", got)
	}
}
