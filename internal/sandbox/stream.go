package sandbox

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/basket/dotclaw/internal/bus"
)

const streamDirName = "stream"

// StreamChunk is the payload published on run.stream_chunk. Text is the
// cumulative output so far, ready for an edit-in-place platform update.
type StreamChunk struct {
	RunID  string
	ChatID string
	Group  string
	Text   string
	Done   bool
}

// StreamWatcher tails a run's stream directory and publishes throttled
// chunks. The agent drops each piece of partial output as its own file
// under <ipc>/<group>/stream/<trace-id>/, named by sequence number;
// concatenating the files in numeric order yields the output so far.
// Publishing is rate limited so platform edits stay under the
// provider's edit quota.
type StreamWatcher struct {
	ipcDir   string
	interval time.Duration
	bus      *bus.Bus
	logger   *slog.Logger
}

func NewStreamWatcher(ipcDir string, interval time.Duration, eventBus *bus.Bus, logger *slog.Logger) *StreamWatcher {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamWatcher{
		ipcDir:   ipcDir,
		interval: interval,
		bus:      eventBus,
		logger:   logger.With("component", "stream"),
	}
}

// StreamDir returns the directory an agent writes chunk files into.
func (w *StreamWatcher) StreamDir(group, traceID string) string {
	return filepath.Join(w.ipcDir, group, streamDirName, traceID)
}

// readChunks concatenates the chunk files in dir in sequence order.
// Files whose names are not plain integers are ignored; a chunk that
// vanishes mid-read (the agent rewriting it) is skipped this round and
// picked up on the next tick.
func readChunks(dir string) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	seqs := make([]int, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		seq, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		seqs = append(seqs, seq)
	}
	sort.Ints(seqs)

	var b strings.Builder
	for _, seq := range seqs {
		data, err := os.ReadFile(filepath.Join(dir, strconv.Itoa(seq)))
		if err != nil {
			continue
		}
		b.Write(data)
	}
	return b.String(), true
}

// Watch tails the stream directory until ctx is done, then publishes a
// final chunk with Done set and removes the directory. Call in a
// goroutine alongside the run.
func (w *StreamWatcher) Watch(ctx context.Context, group, chatID, runID, traceID string) {
	if traceID == "" {
		traceID = runID
	}
	dir := w.StreamDir(group, traceID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		w.logger.Warn("create stream dir failed", "error", err)
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if err := watcher.Add(dir); err != nil {
			watcher = nil
		}
	} else {
		watcher = nil
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var lastLen int
	publish := func(done bool) {
		text, ok := readChunks(dir)
		if !ok {
			if done && lastLen > 0 {
				w.bus.Publish(bus.TopicRunStreamChunk, StreamChunk{
					RunID: runID, ChatID: chatID, Group: group, Done: true,
				})
			}
			return
		}
		if len(text) == lastLen && !done {
			return
		}
		lastLen = len(text)
		w.bus.Publish(bus.TopicRunStreamChunk, StreamChunk{
			RunID: runID, ChatID: chatID, Group: group, Text: text, Done: done,
		})
	}

	// fsnotify events only mark dirtiness; the ticker is the sole
	// publisher, which is what enforces the edit rate limit.
	dirty := false
	for {
		var events chan fsnotify.Event
		if watcher != nil {
			events = watcher.Events
		}
		select {
		case <-ctx.Done():
			publish(true)
			_ = os.RemoveAll(dir)
			return
		case <-events:
			dirty = true
		case <-ticker.C:
			if dirty || watcher == nil {
				dirty = false
				publish(false)
			}
		}
	}
}
