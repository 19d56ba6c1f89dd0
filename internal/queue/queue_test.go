package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/dotclaw/internal/bus"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "queue.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testMsg(chatID, messageID, content string) bus.InboundMessage {
	return bus.InboundMessage{
		ChatID:     chatID,
		MessageID:  messageID,
		SenderID:   "u1",
		SenderName: "alice",
		Content:    content,
		Timestamp:  time.Now(),
	}
}

func TestEnqueueAndDedup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, testMsg("telegram:1", "m1", "hello"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if id == 0 {
		t.Error("expected non-zero queue id")
	}

	_, err = s.Enqueue(ctx, testMsg("telegram:1", "m1", "hello again"))
	if !errors.Is(err, ErrDuplicateMessage) {
		t.Errorf("duplicate enqueue err = %v, want ErrDuplicateMessage", err)
	}

	// Same platform id in a different chat is fine.
	if _, err := s.Enqueue(ctx, testMsg("telegram:2", "m1", "other chat")); err != nil {
		t.Errorf("cross-chat enqueue: %v", err)
	}
}

func TestClaimBatchOrderAndAttempts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i, content := range []string{"first", "second", "third"} {
		if _, err := s.Enqueue(ctx, testMsg("telegram:1", string(rune('a'+i)), content)); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}

	batch, err := s.ClaimBatch(ctx, "telegram:1", 0, 2)
	if err != nil {
		t.Fatalf("ClaimBatch: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("batch size = %d, want 2", len(batch))
	}
	if batch[0].Content != "first" || batch[1].Content != "second" {
		t.Errorf("batch out of order: %q, %q", batch[0].Content, batch[1].Content)
	}
	for _, m := range batch {
		if m.Status != StatusProcessing {
			t.Errorf("message %d status = %s, want processing", m.ID, m.Status)
		}
		if m.AttemptCount != 1 {
			t.Errorf("message %d attempts = %d, want 1", m.ID, m.AttemptCount)
		}
	}

	// Claimed messages are not re-claimable.
	rest, err := s.ClaimBatch(ctx, "telegram:1", 0, 10)
	if err != nil {
		t.Fatalf("second ClaimBatch: %v", err)
	}
	if len(rest) != 1 || rest[0].Content != "third" {
		t.Errorf("second batch = %+v, want only third", rest)
	}
}

func TestCompleteIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Enqueue(ctx, testMsg("telegram:1", "m1", "x")); err != nil {
		t.Fatal(err)
	}
	batch, err := s.ClaimBatch(ctx, "telegram:1", 0, 10)
	if err != nil || len(batch) != 1 {
		t.Fatalf("ClaimBatch: %v (%d)", err, len(batch))
	}
	ids := []int64{batch[0].ID}
	if err := s.Complete(ctx, ids); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	// Completing again is a no-op, not an error.
	if err := s.Complete(ctx, ids); err != nil {
		t.Errorf("second Complete: %v", err)
	}
	// Failing a completed message is also a no-op.
	if err := s.Fail(ctx, ids, "late failure"); err != nil {
		t.Errorf("Fail after Complete: %v", err)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Completed != 1 || st.Failed != 0 {
		t.Errorf("stats = %+v, want 1 completed 0 failed", st)
	}
}

func TestRequeueHonorsNotBefore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Enqueue(ctx, testMsg("telegram:1", "m1", "x")); err != nil {
		t.Fatal(err)
	}
	batch, _ := s.ClaimBatch(ctx, "telegram:1", 0, 10)
	if len(batch) != 1 {
		t.Fatalf("batch = %d", len(batch))
	}

	if err := s.Requeue(ctx, []int64{batch[0].ID}, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	held, err := s.ClaimBatch(ctx, "telegram:1", 0, 10)
	if err != nil {
		t.Fatalf("ClaimBatch after requeue: %v", err)
	}
	if len(held) != 0 {
		t.Errorf("claimed %d held messages, want 0", len(held))
	}

	chats, err := s.ChatsWithPending(ctx)
	if err != nil {
		t.Fatalf("ChatsWithPending: %v", err)
	}
	if len(chats) != 0 {
		t.Errorf("chats with eligible pending = %v, want none", chats)
	}

	// Requeue with an elapsed hold keeps the attempt count.
	if err := s.db.QueryRowContext(ctx, `SELECT 1`).Scan(new(int)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE messages SET not_before = NULL;`); err != nil {
		t.Fatal(err)
	}
	again, err := s.ClaimBatch(ctx, "telegram:1", 0, 10)
	if err != nil || len(again) != 1 {
		t.Fatalf("re-claim: %v (%d)", err, len(again))
	}
	if again[0].AttemptCount != 2 {
		t.Errorf("attempts after requeue = %d, want 2", again[0].AttemptCount)
	}
}

func TestResetStalled(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Enqueue(ctx, testMsg("telegram:1", "m1", "x")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimBatch(ctx, "telegram:1", 0, 10); err != nil {
		t.Fatal(err)
	}

	// Nothing stalled yet with a generous threshold.
	n, err := s.ResetStalled(ctx, time.Hour)
	if err != nil {
		t.Fatalf("ResetStalled: %v", err)
	}
	if n != 0 {
		t.Errorf("reset %d, want 0", n)
	}

	// Zero threshold treats any in-flight claim as stalled.
	n, err = s.ResetStalled(ctx, -time.Second)
	if err != nil {
		t.Fatalf("ResetStalled: %v", err)
	}
	if n != 1 {
		t.Errorf("reset %d, want 1", n)
	}

	batch, err := s.ClaimBatch(ctx, "telegram:1", 0, 10)
	if err != nil || len(batch) != 1 {
		t.Fatalf("re-claim after reset: %v (%d)", err, len(batch))
	}
	if batch[0].AttemptCount != 2 {
		t.Errorf("attempts = %d, want 2", batch[0].AttemptCount)
	}
}

func TestChatsWithPendingOldestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Enqueue(ctx, testMsg("telegram:2", "m1", "b")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Enqueue(ctx, testMsg("telegram:1", "m1", "a")); err != nil {
		t.Fatal(err)
	}

	chats, err := s.ChatsWithPending(ctx)
	if err != nil {
		t.Fatalf("ChatsWithPending: %v", err)
	}
	if len(chats) != 2 || chats[0] != "telegram:2" || chats[1] != "telegram:1" {
		t.Errorf("chats = %v, want [telegram:2 telegram:1]", chats)
	}
}

func TestCursorOnlyMovesForward(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Enqueue(ctx, testMsg("telegram:1", "m1", "x")); err != nil {
		t.Fatal(err)
	}
	if err := s.AdvanceCursor(ctx, "telegram:1", 10); err != nil {
		t.Fatalf("AdvanceCursor: %v", err)
	}
	if err := s.AdvanceCursor(ctx, "telegram:1", 5); err != nil {
		t.Fatalf("AdvanceCursor backward: %v", err)
	}
	cur, err := s.Cursor(ctx, "telegram:1")
	if err != nil {
		t.Fatalf("Cursor: %v", err)
	}
	if cur != 10 {
		t.Errorf("cursor = %d, want 10", cur)
	}

	// Unknown chat reads as zero.
	cur, err = s.Cursor(ctx, "telegram:999")
	if err != nil || cur != 0 {
		t.Errorf("unknown chat cursor = %d, %v", cur, err)
	}
}

func TestOldestPending(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, count, err := s.OldestPending(ctx, "telegram:1")
	if err != nil {
		t.Fatalf("OldestPending empty: %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d, want 0", count)
	}

	if _, err := s.Enqueue(ctx, testMsg("telegram:1", "m1", "x")); err != nil {
		t.Fatal(err)
	}
	oldest, count, err := s.OldestPending(ctx, "telegram:1")
	if err != nil {
		t.Fatalf("OldestPending: %v", err)
	}
	if count != 1 || oldest.IsZero() {
		t.Errorf("oldest = %v count = %d", oldest, count)
	}

	// A later message must not move the anchor.
	if _, err := s.Enqueue(ctx, testMsg("telegram:1", "m2", "y")); err != nil {
		t.Fatal(err)
	}
	again, count, err := s.OldestPending(ctx, "telegram:1")
	if err != nil {
		t.Fatalf("OldestPending after second enqueue: %v", err)
	}
	if count != 2 || again.After(oldest) {
		t.Errorf("anchor moved: %v -> %v count = %d", oldest, again, count)
	}
}

func TestClaimBatchWindowAnchoredToOldest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Enqueue(ctx, testMsg("telegram:1", "m1", "early")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Enqueue(ctx, testMsg("telegram:1", "m2", "late")); err != nil {
		t.Fatal(err)
	}
	// Backdate the first message so the second falls outside a window
	// starting at the oldest pending row.
	if _, err := s.db.ExecContext(ctx, `
		UPDATE messages SET created_at = DATETIME(created_at, '-10 seconds') WHERE message_id = 'm1';
	`); err != nil {
		t.Fatal(err)
	}

	batch, err := s.ClaimBatch(ctx, "telegram:1", 2*time.Second, 10)
	if err != nil {
		t.Fatalf("ClaimBatch: %v", err)
	}
	if len(batch) != 1 || batch[0].Content != "early" {
		t.Fatalf("batch = %+v, want only the early message", batch)
	}

	// The late message is claimable on its own afterwards.
	rest, err := s.ClaimBatch(ctx, "telegram:1", 2*time.Second, 10)
	if err != nil {
		t.Fatalf("second ClaimBatch: %v", err)
	}
	if len(rest) != 1 || rest[0].Content != "late" {
		t.Errorf("second batch = %+v, want the late message", rest)
	}
}

func TestLegacyChatIDMigration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.db")
	ctx := context.Background()

	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	// Rewind the ledger to v1 and plant bare chat ids, simulating a queue
	// written before provider-qualified ids.
	if _, err := s.db.ExecContext(ctx, `DELETE FROM schema_migrations;`); err != nil {
		t.Fatal(err)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`,
		schemaVersionV1, schemaChecksumV1); err != nil {
		t.Fatal(err)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO chats (chat_id) VALUES ('12345');`); err != nil {
		t.Fatal(err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (chat_id, message_id, content) VALUES ('12345', 'm1', 'old');
	`); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	chats, err := s.ChatsWithPending(ctx)
	if err != nil {
		t.Fatalf("ChatsWithPending: %v", err)
	}
	if len(chats) != 1 || chats[0] != "telegram:12345" {
		t.Errorf("chats after migration = %v, want [telegram:12345]", chats)
	}
}

func TestRecentCompleted(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := s.Enqueue(ctx, testMsg("telegram:1", string(rune('a'+i)), string(rune('A'+i)))); err != nil {
			t.Fatal(err)
		}
	}
	batch, _ := s.ClaimBatch(ctx, "telegram:1", 0, 10)
	ids := make([]int64, 0, len(batch))
	for _, m := range batch {
		ids = append(ids, m.ID)
	}
	if err := s.Complete(ctx, ids); err != nil {
		t.Fatal(err)
	}

	recent, err := s.RecentCompleted(ctx, "telegram:1", 2)
	if err != nil {
		t.Fatalf("RecentCompleted: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("recent = %d, want 2", len(recent))
	}
	// Newest two, returned oldest first.
	if recent[0].Content != "B" || recent[1].Content != "C" {
		t.Errorf("recent order = %q, %q", recent[0].Content, recent[1].Content)
	}
}
