package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/dotclaw/internal/bus"
)

// ErrDuplicateMessage indicates the platform message id was already enqueued
// for the chat. Redelivered updates are dropped, not reprocessed.
var ErrDuplicateMessage = errors.New("queue: duplicate message")

// Enqueue inserts an inbound message as pending and returns its queue id.
// Duplicate (chat_id, message_id) pairs return ErrDuplicateMessage.
func (s *Store) Enqueue(ctx context.Context, msg bus.InboundMessage) (int64, error) {
	attachments := "[]"
	if len(msg.Attachments) > 0 {
		data, err := json.Marshal(msg.Attachments)
		if err != nil {
			return 0, fmt.Errorf("marshal attachments: %w", err)
		}
		attachments = string(data)
	}

	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin enqueue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chats (chat_id, created_at, updated_at)
			VALUES (?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(chat_id) DO NOTHING;
		`, msg.ChatID); err != nil {
			return fmt.Errorf("ensure chat: %w", err)
		}

		// created_at is written explicitly for sub-second precision;
		// CURRENT_TIMESTAMP truncates to seconds, which is too coarse for
		// the batch window.
		res, err := tx.ExecContext(ctx, `
			INSERT INTO messages (chat_id, message_id, sender_id, sender_name, content, channel_id, thread_id, attachments, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?)
			ON CONFLICT(chat_id, message_id) DO NOTHING;
		`, msg.ChatID, msg.MessageID, msg.SenderID, msg.SenderName, msg.Content, msg.ChannelID, msg.ThreadID, attachments, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("enqueue rows affected: %w", err)
		}
		if affected == 0 {
			return ErrDuplicateMessage
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("enqueue last insert id: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}

	s.publish(bus.TopicMessageEnqueued, msg)
	return id, nil
}

// ClaimBatch transactionally claims up to maxBatch eligible pending
// messages for a chat, flipping them to processing and bumping
// attempt_count. The batch is anchored to the oldest pending row: only
// rows enqueued within window of it are claimed, so a steady trickle of
// messages cannot defer the first reply indefinitely. Messages with a
// future not_before are skipped.
func (s *Store) ClaimBatch(ctx context.Context, chatID string, window time.Duration, maxBatch int) ([]Message, error) {
	if maxBatch <= 0 {
		maxBatch = 50
	}
	if window <= 0 {
		window = 2 * time.Second
	}
	var batch []Message
	err := retryOnBusy(ctx, 5, func() error {
		batch = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var oldest sql.NullTime
		if err := tx.QueryRowContext(ctx, `
			SELECT MIN(created_at) FROM messages
			WHERE chat_id = ? AND status = 'pending'
				AND (not_before IS NULL OR not_before <= CURRENT_TIMESTAMP);
		`, chatID).Scan(&oldest); err != nil {
			return fmt.Errorf("oldest pending: %w", err)
		}
		if !oldest.Valid {
			return tx.Commit()
		}
		cutoff := oldest.Time.Add(window)

		rows, err := tx.QueryContext(ctx, `
			SELECT id, chat_id, message_id, sender_id, sender_name, content, channel_id, thread_id,
				COALESCE(attachments, '[]'), status, attempt_count, not_before, claimed_at,
				COALESCE(error, ''), created_at, updated_at
			FROM messages
			WHERE chat_id = ? AND status = 'pending'
				AND (not_before IS NULL OR not_before <= CURRENT_TIMESTAMP)
				AND created_at <= ?
			ORDER BY id ASC
			LIMIT ?;
		`, chatID, cutoff, maxBatch)
		if err != nil {
			return fmt.Errorf("select claimable: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var m Message
			if err := scanMessage(rows.Scan, &m); err != nil {
				return fmt.Errorf("scan claimable: %w", err)
			}
			batch = append(batch, m)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("claimable rows: %w", err)
		}
		if len(batch) == 0 {
			return tx.Commit()
		}

		now := time.Now().UTC()
		for i := range batch {
			res, err := tx.ExecContext(ctx, `
				UPDATE messages
				SET status = 'processing', attempt_count = attempt_count + 1,
					claimed_at = ?, updated_at = CURRENT_TIMESTAMP
				WHERE id = ? AND status = 'pending';
			`, now, batch[i].ID)
			if err != nil {
				return fmt.Errorf("claim message %d: %w", batch[i].ID, err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("claim rows affected: %w", err)
			}
			if affected != 1 {
				return fmt.Errorf("claim lost race for message %d", batch[i].ID)
			}
			batch[i].Status = StatusProcessing
			batch[i].AttemptCount++
			batch[i].ClaimedAt = &now
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	if len(batch) > 0 {
		s.publish(bus.TopicMessageBatched, map[string]any{"chat_id": chatID, "count": len(batch)})
	}
	return batch, nil
}

// Complete marks processing messages as completed. Already-terminal rows are
// left untouched, making completion idempotent under redelivery.
func (s *Store) Complete(ctx context.Context, ids []int64) error {
	if err := s.finish(ctx, ids, StatusCompleted, ""); err != nil {
		return err
	}
	s.publish(bus.TopicMessageComplete, ids)
	return nil
}

// Fail marks processing messages as terminally failed with an error note.
func (s *Store) Fail(ctx context.Context, ids []int64, errMsg string) error {
	if err := s.finish(ctx, ids, StatusFailed, errMsg); err != nil {
		return err
	}
	s.publish(bus.TopicMessageFailed, ids)
	return nil
}

func (s *Store) finish(ctx context.Context, ids []int64, to Status, errMsg string) error {
	if len(ids) == 0 {
		return nil
	}
	if !canTransition(StatusProcessing, to) {
		return fmt.Errorf("illegal transition processing -> %s", to)
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin finish tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `
				UPDATE messages
				SET status = ?, error = NULLIF(?, ''), claimed_at = NULL, updated_at = CURRENT_TIMESTAMP
				WHERE id = ? AND status = 'processing';
			`, to, errMsg, id); err != nil {
				return fmt.Errorf("finish message %d: %w", id, err)
			}
		}
		return tx.Commit()
	})
}

// Requeue returns processing messages to pending with a retry hold. The
// attempt count is preserved so retry budgets keep counting.
func (s *Store) Requeue(ctx context.Context, ids []int64, notBefore time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin requeue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `
				UPDATE messages
				SET status = 'pending', not_before = ?, claimed_at = NULL, updated_at = CURRENT_TIMESTAMP
				WHERE id = ? AND status = 'processing';
			`, notBefore.UTC(), id); err != nil {
				return fmt.Errorf("requeue message %d: %w", id, err)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	s.publish(bus.TopicMessageRequeued, ids)
	return nil
}

// ResetStalled returns processing messages claimed longer than olderThan ago
// to pending. Run at startup with a short threshold and periodically with a
// longer one.
func (s *Store) ResetStalled(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE messages
			SET status = 'pending', claimed_at = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE status = 'processing' AND claimed_at IS NOT NULL AND claimed_at < ?;
		`, cutoff)
		if err != nil {
			return fmt.Errorf("reset stalled: %w", err)
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

// ChatsWithPending returns chat ids that have at least one eligible pending
// message, oldest first.
func (s *Store) ChatsWithPending(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chat_id FROM messages
		WHERE status = 'pending' AND (not_before IS NULL OR not_before <= CURRENT_TIMESTAMP)
		GROUP BY chat_id
		ORDER BY MIN(id) ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query chats with pending: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var chatID string
		if err := rows.Scan(&chatID); err != nil {
			return nil, fmt.Errorf("scan chat id: %w", err)
		}
		out = append(out, chatID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chats with pending rows: %w", err)
	}
	return out, nil
}

// OldestPending reports the oldest pending message's enqueue time for a chat
// plus the pending count. The drain loop anchors the batch window to it.
func (s *Store) OldestPending(ctx context.Context, chatID string) (time.Time, int, error) {
	var oldest sql.NullTime
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT MIN(created_at), COUNT(1) FROM messages
		WHERE chat_id = ? AND status = 'pending'
			AND (not_before IS NULL OR not_before <= CURRENT_TIMESTAMP);
	`, chatID).Scan(&oldest, &count)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("oldest pending: %w", err)
	}
	if !oldest.Valid {
		return time.Time{}, 0, nil
	}
	return oldest.Time, count, nil
}

// NextEligible reports the earliest not_before among held pending messages
// for a chat, so the drain loop knows when a retry becomes claimable.
func (s *Store) NextEligible(ctx context.Context, chatID string) (time.Time, bool, error) {
	var earliest sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT MIN(not_before) FROM messages
		WHERE chat_id = ? AND status = 'pending'
			AND not_before IS NOT NULL AND not_before > CURRENT_TIMESTAMP;
	`, chatID).Scan(&earliest)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("next eligible: %w", err)
	}
	if !earliest.Valid {
		return time.Time{}, false, nil
	}
	return earliest.Time, true, nil
}

// AdvanceCursor records the highest queue id processed for a chat. The
// cursor only moves forward.
func (s *Store) AdvanceCursor(ctx context.Context, chatID string, lastID int64) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE chats
			SET last_processed_id = MAX(last_processed_id, ?), updated_at = CURRENT_TIMESTAMP
			WHERE chat_id = ?;
		`, lastID, chatID)
		if err != nil {
			return fmt.Errorf("advance cursor: %w", err)
		}
		return nil
	})
}

// Cursor returns the last processed queue id for a chat, 0 when unknown.
func (s *Store) Cursor(ctx context.Context, chatID string) (int64, error) {
	var cursor int64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_processed_id FROM chats WHERE chat_id = ?;
	`, chatID).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read cursor: %w", err)
	}
	return cursor, nil
}

// RecentCompleted returns up to limit most recently completed messages for a
// chat, oldest first. Used to rebuild conversational context for a run.
func (s *Store) RecentCompleted(ctx context.Context, chatID string, limit int) ([]Message, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, message_id, sender_id, sender_name, content, channel_id, thread_id,
			COALESCE(attachments, '[]'), status, attempt_count, not_before, claimed_at,
			COALESCE(error, ''), created_at, updated_at
		FROM (
			SELECT * FROM messages
			WHERE chat_id = ? AND status = 'completed'
			ORDER BY id DESC
			LIMIT ?
		)
		ORDER BY id ASC;
	`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent completed: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := scanMessage(rows.Scan, &m); err != nil {
			return nil, fmt.Errorf("scan recent completed: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recent completed rows: %w", err)
	}
	return out, nil
}

// Stats summarizes queue depth by status.
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM messages GROUP BY status;`)
	if err != nil {
		return Stats{}, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	var st Stats
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, fmt.Errorf("scan stats: %w", err)
		}
		switch status {
		case StatusPending:
			st.Pending = count
		case StatusProcessing:
			st.Processing = count
		case StatusCompleted:
			st.Completed = count
		case StatusFailed:
			st.Failed = count
		}
	}
	return st, rows.Err()
}

// DecodeAttachments parses the stored attachments JSON.
func (m Message) DecodeAttachments() ([]bus.Attachment, error) {
	if m.Attachments == "" || m.Attachments == "[]" {
		return nil, nil
	}
	var out []bus.Attachment
	if err := json.Unmarshal([]byte(m.Attachments), &out); err != nil {
		return nil, fmt.Errorf("decode attachments: %w", err)
	}
	return out, nil
}

func scanMessage(scanFn func(dest ...any) error, m *Message) error {
	var notBefore, claimedAt sql.NullTime
	if err := scanFn(
		&m.ID,
		&m.ChatID,
		&m.MessageID,
		&m.SenderID,
		&m.SenderName,
		&m.Content,
		&m.ChannelID,
		&m.ThreadID,
		&m.Attachments,
		&m.Status,
		&m.AttemptCount,
		&notBefore,
		&claimedAt,
		&m.Error,
		&m.CreatedAt,
		&m.UpdatedAt,
	); err != nil {
		return err
	}
	if notBefore.Valid {
		t := notBefore.Time
		m.NotBefore = &t
	}
	if claimedAt.Valid {
		t := claimedAt.Time
		m.ClaimedAt = &t
	}
	return nil
}
