package memory

import (
	"context"
	"encoding/binary"
	"log/slog"
	"math"
	"time"
)

// Embedder computes a vector embedding for text. Implementations typically
// call a local model or an API; the store treats embeddings as opaque.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EmbedWorker backfills embeddings for memories that lack one. Embeddings
// are advisory: recall works without them, so failures are logged and
// retried on the next sweep rather than surfaced.
type EmbedWorker struct {
	store    *Store
	embedder Embedder
	logger   *slog.Logger
	interval time.Duration
}

func NewEmbedWorker(store *Store, embedder Embedder, logger *slog.Logger) *EmbedWorker {
	if logger == nil {
		logger = slog.Default()
	}
	// Backfilling and query-time blending come as a pair; wiring the
	// worker also lets Recall embed queries.
	if embedder != nil {
		store.SetEmbedder(embedder)
	}
	return &EmbedWorker{
		store:    store,
		embedder: embedder,
		logger:   logger.With("component", "memory-embed"),
		interval: 30 * time.Second,
	}
}

// Start runs the backfill loop until ctx is canceled.
func (w *EmbedWorker) Start(ctx context.Context) {
	if w.embedder == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.sweep(ctx)
			}
		}
	}()
}

func (w *EmbedWorker) sweep(ctx context.Context) {
	rows, err := w.store.db.QueryContext(ctx, `
		SELECT id, content FROM memories WHERE embedding IS NULL ORDER BY id ASC LIMIT 16;
	`)
	if err != nil {
		w.logger.Warn("embed sweep query failed", "error", err)
		return
	}
	type pending struct {
		id      int64
		content string
	}
	var work []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.content); err != nil {
			rows.Close()
			w.logger.Warn("embed sweep scan failed", "error", err)
			return
		}
		work = append(work, p)
	}
	rows.Close()

	for _, p := range work {
		vec, err := w.embedder.Embed(ctx, p.content)
		if err != nil {
			w.logger.Warn("embedding failed", "memory_id", p.id, "error", err)
			continue
		}
		if _, err := w.store.db.ExecContext(ctx, `
			UPDATE memories SET embedding = ? WHERE id = ?;
		`, encodeVector(vec), p.id); err != nil {
			w.logger.Warn("embedding store failed", "memory_id", p.id, "error", err)
		}
	}
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// DecodeVector reverses encodeVector.
func DecodeVector(data []byte) []float32 {
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}
