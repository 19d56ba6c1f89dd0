package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/basket/dotclaw/internal/shared"
)

// Recall blending weights. Text relevance dominates; importance and
// freshness break ties.
const (
	weightText       = 0.55
	weightImportance = 0.30
	weightRecency    = 0.15

	recencyHalfLifeDays = 30.0
)

// ErrNotFound indicates no memory matched.
var ErrNotFound = errors.New("memory: not found")

// Upsert stores a memory, merging with an existing entry sharing the same
// identity (group, scope, subject, type, normalized content or explicit
// key). Merging keeps the longer content, the higher importance and
// confidence, and the union of tags.
//
// callerGroup scopes writes: only the main group may write global
// memories. A non-main group asking for global scope is downgraded to
// group scope in its own workspace.
func (s *Store) Upsert(ctx context.Context, e Entry, callerGroup string) (Entry, error) {
	if e.Content == "" {
		return Entry{}, fmt.Errorf("memory: empty content")
	}
	if e.Scope == "" {
		e.Scope = ScopeGroup
	}
	if e.Scope != ScopeUser && e.Scope != ScopeGroup && e.Scope != ScopeGlobal {
		return Entry{}, fmt.Errorf("memory: unknown scope %q", e.Scope)
	}
	if e.Scope == ScopeUser && e.SubjectID == "" {
		return Entry{}, fmt.Errorf("memory: user-scoped memory needs a subject_id")
	}
	if e.Scope != ScopeUser {
		e.SubjectID = ""
	}
	if e.Scope == ScopeGlobal && callerGroup != shared.MainGroup {
		e.Scope = ScopeGroup
	}
	if e.Group == "" || callerGroup != shared.MainGroup {
		e.Group = callerGroup
	}
	if e.Scope == ScopeGlobal {
		e.Group = ScopeGlobal
	}
	if e.Type == "" {
		e.Type = TypeFact
	}
	if !validTypes[e.Type] {
		return Entry{}, fmt.Errorf("memory: unknown type %q", e.Type)
	}
	e.Normalized = normalizeContent(e.Content)
	e.Importance = clamp01(e.Importance, 0.5)
	e.Confidence = clamp01(e.Confidence, 0.5)
	key := identityKey(e)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, fmt.Errorf("begin upsert tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := getByIdentityTx(ctx, tx, e.Group, e.Scope, e.SubjectID, e.Type, key)
	switch {
	case err == nil:
		merged := mergeEntries(existing, e)
		merged.Normalized = normalizeContent(merged.Content)
		tags, _ := json.Marshal(merged.Tags)
		if _, err := tx.ExecContext(ctx, `
			UPDATE memories
			SET content = ?, normalized = ?, tags = ?, importance = ?, confidence = ?, source = ?,
				expires_at = ?, embedding = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, merged.Content, merged.Normalized, string(tags), merged.Importance, merged.Confidence, merged.Source, nullTime(merged.ExpiresAt), existing.ID); err != nil {
			return Entry{}, fmt.Errorf("update memory: %w", err)
		}
		if err := syncFTSTx(ctx, tx, existing.ID, merged.Content, merged.Tags); err != nil {
			return Entry{}, err
		}
		merged.ID = existing.ID
		if err := tx.Commit(); err != nil {
			return Entry{}, fmt.Errorf("commit upsert: %w", err)
		}
		return merged, nil
	case errors.Is(err, ErrNotFound):
		tags, _ := json.Marshal(normalizeTags(e.Tags))
		res, err := tx.ExecContext(ctx, `
			INSERT INTO memories (group_folder, scope, subject_id, type, key, content, normalized, tags, importance, confidence, source, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, e.Group, e.Scope, e.SubjectID, e.Type, key, e.Content, e.Normalized, string(tags), e.Importance, e.Confidence, e.Source, nullTime(e.ExpiresAt))
		if err != nil {
			return Entry{}, fmt.Errorf("insert memory: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return Entry{}, fmt.Errorf("memory insert id: %w", err)
		}
		if err := syncFTSTx(ctx, tx, id, e.Content, e.Tags); err != nil {
			return Entry{}, err
		}
		e.ID = id
		e.Tags = normalizeTags(e.Tags)
		if err := tx.Commit(); err != nil {
			return Entry{}, fmt.Errorf("commit upsert: %w", err)
		}
		return e, nil
	default:
		return Entry{}, err
	}
}

func mergeEntries(old, new Entry) Entry {
	merged := old
	if len(new.Content) > len(old.Content) {
		merged.Content = new.Content
	}
	merged.Importance = math.Max(old.Importance, new.Importance)
	merged.Confidence = math.Max(old.Confidence, new.Confidence)
	merged.Tags = normalizeTags(append(slices.Clone(old.Tags), new.Tags...))
	if new.Source != "" {
		merged.Source = new.Source
	}
	if new.ExpiresAt != nil {
		merged.ExpiresAt = new.ExpiresAt
	}
	return merged
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func clamp01(v, fallback float64) float64 {
	if v <= 0 {
		return fallback
	}
	if v > 1 {
		return 1
	}
	return v
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func syncFTSTx(ctx context.Context, tx *sql.Tx, id int64, content string, tags []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM memories_fts WHERE mem_id = ?;`, id); err != nil {
		return fmt.Errorf("delete fts row: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO memories_fts (mem_id, content, tags) VALUES (?, ?, ?);
	`, id, content, strings.Join(normalizeTags(tags), " ")); err != nil {
		return fmt.Errorf("insert fts row: %w", err)
	}
	return nil
}

const entryColumns = `id, group_folder, scope, subject_id, type, key, content, normalized, tags,
	importance, confidence, source, access_count, expires_at, last_accessed_at, created_at, updated_at`

func getByIdentityTx(ctx context.Context, tx *sql.Tx, group, scope, subject, typ, key string) (Entry, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM memories
		WHERE group_folder = ? AND scope = ? AND subject_id = ? AND type = ? AND key = ?;
	`, group, scope, subject, typ, key)
	return scanEntry(row.Scan)
}

// Get returns a memory by id.
func (s *Store) Get(ctx context.Context, id int64) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM memories WHERE id = ?;`, id)
	return scanEntry(row.Scan)
}

// Forget deletes a memory by id, scoped so groups cannot delete each
// other's memories. The main group may delete anything.
func (s *Store) Forget(ctx context.Context, id int64, callerGroup string) error {
	e, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if callerGroup != shared.MainGroup && e.Group != callerGroup {
		return fmt.Errorf("memory: group %q cannot forget a %q memory", callerGroup, e.Group)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin forget tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE id = ?;`, id); err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memories_fts WHERE mem_id = ?;`, id); err != nil {
		return fmt.Errorf("delete fts row: %w", err)
	}
	return tx.Commit()
}

// ForgetContent deletes the memory whose normalized content matches within
// a scope tier. subject is required for user scope. The same caller
// scoping as Forget applies.
func (s *Store) ForgetContent(ctx context.Context, content, scope, subject, callerGroup string) error {
	if scope == "" {
		scope = ScopeGroup
	}
	group := callerGroup
	if scope == ScopeGlobal {
		group = ScopeGlobal
	}
	if scope != ScopeUser {
		subject = ""
	}
	var id int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM memories
		WHERE group_folder = ? AND scope = ? AND subject_id = ? AND normalized = ?;
	`, group, scope, subject, normalizeContent(content)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup memory by content: %w", err)
	}
	return s.Forget(ctx, id, callerGroup)
}

// List returns memories visible to a group (its own plus global), newest
// first.
func (s *Store) List(ctx context.Context, group string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM memories
		WHERE group_folder IN (?, ?) AND (expires_at IS NULL OR expires_at > CURRENT_TIMESTAMP)
		ORDER BY updated_at DESC
		LIMIT ?;
	`, group, ScopeGlobal, limit)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ScoredEntry pairs a recalled memory with its blended score.
type ScoredEntry struct {
	Entry
	Score   float64 `json:"score"`
	BM25    float64 `json:"bm25"`
	Cosine  float64 `json:"cosine,omitempty"`
	Recency float64 `json:"recency"`
}

// Recall runs keyword search over memories visible to the group and user,
// ranking hits by blended score. User-scoped memories only surface for
// their own subject. When an embedder is attached, dense similarity
// supplements the lexical score. At most maxResults entries are returned,
// and their cumulative estimated token count stays within maxTokens.
func (s *Store) Recall(ctx context.Context, group, user, query string, maxResults, maxTokens int) ([]ScoredEntry, error) {
	if maxResults <= 0 {
		maxResults = 12
	}
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}

	var queryVec []float32
	if s.embedder != nil {
		if vec, err := s.embedder.Embed(ctx, query); err == nil {
			queryVec = vec
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.group_folder, m.scope, m.subject_id, m.type, m.key, m.content, m.normalized,
			m.tags, m.importance, m.confidence, m.source, m.access_count, m.expires_at,
			m.last_accessed_at, m.created_at, m.updated_at, m.embedding, f.rank
		FROM memories_fts f
		JOIN memories m ON m.id = f.mem_id
		WHERE memories_fts MATCH ?
			AND m.group_folder IN (?, ?)
			AND (m.scope != ? OR m.subject_id = ?)
			AND (m.expires_at IS NULL OR m.expires_at > CURRENT_TIMESTAMP)
		ORDER BY f.rank
		LIMIT ?;
	`, match, group, ScopeGlobal, ScopeUser, user, maxResults*4)
	if err != nil {
		return nil, fmt.Errorf("recall query: %w", err)
	}
	defer rows.Close()

	now := time.Now()
	var hits []ScoredEntry
	for rows.Next() {
		var e Entry
		var rank float64
		var embedding []byte
		if err := scanEntryWithRank(rows.Scan, &e, &embedding, &rank); err != nil {
			return nil, fmt.Errorf("scan recall row: %w", err)
		}
		// FTS5 rank is negative, more negative = more relevant. Flip to
		// a positive score and squash into [0, 1) for blending.
		bm25 := -rank
		if bm25 < 0 {
			bm25 = 0
		}
		text := bm25 / (1.0 + bm25)

		var cos float64
		if queryVec != nil && len(embedding) > 0 {
			cos = cosineSimilarity(queryVec, DecodeVector(embedding))
			if cos > text {
				text = cos
			}
		}

		ageDays := now.Sub(e.UpdatedAt).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}
		recency := math.Exp(-ageDays / recencyHalfLifeDays)

		score := weightText*text + weightImportance*e.Importance + weightRecency*recency
		hits = append(hits, ScoredEntry{Entry: e, Score: score, BM25: bm25, Cosine: cos, Recency: recency})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recall rows: %w", err)
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })

	var out []ScoredEntry
	budget := maxTokens
	for _, h := range hits {
		if len(out) >= maxResults {
			break
		}
		cost := shared.EstimateTokens(h.Content)
		if maxTokens > 0 && cost > budget {
			continue
		}
		budget -= cost
		out = append(out, h)
	}

	if len(out) > 0 {
		s.touch(ctx, out)
	}
	return out, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	cos := dot / (math.Sqrt(na) * math.Sqrt(nb))
	if cos < 0 {
		return 0
	}
	return cos
}

func (s *Store) touch(ctx context.Context, hits []ScoredEntry) {
	for _, h := range hits {
		_, _ = s.db.ExecContext(ctx, `
			UPDATE memories
			SET access_count = access_count + 1, last_accessed_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, h.ID)
	}
}

// ftsQuery turns free text into a safe FTS5 match expression: each term
// quoted, joined with OR so partial matches still recall.
func ftsQuery(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return ""
	}
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, "")
		if f == "" {
			continue
		}
		terms = append(terms, `"`+f+`"`)
	}
	return strings.Join(terms, " OR ")
}

// CleanupExpired deletes memories past their expiry.
func (s *Store) CleanupExpired(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin cleanup tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM memories_fts WHERE mem_id IN (
			SELECT id FROM memories WHERE expires_at IS NOT NULL AND expires_at <= CURRENT_TIMESTAMP
		);
	`); err != nil {
		return 0, fmt.Errorf("cleanup fts: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		DELETE FROM memories WHERE expires_at IS NOT NULL AND expires_at <= CURRENT_TIMESTAMP;
	`)
	if err != nil {
		return 0, fmt.Errorf("cleanup memories: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

// Stats summarizes the store for diagnostics.
type Stats struct {
	Total    int            `json:"total"`
	ByGroup  map[string]int `json:"by_group"`
	ByScope  map[string]int `json:"by_scope"`
	Expiring int            `json:"expiring"`
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{ByGroup: map[string]int{}, ByScope: map[string]int{}}
	rows, err := s.db.QueryContext(ctx, `SELECT group_folder, scope, COUNT(1) FROM memories GROUP BY group_folder, scope;`)
	if err != nil {
		return st, fmt.Errorf("stats query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var group, scope string
		var count int
		if err := rows.Scan(&group, &scope, &count); err != nil {
			return st, fmt.Errorf("scan stats: %w", err)
		}
		st.ByGroup[group] += count
		st.ByScope[scope] += count
		st.Total += count
	}
	if err := rows.Err(); err != nil {
		return st, err
	}
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM memories WHERE expires_at IS NOT NULL;
	`).Scan(&st.Expiring); err != nil {
		return st, fmt.Errorf("stats expiring: %w", err)
	}
	return st, nil
}

func scanEntryFields(e *Entry, tags *string, expires, accessed *sql.NullTime) []any {
	return []any{
		&e.ID, &e.Group, &e.Scope, &e.SubjectID, &e.Type, &e.Key, &e.Content, &e.Normalized,
		tags, &e.Importance, &e.Confidence, &e.Source, &e.AccessCount, expires, accessed,
		&e.CreatedAt, &e.UpdatedAt,
	}
}

func finishEntry(e *Entry, tags string, expires, accessed sql.NullTime) {
	_ = json.Unmarshal([]byte(tags), &e.Tags)
	if expires.Valid {
		t := expires.Time
		e.ExpiresAt = &t
	}
	if accessed.Valid {
		t := accessed.Time
		e.LastAccessedAt = &t
	}
}

func scanEntry(scanFn func(dest ...any) error) (Entry, error) {
	var e Entry
	var tags string
	var expires, accessed sql.NullTime
	err := scanFn(scanEntryFields(&e, &tags, &expires, &accessed)...)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	finishEntry(&e, tags, expires, accessed)
	return e, nil
}

func scanEntryWithRank(scanFn func(dest ...any) error, e *Entry, embedding *[]byte, rank *float64) error {
	var tags string
	var expires, accessed sql.NullTime
	dest := append(scanEntryFields(e, &tags, &expires, &accessed), embedding, rank)
	if err := scanFn(dest...); err != nil {
		return err
	}
	finishEntry(e, tags, expires, accessed)
	return nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var e Entry
		var tags string
		var expires, accessed sql.NullTime
		if err := rows.Scan(scanEntryFields(&e, &tags, &expires, &accessed)...); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		finishEntry(&e, tags, expires, accessed)
		out = append(out, e)
	}
	return out, rows.Err()
}
