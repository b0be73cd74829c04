// Package index implements the SQLite-backed query index over Maildir: a
// derived, fully rebuildable cache supporting lookups by subject/endpoint/
// status, TTL cleanup, and delivery metrics. The filesystem (internal/maildir)
// remains the source of truth; this index exists purely to make queries fast.
package index

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tenzoki/relay/internal/maildir"
)

// Message is a row of the messages table.
type Message struct {
	ID           string
	Subject      string
	Sender       string
	EndpointHash string
	Status       string
	CreatedAt    time.Time
	TTL          int64
}

// Trace is a row of the message_traces table.
type Trace struct {
	MessageID            string
	TraceID              string
	SpanID               string
	ParentSpanID         string
	Subject              string
	FromEndpoint         string
	ToEndpoint           string
	Status               string
	BudgetHopsUsed        int
	BudgetTTLRemainingMs int64
	SentAt               time.Time
	DeliveredAt          *time.Time
	ProcessedAt          *time.Time
	Error                string
}

// Index wraps a single shared SQLite database file.
type Index struct {
	db *sql.DB
}

// Open opens (and creates, if absent) the index database at path and
// configures it per the spec: WAL journaling, synchronous=NORMAL, a 5
// second busy timeout.
func Open(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers across conns

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	idx := &Index{db: db}
	if err := idx.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *Index) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			subject TEXT NOT NULL,
			sender TEXT NOT NULL,
			endpoint_hash TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			ttl INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_subject ON messages(subject)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_endpoint_created ON messages(endpoint_hash, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(status)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_ttl ON messages(ttl)`,
		`CREATE TABLE IF NOT EXISTS message_traces (
			message_id TEXT PRIMARY KEY,
			trace_id TEXT NOT NULL,
			span_id TEXT NOT NULL,
			parent_span_id TEXT,
			subject TEXT NOT NULL,
			from_endpoint TEXT NOT NULL,
			to_endpoint TEXT NOT NULL,
			status TEXT NOT NULL,
			budget_hops_used INTEGER NOT NULL,
			budget_ttl_remaining_ms INTEGER NOT NULL,
			sent_at INTEGER NOT NULL,
			delivered_at INTEGER,
			processed_at INTEGER,
			error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_traces_trace_id ON message_traces(trace_id)`,
		`CREATE INDEX IF NOT EXISTS idx_traces_subject ON message_traces(subject)`,
		`CREATE INDEX IF NOT EXISTS idx_traces_sent_at ON message_traces(sent_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_traces_dead_lettered ON message_traces(status) WHERE status = 'dead_lettered'`,
	}
	for _, stmt := range stmts {
		if _, err := idx.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// InsertMessage indexes a delivery row. Idempotent: a row with the same id
// replaces any existing one (INSERT OR REPLACE semantics).
func (idx *Index) InsertMessage(m Message) error {
	_, err := idx.db.Exec(
		`INSERT OR REPLACE INTO messages (id, subject, sender, endpoint_hash, status, created_at, ttl)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Subject, m.Sender, m.EndpointHash, m.Status, m.CreatedAt.UnixMilli(), m.TTL,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// UpdateStatus transitions a message row's status.
func (idx *Index) UpdateStatus(id, status string) error {
	_, err := idx.db.Exec(`UPDATE messages SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return nil
}

func scanMessage(row interface{ Scan(...any) error }) (Message, error) {
	var m Message
	var createdAtMs int64
	if err := row.Scan(&m.ID, &m.Subject, &m.Sender, &m.EndpointHash, &m.Status, &createdAtMs, &m.TTL); err != nil {
		return Message{}, err
	}
	m.CreatedAt = time.UnixMilli(createdAtMs)
	return m, nil
}

// GetMessage fetches a single message row by id.
func (idx *Index) GetMessage(id string) (Message, bool, error) {
	row := idx.db.QueryRow(
		`SELECT id, subject, sender, endpoint_hash, status, created_at, ttl FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return Message{}, false, nil
		}
		return Message{}, false, fmt.Errorf("get message: %w", err)
	}
	return m, true, nil
}

// CountBySenderSince counts messages authored by sender with created_at at
// or after since, for the reliability layer's rate-limit window.
func (idx *Index) CountBySenderSince(sender string, since time.Time) (int, error) {
	var count int
	err := idx.db.QueryRow(
		`SELECT COUNT(*) FROM messages WHERE sender = ? AND created_at >= ?`,
		sender, since.UnixMilli(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count by sender: %w", err)
	}
	return count, nil
}

// CountNewByEndpoint counts messages currently in the new status for
// endpointHash, used by the backpressure check as the current mailbox
// size.
func (idx *Index) CountNewByEndpoint(endpointHash string) (int, error) {
	var count int
	err := idx.db.QueryRow(
		`SELECT COUNT(*) FROM messages WHERE endpoint_hash = ? AND status = 'new'`,
		endpointHash,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count new by endpoint: %w", err)
	}
	return count, nil
}

// GetBySubject returns messages for an exact subject, newest first.
func (idx *Index) GetBySubject(subject string) ([]Message, error) {
	rows, err := idx.db.Query(
		`SELECT id, subject, sender, endpoint_hash, status, created_at, ttl FROM messages
		 WHERE subject = ? ORDER BY created_at DESC`, subject)
	if err != nil {
		return nil, fmt.Errorf("get by subject: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// GetByEndpoint returns messages for an endpoint hash, newest first.
func (idx *Index) GetByEndpoint(endpointHash string) ([]Message, error) {
	rows, err := idx.db.Query(
		`SELECT id, subject, sender, endpoint_hash, status, created_at, ttl FROM messages
		 WHERE endpoint_hash = ? ORDER BY created_at DESC`, endpointHash)
	if err != nil {
		return nil, fmt.Errorf("get by endpoint: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteExpired removes every message row whose ttl has elapsed as of now,
// returning the number of rows removed.
func (idx *Index) DeleteExpired(now time.Time) (int64, error) {
	res, err := idx.db.Exec(`DELETE FROM messages WHERE ttl < ?`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete expired: %w", err)
	}
	return res.RowsAffected()
}

// InsertTrace indexes a trace span row. A span transitions through several
// statuses for the same message_id (pending -> delivered -> processed/
// failed); each later call upserts onto the same row rather than replacing
// it wholesale, so an earlier milestone's timestamp (e.g. delivered_at)
// survives a later call that doesn't itself set that field.
func (idx *Index) InsertTrace(t Trace) error {
	_, err := idx.db.Exec(
		`INSERT INTO message_traces
		 (message_id, trace_id, span_id, parent_span_id, subject, from_endpoint, to_endpoint,
		  status, budget_hops_used, budget_ttl_remaining_ms, sent_at, delivered_at, processed_at, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(message_id) DO UPDATE SET
		   trace_id = excluded.trace_id,
		   span_id = excluded.span_id,
		   parent_span_id = COALESCE(excluded.parent_span_id, message_traces.parent_span_id),
		   subject = excluded.subject,
		   from_endpoint = excluded.from_endpoint,
		   to_endpoint = excluded.to_endpoint,
		   status = excluded.status,
		   budget_hops_used = excluded.budget_hops_used,
		   budget_ttl_remaining_ms = excluded.budget_ttl_remaining_ms,
		   delivered_at = COALESCE(excluded.delivered_at, message_traces.delivered_at),
		   processed_at = COALESCE(excluded.processed_at, message_traces.processed_at),
		   error = COALESCE(excluded.error, message_traces.error)`,
		t.MessageID, t.TraceID, t.SpanID, nullableString(t.ParentSpanID), t.Subject, t.FromEndpoint, t.ToEndpoint,
		t.Status, t.BudgetHopsUsed, t.BudgetTTLRemainingMs, t.SentAt.UnixMilli(),
		nullableTime(t.DeliveredAt), nullableTime(t.ProcessedAt), nullableString(t.Error),
	)
	if err != nil {
		return fmt.Errorf("insert trace: %w", err)
	}
	return nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

// Metrics aggregates delivery statistics for operational visibility.
type Metrics struct {
	Total             int64
	CountsByStatus    map[string]int64
	CountsBySubject   map[string]int64
	AvgLatencyMs      float64
	MaxLatencyMs      float64
	P95LatencyMs      float64
	ActiveEndpoints   int64
}

// Metrics computes the aggregate view described in the spec: totals, per
// status, per subject (descending), latency avg/max/p95 over delivered
// traces, and a distinct endpoint count.
func (idx *Index) Metrics() (Metrics, error) {
	m := Metrics{CountsByStatus: map[string]int64{}, CountsBySubject: map[string]int64{}}

	if err := idx.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&m.Total); err != nil {
		return Metrics{}, fmt.Errorf("count total: %w", err)
	}

	statusRows, err := idx.db.Query(`SELECT status, COUNT(*) FROM messages GROUP BY status`)
	if err != nil {
		return Metrics{}, fmt.Errorf("count by status: %w", err)
	}
	for statusRows.Next() {
		var status string
		var count int64
		if err := statusRows.Scan(&status, &count); err != nil {
			statusRows.Close()
			return Metrics{}, fmt.Errorf("scan status count: %w", err)
		}
		m.CountsByStatus[status] = count
	}
	statusRows.Close()

	subjectRows, err := idx.db.Query(`SELECT subject, COUNT(*) c FROM messages GROUP BY subject ORDER BY c DESC`)
	if err != nil {
		return Metrics{}, fmt.Errorf("count by subject: %w", err)
	}
	for subjectRows.Next() {
		var subject string
		var count int64
		if err := subjectRows.Scan(&subject, &count); err != nil {
			subjectRows.Close()
			return Metrics{}, fmt.Errorf("scan subject count: %w", err)
		}
		m.CountsBySubject[subject] = count
	}
	subjectRows.Close()

	err = idx.db.QueryRow(
		`SELECT COALESCE(AVG(delivered_at - sent_at), 0), COALESCE(MAX(delivered_at - sent_at), 0)
		 FROM message_traces WHERE delivered_at IS NOT NULL`,
	).Scan(&m.AvgLatencyMs, &m.MaxLatencyMs)
	if err != nil {
		return Metrics{}, fmt.Errorf("latency avg/max: %w", err)
	}

	var count int64
	if err := idx.db.QueryRow(`SELECT COUNT(*) FROM message_traces WHERE delivered_at IS NOT NULL`).Scan(&count); err != nil {
		return Metrics{}, fmt.Errorf("count delivered traces: %w", err)
	}
	if count > 0 {
		offset := int64(float64(count) * 0.95)
		err = idx.db.QueryRow(
			`SELECT delivered_at - sent_at FROM message_traces WHERE delivered_at IS NOT NULL
			 ORDER BY (delivered_at - sent_at) ASC LIMIT 1 OFFSET ?`, offset,
		).Scan(&m.P95LatencyMs)
		if err != nil && err != sql.ErrNoRows {
			return Metrics{}, fmt.Errorf("p95 latency: %w", err)
		}
	}

	if err := idx.db.QueryRow(`SELECT COUNT(DISTINCT endpoint_hash) FROM messages`).Scan(&m.ActiveEndpoints); err != nil {
		return Metrics{}, fmt.Errorf("active endpoints: %w", err)
	}

	return m, nil
}

// Rebuild drops all message rows and rescans every endpoint's new/, cur/,
// and failed/ subdirectories in store, re-inserting rows keyed by the
// Maildir filename (not the envelope id — fan-out produces one filename
// per endpoint per envelope).
func (idx *Index) Rebuild(store *maildir.Store, endpointHashes []string) error {
	tx, err := idx.db.Begin()
	if err != nil {
		return fmt.Errorf("begin rebuild: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM messages`); err != nil {
		tx.Rollback()
		return fmt.Errorf("clear messages: %w", err)
	}

	statusDirs := map[string]string{"new": "new", "cur": "cur", "failed": "failed"}
	for _, endpointHash := range endpointHashes {
		for subdir, status := range statusDirs {
			names, err := store.List(endpointHash, subdir)
			if err != nil {
				tx.Rollback()
				return fmt.Errorf("list %s/%s: %w", endpointHash, subdir, err)
			}
			for _, name := range names {
				env, err := store.Read(endpointHash, subdir, name)
				if err != nil {
					tx.Rollback()
					return fmt.Errorf("read %s/%s/%s: %w", endpointHash, subdir, name, err)
				}
				_, err = tx.Exec(
					`INSERT OR REPLACE INTO messages (id, subject, sender, endpoint_hash, status, created_at, ttl)
					 VALUES (?, ?, ?, ?, ?, ?, ?)`,
					name, env.Subject, env.From, endpointHash, status, env.CreatedAt.UnixMilli(), env.Budget.TTL,
				)
				if err != nil {
					tx.Rollback()
					return fmt.Errorf("reinsert %s: %w", name, err)
				}
			}
		}
	}

	return tx.Commit()
}
