// Package store manages all SQLite persistence for ringmutex.
//
// One database file holds three things: the runs a simulation has made,
// the append-only protocol event log every agent writes to, and the
// mailbox table the queue transport uses as its system-wide message queue.
// WAL mode lets all agents write concurrently.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/daviddao/ringmutex/pkg/model"

	_ "modernc.org/sqlite"
)

// timeFormat is RFC3339 with fixed-width nanoseconds, so stored times sort
// as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Store manages all SQLite operations with WAL mode for concurrent access.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database and initializes the schema.
func New(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id          TEXT PRIMARY KEY,
		agents      INTEGER NOT NULL,
		transport   TEXT NOT NULL,
		started_at  TEXT NOT NULL,
		finished_at TEXT,
		status      TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id     TEXT NOT NULL REFERENCES runs(id),
		agent_id   INTEGER NOT NULL,
		lamport_ts INTEGER NOT NULL,
		kind       TEXT NOT NULL,
		side       TEXT NOT NULL DEFAULT '',
		peer       INTEGER NOT NULL DEFAULT -1,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, id);
	CREATE INDEX IF NOT EXISTS idx_events_agent ON events(run_id, agent_id, id);
	CREATE INDEX IF NOT EXISTS idx_events_kind ON events(run_id, kind);

	CREATE TABLE IF NOT EXISTS mailbox (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id     TEXT NOT NULL,
		recipient  INTEGER NOT NULL,
		sender     INTEGER NOT NULL,
		frame      BLOB NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_mailbox_recipient ON mailbox(run_id, recipient, id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ---------------------------------------------------------------------------
// Runs
// ---------------------------------------------------------------------------

// CreateRun records the start of a simulation run.
func (s *Store) CreateRun(r *model.Run) error {
	return retryOnContention(func() error {
		_, err := s.db.Exec(
			`INSERT INTO runs (id, agents, transport, started_at, status) VALUES (?, ?, ?, ?, ?)`,
			r.ID, r.Agents, r.Transport, r.StartedAt.UTC().Format(timeFormat), r.Status,
		)
		return err
	})
}

// FinishRun stamps a run with its final status.
func (s *Store) FinishRun(id, status string) error {
	now := time.Now().UTC().Format(timeFormat)
	return retryOnContention(func() error {
		res, err := s.db.Exec(`UPDATE runs SET finished_at = ?, status = ? WHERE id = ?`, now, status, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("run %s: %w", id, sql.ErrNoRows)
		}
		return nil
	})
}

// GetRun retrieves a run by ID. A unique ID prefix is accepted.
func (s *Store) GetRun(id string) (*model.Run, error) {
	rows, err := s.db.Query(
		`SELECT id, agents, transport, started_at, finished_at, status
		 FROM runs WHERE id = ? OR id LIKE ? ESCAPE '\' ORDER BY id LIMIT 2`,
		id, escapeLike(id)+"%",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	runs, err := scanRuns(rows)
	if err != nil {
		return nil, err
	}
	switch {
	case len(runs) == 0:
		return nil, fmt.Errorf("run %s: %w", id, sql.ErrNoRows)
	case len(runs) > 1 && runs[0].ID != id:
		return nil, fmt.Errorf("run prefix %q is ambiguous", id)
	}
	return &runs[0], nil
}

// LatestRun returns the most recently started run.
func (s *Store) LatestRun() (*model.Run, error) {
	runs, err := s.ListRuns(1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("no runs recorded: %w", sql.ErrNoRows)
	}
	return &runs[0], nil
}

// ListRuns returns runs, newest first.
func (s *Store) ListRuns(limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT id, agents, transport, started_at, finished_at, status
		 FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

func scanRuns(rows *sql.Rows) ([]model.Run, error) {
	var runs []model.Run
	for rows.Next() {
		var r model.Run
		var startedStr string
		var finishedStr sql.NullString
		if err := rows.Scan(&r.ID, &r.Agents, &r.Transport, &startedStr, &finishedStr, &r.Status); err != nil {
			return nil, err
		}
		var parseErr error
		r.StartedAt, parseErr = time.Parse(time.RFC3339Nano, startedStr)
		if parseErr != nil {
			return nil, fmt.Errorf("parse started_at for run %s: %w", r.ID, parseErr)
		}
		if finishedStr.Valid {
			ft, err := time.Parse(time.RFC3339Nano, finishedStr.String)
			if err != nil {
				return nil, fmt.Errorf("parse finished_at for run %s: %w", r.ID, err)
			}
			r.FinishedAt = &ft
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

// InsertEvent appends an event to the log. Returns the auto-generated row ID.
func (s *Store) InsertEvent(e *model.Event) (int64, error) {
	var lastID int64
	err := retryOnContention(func() error {
		res, err := s.db.Exec(
			`INSERT INTO events (run_id, agent_id, lamport_ts, kind, side, peer, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.RunID, e.AgentID, e.LamportTS, string(e.Kind), e.Side, e.Peer,
			e.CreatedAt.UTC().Format(timeFormat),
		)
		if err != nil {
			return err
		}
		lastID, err = res.LastInsertId()
		return err
	})
	return lastID, err
}

// EventFilter selects events from one run. Zero fields do not filter.
type EventFilter struct {
	RunID   string
	AgentID *model.AgentID
	Kind    model.EventKind
	SinceID int64 // only events with row ID > SinceID
	Limit   int   // default 100; negative means no limit
}

// ListEvents returns matching events ordered by row ID, which is the order
// they were recorded in.
func (s *Store) ListEvents(f EventFilter) ([]model.Event, error) {
	where := []string{"run_id = ?", "id > ?"}
	args := []any{f.RunID, f.SinceID}
	if f.AgentID != nil {
		where = append(where, "agent_id = ?")
		args = append(args, *f.AgentID)
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	limit := f.Limit
	if limit == 0 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.db.Query(
		`SELECT id, run_id, agent_id, lamport_ts, kind, side, peer, created_at
		 FROM events WHERE `+strings.Join(where, " AND ")+`
		 ORDER BY id ASC LIMIT ?`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// AllEvents returns the full event log of a run.
func (s *Store) AllEvents(runID string) ([]model.Event, error) {
	return s.ListEvents(EventFilter{RunID: runID, Limit: -1})
}

// MaxEventID returns the highest event row ID of a run, or 0 if it has none.
func (s *Store) MaxEventID(runID string) int64 {
	var id int64
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(id), 0) FROM events WHERE run_id = ?`, runID).Scan(&id); err != nil {
		return 0
	}
	return id
}

// CountEvents returns the number of events recorded for a run.
func (s *Store) CountEvents(runID string) int64 {
	var count int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM events WHERE run_id = ?`, runID).Scan(&count); err != nil {
		return 0
	}
	return count
}

// MealCounts returns the number of critical sections each agent entered.
func (s *Store) MealCounts(runID string) (map[model.AgentID]int, error) {
	rows, err := s.db.Query(
		`SELECT agent_id, COUNT(*) FROM events WHERE run_id = ? AND kind = ? GROUP BY agent_id`,
		runID, string(model.EventEat),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	meals := make(map[model.AgentID]int)
	for rows.Next() {
		var id model.AgentID
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		meals[id] = n
	}
	return meals, rows.Err()
}

// PendingRequests returns each agent's latest request that no release or
// abandon has retired yet, in Lamport total order.
func (s *Store) PendingRequests(runID string) ([]model.PendingRequest, error) {
	rows, err := s.db.Query(
		`SELECT r.agent_id, r.lamport_ts FROM events r
		 WHERE r.run_id = ? AND r.kind = 'request'
		   AND r.id = (SELECT MAX(id) FROM events
		               WHERE run_id = r.run_id AND agent_id = r.agent_id AND kind = 'request')
		   AND NOT EXISTS (SELECT 1 FROM events x
		                   WHERE x.run_id = r.run_id AND x.agent_id = r.agent_id
		                     AND x.kind IN ('release', 'abandon') AND x.id > r.id)
		 ORDER BY r.lamport_ts ASC, r.agent_id ASC`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.PendingRequest
	for rows.Next() {
		var p model.PendingRequest
		if err := rows.Scan(&p.AgentID, &p.LamportTS); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanEvents(rows *sql.Rows) ([]model.Event, error) {
	var events []model.Event
	for rows.Next() {
		var e model.Event
		var kindStr, createdStr string
		if err := rows.Scan(&e.ID, &e.RunID, &e.AgentID, &e.LamportTS,
			&kindStr, &e.Side, &e.Peer, &createdStr); err != nil {
			return nil, err
		}
		e.Kind = model.EventKind(kindStr)
		var parseErr error
		e.CreatedAt, parseErr = time.Parse(time.RFC3339Nano, createdStr)
		if parseErr != nil {
			return nil, fmt.Errorf("parse created_at time for event %d: %w", e.ID, parseErr)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// RunRecorder appends protocol events to one run's log.
type RunRecorder struct {
	s     *Store
	runID string
}

// Recorder returns a RunRecorder for runID.
func (s *Store) Recorder(runID string) *RunRecorder {
	return &RunRecorder{s: s, runID: runID}
}

// Record inserts e under the recorder's run. The insert is not cut short by
// ctx: an event that was decided must reach the log, or the audit would see
// a critical section that never ended.
func (r *RunRecorder) Record(_ context.Context, e model.Event) error {
	e.RunID = r.runID
	_, err := r.s.InsertEvent(&e)
	return err
}

// ---------------------------------------------------------------------------
// Mailbox
// ---------------------------------------------------------------------------

// Enqueue appends a frame to recipient's queue.
func (s *Store) Enqueue(ctx context.Context, runID string, recipient, sender model.AgentID, frame []byte) error {
	now := time.Now().UTC().Format(timeFormat)
	return retryOnContention(func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO mailbox (run_id, recipient, sender, frame, created_at) VALUES (?, ?, ?, ?, ?)`,
			runID, recipient, sender, frame, now,
		)
		return err
	})
}

// Dequeue removes and returns up to limit of the oldest frames queued for
// recipient, oldest first. Selection and deletion are one statement, so
// every frame is handed out exactly once.
func (s *Store) Dequeue(ctx context.Context, runID string, recipient model.AgentID, limit int) ([][]byte, error) {
	if limit <= 0 {
		limit = 16
	}
	type row struct {
		id    int64
		frame []byte
	}
	var got []row
	err := retryOnContention(func() error {
		got = got[:0]
		rows, err := s.db.QueryContext(ctx,
			`DELETE FROM mailbox WHERE id IN (
			     SELECT id FROM mailbox WHERE run_id = ? AND recipient = ?
			     ORDER BY id ASC LIMIT ?)
			 RETURNING id, frame`,
			runID, recipient, limit,
		)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var r row
			if err := rows.Scan(&r.id, &r.frame); err != nil {
				return err
			}
			got = append(got, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	// RETURNING does not promise an order.
	sort.Slice(got, func(i, j int) bool { return got[i].id < got[j].id })
	frames := make([][]byte, len(got))
	for i, r := range got {
		frames[i] = r.frame
	}
	return frames, nil
}

// MailboxDepth returns how many frames are queued for a run.
func (s *Store) MailboxDepth(runID string) int64 {
	var n int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM mailbox WHERE run_id = ?`, runID).Scan(&n); err != nil {
		return 0
	}
	return n
}

// PurgeMailbox deletes every frame queued for a run and returns how many
// were dropped.
func (s *Store) PurgeMailbox(ctx context.Context, runID string) (int64, error) {
	var n int64
	err := retryOnContention(func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM mailbox WHERE run_id = ?`, runID)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// IsNotFound reports whether err means a run or row does not exist.
func IsNotFound(err error) bool { return errors.Is(err, sql.ErrNoRows) }

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
