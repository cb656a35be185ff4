// Package runjournal keeps a local SQLite journal of acquisition sessions.
// Unlike the ClickHouse connection, which is best-effort and may be absent,
// the journal always exists so a rig without network still has a record of
// every session directory it produced.
package runjournal

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

type Journal struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	directory TEXT NOT NULL,
	num_cycles INTEGER NOT NULL,
	cycle_duration_us INTEGER NOT NULL,
	edges INTEGER NOT NULL DEFAULT 0,
	interrupted INTEGER NOT NULL DEFAULT 0,
	started_at TEXT NOT NULL,
	finished_at TEXT
);
CREATE TABLE IF NOT EXISTS camera_runs (
	session_id TEXT NOT NULL REFERENCES sessions(id),
	camera TEXT NOT NULL,
	frames_written INTEGER NOT NULL,
	grab_timeouts INTEGER NOT NULL,
	queue_drops INTEGER NOT NULL,
	filename TEXT NOT NULL,
	PRIMARY KEY (session_id, camera)
);`

// Open creates or opens the journal file and ensures the schema exists.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	// The journal is written by one daemon; a single connection avoids
	// SQLITE_BUSY between the session and camera-run writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// BeginSession records a session as started.
func (j *Journal) BeginSession(id, directory string, numCycles, cycleDurationUS uint32) error {
	_, err := j.db.Exec(
		`INSERT INTO sessions (id, directory, num_cycles, cycle_duration_us, started_at) VALUES (?, ?, ?, ?, ?)`,
		id, directory, numCycles, cycleDurationUS, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// FinishSession marks a session complete with its final edge count.
func (j *Journal) FinishSession(id string, edges int, interrupted bool) error {
	res, err := j.db.Exec(
		`UPDATE sessions SET edges = ?, interrupted = ?, finished_at = ? WHERE id = ?`,
		edges, interrupted, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish unknown session %s", id)
	}
	return nil
}

// RecordCameraRun stores one camera's counters for a session.
func (j *Journal) RecordCameraRun(sessionID, camera string, frames, timeouts, drops uint64, filename string) error {
	_, err := j.db.Exec(
		`INSERT INTO camera_runs (session_id, camera, frames_written, grab_timeouts, queue_drops, filename)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, camera, frames, timeouts, drops, filename)
	return err
}

// SessionRow is one journal entry as read back.
type SessionRow struct {
	ID              string
	Directory       string
	NumCycles       uint32
	CycleDurationUS uint32
	Edges           int
	Interrupted     bool
	StartedAt       string
	FinishedAt      sql.NullString
}

// RecentSessions returns up to limit sessions, newest first.
func (j *Journal) RecentSessions(limit int) ([]SessionRow, error) {
	rows, err := j.db.Query(
		`SELECT id, directory, num_cycles, cycle_duration_us, edges, interrupted, started_at, finished_at
		 FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SessionRow
	for rows.Next() {
		var r SessionRow
		if err := rows.Scan(&r.ID, &r.Directory, &r.NumCycles, &r.CycleDurationUS,
			&r.Edges, &r.Interrupted, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}
