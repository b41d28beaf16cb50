package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	*sql.DB
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS sessions(
		id TEXT PRIMARY KEY,
		mode TEXT,
		title TEXT,
		model_a_id TEXT,
		model_a_name TEXT,
		model_b_id TEXT,
		model_b_name TEXT,
		created_at REAL,
		updated_at REAL
	)`,
	// seq keeps insertion order; turn_id groups replies under their user message
	`CREATE TABLE IF NOT EXISTS messages(
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		session_id TEXT NOT NULL,
		turn_id TEXT,
		role TEXT,
		content TEXT,
		participant TEXT,
		parent_ids TEXT,
		model_id TEXT,
		created_at REAL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id)`,
	`CREATE TABLE IF NOT EXISTS events(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts REAL,
		level TEXT,
		code TEXT,
		msg TEXT,
		meta TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS streams(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts REAL,
		trace_id TEXT,
		session_id TEXT,
		turn_id TEXT,
		transport TEXT,
		participants INTEGER,
		chunks INTEGER,
		bytes INTEGER,
		dur_ms REAL,
		status TEXT,
		error TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS feedback(
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		message_id TEXT,
		type TEXT,
		preferred_model_id TEXT,
		rating INTEGER,
		categories TEXT,
		comment TEXT,
		created_at REAL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_feedback_session ON feedback(session_id)`,
}

func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// One writer keeps sqlite from reporting busy under concurrent finalizes
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	return &DB{db}, nil
}

// Seconds converts t to the REAL timestamp stored in every table
func Seconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// Time converts a stored REAL timestamp back
func Time(ts float64) time.Time {
	return time.Unix(0, int64(ts*1e9))
}

func (db *DB) Event(level, code, msg string, meta map[string]interface{}) {
	m := ""
	if meta != nil {
		b, _ := json.Marshal(meta)
		m = string(b)
	}
	_, _ = db.Exec(`INSERT INTO events(ts,level,code,msg,meta) VALUES(?,?,?,?,?)`,
		Seconds(time.Now()), level, code, msg, m)
}

func (db *DB) Stream(start time.Time, traceID, sessionID, turnID, transport string,
	participants, chunks, bytes int, dur time.Duration, status, errStr string) {
	_, _ = db.Exec(`INSERT INTO streams(
		ts, trace_id, session_id, turn_id, transport, participants, chunks, bytes, dur_ms, status, error)
		VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		Seconds(start), traceID, sessionID, turnID, transport, participants, chunks, bytes, float64(dur.Milliseconds()), status, errStr)
}
