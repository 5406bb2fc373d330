// Package audit provides an append-only, queryable record of every state
// transition on proposals and model versions. Records are held in a bounded
// in-memory tail for queries and live streaming, and optionally persisted to
// sqlite so the trail survives restarts.
package audit

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Entity names the kind of record a transition belongs to.
type Entity string

const (
	EntityProposal     Entity = "proposal"
	EntityModelVersion Entity = "model_version"
	EntityTrainingRun  Entity = "training_run"
)

// Record is one state transition. Append-only; never updated.
type Record struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Entity    Entity    `json:"entity"`
	EntityID  string    `json:"entity_id"`
	From      string    `json:"from_state"`
	To        string    `json:"to_state"`
	Detail    string    `json:"detail,omitempty"`
}

// Log is the audit trail. One writer at a time; readers get copies.
type Log struct {
	logger *slog.Logger

	mu     sync.Mutex
	db     *sql.DB // nil when in-memory only
	tail   []Record
	keep   int
	nextID int64
	subs   map[int]chan Record
	subSeq int
}

// NewMemory creates an in-memory audit log keeping the most recent keep records.
func NewMemory(keep int, logger *slog.Logger) *Log {
	if keep <= 0 {
		keep = 1000
	}
	return &Log{
		logger: logger.With("component", "audit"),
		keep:   keep,
		nextID: 1,
		subs:   make(map[int]chan Record),
	}
}

// NewSQLite creates an audit log persisted at path, with an in-memory tail
// for queries and streaming.
func NewSQLite(path string, keep int, logger *slog.Logger) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: wal mode: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS audit_log (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		ts         TEXT NOT NULL,
		entity     TEXT NOT NULL,
		entity_id  TEXT NOT NULL,
		from_state TEXT NOT NULL DEFAULT '',
		to_state   TEXT NOT NULL,
		detail     TEXT NOT NULL DEFAULT ''
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}

	l := NewMemory(keep, logger)
	l.db = db
	return l, nil
}

// Append records a transition. Persistence failures are logged, not
// propagated: the trail must never break the control loop.
func (l *Log) Append(entity Entity, entityID, from, to, detail string) {
	l.mu.Lock()
	rec := Record{
		ID:        l.nextID,
		Timestamp: time.Now().UTC(),
		Entity:    entity,
		EntityID:  entityID,
		From:      from,
		To:        to,
		Detail:    detail,
	}
	l.nextID++

	l.tail = append(l.tail, rec)
	if len(l.tail) > l.keep {
		l.tail = l.tail[len(l.tail)-l.keep:]
	}

	for _, ch := range l.subs {
		select {
		case ch <- rec:
		default: // slow subscriber, drop
		}
	}
	db := l.db
	l.mu.Unlock()

	if db != nil {
		_, err := db.Exec(
			`INSERT INTO audit_log (ts, entity, entity_id, from_state, to_state, detail) VALUES (?, ?, ?, ?, ?, ?)`,
			rec.Timestamp.Format(time.RFC3339Nano), string(rec.Entity), rec.EntityID, rec.From, rec.To, rec.Detail,
		)
		if err != nil {
			l.logger.Warn("failed to persist audit record", "error", err)
		}
	}
}

// Records returns the most recent records, newest last, optionally filtered
// by entity (empty = all). limit <= 0 returns the whole tail.
func (l *Log) Records(entity Entity, limit int) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Record
	for _, rec := range l.tail {
		if entity != "" && rec.Entity != entity {
			continue
		}
		out = append(out, rec)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// ForEntity returns the transition history of one entity id, oldest first.
func (l *Log) ForEntity(entity Entity, entityID string) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Record
	for _, rec := range l.tail {
		if rec.Entity == entity && rec.EntityID == entityID {
			out = append(out, rec)
		}
	}
	return out
}

// Subscribe returns a channel of live records plus a cancel func. Slow
// subscribers miss records rather than block the writer.
func (l *Log) Subscribe() (<-chan Record, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.subSeq
	l.subSeq++
	ch := make(chan Record, 64)
	l.subs[id] = ch

	cancel := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if _, ok := l.subs[id]; ok {
			delete(l.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// Close releases the sqlite handle, if any.
func (l *Log) Close() error {
	l.mu.Lock()
	db := l.db
	l.db = nil
	l.mu.Unlock()

	if db != nil {
		return db.Close()
	}
	return nil
}
