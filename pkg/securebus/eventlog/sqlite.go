package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/randalmurphal/securebus/pkg/securebus/event"
	"github.com/randalmurphal/securebus/pkg/securebus/pattern"
)

// SQLiteLog persists events to SQLite.
type SQLiteLog struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteLog opens (creating if needed) an event log at path.
// Use ":memory:" for tests.
func NewSQLiteLog(path string) (*SQLiteLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		// Each connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			pattern TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			source TEXT NOT NULL,
			correlation_id TEXT NOT NULL,
			data BLOB NOT NULL,
			processed INTEGER NOT NULL DEFAULT 0,
			processed_at INTEGER
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	for _, stmt := range []string{
		`CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_events_pattern ON events(pattern, timestamp)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create index: %w", err)
		}
	}

	return &SQLiteLog{db: db}, nil
}

// Append implements Log.
func (s *SQLiteLog) Append(ctx context.Context, evt *event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (id, pattern, timestamp, source, correlation_id, data)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, evt.ID, evt.Pattern, evt.Timestamp.UnixNano(), evt.Source, evt.CorrelationID, data)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Events implements Log. Concrete patterns are filtered in SQL; wildcard
// patterns are matched after the time-range scan.
func (s *SQLiteLog) Events(ctx context.Context, p string, from, to time.Time) ([]*event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	query := `SELECT data FROM events WHERE timestamp >= ? AND timestamp < ?`
	lo, hi := int64(0), int64(1<<63-1)
	if !from.IsZero() {
		lo = from.UnixNano()
	}
	if !to.IsZero() {
		hi = to.UnixNano()
	}
	args := []any{lo, hi}
	concrete := pattern.IsConcrete(p)
	if concrete {
		query += ` AND pattern = ?`
		args = append(args, p)
	}
	query += ` ORDER BY timestamp, seq`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []*event.Event
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var evt event.Event
		if err := json.Unmarshal(data, &evt); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		if !concrete && !pattern.Match(evt.Pattern, p) {
			continue
		}
		out = append(out, &evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// MarkProcessed implements Log.
func (s *SQLiteLog) MarkProcessed(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE events SET processed = 1, processed_at = ?
		WHERE id = ? AND processed = 0
	`, time.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// Cleanup implements Log.
func (s *SQLiteLog) Cleanup(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE timestamp < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("cleanup events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup events: %w", err)
	}
	return int(n), nil
}

// Stats implements Log.
func (s *SQLiteLog) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Stats{}, ErrClosed
	}

	var (
		st             Stats
		oldest, newest sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(processed), 0), MIN(timestamp), MAX(timestamp)
		FROM events
	`).Scan(&st.Total, &st.Processed, &oldest, &newest)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Stats{}, fmt.Errorf("event stats: %w", err)
	}
	if oldest.Valid {
		st.Oldest = time.Unix(0, oldest.Int64)
	}
	if newest.Valid {
		st.Newest = time.Unix(0, newest.Int64)
	}
	return st, nil
}

// Close implements Log.
func (s *SQLiteLog) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
