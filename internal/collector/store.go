package collector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // CGO-free SQLite

	"github.com/loykin/beacon/internal/event"
)

// Received is one stored event with its arrival metadata.
type Received struct {
	ID         int64     `json:"id"`
	PayloadID  string    `json:"payload_id,omitempty"`
	Type       string    `json:"Type"`
	Data       string    `json:"Data"`
	ReceivedAt time.Time `json:"received_at"`
}

// Store keeps collected events in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens the collector database. Accepts the same DSN forms as the
// SQLite storage: "sqlite:///path.db", "/path.db" or ":memory:".
func NewStore(dsn string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty collector DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := createTables(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS collected_events(
	  id          INTEGER PRIMARY KEY,
	  payload_id  TEXT,
	  type        TEXT    NOT NULL,
	  data        TEXT    NOT NULL,
	  received_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_collected_events_type ON collected_events(type);
	CREATE TABLE IF NOT EXISTS collected_payloads(
	  payload_id  TEXT PRIMARY KEY,
	  received_at INTEGER NOT NULL
	);
	`)
	if err != nil {
		return fmt.Errorf("failed to create database tables: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Insert stores events in one transaction. When payloadID was seen before the
// events are not stored again and inserted is false.
func (s *Store) Insert(ctx context.Context, payloadID string, events []event.Event) (inserted bool, err error) {
	var segs []event.Segment
	if payloadID != "" {
		segs = []event.Segment{{ID: payloadID, Count: len(events)}}
	}
	_, skipped, err := s.InsertSegments(ctx, segs, events)
	if err != nil {
		return false, err
	}
	return skipped == 0, nil
}

// InsertSegments stores events in one transaction. segs, when given, must
// cover every event; the events of a segment whose ID was seen before are
// skipped. It reports how many events were stored and how many segments were
// already known.
func (s *Store) InsertSegments(ctx context.Context, segs []event.Segment, events []event.Event) (stored, skipped int, err error) {
	if len(segs) > 0 && event.Covered(segs) != len(events) {
		return 0, 0, fmt.Errorf("%w: segments cover %d events, batch has %d", event.ErrSegments, event.Covered(segs), len(events))
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO collected_events(payload_id, type, data, received_at) VALUES(?,?,?,?)`)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	insert := func(pid sql.NullString, batch []event.Event) error {
		for _, e := range batch {
			if _, err := stmt.ExecContext(ctx, pid, e.Type, e.Data, now.UnixMilli()); err != nil {
				return fmt.Errorf("failed to execute statement: %w", err)
			}
		}
		stored += len(batch)
		return nil
	}

	if len(segs) == 0 {
		if err := insert(sql.NullString{}, events); err != nil {
			return 0, 0, err
		}
	}
	offset := 0
	for _, seg := range segs {
		batch := events[offset : offset+seg.Count]
		offset += seg.Count
		res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO collected_payloads(payload_id, received_at) VALUES(?, ?)`, seg.ID, now.UnixMilli())
		if err != nil {
			return 0, 0, fmt.Errorf("failed to record payload: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			skipped++
			continue
		}
		if err := insert(sql.NullString{String: seg.ID, Valid: true}, batch); err != nil {
			return 0, 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return stored, skipped, nil
}

// Count returns the number of stored events, optionally filtered by type.
func (s *Store) Count(ctx context.Context, typ string) (int64, error) {
	var n int64
	var err error
	if typ == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM collected_events`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM collected_events WHERE type = ?`, typ).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

// Recent returns up to limit events, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Received, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, payload_id, type, data, received_at FROM collected_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Received
	for rows.Next() {
		var r Received
		var pid sql.NullString
		var ms int64
		if err := rows.Scan(&r.ID, &pid, &r.Type, &r.Data, &ms); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		r.PayloadID = pid.String
		r.ReceivedAt = time.UnixMilli(ms).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
