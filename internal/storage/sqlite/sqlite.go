package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/beacon/internal/storage"
)

// Storage keeps the persisted payload as one row of a SQLite table.
type Storage struct {
	db   *sql.DB
	name string
}

// New opens a SQLite backed storage.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Storage, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}

	// Handle sqlite:// prefix
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite: %w", storage.ErrStorage, err)
	}
	// SQLite works best with a single connection; also keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	s := &Storage{db: db, name: storage.DefaultName}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Storage) ensureSchema(ctx context.Context) error {
	stmt := `CREATE TABLE IF NOT EXISTS beacon_state(
		name TEXT PRIMARY KEY,
		payload BLOB NOT NULL,
		updated_at TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP)
	);`
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("%w: ensure schema: %w", storage.ErrStorage, err)
	}
	return nil
}

func (s *Storage) Load(ctx context.Context) ([]byte, bool, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM beacon_state WHERE name = ?;`, s.name).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: load %s: %w", storage.ErrStorage, s.name, err)
	}
	return payload, true, nil
}

func (s *Storage) Save(ctx context.Context, payload []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO beacon_state(name, payload, updated_at)
		VALUES(?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at;`,
		s.name, payload, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("%w: save %s: %w", storage.ErrStorage, s.name, err)
	}
	return nil
}

func (s *Storage) Delete(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM beacon_state WHERE name = ?;`, s.name); err != nil {
		return fmt.Errorf("%w: delete %s: %w", storage.ErrStorage, s.name, err)
	}
	return nil
}

func (s *Storage) Exists(ctx context.Context) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM beacon_state WHERE name = ?;`, s.name).Scan(&n); err != nil {
		return false, fmt.Errorf("%w: exists %s: %w", storage.ErrStorage, s.name, err)
	}
	return n > 0, nil
}

// Quarantine moves the row to <name>.corrupt, replacing an older quarantined row.
func (s *Storage) Quarantine(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin quarantine: %w", storage.ErrStorage, err)
	}
	defer func() { _ = tx.Rollback() }()
	corrupt := s.name + storage.CorruptSuffix
	if _, err := tx.ExecContext(ctx, `DELETE FROM beacon_state WHERE name = ?;`, corrupt); err != nil {
		return fmt.Errorf("%w: quarantine %s: %w", storage.ErrStorage, s.name, err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE beacon_state SET name = ? WHERE name = ?;`, corrupt, s.name); err != nil {
		return fmt.Errorf("%w: quarantine %s: %w", storage.ErrStorage, s.name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit quarantine: %w", storage.ErrStorage, err)
	}
	return nil
}

func (s *Storage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
