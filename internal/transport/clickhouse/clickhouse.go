package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/beacon/internal/event"
	"github.com/loykin/beacon/internal/transport"
)

// Options describes the ClickHouse connection used as a collector.
type Options struct {
	Addr     string // host:port of the native protocol
	Database string
	Username string
	Password string
	Table    string
}

// Transport writes every batch as rows of a ClickHouse table using the official client.
// A batch is acknowledged when the insert is committed.
type Transport struct {
	conn  driver.Conn
	table string
}

func New(opts Options) (*Transport, error) {
	if opts.Database == "" {
		opts.Database = "default"
	}
	if opts.Username == "" {
		opts.Username = "default"
	}
	if opts.Table == "" {
		opts.Table = "analytics_events"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	// Test the connection
	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	t := &Transport{conn: conn, table: opts.Table}
	if err := t.ensureSchema(context.Background()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return t, nil
}

func (t *Transport) ensureSchema(ctx context.Context) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		type String,
		data String,
		received_at DateTime64(3)
	) ENGINE = MergeTree ORDER BY received_at`, t.table)
	if err := t.conn.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create ClickHouse table %s: %w", t.table, err)
	}
	return nil
}

func (t *Transport) Send(ctx context.Context, payload []byte) error {
	events, err := event.Decode(payload)
	if err != nil {
		return fmt.Errorf("%w: %w", transport.ErrTransport, err)
	}
	batch, err := t.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s (type, data, received_at)", t.table))
	if err != nil {
		return fmt.Errorf("%w: prepare ClickHouse batch: %w", transport.ErrTransport, err)
	}
	now := time.Now().UTC()
	for _, e := range events {
		if err := batch.Append(e.Type, e.Data, now); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("%w: append to ClickHouse batch: %w", transport.ErrTransport, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("%w: insert events into ClickHouse: %w", transport.ErrTransport, err)
	}
	return nil
}

func (t *Transport) Close() error {
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}
