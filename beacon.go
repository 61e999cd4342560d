package beacon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/loykin/beacon/internal/buffer"
	"github.com/loykin/beacon/internal/collector"
	"github.com/loykin/beacon/internal/config"
	"github.com/loykin/beacon/internal/event"
	"github.com/loykin/beacon/internal/metrics"
	"github.com/loykin/beacon/internal/scheduler"
	beacontls "github.com/loykin/beacon/internal/tls"
	"github.com/loykin/beacon/internal/storage"
	storagefactory "github.com/loykin/beacon/internal/storage/factory"
	"github.com/loykin/beacon/internal/transport"
	transportfactory "github.com/loykin/beacon/internal/transport/factory"
	"github.com/prometheus/client_golang/prometheus"
)

// Public facade types.

type Event = event.Event

type Stats = buffer.Stats

type Config = config.Config

type Storage = storage.Storage

type Transport = transport.Transport

// Buffer is the event buffer; see NewBuffer for custom storage and transport.
type Buffer = buffer.EventBuffer

type BufferOptions = buffer.Options

type Driver = scheduler.Driver

type DriverOptions = scheduler.Options

var (
	ErrStorage   = storage.ErrStorage
	ErrTransport = transport.ErrTransport
	ErrDecode    = event.ErrDecode
)

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

func DefaultConfig() *Config { return config.Default() }

func NewStorage(dsn string) (Storage, error) { return storagefactory.NewStorageFromDSN(dsn) }

func NewTransport(url string, timeout time.Duration, logger *slog.Logger) (Transport, error) {
	return transportfactory.NewTransportFromURL(url, transportfactory.Options{Timeout: timeout, Logger: logger})
}

func NewBuffer(st Storage, tr Transport, opts BufferOptions) *Buffer { return buffer.New(st, tr, opts) }

func NewDriver(b *Buffer, opts DriverOptions) *Driver { return scheduler.NewDriver(b, opts) }

// Client wires a buffer to the storage and transport selected by a Config and
// drives it with a ticker. It owns the storage and transport and closes them.
type Client struct {
	*buffer.EventBuffer
	driver    *scheduler.Driver
	storage   storage.Storage
	transport transport.Transport
}

// New builds a Client from cfg. buffer.server_url must be set.
func New(cfg *Config, logger *slog.Logger) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Buffer.ServerURL == "" {
		return nil, errors.New("buffer.server_url is required")
	}

	clientTLS, err := beacontls.ClientConfig(cfg.Transport.CAFile)
	if err != nil {
		return nil, fmt.Errorf("transport tls: %w", err)
	}
	st, err := storagefactory.NewStorageFromDSN(cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	tr, err := transportfactory.NewTransportFromURL(cfg.Buffer.ServerURL, transportfactory.Options{
		Timeout: cfg.Transport.Timeout,
		Headers: cfg.Transport.Headers,
		TLS:     clientTLS,
		Logger:  logger,
	})
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("open transport: %w", err)
	}

	b := buffer.New(st, tr, buffer.Options{Cooldown: cfg.Buffer.Cooldown, Logger: logger})
	d := scheduler.NewDriver(b, scheduler.Options{
		Interval:        cfg.Buffer.TickInterval,
		ShutdownTimeout: cfg.Buffer.ShutdownTimeout,
		Logger:          logger,
	})
	return &Client{EventBuffer: b, driver: d, storage: st, transport: tr}, nil
}

// Start restores persisted events and starts ticking.
func (c *Client) Start(ctx context.Context) error { return c.driver.Start(ctx) }

// Stop stops ticking and persists unsent events.
func (c *Client) Stop() error { return c.driver.Stop() }

// Run starts the client and blocks until ctx is done.
func (c *Client) Run(ctx context.Context) error { return c.driver.Run(ctx) }

// Close releases the transport and storage. Call it after Stop.
func (c *Client) Close() error {
	return errors.Join(c.transport.Close(), c.storage.Close())
}

// CollectorTLS is the collector's HTTPS configuration.
type CollectorTLS = beacontls.Config

// NewCollector opens the collector event store at dsn and returns an HTTP
// server for it. When tlsCfg is enabled the server's TLSConfig is set and it
// must be started with ListenAndServeTLS("", ""). Closing the returned store
// is up to the caller.
func NewCollector(addr, basePath, dsn string, tlsCfg CollectorTLS, logger *slog.Logger) (*http.Server, *collector.Store, error) {
	serverTLS, err := beacontls.ServerConfig(tlsCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("collector tls: %w", err)
	}
	st, err := collector.NewStore(dsn)
	if err != nil {
		return nil, nil, err
	}
	srv := collector.NewServer(st, basePath, logger).NewHTTPServer(addr)
	srv.TLSConfig = serverTLS
	return srv, st, nil
}

// Metrics helpers

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

func RegisterMetricsDefault() error { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics. It blocks until
// the server fails.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
