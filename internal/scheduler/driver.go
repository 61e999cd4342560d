package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	DefaultInterval        = time.Second
	DefaultShutdownTimeout = 5 * time.Second
)

// Lifecycle is the set of hooks a Driver invokes. *buffer.EventBuffer implements it.
type Lifecycle interface {
	OnStartup(ctx context.Context) error
	OnTick(now time.Time) bool
	OnShutdown(ctx context.Context) error
}

// Options configures a Driver. Zero values select the defaults.
type Options struct {
	Interval        time.Duration
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

// Driver calls OnStartup once, then OnTick on every interval until stopped,
// then OnShutdown bounded by the shutdown timeout.
type Driver struct {
	hooks           Lifecycle
	interval        time.Duration
	shutdownTimeout time.Duration
	logger          *slog.Logger

	mu   sync.Mutex
	quit chan struct{}
	done chan struct{}
}

func NewDriver(hooks Lifecycle, opts Options) *Driver {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Driver{
		hooks:           hooks,
		interval:        opts.Interval,
		shutdownTimeout: opts.ShutdownTimeout,
		logger:          opts.Logger.With("component", "scheduler"),
	}
}

// ParseInterval accepts a Go duration ("1s") or the "@every <duration>" form.
func ParseInterval(expr string) (time.Duration, error) {
	expr = strings.TrimSpace(expr)
	expr = strings.TrimSpace(strings.TrimPrefix(expr, "@every "))
	d, err := time.ParseDuration(expr)
	if err != nil {
		return 0, fmt.Errorf("invalid interval: %w", err)
	}
	if d <= 0 {
		return 0, errors.New("interval must be > 0")
	}
	return d, nil
}

// Start runs OnStartup and launches the tick loop. Call Stop to end it.
func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.quit != nil {
		return errors.New("scheduler already started")
	}
	if err := d.hooks.OnStartup(ctx); err != nil {
		return fmt.Errorf("startup: %w", err)
	}
	d.quit = make(chan struct{})
	d.done = make(chan struct{})
	go d.loop(d.quit, d.done)
	d.logger.Debug("scheduler started", "interval", d.interval)
	return nil
}

func (d *Driver) loop(quit, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(d.interval)
	defer t.Stop()
	for {
		select {
		case <-quit:
			return
		case now := <-t.C:
			d.hooks.OnTick(now)
		}
	}
}

// Stop ends the tick loop and runs OnShutdown. Calling Stop on a driver that
// was never started, or twice, is a no-op.
func (d *Driver) Stop() error {
	d.mu.Lock()
	quit, done := d.quit, d.done
	if quit == nil {
		d.mu.Unlock()
		return nil
	}
	select {
	case <-quit:
		// already stopped
		d.mu.Unlock()
		return nil
	default:
		close(quit)
	}
	d.mu.Unlock()

	<-done
	ctx, cancel := context.WithTimeout(context.Background(), d.shutdownTimeout)
	defer cancel()
	if err := d.hooks.OnShutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	d.logger.Debug("scheduler stopped")
	return nil
}

// Run starts the driver and blocks until ctx is done, then stops it.
func (d *Driver) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return d.Stop()
}
