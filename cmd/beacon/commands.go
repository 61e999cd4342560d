package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/loykin/beacon"
	"github.com/loykin/beacon/internal/event"
	"github.com/loykin/beacon/internal/metrics"
	"github.com/loykin/beacon/pkg/client"
	"github.com/prometheus/client_golang/prometheus"
)

// shutdownGrace bounds how long a stopping server waits for in-flight requests.
const shutdownGrace = 5 * time.Second

type command struct {
	global *GlobalFlags
	in     io.Reader
	out    io.Writer
	errOut io.Writer
}

func (c command) loadConfig() (*beacon.Config, error) {
	cfg, err := beacon.LoadConfig(c.global.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	if c.global.LogLevel != "" {
		cfg.Log.Slog.Level = c.global.LogLevel
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (c command) newLogger(cfg *beacon.Config) (*slog.Logger, io.Closer) {
	return cfg.Log.NewSlogger(c.errOut)
}

// startMetrics registers and serves the Prometheus metrics when enabled.
// The returned func stops the resource sampler.
func (c command) startMetrics(ctx context.Context, cfg *beacon.Config, logger *slog.Logger) func() {
	if !cfg.Metrics.Enabled {
		return func() {}
	}
	if err := beacon.RegisterMetricsDefault(); err != nil {
		logger.Warn("failed to register metrics", "error", err)
		return func() {}
	}
	stop := func() {}
	if cfg.Metrics.Resources.Enabled {
		sampler, err := metrics.NewResourceSampler(cfg.Metrics.Resources, logger)
		if err == nil {
			err = sampler.RegisterMetrics(prometheus.DefaultRegisterer)
		}
		if err != nil {
			logger.Warn("resource sampling disabled", "error", err)
		} else {
			sampler.Start(ctx)
			stop = sampler.Stop
		}
	}
	go func() {
		if err := beacon.ServeMetrics(cfg.Metrics.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()
	logger.Info("serving metrics", "listen", cfg.Metrics.Listen)
	return stop
}

// Run starts the buffer with its ticker and tracks every NDJSON event read
// from the input. It returns when ctx is done, or when the input ends and the
// queue drained if exitOnEOF is set.
func (c command) Run(ctx context.Context, f RunFlags, exitOnEOF bool) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	if f.ServerURL != "" {
		cfg.Buffer.ServerURL = f.ServerURL
	}
	if f.Storage != "" {
		cfg.Storage.DSN = f.Storage
	}
	if f.Cooldown > 0 {
		cfg.Buffer.Cooldown = f.Cooldown
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Buffer.ServerURL == "" {
		return errors.New("server url required. Use --server-url or [buffer].server_url in the config")
	}

	logger, closer := c.newLogger(cfg)
	defer func() { _ = closer.Close() }()
	defer c.startMetrics(ctx, cfg, logger)()

	client, err := beacon.New(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	if err := client.Start(ctx); err != nil {
		return err
	}
	logger.Info("beacon started", "server_url", cfg.Buffer.ServerURL, "cooldown", cfg.Buffer.Cooldown)

	in, closeIn, err := c.openInput(f.Input)
	if err != nil {
		_ = client.Stop()
		return err
	}
	defer closeIn()

	eof := make(chan struct{})
	go func() {
		defer close(eof)
		n, bad := trackLines(in, client.TrackEvent)
		if bad > 0 {
			logger.Warn("skipped malformed input lines", "count", bad)
		}
		logger.Debug("input closed", "events", n)
	}()

	select {
	case <-ctx.Done():
	case <-eof:
		if exitOnEOF {
			waitDrained(ctx, client, cfg.Buffer.ShutdownTimeout+cfg.Buffer.Cooldown)
			break
		}
		<-ctx.Done()
	}

	logger.Info("shutting down")
	return client.Stop()
}

func (c command) openInput(path string) (io.Reader, func(), error) {
	if path == "" || path == "-" {
		return c.in, func() {}, nil
	}
	fh, err := os.Open(path) // #nosec G304 -- path is an operator-provided flag
	if err != nil {
		return nil, nil, fmt.Errorf("open input: %w", err)
	}
	return fh, func() { _ = fh.Close() }, nil
}

// trackLines decodes one JSON event per line. Blank lines are ignored.
func trackLines(r io.Reader, track func(typ, data string)) (n, bad int) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e event.Event
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			bad++
			continue
		}
		track(e.Type, e.Data)
		n++
	}
	return n, bad
}

// waitDrained polls until nothing is pending or in flight, or the limit passes.
func waitDrained(ctx context.Context, c *beacon.Client, limit time.Duration) {
	deadline := time.Now().Add(limit)
	t := time.NewTicker(20 * time.Millisecond)
	defer t.Stop()
	for time.Now().Before(deadline) {
		st := c.Stats()
		if st.Pending == 0 && st.InFlight == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Track queues one event in durable storage; the next run or flush sends it.
func (c command) Track(ctx context.Context, f TrackFlags, typ, data string) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	if f.Storage != "" {
		cfg.Storage.DSN = f.Storage
	}
	logger, closer := c.newLogger(cfg)
	defer func() { _ = closer.Close() }()

	st, err := beacon.NewStorage(cfg.Storage.DSN)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	n, err := appendEvent(ctx, st, event.New(typ, data))
	if err != nil {
		return err
	}
	logger.Debug("event queued", "type", typ, "queued", n)
	_, _ = fmt.Fprintf(c.out, "queued %d event(s)\n", n)
	return nil
}

// appendEvent adds e to the persisted state with a single Save, keeping the
// payload IDs of events sent before. A state that cannot be decoded is left
// alone and reported.
func appendEvent(ctx context.Context, st beacon.Storage, e event.Event) (int, error) {
	payload, ok, err := st.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("load persisted events: %w", err)
	}
	var events []event.Event
	var segs []event.Segment
	if ok {
		events, segs, err = event.DecodeState(payload)
		if err != nil {
			return 0, fmt.Errorf("persisted events: %w", err)
		}
	}
	events = append(events, e)
	out, err := event.EncodeState(events, segs)
	if err != nil {
		return 0, err
	}
	if err := st.Save(ctx, out); err != nil {
		return 0, fmt.Errorf("persist events: %w", err)
	}
	return len(events), nil
}

// Flush makes one send attempt for everything in durable storage and
// persists whatever could not be delivered.
func (c command) Flush(ctx context.Context, f FlushFlags) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	if f.ServerURL != "" {
		cfg.Buffer.ServerURL = f.ServerURL
	}
	if f.Storage != "" {
		cfg.Storage.DSN = f.Storage
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, closer := c.newLogger(cfg)
	defer func() { _ = closer.Close() }()

	client, err := beacon.New(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	if err := client.OnStartup(ctx); err != nil {
		return err
	}
	if !client.OnTick(time.Now()) {
		_, _ = fmt.Fprintln(c.out, "nothing to flush")
		return client.OnShutdown(ctx)
	}

	wait := f.Wait
	if wait <= 0 {
		wait = cfg.Transport.Timeout + time.Second
	}
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	if err := client.OnShutdown(waitCtx); err != nil {
		return err
	}

	st := client.Stats()
	_, _ = fmt.Fprintf(c.out, "delivered %d event(s), %d remaining\n", st.Delivered, st.Pending)
	if st.Pending > 0 {
		return fmt.Errorf("flush failed: %d event(s) kept for the next attempt", st.Pending)
	}
	return nil
}

// Inspect prints the persisted events without consuming them.
func (c command) Inspect(ctx context.Context, f InspectFlags) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	if f.Storage != "" {
		cfg.Storage.DSN = f.Storage
	}
	st, err := beacon.NewStorage(cfg.Storage.DSN)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	payload, ok, err := st.Load(ctx)
	if err != nil {
		return err
	}
	var events []beacon.Event
	if ok {
		events, err = event.Decode(payload)
		if err != nil {
			return err
		}
	}

	if f.JSON {
		if events == nil {
			events = []beacon.Event{}
		}
		printJSON(c.out, events)
		return nil
	}
	if len(events) == 0 {
		_, _ = fmt.Fprintln(c.out, "no persisted events")
		return nil
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TYPE\tDATA")
	for _, e := range events {
		_, _ = fmt.Fprintf(tw, "%s\t%s\n", e.Type, e.Data)
	}
	_ = tw.Flush()
	_, _ = fmt.Fprintf(c.out, "%d persisted event(s)\n", len(events))
	return nil
}

// Collector serves the local collector until ctx is done.
func (c command) Collector(ctx context.Context, f CollectorFlags) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	if f.Listen != "" {
		cfg.Collector.Listen = f.Listen
	}
	if f.DSN != "" {
		cfg.Collector.DSN = f.DSN
	}
	logger, closer := c.newLogger(cfg)
	defer func() { _ = closer.Close() }()
	defer c.startMetrics(ctx, cfg, logger)()

	srv, store, err := beacon.NewCollector(cfg.Collector.Listen, f.BasePath, cfg.Collector.DSN, cfg.Collector.TLS, logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	errCh := make(chan error, 1)
	go func() {
		if srv.TLSConfig != nil {
			errCh <- srv.ListenAndServeTLS("", "")
			return
		}
		errCh <- srv.ListenAndServe()
	}()
	logger.Info("collector listening", "listen", cfg.Collector.Listen, "dsn", cfg.Collector.DSN,
		"tls", srv.TLSConfig != nil)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// Query prints what a collector has received.
func (c command) Query(ctx context.Context, f QueryFlags) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	logger, closer := c.newLogger(cfg)
	defer func() { _ = closer.Close() }()

	base := f.CollectorURL
	if base == "" {
		base = localCollectorURL(cfg.Collector.Listen, cfg.Collector.TLS.Enabled)
	}
	cl, err := client.New(client.Config{
		BaseURL:  base,
		Timeout:  cfg.Transport.Timeout,
		Logger:   logger,
		CACert:   f.CACert,
		Insecure: f.Insecure,
	})
	if err != nil {
		return err
	}

	if f.CountOnly {
		n, err := cl.Count(ctx, f.Type)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(c.out, n)
		return nil
	}

	events, err := cl.Recent(ctx, f.Limit)
	if err != nil {
		return err
	}
	if f.JSON {
		printJSON(c.out, events)
		return nil
	}
	if len(events) == 0 {
		_, _ = fmt.Fprintln(c.out, "no events received")
		return nil
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tRECEIVED\tTYPE\tDATA")
	for _, e := range events {
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", e.ID, e.ReceivedAt.Format(time.RFC3339), e.Type, e.Data)
	}
	_ = tw.Flush()
	return nil
}

// localCollectorURL turns a listen address like ":8080" into a URL on localhost.
func localCollectorURL(listen string, https bool) string {
	scheme := "http"
	if https {
		scheme = "https"
	}
	if strings.HasPrefix(listen, ":") {
		listen = "localhost" + listen
	}
	return scheme + "://" + listen
}
