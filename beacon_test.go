package beacon

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/beacon/internal/collector"
	"github.com/loykin/beacon/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

func testConfig(t *testing.T, serverURL string) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Buffer.ServerURL = serverURL
	cfg.Buffer.Cooldown = 10 * time.Millisecond
	cfg.Buffer.TickInterval = 10 * time.Millisecond
	cfg.Buffer.ShutdownTimeout = time.Second
	cfg.Transport.Timeout = time.Second
	cfg.Storage.DSN = "sqlite://" + filepath.Join(t.TempDir(), "state.db")
	return cfg
}

func TestClientDeliversToCollector(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store, err := collector.NewStore(":memory:")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer func() { _ = store.Close() }()
	srv := httptest.NewServer(collector.NewServer(store, "", nil).Handler())
	defer srv.Close()

	c, err := New(testConfig(t, srv.URL+"/events"), nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer func() { _ = c.Close() }()
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	c.TrackEvent("click", "btn1")
	c.TrackEvent("view", "page2")

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := store.Count(context.Background(), ""); n == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if n, _ := store.Count(context.Background(), ""); n != 2 {
		t.Fatalf("expected 2 collected events, got %d", n)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestClientPersistsWhenCollectorDown(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	cfg := testConfig(t, down.URL)
	c, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	c.TrackEvent("click", "btn1")
	if err := c.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// A second session over the same storage picks the event up again.
	st, err := NewStorage(cfg.Storage.DSN)
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	defer func() { _ = st.Close() }()
	b := NewBuffer(st, nil, BufferOptions{})
	if err := b.OnStartup(context.Background()); err != nil {
		t.Fatalf("startup: %v", err)
	}
	got := b.Pending()
	if len(got) != 1 || got[0] != (Event{Type: "click", Data: "btn1"}) {
		t.Fatalf("unexpected restored events: %+v", got)
	}
}

func TestNewRequiresServerURL(t *testing.T) {
	if _, err := New(DefaultConfig(), nil); err == nil {
		t.Fatalf("expected error without server url")
	}
	cfg := DefaultConfig()
	cfg.Buffer.ServerURL = "ftp://example.com"
	cfg.Storage.DSN = t.TempDir()
	if _, err := New(cfg, nil); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
}

func TestMetricsHelpers(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := RegisterMetrics(reg); err != nil {
		t.Fatalf("RegisterMetrics: %v", err)
	}
	if err := RegisterMetricsDefault(); err != nil {
		t.Fatalf("RegisterMetricsDefault: %v", err)
	}
	srv := httptest.NewServer(metrics.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain") {
		t.Fatalf("unexpected metrics response: %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
}

func TestClientDeliversOverTLS(t *testing.T) {
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()
	srv, store, err := NewCollector("127.0.0.1:0", "", ":memory:",
		CollectorTLS{Enabled: true, Dir: dir, AutoGenerate: true}, nil)
	if err != nil {
		t.Fatalf("collector: %v", err)
	}
	defer func() { _ = store.Close() }()
	if srv.TLSConfig == nil {
		t.Fatalf("expected TLS config on collector server")
	}
	// Served on a plain listener so the generated certificate is the only one offered.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = srv.ServeTLS(ln, "", "") }()
	defer func() { _ = srv.Close() }()

	cfg := testConfig(t, "https://"+ln.Addr().String()+"/events")
	cfg.Transport.CAFile = filepath.Join(dir, "tls_ca.crt")
	c, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer func() { _ = c.Close() }()
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	c.TrackEvent("click", "btn1")

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := store.Count(context.Background(), ""); n == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if n, _ := store.Count(context.Background(), ""); n != 1 {
		t.Fatalf("expected 1 collected event over TLS, got %d", n)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestNewRejectsMissingCAFile(t *testing.T) {
	cfg := testConfig(t, "https://localhost/events")
	cfg.Transport.CAFile = filepath.Join(t.TempDir(), "nope.crt")
	if _, err := New(cfg, nil); err == nil {
		t.Fatalf("expected error for missing CA file")
	}
}
