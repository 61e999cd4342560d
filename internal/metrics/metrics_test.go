package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	// idempotent: calling again should be no-op
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	IncTracked()
	IncTracked()
	AddRequeued(2)
	ObserveSend(ResultSuccess, 0.25)
	ObserveSend(ResultFailure, 1.5)
	SetPending(4)
	AddPersisted(3)
	AddRestored(3)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	wantNames := map[string]bool{
		"beacon_buffer_events_tracked_total":   false,
		"beacon_buffer_events_requeued_total":  false,
		"beacon_buffer_batches_sent_total":     false,
		"beacon_buffer_send_duration_seconds":  false,
		"beacon_buffer_pending_events":         false,
		"beacon_storage_events_persisted_total": false,
		"beacon_storage_events_restored_total":  false,
	}
	for _, mf := range mfs {
		n := mf.GetName()
		if _, ok := wantNames[n]; ok {
			wantNames[n] = true
			if len(mf.GetMetric()) == 0 {
				t.Fatalf("metric %s has no samples", n)
			}
		}
		if n == "beacon_buffer_pending_events" {
			if v := mf.GetMetric()[0].GetGauge().GetValue(); v != 4 {
				t.Fatalf("pending gauge = %v, want 4", v)
			}
		}
		if n == "beacon_buffer_batches_sent_total" && len(mf.GetMetric()) != 2 {
			t.Fatalf("expected success and failure series, got %d", len(mf.GetMetric()))
		}
	}
	for n, ok := range wantNames {
		if !ok {
			t.Fatalf("expected to find metric %s", n)
		}
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	if err := Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatalf("register default: %v", err)
	}
	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	// Handler serves the default gatherer; Go runtime metrics are always present there.
	if !strings.Contains(string(b), "go_goroutines") {
		t.Fatalf("unexpected metrics body: %s", b)
	}
}
