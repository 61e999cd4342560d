package factory

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/loykin/beacon/internal/event"
	"github.com/loykin/beacon/internal/transport"
	"github.com/loykin/beacon/internal/transport/opensearch"
)

func TestNewTransportFromURL_HTTP(t *testing.T) {
	for _, u := range []string{"http://localhost:8080/events", "HTTPS://collector.example.com/events"} {
		tr, err := NewTransportFromURL(u, Options{Timeout: time.Second, Headers: map[string]string{"Authorization": "Bearer x"}})
		if err != nil {
			t.Fatalf("url %q: %v", u, err)
		}
		if _, ok := tr.(*transport.HTTPTransport); !ok {
			t.Fatalf("url %q: expected *transport.HTTPTransport, got %T", u, tr)
		}
	}
}

func TestNewTransportFromURL_OpenSearch(t *testing.T) {
	tr, err := NewTransportFromURL("opensearch://localhost:9200/events", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := tr.(*opensearch.Transport); !ok {
		t.Fatalf("expected *opensearch.Transport, got %T", tr)
	}
}

func TestOpenSearchBaseURL(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"opensearch://localhost:9200/events", "http://localhost:9200"},
		{"elasticsearch://es:9200", "http://es:9200"},
		{"opensearchs://search.example.com/events", "https://search.example.com"},
		{"ELASTICSEARCHS://es:9200", "https://es:9200"},
		{"opensearch://search.example.com/events?tls=true", "https://search.example.com"},
		{"opensearchs://search.example.com/events?tls=false", "http://search.example.com"},
	}
	for _, tt := range tests {
		u, err := url.Parse(tt.raw)
		if err != nil {
			t.Fatalf("parse %q: %v", tt.raw, err)
		}
		got, err := openSearchBaseURL(u)
		if err != nil {
			t.Fatalf("url %q: %v", tt.raw, err)
		}
		if got != tt.want {
			t.Fatalf("url %q: got %q, want %q", tt.raw, got, tt.want)
		}
	}

	if _, err := NewTransportFromURL("opensearch://localhost:9200/events?tls=maybe", Options{}); err == nil {
		t.Fatal("expected error for an invalid tls parameter")
	}
}

func TestNewTransportFromURL_OpenSearchOverTLS(t *testing.T) {
	var path string
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_, _ = w.Write([]byte(`{"errors":false}`))
	}))
	defer srv.Close()

	tlsConf := srv.Client().Transport.(*http.Transport).TLSClientConfig
	raw := "opensearchs://" + strings.TrimPrefix(srv.URL, "https://") + "/events"
	tr, err := NewTransportFromURL(raw, Options{Timeout: 2 * time.Second, TLS: tlsConf})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer func() { _ = tr.Close() }()

	payload, _ := event.Encode([]event.Event{event.New("click", "btn1")})
	if err := tr.Send(context.Background(), payload); err != nil {
		t.Fatalf("send over https: %v", err)
	}
	if path != "/events/_bulk" {
		t.Fatalf("unexpected path %q", path)
	}
}

func TestNewTransportFromURL_Invalid(t *testing.T) {
	for _, u := range []string{"", "   ", "ftp://example.com", "localhost:8080"} {
		if _, err := NewTransportFromURL(u, Options{}); err == nil {
			t.Fatalf("url %q: expected error", u)
		}
	}
}
