package tls

import (
	"crypto/tls"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestServerConfigDisabled(t *testing.T) {
	cfg, err := ServerConfig(Config{})
	if err != nil || cfg != nil {
		t.Fatalf("expected nil config, got %v %v", cfg, err)
	}
}

func TestValidate(t *testing.T) {
	cases := []Config{
		{Enabled: true},
		{Enabled: true, CertFile: "a.crt"},
		{Enabled: true, Dir: "x", MinVersion: "1.1"},
	}
	for i, c := range cases {
		if err := c.Validate(); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
	if err := (Config{Enabled: true, Dir: "x", MinVersion: "TLS1.2"}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestServerConfigDirWithoutAutoGenerate(t *testing.T) {
	if _, err := ServerConfig(Config{Enabled: true, Dir: t.TempDir()}); err == nil {
		t.Fatalf("expected error when no certificate exists")
	}
}

func TestAutoGeneratedCertificateIsTrustedByClient(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tls")
	serverTLS, err := ServerConfig(Config{Enabled: true, Dir: dir, AutoGenerate: true, MinVersion: "1.2"})
	if err != nil {
		t.Fatalf("server config: %v", err)
	}
	if serverTLS.MinVersion != tls.VersionTLS12 || serverTLS.MaxVersion != tls.VersionTLS13 {
		t.Fatalf("unexpected versions: %x %x", serverTLS.MinVersion, serverTLS.MaxVersion)
	}
	for _, name := range []string{tlsCrt, tlsKey, tlsCaCrt} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("%s not generated: %v", name, err)
		}
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}),
		TLSConfig:         serverTLS,
		ReadHeaderTimeout: time.Second,
	}
	go func() { _ = srv.ServeTLS(ln, "", "") }()
	defer func() { _ = srv.Close() }()

	clientTLS, err := ClientConfig(CAPath(dir))
	if err != nil {
		t.Fatalf("client config: %v", err)
	}
	client := &http.Client{Transport: &http.Transport{TLSClientConfig: clientTLS}}
	resp, err := client.Get("https://" + ln.Addr().String())
	if err != nil {
		t.Fatalf("get over TLS: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}

	// A second call reuses the generated pair instead of regenerating it.
	before, _ := os.ReadFile(filepath.Join(dir, tlsCrt))
	if _, err := ServerConfig(Config{Enabled: true, Dir: dir, AutoGenerate: true}); err != nil {
		t.Fatalf("server config again: %v", err)
	}
	after, _ := os.ReadFile(filepath.Join(dir, tlsCrt))
	if string(before) != string(after) {
		t.Fatalf("certificate was regenerated")
	}
}

func TestClientConfigErrors(t *testing.T) {
	if cfg, err := ClientConfig(""); err != nil || cfg != nil {
		t.Fatalf("expected nil config for empty CA file")
	}
	if _, err := ClientConfig(filepath.Join(t.TempDir(), "missing.crt")); err == nil {
		t.Fatalf("expected error for missing CA file")
	}
	bad := filepath.Join(t.TempDir(), "bad.crt")
	_ = os.WriteFile(bad, []byte("not pem"), 0o644)
	if _, err := ClientConfig(bad); err == nil {
		t.Fatalf("expected error for non-PEM CA file")
	}
}
