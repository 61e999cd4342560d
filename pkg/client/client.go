package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Client reads from a beacon collector's query endpoints.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string // collector root including any base path, e.g. https://host:8080/analytics
	Timeout  time.Duration
	Logger   *slog.Logger
	CACert   string // PEM file trusted in addition to the system roots
	Insecure bool   // Skip TLS verification
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080",
		Timeout: 10 * time.Second,
	}
}

// New creates a collector query client.
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.CACert != "" || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			return nil, fmt.Errorf("TLS setup: %w", err)
		}
		transport.TLSClientConfig = tlsConfig
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}, nil
}

// IsReachable reports whether the collector answers its health check.
func (c *Client) IsReachable(ctx context.Context) bool {
	err := c.getJSON(ctx, c.baseURL+"/healthz", nil)
	c.logger.Debug("Collector reachability check", "reachable", err == nil, "error", err)
	return err == nil
}

// Count returns the number of stored events, optionally of one type.
func (c *Client) Count(ctx context.Context, typ string) (int64, error) {
	u := c.baseURL + "/events/count"
	if typ != "" {
		u += "?type=" + url.QueryEscape(typ)
	}
	var resp CountResponse
	if err := c.getJSON(ctx, u, &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// Recent returns up to limit stored events, newest first. limit <= 0 uses the collector default.
func (c *Client) Recent(ctx context.Context, limit int) ([]ReceivedEvent, error) {
	u := c.baseURL + "/events"
	if limit > 0 {
		u += "?limit=" + strconv.Itoa(limit)
	}
	var events []ReceivedEvent
	if err := c.getJSON(ctx, u, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true // #nosec G402 explicit opt-in
		return tlsConfig, nil
	}
	if err := loadCACert(tlsConfig, config.CACert); err != nil {
		return nil, fmt.Errorf("failed to load CA certificate: %w", err)
	}
	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(filepath.Clean(caCertPath))
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}

	caCertPool, err := x509.SystemCertPool()
	if err != nil || caCertPool == nil {
		caCertPool = x509.NewCertPool()
	}
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return errors.New("failed to parse CA certificate")
	}

	tlsConfig.RootCAs = caCertPool
	return nil
}

// getJSON performs a GET and decodes a 200 response into out (if non-nil).
func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "url", url)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := c.handleErrorResponse(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}

	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil || errorResp.Error == "" {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return fmt.Errorf("API error: %s", errorResp.Error)
}
