package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/beacon/internal/event"
)

const (
	// PayloadIDHeader carries the payload IDs of a batch (see event.FormatSegments)
	// so a collector can drop events it already stored.
	PayloadIDHeader = "X-Beacon-Payload-ID"

	DefaultTimeout = 10 * time.Second
)

// HTTPConfig configures HTTPTransport.
type HTTPConfig struct {
	URL     string
	Timeout time.Duration
	Headers http.Header
	Client  *http.Client // optional; overrides Timeout
	Logger  *slog.Logger
}

// HTTPTransport posts batches as a form with a single Analytics field.
// Any 2xx status acknowledges the payload; everything else is a failure.
type HTTPTransport struct {
	url     string
	client  *http.Client
	headers http.Header
	logger  *slog.Logger
}

func NewHTTPTransport(cfg HTTPConfig) (*HTTPTransport, error) {
	u := strings.TrimSpace(cfg.URL)
	if u == "" {
		return nil, errors.New("empty collector URL")
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPTransport{url: u, client: client, headers: cfg.Headers.Clone(), logger: logger}, nil
}

func (t *HTTPTransport) Send(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, strings.NewReader(event.EncodeForm(payload)))
	if err != nil {
		return fmt.Errorf("%w: build request: %w", ErrTransport, err)
	}
	for k, vv := range t.headers {
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	payloadID := event.FormatSegments(SegmentsFrom(ctx))
	if payloadID == "" {
		payloadID = uuid.NewString()
	}
	req.Header.Set(PayloadIDHeader, payloadID)

	t.logger.Debug("posting events", slog.String("url", t.url), slog.Int("bytes", len(payload)),
		slog.String("payload_id", payloadID))

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: post %s: %w", ErrTransport, t.url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: collector status %d", ErrTransport, resp.StatusCode)
	}
	return nil
}

func (t *HTTPTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
