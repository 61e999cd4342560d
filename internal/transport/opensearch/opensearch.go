package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/beacon/internal/event"
	"github.com/loykin/beacon/internal/transport"
)

// Transport indexes every event of a batch through the OpenSearch _bulk API.
// It constructs URL as: baseURL + "/" + index + "/_bulk".
// When the batch carries payload IDs each document gets a derived _id, so a
// re-sent run overwrites its documents instead of adding copies.
type Transport struct {
	client  *http.Client
	baseURL string
	index   string
}

// DefaultTimeout bounds one _bulk request.
const DefaultTimeout = 5 * time.Second

func New(baseURL, index string) *Transport {
	return NewWithClient(baseURL, index, &http.Client{Timeout: DefaultTimeout})
}

// NewWithClient uses c for every request, e.g. one trusting a private CA.
func NewWithClient(baseURL, index string, c *http.Client) *Transport {
	return &Transport{client: c, baseURL: strings.TrimRight(baseURL, "/"), index: index}
}

type bulkResponse struct {
	Errors bool `json:"errors"`
}

func (t *Transport) Send(ctx context.Context, payload []byte) error {
	events, err := event.Decode(payload)
	if err != nil {
		return fmt.Errorf("%w: %w", transport.ErrTransport, err)
	}
	if len(events) == 0 {
		return nil
	}
	ids := documentIDs(transport.SegmentsFrom(ctx), len(events))
	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for i, e := range events {
		action := map[string]any{}
		if ids != nil {
			action["_id"] = ids[i]
		}
		_ = enc.Encode(map[string]any{"index": action})
		_ = enc.Encode(e)
	}

	u := fmt.Sprintf("%s/%s/_bulk", t.baseURL, t.index)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, &body)
	if err != nil {
		return fmt.Errorf("%w: build request: %w", transport.ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", transport.ErrTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: opensearch status %d", transport.ErrTransport, resp.StatusCode)
	}
	// _bulk answers 200 even when single items fail
	var br bulkResponse
	b, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(b, &br); err == nil && br.Errors {
		return fmt.Errorf("%w: opensearch rejected some documents", transport.ErrTransport)
	}
	return nil
}

// documentIDs names event i of a segment "<segment id>-<i>". It returns nil
// when segs do not describe all n events.
func documentIDs(segs []event.Segment, n int) []string {
	if len(segs) == 0 || event.Covered(segs) != n {
		return nil
	}
	ids := make([]string, 0, n)
	for _, s := range segs {
		for i := 0; i < s.Count; i++ {
			ids = append(ids, s.ID+"-"+strconv.Itoa(i))
		}
	}
	return ids
}

func (t *Transport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
