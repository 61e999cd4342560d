package collector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/beacon/internal/buffer"
	"github.com/loykin/beacon/internal/event"
	"github.com/loykin/beacon/internal/storage"
	"github.com/loykin/beacon/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupServer(t *testing.T, base string) (*Store, http.Handler) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	s := newMemStore(t)
	return s, NewServer(s, base, nil).Handler()
}

func postForm(t *testing.T, h http.Handler, path string, form url.Values, payloadID string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if payloadID != "" {
		req.Header.Set(transport.PayloadIDHeader, payloadID)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func getJSON(t *testing.T, h http.Handler, path string, out any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if out != nil && rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec.Code
}

func analyticsForm(t *testing.T, events ...event.Event) url.Values {
	t.Helper()
	payload, err := event.Encode(events)
	require.NoError(t, err)
	return url.Values{event.FormField: {string(payload)}}
}

func TestIngestStoresEvents(t *testing.T) {
	_, h := setupServer(t, "/beacon")
	rec := postForm(t, h, "/beacon/events", analyticsForm(t, event.New("click", "btn1"), event.New("view", "page2")), "id-1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp ingestResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Accepted)
	assert.False(t, resp.Duplicate)

	var cnt countResp
	require.Equal(t, http.StatusOK, getJSON(t, h, "/beacon/events/count", &cnt))
	assert.Equal(t, int64(2), cnt.Count)
	require.Equal(t, http.StatusOK, getJSON(t, h, "/beacon/events/count?type=view", &cnt))
	assert.Equal(t, int64(1), cnt.Count)

	var list []Received
	require.Equal(t, http.StatusOK, getJSON(t, h, "/beacon/events?limit=1", &list))
	require.Len(t, list, 1)
	assert.Equal(t, "view", list[0].Type)
}

func TestIngestDuplicatePayload(t *testing.T) {
	_, h := setupServer(t, "")
	form := analyticsForm(t, event.New("click", "btn1"))

	require.Equal(t, http.StatusOK, postForm(t, h, "/events", form, "dup").Code)
	rec := postForm(t, h, "/events", form, "dup")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ingestResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Duplicate)

	var cnt countResp
	getJSON(t, h, "/events/count", &cnt)
	assert.Equal(t, int64(1), cnt.Count)
}

func TestIngestPartiallyKnownPayload(t *testing.T) {
	_, h := setupServer(t, "")
	require.Equal(t, http.StatusOK, postForm(t, h, "/events", analyticsForm(t, event.New("click", "btn1")), "first").Code)

	rec := postForm(t, h, "/events", analyticsForm(t, event.New("click", "btn1"), event.New("view", "page2")), "first:1,second:1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp ingestResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Accepted)
	assert.True(t, resp.Duplicate)

	var cnt countResp
	getJSON(t, h, "/events/count", &cnt)
	assert.Equal(t, int64(2), cnt.Count)

	rec = postForm(t, h, "/events", analyticsForm(t, event.New("click", "btn1")), "x:1,y:1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestRejectsBadRequests(t *testing.T) {
	_, h := setupServer(t, "")

	rec := postForm(t, h, "/events", url.Values{"Other": {"x"}}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postForm(t, h, "/events", url.Values{event.FormField: {"{not json"}}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, h, "/events?limit=zero", nil))
}

func TestHealthz(t *testing.T) {
	_, h := setupServer(t, "/")
	var body map[string]string
	require.Equal(t, http.StatusOK, getJSON(t, h, "/healthz", &body))
	assert.Equal(t, "ok", body["status"])
}

func TestListEmpty(t *testing.T) {
	_, h := setupServer(t, "")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

// End to end: buffer -> HTTP form transport -> collector -> SQLite.
func TestBufferDeliversToCollector(t *testing.T) {
	store, h := setupServer(t, "")
	srv := httptest.NewServer(h)
	defer srv.Close()

	tr, err := transport.NewHTTPTransport(transport.HTTPConfig{URL: srv.URL + "/events", Timeout: 2 * time.Second})
	require.NoError(t, err)
	defer func() { _ = tr.Close() }()

	st, err := storage.NewFileStorage(t.TempDir())
	require.NoError(t, err)

	b := buffer.New(st, tr, buffer.Options{Cooldown: time.Millisecond})
	require.NoError(t, b.OnStartup(context.Background()))
	b.TrackEvent("click", "btn1")
	b.TrackEvent("view", "page2")
	require.True(t, b.OnTick(time.Now()))

	require.Eventually(t, func() bool {
		n, err := store.Count(context.Background(), "")
		return err == nil && n == 2 && !b.Sending()
	}, 5*time.Second, 10*time.Millisecond)

	assert.Empty(t, b.Pending())
	require.NoError(t, b.OnShutdown(context.Background()))
	exists, err := st.Exists(context.Background())
	require.NoError(t, err)
	assert.False(t, exists)
}

// A batch the collector stored but never acknowledged is not stored again
// after the client gives up on it, persists it and sends it from a new session.
func TestAbandonedBatchIsNotStoredTwice(t *testing.T) {
	store, h := setupServer(t, "")
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		if calls.Add(1) == 1 {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(5 * time.Second):
			}
		}
		w.WriteHeader(rec.Code)
		_, _ = w.Write(rec.Body.Bytes())
	}))
	defer srv.Close()

	newTransport := func() *transport.HTTPTransport {
		tr, err := transport.NewHTTPTransport(transport.HTTPConfig{URL: srv.URL + "/events", Timeout: 10 * time.Second})
		require.NoError(t, err)
		t.Cleanup(func() { _ = tr.Close() })
		return tr
	}
	st, err := storage.NewFileStorage(t.TempDir())
	require.NoError(t, err)

	first := buffer.New(st, newTransport(), buffer.Options{Cooldown: time.Millisecond})
	first.TrackEvent("click", "btn1")
	require.True(t, first.OnTick(time.Now()))
	require.Eventually(t, func() bool {
		n, err := store.Count(context.Background(), "")
		return err == nil && n == 1
	}, 5*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.NoError(t, first.OnShutdown(ctx))

	second := buffer.New(st, newTransport(), buffer.Options{Cooldown: time.Millisecond})
	require.NoError(t, second.OnStartup(context.Background()))
	require.True(t, second.OnTick(time.Now()))
	require.Eventually(t, func() bool { return !second.Sending() }, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, uint64(1), second.Stats().Delivered)
	n, err := store.Count(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
