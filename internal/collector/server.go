package collector

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/beacon/internal/event"
	"github.com/loykin/beacon/internal/transport"
)

// Server receives analytics batches over HTTP.
// Endpoints:
//
//	POST {basePath}/events        form field Analytics = {"events":[...]}
//	GET  {basePath}/events        query: limit=N (default 100), newest first
//	GET  {basePath}/events/count  query: type=... (optional)
//	GET  {basePath}/healthz
//
// X-Beacon-Payload-ID names the batch, or runs of it as "id:count,...". Events
// under an ID that was already stored are acknowledged without storing them again.
type Server struct {
	store    *Store
	basePath string
	logger   *slog.Logger
}

func NewServer(store *Store, basePath string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{store: store, basePath: sanitizeBase(basePath), logger: logger.With("component", "collector")}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (s *Server) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(s.basePath)
	group.POST("/events", s.handleIngest)
	group.GET("/events", s.handleList)
	group.GET("/events/count", s.handleCount)
	group.GET("/healthz", s.handleHealth)
	return g
}

// NewHTTPServer wraps the handler in an http.Server with conservative timeouts.
// The caller starts it with ListenAndServe and stops it with Shutdown.
func (s *Server) NewHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

type errorResp struct {
	Error string `json:"error"`
}

type ingestResp struct {
	Accepted  int  `json:"accepted"`
	Duplicate bool `json:"duplicate,omitempty"`
}

type countResp struct {
	Count int64 `json:"count"`
}

func (s *Server) handleIngest(c *gin.Context) {
	raw, ok := c.GetPostForm(event.FormField)
	if !ok {
		c.JSON(http.StatusBadRequest, errorResp{Error: "missing form field " + event.FormField})
		return
	}
	events, err := event.Decode([]byte(raw))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}

	payloadID := c.GetHeader(transport.PayloadIDHeader)
	segs, err := event.ParseSegments(payloadID, len(events))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	stored, skipped, err := s.store.InsertSegments(c.Request.Context(), segs, events)
	if err != nil {
		s.logger.Error("store events", "error", err, "events", len(events))
		c.JSON(http.StatusInternalServerError, errorResp{Error: "failed to store events"})
		return
	}
	if skipped > 0 {
		s.logger.Debug("duplicate payload acknowledged", "payload_id", payloadID, "stored", stored)
		c.JSON(http.StatusOK, ingestResp{Accepted: stored, Duplicate: true})
		return
	}
	s.logger.Debug("events stored", "events", stored, "payload_id", payloadID)
	c.JSON(http.StatusOK, ingestResp{Accepted: stored})
}

func (s *Server) handleList(c *gin.Context) {
	limit := 100
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, errorResp{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}
	events, err := s.store.Recent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if events == nil {
		events = []Received{}
	}
	c.JSON(http.StatusOK, events)
}

func (s *Server) handleCount(c *gin.Context) {
	n, err := s.store.Count(c.Request.Context(), c.Query("type"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, countResp{Count: n})
}

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	return strings.TrimRight(bp, "/")
}
