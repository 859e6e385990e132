package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/meteoradja-ytmjk/ozanglive/internal/health"
	"github.com/meteoradja-ytmjk/ozanglive/internal/metrics"
	"github.com/meteoradja-ytmjk/ozanglive/internal/orchestrator"
	"github.com/meteoradja-ytmjk/ozanglive/internal/reconciler"
	"github.com/meteoradja-ytmjk/ozanglive/internal/stream"
)

// StateSource exposes the in-memory tracker state.
type StateSource interface {
	Snapshot() orchestrator.Snapshot
}

// Records reads persisted streams.
type Records interface {
	GetByID(ctx context.Context, id string) (stream.Record, error)
}

type Options struct {
	BasePath string
	Metrics  bool
	// Ready reports whether the service can serve; nil means always ready.
	Ready func(ctx context.Context) error
}

// Router provides the operational HTTP endpoints.
// Endpoints:
//
//	GET {basePath}/healthz
//	GET {basePath}/metrics             (when enabled)
//	GET {basePath}/debug/streams       tracker state of every component
//	GET {basePath}/debug/streams/:id   persisted record plus tracker state
type Router struct {
	state    StateSource
	records  Records
	opts     Options
	basePath string
}

func NewRouter(state StateSource, records Records, opts Options) *Router {
	return &Router{state: state, records: records, opts: opts, basePath: cleanBasePath(opts.BasePath)}
}

// cleanBasePath turns " ops/ " into "/ops" and "/" into "".
func cleanBasePath(bp string) string {
	bp = strings.Trim(strings.TrimSpace(bp), "/")
	if bp == "" {
		return ""
	}
	return "/" + bp
}

var streamID = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

func validStreamID(id string) bool {
	return streamID.MatchString(id) && !strings.Contains(id, "..")
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/healthz", r.handleHealth)
	if r.opts.Metrics {
		group.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	group.GET("/debug/streams", r.handleStreams)
	group.GET("/debug/streams/:id", r.handleStream)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr string, r *Router) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server stopped", "listen", addr, "error", err)
		}
	}()
	return server
}

type errorResp struct {
	Error string `json:"error"`
}

type healthResp struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (r *Router) handleHealth(c *gin.Context) {
	if r.opts.Ready != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := r.opts.Ready(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, healthResp{Status: "unavailable", Error: err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, healthResp{Status: "ok"})
}

func (r *Router) handleStreams(c *gin.Context) {
	c.JSON(http.StatusOK, r.state.Snapshot())
}

type streamResp struct {
	Record   stream.Record        `json:"record"`
	Deadline *time.Time           `json:"deadline,omitempty"`
	Guarded  *time.Time           `json:"guarded_at,omitempty"`
	Health   *health.EntryInfo    `json:"health,omitempty"`
	Sync     *reconciler.SyncInfo `json:"sync,omitempty"`
}

func (r *Router) handleStream(c *gin.Context) {
	id := c.Param("id")
	if !validStreamID(id) {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid stream id"})
		return
	}
	rec, err := r.records.GetByID(c.Request.Context(), id)
	if errors.Is(err, stream.ErrNotFound) {
		c.JSON(http.StatusNotFound, errorResp{Error: err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}

	snap := r.state.Snapshot()
	resp := streamResp{Record: rec}
	if d, ok := snap.Deadlines[id]; ok {
		resp.Deadline = &d
	}
	if g, ok := snap.Guard[id]; ok {
		resp.Guarded = &g
	}
	for i := range snap.Health {
		if snap.Health[i].ID == id {
			resp.Health = &snap.Health[i]
		}
	}
	for i := range snap.Sync {
		if snap.Sync[i].ID == id {
			resp.Sync = &snap.Sync[i]
		}
	}
	c.JSON(http.StatusOK, resp)
}
