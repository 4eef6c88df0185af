package server

import (
	"errors"
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/wl-restart/internal/metrics"
	"github.com/loykin/wl-restart/internal/supervisor"
)

// StatusSource is what the router reports on; *supervisor.Supervisor implements it.
type StatusSource interface {
	Status() supervisor.Status
}

// Router provides read-only HTTP handlers for a running supervisor.
// Endpoints:
//
//	GET {basePath}/status   JSON snapshot of the supervisor
//	GET {basePath}/metrics  Prometheus exposition
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	src      StatusSource
	basePath string
	metrics  http.Handler
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(src StatusSource, basePath string) *Router {
	return &Router{src: src, basePath: mountPoint(basePath), metrics: metrics.Handler()}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/metrics", gin.WrapH(r.metrics))
	return g
}

// NewServer listens on addr and serves the router in the background.
// Close or Shutdown the returned server to stop it.
func NewServer(addr, basePath string, src StatusSource) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           NewRouter(src, basePath).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			_ = ln.Close()
		}
	}()
	return server, nil
}

type statusResp struct {
	supervisor.Status
	Healthy bool `json:"healthy"`
}

func (r *Router) handleStatus(c *gin.Context) {
	st := r.src.Status()
	c.JSON(http.StatusOK, statusResp{
		Status:  st,
		Healthy: st.State != supervisor.StateFailed,
	})
}

// mountPoint normalises a base path to "" or "/a/b" without a trailing slash.
func mountPoint(bp string) string {
	bp = strings.Trim(strings.TrimSpace(bp), "/")
	if bp == "" {
		return ""
	}
	return path.Clean("/" + bp)
}
