package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/servermgr/internal/config"
	"github.com/loykin/servermgr/internal/errdefs"
	"github.com/loykin/servermgr/internal/lifecycle"
	"github.com/loykin/servermgr/internal/metrics"
)

// Controller is the slice of a server manager the HTTP surface needs.
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	State() lifecycle.State
	PID() int
	Alive() (bool, error)
	Config() config.Server
}

// Router provides embeddable HTTP handlers for one managed server.
// Endpoints:
//
//	POST {basePath}/start
//	POST {basePath}/stop
//	GET  {basePath}/status
//	GET  {basePath}/metrics
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	ctl      Controller
	basePath string
}

func NewRouter(ctl Controller, basePath string) *Router {
	return &Router{ctl: ctl, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server or mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.GET("/status", r.handleStatus)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
// Shut it down via the returned http.Server.
func NewServer(addr, basePath string, ctl Controller) *http.Server {
	r := NewRouter(ctl, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type statusResp struct {
	Name    string `json:"name"`
	State   string `json:"state"`
	Running bool   `json:"running"`
	Alive   bool   `json:"alive"`
	PID     int    `json:"pid,omitempty"`
	Addr    string `json:"addr"`
	DataDir string `json:"data_dir"`
}

func (r *Router) handleStart(c *gin.Context) {
	if err := r.ctl.Start(c.Request.Context()); err != nil {
		c.JSON(statusForErr(err), errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStop(c *gin.Context) {
	if err := r.ctl.Stop(c.Request.Context()); err != nil {
		c.JSON(statusForErr(err), errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStatus(c *gin.Context) {
	cfg := r.ctl.Config()
	alive, _ := r.ctl.Alive()
	st := r.ctl.State()
	c.JSON(http.StatusOK, statusResp{
		Name:    cfg.Name,
		State:   st.String(),
		Running: st == lifecycle.StateRunning,
		Alive:   alive,
		PID:     r.ctl.PID(),
		Addr:    cfg.Host + ":" + strconv.Itoa(cfg.Port),
		DataDir: cfg.DataDir,
	})
}

// statusForErr maps error kinds onto HTTP codes: caller mistakes are 4xx,
// server-side failures are 5xx.
func statusForErr(err error) int {
	switch {
	case errdefs.IsKind(err, errdefs.KindConfig):
		return http.StatusConflict
	case errdefs.IsKind(err, errdefs.KindPermission):
		return http.StatusForbidden
	case errdefs.IsKind(err, errdefs.KindTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
