// Package server exposes the lifecycle controller over an HTTP admin API.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/craftd/internal/auth"
	"github.com/loykin/craftd/internal/config"
	"github.com/loykin/craftd/internal/lifecycle"
	"github.com/loykin/craftd/internal/provider"
	"github.com/loykin/craftd/internal/remote"
)

const defaultWaitLimit = 15 * time.Minute

// Controller is the lifecycle surface the API drives.
type Controller interface {
	Status() lifecycle.Snapshot
	Start(ctx context.Context, onReady func()) (*lifecycle.Completion, error)
	Stop() (*lifecycle.Completion, error)
	ForceStatus(ctx context.Context, s lifecycle.State) error
	SetInstanceID(id string)
	RunInitialization(ctx context.Context) error
	SendConsoleCommand(ctx context.Context, text string) (string, error)
	RunCommand(ctx context.Context, command string) (remote.Result, error)
}

// Options configures a Router. Balance and Auth are optional.
type Options struct {
	Controller  Controller
	Balance     provider.BalanceReader
	Auth        *auth.Service
	AuthEnabled bool
	BasePath    string
	Logger      *slog.Logger
	// OnReady is passed to every Start; the API caller itself cannot receive it.
	OnReady   func()
	WaitLimit time.Duration
}

// Router provides the admin endpoints under basePath:
//
//	GET  /status
//	POST /start          ?wait=1|<duration>
//	POST /stop           ?wait=1|<duration>
//	POST /force-status   {"state": "up"}
//	POST /instance-id    {"instance_id": "42"}
//	POST /init
//	POST /console        {"command": "list"}
//	POST /exec           {"command": "uptime"}
//	GET  /balance
//	POST /login          {"username": "...", "password": "..."}
type Router struct {
	ctl       Controller
	balance   provider.BalanceReader
	authSvc   *auth.Service
	mw        *auth.Middleware
	basePath  string
	logger    *slog.Logger
	onReady   func()
	waitLimit time.Duration
}

func NewRouter(opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	wl := opts.WaitLimit
	if wl <= 0 {
		wl = defaultWaitLimit
	}
	return &Router{
		ctl:       opts.Controller,
		balance:   opts.Balance,
		authSvc:   opts.Auth,
		mw:        auth.NewMiddleware(opts.Auth, opts.AuthEnabled),
		basePath:  sanitizeBase(opts.BasePath),
		logger:    logger.With("component", "api"),
		onReady:   opts.OnReady,
		waitLimit: wl,
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), r.accessLog())
	group := g.Group(r.basePath)
	group.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, okResp{OK: true}) })
	group.POST("/login", r.handleLogin)

	api := group.Group("", r.mw.GinAuth())
	read := r.mw.GinRequire(auth.ActionRead)
	operate := r.mw.GinRequire(auth.ActionOperate)
	admin := r.mw.GinRequire(auth.ActionAdmin)

	api.GET("/status", read, r.handleStatus)
	api.GET("/balance", read, r.handleBalance)
	api.POST("/start", operate, r.handleStart)
	api.POST("/stop", operate, r.handleStop)
	api.POST("/console", operate, r.handleConsole)
	api.POST("/force-status", admin, r.handleForceStatus)
	api.POST("/instance-id", admin, r.handleInstanceID)
	api.POST("/init", admin, r.handleInit)
	api.POST("/exec", admin, r.handleExec)
	return g
}

func (r *Router) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		r.logger.Debug("request", "method", c.Request.Method, "path", c.FullPath(),
			"status", c.Writer.Status(), "duration", time.Since(start))
	}
}

// NewServer builds the API server. tlsCfg may be nil. WriteTimeout is left
// unset since ?wait requests block for whole workflows.
func NewServer(cfg config.ServerConfig, h http.Handler, tlsCfg *tls.Config) *http.Server {
	return &http.Server{
		Addr:              cfg.Listen,
		Handler:           h,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// --- Handlers ---

type okResp struct {
	OK      bool   `json:"ok"`
	Warning string `json:"warning,omitempty"`
}

// WorkflowResponse reports a start or stop request.
type WorkflowResponse struct {
	Status   lifecycle.Snapshot `json:"status"`
	Finished bool               `json:"finished"`
	Error    string             `json:"error,omitempty"`
}

type forceStatusReq struct {
	State string `json:"state" binding:"required"`
}

type instanceIDReq struct {
	InstanceID string `json:"instance_id"`
}

type commandReq struct {
	Command string `json:"command" binding:"required"`
}

type consoleResp struct {
	Output string `json:"output"`
}

type loginReq struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (r *Router) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, r.ctl.Status())
}

func (r *Router) handleStart(c *gin.Context) {
	wait, err := parseWait(c.Query("wait"), r.waitLimit)
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	done, err := r.ctl.Start(c.Request.Context(), r.onReady)
	if err != nil {
		respondErr(c, err)
		return
	}
	r.respondWorkflow(c, done, wait)
}

func (r *Router) handleStop(c *gin.Context) {
	wait, err := parseWait(c.Query("wait"), r.waitLimit)
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	done, err := r.ctl.Stop()
	if err != nil {
		respondErr(c, err)
		return
	}
	r.respondWorkflow(c, done, wait)
}

// respondWorkflow answers 202 while the workflow runs and 200 once it finished.
// A failed workflow is reported in the body, the request itself succeeded.
func (r *Router) respondWorkflow(c *gin.Context, done *lifecycle.Completion, wait time.Duration) {
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-done.Done():
			resp := WorkflowResponse{Status: r.ctl.Status(), Finished: true}
			if err := done.Err(); err != nil {
				resp.Error = err.Error()
			}
			c.JSON(http.StatusOK, resp)
			return
		case <-t.C:
		case <-c.Request.Context().Done():
		}
	}
	c.JSON(http.StatusAccepted, WorkflowResponse{Status: r.ctl.Status()})
}

func (r *Router) handleForceStatus(c *gin.Context) {
	var req forceStatusReq
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "Invalid request format")
		return
	}
	st, err := lifecycle.ParseState(req.State)
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_state", err.Error())
		return
	}
	err = r.ctl.ForceStatus(c.Request.Context(), st)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, okResp{OK: true})
	case errors.Is(err, lifecycle.ErrClosed):
		respondErr(c, err)
	default:
		// the override is applied, only the address lookup failed
		c.JSON(http.StatusOK, okResp{OK: true, Warning: err.Error()})
	}
}

func (r *Router) handleInstanceID(c *gin.Context) {
	var req instanceIDReq
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "Invalid request format")
		return
	}
	r.ctl.SetInstanceID(strings.TrimSpace(req.InstanceID))
	c.JSON(http.StatusOK, r.ctl.Status())
}

func (r *Router) handleInit(c *gin.Context) {
	if err := r.ctl.RunInitialization(c.Request.Context()); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, r.ctl.Status())
}

func (r *Router) handleConsole(c *gin.Context) {
	var req commandReq
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "command is required")
		return
	}
	out, err := r.ctl.SendConsoleCommand(c.Request.Context(), req.Command)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, consoleResp{Output: out})
}

func (r *Router) handleExec(c *gin.Context) {
	var req commandReq
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "command is required")
		return
	}
	res, err := r.ctl.RunCommand(c.Request.Context(), req.Command)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (r *Router) handleBalance(c *gin.Context) {
	if r.balance == nil {
		respondError(c, http.StatusNotImplemented, "unsupported", "provider does not report a balance")
		return
	}
	b, err := r.balance.AccountBalance(c.Request.Context())
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (r *Router) handleLogin(c *gin.Context) {
	if !r.mw.Enabled() {
		respondError(c, http.StatusNotFound, "auth_disabled", "authentication is not enabled")
		return
	}
	var req loginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "Invalid request format")
		return
	}
	res, err := r.authSvc.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			respondError(c, http.StatusUnauthorized, "authentication_failed", "Invalid credentials")
			return
		}
		respondErr(c, err)
		return
	}
	r.logger.Info("user logged in", "username", res.Username)
	c.JSON(http.StatusOK, res)
}
