package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/portswitch/internal/config"
	"github.com/loykin/portswitch/internal/event"
	"github.com/loykin/portswitch/internal/metrics"
	"github.com/loykin/portswitch/internal/supervisor"
)

// Supervisor is the control surface the router drives.
type Supervisor interface {
	Start(ctx context.Context, app supervisor.App) error
	Stop(ctx context.Context) error
	ConfirmForceKill(ctx context.Context) error
	Deny(ctx context.Context) error
	KillPort(ctx context.Context, force bool) error
	Status() supervisor.Status
}

// Catalog lists configured apps and fills gaps in start requests.
type Catalog interface {
	List() []config.AppConfig
	Resolve(id, command, folder string) (supervisor.App, error)
}

const defaultHeartbeat = 15 * time.Second

// Router provides embeddable HTTP handlers for the switcher.
// Endpoints:
//
//	POST {basePath}/start       body: {appId, startCommand?, folderPath?}
//	POST {basePath}/stop
//	POST {basePath}/kill-port   body: {force?}
//	POST {basePath}/force-kill
//	POST {basePath}/deny
//	GET  {basePath}/status
//	GET  {basePath}/apps
//	GET  {basePath}/logs        SSE; ?follow=false returns the buffered history only
//	GET  {basePath}/resources   resource samples of the running app, when sampling is on
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	sup       Supervisor
	catalog   Catalog
	bus       *event.Bus
	basePath  string
	log       *slog.Logger
	heartbeat time.Duration
	metrics   http.Handler
	resources Resources
}

// Resources exposes sampled resource usage of the running app.
type Resources interface {
	Latest() (metrics.Sample, bool)
	History() []metrics.Sample
}

type Option func(*Router)

func WithLogger(l *slog.Logger) Option { return func(r *Router) { r.log = l } }

// WithHeartbeat sets the SSE keep-alive comment interval.
func WithHeartbeat(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.heartbeat = d
		}
	}
}

// WithMetrics serves h at /metrics.
func WithMetrics(h http.Handler) Option { return func(r *Router) { r.metrics = h } }

func WithResources(res Resources) Option { return func(r *Router) { r.resources = res } }

func NewRouter(sup Supervisor, catalog Catalog, bus *event.Bus, basePath string, opts ...Option) *Router {
	r := &Router{
		sup:       sup,
		catalog:   catalog,
		bus:       bus,
		basePath:  sanitizeBase(basePath),
		heartbeat: defaultHeartbeat,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), cors())
	group := g.Group(r.basePath)
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.POST("/kill-port", r.handleKillPort)
	group.POST("/force-kill", r.handleForceKill)
	group.POST("/deny", r.handleDeny)
	group.GET("/status", r.handleStatus)
	group.GET("/apps", r.handleApps)
	group.GET("/logs", r.handleLogs)
	if r.resources != nil {
		group.GET("/resources", r.handleResources)
	}
	if r.metrics != nil {
		g.GET("/metrics", gin.WrapH(r.metrics))
	}
	g.NoRoute(func(c *gin.Context) {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "Not found"})
	})
	return g
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type resultResp struct {
	Success           bool   `json:"success"`
	NeedsConfirmation bool   `json:"needsConfirmation,omitempty"`
	Reason            string `json:"reason,omitempty"`
	Error             string `json:"error,omitempty"`
}

type startReq struct {
	AppID        string `json:"appId"`
	StartCommand string `json:"startCommand"`
	FolderPath   string `json:"folderPath"`
}

type killPortReq struct {
	Force bool `json:"force"`
}

type statusResp struct {
	Running       bool             `json:"running"`
	AppID         *string          `json:"appId"`
	State         supervisor.State `json:"state"`
	PID           int              `json:"pid,omitempty"`
	StartedAt     *time.Time       `json:"startedAt,omitempty"`
	PendingAction string           `json:"pendingAction,omitempty"`
	LastError     string           `json:"lastError,omitempty"`
}

func (r *Router) handleStart(c *gin.Context) {
	var req startReq
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			writeJSON(c, http.StatusBadRequest, resultResp{Error: "invalid JSON: " + err.Error()})
			return
		}
	}
	if req.AppID == "" {
		writeJSON(c, http.StatusBadRequest, resultResp{Error: "appId is required"})
		return
	}
	if !isSafeName(req.AppID) {
		writeJSON(c, http.StatusBadRequest, resultResp{Error: "invalid appId: allowed [A-Za-z0-9._-] and no '..' or path separators"})
		return
	}
	if !isSafeFolder(req.FolderPath) {
		writeJSON(c, http.StatusBadRequest, resultResp{Error: "invalid folderPath: traversal is not allowed"})
		return
	}
	app, err := r.catalog.Resolve(req.AppID, req.StartCommand, req.FolderPath)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, resultResp{Error: err.Error()})
		return
	}
	r.log.Info("start requested", "app", app.ID, "command", app.Command, "folder", app.WorkDir)
	r.reply(c, r.sup.Start(c.Request.Context(), app))
}

func (r *Router) handleStop(c *gin.Context) {
	r.reply(c, r.sup.Stop(c.Request.Context()))
}

func (r *Router) handleKillPort(c *gin.Context) {
	var req killPortReq
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			writeJSON(c, http.StatusBadRequest, resultResp{Error: "invalid JSON: " + err.Error()})
			return
		}
	}
	if c.Query("force") == "true" || c.Query("force") == "1" {
		req.Force = true
	}
	r.reply(c, r.sup.KillPort(c.Request.Context(), req.Force))
}

func (r *Router) handleForceKill(c *gin.Context) {
	r.reply(c, r.sup.ConfirmForceKill(c.Request.Context()))
}

func (r *Router) handleDeny(c *gin.Context) {
	r.reply(c, r.sup.Deny(c.Request.Context()))
}

func (r *Router) reply(c *gin.Context, err error) {
	if err == nil {
		writeJSON(c, http.StatusOK, resultResp{Success: true})
		return
	}
	if reason, ok := supervisor.NeedsConfirmation(err); ok {
		writeJSON(c, http.StatusConflict, resultResp{NeedsConfirmation: true, Reason: reason, Error: err.Error()})
		return
	}
	code := http.StatusInternalServerError
	if errors.Is(err, supervisor.ErrInvalidApp) {
		code = http.StatusBadRequest
	}
	r.log.Warn("request failed", "path", c.FullPath(), "error", err)
	writeJSON(c, code, resultResp{Error: err.Error()})
}

func (r *Router) handleStatus(c *gin.Context) {
	st := r.sup.Status()
	resp := statusResp{
		Running:       st.Running,
		State:         st.State,
		PID:           st.PID,
		PendingAction: st.PendingAction,
		LastError:     st.LastError,
	}
	if st.AppID != "" {
		id := st.AppID
		resp.AppID = &id
	}
	if !st.StartedAt.IsZero() {
		t := st.StartedAt
		resp.StartedAt = &t
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleApps(c *gin.Context) {
	apps := r.catalog.List()
	if apps == nil {
		apps = []config.AppConfig{}
	}
	writeJSON(c, http.StatusOK, apps)
}

type resourcesResp struct {
	Current *metrics.Sample  `json:"current"`
	History []metrics.Sample `json:"history"`
}

func (r *Router) handleResources(c *gin.Context) {
	var resp resourcesResp
	if st := r.sup.Status(); st.Running {
		if cur, ok := r.resources.Latest(); ok && cur.App == st.AppID {
			resp.Current = &cur
		}
	}
	resp.History = r.resources.History()
	if resp.History == nil {
		resp.History = []metrics.Sample{}
	}
	writeJSON(c, http.StatusOK, resp)
}

// handleLogs replays the buffered history then streams live events until the
// client goes away.
func (r *Router) handleLogs(c *gin.Context) {
	sub, replay := r.bus.Subscribe()
	defer r.bus.Unsubscribe(sub)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	for _, e := range replay {
		c.SSEvent("", e)
	}
	c.Writer.Flush()
	if f := c.Query("follow"); f == "false" || f == "0" {
		return
	}

	hb := time.NewTicker(r.heartbeat)
	defer hb.Stop()
	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C():
			if !ok {
				return
			}
			c.SSEvent("", e)
			c.Writer.Flush()
		case <-hb.C:
			if _, err := io.WriteString(c.Writer, ": ping\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}
