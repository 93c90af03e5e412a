package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/gw2am/internal/launcher"
	"github.com/loykin/gw2am/internal/launchstate"
	"github.com/loykin/gw2am/internal/metrics"
	"github.com/loykin/gw2am/internal/store"
)

// Backend is what the HTTP API drives.
type Backend interface {
	Status(ctx context.Context) ([]launcher.AccountStatus, error)
	Accounts(ctx context.Context) ([]store.Account, error)
	// AddAccount stores a, sealing password when it is not empty.
	AddAccount(ctx context.Context, a store.Account, password string) (store.Account, error)
	RemoveAccount(ctx context.Context, id string) error
	Settings(ctx context.Context) (store.Settings, error)
	PutSettings(ctx context.Context, s store.Settings) error
	Launch(ctx context.Context, id string) bool
	Stop(ctx context.Context, id string) bool
	State(id string) (launchstate.Record, bool)
	States() []launchstate.Record
	Processes(ctx context.Context) (launcher.Processes, error)
	Prune(ctx context.Context) ([]string, error)
}

// Router provides embeddable HTTP handlers for the launcher.
// Endpoints (relative to basePath):
//
//	GET    /status                 accounts with state and bound pid
//	GET    /accounts               list accounts
//	POST   /accounts               body: accountRequest
//	DELETE /accounts/:id
//	POST   /accounts/:id/launch    ?async=1 returns 202 immediately
//	POST   /accounts/:id/stop
//	GET    /accounts/:id/state
//	GET    /states
//	GET    /processes
//	POST   /prune
//	GET    /settings
//	PUT    /settings
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	b           Backend
	basePath    string
	metricsPath string
	// bg bounds async launches; it outlives the request.
	bg context.Context
}

// Option customises a Router.
type Option func(*Router)

// WithMetrics mounts the Prometheus handler at path (outside basePath).
func WithMetrics(path string) Option {
	return func(r *Router) { r.metricsPath = path }
}

// WithBackgroundContext sets the context used by async launches.
func WithBackgroundContext(ctx context.Context) Option {
	return func(r *Router) { r.bg = ctx }
}

func NewRouter(b Backend, basePath string, opts ...Option) *Router {
	r := &Router{b: b, basePath: sanitizeBase(basePath), bg: context.Background()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	if r.metricsPath != "" {
		g.GET(r.metricsPath, gin.WrapH(metrics.Handler()))
	}
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/accounts", r.handleAccounts)
	group.POST("/accounts", r.handleAddAccount)
	group.DELETE("/accounts/:id", r.handleRemoveAccount)
	group.POST("/accounts/:id/launch", r.handleLaunch)
	group.POST("/accounts/:id/stop", r.handleStop)
	group.GET("/accounts/:id/state", r.handleState)
	group.GET("/states", r.handleStates)
	group.GET("/processes", r.handleProcesses)
	group.POST("/prune", r.handlePrune)
	group.GET("/settings", r.handleSettings)
	group.PUT("/settings", r.handlePutSettings)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
// Launch requests hold the connection until detection finishes, so the
// write timeout is well above the detection window.
func NewServer(addr string, r *Router) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server stopped", "addr", addr, "error", err)
		}
	}()
	return server
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type resultResp struct {
	OK    bool               `json:"ok"`
	State launchstate.Record `json:"state"`
}

type accountRequest struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Email      string `json:"email"`
	Password   string `json:"password"`
	LaunchArgs string `json:"launch_args"`
}

func (r *Router) handleStatus(c *gin.Context) {
	sts, err := r.b.Status(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, sts)
}

func (r *Router) handleAccounts(c *gin.Context) {
	accts, err := r.b.Accounts(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, accts)
}

func (r *Router) handleAddAccount(c *gin.Context) {
	var req accountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if !isSafeName(req.ID) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid id: allowed [A-Za-z0-9._-] and no '..' or path separators"})
		return
	}
	if strings.ContainsAny(req.LaunchArgs, "\r\n") {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "launch_args must be a single line"})
		return
	}
	a, err := r.b.AddAccount(c.Request.Context(), store.Account{
		ID:         req.ID,
		Name:       req.Name,
		Email:      req.Email,
		LaunchArgs: req.LaunchArgs,
	}, req.Password)
	switch {
	case errors.Is(err, store.ErrConflict):
		writeJSON(c, http.StatusConflict, errorResp{Error: err.Error()})
		return
	case err != nil:
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusCreated, a)
}

func (r *Router) handleRemoveAccount(c *gin.Context) {
	id, ok := accountID(c)
	if !ok {
		return
	}
	if err := r.b.RemoveAccount(c.Request.Context(), id); err != nil {
		writeStoreError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleLaunch(c *gin.Context) {
	id, ok := accountID(c)
	if !ok {
		return
	}
	if async := c.Query("async"); async == "1" || async == "true" {
		go r.b.Launch(r.bg, id)
		writeJSON(c, http.StatusAccepted, okResp{OK: true})
		return
	}
	launched := r.b.Launch(c.Request.Context(), id)
	r.writeResult(c, id, launched)
}

func (r *Router) handleStop(c *gin.Context) {
	id, ok := accountID(c)
	if !ok {
		return
	}
	stopped := r.b.Stop(c.Request.Context(), id)
	r.writeResult(c, id, stopped)
}

// writeResult answers 200 on success and 409 when the operation ended in a
// non-success state; the body always carries the state record.
func (r *Router) writeResult(c *gin.Context, id string, ok bool) {
	rec, _ := r.b.State(id)
	code := http.StatusOK
	if !ok {
		code = http.StatusConflict
	}
	writeJSON(c, code, resultResp{OK: ok, State: rec})
}

func (r *Router) handleState(c *gin.Context) {
	id, ok := accountID(c)
	if !ok {
		return
	}
	rec, found := r.b.State(id)
	if !found {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "no launch state for " + id})
		return
	}
	writeJSON(c, http.StatusOK, rec)
}

func (r *Router) handleStates(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.b.States())
}

func (r *Router) handleProcesses(c *gin.Context) {
	p, err := r.b.Processes(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, p)
}

func (r *Router) handlePrune(c *gin.Context) {
	removed, err := r.b.Prune(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if removed == nil {
		removed = []string{}
	}
	writeJSON(c, http.StatusOK, gin.H{"removed": removed})
}

func (r *Router) handleSettings(c *gin.Context) {
	s, err := r.b.Settings(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, s)
}

func (r *Router) handlePutSettings(c *gin.Context) {
	var s store.Settings
	if err := c.ShouldBindJSON(&s); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if !isSafeAbsPath(s.ExecutablePath) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid executable_path: must be absolute path without traversal"})
		return
	}
	if s.StorefrontURI != "" && !strings.Contains(s.StorefrontURI, "://") {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid storefront_uri: must be a URI"})
		return
	}
	if err := r.b.PutSettings(c.Request.Context(), s); err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func accountID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if !isSafeName(id) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid account id"})
		return "", false
	}
	return id, true
}

func writeStoreError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
}
