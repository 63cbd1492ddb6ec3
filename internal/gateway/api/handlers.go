// Package api provides the HTTP surface of the control plane: session
// lifecycle, command execution and workspace load/save.
package api

import (
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/codebench/codebench/internal/common/errors"
	"github.com/codebench/codebench/internal/common/logger"
	"github.com/codebench/codebench/internal/sandbox/dispatch"
	"github.com/codebench/codebench/internal/sandbox/session"
	syncer "github.com/codebench/codebench/internal/workspace/sync"
	v1 "github.com/codebench/codebench/pkg/api/v1"
)

// Handler contains the HTTP handlers for the control-plane API.
type Handler struct {
	manager    *session.Manager
	dispatcher *dispatch.Dispatcher
	syncer     *syncer.Syncer
	logger     *logger.Logger
}

func NewHandler(mgr *session.Manager, disp *dispatch.Dispatcher, sync *syncer.Syncer, log *logger.Logger) *Handler {
	return &Handler{
		manager:    mgr,
		dispatcher: disp,
		syncer:     sync,
		logger:     log,
	}
}

// CreateSession returns the active session for a key, provisioning one if
// needed.
// POST /api/v1/sessions
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	sess, err := h.manager.GetOrCreate(c.Request.Context(), req.SessionKey)
	if err != nil {
		h.respondError(c, "failed to create session", err)
		return
	}

	c.JSON(http.StatusOK, sess.Info())
}

// ListSessions lists all active sessions.
// GET /api/v1/sessions
func (h *Handler) ListSessions(c *gin.Context) {
	sessions := h.manager.List()
	infos := make([]*v1.SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, sess.Info())
	}
	c.JSON(http.StatusOK, infos)
}

// GetSession returns session info, or a JSON null for an unknown key. An
// unknown key is a normal answer here, not an error.
// GET /api/v1/sessions/:sessionKey
func (h *Handler) GetSession(c *gin.Context) {
	info := h.manager.Info(c.Param("sessionKey"))
	c.JSON(http.StatusOK, info)
}

// DeleteSession tears a session down, persisting its workspace first.
// Repeated deletes are safe; cleaned reports whether anything existed.
// DELETE /api/v1/sessions/:sessionKey
func (h *Handler) DeleteSession(c *gin.Context) {
	key := c.Param("sessionKey")
	h.dispatcher.CloseSession(key)
	cleaned := h.manager.Cleanup(c.Request.Context(), key)
	c.JSON(http.StatusOK, CleanupResponse{Cleaned: cleaned})
}

// ExecuteCommand runs a command in the session's sandbox.
// POST /api/v1/sessions/:sessionKey/exec
func (h *Handler) ExecuteCommand(c *gin.Context) {
	key := c.Param("sessionKey")

	var req ExecuteCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	result, err := h.dispatcher.Execute(c.Request.Context(), key, req.Command)
	if err != nil {
		h.respondError(c, "command execution failed", err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// LoadWorkspace materializes a workspace from the database into its mirror
// and, when a session is live, into the sandbox.
// POST /api/v1/workspaces/:workspaceId/load
func (h *Handler) LoadWorkspace(c *gin.Context) {
	workspaceID := c.Param("workspaceId")

	report, err := h.syncer.Load(c.Request.Context(), workspaceID, h.sandboxFor(workspaceID))
	if err != nil {
		h.respondError(c, "failed to load workspace", err)
		return
	}

	c.JSON(http.StatusOK, report)
}

// SaveWorkspace persists the workspace mirror back to the database.
// POST /api/v1/workspaces/:workspaceId/save
func (h *Handler) SaveWorkspace(c *gin.Context) {
	workspaceID := c.Param("workspaceId")

	report, err := h.syncer.Save(c.Request.Context(), workspaceID)
	if err != nil {
		h.respondError(c, "failed to save workspace", err)
		return
	}

	c.JSON(http.StatusOK, report)
}

// HealthCheck reports control-plane and runtime backend health.
// GET /health
func (h *Handler) HealthCheck(c *gin.Context) {
	rt := h.manager.Runtime()
	available := rt.Available(c.Request.Context())

	status := http.StatusOK
	if !available {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"status":   map[bool]string{true: "ok", false: "degraded"}[available],
		"runtime":  rt.Name(),
		"sessions": len(h.manager.List()),
	})
}

// sandboxFor returns the sandbox filesystem of the workspace's live
// session, or nil when no push is needed.
func (h *Handler) sandboxFor(workspaceID string) syncer.SandboxFS {
	for _, sess := range h.manager.List() {
		if sess.WorkspaceID == workspaceID && sess.Status == v1.SessionStatusActive {
			return syncer.NewSandboxFS(h.manager.Runtime(), sess.Handle)
		}
	}
	return nil
}

func (h *Handler) respondError(c *gin.Context, message string, err error) {
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		h.logger.Warn(message, zap.String("code", appErr.Code), zap.Error(err))
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	h.logger.Error(message, zap.Error(err))
	internal := errors.InternalError(message, err)
	c.JSON(internal.HTTPStatus, internal)
}
