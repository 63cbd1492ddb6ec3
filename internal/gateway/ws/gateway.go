// Package ws exposes the control plane over a WebSocket connection using
// the message envelope from pkg/websocket. Terminal input, filesystem
// operations and sandbox status queries arrive as requests; outputs, sync
// results and errors flow back as responses on the same connection.
package ws

import (
	"context"
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "github.com/codebench/codebench/internal/common/errors"
	"github.com/codebench/codebench/internal/common/logger"
	"github.com/codebench/codebench/internal/sandbox/dispatch"
	"github.com/codebench/codebench/internal/sandbox/session"
	syncer "github.com/codebench/codebench/internal/workspace/sync"
	v1 "github.com/codebench/codebench/pkg/api/v1"
	wsproto "github.com/codebench/codebench/pkg/websocket"
)

// Gateway upgrades HTTP requests to WebSocket connections and routes their
// messages to the session manager, the dispatcher and the synchronizer.
type Gateway struct {
	manager    *session.Manager
	dispatcher *dispatch.Dispatcher
	syncer     *syncer.Syncer
	router     *wsproto.Dispatcher
	upgrader   websocket.Upgrader
	logger     *logger.Logger
}

func NewGateway(mgr *session.Manager, disp *dispatch.Dispatcher, sync *syncer.Syncer, log *logger.Logger) *Gateway {
	g := &Gateway{
		manager:    mgr,
		dispatcher: disp,
		syncer:     sync,
		router:     wsproto.NewDispatcher(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser editors connect from arbitrary origins; auth lives
			// in front of this service.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: log,
	}

	g.router.RegisterFunc(wsproto.ActionHealthCheck, g.handleHealthCheck)
	g.router.RegisterFunc(wsproto.ActionTerminalInput, g.handleTerminalInput)
	g.router.RegisterFunc(wsproto.ActionFileSystem, g.handleFileSystem)
	g.router.RegisterFunc(wsproto.ActionContainerStatus, g.handleContainerStatus)

	return g
}

// HandleConnection upgrades the request and runs the read/write pumps until
// the client disconnects.
func (g *Gateway) HandleConnection(c *gin.Context) {
	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	g.logger.Info("WebSocket client connected",
		zap.String("remote_addr", conn.RemoteAddr().String()))

	client := newClient(conn, g.router, g.logger)
	go client.writePump()
	client.readPump(c.Request.Context())

	g.logger.Info("WebSocket client disconnected",
		zap.String("remote_addr", conn.RemoteAddr().String()))
}

func (g *Gateway) handleHealthCheck(ctx context.Context, msg *wsproto.Message) (*wsproto.Message, error) {
	return wsproto.NewResponse(msg.ID, msg.Action, gin.H{
		"status":  "ok",
		"runtime": g.manager.Runtime().Name(),
	})
}

// handleTerminalInput executes a command and answers with terminal_output.
func (g *Gateway) handleTerminalInput(ctx context.Context, msg *wsproto.Message) (*wsproto.Message, error) {
	var req wsproto.TerminalInputRequest
	if err := msg.ParsePayload(&req); err != nil || req.SessionKey == "" || req.Command == "" {
		return wsproto.NewError(msg.ID, wsproto.ActionError,
			wsproto.ErrorCodeBadMessage, "terminal_input requires sessionKey and command", nil)
	}

	result, err := g.dispatcher.Execute(ctx, req.SessionKey, req.Command)
	if err != nil {
		return g.errorFrom(msg.ID, err)
	}

	return wsproto.NewResponse(msg.ID, wsproto.ActionTerminalOutput, wsproto.TerminalOutputPayload{
		Output:   result.Output,
		ExitCode: result.ExitCode,
	})
}

// handleFileSystem serves file reads, writes, listings and structural
// operations against the workspace of the session's key.
func (g *Gateway) handleFileSystem(ctx context.Context, msg *wsproto.Message) (*wsproto.Message, error) {
	var req wsproto.FileSystemRequest
	if err := msg.ParsePayload(&req); err != nil || req.SessionKey == "" {
		return wsproto.NewError(msg.ID, wsproto.ActionError,
			wsproto.ErrorCodeBadMessage, "file_system requires sessionKey", nil)
	}

	workspaceID := g.manager.WorkspaceID(req.SessionKey)
	sandbox := g.sandboxFor(req.SessionKey)

	payload := wsproto.FileSystemPayload{Action: req.Action, Path: req.Path, OK: true}
	var err error

	switch req.Action {
	case wsproto.FSActionRead:
		payload.Content, err = g.syncer.ReadFile(ctx, workspaceID, req.Path)
	case wsproto.FSActionWrite:
		err = g.syncer.PutFile(ctx, workspaceID, req.Path, req.Content, sandbox)
	case wsproto.FSActionList:
		payload.Entries, err = g.syncer.ListDir(ctx, workspaceID, req.Path)
	case wsproto.FSActionCreateFile:
		err = g.syncer.Touch(ctx, workspaceID, req.Path, sandbox)
	case wsproto.FSActionCreateDirectory:
		err = g.syncer.Mkdir(ctx, workspaceID, req.Path, sandbox)
	case wsproto.FSActionDelete:
		err = g.syncer.Remove(ctx, workspaceID, req.Path, sandbox)
	default:
		return wsproto.NewError(msg.ID, wsproto.ActionError,
			wsproto.ErrorCodeBadMessage, "unknown file_system action: "+req.Action, nil)
	}

	if err != nil {
		if stderrors.Is(err, syncer.ErrPathNotFound) {
			return wsproto.NewError(msg.ID, wsproto.ActionError,
				apperrors.ErrCodeNotFound, err.Error(), nil)
		}
		return g.errorFrom(msg.ID, err)
	}

	return wsproto.NewResponse(msg.ID, wsproto.ActionFileSystem, payload)
}

// handleContainerStatus reports the session state; an unknown key answers
// with "absent" rather than an error.
func (g *Gateway) handleContainerStatus(ctx context.Context, msg *wsproto.Message) (*wsproto.Message, error) {
	var req wsproto.ContainerStatusRequest
	if err := msg.ParsePayload(&req); err != nil || req.SessionKey == "" {
		return wsproto.NewError(msg.ID, wsproto.ActionError,
			wsproto.ErrorCodeBadMessage, "container_status requires sessionKey", nil)
	}

	info := g.manager.Info(req.SessionKey)
	if info == nil {
		return wsproto.NewResponse(msg.ID, wsproto.ActionContainerStatus,
			wsproto.ContainerStatusPayload{Status: "absent"})
	}
	return wsproto.NewResponse(msg.ID, wsproto.ActionContainerStatus,
		wsproto.ContainerStatusPayload{Status: string(info.Status), Handle: info.Handle})
}

func (g *Gateway) sandboxFor(key string) syncer.SandboxFS {
	sess, ok := g.manager.Get(key)
	if !ok || sess.Status != v1.SessionStatusActive {
		return nil
	}
	return syncer.NewSandboxFS(g.manager.Runtime(), sess.Handle)
}

// errorFrom maps an application error to an error envelope.
func (g *Gateway) errorFrom(id string, err error) (*wsproto.Message, error) {
	var appErr *apperrors.AppError
	if stderrors.As(err, &appErr) {
		return wsproto.NewError(id, wsproto.ActionError, appErr.Code, appErr.Message, nil)
	}
	return wsproto.NewError(id, wsproto.ActionError, apperrors.ErrCodeInternalError, err.Error(), nil)
}
