package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codebench/codebench/internal/common/config"
	"github.com/codebench/codebench/internal/common/logger"
	"github.com/codebench/codebench/internal/sandbox/dispatch"
	"github.com/codebench/codebench/internal/sandbox/session"
	"github.com/codebench/codebench/internal/workspace/models"
	"github.com/codebench/codebench/internal/workspace/repository"
	syncer "github.com/codebench/codebench/internal/workspace/sync"
	v1 "github.com/codebench/codebench/pkg/api/v1"
)

// stubRuntime provisions instantly and echoes a fixed result.
type stubRuntime struct {
	mu         sync.Mutex
	provisions int
}

func (r *stubRuntime) Name() string                          { return "stub" }
func (r *stubRuntime) Available(ctx context.Context) bool    { return true }
func (r *stubRuntime) VerifyImage(ctx context.Context) error { return nil }
func (r *stubRuntime) BindMounted() bool                     { return true }
func (r *stubRuntime) Close() error                          { return nil }

func (r *stubRuntime) Provision(ctx context.Context, key, workingDir string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.provisions++
	return fmt.Sprintf("sandbox-%d", r.provisions), nil
}

func (r *stubRuntime) Exec(ctx context.Context, handle, command string) (*v1.ExecResult, error) {
	return &v1.ExecResult{Output: "ran: " + command, ExitCode: 0}, nil
}

func (r *stubRuntime) Stop(ctx context.Context, handle string) error { return nil }

func (r *stubRuntime) Stats(ctx context.Context, handle string) (*v1.SandboxStats, error) {
	return &v1.SandboxStats{Status: "running"}, nil
}

func (r *stubRuntime) IsRunning(ctx context.Context, handle string) (bool, error) { return true, nil }
func (r *stubRuntime) CleanupOrphans(ctx context.Context) (int, error)            { return 0, nil }

func (r *stubRuntime) WriteFile(ctx context.Context, handle, path, content string) error {
	return nil
}
func (r *stubRuntime) RemoveFile(ctx context.Context, handle, path string) error { return nil }
func (r *stubRuntime) MakeDir(ctx context.Context, handle, path string) error    { return nil }

type handlerEnv struct {
	handler *Handler
	repo    repository.Repository
	syncer  *syncer.Syncer
	router  *gin.Engine
}

func setupTestHandler(t *testing.T) *handlerEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)

	repo := repository.NewMemoryRepository()
	t.Cleanup(func() { repo.Close() })

	policy := config.SandboxConfig{
		MirrorBase:  t.TempDir(),
		MaxTotal:    10,
		MaxPerUser:  5,
		IdleTimeout: 900,
		MaxLifetime: 7200,
	}

	rt := &stubRuntime{}
	sync := syncer.NewSyncer(repo, nil, policy.MirrorBase, []string{"echo"}, log)
	mgr := session.NewManager(rt, sync, repository.NewResolver(repo), nil, policy, log)
	disp := dispatch.NewDispatcher(mgr, sync, 5*time.Second, log)
	t.Cleanup(disp.Close)

	handler := NewHandler(mgr, disp, sync, log)
	router := gin.New()
	SetupRoutes(router.Group("/api/v1"), handler)
	router.GET("/health", handler.HealthCheck)

	return &handlerEnv{handler: handler, repo: repo, syncer: sync, router: router}
}

func (e *handlerEnv) seedWorkspace(t *testing.T) *models.Workspace {
	t.Helper()
	ws := &models.Workspace{OwnerID: "user-1", Name: "ws", Language: "python"}
	require.NoError(t, e.repo.CreateWorkspace(context.Background(), ws))
	return ws
}

func (e *handlerEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestHandler_CreateSession(t *testing.T) {
	env := setupTestHandler(t)
	ws := env.seedWorkspace(t)

	w := env.do(t, http.MethodPost, "/api/v1/sessions", CreateSessionRequest{SessionKey: ws.ID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var info v1.SessionInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, ws.ID, info.Key)
	assert.Equal(t, v1.SessionStatusActive, info.Status)
	assert.NotEmpty(t, info.Handle)
}

func TestHandler_CreateSessionUnknownWorkspace(t *testing.T) {
	env := setupTestHandler(t)

	w := env.do(t, http.MethodPost, "/api/v1/sessions", CreateSessionRequest{SessionKey: "missing"})
	assert.Equal(t, http.StatusBadGateway, w.Code, w.Body.String())
}

func TestHandler_GetSessionUnknownReturnsNull(t *testing.T) {
	env := setupTestHandler(t)

	w := env.do(t, http.MethodGet, "/api/v1/sessions/unknown", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "null", w.Body.String())
}

func TestHandler_ExecuteCommand(t *testing.T) {
	env := setupTestHandler(t)
	ws := env.seedWorkspace(t)

	w := env.do(t, http.MethodPost, "/api/v1/sessions/"+ws.ID+"/exec",
		ExecuteCommandRequest{Command: "ls"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var result v1.ExecResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, "ran: ls", result.Output)
	assert.Equal(t, 0, result.ExitCode)
}

func TestHandler_DeleteSessionIdempotent(t *testing.T) {
	env := setupTestHandler(t)
	ws := env.seedWorkspace(t)

	env.do(t, http.MethodPost, "/api/v1/sessions", CreateSessionRequest{SessionKey: ws.ID})

	w := env.do(t, http.MethodDelete, "/api/v1/sessions/"+ws.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp CleanupResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Cleaned)

	w = env.do(t, http.MethodDelete, "/api/v1/sessions/"+ws.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Cleaned)
}

func TestHandler_WorkspaceSaveAndLoad(t *testing.T) {
	env := setupTestHandler(t)
	ws := env.seedWorkspace(t)
	ctx := context.Background()

	// Put a file in the mirror, save it, wipe the mirror, load it back.
	mirror, err := env.syncer.WorkspaceMirror(ctx, ws.ID)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(mirror, "main.py"), []byte("print('hi')\n"), 0o666))

	w := env.do(t, http.MethodPost, "/api/v1/workspaces/"+ws.ID+"/save", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var report v1.SyncReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, 1, report.Created)

	require.NoError(t, os.Remove(filepath.Join(mirror, "main.py")))

	w = env.do(t, http.MethodPost, "/api/v1/workspaces/"+ws.ID+"/load", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	data, err := os.ReadFile(filepath.Join(mirror, "main.py"))
	require.NoError(t, err)
	assert.Equal(t, "print('hi')\n", string(data))
}

func TestHandler_HealthCheck(t *testing.T) {
	env := setupTestHandler(t)

	w := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "stub", resp["runtime"])
}
