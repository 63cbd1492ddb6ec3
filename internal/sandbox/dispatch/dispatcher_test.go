package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codebench/codebench/internal/common/config"
	apperrors "github.com/codebench/codebench/internal/common/errors"
	"github.com/codebench/codebench/internal/common/logger"
	"github.com/codebench/codebench/internal/sandbox/session"
	"github.com/codebench/codebench/internal/workspace/models"
	"github.com/codebench/codebench/internal/workspace/repository"
	syncer "github.com/codebench/codebench/internal/workspace/sync"
	v1 "github.com/codebench/codebench/pkg/api/v1"
)

// scriptedRuntime lets tests control availability, liveness and the outcome
// of each exec call.
type scriptedRuntime struct {
	mu         sync.Mutex
	available  bool
	running    bool
	provisions int
	stopped    []string
	execFn     func(handle, command string) (*v1.ExecResult, error)
}

func newScriptedRuntime() *scriptedRuntime {
	return &scriptedRuntime{
		available: true,
		running:   true,
		execFn: func(handle, command string) (*v1.ExecResult, error) {
			return &v1.ExecResult{Output: "", ExitCode: 0}, nil
		},
	}
}

func (r *scriptedRuntime) Name() string                          { return "scripted" }
func (r *scriptedRuntime) VerifyImage(ctx context.Context) error { return nil }
func (r *scriptedRuntime) BindMounted() bool                     { return true }
func (r *scriptedRuntime) Close() error                          { return nil }

func (r *scriptedRuntime) Available(ctx context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.available
}

func (r *scriptedRuntime) Provision(ctx context.Context, key, workingDir string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.provisions++
	return fmt.Sprintf("sandbox-%d", r.provisions), nil
}

func (r *scriptedRuntime) Exec(ctx context.Context, handle, command string) (*v1.ExecResult, error) {
	r.mu.Lock()
	fn := r.execFn
	r.mu.Unlock()
	return fn(handle, command)
}

func (r *scriptedRuntime) Stop(ctx context.Context, handle string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = append(r.stopped, handle)
	return nil
}

func (r *scriptedRuntime) Stats(ctx context.Context, handle string) (*v1.SandboxStats, error) {
	return &v1.SandboxStats{Status: "running"}, nil
}

func (r *scriptedRuntime) IsRunning(ctx context.Context, handle string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running, nil
}

func (r *scriptedRuntime) CleanupOrphans(ctx context.Context) (int, error) { return 0, nil }

func (r *scriptedRuntime) WriteFile(ctx context.Context, handle, path, content string) error {
	return nil
}
func (r *scriptedRuntime) RemoveFile(ctx context.Context, handle, path string) error { return nil }
func (r *scriptedRuntime) MakeDir(ctx context.Context, handle, path string) error    { return nil }

func (r *scriptedRuntime) setExec(fn func(handle, command string) (*v1.ExecResult, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.execFn = fn
}

func (r *scriptedRuntime) setAvailable(ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.available = ok
}

func (r *scriptedRuntime) setRunning(ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = ok
}

type dispatchEnv struct {
	dispatcher *Dispatcher
	manager    *session.Manager
	runtime    *scriptedRuntime
	repo       repository.Repository
}

func newDispatchEnv(t *testing.T, timeout time.Duration) *dispatchEnv {
	t.Helper()
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

	rt := newScriptedRuntime()
	sync := syncer.NewSyncer(repo, nil, policy.MirrorBase, []string{"echo", "cat", "python"}, log)
	mgr := session.NewManager(rt, sync, repository.NewResolver(repo), nil, policy, log)
	disp := NewDispatcher(mgr, sync, timeout, log)
	t.Cleanup(disp.Close)

	return &dispatchEnv{dispatcher: disp, manager: mgr, runtime: rt, repo: repo}
}

func (e *dispatchEnv) seedWorkspace(t *testing.T) string {
	t.Helper()
	ws := &models.Workspace{OwnerID: "user-1", Name: "ws", Language: "python"}
	require.NoError(t, e.repo.CreateWorkspace(context.Background(), ws))
	return ws.ID
}

func TestExecute_RunsCommandInSandbox(t *testing.T) {
	env := newDispatchEnv(t, 5*time.Second)
	ctx := context.Background()
	key := env.seedWorkspace(t)

	env.runtime.setExec(func(handle, command string) (*v1.ExecResult, error) {
		assert.Equal(t, "echo hello", command)
		return &v1.ExecResult{Output: "hello", ExitCode: 0}, nil
	})

	result, err := env.dispatcher.Execute(ctx, key, "echo hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", result.Output)
	assert.Equal(t, 0, result.ExitCode)

	sess, ok := env.manager.Get(key)
	require.True(t, ok)
	assert.Equal(t, v1.SessionStatusActive, sess.Status)
}

func TestExecute_RestartsDeadSandboxAndRetries(t *testing.T) {
	env := newDispatchEnv(t, 5*time.Second)
	ctx := context.Background()
	key := env.seedWorkspace(t)

	var calls int
	var mu sync.Mutex
	env.runtime.setExec(func(handle, command string) (*v1.ExecResult, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return nil, errors.New("container gone")
		}
		return &v1.ExecResult{Output: "recovered", ExitCode: 0}, nil
	})
	env.runtime.setRunning(false)

	result, err := env.dispatcher.Execute(ctx, key, "echo hi")
	require.NoError(t, err)
	assert.Equal(t, "recovered", result.Output)

	mu.Lock()
	assert.Equal(t, 2, calls)
	mu.Unlock()
	assert.Equal(t, 2, env.runtime.provisions, "restart should provision a new sandbox")
}

func TestExecute_SecondFailureSurfacesUnhealthy(t *testing.T) {
	env := newDispatchEnv(t, 5*time.Second)
	ctx := context.Background()
	key := env.seedWorkspace(t)

	env.runtime.setExec(func(handle, command string) (*v1.ExecResult, error) {
		return nil, errors.New("container gone")
	})
	env.runtime.setRunning(false)

	_, err := env.dispatcher.Execute(ctx, key, "echo hi")
	require.Error(t, err)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrCodeSandboxUnhealthy, appErr.Code)
}

func TestExecute_HealthySandboxErrorIsNotRetried(t *testing.T) {
	env := newDispatchEnv(t, 5*time.Second)
	ctx := context.Background()
	key := env.seedWorkspace(t)

	env.runtime.setExec(func(handle, command string) (*v1.ExecResult, error) {
		return nil, errors.New("exec setup failed")
	})

	_, err := env.dispatcher.Execute(ctx, key, "echo hi")
	require.Error(t, err)
	assert.Equal(t, 1, env.runtime.provisions, "healthy sandbox must not be restarted")
}

func TestExecute_TimeoutProducesExit124(t *testing.T) {
	env := newDispatchEnv(t, 100*time.Millisecond)
	ctx := context.Background()
	key := env.seedWorkspace(t)

	env.runtime.setExec(func(handle, command string) (*v1.ExecResult, error) {
		time.Sleep(300 * time.Millisecond)
		return nil, context.DeadlineExceeded
	})

	result, err := env.dispatcher.Execute(ctx, key, "sleep 10")
	require.NoError(t, err)
	assert.Equal(t, 124, result.ExitCode)
	assert.Contains(t, result.Output, "timed out")

	// The session remains usable after a timeout.
	env.runtime.setExec(func(handle, command string) (*v1.ExecResult, error) {
		return &v1.ExecResult{Output: "ok", ExitCode: 0}, nil
	})
	result, err = env.dispatcher.Execute(ctx, key, "echo ok")
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, 1, env.runtime.provisions)
}

func TestExecute_ExplicitTouchCreatesWorkspaceRecord(t *testing.T) {
	env := newDispatchEnv(t, 5*time.Second)
	ctx := context.Background()
	key := env.seedWorkspace(t)

	result, err := env.dispatcher.Execute(ctx, key, "touch notes.txt")
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)

	item, err := env.repo.GetItemByPath(ctx, key, "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, models.ItemKindFile, item.Kind)
}

func TestExecute_FallbackShellEcho(t *testing.T) {
	env := newDispatchEnv(t, 5*time.Second)
	ctx := context.Background()
	key := env.seedWorkspace(t)

	env.runtime.setAvailable(false)

	result, err := env.dispatcher.Execute(ctx, key, "echo hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", result.Output)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, 0, env.runtime.provisions, "fallback must not provision sandboxes")
}

func TestExecute_FallbackRedirectionPersistsFile(t *testing.T) {
	env := newDispatchEnv(t, 5*time.Second)
	ctx := context.Background()
	key := env.seedWorkspace(t)

	env.runtime.setAvailable(false)

	result, err := env.dispatcher.Execute(ctx, key, `echo "bro" > file.py`)
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)

	result, err = env.dispatcher.Execute(ctx, key, "cat file.py")
	require.NoError(t, err)
	assert.Equal(t, "bro", result.Output)
	assert.Equal(t, 0, result.ExitCode)

	// The redirection heuristic should have pushed the file to the workspace.
	item, err := env.repo.GetItemByPath(ctx, key, "file.py")
	require.NoError(t, err)
	require.NotNil(t, item.Content)
	assert.Equal(t, "bro\n", *item.Content)
}

func TestExecute_FallbackTimeoutKeepsShellUsable(t *testing.T) {
	env := newDispatchEnv(t, 200*time.Millisecond)
	ctx := context.Background()
	key := env.seedWorkspace(t)

	env.runtime.setAvailable(false)

	result, err := env.dispatcher.Execute(ctx, key, "sleep 1")
	require.NoError(t, err)
	assert.Equal(t, 124, result.ExitCode)
	assert.Contains(t, result.Output, "timed out")

	// Give the stale command time to finish so its marker is retired.
	time.Sleep(1200 * time.Millisecond)

	result, err = env.dispatcher.Execute(ctx, key, "echo still alive")
	require.NoError(t, err)
	assert.Equal(t, "still alive", result.Output)
	assert.Equal(t, 0, result.ExitCode)
}

func TestExecute_SequentialPerSession(t *testing.T) {
	env := newDispatchEnv(t, 5*time.Second)
	ctx := context.Background()
	key := env.seedWorkspace(t)

	var mu sync.Mutex
	var active, maxActive int
	env.runtime.setExec(func(handle, command string) (*v1.ExecResult, error) {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return &v1.ExecResult{ExitCode: 0}, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := env.dispatcher.Execute(ctx, key, fmt.Sprintf("run %d", n))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxActive, "commands for one session must not overlap")
}

func TestShellSession_MarkerFraming(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)

	shell, err := newShellSession(t.TempDir(), log)
	require.NoError(t, err)
	defer shell.Close()

	output, code := shell.Run("echo one; echo two", 5*time.Second)
	assert.Equal(t, "one\ntwo", output)
	assert.Equal(t, 0, code)

	output, code = shell.Run("exit_code_test() { return 3; }; exit_code_test", 5*time.Second)
	assert.Equal(t, "", output)
	assert.Equal(t, 3, code)
}

func TestShellSession_SkipsTraceLines(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)

	shell, err := newShellSession(t.TempDir(), log)
	require.NoError(t, err)
	defer shell.Close()

	// set -x makes the shell echo "+ echo traced"; the framing prepends
	// set +x, so only genuine output survives.
	output, code := shell.Run("set -x", 5*time.Second)
	assert.Equal(t, 0, code)
	_ = output

	output, code = shell.Run("echo traced", 5*time.Second)
	assert.Equal(t, "traced", output)
	assert.Equal(t, 0, code)
	assert.False(t, strings.HasPrefix(output, "+"))
}
