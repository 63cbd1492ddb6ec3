package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codebench/codebench/internal/common/config"
	apperrors "github.com/codebench/codebench/internal/common/errors"
	"github.com/codebench/codebench/internal/common/logger"
	"github.com/codebench/codebench/internal/workspace/models"
	"github.com/codebench/codebench/internal/workspace/repository"
	syncer "github.com/codebench/codebench/internal/workspace/sync"
	v1 "github.com/codebench/codebench/pkg/api/v1"
)

// fakeRuntime counts provisions and stops without touching any backend.
type fakeRuntime struct {
	mu         sync.Mutex
	provisions int32
	stopped    []string
	failNext   bool
}

func (f *fakeRuntime) Name() string                          { return "fake" }
func (f *fakeRuntime) Available(ctx context.Context) bool    { return true }
func (f *fakeRuntime) VerifyImage(ctx context.Context) error { return nil }
func (f *fakeRuntime) BindMounted() bool                     { return true }
func (f *fakeRuntime) Close() error                          { return nil }

func (f *fakeRuntime) Provision(ctx context.Context, key, workingDir string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return "", errors.New("backend rejected provision")
	}
	n := atomic.AddInt32(&f.provisions, 1)
	return fmt.Sprintf("sandbox-%s-%d", key, n), nil
}

func (f *fakeRuntime) Exec(ctx context.Context, handle, command string) (*v1.ExecResult, error) {
	return &v1.ExecResult{Output: "", ExitCode: 0}, nil
}

func (f *fakeRuntime) Stop(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, handle)
	return nil
}

func (f *fakeRuntime) Stats(ctx context.Context, handle string) (*v1.SandboxStats, error) {
	return &v1.SandboxStats{Status: "running"}, nil
}

func (f *fakeRuntime) IsRunning(ctx context.Context, handle string) (bool, error) { return true, nil }
func (f *fakeRuntime) CleanupOrphans(ctx context.Context) (int, error)            { return 0, nil }

func (f *fakeRuntime) WriteFile(ctx context.Context, handle, path, content string) error { return nil }
func (f *fakeRuntime) RemoveFile(ctx context.Context, handle, path string) error         { return nil }
func (f *fakeRuntime) MakeDir(ctx context.Context, handle, path string) error            { return nil }

func (f *fakeRuntime) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stopped)
}

type testEnv struct {
	manager *Manager
	runtime *fakeRuntime
	repo    repository.Repository
}

func newTestEnv(t *testing.T, policy config.SandboxConfig) *testEnv {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)

	repo := repository.NewMemoryRepository()
	t.Cleanup(func() { repo.Close() })

	if policy.MirrorBase == "" {
		policy.MirrorBase = t.TempDir()
	}

	rt := &fakeRuntime{}
	sync := syncer.NewSyncer(repo, nil, policy.MirrorBase, nil, log)
	mgr := NewManager(rt, sync, repository.NewResolver(repo), nil, policy, log)

	return &testEnv{manager: mgr, runtime: rt, repo: repo}
}

// seedSessionWorkspace creates a workspace whose ID doubles as the session key.
func (e *testEnv) seedSessionWorkspace(t *testing.T, ownerID string) string {
	t.Helper()
	ws := &models.Workspace{OwnerID: ownerID, Name: "ws", Language: "python"}
	require.NoError(t, e.repo.CreateWorkspace(context.Background(), ws))
	return ws.ID
}

func writeMirrorFile(dir, name, content string) error {
	return os.WriteFile(filepath.Join(dir, name), []byte(content), 0o666)
}

func defaultPolicy() config.SandboxConfig {
	return config.SandboxConfig{
		MaxTotal:    10,
		MaxPerUser:  3,
		IdleTimeout: 900,
		MaxLifetime: 7200,
	}
}

func TestGetOrCreate_CreatesAndReuses(t *testing.T) {
	env := newTestEnv(t, defaultPolicy())
	ctx := context.Background()
	key := env.seedSessionWorkspace(t, "user-1")

	s1, err := env.manager.GetOrCreate(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStatusActive, s1.Status)
	assert.NotEmpty(t, s1.Handle)

	before := s1.LastActivity
	time.Sleep(10 * time.Millisecond)

	s2, err := env.manager.GetOrCreate(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, s1.Handle, s2.Handle)
	assert.True(t, s2.LastActivity.After(before))
	assert.Equal(t, int32(1), env.runtime.provisions)
}

func TestGetOrCreate_UnknownWorkspaceFails(t *testing.T) {
	env := newTestEnv(t, defaultPolicy())

	_, err := env.manager.GetOrCreate(context.Background(), "no-such-workspace")
	require.Error(t, err)

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrCodeProvisionFailed, appErr.Code)
}

func TestGetOrCreate_ConcurrentSameKeyCreatesOneSandbox(t *testing.T) {
	env := newTestEnv(t, defaultPolicy())
	ctx := context.Background()
	key := env.seedSessionWorkspace(t, "user-1")

	const callers = 16
	handles := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := env.manager.GetOrCreate(ctx, key)
			if err == nil {
				handles[i] = s.Handle
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&env.runtime.provisions))
	for _, h := range handles {
		assert.Equal(t, handles[0], h)
	}
}

func TestQuotaEviction_EvictsLeastRecentlyActive(t *testing.T) {
	policy := defaultPolicy()
	policy.MaxTotal = 2
	policy.MaxPerUser = 2
	env := newTestEnv(t, policy)
	ctx := context.Background()

	keyA := env.seedSessionWorkspace(t, "user-1")
	keyB := env.seedSessionWorkspace(t, "user-2")
	keyC := env.seedSessionWorkspace(t, "user-3")

	_, err := env.manager.GetOrCreate(ctx, keyA)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = env.manager.GetOrCreate(ctx, keyB)
	require.NoError(t, err)

	// Refresh A so B becomes the eviction candidate.
	time.Sleep(5 * time.Millisecond)
	_, err = env.manager.GetOrCreate(ctx, keyA)
	require.NoError(t, err)

	_, err = env.manager.GetOrCreate(ctx, keyC)
	require.NoError(t, err)

	assert.Equal(t, 2, len(env.manager.List()))
	_, okA := env.manager.Get(keyA)
	_, okB := env.manager.Get(keyB)
	_, okC := env.manager.Get(keyC)
	assert.True(t, okA)
	assert.False(t, okB, "least-recently-active session should have been evicted")
	assert.True(t, okC)
	assert.Equal(t, 1, env.runtime.stopCount())
}

func TestQuotaEviction_PerUserCap(t *testing.T) {
	policy := defaultPolicy()
	policy.MaxPerUser = 1
	env := newTestEnv(t, policy)
	ctx := context.Background()

	keyA := env.seedSessionWorkspace(t, "user-1")
	keyB := env.seedSessionWorkspace(t, "user-1")

	_, err := env.manager.GetOrCreate(ctx, keyA)
	require.NoError(t, err)
	_, err = env.manager.GetOrCreate(ctx, keyB)
	require.NoError(t, err)

	_, okA := env.manager.Get(keyA)
	_, okB := env.manager.Get(keyB)
	assert.False(t, okA)
	assert.True(t, okB)
}

func TestCleanup_Idempotent(t *testing.T) {
	env := newTestEnv(t, defaultPolicy())
	ctx := context.Background()
	key := env.seedSessionWorkspace(t, "user-1")

	_, err := env.manager.GetOrCreate(ctx, key)
	require.NoError(t, err)

	assert.True(t, env.manager.Cleanup(ctx, key))
	assert.False(t, env.manager.Cleanup(ctx, key))
	assert.Nil(t, env.manager.Info(key))
}

func TestCleanup_PersistsWorkspace(t *testing.T) {
	env := newTestEnv(t, defaultPolicy())
	ctx := context.Background()
	key := env.seedSessionWorkspace(t, "user-1")

	s, err := env.manager.GetOrCreate(ctx, key)
	require.NoError(t, err)

	// Simulate a command writing into the mirror.
	require.NoError(t, writeMirrorFile(s.WorkingDir, "result.txt", "42"))

	require.True(t, env.manager.Cleanup(ctx, key))

	item, err := env.repo.GetItemByPath(ctx, key, "result.txt")
	require.NoError(t, err)
	assert.Equal(t, "42", item.Text())
}

func TestCleanupIdle_EvictsOnlyExpired(t *testing.T) {
	policy := defaultPolicy()
	policy.IdleTimeout = 1 // one second
	env := newTestEnv(t, policy)
	ctx := context.Background()

	staleKey := env.seedSessionWorkspace(t, "user-1")
	freshKey := env.seedSessionWorkspace(t, "user-2")

	stale, err := env.manager.GetOrCreate(ctx, staleKey)
	require.NoError(t, err)
	_, err = env.manager.GetOrCreate(ctx, freshKey)
	require.NoError(t, err)

	stale.LastActivity = time.Now().Add(-2 * time.Second)

	evicted := env.manager.CleanupIdle(ctx)
	assert.Equal(t, 1, evicted)

	_, okStale := env.manager.Get(staleKey)
	_, okFresh := env.manager.Get(freshKey)
	assert.False(t, okStale)
	assert.True(t, okFresh)
}

func TestCleanupIdle_EvictsExpiredLifetime(t *testing.T) {
	env := newTestEnv(t, defaultPolicy())
	ctx := context.Background()
	key := env.seedSessionWorkspace(t, "user-1")

	s, err := env.manager.GetOrCreate(ctx, key)
	require.NoError(t, err)

	s.CreatedAt = time.Now().Add(-3 * time.Hour)

	assert.Equal(t, 1, env.manager.CleanupIdle(ctx))
	_, ok := env.manager.Get(key)
	assert.False(t, ok)
}

func TestRestart_ReplacesHandle(t *testing.T) {
	env := newTestEnv(t, defaultPolicy())
	ctx := context.Background()
	key := env.seedSessionWorkspace(t, "user-1")

	s, err := env.manager.GetOrCreate(ctx, key)
	require.NoError(t, err)
	oldHandle := s.Handle

	require.NoError(t, env.manager.Restart(ctx, key))

	s, ok := env.manager.Get(key)
	require.True(t, ok)
	assert.NotEqual(t, oldHandle, s.Handle)
	assert.Equal(t, v1.SessionStatusActive, s.Status)
	assert.Contains(t, env.runtime.stopped, oldHandle)
}

func TestRestart_FailureCleansUpFully(t *testing.T) {
	env := newTestEnv(t, defaultPolicy())
	ctx := context.Background()
	key := env.seedSessionWorkspace(t, "user-1")

	_, err := env.manager.GetOrCreate(ctx, key)
	require.NoError(t, err)

	env.runtime.failNext = true
	err = env.manager.Restart(ctx, key)
	require.Error(t, err)

	_, ok := env.manager.Get(key)
	assert.False(t, ok, "failed restart must not leave a half-initialized entry")
}

func TestRestart_UnknownKey(t *testing.T) {
	env := newTestEnv(t, defaultPolicy())

	err := env.manager.Restart(context.Background(), "missing")
	assert.True(t, apperrors.IsSessionNotFound(err))
}

func TestInfo_UnknownKeyIsNil(t *testing.T) {
	env := newTestEnv(t, defaultPolicy())
	assert.Nil(t, env.manager.Info("missing"))
}

func TestShutdown_CleansAllSessions(t *testing.T) {
	env := newTestEnv(t, defaultPolicy())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		key := env.seedSessionWorkspace(t, fmt.Sprintf("user-%d", i))
		_, err := env.manager.GetOrCreate(ctx, key)
		require.NoError(t, err)
	}

	env.manager.Shutdown(ctx)
	assert.Empty(t, env.manager.List())
	assert.Equal(t, 3, env.runtime.stopCount())
}
