package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codebench/codebench/internal/common/config"
	"github.com/codebench/codebench/internal/common/logger"
	"github.com/codebench/codebench/internal/sandbox/session"
	"github.com/codebench/codebench/internal/workspace/models"
	"github.com/codebench/codebench/internal/workspace/repository"
	syncer "github.com/codebench/codebench/internal/workspace/sync"
	v1 "github.com/codebench/codebench/pkg/api/v1"
)

type reconcileRuntime struct {
	mu             sync.Mutex
	available      bool
	orphansRemoved int
	verifyErr      error
	cleanupCalls   int
	dead           map[string]bool
	stopped        []string
	provisions     int
}

func newReconcileRuntime() *reconcileRuntime {
	return &reconcileRuntime{available: true, dead: make(map[string]bool)}
}

func (r *reconcileRuntime) Name() string                       { return "reconcile" }
func (r *reconcileRuntime) Available(ctx context.Context) bool { return r.available }
func (r *reconcileRuntime) BindMounted() bool                  { return true }
func (r *reconcileRuntime) Close() error                       { return nil }

func (r *reconcileRuntime) VerifyImage(ctx context.Context) error { return r.verifyErr }

func (r *reconcileRuntime) Provision(ctx context.Context, key, workingDir string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.provisions++
	return fmt.Sprintf("sandbox-%d", r.provisions), nil
}

func (r *reconcileRuntime) Exec(ctx context.Context, handle, command string) (*v1.ExecResult, error) {
	return &v1.ExecResult{ExitCode: 0}, nil
}

func (r *reconcileRuntime) Stop(ctx context.Context, handle string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = append(r.stopped, handle)
	return nil
}

func (r *reconcileRuntime) Stats(ctx context.Context, handle string) (*v1.SandboxStats, error) {
	return &v1.SandboxStats{MemoryBytes: 1024, Status: "running"}, nil
}

func (r *reconcileRuntime) IsRunning(ctx context.Context, handle string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.dead[handle], nil
}

func (r *reconcileRuntime) CleanupOrphans(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleanupCalls++
	return r.orphansRemoved, nil
}

func (r *reconcileRuntime) WriteFile(ctx context.Context, handle, path, content string) error {
	return nil
}
func (r *reconcileRuntime) RemoveFile(ctx context.Context, handle, path string) error { return nil }
func (r *reconcileRuntime) MakeDir(ctx context.Context, handle, path string) error    { return nil }

type schedulerEnv struct {
	scheduler *Scheduler
	manager   *session.Manager
	runtime   *reconcileRuntime
	repo      repository.Repository
}

func newSchedulerEnv(t *testing.T, policy config.SandboxConfig) *schedulerEnv {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)

	repo := repository.NewMemoryRepository()
	t.Cleanup(func() { repo.Close() })

	if policy.MirrorBase == "" {
		policy.MirrorBase = t.TempDir()
	}

	rt := newReconcileRuntime()
	sync := syncer.NewSyncer(repo, nil, policy.MirrorBase, nil, log)
	mgr := session.NewManager(rt, sync, repository.NewResolver(repo), nil, policy, log)
	sched := NewScheduler(rt, mgr, policy, log)

	return &schedulerEnv{scheduler: sched, manager: mgr, runtime: rt, repo: repo}
}

func (e *schedulerEnv) createSession(t *testing.T) *session.Session {
	t.Helper()
	ws := &models.Workspace{OwnerID: "user-1", Name: "ws", Language: "python"}
	require.NoError(t, e.repo.CreateWorkspace(context.Background(), ws))
	sess, err := e.manager.GetOrCreate(context.Background(), ws.ID)
	require.NoError(t, err)
	return sess
}

func testPolicy() config.SandboxConfig {
	return config.SandboxConfig{
		MaxTotal:    10,
		MaxPerUser:  3,
		IdleTimeout: 900,
		MaxLifetime: 7200,
	}
}

func TestReconcileStartup_RemovesOrphans(t *testing.T) {
	env := newSchedulerEnv(t, testPolicy())
	env.runtime.orphansRemoved = 2

	env.scheduler.reconcileStartup(context.Background())

	assert.Equal(t, 1, env.runtime.cleanupCalls)
}

func TestCheckHealth_CleansDeadSandboxes(t *testing.T) {
	env := newSchedulerEnv(t, testPolicy())
	ctx := context.Background()

	alive := env.createSession(t)
	dead := env.createSession(t)
	env.runtime.mu.Lock()
	env.runtime.dead[dead.Handle] = true
	env.runtime.mu.Unlock()

	env.scheduler.checkHealth(ctx)

	assert.NotNil(t, env.manager.Info(alive.Key), "healthy session must survive")
	assert.Nil(t, env.manager.Info(dead.Key), "dead session must be cleaned up")
}

func TestCheckHealth_SkipsWhenRuntimeUnavailable(t *testing.T) {
	env := newSchedulerEnv(t, testPolicy())
	ctx := context.Background()

	sess := env.createSession(t)
	env.runtime.available = false
	env.runtime.mu.Lock()
	env.runtime.dead[sess.Handle] = true
	env.runtime.mu.Unlock()

	env.scheduler.checkHealth(ctx)

	assert.NotNil(t, env.manager.Info(sess.Key),
		"sessions must not be cleaned while the backend is unreachable")
}

func TestSweepIdle_EvictsStaleSessions(t *testing.T) {
	policy := testPolicy()
	policy.IdleTimeout = 1
	env := newSchedulerEnv(t, policy)
	ctx := context.Background()

	sess := env.createSession(t)
	sess.LastActivity = time.Now().Add(-time.Minute)

	env.scheduler.sweepIdle(ctx)

	assert.Nil(t, env.manager.Info(sess.Key))
}

func TestMonitorResources_SamplesAllSessions(t *testing.T) {
	env := newSchedulerEnv(t, testPolicy())
	ctx := context.Background()

	env.createSession(t)
	env.createSession(t)
	env.createSession(t)

	// Exercises the sampling and quota-warning paths.
	env.scheduler.monitorResources(ctx)
}

func TestScheduler_StartStop(t *testing.T) {
	policy := testPolicy()
	policy.IdleSweepSec = 1
	policy.HealthSec = 1
	policy.MonitorSec = 1
	env := newSchedulerEnv(t, policy)

	env.scheduler.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	env.scheduler.Stop()

	assert.Equal(t, 1, env.runtime.cleanupCalls, "startup reconciliation runs exactly once")
}
