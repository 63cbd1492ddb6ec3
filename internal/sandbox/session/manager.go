package session

import (
	"context"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codebench/codebench/internal/common/config"
	apperrors "github.com/codebench/codebench/internal/common/errors"
	"github.com/codebench/codebench/internal/common/logger"
	"github.com/codebench/codebench/internal/events"
	"github.com/codebench/codebench/internal/events/bus"
	"github.com/codebench/codebench/internal/sandbox/runtime"
	syncer "github.com/codebench/codebench/internal/workspace/sync"
	v1 "github.com/codebench/codebench/pkg/api/v1"
)

// KeyResolver maps a session key to its workspace ID. Keys may be plain
// workspace IDs or composite per-connection identifiers.
type KeyResolver func(key string) string

// Manager owns the sandbox session state machine:
// absent -> provisioning -> active -> terminating -> absent, with
// active -> active on reuse and restart recreating the sandbox in place.
type Manager struct {
	runtime   runtime.Runtime
	syncer    *syncer.Syncer
	workspace WorkspaceResolver
	eventBus  bus.EventBus
	policy    config.SandboxConfig
	resolve   KeyResolver
	registry  *Registry
	logger    *logger.Logger

	// quotaMu serializes the quota check-then-evict sequence globally.
	quotaMu sync.Mutex
}

// WorkspaceResolver looks up a workspace's handle and owner.
type WorkspaceResolver interface {
	ResolveWorkspace(ctx context.Context, workspaceID string) (handle, ownerID string, err error)
}

// NewManager creates a session lifecycle manager.
func NewManager(rt runtime.Runtime, sync *syncer.Syncer, resolver WorkspaceResolver, eventBus bus.EventBus, policy config.SandboxConfig, log *logger.Logger) *Manager {
	return &Manager{
		runtime:   rt,
		syncer:    sync,
		workspace: resolver,
		eventBus:  eventBus,
		policy:    policy,
		resolve:   func(key string) string { return key },
		registry:  NewRegistry(),
		logger:    log.WithFields(zap.String("component", "session-manager")),
	}
}

// SetKeyResolver overrides the default identity key-to-workspace mapping.
func (m *Manager) SetKeyResolver(resolve KeyResolver) {
	if resolve != nil {
		m.resolve = resolve
	}
}

// Runtime exposes the backing runtime for collaborators that need direct
// sandbox access (dispatcher, scheduler).
func (m *Manager) Runtime() runtime.Runtime {
	return m.runtime
}

// Policy returns the read-only resource policy.
func (m *Manager) Policy() config.SandboxConfig {
	return m.policy
}

// WorkspaceID resolves a session key to the workspace it serves.
func (m *Manager) WorkspaceID(key string) string {
	return m.resolve(key)
}

// GetOrCreate returns the active session for a key, refreshing its activity
// timestamp, or provisions a new sandbox: quota enforcement, working
// directory creation, runtime provision, workspace load, registration.
// Concurrent calls for the same key are serialized per key.
func (m *Manager) GetOrCreate(ctx context.Context, key string) (*Session, error) {
	lock := m.registry.KeyLock(key)
	lock.Lock()
	defer lock.Unlock()

	if s, ok := m.registry.Get(key); ok && s.Status == v1.SessionStatusActive {
		m.registry.Touch(key)
		m.publishEvent(ctx, events.SessionReused, s)
		return s, nil
	}

	return m.provision(ctx, key)
}

// provision creates the sandbox for a key. The caller holds the key lock.
func (m *Manager) provision(ctx context.Context, key string) (*Session, error) {
	// A leftover non-active entry (unhealthy, mid-termination) must not
	// leak its sandbox when the key is recreated.
	if old, ok := m.registry.Get(key); ok {
		m.registry.Delete(key)
		m.teardown(ctx, old)
	}

	workspaceID := m.resolve(key)

	handle, ownerID, err := m.workspace.ResolveWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, apperrors.ProvisionFailed(key, err)
	}

	if err := m.enforceQuotas(ctx, key, ownerID); err != nil {
		return nil, err
	}

	workingDir := m.syncer.MirrorDir(handle)
	if err := os.MkdirAll(workingDir, 0o777); err != nil {
		return nil, apperrors.ProvisionFailed(key, err)
	}

	now := time.Now()
	s := &Session{
		Key:          key,
		WorkspaceID:  workspaceID,
		UserID:       ownerID,
		Runtime:      m.runtime.Name(),
		WorkingDir:   workingDir,
		Status:       v1.SessionStatusProvisioning,
		CreatedAt:    now,
		LastActivity: now,
	}
	m.registry.Put(s)

	sandboxHandle, err := m.runtime.Provision(ctx, key, workingDir)
	if err != nil {
		m.registry.Delete(key)
		m.rollbackWorkingDir(workingDir)
		return nil, apperrors.ProvisionFailed(key, err)
	}

	s.Handle = sandboxHandle

	report, err := m.syncer.Load(ctx, workspaceID, syncer.NewSandboxFS(m.runtime, sandboxHandle))
	if err != nil {
		_ = m.runtime.Stop(ctx, sandboxHandle)
		m.registry.Delete(key)
		m.rollbackWorkingDir(workingDir)
		return nil, apperrors.ProvisionFailed(key, err)
	}
	if report.HasErrors() {
		m.logger.Warn("Workspace loaded with partial errors",
			zap.String("session_key", key),
			zap.Int("errors", len(report.Errors)),
		)
	}

	s.Status = v1.SessionStatusActive
	m.publishEvent(ctx, events.SessionCreated, s)

	m.logger.Info("Session created",
		zap.String("session_key", key),
		zap.String("workspace_id", workspaceID),
		zap.String("handle", sandboxHandle),
	)
	return s, nil
}

// rollbackWorkingDir removes a working directory created for a provision
// that did not complete.
func (m *Manager) rollbackWorkingDir(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		m.logger.Warn("Failed to roll back working directory",
			zap.String("dir", dir),
			zap.Error(err),
		)
	}
}

// enforceQuotas evicts least-recently-active sessions until both the global
// and the per-user limits admit one more sandbox. Victims are persisted
// before destruction. The whole check-then-evict runs under the global
// quota lock.
func (m *Manager) enforceQuotas(ctx context.Context, key, userID string) error {
	m.quotaMu.Lock()
	defer m.quotaMu.Unlock()

	for m.policy.MaxTotal > 0 && m.registry.Len() >= m.policy.MaxTotal {
		victim := m.registry.LeastRecentlyActive(key)
		if victim == nil {
			return apperrors.QuotaExceeded("global sandbox limit reached with no evictable session")
		}
		m.evict(ctx, victim)
	}

	for m.policy.MaxPerUser > 0 && m.registry.CountByUser(userID) >= m.policy.MaxPerUser {
		victim := m.registry.LeastRecentlyActiveByUser(userID, key)
		if victim == nil {
			return apperrors.QuotaExceeded("per-user sandbox limit reached with no evictable session")
		}
		m.evict(ctx, victim)
	}

	return nil
}

// evict removes a session from the registry immediately so it cannot be
// reused, then persists and destroys it. It intentionally does not take the
// victim's key lock: lock ordering with the quota lock would deadlock, and
// an in-flight command keeps a still-valid handle until Stop lands.
func (m *Manager) evict(ctx context.Context, victim *Session) {
	m.registry.Delete(victim.Key)
	victim.Status = v1.SessionStatusTerminating

	m.logger.Info("Evicting session for quota",
		zap.String("session_key", victim.Key),
		zap.Time("last_activity", victim.LastActivity),
	)

	m.teardown(ctx, victim)
	m.publishEvent(ctx, events.SessionEvicted, victim)
}

// Cleanup tears a session down: persist the workspace, stop the sandbox,
// delete the working directory, drop the registry entry. Idempotent; an
// unknown key returns false.
func (m *Manager) Cleanup(ctx context.Context, key string) bool {
	lock := m.registry.KeyLock(key)
	lock.Lock()
	defer lock.Unlock()

	s, ok := m.registry.Get(key)
	if !ok {
		return false
	}

	s.Status = v1.SessionStatusTerminating
	m.registry.Delete(key)
	m.teardown(ctx, s)
	m.publishEvent(ctx, events.SessionCleaned, s)

	m.logger.Info("Session cleaned up", zap.String("session_key", key))
	return true
}

// teardown persists and destroys a sandbox. Persistence and stop failures
// are logged, not fatal: teardown must always converge to absent.
func (m *Manager) teardown(ctx context.Context, s *Session) {
	if _, err := m.syncer.Save(ctx, s.WorkspaceID); err != nil {
		m.logger.Warn("Failed to persist workspace during teardown",
			zap.String("session_key", s.Key),
			zap.Error(err),
		)
	}

	if s.Handle != "" {
		if err := m.runtime.Stop(ctx, s.Handle); err != nil {
			m.logger.Warn("Failed to stop sandbox during teardown",
				zap.String("session_key", s.Key),
				zap.String("handle", s.Handle),
				zap.Error(err),
			)
		}
	}

	m.rollbackWorkingDir(s.WorkingDir)
	m.syncer.Forget(s.WorkspaceID)
}

// CleanupIdle sweeps all sessions and evicts those idle beyond the idle
// timeout or older than the max lifetime. Returns the count evicted.
func (m *Manager) CleanupIdle(ctx context.Context) int {
	idleTimeout := m.policy.IdleTimeoutDuration()
	maxLifetime := m.policy.MaxLifetimeDuration()

	evicted := 0
	for _, s := range m.registry.List() {
		lock := m.registry.KeyLock(s.Key)
		lock.Lock()

		current, ok := m.registry.Get(s.Key)
		if !ok {
			lock.Unlock()
			continue
		}
		now := time.Now()
		expired := current.IdleFor(now) > idleTimeout || current.Age(now) > maxLifetime
		if !expired {
			lock.Unlock()
			continue
		}

		current.Status = v1.SessionStatusTerminating
		m.registry.Delete(current.Key)
		m.teardown(ctx, current)
		m.publishEvent(ctx, events.SessionEvicted, current)
		lock.Unlock()

		m.logger.Info("Evicted idle session",
			zap.String("session_key", current.Key),
			zap.Duration("idle", current.IdleFor(now)),
		)
		evicted++
	}
	return evicted
}

// Restart stops the session's sandbox and provisions a fresh one reusing
// the same working directory. On failure the session is fully cleaned up
// rather than left half-initialized.
func (m *Manager) Restart(ctx context.Context, key string) error {
	lock := m.registry.KeyLock(key)
	lock.Lock()
	defer lock.Unlock()

	s, ok := m.registry.Get(key)
	if !ok {
		return apperrors.SessionNotFound(key)
	}

	m.logger.Info("Restarting session",
		zap.String("session_key", key),
		zap.String("old_handle", s.Handle),
	)

	if s.Handle != "" {
		if err := m.runtime.Stop(ctx, s.Handle); err != nil {
			m.logger.Warn("Failed to stop sandbox before restart",
				zap.String("session_key", key),
				zap.Error(err),
			)
		}
	}

	handle, err := m.runtime.Provision(ctx, key, s.WorkingDir)
	if err != nil {
		// Do not leave a half-initialized entry behind.
		s.Status = v1.SessionStatusTerminating
		m.registry.Delete(key)
		m.teardown(ctx, s)
		m.publishEvent(ctx, events.SessionCleaned, s)
		return apperrors.ProvisionFailed(key, err)
	}

	s.Handle = handle
	s.Status = v1.SessionStatusActive
	m.registry.Touch(key)

	// Non-bind-mounted sandboxes start empty; repopulate from the mirror
	// via the database, which teardown semantics keep authoritative here.
	if !m.runtime.BindMounted() {
		if _, err := m.syncer.Save(ctx, s.WorkspaceID); err != nil {
			m.logger.Warn("Failed to persist mirror before reload", zap.Error(err))
		}
		if _, err := m.syncer.Load(ctx, s.WorkspaceID, syncer.NewSandboxFS(m.runtime, handle)); err != nil {
			m.logger.Warn("Failed to repopulate restarted sandbox", zap.Error(err))
		}
	}

	m.publishEvent(ctx, events.SessionRestarted, s)
	return nil
}

// MarkUnhealthy flags a session after a failed health probe or exec.
func (m *Manager) MarkUnhealthy(ctx context.Context, key string) {
	s, ok := m.registry.Get(key)
	if !ok {
		return
	}
	s.Status = v1.SessionStatusUnhealthy
	m.publishEvent(ctx, events.SessionUnhealthy, s)
}

// Get returns the session for a key without mutating it.
func (m *Manager) Get(key string) (*Session, bool) {
	return m.registry.Get(key)
}

// Touch refreshes a session's activity timestamp.
func (m *Manager) Touch(key string) {
	m.registry.Touch(key)
}

// Info returns the session status view, or nil for an unknown key.
func (m *Manager) Info(key string) *v1.SessionInfo {
	s, ok := m.registry.Get(key)
	if !ok {
		return nil
	}
	return s.Info()
}

// List returns a snapshot of all sessions.
func (m *Manager) List() []*Session {
	return m.registry.List()
}

// Shutdown cleans up every active session.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, s := range m.registry.List() {
		m.Cleanup(ctx, s.Key)
	}
	m.logger.Info("All sessions cleaned up")
}

func (m *Manager) publishEvent(ctx context.Context, eventType string, s *Session) {
	if m.eventBus == nil {
		return
	}

	event := bus.NewEvent(eventType, "session-manager", map[string]interface{}{
		"session_key":  s.Key,
		"workspace_id": s.WorkspaceID,
		"user_id":      s.UserID,
		"handle":       s.Handle,
		"runtime":      s.Runtime,
		"status":       string(s.Status),
	})

	if err := m.eventBus.Publish(ctx, eventType, event); err != nil {
		m.logger.Warn("Failed to publish session event",
			zap.String("event_type", eventType),
			zap.String("session_key", s.Key),
			zap.Error(err),
		)
	}
}
