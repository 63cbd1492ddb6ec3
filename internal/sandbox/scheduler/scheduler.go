// Package scheduler runs the background reconciliation loops for the
// sandbox fleet: orphan cleanup at startup, idle session sweeps, sandbox
// health checks and resource usage monitoring. Each loop runs on its own
// ticker so a slow backend call in one loop never delays the others.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codebench/codebench/internal/common/config"
	"github.com/codebench/codebench/internal/common/logger"
	"github.com/codebench/codebench/internal/sandbox/runtime"
	"github.com/codebench/codebench/internal/sandbox/session"
)

const (
	defaultIdleSweepInterval = 60 * time.Second
	defaultHealthInterval    = 120 * time.Second
	defaultMonitorInterval   = 300 * time.Second
	defaultWarnPct           = 80
)

// Scheduler owns the periodic reconciliation work. Loops are started with
// Start and drained with Stop; after Stop returns no loop is running.
type Scheduler struct {
	runtime runtime.Runtime
	manager *session.Manager
	policy  config.SandboxConfig
	logger  *logger.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewScheduler(rt runtime.Runtime, manager *session.Manager, policy config.SandboxConfig, log *logger.Logger) *Scheduler {
	return &Scheduler{
		runtime: rt,
		manager: manager,
		policy:  policy,
		logger:  log,
		stopCh:  make(chan struct{}),
	}
}

// Start performs the one-time startup reconciliation and launches the
// periodic loops. Startup failures are logged, not fatal: a missing image
// or unreachable backend is surfaced again on the next provision attempt.
func (s *Scheduler) Start(ctx context.Context) {
	s.reconcileStartup(ctx)

	s.launch(s.interval(s.policy.IdleSweepSec, defaultIdleSweepInterval), s.sweepIdle)
	s.launch(s.interval(s.policy.HealthSec, defaultHealthInterval), s.checkHealth)
	s.launch(s.interval(s.policy.MonitorSec, defaultMonitorInterval), s.monitorResources)

	s.logger.Info("Reconciliation scheduler started",
		zap.Int("idle_sweep_sec", s.policy.IdleSweepSec),
		zap.Int("health_sec", s.policy.HealthSec),
		zap.Int("monitor_sec", s.policy.MonitorSec))
}

// Stop halts all loops and waits for in-flight iterations to finish.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("Reconciliation scheduler stopped")
}

func (s *Scheduler) launch(interval time.Duration, task func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				task(context.Background())
			case <-s.stopCh:
				return
			}
		}
	}()
}

func (s *Scheduler) interval(seconds int, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

// reconcileStartup removes sandboxes left behind by a previous process and
// verifies the sandbox image is usable.
func (s *Scheduler) reconcileStartup(ctx context.Context) {
	removed, err := s.runtime.CleanupOrphans(ctx)
	if err != nil {
		s.logger.Warn("Startup orphan cleanup failed", zap.Error(err))
	} else if removed > 0 {
		s.logger.Info("Removed orphaned sandboxes", zap.Int("count", removed))
	}

	if err := s.runtime.VerifyImage(ctx); err != nil {
		if errors.Is(err, runtime.ErrImageMissing) {
			s.logger.Error("Sandbox image missing, provisioning will fail until it is available",
				zap.String("image", s.policy.Image), zap.Error(err))
			return
		}
		s.logger.Warn("Sandbox image verification failed", zap.Error(err))
	}
}

// sweepIdle evicts sessions that exceeded the idle timeout or maximum
// lifetime. Eviction persists the workspace first, so a swept user only
// pays a cold start on their next command.
func (s *Scheduler) sweepIdle(ctx context.Context) {
	cleaned := s.manager.CleanupIdle(ctx)
	if cleaned > 0 {
		s.logger.Info("Idle sweep evicted sessions", zap.Int("count", cleaned))
	}
}

// checkHealth pings the runtime backend and reconciles session records
// against sandbox liveness. Sessions whose sandbox disappeared are cleaned
// up; the next command for that key provisions a fresh one.
func (s *Scheduler) checkHealth(ctx context.Context) {
	if !s.runtime.Available(ctx) {
		s.logger.Warn("Runtime backend unreachable", zap.String("runtime", s.runtime.Name()))
		return
	}

	for _, sess := range s.manager.List() {
		if sess.Handle == "" {
			continue
		}
		running, err := s.runtime.IsRunning(ctx, sess.Handle)
		if err != nil {
			s.logger.Warn("Health check failed for session",
				zap.String("session_key", sess.Key), zap.Error(err))
			continue
		}
		if running {
			continue
		}
		s.logger.Warn("Sandbox disappeared, cleaning up session",
			zap.String("session_key", sess.Key), zap.String("handle", sess.Handle))
		s.manager.MarkUnhealthy(ctx, sess.Key)
		s.manager.Cleanup(ctx, sess.Key)
	}
}

// monitorResources samples per-sandbox usage and warns users approaching
// their session quota.
func (s *Scheduler) monitorResources(ctx context.Context) {
	sessions := s.manager.List()
	perUser := make(map[string]int)
	var totalMemory int64

	for _, sess := range sessions {
		perUser[sess.UserID]++
		if sess.Handle == "" {
			continue
		}
		stats, err := s.runtime.Stats(ctx, sess.Handle)
		if err != nil {
			s.logger.Debug("Stats unavailable for session",
				zap.String("session_key", sess.Key), zap.Error(err))
			continue
		}
		totalMemory += stats.MemoryBytes
	}

	warnPct := s.policy.MonitorWarnPct
	if warnPct <= 0 {
		warnPct = defaultWarnPct
	}
	if s.policy.MaxPerUser > 0 {
		for userID, count := range perUser {
			if count*100 >= s.policy.MaxPerUser*warnPct {
				s.logger.Warn("User approaching session quota",
					zap.String("user_id", userID),
					zap.Int("sessions", count),
					zap.Int("max_per_user", s.policy.MaxPerUser))
			}
		}
	}

	s.logger.Debug("Resource monitor sample",
		zap.Int("sessions", len(sessions)),
		zap.Int64("total_memory_bytes", totalMemory))
}
