// Package dispatch routes terminal commands to a session's sandbox and
// keeps the workspace in sync afterwards. When no runtime is reachable it
// degrades to a persistent host shell over the workspace mirror, so users
// keep a working terminal during runtime outages.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/codebench/codebench/internal/common/errors"
	"github.com/codebench/codebench/internal/common/logger"
	"github.com/codebench/codebench/internal/sandbox/session"
	syncer "github.com/codebench/codebench/internal/workspace/sync"
	v1 "github.com/codebench/codebench/pkg/api/v1"

	"go.uber.org/zap"
)

// Dispatcher executes commands for sessions. Commands for the same session
// run strictly in order; commands for different sessions run concurrently.
type Dispatcher struct {
	manager *session.Manager
	syncer  *syncer.Syncer
	timeout time.Duration
	logger  *logger.Logger

	mu     sync.Mutex
	cmdMu  map[string]*sync.Mutex
	shells map[string]*shellSession
}

func NewDispatcher(manager *session.Manager, syncSvc *syncer.Syncer, timeout time.Duration, log *logger.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Dispatcher{
		manager: manager,
		syncer:  syncSvc,
		timeout: timeout,
		logger:  log,
		cmdMu:   make(map[string]*sync.Mutex),
		shells:  make(map[string]*shellSession),
	}
}

// Execute runs a command for the session identified by key and returns its
// combined output and exit code. Timeouts produce exit code 124 with a
// notice appended to the output; the session stays usable.
func (d *Dispatcher) Execute(ctx context.Context, key, command string) (*v1.ExecResult, error) {
	lock := d.commandLock(key)
	lock.Lock()
	defer lock.Unlock()

	rt := d.manager.Runtime()
	if !rt.Available(ctx) {
		d.logger.Warn("Runtime unavailable, using fallback shell",
			zap.String("session_key", key), zap.String("runtime", rt.Name()))
		return d.executeFallback(ctx, key, command)
	}

	sess, err := d.manager.GetOrCreate(ctx, key)
	if err != nil {
		return nil, err
	}

	result, err := d.execWithRetry(ctx, key, sess, command)
	if err != nil {
		return nil, err
	}

	d.manager.Touch(key)
	d.syncWorkspace(ctx, key, command)
	return result, nil
}

// execWithRetry runs the command once and, if the sandbox turned out to be
// dead, restarts it and retries a single time.
func (d *Dispatcher) execWithRetry(ctx context.Context, key string, sess *session.Session, command string) (*v1.ExecResult, error) {
	result, err := d.execOnce(ctx, sess.Handle, command)
	if err == nil {
		return result, nil
	}

	running, checkErr := d.manager.Runtime().IsRunning(ctx, sess.Handle)
	if checkErr == nil && running {
		// Sandbox is alive, the command itself failed to execute.
		return nil, err
	}

	d.logger.Warn("Sandbox unhealthy, restarting",
		zap.String("session_key", key), zap.Error(err))
	d.manager.MarkUnhealthy(ctx, key)

	if restartErr := d.manager.Restart(ctx, key); restartErr != nil {
		return nil, apperrors.SandboxUnhealthy(key, restartErr)
	}
	restarted, ok := d.manager.Get(key)
	if !ok {
		return nil, apperrors.SessionNotFound(key)
	}

	result, err = d.execOnce(ctx, restarted.Handle, command)
	if err != nil {
		return nil, apperrors.SandboxUnhealthy(key, err)
	}
	return result, nil
}

// execOnce runs the command in the sandbox with the dispatch timeout. A
// deadline hit is reported as exit 124 rather than an error so the session
// is not treated as unhealthy.
func (d *Dispatcher) execOnce(ctx context.Context, handle, command string) (*v1.ExecResult, error) {
	execCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	result, err := d.manager.Runtime().Exec(execCtx, handle, command)
	if err != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			output := ""
			if result != nil {
				output = result.Output
			}
			return timeoutResult(output, d.timeout), nil
		}
		return nil, err
	}
	return result, nil
}

// syncWorkspace persists command side effects. Explicit filesystem commands
// get dedicated handling so single-file operations do not pay for a full
// mirror scan; everything else goes through the mutation heuristic.
func (d *Dispatcher) syncWorkspace(ctx context.Context, key, command string) {
	sess, ok := d.manager.Get(key)
	if !ok {
		return
	}
	sb := syncer.NewSandboxFS(d.manager.Runtime(), sess.Handle)

	if op, path, ok := syncer.ParseExplicitOp(command); ok {
		var err error
		switch op {
		case syncer.OpTouch:
			err = d.syncer.Touch(ctx, sess.WorkspaceID, path, sb)
		case syncer.OpRm:
			err = d.syncer.Remove(ctx, sess.WorkspaceID, path, sb)
		case syncer.OpMkdir:
			err = d.syncer.Mkdir(ctx, sess.WorkspaceID, path, sb)
		}
		if err != nil && !errors.Is(err, syncer.ErrPathNotFound) {
			d.logger.Warn("Explicit filesystem sync failed",
				zap.String("session_key", key),
				zap.String("path", path), zap.Error(err))
		}
		return
	}

	report, err := d.syncer.SyncAfter(ctx, sess.WorkspaceID, command)
	if err != nil {
		d.logger.Warn("Post-command sync failed",
			zap.String("session_key", key), zap.Error(err))
		return
	}
	if report != nil && report.HasErrors() {
		d.logger.Warn("Post-command sync completed with errors",
			zap.String("session_key", key),
			zap.Int("errors", len(report.Errors)))
	}
}

// executeFallback runs the command in a persistent host shell rooted at the
// workspace mirror. The sandbox is bypassed entirely; workspace sync still
// applies so edits made through the shell are not lost.
func (d *Dispatcher) executeFallback(ctx context.Context, key, command string) (*v1.ExecResult, error) {
	workspaceID := d.manager.WorkspaceID(key)

	shell, err := d.fallbackShell(ctx, key, workspaceID)
	if err != nil {
		return nil, apperrors.RuntimeUnavailable(d.manager.Runtime().Name(), err)
	}

	output, exitCode := shell.Run(command, d.timeout)

	if op, path, ok := syncer.ParseExplicitOp(command); ok && exitCode == 0 {
		var opErr error
		switch op {
		case syncer.OpTouch:
			opErr = d.syncer.Touch(ctx, workspaceID, path, nil)
		case syncer.OpRm:
			opErr = d.syncer.Remove(ctx, workspaceID, path, nil)
		case syncer.OpMkdir:
			opErr = d.syncer.Mkdir(ctx, workspaceID, path, nil)
		}
		if opErr != nil && !errors.Is(opErr, syncer.ErrPathNotFound) {
			d.logger.Warn("Fallback filesystem sync failed",
				zap.String("session_key", key), zap.Error(opErr))
		}
	} else if _, syncErr := d.syncer.SyncAfter(ctx, workspaceID, command); syncErr != nil {
		d.logger.Warn("Fallback post-command sync failed",
			zap.String("session_key", key), zap.Error(syncErr))
	}

	return &v1.ExecResult{Output: output, ExitCode: exitCode}, nil
}

// fallbackShell returns the session's host shell, creating it and loading
// the workspace into the mirror on first use.
func (d *Dispatcher) fallbackShell(ctx context.Context, key, workspaceID string) (*shellSession, error) {
	d.mu.Lock()
	if shell, ok := d.shells[key]; ok {
		d.mu.Unlock()
		return shell, nil
	}
	d.mu.Unlock()

	mirror, err := d.syncer.WorkspaceMirror(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace mirror: %w", err)
	}
	if _, err := d.syncer.Load(ctx, workspaceID, nil); err != nil {
		return nil, fmt.Errorf("failed to load workspace into mirror: %w", err)
	}

	shell, err := newShellSession(mirror, d.logger)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.shells[key]; ok {
		shell.Close()
		return existing, nil
	}
	d.shells[key] = shell
	return shell, nil
}

// CloseSession tears down any fallback shell held for the session. Callers
// cleaning up a session should invoke this alongside the manager cleanup.
func (d *Dispatcher) CloseSession(key string) {
	d.mu.Lock()
	shell, ok := d.shells[key]
	if ok {
		delete(d.shells, key)
	}
	d.mu.Unlock()
	if ok {
		shell.Close()
	}
}

// Close shuts down all fallback shells.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	shells := d.shells
	d.shells = make(map[string]*shellSession)
	d.mu.Unlock()
	for _, shell := range shells {
		shell.Close()
	}
}

func (d *Dispatcher) commandLock(key string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	lock, ok := d.cmdMu[key]
	if !ok {
		lock = &sync.Mutex{}
		d.cmdMu[key] = lock
	}
	return lock
}

func timeoutResult(output string, timeout time.Duration) *v1.ExecResult {
	notice := fmt.Sprintf("command timed out after %s", timeout)
	if output != "" {
		output = output + "\n" + notice
	} else {
		output = notice
	}
	return &v1.ExecResult{Output: output, ExitCode: 124}
}
