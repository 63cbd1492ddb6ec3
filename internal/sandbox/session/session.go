// Package session owns the sandbox lifecycle state machine: creation,
// reuse, quota eviction, restart and teardown.
package session

import (
	"time"

	v1 "github.com/codebench/codebench/pkg/api/v1"
)

// Session is the in-memory record of one live sandbox. It exists only while
// a session key is active, is never persisted, and is mutated only by the
// Manager.
type Session struct {
	Key          string
	WorkspaceID  string
	UserID       string
	Handle       string // container id or pod name
	Runtime      string
	WorkingDir   string
	Status       v1.SessionStatus
	CreatedAt    time.Time
	LastActivity time.Time
}

// Info returns the externally visible view of the session.
func (s *Session) Info() *v1.SessionInfo {
	return &v1.SessionInfo{
		Key:          s.Key,
		WorkspaceID:  s.WorkspaceID,
		UserID:       s.UserID,
		Handle:       s.Handle,
		Runtime:      s.Runtime,
		Status:       s.Status,
		WorkingDir:   s.WorkingDir,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity,
	}
}

// IdleFor returns how long the session has been idle.
func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActivity)
}

// Age returns the session lifetime.
func (s *Session) Age(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}
