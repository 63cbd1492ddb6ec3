package v1

import "time"

// SessionStatus represents the lifecycle state of a sandbox session
type SessionStatus string

const (
	SessionStatusProvisioning SessionStatus = "PROVISIONING"
	SessionStatusActive       SessionStatus = "ACTIVE"
	SessionStatusUnhealthy    SessionStatus = "UNHEALTHY"
	SessionStatusTerminating  SessionStatus = "TERMINATING"
)

// SessionInfo describes an active sandbox session
type SessionInfo struct {
	Key          string        `json:"key"`
	WorkspaceID  string        `json:"workspace_id"`
	UserID       string        `json:"user_id,omitempty"`
	Handle       string        `json:"handle"` // container ID or pod name
	Runtime      string        `json:"runtime"`
	Status       SessionStatus `json:"status"`
	WorkingDir   string        `json:"working_dir"`
	CreatedAt    time.Time     `json:"created_at"`
	LastActivity time.Time     `json:"last_activity"`
}

// ExecResult is the outcome of a command executed inside a sandbox
type ExecResult struct {
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
}

// SandboxStats reports per-sandbox resource usage
type SandboxStats struct {
	MemoryBytes int64   `json:"memory_bytes"`
	CPUPercent  float64 `json:"cpu_percent"`
	Status      string  `json:"status"`
}

// SyncReport is the partial result of a workspace synchronization pass.
// Errors never abort the pass; they are collected per affected path.
type SyncReport struct {
	Synced  int               `json:"synced"`
	Created int               `json:"created"`
	Updated int               `json:"updated"`
	Deleted int               `json:"deleted"`
	Errors  map[string]string `json:"errors,omitempty"` // path -> error message
}

// HasErrors reports whether any path failed to synchronize.
func (r *SyncReport) HasErrors() bool {
	return len(r.Errors) > 0
}
