// Package runtime abstracts sandbox provisioning and command execution over
// interchangeable backends.
package runtime

import (
	"context"
	"errors"

	v1 "github.com/codebench/codebench/pkg/api/v1"
)

// ErrImageMissing indicates the configured sandbox image does not exist.
// It is distinct from transient backend connectivity failures so callers
// can fail fast instead of retrying.
var ErrImageMissing = errors.New("sandbox image missing")

// Label keys applied to every sandbox this service provisions.
const (
	LabelManaged    = "codebench.managed"
	LabelSessionKey = "codebench.session-key"
	ManagedValue    = "true"
)

// Runtime provisions and destroys sandboxes and runs one-shot commands
// inside them. Exec is non-interactive: each command runs fresh in the
// sandbox working directory with stdout and stderr merged.
type Runtime interface {
	// Name identifies the backend variant.
	Name() string

	// Available reports whether the backend API is reachable.
	Available(ctx context.Context) bool

	// VerifyImage checks that the sandbox image can be used, returning
	// ErrImageMissing when it is absent.
	VerifyImage(ctx context.Context) error

	// Provision creates and starts a sandbox for the session key with the
	// given host working directory, returning the backend handle.
	Provision(ctx context.Context, key, workingDir string) (string, error)

	// Exec runs a single command in the sandbox and returns its merged
	// output and exit code.
	Exec(ctx context.Context, handle, command string) (*v1.ExecResult, error)

	// Stop tears down the sandbox. Stopping an already-gone sandbox is
	// not an error.
	Stop(ctx context.Context, handle string) error

	// Stats returns a point-in-time resource sample for the sandbox.
	Stats(ctx context.Context, handle string) (*v1.SandboxStats, error)

	// IsRunning reports whether the sandbox is still in a running state.
	// A sandbox that no longer exists returns (false, nil).
	IsRunning(ctx context.Context, handle string) (bool, error)

	// CleanupOrphans removes sandboxes labeled as belonging to this
	// service that are no longer tracked, returning the count removed.
	CleanupOrphans(ctx context.Context) (int, error)

	// BindMounted reports whether the working directory is bind-mounted
	// into the sandbox. When false, workspace files must be pushed into
	// the sandbox filesystem explicitly.
	BindMounted() bool

	// WriteFile, RemoveFile and MakeDir mutate the sandbox filesystem
	// directly. They are no-ops for bind-mounted backends where the
	// mirror directory already is the sandbox filesystem.
	WriteFile(ctx context.Context, handle, path, content string) error
	RemoveFile(ctx context.Context, handle, path string) error
	MakeDir(ctx context.Context, handle, path string) error

	// Close releases backend client resources.
	Close() error
}
