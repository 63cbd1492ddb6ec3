package sync

import "context"

// SandboxFS mutates the filesystem of a live sandbox. A nil SandboxFS means
// the sandbox shares the mirror through a bind mount and needs no pushes.
type SandboxFS interface {
	WriteFile(ctx context.Context, path, content string) error
	RemoveFile(ctx context.Context, path string) error
	MakeDir(ctx context.Context, path string) error
}

// RuntimeFS is the runtime-side surface the adapter binds a handle to.
type RuntimeFS interface {
	BindMounted() bool
	WriteFile(ctx context.Context, handle, path, content string) error
	RemoveFile(ctx context.Context, handle, path string) error
	MakeDir(ctx context.Context, handle, path string) error
}

type runtimeSandboxFS struct {
	rt     RuntimeFS
	handle string
}

// NewSandboxFS binds a runtime and sandbox handle into a SandboxFS. Returns
// nil for bind-mounted runtimes, where mirror writes already reach the
// sandbox.
func NewSandboxFS(rt RuntimeFS, handle string) SandboxFS {
	if rt == nil || rt.BindMounted() {
		return nil
	}
	return &runtimeSandboxFS{rt: rt, handle: handle}
}

func (f *runtimeSandboxFS) WriteFile(ctx context.Context, path, content string) error {
	return f.rt.WriteFile(ctx, f.handle, path, content)
}

func (f *runtimeSandboxFS) RemoveFile(ctx context.Context, path string) error {
	return f.rt.RemoveFile(ctx, f.handle, path)
}

func (f *runtimeSandboxFS) MakeDir(ctx context.Context, path string) error {
	return f.rt.MakeDir(ctx, f.handle, path)
}
