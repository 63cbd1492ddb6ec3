package repository

import "context"

// Resolver adapts the repository to the workspace lookup the session
// manager needs at provision time.
type Resolver struct {
	repo Repository
}

// NewResolver creates a repository-backed workspace resolver.
func NewResolver(repo Repository) *Resolver {
	return &Resolver{repo: repo}
}

// ResolveWorkspace returns the external handle and owner of a workspace.
func (r *Resolver) ResolveWorkspace(ctx context.Context, workspaceID string) (string, string, error) {
	ws, err := r.repo.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return "", "", err
	}
	return ws.Handle, ws.OwnerID, nil
}
