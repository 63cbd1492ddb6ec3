package repository

import (
	"context"

	"github.com/codebench/codebench/internal/workspace/models"
)

// Repository defines the interface for workspace storage operations
type Repository interface {
	// Workspace operations
	CreateWorkspace(ctx context.Context, ws *models.Workspace) error
	GetWorkspace(ctx context.Context, id string) (*models.Workspace, error)
	GetWorkspaceByHandle(ctx context.Context, handle string) (*models.Workspace, error)
	UpdateWorkspace(ctx context.Context, ws *models.Workspace) error
	// DeleteWorkspace removes a workspace and cascades to all of its items.
	DeleteWorkspace(ctx context.Context, id string) error
	ListWorkspacesByOwner(ctx context.Context, ownerID string) ([]*models.Workspace, error)

	// Item operations
	CreateItem(ctx context.Context, item *models.WorkspaceItem) error
	GetItem(ctx context.Context, id string) (*models.WorkspaceItem, error)
	GetItemByPath(ctx context.Context, workspaceID, fullPath string) (*models.WorkspaceItem, error)
	UpdateItemContent(ctx context.Context, id string, content string) error
	// DeleteItem removes an item; deleting a folder removes its descendants.
	DeleteItem(ctx context.Context, id string) error
	// DeleteItemsByWorkspace removes every item in a workspace.
	DeleteItemsByWorkspace(ctx context.Context, workspaceID string) error
	ListItems(ctx context.Context, workspaceID string) ([]*models.WorkspaceItem, error)

	// Close closes the repository (for database connections)
	Close() error
}
