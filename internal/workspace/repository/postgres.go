package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/codebench/codebench/internal/common/database"
	"github.com/codebench/codebench/internal/workspace/models"
)

// PostgresRepository provides PostgreSQL-based workspace storage operations
type PostgresRepository struct {
	db *database.DB
}

// Ensure PostgresRepository implements Repository interface
var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(ctx context.Context, db *database.DB) (*PostgresRepository, error) {
	repo := &PostgresRepository{db: db}

	if err := repo.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return repo, nil
}

// initSchema creates the database tables if they don't exist
func (r *PostgresRepository) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS workspaces (
		id UUID PRIMARY KEY,
		handle TEXT NOT NULL UNIQUE,
		owner_id TEXT NOT NULL,
		name TEXT NOT NULL,
		language TEXT NOT NULL DEFAULT 'python',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS workspace_items (
		id UUID PRIMARY KEY,
		workspace_id UUID NOT NULL REFERENCES workspaces(id) ON DELETE CASCADE,
		parent_id UUID REFERENCES workspace_items(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		kind TEXT NOT NULL CHECK (kind IN ('file', 'folder')),
		content TEXT,
		full_path TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (workspace_id, full_path)
	);

	CREATE INDEX IF NOT EXISTS idx_items_workspace_id ON workspace_items(workspace_id);
	CREATE INDEX IF NOT EXISTS idx_items_full_path ON workspace_items(workspace_id, full_path);
	CREATE INDEX IF NOT EXISTS idx_workspaces_owner ON workspaces(owner_id);
	`

	_, err := r.db.Exec(ctx, schema)
	return err
}

// Close is a no-op; the shared pool is owned by the caller.
func (r *PostgresRepository) Close() error {
	return nil
}

// Workspace operations

// CreateWorkspace creates a new workspace
func (r *PostgresRepository) CreateWorkspace(ctx context.Context, ws *models.Workspace) error {
	if ws.ID == "" {
		ws.ID = uuid.New().String()
	}
	if ws.Handle == "" {
		ws.Handle = uuid.New().String()
	}
	now := time.Now().UTC()
	ws.CreatedAt = now
	ws.UpdatedAt = now

	_, err := r.db.Exec(ctx, `
		INSERT INTO workspaces (id, handle, owner_id, name, language, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ws.ID, ws.Handle, ws.OwnerID, ws.Name, ws.Language, ws.CreatedAt, ws.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create workspace: %w", err)
	}
	return nil
}

// GetWorkspace retrieves a workspace by ID
func (r *PostgresRepository) GetWorkspace(ctx context.Context, id string) (*models.Workspace, error) {
	return r.scanWorkspace(r.db.QueryRow(ctx, `
		SELECT id, handle, owner_id, name, language, created_at, updated_at
		FROM workspaces WHERE id = $1`, id), id)
}

// GetWorkspaceByHandle retrieves a workspace by its external handle
func (r *PostgresRepository) GetWorkspaceByHandle(ctx context.Context, handle string) (*models.Workspace, error) {
	return r.scanWorkspace(r.db.QueryRow(ctx, `
		SELECT id, handle, owner_id, name, language, created_at, updated_at
		FROM workspaces WHERE handle = $1`, handle), handle)
}

func (r *PostgresRepository) scanWorkspace(row pgx.Row, id string) (*models.Workspace, error) {
	var ws models.Workspace
	err := row.Scan(&ws.ID, &ws.Handle, &ws.OwnerID, &ws.Name, &ws.Language, &ws.CreatedAt, &ws.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("workspace not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workspace: %w", err)
	}
	return &ws, nil
}

// UpdateWorkspace updates an existing workspace
func (r *PostgresRepository) UpdateWorkspace(ctx context.Context, ws *models.Workspace) error {
	ws.UpdatedAt = time.Now().UTC()

	tag, err := r.db.Exec(ctx, `
		UPDATE workspaces SET name = $2, language = $3, updated_at = $4
		WHERE id = $1`,
		ws.ID, ws.Name, ws.Language, ws.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update workspace: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("workspace not found: %s", ws.ID)
	}
	return nil
}

// DeleteWorkspace deletes a workspace; items cascade via foreign key
func (r *PostgresRepository) DeleteWorkspace(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM workspaces WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete workspace: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("workspace not found: %s", id)
	}
	return nil
}

// ListWorkspacesByOwner returns all workspaces for a user
func (r *PostgresRepository) ListWorkspacesByOwner(ctx context.Context, ownerID string) ([]*models.Workspace, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, handle, owner_id, name, language, created_at, updated_at
		FROM workspaces WHERE owner_id = $1 ORDER BY created_at`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list workspaces: %w", err)
	}
	defer rows.Close()

	var result []*models.Workspace
	for rows.Next() {
		var ws models.Workspace
		if err := rows.Scan(&ws.ID, &ws.Handle, &ws.OwnerID, &ws.Name, &ws.Language, &ws.CreatedAt, &ws.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan workspace: %w", err)
		}
		result = append(result, &ws)
	}
	return result, rows.Err()
}

// Item operations

// CreateItem creates a new workspace item
func (r *PostgresRepository) CreateItem(ctx context.Context, item *models.WorkspaceItem) error {
	if item.IsFolder() && item.Content != nil {
		return fmt.Errorf("folders cannot carry content")
	}
	if item.ParentID != nil {
		parent, err := r.GetItem(ctx, *item.ParentID)
		if err != nil {
			return fmt.Errorf("parent item not found: %s", *item.ParentID)
		}
		if !parent.IsFolder() {
			return fmt.Errorf("parent item %s is not a folder", *item.ParentID)
		}
		if parent.WorkspaceID != item.WorkspaceID {
			return fmt.Errorf("parent item %s belongs to a different workspace", *item.ParentID)
		}
	}

	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	item.CreatedAt = now
	item.UpdatedAt = now

	_, err := r.db.Exec(ctx, `
		INSERT INTO workspace_items (id, workspace_id, parent_id, name, kind, content, full_path, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		item.ID, item.WorkspaceID, item.ParentID, item.Name, item.Kind, item.Content, item.FullPath, item.CreatedAt, item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create item: %w", err)
	}
	return nil
}

// GetItem retrieves an item by ID
func (r *PostgresRepository) GetItem(ctx context.Context, id string) (*models.WorkspaceItem, error) {
	return r.scanItem(r.db.QueryRow(ctx, `
		SELECT id, workspace_id, parent_id, name, kind, content, full_path, created_at, updated_at
		FROM workspace_items WHERE id = $1`, id), id)
}

// GetItemByPath retrieves an item by its denormalized full path
func (r *PostgresRepository) GetItemByPath(ctx context.Context, workspaceID, fullPath string) (*models.WorkspaceItem, error) {
	return r.scanItem(r.db.QueryRow(ctx, `
		SELECT id, workspace_id, parent_id, name, kind, content, full_path, created_at, updated_at
		FROM workspace_items WHERE workspace_id = $1 AND full_path = $2`, workspaceID, fullPath), fullPath)
}

func (r *PostgresRepository) scanItem(row pgx.Row, id string) (*models.WorkspaceItem, error) {
	var item models.WorkspaceItem
	err := row.Scan(&item.ID, &item.WorkspaceID, &item.ParentID, &item.Name, &item.Kind,
		&item.Content, &item.FullPath, &item.CreatedAt, &item.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("item not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	return &item, nil
}

// UpdateItemContent replaces a file item's content
func (r *PostgresRepository) UpdateItemContent(ctx context.Context, id string, content string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE workspace_items SET content = $2, updated_at = $3
		WHERE id = $1 AND kind = 'file'`,
		id, content, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update item content: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("file item not found: %s", id)
	}
	return nil
}

// DeleteItem deletes an item; folder descendants are removed by path prefix
func (r *PostgresRepository) DeleteItem(ctx context.Context, id string) error {
	item, err := r.GetItem(ctx, id)
	if err != nil {
		return err
	}

	if item.IsFolder() {
		_, err = r.db.Exec(ctx, `
			DELETE FROM workspace_items
			WHERE workspace_id = $1 AND (id = $2 OR full_path LIKE $3)`,
			item.WorkspaceID, item.ID, item.FullPath+"/%")
	} else {
		_, err = r.db.Exec(ctx, `DELETE FROM workspace_items WHERE id = $1`, id)
	}
	if err != nil {
		return fmt.Errorf("failed to delete item: %w", err)
	}
	return nil
}

// DeleteItemsByWorkspace deletes all items in a workspace
func (r *PostgresRepository) DeleteItemsByWorkspace(ctx context.Context, workspaceID string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM workspace_items WHERE workspace_id = $1`, workspaceID)
	if err != nil {
		return fmt.Errorf("failed to delete workspace items: %w", err)
	}
	return nil
}

// ListItems returns all items in a workspace
func (r *PostgresRepository) ListItems(ctx context.Context, workspaceID string) ([]*models.WorkspaceItem, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, workspace_id, parent_id, name, kind, content, full_path, created_at, updated_at
		FROM workspace_items WHERE workspace_id = $1 ORDER BY full_path`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	var result []*models.WorkspaceItem
	for rows.Next() {
		var item models.WorkspaceItem
		if err := rows.Scan(&item.ID, &item.WorkspaceID, &item.ParentID, &item.Name, &item.Kind,
			&item.Content, &item.FullPath, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		result = append(result, &item)
	}
	return result, rows.Err()
}
