package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codebench/codebench/internal/workspace/models"
)

// MemoryRepository provides in-memory workspace storage operations
type MemoryRepository struct {
	workspaces map[string]*models.Workspace
	items      map[string]*models.WorkspaceItem
	mu         sync.RWMutex
}

// Ensure MemoryRepository implements Repository interface
var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates a new in-memory workspace repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		workspaces: make(map[string]*models.Workspace),
		items:      make(map[string]*models.WorkspaceItem),
	}
}

// Close is a no-op for in-memory repository
func (r *MemoryRepository) Close() error {
	return nil
}

// Workspace operations

// CreateWorkspace creates a new workspace
func (r *MemoryRepository) CreateWorkspace(ctx context.Context, ws *models.Workspace) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ws.ID == "" {
		ws.ID = uuid.New().String()
	}
	if ws.Handle == "" {
		ws.Handle = uuid.New().String()
	}
	now := time.Now().UTC()
	ws.CreatedAt = now
	ws.UpdatedAt = now

	r.workspaces[ws.ID] = ws
	return nil
}

// GetWorkspace retrieves a workspace by ID
func (r *MemoryRepository) GetWorkspace(ctx context.Context, id string) (*models.Workspace, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ws, ok := r.workspaces[id]
	if !ok {
		return nil, fmt.Errorf("workspace not found: %s", id)
	}
	return ws, nil
}

// GetWorkspaceByHandle retrieves a workspace by its external handle
func (r *MemoryRepository) GetWorkspaceByHandle(ctx context.Context, handle string) (*models.Workspace, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, ws := range r.workspaces {
		if ws.Handle == handle {
			return ws, nil
		}
	}
	return nil, fmt.Errorf("workspace not found for handle: %s", handle)
}

// UpdateWorkspace updates an existing workspace
func (r *MemoryRepository) UpdateWorkspace(ctx context.Context, ws *models.Workspace) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.workspaces[ws.ID]; !ok {
		return fmt.Errorf("workspace not found: %s", ws.ID)
	}
	ws.UpdatedAt = time.Now().UTC()
	r.workspaces[ws.ID] = ws
	return nil
}

// DeleteWorkspace deletes a workspace and all of its items
func (r *MemoryRepository) DeleteWorkspace(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.workspaces[id]; !ok {
		return fmt.Errorf("workspace not found: %s", id)
	}
	delete(r.workspaces, id)

	for itemID, item := range r.items {
		if item.WorkspaceID == id {
			delete(r.items, itemID)
		}
	}
	return nil
}

// ListWorkspacesByOwner returns all workspaces for a user
func (r *MemoryRepository) ListWorkspacesByOwner(ctx context.Context, ownerID string) ([]*models.Workspace, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*models.Workspace
	for _, ws := range r.workspaces {
		if ws.OwnerID == ownerID {
			result = append(result, ws)
		}
	}
	return result, nil
}

// Item operations

// CreateItem creates a new workspace item
func (r *MemoryRepository) CreateItem(ctx context.Context, item *models.WorkspaceItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if item.ParentID != nil {
		parent, ok := r.items[*item.ParentID]
		if !ok {
			return fmt.Errorf("parent item not found: %s", *item.ParentID)
		}
		if !parent.IsFolder() {
			return fmt.Errorf("parent item %s is not a folder", *item.ParentID)
		}
		if parent.WorkspaceID != item.WorkspaceID {
			return fmt.Errorf("parent item %s belongs to a different workspace", *item.ParentID)
		}
	}
	if item.IsFolder() && item.Content != nil {
		return fmt.Errorf("folders cannot carry content")
	}

	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	item.CreatedAt = now
	item.UpdatedAt = now

	r.items[item.ID] = item
	return nil
}

// GetItem retrieves an item by ID
func (r *MemoryRepository) GetItem(ctx context.Context, id string) (*models.WorkspaceItem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	item, ok := r.items[id]
	if !ok {
		return nil, fmt.Errorf("item not found: %s", id)
	}
	return item, nil
}

// GetItemByPath retrieves an item by its denormalized full path
func (r *MemoryRepository) GetItemByPath(ctx context.Context, workspaceID, fullPath string) (*models.WorkspaceItem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, item := range r.items {
		if item.WorkspaceID == workspaceID && item.FullPath == fullPath {
			return item, nil
		}
	}
	return nil, fmt.Errorf("item not found at path: %s", fullPath)
}

// UpdateItemContent replaces a file item's content
func (r *MemoryRepository) UpdateItemContent(ctx context.Context, id string, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[id]
	if !ok {
		return fmt.Errorf("item not found: %s", id)
	}
	if item.IsFolder() {
		return fmt.Errorf("cannot set content on folder %s", id)
	}
	item.Content = &content
	item.UpdatedAt = time.Now().UTC()
	return nil
}

// DeleteItem deletes an item; folders cascade to their descendants
func (r *MemoryRepository) DeleteItem(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[id]
	if !ok {
		return fmt.Errorf("item not found: %s", id)
	}
	delete(r.items, id)

	if item.IsFolder() {
		prefix := item.FullPath + "/"
		for childID, child := range r.items {
			if child.WorkspaceID == item.WorkspaceID && strings.HasPrefix(child.FullPath, prefix) {
				delete(r.items, childID)
			}
		}
	}
	return nil
}

// DeleteItemsByWorkspace deletes all items in a workspace
func (r *MemoryRepository) DeleteItemsByWorkspace(ctx context.Context, workspaceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, item := range r.items {
		if item.WorkspaceID == workspaceID {
			delete(r.items, id)
		}
	}
	return nil
}

// ListItems returns all items in a workspace
func (r *MemoryRepository) ListItems(ctx context.Context, workspaceID string) ([]*models.WorkspaceItem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*models.WorkspaceItem
	for _, item := range r.items {
		if item.WorkspaceID == workspaceID {
			result = append(result, item)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].FullPath < result[j].FullPath
	})
	return result, nil
}
