package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codebench/codebench/internal/workspace/models"
)

func createTestWorkspace(t *testing.T, repo Repository, ownerID string) *models.Workspace {
	t.Helper()
	ws := &models.Workspace{
		OwnerID:  ownerID,
		Name:     "Test Workspace",
		Language: "python",
	}
	require.NoError(t, repo.CreateWorkspace(context.Background(), ws))
	return ws
}

func strPtr(s string) *string { return &s }

func TestMemoryRepository_CreateAndGetWorkspace(t *testing.T) {
	repo := NewMemoryRepository()
	defer repo.Close()
	ctx := context.Background()

	ws := createTestWorkspace(t, repo, "user-1")
	require.NotEmpty(t, ws.ID)
	require.NotEmpty(t, ws.Handle)

	got, err := repo.GetWorkspace(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, ws.Name, got.Name)
	assert.Equal(t, "user-1", got.OwnerID)

	byHandle, err := repo.GetWorkspaceByHandle(ctx, ws.Handle)
	require.NoError(t, err)
	assert.Equal(t, ws.ID, byHandle.ID)
}

func TestMemoryRepository_GetWorkspaceNotFound(t *testing.T) {
	repo := NewMemoryRepository()
	defer repo.Close()

	_, err := repo.GetWorkspace(context.Background(), "missing")
	assert.Error(t, err)
}

func TestMemoryRepository_ListWorkspacesByOwner(t *testing.T) {
	repo := NewMemoryRepository()
	defer repo.Close()
	ctx := context.Background()

	createTestWorkspace(t, repo, "user-1")
	createTestWorkspace(t, repo, "user-1")
	createTestWorkspace(t, repo, "user-2")

	list, err := repo.ListWorkspacesByOwner(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestMemoryRepository_DeleteWorkspaceCascades(t *testing.T) {
	repo := NewMemoryRepository()
	defer repo.Close()
	ctx := context.Background()

	ws := createTestWorkspace(t, repo, "user-1")
	item := &models.WorkspaceItem{
		WorkspaceID: ws.ID,
		Name:        "main.py",
		Kind:        models.ItemKindFile,
		Content:     strPtr("print('hi')"),
		FullPath:    "main.py",
	}
	require.NoError(t, repo.CreateItem(ctx, item))

	require.NoError(t, repo.DeleteWorkspace(ctx, ws.ID))

	_, err := repo.GetItem(ctx, item.ID)
	assert.Error(t, err)
}

func TestMemoryRepository_CreateItemValidation(t *testing.T) {
	repo := NewMemoryRepository()
	defer repo.Close()
	ctx := context.Background()

	ws := createTestWorkspace(t, repo, "user-1")

	// Folders cannot carry content.
	err := repo.CreateItem(ctx, &models.WorkspaceItem{
		WorkspaceID: ws.ID,
		Name:        "src",
		Kind:        models.ItemKindFolder,
		Content:     strPtr("nope"),
		FullPath:    "src",
	})
	assert.Error(t, err)

	// Parent must be a folder.
	file := &models.WorkspaceItem{
		WorkspaceID: ws.ID,
		Name:        "a.py",
		Kind:        models.ItemKindFile,
		FullPath:    "a.py",
	}
	require.NoError(t, repo.CreateItem(ctx, file))

	err = repo.CreateItem(ctx, &models.WorkspaceItem{
		WorkspaceID: ws.ID,
		ParentID:    &file.ID,
		Name:        "b.py",
		Kind:        models.ItemKindFile,
		FullPath:    "a.py/b.py",
	})
	assert.Error(t, err)

	// Parent must belong to the same workspace.
	other := createTestWorkspace(t, repo, "user-2")
	folder := &models.WorkspaceItem{
		WorkspaceID: other.ID,
		Name:        "lib",
		Kind:        models.ItemKindFolder,
		FullPath:    "lib",
	}
	require.NoError(t, repo.CreateItem(ctx, folder))

	err = repo.CreateItem(ctx, &models.WorkspaceItem{
		WorkspaceID: ws.ID,
		ParentID:    &folder.ID,
		Name:        "c.py",
		Kind:        models.ItemKindFile,
		FullPath:    "lib/c.py",
	})
	assert.Error(t, err)
}

func TestMemoryRepository_UpdateItemContent(t *testing.T) {
	repo := NewMemoryRepository()
	defer repo.Close()
	ctx := context.Background()

	ws := createTestWorkspace(t, repo, "user-1")
	item := &models.WorkspaceItem{
		WorkspaceID: ws.ID,
		Name:        "main.py",
		Kind:        models.ItemKindFile,
		Content:     strPtr("v1"),
		FullPath:    "main.py",
	}
	require.NoError(t, repo.CreateItem(ctx, item))

	require.NoError(t, repo.UpdateItemContent(ctx, item.ID, "v2"))

	got, err := repo.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Text())
}

func TestMemoryRepository_DeleteFolderCascades(t *testing.T) {
	repo := NewMemoryRepository()
	defer repo.Close()
	ctx := context.Background()

	ws := createTestWorkspace(t, repo, "user-1")
	folder := &models.WorkspaceItem{
		WorkspaceID: ws.ID,
		Name:        "src",
		Kind:        models.ItemKindFolder,
		FullPath:    "src",
	}
	require.NoError(t, repo.CreateItem(ctx, folder))

	child := &models.WorkspaceItem{
		WorkspaceID: ws.ID,
		ParentID:    &folder.ID,
		Name:        "main.py",
		Kind:        models.ItemKindFile,
		Content:     strPtr("print('hi')"),
		FullPath:    "src/main.py",
	}
	require.NoError(t, repo.CreateItem(ctx, child))

	// A sibling whose path merely shares the prefix must survive.
	sibling := &models.WorkspaceItem{
		WorkspaceID: ws.ID,
		Name:        "srcfile.py",
		Kind:        models.ItemKindFile,
		FullPath:    "srcfile.py",
	}
	require.NoError(t, repo.CreateItem(ctx, sibling))

	require.NoError(t, repo.DeleteItem(ctx, folder.ID))

	_, err := repo.GetItem(ctx, child.ID)
	assert.Error(t, err)
	_, err = repo.GetItem(ctx, sibling.ID)
	assert.NoError(t, err)
}

func TestMemoryRepository_GetItemByPath(t *testing.T) {
	repo := NewMemoryRepository()
	defer repo.Close()
	ctx := context.Background()

	ws := createTestWorkspace(t, repo, "user-1")
	item := &models.WorkspaceItem{
		WorkspaceID: ws.ID,
		Name:        "main.py",
		Kind:        models.ItemKindFile,
		Content:     strPtr(""),
		FullPath:    "main.py",
	}
	require.NoError(t, repo.CreateItem(ctx, item))

	got, err := repo.GetItemByPath(ctx, ws.ID, "main.py")
	require.NoError(t, err)
	assert.Equal(t, item.ID, got.ID)

	_, err = repo.GetItemByPath(ctx, ws.ID, "other.py")
	assert.Error(t, err)
}

func TestMemoryRepository_ListItemsOrdered(t *testing.T) {
	repo := NewMemoryRepository()
	defer repo.Close()
	ctx := context.Background()

	ws := createTestWorkspace(t, repo, "user-1")
	for _, p := range []string{"b.py", "a.py", "src"} {
		kind := models.ItemKindFile
		var content *string
		if p == "src" {
			kind = models.ItemKindFolder
		} else {
			content = strPtr("")
		}
		require.NoError(t, repo.CreateItem(ctx, &models.WorkspaceItem{
			WorkspaceID: ws.ID,
			Name:        p,
			Kind:        kind,
			Content:     content,
			FullPath:    p,
		}))
	}

	items, err := repo.ListItems(ctx, ws.ID)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "a.py", items[0].FullPath)
	assert.Equal(t, "b.py", items[1].FullPath)
	assert.Equal(t, "src", items[2].FullPath)
}
