// Package models defines the durable workspace entities owned by the database.
package models

import "time"

// ItemKind distinguishes files from folders
type ItemKind string

const (
	ItemKindFile   ItemKind = "file"
	ItemKindFolder ItemKind = "folder"
)

// Workspace is a user's named collection of files and folders
type Workspace struct {
	ID        string    `json:"id"`
	Handle    string    `json:"handle"` // opaque external handle, used as the mirror directory name
	OwnerID   string    `json:"owner_id"`
	Name      string    `json:"name"`
	Language  string    `json:"language"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WorkspaceItem is a single file or folder in a workspace tree.
//
// Invariants: a non-nil ParentID references a folder in the same workspace;
// FullPath is parent.FullPath + "/" + Name (or Name at the root); folders
// never carry content.
type WorkspaceItem struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	ParentID    *string   `json:"parent_id,omitempty"`
	Name        string    `json:"name"`
	Kind        ItemKind  `json:"kind"`
	Content     *string   `json:"content,omitempty"` // files only
	FullPath    string    `json:"full_path"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// IsFolder reports whether the item is a folder.
func (i *WorkspaceItem) IsFolder() bool {
	return i.Kind == ItemKindFolder
}

// Text returns the item content, or empty string for nil content.
func (i *WorkspaceItem) Text() string {
	if i.Content == nil {
		return ""
	}
	return *i.Content
}
