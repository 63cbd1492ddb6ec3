package sync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/codebench/codebench/internal/workspace/models"
)

// ErrPathNotFound is returned by Remove when neither the database nor the
// mirror has the path.
var ErrPathNotFound = errors.New("path not found in workspace")

// Touch creates an empty file in the database, the mirror and the sandbox
// together. An existing file keeps its content; only missing copies are
// filled in.
func (s *Syncer) Touch(ctx context.Context, workspaceID, relPath string, sandbox SandboxFS) error {
	rel, ok := cleanRelPath(relPath)
	if !ok {
		return fmt.Errorf("invalid workspace path: %s", relPath)
	}

	ws, err := s.repo.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return err
	}
	mirror := s.MirrorDir(ws.Handle)
	target := filepath.Join(mirror, filepath.FromSlash(rel))

	content := ""
	if data, err := os.ReadFile(target); err == nil && isText(data) {
		content = string(data)
	} else {
		if err := os.MkdirAll(filepath.Dir(target), dirMode); err != nil {
			return err
		}
		if err := os.WriteFile(target, nil, fileMode); err != nil {
			return err
		}
	}

	if _, err := s.repo.GetItemByPath(ctx, workspaceID, rel); err != nil {
		parentID, err := s.ensureFolders(ctx, workspaceID, parentPath(rel))
		if err != nil {
			return err
		}
		item := &models.WorkspaceItem{
			WorkspaceID: workspaceID,
			ParentID:    parentID,
			Name:        path.Base(rel),
			Kind:        models.ItemKindFile,
			Content:     &content,
			FullPath:    rel,
		}
		if err := s.repo.CreateItem(ctx, item); err != nil {
			return err
		}
	}

	if sandbox != nil {
		if err := sandbox.WriteFile(ctx, rel, content); err != nil {
			return err
		}
	}

	s.rememberFile(workspaceID, mirror, rel)
	s.logger.Debug("Touched path", zap.String("workspace_id", workspaceID), zap.String("path", rel))
	return nil
}

// PutFile writes file content to the database, the mirror and the sandbox
// together, creating the record and any missing parent folders on first
// write.
func (s *Syncer) PutFile(ctx context.Context, workspaceID, relPath, content string, sandbox SandboxFS) error {
	rel, ok := cleanRelPath(relPath)
	if !ok {
		return fmt.Errorf("invalid workspace path: %s", relPath)
	}

	ws, err := s.repo.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return err
	}
	mirror := s.MirrorDir(ws.Handle)
	target := filepath.Join(mirror, filepath.FromSlash(rel))

	if err := os.MkdirAll(filepath.Dir(target), dirMode); err != nil {
		return err
	}
	if err := os.WriteFile(target, []byte(content), fileMode); err != nil {
		return err
	}

	if item, err := s.repo.GetItemByPath(ctx, workspaceID, rel); err == nil {
		if err := s.repo.UpdateItemContent(ctx, item.ID, content); err != nil {
			return err
		}
	} else {
		parentID, err := s.ensureFolders(ctx, workspaceID, parentPath(rel))
		if err != nil {
			return err
		}
		item := &models.WorkspaceItem{
			WorkspaceID: workspaceID,
			ParentID:    parentID,
			Name:        path.Base(rel),
			Kind:        models.ItemKindFile,
			Content:     &content,
			FullPath:    rel,
		}
		if err := s.repo.CreateItem(ctx, item); err != nil {
			return err
		}
	}

	if sandbox != nil {
		if err := sandbox.WriteFile(ctx, rel, content); err != nil {
			return err
		}
	}

	s.rememberFile(workspaceID, mirror, rel)
	s.logger.Debug("Wrote path", zap.String("workspace_id", workspaceID), zap.String("path", rel))
	return nil
}

// Remove deletes a path from the database, the mirror and the sandbox
// together. Returns ErrPathNotFound when nothing holds the path.
func (s *Syncer) Remove(ctx context.Context, workspaceID, relPath string, sandbox SandboxFS) error {
	rel, ok := cleanRelPath(relPath)
	if !ok {
		return fmt.Errorf("invalid workspace path: %s", relPath)
	}

	ws, err := s.repo.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return err
	}
	mirror := s.MirrorDir(ws.Handle)
	target := filepath.Join(mirror, filepath.FromSlash(rel))

	item, itemErr := s.repo.GetItemByPath(ctx, workspaceID, rel)
	_, statErr := os.Stat(target)
	if itemErr != nil && statErr != nil {
		return fmt.Errorf("%w: %s", ErrPathNotFound, rel)
	}

	if itemErr == nil {
		if err := s.repo.DeleteItem(ctx, item.ID); err != nil {
			return err
		}
	}
	if err := os.RemoveAll(target); err != nil {
		return err
	}
	if sandbox != nil {
		if err := sandbox.RemoveFile(ctx, rel); err != nil {
			return err
		}
	}

	s.forgetPath(workspaceID, rel)
	s.logger.Debug("Removed path", zap.String("workspace_id", workspaceID), zap.String("path", rel))
	return nil
}

// Mkdir creates a folder in the database, the mirror and the sandbox
// together. Missing ancestors are created as well.
func (s *Syncer) Mkdir(ctx context.Context, workspaceID, relPath string, sandbox SandboxFS) error {
	rel, ok := cleanRelPath(relPath)
	if !ok {
		return fmt.Errorf("invalid workspace path: %s", relPath)
	}

	ws, err := s.repo.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return err
	}
	target := filepath.Join(s.MirrorDir(ws.Handle), filepath.FromSlash(rel))

	if err := os.MkdirAll(target, dirMode); err != nil {
		return err
	}
	if _, err := s.ensureFolders(ctx, workspaceID, rel); err != nil {
		return err
	}
	if sandbox != nil {
		if err := sandbox.MakeDir(ctx, rel); err != nil {
			return err
		}
	}

	s.logger.Debug("Created directory", zap.String("workspace_id", workspaceID), zap.String("path", rel))
	return nil
}

// ReadFile returns file content from the workspace mirror, where live
// sessions keep the authoritative copy.
func (s *Syncer) ReadFile(ctx context.Context, workspaceID, relPath string) (string, error) {
	rel, ok := cleanRelPath(relPath)
	if !ok {
		return "", fmt.Errorf("invalid workspace path: %s", relPath)
	}
	ws, err := s.repo.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(filepath.Join(s.MirrorDir(ws.Handle), filepath.FromSlash(rel)))
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrPathNotFound, rel)
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ListDir lists the entries of a mirror directory. Directory entries carry
// a trailing slash. An empty relPath lists the workspace root.
func (s *Syncer) ListDir(ctx context.Context, workspaceID, relPath string) ([]string, error) {
	rel := ""
	if relPath != "" && relPath != "." && relPath != "/" {
		var ok bool
		rel, ok = cleanRelPath(relPath)
		if !ok {
			return nil, fmt.Errorf("invalid workspace path: %s", relPath)
		}
	}
	ws, err := s.repo.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(filepath.Join(s.MirrorDir(ws.Handle), filepath.FromSlash(rel)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrPathNotFound, relPath)
	}
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	return names, nil
}

// rememberFile refreshes one path in the cached listing so the next
// incremental sync does not re-push it.
func (s *Syncer) rememberFile(workspaceID, mirror, rel string) {
	info, err := os.Stat(filepath.Join(mirror, filepath.FromSlash(rel)))
	if err != nil || info.IsDir() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	listing := s.listings[workspaceID]
	if listing == nil {
		listing = make(map[string]fileState)
		s.listings[workspaceID] = listing
	}
	listing[rel] = fileState{size: info.Size(), modTime: info.ModTime()}
}

func (s *Syncer) forgetPath(workspaceID, rel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	listing := s.listings[workspaceID]
	for p := range listing {
		if p == rel || pathHasPrefix(p, rel) {
			delete(listing, p)
		}
	}
}

func pathHasPrefix(p, prefix string) bool {
	return len(p) > len(prefix) && p[:len(prefix)] == prefix && p[len(prefix)] == '/'
}
