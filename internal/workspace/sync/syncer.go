// Package sync keeps a workspace tree consistent across the database, the
// local mirror directory and the sandbox filesystem. Consistency is
// best-effort: the mirror is authoritative while a sandbox is live, the
// database is authoritative otherwise.
package sync

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/codebench/codebench/internal/common/logger"
	"github.com/codebench/codebench/internal/events"
	"github.com/codebench/codebench/internal/events/bus"
	"github.com/codebench/codebench/internal/workspace/models"
	"github.com/codebench/codebench/internal/workspace/repository"
	v1 "github.com/codebench/codebench/pkg/api/v1"
)

const eventSource = "workspace-sync"

// The sandbox runs as an unprivileged uid, so mirror entries must stay
// writable across the bind mount.
const (
	dirMode  = os.FileMode(0o777)
	fileMode = os.FileMode(0o666)
)

// fileState is a point-in-time fingerprint of one mirror file.
type fileState struct {
	size    int64
	modTime time.Time
}

// Syncer moves workspace trees between the database, the mirror directory
// and the sandbox filesystem.
type Syncer struct {
	repo       repository.Repository
	eventBus   bus.EventBus
	mirrorBase string
	mutating   map[string]bool
	logger     *logger.Logger

	mu       sync.Mutex
	listings map[string]map[string]fileState // workspaceID -> relpath -> state
}

// NewSyncer creates a workspace synchronizer.
func NewSyncer(repo repository.Repository, eventBus bus.EventBus, mirrorBase string, mutatingCommands []string, log *logger.Logger) *Syncer {
	mutating := make(map[string]bool, len(mutatingCommands))
	for _, cmd := range mutatingCommands {
		mutating[cmd] = true
	}

	return &Syncer{
		repo:       repo,
		eventBus:   eventBus,
		mirrorBase: mirrorBase,
		mutating:   mutating,
		logger:     log.WithFields(zap.String("component", "workspace-sync")),
		listings:   make(map[string]map[string]fileState),
	}
}

// MirrorDir returns the mirror directory for a workspace handle.
func (s *Syncer) MirrorDir(handle string) string {
	return filepath.Join(s.mirrorBase, handle)
}

// WorkspaceMirror resolves the mirror directory for a workspace ID,
// creating it if needed.
func (s *Syncer) WorkspaceMirror(ctx context.Context, workspaceID string) (string, error) {
	ws, err := s.repo.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return "", err
	}
	mirror := s.MirrorDir(ws.Handle)
	if err := os.MkdirAll(mirror, dirMode); err != nil {
		return "", err
	}
	return mirror, nil
}

// Load materializes the workspace tree from the database into the mirror
// directory, and into the sandbox filesystem when one is attached. Folders
// are created before their children. Per-path failures are collected in the
// report and never abort the remaining items.
func (s *Syncer) Load(ctx context.Context, workspaceID string, sandbox SandboxFS) (*v1.SyncReport, error) {
	ws, err := s.repo.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	mirror := s.MirrorDir(ws.Handle)
	if err := os.MkdirAll(mirror, dirMode); err != nil {
		return nil, fmt.Errorf("creating mirror directory: %w", err)
	}

	items, err := s.repo.ListItems(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	// Parents must exist before children.
	sort.SliceStable(items, func(i, j int) bool {
		return pathDepth(items[i].FullPath) < pathDepth(items[j].FullPath)
	})

	report := newReport()
	for _, item := range items {
		if err := s.loadItem(ctx, mirror, item, sandbox); err != nil {
			report.Errors[item.FullPath] = err.Error()
			continue
		}
		report.Synced++
	}

	s.snapshotMirror(workspaceID, mirror)
	s.publishReport(ctx, workspaceID, "load", report)

	s.logger.Info("Workspace loaded",
		zap.String("workspace_id", workspaceID),
		zap.Int("synced", report.Synced),
		zap.Int("errors", len(report.Errors)),
	)
	return report, nil
}

func (s *Syncer) loadItem(ctx context.Context, mirror string, item *models.WorkspaceItem, sandbox SandboxFS) error {
	target := filepath.Join(mirror, filepath.FromSlash(item.FullPath))

	if item.IsFolder() {
		if err := os.MkdirAll(target, dirMode); err != nil {
			return err
		}
		if sandbox != nil {
			return sandbox.MakeDir(ctx, item.FullPath)
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(target), dirMode); err != nil {
		return err
	}
	if err := os.WriteFile(target, []byte(item.Text()), fileMode); err != nil {
		return err
	}
	if sandbox != nil {
		return sandbox.WriteFile(ctx, item.FullPath, item.Text())
	}
	return nil
}

// Save replaces the workspace's database tree with the current mirror
// contents. Dotfiles are excluded; files that do not decode as text are
// skipped with a warning rather than failing the save.
func (s *Syncer) Save(ctx context.Context, workspaceID string) (*v1.SyncReport, error) {
	ws, err := s.repo.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	mirror := s.MirrorDir(ws.Handle)
	if _, err := os.Stat(mirror); err != nil {
		return nil, fmt.Errorf("mirror directory missing for workspace %s: %w", workspaceID, err)
	}

	if err := s.repo.DeleteItemsByWorkspace(ctx, workspaceID); err != nil {
		return nil, err
	}

	report := newReport()
	folderIDs := map[string]*string{"": nil}

	err = filepath.WalkDir(mirror, func(fullPath string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if fullPath == mirror {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(mirror, fullPath)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		parentID := folderIDs[parentPath(rel)]

		if d.IsDir() {
			item := &models.WorkspaceItem{
				WorkspaceID: workspaceID,
				ParentID:    parentID,
				Name:        d.Name(),
				Kind:        models.ItemKindFolder,
				FullPath:    rel,
			}
			if err := s.repo.CreateItem(ctx, item); err != nil {
				report.Errors[rel] = err.Error()
				// Children cannot attach to a missing folder record.
				return filepath.SkipDir
			}
			folderIDs[rel] = &item.ID
			report.Created++
			return nil
		}

		data, err := os.ReadFile(fullPath)
		if err != nil {
			report.Errors[rel] = err.Error()
			return nil
		}
		if !isText(data) {
			s.logger.Warn("Skipping non-text file during save",
				zap.String("workspace_id", workspaceID),
				zap.String("path", rel),
			)
			return nil
		}

		content := string(data)
		item := &models.WorkspaceItem{
			WorkspaceID: workspaceID,
			ParentID:    parentID,
			Name:        d.Name(),
			Kind:        models.ItemKindFile,
			Content:     &content,
			FullPath:    rel,
		}
		if err := s.repo.CreateItem(ctx, item); err != nil {
			report.Errors[rel] = err.Error()
			return nil
		}
		report.Created++
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("walking mirror directory: %w", err)
	}

	s.snapshotMirror(workspaceID, mirror)
	s.publishReport(ctx, workspaceID, "save", report)

	s.logger.Info("Workspace saved",
		zap.String("workspace_id", workspaceID),
		zap.Int("created", report.Created),
		zap.Int("errors", len(report.Errors)),
	)
	return report, nil
}

// SyncAfter performs an incremental mirror-to-database push when the command
// looks file-mutating. It diffs the current mirror listing against the last
// known one and only touches changed paths, so it is cheap enough to run
// after every matching command.
func (s *Syncer) SyncAfter(ctx context.Context, workspaceID, command string) (*v1.SyncReport, error) {
	if !s.MutatesFiles(command) {
		return nil, nil
	}

	ws, err := s.repo.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	mirror := s.MirrorDir(ws.Handle)

	current, err := listMirror(mirror)
	if err != nil {
		return nil, fmt.Errorf("listing mirror directory: %w", err)
	}

	s.mu.Lock()
	last := s.listings[workspaceID]
	s.mu.Unlock()

	report := newReport()
	for rel, state := range current {
		prev, known := last[rel]
		if known && prev.size == state.size && prev.modTime.Equal(state.modTime) {
			continue
		}
		created, err := s.pushFile(ctx, workspaceID, mirror, rel)
		if err != nil {
			report.Errors[rel] = err.Error()
			continue
		}
		if created {
			report.Created++
		} else {
			report.Updated++
		}
		report.Synced++
	}

	for rel := range last {
		if _, still := current[rel]; still {
			continue
		}
		if err := s.deleteRecord(ctx, workspaceID, rel); err != nil {
			report.Errors[rel] = err.Error()
			continue
		}
		report.Deleted++
	}

	s.mu.Lock()
	s.listings[workspaceID] = current
	s.mu.Unlock()

	if report.Synced > 0 || report.Deleted > 0 || report.HasErrors() {
		s.publishReport(ctx, workspaceID, "incremental", report)
		s.logger.Debug("Incremental sync completed",
			zap.String("workspace_id", workspaceID),
			zap.Int("created", report.Created),
			zap.Int("updated", report.Updated),
			zap.Int("deleted", report.Deleted),
			zap.Int("errors", len(report.Errors)),
		)
	}
	return report, nil
}

// Forget drops the cached mirror listing for a workspace. Called when its
// session goes away so a stale snapshot never masks changes on reuse.
func (s *Syncer) Forget(workspaceID string) {
	s.mu.Lock()
	delete(s.listings, workspaceID)
	s.mu.Unlock()
}

// pushFile writes one mirror file to the database, creating folder records
// for any missing ancestors. Returns whether a new record was created.
func (s *Syncer) pushFile(ctx context.Context, workspaceID, mirror, rel string) (bool, error) {
	data, err := os.ReadFile(filepath.Join(mirror, filepath.FromSlash(rel)))
	if err != nil {
		return false, err
	}
	if !isText(data) {
		s.logger.Warn("Skipping non-text file during sync",
			zap.String("workspace_id", workspaceID),
			zap.String("path", rel),
		)
		return false, nil
	}
	content := string(data)

	existing, err := s.repo.GetItemByPath(ctx, workspaceID, rel)
	if err == nil {
		return false, s.repo.UpdateItemContent(ctx, existing.ID, content)
	}

	parentID, err := s.ensureFolders(ctx, workspaceID, parentPath(rel))
	if err != nil {
		return false, err
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
		return false, err
	}
	return true, nil
}

// ensureFolders creates folder records for every missing segment of dir and
// returns the deepest folder's ID, or nil for the workspace root.
func (s *Syncer) ensureFolders(ctx context.Context, workspaceID, dir string) (*string, error) {
	if dir == "" {
		return nil, nil
	}

	var parentID *string
	segments := strings.Split(dir, "/")
	for i := range segments {
		prefix := strings.Join(segments[:i+1], "/")
		existing, err := s.repo.GetItemByPath(ctx, workspaceID, prefix)
		if err == nil {
			if !existing.IsFolder() {
				return nil, fmt.Errorf("path %s exists as a file", prefix)
			}
			parentID = &existing.ID
			continue
		}

		folder := &models.WorkspaceItem{
			WorkspaceID: workspaceID,
			ParentID:    parentID,
			Name:        segments[i],
			Kind:        models.ItemKindFolder,
			FullPath:    prefix,
		}
		if err := s.repo.CreateItem(ctx, folder); err != nil {
			return nil, err
		}
		parentID = &folder.ID
	}
	return parentID, nil
}

func (s *Syncer) deleteRecord(ctx context.Context, workspaceID, rel string) error {
	item, err := s.repo.GetItemByPath(ctx, workspaceID, rel)
	if err != nil {
		// Already gone from the database.
		return nil
	}
	return s.repo.DeleteItem(ctx, item.ID)
}

func (s *Syncer) snapshotMirror(workspaceID, mirror string) {
	listing, err := listMirror(mirror)
	if err != nil {
		s.logger.Warn("Failed to snapshot mirror listing",
			zap.String("workspace_id", workspaceID),
			zap.Error(err),
		)
		return
	}
	s.mu.Lock()
	s.listings[workspaceID] = listing
	s.mu.Unlock()
}

func (s *Syncer) publishReport(ctx context.Context, workspaceID, operation string, report *v1.SyncReport) {
	if s.eventBus == nil {
		return
	}

	subject := events.SyncCompleted
	if report.HasErrors() {
		subject = events.SyncPartial
	}
	event := bus.NewEvent(subject, eventSource, map[string]interface{}{
		"workspace_id": workspaceID,
		"operation":    operation,
		"synced":       report.Synced,
		"created":      report.Created,
		"updated":      report.Updated,
		"deleted":      report.Deleted,
		"errors":       report.Errors,
	})
	if err := s.eventBus.Publish(ctx, subject, event); err != nil {
		s.logger.Warn("Failed to publish sync event", zap.Error(err))
	}
}

// listMirror fingerprints every non-dotfile regular file under the mirror.
func listMirror(mirror string) (map[string]fileState, error) {
	listing := make(map[string]fileState)

	err := filepath.WalkDir(mirror, func(fullPath string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if fullPath == mirror {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(mirror, fullPath)
		if err != nil {
			return err
		}
		listing[filepath.ToSlash(rel)] = fileState{
			size:    info.Size(),
			modTime: info.ModTime(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return listing, nil
}

func newReport() *v1.SyncReport {
	return &v1.SyncReport{Errors: make(map[string]string)}
}

func pathDepth(fullPath string) int {
	return strings.Count(fullPath, "/")
}

func parentPath(rel string) string {
	dir := path.Dir(rel)
	if dir == "." {
		return ""
	}
	return dir
}

// isText reports whether data decodes as UTF-8 without NUL bytes.
func isText(data []byte) bool {
	if !utf8.Valid(data) {
		return false
	}
	for _, b := range data {
		if b == 0 {
			return false
		}
	}
	return true
}
