package workspace

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// Whitelist lists the file extensions a caller may see or download.
var Whitelist = []string{".geojson", ".gpkg", ".tif", ".rds", ".log", ".json"}

// fsWorkspaceManager manages per-job workspace directories on local disk.
type fsWorkspaceManager struct {
	baseDir string
	now     func() time.Time
}

var _ Manager = (*fsWorkspaceManager)(nil)

// NewFSManager creates a filesystem-backed workspace manager rooted at baseDir.
func NewFSManager(baseDir string) (*fsWorkspaceManager, error) {
	trimmed := strings.TrimSpace(baseDir)
	if trimmed == "" {
		return nil, fmt.Errorf("workspace base directory is empty")
	}

	return &fsWorkspaceManager{
		baseDir: filepath.Clean(trimmed),
		now:     time.Now,
	}, nil
}

// BaseDir returns the directory holding all workspaces.
func (m *fsWorkspaceManager) BaseDir() string {
	return m.baseDir
}

// Create initializes a workspace directory for jobID.
func (m *fsWorkspaceManager) Create(ctx context.Context, jobID string) (Workspace, error) {
	if err := ctx.Err(); err != nil {
		return Workspace{}, err
	}

	path, err := m.workspacePath(jobID)
	if err != nil {
		return Workspace{}, err
	}

	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return Workspace{}, fmt.Errorf("create workspace base directory: %w", err)
	}

	if err := os.Mkdir(path, 0o755); err != nil {
		if errors.Is(err, os.ErrExist) {
			return Workspace{}, fmt.Errorf("job %q: %w", jobID, ErrExists)
		}
		return Workspace{}, fmt.Errorf("create workspace for job %q: %w", jobID, err)
	}

	return Workspace{JobID: jobID, Dir: path}, nil
}

// WriteFile writes data to name inside the workspace. The file is written to
// a temporary sibling first and renamed, so readers never see a partial file.
func (m *fsWorkspaceManager) WriteFile(ctx context.Context, jobID, name string, data []byte) error {
	ws, err := m.Open(ctx, jobID)
	if err != nil {
		return err
	}

	target, err := resolveName(ws.Dir, name)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(ws.Dir, ".tmp-"+filepath.Base(target)+"-*")
	if err != nil {
		return fmt.Errorf("create temp file for %q: %w", name, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write %q: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close %q: %w", name, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("chmod %q: %w", name, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename %q: %w", name, err)
	}
	return nil
}

// Open returns metadata for an existing workspace directory.
func (m *fsWorkspaceManager) Open(ctx context.Context, jobID string) (Workspace, error) {
	if err := ctx.Err(); err != nil {
		return Workspace{}, err
	}

	path, err := m.workspacePath(jobID)
	if err != nil {
		return Workspace{}, err
	}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Workspace{}, fmt.Errorf("job %q: %w", jobID, ErrNotFound)
		}
		return Workspace{}, fmt.Errorf("open workspace for job %q: %w", jobID, err)
	}
	if !info.IsDir() {
		return Workspace{}, fmt.Errorf("workspace path for job %q is not a directory", jobID)
	}

	return Workspace{JobID: jobID, Dir: path}, nil
}

// OpenLog opens name for appending. Existing content is never truncated.
func (m *fsWorkspaceManager) OpenLog(ctx context.Context, jobID, name string) (*os.File, error) {
	ws, err := m.Open(ctx, jobID)
	if err != nil {
		return nil, err
	}
	target, err := resolveName(ws.Dir, name)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log for job %q: %w", jobID, err)
	}
	return f, nil
}

// Destroy removes the workspace of jobID.
func (m *fsWorkspaceManager) Destroy(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := m.workspacePath(jobID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove workspace for job %q: %w", jobID, err)
	}
	return nil
}

// List returns whitelisted regular files with size, mtime and blake3 digest.
func (m *fsWorkspaceManager) List(ctx context.Context, jobID string) ([]FileInfo, error) {
	ws, err := m.Open(ctx, jobID)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(ws.Dir)
	if err != nil {
		return nil, fmt.Errorf("read workspace for job %q: %w", jobID, err)
	}

	files := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.Type().IsRegular() || !Allowed(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		digest, err := fileDigest(filepath.Join(ws.Dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		files = append(files, FileInfo{
			Name:     entry.Name(),
			Size:     info.Size(),
			Modified: info.ModTime().UTC(),
			Digest:   digest,
		})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// OpenFile opens a whitelisted file of jobID. Files outside the whitelist
// report ErrNotFound so their existence is not revealed.
func (m *fsWorkspaceManager) OpenFile(ctx context.Context, jobID, name string) (io.ReadSeekCloser, FileInfo, error) {
	if !Allowed(name) {
		return nil, FileInfo{}, fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	ws, err := m.Open(ctx, jobID)
	if err != nil {
		return nil, FileInfo{}, err
	}
	target, err := resolveName(ws.Dir, name)
	if err != nil {
		return nil, FileInfo{}, fmt.Errorf("%q: %w", name, ErrNotFound)
	}

	f, err := os.Open(target)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, FileInfo{}, fmt.Errorf("%q: %w", name, ErrNotFound)
		}
		return nil, FileInfo{}, fmt.Errorf("open %q: %w", name, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, FileInfo{}, fmt.Errorf("stat %q: %w", name, err)
	}
	if !info.Mode().IsRegular() {
		_ = f.Close()
		return nil, FileInfo{}, fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	return f, FileInfo{Name: name, Size: info.Size(), Modified: info.ModTime().UTC()}, nil
}

// Cleanup removes workspace directories older than olderThan, based on
// directory modification time, unless keep claims them.
func (m *fsWorkspaceManager) Cleanup(ctx context.Context, olderThan time.Duration, keep func(jobID string) bool) (CleanupReport, error) {
	if err := ctx.Err(); err != nil {
		return CleanupReport{}, err
	}
	if olderThan <= 0 {
		return CleanupReport{}, fmt.Errorf("olderThan must be positive")
	}

	entries, err := os.ReadDir(m.baseDir)
	if os.IsNotExist(err) {
		return CleanupReport{}, nil
	}
	if err != nil {
		return CleanupReport{}, fmt.Errorf("read workspace base directory: %w", err)
	}

	cutoff := m.now().Add(-olderThan)
	report := CleanupReport{}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !entry.IsDir() || validateJobID(entry.Name()) != nil {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			return report, fmt.Errorf("read workspace entry info %q: %w", entry.Name(), err)
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if keep != nil && keep(entry.Name()) {
			report.Kept++
			continue
		}

		path := filepath.Join(m.baseDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			return report, fmt.Errorf("remove workspace %q: %w", entry.Name(), err)
		}
		report.DeletedDirs++
	}

	return report, nil
}

// Allowed reports whether name has a whitelisted extension. Dotfiles are
// never allowed.
func Allowed(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	for _, w := range Whitelist {
		if ext == w {
			return true
		}
	}
	return false
}

func (m *fsWorkspaceManager) workspacePath(jobID string) (string, error) {
	if err := validateJobID(jobID); err != nil {
		return "", err
	}
	return filepath.Join(m.baseDir, jobID), nil
}

// resolveName joins a plain file name to dir, rejecting anything that would
// land outside dir.
func resolveName(dir, name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || trimmed == "." || trimmed == ".." {
		return "", fmt.Errorf("file name %q is invalid", name)
	}
	if strings.ContainsAny(trimmed, `/\`) || filepath.Clean(trimmed) != trimmed {
		return "", fmt.Errorf("file name %q must not contain path separators", name)
	}
	return filepath.Join(dir, trimmed), nil
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %q for digest: %w", filepath.Base(path), err)
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("digest %q: %w", filepath.Base(path), err)
	}
	return "blake3:" + hex.EncodeToString(h.Sum(nil)), nil
}

func validateJobID(jobID string) error {
	trimmed := strings.TrimSpace(jobID)
	if trimmed == "" {
		return fmt.Errorf("jobID is empty")
	}
	if trimmed == "." || trimmed == ".." || strings.HasPrefix(trimmed, ".") {
		return fmt.Errorf("jobID %q is invalid", jobID)
	}
	if strings.Contains(trimmed, "/") || strings.Contains(trimmed, `\`) {
		return fmt.Errorf("jobID %q must not contain path separators", jobID)
	}
	if filepath.Clean(trimmed) != trimmed || trimmed != jobID {
		return fmt.Errorf("jobID %q is invalid", jobID)
	}
	return nil
}
