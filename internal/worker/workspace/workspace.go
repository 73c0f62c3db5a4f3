// Package workspace manages the job-scoped scratch directory used for
// download, encode and upload staging.
package workspace

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const dirPrefix = "job-"

// Workspace is a job-scoped directory tree:
//
//	<root>/job-<id>-<random>/
//	    input/
//	    output/
//
// Close removes the whole tree and is safe to call more than once.
type Workspace struct {
	dir       string
	closeOnce sync.Once
	closeErr  error
}

// New creates a fresh workspace for jobID under root.
func New(root, jobID string) (*Workspace, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}

	dir, err := os.MkdirTemp(root, dirPrefix+sanitize(jobID)+"-")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	ws := &Workspace{dir: dir}
	for _, sub := range []string{ws.InputDir(), ws.OutputDir()} {
		if err := os.MkdirAll(sub, 0o750); err != nil {
			_ = os.RemoveAll(dir)
			return nil, fmt.Errorf("create workspace dir %s: %w", sub, err)
		}
	}

	return ws, nil
}

// Dir returns the workspace root directory.
func (w *Workspace) Dir() string { return w.dir }

// InputDir holds downloaded source media.
func (w *Workspace) InputDir() string { return filepath.Join(w.dir, "input") }

// OutputDir holds everything that gets uploaded.
func (w *Workspace) OutputDir() string { return filepath.Join(w.dir, "output") }

// InputPath returns the local path for the source object, keeping its extension.
func (w *Workspace) InputPath(sourceKey string) string {
	ext := filepath.Ext(sourceKey)
	if ext == "" || strings.ContainsAny(ext, `/\`) {
		ext = ".mp4"
	}
	return filepath.Join(w.InputDir(), "source"+ext)
}

// OutputPath joins name under the output directory.
func (w *Workspace) OutputPath(name ...string) string {
	return filepath.Join(append([]string{w.OutputDir()}, name...)...)
}

// Close removes the workspace tree.
func (w *Workspace) Close() error {
	w.closeOnce.Do(func() {
		if err := os.RemoveAll(w.dir); err != nil {
			w.closeErr = fmt.Errorf("remove workspace: %w", err)
		}
	})
	return w.closeErr
}

// Sweep removes job workspaces under root whose newest entry was modified
// before now-olderThan. It returns the removed directories. Used at startup
// to reclaim trees left by a crashed process; a live job keeps writing into
// its tree, so workers sharing root leave each other's jobs alone as long as
// olderThan exceeds the longest quiet stage.
func Sweep(root string, olderThan time.Duration) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read workspace root: %w", err)
	}

	cutoff := time.Now().Add(-olderThan)
	var removed []string
	var firstErr error

	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), dirPrefix) {
			continue
		}
		path := filepath.Join(root, entry.Name())
		modified, err := lastModified(path)
		if err != nil || modified.After(cutoff) {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("remove stale workspace %s: %w", path, err)
			}
			continue
		}
		removed = append(removed, path)
	}

	return removed, firstErr
}

// lastModified returns the newest modification time in the tree at dir.
func lastModified(dir string) (time.Time, error) {
	var newest time.Time
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		return nil
	})
	return newest, err
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}
