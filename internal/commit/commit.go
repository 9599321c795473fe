// Package commit implements the write-to-temp-then-rename atomic file
// commit pattern used everywhere the core mutates on-disk state
// (spec.md §4.1). Grounded on the original's filesystem::atomic_commit:
// a temp file is opened beside the destination, the caller writes to
// it, and either Commit renames it into place or, if the scope is
// abandoned without a commit, the temp file is removed.
package commit

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/n-r-w/addonsrv/internal/apperr"
)

// File is a scoped atomic write. Create one with New, write to Stream,
// then call Commit. If Close is called without a prior Commit, the
// temp file is removed and the destination is left untouched.
type File struct {
	dest      string
	tmp       *os.File
	committed bool
}

// New opens a temp file beside dest, ready for writing. The temp file
// lives in the same directory as dest so the final rename is a
// same-directory operation, which POSIX filesystems guarantee is
// atomic.
func New(dest string) (*File, error) {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperr.E("commit.New", apperr.IOFault, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(dest)+".tmp-*")
	if err != nil {
		return nil, apperr.E("commit.New", apperr.IOFault, err)
	}
	return &File{dest: dest, tmp: tmp}, nil
}

// Stream returns the writer the caller should write the new content to.
func (f *File) Stream() io.Writer { return f.tmp }

// Write conveniently implements io.Writer itself.
func (f *File) Write(p []byte) (int, error) { return f.tmp.Write(p) }

// Commit flushes, closes, and atomically renames the temp file into
// place. After Commit, Close is a no-op cleanup of the (already
// renamed-away) temp path.
func (f *File) Commit() error {
	if err := f.tmp.Sync(); err != nil {
		f.cleanup()
		return apperr.E("commit.Commit", apperr.IOFault, err)
	}
	tmpName := f.tmp.Name()
	if err := f.tmp.Close(); err != nil {
		os.Remove(tmpName)
		return apperr.E("commit.Commit", apperr.IOFault, err)
	}
	if err := os.Rename(tmpName, f.dest); err != nil {
		os.Remove(tmpName)
		return apperr.E("commit.Commit", apperr.IOFault, err)
	}
	f.committed = true
	return nil
}

// Close abandons the commit if it was never finalized, removing the
// temp file. Safe to call after a successful Commit.
func (f *File) Close() error {
	if f.committed {
		return nil
	}
	f.cleanup()
	return nil
}

func (f *File) cleanup() {
	name := f.tmp.Name()
	f.tmp.Close()
	os.Remove(name)
}

// WriteFile is a convenience wrapper for the common case of committing
// a single in-memory buffer.
func WriteFile(dest string, data []byte) error {
	f, err := New(dest)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return apperr.E("commit.WriteFile", apperr.IOFault, err)
	}
	if err := f.Commit(); err != nil {
		return err
	}
	return nil
}

// CleanupOrphans removes leftover temp files from a crashed previous
// run. Called once at startup over the data root, matching the
// committer's guarantee that an interrupted commit leaves at most one
// orphaned temp file per destination (spec.md §5).
func CleanupOrphans(root string) error {
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if strings.Contains(d.Name(), ".tmp-") {
			os.Remove(path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit.CleanupOrphans: %w", err)
	}
	return nil
}
