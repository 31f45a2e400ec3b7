// Package engine contains the low-level, process-wide mechanics shared
// by the object and reference stores: the lock-file protocol used to
// make concurrent writers safe, and the pack-file window cache.
package engine

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/afero"
)

// ErrLockHeld is returned by Acquire when the sibling .lock file
// already exists, meaning another writer currently owns the lock.
var ErrLockHeld = errors.New("lock already held")

// ErrNotAcquired is returned by operations that require the lock to
// have been successfully acquired first.
var ErrNotAcquired = errors.New("lock not acquired")

// LockFile implements the single-writer lock protocol git uses to
// make updates to a file (a loose reference, packed-refs, the
// dircache, ...) safe across concurrent processes: writers never
// touch F directly, they write to a sibling F.lock and rename it
// into place once they're done.
//
// A LockFile is not safe for concurrent use by multiple goroutines;
// each writer should create its own instance for the file it's
// updating.
type LockFile struct {
	fs       afero.Fs
	path     string // the path of F
	lockPath string // the path of F.lock

	file    afero.File
	osFile  *os.File // non-nil when fs exposes a real *os.File, used for the advisory region lock
	flocked bool
}

// NewLockFile returns a LockFile protecting the file at the given path.
// Acquire must be called before the lock can be used.
func NewLockFile(fs afero.Fs, path string) *LockFile {
	return &LockFile{
		fs:       fs,
		path:     path,
		lockPath: path + ".lock",
	}
}

// Acquire atomically creates the sibling .lock file, failing with
// ErrLockHeld if it already exists. On platforms that support it, an
// advisory region lock is also taken on the resulting handle; failing
// to take that second lock is treated the same as contention: the
// handle is closed without deleting the just-created file, since
// another process may legitimately own it.
func (l *LockFile) Acquire() (err error) {
	f, err := l.fs.OpenFile(l.lockPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return ErrLockHeld
		}
		return fmt.Errorf("could not create %s: %w", l.lockPath, err)
	}

	// best-effort advisory lock: only meaningful when the afero.Fs
	// is backed by the real OS filesystem, since in-memory/test
	// filesystems have no underlying fd to flock.
	if osFile, ok := f.(*os.File); ok {
		if lockErr := flock(osFile); lockErr != nil {
			_ = f.Close()
			return ErrLockHeld
		}
		l.osFile = osFile
		l.flocked = true
	}

	l.file = f
	return nil
}

// OutputStream returns the write handle into F.lock. It's meant to be
// used exactly once per lock, after Acquire has succeeded.
func (l *LockFile) OutputStream() (io.Writer, error) {
	if l.file == nil {
		return nil, ErrNotAcquired
	}
	return l.file, nil
}

// CopyCurrentContent prepends F's current content (if any) into
// F.lock. Used by callers that need append semantics under the lock,
// such as rewriting packed-refs.
func (l *LockFile) CopyCurrentContent() error {
	if l.file == nil {
		return ErrNotAcquired
	}
	current, err := afero.ReadFile(l.fs, l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("could not read current content of %s: %w", l.path, err)
	}
	if _, err := l.file.Write(current); err != nil {
		return fmt.Errorf("could not copy current content of %s into %s: %w", l.path, l.lockPath, err)
	}
	return nil
}

// Commit flushes and closes F.lock, releases the region lock, and
// renames F.lock over F. On platforms that refuse to rename over an
// existing file, F is removed first and the rename is retried once.
// Whatever happens, the lock is released: on success because the file
// no longer exists, on failure via an explicit Abort.
func (l *LockFile) Commit() (err error) {
	if l.file == nil {
		return ErrNotAcquired
	}

	if syncer, ok := l.file.(interface{ Sync() error }); ok {
		if err = syncer.Sync(); err != nil {
			_ = l.Abort()
			return fmt.Errorf("could not flush %s: %w", l.lockPath, err)
		}
	}
	l.unflock()
	if err = l.file.Close(); err != nil {
		_ = l.fs.Remove(l.lockPath)
		l.file = nil
		return fmt.Errorf("could not close %s: %w", l.lockPath, err)
	}
	l.file = nil

	if err = l.fs.Rename(l.lockPath, l.path); err != nil {
		// some platforms (notably Windows) refuse to rename over an
		// existing destination; remove it and retry once.
		if rmErr := l.fs.Remove(l.path); rmErr == nil {
			err = l.fs.Rename(l.lockPath, l.path)
		}
		if err != nil {
			_ = l.fs.Remove(l.lockPath)
			return fmt.Errorf("could not commit %s over %s: %w", l.lockPath, l.path, err)
		}
	}
	return nil
}

// Abort releases the lock without touching F: F.lock is closed and
// deleted.
func (l *LockFile) Abort() error {
	l.unflock()
	if l.file != nil {
		_ = l.file.Close()
		l.file = nil
	}
	if err := l.fs.Remove(l.lockPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("could not remove %s: %w", l.lockPath, err)
	}
	return nil
}

func (l *LockFile) unflock() {
	if l.flocked && l.osFile != nil {
		_ = funlock(l.osFile)
		l.flocked = false
	}
}
