// Package dircache implements the working-tree index (the "dircache"
// in git's own terminology): the sorted, lock-file-protected binary
// file recording what the next commit would contain.
package dircache

import (
	"bytes"
	"crypto/sha1" //nolint:gosec // sha1 is the hash format git uses for the dircache
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/Nivl/git-go/ginternals/engine"
	"github.com/spf13/afero"
)

// ErrCorruptCache is returned when the on-disk dircache file can't be
// parsed: a bad magic, a checksum mismatch, or a truncated entry.
var ErrCorruptCache = errors.New("corrupt dircache")

// ErrUnsupportedExtension is returned when a mandatory (lowercase
// first byte) extension this package doesn't understand is found.
var ErrUnsupportedExtension = errors.New("unsupported dircache extension")

// ErrDuplicateEntry is returned by Builder.Finish when two entries
// share the same (path, stage).
var ErrDuplicateEntry = errors.New("duplicate dircache entry")

// ErrNotLocked is returned by Write when called without a prior
// successful Lock.
var ErrNotLocked = errors.New("dircache not locked")

const (
	cacheMagic      = "DIRC"
	cacheVersion    = 2
	cacheHeaderSize = 12
)

// treeExtension is the TREE extension's payload, kept opaque: this
// package doesn't itself build the cached-tree structure, it just
// round-trips whatever was last written so a Write doesn't silently
// drop it.
type treeExtension struct {
	raw []byte
}

// Cache is one repository's in-memory working-tree index: the sorted
// array of tracked entries backing add/status/commit-style
// operations. Per spec.md §4.K a single in-memory Cache is
// single-threaded by convention; concurrent writers instead race for
// the on-disk lock file via Lock.
type Cache struct {
	fs   afero.Fs
	path string

	version int
	entries []*Entry
	tree    *treeExtension

	mtime time.Time // the on-disk file's mtime as of the last successful Read

	lock       *engine.LockFile
	commitTime time.Time // captured by Lock; used by the racy-clean smudge in Write
}

// New returns a Cache backed by the dircache file at path. Call Read
// (or Lock, which reads too) before using it.
func New(fs afero.Fs, path string) *Cache {
	return &Cache{fs: fs, path: path, version: cacheVersion}
}

// Entries returns the cache's entries, sorted by (path, stage).
func (c *Cache) Entries() []*Entry {
	return c.entries
}

// Version returns the on-disk format version of the last successful Read.
func (c *Cache) Version() int {
	return c.version
}

// Read parses the dircache file, but is a no-op if the file's mtime
// hasn't changed since the last successful Read. A missing file
// resets the cache to empty rather than erroring.
func (c *Cache) Read() error {
	info, err := c.fs.Stat(c.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			c.entries = nil
			c.tree = nil
			c.mtime = time.Time{}
			return nil
		}
		return fmt.Errorf("could not stat %s: %w", c.path, err)
	}
	if !c.mtime.IsZero() && info.ModTime().Equal(c.mtime) {
		return nil
	}

	data, err := afero.ReadFile(c.fs, c.path)
	if err != nil {
		return fmt.Errorf("could not read %s: %w", c.path, err)
	}
	if len(data) < cacheHeaderSize+sha1.Size {
		return fmt.Errorf("dircache too small: %w", ErrCorruptCache)
	}
	body, wantSum := data[:len(data)-sha1.Size], data[len(data)-sha1.Size:]
	gotSum := sha1.Sum(body) //nolint:gosec
	if !bytes.Equal(gotSum[:], wantSum) {
		return fmt.Errorf("checksum mismatch: %w", ErrCorruptCache)
	}

	if string(body[:4]) != cacheMagic {
		return fmt.Errorf("bad magic: %w", ErrCorruptCache)
	}
	version := int(binary.BigEndian.Uint32(body[4:8]))
	if version < 2 || version > 4 {
		return fmt.Errorf("dircache version %d: %w", version, ErrCorruptCache)
	}
	count := int(binary.BigEndian.Uint32(body[8:12]))

	pos := cacheHeaderSize
	entries := make([]*Entry, 0, count)
	for i := 0; i < count; i++ {
		e, n, err := decodeEntry(body[pos:])
		if err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
		entries = append(entries, e)
		pos += n
	}

	tree, err := readExtensions(body[pos : len(body)-0])
	if err != nil {
		return err
	}

	c.version = version
	c.entries = entries
	c.tree = tree
	c.mtime = info.ModTime()
	return nil
}

// readExtensions walks the zero-or-more extension blocks following the
// entry table, returning the TREE extension if one was present.
func readExtensions(body []byte) (*treeExtension, error) {
	var tree *treeExtension
	pos := 0
	for pos < len(body) {
		if pos+8 > len(body) {
			return nil, fmt.Errorf("truncated extension header: %w", ErrCorruptCache)
		}
		name := string(body[pos : pos+4])
		size := int(binary.BigEndian.Uint32(body[pos+4 : pos+8]))
		pos += 8
		if size < 0 || pos+size > len(body) {
			return nil, fmt.Errorf("truncated extension %q: %w", name, ErrCorruptCache)
		}
		payload := body[pos : pos+size]
		pos += size

		switch {
		case name == "TREE":
			tree = &treeExtension{raw: append([]byte(nil), payload...)}
		case name[0] >= 'A' && name[0] <= 'Z':
			// optional extension we don't understand: skip it
		default:
			return nil, fmt.Errorf("extension %q: %w", name, ErrUnsupportedExtension)
		}
	}
	return tree, nil
}

// Lock acquires the dircache's lock file and refreshes the in-memory
// state from disk. On any read failure the lock is released before
// the error is returned, per spec.md §4.K.
func (c *Cache) Lock() error {
	lock := engine.NewLockFile(c.fs, c.path)
	if err := lock.Acquire(); err != nil {
		return fmt.Errorf("could not lock %s: %w", c.path, err)
	}
	if err := c.Read(); err != nil {
		_ = lock.Abort()
		return err
	}
	c.lock = lock
	c.commitTime = time.Now()
	return nil
}

// Unlock releases the lock without writing, discarding any changes
// a Builder/Editor produced but that were never passed to Write.
func (c *Cache) Unlock() error {
	if c.lock == nil {
		return nil
	}
	err := c.lock.Abort()
	c.lock = nil
	return err
}

// Write requires a prior successful Lock. It persists entries (which
// must already be sorted by (path, stage), as Builder.Finish and
// Editor.Finish both produce) as the new dircache content: header,
// entries, the TREE extension if one was read or set, then the SHA-1
// of everything preceding it.
func (c *Cache) Write(entries []*Entry) error {
	if c.lock == nil {
		return ErrNotLocked
	}
	out, err := c.lock.OutputStream()
	if err != nil {
		_ = c.lock.Abort()
		c.lock = nil
		return fmt.Errorf("could not open lock output for %s: %w", c.path, err)
	}

	if err := c.writeEntries(out, entries); err != nil {
		_ = c.lock.Abort()
		c.lock = nil
		return err
	}

	if err := c.lock.Commit(); err != nil {
		c.lock = nil
		return fmt.Errorf("could not commit %s: %w", c.path, err)
	}
	c.lock = nil

	c.entries = entries
	if info, statErr := c.fs.Stat(c.path); statErr == nil {
		c.mtime = info.ModTime()
	}
	return nil
}

// writeEntries streams the header, racy-clean-smudged entries, the
// TREE extension (if any) and the trailing checksum to out.
func (c *Cache) writeEntries(out io.Writer, entries []*Entry) error {
	h := sha1.New() //nolint:gosec
	mw := io.MultiWriter(out, h)

	var hdr [cacheHeaderSize]byte
	copy(hdr[0:4], cacheMagic)
	binary.BigEndian.PutUint32(hdr[4:8], uint32(c.version))
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(entries)))
	if _, err := mw.Write(hdr[:]); err != nil {
		return fmt.Errorf("could not write header: %w", err)
	}

	// Racy-clean smudge: an entry whose mtime lands in the same clock
	// tick as this commit can't be trusted to have been observed after
	// its last write, so its length is zeroed to force a content
	// comparison on the next status check rather than trusting the stat.
	commitSec := uint32(c.commitTime.Unix())     //nolint:gosec // wraps in 2106, not our problem here
	commitNano := uint32(c.commitTime.Nanosecond())
	buf := make([]byte, 0, entryHeaderSize+32)
	for _, e := range entries {
		smudged := *e
		if smudged.MTimeSec == commitSec && smudged.MTimeNano == commitNano {
			smudged.Size = 0
		}
		buf = smudged.encode(buf[:0])
		if _, err := mw.Write(buf); err != nil {
			return fmt.Errorf("could not write entry %s: %w", e.Path, err)
		}
	}

	if c.tree != nil {
		var extHdr [8]byte
		copy(extHdr[0:4], "TREE")
		binary.BigEndian.PutUint32(extHdr[4:8], uint32(len(c.tree.raw)))
		if _, err := mw.Write(extHdr[:]); err != nil {
			return fmt.Errorf("could not write TREE extension header: %w", err)
		}
		if _, err := mw.Write(c.tree.raw); err != nil {
			return fmt.Errorf("could not write TREE extension: %w", err)
		}
	}

	if _, err := out.Write(h.Sum(nil)); err != nil {
		return fmt.Errorf("could not write checksum: %w", err)
	}
	return nil
}

// FindEntry binary-searches for the lowest-stage entry at path,
// returning its index and true on a hit, or the insertion point and
// false on a miss.
func (c *Cache) FindEntry(path string) (int, bool) {
	i := sort.Search(len(c.entries), func(i int) bool {
		return compareKey(path, 0, c.entries[i]) <= 0
	})
	if i < len(c.entries) && c.entries[i].Path == path {
		return i, true
	}
	return i, false
}

// EntriesWithin returns the half-open range of entries whose path
// starts with prefix+"/".
func (c *Cache) EntriesWithin(prefix string) []*Entry {
	want := prefix + "/"
	lo := sort.Search(len(c.entries), func(i int) bool {
		return c.entries[i].Path >= want
	})
	hi := lo
	for hi < len(c.entries) && strings.HasPrefix(c.entries[hi].Path, want) {
		hi++
	}
	return c.entries[lo:hi]
}
