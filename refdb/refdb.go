// Package refdb implements the reference database: the name→id (or
// name→name) mapping a repository's branches, tags and HEAD-like
// pointers live in, backed by loose ref files and the packed-refs
// file.
package refdb

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Nivl/git-go/ginternals"
	"github.com/Nivl/git-go/ginternals/config"
	"github.com/Nivl/git-go/ginternals/engine"
	"github.com/Nivl/git-go/ginternals/object"
	"github.com/Nivl/git-go/internal/errutil"
	"github.com/spf13/afero"
)

// maxSymbolicDepth bounds how many symbolic hops Reference will
// follow before giving up. Matches git's own refs.c safety net.
const maxSymbolicDepth = 5

// ErrCyclicSymref is returned when resolving a reference needs more
// than maxSymbolicDepth hops to reach an id.
var ErrCyclicSymref = errors.New("cyclic symbolic reference")

// ObjectStore is the subset of backend.Backend that Peel needs to
// dereference an annotated tag down to the object it points at.
// Spelled out as its own interface so this package never imports
// backend.
type ObjectStore interface {
	Object(oid ginternals.Oid) (*object.Object, error)
}

// looseEntry is a loose ref's raw on-disk content plus the mtime it
// was last read at, so a future Load only re-reads files that changed.
type looseEntry struct {
	data  []byte
	mtime time.Time
}

// packedEntry is one parsed line (plus its optional peeled
// annotation) from packed-refs.
type packedEntry struct {
	id        ginternals.Oid
	peeled    ginternals.Oid
	hasPeeled bool
}

// packedStamp is the (mtime, length) pair packed-refs is reloaded on
// a change of, per spec.md §4.J.
type packedStamp struct {
	mtime time.Time
	size  int64
}

// DB is the reference database of a single repository.
type DB struct {
	cfg   *config.Config
	fs    afero.Fs
	store ObjectStore

	loose sync.Map // name (string) -> *looseEntry

	packedMu sync.Mutex
	packed   map[string]packedEntry
	stamp    packedStamp

	lastModificationCounter int64
	lastNotifiedCounter     int64
}

// NewDB returns an empty DB. Call Load before using it.
func NewDB(cfg *config.Config, store ObjectStore) *DB {
	return &DB{
		cfg:    cfg,
		fs:     cfg.FS,
		store:  store,
		packed: map[string]packedEntry{},
	}
}

// Path returns the path to the repository's .git directory.
func (db *DB) Path() string {
	return ginternals.DotGitPath(db.cfg)
}

// systemPath turns a ref name into an on-disk path, translating `/`
// to the platform separator.
func (db *DB) systemPath(name string) string {
	return filepath.Join(db.Path(), filepath.FromSlash(name))
}

// Load populates the loose-ref cache from every file under refs/ and
// the well-known top-level pseudo-refs (HEAD, ORIG_HEAD, ...), and
// primes the packed-refs cache. Safe to call again later to pick up
// refs created outside this DB (it only adds/overwrites, it never
// drops a loose entry Load doesn't see, since a concurrent writer
// going through this same DB keeps the cache in sync as it writes).
func (db *DB) Load() error {
	if err := db.reloadPacked(); err != nil {
		return err
	}

	refsPath := ginternals.RefsPath(db.cfg)
	err := afero.Walk(db.fs, refsPath, func(path string, info fs.FileInfo, e error) error {
		if path == refsPath {
			return nil
		}
		if e != nil {
			return fmt.Errorf("could not walk %s: %w", path, e)
		}
		if info.IsDir() {
			return nil
		}
		data, e := afero.ReadFile(db.fs, path)
		if e != nil {
			return fmt.Errorf("could not read reference at %s: %w", path, e)
		}
		relpath, e := filepath.Rel(db.Path(), path)
		if e != nil {
			return e //nolint:wrapcheck // the error message is already pretty descriptive
		}
		db.loose.Store(filepath.ToSlash(relpath), &looseEntry{data: data, mtime: info.ModTime()})
		return nil
	})
	if err != nil {
		return fmt.Errorf("could not browse the refs directory: %w", err)
	}

	headPaths := []string{
		ginternals.Head,
		ginternals.OrigHead,
		ginternals.MergeHead,
		ginternals.CherryPickHead,
	}
	for _, name := range headPaths {
		info, statErr := db.fs.Stat(db.systemPath(name))
		data, readErr := afero.ReadFile(db.fs, db.systemPath(name))
		if readErr != nil {
			if errors.Is(readErr, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("could not read reference at %s: %w", name, readErr)
		}
		mtime := time.Time{}
		if statErr == nil {
			mtime = info.ModTime()
		}
		db.loose.Store(name, &looseEntry{data: data, mtime: mtime})
	}

	return nil
}

// reloadPacked re-parses packed-refs if its (mtime, length) differ
// from the last time it was read, per spec.md §4.J. A missing file is
// treated as "nothing packed" rather than an error.
func (db *DB) reloadPacked() error {
	db.packedMu.Lock()
	defer db.packedMu.Unlock()

	path := ginternals.PackedRefsPath(db.cfg)
	info, err := db.fs.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			db.packed = map[string]packedEntry{}
			db.stamp = packedStamp{}
			return nil
		}
		return fmt.Errorf("could not stat %s: %w", path, err)
	}

	stamp := packedStamp{mtime: info.ModTime(), size: info.Size()}
	if stamp == db.stamp {
		return nil
	}

	parsed, err := db.parsePackedRefs(path)
	if err != nil {
		return err
	}
	db.packed = parsed
	db.stamp = stamp
	return nil
}

// parsePackedRefs reads the packed-refs file, attaching `^<hex>`
// peeled annotations to the ref line directly above them. A `^` with
// no preceding ref line is malformed.
func (db *DB) parsePackedRefs(path string) (m map[string]packedEntry, err error) {
	f, err := db.fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", path, err)
	}
	defer errutil.Close(f, &err)

	m = map[string]packedEntry{}
	var lastName string
	haveLast := false

	sc := bufio.NewScanner(f)
	for i := 1; sc.Scan(); i++ {
		line := sc.Text()
		switch {
		case line == "" || line[0] == '#':
			continue
		case line[0] == '^':
			if !haveLast {
				return nil, fmt.Errorf("peeled annotation with no preceding ref, line %d: %w", i, ginternals.ErrPackedRefInvalid)
			}
			peeled, pErr := ginternals.NewOidFromStr(line[1:])
			if pErr != nil {
				return nil, fmt.Errorf("invalid peeled id, line %d: %w", i, ginternals.ErrPackedRefInvalid)
			}
			entry := m[lastName]
			entry.peeled = peeled
			entry.hasPeeled = true
			m[lastName] = entry
		default:
			parts := strings.SplitN(line, " ", 2)
			if len(parts) != 2 {
				return nil, fmt.Errorf("could not parse %s, unexpected data line %d: %w", path, i, ginternals.ErrPackedRefInvalid)
			}
			id, idErr := ginternals.NewOidFromStr(parts[0])
			if idErr != nil {
				return nil, fmt.Errorf("invalid id, line %d: %w", i, ginternals.ErrPackedRefInvalid)
			}
			name := filepath.ToSlash(parts[1])
			m[name] = packedEntry{id: id}
			lastName = name
			haveLast = true
		}
	}
	if sc.Err() != nil {
		return nil, fmt.Errorf("could not parse %s: %w", path, sc.Err())
	}
	return m, nil
}

// find returns the raw content a loose ref was last read with (or an
// "<id>\n" line built from its packed entry), or an error wrapping
// ginternals.ErrRefNotFound if neither a loose file nor a packed entry
// exists. A loose entry always wins over a packed one.
func (db *DB) find(name string) ([]byte, error) {
	if v, ok := db.loose.Load(name); ok {
		return v.(*looseEntry).data, nil //nolint:forcetypeassert // only this package ever stores into db.loose
	}

	if err := db.reloadPacked(); err != nil {
		return nil, err
	}
	db.packedMu.Lock()
	entry, ok := db.packed[name]
	db.packedMu.Unlock()
	if !ok {
		return nil, fmt.Errorf(`ref "%s": %w`, name, ginternals.ErrRefNotFound)
	}
	return []byte(entry.id.String() + "\n"), nil
}

// Reference resolves name, following symbolic chains up to
// maxSymbolicDepth hops. Exceeding the bound is reported as
// ErrCyclicSymref, per spec.md §4.J.
func (db *DB) Reference(name string) (*ginternals.Reference, error) {
	hops := 0
	finder := func(n string) ([]byte, error) {
		hops++
		if hops > maxSymbolicDepth {
			return nil, fmt.Errorf("resolving %q: %w", name, ErrCyclicSymref)
		}
		return db.find(n)
	}
	return ginternals.ResolveReference(name, finder)
}

// PeeledReference is a Reference together with what it peels to: the
// object an annotated tag chain ultimately resolves to, or itself if
// it isn't a tag.
type PeeledReference struct {
	*ginternals.Reference
	Peeled      ginternals.Oid
	PeeledKnown bool
}

// Peel dereferences ref down through any chain of annotated tags to
// the non-tag object (or commit) underneath. Non-tag references are
// returned with PeeledKnown set and Peeled left as their own target.
func (db *DB) Peel(ref *ginternals.Reference) (*PeeledReference, error) {
	current := ref.Target()
	for {
		o, err := db.store.Object(current)
		if err != nil {
			return nil, fmt.Errorf("could not peel %s: %w", ref.Name(), err)
		}
		if o.Type() != object.TypeTag {
			return &PeeledReference{Reference: ref, Peeled: current, PeeledKnown: true}, nil
		}
		tag, err := o.AsTag()
		if err != nil {
			return nil, fmt.Errorf("could not peel %s: %w", ref.Name(), err)
		}
		current = tag.Target()
	}
}

// WalkFunc is applied to every reference by Walk.
type WalkFunc func(ref *ginternals.Reference) error

// WalkStop is a sentinel error a WalkFunc can return to stop walking
// without propagating a real failure.
var WalkStop = errors.New("stop walking") //nolint // faking an error on purpose, doesn't need an Err prefix

// Walk calls f once for every known reference, loose or packed.
func (db *DB) Walk(f WalkFunc) error {
	seen := map[string]struct{}{}
	var topErr error

	visit := func(name string) bool {
		if _, ok := seen[name]; ok {
			return true
		}
		seen[name] = struct{}{}
		ref, err := db.Reference(name)
		if err != nil {
			topErr = fmt.Errorf("could not resolve reference %s: %w", name, err)
			return false
		}
		if err := f(ref); err != nil {
			if !errors.Is(err, WalkStop) {
				topErr = err
			}
			return false
		}
		return true
	}

	db.loose.Range(func(key, _ interface{}) bool {
		return visit(key.(string)) //nolint:forcetypeassert // only this package stores into db.loose
	})
	if topErr != nil {
		return topErr
	}

	db.packedMu.Lock()
	names := make([]string, 0, len(db.packed))
	for name := range db.packed {
		names = append(names, name)
	}
	db.packedMu.Unlock()
	for _, name := range names {
		if !visit(name) {
			break
		}
	}
	return topErr
}

// ModificationCounter returns the counter bumped after every
// successful mutation. Compare it against NotifiedCounter to know if
// listeners still need telling.
func (db *DB) ModificationCounter() int64 {
	return atomic.LoadInt64(&db.lastModificationCounter)
}

// NotifiedCounter returns the counter a listener last acknowledged.
func (db *DB) NotifiedCounter() int64 {
	return atomic.LoadInt64(&db.lastNotifiedCounter)
}

// AcknowledgeNotification advances NotifiedCounter to the current
// ModificationCounter, marking every mutation so far as observed.
func (db *DB) AcknowledgeNotification() {
	atomic.StoreInt64(&db.lastNotifiedCounter, db.ModificationCounter())
}

func (db *DB) bumpModificationCounter() {
	atomic.AddInt64(&db.lastModificationCounter, 1)
}

// writeLoose writes raw (already newline-terminated) content to name's
// loose ref file through the lock-file protocol, then updates the
// in-memory cache.
func (db *DB) writeLoose(name string, raw []byte) error {
	refPath := db.systemPath(name)
	if err := db.fs.MkdirAll(filepath.Dir(refPath), 0o755); err != nil {
		return fmt.Errorf("could not persist reference to disk: %w", err)
	}

	lock := engine.NewLockFile(db.fs, refPath)
	if err := lock.Acquire(); err != nil {
		return fmt.Errorf("could not lock %s: %w", refPath, err)
	}
	out, err := lock.OutputStream()
	if err != nil {
		_ = lock.Abort()
		return fmt.Errorf("could not persist reference to disk: %w", err)
	}
	if _, err = out.Write(raw); err != nil {
		_ = lock.Abort()
		return fmt.Errorf("could not persist reference to disk: %w", err)
	}
	if err = lock.Commit(); err != nil {
		return fmt.Errorf("could not persist reference to disk: %w", err)
	}

	db.loose.Store(name, &looseEntry{data: raw})
	return nil
}

// removeLoose removes name's loose ref file, if any, and its cache entry.
func (db *DB) removeLoose(name string) error {
	db.loose.Delete(name)
	err := db.fs.Remove(db.systemPath(name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("could not remove reference %s: %w", name, err)
	}
	return nil
}

// removePacked drops name from the packed-refs cache and rewrites the
// file under its own lock. A no-op if name isn't packed.
func (db *DB) removePacked(name string) (err error) {
	db.packedMu.Lock()
	if _, ok := db.packed[name]; !ok {
		db.packedMu.Unlock()
		return nil
	}
	delete(db.packed, name)
	snapshot := make(map[string]packedEntry, len(db.packed))
	for k, v := range db.packed {
		snapshot[k] = v
	}
	db.packedMu.Unlock()

	path := ginternals.PackedRefsPath(db.cfg)
	lock := engine.NewLockFile(db.fs, path)
	if err := lock.Acquire(); err != nil {
		return fmt.Errorf("could not lock %s: %w", path, err)
	}
	out, err := lock.OutputStream()
	if err != nil {
		_ = lock.Abort()
		return fmt.Errorf("could not rewrite %s: %w", path, err)
	}
	w := bufio.NewWriter(out)
	for refName, e := range snapshot {
		if _, err := fmt.Fprintf(w, "%s %s\n", e.id.String(), refName); err != nil {
			_ = lock.Abort()
			return fmt.Errorf("could not rewrite %s: %w", path, err)
		}
		if e.hasPeeled {
			if _, err := fmt.Fprintf(w, "^%s\n", e.peeled.String()); err != nil {
				_ = lock.Abort()
				return fmt.Errorf("could not rewrite %s: %w", path, err)
			}
		}
	}
	if err := w.Flush(); err != nil {
		_ = lock.Abort()
		return fmt.Errorf("could not rewrite %s: %w", path, err)
	}
	if err := lock.Commit(); err != nil {
		return fmt.Errorf("could not rewrite %s: %w", path, err)
	}
	return nil
}
