package backend

import (
	"bytes"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/Nivl/git-go/ginternals"
	"github.com/Nivl/git-go/ginternals/object"
	"github.com/Nivl/git-go/ginternals/packfile"
	"github.com/Nivl/git-go/internal/errutil"
	"github.com/Nivl/git-go/internal/readutil"
	"github.com/spf13/afero"
)

// Size budgets for the window/delta-base caches shared by every pack a
// Backend opens. Process-wide rather than per-pack, per spec: a repo
// with many small packs shouldn't pay for a window cache each.
const (
	backendWindowSize       = 1 << 20 // 1MiB
	backendWindowCacheBytes = 64 << 20
	backendDeltaCacheBytes  = 32 << 20
)

// Object returns the object that has given oid
// This method can be called concurrently
func (b *Backend) Object(oid ginternals.Oid) (*object.Object, error) {
	key := oid.Bytes()
	b.objectMu.Lock(key)
	defer b.objectMu.Unlock(key)

	return b.objectUnsafe(oid)
}

// Commit returns the commit that has the given oid, for callers (the
// transport package's negotiation and pack-writer graph walks) that
// only care about a commit's tree and parents rather than the raw
// object.
func (b *Backend) Commit(oid ginternals.Oid) (*object.Commit, error) {
	o, err := b.Object(oid)
	if err != nil {
		return nil, fmt.Errorf("could not get commit %s: %w", oid, err)
	}
	return o.AsCommit()
}

func (b *Backend) objectUnsafe(oid ginternals.Oid) (*object.Object, error) {
	if b.cache != nil {
		if cachedO, found := b.cache.Get(oid); found {
			if o, valid := cachedO.(*object.Object); valid {
				return o, nil
			}
		}
	}

	// First let's look for loose objects
	o, err := b.looseObject(oid)
	if err == nil {
		return o, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed looking for loose object: %w", err)
	}

	// Not found? Let's find it in a packfile
	o, err = b.objectFromPackfile(oid)
	if err != nil {
		return nil, err
	}
	if b.cache != nil {
		b.cache.Add(oid, o)
	}
	return o, nil
}

// looseObject returns the object matching the given OID.
//
// Two on-disk formats are supported, sniffed from the first two
// bytes: the legacy format, a zlib stream whose plaintext is an ascii
// encoded type, a space, an ascii encoded length, a NUL, then the
// body; and the packed-style format, a raw varint type+size header
// (the same encoding used inside packfiles) followed by a zlib stream
// of the payload alone.
func (b *Backend) looseObject(oid ginternals.Oid) (o *object.Object, err error) {
	if _, exists := b.looseObjects.Load(oid); !exists {
		return nil, os.ErrNotExist
	}

	strOid := oid.String()
	p := ginternals.LooseObjectPath(b.config, strOid)
	raw, err := afero.ReadFile(b.fs, p)
	if err != nil {
		return nil, fmt.Errorf("could not get object %s at path %s: %w", strOid, p, err)
	}
	if len(raw) < 2 {
		return nil, fmt.Errorf("object %s at path %s is too short: %w", strOid, p, object.ErrObjectInvalid)
	}

	if isLegacyLooseStream(raw) {
		return parseLegacyLooseObject(raw, strOid, p)
	}
	return parsePackedStyleLooseObject(raw, strOid, p)
}

// isLegacyLooseStream reports whether raw begins with a zlib stream
// header: CMF byte 0x78 and a CMF/FLG 16-bit big-endian word that is a
// multiple of 31, per RFC 1950.
func isLegacyLooseStream(raw []byte) bool {
	word := uint16(raw[0])<<8 | uint16(raw[1])
	return raw[0] == 0x78 && word%31 == 0
}

// parseLegacyLooseObject inflates the whole file as a single zlib
// stream whose plaintext carries the `<type> <size>\0<payload>` header.
func parseLegacyLooseObject(raw []byte, strOid, p string) (o *object.Object, err error) {
	zlibReader, err := zlib.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("could not decompress parts of object %s at path %s: %w", strOid, p, err)
	}
	defer errutil.Close(zlibReader, &err)

	// We directly read the entire file since most of it is the content we
	// need, this allows us to be able to easily store the object's content
	buff, err := io.ReadAll(zlibReader)
	if err != nil {
		return nil, fmt.Errorf("could not read object %s at path %s: %w", strOid, p, err)
	}

	// we keep track of where we're at in the buffer
	pointerPos := 0

	// the type of the object starts at offset 0 and ends a the first
	// space character that we'll need to trim
	typ := readutil.ReadTo(buff, ' ')
	if typ == nil {
		return nil, fmt.Errorf("could not find object type for %s at path %s: %w", strOid, p, err)
	}

	oType, err := object.NewTypeFromString(string(typ))
	if err != nil {
		return nil, fmt.Errorf("unsupported type %s for object %s at path %s: %w", string(typ), strOid, p, object.ErrObjectInvalid)
	}
	pointerPos += len(typ)
	pointerPos++ // one more for the space

	// The size of the object starts after the space and ends at a NULL char
	// That we'll need to trim.
	// A NULL char is represented by 0 (dec), 000 (octal), or 0x00 (hex)
	// type "man ascii" in a terminal for more information
	size := readutil.ReadTo(buff[pointerPos:], 0)
	if size == nil {
		return nil, fmt.Errorf("could not find object size for %s at path %s: %w", strOid, p, err)
	}
	oSize, err := strconv.Atoi(string(size))
	if err != nil {
		return nil, fmt.Errorf("invalid size %s for object %s at path %s: %w", size, strOid, p, err)
	}
	pointerPos += len(size)
	pointerPos++                  // one more for the NULL char
	oContent := buff[pointerPos:] // sugar

	if len(oContent) != oSize {
		return nil, fmt.Errorf("object marked as size %d, but has %d at path %s: %w", oSize, len(oContent), p, err)
	}

	return object.New(oType, oContent), nil
}

// parsePackedStyleLooseObject decodes the raw varint type+size header
// (identical bit layout to a packfile object header) then inflates the
// remainder of raw, which holds a zlib stream of the payload alone, no
// ascii header mixed in.
func parsePackedStyleLooseObject(raw []byte, strOid, p string) (o *object.Object, err error) {
	oType, oSize, headerLen, err := decodeLooseObjectHeader(raw)
	if err != nil {
		return nil, fmt.Errorf("could not decode header of object %s at path %s: %w", strOid, p, err)
	}

	zlibReader, err := zlib.NewReader(bytes.NewReader(raw[headerLen:]))
	if err != nil {
		return nil, fmt.Errorf("could not decompress parts of object %s at path %s: %w", strOid, p, err)
	}
	defer errutil.Close(zlibReader, &err)

	oContent, err := io.ReadAll(zlibReader)
	if err != nil {
		return nil, fmt.Errorf("could not read object %s at path %s: %w", strOid, p, err)
	}
	if len(oContent) != oSize {
		return nil, fmt.Errorf("object marked as size %d, but has %d at path %s: %w", oSize, len(oContent), p, object.ErrObjectInvalid)
	}

	return object.New(oType, oContent), nil
}

// decodeLooseObjectHeader decodes a packed-style loose object header:
// one byte carries a continuation bit, a 3-bit type, and the low 4
// bits of the size; each continuation byte appends 7 more bits of size,
// little-endian.
func decodeLooseObjectHeader(raw []byte) (object.Type, int, int, error) {
	if len(raw) == 0 {
		return 0, 0, 0, object.ErrObjectInvalid
	}
	first := raw[0]
	oType := object.Type((first & 0b_0111_0000) >> 4)
	if !oType.IsValid() {
		return 0, 0, 0, fmt.Errorf("unknown object type %d: %w", oType, object.ErrObjectInvalid)
	}
	size := uint64(first & 0b_0000_1111)
	headerLen := 1
	shift := uint(4)
	for i := 1; first&0b_1000_0000 != 0; i++ {
		if i >= len(raw) {
			return 0, 0, 0, fmt.Errorf("truncated loose object header: %w", object.ErrObjectInvalid)
		}
		b := raw[i]
		size |= uint64(b&0b_0111_1111) << shift
		shift += 7
		headerLen++
		first = b
	}
	return oType, int(size), headerLen, nil
}

// packLoadEntry pairs a freshly opened pack with the mtime of its file
// on disk, so the set of opened packs can be sorted newest-first once
// the walk is done.
type packLoadEntry struct {
	pack  *packfile.Pack
	mtime time.Time
}

// loadPacks loads the packfiles in memory, ordered newest mtime first.
// That order matters: when an object exists in more than one pack
// (e.g. right after a repack, before the old pack is pruned) the most
// recently written pack must win, deterministically, rather than
// whichever pack a map iteration happens to visit first.
func (b *Backend) loadPacks() error {
	p := ginternals.ObjectsPacksPath(b.config)
	entries := []packLoadEntry{}
	err := afero.Walk(b.fs, p, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			//nolint:nilerr // in case of error we just skip it and move on.
			// this will happen if the repo is empty and the ./objects/pack
			// folder doesn't exists
			return nil
		}

		if info.Name() == "pack" {
			return nil
		}

		// There should be no directories, but just in case,
		// we make sure we don't go in them
		if info.IsDir() {
			return filepath.SkipDir
		}

		// We're only interested in packfiles
		if filepath.Ext(info.Name()) != packfile.ExtPackfile {
			return nil
		}

		packFilePath := filepath.Join(p, info.Name())
		pack, err := packfile.NewFromFile(b.fs, packFilePath,
			packfile.WithWindowCache(b.windowCache),
			packfile.WithDeltaBaseCache(b.deltaCache),
		)
		if err != nil {
			return fmt.Errorf("could not parse packfile at %s: %w", packFilePath, err)
		}
		entries = append(entries, packLoadEntry{pack: pack, mtime: info.ModTime()})

		return nil
	})
	if err != nil {
		return err
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].mtime.After(entries[j].mtime)
	})
	b.packfiles = make([]*packfile.Pack, len(entries))
	for i, e := range entries {
		b.packfiles[i] = e.pack
	}
	return nil
}

// IngestPack consumes a pack stream (as received over a fetch/push
// transport) end to end: it decodes and resolves every object,
// repairing a thin pack against this Backend's object store when
// fixThin is set, then publishes the resulting .pack/.idx pair and
// opens it so it's immediately available to Object/HasObject.
//
// A pack that resolves no objects (e.g. an empty "no changes" fetch
// response) is discarded rather than published.
func (b *Backend) IngestPack(stream io.Reader, fixThin bool) (*packfile.Result, error) {
	ix, err := packfile.Create(b.fs, ginternals.ObjectsPacksPath(b.config), stream)
	if err != nil {
		return nil, fmt.Errorf("could not start pack ingest: %w", err)
	}
	if fixThin {
		ix.SetFixThin(true, b)
	}

	state, err := ix.Index(nil)
	if err != nil {
		return nil, fmt.Errorf("could not ingest pack: %w", err)
	}
	res, err := ix.RenameAndOpenPack(state)
	if err != nil {
		return nil, fmt.Errorf("could not publish ingested pack: %w", err)
	}
	if res == nil {
		return nil, nil //nolint:nilnil // an empty pack is a valid outcome, not an error
	}

	pack, err := packfile.NewFromFile(b.fs, res.PackPath,
		packfile.WithWindowCache(b.windowCache),
		packfile.WithDeltaBaseCache(b.deltaCache),
	)
	if err != nil {
		return nil, fmt.Errorf("could not open ingested pack: %w", err)
	}
	// Newest pack goes first, matching the newest-mtime-first order
	// loadPacks establishes at startup.
	b.packfiles = append([]*packfile.Pack{pack}, b.packfiles...)

	return res, nil
}

// objectFromPackfile looks for an object in the packfiles
func (b *Backend) objectFromPackfile(oid ginternals.Oid) (*object.Object, error) {
	// TODO(melvin): parse MIDX files to speed up the process
	// MIDX file: https://git-scm.com/docs/multi-pack-index
	// https://github.com/Nivl/git-go/issues/13
	for _, pack := range b.packfiles {
		o, err := pack.GetObject(oid)
		if err == nil {
			return o, nil
		}
		if errors.Is(err, ginternals.ErrObjectNotFound) {
			continue
		}
		return nil, err
	}
	return nil, ginternals.ErrObjectNotFound
}

// HasObject returns whether an object exists in the odb
// This method can be called concurrently
func (b *Backend) HasObject(oid ginternals.Oid) (bool, error) {
	key := oid.Bytes()
	b.objectMu.Lock(key)
	defer b.objectMu.Unlock(key)

	return b.hasObjectUnsafe(oid)
}

func (b *Backend) hasObjectUnsafe(oid ginternals.Oid) (bool, error) {
	_, err := b.objectUnsafe(oid)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ginternals.ErrObjectNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("could not get object: %w", err)
}

// WriteObject adds an object to the odb
// This method can be called concurrently
func (b *Backend) WriteObject(o *object.Object) (ginternals.Oid, error) {
	data, err := o.Compress()
	if err != nil {
		return ginternals.NullOid, fmt.Errorf("could not compress object: %w", err)
	}

	oid := o.ID()
	b.objectMu.Lock(oid.Bytes())
	defer b.objectMu.Unlock(oid.Bytes())

	// Make sure the object doesn't already exist anywhere
	found, err := b.hasObjectUnsafe(o.ID())
	if err != nil {
		return ginternals.NullOid, fmt.Errorf("could not check if object (%s) already exists: %w", o.ID().String(), err)
	}
	if found {
		return o.ID(), nil
	}

	// Persist the data on disk
	sha := o.ID().String()
	p := ginternals.LooseObjectPath(b.config, sha)

	// We need to make sure the dest dir exists
	dest := filepath.Dir(p)
	if err = b.fs.MkdirAll(dest, 0o755); err != nil {
		return ginternals.NullOid, fmt.Errorf("could not create the destination directory %s: %w", dest, err)
	}

	// We use 444 because git object are read-only
	if err = afero.WriteFile(b.fs, p, data, 0o444); err != nil {
		return ginternals.NullOid, fmt.Errorf("could not persist object %s at path %s: %w", sha, p, err)
	}

	// add the object to the cache
	b.looseObjects.Store(o.ID(), struct{}{})
	if b.cache != nil {
		b.cache.Add(o.ID(), o)
	}
	return o.ID(), nil
}

// WalkPackedObjectIDs runs the provided method on all the oids of all the
// packfiles
func (b *Backend) WalkPackedObjectIDs(f packfile.OidWalkFunc) error {
	for _, pack := range b.packfiles {
		if err := pack.WalkOids(f); err != nil {
			return err
		}
	}
	return nil
}

// loadLooseObject loads the loose object in memory
func (b *Backend) loadLooseObject() error {
	objectsPath := ginternals.ObjectsPath(b.config)
	return afero.Walk(b.fs, objectsPath, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			//nolint:nilerr // in case of error we just skip it and move on.
			// this will happen if the repo is empty and the ./objects
			// folder doesn't exists
			return nil
		}
		if path == objectsPath {
			return nil
		}

		// We're interested in all the directory that are named "00"
		// up to "ff"
		if info.IsDir() {
			if !b.isLooseObjectDir(info.Name()) {
				return filepath.SkipDir
			}
			return nil
		}

		// We're only interested in the files inside a loose object
		// directory
		prefix := filepath.Base(filepath.Dir(path))
		if !b.isLooseObjectDir(prefix) {
			return filepath.SkipDir
		}

		if filepath.Ext(info.Name()) != "" {
			return filepath.SkipDir
		}

		sha := prefix + info.Name()
		oid, err := ginternals.NewOidFromStr(sha)
		if err != nil {
			return fmt.Errorf("could not get oid from %s: %w", sha, err)
		}
		b.looseObjects.Store(oid, struct{}{})
		return nil
	})
}

// isLooseObjectDir checks if a directory name is anything between 00 and ff
func (b *Backend) isLooseObjectDir(name string) bool {
	if len(name) != 2 {
		return false
	}
	dirNum, parseErr := strconv.ParseInt(name, 16, 64)
	if parseErr != nil || dirNum < 0x00 || dirNum > 0xff {
		return false
	}
	return true
}

// WalkLooseObjectIDs runs the provided method on all the oids of all the
// loose objects
func (b *Backend) WalkLooseObjectIDs(f packfile.OidWalkFunc) (err error) {
	b.looseObjects.Range(func(key, value interface{}) bool {
		err = f(key.(ginternals.Oid))
		if err != nil {
			if err == packfile.OidWalkStop { //nolint:errorlint,goerr113 // it's a fake error so no need to use Error.Is()
				err = nil
			}
			return false
		}
		return true
	})
	return err
}
