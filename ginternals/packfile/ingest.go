package packfile

import (
	"bufio"
	"bytes"
	"compress/zlib"
	"crypto/sha1" //nolint:gosec // sha1 is the hash format git uses for packs
	"errors"
	"hash/crc32"
	"io"
	"path/filepath"
	"sort"

	"github.com/Nivl/git-go/ginternals"
	"github.com/Nivl/git-go/ginternals/object"
	"github.com/spf13/afero"
	"golang.org/x/xerrors"
)

// ErrCancelled is returned by Indexer.Index when the progress callback
// asks the ingest to stop.
var ErrCancelled = errors.New("ingest cancelled")

// ErrMissingObject is returned when a thin pack references a delta
// base that isn't in the pack and isn't in the existing store either.
var ErrMissingObject = errors.New("delta base missing from both pack and store")

// ExistingStore is the subset of backend.Backend an Indexer needs to
// collision-check whole objects and to repair thin packs. Spelled out
// as its own interface, duck-typed against backend.Backend, so this
// package never has to import backend (which already imports
// packfile for Pack/PackIndex).
type ExistingStore interface {
	Object(oid ginternals.Oid) (*object.Object, error)
	HasObject(oid ginternals.Oid) (bool, error)
}

// ProgressFunc is polled between objects (phase 2) and between deltas
// (phase 4). Returning false cancels the ingest.
type ProgressFunc func(done, total int) (keepGoing bool)

// Result describes a pack that was successfully ingested.
type Result struct {
	// PackPath and IdxPath are the final, published locations.
	PackPath string
	IdxPath  string
	// ID is the pack's name: the SHA-1 of its sorted object ids.
	ID ginternals.Oid
	// ObjectCount is how many objects the pack's index now describes.
	ObjectCount int
}

// pendingDelta is an OFS_DELTA or REF_DELTA object recorded during the
// object phase whose base hadn't been materialized yet.
type pendingDelta struct {
	pos int64
	crc uint32
}

// Indexer consumes a single pack stream end to end: it writes the
// stream through to a temp file while tracking offsets, decodes and
// records every object, resolves deltas against their bases, and
// optionally repairs a thin pack before publishing the final
// .pack/.idx pair.
//
// An Indexer is single-use: create one with Create, call Index once,
// then RenameAndOpenPack.
type Indexer struct {
	fs         afero.Fs
	objectsDir string
	stream     io.Reader

	indexVersion int // 0 = auto/oldest, matches WriteIndex's convention
	fixThin      bool
	keepEmpty    bool
	store        ExistingStore

	tmpPack *countingFile
	tmpIdx  string

	declaredCount int
}

// countingFile wraps an afero.File opened for both sequential writes
// and random reads, tracking how many bytes have been written so
// object offsets can be recorded without a separate Stat/Seek round
// trip on every object.
type countingFile struct {
	afero.File
	n int64
}

func (f *countingFile) Write(p []byte) (int, error) {
	n, err := f.File.Write(p)
	f.n += int64(n)
	return n, err
}

// Create opens a new Indexer reading from stream, staging its temp
// files inside objectsDir (the same directory .pack/.idx files are
// eventually published into, so the final rename never crosses a
// filesystem boundary).
func Create(fs afero.Fs, objectsDir string, stream io.Reader) (*Indexer, error) {
	tmp, err := afero.TempFile(fs, objectsDir, "incoming-*.pack")
	if err != nil {
		return nil, xerrors.Errorf("could not create temp pack file: %w", err)
	}
	return &Indexer{
		fs:         fs,
		objectsDir: objectsDir,
		stream:     stream,
		tmpPack:    &countingFile{File: tmp},
	}, nil
}

// SetIndexVersion selects the on-disk .idx layout the final index is
// written with. 0 (the default) picks the oldest format that can
// represent the pack, matching WriteIndex's own policy.
func (ix *Indexer) SetIndexVersion(version int) { ix.indexVersion = version }

// SetFixThin enables thin-pack repair: bases missing from the pack
// are looked up in store and appended to it before delta resolution.
func (ix *Indexer) SetFixThin(fixThin bool, store ExistingStore) {
	ix.fixThin = fixThin
	ix.store = store
}

// SetKeepEmpty controls whether a pack that resolves zero objects is
// still published (rather than discarded) once ingested.
func (ix *Indexer) SetKeepEmpty(keepEmpty bool) { ix.keepEmpty = keepEmpty }

// materialized is a fully reconstructed object, kept in memory only
// long enough to resolve whatever deltas are based on it.
type materialized struct {
	id   ginternals.Oid
	pos  int64
	typ  object.Type
	data []byte
}

// indexState accumulates everything Index needs across phases.
type indexState struct {
	entries  []IndexEntry
	whole    []materialized // discovery order, consumed as a FIFO queue in phase 4
	resolved int
	byID     map[ginternals.Oid][]pendingDelta
	byOffset map[int64][]pendingDelta
}

// Index consumes the pack stream to completion: header, object phase,
// footer check, delta resolution and, if enabled, thin-pack repair.
// progress may be nil.
func (ix *Indexer) Index(progress ProgressFunc) (*indexState, error) {
	// A single bufio.Reader spans the entire decode (header, every
	// object, footer). zlib/flate needs an io.ByteReader or it opens
	// its own hidden buffer and over-reads past each deflate stream's
	// end; splitting the decode across more than one bufio.Reader
	// would silently strand whatever the first one had already
	// buffered ahead when it's discarded.
	src := bufio.NewReader(io.TeeReader(ix.stream, ix.tmpPack))

	count, err := ix.readHeader(src)
	if err != nil {
		return nil, err
	}
	ix.declaredCount = count

	state := &indexState{
		byID:     map[ginternals.Oid][]pendingDelta{},
		byOffset: map[int64][]pendingDelta{},
	}

	if err := ix.readObjects(src, count, state, progress); err != nil {
		return nil, err
	}
	if err := ix.verifyFooter(src); err != nil {
		return nil, err
	}
	if err := ix.resolveDeltas(state, progress); err != nil {
		return nil, err
	}
	if ix.fixThin && state.resolved < count {
		if err := ix.repairThin(state, progress); err != nil {
			return nil, err
		}
	}
	return state, nil
}

// readHeader reads and validates the 12-byte pack header from src,
// returning the declared object count.
func (ix *Indexer) readHeader(src *bufio.Reader) (int, error) {
	var header [packfileHeaderSize]byte
	if _, err := io.ReadFull(src, header[:]); err != nil {
		return 0, xerrors.Errorf("could not read pack header: %w", err)
	}
	if !bytes.Equal(header[0:4], packfileMagic()) {
		return 0, xerrors.Errorf("invalid header: %w", ErrInvalidMagic)
	}
	version := header[4:8]
	if !(version[3] == 2 || version[3] == 3) || version[0] != 0 || version[1] != 0 || version[2] != 0 {
		return 0, xerrors.Errorf("unsupported pack version: %w", ErrInvalidVersion)
	}
	count := int(header[8])<<24 | int(header[9])<<16 | int(header[10])<<8 | int(header[11])
	return count, nil
}

// readObjects runs phase 2: decode every declared object, recording
// whole objects directly and bucketing deltas under their base key.
func (ix *Indexer) readObjects(src *bufio.Reader, count int, state *indexState, progress ProgressFunc) error {
	for i := 0; i < count; i++ {
		if progress != nil && !progress(i, count) {
			return ErrCancelled
		}

		pos := ix.tmpPack.n - int64(src.Buffered())
		typ, size, err := decodeObjectHeader(src)
		if err != nil {
			return xerrors.Errorf("could not decode object %d header: %w", i, err)
		}

		switch typ {
		case object.ObjectDeltaRef:
			baseRaw := make([]byte, ginternals.OidSize)
			if _, err := io.ReadFull(src, baseRaw); err != nil {
				return xerrors.Errorf("could not read ref-delta base: %w", err)
			}
			baseID, err := ginternals.NewOidFromHex(baseRaw)
			if err != nil {
				return xerrors.Errorf("invalid ref-delta base id: %w", err)
			}
			if _, err := discardInflated(src, size); err != nil {
				return xerrors.Errorf("could not discard ref-delta payload %d: %w", i, err)
			}
			crc, err := ix.crcSpan(pos, ix.tmpPack.n-int64(src.Buffered()))
			if err != nil {
				return err
			}
			state.byID[baseID] = append(state.byID[baseID], pendingDelta{pos: pos, crc: crc})
		case object.ObjectDeltaOFS:
			relOffset, err := readDeltaOffsetStream(src)
			if err != nil {
				return xerrors.Errorf("could not read ofs-delta base offset: %w", err)
			}
			basePos := pos - int64(relOffset)
			if basePos < 0 {
				return xerrors.Errorf("ofs-delta base offset out of range: %w", ErrCorruptObject)
			}
			if _, err := discardInflated(src, size); err != nil {
				return xerrors.Errorf("could not discard ofs-delta payload %d: %w", i, err)
			}
			crc, err := ix.crcSpan(pos, ix.tmpPack.n-int64(src.Buffered()))
			if err != nil {
				return err
			}
			state.byOffset[basePos] = append(state.byOffset[basePos], pendingDelta{pos: pos, crc: crc})
		default:
			if !typ.IsValid() {
				return xerrors.Errorf("object %d has type %d: %w", i, typ, object.ErrObjectUnknown)
			}
			data, err := inflateExactly(src, size)
			if err != nil {
				return xerrors.Errorf("could not inflate object %d: %w", i, err)
			}
			crc, err := ix.crcSpan(pos, ix.tmpPack.n-int64(src.Buffered()))
			if err != nil {
				return err
			}
			id := object.New(typ, data).ID()
			if err := ix.checkCollision(id, typ, data); err != nil {
				return err
			}
			state.entries = append(state.entries, IndexEntry{ID: id, Offset: pos, CRC: crc})
			state.whole = append(state.whole, materialized{id: id, pos: pos, typ: typ, data: data})
			state.resolved++
		}
	}
	return nil
}

// verifyFooter reads the trailing 20-byte pack checksum and compares
// it against a SHA-1 computed over everything written to the temp
// file except those final 20 bytes. Computing the checksum this way
// (post-hoc, over the file) rather than incrementally while decoding
// avoids a read-ahead hazard: an incremental hash fed by the decode
// loop's bufio.Reader would silently absorb footer bytes the reader
// prefetched before the object phase "logically" finished.
func (ix *Indexer) verifyFooter(src *bufio.Reader) error {
	footer := make([]byte, ginternals.OidSize)
	if _, err := io.ReadFull(src, footer); err != nil {
		return xerrors.Errorf("could not read pack footer: %w", err)
	}
	total := ix.tmpPack.n
	bodyLen := total - int64(ginternals.OidSize)
	if bodyLen < 0 {
		return xerrors.Errorf("pack shorter than its own footer: %w", ErrCorruptObject)
	}
	body := make([]byte, bodyLen)
	if _, err := ix.tmpPack.ReadAt(body, 0); err != nil {
		return xerrors.Errorf("could not re-read pack body for checksum: %w", err)
	}
	sum := sha1.Sum(body) //nolint:gosec
	if !bytes.Equal(sum[:], footer) {
		return xerrors.Errorf("pack checksum mismatch: %w", ErrCorruptObject)
	}
	return nil
}

// resolveDeltas runs phase 4: every whole object materialized during
// phase 2 is a potential delta base. Each base's pending children
// (looked up both by id and by absolute offset, merged by ascending
// pos) are reconstructed in turn, and anything they resolve to is
// itself queued as a further potential base.
func (ix *Indexer) resolveDeltas(state *indexState, progress ProgressFunc) error {
	queue := append([]materialized{}, state.whole...)
	done := 0
	for len(queue) > 0 {
		base := queue[0]
		queue = queue[1:]

		children := mergePending(state.byID[base.id], state.byOffset[base.pos])
		delete(state.byID, base.id)
		delete(state.byOffset, base.pos)

		for _, child := range children {
			if progress != nil && !progress(done, ix.declaredCount) {
				return ErrCancelled
			}
			done++

			obj, err := ix.reconstructAt(child.pos, child.crc, base.typ, base.data)
			if err != nil {
				return err
			}
			state.entries = append(state.entries, IndexEntry{ID: obj.ID(), Offset: child.pos, CRC: child.crc})
			resolved := materialized{id: obj.ID(), pos: child.pos, typ: obj.Type(), data: obj.Bytes()}
			state.whole = append(state.whole, resolved)
			state.resolved++
			queue = append(queue, resolved)
		}
	}
	return nil
}

// mergePending merges two pos-ascending pendingDelta slices into one,
// the tie-break spec.md §4.H calls for between a base's id-keyed and
// offset-keyed children.
func mergePending(byID, byOffset []pendingDelta) []pendingDelta {
	merged := make([]pendingDelta, 0, len(byID)+len(byOffset))
	i, j := 0, 0
	for i < len(byID) && j < len(byOffset) {
		if byID[i].pos <= byOffset[j].pos {
			merged = append(merged, byID[i])
			i++
		} else {
			merged = append(merged, byOffset[j])
			j++
		}
	}
	merged = append(merged, byID[i:]...)
	merged = append(merged, byOffset[j:]...)
	return merged
}

// reconstructAt seeks back into the temp pack file at pos, re-decodes
// the delta's header (re-verifying its recorded CRC), inflates the
// delta payload in full this time, and applies it against base. The
// reconstructed object inherits baseType: a delta chain always
// resolves to its ultimate base's type.
func (ix *Indexer) reconstructAt(pos int64, wantCRC uint32, baseType object.Type, base []byte) (*object.Object, error) {
	if _, err := ix.tmpPack.Seek(pos, io.SeekStart); err != nil {
		return nil, xerrors.Errorf("could not seek to delta at %d: %w", pos, err)
	}
	r := bufio.NewReader(ix.tmpPack)
	typ, size, err := decodeObjectHeader(r)
	if err != nil {
		return nil, xerrors.Errorf("could not re-decode delta header at %d: %w", pos, err)
	}

	var delta []byte
	switch typ {
	case object.ObjectDeltaRef:
		baseRaw := make([]byte, ginternals.OidSize)
		if _, err := io.ReadFull(r, baseRaw); err != nil {
			return nil, xerrors.Errorf("could not re-read ref-delta base: %w", err)
		}
		delta, err = inflateExactly(r, size)
	case object.ObjectDeltaOFS:
		if _, err := readDeltaOffsetStream(r); err != nil {
			return nil, xerrors.Errorf("could not re-read ofs-delta offset: %w", err)
		}
		delta, err = inflateExactly(r, size)
	default:
		return nil, xerrors.Errorf("object at %d is no longer a delta on re-read: %w", pos, ErrCorruptObject)
	}
	if err != nil {
		return nil, xerrors.Errorf("could not re-inflate delta at %d: %w", pos, err)
	}

	end, err := ix.tmpPack.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, xerrors.Errorf("could not determine delta span: %w", err)
	}
	end -= int64(r.Buffered())
	gotCRC, err := ix.crcSpan(pos, end)
	if err != nil {
		return nil, err
	}
	if gotCRC != wantCRC {
		return nil, xerrors.Errorf("delta at %d failed its recorded CRC: %w", pos, ErrCorruptObject)
	}

	resultBytes, err := applyDelta(base, delta)
	if err != nil {
		return nil, xerrors.Errorf("could not apply delta at %d: %w", pos, err)
	}
	return object.New(baseType, resultBytes), nil
}

func (ix *Indexer) crcSpan(start, end int64) (uint32, error) {
	if end <= start {
		return 0, nil
	}
	buf := make([]byte, end-start)
	if _, err := ix.tmpPack.ReadAt(buf, start); err != nil {
		return 0, xerrors.Errorf("could not read back delta bytes for CRC: %w", err)
	}
	return crc32.ChecksumIEEE(buf), nil
}

// checkCollision enforces spec.md §4.H's collision-check rule: if the
// store already holds an object with this id, it must be byte-for-byte
// identical (same type, same content) or the pack is corrupt.
func (ix *Indexer) checkCollision(id ginternals.Oid, typ object.Type, data []byte) error {
	if ix.store == nil {
		return nil
	}
	has, err := ix.store.HasObject(id)
	if err != nil || !has {
		return nil //nolint:nilerr // a lookup failure just means we can't collision-check; not fatal to ingest
	}
	existing, err := ix.store.Object(id)
	if err != nil {
		return nil //nolint:nilerr // same as above
	}
	if existing.Type() != typ || !bytes.Equal(existing.Bytes(), data) {
		return xerrors.Errorf("object %s collides with a different existing object: %w", id.String(), ErrCorruptObject)
	}
	return nil
}

// repairThin runs phase 5: for every REF_DELTA base that phase 4
// never found inside the pack itself, fetch it from the existing
// store and append it as a whole object, then resolve whatever was
// waiting on it.
func (ix *Indexer) repairThin(state *indexState, progress ProgressFunc) error {
	if ix.store == nil {
		return xerrors.Errorf("fixThin requires a store: %w", ErrMissingObject)
	}

	// Snapshot which bases are still missing before mutating state.byID:
	// appendWholeObject below doesn't touch these maps, but iterating a
	// map while also deleting from it elsewhere in the same pass is
	// fragile, so the candidate list is collected up front.
	missing := make([]ginternals.Oid, 0, len(state.byID))
	for baseID, children := range state.byID {
		if len(children) > 0 {
			missing = append(missing, baseID)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	for _, baseID := range missing {
		base, err := ix.store.Object(baseID)
		if err != nil {
			return xerrors.Errorf("thin pack references %s, not found in store: %w", baseID.String(), ErrMissingObject)
		}
		pos, end, err := ix.appendWholeObject(base)
		if err != nil {
			return err
		}
		crc, err := ix.crcSpan(pos, end)
		if err != nil {
			return err
		}
		state.entries = append(state.entries, IndexEntry{ID: baseID, Offset: pos, CRC: crc})
		state.whole = append(state.whole, materialized{id: baseID, pos: pos, typ: base.Type(), data: base.Bytes()})
		state.resolved++
	}

	if err := ix.resolveDeltas(state, progress); err != nil {
		return err
	}
	return ix.rewriteHeaderCount(len(state.entries))
}

// appendWholeObject writes base to the end of the temp pack as a
// whole-object header + deflate stream, returning the offset its
// header starts at and the offset right after it, for CRC purposes.
func (ix *Indexer) appendWholeObject(base *object.Object) (pos int64, end int64, err error) {
	pos = ix.tmpPack.n
	if _, err := ix.tmpPack.Seek(0, io.SeekEnd); err != nil {
		return 0, 0, xerrors.Errorf("could not seek to end of temp pack: %w", err)
	}
	header := encodeObjectHeader(base.Type(), uint64(base.Size()))
	if _, err := ix.tmpPack.Write(header); err != nil {
		return 0, 0, xerrors.Errorf("could not write repaired object header: %w", err)
	}
	zw := zlib.NewWriter(ix.tmpPack)
	if _, err := zw.Write(base.Bytes()); err != nil {
		return 0, 0, xerrors.Errorf("could not deflate repaired object: %w", err)
	}
	if err := zw.Close(); err != nil {
		return 0, 0, xerrors.Errorf("could not flush repaired object: %w", err)
	}
	return pos, ix.tmpPack.n, nil
}

// rewriteHeaderCount patches the object-count field of the temp
// pack's 12-byte header in place, needed after repairThin appends
// objects the original stream never declared.
func (ix *Indexer) rewriteHeaderCount(count int) error {
	var buf [4]byte
	buf[0] = byte(count >> 24)
	buf[1] = byte(count >> 16)
	buf[2] = byte(count >> 8)
	buf[3] = byte(count)
	_, err := ix.tmpPack.WriteAt(buf[:], 8)
	if err != nil {
		return xerrors.Errorf("could not rewrite pack header count: %w", err)
	}
	return nil
}

// RenameAndOpenPack runs phase 6: if nothing resolved and keepEmpty
// isn't set, the temp files are discarded. Otherwise the final .idx is
// written, the pack is named from the SHA-1 of its sorted object ids,
// and both files are renamed into place — unless a pack of that name
// already exists, in which case the temp files are discarded and the
// existing pack is reported instead (we never overwrite).
func (ix *Indexer) RenameAndOpenPack(state *indexState) (*Result, error) {
	if state.resolved == 0 && !ix.keepEmpty {
		ix.cleanup()
		return nil, nil //nolint:nilnil // "no pack produced" is a valid, non-error outcome per spec.md §4.H step 6
	}

	sort.Slice(state.entries, func(i, j int) bool {
		return state.entries[i].ID.Compare(state.entries[j].ID) < 0
	})

	h := sha1.New() //nolint:gosec
	for _, e := range state.entries {
		h.Write(e.ID.Bytes())
	}
	var packID ginternals.Oid
	copy(packID[:], h.Sum(nil))

	packPath := filepath.Join(ix.objectsDir, "pack-"+packID.String()+ExtPackfile)
	idxPath := filepath.Join(ix.objectsDir, "pack-"+packID.String()+ExtIndex)

	if exists, _ := afero.Exists(ix.fs, packPath); exists { //nolint:errcheck // a stat failure here just falls through to the normal path
		ix.cleanup()
		return &Result{PackPath: packPath, IdxPath: idxPath, ID: packID, ObjectCount: len(state.entries)}, nil
	}

	var packSHA1 ginternals.Oid
	if _, err := ix.tmpPack.ReadAt(packSHA1[:], ix.tmpPack.n-int64(ginternals.OidSize)); err != nil {
		ix.cleanup()
		return nil, xerrors.Errorf("could not read final pack checksum: %w", err)
	}

	idxFile, err := ix.fs.Create(ix.tmpPack.Name() + ".idx.tmp")
	if err != nil {
		ix.cleanup()
		return nil, xerrors.Errorf("could not create temp index: %w", err)
	}
	if err := WriteIndex(idxFile, state.entries, packSHA1, ix.indexVersion); err != nil {
		idxFile.Close() //nolint:errcheck // already failing
		ix.cleanup()
		return nil, xerrors.Errorf("could not write index: %w", err)
	}
	if err := idxFile.Close(); err != nil {
		ix.cleanup()
		return nil, xerrors.Errorf("could not flush index: %w", err)
	}
	ix.tmpIdx = idxFile.Name()

	if err := ix.tmpPack.Close(); err != nil {
		return nil, xerrors.Errorf("could not close temp pack: %w", err)
	}
	if err := ix.fs.Rename(ix.tmpPack.Name(), packPath); err != nil {
		ix.cleanup()
		return nil, xerrors.Errorf("could not publish pack: %w", err)
	}
	if err := ix.fs.Rename(ix.tmpIdx, idxPath); err != nil {
		return nil, xerrors.Errorf("could not publish index: %w", err)
	}

	return &Result{PackPath: packPath, IdxPath: idxPath, ID: packID, ObjectCount: len(state.entries)}, nil
}

func (ix *Indexer) cleanup() {
	name := ix.tmpPack.Name()
	ix.tmpPack.Close() //nolint:errcheck // best-effort cleanup
	ix.fs.Remove(name) //nolint:errcheck
	if ix.tmpIdx != "" {
		ix.fs.Remove(ix.tmpIdx) //nolint:errcheck
	}
}

// decodeObjectHeader reads the variable-length type+size header that
// precedes every object in a pack stream (whole or delta alike),
// mirroring the random-access decode in getRawObjectAt but pulling
// bytes one at a time from r instead of a pre-fetched slice.
func decodeObjectHeader(r io.ByteReader) (object.Type, uint64, error) {
	first, err := r.ReadByte()
	if err != nil {
		return 0, 0, err
	}
	typ := object.Type((first & 0b_0111_0000) >> 4)
	size := uint64(first & 0b_0000_1111)
	if isMSBSet(first) {
		rest, _, err := readSizeStream(r)
		if err != nil {
			return 0, 0, err
		}
		size |= rest << 4
	}
	return typ, size, nil
}

// encodeObjectHeader is decodeObjectHeader's inverse, used by
// repairThin to append a whole object in the same on-disk shape the
// reader expects.
func encodeObjectHeader(typ object.Type, size uint64) []byte {
	first := byte(typ) << 4
	rest := size >> 4
	if rest > 0 {
		first |= 0b_1000_0000
	}
	first |= byte(size & 0b_0000_1111)
	out := []byte{first}
	for rest > 0 {
		b := byte(rest & 0b_0111_1111)
		rest >>= 7
		if rest > 0 {
			b |= 0b_1000_0000
		}
		out = append(out, b)
	}
	return out
}

// readSizeStream is readSize's streaming counterpart: it pulls bytes
// one at a time from r instead of slicing a pre-fetched buffer.
func readSizeStream(r io.ByteReader) (size uint64, bytesRead int, err error) {
	for i := 0; ; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, 0, err
		}
		bytesRead++
		chunk := unsetMSB(b)
		size = insertLittleEndian7(size, chunk, uint8(i))
		if !isMSBSet(b) {
			return size, bytesRead, nil
		}
		if i >= 8 {
			return 0, 0, ErrIntOverflow
		}
	}
}

// readDeltaOffsetStream is readDeltaOffset's streaming counterpart.
func readDeltaOffsetStream(r io.ByteReader) (offset uint64, err error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		chunk := unsetMSB(b)
		if isMSBSet(b) {
			chunk++
		}
		offset = insertBigEndian7(offset, chunk)
		if !isMSBSet(b) {
			return offset, nil
		}
	}
}

// inflateExactly zlib-inflates exactly size bytes from r.
func inflateExactly(r io.Reader, size uint64) ([]byte, error) {
	zr, err := zlib.NewReader(r)
	if err != nil {
		return nil, xerrors.Errorf("could not open zlib stream: %w", err)
	}
	defer zr.Close() //nolint:errcheck // read-only, nothing to flush

	data := make([]byte, size)
	if _, err := io.ReadFull(zr, data); err != nil {
		return nil, xerrors.Errorf("could not inflate declared %d bytes: %w", size, err)
	}
	return data, nil
}

// discardInflated zlib-inflates and discards exactly size bytes from
// r, used during phase 2 to advance past a delta's payload without
// materializing it.
func discardInflated(r io.Reader, size uint64) (int64, error) {
	zr, err := zlib.NewReader(r)
	if err != nil {
		return 0, xerrors.Errorf("could not open zlib stream: %w", err)
	}
	defer zr.Close() //nolint:errcheck // read-only, nothing to flush
	return io.CopyN(io.Discard, zr, int64(size))
}
