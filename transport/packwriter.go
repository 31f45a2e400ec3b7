package transport

import (
	"compress/zlib"
	"context"
	"crypto/sha1" //nolint:gosec // sha1 is the pack trailer format, matching ginternals/packfile
	"fmt"
	"hash/crc32"
	"io"

	"github.com/Nivl/git-go/ginternals"
	"github.com/Nivl/git-go/ginternals/object"
	"github.com/Nivl/git-go/ginternals/packfile"
	"github.com/Nivl/git-go/internal/glog"
)

// deltaWindowSize bounds how many recently-written objects of the same
// type are kept as candidate delta bases, per spec.md §4.N's "sliding
// window of similar objects" heuristic.
const deltaWindowSize = 10

// minDeltaSavingRatio is how much smaller a delta has to be than the
// whole object to be worth the extra ref/ofs-delta framing and the
// read side's reconstruction cost.
const minDeltaSavingRatio = 0.7

// ObjectProvider resolves any object by oid. backend.Backend satisfies
// this via Object.
type ObjectProvider interface {
	Object(oid ginternals.Oid) (*object.Object, error)
}

// Result reports what WritePack produced. Entries is kept around so a
// caller can hand it straight to WriteIndex, per spec.md §4.N's "index
// generation reuses §4.B-writer" instruction.
type Result struct {
	ObjectCount int
	PackSHA1    ginternals.Oid
	Entries     []packfile.IndexEntry
}

// PackWriter implements spec.md §4.N: given a set of wants and haves,
// traverse the local object graph from wants (stopping at haves) and
// emit a pack.
type PackWriter struct {
	objects ObjectProvider
}

// NewPackWriter returns a PackWriter resolving objects through objects.
func NewPackWriter(objects ObjectProvider) *PackWriter {
	return &PackWriter{objects: objects}
}

// windowEntry is one candidate delta base: the object's id, raw bytes
// and the offset it was written at (needed for ofs-delta framing).
type windowEntry struct {
	oid    ginternals.Oid
	raw    []byte
	offset int64
}

// WritePack traverses the object graph reachable from wants, stopping
// at anything reachable from haves (haves' own graphs are walked first
// purely to build that stop-set), and writes the result as a pack:
// header, objects (whole or delta-encoded against a same-type sliding
// window), SHA-1 trailer. thin permits delta bases that are in haves
// but never themselves emitted into the pack (the receiving side's
// Backend.IngestPack, configured with fixThin, is expected to repair
// those). ctx cancellation raises ErrCancelled, checked once per
// object written; the graph walks that build the object list before
// writing starts do not check ctx.
func (pw *PackWriter) WritePack(ctx context.Context, w io.Writer, wants, haves []ginternals.Oid, thin bool) (*Result, error) {
	exclude := make(map[ginternals.Oid]struct{})
	for _, have := range haves {
		if err := pw.walk(have, exclude, nil); err != nil {
			return nil, err
		}
	}

	var order []ginternals.Oid
	objs := make(map[ginternals.Oid]*object.Object)
	collect := func(oid ginternals.Oid, obj *object.Object) {
		if _, ok := objs[oid]; ok {
			return
		}
		objs[oid] = obj
		order = append(order, oid)
	}
	for _, want := range wants {
		if err := pw.walk(want, exclude, collect); err != nil {
			return nil, err
		}
	}

	h := sha1.New() //nolint:gosec
	mw := io.MultiWriter(w, h)
	if err := packfile.WritePackHeader(mw, len(order)); err != nil {
		return nil, fmt.Errorf("could not write pack header: %w", err)
	}

	var haveBases map[ginternals.Oid]*object.Object
	if thin {
		haveBases = make(map[ginternals.Oid]*object.Object, len(haves))
		for _, have := range haves {
			obj, err := pw.objects.Object(have)
			if err == nil {
				haveBases[have] = obj
			}
		}
	}

	windows := make(map[object.Type][]windowEntry)
	entries := make([]packfile.IndexEntry, 0, len(order))
	var offset int64 = packfile.PackfileHeaderSize
	for _, oid := range order {
		select {
		case <-ctx.Done():
			return nil, ErrCancelled
		default:
		}

		obj := objs[oid]
		crc := crc32.NewIEEE()
		n, err := pw.writeObject(io.MultiWriter(mw, crc), obj, offset, windows[obj.Type()], haveBases)
		if err != nil {
			return nil, fmt.Errorf("could not write object %s: %w", oid, err)
		}
		entries = append(entries, packfile.IndexEntry{ID: oid, CRC: crc.Sum32(), Offset: offset})
		windows[obj.Type()] = pushWindow(windows[obj.Type()], windowEntry{oid: oid, raw: obj.Bytes(), offset: offset})
		offset += n
	}

	sum := h.Sum(nil)
	if _, err := w.Write(sum); err != nil {
		return nil, fmt.Errorf("could not write pack trailer: %w", err)
	}
	packSHA1, err := ginternals.NewOidFromHex(sum)
	if err != nil {
		return nil, fmt.Errorf("could not derive pack checksum: %w", err)
	}
	glog.WithContext(ctx).WithFields(map[string]any{
		"object_count": len(order),
		"pack":         packSHA1.String(),
	}).Debug("pack written")
	return &Result{ObjectCount: len(order), PackSHA1: packSHA1, Entries: entries}, nil
}

// WriteIndex writes the accompanying index for a pack WritePack just
// produced, delegating entirely to packfile.WriteIndex (§4.B's index
// writer) rather than re-implementing index layout here.
func (pw *PackWriter) WriteIndex(w io.Writer, result *Result, version int) error {
	return packfile.WriteIndex(w, result.Entries, result.PackSHA1, version)
}

func pushWindow(win []windowEntry, e windowEntry) []windowEntry {
	win = append(win, e)
	if len(win) > deltaWindowSize {
		win = win[len(win)-deltaWindowSize:]
	}
	return win
}

// writeObject picks the smallest of a whole-object encoding and a
// delta against the best same-type candidate in window (or, if thin
// mode supplied haveBases, against a have the receiving side already
// holds), writes whichever wins, and returns the number of pack bytes
// consumed.
func (pw *PackWriter) writeObject(w io.Writer, obj *object.Object, curOffset int64, window []windowEntry, haveBases map[ginternals.Oid]*object.Object) (int64, error) {
	raw := obj.Bytes()

	bestBase, bestDelta := pickDeltaBase(window, raw)
	for haveOid, haveObj := range haveBases {
		if haveObj.Type() != obj.Type() {
			continue
		}
		delta := packfile.CreateDelta(haveObj.Bytes(), raw)
		if bestDelta == nil || len(delta) < len(bestDelta) {
			bestBase = &windowEntry{oid: haveOid, raw: haveObj.Bytes(), offset: -1}
			bestDelta = delta
		}
	}

	if bestDelta != nil && float64(len(bestDelta)) < float64(len(raw))*minDeltaSavingRatio {
		return pw.writeDelta(w, curOffset, bestBase, bestDelta)
	}
	return pw.writeWhole(w, obj.Type(), raw)
}

func pickDeltaBase(window []windowEntry, raw []byte) (*windowEntry, []byte) {
	var best *windowEntry
	var bestDelta []byte
	for i := range window {
		delta := packfile.CreateDelta(window[i].raw, raw)
		if bestDelta == nil || len(delta) < len(bestDelta) {
			best = &window[i]
			bestDelta = delta
		}
	}
	return best, bestDelta
}

func (pw *PackWriter) writeWhole(w io.Writer, typ object.Type, raw []byte) (int64, error) {
	var n int64
	header := packfile.EncodeObjectHeader(typ, uint64(len(raw)))
	written, err := w.Write(header)
	if err != nil {
		return 0, fmt.Errorf("could not write object header: %w", err)
	}
	n += int64(written)

	cw := &countingWriter{w: w}
	zw := zlib.NewWriter(cw)
	if _, err := zw.Write(raw); err != nil {
		return 0, fmt.Errorf("could not deflate object: %w", err)
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("could not flush deflated object: %w", err)
	}
	n += cw.n
	return n, nil
}

// writeDelta writes base as an ofs-delta when its pack offset is
// known (it was itself emitted into this pack) or a ref-delta
// otherwise (thin-pack mode, basing on a have the receiving side
// already has on disk without this pack re-sending it). curOffset is
// where this object's header starts, needed to turn base's absolute
// pack offset into the backward distance OFS_DELTA encodes.
func (pw *PackWriter) writeDelta(w io.Writer, curOffset int64, base *windowEntry, delta []byte) (int64, error) {
	var n int64
	typ := object.ObjectDeltaRef
	if base.offset >= 0 {
		typ = object.ObjectDeltaOFS
	}
	header := packfile.EncodeObjectHeader(typ, uint64(len(delta)))
	written, err := w.Write(header)
	if err != nil {
		return 0, fmt.Errorf("could not write delta header: %w", err)
	}
	n += int64(written)

	if typ == object.ObjectDeltaRef {
		written, err = w.Write(base.oid.Bytes())
	} else {
		written, err = w.Write(encodeOffsetDelta(curOffset - base.offset))
	}
	if err != nil {
		return 0, fmt.Errorf("could not write delta base reference: %w", err)
	}
	n += int64(written)

	cw := &countingWriter{w: w}
	zw := zlib.NewWriter(cw)
	if _, err := zw.Write(delta); err != nil {
		return 0, fmt.Errorf("could not deflate delta: %w", err)
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("could not flush deflated delta: %w", err)
	}
	n += cw.n
	return n, nil
}

// encodeOffsetDelta encodes distance (how many bytes back from this
// object's own header the delta's base starts) the way git's
// OFS_DELTA does: a base-128 big-endian varint, continuation bit set
// on every byte but the last, with 1 added to each continued group,
// the exact inverse of readDeltaOffsetStream in
// ginternals/packfile/ingest.go.
func encodeOffsetDelta(distance int64) []byte {
	var buf []byte
	v := uint64(distance)
	buf = append(buf, byte(v&0x7f))
	v >>= 7
	for v > 0 {
		v--
		buf = append([]byte{byte(v&0x7f) | 0x80}, buf...)
		v >>= 7
	}
	return buf
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// walk traverses the object graph rooted at oid (a commit: itself,
// its tree, every blob/subtree in that tree, then recurses into
// parents), skipping anything already in exclude. If visit is nil the
// walk only populates exclude (the have-side stop-set); otherwise
// every visited object not already excluded is both added to exclude
// and reported to visit, in the order CRC32 of its final on-disk
// bytes would later be computed over (pack order only needs to be
// stable, not any particular topological order).
func (pw *PackWriter) walk(oid ginternals.Oid, exclude map[ginternals.Oid]struct{}, visit func(ginternals.Oid, *object.Object)) error {
	if _, ok := exclude[oid]; ok {
		return nil
	}
	obj, err := pw.objects.Object(oid)
	if err != nil {
		return fmt.Errorf("could not load object %s: %w", oid, err)
	}
	exclude[oid] = struct{}{}
	if visit != nil {
		visit(oid, obj)
	}

	switch obj.Type() {
	case object.TypeCommit:
		commit, err := obj.AsCommit()
		if err != nil {
			return fmt.Errorf("could not parse commit %s: %w", oid, err)
		}
		if err := pw.walk(commit.TreeID(), exclude, visit); err != nil {
			return err
		}
		for _, parent := range commit.ParentIDs() {
			if err := pw.walk(parent, exclude, visit); err != nil {
				return err
			}
		}
	case object.TypeTree:
		tree, err := obj.AsTree()
		if err != nil {
			return fmt.Errorf("could not parse tree %s: %w", oid, err)
		}
		for _, entry := range tree.Entries() {
			if entry.Mode == object.ModeGitLink {
				continue // submodule: not part of this repository's object graph
			}
			if err := pw.walk(entry.ID, exclude, visit); err != nil {
				return err
			}
		}
	case object.TypeTag:
		tag, err := obj.AsTag()
		if err != nil {
			return fmt.Errorf("could not parse tag %s: %w", oid, err)
		}
		if err := pw.walk(tag.Target(), exclude, visit); err != nil {
			return err
		}
	case object.TypeBlob:
		// leaf: nothing further to walk
	}
	return nil
}
