package packfile

import (
	"bytes"
	"crypto/sha1" //nolint:gosec // sha1 is the hash format git uses for packs
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/Nivl/git-go/ginternals"
)

// ErrInvalidIndex is returned when a pack index file is malformed
var ErrInvalidIndex = errors.New("invalid pack index")

var indexV2Magic = [4]byte{0xff, 't', 'O', 'c'}

const (
	fanOutEntryCount  = 256
	largeOffsetBit    = uint32(1) << 31
	largeOffsetThresh = int64(1) << 31
)

// PackIndex is the in-memory representation of a .idx file: a sorted
// table of object ids alongside the offset, within the corresponding
// packfile, of each object's header.
//
// PackIndex always keeps everything needed for binary search (the
// sorted id table and the fan-out table) in memory; this is a
// deliberate trade-off: even a packfile covering the entire history
// of a very large repository only costs a few hundred megabytes of
// RAM this way.
type PackIndex struct {
	version int

	fanOut  [fanOutEntryCount]uint32
	ids     []ginternals.Oid
	crcs    []uint32
	offsets []int64

	packSHA1 ginternals.Oid
	idxSHA1  ginternals.Oid
}

// Version returns the version of the index (1 or 2)
func (idx *PackIndex) Version() int {
	return idx.version
}

// Len returns the amount of objects referenced by the index
func (idx *PackIndex) Len() int {
	return len(idx.ids)
}

// PackfileChecksum returns the trailing checksum of the packfile this
// index belongs to
func (idx *PackIndex) PackfileChecksum() ginternals.Oid {
	return idx.packSHA1
}

// NewIndex parses a .idx file (version 1 or 2) from r
func NewIndex(r io.Reader) (*PackIndex, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("could not read index: %w", err)
	}
	if len(data) < fanOutEntryCount*4+ginternals.OidSize {
		return nil, fmt.Errorf("index file too small: %w", ErrInvalidIndex)
	}

	// the trailing 20 bytes are the checksum of everything that came
	// before
	body, wantChecksum := data[:len(data)-ginternals.OidSize], data[len(data)-ginternals.OidSize:]
	gotChecksum := sha1.Sum(body) //nolint:gosec
	if !bytes.Equal(gotChecksum[:], wantChecksum) {
		return nil, fmt.Errorf("index checksum mismatch: %w", ErrInvalidIndex)
	}

	if len(body) >= 4 && bytes.Equal(body[:4], indexV2Magic[:]) {
		if len(body) < 8 || body[4] != 0 || body[5] != 0 || body[6] != 0 || body[7] != 2 {
			return nil, fmt.Errorf("unsupported index version: %w", ErrInvalidMagic)
		}
		return parseV2(body[8:], wantChecksum)
	}
	return parseV1(body, wantChecksum)
}

func parseFanOut(data []byte) (fanOut [fanOutEntryCount]uint32, rest []byte, err error) {
	if len(data) < fanOutEntryCount*4 {
		return fanOut, nil, fmt.Errorf("truncated fan-out table: %w", ErrInvalidIndex)
	}
	for i := 0; i < fanOutEntryCount; i++ {
		fanOut[i] = binary.BigEndian.Uint32(data[i*4:])
	}
	return fanOut, data[fanOutEntryCount*4:], nil
}

func parseV1(data []byte, idxChecksum []byte) (*PackIndex, error) {
	fanOut, rest, err := parseFanOut(data)
	if err != nil {
		return nil, err
	}
	count := int(fanOut[fanOutEntryCount-1])

	idx := &PackIndex{
		version: 1,
		fanOut:  fanOut,
		ids:     make([]ginternals.Oid, count),
		offsets: make([]int64, count),
	}
	const entrySize = 4 + ginternals.OidSize
	if len(rest) < count*entrySize+ginternals.OidSize {
		return nil, fmt.Errorf("truncated v1 entry table: %w", ErrInvalidIndex)
	}
	for i := 0; i < count; i++ {
		entry := rest[i*entrySize:]
		idx.offsets[i] = int64(binary.BigEndian.Uint32(entry[:4]))
		oid, err := ginternals.NewOidFromHex(entry[4 : 4+ginternals.OidSize])
		if err != nil {
			return nil, fmt.Errorf("invalid object id at entry %d: %w", i, err)
		}
		idx.ids[i] = oid
	}
	rest = rest[count*entrySize:]
	idx.packSHA1, err = ginternals.NewOidFromHex(rest[:ginternals.OidSize])
	if err != nil {
		return nil, fmt.Errorf("invalid packfile checksum: %w", err)
	}
	idx.idxSHA1, _ = ginternals.NewOidFromHex(idxChecksum)
	return idx, nil
}

func parseV2(data []byte, idxChecksum []byte) (*PackIndex, error) {
	fanOut, rest, err := parseFanOut(data)
	if err != nil {
		return nil, err
	}
	count := int(fanOut[fanOutEntryCount-1])

	idx := &PackIndex{
		version: 2,
		fanOut:  fanOut,
		ids:     make([]ginternals.Oid, count),
		crcs:    make([]uint32, count),
		offsets: make([]int64, count),
	}

	if len(rest) < count*ginternals.OidSize {
		return nil, fmt.Errorf("truncated id table: %w", ErrInvalidIndex)
	}
	for i := 0; i < count; i++ {
		oid, err := ginternals.NewOidFromHex(rest[i*ginternals.OidSize : (i+1)*ginternals.OidSize])
		if err != nil {
			return nil, fmt.Errorf("invalid object id at entry %d: %w", i, err)
		}
		idx.ids[i] = oid
	}
	rest = rest[count*ginternals.OidSize:]

	if len(rest) < count*4 {
		return nil, fmt.Errorf("truncated crc table: %w", ErrInvalidIndex)
	}
	for i := 0; i < count; i++ {
		idx.crcs[i] = binary.BigEndian.Uint32(rest[i*4:])
	}
	rest = rest[count*4:]

	if len(rest) < count*4 {
		return nil, fmt.Errorf("truncated offset table: %w", ErrInvalidIndex)
	}
	largeOffsetIndices := []int{}
	for i := 0; i < count; i++ {
		raw := binary.BigEndian.Uint32(rest[i*4:])
		if raw&largeOffsetBit != 0 {
			idx.offsets[i] = int64(raw &^ largeOffsetBit) // patched below
			largeOffsetIndices = append(largeOffsetIndices, i)
			continue
		}
		idx.offsets[i] = int64(raw)
	}
	rest = rest[count*4:]

	if len(largeOffsetIndices) > 0 {
		if len(rest) < len(largeOffsetIndices)*8 {
			return nil, fmt.Errorf("truncated large-offset table: %w", ErrInvalidIndex)
		}
		for slot, i := range largeOffsetIndices {
			idx.offsets[i] = int64(binary.BigEndian.Uint64(rest[slot*8:]))
		}
		rest = rest[len(largeOffsetIndices)*8:]
	}

	if len(rest) < ginternals.OidSize {
		return nil, fmt.Errorf("missing packfile checksum: %w", ErrInvalidIndex)
	}
	idx.packSHA1, err = ginternals.NewOidFromHex(rest[:ginternals.OidSize])
	if err != nil {
		return nil, fmt.Errorf("invalid packfile checksum: %w", err)
	}
	idx.idxSHA1, _ = ginternals.NewOidFromHex(idxChecksum)
	return idx, nil
}

// find returns the position at which oid would be, or is, inserted in
// the sorted id table, narrowed down first using the fan-out table.
func (idx *PackIndex) find(oid ginternals.Oid) int {
	lo := 0
	if oid[0] > 0 {
		lo = int(idx.fanOut[oid[0]-1])
	}
	hi := int(idx.fanOut[oid[0]])
	return lo + sort.Search(hi-lo, func(i int) bool {
		return bytes.Compare(idx.ids[lo+i][:], oid[:]) >= 0
	})
}

// GetObjectOffset returns the offset, within the packfile, of the
// object matching the given oid.
// ginternals.ErrObjectNotFound is returned if the object isn't part
// of this index.
func (idx *PackIndex) GetObjectOffset(oid ginternals.Oid) (uint64, error) {
	i := idx.find(oid)
	if i >= len(idx.ids) || idx.ids[i] != oid {
		return 0, ginternals.ErrObjectNotFound
	}
	return uint64(idx.offsets[i]), nil
}

// GetObjectCRC returns the CRC32 of the object's packed representation
// (header + compressed data). Only available on version 2 indexes.
func (idx *PackIndex) GetObjectCRC(oid ginternals.Oid) (uint32, bool) {
	if idx.version < 2 {
		return 0, false
	}
	i := idx.find(oid)
	if i >= len(idx.ids) || idx.ids[i] != oid {
		return 0, false
	}
	return idx.crcs[i], true
}

// FindByPrefix resolves an abbreviated Oid to the full Oid(s) that
// match it. More than one result means the prefix is ambiguous.
func (idx *PackIndex) FindByPrefix(prefix ginternals.AbbreviatedOid) []ginternals.Oid {
	lo := 0
	if prefix.Bytes[0] > 0 {
		lo = int(idx.fanOut[prefix.Bytes[0]-1])
	}
	hi := int(idx.fanOut[prefix.Bytes[0]])

	matches := []ginternals.Oid{}
	for i := lo; i < hi; i++ {
		if prefix.PrefixMatches(idx.ids[i]) {
			matches = append(matches, idx.ids[i])
		}
	}
	return matches
}

// OidWalkFunc represents a function applied while walking oids.
// Returning OidWalkStop stops the walk early without returning an error.
type OidWalkFunc = func(oid ginternals.Oid) error

// OidWalkStop is a sentinel error used to stop a walk from within an
// OidWalkFunc
var OidWalkStop = errors.New("stop walking") //nolint // not ErrXxx on purpose, this isn't a real error

// WalkOids runs f on every object id referenced by this index, in
// ascending order
func (idx *PackIndex) WalkOids(f OidWalkFunc) error {
	for _, oid := range idx.ids {
		if err := f(oid); err != nil {
			if errors.Is(err, OidWalkStop) {
				return nil
			}
			return err
		}
	}
	return nil
}

// IndexEntry represents one object's row across the three index
// tables (id, crc, offset), used when writing a new index
type IndexEntry struct {
	ID     ginternals.Oid
	CRC    uint32
	Offset int64
}

// ErrIndexVersionTooOld is returned by WriteIndex when version 1 is
// requested explicitly but the entries being written require the
// large-offset encoding that only version 2 supports.
var ErrIndexVersionTooOld = errors.New("entries require a v2 index")

// needsV2 reports whether any entry's offset requires the large-offset
// side table that only a v2 index can encode.
func needsV2(entries []IndexEntry) bool {
	for _, e := range entries {
		if e.Offset >= largeOffsetThresh {
			return true
		}
	}
	return false
}

// WriteIndex writes entries (which doesn't need to be pre-sorted) as a
// pack index to w. packSHA1 is the trailing checksum of the packfile
// this index describes.
//
// version selects the on-disk layout: 1 or 2. Passing 0 makes the
// writer pick the oldest format that can represent the entries: v1,
// unless an offset needs the large-offset encoding, in which case v2
// is used regardless. Passing 1 when the entries require v2 returns
// ErrIndexVersionTooOld rather than silently upgrading.
func WriteIndex(w io.Writer, entries []IndexEntry, packSHA1 ginternals.Oid, version int) error {
	sorted := make([]IndexEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ID.Compare(sorted[j].ID) < 0
	})

	large := needsV2(sorted)
	switch version {
	case 0:
		if large {
			version = 2
		} else {
			version = 1
		}
	case 1:
		if large {
			return ErrIndexVersionTooOld
		}
	case 2:
	default:
		return fmt.Errorf("index version %d: %w", version, ErrInvalidVersion)
	}

	fanOut := buildFanOut(sorted)
	if version == 1 {
		return writeIndexV1(w, sorted, fanOut, packSHA1)
	}
	return writeIndexV2(w, sorted, fanOut, packSHA1)
}

// buildFanOut computes the 256-entry fan-out table for oid-sorted entries.
func buildFanOut(sorted []IndexEntry) [fanOutEntryCount]uint32 {
	var fanOut [fanOutEntryCount]uint32
	bucket := 0
	for i, e := range sorted {
		for bucket <= int(e.ID[0]) {
			fanOut[bucket] = uint32(i)
			bucket++
		}
	}
	for ; bucket < fanOutEntryCount; bucket++ {
		fanOut[bucket] = uint32(len(sorted))
	}
	return fanOut
}

func writeFanOut(mw io.Writer, fanOut [fanOutEntryCount]uint32) error {
	var buf4 [4]byte
	for _, v := range fanOut {
		binary.BigEndian.PutUint32(buf4[:], v)
		if _, err := mw.Write(buf4[:]); err != nil {
			return err
		}
	}
	return nil
}

// writeIndexV1 writes the legacy index layout: no magic/version
// header, a fan-out table, then one (offset, oid) pair per entry.
func writeIndexV1(w io.Writer, sorted []IndexEntry, fanOut [fanOutEntryCount]uint32, packSHA1 ginternals.Oid) error {
	h := sha1.New() //nolint:gosec
	mw := io.MultiWriter(w, h)

	if err := writeFanOut(mw, fanOut); err != nil {
		return err
	}

	var buf4 [4]byte
	for _, e := range sorted {
		binary.BigEndian.PutUint32(buf4[:], uint32(e.Offset))
		if _, err := mw.Write(buf4[:]); err != nil {
			return err
		}
		if _, err := mw.Write(e.ID.Bytes()); err != nil {
			return err
		}
	}

	if _, err := mw.Write(packSHA1.Bytes()); err != nil {
		return err
	}
	if _, err := w.Write(h.Sum(nil)); err != nil {
		return err
	}
	return nil
}

// writeIndexV2 writes the current index layout: magic, version,
// fan-out table, then the id/crc/offset tables, with a side table of
// 8-byte offsets for entries that don't fit in 31 bits.
func writeIndexV2(w io.Writer, sorted []IndexEntry, fanOut [fanOutEntryCount]uint32, packSHA1 ginternals.Oid) error {
	h := sha1.New() //nolint:gosec
	mw := io.MultiWriter(w, h)

	if _, err := mw.Write(indexV2Magic[:]); err != nil {
		return err
	}
	if _, err := mw.Write([]byte{0, 0, 0, 2}); err != nil {
		return err
	}

	if err := writeFanOut(mw, fanOut); err != nil {
		return err
	}

	var buf4 [4]byte
	for _, e := range sorted {
		if _, err := mw.Write(e.ID.Bytes()); err != nil {
			return err
		}
	}
	for _, e := range sorted {
		binary.BigEndian.PutUint32(buf4[:], e.CRC)
		if _, err := mw.Write(buf4[:]); err != nil {
			return err
		}
	}

	largeOffsets := []int64{}
	for _, e := range sorted {
		if e.Offset >= largeOffsetThresh {
			binary.BigEndian.PutUint32(buf4[:], largeOffsetBit|uint32(len(largeOffsets)))
			largeOffsets = append(largeOffsets, e.Offset)
		} else {
			binary.BigEndian.PutUint32(buf4[:], uint32(e.Offset))
		}
		if _, err := mw.Write(buf4[:]); err != nil {
			return err
		}
	}
	var buf8 [8]byte
	for _, off := range largeOffsets {
		binary.BigEndian.PutUint64(buf8[:], uint64(off))
		if _, err := mw.Write(buf8[:]); err != nil {
			return err
		}
	}

	if _, err := mw.Write(packSHA1.Bytes()); err != nil {
		return err
	}
	if _, err := w.Write(h.Sum(nil)); err != nil {
		return err
	}
	return nil
}
