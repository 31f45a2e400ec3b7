// Package packfile contains methods and structs to read and write packfiles
package packfile

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/Nivl/git-go/ginternals"
	"github.com/Nivl/git-go/ginternals/engine"
	"github.com/Nivl/git-go/ginternals/object"
	"github.com/spf13/afero"
	"golang.org/x/xerrors"
)

// defaultWindowSize and defaultWindowCacheBytes size the window cache
// a Pack falls back to when NewFromFile isn't given one explicitly:
// every standalone Pack (e.g. one opened directly by a test or a CLI
// subcommand rather than through a Backend) still gets the windowed,
// mmap-backed read path described in the spec instead of a bare
// Seek/ReadAt.
const (
	defaultWindowSize       = 1 << 20 // 1MiB
	defaultWindowCacheBytes = 32 << 20
	defaultDeltaCacheBytes  = 16 << 20
)

const (
	// packfileHeaderSize contains the size of the header of a packfile.
	// the first 4 bytes contain the magic, the 4 next bytes contains the
	// version, and the last 4 bytes contains the number of objects in
	// the packfile, for a total of 12 bytes
	packfileHeaderSize = 12
	// PackfileHeaderSize is packfileHeaderSize exported for writers
	// (transport's pack writer) that live outside this package.
	PackfileHeaderSize = packfileHeaderSize
)

func packfileMagic() []byte {
	return []byte{'P', 'A', 'C', 'K'}
}

// WritePackHeader writes the 12-byte pack header (magic, version,
// object count) this package's own reader expects, so a writer
// outside this package (transport's pack writer) doesn't have to
// duplicate the exact byte layout.
func WritePackHeader(w io.Writer, objectCount int) error {
	var hdr [PackfileHeaderSize]byte
	copy(hdr[0:4], packfileMagic())
	copy(hdr[4:8], packfileVersion())
	binary.BigEndian.PutUint32(hdr[8:12], uint32(objectCount))
	_, err := w.Write(hdr[:])
	return err
}

// EncodeObjectHeader is encodeObjectHeader exported for transport's
// pack writer, which needs the exact same type+size varint encoding
// this package's reader (decodeObjectHeader, in ingest.go) expects.
func EncodeObjectHeader(typ object.Type, size uint64) []byte {
	return encodeObjectHeader(typ, size)
}

func packfileVersion() []byte {
	return []byte{0, 0, 0, 2}
}

var (
	// ErrIntOverflow is an error thrown when the packfile couldn't
	// be parsed because some data couldn't fit in an int64
	ErrIntOverflow = errors.New("int64 overflow")
	// ErrInvalidMagic is an error thrown when a file doesn't have
	// the expected magic.
	ErrInvalidMagic = errors.New("invalid magic")
	// ErrInvalidVersion is an error thrown when a file has an
	// unsupported version
	ErrInvalidVersion = errors.New("invalid version")
	// ErrCorruptObject is returned when a pack or a delta inside it
	// doesn't match what its own header/checksum promised.
	ErrCorruptObject = errors.New("corrupt object")
)

// Pack represents a Packfile
// The packfile contains a header, a content, and a footer
// Header: 12 bytes
//         The first 4 bytes contain the magic ('P', 'A', 'C', 'K')
//         The next 4 bytes contains the version (0, 0, 0, 2)
//         The last 4 bytes contains the number of objects in the packfile
// Content: Variable size
//          The content contains all the objects of the packfile, each zlib
//          compressed.
//          Before every zlib compressed objects comes a few bytes of
//          metadata about the object (the type and size of the object).
//          The size of the metadata is variable, so every byte contains
//          a MSB (Most Significant bit, the most left bit of a byte) that
//          indicates if the next byte is also part of the size or not.
//          The very first byte of the metadata contains:
//          - The MSB (1 bit)
//          - The type of the object (3 bits)
//          - the beginning of the size (4 bits)
//          The subsequent bytes contains:
//          - The MSB (1 bit)
//			- The next part of the size (7 bits)
//         The chucks of the size are little-endian encoded (right to left):
//         Final_size = [part_2][part_1][part_0]
//         /!\ The size of the object cannot be used to extract the
//         object. The size corresponds to the real size of the object
//         and not the size of the zlib compressed object (which is)
//         what we have here). It's possible that the compressed object
//         has a bigger size than the de-compressed object.
// Footer: 20 bytes
//         Contains the SHA1 sum of the packfile (without this SHA)
// https://github.com/git/git/blob/master/Documentation/technical/pack-format.txt
type Pack struct {
	r       afero.File
	idxFile afero.File
	idx     *PackIndex
	header  [packfileHeaderSize]byte
	id      ginternals.Oid
	packID  engine.PackID
	size    int64

	windowCache *engine.Cache
	cursor      *engine.WindowCursor
	deltaCache  *DeltaBaseCache

	// Mutex used to protect the exported methods from being called
	// concurrently
	mu sync.Mutex
}

// Option configures optional dependencies of a Pack at open time, so
// a Backend can hand every Pack it opens a shared window cache and
// delta-base cache instead of each Pack paying for its own.
type Option func(*Pack)

// WithWindowCache makes the Pack read through the given process-wide
// window cache instead of allocating a private one.
func WithWindowCache(c *engine.Cache) Option {
	return func(p *Pack) { p.windowCache = c }
}

// WithDeltaBaseCache makes the Pack cache resolved delta bases in the
// given process-wide cache instead of allocating a private one.
func WithDeltaBaseCache(c *DeltaBaseCache) Option {
	return func(p *Pack) { p.deltaCache = c }
}

// NewFromFile returns a pack object from the given file
// The pack will need to be closed using Close()
func NewFromFile(fs afero.Fs, filePath string, opts ...Option) (pack *Pack, err error) {
	f, err := fs.Open(filePath)
	if err != nil {
		return nil, xerrors.Errorf("could not open %s: %w", filePath, err)
	}
	defer func() {
		if err != nil {
			f.Close() //nolint:errcheck // it already failed
		}
	}()

	p := &Pack{
		r:  f,
		id: ginternals.NullOid,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.windowCache == nil {
		p.windowCache = engine.New(defaultWindowSize, defaultWindowCacheBytes, true)
	}
	if p.deltaCache == nil {
		p.deltaCache = NewDeltaBaseCache(defaultDeltaCacheBytes)
	}
	p.cursor = p.windowCache.Cursor()

	// Let's validate the header
	_, err = f.ReadAt(p.header[:], 0)
	if err != nil {
		return nil, xerrors.Errorf("could read header of packfile: %w", err)
	}
	if !bytes.Equal(p.header[0:4], packfileMagic()) {
		return nil, xerrors.Errorf("invalid header: %w", ErrInvalidMagic)
	}
	if !bytes.Equal(p.header[4:8], packfileVersion()) {
		return nil, xerrors.Errorf("invalid header: %w", ErrInvalidVersion)
	}

	if stat, statErr := f.Stat(); statErr == nil {
		p.size = stat.Size()
	}

	// Now we load the index file
	indexFilePath := strings.TrimSuffix(filePath, ExtPackfile) + ExtIndex
	p.idxFile, err = os.Open(indexFilePath)
	if err != nil {
		return nil, xerrors.Errorf("could not open %s: %w", indexFilePath, err)
	}
	defer func() {
		if err != nil {
			p.idxFile.Close() //nolint:errcheck // it already failed
		}
	}()
	p.idx, err = NewIndex(bufio.NewReader(p.idxFile))
	if err != nil {
		return nil, xerrors.Errorf("could create index for %s: %w", indexFilePath, err)
	}

	id, err := p.ID()
	if err != nil {
		return nil, xerrors.Errorf("could not compute pack id: %w", err)
	}
	p.packID = engine.PackID(id)
	p.windowCache.Open(p.packID, p.r)

	return p, nil
}

// peekAt reads up to n bytes starting at pos through the pack's window
// cursor, clamped to the known size of the pack file so a peek near
// the end of the file never blocks trying to fill a window past EOF.
func (pck *Pack) peekAt(ctx context.Context, pos int64, n int) ([]byte, error) {
	if pck.size > 0 {
		if remain := pck.size - pos; remain < int64(n) {
			if remain < 0 {
				remain = 0
			}
			n = int(remain)
		}
	}
	buf := make([]byte, n)
	if n == 0 {
		return buf, nil
	}
	read, err := pck.cursor.Copy(ctx, pck.packID, pos, buf)
	if err != nil {
		return nil, err
	}
	return buf[:read], nil
}

// getRawObjectAt return the raw object located at the given offset,
// including its base info if the object is a delta. Reads go through
// the pack's window cursor (§4.C): the metadata header is read via a
// bounded peek, and the zlib payload is inflated directly off the
// cached windows rather than through a Seek+bufio.Reader pair.
func (pck *Pack) getRawObjectAt(oid ginternals.Oid, objectOffset uint64) (o *object.Object, deltaBaseSHA ginternals.Oid, deltaBaseOffset uint64, err error) {
	ctx := context.Background()
	pos := int64(objectOffset)

	// parse the metadata of the object
	// the metadata is X bytes long and contains:
	// 1 first byte that contains
	//   - a MSB (1 bit)
	//   - the Object type (3 bits)
	//   - the beginning of the object size (4 bits)
	// X more bytes that contains:
	//   - a MSB (a bit)
	//   - the next part of the size (7 bits)
	// Once the MSB of a byte is 0 it means the byte is the last
	// one we need to read.
	// The object size can't really be bigger than 64bits (8 bytes) otherwise
	// we have nothing to store it, so we can just read an enough amount of
	// bytes right away and we should not need to read more.
	// Assuming the worst case scenario (64 bits) we need to read:
	// - 8 bytes (because an int64 is on 8 byte)
	// - 1 extra byte because each of the 8 bytes are missing one bit (because
	//   of the MSB). We lose a total of 8bits, so 1 byte.
	// - 1 extra bit for safety because the first byte we get uses 3 bits
	//   for the type
	// Total: 10 bytes
	metadata, err := pck.peekAt(ctx, pos, 10)
	if err != nil {
		return nil, ginternals.NullOid, 0, xerrors.Errorf("could not get object meta: %w", err)
	}
	if len(metadata) == 0 {
		return nil, ginternals.NullOid, 0, xerrors.Errorf("object offset %d is out of bounds of the pack", objectOffset)
	}

	// We now need to extract the type of the object. The type is a number
	// between 1 and 7.
	// To extract it (bits 2, 3, and 4) we apply a mask to unset
	// all the bits we don't want, then we move our 3 bits to the
	// right with ">> 4"
	// value       : MTTT_SSSS // M = MSB ; T = type ; S = size
	// & 0111_0000 : 0TTT_0000
	// >> 4        : 0000_0TTT
	objectType := object.Type((metadata[0] & 0b_0111_0000) >> 4)
	if !objectType.IsValid() {
		return nil, ginternals.NullOid, 0, xerrors.Errorf("unknown object type %d", objectType)
	}

	// The first part of the size is on the last 4 bits of the byte.
	// We can use a mask to only keep the bits we want
	// value       : MTTT_SSSS // M = MSB ; T = type; S = size
	// & 0000_1111  : 0000_SSSS
	objectSize := uint64(metadata[0] & 0b_0000_1111)
	metadataSize := 1

	// To know if we need to read more bytes, we need to check the MSB
	// 1 = we read more, 0 = we're done
	if isMSBSet(metadata[0]) {
		size, byteRead, err := readSize(metadata[1:])
		if err != nil {
			return nil, ginternals.NullOid, 0, xerrors.Errorf("couldn't read object size: %w", err)
		}
		metadataSize += byteRead
		// we add 4bits to the right of $size, then we merge everything with |
		// Example:
		// with size = 1001 and objectsize = 1011
		// size << 4  : 1001_0000
		// | size     : 1001_1011
		objectSize |= (size << 4)
	}

	// Move our logical cursor past the metadata we just decoded
	pos += int64(metadataSize)

	// Some objects are deltified and need extra parsing before getting to
	// the object content.
	// This is a way for git to only store the changes between 2 similar objects
	// instead of storing 2 full objects. This reduces disk usage.
	// There's 2 types of delta:
	// Refs: This delta contains the SHA of the base object
	// ofs: This Delta contains a negative offset to the base object
	var baseObjectOffset uint64
	var baseObjectOid ginternals.Oid
	switch objectType { //nolint:exhaustive // only 2 types have a special treatment
	case object.ObjectDeltaRef:
		baseObjectSHA, err := pck.peekAt(ctx, pos, ginternals.OidSize)
		if err != nil {
			return nil, ginternals.NullOid, 0, xerrors.Errorf("could not get base object SHA: %w", err)
		}
		baseObjectOid, err = ginternals.NewOidFromHex(baseObjectSHA)
		if err != nil {
			return nil, ginternals.NullOid, 0, xerrors.Errorf("could not parse base object SHA %#v: %w", baseObjectSHA, err)
		}
		pos += int64(ginternals.OidSize)
	case object.ObjectDeltaOFS:
		// we're assuming the offset is no bigger than 9 bytes to fit an int64.
		// We use 9 instead of 8 because the numbers are on 7bits instead of 8
		// so we need to read an extra byte
		offsetParts, err := pck.peekAt(ctx, pos, 9)
		if err != nil {
			return nil, ginternals.NullOid, 0, xerrors.Errorf("could not get base object offset: %w", err)
		}
		offset, bytesRead, err := readDeltaOffset(offsetParts)
		if err != nil {
			return nil, ginternals.NullOid, 0, xerrors.Errorf("couldn't read base object offset: %w", err)
		}
		baseObjectOffset = objectOffset - offset
		pos += int64(bytesRead)
	}

	// We can now fetch the actual data of the object. It's zlib encoded
	// and may span several cached windows; the cursor handles that
	// transparently and inflates straight into a buffer sized to the
	// declared (uncompressed) object size.
	objectData := make([]byte, objectSize)
	n, err := pck.cursor.Inflate(ctx, pck.packID, pos, objectData)
	if err != nil {
		return nil, ginternals.NullOid, 0, xerrors.Errorf("could not decompress: %w", err)
	}
	if n != int(objectSize) {
		return nil, ginternals.NullOid, 0, xerrors.Errorf("object size not valid. expecting %d, got %d", objectSize, n)
	}
	return object.NewWithID(oid, objectType, objectData), baseObjectOid, baseObjectOffset, nil
}

// getObjectAt return the object located at the given offset. Objects
// already reconstructed at this (pack, offset) pair are served from
// the pack's delta-base cache (§4.G) instead of being re-read and,
// for deltas, re-resolved.
func (pck *Pack) getObjectAt(oid ginternals.Oid, objectOffset uint64) (*object.Object, error) {
	key := DeltaBaseKey{Pack: pck.packID, Offset: int64(objectOffset)}
	if data, typ, found := pck.deltaCache.Get(key); found {
		return object.NewWithID(oid, typ, data), nil
	}

	o, baseOid, baseOffset, err := pck.getRawObjectAt(oid, objectOffset)
	if err != nil {
		return nil, err
	}

	// If the object is not deltified, we don't have anything to do
	if o.Type() != object.ObjectDeltaRef && o.Type() != object.ObjectDeltaOFS {
		pck.deltaCache.Add(key, o.Bytes(), o.Type())
		return o, nil
	}

	// we retrieve the base object
	var base *object.Object
	if baseOid != ginternals.NullOid {
		base, err = pck.getObjectByOidLocked(baseOid)
		if err != nil {
			return nil, xerrors.Errorf("could not get base object %s: %w", baseOid.String(), err)
		}
	} else {
		// we pass NullOid because we don't know the SHA of the base
		base, err = pck.getObjectAt(ginternals.NullOid, baseOffset)
		if err != nil {
			return nil, xerrors.Errorf("could not get base object at offset %d: %w", baseOffset, err)
		}
	}

	resultBytes, err := applyDelta(base.Bytes(), o.Bytes())
	if err != nil {
		return nil, err
	}
	result := object.NewWithID(oid, base.Type(), resultBytes)
	pck.deltaCache.Add(key, result.Bytes(), result.Type())
	return result, nil
}

// applyDelta reconstructs an object's content by replaying a delta
// (as produced by a git pack: a source-size varint, a target-size
// varint, then a sequence of COPY/INSERT instructions) against the
// already-materialized bytes of its base object. Shared by the
// packfile reader (delta chains inside an existing pack) and the
// ingest indexer (delta chains inside an incoming pack stream).
func applyDelta(base []byte, delta []byte) ([]byte, error) {
	// The format of a delta object is:
	// - A header with:
	//   - The size of the source (x bytes)
	//   - the size of the target (x bytes)
	// - A set of instruction (x bytes)
	sourceSize, sourceSizeLen, err := readSize(delta)
	if err != nil {
		return nil, xerrors.Errorf("couldn't read source size of delta: %w", err)
	}
	if int(sourceSize) != len(base) {
		return nil, xerrors.Errorf("invalid base object size. expected %d, got %d: %w", len(base), sourceSize, ErrCorruptObject)
	}
	_, tartgetSizeLen, err := readSize(delta[sourceSizeLen:])
	if err != nil {
		return nil, xerrors.Errorf("couldn't read target size of delta: %w", err)
	}
	headerSize := tartgetSizeLen + sourceSizeLen
	instructions := delta[headerSize:]
	baseContent := base

	// We loop over all instructions
	// We don't do a for-range loop because an instruction can be over
	// multiple bytes.
	var out bytes.Buffer

	for i := 0; i < len(instructions); i++ {
		instr := instructions[i]

		// there's 2 types of instruction: COPY and INSERT.
		// If the MSB of the byte is 1 it's a COPY, otherwise it's
		// an INSERT
		switch isMSBSet(instr) {
		case true: // COPY
			// the last 4 bit of the byte contains information about
			// how many bytes to read to get the offset.
			// Example: if the last 4 bits are 1010, we need to read
			// 2 bytes (count the 1), and we'll have to insert to bytes
			// of 0 in the numbers. [first_byte, byte(0), second_byte, byte(0)]
			offsetInfo := uint(instr & 0b_0000_1111)
			var offset uint32
			offsetBytes := make([]byte, 4)
			byteRead := 0
			// our offset will be stored in $offsetBytes
			// We need to loop over the 4 bits of info we have, find the
			// bits that are 1 and insert the correct bytes at the correct
			// index.
			// For example, with 1010 we need to insert our bytes at
			// offsetBytes[0] and offsetBytes[2], and zeros at [1] and [3].
			for j := uint(0); j < 4; j++ {
				offsetBytes[j] = 0

				// we move the current bit to the very left and check that
				// its value is one
				if (offsetInfo >> j & 1) == 1 {
					offsetBytes[j] = instructions[i+1+byteRead]
					byteRead++
				}
			}
			offset = binary.LittleEndian.Uint32(offsetBytes)
			i += byteRead

			// the next 3 bits of the byte after the MSB contains
			// information about how many bytes to read to get the size
			// of the copy (ie. how many bytes we're copying).
			// Example: if the 3 bits are 110, we need to read
			// 2 bytes (count the 1), and we'll have to insert to bytes
			// of 0 in the numbers. [first_byte, byte(0), second_byte, byte(0)]
			copyLenInfo := uint((instr & 0b_0111_0000) >> 4)
			var copyLen uint32
			copyLenBytes := make([]byte, 4)
			byteRead = 0
			// our size will be stored in $copyLenInfo
			// We need to loop over the 3 bits of info we have, find the
			// bits that are 1 and insert the correct bytes at the correct
			// index.
			// For example, with 101 we need to insert our bytes at
			// copyLenInfo[0] and copyLenInfo[2], and a zero at copyLenInfo[1].
			for j := uint(0); j < 3; j++ {
				copyLenBytes[j] = 0

				// we move the current bit to the very left and check that
				// its value is one
				if (copyLenInfo >> j & 1) == 1 {
					copyLenBytes[j] = instructions[i+1+byteRead]
					byteRead++
				}
			}
			// we're working on a 32 bit number (4 bytes) but the size
			// is only stored on 3 bits. We need to make sure the 4th byte
			// is always set to 0
			copyLenBytes[3] = 0
			copyLen = binary.LittleEndian.Uint32(copyLenBytes)
			i += byteRead
			out.Write(baseContent[offset : offset+copyLen])
		case false: // INSERT
			// $instr contains the amount of bytes we need to copy from
			// the delta to the output
			start := i + 1
			end := start + int(instr)
			out.Write(instructions[start:end])
			i += int(instr)
		}
	}

	return out.Bytes(), nil
}

// getObjectByOidLocked resolves oid through the index and reconstructs
// it. Callers must already hold pck.mu; this exists so delta
// resolution can fetch a REF_DELTA's base without re-entering
// GetObject's lock (sync.Mutex isn't reentrant).
func (pck *Pack) getObjectByOidLocked(oid ginternals.Oid) (*object.Object, error) {
	objectOffset, err := pck.idx.GetObjectOffset(oid)
	if err != nil {
		if !errors.Is(err, ginternals.ErrObjectNotFound) {
			return nil, xerrors.Errorf("could not get object index: %w", err)
		}
		return nil, err
	}
	return pck.getObjectAt(oid, objectOffset)
}

// GetObject returns the object that has the given SHA
func (pck *Pack) GetObject(oid ginternals.Oid) (*object.Object, error) {
	pck.mu.Lock()
	defer pck.mu.Unlock()

	return pck.getObjectByOidLocked(oid)
}

// WalkOids walks over all the object IDs contained in the packfile's
// index, in ascending order. Walking stops as soon as f returns a
// non-nil error. OidWalkStop can be returned by f to stop the walk
// without propagating an error.
func (pck *Pack) WalkOids(f OidWalkFunc) error {
	pck.mu.Lock()
	defer pck.mu.Unlock()

	return pck.idx.WalkOids(f)
}

// ObjectCount returns the number of objects in the packfile
func (pck *Pack) ObjectCount() uint32 {
	return binary.BigEndian.Uint32(pck.header[8:])
}

// ID returns the ID of the packfile
func (pck *Pack) ID() (ginternals.Oid, error) {
	pck.mu.Lock()
	defer pck.mu.Unlock()

	if pck.id != ginternals.NullOid {
		return pck.id, nil
	}

	id := make([]byte, ginternals.OidSize)
	offset, err := pck.r.Seek(-ginternals.OidSize, os.SEEK_END)
	if err != nil {
		return ginternals.NullOid, xerrors.Errorf("could not get the offset of the ID: %w", err)
	}
	if _, err = pck.r.ReadAt(id, offset); err != nil {
		return ginternals.NullOid, xerrors.Errorf("could not read the ID: %w", err)
	}
	pck.id, err = ginternals.NewOidFromHex(id)
	if err != nil {
		return ginternals.NullOid, xerrors.Errorf("could not generate oid from %v: %w", id, err)
	}
	return pck.id, nil
}

// Close frees the resources
func (pck *Pack) Close() error {
	pck.mu.Lock()
	defer pck.mu.Unlock()

	// Stale windows/bases from this pack must go regardless of whether
	// the caches are privately owned or shared with a Backend: once the
	// underlying file is closed, any cached window referencing it is
	// unusable.
	pck.deltaCache.PurgePack(pck.packID)
	windowErr := pck.windowCache.ClosePack(context.Background(), pck.packID)

	packErr := pck.r.Close()
	idxErr := pck.idxFile.Close()
	if windowErr != nil {
		return windowErr
	}
	if packErr != nil {
		return packErr
	}
	if idxErr != nil {
		return idxErr
	}
	return nil
}

// readSize reads the provided bytes to extract what's left for the
// size from an object metadata.
// This method is only to read the remaining parts of a size.
func readSize(data []byte) (objectSize uint64, bytesRead int, err error) {
	for i, b := range data {
		bytesRead++

		// We make sure to remove the MSB because it's not part of the size
		chunk := unsetMSB(b)

		// Sizes are little endian encoded, because why not
		objectSize = insertLittleEndian7(objectSize, chunk, uint8(i))

		// No more MSB? Then we're done reading the size
		if !isMSBSet(b) {
			break
		}
	}

	// if the last byte read has its MSB set it means that we have an
	// overflow (bytesRead - 1 is also == to len(data))
	if isMSBSet(data[bytesRead-1]) {
		return 0, 0, ErrIntOverflow
	}

	return objectSize, bytesRead, nil
}

// readDeltaOffset reads the provided bytes to extract a delta offset.
// The format of the each byte is:
// - 1 bit (MSB) that is used to know if we need to read the next byte
// - 7 bits that contains a chunk of offset
// The offset is big-endian encoded.
// Each chunk of offset (except the last one) are stored -1, so we need
// to add 1 back to each chunk.
func readDeltaOffset(data []byte) (offset uint64, bytesRead int, err error) {
	for _, b := range data {
		bytesRead++

		// We set the MSB to 0 since it's not part of the offset
		chunk := unsetMSB(b)

		// To save more space (I guess?), all the chunks beside the last one
		// are stored with -1.
		if isMSBSet(b) {
			chunk++
		}

		// Offsets are big endian encoded, because why not
		offset = insertBigEndian7(offset, chunk)

		// No more MSB? Then we're done reading the offset
		if !isMSBSet(b) {
			break
		}
	}
	// if the last byte read has its MSB set it means that we have an
	// overflow (bytesRead-1 is also == to len(data))
	if isMSBSet(data[bytesRead-1]) {
		return 0, 0, ErrIntOverflow
	}

	return offset, bytesRead, nil
}

// insertLittleEndian7 inserts $chunk into $base from the left.
// Only the 7 most right bits will be inserted.
// Example:
// base   = 1110_1010_1111_1100
// chunk  = 1010_1011
// Result = 1010_1011_1110_1010_1111_1100 [chunk][base]
func insertLittleEndian7(base uint64, chunk, position uint8) uint64 {
	// To build the final number in little endian, we first need to
	// add x*7 new bits to the right of the new chunk with "<< position*7"
	// (7, because our chunk is encoded on 7 bits because of the MSB)
	// then we use "| base" to insert and replace all the 0s by the
	// bits we got. x*7 corresponds to the number of bits already set
	// inside $base.
	//
	// That might sound confusing so here's an example:
	// Assuming that:
	// - Our current base is 0000_0000_0011_1010
	// - We're inserting 011_0011 (position=1, because it's the second chunk)
	//
	// 011_0011 << 1*7  = 0001_1001_1000_0000    // we make enough space on the left for $base
	// | base           = 0001_1001_1011_1010 // we insert base
	return (uint64(chunk) << (position * 7)) | base
}

// insertBigEndian7 inserts $chunk into $base from the right
// Only the 7 most right bits will be inserted.
// Example:
// base   = 1110_1010_1111_1100
// chunk  = 1010_1011
// Result = 1110_1010_1111_1100_1010_1011 [base][chunk]
func insertBigEndian7(base uint64, chunk uint8) uint64 {
	return base<<7 | uint64(chunk)
}

// isMSBSet checks if the MSB of a byte is set to 1.
// The MSB is the first bit on the left
func isMSBSet(b byte) bool {
	return b >= 0b_1000_0000
}

// unsetMSB set the most left bit of the byte to 0
func unsetMSB(b byte) byte {
	// To make any bit turn to 0 we can use a mask and a AND operator.
	// Example:
	// value       : XXXX_XXXX
	// & 0111_1111 : 0XXX_XXXX
	return b & 0b_0111_1111
}
