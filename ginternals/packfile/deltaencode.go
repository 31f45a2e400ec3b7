package packfile

// minCopyLen is the shortest match worth encoding as a COPY
// instruction: anything shorter costs more in instruction overhead
// (at least 1 byte) than folding it into the surrounding INSERT would.
const minCopyLen = 4

// maxCopyLen is the largest span a single COPY instruction can address
// (3 little-endian length bytes, per applyDelta's decoder).
const maxCopyLen = 0xFFFFFF

// maxInsertLen is the largest span a single INSERT instruction can
// carry: applyDelta reads the instruction byte itself as the length,
// and an INSERT instruction is identified by having its MSB clear.
const maxInsertLen = 0x7F

// chunkLen is the block size CreateDelta hashes to seed its match
// index; bestMatch only ever looks up whole chunkLen-byte blocks, so
// it can't find copies shorter than this, but it extends a hit
// forward as far as base and target keep matching.
const chunkLen = 16

// CreateDelta builds a delta that ApplyDelta(base, delta) turns back
// into target: a source-size/target-size header (the same variable-
// length encoding readSize expects) followed by a COPY/INSERT
// instruction stream, the inverse of the instruction stream applyDelta
// decodes. Matches against base are found via a block index instead of
// a byte-by-byte scan.
func CreateDelta(base, target []byte) []byte {
	out := appendDeltaSize(nil, uint64(len(base)))
	out = appendDeltaSize(out, uint64(len(target)))

	index := indexChunks(base)
	var insertBuf []byte
	for i := 0; i < len(target); {
		start, length := bestMatch(base, target, index, i)
		if length < minCopyLen {
			insertBuf = append(insertBuf, target[i])
			i++
			continue
		}
		if len(insertBuf) > 0 {
			out = appendInsert(out, insertBuf)
			insertBuf = nil
		}
		pos, remaining := start, length
		for remaining > 0 {
			n := remaining
			if n > maxCopyLen {
				n = maxCopyLen
			}
			out = appendCopy(out, pos, n)
			pos += n
			remaining -= n
		}
		i += length
	}
	if len(insertBuf) > 0 {
		out = appendInsert(out, insertBuf)
	}
	return out
}

// indexChunks maps every chunkLen-byte block of base to the list of
// offsets it occurs at, so bestMatch can look a target block up
// instead of scanning base linearly for it.
func indexChunks(base []byte) map[uint64][]int {
	idx := make(map[uint64][]int)
	for i := 0; i+chunkLen <= len(base); i++ {
		idx[chunkHash(base[i:i+chunkLen])] = append(idx[chunkHash(base[i:i+chunkLen])], i)
	}
	return idx
}

// chunkHash is a plain FNV-1a over a fixed-size block; collisions are
// resolved by bestMatch's byte comparison, so this only needs to be
// fast and well-distributed, not cryptographic.
func chunkHash(b []byte) uint64 {
	var h uint64 = 14695981039346656037
	for _, c := range b {
		h ^= uint64(c)
		h *= 1099511628211
	}
	return h
}

// bestMatch looks target[i:i+chunkLen]'s hash up in index and, on a
// hit, extends every candidate position as far as it matches, keeping
// the longest. Returns a zero-length match if target doesn't have a
// full chunk left at i or nothing in base hashes the same.
func bestMatch(base, target []byte, index map[uint64][]int, i int) (start, length int) {
	if i+chunkLen > len(target) {
		return 0, 0
	}
	for _, pos := range index[chunkHash(target[i:i+chunkLen])] {
		if l := matchLen(base[pos:], target[i:]); l > length {
			start, length = pos, l
		}
	}
	return start, length
}

func matchLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// appendDeltaSize appends n using the variable-length little-endian
// 7-bit-group encoding readSize decodes (source/target size header).
func appendDeltaSize(out []byte, n uint64) []byte {
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if n == 0 {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

// appendCopy appends a COPY instruction for base[offset:offset+length],
// the exact bit layout applyDelta's COPY branch decodes: MSB set, bits
// 0-3 say which of the 4 little-endian offset bytes are present
// (omitted bytes are zero), bits 4-6 say which of the 3 little-endian
// length bytes are present.
func appendCopy(out []byte, offset, length int) []byte {
	instr := byte(0b1000_0000)
	var offsetBytes, lengthBytes []byte
	off := uint32(offset) //nolint:gosec // pack offsets fit 32 bits, same assumption applyDelta's decoder makes
	for j := 0; j < 4; j++ {
		if b := byte(off >> (8 * j)); b != 0 {
			instr |= 1 << j
			offsetBytes = append(offsetBytes, b)
		}
	}
	ln := uint32(length) //nolint:gosec // bounded to maxCopyLen by the caller
	for j := 0; j < 3; j++ {
		if b := byte(ln >> (8 * j)); b != 0 {
			instr |= 1 << (4 + j)
			lengthBytes = append(lengthBytes, b)
		}
	}
	out = append(out, instr)
	out = append(out, offsetBytes...)
	out = append(out, lengthBytes...)
	return out
}

// appendInsert appends buf as one or more INSERT instructions (MSB
// clear, the instruction byte itself is the literal length), splitting
// at maxInsertLen since that's the largest length a 7-bit field holds.
func appendInsert(out []byte, buf []byte) []byte {
	for len(buf) > 0 {
		n := len(buf)
		if n > maxInsertLen {
			n = maxInsertLen
		}
		out = append(out, byte(n))
		out = append(out, buf[:n]...)
		buf = buf[n:]
	}
	return out
}

// ApplyDelta is applyDelta exported for callers outside this package
// (transport's thin-pack repair, delta round-trip tests) that need to
// turn a CreateDelta result back into its target bytes.
func ApplyDelta(base, delta []byte) ([]byte, error) {
	return applyDelta(base, delta)
}
