package dircache

import (
	"encoding/binary"
	"fmt"

	"github.com/Nivl/git-go/ginternals"
)

// entryHeaderSize is the fixed-size portion of an on-disk entry,
// before the NUL-terminated, 8-byte-padded path: 10 uint32 fields
// (ctime and mtime as seconds/nanoseconds pairs, dev, ino, mode, uid,
// gid, size), a 20-byte blob id, and a 16-bit flags word.
const entryHeaderSize = 4*10 + ginternals.OidSize + 2

const (
	flagAssumeValid  = uint16(1) << 15
	flagExtended     = uint16(1) << 14
	flagStageShift   = 12
	flagStageMask    = uint16(0x3) << flagStageShift
	flagNameMask     = uint16(0xFFF)
	flagNameOverflow = uint16(0xFFF)
)

// Object mode bits git recognizes for a dircache entry.
const (
	ModeRegular = 0o100644
	ModeExec    = 0o100755
	ModeSymlink = 0o120000
	ModeGitlink = 0o160000
)

// Entry is one file (or gitlink, or sparse-checkout directory) tracked
// by the dircache, mirroring the 62-byte fixed header plus path the
// on-disk format uses.
type Entry struct {
	CTimeSec, CTimeNano uint32
	MTimeSec, MTimeNano uint32
	Dev, Ino            uint32
	Mode                uint32
	UID, GID            uint32
	Size                uint32
	ID                  ginternals.Oid

	AssumeValid bool
	Stage       uint8 // 0 = merged; 1/2/3 = base/ours/theirs of a conflict

	Path string
}

// IsRegular, IsSymlink and IsGitlink classify Mode's object-type bits.
func (e *Entry) IsRegular() bool { return e.Mode&0o170000 == ModeRegular&0o170000 }
func (e *Entry) IsSymlink() bool { return e.Mode&0o170000 == ModeSymlink }
func (e *Entry) IsGitlink() bool { return e.Mode&0o170000 == ModeGitlink }

// encode appends the on-disk bytes for e (header + NUL-padded path) to buf.
func (e *Entry) encode(buf []byte) []byte {
	var hdr [entryHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:], e.CTimeSec)
	binary.BigEndian.PutUint32(hdr[4:], e.CTimeNano)
	binary.BigEndian.PutUint32(hdr[8:], e.MTimeSec)
	binary.BigEndian.PutUint32(hdr[12:], e.MTimeNano)
	binary.BigEndian.PutUint32(hdr[16:], e.Dev)
	binary.BigEndian.PutUint32(hdr[20:], e.Ino)
	binary.BigEndian.PutUint32(hdr[24:], e.Mode)
	binary.BigEndian.PutUint32(hdr[28:], e.UID)
	binary.BigEndian.PutUint32(hdr[32:], e.GID)
	binary.BigEndian.PutUint32(hdr[36:], e.Size)
	copy(hdr[40:40+ginternals.OidSize], e.ID.Bytes())

	nameLen := len(e.Path)
	flagNameLen := nameLen
	if flagNameLen > int(flagNameOverflow) {
		flagNameLen = int(flagNameOverflow)
	}
	flags := uint16(flagNameLen) & flagNameMask
	flags |= (uint16(e.Stage) << flagStageShift) & flagStageMask
	if e.AssumeValid {
		flags |= flagAssumeValid
	}
	binary.BigEndian.PutUint16(hdr[40+ginternals.OidSize:], flags)

	buf = append(buf, hdr[:]...)
	buf = append(buf, e.Path...)

	pad := 8 - ((entryHeaderSize + nameLen) % 8)
	if pad == 0 {
		pad = 8
	}
	for i := 0; i < pad; i++ {
		buf = append(buf, 0)
	}
	return buf
}

// decodeEntry reads one entry from the start of data, returning the
// entry and the number of bytes consumed (header + path + padding).
func decodeEntry(data []byte) (*Entry, int, error) {
	if len(data) < entryHeaderSize {
		return nil, 0, fmt.Errorf("truncated entry header: %w", ErrCorruptCache)
	}
	e := &Entry{
		CTimeSec:  binary.BigEndian.Uint32(data[0:]),
		CTimeNano: binary.BigEndian.Uint32(data[4:]),
		MTimeSec:  binary.BigEndian.Uint32(data[8:]),
		MTimeNano: binary.BigEndian.Uint32(data[12:]),
		Dev:       binary.BigEndian.Uint32(data[16:]),
		Ino:       binary.BigEndian.Uint32(data[20:]),
		Mode:      binary.BigEndian.Uint32(data[24:]),
		UID:       binary.BigEndian.Uint32(data[28:]),
		GID:       binary.BigEndian.Uint32(data[32:]),
		Size:      binary.BigEndian.Uint32(data[36:]),
	}
	id, err := ginternals.NewOidFromHex(data[40 : 40+ginternals.OidSize])
	if err != nil {
		return nil, 0, fmt.Errorf("invalid blob id: %w", err)
	}
	e.ID = id

	flags := binary.BigEndian.Uint16(data[40+ginternals.OidSize:])
	e.AssumeValid = flags&flagAssumeValid != 0
	e.Stage = uint8((flags & flagStageMask) >> flagStageShift)
	nameLen := int(flags & flagNameMask)

	rest := data[entryHeaderSize:]
	if nameLen == int(flagNameOverflow) {
		// name didn't fit in 12 bits: it runs until the NUL terminator.
		nulAt := -1
		for i, b := range rest {
			if b == 0 {
				nulAt = i
				break
			}
		}
		if nulAt < 0 {
			return nil, 0, fmt.Errorf("unterminated overflow path: %w", ErrCorruptCache)
		}
		nameLen = nulAt
	}
	if len(rest) < nameLen {
		return nil, 0, fmt.Errorf("truncated entry path: %w", ErrCorruptCache)
	}
	e.Path = string(rest[:nameLen])

	pad := 8 - ((entryHeaderSize + nameLen) % 8)
	if pad == 0 {
		pad = 8
	}
	total := entryHeaderSize + nameLen + pad
	if len(data) < total {
		return nil, 0, fmt.Errorf("truncated entry padding: %w", ErrCorruptCache)
	}
	return e, total, nil
}

// compareKey orders entries the way the cache requires: ascending raw
// path bytes, ties broken by ascending stage.
func compareKey(path string, stage uint8, other *Entry) int {
	if path != other.Path {
		if path < other.Path {
			return -1
		}
		return 1
	}
	switch {
	case stage < other.Stage:
		return -1
	case stage > other.Stage:
		return 1
	default:
		return 0
	}
}
