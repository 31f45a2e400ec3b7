package ginternals

import (
	"bytes"
	"crypto/sha1" //nolint:gosec // sha1 is the hash format git uses for objects
	"encoding/hex"
	"errors"
	"hash"
	"io"
	"strconv"

	"golang.org/x/xerrors"
)

// OidSize is the amount of bytes that compose an Oid
const OidSize = 20

// ErrInvalidOid is returned when the data provided to build an Oid isn't
// a valid SHA-1 sum
var ErrInvalidOid = errors.New("invalid oid")

// NullOid represents an empty, unset Oid
var NullOid = Oid{} //nolint:gochecknoglobals // this is a constant value

// Oid represents the SHA-1 sum that uniquely identifies a git object
type Oid [OidSize]byte

// Bytes returns the Oid as a slice of bytes
func (oid Oid) Bytes() []byte {
	return oid[:]
}

// String returns the hex representation of the Oid, as used everywhere
// in git's porcelain (cat-file, log, etc.)
func (oid Oid) String() string {
	return hex.EncodeToString(oid[:])
}

// IsZero returns whether the Oid has never been set
func (oid Oid) IsZero() bool {
	return oid == NullOid
}

// Compare returns -1, 0, or 1 depending on whether oid is respectively
// smaller than, equal to, or greater than other. Comparison is done
// byte per byte, which is the same ordering git itself uses (and the
// one a pack index's sorted name table relies on).
func (oid Oid) Compare(other Oid) int {
	return bytes.Compare(oid[:], other[:])
}

// NewOidFromContent creates a new Oid from the raw bytes of an object
// (header included). This is the same hash every git object is
// addressed by.
func NewOidFromContent(data []byte) Oid {
	return sha1.Sum(data) //nolint:gosec // see comment on the import
}

// NewOidFromHex creates a new Oid from a slice of 20 raw bytes
func NewOidFromHex(b []byte) (Oid, error) {
	return NewOidFromChars(b)
}

// NewOidFromChars creates a new Oid from a slice of 20 raw bytes
func NewOidFromChars(b []byte) (Oid, error) {
	var oid Oid
	if len(b) != OidSize {
		return oid, xerrors.Errorf("expected %d bytes, got %d: %w", OidSize, len(b), ErrInvalidOid)
	}
	copy(oid[:], b)
	return oid, nil
}

// NewOidFromStr creates a new Oid from its 40-char hex string representation
func NewOidFromStr(s string) (Oid, error) {
	var oid Oid
	b, err := hex.DecodeString(s)
	if err != nil {
		return oid, xerrors.Errorf("%s is not a valid hex string: %w", s, ErrInvalidOid)
	}
	if len(b) != OidSize {
		return oid, xerrors.Errorf("expected %d bytes, got %d: %w", OidSize, len(b), ErrInvalidOid)
	}
	copy(oid[:], b)
	return oid, nil
}

// MutableOid is a scratch-space Oid meant to be reused across many
// hashing operations (ex. while walking a tree or indexing a pack) to
// avoid re-allocating a [20]byte array for every object.
type MutableOid struct {
	h hash.Hash
}

// NewMutableOid returns a MutableOid ready to digest data via Write
func NewMutableOid() *MutableOid {
	return &MutableOid{h: sha1.New()} //nolint:gosec // see comment on the import
}

// Write implements io.Writer, feeding data into the running digest
func (m *MutableOid) Write(p []byte) (int, error) {
	return m.h.Write(p)
}

// Reset clears the digest so the MutableOid can be reused
func (m *MutableOid) Reset() {
	m.h.Reset()
}

// Freeze finalizes the running digest into an immutable Oid. The
// MutableOid may be Reset and reused afterwards.
func (m *MutableOid) Freeze() Oid {
	var oid Oid
	copy(oid[:], m.h.Sum(nil))
	return oid
}

// AbbreviatedOid represents a prefix of an Oid, as used to uniquely
// (or ambiguously) refer to an object using fewer than 40 hex chars
type AbbreviatedOid struct {
	Bytes       [OidSize]byte
	NibbleCount int
}

// NewAbbreviatedOid parses a hex prefix (as short as 1 char, as long
// as 40) into an AbbreviatedOid
func NewAbbreviatedOid(prefix string) (AbbreviatedOid, error) {
	a := AbbreviatedOid{}
	if len(prefix) == 0 || len(prefix) > OidSize*2 {
		return a, xerrors.Errorf("prefix must be between 1 and %d chars: %w", OidSize*2, ErrInvalidOid)
	}
	padded := prefix
	if len(padded)%2 != 0 {
		padded += "0"
	}
	b, err := hex.DecodeString(padded)
	if err != nil {
		return a, xerrors.Errorf("%s is not a valid hex prefix: %w", prefix, ErrInvalidOid)
	}
	copy(a.Bytes[:], b)
	a.NibbleCount = len(prefix)
	return a, nil
}

// PrefixMatches returns whether oid starts with the abbreviated prefix
func (a AbbreviatedOid) PrefixMatches(oid Oid) bool {
	fullBytes := a.NibbleCount / 2
	if !bytes.Equal(oid[:fullBytes], a.Bytes[:fullBytes]) {
		return false
	}
	if a.NibbleCount%2 == 0 {
		return true
	}
	// compare the leftover nibble
	return oid[fullBytes]>>4 == a.Bytes[fullBytes]>>4
}

// NewStreamingOid returns a io.Writer that computes the Oid of an
// object of the given type and size as content is written to it,
// without having to buffer the content in memory first. Call Sum
// once all the content has been written.
func NewStreamingOid(typ string, size int) *StreamingOid {
	h := sha1.New() //nolint:gosec // see comment on the import
	io.WriteString(h, typ)                    //nolint:errcheck // hash.Hash never fails
	io.WriteString(h, " ")                    //nolint:errcheck
	io.WriteString(h, strconv.Itoa(size))     //nolint:errcheck
	h.Write([]byte{0})                        //nolint:errcheck
	return &StreamingOid{h: h}
}

// StreamingOid incrementally computes an object's Oid
type StreamingOid struct {
	h hash.Hash
}

// Write implements io.Writer
func (s *StreamingOid) Write(p []byte) (int, error) {
	return s.h.Write(p)
}

// Sum returns the final Oid
func (s *StreamingOid) Sum() Oid {
	var oid Oid
	copy(oid[:], s.h.Sum(nil))
	return oid
}
