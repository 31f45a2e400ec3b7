package dircache

import (
	"testing"

	"github.com/Nivl/git-go/ginternals"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOid(t *testing.T, b byte) ginternals.Oid {
	t.Helper()
	raw := make([]byte, ginternals.OidSize)
	for i := range raw {
		raw[i] = b
	}
	oid, err := ginternals.NewOidFromHex(raw)
	require.NoError(t, err)
	return oid
}

func TestEntryEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	e := &Entry{
		CTimeSec:    1,
		CTimeNano:   2,
		MTimeSec:    3,
		MTimeNano:   4,
		Dev:         5,
		Ino:         6,
		Mode:        ModeRegular,
		UID:         7,
		GID:         8,
		Size:        42,
		ID:          newTestOid(t, 0xAB),
		AssumeValid: true,
		Stage:       2,
		Path:        "a/b/c.txt",
	}

	buf := e.encode(nil)
	assert.Equal(t, 0, len(buf)%8, "an encoded entry must be padded to a multiple of 8 bytes")

	got, n, err := decodeEntry(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, e.CTimeSec, got.CTimeSec)
	assert.Equal(t, e.MTimeNano, got.MTimeNano)
	assert.Equal(t, e.Mode, got.Mode)
	assert.Equal(t, e.Size, got.Size)
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, e.AssumeValid, got.AssumeValid)
	assert.Equal(t, e.Stage, got.Stage)
	assert.Equal(t, e.Path, got.Path)
}

func TestEntryEncodeMultipleEntriesConcatenate(t *testing.T) {
	t.Parallel()

	e1 := &Entry{Mode: ModeRegular, ID: newTestOid(t, 1), Path: "a"}
	e2 := &Entry{Mode: ModeExec, ID: newTestOid(t, 2), Path: "b"}

	var buf []byte
	buf = e1.encode(buf)
	buf = e2.encode(buf)

	got1, n1, err := decodeEntry(buf)
	require.NoError(t, err)
	assert.Equal(t, "a", got1.Path)

	got2, n2, err := decodeEntry(buf[n1:])
	require.NoError(t, err)
	assert.Equal(t, "b", got2.Path)
	assert.Equal(t, len(buf), n1+n2)
}

func TestEntryOverflowPathName(t *testing.T) {
	t.Parallel()

	longPath := ""
	for i := 0; i < 5000; i++ {
		longPath += "x"
	}
	e := &Entry{Mode: ModeRegular, ID: newTestOid(t, 3), Path: longPath}
	buf := e.encode(nil)

	got, n, err := decodeEntry(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, longPath, got.Path)
}

func TestDecodeEntryTruncatedHeader(t *testing.T) {
	t.Parallel()

	_, _, err := decodeEntry(make([]byte, entryHeaderSize-1))
	require.ErrorIs(t, err, ErrCorruptCache)
}

func TestEntryModeClassifiers(t *testing.T) {
	t.Parallel()

	assert.True(t, (&Entry{Mode: ModeRegular}).IsRegular())
	assert.True(t, (&Entry{Mode: ModeExec}).IsRegular())
	assert.True(t, (&Entry{Mode: ModeSymlink}).IsSymlink())
	assert.True(t, (&Entry{Mode: ModeGitlink}).IsGitlink())
	assert.False(t, (&Entry{Mode: ModeSymlink}).IsRegular())
}

func TestCompareKeyOrdering(t *testing.T) {
	t.Parallel()

	other := &Entry{Path: "b", Stage: 1}
	assert.Equal(t, -1, compareKey("a", 0, other))
	assert.Equal(t, 1, compareKey("c", 0, other))
	assert.Equal(t, -1, compareKey("b", 0, other))
	assert.Equal(t, 1, compareKey("b", 2, other))
	assert.Equal(t, 0, compareKey("b", 1, other))
}
