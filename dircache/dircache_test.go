package dircache

import (
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Cache, string) {
	t.Helper()
	fs := afero.NewMemMapFs()
	path := filepath.Join(t.TempDir(), "index")
	return New(fs, path), path
}

func writeEntries(t *testing.T, c *Cache, entries []*Entry) {
	t.Helper()
	require.NoError(t, c.Lock())
	require.NoError(t, c.Write(entries))
}

func TestCacheWriteThenReadRoundTrip(t *testing.T) {
	t.Parallel()

	c, path := newTestCache(t)
	want := []*Entry{
		{Mode: ModeRegular, ID: newTestOid(t, 1), Path: "a.txt", Size: 10},
		{Mode: ModeRegular, ID: newTestOid(t, 2), Path: "b.txt", Size: 20},
	}
	writeEntries(t, c, want)

	fresh := New(c.fs, path)
	require.NoError(t, fresh.Read())
	require.Len(t, fresh.Entries(), 2)
	assert.Equal(t, "a.txt", fresh.Entries()[0].Path)
	assert.Equal(t, "b.txt", fresh.Entries()[1].Path)
	assert.Equal(t, uint32(20), fresh.Entries()[1].Size)
}

func TestCacheReadMissingFileIsEmpty(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(t)
	require.NoError(t, c.Read())
	assert.Empty(t, c.Entries())
}

func TestCacheReadDetectsCorruption(t *testing.T) {
	t.Parallel()

	c, path := newTestCache(t)
	writeEntries(t, c, []*Entry{{Mode: ModeRegular, ID: newTestOid(t, 1), Path: "a"}})

	data, err := afero.ReadFile(c.fs, path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xFF // flip a byte of the trailing checksum
	require.NoError(t, afero.WriteFile(c.fs, path, data, 0o644))

	fresh := New(c.fs, path)
	err = fresh.Read()
	require.ErrorIs(t, err, ErrCorruptCache)
}

func TestCacheReadIsNoopWhenMtimeUnchanged(t *testing.T) {
	t.Parallel()

	c, path := newTestCache(t)
	writeEntries(t, c, []*Entry{{Mode: ModeRegular, ID: newTestOid(t, 1), Path: "a"}})

	fresh := New(c.fs, path)
	require.NoError(t, fresh.Read())
	require.Len(t, fresh.Entries(), 1)

	// Corrupt the file on disk without touching mtime: a second Read
	// must trust the cached state rather than reparse.
	data, err := afero.ReadFile(c.fs, path)
	require.NoError(t, err)
	info, err := c.fs.Stat(path)
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(c.fs, path, append(data, 0xFF), 0o644))
	require.NoError(t, c.fs.Chtimes(path, info.ModTime(), info.ModTime()))

	require.NoError(t, fresh.Read())
	assert.Len(t, fresh.Entries(), 1)
}

func TestCacheWriteRequiresLock(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(t)
	err := c.Write(nil)
	require.ErrorIs(t, err, ErrNotLocked)
}

func TestCacheRacyCleanSmudge(t *testing.T) {
	t.Parallel()

	c, path := newTestCache(t)
	require.NoError(t, c.Lock())

	e := &Entry{
		Mode:      ModeRegular,
		ID:        newTestOid(t, 1),
		Path:      "a",
		Size:      100,
		MTimeSec:  uint32(c.commitTime.Unix()),
		MTimeNano: uint32(c.commitTime.Nanosecond()),
	}
	require.NoError(t, c.Write([]*Entry{e}))

	fresh := New(c.fs, path)
	require.NoError(t, fresh.Read())
	require.Len(t, fresh.Entries(), 1)
	assert.Equal(t, uint32(0), fresh.Entries()[0].Size, "an entry racing the commit's own clock tick must be smudged to size 0")
}

func TestCacheFindEntry(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(t)
	writeEntries(t, c, []*Entry{
		{Mode: ModeRegular, ID: newTestOid(t, 1), Path: "a"},
		{Mode: ModeRegular, ID: newTestOid(t, 2), Path: "b"},
		{Mode: ModeRegular, ID: newTestOid(t, 3), Path: "c"},
	})

	idx, ok := c.FindEntry("b")
	require.True(t, ok)
	assert.Equal(t, 1, idx)

	_, ok = c.FindEntry("missing")
	assert.False(t, ok)
}

func TestCacheEntriesWithin(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(t)
	writeEntries(t, c, []*Entry{
		{Mode: ModeRegular, ID: newTestOid(t, 1), Path: "dir/a"},
		{Mode: ModeRegular, ID: newTestOid(t, 2), Path: "dir/b"},
		{Mode: ModeRegular, ID: newTestOid(t, 3), Path: "dirother/c"},
		{Mode: ModeRegular, ID: newTestOid(t, 4), Path: "zzz"},
	})

	within := c.EntriesWithin("dir")
	require.Len(t, within, 2)
	assert.Equal(t, "dir/a", within[0].Path)
	assert.Equal(t, "dir/b", within[1].Path)
}
