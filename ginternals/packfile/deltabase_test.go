package packfile_test

import (
	"testing"

	"github.com/Nivl/git-go/ginternals/engine"
	"github.com/Nivl/git-go/ginternals/object"
	"github.com/Nivl/git-go/ginternals/packfile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeltaBaseCacheAddAndGet(t *testing.T) {
	t.Parallel()

	c := packfile.NewDeltaBaseCache(0)
	pack := engine.PackID{1}
	key := packfile.DeltaBaseKey{Pack: pack, Offset: 42}

	_, _, found := c.Get(key)
	assert.False(t, found)

	c.Add(key, []byte("tree content"), object.TypeTree)
	data, typ, found := c.Get(key)
	require.True(t, found)
	assert.Equal(t, []byte("tree content"), data)
	assert.Equal(t, object.TypeTree, typ)
}

func TestDeltaBaseCacheNeverCachesCommits(t *testing.T) {
	t.Parallel()

	c := packfile.NewDeltaBaseCache(0)
	key := packfile.DeltaBaseKey{Pack: engine.PackID{2}, Offset: 1}
	c.Add(key, []byte("commit content"), object.TypeCommit)

	_, _, found := c.Get(key)
	assert.False(t, found)
}

func TestDeltaBaseCacheEvictsUnderByteCeiling(t *testing.T) {
	t.Parallel()

	c := packfile.NewDeltaBaseCache(10)
	pack := engine.PackID{3}

	c.Add(packfile.DeltaBaseKey{Pack: pack, Offset: 1}, []byte("0123456789"), object.TypeBlob)
	assert.Equal(t, 1, c.Len())

	// Touch it so it's not the coldest entry
	_, _, found := c.Get(packfile.DeltaBaseKey{Pack: pack, Offset: 1})
	require.True(t, found)

	c.Add(packfile.DeltaBaseKey{Pack: pack, Offset: 2}, []byte("abcdefghij"), object.TypeTree)
	assert.Equal(t, 1, c.Len())
	_, _, found = c.Get(packfile.DeltaBaseKey{Pack: pack, Offset: 1})
	assert.False(t, found, "the first entry should have been evicted to stay under the byte ceiling")
}

func TestDeltaBaseCachePurgePack(t *testing.T) {
	t.Parallel()

	c := packfile.NewDeltaBaseCache(0)
	keep := engine.PackID{4}
	purge := engine.PackID{5}

	c.Add(packfile.DeltaBaseKey{Pack: keep, Offset: 1}, []byte("a"), object.TypeBlob)
	c.Add(packfile.DeltaBaseKey{Pack: purge, Offset: 1}, []byte("b"), object.TypeBlob)
	require.Equal(t, 2, c.Len())

	c.PurgePack(purge)
	assert.Equal(t, 1, c.Len())
	_, _, found := c.Get(packfile.DeltaBaseKey{Pack: keep, Offset: 1})
	assert.True(t, found)
}
