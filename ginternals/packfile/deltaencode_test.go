package packfile_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/Nivl/git-go/ginternals/packfile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateDeltaRoundTrip(t *testing.T) {
	t.Parallel()

	t.Run("mostly similar content", func(t *testing.T) {
		t.Parallel()

		base := []byte(strings.Repeat("the quick brown fox jumps over the lazy dog. ", 20))
		target := append([]byte("a brief prefix. "), base...)
		target = append(target, []byte("and a short suffix.")...)

		delta := packfile.CreateDelta(base, target)
		assert.Less(t, len(delta), len(target), "a delta against near-identical content should be much smaller than the target itself")

		got, err := packfile.ApplyDelta(base, delta)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(target, got))
	})

	t.Run("completely different content", func(t *testing.T) {
		t.Parallel()

		base := []byte(strings.Repeat("a", 200))
		target := []byte(strings.Repeat("b", 50))

		delta := packfile.CreateDelta(base, target)
		got, err := packfile.ApplyDelta(base, delta)
		require.NoError(t, err)
		assert.Equal(t, target, got)
	})

	t.Run("empty base", func(t *testing.T) {
		t.Parallel()

		target := []byte("hello world")
		delta := packfile.CreateDelta(nil, target)
		got, err := packfile.ApplyDelta(nil, delta)
		require.NoError(t, err)
		assert.Equal(t, target, got)
	})

	t.Run("empty target", func(t *testing.T) {
		t.Parallel()

		base := []byte("hello world")
		delta := packfile.CreateDelta(base, nil)
		got, err := packfile.ApplyDelta(base, delta)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("match spanning more than maxCopyLen", func(t *testing.T) {
		t.Parallel()

		base := bytes.Repeat([]byte{'x'}, 0xFFFFFF+500)
		target := base // identical, forces a copy split across instructions

		delta := packfile.CreateDelta(base, target)
		got, err := packfile.ApplyDelta(base, delta)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(target, got))
	})
}
