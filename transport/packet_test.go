package transport_test

import (
	"bytes"
	"testing"

	"github.com/Nivl/git-go/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadPacketRoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, transport.WritePacket(&buf, []byte("want deadbeef\n")))
	require.NoError(t, transport.WriteFlush(&buf))

	data, isFlush, err := transport.ReadPacket(&buf)
	require.NoError(t, err)
	assert.False(t, isFlush)
	assert.Equal(t, "want deadbeef\n", string(data))

	data, isFlush, err = transport.ReadPacket(&buf)
	require.NoError(t, err)
	assert.True(t, isFlush)
	assert.Nil(t, data)
}

func TestWritePacketRejectsOversizedPayload(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	oversized := make([]byte, 0x10000)
	err := transport.WritePacket(&buf, oversized)
	assert.ErrorIs(t, err, transport.ErrPacketTooLong)
}

func TestReadPacketRejectsInvalidLength(t *testing.T) {
	t.Parallel()

	buf := bytes.NewBufferString("xyz0hello")
	_, _, err := transport.ReadPacket(buf)
	assert.ErrorIs(t, err, transport.ErrInvalidPacketLen)
}

func TestSideBandRoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, transport.WriteSideBand(&buf, transport.SideBandProgress, []byte("working...")))

	channel, data, isFlush, err := transport.ReadSideBand(&buf)
	require.NoError(t, err)
	assert.False(t, isFlush)
	assert.Equal(t, transport.SideBandProgress, channel)
	assert.Equal(t, "working...", string(data))
}

func TestPacketReaderReadsMultipleFrames(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, transport.WritePacket(&buf, []byte("first")))
	require.NoError(t, transport.WritePacket(&buf, []byte("second")))
	require.NoError(t, transport.WriteFlush(&buf))

	pr := transport.NewPacketReader(&buf)

	data, isFlush, err := pr.ReadPacket()
	require.NoError(t, err)
	assert.False(t, isFlush)
	assert.Equal(t, "first", string(data))

	data, isFlush, err = pr.ReadPacket()
	require.NoError(t, err)
	assert.False(t, isFlush)
	assert.Equal(t, "second", string(data))

	_, isFlush, err = pr.ReadPacket()
	require.NoError(t, err)
	assert.True(t, isFlush)
}
