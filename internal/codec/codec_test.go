package codec_test

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posforge/posforge/internal/codec"
)

func TestWriterReaderRoundTrip(t *testing.T) {
	w := codec.NewWriter()
	w.WriteString("alice").
		WriteUint64(42).
		WriteInt64(-7).
		WriteFloat64(3.5).
		WriteBytes([]byte{1, 2, 3}).
		WriteByte(0xAB)

	r := codec.NewReader(w.Bytes())

	s, err := r.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "alice", s)

	u, err := r.ReadUint64()
	require.NoError(t, err)
	assert.Equal(t, uint64(42), u)

	i, err := r.ReadInt64()
	require.NoError(t, err)
	assert.Equal(t, int64(-7), i)

	f, err := r.ReadFloat64()
	require.NoError(t, err)
	assert.Equal(t, 3.5, f)

	b, err := r.ReadBytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, b)

	by, err := r.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, byte(0xAB), by)

	assert.Equal(t, 0, r.Remaining())
}

func TestReaderTruncated(t *testing.T) {
	r := codec.NewReader([]byte{0, 0})
	_, err := r.ReadUint64()
	assert.ErrorIs(t, err, codec.ErrTruncated)
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	body := []byte("hello world")
	require.NoError(t, codec.WriteFrame(&buf, 7, body))

	tag, got, err := codec.ReadFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, byte(7), tag)
	assert.Equal(t, body, got)
}

func TestFrameEmptyBody(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, codec.WriteFrame(&buf, 3, nil))

	tag, got, err := codec.ReadFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, byte(3), tag)
	assert.Empty(t, got)
}

func TestMultipleFramesSequentially(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, codec.WriteFrame(&buf, 1, []byte("a")))
	require.NoError(t, codec.WriteFrame(&buf, 2, []byte("bb")))

	br := bufio.NewReader(&buf)
	tag, body, err := codec.ReadFrame(br)
	require.NoError(t, err)
	assert.Equal(t, byte(1), tag)
	assert.Equal(t, []byte("a"), body)

	tag, body, err = codec.ReadFrame(br)
	require.NoError(t, err)
	assert.Equal(t, byte(2), tag)
	assert.Equal(t, []byte("bb"), body)
}
