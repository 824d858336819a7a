package gateway

import (
	"bytes"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// frameWriter produces zlib-stream frames the way Discord's gateway does:
// one persistent zlib.Writer, each logical message ended with a Flush
// (sync flush), so its frame ends in the 0x00 0x00 0xff 0xff suffix.
type frameWriter struct {
	buf bytes.Buffer
	zw  *zlib.Writer
}

func newFrameWriter() *frameWriter {
	fw := &frameWriter{}
	fw.zw = zlib.NewWriter(&fw.buf)
	return fw
}

func (fw *frameWriter) frame(msg string) []byte {
	fw.buf.Reset()
	_, _ = fw.zw.Write([]byte(msg))
	_ = fw.zw.Flush()
	out := make([]byte, fw.buf.Len())
	copy(out, fw.buf.Bytes())
	return out
}

func TestInflateStream_SingleFrameMessages(t *testing.T) {
	fw := newFrameWriter()
	s := &inflateStream{}

	for _, msg := range []string{`{"op":10,"d":{}}`, `{"op":0,"t":"READY","s":1}`, `{"op":11}`} {
		frame := fw.frame(msg)
		out, complete, err := s.Feed(frame)
		require.NoError(t, err)
		require.True(t, complete)
		assert.Equal(t, msg, string(out))
	}
}

func TestInflateStream_SplitAcrossFrames(t *testing.T) {
	fw := newFrameWriter()
	s := &inflateStream{}

	msg := `{"op":0,"t":"MESSAGE_CREATE","d":{"content":"hello world"},"s":2}`
	full := fw.frame(msg)

	mid := len(full) / 2
	out, complete, err := s.Feed(full[:mid])
	require.NoError(t, err)
	assert.False(t, complete)
	assert.Nil(t, out)

	out, complete, err = s.Feed(full[mid:])
	require.NoError(t, err)
	require.True(t, complete)
	assert.Equal(t, msg, string(out))
}

func TestHasZlibSuffix(t *testing.T) {
	assert.True(t, hasZlibSuffix([]byte{1, 2, 0x00, 0x00, 0xff, 0xff}))
	assert.False(t, hasZlibSuffix([]byte{1, 2, 3, 4}))
	assert.False(t, hasZlibSuffix([]byte{0x00, 0xff}))
}
