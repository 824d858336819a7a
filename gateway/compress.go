package gateway

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/flate"
)

// maxDictionary bounds the rolling back-reference window kept across
// messages to DEFLATE's maximum window size.
const maxDictionary = 32 * 1024

// zlibStreamSuffix is the 4-byte marker that closes a complete zlib-stream
// message: Discord may split one logical payload across several binary
// WebSocket frames, and only the frame ending in this suffix is decodable
// as a complete DEFLATE block.
var zlibStreamSuffix = []byte{0x00, 0x00, 0xff, 0xff}

// inflateStream decodes Discord's zlib-stream transport compression: one
// zlib header at the very start of the connection, followed by a
// perpetual, headerless sequence of raw DEFLATE blocks synced (not
// finalized) at each message boundary.
//
// That wire shape is why this operates at the flate layer instead of the
// zlib layer: zlib.Resetter.Reset expects a fresh 2-byte zlib header on
// every call, which messages after the first never carry (only the
// connection's very first binary frame has one) — resetting at that layer
// per message is exactly the bug the teacher's websocket.go has (a brand
// new zlib.NewReader per onEvent call) and that a correct implementation
// must not replicate. flate.Resetter has no such header expectation, so
// the fix is: strip the 2-byte zlib header once, decode the rest as a raw
// flate stream, and carry the decompressor's own back-reference window
// forward as an explicit dictionary across resets rather than discarding
// it.
type inflateStream struct {
	pending    bytes.Buffer
	reader     io.ReadCloser
	dict       []byte
	sawZlibHdr bool
}

// Feed appends a frame's bytes to the pending input and, once the 4-byte
// suffix marking a complete message is seen, drains the inflate context and
// returns the decompressed payload. It returns (nil, false, nil) while
// still accumulating a multi-frame message.
func (s *inflateStream) Feed(frame []byte) ([]byte, bool, error) {
	s.pending.Write(frame)

	if !hasZlibSuffix(frame) {
		return nil, false, nil
	}

	input := append([]byte(nil), s.pending.Bytes()...)
	s.pending.Reset()

	if !s.sawZlibHdr {
		if len(input) < 2 {
			return nil, false, nil
		}
		input = input[2:] // CMF, FLG: Discord never sets FDICT, so no 4-byte DICTID follows
		s.sawZlibHdr = true
	}

	if s.reader == nil {
		s.reader = flate.NewReaderDict(bytes.NewReader(input), s.dict)
	} else if err := s.reader.(flate.Resetter).Reset(bytes.NewReader(input), s.dict); err != nil {
		return nil, false, err
	}

	var out bytes.Buffer
	_, err := io.Copy(&out, s.reader)
	// The stream never emits a final block (Discord keeps it open for the
	// connection's whole life), so draining exactly to a sync-flush
	// boundary always surfaces as an EOF of some flavor, not a genuine
	// decode failure.
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, false, err
	}

	s.extendDict(out.Bytes())
	return out.Bytes(), true, nil
}

func (s *inflateStream) extendDict(decoded []byte) {
	s.dict = append(s.dict, decoded...)
	if len(s.dict) > maxDictionary {
		s.dict = s.dict[len(s.dict)-maxDictionary:]
	}
}

// Close releases the underlying inflate context.
func (s *inflateStream) Close() error {
	if s.reader != nil {
		return s.reader.Close()
	}
	return nil
}

func hasZlibSuffix(frame []byte) bool {
	if len(frame) < 4 {
		return false
	}
	return bytes.Equal(frame[len(frame)-4:], zlibStreamSuffix)
}
