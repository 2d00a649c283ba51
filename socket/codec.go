package socket

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/Zereker/wiremsg"
)

// Codec reads messages off a stream and encodes them for transmission.
//
// Decode must consume exactly one frame from r. This is what makes a byte
// stream like TCP usable: the codec decides how many bytes belong to the
// current message.
type Codec interface {
	Decode(r io.Reader) (*wiremsg.Message, error)
	Encode(m *wiremsg.Message) ([]byte, error)
}

// FrameCodec is the Codec for wiremsg frames sent back to back on a stream.
// It collects one complete frame using the length prefixes, rejecting
// oversized fields before buffering them, and hands the whole buffer to
// wiremsg.Decode.
type FrameCodec struct{}

// NewFrameCodec returns a FrameCodec.
func NewFrameCodec() *FrameCodec {
	return &FrameCodec{}
}

// Encode implements Codec.
func (c *FrameCodec) Encode(m *wiremsg.Message) ([]byte, error) {
	return wiremsg.Encode(m)
}

// Decode implements Codec. It returns io.EOF if the stream ends cleanly
// between frames and wiremsg.ErrTruncated if it ends inside one.
func (c *FrameCodec) Decode(r io.Reader) (*wiremsg.Message, error) {
	f := frameReader{r: r, buf: make([]byte, 0, 64)}

	version := f.read(1, "version")
	if f.err != nil {
		if errors.Is(f.err, wiremsg.ErrTruncated) {
			return nil, io.EOF
		}
		return nil, f.err
	}
	if version[0] != wiremsg.Version {
		return nil, errors.Wrapf(wiremsg.ErrUnsupportedVersion, "version %d", version[0])
	}

	count := f.read(1, "header count")
	if f.err == nil && count[0] > wiremsg.MaxHeaderCount {
		return nil, errors.Wrapf(wiremsg.ErrLimitExceeded, "header count too large (%d > %d)",
			count[0], wiremsg.MaxHeaderCount)
	}
	for i := 0; f.err == nil && i < 2*int(count[0]); i++ {
		n := f.uint16("header length")
		if f.err == nil && n > wiremsg.MaxHeaderLength {
			return nil, errors.Wrapf(wiremsg.ErrLimitExceeded, "header key or value too long (%d > %d)",
				n, wiremsg.MaxHeaderLength)
		}
		f.read(int(n), "header text")
	}

	n := f.uint32("payload length")
	if f.err == nil && n > wiremsg.MaxPayloadLength {
		return nil, errors.Wrapf(wiremsg.ErrLimitExceeded, "payload too large (%d > %d)",
			n, wiremsg.MaxPayloadLength)
	}
	f.read(int(n), "payload")
	f.read(1, "checksum")
	if f.err != nil {
		return nil, f.err
	}

	return wiremsg.Decode(f.buf)
}

// frameReader appends exactly the requested number of bytes from r to buf.
// The first error is kept and turns later reads into no-ops.
type frameReader struct {
	r   io.Reader
	buf []byte
	err error
}

func (f *frameReader) read(n int, field string) []byte {
	if f.err != nil {
		return nil
	}
	start := len(f.buf)
	f.buf = append(f.buf, make([]byte, n)...)
	if _, err := io.ReadFull(f.r, f.buf[start:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			f.err = errors.Wrapf(wiremsg.ErrTruncated, "stream ended reading %s", field)
		} else {
			f.err = errors.Wrapf(err, "read %s", field)
		}
		return nil
	}
	return f.buf[start:]
}

func (f *frameReader) uint16(field string) uint16 {
	if b := f.read(2, field); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (f *frameReader) uint32(field string) uint32 {
	if b := f.read(4, field); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}
