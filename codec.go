// Package wiremsg implements a compact binary format for messages made of
// string headers and an opaque payload.
//
// A frame is laid out as follows, with all integers little-endian:
//
//	version        1 byte   always Version
//	header_count   1 byte   0..MaxHeaderCount
//	per header:
//	  key_length   2 bytes  0..MaxHeaderLength
//	  key          key_length bytes, ASCII
//	  value_length 2 bytes  0..MaxHeaderLength
//	  value        value_length bytes, ASCII
//	payload_length 4 bytes  0..MaxPayloadLength
//	payload        payload_length bytes
//	checksum       1 byte   sum mod 256 of every preceding byte
//
// Encode and Decode are pure functions and safe for concurrent use.
// The checksum only detects accidental corruption; it offers no protection
// against deliberate tampering.
package wiremsg

import (
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"
)

// Format constants.
const (
	// Version is the only version byte this package reads or writes.
	Version byte = 1
	// MaxHeaderLength is the maximum length in bytes of a header key or value.
	MaxHeaderLength = 1023
	// MaxHeaderCount is the maximum number of headers in a message.
	MaxHeaderCount = 63
	// MaxPayloadLength is the maximum payload length in bytes.
	MaxPayloadLength = 256 * 1024
	// MinFrameLength is the size of a frame with no headers and no payload:
	// version, header count, payload length and checksum.
	MinFrameLength = 1 + 1 + 4 + 1
	// MaxFrameLength is the size of the largest frame Encode can produce.
	MaxFrameLength = MinFrameLength + MaxHeaderCount*2*(2+MaxHeaderLength) + MaxPayloadLength
)

// Codec converts messages to and from their wire representation.
type Codec interface {
	Encode(m *Message) ([]byte, error)
	Decode(data []byte) (*Message, error)
}

// Binary is the stateless Codec for the wire format described in the
// package documentation.
type Binary struct{}

var _ Codec = Binary{}

// Encode implements Codec.
func (Binary) Encode(m *Message) ([]byte, error) { return Encode(m) }

// Decode implements Codec.
func (Binary) Decode(data []byte) (*Message, error) { return Decode(data) }

// Encode returns the wire representation of m. Headers are written in
// ascending key order, so equal messages always produce identical bytes.
// m is not modified.
func Encode(m *Message) ([]byte, error) {
	if m == nil || m.IsEmpty() {
		return nil, errors.WithStack(ErrEmptyMessage)
	}

	size, err := encodedLen(m)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(m.Headers))
	for k := range m.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := make([]byte, 0, size)
	buf = append(buf, Version, byte(len(keys)))
	for _, k := range keys {
		buf = appendText(buf, k)
		buf = appendText(buf, m.Headers[k])
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(m.Payload)))
	buf = append(buf, m.Payload...)
	buf = append(buf, Checksum(buf))

	return buf, nil
}

// encodedLen validates m against the format limits and returns the exact
// size of its encoding.
func encodedLen(m *Message) (int, error) {
	if len(m.Headers) > MaxHeaderCount {
		return 0, errors.Wrapf(ErrLimitExceeded, "header count too large (%d > %d)",
			len(m.Headers), MaxHeaderCount)
	}

	size := MinFrameLength
	for k, v := range m.Headers {
		if err := validateText(k); err != nil {
			return 0, errors.WithMessagef(err, "header %.32q", k)
		}
		if err := validateText(v); err != nil {
			return 0, errors.WithMessagef(err, "value of header %.32q", k)
		}
		size += 2 + len(k) + 2 + len(v)
	}

	if len(m.Payload) > MaxPayloadLength {
		return 0, errors.Wrapf(ErrLimitExceeded, "payload too large (%d > %d)",
			len(m.Payload), MaxPayloadLength)
	}

	return size + len(m.Payload), nil
}

func validateText(s string) error {
	if len(s) > MaxHeaderLength {
		return errors.Wrapf(ErrLimitExceeded, "header key or value too long (%d > %d)",
			len(s), MaxHeaderLength)
	}
	if i := nonASCII(s); i >= 0 {
		return errors.Wrapf(ErrNonASCII, "byte 0x%02x at offset %d", s[i], i)
	}
	return nil
}

// nonASCII returns the offset of the first byte outside 7-bit ASCII, or -1.
func nonASCII[T string | []byte](s T) int {
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7f {
			return i
		}
	}
	return -1
}

func appendText(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// Decode parses a complete frame. The version byte is checked first and
// the checksum second; no other field is read before both pass.
// The returned message does not share memory with data.
func Decode(data []byte) (*Message, error) {
	if len(data) == 0 {
		return nil, errors.Wrap(ErrTruncated, "missing version byte")
	}
	if data[0] != Version {
		return nil, errors.Wrapf(ErrUnsupportedVersion, "version %d", data[0])
	}
	if len(data) < 2 {
		return nil, errors.Wrap(ErrTruncated, "missing checksum byte")
	}

	body, sum := data[:len(data)-1], data[len(data)-1]
	if got := Checksum(body); got != sum {
		return nil, errors.Wrapf(ErrChecksumMismatch, "computed 0x%02x, frame carries 0x%02x", got, sum)
	}

	r := reader{buf: body, off: 1}

	count := r.uint8("header count")
	if r.err == nil && count > MaxHeaderCount {
		return nil, errors.Wrapf(ErrLimitExceeded, "header count too large (%d > %d)", count, MaxHeaderCount)
	}

	headers := make(map[string]string, count)
	for i := 0; i < int(count) && r.err == nil; i++ {
		key := r.text("header key")
		value := r.text("header value")
		if r.err != nil {
			break
		}
		if _, dup := headers[key]; dup {
			return nil, errors.Wrapf(ErrMalformed, "duplicate header %.32q", key)
		}
		headers[key] = value
	}

	n := r.uint32("payload length")
	if r.err == nil && n > MaxPayloadLength {
		return nil, errors.Wrapf(ErrLimitExceeded, "payload too large (%d > %d)", n, MaxPayloadLength)
	}
	raw := r.bytes(int(n), "payload")
	if r.err != nil {
		return nil, r.err
	}
	if rest := len(body) - r.off; rest != 0 {
		return nil, errors.Wrapf(ErrMalformed, "%d trailing bytes", rest)
	}
	if len(headers) == 0 && n == 0 {
		return nil, errors.WithStack(ErrEmptyMessage)
	}

	payload := make([]byte, n)
	copy(payload, raw)

	return &Message{Headers: headers, Payload: payload}, nil
}

// reader walks a frame body. The first failure is sticky: later calls
// return zero values and leave err untouched.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) bytes(n int, field string) []byte {
	if r.err != nil {
		return nil
	}
	if n > len(r.buf)-r.off {
		r.err = errors.Wrapf(ErrTruncated, "%s needs %d bytes at offset %d, %d left",
			field, n, r.off, len(r.buf)-r.off)
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) uint8(field string) uint8 {
	if b := r.bytes(1, field); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) uint16(field string) uint16 {
	if b := r.bytes(2, field); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *reader) uint32(field string) uint32 {
	if b := r.bytes(4, field); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *reader) text(field string) string {
	n := r.uint16(field + " length")
	if r.err != nil {
		return ""
	}
	if n > MaxHeaderLength {
		r.err = errors.Wrapf(ErrLimitExceeded, "%s too long (%d > %d)", field, n, MaxHeaderLength)
		return ""
	}
	b := r.bytes(int(n), field)
	if r.err != nil {
		return ""
	}
	if i := nonASCII(b); i >= 0 {
		r.err = errors.Wrapf(ErrNonASCII, "%s byte 0x%02x at offset %d", field, b[i], i)
		return ""
	}
	return string(b)
}
