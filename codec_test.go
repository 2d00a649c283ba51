package wiremsg

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// frame concatenates parts and appends the checksum, producing buffers that
// pass the integrity check so structural validation can be exercised.
func frame(parts ...[]byte) []byte {
	b := bytes.Join(parts, nil)
	return append(b, Checksum(b))
}

func u16(n int) []byte { return binary.LittleEndian.AppendUint16(nil, uint16(n)) }
func u32(n int) []byte { return binary.LittleEndian.AppendUint32(nil, uint32(n)) }

func headersN(n int) map[string]string {
	h := make(map[string]string, n)
	for i := 0; i < n; i++ {
		h[fmt.Sprintf("X-Header-%d", i)] = "value"
	}
	return h
}

func TestEncode_ContentTypeVector(t *testing.T) {
	m := NewMessage([]byte{0x01, 0x02, 0x03}, map[string]string{"Content-Type": "text/plain"})

	got, err := Encode(m)
	require.NoError(t, err)

	want := []byte{0x01, 0x01, 0x0c, 0x00}
	want = append(want, "Content-Type"...)
	want = append(want, 0x0a, 0x00)
	want = append(want, "text/plain"...)
	want = append(want, 0x03, 0x00, 0x00, 0x00, 0x01, 0x02, 0x03, 0xd3)
	assert.Equal(t, want, got)

	decoded, err := Decode(got)
	require.NoError(t, err)
	assert.Equal(t, m.Headers, decoded.Headers)
	assert.Equal(t, m.Payload, decoded.Payload)
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
	}{
		{"headers and payload", NewMessage([]byte{0x01, 0x02, 0x03, 0x04, 0x05}, map[string]string{
			"Content-Type":         "text/plain",
			"X-Custom-Header":      "CustomValue",
			"X-Another-Header":     "AnotherValue",
			"X-Yet-Another-Header": "YetAnotherValue",
		})},
		{"special characters", NewMessage([]byte{0x01, 0x02, 0x03}, map[string]string{
			"Weird-Header": "ValueWithSpecialChars!@#$%^&*()",
		})},
		{"headers only", NewMessage([]byte{}, map[string]string{"Header": "Value"})},
		{"payload only", NewMessage([]byte("just a payload"), nil)},
		{"empty key and value", NewMessage([]byte{}, map[string]string{"": ""})},
		{"control characters", NewMessage([]byte{0}, map[string]string{"\x00\t": "\r\n\x7f"})},
		{"max headers", NewMessage([]byte{0xff}, headersN(MaxHeaderCount))},
		{"max lengths", NewMessage(make([]byte, MaxPayloadLength), map[string]string{
			strings.Repeat("K", MaxHeaderLength): strings.Repeat("V", MaxHeaderLength),
		})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.msg)
			require.NoError(t, err)

			got, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, tt.msg.Headers, got.Headers)
			assert.Equal(t, tt.msg.Payload, got.Payload)
			assert.NotNil(t, got.Payload)
		})
	}
}

func TestBinary_Codec(t *testing.T) {
	var c Codec = Binary{}
	m := NewMessage([]byte("payload"), map[string]string{"k": "v"})

	data, err := c.Encode(m)
	require.NoError(t, err)

	got, err := c.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, m.Headers, got.Headers)
	assert.Equal(t, m.Payload, got.Payload)
}

func TestEncode_EmptyMessage(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
	}{
		{"nil message", nil},
		{"zero value", &Message{}},
		{"empty map and slice", &Message{Headers: map[string]string{}, Payload: []byte{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encode(tt.msg)
			require.ErrorIs(t, err, ErrEmptyMessage)
			assert.Contains(t, err.Error(), "message is empty")
		})
	}
}

func TestEncode_HeaderCount(t *testing.T) {
	_, err := Encode(NewMessage(nil, headersN(MaxHeaderCount)))
	require.NoError(t, err)

	_, err = Encode(NewMessage([]byte{1, 2, 3, 4, 5}, headersN(MaxHeaderCount+1)))
	require.ErrorIs(t, err, ErrLimitExceeded)
	assert.Contains(t, err.Error(), "header count too large")
}

func TestEncode_HeaderLength(t *testing.T) {
	atLimit := strings.Repeat("K", MaxHeaderLength)
	overLimit := strings.Repeat("K", MaxHeaderLength+1)

	tests := []struct {
		name    string
		headers map[string]string
		wantErr bool
	}{
		{"key at limit", map[string]string{atLimit: "value"}, false},
		{"value at limit", map[string]string{"key": atLimit}, false},
		{"key too long", map[string]string{overLimit: "value"}, true},
		{"value too long", map[string]string{"key": overLimit}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encode(NewMessage(nil, tt.headers))
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrLimitExceeded)
			assert.Contains(t, err.Error(), "header key or value too long")
		})
	}
}

func TestEncode_PayloadLength(t *testing.T) {
	_, err := Encode(NewMessage(make([]byte, MaxPayloadLength), nil))
	require.NoError(t, err)

	_, err = Encode(NewMessage(make([]byte, MaxPayloadLength+1), nil))
	require.ErrorIs(t, err, ErrLimitExceeded)
	assert.Contains(t, err.Error(), "payload too large")

	_, err = Encode(NewMessage(make([]byte, 257*1024), map[string]string{}))
	require.ErrorIs(t, err, ErrLimitExceeded)
}

func TestEncode_NonASCII(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
	}{
		{"key", map[string]string{"Überschrift": "value"}},
		{"value", map[string]string{"key": "naïve"}},
		{"high byte", map[string]string{"key": "\x80"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encode(NewMessage([]byte{1}, tt.headers))
			assert.ErrorIs(t, err, ErrNonASCII)
		})
	}
}

func TestEncode_Deterministic(t *testing.T) {
	a := &Message{Headers: map[string]string{}, Payload: []byte("p")}
	b := &Message{Headers: map[string]string{}, Payload: []byte("p")}
	for i := 0; i < 20; i++ {
		a.SetHeader(fmt.Sprintf("h%02d", i), "v")
		b.SetHeader(fmt.Sprintf("h%02d", 19-i), "v")
	}

	first, err := Encode(a)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Encode(b)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestEncode_DoesNotMutate(t *testing.T) {
	m := NewMessage([]byte{9, 8, 7}, map[string]string{"a": "1", "b": "2"})
	before := m.Clone()

	_, err := Encode(m)
	require.NoError(t, err)
	assert.Equal(t, before, m)
}

func TestDecode_Version(t *testing.T) {
	valid, err := Encode(NewMessage([]byte{1}, map[string]string{"k": "v"}))
	require.NoError(t, err)

	wrong := append([]byte{}, valid...)
	wrong[0] = 2
	wrong[len(wrong)-1]++ // keep the checksum consistent

	tests := []struct {
		name string
		data []byte
	}{
		{"single 0xff", []byte{0xff}},
		{"zero version", []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}},
		{"otherwise valid frame", wrong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			require.ErrorIs(t, err, ErrUnsupportedVersion)
			assert.Contains(t, err.Error(), "unsupported version")
		})
	}
}

func TestDecode_Truncated(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"nil", nil},
		{"version only", []byte{Version}},
		{"no header count", frame([]byte{Version})},
		{"missing key", frame([]byte{Version, 1}, u16(4), []byte("ab"))},
		{"missing value length", frame([]byte{Version, 1}, u16(1), []byte("a"))},
		{"missing payload length", frame([]byte{Version, 0}, []byte{3, 0})},
		{"payload shorter than declared", frame([]byte{Version, 0}, u32(10), []byte{1, 2, 3})},
		{"fewer headers than declared", frame([]byte{Version, 2}, u16(1), []byte("a"), u16(1), []byte("b"), u32(0))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Decode(tt.data)
			require.ErrorIs(t, err, ErrTruncated)
			assert.Nil(t, m)
		})
	}
}

func TestDecode_ChecksumMismatch(t *testing.T) {
	data, err := Encode(NewMessage([]byte{0x01, 0x02, 0x03}, map[string]string{"Test": "TestValue"}))
	require.NoError(t, err)

	data[1] ^= 0xff

	_, err = Decode(data)
	require.ErrorIs(t, err, ErrChecksumMismatch)
	assert.Contains(t, err.Error(), "checksum mismatch")
}

func TestDecode_ChecksumByteFlipped(t *testing.T) {
	data, err := Encode(NewMessage([]byte{0x00, 0x01, 0x02}, map[string]string{"Header": "Value"}))
	require.NoError(t, err)

	data[len(data)-1] ^= 0xff

	_, err = Decode(data)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestDecode_NoChecksumByte(t *testing.T) {
	_, err := Decode([]byte{0x01, 0x00, 0x00})
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestDecode_SingleBitFlips(t *testing.T) {
	m := NewMessage([]byte{0x10, 0x20, 0x30}, map[string]string{"ab": "cd", "e": "f"})
	data, err := Encode(m)
	require.NoError(t, err)

	for i := range data {
		for bit := 0; bit < 8; bit++ {
			corrupt := append([]byte{}, data...)
			corrupt[i] ^= 1 << bit

			got, err := Decode(corrupt)
			require.Error(t, err, "byte %d bit %d decoded to %+v", i, bit, got)
			kind := KindOf(err)
			assert.Contains(t, []string{"checksum_mismatch", "unsupported_version"}, kind,
				"byte %d bit %d", i, bit)
		}
	}
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"trailing bytes", frame([]byte{Version, 0}, u32(1), []byte{7}, []byte{0xee})},
		{"duplicate key", frame([]byte{Version, 2},
			u16(1), []byte("a"), u16(1), []byte("x"),
			u16(1), []byte("a"), u16(1), []byte("y"),
			u32(0))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestDecode_Limits(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"header count", frame([]byte{Version, MaxHeaderCount + 1}, u32(0))},
		{"key length", frame([]byte{Version, 1}, u16(MaxHeaderLength+1), make([]byte, MaxHeaderLength+1), u16(0), u32(0))},
		{"payload length", frame([]byte{Version, 0}, u32(MaxPayloadLength+1), make([]byte, MaxPayloadLength+1))},
		{"negative payload length", frame([]byte{Version, 0}, []byte{0xff, 0xff, 0xff, 0xff})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			assert.ErrorIs(t, err, ErrLimitExceeded)
		})
	}
}

func TestDecode_NonASCII(t *testing.T) {
	data := frame([]byte{Version, 1}, u16(1), []byte{0xc3}, u16(1), []byte("v"), u32(0))

	_, err := Decode(data)
	assert.ErrorIs(t, err, ErrNonASCII)
}

func TestDecode_EmptyFrame(t *testing.T) {
	data := frame([]byte{Version, 0}, u32(0))
	require.Len(t, data, MinFrameLength)

	_, err := Decode(data)
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestDecode_EmptyPayload(t *testing.T) {
	data, err := Encode(NewMessage(nil, map[string]string{"Header": "Value"}))
	require.NoError(t, err)

	m, err := Decode(data)
	require.NoError(t, err)
	assert.Empty(t, m.Payload)
	assert.Equal(t, "Value", m.Headers["Header"])
}

func TestDecode_DoesNotAliasInput(t *testing.T) {
	data, err := Encode(NewMessage([]byte("hello"), map[string]string{"k": "v"}))
	require.NoError(t, err)

	m, err := Decode(data)
	require.NoError(t, err)

	for i := range data {
		data[i] = 0
	}
	assert.Equal(t, []byte("hello"), m.Payload)
	assert.Equal(t, "v", m.Headers["k"])
}

func TestCodec_Concurrent(t *testing.T) {
	var wg sync.WaitGroup
	errs := make(chan error, 16)

	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				m := NewMessage([]byte{byte(g), byte(i)}, map[string]string{"g": fmt.Sprint(g)})
				data, err := Encode(m)
				if err != nil {
					errs <- err
					return
				}
				got, err := Decode(data)
				if err != nil {
					errs <- err
					return
				}
				if !bytes.Equal(got.Payload, m.Payload) || got.Headers["g"] != m.Headers["g"] {
					errs <- fmt.Errorf("goroutine %d iteration %d: mismatch", g, i)
					return
				}
			}
		}(g)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestMaxFrameLength(t *testing.T) {
	h := make(map[string]string, MaxHeaderCount)
	for i := 0; i < MaxHeaderCount; i++ {
		k := fmt.Sprintf("%04d", i) + strings.Repeat("k", MaxHeaderLength-4)
		h[k] = strings.Repeat("v", MaxHeaderLength)
	}

	data, err := Encode(NewMessage(make([]byte, MaxPayloadLength), h))
	require.NoError(t, err)
	assert.Len(t, data, MaxFrameLength)
}
