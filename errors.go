package wiremsg

import (
	"github.com/pkg/errors"
)

// Errors returned by Encode and Decode. They are always wrapped with
// context, so compare with errors.Is.
var (
	// ErrEmptyMessage is returned when a message has no headers and no payload.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrLimitExceeded is returned when a header count, header length or
	// payload length is above its maximum.
	ErrLimitExceeded = errors.New("limit exceeded")
	// ErrNonASCII is returned when a header key or value is not 7-bit ASCII.
	ErrNonASCII = errors.New("header text is not ascii")
	// ErrUnsupportedVersion is returned when the version byte is not Version.
	ErrUnsupportedVersion = errors.New("unsupported version")
	// ErrChecksumMismatch is returned when the trailing checksum byte does
	// not match the buffer contents.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrTruncated is returned when a declared field runs past the end of
	// the buffer.
	ErrTruncated = errors.New("truncated buffer")
	// ErrMalformed is returned for buffers that are structurally
	// inconsistent, such as trailing bytes or duplicate header keys.
	ErrMalformed = errors.New("malformed buffer")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrEmptyMessage, "empty_message"},
	{ErrLimitExceeded, "limit_exceeded"},
	{ErrNonASCII, "non_ascii"},
	{ErrUnsupportedVersion, "unsupported_version"},
	{ErrChecksumMismatch, "checksum_mismatch"},
	{ErrTruncated, "truncated"},
	{ErrMalformed, "malformed"},
}

// KindOf returns a stable label for a codec error, suitable for metric
// labels and log fields. Errors that did not come from the codec map to
// "unknown"; nil maps to "".
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "unknown"
}
