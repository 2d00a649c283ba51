package wiremsg

// Message is the unit carried by the wire format: an unordered set of
// string headers and an opaque payload.
//
// A Message with no headers and an empty payload cannot be encoded.
type Message struct {
	Headers map[string]string
	Payload []byte
}

// NewMessage creates a message with the given payload and headers.
// The headers map is copied; a nil map yields an empty header set.
func NewMessage(payload []byte, headers map[string]string) *Message {
	m := &Message{
		Headers: make(map[string]string, len(headers)),
		Payload: payload,
	}
	for k, v := range headers {
		m.Headers[k] = v
	}
	return m
}

// Header returns the value stored under key.
func (m *Message) Header(key string) (string, bool) {
	v, ok := m.Headers[key]
	return v, ok
}

// SetHeader stores value under key, replacing any previous value.
func (m *Message) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[key] = value
}

// Length returns the length of the payload.
func (m *Message) Length() int {
	return len(m.Payload)
}

// Body returns the raw payload.
func (m *Message) Body() []byte {
	return m.Payload
}

// IsEmpty reports whether the message has neither headers nor payload.
func (m *Message) IsEmpty() bool {
	return len(m.Headers) == 0 && len(m.Payload) == 0
}

// Clone returns a deep copy of m.
func (m *Message) Clone() *Message {
	c := NewMessage(nil, m.Headers)
	if m.Payload != nil {
		c.Payload = append([]byte{}, m.Payload...)
	}
	return c
}
