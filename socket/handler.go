package socket

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/Zereker/wiremsg"
)

// MessageHandlerFunc is invoked for every message decoded on conn.
// Returning an error closes conn.
type MessageHandlerFunc func(conn *Conn, m *wiremsg.Message) error

// MessageHandler is a Handler that wraps every accepted connection in a Conn,
// runs it until it closes, and keeps track of the live ones.
type MessageHandler struct {
	ctx    context.Context
	fn     MessageHandlerFunc
	opts   []Option
	logger Logger

	nextID atomic.Int64

	mu    sync.RWMutex
	conns map[int64]*Conn
}

// NewMessageHandler returns a MessageHandler whose connections run under ctx.
// opts are applied to every Conn; OnMessageOption is set by the handler.
func NewMessageHandler(ctx context.Context, fn MessageHandlerFunc, opts ...Option) *MessageHandler {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = defaultLogger()
	}

	return &MessageHandler{
		ctx:    ctx,
		fn:     fn,
		opts:   opts,
		logger: logger,
		conns:  make(map[int64]*Conn),
	}
}

// Handle implements Handler. It blocks until the connection is closed.
func (h *MessageHandler) Handle(raw *net.TCPConn) {
	id := h.nextID.Add(1)

	var conn *Conn
	opts := append(append([]Option{}, h.opts...), OnMessageOption(func(m *wiremsg.Message) error {
		return h.fn(conn, m)
	}))

	conn, err := NewConn(raw, opts...)
	if err != nil {
		h.logger.Error("failed to create connection", "conn_id", id, "error", err)
		_ = raw.Close()
		return
	}

	h.add(id, conn)
	defer h.remove(id)

	_ = conn.Run(h.ctx)
}

// Len returns the number of live connections.
func (h *MessageHandler) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Broadcast queues m on every live connection without blocking and returns
// how many connections accepted it.
func (h *MessageHandler) Broadcast(m *wiremsg.Message) (int, error) {
	data, err := wiremsg.Encode(m)
	if err != nil {
		return 0, err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	for id, conn := range h.conns {
		if err := conn.writeRaw(data); err != nil {
			h.logger.Debug("broadcast skipped connection", "conn_id", id, "error", err)
			continue
		}
		sent++
	}
	return sent, nil
}

// Close closes every live connection.
func (h *MessageHandler) Close() {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, conn := range h.conns {
		_ = conn.Close()
	}
}

func (h *MessageHandler) add(id int64, conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.logger.Info("add new conn", "conn_id", id, "addr", conn.Addr())
	h.conns[id] = conn
}

func (h *MessageHandler) remove(id int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.conns, id)
}
