// Package router implements the per-device newline-delimited packet
// dispatcher: it buffers partial lines per connection, splits complete
// packets out of arbitrary read chunks, and dispatches by packet type
// (spec.md §4.F).
package router

import (
	"bytes"
	"sync"

	"github.com/hansonxyz/xyzconnect-sub001/internal/pairing"
	"github.com/hansonxyz/xyzconnect-sub001/internal/wire"
	"go.uber.org/zap"
)

// Handler processes one dispatched packet from conn.
type Handler func(conn pairing.PeerConn, p wire.Packet)

// Router owns the handler table and the per-device partial-line buffers.
type Router struct {
	log *zap.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	buffers  map[string][]byte
}

// New constructs an empty Router.
func New(log *zap.Logger) *Router {
	return &Router{
		log:      log,
		handlers: make(map[string]Handler),
		buffers:  make(map[string][]byte),
	}
}

// RegisterHandler binds a Handler to a packet type. Registering the same
// type twice replaces the prior handler.
func (r *Router) RegisterHandler(packetType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[packetType] = h
}

// Route appends chunk to conn's device's partial-line buffer, splits
// complete newline-terminated packets out, and dispatches each by type.
// A read chunk may contain zero, one, or many complete packets, and a
// packet may itself be split across multiple Route calls; both cases are
// handled by the buffer.
func (r *Router) Route(deviceID string, conn pairing.PeerConn, chunk []byte) {
	r.mu.Lock()
	buf := append(r.buffers[deviceID], chunk...)

	var lines [][]byte
	for {
		idx := bytes.IndexByte(buf, '\n')
		if idx < 0 {
			break
		}
		lines = append(lines, buf[:idx])
		buf = buf[idx+1:]
	}
	r.buffers[deviceID] = buf

	type dispatch struct {
		handler Handler
		pkt     wire.Packet
	}
	var toRun []dispatch
	for _, line := range lines {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		pkt, err := wire.Parse(line)
		if err != nil {
			r.log.Warn("dropping unparseable packet", zap.String("deviceId", deviceID), zap.Error(err))
			continue
		}
		h, ok := r.handlers[pkt.Type]
		if !ok {
			r.log.Debug("no handler for packet type", zap.String("deviceId", deviceID), zap.String("type", pkt.Type))
			continue
		}
		toRun = append(toRun, dispatch{handler: h, pkt: pkt})
	}
	r.mu.Unlock()

	for _, d := range toRun {
		d.handler(conn, d.pkt)
	}
}

// ResetBuffer discards any partial line buffered for deviceID. Called on
// disconnect so a later reconnect starts clean.
func (r *Router) ResetBuffer(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.buffers, deviceID)
}
