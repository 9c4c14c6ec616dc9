// Package websocket carries telemetry packets as binary websocket
// messages.
package websocket

import (
	"net/http"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/net/websocket"
)

// ReadWriter wraps a websocket.Conn.
type ReadWriter websocket.Conn

// New wraps conn.
func New(conn *websocket.Conn) *ReadWriter {
	return (*ReadWriter)(conn)
}

// ReadPacket reads one binary message.
func (p *ReadWriter) ReadPacket() (pkt []byte, err error) {
	err = websocket.Message.Receive((*websocket.Conn)(p), &pkt)
	return
}

// WritePacket implements telemetry.PacketWriter.
func (p *ReadWriter) WritePacket(pkt []byte) error {
	return websocket.Message.Send((*websocket.Conn)(p), pkt)
}

// Hub broadcasts packets to all connected websocket clients.
type Hub struct {
	lock  sync.Mutex
	conns map[*websocket.Conn]chan struct{}
}

// Handler accepts clients. Each handler returns when its client fails a
// write or Close is called.
func (h *Hub) Handler() http.Handler {
	return websocket.Handler(func(conn *websocket.Conn) {
		done := make(chan struct{})
		h.lock.Lock()
		if h.conns == nil {
			h.conns = make(map[*websocket.Conn]chan struct{})
		}
		h.conns[conn] = done
		h.lock.Unlock()
		glog.V(2).Infof("websocket client %s connected", conn.Request().RemoteAddr)
		<-done
	})
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return len(h.conns)
}

// WritePacket implements telemetry.PacketWriter. Clients failing the write
// are dropped.
func (h *Hub) WritePacket(pkt []byte) error {
	h.lock.Lock()
	defer h.lock.Unlock()
	for conn, done := range h.conns {
		if err := New(conn).WritePacket(pkt); err != nil {
			glog.Warningf("websocket client dropped: %v", err)
			delete(h.conns, conn)
			close(done)
		}
	}
	return nil
}

// Close disconnects all clients.
func (h *Hub) Close() error {
	h.lock.Lock()
	defer h.lock.Unlock()
	for conn, done := range h.conns {
		delete(h.conns, conn)
		close(done)
	}
	return nil
}
