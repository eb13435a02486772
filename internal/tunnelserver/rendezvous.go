package tunnelserver

import (
	"fmt"
	"net"
	"sync"

	"github.com/otun-project/otun/internal/protocol"
)

// rendezvousHub pairs an inbound HTTP session (by session id) with the
// tunnel client's data connection dialed in response to the server's
// CONNECT notification. A single long-lived listener on the data port
// accepts every client-initiated data connection; the hub demultiplexes
// by the session id carried in that connection's ACCEPT handshake rather
// than by accept order, since sessions from concurrent requests may race.
type rendezvousHub struct {
	mu      sync.Mutex
	waiters map[uint32]chan net.Conn
}

func newRendezvousHub() *rendezvousHub {
	return &rendezvousHub{waiters: make(map[uint32]chan net.Conn)}
}

// await registers a waiter for sessionID and returns a channel that
// receives the matching data connection once the client dials in and
// completes its ACCEPT handshake. The caller must call cancel when done.
func (h *rendezvousHub) await(sessionID uint32) (ch chan net.Conn, cancel func()) {
	ch = make(chan net.Conn, 1)
	h.mu.Lock()
	h.waiters[sessionID] = ch
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		delete(h.waiters, sessionID)
		h.mu.Unlock()
	}
}

// deliver hands conn to the waiter registered for sessionID, if any. It
// returns false (and leaves conn for the caller to close) when nothing is
// waiting.
func (h *rendezvousHub) deliver(sessionID uint32, conn net.Conn) bool {
	h.mu.Lock()
	ch, ok := h.waiters[sessionID]
	h.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- conn:
		return true
	default:
		return false
	}
}

// acceptData runs the data port's accept loop for the lifetime of the
// server: each inbound connection must open with an ACCEPT frame carrying
// the session id it is rendezvousing for.
func (s *Server) acceptData(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("tunnelserver: accept data: %w", err)
		}
		go s.handleDataConn(conn)
	}
}

func (s *Server) handleDataConn(conn net.Conn) {
	msg, err := protocol.Recv(conn, protocol.MaxPayload)
	if err != nil || msg.Type != protocol.MsgAccept {
		conn.Close()
		return
	}
	if !s.rendezvous.deliver(msg.SessionID, conn) {
		conn.Close()
	}
}
