package tunnelserver

import (
	"fmt"
	"net"
	"sync"

	"github.com/hashicorp/yamux"

	"github.com/otun-project/otun/internal/protocol"
)

// muxDataHub implements the UseMuxData alternate data-channel mode: instead
// of the client dialing a fresh data connection per session, each
// registered client holds one persistent yamux session multiplexed over a
// single TCP connection, and each tunnel session becomes a yamux stream
// opened on demand.
type muxDataHub struct {
	mu       sync.RWMutex
	sessions map[string]*yamux.Session // keyed by subdomain
}

func newMuxDataHub() *muxDataHub {
	return &muxDataHub{sessions: make(map[string]*yamux.Session)}
}

// register wraps a client's dedicated mux connection in a yamux server
// session and stores it under subdomain.
func (h *muxDataHub) register(subdomain string, conn net.Conn) (*yamux.Session, error) {
	session, err := yamux.Server(conn, yamux.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("tunnelserver: yamux server session: %w", err)
	}
	h.mu.Lock()
	h.sessions[subdomain] = session
	h.mu.Unlock()
	return session, nil
}

func (h *muxDataHub) unregister(subdomain string) {
	h.mu.Lock()
	session, ok := h.sessions[subdomain]
	delete(h.sessions, subdomain)
	h.mu.Unlock()
	if ok {
		session.Close()
	}
}

// openStream opens a new yamux stream for subdomain's client session,
// standing in for the dialed data connection used by the default wire
// protocol.
func (h *muxDataHub) openStream(subdomain string) (net.Conn, error) {
	h.mu.RLock()
	session, ok := h.sessions[subdomain]
	h.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tunnelserver: no mux session for %q", subdomain)
	}
	stream, err := session.OpenStream()
	if err != nil {
		return nil, fmt.Errorf("tunnelserver: open yamux stream: %w", err)
	}
	return stream, nil
}

// acceptMuxData runs the data port's accept loop in UseMuxData mode. Each
// accepted connection must open with one ACCEPT frame naming the owning
// subdomain (carried in Payload) before handing the connection off to
// yamux as the transport for that client's persistent session.
func (s *Server) acceptMuxData(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("tunnelserver: accept mux data: %w", err)
		}
		go s.handleMuxDataConn(conn)
	}
}

func (s *Server) handleMuxDataConn(conn net.Conn) {
	msg, err := protocol.Recv(conn, protocol.MaxPayload)
	if err != nil || msg.Type != protocol.MsgAccept {
		conn.Close()
		return
	}
	subdomain := string(msg.Payload)
	if _, ok := s.reg.lookup(subdomain); !ok {
		conn.Close()
		return
	}
	if _, err := s.mux.register(subdomain, conn); err != nil {
		conn.Close()
	}
}
