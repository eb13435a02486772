// Package tunnelserver implements the otun reverse-tunnel server: a public
// HTTP listener, a control listener for tunnel clients, and a data listener
// used for per-session rendezvous with the connected tunnel clients.
package tunnelserver

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/otun-project/otun/internal/protocol"
)

const (
	defaultMaxClients = 100

	// HeartbeatTimeout is how long a control connection may go without a
	// HEARTBEAT frame before its client is considered dead.
	HeartbeatTimeout = 30 * time.Second

	// servingReadTimeout bounds each read in the SERVING loop so the
	// heartbeat watchdog gets evaluated regularly even when the client is
	// silent.
	servingReadTimeout = 5 * time.Second

	// RendezvousTimeout bounds how long the server waits on the data port
	// for the tunnel client to dial in for a given session.
	RendezvousTimeout = 5 * time.Second

	// IdleTimeout bounds an established session's splice phase.
	IdleTimeout = 30 * time.Second

	// maxHeaderBytes caps how much of an inbound HTTP request the server
	// will buffer while looking for the end of the headers.
	maxHeaderBytes = 64 * 1024
)

// Server is the otun tunnel server.
type Server struct {
	HTTPAddr    string
	ControlAddr string
	DataAddr    string // if empty, derived from ControlAddr's port + 1
	Zone        string // base domain appended to subdomains, e.g. "tunnel.example.com"
	Tokens      []string // non-empty enables token auth; empty means no auth required
	MaxClients  int

	// UseMuxData switches the data channel to a single persistent yamux
	// session per client instead of one dialed connection per session.
	// Default false: dial-and-rendezvous per session.
	UseMuxData bool

	reg        *registry
	rendezvous *rendezvousHub
	mux        *muxDataHub
}

// New creates a Server with the given listener addresses and tunnel zone.
func New(httpAddr, controlAddr, dataAddr, zone string, tokens []string) *Server {
	return &Server{
		HTTPAddr:    httpAddr,
		ControlAddr: controlAddr,
		DataAddr:    dataAddr,
		Zone:        zone,
		Tokens:      tokens,
		MaxClients:  defaultMaxClients,
	}
}

// Run starts all three listeners and blocks until one of them fails
// fatally.
func (s *Server) Run() error {
	s.reg = newRegistry(s.MaxClients)
	s.rendezvous = newRendezvousHub()
	if s.UseMuxData {
		s.mux = newMuxDataHub()
	}

	dataAddr := s.DataAddr
	if dataAddr == "" {
		dataAddr = derivedDataAddr(s.ControlAddr)
	}

	controlLn, err := net.Listen("tcp", s.ControlAddr)
	if err != nil {
		return fmt.Errorf("tunnelserver: listen control %s: %w", s.ControlAddr, err)
	}
	defer controlLn.Close()
	slog.Info("control listener started", "addr", controlLn.Addr())

	httpLn, err := net.Listen("tcp", s.HTTPAddr)
	if err != nil {
		return fmt.Errorf("tunnelserver: listen http %s: %w", s.HTTPAddr, err)
	}
	defer httpLn.Close()
	slog.Info("http listener started", "addr", httpLn.Addr())

	dataLn, err := net.Listen("tcp", dataAddr)
	if err != nil {
		return fmt.Errorf("tunnelserver: listen data %s: %w", dataAddr, err)
	}
	defer dataLn.Close()
	slog.Info("data listener started", "addr", dataLn.Addr())

	errCh := make(chan error, 3)

	go func() {
		errCh <- s.acceptControl(controlLn)
	}()
	go func() {
		errCh <- s.acceptHTTP(httpLn)
	}()
	if s.UseMuxData {
		go func() {
			errCh <- s.acceptMuxData(dataLn)
		}()
	} else {
		go func() {
			errCh <- s.acceptData(dataLn)
		}()
	}

	return <-errCh
}

// derivedDataAddr computes the default data port as control-port+1.
func derivedDataAddr(controlAddr string) string {
	host, port, err := net.SplitHostPort(controlAddr)
	if err != nil {
		return controlAddr
	}
	var p int
	if _, err := fmt.Sscanf(port, "%d", &p); err != nil {
		return controlAddr
	}
	return net.JoinHostPort(host, fmt.Sprintf("%d", p+1))
}

func (s *Server) acceptControl(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("tunnelserver: accept control: %w", err)
		}
		go s.handleControlConn(conn)
	}
}

// handleControlConn drives one client through the AWAIT_CONNECT -> ASSIGNED
// -> SERVING -> TERMINATED state machine.
func (s *Server) handleControlConn(conn net.Conn) {
	reg, err := s.awaitConnect(conn)
	if err != nil {
		slog.Warn("control connection rejected", "remote", conn.RemoteAddr(), "error", err)
		conn.Close()
		return
	}

	slog.Info("tunnel registered", "subdomain", reg.subdomain, "remote", conn.RemoteAddr())
	defer func() {
		s.reg.remove(reg.subdomain)
		if s.UseMuxData {
			s.mux.unregister(reg.subdomain)
		}
		conn.Close()
		slog.Info("tunnel unregistered", "subdomain", reg.subdomain)
	}()

	s.serve(reg)
}

// awaitConnect implements the AWAIT_CONNECT and ASSIGNED phases: read
// exactly one framed message (must be CONNECT), validate capacity and
// token, assign a subdomain, register the client, and reply with
// ASSIGN_DOMAIN.
func (s *Server) awaitConnect(conn net.Conn) (*registration, error) {
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	msg, err := protocol.Recv(conn, protocol.MaxPayload)
	if err != nil {
		return nil, fmt.Errorf("read connect: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	if msg.Type != protocol.MsgConnect {
		protocol.Send(conn, protocol.MsgReject, 0, []byte("expected CONNECT"))
		return nil, fmt.Errorf("expected CONNECT, got %s", msg.Type)
	}

	req, err := protocol.DecodeConnectRequest(msg.Payload)
	if err != nil {
		protocol.Send(conn, protocol.MsgReject, 0, []byte("malformed connect request"))
		return nil, err
	}

	if !s.tokenAllowed(req.Token) {
		protocol.Send(conn, protocol.MsgReject, 0, []byte("invalid or missing token"))
		return nil, fmt.Errorf("invalid or missing token")
	}

	if s.reg.full() {
		protocol.Send(conn, protocol.MsgReject, 0, []byte("server at capacity"))
		return nil, fmt.Errorf("registry at capacity")
	}

	reg := &registration{token: req.Token, conn: conn, lastHeartbeat: time.Now(), active: true}
	subdomain, err := s.reg.reserve(req.Subdomain, reg)
	if err != nil {
		protocol.Send(conn, protocol.MsgReject, 0, []byte(err.Error()))
		return nil, err
	}

	assignment := protocol.DomainAssignment{
		PublicURL:  s.publicURL(subdomain),
		PublicPort: publicPortFromAddr(s.HTTPAddr),
	}
	payload, err := protocol.EncodeDomainAssignment(assignment)
	if err != nil {
		s.reg.remove(subdomain)
		return nil, err
	}
	if err := protocol.Send(conn, protocol.MsgAssignDomain, 0, payload); err != nil {
		s.reg.remove(subdomain)
		return nil, fmt.Errorf("send assign_domain: %w", err)
	}

	return reg, nil
}

func (s *Server) tokenAllowed(token string) bool {
	if len(s.Tokens) == 0 {
		return true
	}
	for _, t := range s.Tokens {
		if t == token {
			return true
		}
	}
	return false
}

func (s *Server) publicURL(subdomain string) string {
	if s.Zone == "" {
		return fmt.Sprintf("http://%s.localhost%s", subdomain, s.HTTPAddr)
	}
	return fmt.Sprintf("http://%s.%s", subdomain, s.Zone)
}

func publicPortFromAddr(addr string) int32 {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	var p int32
	fmt.Sscanf(port, "%d", &p)
	return p
}

// serve implements the SERVING phase: loop reading framed messages with a
// short receive timeout so the heartbeat watchdog can be evaluated even
// when the client sends nothing.
func (s *Server) serve(reg *registration) {
	for {
		reg.conn.SetReadDeadline(time.Now().Add(servingReadTimeout))
		msg, err := protocol.Recv(reg.conn, protocol.MaxPayload)
		if err != nil {
			if isTimeout(err) {
				if reg.heartbeatAge() > HeartbeatTimeout {
					slog.Info("heartbeat watchdog fired", "subdomain", reg.subdomain)
					return
				}
				continue
			}
			slog.Debug("control connection closed", "subdomain", reg.subdomain, "error", err)
			return
		}

		switch msg.Type {
		case protocol.MsgHeartbeat:
			reg.touchHeartbeat()
		case protocol.MsgClose:
			return
		default:
			slog.Warn("unexpected control message", "subdomain", reg.subdomain, "type", msg.Type)
		}
	}
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	var t timeouter
	for e := err; e != nil; {
		if te, ok := e.(timeouter); ok {
			t = te
			break
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return t != nil && t.Timeout()
}

// randomHex returns n random bytes encoded as a hex string.
func randomHex(n int) string {
	buf := make([]byte, n)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}
