package tunnelserver

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/otun-project/otun/internal/protocol"
)

const notFoundBody = `<html><body><h1>404 Not Found</h1><p>No tunnel registered for this host.</p></body></html>`

func (s *Server) acceptHTTP(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("tunnelserver: accept http: %w", err)
		}
		go s.handlePublicConn(conn)
	}
}

// handlePublicConn parses just enough of the request to find Host, looks up
// the registration, rendezvous with a fresh data connection, forwards the
// already-buffered request bytes, then splices the rest of the connection.
func (s *Server) handlePublicConn(conn net.Conn) {
	defer conn.Close()

	r, headerBytes, host, err := readRequestHeaders(conn, maxHeaderBytes)
	if err != nil {
		writeStatus(conn, 400, "Bad Request", "Malformed or oversized request headers")
		return
	}

	subdomain := extractSubdomain(host)
	if subdomain == "" {
		writeStatus(conn, 400, "Bad Request", "Missing or malformed Host header")
		return
	}

	reg, ok := s.reg.lookup(subdomain)
	if !ok {
		writeNotFound(conn)
		return
	}

	sessionID := reg.nextSession()
	dataConn, err := s.openDataConn(reg, sessionID)
	if err != nil {
		slog.Debug("rendezvous failed", "subdomain", subdomain, "session", sessionID, "error", err)
		writeStatus(conn, 504, "Gateway Timeout", "Tunnel client did not respond")
		return
	}
	defer dataConn.Close()

	if err := protocol.Send(dataConn, protocol.MsgData, sessionID, headerBytes); err != nil {
		slog.Debug("forward request bytes failed", "subdomain", subdomain, "session", sessionID, "error", err)
		return
	}

	spliceServerSide(conn, r, dataConn, sessionID)
}

// openDataConn obtains the data connection for a new session, either via
// the default dial-and-rendezvous protocol or, in UseMuxData mode, by
// opening a yamux stream on the client's persistent mux session.
func (s *Server) openDataConn(reg *registration, sessionID uint32) (net.Conn, error) {
	if s.UseMuxData {
		return s.mux.openStream(reg.subdomain)
	}
	return s.rendezvousSession(reg, sessionID)
}

// rendezvousSession notifies the client of a new session and waits (with
// RendezvousTimeout) for the client's matching data connection.
func (s *Server) rendezvousSession(reg *registration, sessionID uint32) (net.Conn, error) {
	ch, cancel := s.rendezvous.await(sessionID)
	defer cancel()

	if err := protocol.Send(reg.conn, protocol.MsgConnect, sessionID, nil); err != nil {
		return nil, fmt.Errorf("notify client: %w", err)
	}

	select {
	case conn := <-ch:
		return conn, nil
	case <-time.After(RendezvousTimeout):
		return nil, fmt.Errorf("rendezvous timed out after %s", RendezvousTimeout)
	}
}

// readRequestHeaders reads raw bytes off conn until the blank line that ends
// the HTTP headers (or maxBytes is exceeded), returning the bufio.Reader it
// used (so any already-buffered bytes past the header terminator, e.g. a
// POST body flushed in the same segment, are not lost), the header bytes
// themselves (for verbatim forwarding), and the parsed Host header value. It
// does not otherwise interpret the request.
func readRequestHeaders(conn net.Conn, maxBytes int) (r *bufio.Reader, raw []byte, host string, err error) {
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer conn.SetReadDeadline(time.Time{})

	r = bufio.NewReader(conn)
	var buf bytes.Buffer
	var requestLineSeen bool

	for {
		line, readErr := r.ReadString('\n')
		buf.WriteString(line)
		if buf.Len() > maxBytes {
			return nil, nil, "", fmt.Errorf("request headers exceed %d bytes", maxBytes)
		}

		trimmed := strings.TrimRight(line, "\r\n")
		if !requestLineSeen {
			requestLineSeen = true
		} else if strings.HasPrefix(strings.ToLower(trimmed), "host:") {
			host = strings.TrimSpace(trimmed[len("host:"):])
		}

		if trimmed == "" {
			break
		}
		if readErr != nil {
			return nil, nil, "", fmt.Errorf("reading headers: %w", readErr)
		}
	}

	return r, buf.Bytes(), host, nil
}

// extractSubdomain parses a Host header value and returns its first
// dot-delimited label. Returns "" if host has no subdomain component.
func extractSubdomain(host string) string {
	if host == "" {
		return ""
	}
	if idx := strings.LastIndex(host, ":"); idx != -1 && strings.Count(host, ":") == 1 {
		host = host[:idx]
	}
	parts := strings.Split(host, ".")
	if len(parts) < 2 {
		return ""
	}
	return parts[0]
}

func writeStatus(w io.Writer, code int, reason, body string) {
	fmt.Fprintf(w, "HTTP/1.1 %d %s\r\nContent-Type: text/html\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		code, reason, len(body), body)
}

func writeNotFound(w io.Writer) {
	writeStatus(w, 404, "Not Found", notFoundBody)
}
