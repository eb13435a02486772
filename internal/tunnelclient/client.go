// Package tunnelclient implements the otun tunnel client: it registers a
// local service with the tunnel server and serves each inbound session the
// server notifies it about by dialing the local service and splicing bytes
// over a dedicated data connection.
package tunnelclient

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hashicorp/yamux"

	"github.com/otun-project/otun/internal/protocol"
)

// HeartbeatInterval is how often the client sends a HEARTBEAT frame on the
// control connection.
const HeartbeatInterval = 10 * time.Second

// Client is the otun tunnel client.
type Client struct {
	ServerAddr string // control address, host:port
	DataAddr   string // data address; if empty, derived from ServerAddr's port + 1
	LocalAddr  string
	Subdomain  string
	Token      string

	// UseMuxData mirrors the server's opt-in alternate data-channel mode:
	// one persistent yamux session instead of one dial per inbound session.
	UseMuxData bool

	backoffConfig BackoffConfig
	reconnect     bool

	controlConn net.Conn
	muxSession  *yamux.Session

	tunnelURL         string
	assignedSubdomain string
}

// New creates a new tunnel client.
func New(serverAddr, localAddr string) *Client {
	return &Client{
		ServerAddr:    serverAddr,
		LocalAddr:     localAddr,
		backoffConfig: DefaultBackoffConfig(),
		reconnect:     true,
	}
}

func (c *Client) WithSubdomain(subdomain string) *Client {
	c.Subdomain = subdomain
	return c
}

func (c *Client) WithToken(token string) *Client {
	c.Token = token
	return c
}

func (c *Client) WithBackoff(config BackoffConfig) *Client {
	c.backoffConfig = config
	return c
}

func (c *Client) WithReconnect(enabled bool) *Client {
	c.reconnect = enabled
	return c
}

func (c *Client) WithMaxRetries(maxRetries int) *Client {
	c.backoffConfig.MaxRetries = maxRetries
	return c
}

func (c *Client) WithMuxData(enabled bool) *Client {
	c.UseMuxData = enabled
	return c
}

// Run connects to the server, registers, and serves sessions until the
// connection drops or ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	log.Debug("connecting to server", "server", c.ServerAddr)

	conn, err := net.Dial("tcp", c.ServerAddr)
	if err != nil {
		return fmt.Errorf("tunnelclient: connect to %s: %w", c.ServerAddr, err)
	}
	c.controlConn = conn
	defer conn.Close()

	assignment, err := c.register(conn)
	if err != nil {
		return err
	}
	c.tunnelURL = assignment.PublicURL
	log.Info("tunnel ready", "url", c.tunnelURL)

	if c.UseMuxData {
		if err := c.dialMuxSession(); err != nil {
			return err
		}
		defer c.muxSession.Close()
	}

	go c.sendHeartbeats(ctx)
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	return c.controlLoop(ctx, conn)
}

func (c *Client) register(conn net.Conn) (protocol.DomainAssignment, error) {
	subdomain := c.Subdomain
	if c.assignedSubdomain != "" {
		subdomain = c.assignedSubdomain
	}

	localPort := localPortFromAddr(c.LocalAddr)
	payload, err := protocol.EncodeConnectRequest(protocol.ConnectRequest{
		Token:     c.Token,
		LocalPort: localPort,
		Subdomain: subdomain,
	})
	if err != nil {
		return protocol.DomainAssignment{}, fmt.Errorf("tunnelclient: encode connect request: %w", err)
	}

	if err := protocol.Send(conn, protocol.MsgConnect, 0, payload); err != nil {
		return protocol.DomainAssignment{}, fmt.Errorf("tunnelclient: send connect: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	msg, err := protocol.Recv(conn, protocol.MaxPayload)
	if err != nil {
		return protocol.DomainAssignment{}, fmt.Errorf("tunnelclient: read registration reply: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	switch msg.Type {
	case protocol.MsgAssignDomain:
		assignment, err := protocol.DecodeDomainAssignment(msg.Payload)
		if err != nil {
			return protocol.DomainAssignment{}, fmt.Errorf("tunnelclient: decode assignment: %w", err)
		}
		c.assignedSubdomain = subdomain
		if c.assignedSubdomain == "" {
			host := strings.TrimPrefix(assignment.PublicURL, "http://")
			if i := strings.IndexByte(host, '.'); i > 0 {
				c.assignedSubdomain = host[:i]
			}
		}
		return assignment, nil
	case protocol.MsgReject:
		reason := string(msg.Payload)
		if strings.Contains(reason, "already in use") || reason == "" {
			return protocol.DomainAssignment{}, fmt.Errorf("%w: %s", ErrSubdomainTaken, reason)
		}
		return protocol.DomainAssignment{}, fmt.Errorf("%w: %s", ErrPermanentFailure, reason)
	default:
		return protocol.DomainAssignment{}, fmt.Errorf("tunnelclient: unexpected reply type %s", msg.Type)
	}
}

func (c *Client) dialMuxSession() error {
	dataAddr := c.DataAddr
	if dataAddr == "" {
		dataAddr = derivedDataAddr(c.ServerAddr)
	}
	conn, err := net.Dial("tcp", dataAddr)
	if err != nil {
		return fmt.Errorf("tunnelclient: dial mux data %s: %w", dataAddr, err)
	}
	if err := protocol.Send(conn, protocol.MsgAccept, 0, []byte(c.assignedSubdomain)); err != nil {
		conn.Close()
		return fmt.Errorf("tunnelclient: mux handshake: %w", err)
	}
	session, err := yamux.Client(conn, nil)
	if err != nil {
		conn.Close()
		return fmt.Errorf("tunnelclient: yamux client session: %w", err)
	}
	c.muxSession = session
	return nil
}

// controlLoop reads framed messages off the control connection for the
// lifetime of the session: HEARTBEAT replies are ignored, CONNECT
// notifications spawn a new session handler, CLOSE ends the loop.
func (c *Client) controlLoop(ctx context.Context, conn net.Conn) error {
	for {
		conn.SetReadDeadline(time.Now().Add(HeartbeatInterval * 3))
		msg, err := protocol.Recv(conn, protocol.MaxPayload)
		if err != nil {
			if ctx.Err() != nil {
				return ErrShutdown
			}
			return fmt.Errorf("tunnelclient: control connection lost: %w", err)
		}

		switch msg.Type {
		case protocol.MsgConnect:
			go c.serveSession(msg.SessionID)
		case protocol.MsgClose:
			return nil
		case protocol.MsgHeartbeat:
			// server does not currently send these back; tolerated.
		default:
			log.Debug("unexpected control message", "type", msg.Type)
		}
	}
}

func (c *Client) sendHeartbeats(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := protocol.Send(c.controlConn, protocol.MsgHeartbeat, 0, nil); err != nil {
				log.Debug("failed to send heartbeat", "error", err)
				return
			}
		}
	}
}

// serveSession handles one inbound session: obtain a data connection
// (dialed fresh, or a yamux stream in mux mode), dial the local service,
// then splice; the forwarded request bytes reach the local service as the
// first DATA frames of the splice.
func (c *Client) serveSession(sessionID uint32) {
	dataConn, err := c.openDataConn(sessionID)
	if err != nil {
		log.Debug("failed to open data connection", "session", sessionID, "error", err)
		return
	}
	defer dataConn.Close()

	localConn, err := net.Dial("tcp", c.LocalAddr)
	if err != nil {
		log.Error("failed to connect to local service", "local", c.LocalAddr, "error", err)
		protocol.Send(dataConn, protocol.MsgClose, sessionID, nil)
		return
	}
	defer localConn.Close()

	spliceClientSide(dataConn, localConn, sessionID)
}

func (c *Client) openDataConn(sessionID uint32) (net.Conn, error) {
	if c.UseMuxData {
		stream, err := c.muxSession.OpenStream()
		if err != nil {
			return nil, fmt.Errorf("tunnelclient: open yamux stream: %w", err)
		}
		return stream, nil
	}

	dataAddr := c.DataAddr
	if dataAddr == "" {
		dataAddr = derivedDataAddr(c.ServerAddr)
	}
	conn, err := net.Dial("tcp", dataAddr)
	if err != nil {
		return nil, fmt.Errorf("tunnelclient: dial data %s: %w", dataAddr, err)
	}
	if err := protocol.Send(conn, protocol.MsgAccept, sessionID, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tunnelclient: accept handshake: %w", err)
	}
	return conn, nil
}

// RunWithReconnect runs the client with automatic reconnection on
// transient failures, backing off between attempts.
func (c *Client) RunWithReconnect(ctx context.Context) error {
	if !c.reconnect {
		return c.Run(ctx)
	}

	backoff := NewBackoff(c.backoffConfig)

	for {
		c.tunnelURL = ""

		err := c.Run(ctx)

		if c.tunnelURL != "" {
			backoff.Reset()
		}

		if err == nil || isPermanentError(err) {
			return err
		}

		if backoff.MaxRetriesReached() {
			log.Error("max reconnection attempts reached")
			return ErrMaxRetriesExceeded
		}

		delay := backoff.NextDelay()
		log.Warn("connection lost, reconnecting",
			"error", err,
			"attempt", backoff.Attempt(),
			"delay", delay.Round(time.Millisecond),
		)

		select {
		case <-ctx.Done():
			return ErrShutdown
		case <-time.After(delay):
		}
	}
}

// Close tears down the client's connections.
func (c *Client) Close() error {
	if c.muxSession != nil {
		c.muxSession.Close()
	}
	if c.controlConn != nil {
		return c.controlConn.Close()
	}
	return nil
}

func (c *Client) TunnelURL() string {
	return c.tunnelURL
}

func (c *Client) AssignedSubdomain() string {
	return c.assignedSubdomain
}

func derivedDataAddr(controlAddr string) string {
	host, port, err := net.SplitHostPort(controlAddr)
	if err != nil {
		return controlAddr
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return controlAddr
	}
	return net.JoinHostPort(host, strconv.Itoa(p+1))
}

func localPortFromAddr(addr string) int32 {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return 0
	}
	return int32(p)
}

// spliceClientSide relays bytes between the data connection and the local
// service connection, mirroring tunnelserver's splice but from the
// client's side of the wire: the local leg is raw bytes, the data leg is
// DATA/CLOSE frames, and both directions are handled here.
func spliceClientSide(dataConn net.Conn, localConn net.Conn, sessionID uint32) {
	done := make(chan struct{}, 2)

	go func() {
		tunnelToLocal(dataConn, localConn)
		done <- struct{}{}
	}()
	go func() {
		localToTunnel(localConn, dataConn, sessionID)
		done <- struct{}{}
	}()

	<-done
	dataConn.Close()
	if closer, ok := localConn.(interface{ CloseWrite() error }); ok {
		closer.CloseWrite()
	} else {
		localConn.Close()
	}
	<-done
}

func tunnelToLocal(dataConn net.Conn, localConn net.Conn) {
	for {
		msg, err := protocol.Recv(dataConn, protocol.MaxPayload)
		if err != nil {
			return
		}
		switch msg.Type {
		case protocol.MsgData:
			if len(msg.Payload) > 0 {
				if _, err := localConn.Write(msg.Payload); err != nil {
					return
				}
			}
		case protocol.MsgClose:
			return
		default:
			return
		}
	}
}

func localToTunnel(localConn net.Conn, dataConn net.Conn, sessionID uint32) {
	buf := make([]byte, 32*1024)
	for {
		n, err := localConn.Read(buf)
		if n > 0 {
			if sendErr := protocol.Send(dataConn, protocol.MsgData, sessionID, buf[:n]); sendErr != nil {
				return
			}
		}
		if err != nil {
			protocol.Send(dataConn, protocol.MsgClose, sessionID, nil)
			return
		}
	}
}
