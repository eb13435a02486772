package tunnelserver

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/otun-project/otun/internal/protocol"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// startTestServer boots a Server on loopback addresses and returns it once
// its listeners are reachable.
func startTestServer(t *testing.T, tokens []string) (*Server, string, string, string) {
	t.Helper()
	httpAddr := freeAddr(t)
	controlAddr := freeAddr(t)
	dataAddr := freeAddr(t)

	s := New(httpAddr, controlAddr, dataAddr, "", tokens)
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run() }()

	deadline := time.Now().Add(2 * time.Second)
	for _, addr := range []string{httpAddr, controlAddr, dataAddr} {
		for {
			conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
			if err == nil {
				conn.Close()
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("server did not come up on %s: %v", addr, err)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	select {
	case err := <-errCh:
		t.Fatalf("server exited early: %v", err)
	default:
	}

	return s, httpAddr, controlAddr, dataAddr
}

// runFakeClient plays the tunnel-client side of the protocol: register,
// then for each CONNECT notification from the server dial the data port,
// read the forwarded request frame, and answer with a fixed HTTP 200.
func runFakeClient(t *testing.T, controlAddr, dataAddr, token, subdomain string) string {
	t.Helper()
	conn, err := net.Dial("tcp", controlAddr)
	if err != nil {
		t.Fatalf("dial control: %v", err)
	}

	payload, err := protocol.EncodeConnectRequest(protocol.ConnectRequest{
		Token: token, LocalPort: 8080, Subdomain: subdomain,
	})
	if err != nil {
		t.Fatalf("encode connect: %v", err)
	}
	if err := protocol.Send(conn, protocol.MsgConnect, 0, payload); err != nil {
		t.Fatalf("send connect: %v", err)
	}

	msg, err := protocol.Recv(conn, protocol.MaxPayload)
	if err != nil {
		t.Fatalf("recv assign_domain: %v", err)
	}
	if msg.Type != protocol.MsgAssignDomain {
		t.Fatalf("expected ASSIGN_DOMAIN, got %s", msg.Type)
	}
	assignment, err := protocol.DecodeDomainAssignment(msg.Payload)
	if err != nil {
		t.Fatalf("decode assignment: %v", err)
	}

	go func() {
		for {
			notice, err := protocol.Recv(conn, protocol.MaxPayload)
			if err != nil {
				return
			}
			if notice.Type != protocol.MsgConnect {
				continue
			}
			go serveOneFakeSession(t, dataAddr, notice.SessionID)
		}
	}()

	return assignment.PublicURL
}

func serveOneFakeSession(t *testing.T, dataAddr string, sessionID uint32) {
	dataConn, err := net.Dial("tcp", dataAddr)
	if err != nil {
		return
	}
	defer dataConn.Close()

	if err := protocol.Send(dataConn, protocol.MsgAccept, sessionID, nil); err != nil {
		return
	}

	// Drain the forwarded request header bytes, then respond.
	msg, err := protocol.Recv(dataConn, protocol.MaxPayload)
	if err != nil || msg.Type != protocol.MsgData {
		return
	}

	body := "hello from fake client"
	resp := fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s", len(body), body)
	protocol.Send(dataConn, protocol.MsgData, sessionID, []byte(resp))
	protocol.Send(dataConn, protocol.MsgClose, sessionID, nil)
}

func TestTunnelEndToEnd(t *testing.T) {
	_, httpAddr, controlAddr, dataAddr := startTestServer(t, nil)
	runFakeClient(t, controlAddr, dataAddr, "", "myapp")

	req, err := http.NewRequest("GET", "http://"+httpAddr+"/", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Host = "myapp.tunnel.test"

	conn, err := net.DialTimeout("tcp", httpAddr, time.Second)
	if err != nil {
		t.Fatalf("dial http: %v", err)
	}
	defer conn.Close()

	fmt.Fprintf(conn, "GET / HTTP/1.1\r\nHost: myapp.tunnel.test\r\nConnection: close\r\n\r\n")

	reader := bufio.NewReader(conn)
	resp, err := http.ReadResponse(reader, req)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestUnknownSubdomainReturns404(t *testing.T) {
	_, httpAddr, _, _ := startTestServer(t, nil)

	conn, err := net.DialTimeout("tcp", httpAddr, time.Second)
	if err != nil {
		t.Fatalf("dial http: %v", err)
	}
	defer conn.Close()

	fmt.Fprintf(conn, "GET / HTTP/1.1\r\nHost: nosuchapp.tunnel.test\r\nConnection: close\r\n\r\n")

	reader := bufio.NewReader(conn)
	resp, err := http.ReadResponse(reader, &http.Request{Method: "GET"})
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.StatusCode != 404 {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestTokenRejectedWithoutMatch(t *testing.T) {
	_, _, controlAddr, _ := startTestServer(t, []string{"correct-token"})

	conn, err := net.Dial("tcp", controlAddr)
	if err != nil {
		t.Fatalf("dial control: %v", err)
	}
	defer conn.Close()

	payload, err := protocol.EncodeConnectRequest(protocol.ConnectRequest{Token: "wrong-token", LocalPort: 80})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := protocol.Send(conn, protocol.MsgConnect, 0, payload); err != nil {
		t.Fatalf("send: %v", err)
	}

	msg, err := protocol.Recv(conn, protocol.MaxPayload)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if msg.Type != protocol.MsgReject {
		t.Fatalf("expected REJECT, got %s", msg.Type)
	}
}

func TestHeartbeatAgeExceedsTimeoutForStaleRegistration(t *testing.T) {
	reg := &registration{lastHeartbeat: time.Now().Add(-HeartbeatTimeout - time.Second)}
	if reg.heartbeatAge() <= HeartbeatTimeout {
		t.Fatalf("expected heartbeat age to exceed timeout, got %s", reg.heartbeatAge())
	}
}
