package tunnelserver

import (
	"bufio"
	"errors"
	"io"
	"net"
	"time"

	"github.com/otun-project/otun/internal/protocol"
)

// spliceServerSide relays bytes between the raw public connection and the
// framed data connection for one session until either side closes or
// IdleTimeout elapses with no traffic. src wraps public and may already hold
// buffered bytes past the header terminator (a request body flushed in the
// same segment); public->tunnel reads go through src so nothing buffered is
// lost. public->tunnel reads are wrapped in DATA frames; tunnel->public DATA
// frames are unwrapped into raw writes. A CLOSE frame or EOF on either leg
// tears down both.
func spliceServerSide(public net.Conn, src *bufio.Reader, data net.Conn, sessionID uint32) {
	done := make(chan struct{}, 2)

	go func() {
		publicToTunnel(public, src, data, sessionID)
		done <- struct{}{}
	}()
	go func() {
		tunnelToPublic(data, public, sessionID)
		done <- struct{}{}
	}()

	<-done
	public.Close()
	data.Close()
	<-done
}

func publicToTunnel(public net.Conn, src *bufio.Reader, data net.Conn, sessionID uint32) {
	buf := make([]byte, 32*1024)
	for {
		public.SetReadDeadline(time.Now().Add(IdleTimeout))
		n, err := src.Read(buf)
		if n > 0 {
			if sendErr := protocol.Send(data, protocol.MsgData, sessionID, buf[:n]); sendErr != nil {
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				protocol.Send(data, protocol.MsgClose, sessionID, nil)
			}
			return
		}
	}
}

func tunnelToPublic(data net.Conn, public net.Conn, sessionID uint32) {
	for {
		data.SetReadDeadline(time.Now().Add(IdleTimeout))
		msg, err := protocol.Recv(data, protocol.MaxPayload)
		if err != nil {
			return
		}
		switch msg.Type {
		case protocol.MsgData:
			if len(msg.Payload) > 0 {
				if _, err := public.Write(msg.Payload); err != nil {
					return
				}
			}
		case protocol.MsgClose:
			return
		default:
			// unexpected message on a data connection; treat as a protocol
			// violation and tear the session down.
			return
		}
	}
}
