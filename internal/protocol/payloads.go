package protocol

import (
	"encoding/binary"
	"fmt"
)

// Fixed field widths for the CONNECT and ASSIGN_DOMAIN payloads. These are
// raw byte blobs, not language-native structs: the codec reads and writes
// exact offsets so the layout is portable across implementations.
const (
	tokenWidth     = 64
	subdomainWidth = 64
	urlWidth       = 256

	connectPayloadSize = tokenWidth + 4 + subdomainWidth
	assignPayloadSize  = urlWidth + 4
)

// ConnectRequest is the CONNECT payload sent by the client on a freshly
// opened control connection.
type ConnectRequest struct {
	Token     string // opaque, <=63 bytes + NUL
	LocalPort int32  // informational
	Subdomain string // empty means "assign one"
}

// EncodeConnectRequest renders a ConnectRequest into its fixed-width wire
// form: token[64], local_port:int32, subdomain[64], each string NUL
// terminated within its field.
func EncodeConnectRequest(req ConnectRequest) ([]byte, error) {
	buf := make([]byte, connectPayloadSize)
	if err := putFixedString(buf[0:tokenWidth], req.Token); err != nil {
		return nil, fmt.Errorf("protocol: encode token: %w", err)
	}
	binary.BigEndian.PutUint32(buf[tokenWidth:tokenWidth+4], uint32(req.LocalPort))
	if err := putFixedString(buf[tokenWidth+4:], req.Subdomain); err != nil {
		return nil, fmt.Errorf("protocol: encode subdomain: %w", err)
	}
	return buf, nil
}

// DecodeConnectRequest parses a CONNECT payload produced by
// EncodeConnectRequest.
func DecodeConnectRequest(payload []byte) (ConnectRequest, error) {
	if len(payload) < connectPayloadSize {
		return ConnectRequest{}, fmt.Errorf("protocol: connect payload too short: %d bytes", len(payload))
	}
	port := int32(binary.BigEndian.Uint32(payload[tokenWidth : tokenWidth+4]))
	return ConnectRequest{
		Token:     getFixedString(payload[0:tokenWidth]),
		LocalPort: port,
		Subdomain: getFixedString(payload[tokenWidth+4:]),
	}, nil
}

// DomainAssignment is the ASSIGN_DOMAIN payload sent by the server once a
// client's CONNECT has been accepted.
type DomainAssignment struct {
	PublicURL  string // <=255 bytes + NUL
	PublicPort int32
}

// EncodeDomainAssignment renders a DomainAssignment into its fixed-width
// wire form: public_url[256], public_port:int32.
func EncodeDomainAssignment(a DomainAssignment) ([]byte, error) {
	buf := make([]byte, assignPayloadSize)
	if err := putFixedString(buf[0:urlWidth], a.PublicURL); err != nil {
		return nil, fmt.Errorf("protocol: encode public_url: %w", err)
	}
	binary.BigEndian.PutUint32(buf[urlWidth:], uint32(a.PublicPort))
	return buf, nil
}

// DecodeDomainAssignment parses an ASSIGN_DOMAIN payload produced by
// EncodeDomainAssignment.
func DecodeDomainAssignment(payload []byte) (DomainAssignment, error) {
	if len(payload) < assignPayloadSize {
		return DomainAssignment{}, fmt.Errorf("protocol: assign_domain payload too short: %d bytes", len(payload))
	}
	port := int32(binary.BigEndian.Uint32(payload[urlWidth:]))
	return DomainAssignment{
		PublicURL:  getFixedString(payload[0:urlWidth]),
		PublicPort: port,
	}, nil
}

// putFixedString writes s into dst NUL-terminated, failing if s (plus its
// terminator) does not fit.
func putFixedString(dst []byte, s string) error {
	if len(s)+1 > len(dst) {
		return fmt.Errorf("string %q exceeds field width %d", s, len(dst)-1)
	}
	clear(dst)
	copy(dst, s)
	return nil
}

// getFixedString reads a NUL-terminated string out of a fixed-width field.
func getFixedString(src []byte) string {
	n := 0
	for n < len(src) && src[n] != 0 {
		n++
	}
	return string(src[:n])
}
