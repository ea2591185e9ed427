// Package wire implements the datagram encoding shared by every request,
// response, and notification that crosses a Node's UDP socket (spec.md §4.D,
// §6). Every message begins with a 20-byte cookie; for new requests the
// cookie is random, for responses it echoes the request's cookie, and for
// post-handshake session traffic it is the session's streamId.
//
// The shape mirrors the teacher's cell.Cell: a plain byte-slice type with
// constructors and accessor methods, rather than a marshaled struct.
package wire

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/hmatuschek/overlaynet/identifier"
)

// Message type discriminators, carried as the byte immediately after the
// cookie on request datagrams (spec.md §4.D, §6).
const (
	TypePing       uint8 = 0
	TypeSearch     uint8 = 1
	TypeConnect    uint8 = 2
	TypeRendezvous uint8 = 3
)

// Size constants from spec.md §6.
const (
	CookieLen    = identifier.Size // 20
	HashLen      = identifier.Size // 20, RIPEMD-160
	TripleLen    = HashLen + 16 + 2
	MaxMessage   = 8192
	MaxTriples   = (MaxMessage - CookieLen - 1) / TripleLen
	pingLen      = CookieLen + 1 + HashLen + HashLen // 61
	rendezvousLen = CookieLen + 1 + HashLen + 16 + 2  // 59
)

// Cookie returns the 20-byte correlator prefixing every datagram.
func Cookie(b []byte) (identifier.Identifier, error) {
	if len(b) < CookieLen {
		return identifier.Identifier{}, fmt.Errorf("wire: datagram shorter than cookie (%d bytes)", len(b))
	}
	var c identifier.Identifier
	copy(c[:], b[:CookieLen])
	return c, nil
}

// putAddr encodes ip as a 16-byte IPv6 address, mapping IPv4 addresses into
// the ::ffff:A.B.C.D form per spec.md §1/§4.D ("the wire encodes 16-byte
// IPv6-mapped addresses uniformly").
func putAddr(dst []byte, ip net.IP) {
	v6 := ip.To16()
	if v6 == nil {
		// Unparsable address: encode as the unspecified address rather
		// than panic; callers should validate addresses before sending.
		v6 = net.IPv6zero
	}
	copy(dst[:16], v6)
}

func getAddr(src []byte) net.IP {
	ip := make(net.IP, 16)
	copy(ip, src[:16])
	return ip
}

// EncodePing builds a PING request/response datagram: cookie | 0x00 |
// senderId | netId.
func EncodePing(cookie, senderID, netID identifier.Identifier) []byte {
	buf := make([]byte, pingLen)
	copy(buf[0:CookieLen], cookie[:])
	buf[CookieLen] = TypePing
	off := CookieLen + 1
	copy(buf[off:off+HashLen], senderID[:])
	off += HashLen
	copy(buf[off:off+HashLen], netID[:])
	return buf
}

// DecodePing parses the body of a PING datagram (after the cookie has
// already been read by the caller via Cookie).
func DecodePing(b []byte) (senderID, netID identifier.Identifier, err error) {
	if len(b) < pingLen {
		return identifier.Identifier{}, identifier.Identifier{}, fmt.Errorf("wire: PING too short (%d bytes)", len(b))
	}
	if b[CookieLen] != TypePing {
		return identifier.Identifier{}, identifier.Identifier{}, fmt.Errorf("wire: not a PING datagram")
	}
	off := CookieLen + 1
	copy(senderID[:], b[off:off+HashLen])
	off += HashLen
	copy(netID[:], b[off:off+HashLen])
	return senderID, netID, nil
}

// EncodeSearchRequest builds a SEARCH request: cookie | 0x01 | target |
// netId | padding. Padding brings the request to the same size as the
// maximum possible response, bounding UDP amplification (spec.md §4.D).
func EncodeSearchRequest(cookie, target, netID identifier.Identifier) []byte {
	maxResp := CookieLen + MaxTriples*TripleLen
	buf := make([]byte, maxResp)
	copy(buf[0:CookieLen], cookie[:])
	buf[CookieLen] = TypeSearch
	off := CookieLen + 1
	copy(buf[off:off+HashLen], target[:])
	off += HashLen
	copy(buf[off:off+HashLen], netID[:])
	// Remaining bytes are zero padding.
	return buf
}

// DecodeSearchRequest parses a SEARCH request body.
func DecodeSearchRequest(b []byte) (target, netID identifier.Identifier, err error) {
	minLen := CookieLen + 1 + HashLen + HashLen
	if len(b) < minLen {
		return identifier.Identifier{}, identifier.Identifier{}, fmt.Errorf("wire: SEARCH request too short (%d bytes)", len(b))
	}
	if b[CookieLen] != TypeSearch {
		return identifier.Identifier{}, identifier.Identifier{}, fmt.Errorf("wire: not a SEARCH datagram")
	}
	off := CookieLen + 1
	copy(target[:], b[off:off+HashLen])
	off += HashLen
	copy(netID[:], b[off:off+HashLen])
	return target, netID, nil
}

// Triple is a single (id, address, port) routing record as carried in a
// SEARCH response (spec.md §6, GLOSSARY).
type Triple struct {
	ID   identifier.Identifier
	Addr net.IP
	Port uint16
}

// EncodeSearchResponse builds a SEARCH response: cookie | triples...
// Truncates silently to MaxTriples, the most that fit in one UDP message.
func EncodeSearchResponse(cookie identifier.Identifier, triples []Triple) []byte {
	if len(triples) > MaxTriples {
		triples = triples[:MaxTriples]
	}
	buf := make([]byte, CookieLen+len(triples)*TripleLen)
	copy(buf[0:CookieLen], cookie[:])
	off := CookieLen
	for _, t := range triples {
		copy(buf[off:off+HashLen], t.ID[:])
		off += HashLen
		putAddr(buf[off:off+16], t.Addr)
		off += 16
		binary.BigEndian.PutUint16(buf[off:off+2], t.Port)
		off += 2
	}
	return buf
}

// DecodeSearchResponse parses the triples following the cookie.
func DecodeSearchResponse(b []byte) ([]Triple, error) {
	if len(b) < CookieLen {
		return nil, fmt.Errorf("wire: SEARCH response shorter than cookie")
	}
	body := b[CookieLen:]
	if len(body)%TripleLen != 0 {
		return nil, fmt.Errorf("wire: SEARCH response body (%d bytes) not a multiple of triple size (%d)", len(body), TripleLen)
	}
	n := len(body) / TripleLen
	triples := make([]Triple, 0, n)
	off := 0
	for i := 0; i < n; i++ {
		var t Triple
		copy(t.ID[:], body[off:off+HashLen])
		off += HashLen
		t.Addr = getAddr(body[off : off+16])
		off += 16
		t.Port = binary.BigEndian.Uint16(body[off : off+2])
		off += 2
		triples = append(triples, t)
	}
	return triples, nil
}

// EncodeRendezvous builds a RENDEZVOUS notification: cookie | 0x03 |
// targetId | ip | port.
func EncodeRendezvous(cookie, target identifier.Identifier, addr net.IP, port uint16) []byte {
	buf := make([]byte, rendezvousLen)
	copy(buf[0:CookieLen], cookie[:])
	buf[CookieLen] = TypeRendezvous
	off := CookieLen + 1
	copy(buf[off:off+HashLen], target[:])
	off += HashLen
	putAddr(buf[off:off+16], addr)
	off += 16
	binary.BigEndian.PutUint16(buf[off:off+2], port)
	return buf
}

// DecodeRendezvous parses a RENDEZVOUS notification body.
func DecodeRendezvous(b []byte) (target identifier.Identifier, addr net.IP, port uint16, err error) {
	if len(b) < rendezvousLen {
		return identifier.Identifier{}, nil, 0, fmt.Errorf("wire: RENDEZVOUS too short (%d bytes)", len(b))
	}
	if b[CookieLen] != TypeRendezvous {
		return identifier.Identifier{}, nil, 0, fmt.Errorf("wire: not a RENDEZVOUS datagram")
	}
	off := CookieLen + 1
	copy(target[:], b[off:off+HashLen])
	off += HashLen
	addr = getAddr(b[off : off+16])
	off += 16
	port = binary.BigEndian.Uint16(b[off : off+2])
	return target, addr, port, nil
}

// MessageType returns the discriminator byte of a non-session request
// datagram (the byte immediately after the cookie).
func MessageType(b []byte) (uint8, error) {
	if len(b) < CookieLen+1 {
		return 0, fmt.Errorf("wire: datagram too short to carry a type byte")
	}
	return b[CookieLen], nil
}
