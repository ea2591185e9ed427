package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/hmatuschek/overlaynet/identifier"
)

// HandshakeBlob is the {idPubLen‖idPub‖ephPubLen‖ephPub‖sigLen‖sig}
// structure carried inside a CONNECT request/response (spec.md §4.D,
// §4.E, §6). sig is the signature of ephPub under the sender's long-term
// identity key.
type HandshakeBlob struct {
	IdentityPub []byte
	EphemeralPub []byte
	Signature    []byte
}

// Encode serializes the blob with big-endian u16 length prefixes.
func (h HandshakeBlob) Encode() []byte {
	buf := make([]byte, 0, 6+len(h.IdentityPub)+len(h.EphemeralPub)+len(h.Signature))
	buf = appendLenPrefixed(buf, h.IdentityPub)
	buf = appendLenPrefixed(buf, h.EphemeralPub)
	buf = appendLenPrefixed(buf, h.Signature)
	return buf
}

func appendLenPrefixed(buf, data []byte) []byte {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(data)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, data...)
}

// DecodeHandshakeBlob parses a HandshakeBlob from b, returning the number
// of bytes consumed.
func DecodeHandshakeBlob(b []byte) (HandshakeBlob, int, error) {
	var h HandshakeBlob
	off := 0

	idPub, n, err := readLenPrefixed(b[off:])
	if err != nil {
		return HandshakeBlob{}, 0, fmt.Errorf("wire: handshake blob identity pub: %w", err)
	}
	h.IdentityPub = idPub
	off += n

	ephPub, n, err := readLenPrefixed(b[off:])
	if err != nil {
		return HandshakeBlob{}, 0, fmt.Errorf("wire: handshake blob ephemeral pub: %w", err)
	}
	h.EphemeralPub = ephPub
	off += n

	sig, n, err := readLenPrefixed(b[off:])
	if err != nil {
		return HandshakeBlob{}, 0, fmt.Errorf("wire: handshake blob signature: %w", err)
	}
	h.Signature = sig
	off += n

	return h, off, nil
}

func readLenPrefixed(b []byte) ([]byte, int, error) {
	if len(b) < 2 {
		return nil, 0, fmt.Errorf("truncated length prefix")
	}
	l := int(binary.BigEndian.Uint16(b[0:2]))
	if len(b) < 2+l {
		return nil, 0, fmt.Errorf("truncated field: need %d bytes, have %d", l, len(b)-2)
	}
	data := make([]byte, l)
	copy(data, b[2:2+l])
	return data, 2 + l, nil
}

// EncodeConnect builds a CONNECT request/response: cookie | 0x02 |
// serviceId | handshakeBlob.
func EncodeConnect(cookie, serviceID identifier.Identifier, blob HandshakeBlob) []byte {
	blobBytes := blob.Encode()
	buf := make([]byte, CookieLen+1+HashLen+len(blobBytes))
	copy(buf[0:CookieLen], cookie[:])
	buf[CookieLen] = TypeConnect
	off := CookieLen + 1
	copy(buf[off:off+HashLen], serviceID[:])
	off += HashLen
	copy(buf[off:], blobBytes)
	return buf
}

// DecodeConnect parses a CONNECT datagram body.
func DecodeConnect(b []byte) (serviceID identifier.Identifier, blob HandshakeBlob, err error) {
	minLen := CookieLen + 1 + HashLen
	if len(b) < minLen {
		return identifier.Identifier{}, HandshakeBlob{}, fmt.Errorf("wire: CONNECT too short (%d bytes)", len(b))
	}
	if b[CookieLen] != TypeConnect {
		return identifier.Identifier{}, HandshakeBlob{}, fmt.Errorf("wire: not a CONNECT datagram")
	}
	off := CookieLen + 1
	copy(serviceID[:], b[off:off+HashLen])
	off += HashLen
	blob, _, err = DecodeHandshakeBlob(b[off:])
	if err != nil {
		return identifier.Identifier{}, HandshakeBlob{}, err
	}
	return serviceID, blob, nil
}

// ServiceID returns the 20-byte hash of a UTF-8 service name, scoped by an
// optional network prefix (spec.md §4.D, §4.H: "Service names are scoped
// per network by concatenation with the prefix before hashing").
func ServiceID(networkPrefix, name string) identifier.Identifier {
	return hashString(networkPrefix + name)
}
