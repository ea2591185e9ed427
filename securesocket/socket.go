package securesocket

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"

	"github.com/hmatuschek/overlaynet/identifier"
	"github.com/hmatuschek/overlaynet/wire"
)

// seqLen and tagLen are the per-record overhead fields that sit between
// the cookie and the ciphertext on the wire (spec.md §3, §4.E):
// cookie(20) ‖ seq(8 BE) ‖ tag(16) ‖ ciphertext.
const (
	seqLen = 8
	tagLen = 16

	// recordOverhead is the number of bytes in a record that are not
	// ciphertext.
	recordOverhead = wire.CookieLen + seqLen + tagLen

	// MaxData is the largest encrypted record that fits in one datagram
	// (spec.md §4.E: MAX_DATA = MAX_MESSAGE − COOKIE).
	MaxData = wire.MaxMessage - wire.CookieLen

	// MaxPlaintext is the largest DATA payload that still fits after the
	// per-record seq and tag overhead.
	MaxPlaintext = MaxData - seqLen - tagLen
)

// ErrRecordTooLarge is returned by Encrypt when the plaintext would not
// fit in a single datagram.
var ErrRecordTooLarge = fmt.Errorf("securesocket: plaintext exceeds MaxPlaintext")

// ErrDecryptFailed covers authentication failures and malformed records;
// callers should silently drop the datagram rather than treat it as fatal,
// since UDP delivers attacker-controlled garbage from time to time
// (spec.md §4.E).
var ErrDecryptFailed = fmt.Errorf("securesocket: decrypt failed")

// Socket is one side of an established, authenticated, encrypted session
// between two nodes. It holds the symmetric state needed to turn
// plaintexts into wire records and back; the handshake that produced its
// keys is already complete and discarded (spec.md §4.E).
type Socket struct {
	StreamID identifier.Identifier
	PeerID   identifier.Identifier

	aead    cipher.AEAD
	ivFixed [4]byte
	outSeq  uint64
}

// NewSocket builds a Socket from derived session keys. initialSeq seeds the
// outgoing sequence counter; callers should pick it at random so that two
// sessions between the same pair of peers do not reuse nonces even if a key
// were ever to repeat.
func NewSocket(streamID, peerID identifier.Identifier, keys SessionKeys, initialSeq uint64) (*Socket, error) {
	block, err := aes.NewCipher(keys.Key[:])
	if err != nil {
		return nil, fmt.Errorf("securesocket: new AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("securesocket: new GCM: %w", err)
	}
	return &Socket{
		StreamID: streamID,
		PeerID:   peerID,
		aead:     gcm,
		ivFixed:  keys.IVFixed,
		outSeq:   initialSeq,
	}, nil
}

func (s *Socket) nonce(seq uint64) []byte {
	n := make([]byte, 12)
	copy(n[0:4], s.ivFixed[:])
	binary.BigEndian.PutUint64(n[4:12], seq)
	return n
}

// Encrypt seals plaintext under the session key and wraps it in the wire
// record layout: cookie ‖ seq ‖ tag ‖ ciphertext. The sequence number
// advances by the ciphertext length so that no two records in this
// session's lifetime ever reuse a nonce.
func (s *Socket) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) > MaxPlaintext {
		return nil, ErrRecordTooLarge
	}
	seq := s.outSeq
	sealed := s.aead.Seal(nil, s.nonce(seq), plaintext, nil)
	ciphertext := sealed[:len(sealed)-tagLen]
	tag := sealed[len(sealed)-tagLen:]

	record := make([]byte, 0, recordOverhead+len(ciphertext))
	record = append(record, s.StreamID[:]...)
	record = binary.BigEndian.AppendUint64(record, seq)
	record = append(record, tag...)
	record = append(record, ciphertext...)

	s.outSeq += uint64(len(ciphertext))
	return record, nil
}

// SendNull encrypts an empty payload, used for keep-alive datagrams that
// carry no stream data (spec.md §4.F).
func (s *Socket) SendNull() ([]byte, error) {
	return s.Encrypt(nil)
}

// Decrypt authenticates and opens a wire record produced by the peer's
// Encrypt. The record's own seq field, not the local outgoing counter,
// feeds the nonce — each direction of a session keeps an independent
// sequence space.
func (s *Socket) Decrypt(record []byte) ([]byte, error) {
	if len(record) < recordOverhead {
		return nil, fmt.Errorf("%w: record too short", ErrDecryptFailed)
	}
	seq := binary.BigEndian.Uint64(record[wire.CookieLen : wire.CookieLen+seqLen])
	tag := record[wire.CookieLen+seqLen : recordOverhead]
	ciphertext := record[recordOverhead:]

	sealed := make([]byte, 0, len(ciphertext)+tagLen)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := s.aead.Open(nil, s.nonce(seq), sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	return plaintext, nil
}
