// Package securesocket implements the per-session ECDH handshake and the
// AES-128-GCM encrypted datagram channel it establishes between two nodes
// (spec.md §4.E). The handshake shape — an ephemeral-keypair state struct
// with a ClientData()-style blob builder and a Complete(serverBlob)
// verifier — follows the teacher's ntor.HandshakeState, with Curve25519 and
// HKDF swapped for P-256 ECDH and direct SHA-256 key derivation per
// spec.md §4.E and §9.
package securesocket

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/hmatuschek/overlaynet/identifier"
	"github.com/hmatuschek/overlaynet/identity"
	"github.com/hmatuschek/overlaynet/wire"
)

// Curve is the curve used for ephemeral ECDH keys, matching the long-term
// identity curve (spec.md §4.B, §4.E both fix P-256).
var Curve = ecdh.P256()

// ErrHandshakeFailure covers signature mismatch, wrong curve, and
// peer-fingerprint mismatch — all fatal to the session (spec.md §7).
var ErrHandshakeFailure = fmt.Errorf("securesocket: handshake failure")

// Handshake holds one side's ephemeral state for a single session
// handshake. Close should be called on every exit path that does not reach
// DeriveKeys, to drop the ephemeral private key promptly.
type Handshake struct {
	identity *identity.Identity
	ephPriv  *ecdh.PrivateKey
}

// NewHandshake generates a fresh ephemeral ECDH keypair for id to use in
// one handshake.
func NewHandshake(id *identity.Identity) (*Handshake, error) {
	ephPriv, err := Curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("securesocket: generate ephemeral key: %w", err)
	}
	return &Handshake{identity: id, ephPriv: ephPriv}, nil
}

// Close drops the reference to the ephemeral private key.
func (h *Handshake) Close() {
	h.ephPriv = nil
}

// Blob builds the {identityPub, ephPub, Sign_identity(ephPub)} handshake
// blob sent inside a CONNECT request or response (spec.md §4.E).
func (h *Handshake) Blob() (wire.HandshakeBlob, error) {
	idPub, err := h.identity.PublicKeyBytes()
	if err != nil {
		return wire.HandshakeBlob{}, fmt.Errorf("securesocket: identity public key: %w", err)
	}
	ephPub := h.ephPriv.PublicKey().Bytes()
	sig, err := h.identity.Sign(ephPub)
	if err != nil {
		return wire.HandshakeBlob{}, fmt.Errorf("securesocket: sign ephemeral key: %w", err)
	}
	return wire.HandshakeBlob{
		IdentityPub:  idPub,
		EphemeralPub: ephPub,
		Signature:    sig,
	}, nil
}

// VerifiedPeer is the outcome of successfully verifying a peer's
// handshake blob.
type VerifiedPeer struct {
	Identity     *identity.Identity
	Fingerprint  identifier.Identifier
	EphemeralPub *ecdh.PublicKey
}

// VerifyBlob parses and verifies a peer's handshake blob: it reconstructs
// the peer's identity from the embedded public key, computes its
// fingerprint, and checks the signature over the ephemeral public key
// (spec.md §4.E steps 1-2).
func VerifyBlob(blob wire.HandshakeBlob) (*VerifiedPeer, error) {
	peerIdentity, err := identity.FromPublicKeyBytes(blob.IdentityPub)
	if err != nil {
		return nil, fmt.Errorf("%w: parse peer identity: %v", ErrHandshakeFailure, err)
	}
	if !peerIdentity.Verify(blob.EphemeralPub, blob.Signature) {
		return nil, fmt.Errorf("%w: signature over ephemeral key did not verify", ErrHandshakeFailure)
	}
	ephPub, err := Curve.NewPublicKey(blob.EphemeralPub)
	if err != nil {
		return nil, fmt.Errorf("%w: parse ephemeral public key: %v", ErrHandshakeFailure, err)
	}
	fp, err := peerIdentity.Fingerprint()
	if err != nil {
		return nil, fmt.Errorf("securesocket: compute peer fingerprint: %w", err)
	}
	return &VerifiedPeer{Identity: peerIdentity, Fingerprint: fp, EphemeralPub: ephPub}, nil
}

// CheckExpectedTarget enforces spec.md §4.E step 4: the initiator must
// additionally confirm the resolved fingerprint matches the node it
// intended to connect to, preventing a third party from masquerading at a
// known IP address.
func CheckExpectedTarget(peer *VerifiedPeer, expected identifier.Identifier) error {
	if !peer.Fingerprint.Equal(expected) {
		return fmt.Errorf("%w: peer fingerprint %s does not match expected target %s", ErrHandshakeFailure, peer.Fingerprint, expected)
	}
	return nil
}

// SessionKeys is the symmetric key material derived from a completed ECDH
// exchange.
type SessionKeys struct {
	Key     [16]byte // AES-128 key
	IVFixed [4]byte  // fixed component of the AES-GCM nonce (spec.md §9)
}

// DeriveKeys computes Z = ECDH(ephPriv, peerEphPub), then K‖IV =
// SHA-256(Z), retaining 16 bytes of K and 16 bytes of IV as the data model
// specifies (spec.md §3, §4.E). Per the Open Question resolved in §9, only
// the first 4 bytes of the derived IV are used, as the fixed half of the
// 12-byte AES-GCM nonce; the remaining 12 derived IV bytes have no role on
// the wire and are discarded.
func (h *Handshake) DeriveKeys(peerEphPub *ecdh.PublicKey) (SessionKeys, error) {
	z, err := h.ephPriv.ECDH(peerEphPub)
	if err != nil {
		return SessionKeys{}, fmt.Errorf("securesocket: ECDH: %w", err)
	}
	sum := sha256.Sum256(z)

	var keys SessionKeys
	copy(keys.Key[:], sum[0:16])
	copy(keys.IVFixed[:], sum[16:20])
	return keys, nil
}
