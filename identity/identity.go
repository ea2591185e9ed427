// Package identity implements the long-term ECDSA P-256 signing keypair
// that anchors a node's fingerprint (spec.md §4.B).
package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // wire spec fixes RIPEMD-160

	"github.com/hmatuschek/overlaynet/identifier"
)

// Curve is the ANSI X9.62 P-256 curve the wire format fixes for every
// long-term and ephemeral key in the overlay.
var Curve = elliptic.P256()

// ErrBadIdentity is returned when a persisted identity file cannot be parsed.
var ErrBadIdentity = fmt.Errorf("identity: malformed identity file")

// Identity is a node's long-term signing keypair. A loaded identity may
// hold only the public half (Private == nil), in which case Sign fails
// but Verify and Fingerprint still work.
type Identity struct {
	Private *ecdsa.PrivateKey
	Public  *ecdsa.PublicKey
}

// New generates a fresh identity keypair.
func New() (*Identity, error) {
	priv, err := ecdsa.GenerateKey(Curve, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	return &Identity{Private: priv, Public: &priv.PublicKey}, nil
}

// FromPublicKeyBytes constructs a verify-only Identity from a DER-encoded
// public key, as received in a CONNECT handshake blob (spec.md §4.E).
func FromPublicKeyBytes(der []byte) (*Identity, error) {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: parse public key: %v", ErrBadIdentity, err)
	}
	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: public key is not ECDSA", ErrBadIdentity)
	}
	if ecPub.Curve != Curve {
		return nil, fmt.Errorf("%w: public key is not on P-256", ErrBadIdentity)
	}
	return &Identity{Public: ecPub}, nil
}

// PublicKeyBytes returns the DER (X.509 SubjectPublicKeyInfo) encoding of
// the public key, as carried in the CONNECT handshake blob.
func (id *Identity) PublicKeyBytes() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(id.Public)
	if err != nil {
		return nil, fmt.Errorf("identity: marshal public key: %w", err)
	}
	return der, nil
}

// Fingerprint returns the 20-byte RIPEMD-160 hash of the DER-encoded
// public key — the node's network address (spec.md §4.B, GLOSSARY).
func (id *Identity) Fingerprint() (identifier.Identifier, error) {
	der, err := id.PublicKeyBytes()
	if err != nil {
		return identifier.Identifier{}, err
	}
	h := ripemd160.New()
	h.Write(der)
	sum := h.Sum(nil)
	var fp identifier.Identifier
	copy(fp[:], sum)
	return fp, nil
}

// Sign signs data with the long-term private key, returning a DER-encoded
// ECDSA signature over the SHA-256 digest of data. Requires Private to be set.
func (id *Identity) Sign(data []byte) ([]byte, error) {
	if id.Private == nil {
		return nil, fmt.Errorf("identity: sign: no private key available")
	}
	digest := sha256.Sum256(data)
	sig, err := ecdsa.SignASN1(rand.Reader, id.Private, digest[:])
	if err != nil {
		return nil, fmt.Errorf("identity: sign: %w", err)
	}
	return sig, nil
}

// Verify checks a DER-encoded ECDSA signature of data against the public key.
func (id *Identity) Verify(data, sig []byte) bool {
	if id.Public == nil {
		return false
	}
	digest := sha256.Sum256(data)
	return ecdsa.VerifyASN1(id.Public, digest[:], sig)
}

// Save persists the identity as a PEM-encoded EC private key, plus a
// plaintext ".fingerprint" sidecar for quick inspection without parsing
// the key — mirroring the original implementation's identity cache file
// (SPEC_FULL.md §6).
func (id *Identity) Save(path string) error {
	if id.Private == nil {
		return fmt.Errorf("identity: save: no private key available")
	}
	der, err := x509.MarshalECPrivateKey(id.Private)
	if err != nil {
		return fmt.Errorf("identity: marshal private key: %w", err)
	}
	block := &pem.Block{Type: "EC PRIVATE KEY", Bytes: der}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("identity: create dir: %w", err)
		}
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		return fmt.Errorf("identity: write key file: %w", err)
	}

	fp, err := id.Fingerprint()
	if err != nil {
		return fmt.Errorf("identity: compute fingerprint: %w", err)
	}
	if err := os.WriteFile(path+".fingerprint", []byte(fp.ToBase32()+"\n"), 0600); err != nil {
		return fmt.Errorf("identity: write fingerprint sidecar: %w", err)
	}
	return nil
}

// Load reads a PEM-encoded EC private key from path.
func Load(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("identity: read key file: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "EC PRIVATE KEY" {
		return nil, fmt.Errorf("%w: no EC PRIVATE KEY PEM block", ErrBadIdentity)
	}
	priv, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parse EC private key: %v", ErrBadIdentity, err)
	}
	if priv.Curve != Curve {
		return nil, fmt.Errorf("%w: private key is not on P-256", ErrBadIdentity)
	}
	return &Identity{Private: priv, Public: &priv.PublicKey}, nil
}
