package securesocket

import (
	"testing"

	"github.com/hmatuschek/overlaynet/identifier"
	"github.com/hmatuschek/overlaynet/identity"
)

func newTestHandshake(t *testing.T) (*identity.Identity, *Handshake) {
	t.Helper()
	id, err := identity.New()
	if err != nil {
		t.Fatalf("identity.New: %v", err)
	}
	hs, err := NewHandshake(id)
	if err != nil {
		t.Fatalf("NewHandshake: %v", err)
	}
	return id, hs
}

func TestHandshakeDeriveKeysAgree(t *testing.T) {
	_, a := newTestHandshake(t)
	_, b := newTestHandshake(t)

	blobA, err := a.Blob()
	if err != nil {
		t.Fatalf("a.Blob: %v", err)
	}
	blobB, err := b.Blob()
	if err != nil {
		t.Fatalf("b.Blob: %v", err)
	}

	peerA, err := VerifyBlob(blobA)
	if err != nil {
		t.Fatalf("VerifyBlob(a): %v", err)
	}
	peerB, err := VerifyBlob(blobB)
	if err != nil {
		t.Fatalf("VerifyBlob(b): %v", err)
	}

	keysFromB, err := b.DeriveKeys(peerA.EphemeralPub)
	if err != nil {
		t.Fatalf("b.DeriveKeys: %v", err)
	}
	keysFromA, err := a.DeriveKeys(peerB.EphemeralPub)
	if err != nil {
		t.Fatalf("a.DeriveKeys: %v", err)
	}

	if keysFromA.Key != keysFromB.Key || keysFromA.IVFixed != keysFromB.IVFixed {
		t.Fatal("both sides of the ECDH exchange derived different session keys")
	}
}

func TestVerifyBlobRejectsTamperedEphemeralKey(t *testing.T) {
	_, a := newTestHandshake(t)
	blob, err := a.Blob()
	if err != nil {
		t.Fatalf("Blob: %v", err)
	}
	blob.EphemeralPub[0] ^= 0xFF

	if _, err := VerifyBlob(blob); err == nil {
		t.Fatal("expected VerifyBlob to reject a tampered ephemeral key")
	}
}

func TestCheckExpectedTargetRejectsMismatch(t *testing.T) {
	_, a := newTestHandshake(t)
	blob, err := a.Blob()
	if err != nil {
		t.Fatalf("Blob: %v", err)
	}
	peer, err := VerifyBlob(blob)
	if err != nil {
		t.Fatalf("VerifyBlob: %v", err)
	}
	wrong, _ := identifier.Random()
	if err := CheckExpectedTarget(peer, wrong); err == nil {
		t.Fatal("expected fingerprint mismatch to be rejected")
	}
	if err := CheckExpectedTarget(peer, peer.Fingerprint); err != nil {
		t.Fatalf("expected matching fingerprint to be accepted, got %v", err)
	}
}

func pairedSockets(t *testing.T) (*Socket, *Socket) {
	t.Helper()
	_, a := newTestHandshake(t)
	_, b := newTestHandshake(t)

	blobA, _ := a.Blob()
	blobB, _ := b.Blob()
	peerA, err := VerifyBlob(blobA)
	if err != nil {
		t.Fatalf("VerifyBlob(a): %v", err)
	}
	peerB, err := VerifyBlob(blobB)
	if err != nil {
		t.Fatalf("VerifyBlob(b): %v", err)
	}

	keysA, err := a.DeriveKeys(peerB.EphemeralPub)
	if err != nil {
		t.Fatalf("a.DeriveKeys: %v", err)
	}
	keysB, err := b.DeriveKeys(peerA.EphemeralPub)
	if err != nil {
		t.Fatalf("b.DeriveKeys: %v", err)
	}

	streamID, _ := identifier.Random()
	sockA, err := NewSocket(streamID, peerB.Fingerprint, keysA, 1000)
	if err != nil {
		t.Fatalf("NewSocket(a): %v", err)
	}
	sockB, err := NewSocket(streamID, peerA.Fingerprint, keysB, 1000)
	if err != nil {
		t.Fatalf("NewSocket(b): %v", err)
	}
	return sockA, sockB
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	sockA, sockB := pairedSockets(t)

	msg := []byte("hello overlay")
	record, err := sockA.Encrypt(msg)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	got, err := sockB.Decrypt(record)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(got) != string(msg) {
		t.Fatalf("got %q, want %q", got, msg)
	}
}

func TestEncryptAdvancesSequenceByCiphertextLength(t *testing.T) {
	sockA, _ := pairedSockets(t)
	before := sockA.outSeq
	msg := make([]byte, 100)
	if _, err := sockA.Encrypt(msg); err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if sockA.outSeq != before+100 {
		t.Fatalf("outSeq advanced by %d, want 100", sockA.outSeq-before)
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	sockA, sockB := pairedSockets(t)
	record, err := sockA.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	record[len(record)-1] ^= 0xFF
	if _, err := sockB.Decrypt(record); err == nil {
		t.Fatal("expected tampered ciphertext to fail authentication")
	}
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	sockA, _ := pairedSockets(t)
	sockC, _ := pairedSockets(t)
	record, err := sockA.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := sockC.Decrypt(record); err == nil {
		t.Fatal("expected decryption under an unrelated session key to fail")
	}
}

func TestEncryptRejectsOversizedPlaintext(t *testing.T) {
	sockA, _ := pairedSockets(t)
	if _, err := sockA.Encrypt(make([]byte, MaxPlaintext+1)); err == nil {
		t.Fatal("expected oversized plaintext to be rejected")
	}
	if _, err := sockA.Encrypt(make([]byte, MaxPlaintext)); err != nil {
		t.Fatalf("expected max-sized plaintext to succeed, got %v", err)
	}
}

func TestSendNullProducesEmptyPayload(t *testing.T) {
	sockA, sockB := pairedSockets(t)
	record, err := sockA.SendNull()
	if err != nil {
		t.Fatalf("SendNull: %v", err)
	}
	got, err := sockB.Decrypt(record)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d bytes, want empty keep-alive payload", len(got))
	}
}
