package identity

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	id, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	msg := []byte("hello overlay")
	sig, err := id.Sign(msg)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !id.Verify(msg, sig) {
		t.Fatal("Verify rejected a valid signature")
	}
	if id.Verify([]byte("tampered"), sig) {
		t.Fatal("Verify accepted a signature over the wrong message")
	}
}

func TestVerifyOnlyIdentityCannotSign(t *testing.T) {
	id, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	der, err := id.PublicKeyBytes()
	if err != nil {
		t.Fatalf("PublicKeyBytes: %v", err)
	}
	pubOnly, err := FromPublicKeyBytes(der)
	if err != nil {
		t.Fatalf("FromPublicKeyBytes: %v", err)
	}
	if _, err := pubOnly.Sign([]byte("x")); err == nil {
		t.Fatal("expected Sign to fail without a private key")
	}

	sig, err := id.Sign([]byte("x"))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !pubOnly.Verify([]byte("x"), sig) {
		t.Fatal("verify-only identity rejected a valid signature")
	}
}

func TestFingerprintStableAndUnique(t *testing.T) {
	a, _ := New()
	b, _ := New()
	fa, err := a.Fingerprint()
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	fa2, err := a.Fingerprint()
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if !fa.Equal(fa2) {
		t.Fatal("fingerprint not stable across calls")
	}
	fb, err := b.Fingerprint()
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if fa.Equal(fb) {
		t.Fatal("two distinct identities produced the same fingerprint")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	id, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	path := filepath.Join(t.TempDir(), "node.key")
	if err := id.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	wantFP, _ := id.Fingerprint()
	gotFP, err := loaded.Fingerprint()
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if !wantFP.Equal(gotFP) {
		t.Fatal("loaded identity has a different fingerprint")
	}
}

func TestLoadBadIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.key")
	if err := os.WriteFile(path, []byte("not a pem file"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected Load to fail on malformed key file")
	}
}
