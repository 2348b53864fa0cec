package crypto

import (
	"bytes"
	"testing"

	"github.com/opencourier/relay/pkg/protocol"
)

func TestHash(t *testing.T) {
	h1, err := Hash([]byte("data"))
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	if len(h1) != 32 {
		t.Errorf("Hash() length = %d, want 32", len(h1))
	}

	h2, _ := Hash([]byte("data"))
	if !bytes.Equal(h1, h2) {
		t.Error("Hash() not deterministic")
	}

	h3, _ := Hash([]byte("other"))
	if bytes.Equal(h1, h3) {
		t.Error("Hash() collision on different inputs")
	}
}

func TestHashString(t *testing.T) {
	s, err := HashString([]byte("data"))
	if err != nil {
		t.Fatalf("HashString() error = %v", err)
	}
	if len(s) != 64 {
		t.Errorf("HashString() length = %d, want 64", len(s))
	}
}

func TestGenerateNonce(t *testing.T) {
	n1, err := GenerateNonce(protocol.ChallengeSize)
	if err != nil {
		t.Fatalf("GenerateNonce() error = %v", err)
	}
	if len(n1) != protocol.ChallengeSize {
		t.Errorf("GenerateNonce() length = %d, want %d", len(n1), protocol.ChallengeSize)
	}

	n2, _ := GenerateNonce(protocol.ChallengeSize)
	if bytes.Equal(n1, n2) {
		t.Error("GenerateNonce() generated identical nonces")
	}
}

func TestIdentityFromPublicKey(t *testing.T) {
	keyA, keyB := testKeys(t)

	idA, err := IdentityFromPublicKey(&keyA.PublicKey)
	if err != nil {
		t.Fatalf("IdentityFromPublicKey() error = %v", err)
	}
	if protocol.IsZeroId(idA) {
		t.Fatal("IdentityFromPublicKey() returned zero identity")
	}

	// Same key, same identity
	again, _ := IdentityFromPublicKey(&keyA.PublicKey)
	if idA != again {
		t.Error("IdentityFromPublicKey() not deterministic")
	}

	idB, _ := IdentityFromPublicKey(&keyB.PublicKey)
	if idA == idB {
		t.Error("IdentityFromPublicKey() identical for different keys")
	}
}

func TestIdentityFromPEM(t *testing.T) {
	key, _ := testKeys(t)

	pemData, _ := ExportPublicKeyPEM(&key.PublicKey)

	fromPEM, err := IdentityFromPEM(pemData)
	if err != nil {
		t.Fatalf("IdentityFromPEM() error = %v", err)
	}

	fromKey, _ := IdentityFromPublicKey(&key.PublicKey)
	if fromPEM != fromKey {
		t.Error("IdentityFromPEM() differs from IdentityFromPublicKey()")
	}

	if _, err := IdentityFromPEM([]byte("garbage")); err == nil {
		t.Error("IdentityFromPEM() expected error for invalid PEM")
	}
}

func TestLocalKeyStore(t *testing.T) {
	key, other := testKeys(t)

	ks, err := NewLocalKeyStore(key)
	if err != nil {
		t.Fatalf("NewLocalKeyStore() error = %v", err)
	}

	wantId, _ := IdentityFromPublicKey(&key.PublicKey)
	if ks.Identity() != wantId {
		t.Error("Identity() mismatch")
	}

	// SignBytes refuses identities it does not hold
	otherId, _ := IdentityFromPublicKey(&other.PublicKey)
	if _, err := ks.SignBytes(otherId, []byte("data")); err != ErrWrongIdentity {
		t.Errorf("SignBytes() error = %v, want ErrWrongIdentity", err)
	}

	sig, err := ks.SignBytes(ks.Identity(), []byte("data"))
	if err != nil {
		t.Fatalf("SignBytes() error = %v", err)
	}
	if err := Verify([]byte("data"), sig, ks.PublicKey()); err != nil {
		t.Errorf("Verify() error = %v", err)
	}

	// Unseal opens what Seal sealed for this identity
	sealed, _ := Seal([]byte("hello"), ks.PublicKey())
	opened, err := ks.Unseal(sealed)
	if err != nil {
		t.Fatalf("Unseal() error = %v", err)
	}
	if !bytes.Equal(opened, []byte("hello")) {
		t.Error("Unseal() roundtrip mismatch")
	}

	// UnwrapKey reverses Encrypt
	sessionKey, _ := GenerateSessionKey()
	wrapped, _ := Encrypt(sessionKey, ks.PublicKey())
	unwrapped, err := ks.UnwrapKey(wrapped)
	if err != nil {
		t.Fatalf("UnwrapKey() error = %v", err)
	}
	if !bytes.Equal(unwrapped, sessionKey) {
		t.Error("UnwrapKey() roundtrip mismatch")
	}
}

func TestStaticKeyProvider(t *testing.T) {
	key, _ := testKeys(t)
	id, _ := IdentityFromPublicKey(&key.PublicKey)

	provider := StaticKeyProvider{id: &key.PublicKey}

	got, err := provider.GetPublicKey(id)
	if err != nil {
		t.Fatalf("GetPublicKey() error = %v", err)
	}
	if got != &key.PublicKey {
		t.Error("GetPublicKey() returned wrong key")
	}

	unknown, err := provider.GetPublicKey(protocol.Id{0xFF})
	if err != nil {
		t.Fatalf("GetPublicKey() error = %v", err)
	}
	if unknown != nil {
		t.Error("GetPublicKey() expected nil for unknown identity")
	}
}
