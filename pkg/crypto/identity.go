package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"

	"github.com/opencourier/relay/pkg/protocol"
)

// Hash generates a BLAKE2b-256 hash
func Hash(data []byte) ([]byte, error) {
	hash, err := blake2b.New256(nil)
	if err != nil {
		return nil, err
	}

	hash.Write(data)
	return hash.Sum(nil), nil
}

// HashString generates a BLAKE2b hash and returns a hex string
func HashString(data []byte) (string, error) {
	hash, err := Hash(data)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(hash), nil
}

// GenerateNonce generates random bytes
func GenerateNonce(size int) ([]byte, error) {
	nonce := make([]byte, size)
	_, err := rand.Read(nonce)
	if err != nil {
		return nil, err
	}
	return nonce, nil
}

// IdentityFromPublicKey derives an identity from a public key.
// The identity is the BLAKE2b-256 digest of the PKIX DER encoding, so
// two parties always derive the same address from the same key.
func IdentityFromPublicKey(pub *rsa.PublicKey) (protocol.Id, error) {
	var id protocol.Id

	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return id, err
	}

	digest, err := Hash(der)
	if err != nil {
		return id, err
	}

	copy(id[:], digest)
	return id, nil
}

// IdentityFromPEM derives an identity from a PEM-encoded public key
func IdentityFromPEM(pemData []byte) (protocol.Id, error) {
	pub, err := ImportPublicKeyPEM(pemData)
	if err != nil {
		return protocol.Id{}, err
	}
	return IdentityFromPublicKey(pub)
}
