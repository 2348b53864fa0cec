package crypto

import (
	"crypto/rsa"
	"errors"

	"github.com/opencourier/relay/pkg/protocol"
)

var ErrWrongIdentity = errors.New("key store does not hold this identity")

// Signator signs bytes on behalf of an identity it holds the key for
type Signator interface {
	SignBytes(id protocol.Id, data []byte) (protocol.Signature, error)
}

// KeyStore supplies one identity's keypair to the relay core. The
// private key never leaves the store; callers get signing and
// unsealing as capabilities.
type KeyStore interface {
	Signator

	Identity() protocol.Id
	PublicKey() *rsa.PublicKey
	PublicKeyPEM() []byte
	Unseal(blob []byte) ([]byte, error)
	UnwrapKey(wrapped []byte) ([]byte, error)
}

// PublicKeyProvider maps an identity to its public key, used for
// authorization checks against presented keys
type PublicKeyProvider interface {
	GetPublicKey(id protocol.Id) (*rsa.PublicKey, error)
}

// LocalKeyStore is an in-process KeyStore backed by a single RSA key
type LocalKeyStore struct {
	priv   *rsa.PrivateKey
	pubPEM []byte
	id     protocol.Id
}

// NewLocalKeyStore wraps a private key as a KeyStore
func NewLocalKeyStore(priv *rsa.PrivateKey) (*LocalKeyStore, error) {
	pubPEM, err := ExportPublicKeyPEM(&priv.PublicKey)
	if err != nil {
		return nil, err
	}

	id, err := IdentityFromPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, err
	}

	return &LocalKeyStore{priv: priv, pubPEM: pubPEM, id: id}, nil
}

// Identity returns the identity derived from the held public key
func (ks *LocalKeyStore) Identity() protocol.Id {
	return ks.id
}

// PublicKey returns the held public key
func (ks *LocalKeyStore) PublicKey() *rsa.PublicKey {
	return &ks.priv.PublicKey
}

// PublicKeyPEM returns the held public key in PEM form
func (ks *LocalKeyStore) PublicKeyPEM() []byte {
	return ks.pubPEM
}

// SignBytes signs data for the held identity
func (ks *LocalKeyStore) SignBytes(id protocol.Id, data []byte) (protocol.Signature, error) {
	if id != ks.id {
		return protocol.Signature{}, ErrWrongIdentity
	}
	return Sign(data, ks.priv)
}

// Unseal opens a hybrid-sealed blob addressed to the held identity
func (ks *LocalKeyStore) Unseal(blob []byte) ([]byte, error) {
	return Open(blob, ks.priv)
}

// UnwrapKey decrypts an RSA-wrapped session key
func (ks *LocalKeyStore) UnwrapKey(wrapped []byte) ([]byte, error) {
	return Decrypt(wrapped, ks.priv)
}

// StaticKeyProvider is a fixed identity → public key map
type StaticKeyProvider map[protocol.Id]*rsa.PublicKey

// GetPublicKey returns the key for an identity, nil if unknown
func (p StaticKeyProvider) GetPublicKey(id protocol.Id) (*rsa.PublicKey, error) {
	return p[id], nil
}
