package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"

	"github.com/opencourier/relay/pkg/protocol"
)

var (
	ErrInvalidKey       = errors.New("invalid key")
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrUnknownAlgorithm = errors.New("unknown signature algorithm")
)

// GenerateKeyPair generates a new RSA-4096 key pair
func GenerateKeyPair() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, 4096)
}

// ExportPrivateKeyPEM exports a private key to PEM format
func ExportPrivateKeyPEM(key *rsa.PrivateKey) ([]byte, error) {
	privASN1 := x509.MarshalPKCS1PrivateKey(key)

	privBlock := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: privASN1,
	}

	return pem.EncodeToMemory(privBlock), nil
}

// ExportPublicKeyPEM exports a public key to PEM format
func ExportPublicKeyPEM(key *rsa.PublicKey) ([]byte, error) {
	pubASN1, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return nil, err
	}

	pubBlock := &pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubASN1,
	}

	return pem.EncodeToMemory(pubBlock), nil
}

// ImportPrivateKeyPEM imports a private key from PEM format
func ImportPrivateKeyPEM(pemData []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, ErrInvalidKey
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}

	return key, nil
}

// ImportPublicKeyPEM imports a public key from PEM format
func ImportPublicKeyPEM(pemData []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, ErrInvalidKey
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}

	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, ErrInvalidKey
	}

	return rsaPub, nil
}

// SaveKeyToFile saves a PEM encoded key to file
func SaveKeyToFile(filename string, pemData []byte) error {
	return os.WriteFile(filename, pemData, 0600)
}

// LoadKeyFromFile loads a PEM encoded key from file
func LoadKeyFromFile(filename string) ([]byte, error) {
	return os.ReadFile(filename)
}

// Encrypt encrypts data with an RSA public key using OAEP
func Encrypt(data []byte, publicKey *rsa.PublicKey) ([]byte, error) {
	hash := sha256.New()
	ciphertext, err := rsa.EncryptOAEP(hash, rand.Reader, publicKey, data, nil)
	if err != nil {
		return nil, ErrEncryptionFailed
	}
	return ciphertext, nil
}

// Decrypt decrypts data with an RSA private key using OAEP
func Decrypt(ciphertext []byte, privateKey *rsa.PrivateKey) ([]byte, error) {
	hash := sha256.New()
	plaintext, err := rsa.DecryptOAEP(hash, rand.Reader, privateKey, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// Sign signs data with an RSA private key and tags the algorithm
func Sign(data []byte, privateKey *rsa.PrivateKey) (protocol.Signature, error) {
	hashed := sha256.Sum256(data)

	sig, err := rsa.SignPKCS1v15(rand.Reader, privateKey, 0, hashed[:])
	if err != nil {
		return protocol.Signature{}, err
	}

	return protocol.Signature{Algorithm: protocol.AlgRSASHA256, Bytes: sig}, nil
}

// Verify verifies a tagged signature against the claimed public key
func Verify(data []byte, sig protocol.Signature, publicKey *rsa.PublicKey) error {
	if sig.Algorithm != protocol.AlgRSASHA256 {
		return ErrUnknownAlgorithm
	}

	hashed := sha256.Sum256(data)
	return rsa.VerifyPKCS1v15(publicKey, 0, hashed[:], sig.Bytes)
}
