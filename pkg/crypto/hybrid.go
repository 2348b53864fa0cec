package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"io"
)

var ErrInvalidSealedBlob = errors.New("invalid sealed blob")

// SessionKeySize is the AES-256 key size used for per-message keys
const SessionKeySize = 32

// GenerateSessionKey generates a random AES-256 session key
func GenerateSessionKey() ([]byte, error) {
	key := make([]byte, SessionKeySize)
	_, err := rand.Read(key)
	return key, err
}

// SymmetricEncrypt encrypts data with AES-256-GCM, nonce prepended
func SymmetricEncrypt(plaintext []byte, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// SymmetricDecrypt decrypts AES-256-GCM data with a prepended nonce
func SymmetricDecrypt(ciphertext []byte, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// Seal encrypts a payload for a recipient using hybrid encryption:
// a fresh AES session key sealed with RSA-OAEP, followed by the
// AES-GCM ciphertext. Layout: [u16 keyLen][wrapped key][ciphertext].
func Seal(plaintext []byte, recipient *rsa.PublicKey) ([]byte, error) {
	sessionKey, err := GenerateSessionKey()
	if err != nil {
		return nil, err
	}

	ciphertext, err := SymmetricEncrypt(plaintext, sessionKey)
	if err != nil {
		return nil, err
	}

	wrappedKey, err := Encrypt(sessionKey, recipient)
	if err != nil {
		return nil, err
	}

	keyLen := uint16(len(wrappedKey))
	sealed := make([]byte, 2+len(wrappedKey)+len(ciphertext))
	sealed[0] = byte(keyLen >> 8)
	sealed[1] = byte(keyLen)
	copy(sealed[2:], wrappedKey)
	copy(sealed[2+len(wrappedKey):], ciphertext)

	return sealed, nil
}

// Open decrypts a hybrid-sealed blob with the recipient's private key
func Open(sealed []byte, privateKey *rsa.PrivateKey) ([]byte, error) {
	if len(sealed) < 2 {
		return nil, ErrInvalidSealedBlob
	}

	keyLen := uint16(sealed[0])<<8 | uint16(sealed[1])
	if len(sealed) < int(2+keyLen) {
		return nil, ErrInvalidSealedBlob
	}

	wrappedKey := sealed[2 : 2+keyLen]
	ciphertext := sealed[2+keyLen:]

	sessionKey, err := Decrypt(wrappedKey, privateKey)
	if err != nil {
		return nil, err
	}

	return SymmetricDecrypt(ciphertext, sessionKey)
}
