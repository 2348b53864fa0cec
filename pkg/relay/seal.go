package relay

import (
	"crypto/rsa"
	"errors"

	"github.com/opencourier/relay/pkg/crypto"
	"github.com/opencourier/relay/pkg/protocol"
)

var (
	ErrBadSignature = errors.New("message signature verification failed")
	ErrNotRecipient = errors.New("envelope is not addressed to this identity")
)

// sealMessage builds a v2 envelope: a fresh session key encrypts the
// signed message, and the key travels wrapped for the recipient. The
// relay sees the recipient identity and the storage key, nothing else.
func sealMessage(msg *protocol.Message, to *rsa.PublicKey, storageKey string) (*protocol.Envelope, error) {
	recipient, err := crypto.IdentityFromPublicKey(to)
	if err != nil {
		return nil, err
	}

	sessionKey, err := crypto.GenerateSessionKey()
	if err != nil {
		return nil, err
	}

	sealed, err := crypto.SymmetricEncrypt(msg.Encode(), sessionKey)
	if err != nil {
		return nil, err
	}

	keyBlob, err := crypto.Encrypt(sessionKey, to)
	if err != nil {
		return nil, err
	}

	return &protocol.Envelope{
		Version:    protocol.VersionV2,
		Recipient:  recipient,
		KeyBlob:    keyBlob,
		StorageKey: storageKey,
		Sealed:     sealed,
	}, nil
}

// sealMessageV1 builds a first-generation envelope: the message is
// hybrid-sealed directly under the recipient key and carries no
// storage key, so it can only be live-forwarded.
func sealMessageV1(msg *protocol.Message, to *rsa.PublicKey) (*protocol.Envelope, error) {
	toPEM, err := crypto.ExportPublicKeyPEM(to)
	if err != nil {
		return nil, err
	}

	sealed, err := crypto.Seal(msg.Encode(), to)
	if err != nil {
		return nil, err
	}

	return &protocol.Envelope{
		Version:      protocol.VersionV1,
		RecipientPub: toPEM,
		StorageKey:   protocol.NoStorageKey,
		Sealed:       sealed,
	}, nil
}

// openEnvelope decrypts an envelope addressed to the key store's
// identity, decodes the inner message, and verifies the sender
// signature against the claimed sender key. Returns the message and
// the verified sender.
func openEnvelope(env *protocol.Envelope, keys crypto.KeyStore) (*protocol.Message, protocol.Id, *rsa.PublicKey, error) {
	var plain []byte
	var err error

	switch env.Version {
	case protocol.VersionV1:
		recipient, derr := crypto.IdentityFromPEM(env.RecipientPub)
		if derr != nil {
			return nil, protocol.Id{}, nil, derr
		}
		if recipient != keys.Identity() {
			return nil, protocol.Id{}, nil, ErrNotRecipient
		}
		plain, err = keys.Unseal(env.Sealed)
	case protocol.VersionV2:
		if env.Recipient != keys.Identity() {
			return nil, protocol.Id{}, nil, ErrNotRecipient
		}
		var sessionKey []byte
		sessionKey, err = keys.UnwrapKey(env.KeyBlob)
		if err == nil {
			plain, err = crypto.SymmetricDecrypt(env.Sealed, sessionKey)
		}
	default:
		return nil, protocol.Id{}, nil, protocol.ErrUnknownVersion
	}
	if err != nil {
		return nil, protocol.Id{}, nil, err
	}

	var msg protocol.Message
	if err := msg.Decode(plain); err != nil {
		return nil, protocol.Id{}, nil, err
	}

	senderPub, err := crypto.ImportPublicKeyPEM(msg.Header.FromPub)
	if err != nil {
		return nil, protocol.Id{}, nil, err
	}

	if err := crypto.Verify(msg.Body, msg.Header.Signature, senderPub); err != nil {
		return nil, protocol.Id{}, nil, ErrBadSignature
	}

	sender, err := crypto.IdentityFromPublicKey(senderPub)
	if err != nil {
		return nil, protocol.Id{}, nil, err
	}

	return &msg, sender, senderPub, nil
}

// routeTarget extracts the recipient identity routing is based on,
// regardless of envelope generation
func routeTarget(env *protocol.Envelope) (protocol.Id, error) {
	switch env.Version {
	case protocol.VersionV1:
		return crypto.IdentityFromPEM(env.RecipientPub)
	case protocol.VersionV2:
		return env.Recipient, nil
	default:
		return protocol.Id{}, protocol.ErrUnknownVersion
	}
}
