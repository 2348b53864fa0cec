package relay

import (
	"crypto/rsa"
	"errors"
	"fmt"

	"github.com/opencourier/relay/pkg/crypto"
	"github.com/opencourier/relay/pkg/policy"
	"github.com/opencourier/relay/pkg/protocol"
	"github.com/opencourier/relay/pkg/transport"
)

var (
	ErrHandshakeFailed      = errors.New("handshake failed")
	ErrFailedChallenge      = errors.New("challenge signature rejected")
	ErrAlgorithmMismatch    = errors.New("signature algorithm mismatch")
	ErrUnauthorizedIdentity = errors.New("identity is not authorized to connect")
	ErrServerKeyMismatch    = errors.New("server key does not match pinned key")
)

// clientHandshake runs the initiator side of the mutual
// challenge-response authentication:
//
//  1. server sends its public key (identity claim)
//  2. client sends a fresh challenge tagged with the algorithm
//  3. server answers with a signature; client verifies
//  4. client sends its own public key, sealed for the server
//  5. server sends a challenge for the client
//  6. client answers with a sealed signature
//  7. server reports AUTHENTICATED or FAILED_CHALLENGE
//
// Trust is pinned to whatever key answered unless the caller supplies
// an expected key.
func clientHandshake(sess transport.Session, keys crypto.KeyStore, pinned *rsa.PublicKey) (*rsa.PublicKey, protocol.Id, error) {
	// Step 1: server identity claim
	serverPubPEM, err := sess.ReadFrame()
	if err != nil {
		return nil, protocol.Id{}, fmt.Errorf("%w: reading server key: %v", ErrHandshakeFailed, err)
	}

	serverPub, err := crypto.ImportPublicKeyPEM(serverPubPEM)
	if err != nil {
		return nil, protocol.Id{}, fmt.Errorf("%w: bad server key: %v", ErrHandshakeFailed, err)
	}

	serverId, err := crypto.IdentityFromPublicKey(serverPub)
	if err != nil {
		return nil, protocol.Id{}, err
	}

	if pinned != nil {
		pinnedId, err := crypto.IdentityFromPublicKey(pinned)
		if err != nil {
			return nil, protocol.Id{}, err
		}
		if pinnedId != serverId {
			return nil, protocol.Id{}, ErrServerKeyMismatch
		}
	}

	// Step 2: challenge the server
	challenge := protocol.Challenge{Algorithm: protocol.AlgRSASHA256}
	nonce, err := crypto.GenerateNonce(protocol.ChallengeSize)
	if err != nil {
		return nil, protocol.Id{}, err
	}
	copy(challenge.Nonce[:], nonce)

	if err := sess.WriteFrame(challenge.Encode()); err != nil {
		return nil, protocol.Id{}, err
	}

	// Step 3: verify the server's answer
	sigFrame, err := sess.ReadFrame()
	if err != nil {
		return nil, protocol.Id{}, fmt.Errorf("%w: reading server signature: %v", ErrHandshakeFailed, err)
	}

	var serverSig protocol.Signature
	if err := serverSig.Decode(sigFrame); err != nil {
		return nil, protocol.Id{}, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if serverSig.Algorithm != challenge.Algorithm {
		return nil, protocol.Id{}, ErrAlgorithmMismatch
	}
	if err := crypto.Verify(challenge.Nonce[:], serverSig, serverPub); err != nil {
		return nil, protocol.Id{}, ErrFailedChallenge
	}

	// Step 4: present our identity, sealed for the server
	sealedIdentity, err := crypto.Seal(keys.PublicKeyPEM(), serverPub)
	if err != nil {
		return nil, protocol.Id{}, err
	}
	if err := sess.WriteFrame(sealedIdentity); err != nil {
		return nil, protocol.Id{}, err
	}

	// Step 5: the server's challenge for us
	challengeFrame, err := sess.ReadFrame()
	if err != nil {
		return nil, protocol.Id{}, fmt.Errorf("%w: reading challenge: %v", ErrHandshakeFailed, err)
	}

	var clientChallenge protocol.Challenge
	if err := clientChallenge.Decode(challengeFrame); err != nil {
		return nil, protocol.Id{}, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if clientChallenge.Algorithm != protocol.AlgRSASHA256 {
		return nil, protocol.Id{}, ErrAlgorithmMismatch
	}

	// Step 6: answer it, sealed for the server
	sig, err := keys.SignBytes(keys.Identity(), clientChallenge.Nonce[:])
	if err != nil {
		return nil, protocol.Id{}, err
	}

	sealedSig, err := crypto.Seal(sig.Encode(), serverPub)
	if err != nil {
		return nil, protocol.Id{}, err
	}
	if err := sess.WriteFrame(sealedSig); err != nil {
		return nil, protocol.Id{}, err
	}

	// Step 7: final status
	statusFrame, err := sess.ReadFrame()
	if err != nil {
		return nil, protocol.Id{}, fmt.Errorf("%w: reading status: %v", ErrHandshakeFailed, err)
	}

	status, err := protocol.DecodeStatus(statusFrame)
	if err != nil {
		return nil, protocol.Id{}, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if status != protocol.StatusAuthenticated {
		return nil, protocol.Id{}, ErrFailedChallenge
	}

	return serverPub, serverId, nil
}

// serverHandshake runs the responder side of the handshake (the
// mirror of clientHandshake), consulting the policy store before
// accepting the presented identity.
func serverHandshake(sess transport.Session, keys crypto.KeyStore, policies *policy.Store, known crypto.PublicKeyProvider) (protocol.Id, *rsa.PublicKey, error) {
	// Step 1: identity claim
	if err := sess.WriteFrame(keys.PublicKeyPEM()); err != nil {
		return protocol.Id{}, nil, err
	}

	// Step 2: client's challenge
	challengeFrame, err := sess.ReadFrame()
	if err != nil {
		return protocol.Id{}, nil, fmt.Errorf("%w: reading challenge: %v", ErrHandshakeFailed, err)
	}

	var challenge protocol.Challenge
	if err := challenge.Decode(challengeFrame); err != nil {
		return protocol.Id{}, nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if challenge.Algorithm != protocol.AlgRSASHA256 {
		return protocol.Id{}, nil, ErrAlgorithmMismatch
	}

	// Step 3: answer it
	sig, err := keys.SignBytes(keys.Identity(), challenge.Nonce[:])
	if err != nil {
		return protocol.Id{}, nil, err
	}
	if err := sess.WriteFrame(sig.Encode()); err != nil {
		return protocol.Id{}, nil, err
	}

	// Step 4: the client's sealed identity
	sealedIdentity, err := sess.ReadFrame()
	if err != nil {
		return protocol.Id{}, nil, fmt.Errorf("%w: reading identity: %v", ErrHandshakeFailed, err)
	}

	clientPubPEM, err := keys.Unseal(sealedIdentity)
	if err != nil {
		return protocol.Id{}, nil, fmt.Errorf("%w: unsealing identity: %v", ErrHandshakeFailed, err)
	}

	clientPub, err := crypto.ImportPublicKeyPEM(clientPubPEM)
	if err != nil {
		return protocol.Id{}, nil, fmt.Errorf("%w: bad client key: %v", ErrHandshakeFailed, err)
	}

	clientId, err := crypto.IdentityFromPublicKey(clientPub)
	if err != nil {
		return protocol.Id{}, nil, err
	}

	if !policies.Resolve(clientId).ConnectionAllowed {
		return protocol.Id{}, nil, ErrUnauthorizedIdentity
	}

	if known != nil {
		expected, err := known.GetPublicKey(clientId)
		if err != nil {
			return protocol.Id{}, nil, err
		}
		if expected == nil {
			return protocol.Id{}, nil, ErrUnauthorizedIdentity
		}
	}

	// Step 5: challenge the client
	clientChallenge := protocol.Challenge{Algorithm: protocol.AlgRSASHA256}
	nonce, err := crypto.GenerateNonce(protocol.ChallengeSize)
	if err != nil {
		return protocol.Id{}, nil, err
	}
	copy(clientChallenge.Nonce[:], nonce)

	if err := sess.WriteFrame(clientChallenge.Encode()); err != nil {
		return protocol.Id{}, nil, err
	}

	// Step 6: verify the sealed answer
	sealedSig, err := sess.ReadFrame()
	if err != nil {
		return protocol.Id{}, nil, fmt.Errorf("%w: reading signature: %v", ErrHandshakeFailed, err)
	}

	sigBytes, err := keys.Unseal(sealedSig)
	if err != nil {
		return protocol.Id{}, nil, fmt.Errorf("%w: unsealing signature: %v", ErrHandshakeFailed, err)
	}

	var clientSig protocol.Signature
	if err := clientSig.Decode(sigBytes); err != nil {
		return protocol.Id{}, nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if clientSig.Algorithm != clientChallenge.Algorithm {
		return protocol.Id{}, nil, ErrAlgorithmMismatch
	}

	if err := crypto.Verify(clientChallenge.Nonce[:], clientSig, clientPub); err != nil {
		// Step 7 (failure): tell the peer before closing
		sess.WriteFrame(protocol.EncodeStatus(protocol.StatusFailedChallenge))
		return protocol.Id{}, nil, ErrFailedChallenge
	}

	// Step 7: success
	if err := sess.WriteFrame(protocol.EncodeStatus(protocol.StatusAuthenticated)); err != nil {
		return protocol.Id{}, nil, err
	}

	return clientId, clientPub, nil
}
