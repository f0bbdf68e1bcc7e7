package crypto

import (
	"crypto/rand"
	"fmt"

	"github.com/flynn/noise"
)

// Session bootstrap uses the one-shot Noise X pattern: the initiator's static
// key is its identity, the responder's static key is the published prekey the
// message is addressed to. The single handshake message carries the first
// plaintext, and the handshake channel binding seeds the double-ratchet root
// on both sides.

func cipherSuite() noise.CipherSuite {
	return noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)
}

func dhKey(kp *KeyPair) noise.DHKey {
	k := noise.DHKey{
		Private: make([]byte, 32),
		Public:  make([]byte, 32),
	}
	copy(k.Private, kp.Private[:])
	copy(k.Public, kp.Public[:])
	return k
}

// initiateSession runs the initiator side of the bootstrap against a peer
// prekey. It returns the handshake message embedding the first plaintext and
// the seeded ratchet state for all subsequent messages.
func initiateSession(identity *KeyPair, peerPreKey []byte, plaintext []byte) ([]byte, *ratchetState, error) {
	if len(peerPreKey) != 32 {
		return nil, nil, fmt.Errorf("prekey material must be 32 bytes, got %d", len(peerPreKey))
	}

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite(),
		Random:        rand.Reader,
		Pattern:       noise.HandshakeX,
		Initiator:     true,
		StaticKeypair: dhKey(identity),
		PeerStatic:    peerPreKey,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create handshake state: %w", err)
	}

	msg, _, _, err := hs.WriteMessage(nil, plaintext)
	if err != nil {
		return nil, nil, fmt.Errorf("handshake write failed: %w", err)
	}

	var root []byte
	root = append(root, hs.ChannelBinding()...)

	var peerPub [32]byte
	copy(peerPub[:], peerPreKey)
	st, err := initiatorState(root, peerPub)
	if err != nil {
		return nil, nil, err
	}
	return msg, st, nil
}

// respondSession runs the responder side of the bootstrap with the private
// half of the prekey the initiator addressed. It returns the first plaintext
// and the seeded ratchet state. senderRatchetPub is the initiator's first
// ratchet key, carried in clear in the envelope.
func respondSession(preKey *KeyPair, senderRatchetPub [32]byte, handshakeMsg []byte) ([]byte, *ratchetState, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite(),
		Random:        rand.Reader,
		Pattern:       noise.HandshakeX,
		Initiator:     false,
		StaticKeypair: dhKey(preKey),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create handshake state: %w", err)
	}

	plaintext, _, _, err := hs.ReadMessage(nil, handshakeMsg)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: handshake read failed: %v", ErrDecrypt, err)
	}

	var root []byte
	root = append(root, hs.ChannelBinding()...)

	st, err := responderState(root, preKey.Private, senderRatchetPub)
	if err != nil {
		return nil, nil, err
	}
	return plaintext, st, nil
}
