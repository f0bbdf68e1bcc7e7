// Package crypto implements the end-to-end encryption primitive for botbox:
// one long-term identity per bot, one-time prekeys, and a double-ratchet
// session per remote device, all persisted through a pluggable storage
// backend.
//
// Example:
//
//	box, err := crypto.Open(store.NewFileStore(dir), botID)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer box.Close()
package crypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/curve25519"
)

// KeyPair represents a Curve25519 key pair.
type KeyPair struct {
	Public  [32]byte `json:"public"`
	Private [32]byte `json:"private"`
}

// GenerateKeyPair creates a new random Curve25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	var private [32]byte
	if _, err := rand.Read(private[:]); err != nil {
		return nil, err
	}
	clampScalar(&private)
	return FromSecretKey(private)
}

// FromSecretKey derives a key pair from an existing private key.
func FromSecretKey(secretKey [32]byte) (*KeyPair, error) {
	if isZeroKey(secretKey) {
		return nil, errors.New("invalid secret key: all zeros")
	}

	public, err := curve25519.X25519(secretKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}

	kp := &KeyPair{Private: secretKey}
	copy(kp.Public[:], public)
	return kp, nil
}

// clampScalar applies the RFC 7748 masking so the stored private key is
// already in canonical form.
func clampScalar(k *[32]byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key [32]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
