package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"
)

// sealData encrypts a record blob with AES-GCM under a key derived from the
// identity private key. Session and prekey records are never written to the
// backing store in clear.
func sealData(data, keyMaterial []byte) ([]byte, error) {
	key := sha256.Sum256(keyMaterial)

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aesGCM.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	// The nonce is prepended to the sealed blob.
	return aesGCM.Seal(nonce, nonce, data, nil), nil
}

// openData decrypts a blob produced by sealData.
func openData(sealed, keyMaterial []byte) ([]byte, error) {
	key := sha256.Sum256(keyMaterial)

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(sealed) < aesGCM.NonceSize() {
		return nil, errors.New("sealed record too short")
	}
	nonce, ciphertext := sealed[:aesGCM.NonceSize()], sealed[aesGCM.NonceSize():]
	return aesGCM.Open(nil, nonce, ciphertext, nil)
}
