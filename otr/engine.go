package otr

import (
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"botbox/crypto"
	"botbox/store"
)

// Engine wraps one crypto.Box and speaks the backend's base64 recipient
// maps. It is thread safe; all session state is guarded by the box lock.
type Engine struct {
	box *crypto.Box
	log *logrus.Entry
}

// NewEngine opens the crypto box for the given identity over the storage
// backend.
func NewEngine(storage store.Storage, id string) (*Engine, error) {
	box, err := crypto.Open(storage, id)
	if err != nil {
		return nil, fmt.Errorf("failed to open crypto box for %s: %w", id, err)
	}
	return &Engine{
		box: box,
		log: logrus.WithFields(logrus.Fields{
			"component": "otr.Engine",
			"id":        id,
		}),
	}, nil
}

// sessionID builds the peer id an engine keys its sessions by.
func sessionID(userID uuid.UUID, clientID string) string {
	return fmt.Sprintf("%s_%s", userID, clientID)
}

// NewLastPreKey returns the reserved last-resort prekey in wire form.
func (e *Engine) NewLastPreKey() (PreKey, error) {
	pk, err := e.box.NewLastPreKey()
	if err != nil {
		return PreKey{}, err
	}
	return toWirePreKey(pk), nil
}

// NewPreKeys generates a batch of prekeys in wire form, ready for upload.
// See crypto.Box.NewPreKeys for the id wraparound rule.
func (e *Engine) NewPreKeys(from, count uint16) ([]PreKey, error) {
	keys, err := e.box.NewPreKeys(from, count)
	if err != nil {
		return nil, err
	}
	ret := make([]PreKey, 0, len(keys))
	for _, pk := range keys {
		ret = append(ret, toWirePreKey(pk))
	}
	return ret, nil
}

// EncryptWithPreKeys encrypts the content for every device in the bundle,
// initiating a fresh session from each prekey. Devices whose prekey entry is
// nil or empty have exhausted their prekeys; they are skipped with a warning
// and produce no ciphertext entry.
func (e *Engine) EncryptWithPreKeys(preKeys PreKeys, content []byte) (Recipients, error) {
	recipients := make(Recipients)
	for userID, clients := range preKeys {
		for clientID, pk := range clients {
			if pk == nil || pk.Key == "" {
				e.log.WithFields(logrus.Fields{
					"user":   userID,
					"client": clientID,
				}).Warn("Skipping device with exhausted prekeys")
				continue
			}

			peer, err := fromWirePreKey(pk)
			if err != nil {
				return nil, fmt.Errorf("bad prekey for %s/%s: %w", userID, clientID, err)
			}

			cipher, err := e.box.EncryptFromPreKey(sessionID(userID, clientID), peer, content)
			if err != nil {
				return nil, fmt.Errorf("failed to encrypt for %s/%s: %w", userID, clientID, err)
			}
			recipients.Add(userID, clientID, base64.StdEncoding.EncodeToString(cipher))
		}
	}
	return recipients, nil
}

// EncryptWithSessions encrypts the content for every device the engine
// already holds a session with. Devices without a session are silently
// skipped; the dispatch layer falls back to prekey encryption for them.
func (e *Engine) EncryptWithSessions(missing Missing, content []byte) (Recipients, error) {
	recipients := make(Recipients)
	for userID, clients := range missing {
		for _, clientID := range clients {
			cipher, err := e.box.EncryptFromSession(sessionID(userID, clientID), content)
			if err != nil {
				return nil, fmt.Errorf("failed to encrypt for %s/%s: %w", userID, clientID, err)
			}
			if cipher == nil {
				continue
			}
			recipients.Add(userID, clientID, base64.StdEncoding.EncodeToString(cipher))
		}
	}
	return recipients, nil
}

// Decrypt opens a base64 ciphertext from the given peer device, establishing
// a session from the message itself on first contact. The plaintext is
// returned base64 encoded.
func (e *Engine) Decrypt(userID uuid.UUID, clientID, cipher string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(cipher)
	if err != nil {
		return "", fmt.Errorf("%w: ciphertext is not valid base64: %v", crypto.ErrDecrypt, err)
	}

	plaintext, err := e.box.Decrypt(sessionID(userID, clientID), data)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(plaintext), nil
}

// Fingerprint returns the public identity key.
func (e *Engine) Fingerprint() ([]byte, error) {
	return e.box.Fingerprint()
}

// Close wipes the identity and marks the engine closed. Subsequent
// operations fail with crypto.ErrClosed.
func (e *Engine) Close() error {
	return e.box.Close()
}

// IsClosed reports whether the engine has been closed.
func (e *Engine) IsClosed() bool {
	return e.box.IsClosed()
}

// Purge deletes all persisted state for this identity and closes the engine.
func (e *Engine) Purge() error {
	return e.box.Purge()
}

func toWirePreKey(pk crypto.PreKey) PreKey {
	return PreKey{
		ID:  int(pk.ID),
		Key: base64.StdEncoding.EncodeToString(pk.Key),
	}
}

func fromWirePreKey(pk *PreKey) (crypto.PreKey, error) {
	key, err := base64.StdEncoding.DecodeString(pk.Key)
	if err != nil {
		return crypto.PreKey{}, err
	}
	return crypto.PreKey{ID: uint16(pk.ID), Key: key}, nil
}
