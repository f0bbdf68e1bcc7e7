package crypto

import "errors"

var (
	// ErrClosed is returned for any operation on a Box after Close.
	ErrClosed = errors.New("crypto box is closed")

	// ErrDecrypt wraps authentication failures and malformed ciphertexts.
	// Callers use errors.Is to tell a bad message apart from storage or
	// transport failures.
	ErrDecrypt = errors.New("cannot decrypt message")

	// ErrPreKeyNotFound is returned when a session-initiation message
	// references a prekey id this identity no longer holds.
	ErrPreKeyNotFound = errors.New("prekey not found")
)
