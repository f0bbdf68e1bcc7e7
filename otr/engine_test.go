package otr

import (
	"encoding/base64"
	"errors"
	"testing"

	"github.com/google/uuid"

	"botbox/crypto"
	"botbox/store"
)

func newTestEngine(t *testing.T, id string) *Engine {
	t.Helper()
	e, err := NewEngine(store.NewFileStore(t.TempDir()), id)
	if err != nil {
		t.Fatalf("NewEngine() error: %v", err)
	}
	return e
}

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

// Alice encrypts for Bob's device from a prekey, Bob decrypts and the pair
// continues over established sessions in both directions.
func TestEngineConversation(t *testing.T) {
	alice := newTestEngine(t, "alice")
	bob := newTestEngine(t, "bob")

	aliceID, bobID := uuid.New(), uuid.New()

	bobKeys, err := bob.NewPreKeys(0, 1)
	if err != nil {
		t.Fatalf("NewPreKeys() error: %v", err)
	}

	bundle := make(PreKeys)
	bundle.Add(bobID, "pc", &bobKeys[0])

	recipients, err := alice.EncryptWithPreKeys(bundle, []byte("hi bob"))
	if err != nil {
		t.Fatalf("EncryptWithPreKeys() error: %v", err)
	}
	if recipients.Size() != 1 {
		t.Fatalf("Size() = %d, want 1", recipients.Size())
	}

	got, err := bob.Decrypt(aliceID, "pc", recipients.Get(bobID, "pc"))
	if err != nil {
		t.Fatalf("Decrypt() error: %v", err)
	}
	if got != b64("hi bob") {
		t.Fatalf("Decrypt() = %q, want %q", got, b64("hi bob"))
	}

	// Alice now has a session; the ratchet path serves the second message.
	roster := make(Missing)
	roster.Add(bobID, "pc")
	recipients, err = alice.EncryptWithSessions(roster, []byte("hi again"))
	if err != nil {
		t.Fatalf("EncryptWithSessions() error: %v", err)
	}
	if recipients.Size() != 1 {
		t.Fatalf("Size() = %d, want 1", recipients.Size())
	}
	if got, err = bob.Decrypt(aliceID, "pc", recipients.Get(bobID, "pc")); err != nil {
		t.Fatalf("Decrypt() second message error: %v", err)
	}
	if got != b64("hi again") {
		t.Fatalf("Decrypt() = %q, want %q", got, b64("hi again"))
	}

	// And the reverse direction.
	reply := make(Missing)
	reply.Add(aliceID, "pc")
	recipients, err = bob.EncryptWithSessions(reply, []byte("hi alice"))
	if err != nil {
		t.Fatalf("EncryptWithSessions() reply error: %v", err)
	}
	if got, err = alice.Decrypt(bobID, "pc", recipients.Get(aliceID, "pc")); err != nil {
		t.Fatalf("Decrypt() reply error: %v", err)
	}
	if got != b64("hi alice") {
		t.Fatalf("Decrypt() = %q, want %q", got, b64("hi alice"))
	}
}

func TestEncryptWithPreKeysSkipsExhaustedDevices(t *testing.T) {
	alice := newTestEngine(t, "alice")
	bob := newTestEngine(t, "bob")

	bobID := uuid.New()
	bobKeys, err := bob.NewPreKeys(0, 1)
	if err != nil {
		t.Fatalf("NewPreKeys() error: %v", err)
	}

	// A nil entry means the backend had no prekeys left for that device.
	bundle := make(PreKeys)
	bundle.Add(bobID, "pc", &bobKeys[0])
	bundle.Add(bobID, "phone", nil)
	bundle.Add(bobID, "tablet", &PreKey{})

	recipients, err := alice.EncryptWithPreKeys(bundle, []byte("hello"))
	if err != nil {
		t.Fatalf("EncryptWithPreKeys() error: %v", err)
	}
	if recipients.Size() != 1 {
		t.Fatalf("Size() = %d, want 1 (exhausted devices skipped)", recipients.Size())
	}
	if recipients.Get(bobID, "pc") == "" {
		t.Error("no ciphertext for the device with a prekey")
	}
}

func TestEncryptWithSessionsSkipsUnknownDevices(t *testing.T) {
	alice := newTestEngine(t, "alice")

	roster := make(Missing)
	roster.Add(uuid.New(), "pc", "phone")

	recipients, err := alice.EncryptWithSessions(roster, []byte("hello"))
	if err != nil {
		t.Fatalf("EncryptWithSessions() error: %v", err)
	}
	if recipients.Size() != 0 {
		t.Fatalf("Size() = %d, want 0 for sessionless devices", recipients.Size())
	}
}

func TestDecryptRejectsBadBase64(t *testing.T) {
	bob := newTestEngine(t, "bob")

	_, err := bob.Decrypt(uuid.New(), "pc", "%%% not base64 %%%")
	if !errors.Is(err, crypto.ErrDecrypt) {
		t.Fatalf("Decrypt(bad base64) error = %v, want crypto.ErrDecrypt", err)
	}
}

func TestEngineCloseAndPreKeyWireForm(t *testing.T) {
	e := newTestEngine(t, "bot")

	last, err := e.NewLastPreKey()
	if err != nil {
		t.Fatalf("NewLastPreKey() error: %v", err)
	}
	if last.ID != int(crypto.LastPreKeyID) {
		t.Errorf("last prekey id = %d, want %d", last.ID, crypto.LastPreKeyID)
	}
	if raw, err := base64.StdEncoding.DecodeString(last.Key); err != nil || len(raw) != 32 {
		t.Errorf("last prekey material: %d bytes, err %v", len(raw), err)
	}

	if err := e.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if !e.IsClosed() {
		t.Fatal("IsClosed() = false after Close")
	}
	if _, err := e.NewPreKeys(0, 1); !errors.Is(err, crypto.ErrClosed) {
		t.Fatalf("NewPreKeys() after close error = %v, want ErrClosed", err)
	}
}
