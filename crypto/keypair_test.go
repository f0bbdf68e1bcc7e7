package crypto

import (
	"bytes"
	"testing"
)

func TestGenerateKeyPair(t *testing.T) {
	keyPair, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error: %v", err)
	}

	if keyPair == nil {
		t.Fatal("GenerateKeyPair() returned nil key pair")
	}

	// Check that keys are not zero
	if isZeroKey(keyPair.Public) {
		t.Error("GenerateKeyPair() returned zero public key")
	}
	if isZeroKey(keyPair.Private) {
		t.Error("GenerateKeyPair() returned zero private key")
	}

	// Test that multiple key generations produce different keys
	keyPair2, _ := GenerateKeyPair()
	if bytes.Equal(keyPair.Public[:], keyPair2.Public[:]) {
		t.Error("Multiple GenerateKeyPair() calls produced identical public keys")
	}
}

func TestFromSecretKey(t *testing.T) {
	cases := []struct {
		name      string
		secretKey [32]byte
		wantError bool
	}{
		{
			name:      "Valid key",
			secretKey: [32]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31, 32},
			wantError: false,
		},
		{
			name:      "Zero key",
			secretKey: [32]byte{},
			wantError: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			keyPair, err := FromSecretKey(tc.secretKey)

			if tc.wantError && err == nil {
				t.Fatal("FromSecretKey() expected error but got nil")
			}
			if tc.wantError {
				return
			}

			if err != nil {
				t.Fatalf("FromSecretKey() unexpected error: %v", err)
			}
			if keyPair == nil {
				t.Fatal("FromSecretKey() returned nil key pair")
			}
			if isZeroKey(keyPair.Public) {
				t.Error("FromSecretKey() returned zero public key")
			}
		})
	}
}

func TestFromSecretKeyIsDeterministic(t *testing.T) {
	original, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error: %v", err)
	}

	derived, err := FromSecretKey(original.Private)
	if err != nil {
		t.Fatalf("FromSecretKey() error: %v", err)
	}
	if !bytes.Equal(original.Public[:], derived.Public[:]) {
		t.Error("derived public key does not match the original")
	}
}

func TestWipeKeyPair(t *testing.T) {
	keyPair, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error: %v", err)
	}

	if err := WipeKeyPair(keyPair); err != nil {
		t.Fatalf("WipeKeyPair() error: %v", err)
	}
	if !isZeroKey(keyPair.Private) {
		t.Error("private key not wiped")
	}
}

func TestSealedRoundTrip(t *testing.T) {
	key := []byte("identity private key material")

	sealed, err := sealData([]byte("record"), key)
	if err != nil {
		t.Fatalf("sealData() error: %v", err)
	}
	opened, err := openData(sealed, key)
	if err != nil {
		t.Fatalf("openData() error: %v", err)
	}
	if !bytes.Equal(opened, []byte("record")) {
		t.Fatalf("openData() = %q, want %q", opened, "record")
	}

	// A different key must not open the record.
	if _, err := openData(sealed, []byte("wrong key")); err == nil {
		t.Fatal("openData() succeeded with the wrong key")
	}
}
