package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	aeadKeySize  = 32
	maxSkippedMK = 1000
)

var errChainUninitialised = errors.New("ratchet chain key is uninitialised")

// messageHeader travels in clear with every ratchet message and is bound
// into the AEAD as associated data.
type messageHeader struct {
	DHPub []byte `json:"dh"`
	PN    uint32 `json:"pn"`
	N     uint32 `json:"n"`
}

// ratchetState is the evolving double-ratchet state for one (owner, peer)
// pair. All fields are exported for serialization; the struct is only ever
// handled inside this package.
type ratchetState struct {
	RootKey   []byte            `json:"root_key"`
	DHPriv    [32]byte          `json:"dh_priv"`
	DHPub     [32]byte          `json:"dh_pub"`
	PeerDHPub [32]byte          `json:"peer_dh_pub"`
	SendCK    []byte            `json:"send_ck,omitempty"`
	RecvCK    []byte            `json:"recv_ck,omitempty"`
	Ns        uint32            `json:"ns"`
	Nr        uint32            `json:"nr"`
	PN        uint32            `json:"pn"`
	Skipped   map[string][]byte `json:"skipped"`
}

// initiatorState seeds the sending chain from the bootstrap root key. The
// peer's first ratchet key is the prekey the session was initiated against.
func initiatorState(root []byte, peerPub [32]byte) (*ratchetState, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	dh, err := curve25519.X25519(kp.Private[:], peerPub[:])
	if err != nil {
		return nil, err
	}
	newRK, sendCK := kdfRK(root, dh)
	ZeroBytes(dh)

	return &ratchetState{
		RootKey:   newRK,
		DHPriv:    kp.Private,
		DHPub:     kp.Public,
		PeerDHPub: peerPub,
		SendCK:    sendCK,
		Skipped:   make(map[string][]byte),
	}, nil
}

// responderState seeds the receiving chain from the bootstrap root key using
// our prekey private and the sender's first ratchet key.
func responderState(root []byte, ourPriv [32]byte, senderRatchetPub [32]byte) (*ratchetState, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	dh, err := curve25519.X25519(ourPriv[:], senderRatchetPub[:])
	if err != nil {
		return nil, err
	}
	newRK, recvCK := kdfRK(root, dh)
	ZeroBytes(dh)

	return &ratchetState{
		RootKey:   newRK,
		DHPriv:    kp.Private,
		DHPub:     kp.Public,
		PeerDHPub: senderRatchetPub,
		RecvCK:    recvCK,
		Skipped:   make(map[string][]byte),
	}, nil
}

// ratchetEncrypt advances the sending chain and seals one message. The DH
// ratchet steps automatically on the first send after receiving.
func ratchetEncrypt(st *ratchetState, plaintext []byte) (messageHeader, []byte, error) {
	if len(st.SendCK) == 0 {
		if err := stepSendingChain(st); err != nil {
			return messageHeader{}, nil, err
		}
	}

	mk, err := nextSendKey(st)
	if err != nil {
		return messageHeader{}, nil, err
	}
	h := messageHeader{DHPub: st.DHPub[:], PN: st.PN, N: st.Ns}

	ct, err := seal(mk, h, plaintext)
	ZeroBytes(mk)
	if err != nil {
		return messageHeader{}, nil, err
	}
	st.Ns++
	return h, ct, nil
}

// ratchetDecrypt opens one message, consuming a stored skipped key or
// performing a DH ratchet step when the remote ratchet key changed. Header
// counters are bounded before any key derivation: a forged counter must not
// drive the receive chain forward.
func ratchetDecrypt(st *ratchetState, header messageHeader, ciphertext []byte) ([]byte, error) {
	if equal32(st.PeerDHPub[:], header.DHPub) {
		if err := skipUntil(st, header.N); err != nil {
			return nil, err
		}
		keyID := skippedKeyID(st.PeerDHPub, header.N)
		if mk, ok := st.Skipped[keyID]; ok {
			delete(st.Skipped, keyID)
			pt, err := open(mk, header, ciphertext)
			ZeroBytes(mk)
			if err != nil {
				return nil, err
			}
			return pt, nil
		}
	} else {
		if err := skipUntil(st, header.PN); err != nil {
			return nil, err
		}
		if err := stepReceivingChain(st, header); err != nil {
			return nil, err
		}
		if err := skipUntil(st, header.N); err != nil {
			return nil, err
		}
	}

	mk, err := nextRecvKey(st)
	if err != nil {
		return nil, err
	}
	pt, err := open(mk, header, ciphertext)
	ZeroBytes(mk)
	if err != nil {
		return nil, err
	}
	st.Nr++
	return pt, nil
}

// stepSendingChain generates a fresh ratchet key and seeds a new sending
// chain against the peer's current ratchet key.
func stepSendingChain(st *ratchetState) error {
	st.PN = st.Ns
	st.Ns = 0

	kp, err := GenerateKeyPair()
	if err != nil {
		return err
	}

	dh, err := curve25519.X25519(kp.Private[:], st.PeerDHPub[:])
	if err != nil {
		return err
	}
	newRK, sendCK := kdfRK(st.RootKey, dh)
	ZeroBytes(dh)

	st.RootKey = newRK
	st.DHPriv, st.DHPub = kp.Private, kp.Public
	st.SendCK = sendCK
	return nil
}

// stepReceivingChain advances root and both chains for a new remote ratchet
// key: first the receiving chain with our current key, then a fresh sending
// chain with a new key of our own.
func stepReceivingChain(st *ratchetState, header messageHeader) error {
	var newPeer [32]byte
	copy(newPeer[:], header.DHPub)

	dh, err := curve25519.X25519(st.DHPriv[:], newPeer[:])
	if err != nil {
		return err
	}
	rk, recvCK := kdfRK(st.RootKey, dh)
	ZeroBytes(dh)

	kp, err := GenerateKeyPair()
	if err != nil {
		return err
	}

	dh2, err := curve25519.X25519(kp.Private[:], newPeer[:])
	if err != nil {
		return err
	}
	rk2, sendCK := kdfRK(rk, dh2)
	ZeroBytes(dh2)

	st.PN = st.Ns
	st.Ns, st.Nr = 0, 0
	st.RootKey = rk2
	st.DHPriv, st.DHPub = kp.Private, kp.Public
	st.PeerDHPub = newPeer
	st.SendCK, st.RecvCK = sendCK, recvCK
	return nil
}

func seal(mk []byte, header messageHeader, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk[:aeadKeySize])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(nonce[len(nonce)-4:], header.N)
	return aead.Seal(nil, nonce, plaintext, headerBytes(header)), nil
}

func open(mk []byte, header messageHeader, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk[:aeadKeySize])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(nonce[len(nonce)-4:], header.N)
	pt, err := aead.Open(nil, nonce, ciphertext, headerBytes(header))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return pt, nil
}

func headerBytes(h messageHeader) []byte {
	out := make([]byte, 0, len(h.DHPub)+8)
	out = append(out, h.DHPub...)
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], h.PN)
	out = append(out, b[:]...)
	binary.BigEndian.PutUint32(b[:], h.N)
	out = append(out, b[:]...)
	return out
}

// HKDF-based KDFs with distinct labels for the root and chain steps.
func kdfRK(rk, dh []byte) (newRK, ck []byte) {
	r := hkdf.New(sha256.New, dh, rk, []byte("botbox/rk"))
	newRK = make([]byte, 32)
	ck = make([]byte, 32)
	_, _ = io.ReadFull(r, newRK)
	_, _ = io.ReadFull(r, ck)
	return
}

func kdfCK(ck []byte) (nextCK, mk []byte) {
	r := hkdf.New(sha256.New, ck, nil, []byte("botbox/ck"))
	nextCK = make([]byte, 32)
	mk = make([]byte, 32)
	_, _ = io.ReadFull(r, nextCK)
	_, _ = io.ReadFull(r, mk)
	return
}

func nextSendKey(st *ratchetState) ([]byte, error) {
	if len(st.SendCK) == 0 {
		return nil, errChainUninitialised
	}
	nextCK, mk := kdfCK(st.SendCK)
	st.SendCK = nextCK
	return mk, nil
}

func nextRecvKey(st *ratchetState) ([]byte, error) {
	if len(st.RecvCK) == 0 {
		return nil, errChainUninitialised
	}
	nextCK, mk := kdfCK(st.RecvCK)
	st.RecvCK = nextCK
	return mk, nil
}

func skippedKeyID(peer [32]byte, n uint32) string {
	b := make([]byte, 32+4)
	copy(b, peer[:])
	binary.BigEndian.PutUint32(b[32:], n)
	return hex.EncodeToString(b)
}

// skipUntil derives and stores message keys up to n. The skip distance is
// checked against maxSkippedMK first; the counters travel in clear, so an
// unbounded loop here would hand an attacker arbitrary CPU under the box
// lock.
func skipUntil(st *ratchetState, n uint32) error {
	if n > st.Nr && n-st.Nr > maxSkippedMK {
		return fmt.Errorf("%w: message counter %d skips too far ahead of %d", ErrDecrypt, n, st.Nr)
	}
	if len(st.RecvCK) == 0 {
		return nil
	}
	for st.Nr < n {
		mk, err := nextRecvKey(st)
		if err != nil {
			return nil
		}
		if len(st.Skipped) >= maxSkippedMK {
			for k := range st.Skipped {
				delete(st.Skipped, k)
				break
			}
		}
		st.Skipped[skippedKeyID(st.PeerDHPub, st.Nr)] = mk
		st.Nr++
	}
	return nil
}

func equal32(a, b []byte) bool {
	if len(a) != 32 || len(b) != 32 {
		return false
	}
	var v byte
	for i := 0; i < 32; i++ {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
