package crypto

import (
	"encoding/json"
	"fmt"
)

const (
	envelopeVersion = 1

	envelopePreKey = "prekey"
	envelopeMsg    = "msg"
)

// envelope is the wire format produced by a session. A "prekey" envelope is
// a session-initiation message: it names the prekey it was encrypted against
// and carries the initiator's first ratchet key in clear. A "msg" envelope is
// an ordinary ratchet message.
type envelope struct {
	V          int            `json:"v"`
	Type       string         `json:"type"`
	PreKeyID   *uint16        `json:"prekey_id,omitempty"`
	RatchetPub []byte         `json:"ratchet_pub,omitempty"`
	Header     *messageHeader `json:"header,omitempty"`
	Payload    []byte         `json:"payload"`
}

func parseEnvelope(data []byte) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed envelope: %v", ErrDecrypt, err)
	}
	switch env.Type {
	case envelopePreKey:
		if env.PreKeyID == nil || len(env.RatchetPub) != 32 || len(env.Payload) == 0 {
			return nil, fmt.Errorf("%w: incomplete prekey envelope", ErrDecrypt)
		}
	case envelopeMsg:
		if env.Header == nil || len(env.Payload) == 0 {
			return nil, fmt.Errorf("%w: incomplete message envelope", ErrDecrypt)
		}
	default:
		return nil, fmt.Errorf("%w: unknown envelope type %q", ErrDecrypt, env.Type)
	}
	return &env, nil
}

// Session is one ratchet channel to a remote device, keyed by the peer id
// "{userId}_{clientId}". It is mutated by every Encrypt and Decrypt and must
// be persisted after each mutation.
type Session struct {
	SID   string        `json:"sid"`
	State *ratchetState `json:"state"`
}

// Encrypt advances the sending chain and wraps the ciphertext in a message
// envelope.
func (s *Session) Encrypt(plaintext []byte) ([]byte, error) {
	header, ct, err := ratchetEncrypt(s.State, plaintext)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&envelope{
		V:       envelopeVersion,
		Type:    envelopeMsg,
		Header:  &header,
		Payload: ct,
	})
}

// Decrypt opens a message envelope, advancing the receiving chain.
func (s *Session) Decrypt(env *envelope) ([]byte, error) {
	if env.Type != envelopeMsg {
		return nil, fmt.Errorf("%w: expected message envelope for established session", ErrDecrypt)
	}
	return ratchetDecrypt(s.State, *env.Header, env.Payload)
}

// marshalSession seals a session record for the backing store.
func marshalSession(s *Session, identityKey []byte) ([]byte, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return sealData(raw, identityKey)
}

// unmarshalSession opens and decodes a sealed session record.
func unmarshalSession(sealed, identityKey []byte) (*Session, error) {
	raw, err := openData(sealed, identityKey)
	if err != nil {
		return nil, fmt.Errorf("failed to open session record: %w", err)
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("failed to decode session record: %w", err)
	}
	return &s, nil
}
