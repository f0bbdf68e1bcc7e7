package crypto

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"botbox/store"
)

// Box is one cryptographic identity and all of its ratchet sessions, backed
// by a store.Storage. It is safe for concurrent use: every operation holds
// the box lock until the resulting session mutation is persisted.
//
// Do not open two Boxes over the same storage namespace concurrently; doing
// so results in undefined behaviour. The client repository enforces one box
// per bot id.
type Box struct {
	mu       sync.Mutex
	id       string
	storage  store.Storage
	identity *KeyPair
	closed   bool
	log      *logrus.Entry
}

// prekeyRecord is the stored (sealed) form of a local prekey: the id plus
// the full key pair, so the responder side of the bootstrap can run.
type prekeyRecord struct {
	KID uint16   `json:"kid"`
	Key *KeyPair `json:"key"`
}

// Open loads the identity for id from storage, creating it on first use.
func Open(storage store.Storage, id string) (*Box, error) {
	log := logrus.WithFields(logrus.Fields{
		"component": "crypto.Box",
		"id":        id,
	})

	data, err := storage.FetchIdentity(id)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch identity: %w", err)
	}

	var identity *KeyPair
	if data == nil {
		identity, err = GenerateKeyPair()
		if err != nil {
			return nil, fmt.Errorf("failed to generate identity: %w", err)
		}
		blob, err := json.Marshal(identity)
		if err != nil {
			return nil, err
		}
		if err := storage.InsertIdentity(id, blob); err != nil {
			return nil, fmt.Errorf("failed to persist identity: %w", err)
		}
		log.Info("Created new identity")
	} else {
		identity = &KeyPair{}
		if err := json.Unmarshal(data, identity); err != nil {
			return nil, fmt.Errorf("failed to decode identity: %w", err)
		}
	}

	return &Box{
		id:       id,
		storage:  storage,
		identity: identity,
		log:      log,
	}, nil
}

// Fingerprint returns the public identity key.
func (b *Box) Fingerprint() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	out := make([]byte, 32)
	copy(out, b.identity.Public[:])
	return out, nil
}

// NewLastPreKey returns the reserved last-resort prekey, generating it on
// first call. It never expires and is regenerated only explicitly (by
// deleting the stored record first).
func (b *Box) NewLastPreKey() (PreKey, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return PreKey{}, ErrClosed
	}

	existing, err := b.loadPreKey(LastPreKeyID)
	if err != nil {
		return PreKey{}, err
	}
	if existing != nil {
		return PreKey{ID: LastPreKeyID, Key: existing.Key.Public[:]}, nil
	}

	pk, err := b.generatePreKey(LastPreKeyID)
	if err != nil {
		return PreKey{}, err
	}
	b.log.Info("Generated last-resort prekey")
	return pk, nil
}

// NewPreKeys generates count sequential prekeys starting at from. Ids are
// taken modulo 0xFFFF, so after from+count exceeds MaxPreKeyID they wrap
// around to 0 and the reserved last-resort id is never produced. The caller
// must remember (from+count) mod 0xFFFF as the next starting offset to
// avoid id reuse.
func (b *Box) NewPreKeys(from, count uint16) ([]PreKey, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	ret := make([]PreKey, 0, count)
	for i := uint32(0); i < uint32(count); i++ {
		kid := uint16((uint32(from) + i) % uint32(MaxPreKeyID+1))
		pk, err := b.generatePreKey(kid)
		if err != nil {
			return nil, err
		}
		ret = append(ret, pk)
	}
	return ret, nil
}

// EncryptFromPreKey initiates a fresh session against the given peer prekey
// and encrypts the first message through it. When a session for the sid
// already exists it is reused and an ordinary session message is produced:
// a peer that holds the session keeps it on a duplicate initiation, so
// re-initiating here would leave the two sides on different ratchets.
func (b *Box) EncryptFromPreKey(sid string, peer PreKey, plaintext []byte) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	rec, err := b.storage.FetchSession(b.id, sid)
	if err != nil {
		return nil, err
	}
	if rec.Data() != nil {
		b.log.WithField("sid", sid).Debug("Session already established, encrypting through it")
		return b.encryptWithRecord(rec, plaintext)
	}

	msg, st, err := initiateSession(b.identity, peer.Key, plaintext)
	if err != nil {
		rec.Discard()
		return nil, err
	}

	kid := peer.ID
	out, err := json.Marshal(&envelope{
		V:          envelopeVersion,
		Type:       envelopePreKey,
		PreKeyID:   &kid,
		RatchetPub: st.DHPub[:],
		Payload:    msg,
	})
	if err != nil {
		rec.Discard()
		return nil, err
	}

	if err := b.persistSession(rec, &Session{SID: sid, State: st}); err != nil {
		return nil, err
	}
	return out, nil
}

// EncryptFromSession encrypts through an existing session, or returns
// (nil, nil) when no session exists for the sid. The caller is responsible
// for falling back to prekey encryption in that case.
func (b *Box) EncryptFromSession(sid string, plaintext []byte) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	rec, err := b.storage.FetchSession(b.id, sid)
	if err != nil {
		return nil, err
	}
	if rec.Data() == nil {
		rec.Discard()
		return nil, nil
	}
	return b.encryptWithRecord(rec, plaintext)
}

func (b *Box) encryptWithRecord(rec store.Record, plaintext []byte) ([]byte, error) {
	sess, err := unmarshalSession(rec.Data(), b.identity.Private[:])
	if err != nil {
		rec.Discard()
		return nil, err
	}

	out, encErr := sess.Encrypt(plaintext)

	// The sending chain may have advanced even when encryption failed;
	// persist unconditionally so the stored state never falls behind.
	if err := b.persistSession(rec, sess); err != nil {
		return nil, err
	}
	if encErr != nil {
		return nil, encErr
	}
	return out, nil
}

// Decrypt opens an envelope from the given peer. With an existing session
// the ratchet path is used; otherwise the envelope must be a
// session-initiation message, which establishes and persists a new session.
func (b *Box) Decrypt(sid string, data []byte) ([]byte, error) {
	env, err := parseEnvelope(data)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	rec, err := b.storage.FetchSession(b.id, sid)
	if err != nil {
		return nil, err
	}

	if rec.Data() != nil {
		return b.decryptWithSession(rec, env)
	}

	if env.Type != envelopePreKey {
		rec.Discard()
		return nil, fmt.Errorf("%w: no session for %s and not a session-initiation message", ErrDecrypt, sid)
	}

	plaintext, st, err := b.respondWithStoredPreKey(env)
	if err != nil {
		rec.Discard()
		return nil, err
	}

	if err := b.persistSession(rec, &Session{SID: sid, State: st}); err != nil {
		return nil, err
	}
	b.consumePreKey(*env.PreKeyID)
	b.log.WithField("sid", sid).Debug("Established session from initiation message")
	return plaintext, nil
}

func (b *Box) decryptWithSession(rec store.Record, env *envelope) ([]byte, error) {
	sess, err := unmarshalSession(rec.Data(), b.identity.Private[:])
	if err != nil {
		rec.Discard()
		return nil, err
	}

	if env.Type == envelopePreKey {
		// A duplicate or delayed initiation message for a peer we already
		// hold a session with. Recover the plaintext from the bootstrap
		// material; the existing session stays authoritative.
		rec.Discard()
		plaintext, _, err := b.respondWithStoredPreKey(env)
		return plaintext, err
	}

	plaintext, err := sess.Decrypt(env)
	if err != nil {
		// The receive chain only advances for authenticated messages; a
		// forgery must leave the stored state exactly as it was.
		rec.Discard()
		return nil, err
	}
	if err := b.persistSession(rec, sess); err != nil {
		return nil, err
	}
	return plaintext, nil
}

// respondWithStoredPreKey looks up the local prekey an initiation envelope
// was addressed to and runs the responder bootstrap with it.
func (b *Box) respondWithStoredPreKey(env *envelope) ([]byte, *ratchetState, error) {
	prekey, err := b.loadPreKey(*env.PreKeyID)
	if err != nil {
		return nil, nil, err
	}
	if prekey == nil {
		return nil, nil, fmt.Errorf("%w: id %d", ErrPreKeyNotFound, *env.PreKeyID)
	}

	var senderPub [32]byte
	copy(senderPub[:], env.RatchetPub)
	return respondSession(prekey.Key, senderPub, env.Payload)
}

// consumePreKey removes a one-time prekey after first use. The last-resort
// prekey is never consumed.
func (b *Box) consumePreKey(kid uint16) {
	if kid == LastPreKeyID {
		return
	}
	if err := b.storage.DeletePreKey(b.id, kid); err != nil {
		b.log.WithError(err).WithField("kid", kid).Error("Failed to consume prekey")
	}
}

// Close wipes the identity from memory and marks the box closed. The
// underlying store is untouched.
func (b *Box) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	_ = WipeKeyPair(b.identity)
	return nil
}

// IsClosed reports whether Close has been called.
func (b *Box) IsClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Purge deletes all stored state for this identity and closes the box.
func (b *Box) Purge() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.closed = true
	_ = WipeKeyPair(b.identity)
	b.mu.Unlock()
	return b.storage.Purge(b.id)
}

func (b *Box) persistSession(rec store.Record, sess *Session) error {
	sealed, err := marshalSession(sess, b.identity.Private[:])
	if err != nil {
		rec.Discard()
		return err
	}
	if err := rec.Persist(sealed); err != nil {
		return fmt.Errorf("failed to persist session %s: %w", sess.SID, err)
	}
	return nil
}

// loadPreKey fetches and opens one stored prekey, or nil when absent.
func (b *Box) loadPreKey(kid uint16) (*prekeyRecord, error) {
	records, err := b.storage.FetchPreKeys(b.id)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch prekeys: %w", err)
	}
	for _, r := range records {
		if r.KID != kid {
			continue
		}
		raw, err := openData(r.Data, b.identity.Private[:])
		if err != nil {
			return nil, fmt.Errorf("failed to open prekey record %d: %w", kid, err)
		}
		var rec prekeyRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("failed to decode prekey record %d: %w", kid, err)
		}
		return &rec, nil
	}
	return nil, nil
}

func (b *Box) generatePreKey(kid uint16) (PreKey, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return PreKey{}, fmt.Errorf("failed to generate prekey %d: %w", kid, err)
	}

	raw, err := json.Marshal(&prekeyRecord{KID: kid, Key: kp})
	if err != nil {
		return PreKey{}, err
	}
	sealed, err := sealData(raw, b.identity.Private[:])
	if err != nil {
		return PreKey{}, err
	}
	if err := b.storage.InsertPreKey(b.id, kid, sealed); err != nil {
		return PreKey{}, fmt.Errorf("failed to persist prekey %d: %w", kid, err)
	}

	return PreKey{ID: kid, Key: kp.Public[:]}, nil
}
