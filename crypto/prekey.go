package crypto

// Prekey id space. Ids 0..MaxPreKeyID are ephemeral one-time prekeys,
// LastPreKeyID is the reserved non-expiring last-resort prekey.
const (
	MaxPreKeyID  uint16 = 0xFFFE
	LastPreKeyID uint16 = 0xFFFF
)

// PreKey is the public half of a one-time key published to the backend so
// that peers can establish a session while this identity is offline.
type PreKey struct {
	ID  uint16 `json:"id"`
	Key []byte `json:"key"`
}

// IsLastResort reports whether this is the reserved last-resort prekey.
func (p PreKey) IsLastResort() bool {
	return p.ID == LastPreKeyID
}
