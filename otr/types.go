// Package otr defines the recipient-map types exchanged with the backend
// and the thread-safe encryption engine that fills them: one ciphertext per
// (user, device) from a single plaintext.
package otr

import (
	"github.com/google/uuid"
)

// Missing maps a user id to the device ids the sender has not yet produced
// a ciphertext for, as reported by the backend.
type Missing map[uuid.UUID][]string

// Add appends device ids for a user.
func (m Missing) Add(userID uuid.UUID, clientIDs ...string) {
	m[userID] = append(m[userID], clientIDs...)
}

// Size returns the total number of devices in the map.
func (m Missing) Size() int {
	n := 0
	for _, clients := range m {
		n += len(clients)
	}
	return n
}

// PreKey is the backend wire form of a prekey: id plus base64 key material.
// A nil entry in a PreKeys map means the device has exhausted its prekeys.
type PreKey struct {
	ID  int    `json:"id"`
	Key string `json:"key"`
}

// PreKeys maps userId -> clientId -> prekey, as returned by the backend for
// a Missing set.
type PreKeys map[uuid.UUID]map[string]*PreKey

// Add records a prekey for a device.
func (p PreKeys) Add(userID uuid.UUID, clientID string, key *PreKey) {
	clients, ok := p[userID]
	if !ok {
		clients = make(map[string]*PreKey)
		p[userID] = clients
	}
	clients[clientID] = key
}

// Count returns the number of usable (non-nil) prekeys in the map.
func (p PreKeys) Count() int {
	n := 0
	for _, clients := range p {
		for _, pk := range clients {
			if pk != nil && pk.Key != "" {
				n++
			}
		}
	}
	return n
}

// Recipients maps userId -> clientId -> base64 ciphertext. It accumulates
// across both encryption passes before a single send.
type Recipients map[uuid.UUID]map[string]string

// Add records a ciphertext for a device.
func (r Recipients) Add(userID uuid.UUID, clientID, cipher string) {
	clients, ok := r[userID]
	if !ok {
		clients = make(map[string]string)
		r[userID] = clients
	}
	clients[clientID] = cipher
}

// Merge copies all entries of other into r.
func (r Recipients) Merge(other Recipients) {
	for userID, clients := range other {
		for clientID, cipher := range clients {
			r.Add(userID, clientID, cipher)
		}
	}
}

// Size returns the total number of ciphertexts.
func (r Recipients) Size() int {
	n := 0
	for _, clients := range r {
		n += len(clients)
	}
	return n
}

// Get returns the ciphertext for a device, or "".
func (r Recipients) Get(userID uuid.UUID, clientID string) string {
	if clients, ok := r[userID]; ok {
		return clients[clientID]
	}
	return ""
}

// Devices is the backend's device bookkeeping response to an OTR message
// post: devices the message still misses, plus redundant and deleted ones.
type Devices struct {
	Missing   Missing `json:"missing"`
	Redundant Missing `json:"redundant"`
	Deleted   Missing `json:"deleted"`
}

// HasMissing reports whether any device still lacks a ciphertext.
func (d *Devices) HasMissing() bool {
	return len(d.Missing) > 0
}

// Size returns the number of missing devices.
func (d *Devices) Size() int {
	return d.Missing.Size()
}

// OtrMessage is the outbound envelope posted to the backend: the sender's
// device id and one ciphertext per recipient device.
type OtrMessage struct {
	Sender     string     `json:"sender"`
	Recipients Recipients `json:"recipients"`
}

// NewOtrMessage creates an outbound message for the given sender device.
func NewOtrMessage(sender string, recipients Recipients) *OtrMessage {
	if recipients == nil {
		recipients = make(Recipients)
	}
	return &OtrMessage{Sender: sender, Recipients: recipients}
}

// Add merges more ciphertexts into the message.
func (m *OtrMessage) Add(recipients Recipients) {
	m.Recipients.Merge(recipients)
}

// Size returns the number of ciphertexts in the message.
func (m *OtrMessage) Size() int {
	return m.Recipients.Size()
}
