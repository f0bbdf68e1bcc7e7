// Package client implements the message dispatch client: the two-phase
// fan-out that guarantees every device in a conversation eventually receives
// a decryptable copy of each message.
package client

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"botbox/backend"
	"botbox/otr"
	"botbox/state"
)

// Client dispatches encrypted messages for one bot in one conversation.
// Operations for the same bot are serialized by the client's own lock; the
// repository hands out at most one live client per bot id.
type Client struct {
	mu      sync.Mutex
	api     backend.Client
	crypto  *otr.Engine
	state   *state.BotState
	devices *otr.Devices
	log     *logrus.Entry
}

// New creates a dispatch client from its collaborators.
func New(api backend.Client, engine *otr.Engine, st *state.BotState) *Client {
	return &Client{
		api:    api,
		crypto: engine,
		state:  st,
		log: logrus.WithFields(logrus.Fields{
			"component": "client",
			"bot":       st.ID,
		}),
	}
}

// Send encrypts the plaintext for every device in the conversation and posts
// it, recovering from missing-device responses:
//
//  1. Encrypt for all known devices through existing sessions and send with
//     ignore_missing=false.
//  2. If the backend reports missing devices, fetch exactly their prekeys,
//     encrypt for them through fresh sessions, and merge the ciphertexts.
//  3. Resend with ignore_missing=true. Devices still missing after that are
//     legitimately unreachable (deleted client, user left) and are logged,
//     never retried.
func (c *Client) Send(content []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	all, err := c.allDevices()
	if err != nil {
		return err
	}
	return c.postOtrMessage(all, content, func(msg *otr.OtrMessage) (*otr.Devices, error) {
		return c.api.SendMessage(msg, false)
	})
}

// postOtrMessage runs the fan-out. The initial post differs between Send
// and SendDirect (full vs per-user missing-device reporting); the forced
// resend is always a plain ignore_missing post.
func (c *Client) postOtrMessage(roster otr.Missing, content []byte, post func(*otr.OtrMessage) (*otr.Devices, error)) error {
	recipients, err := c.crypto.EncryptWithSessions(roster, content)
	if err != nil {
		return err
	}
	msg := otr.NewOtrMessage(c.state.Client, recipients)

	res, err := post(msg)
	if err != nil {
		return err
	}
	if !res.HasMissing() {
		return nil
	}

	preKeys, err := c.api.GetPreKeys(res.Missing)
	if err != nil {
		return err
	}
	c.log.WithFields(logrus.Fields{
		"prekeys": preKeys.Count(),
		"devices": res.Size(),
	}).Debug("Fetched prekeys for missing devices")

	fresh, err := c.crypto.EncryptWithPreKeys(preKeys, content)
	if err != nil {
		return err
	}
	msg.Add(fresh)

	// The roster changed under us; re-probe it on the next message.
	c.devices = nil

	res, err = c.api.SendMessage(msg, true)
	if err != nil {
		return err
	}
	if res.HasMissing() {
		c.log.WithField("devices", res.Size()).Error("Failed to send otr message to some devices")
	}
	return nil
}

// SendDirect encrypts the plaintext for a single participant's devices only.
func (c *Client) SendDirect(userID uuid.UUID, content []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	all, err := c.allDevices()
	if err != nil {
		return err
	}
	target := make(otr.Missing)
	for u, clients := range all {
		if u == userID {
			target.Add(u, clients...)
		}
	}
	return c.postOtrMessage(target, content, func(msg *otr.OtrMessage) (*otr.Devices, error) {
		return c.api.SendPartialMessage(msg, userID)
	})
}

// Decrypt opens an inbound base64 ciphertext from the given peer device.
func (c *Client) Decrypt(userID uuid.UUID, clientID, cipher string) (string, error) {
	return c.crypto.Decrypt(userID, clientID, cipher)
}

// GetDevices returns the conversation's device roster. The roster is probed
// by sending an intentionally empty message: the backend answers with every
// device the message misses, which is all of them. The result is cached
// until a prekey pass invalidates it.
func (c *Client) GetDevices() (*otr.Devices, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getDevices()
}

func (c *Client) allDevices() (otr.Missing, error) {
	devices, err := c.getDevices()
	if err != nil {
		return nil, err
	}
	return devices.Missing, nil
}

func (c *Client) getDevices() (*otr.Devices, error) {
	if c.devices == nil || !c.devices.HasMissing() {
		msg := otr.NewOtrMessage(c.state.Client, nil)
		devices, err := c.api.SendMessage(msg, false)
		if err != nil {
			return nil, fmt.Errorf("failed to probe device roster: %w", err)
		}
		c.devices = devices
	}
	return c.devices, nil
}

// EnsurePreKeys replenishes this client's backend prekey supply when fewer
// than min remain, generating the next batch after the highest id currently
// on the backend.
func (c *Client) EnsurePreKeys(min int, batch uint16) error {
	ids, err := c.api.AvailablePreKeys()
	if err != nil {
		return err
	}
	if len(ids) >= min {
		return nil
	}

	// Continue after the highest ephemeral id on the backend; the reserved
	// last-resort id does not advance the sequence.
	next := 0
	for _, id := range ids {
		if id == 0xFFFF {
			continue
		}
		if id >= next {
			next = id + 1
		}
	}

	keys, err := c.crypto.NewPreKeys(uint16(next%0xFFFF), batch)
	if err != nil {
		return err
	}
	if err := c.api.UploadPreKeys(keys); err != nil {
		return err
	}
	c.log.WithFields(logrus.Fields{
		"remaining": len(ids),
		"generated": len(keys),
	}).Info("Replenished prekeys")
	return nil
}

// NewLastPreKey exposes the engine's last-resort prekey.
func (c *Client) NewLastPreKey() (otr.PreKey, error) {
	return c.crypto.NewLastPreKey()
}

// NewPreKeys exposes engine prekey generation.
func (c *Client) NewPreKeys(from, count uint16) ([]otr.PreKey, error) {
	return c.crypto.NewPreKeys(from, count)
}

// BotID returns the bot's id.
func (c *Client) BotID() uuid.UUID { return c.state.ID }

// DeviceID returns the bot's device id.
func (c *Client) DeviceID() string { return c.state.Client }

// ConversationID returns the conversation this client serves.
func (c *Client) ConversationID() uuid.UUID { return c.state.Conversation }

// Close closes the underlying crypto engine.
func (c *Client) Close() error {
	return c.crypto.Close()
}

// IsClosed reports whether the crypto engine has been closed.
func (c *Client) IsClosed() bool {
	return c.crypto.IsClosed()
}
