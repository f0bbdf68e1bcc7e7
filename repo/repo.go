// Package repo caches one dispatch client per bot id, reconstructing
// clients lazily from persisted bootstrap state. The single-entry-per-id
// cache is also what prevents two crypto engines from being opened over the
// same storage namespace concurrently.
package repo

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"botbox/backend"
	"botbox/client"
	"botbox/otr"
	"botbox/state"
)

// CryptoFactory opens the crypto engine for a bot id.
type CryptoFactory func(botID uuid.UUID) (*otr.Engine, error)

// StateFactory opens the bootstrap state storage for a bot id.
type StateFactory func(botID uuid.UUID) (state.State, error)

// APIFactory builds a backend client from a bot's bootstrap state.
type APIFactory func(st *state.BotState) backend.Client

// Repo is the client repository. All cache mutations are serialized under
// one mutex; construction happens while holding it, so the same bot id can
// never be constructed twice concurrently.
type Repo struct {
	mu      sync.Mutex
	clients map[uuid.UUID]*client.Client

	cryptoFactory CryptoFactory
	stateFactory  StateFactory
	apiFactory    APIFactory
	log           *logrus.Entry
}

// New creates a repository from the three factories.
func New(cf CryptoFactory, sf StateFactory, af APIFactory) *Repo {
	return &Repo{
		clients:       make(map[uuid.UUID]*client.Client),
		cryptoFactory: cf,
		stateFactory:  sf,
		apiFactory:    af,
		log:           logrus.WithField("component", "repo"),
	}
}

// Get returns the cached client for the bot, constructing or replacing it
// when absent or closed. A bot without persisted bootstrap state yields
// state.ErrMissingState.
func (r *Repo) Get(botID uuid.UUID) (*client.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[botID]; ok && !c.IsClosed() {
		return c, nil
	}

	c, err := r.construct(botID)
	if err != nil {
		return nil, err
	}

	if old, ok := r.clients[botID]; ok {
		// Superseded instance; it already reported closed, but be explicit.
		_ = old.Close()
	}
	r.clients[botID] = c
	return c, nil
}

func (r *Repo) construct(botID uuid.UUID) (*client.Client, error) {
	st, err := r.stateFactory(botID)
	if err != nil {
		return nil, err
	}
	botState, err := st.Get()
	if err != nil {
		return nil, err
	}

	engine, err := r.cryptoFactory(botID)
	if err != nil {
		return nil, fmt.Errorf("failed to open crypto engine for %s: %w", botID, err)
	}

	r.log.WithField("bot", botID).Debug("Constructed dispatch client")
	return client.New(r.apiFactory(botState), engine, botState), nil
}

// Remove evicts and closes the cached client, leaving persisted state
// intact.
func (r *Repo) Remove(botID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[botID]; ok {
		delete(r.clients, botID)
		_ = c.Close()
	}
}

// Purge evicts the client and deletes all persisted state for the bot:
// bootstrap record, identity, sessions, and prekeys. Used when the bot is
// permanently removed from the conversation.
func (r *Repo) Purge(botID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[botID]; ok {
		delete(r.clients, botID)
		_ = c.Close()
	}

	st, err := r.stateFactory(botID)
	if err != nil {
		return err
	}
	if err := st.Remove(); err != nil {
		return fmt.Errorf("failed to purge bot %s: %w", botID, err)
	}

	engine, err := r.cryptoFactory(botID)
	if err != nil {
		return fmt.Errorf("failed to open crypto engine for purge of %s: %w", botID, err)
	}
	return engine.Purge()
}
