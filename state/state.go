// Package state persists the per-bot bootstrap record created when a bot is
// added to a conversation: everything needed to reconstruct a dispatch
// client later.
package state

import (
	"errors"

	"github.com/google/uuid"
)

// ErrMissingState is returned when no bootstrap record exists for a bot.
var ErrMissingState = errors.New("no state for bot")

// BotState is the bootstrap record: created once on provisioning, read on
// every client reconstruction, removed when the bot leaves the conversation.
type BotState struct {
	ID           uuid.UUID `json:"id"`
	Client       string    `json:"client"`
	Conversation uuid.UUID `json:"conversation"`
	Token        string    `json:"token"`
	Locale       string    `json:"locale"`
}

// State is one bot's bootstrap storage.
type State interface {
	Save(state *BotState) error
	Get() (*BotState, error)
	Remove() error
}
