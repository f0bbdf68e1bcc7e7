package server

import (
	"github.com/google/uuid"

	"botbox/client"
	"botbox/state"
)

// Handler is what a bot application implements. The server owns transport,
// auth and decryption; the handler only ever sees plaintext.
type Handler interface {
	// OnNewBot decides whether a new bot instance is accepted. Returning
	// false rejects the provisioning request with 409.
	OnNewBot(st *state.BotState) bool

	// OnMessage is invoked with the decrypted payload of an inbound
	// message. The client is bound to the bot the message was addressed
	// to and can be used to reply.
	OnMessage(c *client.Client, msg *Message)
}

// Message is a decrypted inbound event.
type Message struct {
	From         uuid.UUID
	ClientID     string
	Conversation uuid.UUID
	Time         string
	// Text is the base64 encoded plaintext exactly as the peer encrypted it.
	Text string
}

// newBotRequest mirrors the provisioning callback the backend posts when a
// bot is added to a conversation.
type newBotRequest struct {
	ID     uuid.UUID `json:"id"`
	Client string    `json:"client"`
	Origin struct {
		ID   uuid.UUID `json:"id"`
		Name string    `json:"name"`
	} `json:"origin"`
	Conversation struct {
		ID uuid.UUID `json:"id"`
	} `json:"conversation"`
	Token  string `json:"token"`
	Locale string `json:"locale"`
}

// payload mirrors the inbound encrypted-event callback.
type payload struct {
	Type         string    `json:"type"`
	Conversation uuid.UUID `json:"conversation"`
	From         uuid.UUID `json:"from"`
	Time         string    `json:"time"`
	Data         struct {
		Sender    string `json:"sender"`
		Recipient string `json:"recipient"`
		Text      string `json:"text"`
	} `json:"data"`
}
