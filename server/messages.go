package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"botbox/crypto"
	"botbox/state"
)

// newMessage decrypts an inbound encrypted event and hands the plaintext to
// the application handler. A bot without bootstrap state answers 410 so the
// backend stops delivering to it.
func (s *Server) newMessage(w http.ResponseWriter, r *http.Request) {
	botID, err := uuid.Parse(mux.Vars(r)["bot"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad bot id")
		return
	}

	var p payload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "malformed event payload")
		return
	}

	log := s.log.WithField("bot", botID)

	c, err := s.repo.Get(botID)
	if err != nil {
		if errors.Is(err, state.ErrMissingState) {
			log.Warn("Message for bot without state")
			writeError(w, http.StatusGone, err.Error())
			return
		}
		log.WithError(err).Error("Failed to construct client")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	text, err := c.Decrypt(p.From, p.Data.Sender, p.Data.Text)
	if err != nil {
		if errors.Is(err, crypto.ErrDecrypt) {
			log.WithError(err).WithField("sender", p.Data.Sender).Error("Failed to decrypt event")
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		// Malformed input surfaces as ErrDecrypt; anything else here is a
		// failure on our side, typically session storage.
		log.WithError(err).WithField("sender", p.Data.Sender).Error("Failed to process event")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.handler.OnMessage(c, &Message{
		From:         p.From,
		ClientID:     p.Data.Sender,
		Conversation: p.Conversation,
		Time:         p.Time,
		Text:         text,
	})
	w.WriteHeader(http.StatusOK)
}
