package server

import (
	"encoding/json"
	"net/http"

	"botbox/otr"
	"botbox/state"
)

// provisionPreKeyCount is how many ephemeral prekeys are minted alongside
// the last-resort key when a bot instance is created.
const provisionPreKeyCount = 50

type newBotResponse struct {
	Name       string       `json:"name,omitempty"`
	LastPreKey otr.PreKey   `json:"last_prekey"`
	PreKeys    []otr.PreKey `json:"prekeys"`
}

// newBot provisions a bot instance: persist the bootstrap record, stand up
// the crypto identity and hand the initial prekey material back to the
// backend in the response body.
func (s *Server) newBot(w http.ResponseWriter, r *http.Request) {
	var req newBotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed bot payload")
		return
	}

	botState := &state.BotState{
		ID:           req.ID,
		Client:       req.Client,
		Conversation: req.Conversation.ID,
		Token:        req.Token,
		Locale:       req.Locale,
	}

	log := s.log.WithField("bot", req.ID)

	if !s.handler.OnNewBot(botState) {
		writeError(w, http.StatusConflict, "bot instance not accepted")
		return
	}

	st, err := s.stateFactory(req.ID)
	if err != nil {
		log.WithError(err).Error("Failed to open state storage")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := st.Save(botState); err != nil {
		log.WithError(err).Error("Failed to save bot state")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	engine, err := s.cryptoFactory(req.ID)
	if err != nil {
		log.WithError(err).Error("Failed to open crypto engine")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer engine.Close()

	var resp newBotResponse
	if resp.LastPreKey, err = engine.NewLastPreKey(); err != nil {
		log.WithError(err).Error("Failed to generate last-resort prekey")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if resp.PreKeys, err = engine.NewPreKeys(0, provisionPreKeyCount); err != nil {
		log.WithError(err).Error("Failed to generate prekeys")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.WithField("conversation", req.Conversation.ID).Info("Provisioned bot instance")
	writeJSON(w, http.StatusCreated, &resp)
}
