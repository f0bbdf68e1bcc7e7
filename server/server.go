// Package server exposes the bot resource over HTTP: provisioning, inbound
// messages and a health probe. Every route except the probe is guarded by
// the shared service token.
package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"botbox/repo"
)

// Server routes backend callbacks to a bot Handler.
type Server struct {
	handler Handler
	repo    *repo.Repo

	cryptoFactory repo.CryptoFactory
	stateFactory  repo.StateFactory

	authToken string
	log       *logrus.Entry
}

// New builds the server. The factories are the same ones the repository was
// constructed with; provisioning needs them before a cached client exists.
func New(h Handler, r *repo.Repo, cf repo.CryptoFactory, sf repo.StateFactory, authToken string) *Server {
	return &Server{
		handler:       h,
		repo:          r,
		cryptoFactory: cf,
		stateFactory:  sf,
		authToken:     authToken,
		log:           logrus.WithField("component", "server"),
	}
}

// Router returns the mux router with all bot routes registered.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods("GET")
	r.Handle("/bots", s.authorize(http.HandlerFunc(s.newBot))).Methods("POST")
	r.Handle("/bots/{bot}/messages", s.authorize(http.HandlerFunc(s.newMessage))).Methods("POST")
	return r
}

// ListenAndServe blocks serving the bot routes on addr.
func (s *Server) ListenAndServe(addr string) error {
	s.log.WithField("addr", addr).Info("Listening")
	return http.ListenAndServe(addr, s.Router())
}

// authorize enforces the Bearer service token. A malformed header is a 401,
// a wrong token a 403, matching the backend's expectations.
func (s *Server) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			writeError(w, http.StatusUnauthorized, "bad authorization header")
			return
		}
		if parts[1] != s.authToken {
			writeError(w, http.StatusForbidden, "wrong service token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}
