package server

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botbox/backend"
	"botbox/client"
	"botbox/otr"
	"botbox/repo"
	"botbox/state"
	"botbox/store"
)

const testToken = "service-token"

type stubBackend struct{}

func (stubBackend) SendMessage(msg *otr.OtrMessage, ignoreMissing bool) (*otr.Devices, error) {
	return &otr.Devices{Missing: make(otr.Missing)}, nil
}
func (stubBackend) SendPartialMessage(msg *otr.OtrMessage, userID uuid.UUID) (*otr.Devices, error) {
	return &otr.Devices{Missing: make(otr.Missing)}, nil
}
func (stubBackend) GetPreKeys(missing otr.Missing) (otr.PreKeys, error) {
	return make(otr.PreKeys), nil
}
func (stubBackend) UploadPreKeys(keys []otr.PreKey) error { return nil }
func (stubBackend) AvailablePreKeys() ([]int, error)      { return nil, nil }

type recordingHandler struct {
	accept   bool
	messages []*Message
}

func (h *recordingHandler) OnNewBot(st *state.BotState) bool { return h.accept }

func (h *recordingHandler) OnMessage(c *client.Client, msg *Message) {
	h.messages = append(h.messages, msg)
}

func newTestServer(t *testing.T) (*httptest.Server, *recordingHandler) {
	t.Helper()

	storage := store.NewFileStore(t.TempDir())
	stateDir := t.TempDir()

	cf := func(botID uuid.UUID) (*otr.Engine, error) {
		return otr.NewEngine(storage, botID.String())
	}
	sf := func(botID uuid.UUID) (state.State, error) {
		return state.NewFileState(stateDir, botID), nil
	}
	af := func(st *state.BotState) backend.Client {
		return stubBackend{}
	}

	h := &recordingHandler{accept: true}
	srv := New(h, repo.New(cf, sf, af), cf, sf, testToken)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, h
}

func doPost(t *testing.T, url, token string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func provisionBot(t *testing.T, ts *httptest.Server, botID uuid.UUID) newBotResponse {
	t.Helper()

	req := newBotRequest{ID: botID, Client: "bot_device", Token: "bot-token", Locale: "en-US"}
	req.Origin.ID = uuid.New()
	req.Conversation.ID = uuid.New()

	resp := doPost(t, ts.URL+"/bots", testToken, req)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out newBotResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestStatus(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthRejection(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := doPost(t, ts.URL+"/bots", "", newBotRequest{})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doPost(t, ts.URL+"/bots", "wrong-token", newBotRequest{})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestProvisionBot(t *testing.T) {
	ts, _ := newTestServer(t)

	out := provisionBot(t, ts, uuid.New())
	assert.Equal(t, 0xFFFF, out.LastPreKey.ID)
	require.Len(t, out.PreKeys, provisionPreKeyCount)
	assert.Equal(t, 0, out.PreKeys[0].ID)

	for _, pk := range out.PreKeys {
		raw, err := base64.StdEncoding.DecodeString(pk.Key)
		require.NoError(t, err)
		assert.Len(t, raw, 32)
	}
}

func TestProvisionRejected(t *testing.T) {
	ts, h := newTestServer(t)
	h.accept = false

	resp := doPost(t, ts.URL+"/bots", testToken, newBotRequest{ID: uuid.New()})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestInboundMessageDecrypted(t *testing.T) {
	ts, h := newTestServer(t)
	botID := uuid.New()
	out := provisionBot(t, ts, botID)

	// A peer initiates a session against one of the bot's prekeys.
	alice, err := otr.NewEngine(store.NewFileStore(t.TempDir()), "alice")
	require.NoError(t, err)
	aliceID := uuid.New()

	bundle := make(otr.PreKeys)
	bundle.Add(botID, "bot_device", &out.PreKeys[0])
	recipients, err := alice.EncryptWithPreKeys(bundle, []byte("hello bot"))
	require.NoError(t, err)

	var p payload
	p.Type = "conversation.otr-message-add"
	p.Conversation = uuid.New()
	p.From = aliceID
	p.Data.Sender = "alice_pc"
	p.Data.Recipient = "bot_device"
	p.Data.Text = recipients.Get(botID, "bot_device")

	resp := doPost(t, fmt.Sprintf("%s/bots/%s/messages", ts.URL, botID), testToken, p)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.Len(t, h.messages, 1)
	msg := h.messages[0]
	assert.Equal(t, aliceID, msg.From)
	assert.Equal(t, "alice_pc", msg.ClientID)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("hello bot")), msg.Text)
}

func TestInboundMessageForUnknownBot(t *testing.T) {
	ts, _ := newTestServer(t)

	var p payload
	p.From = uuid.New()
	p.Data.Sender = "alice_pc"
	p.Data.Text = base64.StdEncoding.EncodeToString([]byte("whatever"))

	resp := doPost(t, fmt.Sprintf("%s/bots/%s/messages", ts.URL, uuid.New()), testToken, p)
	assert.Equal(t, http.StatusGone, resp.StatusCode)
}

// flakySessionStore fails every session fetch while the rest of the store
// keeps working, like a session volume going away under a running server.
type flakySessionStore struct {
	*store.FileStore
}

func (s flakySessionStore) FetchSession(id, sid string) (store.Record, error) {
	return nil, fmt.Errorf("session volume offline")
}

func TestInboundMessageStorageFailure(t *testing.T) {
	storage := flakySessionStore{store.NewFileStore(t.TempDir())}
	stateDir := t.TempDir()

	cf := func(botID uuid.UUID) (*otr.Engine, error) {
		return otr.NewEngine(storage, botID.String())
	}
	sf := func(botID uuid.UUID) (state.State, error) {
		return state.NewFileState(stateDir, botID), nil
	}
	af := func(st *state.BotState) backend.Client {
		return stubBackend{}
	}

	h := &recordingHandler{accept: true}
	srv := New(h, repo.New(cf, sf, af), cf, sf, testToken)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	botID := uuid.New()
	provisionBot(t, ts, botID)

	// A well-formed envelope, so decryption gets as far as the session
	// fetch before anything can fail.
	env, err := json.Marshal(map[string]any{
		"v":       1,
		"type":    "msg",
		"header":  map[string]any{"dh": make([]byte, 32), "pn": 0, "n": 0},
		"payload": []byte("ciphertext"),
	})
	require.NoError(t, err)

	var p payload
	p.From = uuid.New()
	p.Data.Sender = "alice_pc"
	p.Data.Text = base64.StdEncoding.EncodeToString(env)

	// A backend-side failure is not the sender's fault; it must surface as
	// a server error, not a 4xx.
	resp := doPost(t, fmt.Sprintf("%s/bots/%s/messages", ts.URL, botID), testToken, p)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Empty(t, h.messages)
}

func TestInboundMessageUndecryptable(t *testing.T) {
	ts, h := newTestServer(t)
	botID := uuid.New()
	provisionBot(t, ts, botID)

	var p payload
	p.From = uuid.New()
	p.Data.Sender = "alice_pc"
	p.Data.Text = base64.StdEncoding.EncodeToString([]byte("not an envelope"))

	resp := doPost(t, fmt.Sprintf("%s/bots/%s/messages", ts.URL, botID), testToken, p)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Empty(t, h.messages)
}
