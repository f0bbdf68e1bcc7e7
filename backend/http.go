package backend

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"botbox/otr"
)

const requestTimeout = 30 * time.Second

// API is the concrete HTTP backend client, authenticated with the bot's
// bearer token.
type API struct {
	http  *http.Client
	host  string
	token string
	log   *logrus.Entry
}

// NewAPI creates a backend client for the given host and bot token.
func NewAPI(host, token string) *API {
	return &API{
		http:  &http.Client{Timeout: requestTimeout},
		host:  host,
		token: token,
		log:   logrus.WithField("component", "backend.API"),
	}
}

// SendMessage posts the OTR message to /bot/messages. Both 2xx and 412
// decode into Devices; everything else >= 400 becomes an *HTTPError.
func (a *API) SendMessage(msg *otr.OtrMessage, ignoreMissing bool) (*otr.Devices, error) {
	endpoint := fmt.Sprintf("%s/bot/messages?ignore_missing=%v", a.host, ignoreMissing)

	resp, err := a.post(endpoint, msg)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusPreconditionFailed {
		return nil, httpError(resp)
	}

	devices := &otr.Devices{
		Missing:   make(otr.Missing),
		Redundant: make(otr.Missing),
		Deleted:   make(otr.Missing),
	}
	if err := json.NewDecoder(resp.Body).Decode(devices); err != nil {
		return nil, fmt.Errorf("failed to decode device response: %w", err)
	}
	return devices, nil
}

// SendPartialMessage posts the OTR message with report_missing, limiting
// missing-device bookkeeping to the given user.
func (a *API) SendPartialMessage(msg *otr.OtrMessage, userID uuid.UUID) (*otr.Devices, error) {
	endpoint := fmt.Sprintf("%s/bot/messages?report_missing=%s", a.host, userID)

	resp, err := a.post(endpoint, msg)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusPreconditionFailed {
		return nil, httpError(resp)
	}

	devices := &otr.Devices{
		Missing:   make(otr.Missing),
		Redundant: make(otr.Missing),
		Deleted:   make(otr.Missing),
	}
	if err := json.NewDecoder(resp.Body).Decode(devices); err != nil {
		return nil, fmt.Errorf("failed to decode device response: %w", err)
	}
	return devices, nil
}

// GetPreKeys fetches prekeys for the listed devices from /bot/users/prekeys.
func (a *API) GetPreKeys(missing otr.Missing) (otr.PreKeys, error) {
	resp, err := a.post(a.host+"/bot/users/prekeys", missing)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, httpError(resp)
	}

	preKeys := make(otr.PreKeys)
	if err := json.NewDecoder(resp.Body).Decode(&preKeys); err != nil {
		return nil, fmt.Errorf("failed to decode prekey response: %w", err)
	}
	return preKeys, nil
}

// UploadPreKeys publishes a freshly generated batch to /bot/client/prekeys.
func (a *API) UploadPreKeys(keys []otr.PreKey) error {
	body := struct {
		PreKeys []otr.PreKey `json:"prekeys"`
	}{PreKeys: keys}

	resp, err := a.post(a.host+"/bot/client/prekeys", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return httpError(resp)
	}
	a.log.WithField("count", len(keys)).Debug("Uploaded prekeys")
	return nil
}

// AvailablePreKeys returns the ids of prekeys the backend still holds for
// this client.
func (a *API) AvailablePreKeys() ([]int, error) {
	req, err := http.NewRequest(http.MethodGet, a.host+"/bot/client/prekeys", nil)
	if err != nil {
		return nil, err
	}
	a.authorize(req)

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, httpError(resp)
	}

	var ids []int
	if err := json.NewDecoder(resp.Body).Decode(&ids); err != nil {
		return nil, fmt.Errorf("failed to decode prekey id response: %w", err)
	}
	return ids, nil
}

func (a *API) post(endpoint string, body interface{}) (*http.Response, error) {
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("bad backend endpoint: %w", err)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	a.authorize(req)

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend request failed: %w", err)
	}
	return resp, nil
}

func (a *API) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+a.token)
}

func httpError(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &HTTPError{Status: resp.StatusCode, Message: string(msg)}
}
