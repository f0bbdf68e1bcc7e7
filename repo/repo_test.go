package repo

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botbox/backend"
	"botbox/otr"
	"botbox/state"
	"botbox/store"
)

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

func newTestRepo(t *testing.T) (*Repo, *store.FileStore, string) {
	t.Helper()
	stateDir := t.TempDir()
	storage := store.NewFileStore(t.TempDir())

	cf := func(botID uuid.UUID) (*otr.Engine, error) {
		return otr.NewEngine(storage, botID.String())
	}
	sf := func(botID uuid.UUID) (state.State, error) {
		return state.NewFileState(stateDir, botID), nil
	}
	af := func(st *state.BotState) backend.Client {
		return stubBackend{}
	}
	return New(cf, sf, af), storage, stateDir
}

func provision(t *testing.T, stateDir string, botID uuid.UUID) {
	t.Helper()
	err := state.NewFileState(stateDir, botID).Save(&state.BotState{
		ID:           botID,
		Client:       "device",
		Conversation: uuid.New(),
		Token:        "token",
	})
	require.NoError(t, err)
}

func TestGetWithoutStateFails(t *testing.T) {
	r, _, _ := newTestRepo(t)

	_, err := r.Get(uuid.New())
	require.Error(t, err)
	assert.True(t, errors.Is(err, state.ErrMissingState))
}

func TestGetCachesClient(t *testing.T) {
	r, _, stateDir := newTestRepo(t)
	botID := uuid.New()
	provision(t, stateDir, botID)

	c1, err := r.Get(botID)
	require.NoError(t, err)
	c2, err := r.Get(botID)
	require.NoError(t, err)

	assert.Same(t, c1, c2)
}

func TestGetReplacesClosedClient(t *testing.T) {
	r, _, stateDir := newTestRepo(t)
	botID := uuid.New()
	provision(t, stateDir, botID)

	c1, err := r.Get(botID)
	require.NoError(t, err)
	require.NoError(t, c1.Close())

	c2, err := r.Get(botID)
	require.NoError(t, err)
	assert.NotSame(t, c1, c2)
	assert.False(t, c2.IsClosed())
}

func TestRemoveEvictsAndCloses(t *testing.T) {
	r, _, stateDir := newTestRepo(t)
	botID := uuid.New()
	provision(t, stateDir, botID)

	c1, err := r.Get(botID)
	require.NoError(t, err)

	r.Remove(botID)
	assert.True(t, c1.IsClosed())

	// State is untouched; a new client can be built.
	c2, err := r.Get(botID)
	require.NoError(t, err)
	assert.NotSame(t, c1, c2)
}

func TestPurgeRemovesEverything(t *testing.T) {
	r, storage, stateDir := newTestRepo(t)
	botID := uuid.New()
	provision(t, stateDir, botID)

	c, err := r.Get(botID)
	require.NoError(t, err)
	_, err = c.NewPreKeys(0, 3)
	require.NoError(t, err)

	require.NoError(t, r.Purge(botID))
	assert.True(t, c.IsClosed())

	// Bootstrap state is gone, so the bot cannot be reconstructed.
	_, err = r.Get(botID)
	assert.True(t, errors.Is(err, state.ErrMissingState))

	// And the crypto material was wiped from storage.
	records, err := storage.FetchPreKeys(botID.String())
	require.NoError(t, err)
	assert.Empty(t, records)
	identity, err := storage.FetchIdentity(botID.String())
	require.NoError(t, err)
	assert.Nil(t, identity)
}
