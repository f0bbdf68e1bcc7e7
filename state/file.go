package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

const stateFilename = "state.json"

// FileState keeps the bootstrap record at {root}/{botId}/state.json.
type FileState struct {
	root  string
	botID uuid.UUID
}

// NewFileState creates a file-backed state for one bot.
func NewFileState(root string, botID uuid.UUID) *FileState {
	return &FileState{root: root, botID: botID}
}

func (f *FileState) path() string {
	return filepath.Join(f.root, f.botID.String(), stateFilename)
}

func (f *FileState) Save(state *BotState) error {
	dir := filepath.Dir(f.path())
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return os.WriteFile(f.path(), data, 0600)
}

func (f *FileState) Get() (*BotState, error) {
	data, err := os.ReadFile(f.path())
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrMissingState, f.botID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state for %s: %w", f.botID, err)
	}

	var state BotState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to decode state for %s: %w", f.botID, err)
	}
	return &state, nil
}

func (f *FileState) Remove() error {
	err := os.Remove(f.path())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove state for %s: %w", f.botID, err)
	}
	return nil
}
