package state

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// PostgresState keeps bootstrap records in a states table, one row per bot.
type PostgresState struct {
	db    *sql.DB
	botID uuid.UUID
}

// NewPostgresState creates a Postgres-backed state for one bot over an
// existing connection pool, ensuring the table exists.
func NewPostgresState(db *sql.DB, botID uuid.UUID) (*PostgresState, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS states (
		id   TEXT PRIMARY KEY,
		data BYTEA NOT NULL
	)`)
	if err != nil {
		return nil, fmt.Errorf("failed to create states table: %w", err)
	}
	return &PostgresState{db: db, botID: botID}, nil
}

func (p *PostgresState) Save(state *BotState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	_, err = p.db.Exec(
		"INSERT INTO states (id, data) VALUES ($1, $2) ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data",
		p.botID.String(), data)
	if err != nil {
		return fmt.Errorf("failed to save state for %s: %w", p.botID, err)
	}
	return nil
}

func (p *PostgresState) Get() (*BotState, error) {
	var data []byte
	err := p.db.QueryRow("SELECT data FROM states WHERE id = $1", p.botID.String()).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrMissingState, p.botID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch state for %s: %w", p.botID, err)
	}

	var state BotState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to decode state for %s: %w", p.botID, err)
	}
	return &state, nil
}

func (p *PostgresState) Remove() error {
	_, err := p.db.Exec("DELETE FROM states WHERE id = $1", p.botID.String())
	if err != nil {
		return fmt.Errorf("failed to remove state for %s: %w", p.botID, err)
	}
	return nil
}
