package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

const (
	connectRetries = 5
	connectBackoff = time.Second
)

var pgSchema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id   TEXT PRIMARY KEY,
		data BYTEA NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS identities (
		id   TEXT PRIMARY KEY,
		data BYTEA NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS prekeys (
		id   TEXT NOT NULL,
		kid  INTEGER NOT NULL,
		data BYTEA NOT NULL,
		PRIMARY KEY (id, kid)
	)`,
}

// PostgresStore backs records with Postgres. FetchSession takes a row lock
// (SELECT ... FOR UPDATE) that is held until Persist commits or Discard
// rolls back, serializing concurrent access to the same (owner, peer) pair
// across processes.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects to the given DSN and ensures the schema exists.
// Transient connection failures are retried with a fixed backoff before
// giving up.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	for i := 0; ; i++ {
		err = db.Ping()
		if err == nil {
			break
		}
		if i >= connectRetries {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		logrus.WithFields(logrus.Fields{
			"attempt": i + 1,
		}).Warn("Database not reachable, retrying")
		time.Sleep(connectBackoff)
	}

	for _, stmt := range pgSchema {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return &PostgresStore{db: db}, nil
}

// DB exposes the underlying pool so callers can share it, e.g. for the
// bootstrap state tables.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func sessionRowID(id, sid string) string {
	return fmt.Sprintf("%s-%s", id, sid)
}

// FetchSession opens a transaction and locks the session row until the
// record is persisted or discarded.
func (s *PostgresStore) FetchSession(id, sid string) (Record, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	key := sessionRowID(id, sid)
	var data []byte
	err = tx.QueryRow("SELECT data FROM sessions WHERE id = $1 FOR UPDATE", key).Scan(&data)
	if err == sql.ErrNoRows {
		data = nil
	} else if err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("failed to fetch session %s: %w", sid, err)
	}

	return &pgRecord{tx: tx, key: key, data: data}, nil
}

func (s *PostgresStore) FetchIdentity(id string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow("SELECT data FROM identities WHERE id = $1", id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch identity %s: %w", id, err)
	}
	return data, nil
}

func (s *PostgresStore) InsertIdentity(id string, data []byte) error {
	_, err := s.db.Exec(
		"INSERT INTO identities (id, data) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING",
		id, data)
	if err != nil {
		return fmt.Errorf("failed to insert identity %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) FetchPreKeys(id string) ([]PreKeyRecord, error) {
	rows, err := s.db.Query("SELECT kid, data FROM prekeys WHERE id = $1", id)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch prekeys %s: %w", id, err)
	}
	defer rows.Close()

	var ret []PreKeyRecord
	for rows.Next() {
		var kid int
		var data []byte
		if err := rows.Scan(&kid, &data); err != nil {
			return nil, fmt.Errorf("failed to scan prekey row: %w", err)
		}
		ret = append(ret, PreKeyRecord{KID: uint16(kid), Data: data})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate prekey rows: %w", err)
	}
	return ret, nil
}

func (s *PostgresStore) InsertPreKey(id string, kid uint16, data []byte) error {
	_, err := s.db.Exec(
		"INSERT INTO prekeys (id, kid, data) VALUES ($1, $2, $3) ON CONFLICT (id, kid) DO UPDATE SET data = EXCLUDED.data",
		id, int(kid), data)
	if err != nil {
		return fmt.Errorf("failed to insert prekey %d: %w", kid, err)
	}
	return nil
}

func (s *PostgresStore) DeletePreKey(id string, kid uint16) error {
	_, err := s.db.Exec("DELETE FROM prekeys WHERE id = $1 AND kid = $2", id, int(kid))
	if err != nil {
		return fmt.Errorf("failed to delete prekey %d: %w", kid, err)
	}
	return nil
}

// Purge deletes all sessions, the identity, and all prekeys for an id.
func (s *PostgresStore) Purge(id string) error {
	if _, err := s.db.Exec("DELETE FROM sessions WHERE id LIKE $1", id+"-%"); err != nil {
		return fmt.Errorf("failed to purge sessions for %s: %w", id, err)
	}
	if _, err := s.db.Exec("DELETE FROM identities WHERE id = $1", id); err != nil {
		return fmt.Errorf("failed to purge identity %s: %w", id, err)
	}
	if _, err := s.db.Exec("DELETE FROM prekeys WHERE id = $1", id); err != nil {
		return fmt.Errorf("failed to purge prekeys for %s: %w", id, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

type pgRecord struct {
	tx   *sql.Tx
	key  string
	data []byte
	done bool
}

func (r *pgRecord) Data() []byte {
	return r.data
}

func (r *pgRecord) Persist(data []byte) error {
	if r.done {
		return nil
	}
	r.done = true

	if data == nil {
		if _, err := r.tx.Exec("DELETE FROM sessions WHERE id = $1", r.key); err != nil {
			_ = r.tx.Rollback()
			return fmt.Errorf("failed to delete session row: %w", err)
		}
		return r.tx.Commit()
	}

	_, err := r.tx.Exec(
		"INSERT INTO sessions (id, data) VALUES ($1, $2) ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data",
		r.key, data)
	if err != nil {
		_ = r.tx.Rollback()
		return fmt.Errorf("failed to persist session row: %w", err)
	}
	return r.tx.Commit()
}

func (r *pgRecord) Discard() {
	if r.done {
		return
	}
	r.done = true
	_ = r.tx.Rollback()
}
