// Package storage persists client state across restarts: serialized
// channel topologies and the per-channel block replay cursor of the event
// hubs. Backed by database/sql; the client opens it with modernc.org/sqlite.
package storage

import (
	"database/sql"
	"fmt"
)

// DB wraps the persistence handle.
type DB struct {
	backend *sql.DB
}

func New(db *sql.DB) *DB {
	return &DB{backend: db}
}

// Init creates the schema if it doesn't exist.
func (s *DB) Init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS channels (
		name TEXT PRIMARY KEY,
		blob BLOB NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS channel_progress (
		channel TEXT PRIMARY KEY,
		last_block BIGINT NOT NULL
	);
	`
	if _, err := s.backend.Exec(schema); err != nil {
		return fmt.Errorf("init storage schema: %w", err)
	}
	return nil
}

// SaveChannel upserts a serialized channel blob.
func (s *DB) SaveChannel(name string, blob []byte) error {
	query := `
	INSERT INTO channels(name, blob, updated_at)
	VALUES ($1, $2, CURRENT_TIMESTAMP)
	ON CONFLICT(name) DO UPDATE SET blob = excluded.blob, updated_at = CURRENT_TIMESTAMP;
	`
	if _, err := s.backend.Exec(query, name, blob); err != nil {
		return fmt.Errorf("save channel %s: %w", name, err)
	}
	return nil
}

// LoadChannel returns the stored blob, or nil if the channel is unknown.
func (s *DB) LoadChannel(name string) ([]byte, error) {
	var blob []byte
	err := s.backend.QueryRow("SELECT blob FROM channels WHERE name = $1", name).Scan(&blob)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load channel %s: %w", name, err)
	}
	return blob, nil
}

// ListChannels returns the names of all stored channels.
func (s *DB) ListChannels() ([]string, error) {
	rows, err := s.backend.Query("SELECT name FROM channels ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan channel name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channels: %w", err)
	}
	return names, nil
}

// DeleteChannel removes a stored channel and its cursor.
func (s *DB) DeleteChannel(name string) error {
	if _, err := s.backend.Exec("DELETE FROM channels WHERE name = $1", name); err != nil {
		return fmt.Errorf("delete channel %s: %w", name, err)
	}
	if _, err := s.backend.Exec("DELETE FROM channel_progress WHERE channel = $1", name); err != nil {
		return fmt.Errorf("delete channel progress %s: %w", name, err)
	}
	return nil
}

// MarkProcessed advances the replay cursor. The guard keeps it monotonic:
// a stale writer can never move it backwards.
func (s *DB) MarkProcessed(channel string, blockNum uint64) error {
	query := `
	INSERT INTO channel_progress(channel, last_block)
	VALUES ($1, $2)
	ON CONFLICT(channel) DO UPDATE SET last_block = excluded.last_block
	WHERE excluded.last_block > channel_progress.last_block;
	`
	if _, err := s.backend.Exec(query, channel, blockNum); err != nil {
		return fmt.Errorf("update last block: %w", err)
	}
	return nil
}

// LastProcessedBlock returns the cursor for the channel, 0 if none.
func (s *DB) LastProcessedBlock(channel string) (uint64, error) {
	var lastBlock sql.NullInt64
	err := s.backend.QueryRow("SELECT last_block FROM channel_progress WHERE channel = $1", channel).Scan(&lastBlock)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("query last processed block: %w", err)
	}
	if !lastBlock.Valid {
		return 0, nil
	}
	return uint64(lastBlock.Int64), nil
}
