package fields

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store by reading and writing the sessions.metadata
// JSON column, under the reserved "collectedFields" key (a conversation is a
// session row; see models.Session). The fields cache never owns a table of
// its own, it shares the conversation row.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an existing *sql.DB. The caller owns the
// connection's lifecycle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Load reads the collectedFields object from sessions.metadata for
// conversationID. A missing row or missing key both return an empty map,
// not an error.
func (s *PostgresStore) Load(ctx context.Context, conversationID string) (map[string]string, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT metadata -> 'collectedFields'
		FROM sessions
		WHERE id = $1
	`, conversationID).Scan(&raw)
	if err == sql.ErrNoRows {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fields: load collectedFields: %w", err)
	}
	if len(raw) == 0 {
		return map[string]string{}, nil
	}

	fields := map[string]string{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("fields: decode collectedFields: %w", err)
	}
	return fields, nil
}

// Save writes fields into sessions.metadata->'collectedFields' with a
// JSONB merge so other metadata keys are left untouched.
func (s *PostgresStore) Save(ctx context.Context, conversationID string, fields map[string]string) error {
	encoded, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("fields: encode collectedFields: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE sessions
		SET metadata = jsonb_set(COALESCE(metadata, '{}'::jsonb), '{collectedFields}', $2::jsonb, true),
		    updated_at = now()
		WHERE id = $1
	`, conversationID, encoded)
	if err != nil {
		return fmt.Errorf("fields: save collectedFields: %w", err)
	}
	return nil
}
