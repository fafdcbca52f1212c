package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
)

// kindPrompt and kindTransitionPrompt are the two rows crew_member_prompts
// tracks per crew: the regular system prompt and the one-time transition
// prompt prepended on first turn under a crew.
const (
	kindPrompt           = "prompt"
	kindTransitionPrompt = "transition_prompt"
)

// PostgresPromptStore implements PromptStore against the crew_member_prompts
// table, letting operators edit a crew's effective prompt without a deploy.
// SetActivePrompt and SetActiveTransitionPrompt keep one row per (agent,
// crew, kind) active=true by marking the previous active row inactive and
// inserting the new one in a single transaction.
type PostgresPromptStore struct {
	db *sql.DB
}

// NewPostgresPromptStore wraps an existing *sql.DB.
func NewPostgresPromptStore(db *sql.DB) *PostgresPromptStore {
	return &PostgresPromptStore{db: db}
}

func (s *PostgresPromptStore) ActivePrompt(ctx context.Context, agentName, crewName string) (string, error) {
	return s.active(ctx, agentName, crewName, kindPrompt)
}

func (s *PostgresPromptStore) ActiveTransitionPrompt(ctx context.Context, agentName, crewName string) (string, error) {
	return s.active(ctx, agentName, crewName, kindTransitionPrompt)
}

func (s *PostgresPromptStore) active(ctx context.Context, agentName, crewName, kind string) (string, error) {
	var prompt string
	err := s.db.QueryRowContext(ctx, `
		SELECT prompt FROM crew_member_prompts
		WHERE agent_name = $1 AND crew_name = $2 AND kind = $3 AND active = true
		ORDER BY created_at DESC
		LIMIT 1
	`, agentName, crewName, kind).Scan(&prompt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoStoredPrompt
	}
	if err != nil {
		return "", fmt.Errorf("dispatch: query crew_member_prompts: %w", err)
	}
	return prompt, nil
}

// SetActivePrompt records a new active prompt version, deactivating any
// prior active row of the same kind for this crew.
func (s *PostgresPromptStore) SetActivePrompt(ctx context.Context, agentName, crewName, prompt string) error {
	return s.setActive(ctx, agentName, crewName, kindPrompt, prompt)
}

// SetActiveTransitionPrompt records a new active transition-prompt version.
func (s *PostgresPromptStore) SetActiveTransitionPrompt(ctx context.Context, agentName, crewName, prompt string) error {
	return s.setActive(ctx, agentName, crewName, kindTransitionPrompt, prompt)
}

func (s *PostgresPromptStore) setActive(ctx context.Context, agentName, crewName, kind, prompt string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("dispatch: begin prompt update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE crew_member_prompts SET active = false
		WHERE agent_name = $1 AND crew_name = $2 AND kind = $3 AND active = true
	`, agentName, crewName, kind); err != nil {
		return fmt.Errorf("dispatch: deactivate prior prompt: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO crew_member_prompts (agent_name, crew_name, kind, prompt, active)
		VALUES ($1, $2, $3, $4, true)
	`, agentName, crewName, kind, prompt); err != nil {
		return fmt.Errorf("dispatch: insert new prompt: %w", err)
	}

	return tx.Commit()
}
