package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// GetAgent resolves agent metadata by id.
func (s *Storage) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	var agent Agent
	var personal int
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, owner_id, is_personal, greeting_message FROM agents WHERE id = ?",
		agentID,
	).Scan(&agent.ID, &agent.Name, &agent.OwnerID, &personal, &agent.GreetingMessage)
	if err == sql.ErrNoRows {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: query agent: %v", ErrStorage, err)
	}
	agent.IsPersonal = personal != 0
	return &agent, nil
}

// UpsertAgent writes agent metadata. Agent CRUD is owned by an external
// service; this exists for that service's sync path and for tests.
func (s *Storage) UpsertAgent(ctx context.Context, agent Agent) error {
	personal := 0
	if agent.IsPersonal {
		personal = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, owner_id, is_personal, greeting_message)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			owner_id = excluded.owner_id,
			is_personal = excluded.is_personal,
			greeting_message = excluded.greeting_message
	`, agent.ID, agent.Name, agent.OwnerID, personal, agent.GreetingMessage)
	if err != nil {
		return fmt.Errorf("%w: upsert agent: %v", ErrStorage, err)
	}
	return nil
}
