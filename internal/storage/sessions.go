package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// SessionKey derives the canonical key for one (user, agent) conversation.
// Deterministic on purpose: a restarted process re-derives the same key and
// picks the conversation back up.
func SessionKey(userID, agentID string) string {
	return fmt.Sprintf("agent:%s:user-%s", agentID, userID)
}

// GetOrCreateSession returns the single canonical session row for the pair,
// inserting it on first use. Two concurrent first messages race on the
// insert; the loser hits the UNIQUE constraint and re-reads the winner's row.
func (s *Storage) GetOrCreateSession(ctx context.Context, userID, agentID string) (*Session, error) {
	if userID == "" || agentID == "" {
		return nil, fmt.Errorf("%w: user id and agent id are required", ErrStorage)
	}

	if session, err := s.getSession(ctx, userID, agentID); err != nil {
		return nil, err
	} else if session != nil {
		return session, nil
	}

	key := SessionKey(userID, agentID)
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO sessions (user_id, agent_id, session_key) VALUES (?, ?, ?)",
		userID, agentID, key,
	)
	if err != nil && !isUniqueViolation(err) {
		return nil, fmt.Errorf("%w: insert session: %v", ErrStorage, err)
	}

	session, err := s.getSession(ctx, userID, agentID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("%w: session vanished after insert", ErrStorage)
	}
	return session, nil
}

// MarkSessionActivated records that the upstream gateway has materialized
// this session. Idempotent; concurrent calls are safe.
func (s *Storage) MarkSessionActivated(ctx context.Context, sessionKey string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET runtime_activated = 1 WHERE session_key = ?",
		sessionKey,
	)
	if err != nil {
		return fmt.Errorf("%w: mark session activated: %v", ErrStorage, err)
	}
	return nil
}

func (s *Storage) getSession(ctx context.Context, userID, agentID string) (*Session, error) {
	var session Session
	var activated int
	err := s.db.QueryRowContext(ctx,
		"SELECT user_id, agent_id, session_key, runtime_activated, created_at FROM sessions WHERE user_id = ? AND agent_id = ?",
		userID, agentID,
	).Scan(&session.UserID, &session.AgentID, &session.SessionKey, &activated, &session.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: query session: %v", ErrStorage, err)
	}
	session.RuntimeActivated = activated != 0
	return &session, nil
}

// isUniqueViolation detects a sqlite UNIQUE constraint failure without
// binding to the driver's error type.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
