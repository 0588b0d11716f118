package storage

import (
	"database/sql"
	"errors"
)

// ErrStorage wraps every persistence failure surfaced by this package.
// Callers treat it as retryable.
var ErrStorage = errors.New("storage error")

// ErrAgentNotFound is returned when an agent id resolves to no row.
var ErrAgentNotFound = errors.New("agent not found")

// Session is one conversation between exactly one user and one agent.
// SessionKey is derived deterministically from the pair so re-derivation
// after a restart reproduces the same key.
type Session struct {
	UserID           string
	AgentID          string
	SessionKey       string
	RuntimeActivated bool
	CreatedAt        string
}

// Agent is the metadata the router needs to authorize and personalize a
// request. Agent CRUD itself lives outside this service.
type Agent struct {
	ID              string
	Name            string
	OwnerID         string
	IsPersonal      bool
	GreetingMessage string
}

type Storage struct {
	db *sql.DB
}

func NewStorage(db *sql.DB) *Storage {
	return &Storage{db: db}
}

func (s *Storage) DB() *sql.DB {
	return s.db
}

func (s *Storage) Close() error {
	return s.db.Close()
}
