package relay

import (
	"errors"
	"testing"

	"github.com/parley-chat/parley/internal/storage"
)

func TestAssertAgentAccess(t *testing.T) {
	shared := &storage.Agent{ID: "shared"}
	personal := &storage.Agent{ID: "personal", OwnerID: "bob", IsPersonal: true}

	tests := []struct {
		name     string
		agent    *storage.Agent
		userID   string
		role     string
		wantDeny bool
	}{
		{"shared agent, any user", shared, "alice", RoleUser, false},
		{"shared agent, admin", shared, "alice", RoleAdmin, false},
		{"personal agent, owner", personal, "bob", RoleUser, false},
		{"personal agent, other user", personal, "alice", RoleUser, true},
		{"personal agent, admin override", personal, "alice", RoleAdmin, false},
		{"personal agent, unknown role", personal, "alice", "auditor", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := AssertAgentAccess(tt.agent, tt.userID, tt.role)
			if tt.wantDeny && !errors.Is(err, ErrAccessDenied) {
				t.Errorf("expected ErrAccessDenied, got %v", err)
			}
			if !tt.wantDeny && err != nil {
				t.Errorf("expected access, got %v", err)
			}
		})
	}
}
