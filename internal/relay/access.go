package relay

import (
	"errors"

	"github.com/parley-chat/parley/internal/storage"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// ErrAccessDenied is the client-terminal denial outcome. The caller is told
// exactly this much and no more.
var ErrAccessDenied = errors.New("access denied")

// UserIdentity is the authenticated principal handed to the hub by the
// session-auth collaborator at upgrade time.
type UserIdentity struct {
	ID   string
	Role string
}

// AssertAgentAccess enforces the agent ACL: anyone may use a shared agent; a
// personal agent is usable only by its owner or an admin.
func AssertAgentAccess(agent *storage.Agent, userID, userRole string) error {
	if !agent.IsPersonal {
		return nil
	}
	if agent.OwnerID == userID {
		return nil
	}
	if userRole == RoleAdmin {
		return nil
	}
	return ErrAccessDenied
}
