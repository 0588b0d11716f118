package relay

import (
	"context"
	"net/http"
	"time"

	"github.com/parley-chat/parley/internal/gateway"
	"go.uber.org/zap"
)

const refreshCallTimeout = 15 * time.Second

// RunFreshnessRefresher periodically replaces the freshness cache with the
// gateway's full session listing. Blocks until ctx is cancelled.
func RunFreshnessRefresher(ctx context.Context, gw gateway.Gateway, cache *FreshnessCache, interval time.Duration, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}

	refresh := func() {
		if !gw.Connected() {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, refreshCallTimeout)
		keys, err := gw.ListSessions(callCtx)
		cancel()
		if err != nil {
			logger.Warn("session listing refresh failed", zap.Error(err))
			return
		}
		cache.Refresh(keys)
		logger.Debug("freshness cache refreshed", zap.Int("sessions", len(keys)))
	}

	refresh()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}

// HeaderAuth trusts identity headers injected by the authenticating reverse
// proxy in front of the relay. Cookie/session handling happens there, not
// here.
func HeaderAuth() AuthFunc {
	return func(r *http.Request) (UserIdentity, error) {
		userID := r.Header.Get("X-Parley-User-ID")
		if userID == "" {
			return UserIdentity{}, ErrAccessDenied
		}
		role := r.Header.Get("X-Parley-User-Role")
		if role == "" {
			role = RoleUser
		}
		return UserIdentity{ID: userID, Role: role}, nil
	}
}
