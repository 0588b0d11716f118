package relay

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRunFreshnessRefresherPopulatesCache(t *testing.T) {
	gw := &fakeGateway{connected: true, sessions: []string{"agent:a:user-u1"}}
	cache, err := NewFreshnessCache(16)
	if err != nil {
		t.Fatalf("cache creation failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunFreshnessRefresher(ctx, gw, cache, time.Hour, nil)
		close(done)
	}()

	// The initial refresh runs before the first tick.
	deadline := time.After(2 * time.Second)
	for !cache.Has("agent:a:user-u1") {
		select {
		case <-deadline:
			t.Fatal("cache never populated by initial refresh")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("refresher did not stop on cancel")
	}
}

func TestRunFreshnessRefresherSkipsWhileDisconnected(t *testing.T) {
	gw := &fakeGateway{connected: false}
	cache, err := NewFreshnessCache(16)
	if err != nil {
		t.Fatalf("cache creation failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go RunFreshnessRefresher(ctx, gw, cache, 10*time.Millisecond, nil)

	time.Sleep(60 * time.Millisecond)
	gw.mu.Lock()
	calls := gw.listCalls
	gw.mu.Unlock()
	if calls != 0 {
		t.Errorf("refresher called ListSessions %d times while disconnected", calls)
	}
}

func TestHeaderAuth(t *testing.T) {
	auth := HeaderAuth()

	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("X-Parley-User-ID", "alice")
	r.Header.Set("X-Parley-User-Role", "admin")

	user, err := auth(r)
	if err != nil {
		t.Fatalf("auth failed: %v", err)
	}
	if user.ID != "alice" || user.Role != RoleAdmin {
		t.Errorf("unexpected identity: %+v", user)
	}
}

func TestHeaderAuthDefaultsRole(t *testing.T) {
	auth := HeaderAuth()

	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("X-Parley-User-ID", "bob")

	user, err := auth(r)
	if err != nil {
		t.Fatalf("auth failed: %v", err)
	}
	if user.Role != RoleUser {
		t.Errorf("role = %q, want %q", user.Role, RoleUser)
	}
}

func TestHeaderAuthRejectsAnonymous(t *testing.T) {
	auth := HeaderAuth()

	r := httptest.NewRequest("GET", "/ws", nil)
	if _, err := auth(r); err == nil {
		t.Error("expected error without identity header")
	}
}
