package relay

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// AuthFunc resolves the authenticated user behind an upgrade request.
// Session-cookie/token handling itself lives outside this service; the hub
// only consumes the resulting identity.
type AuthFunc func(r *http.Request) (UserIdentity, error)

// Hub owns every browser WebSocket connection. Each accepted connection gets
// its own ClientConn with read/write pumps and a Router scoped to the
// authenticated user; a stalled upstream call for one user never delays
// another.
type Hub struct {
	clients    map[*ClientConn]struct{}
	register   chan *ClientConn
	unregister chan *ClientConn

	allowedOrigins []string
	authenticate   AuthFunc
	deps           RouterDeps

	upgrader websocket.Upgrader
	logger   *zap.Logger
	mu       sync.RWMutex
	ctx      context.Context
}

func NewHub(ctx context.Context, allowedOrigins []string, authenticate AuthFunc, deps RouterDeps, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		clients:        make(map[*ClientConn]struct{}),
		register:       make(chan *ClientConn),
		unregister:     make(chan *ClientConn),
		allowedOrigins: allowedOrigins,
		authenticate:   authenticate,
		deps:           deps,
		logger:         logger,
		ctx:            ctx,
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: h.checkOrigin}
	return h
}

func (h *Hub) Run() {
	for {
		select {
		case <-h.ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.shutdown()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = struct{}{}
			count := len(h.clients)
			h.mu.Unlock()
			h.deps.Metrics.SetActiveConnections(int64(count))
			h.logger.Info("client connected",
				zap.String("user_id", conn.user.ID),
				zap.Int("active", count),
			)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.shutdown()
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.deps.Metrics.SetActiveConnections(int64(count))
			h.logger.Info("client disconnected",
				zap.String("user_id", conn.user.ID),
				zap.Int("active", count),
			)
		}
	}
}

// ServeWS authenticates and upgrades one browser connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	user, err := h.authenticate(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := newClientConn(h, conn, user)

	select {
	case h.register <- client:
	case <-h.ctx.Done():
		conn.Close()
		return
	}

	go client.writePump()
	go client.workLoop()
	go client.readPump()
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.allowedOrigins {
		if MatchOrigin(origin, allowed) {
			return true
		}
	}
	h.logger.Warn("rejected connection from unauthorized origin",
		zap.String("origin", origin))
	return false
}
