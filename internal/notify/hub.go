package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/parley-voice/parley/internal/metrics"
)

// Hub broadcasts notifications to websocket clients using the Gorilla hub
// pattern. It implements Sink.
type Hub struct {
	clients    map[string]*client
	register   chan *client
	unregister chan *client
	broadcast  chan []byte

	authToken      string
	allowedOrigins []string

	upgrader websocket.Upgrader
	logger   *zap.Logger
	metrics  *metrics.Metrics
	mu       sync.RWMutex
	ctx      context.Context
}

func NewHub(ctx context.Context, authToken string, allowedOrigins []string, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		clients:        make(map[string]*client),
		register:       make(chan *client),
		unregister:     make(chan *client),
		broadcast:      make(chan []byte, 256),
		authToken:      authToken,
		allowedOrigins: allowedOrigins,
		logger:         logger,
		metrics:        metrics.Get(),
		ctx:            ctx,
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: h.checkOrigin,
	}
	return h
}

func (h *Hub) Run() {
	for {
		select {
		case <-h.ctx.Done():
			h.mu.Lock()
			for id, c := range h.clients {
				close(c.send)
				c.conn.Close()
				delete(h.clients, id)
			}
			h.mu.Unlock()
			h.metrics.SetHubClients(0)
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			count := len(h.clients)
			h.mu.Unlock()
			h.metrics.SetHubClients(int64(count))
			h.logger.Info("notification client registered", zap.String("client_id", c.id))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.send)
				h.logger.Info("notification client unregistered", zap.String("client_id", c.id))
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.metrics.SetHubClients(int64(count))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for id, c := range h.clients {
				select {
				case c.send <- msg:
				default:
					h.logger.Warn("dropping slow client", zap.String("client_id", id))
					close(c.send)
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Notify queues n for broadcast without blocking.
func (h *Hub) Notify(n Notification) {
	data, err := json.Marshal(n)
	if err != nil {
		h.logger.Warn("failed to encode notification", zap.String("type", n.Type), zap.Error(err))
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("notification broadcast queue full; dropping", zap.String("type", n.Type))
	}
}

// ServeWS handles WebSocket upgrade requests with token auth (header or query param).
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := ""
	if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
		token = strings.TrimPrefix(authHeader, "Bearer ")
	} else {
		token = r.URL.Query().Get("token")
	}

	h.mu.RLock()
	currentToken := h.authToken
	h.mu.RUnlock()

	if currentToken != "" && token != currentToken {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	c := newClient(h, conn, uuid.New().String())
	select {
	case h.register <- c:
	case <-h.ctx.Done():
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	h.mu.RLock()
	allowedOrigins := h.allowedOrigins
	h.mu.RUnlock()

	if len(allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range allowedOrigins {
		if MatchOrigin(origin, allowed) {
			return true
		}
	}
	h.logger.Warn("rejected connection from unauthorized origin", zap.String("origin", origin))
	return false
}

func (h *Hub) UpdateAuthToken(newToken string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.authToken = newToken
}

func (h *Hub) SetAllowedOrigins(origins []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.allowedOrigins = origins
}
