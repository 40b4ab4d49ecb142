package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prudhvinik1/signalhub/internal/models"
	"github.com/prudhvinik1/signalhub/internal/registry"
	"github.com/prudhvinik1/signalhub/internal/repositories"
	"github.com/prudhvinik1/signalhub/internal/services"
)

type Config struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
	SendBufferSize int
	// StoreTimeout bounds presence store calls made on connect and disconnect.
	StoreTimeout time.Duration
	CheckOrigin  func(r *http.Request) bool
}

func (c *Config) setDefaults() {
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 64 * 1024
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = 64
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = func(*http.Request) bool { return true }
	}
}

// Hub owns this instance's WebSocket connections. It registers them with the
// presence tracker and the signaling registry, pushes events to them, and
// dispatches their inbound calls.
type Hub struct {
	presence *services.PresenceService
	registry *registry.ConnectionRegistry
	users    repositories.UserRepository
	relay    *services.SignalingService
	fanout   services.Fanout
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*Client
	// pending holds connections registered in the store whose upgrade has
	// not finished yet.
	pending map[string]struct{}
	closing bool
	wg      sync.WaitGroup
}

// New creates a hub. users may be nil when no user directory is configured.
func New(presence *services.PresenceService, reg *registry.ConnectionRegistry, users repositories.UserRepository, cfg Config, logger *slog.Logger) *Hub {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	return &Hub{
		presence: presence,
		registry: reg,
		users:    users,
		cfg:      cfg,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     cfg.CheckOrigin,
		},
		clients: make(map[string]*Client),
		pending: make(map[string]struct{}),
	}
}

// Use attaches the relay and the fan-out. The fan-out usually wraps the hub
// itself as its Pusher, so it cannot be passed to New.
func (h *Hub) Use(relay *services.SignalingService, fanout services.Fanout) {
	h.relay = relay
	h.fanout = fanout
}

// Count returns the number of live local connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades an authenticated request to a hub connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := services.IdentityFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	connID := uuid.NewString()

	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}
	h.pending[connID] = struct{}{}
	h.mu.Unlock()
	defer h.unreserve(connID)

	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.StoreTimeout)
	wasFirst, err := h.presence.RegisterConnection(ctx, identity.Username, connID, identity.UserID)
	cancel()
	if err != nil {
		h.logger.Error("Failed to register connection",
			"username", identity.Username,
			"conn_id", connID,
			"error", err)
		status := http.StatusServiceUnavailable
		if errors.Is(err, services.ErrUnauthenticatedConnection) {
			status = http.StatusUnauthorized
		}
		http.Error(w, http.StatusText(status), status)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", "conn_id", connID, "error", err)
		h.deregister(identity.Username, connID)
		return
	}

	client := newClient(connID, *identity, conn, h.cfg.SendBufferSize)

	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		conn.Close()
		h.deregister(identity.Username, connID)
		return
	}
	h.clients[connID] = client
	h.wg.Add(1)
	h.mu.Unlock()
	h.registry.AddConnection(identity.Username, connID)

	h.logger.Info("Client connected",
		"username", identity.Username,
		"user_id", identity.UserID,
		"conn_id", connID,
		"first", wasFirst)

	go h.writePump(client)
	go h.readPump(client)

	bg := context.Background()
	if wasFirst {
		h.Broadcast(bg, models.EventUserIsOnline, models.OnlineNotification{
			ID:       identity.UserID,
			Username: identity.Username,
		}, connID)
	}
	h.sendOnlineSnapshot(bg, client)
}

func (h *Hub) unreserve(connID string) {
	h.mu.Lock()
	delete(h.pending, connID)
	h.mu.Unlock()
}

func (h *Hub) sendOnlineSnapshot(ctx context.Context, client *Client) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.StoreTimeout)
	defer cancel()

	users, err := h.presence.GetOnlineUsersDetailed(ctx)
	if err != nil {
		h.logger.Error("Failed to load online users", "conn_id", client.id, "error", err)
		return
	}

	ids := make([]int64, len(users))
	for i, u := range users {
		ids[i] = u.ID
	}

	if err := h.PushToConnection(client.id, models.EventGetOnlineUserIDs, ids); err != nil {
		h.logger.Warn("Failed to push online ids", "conn_id", client.id, "error", err)
	}
	if err := h.PushToConnection(client.id, models.EventGetOnlineUsersDetailed, users); err != nil {
		h.logger.Warn("Failed to push online users", "conn_id", client.id, "error", err)
	}
}

// PushToConnection queues event for a local connection.
func (h *Hub) PushToConnection(connectionID, event string, payload any) error {
	h.mu.RLock()
	client, ok := h.clients[connectionID]
	h.mu.RUnlock()
	if !ok {
		return ErrConnectionNotFound
	}

	data, err := encodeFrame(event, payload)
	if err != nil {
		return err
	}
	return client.enqueue(data)
}

// Broadcast sends event to every connection of every instance except the
// connection named by except.
func (h *Hub) Broadcast(ctx context.Context, event string, payload any, except string) {
	raw, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast", "event", event, "error", err)
		return
	}

	if h.fanout == nil {
		return
	}
	err = h.fanout.Deliver(ctx, models.Delivery{
		Except:  except,
		Event:   event,
		Payload: raw,
	})
	if err != nil {
		h.logger.Warn("Broadcast incomplete", "event", event, "error", err)
	}
}

// NotifyOffline broadcasts UserIsOffline. It is the presence tracker's
// offline hook for users removed by a sweep.
func (h *Hub) NotifyOffline(ctx context.Context, user models.OnlineUser) {
	h.Broadcast(ctx, models.EventUserIsOffline, models.OnlineNotification{
		ID:       user.ID,
		Username: user.Username,
	}, "")
	h.touchLastSeen(ctx, user.ID)
}

// PingConnection is the sweep's liveness probe. Local connections get a
// KeepAlive and must answer with KeepAliveResponse. Connections held by
// another instance are considered alive while that instance heartbeats, and
// so are local connections still in their handshake.
func (h *Hub) PingConnection(ctx context.Context, connectionID string) bool {
	h.mu.RLock()
	client, local := h.clients[connectionID]
	_, connecting := h.pending[connectionID]
	h.mu.RUnlock()

	if connecting && !local {
		return true
	}
	if local {
		ok := h.presence.AwaitKeepAlive(ctx, connectionID, func() error {
			return h.PushToConnection(connectionID, models.EventKeepAlive, models.KeepAlive{
				Timestamp: time.Now().UnixMilli(),
			})
		})
		if !ok && !errors.Is(ctx.Err(), context.Canceled) {
			h.logger.Info("Closing unresponsive connection", "conn_id", connectionID)
			client.Close()
		}
		return ok
	}

	conn, err := h.presence.GetConnection(ctx, connectionID)
	if errors.Is(err, repositories.ErrNotFound) {
		return false
	}
	if err != nil {
		// unknown is not dead
		return true
	}
	if conn.InstanceID == h.presence.InstanceID() {
		return false
	}

	alive, err := h.presence.IsInstanceAlive(ctx, conn.InstanceID)
	if err != nil {
		return true
	}
	return alive
}

// Shutdown closes every local connection and waits for their disconnect
// handling to finish or ctx to end.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("Hub closed", "connections", len(clients))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("hub shutdown: %w", ctx.Err())
	}
}

func (h *Hub) disconnect(client *Client) {
	client.Close()

	h.mu.Lock()
	_, ok := h.clients[client.id]
	delete(h.clients, client.id)
	h.mu.Unlock()
	if !ok {
		return
	}
	defer h.wg.Done()

	h.registry.RemoveConnection(client.identity.Username, client.id)
	wasLast := h.deregister(client.identity.Username, client.id)

	h.logger.Info("Client disconnected",
		"username", client.identity.Username,
		"conn_id", client.id,
		"connected_for", time.Since(client.establishedAt).Round(time.Millisecond),
		"last", wasLast)

	if wasLast {
		h.NotifyOffline(context.Background(), models.OnlineUser{
			ID:       client.identity.UserID,
			Username: client.identity.Username,
		})
	}
}

func (h *Hub) deregister(username, connID string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.StoreTimeout)
	defer cancel()

	wasLast, err := h.presence.DeregisterConnection(ctx, username, connID)
	if err != nil {
		// the sweep will catch it
		h.logger.Error("Failed to deregister connection",
			"username", username,
			"conn_id", connID,
			"error", err)
		return false
	}
	return wasLast
}

func (h *Hub) touchLastSeen(ctx context.Context, userID int64) {
	if h.users == nil || userID <= 0 {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, h.cfg.StoreTimeout)
	defer cancel()

	err := h.users.TouchLastSeen(ctx, userID, time.Now())
	if err != nil && !errors.Is(err, repositories.ErrNotFound) {
		h.logger.Warn("Failed to record last seen", "user_id", userID, "error", err)
	}
}

func encodeFrame(event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	data, err := json.Marshal(models.Frame{Type: event, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s frame: %w", event, err)
	}
	return data, nil
}
