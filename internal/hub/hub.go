// Package hub fans real-time events out to browser connections keyed by user.
// A connection receives nothing until its first "hello" message names the
// user it belongs to. Sends are best effort: nothing is queued for
// connections that are gone.
package hub

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"featurepilot/internal/metrics"
)

const (
	TypeHello    = "hello"
	TypeHelloAck = "hello.ack"
	TypePing     = "ping"
	TypePong     = "pong"
	TypeError    = "error"

	maxMessageBytes = 64 << 10
)

// Event kinds pushed by the service.
const (
	EventOrchestrationUpdated   = "orchestration.updated"
	EventOrchestrationQuestion  = "orchestration.question"
	EventOrchestrationPlanReady = "orchestration.plan_ready"
	EventOrchestrationCompleted = "orchestration.completed"
	EventOrchestrationError     = "orchestration.error"
	EventAgentStatus            = "agent.status"
	EventAgentMessage           = "agent.message"
)

// Event is the wire envelope pushed to clients.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Publisher is the outbound side of the hub used by the engine and reconciler.
type Publisher interface {
	BroadcastToUser(userID string, evt Event)
	BroadcastAll(evt Event)
}

// Hello is the registration payload sent by a client.
type Hello struct {
	UserID string `json:"userId"`
	Token  string `json:"token,omitempty"`
}

// Authenticator resolves the user a hello registers as. Returning an error
// rejects the hello; the connection stays open and unregistered.
type Authenticator func(h Hello) (string, error)

// TrustHello registers connections under the userId they claim.
func TrustHello(h Hello) (string, error) {
	if h.UserID == "" {
		return "", errors.New("userId required")
	}
	return h.UserID, nil
}

type Config struct {
	WriteTimeout time.Duration
	Authenticate Authenticator
	Logger       *slog.Logger
	Metrics      *metrics.Recorder
	// CheckOrigin defaults to accepting every origin.
	CheckOrigin func(r *http.Request) bool
}

type Hub struct {
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	authenticate Authenticator
	log          *slog.Logger
	metrics      *metrics.Recorder

	mu    sync.RWMutex
	conns map[string]*client
	users map[string]map[string]*client
}

type client struct {
	id      string
	conn    *websocket.Conn
	userID  string // guarded by Hub.mu
	open    atomic.Bool
	writeMu sync.Mutex
}

func New(cfg Config) *Hub {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.Authenticate == nil {
		cfg.Authenticate = TrustHello
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &Hub{
		upgrader:     websocket.Upgrader{CheckOrigin: checkOrigin},
		writeTimeout: cfg.WriteTimeout,
		authenticate: cfg.Authenticate,
		log:          cfg.Logger,
		metrics:      cfg.Metrics,
		conns:        make(map[string]*client),
		users:        make(map[string]map[string]*client),
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	h.HandleConnection(conn)
}

// HandleConnection runs the read loop for an upgraded connection and blocks
// until it closes. The connection is removed from every registry before
// HandleConnection returns.
func (h *Hub) HandleConnection(conn *websocket.Conn) {
	c := &client{id: uuid.NewString(), conn: conn}
	c.open.Store(true)
	conn.SetReadLimit(maxMessageBytes)

	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	h.metrics.HubConnected(1)

	defer func() {
		c.open.Store(false)
		h.unregister(c)
		conn.Close()
		h.metrics.HubConnected(-1)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.Debug("websocket read failed", "connection_id", c.id, "error", err)
			}
			return
		}
		var msg struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			h.log.Warn("invalid websocket message", "connection_id", c.id, "error", err)
			continue
		}
		switch msg.Type {
		case TypeHello:
			h.handleHello(c, msg.Payload)
		case TypePing:
			h.send(c, Event{Type: TypePong, Payload: map[string]any{}})
		}
	}
}

func (h *Hub) handleHello(c *client, raw json.RawMessage) {
	var hello Hello
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &hello); err != nil {
			h.send(c, Event{Type: TypeError, Payload: map[string]string{"message": "invalid hello payload"}})
			return
		}
	}
	userID, err := h.authenticate(hello)
	if err != nil || userID == "" {
		h.log.Warn("websocket hello rejected", "connection_id", c.id, "error", err)
		h.send(c, Event{Type: TypeError, Payload: map[string]string{"message": "hello rejected"}})
		return
	}
	h.register(c, userID)
	h.log.Debug("websocket registered", "connection_id", c.id, "user_id", userID)
	h.send(c, Event{Type: TypeHelloAck, Payload: map[string]string{"userId": userID, "connectionId": c.id}})
}

func (h *Hub) register(c *client, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.userID != "" && c.userID != userID {
		h.removeFromUserLocked(c)
	}
	c.userID = userID
	set, ok := h.users[userID]
	if !ok {
		set = make(map[string]*client)
		h.users[userID] = set
	}
	set[c.id] = c
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c.id)
	h.removeFromUserLocked(c)
}

func (h *Hub) removeFromUserLocked(c *client) {
	if c.userID == "" {
		return
	}
	if set, ok := h.users[c.userID]; ok {
		delete(set, c.id)
		if len(set) == 0 {
			delete(h.users, c.userID)
		}
	}
}

// BroadcastToUser sends evt to every registered connection of userID.
func (h *Hub) BroadcastToUser(userID string, evt Event) {
	h.mu.RLock()
	set := h.users[userID]
	targets := make([]*client, 0, len(set))
	for _, c := range set {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	h.deliver(targets, evt)
}

// BroadcastAll sends evt to every registered connection.
func (h *Hub) BroadcastAll(evt Event) {
	h.mu.RLock()
	var targets []*client
	for _, set := range h.users {
		for _, c := range set {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	h.deliver(targets, evt)
}

func (h *Hub) deliver(targets []*client, evt Event) {
	if len(targets) == 0 {
		return
	}
	data, err := json.Marshal(evt)
	if err != nil {
		h.log.Error("marshal hub event", "type", evt.Type, "error", err)
		return
	}
	for _, c := range targets {
		if !c.open.Load() {
			continue
		}
		ok := h.write(c, data) == nil
		h.metrics.HubSent(evt.Type, ok)
	}
}

func (h *Hub) send(c *client, evt Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	_ = h.write(c, data)
}

func (h *Hub) write(c *client, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		h.log.Warn("websocket send failed", "connection_id", c.id, "error", err)
		c.open.Store(false)
		// Closing unblocks the read loop, which then unregisters the client.
		c.conn.Close()
		return err
	}
	return nil
}

// Connections returns the number of open connections, registered or not.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// UserConnections returns the number of registered connections for userID.
func (h *Hub) UserConnections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

// Users returns the number of distinct registered users.
func (h *Hub) Users() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users)
}
