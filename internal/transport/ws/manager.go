package ws

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	// IdleTimeout is the 90-second idle-connection reap window spec.md §6.2
	// requires; the read deadline is extended on every inbound frame and
	// every pong.
	IdleTimeout = 90 * time.Second
	pingPeriod  = (IdleTimeout * 8) / 10
	maxFrameSize = 64 * 1024

	// MaxConnectionsPerUser bounds live sockets per account, oldest evicted
	// first (spec.md §6.2 "connection cap").
	MaxConnectionsPerUser = 5
)

// Connection is one authenticated websocket socket for a user/device.
type Connection struct {
	ID       uuid.UUID
	UserID   uuid.UUID
	DeviceID uuid.UUID
	conn     *websocket.Conn
	send     chan []byte
	manager  *Manager
	mu       sync.Mutex
	closed   bool

	watchMu sync.RWMutex
	watched map[uuid.UUID]struct{} // presence subscriptions from this connection
}

// Manager is the connection hub: a registry of live sockets keyed by user,
// serialized through register/unregister/broadcast channels the way
// histeeria-Histeeria's Manager (internal/websocket/manager.go) does, so no
// mutex is held across a channel send.
type Manager struct {
	mu          sync.RWMutex
	connections map[uuid.UUID][]*Connection

	register   chan *Connection
	unregister chan *Connection
	broadcast  chan broadcastRequest

	done chan struct{}
}

type broadcastRequest struct {
	userIDs []uuid.UUID
	frame   []byte
}

func NewManager() *Manager {
	m := &Manager{
		connections: make(map[uuid.UUID][]*Connection),
		register:    make(chan *Connection, 256),
		unregister:  make(chan *Connection, 256),
		broadcast:   make(chan broadcastRequest, 1024),
		done:        make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *Manager) run() {
	for {
		select {
		case conn := <-m.register:
			m.handleRegister(conn)
		case conn := <-m.unregister:
			m.handleUnregister(conn)
		case req := <-m.broadcast:
			m.handleBroadcast(req)
		case <-m.done:
			return
		}
	}
}

// Shutdown stops the hub loop; live connections are left to their own
// read/write pumps to notice the closed manager and exit.
func (m *Manager) Shutdown() { close(m.done) }

func (m *Manager) handleRegister(conn *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.connections[conn.UserID]
	if len(existing) >= MaxConnectionsPerUser {
		oldest := existing[0]
		existing = existing[1:]
		go oldest.Close()
	}
	m.connections[conn.UserID] = append(existing, conn)
}

func (m *Manager) handleUnregister(conn *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conns := m.connections[conn.UserID]
	for i, c := range conns {
		if c.ID == conn.ID {
			close(c.send)
			conns = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(conns) == 0 {
		delete(m.connections, conn.UserID)
	} else {
		m.connections[conn.UserID] = conns
	}
}

func (m *Manager) handleBroadcast(req broadcastRequest) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, userID := range req.userIDs {
		for _, conn := range m.connections[userID] {
			select {
			case conn.send <- req.frame:
			default:
				log.Printf("transport/ws: send buffer full for connection %s, closing", conn.ID)
				go m.Unregister(conn)
			}
		}
	}
}

func (m *Manager) Register(conn *Connection) { m.register <- conn }
func (m *Manager) Unregister(conn *Connection) { m.unregister <- conn }

// SendToUser enqueues frame for every live connection of userID; silently a
// no-op if the user has none (best-effort fan-out, per spec.md §4.4/§4.5 —
// presence and live-push delivery never block or fail the originating op).
func (m *Manager) SendToUser(userID uuid.UUID, frame []byte) {
	m.broadcast <- broadcastRequest{userIDs: []uuid.UUID{userID}, frame: frame}
}

func (m *Manager) SendToUsers(userIDs []uuid.UUID, frame []byte) {
	m.broadcast <- broadcastRequest{userIDs: userIDs, frame: frame}
}

// IsConnected reports whether userID currently holds any live socket.
func (m *Manager) IsConnected(userID uuid.UUID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections[userID]) > 0
}

// watchersOf returns every live connection subscribed to presence updates
// for targetUserID, across all users (a presence subscriber watches other
// people, not just themselves).
func (m *Manager) watchersOf(targetUserID uuid.UUID) []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Connection
	for _, conns := range m.connections {
		for _, c := range conns {
			if c.isWatching(targetUserID) {
				out = append(out, c)
			}
		}
	}
	return out
}

func newConnection(id uuid.UUID, userID, deviceID uuid.UUID, wsConn *websocket.Conn, m *Manager) *Connection {
	return &Connection{
		ID:       id,
		UserID:   userID,
		DeviceID: deviceID,
		conn:     wsConn,
		send:     make(chan []byte, 256),
		manager:  m,
		watched:  make(map[uuid.UUID]struct{}),
	}
}

func (c *Connection) watch(ids []uuid.UUID) {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	for _, id := range ids {
		c.watched[id] = struct{}{}
	}
}

func (c *Connection) unwatch(ids []uuid.UUID) {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	for _, id := range ids {
		delete(c.watched, id)
	}
}

func (c *Connection) isWatching(userID uuid.UUID) bool {
	c.watchMu.RLock()
	defer c.watchMu.RUnlock()
	_, ok := c.watched[userID]
	return ok
}

func (c *Connection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.conn.Close()
	}
}

func (c *Connection) enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
