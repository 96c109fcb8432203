// Package chatserver is a small in-process pub/sub chat endpoint. It serves
// as the target for local runs (chatswarm serve) and as the mock endpoint in
// tests. Clients subscribe to rooms with "subscribe:<room>", leave with
// "unsubscribe:<room>" and publish with "<room>:message"; published messages
// are stamped with a send time and fanned out to every subscriber of the room.
package chatserver

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultSendBuffer     = 256
	defaultMaxMessageSize = 4096
	pongWait              = 60 * time.Second
	pingInterval          = (pongWait * 9) / 10
	writeWait             = 10 * time.Second
)

// Options configures a Server.
type Options struct {
	// Rooms restricts subscriptions to the named rooms. Empty allows any room.
	Rooms []string
	// RefuseStatus is the HTTP status used while refusing handshakes.
	RefuseStatus   int
	SendBuffer     int
	MaxMessageSize int64
	Logger         *zap.Logger
}

// Server accepts WebSocket clients and routes chat events between rooms.
type Server struct {
	upgrader       websocket.Upgrader
	logger         *zap.Logger
	allowed        map[string]struct{}
	refuseStatus   int
	sendBuffer     int
	maxMessageSize int64

	mu      sync.RWMutex
	rooms   map[string]*room
	clients map[string]*client

	refusing atomic.Bool
	accepted atomic.Int64
	refused  atomic.Int64
	closed   atomic.Bool
}

// New creates a Server.
func New(opts Options) *Server {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaultMaxMessageSize
	}
	if opts.RefuseStatus == 0 {
		opts.RefuseStatus = http.StatusServiceUnavailable
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	s := &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:         opts.Logger,
		refuseStatus:   opts.RefuseStatus,
		sendBuffer:     opts.SendBuffer,
		maxMessageSize: opts.MaxMessageSize,
		rooms:          make(map[string]*room),
		clients:        make(map[string]*client),
	}
	if len(opts.Rooms) > 0 {
		s.allowed = make(map[string]struct{}, len(opts.Rooms))
		for _, name := range opts.Rooms {
			s.allowed[name] = struct{}{}
			s.rooms[name] = newRoom(name)
		}
	}
	return s
}

// SetRefuse toggles refusing every new handshake.
func (s *Server) SetRefuse(refuse bool) {
	s.refusing.Store(refuse)
}

// ServeHTTP upgrades the request and starts the client's read and write loops.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.refusing.Load() || s.closed.Load() {
		s.refused.Add(1)
		http.Error(w, http.StatusText(s.refuseStatus), s.refuseStatus)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", zap.Error(err))
		return
	}
	s.accepted.Add(1)

	c := newClient(s, conn)
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	s.logger.Debug("client connected", zap.String("client_id", c.id), zap.String("remote", r.RemoteAddr))

	go c.writeLoop()
	go c.readLoop()
}

// Connections returns the number of currently connected clients.
func (s *Server) Connections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Accepted returns how many handshakes were completed.
func (s *Server) Accepted() int64 {
	return s.accepted.Load()
}

// Refused returns how many handshakes were refused.
func (s *Server) Refused() int64 {
	return s.refused.Load()
}

// Subscribers returns the number of clients subscribed to a room.
func (s *Server) Subscribers(name string) int {
	s.mu.RLock()
	r, ok := s.rooms[name]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return r.size()
}

// Close drops every client connection and refuses further handshakes.
func (s *Server) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.mu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()
	for _, c := range clients {
		c.conn.Close()
	}
}

func (s *Server) room(name string, create bool) (*room, bool) {
	s.mu.RLock()
	r, ok := s.rooms[name]
	s.mu.RUnlock()
	if ok || !create {
		return r, ok
	}
	if s.allowed != nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok = s.rooms[name]; !ok {
		r = newRoom(name)
		s.rooms[name] = r
	}
	return r, true
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c.id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, c.id)
	rooms := make([]*room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	s.mu.Unlock()

	for _, r := range rooms {
		r.leave(c)
	}
	close(c.send)
	s.logger.Debug("client disconnected", zap.String("client_id", c.id))
}
