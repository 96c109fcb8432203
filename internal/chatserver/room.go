package chatserver

import (
	"sync"

	"go.uber.org/zap"
)

type room struct {
	name string

	mu      sync.RWMutex
	members map[string]*client
}

func newRoom(name string) *room {
	return &room{
		name:    name,
		members: make(map[string]*client),
	}
}

func (r *room) join(c *client) {
	r.mu.Lock()
	r.members[c.id] = c
	r.mu.Unlock()
}

func (r *room) leave(c *client) {
	r.mu.Lock()
	delete(r.members, c.id)
	r.mu.Unlock()
}

func (r *room) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// broadcast queues frame for every member. Slow members lose the frame
// instead of stalling the room.
func (r *room) broadcast(frame []byte, logger *zap.Logger) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	delivered := 0
	for _, c := range r.members {
		select {
		case c.send <- frame:
			delivered++
		default:
			logger.Warn("dropping frame for slow client", zap.String("client_id", c.id), zap.String("room", r.name))
		}
	}
	return delivered
}
