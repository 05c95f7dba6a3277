package socket

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/logging"

	"github.com/luciancaetano/kephaslink"
)

// Registry maps connection identifiers to live sockets. Mutation happens
// under the registry lock; lookups are read-mostly and take only the read
// side.
type Registry struct {
	mu      sync.RWMutex
	sockets map[string]*Socket

	callbacks kephaslink.Callbacks
	log       logging.LeveledLogger
}

// NewRegistry creates an empty registry. Callbacks are attached to every
// socket the registry opens. If loggerFactory is nil, logging is disabled.
func NewRegistry(callbacks kephaslink.Callbacks, loggerFactory logging.LoggerFactory) *Registry {
	r := &Registry{
		sockets:   make(map[string]*Socket),
		callbacks: callbacks,
	}
	if loggerFactory != nil {
		r.log = loggerFactory.NewLogger("kephaslink-socket")
	}
	return r
}

// newIdentifier mints an identifier that does not collide with any live
// socket.
func (r *Registry) newIdentifier() string {
	for {
		id := uuid.NewString()
		r.mu.RLock()
		_, taken := r.sockets[id]
		r.mu.RUnlock()
		if !taken {
			return id
		}
	}
}

// Open allocates an identifier, constructs a socket in the open state,
// fires OnStart, and registers the socket.
func (r *Registry) Open(remoteAddr, serverName string) *Socket {
	s := newSocket(r.newIdentifier(), remoteAddr, serverName, r.callbacks, r.log)
	s.start()
	r.mu.Lock()
	r.sockets[s.id] = s
	r.mu.Unlock()
	if r.log != nil {
		r.log.Debugf("socket %s opened from %s", s.id, remoteAddr)
	}
	return s
}

// Get looks up a socket by identifier. A missing identifier is a normal
// outcome, reported through ok.
func (r *Registry) Get(id string) (*Socket, bool) {
	r.mu.RLock()
	s, ok := r.sockets[id]
	r.mu.RUnlock()
	return s, ok
}

// Remove drops the socket with the given identifier from the registry. It
// does not close the socket.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.sockets, id)
	r.mu.Unlock()
}

// Count returns the number of registered sockets.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sockets)
}

// Range calls fn for each registered socket until fn returns false. The
// snapshot is taken up front so fn may open or close sockets.
func (r *Registry) Range(fn func(s *Socket) bool) {
	for _, s := range r.snapshot() {
		if !fn(s) {
			return
		}
	}
}

// Broadcast queues messages on every open socket. Sockets closed while the
// broadcast runs are skipped.
func (r *Registry) Broadcast(ctx context.Context, messages ...kephaslink.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, s := range r.snapshot() {
		if err := s.Send(ctx, messages...); err != nil && err != kephaslink.ErrSocketClosed {
			return err
		}
	}
	return nil
}

// CloseAll closes every registered socket and empties the registry. Safe to
// call more than once and concurrently with in-flight requests.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sockets := r.sockets
	r.sockets = make(map[string]*Socket)
	r.mu.Unlock()
	for _, s := range sockets {
		s.Close()
	}
}

// CloseIdle closes and removes sockets with no activity for at least
// maxIdle, returning how many were closed. Idle-close policy is the
// caller's; the registry never runs this on its own.
func (r *Registry) CloseIdle(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	closed := 0
	for _, s := range r.snapshot() {
		if s.LastSeen().After(cutoff) {
			continue
		}
		r.Remove(s.ID())
		s.Close()
		closed++
	}
	return closed
}

func (r *Registry) snapshot() []*Socket {
	r.mu.RLock()
	out := make([]*Socket, 0, len(r.sockets))
	for _, s := range r.sockets {
		out = append(out, s)
	}
	r.mu.RUnlock()
	return out
}
