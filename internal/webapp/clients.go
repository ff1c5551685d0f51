package webapp

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edusync/eduauth"
)

// client is one browser, identified by its session cookie, and the Manager
// that owns its session.
type client struct {
	id       string
	manager  *eduauth.Manager
	lastSeen atomic.Int64
}

func (c *client) touch(now time.Time) {
	c.lastSeen.Store(now.UnixNano())
}

type clientKey struct{}

func withClient(ctx context.Context, c *client) context.Context {
	return context.WithValue(ctx, clientKey{}, c)
}

func clientFrom(ctx context.Context) *client {
	c, _ := ctx.Value(clientKey{}).(*client)
	return c
}

// clientRegistry maps cookie ids to clients and evicts idle ones.
type clientRegistry struct {
	newManager func(id string) (*eduauth.Manager, error)
	idleTTL    time.Duration

	mu      sync.Mutex
	clients map[string]*client
}

func newClientRegistry(idleTTL time.Duration, newManager func(id string) (*eduauth.Manager, error)) *clientRegistry {
	return &clientRegistry{
		newManager: newManager,
		idleTTL:    idleTTL,
		clients:    make(map[string]*client),
	}
}

// get returns the client for id, creating it when unknown. created reports
// whether the caller must resolve the new client's session.
func (r *clientRegistry) get(id string) (c *client, created bool, err error) {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[id]; ok {
		c.touch(now)
		return c, false, nil
	}

	m, err := r.newManager(id)
	if err != nil {
		return nil, false, err
	}
	c = &client{id: id, manager: m}
	c.touch(now)
	r.clients[id] = c
	return c, true, nil
}

// add registers a client built outside the registry, replacing any client
// under the same id.
func (r *clientRegistry) add(c *client) {
	c.touch(time.Now())
	r.mu.Lock()
	old := r.clients[c.id]
	r.clients[c.id] = c
	r.mu.Unlock()
	if old != nil && old != c {
		old.manager.Close()
	}
}

// remove forgets id and returns its client, or nil. The caller owns the
// returned client.
func (r *clientRegistry) remove(id string) *client {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.clients[id]
	delete(r.clients, id)
	return c
}

func (r *clientRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// sweep closes and forgets clients idle for longer than idleTTL at now.
// Their tokens stay in the token store, so a returning browser is restored.
func (r *clientRegistry) sweep(now time.Time) int {
	cutoff := now.Add(-r.idleTTL).UnixNano()

	var evicted []*client
	r.mu.Lock()
	for id, c := range r.clients {
		if c.lastSeen.Load() < cutoff {
			evicted = append(evicted, c)
			delete(r.clients, id)
		}
	}
	r.mu.Unlock()

	for _, c := range evicted {
		c.manager.Close()
	}
	return len(evicted)
}

func (r *clientRegistry) closeAll() {
	r.mu.Lock()
	clients := r.clients
	r.clients = make(map[string]*client)
	r.mu.Unlock()

	for _, c := range clients {
		c.manager.Close()
	}
}
