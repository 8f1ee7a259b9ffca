// Package registry is the single source of truth for which client identities
// are reachable through this gateway instance.
package registry

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/matst80/backhaul/internal/obs"
	"github.com/matst80/backhaul/internal/session"
)

const (
	presenceTimeout = 5 * time.Second
	presenceStripes = 64
)

// Entry describes one registered client for dashboards and the state API.
type Entry struct {
	Identity   string    `json:"identity"`
	SessionID  string    `json:"session"`
	RemoteAddr string    `json:"remote"`
	Since      time.Time `json:"since"`
	LastPong   time.Time `json:"last_pong,omitempty"`
}

// Registry maps identities to their live control connection. At most one
// connection per identity is registered at any time; a new registration wins.
type Registry struct {
	mu       sync.RWMutex
	clients  map[string]*session.Conn
	presence Presence
	// pmu orders presence writes per identity so the store always ends up
	// naming the session that is registered.
	pmu [presenceStripes]sync.Mutex
}

func New(presence Presence) *Registry {
	if presence == nil {
		presence = NewMemoryPresence("local")
	}
	return &Registry{clients: make(map[string]*session.Conn), presence: presence}
}

// Register makes conn the lookup target for identity. Any connection already
// registered for identity is taken out of the map under the lock and disposed
// outside it before conn is inserted, so Lookup briefly reports no connection
// during a replacement. The last connection disposed is returned. conn is
// unregistered automatically once it is disposed.
func (r *Registry) Register(identity string, conn *session.Conn) *session.Conn {
	var replaced *session.Conn
	for {
		r.mu.Lock()
		prev := r.clients[identity]
		if prev == nil || prev == conn {
			r.clients[identity] = conn
			n := len(r.clients)
			r.mu.Unlock()
			obs.ActiveClients.Set(float64(n))
			break
		}
		delete(r.clients, identity)
		r.mu.Unlock()

		prev.Dispose()
		replaced = prev
		obs.ReplacedClientsTotal.Inc()
		obs.Info("client.replaced", obs.Fields{"client": identity, "old_session": prev.SessionID(), "new_session": conn.SessionID()})
	}

	r.announce(identity, conn)
	obs.Info("client.registered", obs.Fields{"client": identity, "session": conn.SessionID(), "remote": conn.RemoteAddr()})

	go r.watch(identity, conn)
	return replaced
}

func (r *Registry) presenceLock(identity string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(identity))
	return &r.pmu[h.Sum32()%presenceStripes]
}

// announce publishes conn as the owner of identity unless a newer
// registration has already superseded it.
func (r *Registry) announce(identity string, conn *session.Conn) {
	mu := r.presenceLock(identity)
	mu.Lock()
	defer mu.Unlock()

	r.mu.RLock()
	current := r.clients[identity] == conn
	r.mu.RUnlock()
	if !current {
		obs.Debug("presence.announce.superseded", obs.Fields{"client": identity, "session": conn.SessionID()})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := r.presence.Announce(ctx, identity, conn.SessionID()); err != nil {
		obs.ErrorsTotal.WithLabelValues("presence").Inc()
		obs.Error("presence.announce", obs.Fields{"client": identity, "err": err.Error()})
	}
}

func (r *Registry) watch(identity string, conn *session.Conn) {
	<-conn.Done()
	r.Unregister(identity, conn)
}

// Lookup returns the active connection for identity. It never blocks on I/O.
func (r *Registry) Lookup(identity string) (*session.Conn, bool) {
	r.mu.RLock()
	conn, ok := r.clients[identity]
	r.mu.RUnlock()
	if !ok || conn.State() != session.StateActive {
		return nil, false
	}
	return conn, true
}

// Unregister removes identity only while conn is still its registered
// connection, so a superseded connection cannot evict its replacement.
func (r *Registry) Unregister(identity string, conn *session.Conn) bool {
	r.mu.Lock()
	cur, ok := r.clients[identity]
	removed := ok && cur == conn
	if removed {
		delete(r.clients, identity)
	}
	n := len(r.clients)
	r.mu.Unlock()
	if !removed {
		return false
	}
	obs.ActiveClients.Set(float64(n))

	mu := r.presenceLock(identity)
	mu.Lock()
	defer mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := r.presence.Withdraw(ctx, identity, conn.SessionID()); err != nil {
		obs.ErrorsTotal.WithLabelValues("presence").Inc()
		obs.Error("presence.withdraw", obs.Fields{"client": identity, "err": err.Error()})
	}
	obs.Info("client.unregistered", obs.Fields{"client": identity, "session": conn.SessionID(), "age": time.Since(conn.CreatedAt()).String()})
	return true
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Snapshot lists registered clients sorted by identity.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.clients))
	for id, c := range r.clients {
		out = append(out, Entry{Identity: id, SessionID: c.SessionID(), RemoteAddr: c.RemoteAddr(), Since: c.CreatedAt(), LastPong: c.LastPong()})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// Identities is the set of registered identities.
func (r *Registry) Identities() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]bool, len(r.clients))
	for id := range r.clients {
		out[id] = true
	}
	return out
}

// RefreshPresence extends the shared presence entries of local clients.
func (r *Registry) RefreshPresence(ctx context.Context) error {
	r.mu.RLock()
	sessions := make(map[string]string, len(r.clients))
	for id, c := range r.clients {
		sessions[id] = c.SessionID()
	}
	r.mu.RUnlock()
	if len(sessions) == 0 {
		return nil
	}
	return r.presence.Refresh(ctx, sessions)
}

// Owner reports which instance holds identity according to presence.
func (r *Registry) Owner(ctx context.Context, identity string) (string, error) {
	return r.presence.Owner(ctx, identity)
}

// CloseAll disposes every registered connection, for shutdown.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	conns := make([]*session.Conn, 0, len(r.clients))
	for _, c := range r.clients {
		conns = append(conns, c)
	}
	r.mu.RUnlock()
	for _, c := range conns {
		c.Dispose()
	}
}
