// Package websocket implements the Client Table (spec.md §4.4), the
// Connection Handler (§4.8), and the Message Service's per-client send
// (§4.7). The tenant fan-out itself lives in internal/router.
//
// Grounded on adred-codev-ws_poc/go-server/pkg/websocket/hub.go's
// clients map[*Client]bool plus register/unregister channel pattern and
// context+WaitGroup graceful shutdown, generalized from a single-tenant
// broadcast-to-all relay to a tenant-scoped registry carrying
// authentication and sync-completion state per client.
package websocket

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// ClientTable is the in-memory registry of connected clients (spec.md
// §4.4). All mutations take a short exclusive critical section; reads
// for broadcast take a shared section and return client handles so
// fan-out never holds the lock across I/O, matching spec.md §5's
// "never held across I/O" requirement for the Client Table.
type ClientTable struct {
	mu      sync.RWMutex
	clients map[string]*Client

	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewClientTable creates an empty table bound to a cancellable context
// used for coordinated shutdown, the way hub.go's NewHub does.
func NewClientTable(logger zerolog.Logger) *ClientTable {
	ctx, cancel := context.WithCancel(context.Background())
	return &ClientTable{
		clients: make(map[string]*Client),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add registers a new client (spec.md §4.4 "add(id, sender)").
func (t *ClientTable) Add(c *Client) {
	t.mu.Lock()
	t.clients[c.ID] = c
	t.mu.Unlock()
	t.logger.Info().Str("client", c.ID).Int("total", t.Count()).Msg("client connected")
}

// Remove unregisters a client and closes its outbound channel.
func (t *ClientTable) Remove(id string) {
	t.mu.Lock()
	c, ok := t.clients[id]
	if ok {
		delete(t.clients, id)
	}
	t.mu.Unlock()

	if ok {
		close(c.send)
		t.logger.Info().Str("client", id).Int("total", t.Count()).Msg("client disconnected")
	}
}

// Get returns the client for id, if still registered.
func (t *ClientTable) Get(id string) (*Client, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.clients[id]
	return c, ok
}

// SetAuthenticated transitions a client to authenticated and records its
// tenant/user (spec.md §4.5 step 5). Returns false if the client is no
// longer registered (it disconnected mid-authentication).
func (t *ClientTable) SetAuthenticated(id, tenant, userID string) bool {
	t.mu.RLock()
	c, ok := t.clients[id]
	t.mu.RUnlock()
	if !ok {
		return false
	}
	c.mu.Lock()
	c.tenant = tenant
	c.userID = userID
	c.authenticated = true
	c.mu.Unlock()
	return true
}

// MarkSyncComplete admits a client to broadcast, per spec.md §4.6's
// "only after this marker is the client admitted to broadcast."
func (t *ClientTable) MarkSyncComplete(id string) bool {
	t.mu.RLock()
	c, ok := t.clients[id]
	t.mu.RUnlock()
	if !ok {
		return false
	}
	c.mu.Lock()
	c.syncComplete = true
	c.mu.Unlock()
	return true
}

// ByTenant returns every client belonging to tenant, optionally
// restricted to authenticated ones (spec.md §4.4). The returned slice
// is a snapshot; callers fan out against it without holding the table
// lock.
func (t *ClientTable) ByTenant(tenant string, onlyAuthenticated bool) []*Client {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var result []*Client
	for _, c := range t.clients {
		c.mu.RLock()
		matches := c.tenant == tenant && (!onlyAuthenticated || c.authenticated)
		c.mu.RUnlock()
		if matches {
			result = append(result, c)
		}
	}
	return result
}

// Count returns the number of registered clients, used for the global
// MaxConnections admission check (SPEC_FULL.md §6.4).
func (t *ClientTable) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.clients)
}

// Shutdown cancels the table's context and closes every client
// connection, mirroring hub.go's Shutdown. Sync Service replays do not
// run under this context, so cancelling it does not stop them.
func (t *ClientTable) Shutdown() {
	t.cancel()

	t.mu.RLock()
	conns := make([]*Client, 0, len(t.clients))
	for _, c := range t.clients {
		conns = append(conns, c)
	}
	t.mu.RUnlock()

	for _, c := range conns {
		c.conn.Close()
	}
}

// Context returns the table's context, which Shutdown cancels.
func (t *ClientTable) Context() context.Context { return t.ctx }
