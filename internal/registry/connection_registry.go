package registry

import (
	"sort"
	"sync"
)

// ConnectionRegistry maps usernames to the signaling connections held by this
// process. It is not shared between instances and is rebuilt as clients
// reconnect after a restart.
type ConnectionRegistry struct {
	mu    sync.RWMutex
	conns map[string][]string // username -> connection ids
}

func New() *ConnectionRegistry {
	return &ConnectionRegistry{
		conns: make(map[string][]string),
	}
}

func (r *ConnectionRegistry) AddConnection(username, connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.conns[username] {
		if id == connectionID {
			return
		}
	}
	r.conns[username] = append(r.conns[username], connectionID)
}

func (r *ConnectionRegistry) RemoveConnection(username, connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids, ok := r.conns[username]
	if !ok {
		return
	}

	for i, id := range ids {
		if id == connectionID {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}

	// empty entries are dropped so churn doesn't grow the map
	if len(ids) == 0 {
		delete(r.conns, username)
		return
	}
	r.conns[username] = ids
}

// GetConnections returns a copy of username's connection ids.
func (r *ConnectionRegistry) GetConnections(username string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.conns[username]
	if len(ids) == 0 {
		return nil
	}

	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

// Count returns the total number of registered connections.
func (r *ConnectionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, ids := range r.conns {
		n += len(ids)
	}
	return n
}

func (r *ConnectionRegistry) Usernames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.conns))
	for name := range r.conns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
