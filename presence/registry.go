package presence

import "sync"

// Registry tracks which users currently hold at least one live
// connection. A user may be connected from several devices at once;
// the registry counts connections per user and reports the
// transitions that matter to the rest of the system: the first
// connection coming up and the last one going away.
type Registry struct {
	mu    sync.RWMutex
	conns map[int64]int // userID -> live connection count
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[int64]int),
	}
}

// Add records a new connection for userID. It returns true when this
// is the user's first live connection, i.e. the user just came online.
func (r *Registry) Add(userID int64) (first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[userID]++
	return r.conns[userID] == 1
}

// Remove records a closed connection for userID. It returns true when
// this was the user's last live connection, i.e. the user just went
// offline. Removing a user with no recorded connections is a no-op
// and returns false.
func (r *Registry) Remove(userID int64) (last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.conns[userID]
	if !ok {
		return false
	}
	if n <= 1 {
		delete(r.conns, userID)
		return true
	}
	r.conns[userID] = n - 1
	return false
}

// IsOnline reports whether userID has at least one live connection.
func (r *Registry) IsOnline(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[userID] > 0
}

// OnlineUserIDs returns a snapshot of all online user IDs. Order is
// unspecified.
func (r *Registry) OnlineUserIDs() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int64, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

// Connections returns the number of live connections for userID.
func (r *Registry) Connections(userID int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[userID]
}

// Count returns the number of distinct online users.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
