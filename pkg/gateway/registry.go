package gateway

import (
	"sort"
	"sync"
	"time"
)

// idleAfter marks a stream idle in ClientInfo when no frame arrived for this long.
const idleAfter = 5 * time.Minute

// streamRegistry tracks open chat streams and which session each serves.
// Client fields are only mutated under its lock.
type streamRegistry struct {
	mu        sync.RWMutex
	clients   map[string]*Client
	bySession map[string]map[string]struct{}
}

func newStreamRegistry() *streamRegistry {
	return &streamRegistry{
		clients:   make(map[string]*Client),
		bySession: make(map[string]map[string]struct{}),
	}
}

func (r *streamRegistry) add(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.ID] = c
	r.index(c)
}

// bind attaches a stream to the session named in its chat request.
func (r *streamRegistry) bind(clientID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[clientID]
	if !ok || c.SessionID == sessionID {
		return
	}
	r.unindex(c)
	c.SessionID = sessionID
	r.index(c)
}

func (r *streamRegistry) remove(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[clientID]; ok {
		r.unindex(c)
		delete(r.clients, clientID)
	}
}

func (r *streamRegistry) touch(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[clientID]; ok {
		c.LastActivity = time.Now()
	}
}

func (r *streamRegistry) index(c *Client) {
	if c.SessionID == "" {
		return
	}
	set, ok := r.bySession[c.SessionID]
	if !ok {
		set = make(map[string]struct{})
		r.bySession[c.SessionID] = set
	}
	set[c.ID] = struct{}{}
}

func (r *streamRegistry) unindex(c *Client) {
	set, ok := r.bySession[c.SessionID]
	if !ok {
		return
	}
	delete(set, c.ID)
	if len(set) == 0 {
		delete(r.bySession, c.SessionID)
	}
}

func (r *streamRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// sessionStreams returns how many streams are open for sessionID.
func (r *streamRegistry) sessionStreams(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySession[sessionID])
}

func (r *streamRegistry) all() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

// snapshot returns copies of the stream metadata, oldest first.
func (r *streamRegistry) snapshot() []ClientInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	infos := make([]ClientInfo, 0, len(r.clients))
	for _, c := range r.clients {
		infos = append(infos, ClientInfo{
			ID:           c.ID,
			SessionID:    c.SessionID,
			ConnectedAt:  c.ConnectedAt,
			LastActivity: c.LastActivity,
			IPAddress:    c.IPAddress,
			Idle:         now.Sub(c.LastActivity) > idleAfter,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ConnectedAt.Before(infos[j].ConnectedAt) })
	return infos
}
