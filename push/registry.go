// Package push is the real-time fabric: the session/subscription registry
// and the WebSocket hub that fans typed events out to connections, users,
// CVE subscribers, or everyone.
package push

import (
	"sync"
	"time"
)

// Session is the ephemeral state of one physical connection. A client's
// logical session (SessionID, client-generated) may span several physical
// connections.
type Session struct {
	SID         string
	Username    string
	SessionID   string
	ConnectedAt time.Time
	// cves is the set of CVE ids this connection subscribed to.
	cves map[string]struct{}
}

// Registry is the in-memory connection and subscription state. All maps
// are guarded by one mutex; callers never hold it across I/O.
type Registry struct {
	mu sync.Mutex
	// sid → session
	sessions map[string]*Session
	// username → set of sids
	userSessions map[string]map[string]struct{}
	// client session_id → set of sids
	sessionGroups map[string]map[string]struct{}
	// cve_id → set of usernames
	cveSubscribers map[string]map[string]struct{}
	// username → set of cve_ids
	userSubscriptions map[string]map[string]struct{}
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions:          make(map[string]*Session),
		userSessions:      make(map[string]map[string]struct{}),
		sessionGroups:     make(map[string]map[string]struct{}),
		cveSubscribers:    make(map[string]map[string]struct{}),
		userSubscriptions: make(map[string]map[string]struct{}),
	}
}

// Register records a new connection.
func (r *Registry) Register(sid, username, sessionID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sid] = &Session{
		SID:         sid,
		Username:    username,
		SessionID:   sessionID,
		ConnectedAt: at,
		cves:        make(map[string]struct{}),
	}
	if username != "" {
		if r.userSessions[username] == nil {
			r.userSessions[username] = make(map[string]struct{})
		}
		r.userSessions[username][sid] = struct{}{}
	}
	if sessionID != "" {
		if r.sessionGroups[sessionID] == nil {
			r.sessionGroups[sessionID] = make(map[string]struct{})
		}
		r.sessionGroups[sessionID][sid] = struct{}{}
	}
}

// Remove forgets a connection, cleaning every map it appears in. It
// returns the CVE ids whose subscriber set lost the session's user because
// no other session held the subscription.
func (r *Registry) Remove(sid string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(sid)
}

func (r *Registry) removeLocked(sid string) []string {
	s, ok := r.sessions[sid]
	if !ok {
		return nil
	}
	delete(r.sessions, sid)
	if set := r.userSessions[s.Username]; set != nil {
		delete(set, sid)
		if len(set) == 0 {
			delete(r.userSessions, s.Username)
		}
	}
	if set := r.sessionGroups[s.SessionID]; set != nil {
		delete(set, sid)
		if len(set) == 0 {
			delete(r.sessionGroups, s.SessionID)
		}
	}

	var dropped []string
	for cve := range s.cves {
		if r.dropSubscriptionLocked(s.Username, cve) {
			dropped = append(dropped, cve)
		}
	}
	return dropped
}

// dropSubscriptionLocked removes the (username, cve) pair if no remaining
// session of the user holds the subscription. Reports whether the pair was
// actually dropped.
func (r *Registry) dropSubscriptionLocked(username, cve string) bool {
	if username == "" {
		return false
	}
	for sid := range r.userSessions[username] {
		if other := r.sessions[sid]; other != nil {
			if _, ok := other.cves[cve]; ok {
				return false
			}
		}
	}
	if set := r.cveSubscribers[cve]; set != nil {
		delete(set, username)
		if len(set) == 0 {
			delete(r.cveSubscribers, cve)
		}
	}
	if set := r.userSubscriptions[username]; set != nil {
		delete(set, cve)
		if len(set) == 0 {
			delete(r.userSubscriptions, username)
		}
	}
	return true
}

// Subscribe binds a connection to a CVE and returns the subscriber
// snapshot for the status reply. ok is false when the sid is unknown.
func (r *Registry) Subscribe(sid, cve string) (subscribers []string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[sid]
	if s == nil {
		return nil, false
	}
	s.cves[cve] = struct{}{}
	if s.Username != "" {
		if r.cveSubscribers[cve] == nil {
			r.cveSubscribers[cve] = make(map[string]struct{})
		}
		r.cveSubscribers[cve][s.Username] = struct{}{}
		if r.userSubscriptions[s.Username] == nil {
			r.userSubscriptions[s.Username] = make(map[string]struct{})
		}
		r.userSubscriptions[s.Username][cve] = struct{}{}
	}
	return r.subscribersLocked(cve), true
}

// Unsubscribe removes the binding. The user's entry in the CVE's
// subscriber set survives while any other of their sessions holds it.
func (r *Registry) Unsubscribe(sid, cve string) (subscribers []string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[sid]
	if s == nil {
		return nil, false
	}
	delete(s.cves, cve)
	r.dropSubscriptionLocked(s.Username, cve)
	return r.subscribersLocked(cve), true
}

// CleanupSession drops every connection belonging to a logical session id
// except keep. Used when a client reports a new tab replacing old ones.
// It returns the removed sids.
func (r *Registry) CleanupSession(sessionID, keep string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	for sid := range r.sessionGroups[sessionID] {
		if sid == keep {
			continue
		}
		r.removeLocked(sid)
		removed = append(removed, sid)
	}
	return removed
}

// Subscribers returns a snapshot of the usernames subscribed to a CVE.
func (r *Registry) Subscribers(cve string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subscribersLocked(cve)
}

func (r *Registry) subscribersLocked(cve string) []string {
	set := r.cveSubscribers[cve]
	out := make([]string, 0, len(set))
	for u := range set {
		out = append(out, u)
	}
	return out
}

// UserSIDs returns a snapshot of the user's connection ids.
func (r *Registry) UserSIDs(username string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.userSessions[username]
	out := make([]string, 0, len(set))
	for sid := range set {
		out = append(out, sid)
	}
	return out
}

// AllSIDs returns a snapshot of every connection id.
func (r *Registry) AllSIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sessions))
	for sid := range r.sessions {
		out = append(out, sid)
	}
	return out
}

// Subscriptions returns a snapshot of the CVE ids a user subscribes to.
func (r *Registry) Subscriptions(username string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.userSubscriptions[username]
	out := make([]string, 0, len(set))
	for cve := range set {
		out = append(out, cve)
	}
	return out
}

// Stats is a point-in-time summary of registry state.
type Stats struct {
	Connections   int `json:"connections"`
	Users         int `json:"users"`
	SubscribedCVE int `json:"subscribed_cves"`
}

// Snapshot returns current registry counts.
func (r *Registry) Snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Connections:   len(r.sessions),
		Users:         len(r.userSessions),
		SubscribedCVE: len(r.cveSubscribers),
	}
}
