package collab

import (
	"slices"
	"strings"
	"sync"
	"time"

	"snippetCollab/backend/internal/protocol"
)

// EditSession is one user's presence in one document, owned by the
// connection that joined.
type EditSession struct {
	ConnectionID string
	UserID       string
	DocumentID   string
	DisplayName  string
	Email        string
	JoinedAt     time.Time
	// 最近一次上报的光标
	CursorPosition *int
	Field          string
}

func (s EditSession) View() protocol.UserView {
	v := protocol.UserView{
		UserID:      s.UserID,
		DisplayName: s.DisplayName,
		Email:       s.Email,
		JoinedAt:    s.JoinedAt,
		Field:       s.Field,
	}
	if s.CursorPosition != nil {
		v.CursorPosition = protocol.IntPtr(*s.CursorPosition)
	}
	return v
}

func (s EditSession) clone() EditSession {
	if s.CursorPosition != nil {
		s.CursorPosition = protocol.IntPtr(*s.CursorPosition)
	}
	return s
}

// Registry: documentID -> userID -> session. Reads return copies.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]map[string]EditSession
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]map[string]EditSession)}
}

// Put stores s, replacing an older session of the same user in the same
// document (last join wins).
func (r *Registry) Put(s EditSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.DocumentID] == nil {
		r.sessions[s.DocumentID] = make(map[string]EditSession)
	}
	r.sessions[s.DocumentID][s.UserID] = s.clone()
}

func (r *Registry) Get(documentID, userID string) (EditSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[documentID][userID]
	return s.clone(), ok
}

// Remove deletes the session if it is still owned by connectionID. An empty
// connectionID removes unconditionally.
func (r *Registry) Remove(documentID, userID, connectionID string) (EditSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	docs, ok := r.sessions[documentID]
	if !ok {
		return EditSession{}, false
	}
	s, ok := docs[userID]
	if !ok || (connectionID != "" && s.ConnectionID != connectionID) {
		return EditSession{}, false
	}
	delete(docs, userID)
	if len(docs) == 0 {
		delete(r.sessions, documentID)
	}
	return s, true
}

// UpdateCursor records the last cursor position a user reported.
func (r *Registry) UpdateCursor(documentID, userID, field string, position int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[documentID][userID]
	if !ok {
		return false
	}
	s.CursorPosition = protocol.IntPtr(position)
	s.Field = field
	r.sessions[documentID][userID] = s
	return true
}

// List returns the sessions of a document ordered by join time.
func (r *Registry) List(documentID string) []EditSession {
	r.mu.RLock()
	out := make([]EditSession, 0, len(r.sessions[documentID]))
	for _, s := range r.sessions[documentID] {
		out = append(out, s.clone())
	}
	r.mu.RUnlock()
	sortSessions(out)
	return out
}

// All returns every session.
func (r *Registry) All() []EditSession {
	r.mu.RLock()
	var out []EditSession
	for _, docs := range r.sessions {
		for _, s := range docs {
			out = append(out, s.clone())
		}
	}
	r.mu.RUnlock()
	sortSessions(out)
	return out
}

// OlderThan returns sessions that joined before cutoff.
func (r *Registry) OlderThan(cutoff time.Time) []EditSession {
	r.mu.RLock()
	var out []EditSession
	for _, docs := range r.sessions {
		for _, s := range docs {
			if s.JoinedAt.Before(cutoff) {
				out = append(out, s.clone())
			}
		}
	}
	r.mu.RUnlock()
	sortSessions(out)
	return out
}

func (r *Registry) Documents() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	r.mu.RUnlock()
	slices.Sort(out)
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, docs := range r.sessions {
		n += len(docs)
	}
	return n
}

func sortSessions(s []EditSession) {
	slices.SortFunc(s, func(a, b EditSession) int {
		if c := a.JoinedAt.Compare(b.JoinedAt); c != 0 {
			return c
		}
		if c := strings.Compare(a.DocumentID, b.DocumentID); c != 0 {
			return c
		}
		return strings.Compare(a.UserID, b.UserID)
	})
}
