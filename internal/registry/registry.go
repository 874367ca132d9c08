package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rzbill/intelbridge/internal/filter"
	"github.com/rzbill/intelbridge/internal/message"
)

var (
	ErrNotFound      = errors.New("registry: session not found")
	ErrAlreadyExists = errors.New("registry: token already held")
)

// State is a session lifecycle state.
type State int

const (
	StatePending State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Session is one subscribed app.
type Session struct {
	Token          string
	Topic          message.TopicClass
	SnapshotWindow time.Duration
	State          State
	CreatedAt      time.Time
	// LastSeen is refreshed by Touch on inbound app traffic.
	LastSeen time.Time
	Filter   *filter.Filter
}

// Observer is notified after a session is inserted or removed.
type Observer interface {
	SessionInserted(Session)
	SessionRemoved(Session)
}

// Options configures a Registry.
type Options struct {
	// Grace keeps a removed token reserved for this long. Zero disables it.
	Grace    time.Duration
	Now      func() time.Time
	Observer Observer
}

// Registry is the authoritative session table. Readers receive copies.
type Registry struct {
	mu         sync.RWMutex
	sessions   map[string]*Session
	tombstones map[string]time.Time // token -> reserved until
	grace      time.Duration
	now        func() time.Time
	observer   Observer
}

// New returns an empty Registry.
func New(opts Options) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		sessions:   make(map[string]*Session),
		tombstones: make(map[string]time.Time),
		grace:      opts.Grace,
		now:        opts.Now,
		observer:   opts.Observer,
	}
}

// Insert adds s. The token must not be held by a live session or a tombstone.
func (r *Registry) Insert(s Session) error {
	r.mu.Lock()
	now := r.now()
	if _, ok := r.sessions[s.Token]; ok {
		r.mu.Unlock()
		return ErrAlreadyExists
	}
	if until, ok := r.tombstones[s.Token]; ok {
		if now.Before(until) {
			r.mu.Unlock()
			return ErrAlreadyExists
		}
		delete(r.tombstones, s.Token)
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.LastSeen.IsZero() {
		s.LastSeen = s.CreatedAt
	}
	cp := s
	r.sessions[s.Token] = &cp
	r.mu.Unlock()

	if r.observer != nil {
		r.observer.SessionInserted(s)
	}
	return nil
}

// Activate moves a pending session to active.
func (r *Registry) Activate(token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[token]
	if !ok {
		return ErrNotFound
	}
	s.State = StateActive
	return nil
}

// Remove closes the session and drops it from the table. Lookups that start
// after Remove returns report ErrNotFound.
func (r *Registry) Remove(token string) (Session, error) {
	r.mu.Lock()
	s, ok := r.sessions[token]
	if !ok {
		r.mu.Unlock()
		return Session{}, ErrNotFound
	}
	delete(r.sessions, token)
	if r.grace > 0 {
		r.tombstones[token] = r.now().Add(r.grace)
	}
	s.State = StateClosed
	out := *s
	r.mu.Unlock()

	if r.observer != nil {
		r.observer.SessionRemoved(out)
	}
	return out, nil
}

// Lookup returns a copy of the session held by token.
func (r *Registry) Lookup(token string) (Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[token]
	if !ok {
		return Session{}, ErrNotFound
	}
	return *s, nil
}

// Exists reports whether token is held by a session or still in its grace
// period.
func (r *Registry) Exists(token string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.sessions[token]; ok {
		return true
	}
	until, ok := r.tombstones[token]
	return ok && r.now().Before(until)
}

// Touch records inbound activity for token.
func (r *Registry) Touch(token string) {
	r.mu.Lock()
	if s, ok := r.sessions[token]; ok {
		s.LastSeen = r.now()
	}
	r.mu.Unlock()
}

// ActiveSessions returns copies of all active sessions ordered by creation.
func (r *Registry) ActiveSessions() []Session {
	return r.collect(func(s *Session) bool { return s.State == StateActive })
}

// Recipients returns the active sessions whose stream carries kind.
func (r *Registry) Recipients(kind message.Kind) []Session {
	return r.collect(func(s *Session) bool {
		return s.State == StateActive && s.Topic.Matches(kind)
	})
}

// Stale lists tokens whose last activity is before cutoff.
func (r *Registry) Stale(cutoff time.Time) []string {
	out := r.collect(func(s *Session) bool { return s.LastSeen.Before(cutoff) })
	tokens := make([]string, len(out))
	for i := range out {
		tokens[i] = out[i].Token
	}
	return tokens
}

// Len is the number of pending and active sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// PruneTombstones forgets expired tombstones and returns how many were dropped.
func (r *Registry) PruneTombstones() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	n := 0
	for tok, until := range r.tombstones {
		if !now.Before(until) {
			delete(r.tombstones, tok)
			n++
		}
	}
	return n
}

func (r *Registry) collect(keep func(*Session) bool) []Session {
	r.mu.RLock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if keep(s) {
			out = append(out, *s)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Token < out[j].Token
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
