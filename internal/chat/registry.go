package chat

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Registry keeps one Session per user. Sessions untouched for longer than
// the idle timeout are closed and dropped.
type Registry struct {
	provider Provider
	log      logrus.FieldLogger
	presence time.Duration
	idle     time.Duration
	baseCtx  context.Context
	now      func() time.Time

	mu        sync.Mutex
	sessions  map[string]*entry
	lastSweep time.Time
}

type entry struct {
	session  *Session
	lastUsed time.Time
}

// NewRegistry starts each new session's presence heartbeat on baseCtx. An
// idle timeout of zero keeps sessions until End or CloseAll.
func NewRegistry(baseCtx context.Context, provider Provider, presence, idle time.Duration, log logrus.FieldLogger) *Registry {
	return &Registry{
		provider:  provider,
		log:       log,
		presence:  presence,
		idle:      idle,
		baseCtx:   baseCtx,
		now:       time.Now,
		sessions:  make(map[string]*entry),
		lastSweep: time.Now(),
	}
}

func (r *Registry) Session(userID string) *Session {
	now := r.now()
	var stale []*Session

	r.mu.Lock()
	if r.idle > 0 && now.Sub(r.lastSweep) > r.idle {
		stale = r.collect(now)
	}
	e, ok := r.sessions[userID]
	if !ok {
		s := NewSession(userID, r.provider, r.log)
		if r.presence > 0 {
			s.StartPresence(r.baseCtx, r.presence)
		}
		e = &entry{session: s}
		r.sessions[userID] = e
	}
	e.lastUsed = now
	r.mu.Unlock()

	r.closeStale(stale)
	return e.session
}

// Sweep closes every session idle for longer than the idle timeout and
// returns how many were evicted.
func (r *Registry) Sweep() int {
	if r.idle <= 0 {
		return 0
	}
	r.mu.Lock()
	stale := r.collect(r.now())
	r.mu.Unlock()
	r.closeStale(stale)
	return len(stale)
}

// RunSweeper sweeps on a ticker until ctx ends.
func (r *Registry) RunSweeper(ctx context.Context) {
	if r.idle <= 0 {
		return
	}
	ticker := time.NewTicker(r.idle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// collect removes idle entries; r.mu must be held.
func (r *Registry) collect(now time.Time) []*Session {
	var stale []*Session
	for id, e := range r.sessions {
		if now.Sub(e.lastUsed) > r.idle {
			stale = append(stale, e.session)
			delete(r.sessions, id)
		}
	}
	r.lastSweep = now
	return stale
}

func (r *Registry) closeStale(stale []*Session) {
	for _, s := range stale {
		s.Close()
		r.log.WithField("user_id", s.UserID()).Debug("idle chat session evicted")
	}
}

// End tears down the user's session, if any.
func (r *Registry) End(userID string) bool {
	r.mu.Lock()
	e, ok := r.sessions[userID]
	delete(r.sessions, userID)
	r.mu.Unlock()
	if ok {
		e.session.Close()
	}
	return ok
}

func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*entry)
	r.mu.Unlock()
	for _, e := range sessions {
		e.session.Close()
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
