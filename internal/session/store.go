package session

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/harunnryd/threadline/internal/conversation"
	tlErrors "github.com/harunnryd/threadline/internal/errors"
)

const listKey = "list"

// Listener receives the grouped list after every store mutation.
type Listener func(groups []Group)

// Store is the in-memory, persistence-backed collection of one user's
// sessions. Readers always see a complete list: mutations build a new slice
// and swap it in under the lock.
type Store struct {
	user        string
	persistence Persistence
	writer      Writer
	mapper      tlErrors.ErrorMapper
	now         func() time.Time

	mu        sync.RWMutex
	sessions  []Session
	committed map[string]string // stream id -> thread id
	listeners []Listener

	// deletion generation; a list fetch drops threads deleted after it began
	generation uint64
	deleted    map[string]uint64

	group singleflight.Group
}

type StoreOption func(*Store)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// WithListener registers l before any mutation can happen.
func WithListener(l Listener) StoreOption {
	return func(s *Store) {
		s.listeners = append(s.listeners, l)
	}
}

func NewStore(user string, p Persistence, opts ...StoreOption) *Store {
	s := &Store{
		user:        user,
		persistence: p,
		mapper:      tlErrors.NewDefaultErrorMapper(),
		now:         time.Now,
		committed:   make(map[string]string),
		deleted:     make(map[string]uint64),
	}
	if w, ok := p.(Writer); ok {
		s.writer = w
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// User returns the identity every persistence call is scoped by.
func (s *Store) User() string {
	return s.user
}

// Subscribe registers a listener for future mutations.
func (s *Store) Subscribe(l Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

// Snapshot returns a copy of the cached list, most recently active first.
func (s *Store) Snapshot() []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Session, len(s.sessions))
	for i, sess := range s.sessions {
		out[i] = sess.Clone()
	}
	return out
}

// Cached returns the cached session for threadID.
func (s *Store) Cached(threadID string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if i := s.index(threadID); i >= 0 {
		return s.sessions[i].Clone(), true
	}
	return Session{}, false
}

// List refreshes the cache from persistence. Concurrent callers share one
// fetch. When the fetch fails the previous cache is returned together with
// an error matching ErrStale; the cache is left untouched.
func (s *Store) List(ctx context.Context) ([]Session, error) {
	_, err, shared := s.group.Do(listKey, func() (interface{}, error) {
		s.mu.RLock()
		since := s.generation
		s.mu.RUnlock()

		fetched, err := s.persistence.List(ctx, s.user)
		if err != nil {
			return nil, err
		}
		s.replace(fetched, since)
		return nil, nil
	})
	if shared {
		slog.Debug("Session list fetch shared", "user", s.user)
	}

	if err != nil {
		err = s.categorize(err, "list sessions")
		slog.Warn("Session list fetch failed, keeping cached list",
			"user", s.user,
			"category", s.mapper.Category(err),
			"error", err)
		return s.Snapshot(), tlErrors.WrapWithCategory(err, "showing cached sessions", tlErrors.ErrStale)
	}

	s.notify()
	return s.Snapshot(), nil
}

// GroupByRecency groups the cached list relative to now.
func (s *Store) GroupByRecency(now time.Time) []Group {
	return GroupByRecency(s.Snapshot(), now)
}

// UpsertFromDraft records a draft. A draft that is not yet committable only
// registers a provisional session; a committable one appends or closes a
// turn. Each stream commits at most once, however often it is called.
func (s *Store) UpsertFromDraft(ctx context.Context, d conversation.Draft) (Session, error) {
	if d.ThreadID == "" {
		return Session{}, tlErrors.InvalidInput("draft has no thread id")
	}

	s.mu.Lock()
	now := s.now()
	idx := s.index(d.ThreadID)

	var sess Session
	if idx >= 0 {
		sess = s.sessions[idx].Clone()
	} else {
		sess = Session{
			ThreadID:    d.ThreadID,
			Title:       DeriveTitle(d.Input),
			Mode:        d.Mode,
			CreatedAt:   now,
			UpdatedAt:   now,
			Provisional: true,
		}
	}

	if _, done := s.committed[d.StreamID]; done || !d.Committable() {
		if idx < 0 {
			s.put(sess, idx)
		}
		s.mu.Unlock()
		if idx < 0 {
			s.notify()
		}
		return sess, nil
	}

	commit(&sess, d, now)
	s.committed[d.StreamID] = d.ThreadID
	s.put(sess, idx)
	s.mu.Unlock()

	var err error
	if s.writer != nil {
		if err = s.writer.Save(ctx, s.user, sess); err != nil {
			err = s.categorize(err, "save session "+sess.ThreadID)
			slog.Warn("Session save failed", "thread_id", sess.ThreadID, "error", err)
		}
	}

	s.notify()
	return sess, err
}

// Delete removes a session from persistence and then from the cache. On
// failure the cache is left as it was.
func (s *Store) Delete(ctx context.Context, threadID string) error {
	err := s.persistence.Delete(ctx, s.user, threadID)
	if err != nil && !tlErrors.Is(err, tlErrors.ErrNotFound) {
		return s.categorize(err, "delete session "+threadID)
	}

	s.mu.Lock()
	s.generation++
	s.deleted[threadID] = s.generation
	idx := s.index(threadID)
	if idx < 0 {
		s.mu.Unlock()
		if err != nil {
			return s.categorize(err, "delete session "+threadID)
		}
		return nil
	}

	next := make([]Session, 0, len(s.sessions)-1)
	next = append(next, s.sessions[:idx]...)
	next = append(next, s.sessions[idx+1:]...)
	s.sessions = next
	for stream, thread := range s.committed {
		if thread == threadID {
			delete(s.committed, stream)
		}
	}
	s.mu.Unlock()

	s.notify()
	return nil
}

// Load fetches the full history of threadID and merges it into the cache.
// On failure the cache is left as it was.
func (s *Store) Load(ctx context.Context, threadID string) (Session, error) {
	fetched, err := s.persistence.Get(ctx, s.user, threadID)
	if err != nil {
		return Session{}, s.categorize(err, "load session "+threadID)
	}
	if fetched.ThreadID == "" {
		fetched.ThreadID = threadID
	}

	s.mu.Lock()
	idx := s.index(threadID)
	if idx >= 0 {
		fetched = merge(s.sessions[idx], fetched)
	}
	s.put(fetched, idx)
	s.mu.Unlock()

	s.notify()
	return fetched.Clone(), nil
}

func commit(sess *Session, d conversation.Draft, now time.Time) {
	turnTools := d.Tools.Union()

	switch {
	case d.Mode == conversation.ModeInterview && len(sess.Turns) > 0 && sess.Turns[len(sess.Turns)-1].Open():
		last := &sess.Turns[len(sess.Turns)-1]
		last.Answer = d.Input
		last.Feedback = d.Text
		last.ToolsUsed = turnTools
	default:
		sess.Turns = append(sess.Turns, Turn{
			Question:  d.Input,
			Answer:    d.Text,
			ToolsUsed: turnTools,
		})
	}

	done := d.Done
	if d.Mode == conversation.ModeInterview && done.NextQuestion != "" && !d.Finished {
		sess.Turns = append(sess.Turns, Turn{Question: done.NextQuestion})
	}

	sess.ToolsUsed = d.Tools.Union(sess.ToolsUsed)
	sess.Round = max(sess.Round, done.Round)
	if done.Report != "" {
		sess.Report = done.Report
	}
	if done.Title != "" {
		sess.Title = done.Title
	}
	if sess.Title == "" {
		sess.Title = DeriveTitle(d.Input)
	}
	sess.IsFinished = sess.IsFinished || d.Finished
	sess.Provisional = false
	sess.UpdatedAt = now
}

// merge lays a fetched record over the cached one. The finished flag never
// goes back to false and cached turns survive a summary without history.
func merge(cached, fetched Session) Session {
	out := fetched.Clone()
	if len(out.Turns) == 0 {
		out.Turns = slices.Clone(cached.Turns)
	}
	if out.Title == "" {
		out.Title = cached.Title
	}
	if out.Mode == "" {
		out.Mode = cached.Mode
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = cached.CreatedAt
	}
	if out.UpdatedAt.Before(cached.UpdatedAt) {
		out.UpdatedAt = cached.UpdatedAt
	}
	if out.Report == "" {
		out.Report = cached.Report
	}
	out.Round = max(out.Round, cached.Round)
	out.ToolsUsed = out.ToolsUsed.Union(cached.ToolsUsed)
	out.IsFinished = out.IsFinished || cached.IsFinished
	out.Provisional = false
	return out
}

// replace swaps in a list fetched at generation since. Provisional sessions
// the backend does not know about yet are kept; sessions deleted while the
// fetch was in flight are not brought back.
func (s *Store) replace(fetched []Session, since uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(fetched))
	next := make([]Session, 0, len(fetched)+1)
	for _, f := range fetched {
		if f.ThreadID == "" || seen[f.ThreadID] || s.deleted[f.ThreadID] > since {
			continue
		}
		seen[f.ThreadID] = true
		if i := s.index(f.ThreadID); i >= 0 {
			f = merge(s.sessions[i], f)
		}
		next = append(next, f)
	}
	for _, c := range s.sessions {
		if !seen[c.ThreadID] && c.Provisional {
			next = append(next, c)
		}
	}

	SortByActivity(next)
	s.sessions = next
	// fetches are single-flight, so the next one starts after these deletions
	clear(s.deleted)
}

// put inserts or replaces sess, keeping activity order. Caller holds mu.
func (s *Store) put(sess Session, idx int) {
	next := make([]Session, 0, len(s.sessions)+1)
	next = append(next, s.sessions...)
	if idx >= 0 {
		next[idx] = sess
	} else {
		next = append(next, sess)
	}
	SortByActivity(next)
	s.sessions = next
}

// index finds threadID in the cache. Caller holds mu.
func (s *Store) index(threadID string) int {
	return slices.IndexFunc(s.sessions, func(sess Session) bool {
		return sess.ThreadID == threadID
	})
}

func (s *Store) notify() {
	s.mu.RLock()
	listeners := slices.Clone(s.listeners)
	s.mu.RUnlock()
	if len(listeners) == 0 {
		return
	}

	groups := s.GroupByRecency(s.now())
	for _, l := range listeners {
		l(groups)
	}
}

// categorize files persistence failures under ErrStore, keeping their
// original category in the chain. Not-found stays distinct.
func (s *Store) categorize(err error, op string) error {
	if tlErrors.Is(err, tlErrors.ErrNotFound) || tlErrors.Is(err, tlErrors.ErrStore) {
		return tlErrors.Wrap(err, op)
	}
	return tlErrors.WrapWithCategory(err, op, tlErrors.ErrStore)
}

func (s *Store) String() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fmt.Sprintf("session.Store{user=%s, sessions=%d}", s.user, len(s.sessions))
}
