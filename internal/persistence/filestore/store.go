// Package filestore keeps sessions on local disk, one directory per user:
//
//	<root>/<user>/sessions/index.json     session metadata
//	<root>/<user>/sessions/<thread>.jsonl turn records, append-only
//	<root>/<user>/sessions.lock           held while a process owns the directory
package filestore

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	tlErrors "github.com/harunnryd/threadline/internal/errors"
	"github.com/harunnryd/threadline/internal/session"
)

const (
	defaultLockTimeout  = 10 * time.Second
	defaultLockRetry    = 100 * time.Millisecond
	defaultLockMaxRetry = 100
	defaultInboxSize    = 64
)

type Config struct {
	LockTimeout  time.Duration
	LockRetry    time.Duration
	LockMaxRetry int
	InboxSize    int
}

func (c Config) withDefaults() Config {
	if c.LockTimeout <= 0 {
		c.LockTimeout = defaultLockTimeout
	}
	if c.LockRetry <= 0 {
		c.LockRetry = defaultLockRetry
	}
	if c.LockMaxRetry <= 0 {
		c.LockMaxRetry = defaultLockMaxRetry
	}
	if c.InboxSize <= 0 {
		c.InboxSize = defaultInboxSize
	}
	return c
}

// Store is a session.Persistence and session.Writer over the local disk.
// A worker is started per user on first use.
type Store struct {
	root string
	cfg  Config

	mu      sync.Mutex
	workers map[string]*Worker
	closed  bool
}

var (
	_ session.Persistence = (*Store)(nil)
	_ session.Writer      = (*Store)(nil)
)

func New(root string, cfg Config) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, tlErrors.InvalidInput("workspace path is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, tlErrors.WrapWithCategory(err, "create workspace", tlErrors.ErrStore)
	}
	return &Store{
		root:    root,
		cfg:     cfg.withDefaults(),
		workers: make(map[string]*Worker),
	}, nil
}

func (s *Store) List(ctx context.Context, user string) ([]session.Session, error) {
	w, err := s.worker(user)
	if err != nil {
		return nil, err
	}
	return w.List(ctx)
}

func (s *Store) Get(ctx context.Context, user, threadID string) (session.Session, error) {
	w, err := s.worker(user)
	if err != nil {
		return session.Session{}, err
	}
	return w.Get(ctx, threadID)
}

func (s *Store) Delete(ctx context.Context, user, threadID string) error {
	w, err := s.worker(user)
	if err != nil {
		return err
	}
	return w.Delete(ctx, threadID)
}

func (s *Store) Save(ctx context.Context, user string, sess session.Session) error {
	w, err := s.worker(user)
	if err != nil {
		return err
	}
	return w.Save(ctx, sess)
}

// Close stops every worker and releases their locks.
func (s *Store) Close() error {
	s.mu.Lock()
	workers := s.workers
	s.workers = make(map[string]*Worker)
	s.closed = true
	s.mu.Unlock()

	for _, w := range workers {
		w.Stop()
	}
	return nil
}

func (s *Store) worker(user string) (*Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, tlErrors.Store("file store closed")
	}
	if w, ok := s.workers[user]; ok {
		return w, nil
	}

	w, err := NewWorker(s.root, user, s.cfg)
	if err != nil {
		return nil, err
	}
	w.Start()
	s.workers[user] = w
	return w, nil
}

// validName rejects ids that would escape their directory.
func validName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return tlErrors.InvalidInput("empty name")
	case name == "." || name == "..",
		strings.ContainsAny(name, `/\`),
		strings.ContainsRune(name, 0):
		return tlErrors.InvalidInput(fmt.Sprintf("invalid name %q", name))
	default:
		return nil
	}
}
