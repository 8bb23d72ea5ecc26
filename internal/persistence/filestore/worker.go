package filestore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	stdatomic "sync/atomic"
	"time"

	"github.com/natefinch/atomic"
	"github.com/oklog/ulid/v2"

	tlErrors "github.com/harunnryd/threadline/internal/errors"
	"github.com/harunnryd/threadline/internal/session"
)

type Operation int

const (
	OpList Operation = iota
	OpGet
	OpSave
	OpDelete
)

func (o Operation) String() string {
	switch o {
	case OpList:
		return "list"
	case OpGet:
		return "get"
	case OpSave:
		return "save"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// Request is one unit of work for the worker goroutine.
type Request struct {
	Op       Operation
	ThreadID string
	Session  *session.Session
	Result   chan error
	Response chan interface{}
}

// Worker owns one user's session directory. Every read and write goes
// through its inbox, so index.json and the transcripts have a single writer.
type Worker struct {
	user        string
	sessionsDir string
	inbox       chan Request
	lock        *FileLock
	quit        chan struct{}
	wg          sync.WaitGroup
	index       *Index
	running     stdatomic.Bool
	stopOnce    sync.Once
}

// NewWorker prepares <root>/<user>/sessions, takes its lock and loads the
// index. Call Start before sending requests.
func NewWorker(root, user string, cfg Config) (*Worker, error) {
	cfg = cfg.withDefaults()
	if err := validName(user); err != nil {
		return nil, err
	}

	userDir := filepath.Join(root, user)
	sessionsDir := filepath.Join(userDir, "sessions")
	if err := os.MkdirAll(sessionsDir, 0o755); err != nil {
		return nil, tlErrors.WrapWithCategory(err, "create sessions dir", tlErrors.ErrStore)
	}

	lock, err := AcquireFileLock(userDir, cfg)
	if err != nil {
		return nil, err
	}

	index := &Index{Sessions: make(map[string]IndexEntry)}
	if data, err := os.ReadFile(filepath.Join(sessionsDir, "index.json")); err == nil {
		if err := json.Unmarshal(data, index); err != nil {
			slog.Warn("Failed to parse session index, starting fresh", "user", user, "error", err)
			index = &Index{Sessions: make(map[string]IndexEntry)}
		}
		if index.Sessions == nil {
			index.Sessions = make(map[string]IndexEntry)
		}
	}

	return &Worker{
		user:        user,
		sessionsDir: sessionsDir,
		inbox:       make(chan Request, cfg.InboxSize),
		lock:        lock,
		quit:        make(chan struct{}),
		index:       index,
	}, nil
}

func (w *Worker) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop ends the loop and releases the lock. Requests not yet handled fail
// with ErrStore.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.quit)
		w.wg.Wait()
		w.lock.Unlock()
	})
}

func (w *Worker) IsRunning() bool {
	return w.running.Load()
}

func (w *Worker) loop() {
	slog.Debug("Session worker started", "user", w.user)
	w.running.Store(true)
	defer func() {
		w.running.Store(false)
		w.wg.Done()
	}()

	for {
		select {
		case req := <-w.inbox:
			err := w.handle(req)
			if req.Result != nil {
				req.Result <- err
			}
		case <-w.quit:
			slog.Debug("Session worker stopping", "user", w.user)
			return
		}
	}
}

func (w *Worker) handle(req Request) error {
	switch req.Op {
	case OpList:
		req.Response <- w.list()
		return nil
	case OpGet:
		s, err := w.get(req.ThreadID)
		if err == nil {
			req.Response <- s
		}
		return err
	case OpSave:
		if req.Session == nil {
			return tlErrors.InvalidInput("save without session")
		}
		return w.save(*req.Session)
	case OpDelete:
		return w.delete(req.ThreadID)
	default:
		return fmt.Errorf("unknown operation: %d", req.Op)
	}
}

func (w *Worker) list() []session.Session {
	out := make([]session.Session, 0, len(w.index.Sessions))
	for _, e := range w.index.Sessions {
		out = append(out, e.session())
	}
	session.SortByActivity(out)
	return out
}

func (w *Worker) get(threadID string) (session.Session, error) {
	entry, ok := w.index.Sessions[threadID]
	if !ok {
		return session.Session{}, tlErrors.NotFound("session " + threadID)
	}

	turns, err := w.readTranscript(threadID)
	if err != nil {
		return session.Session{}, tlErrors.WrapWithCategory(err, "read transcript "+threadID, tlErrors.ErrStore)
	}

	s := entry.session()
	s.Turns = turns
	return s, nil
}

// save appends the turns the transcript does not have yet. The last turn
// already written is appended again because it may have been closed since.
func (w *Worker) save(s session.Session) error {
	if err := validName(s.ThreadID); err != nil {
		return err
	}

	from := 0
	if prev, ok := w.index.Sessions[s.ThreadID]; ok && prev.Turns > 0 {
		from = min(prev.Turns-1, len(s.Turns))
	}

	if err := w.appendTurns(s.ThreadID, from, s.Turns[from:]); err != nil {
		return tlErrors.WrapWithCategory(err, "append transcript "+s.ThreadID, tlErrors.ErrStore)
	}

	w.index.Sessions[s.ThreadID] = entryFrom(s)
	if err := w.saveIndex(); err != nil {
		return tlErrors.WrapWithCategory(err, "write session index", tlErrors.ErrStore)
	}
	return nil
}

func (w *Worker) delete(threadID string) error {
	if _, ok := w.index.Sessions[threadID]; !ok {
		return tlErrors.NotFound("session " + threadID)
	}

	if err := os.Remove(w.transcriptPath(threadID)); err != nil && !os.IsNotExist(err) {
		return tlErrors.WrapWithCategory(err, "remove transcript "+threadID, tlErrors.ErrStore)
	}

	delete(w.index.Sessions, threadID)
	if err := w.saveIndex(); err != nil {
		return tlErrors.WrapWithCategory(err, "write session index", tlErrors.ErrStore)
	}
	return nil
}

func (w *Worker) saveIndex() error {
	data, err := json.MarshalIndent(w.index, "", "  ")
	if err != nil {
		return err
	}
	return atomic.WriteFile(filepath.Join(w.sessionsDir, "index.json"), bytes.NewReader(data))
}

func (w *Worker) appendTurns(threadID string, from int, turns []session.Turn) error {
	if len(turns) == 0 {
		return nil
	}

	f, err := os.OpenFile(w.transcriptPath(threadID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	now := time.Now()
	for i, turn := range turns {
		rec := TurnRecord{
			ID:        ulid.Make().String(),
			Timestamp: now,
			Index:     from + i,
			Turn:      turn,
		}
		if err := enc.Encode(rec); err != nil {
			return err
		}
	}
	return f.Sync()
}

func (w *Worker) readTranscript(threadID string) ([]session.Turn, error) {
	f, err := os.Open(w.transcriptPath(threadID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var turns []session.Turn
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 8<<20)
	for line := 1; scanner.Scan(); line++ {
		if len(bytes.TrimSpace(scanner.Bytes())) == 0 {
			continue
		}
		var rec TurnRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			slog.Warn("Skipping corrupt transcript line", "thread_id", threadID, "line", line, "error", err)
			continue
		}
		switch {
		case rec.Index < 0 || rec.Index > len(turns):
			slog.Warn("Skipping out of order transcript record", "thread_id", threadID, "index", rec.Index)
		case rec.Index == len(turns):
			turns = append(turns, rec.Turn)
		default:
			turns[rec.Index] = rec.Turn
		}
	}
	return turns, scanner.Err()
}

func (w *Worker) transcriptPath(threadID string) string {
	return filepath.Join(w.sessionsDir, threadID+".jsonl")
}

// Public API. Each call blocks until the worker has handled it or ctx ends.

func (w *Worker) List(ctx context.Context) ([]session.Session, error) {
	resp := make(chan interface{}, 1)
	if err := w.submit(ctx, Request{Op: OpList, Response: resp}); err != nil {
		return nil, err
	}
	return (<-resp).([]session.Session), nil
}

func (w *Worker) Get(ctx context.Context, threadID string) (session.Session, error) {
	if err := validName(threadID); err != nil {
		return session.Session{}, err
	}
	resp := make(chan interface{}, 1)
	if err := w.submit(ctx, Request{Op: OpGet, ThreadID: threadID, Response: resp}); err != nil {
		return session.Session{}, err
	}
	return (<-resp).(session.Session), nil
}

func (w *Worker) Save(ctx context.Context, s session.Session) error {
	return w.submit(ctx, Request{Op: OpSave, Session: &s})
}

func (w *Worker) Delete(ctx context.Context, threadID string) error {
	if err := validName(threadID); err != nil {
		return err
	}
	return w.submit(ctx, Request{Op: OpDelete, ThreadID: threadID})
}

func (w *Worker) submit(ctx context.Context, req Request) error {
	req.Result = make(chan error, 1)

	select {
	case w.inbox <- req:
	case <-w.quit:
		return tlErrors.Store("session worker stopped")
	case <-ctx.Done():
		return tlErrors.WrapWithCategory(ctx.Err(), "queue "+req.Op.String(), tlErrors.ErrStore)
	}

	select {
	case err := <-req.Result:
		return err
	case <-w.quit:
		return tlErrors.Store("session worker stopped")
	}
}
