// Package engine runs conversations: it opens a stream per send, folds the
// decoded events into a draft and records finished drafts in the session
// store, notifying a presenter along the way.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/threadline/internal/concurrency"
	"github.com/harunnryd/threadline/internal/config"
	"github.com/harunnryd/threadline/internal/conversation"
	tlErrors "github.com/harunnryd/threadline/internal/errors"
	"github.com/harunnryd/threadline/internal/logger"
	"github.com/harunnryd/threadline/internal/presenter"
	"github.com/harunnryd/threadline/internal/progress"
	"github.com/harunnryd/threadline/internal/protocol"
	"github.com/harunnryd/threadline/internal/session"
	"github.com/harunnryd/threadline/internal/tooluse"
	"github.com/harunnryd/threadline/internal/transport"
)

// ErrAbandoned is the cause of a stream cut short because its thread was
// deleted while the draft was outstanding.
var ErrAbandoned = errors.New("draft abandoned")

const pendingKeyPrefix = "pending:"

type RuntimeConfig struct {
	StreamTimeout time.Duration
	ReadBuffer    int
	Prefix        string
	MaxFrameBytes int
	MaxRounds     int
	Markers       []tooluse.Marker
}

func (c RuntimeConfig) withDefaults() RuntimeConfig {
	if c.StreamTimeout <= 0 {
		if d, err := config.DurationOrDefault("", config.DefaultStreamTimeout); err == nil {
			c.StreamTimeout = d
		}
	}
	if c.ReadBuffer <= 0 {
		c.ReadBuffer = config.DefaultStreamReadBuffer
	}
	if c.Prefix == "" {
		c.Prefix = protocol.DefaultPrefix
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = protocol.DefaultMaxFrameBytes
	}
	if c.MaxRounds <= 0 {
		c.MaxRounds = config.DefaultInterviewMaxRounds
	}
	if c.Markers == nil {
		c.Markers = tooluse.DefaultMarkers
	}
	return c
}

// RuntimeConfigFrom reads the stream and interview settings of cfg.
func RuntimeConfigFrom(cfg *config.Config) (RuntimeConfig, error) {
	timeout, err := config.DurationOrDefault(cfg.Stream.Timeout, config.DefaultStreamTimeout)
	if err != nil {
		return RuntimeConfig{}, fmt.Errorf("stream.timeout: %w", err)
	}
	return RuntimeConfig{
		StreamTimeout: timeout,
		ReadBuffer:    cfg.Stream.ReadBuffer,
		Prefix:        cfg.Stream.Prefix,
		MaxFrameBytes: cfg.Stream.MaxFrameBytes,
		MaxRounds:     cfg.Interview.MaxRounds,
	}.withDefaults(), nil
}

// Engine owns the session store and every draft still streaming.
type Engine struct {
	store     *session.Store
	transport transport.Transport
	reducer   *conversation.Reducer
	presenter presenter.Presenter
	guard     *concurrency.KeyedGuard
	mapper    tlErrors.ErrorMapper
	cfg       RuntimeConfig
	now       func() time.Time

	mu     sync.Mutex
	drafts map[string]*liveDraft // by stream id
}

type liveDraft struct {
	// mu serializes an event's side effects with abandonment, so a deleted
	// thread is never written back by a late event.
	mu sync.Mutex

	draft     conversation.Draft
	key       string
	cancel    context.CancelCauseFunc
	abandoned bool
	started   time.Time
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

func New(store *session.Store, t transport.Transport, p presenter.Presenter, cfg RuntimeConfig, opts ...Option) *Engine {
	if p == nil {
		p = presenter.NewNull()
	}
	cfg = cfg.withDefaults()

	e := &Engine{
		store:     store,
		transport: t,
		reducer:   conversation.NewReducer(tooluse.NewDetector(cfg.Markers), cfg.MaxRounds),
		presenter: p,
		guard:     concurrency.NewKeyedGuard(),
		mapper:    tlErrors.NewDefaultErrorMapper(),
		cfg:       cfg,
		now:       time.Now,
		drafts:    make(map[string]*liveDraft),
	}
	for _, opt := range opts {
		opt(e)
	}

	store.Subscribe(func(groups []session.Group) {
		e.presenter.SessionsChanged(e.withPending(groups))
	})
	return e
}

// Send posts an advisory message. threadID is empty to start a new
// conversation. It blocks until the stream terminates and returns the final
// draft; a failed draft comes back together with its failure.
func (e *Engine) Send(ctx context.Context, threadID, message string) (conversation.Draft, error) {
	return e.submit(ctx, conversation.ModeAdvisory, threadID, message)
}

// Answer submits an answer to the open question of an interview thread.
func (e *Engine) Answer(ctx context.Context, threadID, answer string) (conversation.Draft, error) {
	if strings.TrimSpace(threadID) == "" {
		return conversation.Draft{}, tlErrors.InvalidInput("interview answers need a thread id")
	}
	return e.submit(ctx, conversation.ModeInterview, threadID, answer)
}

func (e *Engine) submit(ctx context.Context, mode conversation.Mode, threadID, input string) (conversation.Draft, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return conversation.Draft{}, tlErrors.InvalidInput("message is empty")
	}

	if threadID != "" {
		if err := e.checkWritable(ctx, mode, threadID); err != nil {
			return conversation.Draft{}, err
		}
	}

	d := conversation.NewDraft(mode, threadID, input)
	key := threadID
	if key == "" {
		key = pendingKeyPrefix + d.StreamID
	}
	if !e.guard.TryAcquire(key) {
		return conversation.Draft{}, tlErrors.Busy(fmt.Sprintf("thread %s already has a reply streaming", threadID))
	}

	ctx = logger.WithTraceID(ctx, d.StreamID)
	if threadID != "" {
		ctx = logger.WithThreadID(ctx, threadID)
	}

	streamCtx, cancel := context.WithCancelCause(ctx)
	live := &liveDraft{draft: d, key: key, cancel: cancel, started: e.now()}
	e.mu.Lock()
	e.drafts[d.StreamID] = live
	e.mu.Unlock()

	defer func() {
		cancel(nil)
		e.mu.Lock()
		delete(e.drafts, d.StreamID)
		key := live.key
		e.mu.Unlock()
		e.guard.Release(key)
		if threadID == "" && live.draft.ThreadID == "" {
			e.publishSessions()
		}
	}()

	if threadID == "" {
		e.publishSessions()
	}

	return e.stream(ctx, streamCtx, live)
}

// checkWritable rejects sends to finished threads. Unknown threads are
// loaded first so interview answers close the right open turn.
func (e *Engine) checkWritable(ctx context.Context, mode conversation.Mode, threadID string) error {
	sess, ok := e.store.Cached(threadID)
	// list summaries carry no turns; an answer needs the open question
	if !ok || (mode == conversation.ModeInterview && len(sess.Turns) == 0) {
		loaded, err := e.store.Load(ctx, threadID)
		switch {
		case err == nil:
			sess, ok = loaded, true
		case mode == conversation.ModeInterview:
			return err
		default:
			logger.FromContext(logger.WithThreadID(ctx, threadID)).Warn("Thread history unavailable, continuing without it", "error", err)
		}
	}
	if ok && sess.IsFinished {
		return tlErrors.ReadOnly(fmt.Sprintf("session %s is finished", threadID))
	}
	if ok && mode == conversation.ModeInterview && !sess.Resumable() {
		return tlErrors.InvalidInput(fmt.Sprintf("session %s has no open question", threadID))
	}
	return nil
}

// stream reads the transport until the draft terminates. ctx carries the
// caller's lifetime and is used for store writes; streamCtx additionally
// ends on abandonment and bounds the read with the stream timeout.
func (e *Engine) stream(ctx, streamCtx context.Context, live *liveDraft) (conversation.Draft, error) {
	log := logger.FromContext(ctx)

	readCtx, cancel := context.WithTimeout(streamCtx, e.cfg.StreamTimeout)
	defer cancel()

	req := transport.Request{
		Mode:     live.draft.Mode,
		ThreadID: live.draft.ThreadID,
		Input:    live.draft.Input,
		User:     e.store.User(),
	}

	start := time.Now()
	log.Info("Stream opening", "mode", req.Mode, "stream_id", live.draft.StreamID)

	body, err := e.transport.Open(readCtx, req)
	if err != nil {
		return e.abort(ctx, live, e.abortCause(readCtx, streamCtx, err))
	}
	defer body.Close()

	dec := protocol.NewDecoder(
		protocol.WithPrefix(e.cfg.Prefix),
		protocol.WithMaxFrameBytes(e.cfg.MaxFrameBytes),
	)
	buf := make([]byte, e.cfg.ReadBuffer)

	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			for evt, derr := range dec.Feed(buf[:n]) {
				if derr != nil {
					log.Warn("Malformed frame skipped", "category", e.mapper.Category(derr), "error", derr)
					e.report(live, conversation.Notification{Kind: conversation.NotifyViolation, ThreadID: live.draft.ThreadID, Err: derr})
					continue
				}
				d, terminal, err := e.step(ctx, live, evt)
				if terminal {
					dec.Close()
					log.Info("Stream finished",
						"thread_id", d.ThreadID,
						"failed", d.Failed,
						"tokens", d.Tokens,
						"duration", time.Since(start))
					return d, err
				}
			}
		}

		if rerr != nil {
			if tail := dec.Close(); tail > 0 {
				log.Warn("Incomplete frame discarded at end of stream", "bytes", tail)
			}
			if errors.Is(rerr, io.EOF) && readCtx.Err() == nil {
				return e.abort(ctx, live, tlErrors.Protocol("stream ended before done"))
			}
			return e.abort(ctx, live, e.abortCause(readCtx, streamCtx, rerr))
		}
	}
}

// step applies one event and performs its side effects. It reports whether
// the draft is now terminal.
func (e *Engine) step(ctx context.Context, live *liveDraft, evt protocol.Event) (conversation.Draft, bool, error) {
	log := logger.FromContext(ctx)

	if u, ok := evt.(protocol.Unknown); ok {
		log.Warn("Unknown event ignored", "type", u.Type)
		return live.draft, false, nil
	}

	live.mu.Lock()
	defer live.mu.Unlock()

	e.mu.Lock()
	if live.abandoned {
		d := live.draft
		e.mu.Unlock()
		log.Warn("Draft abandoned", "thread_id", d.ThreadID, "stream_id", d.StreamID)
		return d, true, fmt.Errorf("thread %s deleted: %w", d.ThreadID, ErrAbandoned)
	}
	d, n := e.reducer.Apply(live.draft, evt)
	live.draft = d
	e.mu.Unlock()

	var err error
	switch n.Kind {
	case conversation.NotifyIgnored:
		return d, false, nil

	case conversation.NotifyThreadAssigned:
		e.rekey(live, d.ThreadID)
		log.Info("Thread assigned", "thread_id", d.ThreadID)
		e.report(live, n)
		if _, uerr := e.store.UpsertFromDraft(ctx, d); uerr != nil {
			log.Warn("Provisional session not recorded", "thread_id", d.ThreadID, "error", uerr)
		}
		return d, false, nil

	case conversation.NotifyViolation:
		log.Warn("Protocol violation", "category", e.mapper.Category(n.Err), "error", n.Err)
		e.report(live, n)
		return d, false, nil

	case conversation.NotifyDone:
		e.report(live, n)
		if _, err = e.store.UpsertFromDraft(ctx, d); err != nil {
			log.Error("Commit failed", "thread_id", d.ThreadID, "error", err)
		}
		return d, true, err

	case conversation.NotifyFailed:
		log.Warn("Stream failed", "category", e.mapper.Category(n.Err), "error", n.Err)
		e.report(live, n)
		e.recordProvisional(ctx, d)
		return d, true, n.Err

	default:
		e.report(live, n)
		return d, false, nil
	}
}

// abort synthesizes the terminal failure of a stream that could not be read
// to its end. Abandoned drafts end silently.
func (e *Engine) abort(ctx context.Context, live *liveDraft, cause error) (conversation.Draft, error) {
	live.mu.Lock()
	defer live.mu.Unlock()

	e.mu.Lock()
	if live.abandoned {
		d := live.draft
		e.mu.Unlock()
		logger.FromContext(ctx).Warn("Draft abandoned", "thread_id", d.ThreadID, "stream_id", d.StreamID)
		return d, fmt.Errorf("thread %s deleted: %w", d.ThreadID, ErrAbandoned)
	}
	d, n := e.reducer.Abort(live.draft, cause)
	live.draft = d
	e.mu.Unlock()

	logger.FromContext(ctx).Warn("Stream aborted",
		"thread_id", d.ThreadID,
		"category", e.mapper.Category(cause),
		"error", cause)
	if n.Kind != conversation.NotifyIgnored {
		e.report(live, n)
	}
	e.recordProvisional(ctx, d)
	return d, cause
}

// abortCause names why a read stopped. Context expiry keeps the context
// error in the chain so the failure text can tell timeouts from aborts.
func (e *Engine) abortCause(readCtx, streamCtx context.Context, err error) error {
	if cause := context.Cause(streamCtx); cause != nil && errors.Is(cause, ErrAbandoned) {
		return cause
	}
	if ctxErr := readCtx.Err(); ctxErr != nil {
		return tlErrors.WrapWithCategory(ctxErr, "stream aborted", tlErrors.ErrTransport)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return tlErrors.WrapWithCategory(err, "stream aborted", tlErrors.ErrTransport)
	}
	return e.mapper.MapError(err)
}

// recordProvisional keeps a failed new thread visible once the server has
// assigned it an id. No turn is committed.
func (e *Engine) recordProvisional(ctx context.Context, d conversation.Draft) {
	if d.ThreadID == "" {
		return
	}
	if _, err := e.store.UpsertFromDraft(ctx, d); err != nil {
		logger.FromContext(ctx).Warn("Provisional session not recorded", "thread_id", d.ThreadID, "error", err)
	}
}

func (e *Engine) rekey(live *liveDraft, threadID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if live.key == threadID {
		return
	}
	if e.guard.Rekey(live.key, threadID) {
		live.key = threadID
	}
}

func (e *Engine) report(live *liveDraft, n conversation.Notification) {
	e.mu.Lock()
	if live.abandoned {
		e.mu.Unlock()
		return
	}
	d := live.draft
	e.mu.Unlock()
	e.presenter.DraftChanged(d.ThreadID, d, n)
}

// Delete removes a session. A draft still streaming into it is abandoned
// first so nothing is written back afterwards.
func (e *Engine) Delete(ctx context.Context, threadID string) error {
	if strings.TrimSpace(threadID) == "" {
		return tlErrors.InvalidInput("thread id is empty")
	}

	cause := fmt.Errorf("thread %s deleted: %w", threadID, ErrAbandoned)
	for _, live := range e.streaming(threadID) {
		live.mu.Lock()
		e.mu.Lock()
		live.abandoned = true
		e.mu.Unlock()
		live.cancel(cause)
		live.mu.Unlock()
	}

	if err := e.store.Delete(ctx, threadID); err != nil {
		return err
	}
	logger.FromContext(logger.WithThreadID(ctx, threadID)).Info("Session deleted")
	return nil
}

func (e *Engine) streaming(threadID string) []*liveDraft {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []*liveDraft
	for _, live := range e.drafts {
		if live.draft.ThreadID == threadID && !live.abandoned {
			out = append(out, live)
		}
	}
	return out
}

// Load fetches the full history of a thread.
func (e *Engine) Load(ctx context.Context, threadID string) (session.Session, error) {
	return e.store.Load(ctx, threadID)
}

// List refreshes the session list. On a failed fetch the cached list comes
// back with an error matching ErrStale.
func (e *Engine) List(ctx context.Context) ([]session.Session, error) {
	return e.store.List(ctx)
}

// Groups buckets the cached sessions by recency. Drafts still waiting for
// a thread id are listed under Pending.
func (e *Engine) Groups() []session.Group {
	return e.withPending(e.store.GroupByRecency(e.now()))
}

// Progress computes the round progress of a cached session.
func (e *Engine) Progress(threadID string) (progress.Progress, error) {
	sess, ok := e.store.Cached(threadID)
	if !ok {
		return progress.Progress{}, tlErrors.NotFound("session " + threadID)
	}
	return progress.Compute(sess, e.cfg.MaxRounds), nil
}

// MaxRounds is the interview round limit used by the engine.
func (e *Engine) MaxRounds() int {
	return e.cfg.MaxRounds
}

// Active returns snapshots of the drafts currently streaming, oldest first.
func (e *Engine) Active() []conversation.Draft {
	e.mu.Lock()
	lives := make([]*liveDraft, 0, len(e.drafts))
	for _, live := range e.drafts {
		if !live.abandoned {
			lives = append(lives, live)
		}
	}
	slices.SortFunc(lives, func(a, b *liveDraft) int {
		return a.started.Compare(b.started)
	})
	out := make([]conversation.Draft, len(lives))
	for i, live := range lives {
		out[i] = live.draft
	}
	e.mu.Unlock()
	return out
}

func (e *Engine) withPending(groups []session.Group) []session.Group {
	var pending []session.Session
	for _, d := range e.Active() {
		if d.ThreadID != "" {
			continue
		}
		pending = append(pending, session.Session{
			Title:       session.DeriveTitle(d.Input),
			Mode:        d.Mode,
			Provisional: true,
		})
	}
	if len(pending) == 0 {
		return groups
	}
	return append([]session.Group{{Bucket: session.Pending, Sessions: pending}}, groups...)
}

func (e *Engine) publishSessions() {
	e.presenter.SessionsChanged(e.Groups())
}
