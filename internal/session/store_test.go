package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunnryd/threadline/internal/conversation"
	tlErrors "github.com/harunnryd/threadline/internal/errors"
	"github.com/harunnryd/threadline/internal/protocol"
)

type fakePersistence struct {
	mu        sync.Mutex
	records   map[string]Session
	listErr   error
	getErr    error
	deleteErr error
	listCalls atomic.Int32
	block     chan struct{}
	entered   chan struct{}
}

func newFakePersistence(records ...Session) *fakePersistence {
	f := &fakePersistence{records: make(map[string]Session)}
	for _, r := range records {
		f.records[r.ThreadID] = r
	}
	return f
}

func (f *fakePersistence) List(ctx context.Context, user string) ([]Session, error) {
	f.listCalls.Add(1)

	f.mu.Lock()
	listErr := f.listErr
	out := make([]Session, 0, len(f.records))
	for _, r := range f.records {
		r.Turns = nil
		out = append(out, r)
	}
	f.mu.Unlock()

	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	if listErr != nil {
		return nil, listErr
	}
	return out, nil
}

func (f *fakePersistence) Get(ctx context.Context, user, threadID string) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return Session{}, f.getErr
	}
	r, ok := f.records[threadID]
	if !ok {
		return Session{}, tlErrors.NotFound("session " + threadID)
	}
	return r, nil
}

func (f *fakePersistence) Delete(ctx context.Context, user, threadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.records, threadID)
	return nil
}

type savingPersistence struct {
	*fakePersistence
	saved []Session
}

func (s *savingPersistence) Save(ctx context.Context, user string, sess Session) error {
	s.saved = append(s.saved, sess)
	return nil
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func helloDraft(t *testing.T) []conversation.Draft {
	t.Helper()
	r := conversation.NewReducer(nil, 3)
	d := conversation.NewDraft(conversation.ModeAdvisory, "", "hi")

	var snapshots []conversation.Draft
	for _, e := range []protocol.Event{
		protocol.ThreadAssigned{ThreadID: "t1"},
		protocol.Token{Text: "Hel"},
		protocol.Token{Text: "lo"},
		protocol.Status{Text: "使用了知识库"},
		protocol.Done{ToolsUsed: []string{}, Round: 1},
	} {
		d, _ = r.Apply(d, e)
		snapshots = append(snapshots, d)
	}
	return snapshots
}

func TestUpsertFromDraft_HelloScenario(t *testing.T) {
	store := NewStore("alice", newFakePersistence(), WithClock(fixedClock(at(15, 9, 0))))
	snaps := helloDraft(t)

	provisional, err := store.UpsertFromDraft(context.Background(), snaps[0])
	require.NoError(t, err)
	assert.True(t, provisional.Provisional)
	assert.Empty(t, provisional.Turns)

	final, err := store.UpsertFromDraft(context.Background(), snaps[4])
	require.NoError(t, err)

	require.Len(t, final.Turns, 1)
	assert.Equal(t, "hi", final.Turns[0].Question)
	assert.Equal(t, "Hello", final.Turns[0].Answer)
	assert.Equal(t, []string{"knowledge_base"}, final.ToolsUsed.Strings())
	assert.False(t, final.IsFinished)
	assert.False(t, final.Provisional)
	assert.Len(t, store.Snapshot(), 1)
}

func TestUpsertFromDraft_SingleCommit(t *testing.T) {
	store := NewStore("alice", newFakePersistence())
	final := helloDraft(t)[4]

	for range 3 {
		_, err := store.UpsertFromDraft(context.Background(), final)
		require.NoError(t, err)
	}

	sess, ok := store.Cached("t1")
	require.True(t, ok)
	assert.Len(t, sess.Turns, 1)
}

func TestUpsertFromDraft_RequiresThread(t *testing.T) {
	store := NewStore("alice", newFakePersistence())
	_, err := store.UpsertFromDraft(context.Background(), conversation.NewDraft(conversation.ModeAdvisory, "", "x"))
	assert.ErrorIs(t, err, tlErrors.ErrInvalidInput)
	assert.Empty(t, store.Snapshot())
}

func TestUpsertFromDraft_FailedDraftNeverCommits(t *testing.T) {
	store := NewStore("alice", newFakePersistence())
	r := conversation.NewReducer(nil, 3)

	d := conversation.NewDraft(conversation.ModeAdvisory, "", "hi")
	d, _ = r.Apply(d, protocol.ThreadAssigned{ThreadID: "t1"})
	_, err := store.UpsertFromDraft(context.Background(), d)
	require.NoError(t, err)

	d, _ = r.Apply(d, protocol.Token{Text: "part"})
	d, _ = r.Apply(d, protocol.ErrorEvent{Message: "boom"})
	sess, err := store.UpsertFromDraft(context.Background(), d)
	require.NoError(t, err)
	assert.Empty(t, sess.Turns)
	assert.True(t, sess.Provisional)
}

func TestUpsertFromDraft_InterviewClosesOpenTurn(t *testing.T) {
	fake := newFakePersistence(Session{
		ThreadID: "iv",
		Mode:     conversation.ModeInterview,
		Turns:    []Turn{{Question: "Tell me about yourself"}},
	})
	store := NewStore("alice", fake)
	_, err := store.Load(context.Background(), "iv")
	require.NoError(t, err)

	r := conversation.NewReducer(nil, 3)
	d := conversation.NewDraft(conversation.ModeInterview, "iv", "I build things")
	d, _ = r.Apply(d, protocol.Token{Text: "Good answer."})
	d, _ = r.Apply(d, protocol.Done{Round: 1, NextQuestion: "Why Go?"})

	sess, err := store.UpsertFromDraft(context.Background(), d)
	require.NoError(t, err)
	require.Len(t, sess.Turns, 2)
	assert.Equal(t, Turn{Question: "Tell me about yourself", Answer: "I build things", Feedback: "Good answer.", ToolsUsed: sess.Turns[0].ToolsUsed}, sess.Turns[0])
	assert.True(t, sess.Turns[1].Open())
	assert.True(t, sess.Resumable())
	assert.Equal(t, 1, sess.Round)

	// last round closes the session and adds no further question
	d = conversation.NewDraft(conversation.ModeInterview, "iv", "Because")
	d, _ = r.Apply(d, protocol.Token{Text: "Thanks."})
	d, _ = r.Apply(d, protocol.Done{Round: 3, NextQuestion: "ignored", Report: "report"})

	sess, err = store.UpsertFromDraft(context.Background(), d)
	require.NoError(t, err)
	require.Len(t, sess.Turns, 2)
	assert.Equal(t, "Because", sess.Turns[1].Answer)
	assert.True(t, sess.IsFinished)
	assert.Equal(t, "report", sess.Report)
	assert.False(t, sess.Resumable())
}

func TestUpsertFromDraft_SavesThroughWriter(t *testing.T) {
	p := &savingPersistence{fakePersistence: newFakePersistence()}
	store := NewStore("alice", p)

	snaps := helloDraft(t)
	_, err := store.UpsertFromDraft(context.Background(), snaps[0])
	require.NoError(t, err)
	assert.Empty(t, p.saved)

	_, err = store.UpsertFromDraft(context.Background(), snaps[4])
	require.NoError(t, err)
	require.Len(t, p.saved, 1)
	assert.Equal(t, "t1", p.saved[0].ThreadID)
}

func TestList_OrdersByActivityAndKeepsProvisional(t *testing.T) {
	fake := newFakePersistence(
		Session{ThreadID: "old", UpdatedAt: at(10, 9, 0)},
		Session{ThreadID: "new", UpdatedAt: at(15, 9, 0)},
	)
	store := NewStore("alice", fake, WithClock(fixedClock(at(15, 10, 0))))

	_, err := store.UpsertFromDraft(context.Background(), helloDraft(t)[0])
	require.NoError(t, err)

	got, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "new", "old"}, ids(got))
}

func TestList_FailureKeepsCache(t *testing.T) {
	fake := newFakePersistence(Session{ThreadID: "a", UpdatedAt: at(15, 9, 0)})
	store := NewStore("alice", fake)

	first, err := store.List(context.Background())
	require.NoError(t, err)

	fake.listErr = errors.New("connection refused")
	second, err := store.List(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, tlErrors.ErrStale)
	assert.ErrorIs(t, err, tlErrors.ErrStore)
	assert.Equal(t, first, second)
}

func TestList_SingleFlight(t *testing.T) {
	fake := newFakePersistence(Session{ThreadID: "a"})
	fake.block = make(chan struct{})
	fake.entered = make(chan struct{}, 2)
	store := NewStore("alice", fake)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = store.List(context.Background())
	}()
	<-fake.entered

	go func() {
		defer wg.Done()
		_, _ = store.List(context.Background())
	}()
	time.Sleep(50 * time.Millisecond)
	close(fake.block)
	wg.Wait()

	assert.Equal(t, int32(1), fake.listCalls.Load())
}

func TestList_FinishedIsMonotonic(t *testing.T) {
	fake := newFakePersistence(Session{ThreadID: "a", IsFinished: true})
	store := NewStore("alice", fake)
	_, err := store.List(context.Background())
	require.NoError(t, err)

	fake.records["a"] = Session{ThreadID: "a", IsFinished: false}
	got, err := store.List(context.Background())
	require.NoError(t, err)
	assert.True(t, got[0].IsFinished)
}

func TestDelete(t *testing.T) {
	fake := newFakePersistence(Session{ThreadID: "a"}, Session{ThreadID: "b"})
	store := NewStore("alice", fake)
	_, err := store.List(context.Background())
	require.NoError(t, err)

	require.NoError(t, store.Delete(context.Background(), "a"))
	_, ok := store.Cached("a")
	assert.False(t, ok)
	assert.Len(t, store.Snapshot(), 1)
}

func TestDelete_DuringListFetch(t *testing.T) {
	fake := newFakePersistence(Session{ThreadID: "a"}, Session{ThreadID: "b"})
	store := NewStore("alice", fake)
	_, err := store.List(context.Background())
	require.NoError(t, err)

	fake.block = make(chan struct{})
	fake.entered = make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = store.List(context.Background())
	}()
	<-fake.entered

	require.NoError(t, store.Delete(context.Background(), "a"))
	close(fake.block)
	<-done

	_, ok := store.Cached("a")
	assert.False(t, ok)
	_, ok = store.Cached("b")
	assert.True(t, ok)

	fake.block = nil
	fake.entered = nil
	fake.records["a"] = Session{ThreadID: "a"}
	_, err = store.List(context.Background())
	require.NoError(t, err)
	_, ok = store.Cached("a")
	assert.True(t, ok)
}

func TestDelete_FailurePreservesState(t *testing.T) {
	fake := newFakePersistence(Session{ThreadID: "a"})
	store := NewStore("alice", fake)
	_, err := store.List(context.Background())
	require.NoError(t, err)

	fake.deleteErr = errors.New("disk full")
	err = store.Delete(context.Background(), "a")
	assert.ErrorIs(t, err, tlErrors.ErrStore)
	_, ok := store.Cached("a")
	assert.True(t, ok)
}

func TestDelete_ProvisionalUnknownToBackend(t *testing.T) {
	fake := newFakePersistence()
	fake.deleteErr = tlErrors.NotFound("session t1")
	store := NewStore("alice", fake)
	_, err := store.UpsertFromDraft(context.Background(), helloDraft(t)[0])
	require.NoError(t, err)

	require.NoError(t, store.Delete(context.Background(), "t1"))
	assert.Empty(t, store.Snapshot())
}

func TestLoad_FailureLeavesCache(t *testing.T) {
	fake := newFakePersistence(Session{ThreadID: "a", Title: "cached"})
	store := NewStore("alice", fake)
	_, err := store.List(context.Background())
	require.NoError(t, err)

	fake.getErr = errors.New("connection reset by peer")
	_, err = store.Load(context.Background(), "a")
	require.Error(t, err)
	assert.ErrorIs(t, err, tlErrors.ErrStore)

	sess, ok := store.Cached("a")
	require.True(t, ok)
	assert.Equal(t, "cached", sess.Title)
}

func TestLoad_NotFoundKeepsCategory(t *testing.T) {
	store := NewStore("alice", newFakePersistence())
	_, err := store.Load(context.Background(), "missing")
	assert.ErrorIs(t, err, tlErrors.ErrNotFound)
	assert.NotErrorIs(t, err, tlErrors.ErrStore)
}

func TestListenersReceiveGroups(t *testing.T) {
	var got [][]Group
	store := NewStore("alice", newFakePersistence(),
		WithClock(fixedClock(at(15, 9, 0))),
		WithListener(func(g []Group) { got = append(got, g) }),
	)

	_, err := store.UpsertFromDraft(context.Background(), helloDraft(t)[0])
	require.NoError(t, err)

	require.Len(t, got, 1)
	require.Len(t, got[0], 1)
	assert.Equal(t, Today, got[0][0].Bucket)
}

func TestSnapshotIsACopy(t *testing.T) {
	store := NewStore("alice", newFakePersistence())
	_, err := store.UpsertFromDraft(context.Background(), helloDraft(t)[4])
	require.NoError(t, err)

	snap := store.Snapshot()
	snap[0].Turns[0].Answer = "mutated"

	sess, _ := store.Cached("t1")
	assert.Equal(t, "Hello", sess.Turns[0].Answer)
}

func TestDeriveTitle(t *testing.T) {
	assert.Equal(t, "short", DeriveTitle("short"))
	assert.Equal(t, "一二三四五六七八九十一二三四五六七八九十...", DeriveTitle("一二三四五六七八九十一二三四五六七八九十多余"))
}
