package remote

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunnryd/threadline/internal/conversation"
	tlErrors "github.com/harunnryd/threadline/internal/errors"
	"github.com/harunnryd/threadline/internal/session"
	"github.com/harunnryd/threadline/internal/transport"
)

var paths = transport.Paths{Advisory: "/api/customer-service", Interview: "/api/interview"}

type backend struct {
	t       *testing.T
	deleted atomic.Int32
	mux     *http.ServeMux
}

func newBackend(t *testing.T) *backend {
	b := &backend{t: t, mux: http.NewServeMux()}

	b.json("GET /api/customer-service/records", `{"records":[
		{"thread_id":"c1","title":"Visa question","created_at":"2026-03-14 09:00:00","updated_at":"2026-03-15 10:30:00"}
	]}`)
	b.json("GET /api/interview/records", `{"records":[
		{"thread_id":"i1","created_at":"2026-03-15 08:00:00"}
	]}`)
	b.json("GET /api/customer-service/records/c1", `{
		"thread_id":"c1","title":"Visa question",
		"messages":[
			{"role":"human","content":"How long does it take?"},
			{"role":"ai","content":"About two weeks.","tools_used":["knowledge_base"]},
			{"role":"ai","content":"Sometimes longer.","tools_used":["tavily_search"]},
			{"role":"human","content":"   "},
			{"role":"human","content":"Thanks"}
		],
		"created_at":"2026-03-14 09:00:00","updated_at":"2026-03-15T10:30:00+08:00"
	}`)
	b.json("GET /api/interview/records/i1", `{
		"thread_id":"i1",
		"history":[
			{"question":"Introduce yourself","answer":"I write Go","feedback":"Clear."},
			{"question":"Why Go?"}
		],
		"report":null,
		"created_at":"2026-03-15 08:00:00"
	}`)
	b.json("GET /api/interview/records/done", `{
		"thread_id":"done",
		"history":[{"question":"q","answer":"a","feedback":"f"}],
		"report":"Strong candidate",
		"created_at":"2026-03-01 08:00:00"
	}`)
	b.mux.HandleFunc("GET /api/customer-service/records/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"detail":"记录不存在"}`)
	})
	b.mux.HandleFunc("DELETE /api/customer-service/records/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "c1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		b.deleted.Add(1)
		_, _ = io.WriteString(w, `{"message":"删除成功","thread_id":"c1"}`)
	})
	b.mux.HandleFunc("GET /api/interview/records/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"detail":"记录不存在"}`)
	})
	b.mux.HandleFunc("DELETE /api/interview/records/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"detail":"db locked"}`)
	})
	return b
}

func (b *backend) json(pattern, body string) {
	b.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(b.t, "alice", r.Header.Get(transport.UserHeader))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	})
}

func (b *backend) start() *httptest.Server {
	srv := httptest.NewServer(b.mux)
	b.t.Cleanup(srv.Close)
	return srv
}

func TestList_MergesModes(t *testing.T) {
	srv := newBackend(t).start()
	c := New(srv.URL, paths, time.Second)

	got, err := c.List(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "c1", got[0].ThreadID)
	assert.Equal(t, conversation.ModeAdvisory, got[0].Mode)
	assert.Equal(t, "Visa question", got[0].Title)
	assert.True(t, time.Date(2026, time.March, 15, 10, 30, 0, 0, time.Local).Equal(got[0].UpdatedAt))

	assert.Equal(t, "i1", got[1].ThreadID)
	assert.Equal(t, conversation.ModeInterview, got[1].Mode)
	assert.True(t, got[1].UpdatedAt.IsZero())
}

func TestList_OneModeDown(t *testing.T) {
	b := newBackend(t)
	mux := http.NewServeMux()
	mux.HandleFunc("/api/interview/records", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	mux.Handle("/", b.mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	got, err := New(srv.URL, paths, time.Second).List(context.Background(), "alice")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestList_AllDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := New(srv.URL, paths, time.Second).List(context.Background(), "alice")
	assert.ErrorIs(t, err, tlErrors.ErrStore)
}

func TestGet_AdvisoryPairsMessages(t *testing.T) {
	srv := newBackend(t).start()
	c := New(srv.URL, paths, time.Second)

	s, err := c.Get(context.Background(), "alice", "c1")
	require.NoError(t, err)

	require.Len(t, s.Turns, 2)
	assert.Equal(t, "How long does it take?", s.Turns[0].Question)
	assert.Equal(t, "About two weeks.\n\nSometimes longer.", s.Turns[0].Answer)
	assert.Equal(t, []string{"knowledge_base", "web_search"}, s.Turns[0].ToolsUsed.Strings())
	assert.True(t, s.Turns[1].Open())
	assert.Equal(t, []string{"knowledge_base", "web_search"}, s.ToolsUsed.Strings())
	assert.False(t, s.IsFinished)
}

func TestGet_InterviewFallsBackToSecondMode(t *testing.T) {
	srv := newBackend(t).start()
	c := New(srv.URL, paths, time.Second)

	s, err := c.Get(context.Background(), "alice", "i1")
	require.NoError(t, err)

	assert.Equal(t, conversation.ModeInterview, s.Mode)
	require.Len(t, s.Turns, 2)
	assert.Equal(t, "Clear.", s.Turns[0].Feedback)
	q, ok := s.OpenQuestion()
	assert.True(t, ok)
	assert.Equal(t, "Why Go?", q)
	assert.Equal(t, 1, s.Round)
	assert.False(t, s.IsFinished)
}

func TestGet_ReportMeansFinished(t *testing.T) {
	srv := newBackend(t).start()
	s, err := New(srv.URL, paths, time.Second).Get(context.Background(), "alice", "done")
	require.NoError(t, err)
	assert.True(t, s.IsFinished)
	assert.Equal(t, "Strong candidate", s.Report)
}

func TestGet_NotFound(t *testing.T) {
	srv := newBackend(t).start()
	_, err := New(srv.URL, paths, time.Second).Get(context.Background(), "alice", "nope")
	assert.ErrorIs(t, err, tlErrors.ErrNotFound)
}

func TestDelete(t *testing.T) {
	b := newBackend(t)
	srv := b.start()
	c := New(srv.URL, paths, time.Second)

	_, err := c.List(context.Background(), "alice")
	require.NoError(t, err)
	require.NoError(t, c.Delete(context.Background(), "alice", "c1"))
	assert.Equal(t, int32(1), b.deleted.Load())

	err = c.Delete(context.Background(), "alice", "i1")
	assert.ErrorIs(t, err, tlErrors.ErrStore)
	assert.Contains(t, err.Error(), "db locked")
}

func TestStoreOverRemote(t *testing.T) {
	srv := newBackend(t).start()
	store := session.NewStore("alice", New(srv.URL, paths, time.Second))

	list, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)

	loaded, err := store.Load(context.Background(), "c1")
	require.NoError(t, err)
	assert.Len(t, loaded.Turns, 2)
	assert.Equal(t, "Visa question", loaded.Title)
}

func TestParseTime(t *testing.T) {
	want := time.Date(2026, 3, 15, 10, 30, 0, 0, time.Local)
	assert.True(t, want.Equal(parseTime("2026-03-15 10:30:00")))
	assert.True(t, want.Equal(parseTime("2026-03-15T10:30:00")))
	assert.True(t, parseTime("2026-03-15T10:30:00Z").Equal(time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)))
	assert.True(t, parseTime("").IsZero())
	assert.True(t, parseTime("yesterday").IsZero())
}
