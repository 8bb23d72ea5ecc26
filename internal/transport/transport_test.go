package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunnryd/threadline/internal/conversation"
	tlErrors "github.com/harunnryd/threadline/internal/errors"
)

var testPaths = Paths{Advisory: "/api/customer-service", Interview: "/api/interview/"}

func TestPathsEndpoint(t *testing.T) {
	assert.Equal(t, "/api/customer-service/chat", testPaths.Endpoint(conversation.ModeAdvisory))
	assert.Equal(t, "/api/interview/submit/stream", testPaths.Endpoint(conversation.ModeInterview))
}

func TestRequestBody(t *testing.T) {
	b, err := Request{Mode: conversation.ModeAdvisory, Input: "hi", User: "alice"}.Body()
	require.NoError(t, err)
	assert.JSONEq(t, `{"message":"hi","user_name":"alice"}`, string(b))

	b, err = Request{Mode: conversation.ModeInterview, ThreadID: "t1", Input: "answer"}.Body()
	require.NoError(t, err)
	assert.JSONEq(t, `{"thread_id":"t1","answer":"answer"}`, string(b))
}

func TestHTTPOpen_StreamsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/customer-service/chat", r.URL.Path)
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		assert.Equal(t, "alice", r.Header.Get(UserHeader))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "hi", body["message"])
		assert.Equal(t, "t1", body["thread_id"])

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, line := range []string{
			`data: {"type":"token","content":"a"}` + "\n",
			`data: {"type":"done","content":{"tools_used":[]}}` + "\n",
		} {
			_, _ = io.WriteString(w, line)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	tr := NewHTTP(srv.URL+"/", testPaths, time.Second)
	rc, err := tr.Open(context.Background(), Request{Mode: conversation.ModeAdvisory, ThreadID: "t1", Input: "hi", User: "alice"})
	require.NoError(t, err)
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(raw), "data: "))
}

func TestHTTPOpen_StatusErrors(t *testing.T) {
	tests := []struct {
		code int
		body string
		want error
		text string
	}{
		{code: http.StatusNotFound, body: `{"detail":"thread not found"}`, want: tlErrors.ErrNotFound, text: "thread not found"},
		{code: http.StatusBadRequest, body: `{"detail":"interview finished"}`, want: tlErrors.ErrApplication, text: "interview finished"},
		{code: http.StatusBadGateway, body: `<html>bad gateway</html>`, want: tlErrors.ErrTransport, text: "bad gateway"},
		{code: http.StatusInternalServerError, body: ``, want: tlErrors.ErrTransport, text: "Internal Server Error"},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			_, err := NewHTTP(srv.URL, testPaths, time.Second).Open(context.Background(), Request{Input: "x"})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Contains(t, err.Error(), tt.text)
		})
	}
}

func TestHTTPOpen_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewHTTP(url, testPaths, time.Second).Open(context.Background(), Request{Input: "x"})
	assert.ErrorIs(t, err, tlErrors.ErrTransport)
}

func TestHTTPOpen_CancelAbortsRead(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, `data: {"type":"token","content":"a"}`+"\n")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	rc, err := NewHTTP(srv.URL, testPaths, time.Second).Open(ctx, Request{Input: "x"})
	require.NoError(t, err)
	defer rc.Close()

	buf := make([]byte, 256)
	n, err := rc.Read(buf)
	require.NoError(t, err)
	assert.Positive(t, n)

	cancel()
	_, err = io.ReadAll(rc)
	assert.Error(t, err)
}

func newWSServer(t *testing.T, handle func(conn *websocket.Conn, env wsEnvelope)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "alice", r.Header.Get(UserHeader))
		conn, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()

		var env wsEnvelope
		if !assert.NoError(t, conn.ReadJSON(&env)) {
			return
		}
		handle(conn, env)
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketOpen_StreamsMessages(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn, env wsEnvelope) {
		assert.Equal(t, conversation.ModeInterview, env.Mode)
		assert.Equal(t, "t1", env.ThreadID)
		assert.Equal(t, "my answer", env.Answer)

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`data: {"type":"token","con`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`tent":"a"}`+"\n"))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	})
	defer srv.Close()

	tr := NewWebSocket(wsURL(srv), time.Second)
	rc, err := tr.Open(context.Background(), Request{Mode: conversation.ModeInterview, ThreadID: "t1", Input: "my answer", User: "alice"})
	require.NoError(t, err)
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, `data: {"type":"token","content":"a"}`+"\n", string(raw))
}

func TestWebSocketOpen_AbnormalCloseIsTransportError(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn, env wsEnvelope) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte("data: x\n"))
		_ = conn.UnderlyingConn().Close()
	})
	defer srv.Close()

	rc, err := NewWebSocket(wsURL(srv), time.Second).Open(context.Background(), Request{Input: "hi", User: "alice"})
	require.NoError(t, err)
	defer rc.Close()

	_, err = io.ReadAll(rc)
	assert.ErrorIs(t, err, tlErrors.ErrTransport)
}

func TestWebSocketOpen_CancelAborts(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn, env wsEnvelope) {
		_, _, _ = conn.ReadMessage()
	})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	rc, err := NewWebSocket(wsURL(srv), time.Second).Open(ctx, Request{Input: "hi", User: "alice"})
	require.NoError(t, err)
	defer rc.Close()

	_, err = io.ReadAll(rc)
	assert.ErrorIs(t, err, tlErrors.ErrTransport)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWebSocketOpen_DialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := NewWebSocket(wsURL(srv), time.Second).Open(context.Background(), Request{Input: "hi"})
	assert.ErrorIs(t, err, tlErrors.ErrNotFound)
}
