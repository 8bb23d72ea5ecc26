package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/threadline/internal/concurrency"
	"github.com/harunnryd/threadline/internal/conversation"
	tlErrors "github.com/harunnryd/threadline/internal/errors"
)

// WebSocket opens one connection per send. The request goes out as a JSON
// message and every message received after it is one stream chunk. The
// server ends the stream with a normal close.
type WebSocket struct {
	url    string
	dialer *websocket.Dialer
	mapper tlErrors.ErrorMapper
}

type wsEnvelope struct {
	Mode     conversation.Mode `json:"mode"`
	ThreadID string            `json:"thread_id,omitempty"`
	Message  string            `json:"message,omitempty"`
	Answer   string            `json:"answer,omitempty"`
	UserName string            `json:"user_name,omitempty"`
}

func NewWebSocket(url string, handshakeTimeout time.Duration) *WebSocket {
	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultHeaderTimeout
	}
	return &WebSocket{
		url: url,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		mapper: tlErrors.NewDefaultErrorMapper(),
	}
}

func (t *WebSocket) Open(ctx context.Context, req Request) (io.ReadCloser, error) {
	header := http.Header{}
	if req.User != "" {
		header.Set(UserHeader, req.User)
	}

	conn, resp, err := t.dialer.DialContext(ctx, t.url, header)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, StatusError(resp.StatusCode, nil)
		}
		return nil, t.mapper.MapError(err)
	}

	env := wsEnvelope{Mode: req.Mode, ThreadID: req.ThreadID, UserName: req.User}
	if req.Mode == conversation.ModeInterview {
		env.Answer = req.Input
	} else {
		env.Message = req.Input
	}
	if err := conn.WriteJSON(env); err != nil {
		conn.Close()
		return nil, t.mapper.MapError(err)
	}

	pr, pw := io.Pipe()
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})

	concurrency.SafeGo("websocket reader", func() {
		defer stop()
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				pw.CloseWithError(t.readError(ctx, err))
				return
			}
			if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
				continue
			}
			if _, err := pw.Write(data); err != nil {
				return
			}
		}
	}, func(err error) {
		pw.CloseWithError(err)
	})

	return &wsStream{PipeReader: pr, conn: conn}, nil
}

// readError maps the error ending the read loop. A normal close is EOF.
func (t *WebSocket) readError(ctx context.Context, err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return io.EOF
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("stream aborted: %w: %w", ctxErr, tlErrors.ErrTransport)
	}
	return t.mapper.MapError(err)
}

type wsStream struct {
	*io.PipeReader
	conn *websocket.Conn
}

func (s *wsStream) Close() error {
	s.conn.Close()
	return s.PipeReader.Close()
}
