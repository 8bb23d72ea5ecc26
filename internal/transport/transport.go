// Package transport opens the byte streams a conversation is read from.
package transport

import (
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/harunnryd/threadline/internal/conversation"
)

// UserHeader carries the identity every backend call is scoped by.
const UserHeader = "X-User-Name"

// Request is one user send.
type Request struct {
	Mode     conversation.Mode
	ThreadID string
	Input    string
	User     string
}

// Transport opens a response stream for a request. Cancelling ctx aborts
// the stream: pending and later reads fail.
type Transport interface {
	Open(ctx context.Context, req Request) (io.ReadCloser, error)
}

// Paths locates the streaming endpoints under a base URL.
type Paths struct {
	Advisory  string
	Interview string
}

// Endpoint returns the streaming path for mode.
func (p Paths) Endpoint(mode conversation.Mode) string {
	if mode == conversation.ModeInterview {
		return strings.TrimRight(p.Interview, "/") + "/submit/stream"
	}
	return strings.TrimRight(p.Advisory, "/") + "/chat"
}

type advisoryBody struct {
	Message  string `json:"message"`
	ThreadID string `json:"thread_id,omitempty"`
	UserName string `json:"user_name,omitempty"`
}

type interviewBody struct {
	ThreadID string `json:"thread_id"`
	Answer   string `json:"answer"`
	UserName string `json:"user_name,omitempty"`
}

// Body encodes the request the way the backend expects for its mode.
func (r Request) Body() ([]byte, error) {
	if r.Mode == conversation.ModeInterview {
		return json.Marshal(interviewBody{ThreadID: r.ThreadID, Answer: r.Input, UserName: r.User})
	}
	return json.Marshal(advisoryBody{Message: r.Input, ThreadID: r.ThreadID, UserName: r.User})
}
