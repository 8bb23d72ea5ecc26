// Package protocol decodes the line-framed event stream emitted by the
// conversation backend into typed events.
package protocol

import "encoding/json"

// Kind is the wire value of an event's "type" field.
type Kind string

const (
	KindThreadID Kind = "thread_id"
	KindToken    Kind = "token"
	KindStatus   Kind = "status"
	KindDone     Kind = "done"
	KindError    Kind = "error"
	KindUnknown  Kind = "unknown"
)

// Event is one decoded frame. The concrete types below are the only implementations.
type Event interface {
	Kind() Kind
}

// ThreadAssigned carries the server-assigned thread id.
type ThreadAssigned struct {
	ThreadID string
}

// Token is a fragment of streamed content.
type Token struct {
	Text string
}

// Status is a transient progress line, e.g. "正在查询知识库...".
type Status struct {
	Text string
}

// Done terminates a stream successfully.
type Done struct {
	ToolsUsed    []string
	Round        int
	Report       string
	Finished     bool
	NextQuestion string
	Title        string
}

// ErrorEvent is a server-declared failure terminating the stream.
type ErrorEvent struct {
	Message string
}

// Unknown is any frame whose type is not recognized. It is logged and ignored.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (ThreadAssigned) Kind() Kind { return KindThreadID }
func (Token) Kind() Kind          { return KindToken }
func (Status) Kind() Kind         { return KindStatus }
func (Done) Kind() Kind           { return KindDone }
func (ErrorEvent) Kind() Kind     { return KindError }
func (Unknown) Kind() Kind        { return KindUnknown }

// IsTerminal reports whether e ends a stream.
func IsTerminal(e Event) bool {
	switch e.(type) {
	case Done, ErrorEvent:
		return true
	default:
		return false
	}
}
