package conversation

import (
	"context"
	"errors"
	"fmt"

	tlErrors "github.com/harunnryd/threadline/internal/errors"
	"github.com/harunnryd/threadline/internal/protocol"
	"github.com/harunnryd/threadline/internal/tooluse"
)

// DefaultMaxRounds is the interview length assumed when none is configured.
const DefaultMaxRounds = 3

// NotificationKind tells a presenter what changed.
type NotificationKind int

const (
	NotifyIgnored NotificationKind = iota
	NotifyThreadAssigned
	NotifyContent
	NotifyStatus
	NotifyDone
	NotifyFailed
	NotifyViolation
)

func (k NotificationKind) String() string {
	switch k {
	case NotifyThreadAssigned:
		return "thread_assigned"
	case NotifyContent:
		return "content"
	case NotifyStatus:
		return "status"
	case NotifyDone:
		return "done"
	case NotifyFailed:
		return "failed"
	case NotifyViolation:
		return "violation"
	default:
		return "ignored"
	}
}

// Notification describes the side effect of one applied event.
type Notification struct {
	Kind     NotificationKind
	ThreadID string

	// ToolLabels is set when the draft's tool set changed.
	ToolLabels string

	// Err carries the ProtocolError of a violation or the failure of a
	// failed draft.
	Err error
}

// Reducer applies events to drafts.
type Reducer struct {
	detector  *tooluse.Detector
	maxRounds int
}

func NewReducer(detector *tooluse.Detector, maxRounds int) *Reducer {
	if detector == nil {
		detector = tooluse.NewDetector(nil)
	}
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	return &Reducer{detector: detector, maxRounds: maxRounds}
}

// Apply folds evt into d. Events arriving after a terminal event are ignored.
func (r *Reducer) Apply(d Draft, evt protocol.Event) (Draft, Notification) {
	if d.Terminal {
		return d, Notification{Kind: NotifyIgnored, ThreadID: d.ThreadID}
	}

	switch e := evt.(type) {
	case protocol.ThreadAssigned:
		return r.assign(d, e)
	case protocol.Token:
		return r.token(d, e)
	case protocol.Status:
		return r.status(d, e)
	case protocol.Done:
		return r.done(d, e)
	case protocol.ErrorEvent:
		return r.fail(d, tlErrors.Application(e.Message), "❌ error: "+e.Message)
	default:
		return d, Notification{Kind: NotifyIgnored, ThreadID: d.ThreadID}
	}
}

// Abort terminates d because the stream could not be read to its end.
// It is the synthesized counterpart of a server Error event.
func (r *Reducer) Abort(d Draft, cause error) (Draft, Notification) {
	if d.Terminal {
		return d, Notification{Kind: NotifyIgnored, ThreadID: d.ThreadID}
	}
	return r.fail(d, cause, FailureText(cause))
}

func (r *Reducer) assign(d Draft, e protocol.ThreadAssigned) (Draft, Notification) {
	switch d.ThreadID {
	case "":
		d.ThreadID = e.ThreadID
		return d, Notification{Kind: NotifyThreadAssigned, ThreadID: d.ThreadID}
	case e.ThreadID:
		return d, Notification{Kind: NotifyIgnored, ThreadID: d.ThreadID}
	default:
		err := tlErrors.Protocol(fmt.Sprintf("thread id reassigned from %s to %s", d.ThreadID, e.ThreadID))
		return d, Notification{Kind: NotifyViolation, ThreadID: d.ThreadID, Err: err}
	}
}

func (r *Reducer) token(d Draft, e protocol.Token) (Draft, Notification) {
	n := Notification{Kind: NotifyContent, ThreadID: d.ThreadID}

	// a status line before the first token may already have named a tool
	if d.Tokens == 0 {
		if tools := d.Tools.Union(r.detector.Detect(d.Status)); tools.Len() > 0 {
			d.Tools = tools
			n.ToolLabels = tooluse.Labels(tools)
		}
	}

	d.Tokens++
	d.Text += e.Text
	return d, n
}

func (r *Reducer) status(d Draft, e protocol.Status) (Draft, Notification) {
	n := Notification{Kind: NotifyStatus, ThreadID: d.ThreadID}

	if tools := d.Tools.Union(r.detector.Detect(e.Text)); !tools.Equal(d.Tools) {
		d.Tools = tools
		n.ToolLabels = tooluse.Labels(tools)
	}

	if d.Text == "" {
		d.Status = e.Text
	}
	return d, n
}

func (r *Reducer) done(d Draft, e protocol.Done) (Draft, Notification) {
	d.Tools = tooluse.NewSet(e.ToolsUsed...).Union(d.Tools)
	d.Terminal = true
	d.Finished = r.finished(d.Mode, e)
	d.Done = &e

	return d, Notification{
		Kind:       NotifyDone,
		ThreadID:   d.ThreadID,
		ToolLabels: tooluse.Labels(d.Tools),
	}
}

func (r *Reducer) finished(mode Mode, e protocol.Done) bool {
	if e.Finished {
		return true
	}
	if mode != ModeInterview {
		return false
	}
	return e.Report != "" || e.Round >= r.maxRounds
}

func (r *Reducer) fail(d Draft, cause error, text string) (Draft, Notification) {
	d.Terminal = true
	d.Failed = true
	d.Failure = text
	return d, Notification{Kind: NotifyFailed, ThreadID: d.ThreadID, Err: cause}
}

// FailureText is the user-visible message shown in place of missing content.
func FailureText(err error) string {
	switch {
	case err == nil:
		return "❌ error: unknown"
	case errors.Is(err, context.DeadlineExceeded):
		return "❌ request timed out, please retry"
	case errors.Is(err, context.Canceled):
		return "❌ request aborted"
	default:
		return "❌ error: " + err.Error()
	}
}
