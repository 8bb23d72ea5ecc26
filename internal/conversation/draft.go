// Package conversation folds decoded stream events into the draft of the
// response currently being streamed.
package conversation

import (
	"fmt"

	"github.com/oklog/ulid/v2"

	"github.com/harunnryd/threadline/internal/protocol"
	"github.com/harunnryd/threadline/internal/tooluse"
)

// Mode selects how a finished draft is committed to its session.
type Mode string

const (
	// ModeAdvisory commits the user's message as the question and the
	// streamed text as the answer.
	ModeAdvisory Mode = "advisory"

	// ModeInterview commits the user's input as the answer to the open
	// question and the streamed text as its feedback.
	ModeInterview Mode = "interview"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeAdvisory, "":
		return ModeAdvisory, nil
	case ModeInterview:
		return ModeInterview, nil
	default:
		return "", fmt.Errorf("unknown conversation mode %q", s)
	}
}

// Draft accumulates one streamed response. It is a value: Apply returns a
// new Draft and never mutates the one passed in.
type Draft struct {
	StreamID string
	Mode     Mode
	ThreadID string

	// Input is what the user sent to open the stream.
	Input string

	Text   string
	Tokens int
	Status string
	Tools  tooluse.Set

	Terminal bool
	Failed   bool
	Failure  string
	Finished bool

	// Done is set once the terminal Done event has been applied.
	Done *protocol.Done
}

// NewDraft starts a draft for a send on threadID, which is empty for a new
// conversation.
func NewDraft(mode Mode, threadID, input string) Draft {
	return Draft{
		StreamID: ulid.Make().String(),
		Mode:     mode,
		ThreadID: threadID,
		Input:    input,
		Tools:    tooluse.Set{},
	}
}

// Committable reports whether the draft ended with Done and may be written
// into its session.
func (d Draft) Committable() bool {
	return d.Terminal && !d.Failed && d.Done != nil && d.ThreadID != ""
}

// Display is the text a presenter should show for the draft: the failure
// message once failed, else content, else the transient status.
func (d Draft) Display() string {
	switch {
	case d.Failed && d.Text != "":
		return d.Text + "\n\n" + d.Failure
	case d.Failed:
		return d.Failure
	case d.Text != "":
		return d.Text
	default:
		return d.Status
	}
}
