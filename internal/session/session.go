// Package session holds the user's conversation threads and keeps them in
// step with the persistence backend.
package session

import (
	"context"
	"slices"
	"time"

	"github.com/harunnryd/threadline/internal/conversation"
	"github.com/harunnryd/threadline/internal/tooluse"
)

// Turn is one question/answer/feedback exchange. Empty strings are unset.
type Turn struct {
	Question  string      `json:"question,omitempty" yaml:"question,omitempty"`
	Answer    string      `json:"answer,omitempty" yaml:"answer,omitempty"`
	Feedback  string      `json:"feedback,omitempty" yaml:"feedback,omitempty"`
	ToolsUsed tooluse.Set `json:"tools_used,omitempty" yaml:"tools_used,omitempty"`
}

// Open reports whether the turn holds a question still awaiting its answer.
func (t Turn) Open() bool {
	return t.Question != "" && t.Answer == ""
}

// Session is one persisted conversation thread.
type Session struct {
	ThreadID   string            `json:"thread_id" yaml:"thread_id"`
	Title      string            `json:"title" yaml:"title"`
	Mode       conversation.Mode `json:"mode" yaml:"mode"`
	CreatedAt  time.Time         `json:"created_at" yaml:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at" yaml:"updated_at"`
	Turns      []Turn            `json:"turns,omitempty" yaml:"turns,omitempty"`
	IsFinished bool              `json:"is_finished" yaml:"is_finished"`
	ToolsUsed  tooluse.Set       `json:"tools_used,omitempty" yaml:"tools_used,omitempty"`
	Round      int               `json:"round,omitempty" yaml:"round,omitempty"`
	Report     string            `json:"report,omitempty" yaml:"report,omitempty"`

	// Provisional is true between the thread being assigned and its first
	// committed turn.
	Provisional bool `json:"provisional,omitempty" yaml:"provisional,omitempty"`
}

// LastActivity is UpdatedAt, falling back to CreatedAt.
func (s Session) LastActivity() time.Time {
	if !s.UpdatedAt.IsZero() {
		return s.UpdatedAt
	}
	return s.CreatedAt
}

// Resumable reports whether the trailing turn awaits an answer.
func (s Session) Resumable() bool {
	return !s.IsFinished && len(s.Turns) > 0 && s.Turns[len(s.Turns)-1].Open()
}

// OpenQuestion returns the question of the trailing open turn.
func (s Session) OpenQuestion() (string, bool) {
	if len(s.Turns) == 0 || !s.Turns[len(s.Turns)-1].Open() {
		return "", false
	}
	return s.Turns[len(s.Turns)-1].Question, true
}

// Clone returns a deep copy safe to hand to readers.
func (s Session) Clone() Session {
	out := s
	out.Turns = make([]Turn, len(s.Turns))
	for i, t := range s.Turns {
		t.ToolsUsed = cloneSet(t.ToolsUsed)
		out.Turns[i] = t
	}
	if s.Turns == nil {
		out.Turns = nil
	}
	out.ToolsUsed = cloneSet(s.ToolsUsed)
	return out
}

func cloneSet(s tooluse.Set) tooluse.Set {
	if s == nil {
		return nil
	}
	return s.Union()
}

// Persistence is the record surface behind a Store. List returns summaries
// whose Turns may be empty; Get returns the full history.
type Persistence interface {
	List(ctx context.Context, user string) ([]Session, error)
	Get(ctx context.Context, user, threadID string) (Session, error)
	Delete(ctx context.Context, user, threadID string) error
}

// Writer is implemented by backends that store sessions on the client side.
// Remote backends own their writes and do not implement it.
type Writer interface {
	Save(ctx context.Context, user string, s Session) error
}

// SortByActivity orders sessions most recently active first, keeping the
// relative order of ties.
func SortByActivity(sessions []Session) {
	slices.SortStableFunc(sessions, func(a, b Session) int {
		return b.LastActivity().Compare(a.LastActivity())
	})
}

const titleRunes = 20

// DeriveTitle shortens the first user input into a list title.
func DeriveTitle(input string) string {
	r := []rune(input)
	if len(r) <= titleRunes {
		return input
	}
	return string(r[:titleRunes]) + "..."
}
