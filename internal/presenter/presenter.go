// Package presenter receives the engine's state-change notifications.
package presenter

import (
	"github.com/harunnryd/threadline/internal/conversation"
	"github.com/harunnryd/threadline/internal/session"
)

// Presenter renders state changes. Calls may arrive from several streams
// at once; implementations must be safe for concurrent use.
type Presenter interface {
	// DraftChanged is called after every applied event with the draft as it
	// now stands. threadID is empty until the server assigns one.
	DraftChanged(threadID string, draft conversation.Draft, n conversation.Notification)

	// SessionsChanged is called after every session store mutation.
	SessionsChanged(groups []session.Group)
}

// Null discards every notification.
type Null struct{}

func NewNull() *Null {
	return &Null{}
}

func (Null) DraftChanged(string, conversation.Draft, conversation.Notification) {}

func (Null) SessionsChanged([]session.Group) {}

// Multi fans notifications out to several presenters in order.
type Multi []Presenter

func (m Multi) DraftChanged(threadID string, d conversation.Draft, n conversation.Notification) {
	for _, p := range m {
		p.DraftChanged(threadID, d, n)
	}
}

func (m Multi) SessionsChanged(groups []session.Group) {
	for _, p := range m {
		p.SessionsChanged(groups)
	}
}
