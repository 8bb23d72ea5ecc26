package filestore

import (
	"time"

	"github.com/harunnryd/threadline/internal/conversation"
	"github.com/harunnryd/threadline/internal/session"
	"github.com/harunnryd/threadline/internal/tooluse"
)

// Index is sessions/index.json: everything about a session except its turns.
type Index struct {
	Sessions map[string]IndexEntry `json:"sessions"`
}

type IndexEntry struct {
	ThreadID   string            `json:"thread_id"`
	Title      string            `json:"title"`
	Mode       conversation.Mode `json:"mode"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
	IsFinished bool              `json:"is_finished"`
	ToolsUsed  tooluse.Set       `json:"tools_used,omitempty"`
	Round      int               `json:"round,omitempty"`
	Report     string            `json:"report,omitempty"`

	// Turns is how many turns the transcript holds.
	Turns int `json:"turns"`
}

// TurnRecord is one line of sessions/<thread>.jsonl. A later record with
// the same Index replaces an earlier one, which is how the trailing open
// turn gets its answer without rewriting the file.
type TurnRecord struct {
	ID        string       `json:"id"` // ULID
	Timestamp time.Time    `json:"ts"`
	Index     int          `json:"index"`
	Turn      session.Turn `json:"turn"`
}

func entryFrom(s session.Session) IndexEntry {
	return IndexEntry{
		ThreadID:   s.ThreadID,
		Title:      s.Title,
		Mode:       s.Mode,
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
		IsFinished: s.IsFinished,
		ToolsUsed:  s.ToolsUsed,
		Round:      s.Round,
		Report:     s.Report,
		Turns:      len(s.Turns),
	}
}

func (e IndexEntry) session() session.Session {
	return session.Session{
		ThreadID:   e.ThreadID,
		Title:      e.Title,
		Mode:       e.Mode,
		CreatedAt:  e.CreatedAt,
		UpdatedAt:  e.UpdatedAt,
		IsFinished: e.IsFinished,
		ToolsUsed:  e.ToolsUsed,
		Round:      e.Round,
		Report:     e.Report,
	}
}
