package remote

import (
	"strings"
	"time"

	"github.com/harunnryd/threadline/internal/conversation"
	"github.com/harunnryd/threadline/internal/session"
	"github.com/harunnryd/threadline/internal/tooluse"
)

type recordList struct {
	Records []recordSummary `json:"records"`
}

type recordSummary struct {
	ThreadID   string `json:"thread_id"`
	Title      string `json:"title"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
	IsFinished bool   `json:"is_finished"`
}

type interviewDetail struct {
	ThreadID        string         `json:"thread_id"`
	History         []historyEntry `json:"history"`
	Report          string         `json:"report"`
	IsFinished      bool           `json:"is_finished"`
	CurrentQuestion string         `json:"current_question"`
	Round           int            `json:"round"`
	CreatedAt       string         `json:"created_at"`
	UpdatedAt       string         `json:"updated_at"`
}

type historyEntry struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
	Feedback string `json:"feedback"`
}

type advisoryDetail struct {
	ThreadID  string    `json:"thread_id"`
	Title     string    `json:"title"`
	Messages  []message `json:"messages"`
	CreatedAt string    `json:"created_at"`
	UpdatedAt string    `json:"updated_at"`
}

type message struct {
	Role      string   `json:"role"`
	Content   string   `json:"content"`
	ToolsUsed []string `json:"tools_used"`
}

var timeLayouts = []string{
	time.DateTime,
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
}

// parseTime reads the backend's timestamps. Zone-less values are local time.
func parseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t
		}
	}
	return time.Time{}
}

func (r recordSummary) toSession(mode conversation.Mode) session.Session {
	return session.Session{
		ThreadID:   r.ThreadID,
		Title:      r.Title,
		Mode:       mode,
		CreatedAt:  parseTime(r.CreatedAt),
		UpdatedAt:  parseTime(r.UpdatedAt),
		IsFinished: r.IsFinished,
	}
}

func (d interviewDetail) toSession() session.Session {
	s := session.Session{
		ThreadID:   d.ThreadID,
		Mode:       conversation.ModeInterview,
		CreatedAt:  parseTime(d.CreatedAt),
		UpdatedAt:  parseTime(d.UpdatedAt),
		Report:     d.Report,
		IsFinished: d.IsFinished || d.Report != "",
		Round:      d.Round,
	}

	for _, h := range d.History {
		if h.Question == "" && h.Answer == "" && h.Feedback == "" {
			continue
		}
		s.Turns = append(s.Turns, session.Turn{Question: h.Question, Answer: h.Answer, Feedback: h.Feedback})
	}

	if q := d.CurrentQuestion; q != "" && !s.IsFinished {
		if open, ok := s.OpenQuestion(); !ok || open != q {
			s.Turns = append(s.Turns, session.Turn{Question: q})
		}
	}

	if s.Round == 0 {
		s.Round = closedTurns(s.Turns)
	}
	return s
}

// toSession pairs human messages with the replies that follow them. A reply
// with no preceding question extends the previous answer; one before any
// question is dropped.
func (d advisoryDetail) toSession() session.Session {
	s := session.Session{
		ThreadID:  d.ThreadID,
		Title:     d.Title,
		Mode:      conversation.ModeAdvisory,
		CreatedAt: parseTime(d.CreatedAt),
		UpdatedAt: parseTime(d.UpdatedAt),
		ToolsUsed: tooluse.Set{},
	}

	for _, m := range d.Messages {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}

		switch strings.ToLower(m.Role) {
		case "human", "user":
			s.Turns = append(s.Turns, session.Turn{Question: m.Content})
		default:
			if len(s.Turns) == 0 {
				continue
			}
			last := &s.Turns[len(s.Turns)-1]
			if last.Answer == "" {
				last.Answer = m.Content
			} else {
				last.Answer += "\n\n" + m.Content
			}
			tools := tooluse.NewSet(m.ToolsUsed...)
			last.ToolsUsed = tools.Union(last.ToolsUsed)
			s.ToolsUsed = s.ToolsUsed.Union(tools)
		}
	}

	if s.Title == "" && len(s.Turns) > 0 {
		s.Title = session.DeriveTitle(s.Turns[0].Question)
	}
	return s
}

func closedTurns(turns []session.Turn) int {
	n := 0
	for _, t := range turns {
		if !t.Open() {
			n++
		}
	}
	return n
}
