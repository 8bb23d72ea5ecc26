package presenter

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"charm.land/lipgloss/v2"

	"github.com/harunnryd/threadline/internal/conversation"
	"github.com/harunnryd/threadline/internal/session"
)

// Terminal streams drafts to a writer as plain incremental text: content
// is printed as it grows, status lines and tool badges on lines of their own.
type Terminal struct {
	out io.Writer

	mu      sync.Mutex
	printed map[string]int // stream id -> bytes of Text already written
	status  map[string]string
	lists   bool

	threadStyle lipgloss.Style
	statusStyle lipgloss.Style
	toolStyle   lipgloss.Style
	errorStyle  lipgloss.Style
	doneStyle   lipgloss.Style
	bucketStyle lipgloss.Style
	metaStyle   lipgloss.Style
}

type TerminalOption func(*Terminal)

// WithSessionLists makes the terminal print the grouped session list on
// every store change.
func WithSessionLists() TerminalOption {
	return func(t *Terminal) {
		t.lists = true
	}
}

func NewTerminal(out io.Writer, opts ...TerminalOption) *Terminal {
	purple := lipgloss.Color("99")
	gray := lipgloss.Color("245")

	t := &Terminal{
		out:         out,
		printed:     make(map[string]int),
		status:      make(map[string]string),
		threadStyle: lipgloss.NewStyle().Foreground(gray).Faint(true),
		statusStyle: lipgloss.NewStyle().Foreground(gray).Italic(true),
		toolStyle:   lipgloss.NewStyle().Foreground(purple),
		errorStyle:  lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		doneStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		bucketStyle: lipgloss.NewStyle().Foreground(purple).Bold(true),
		metaStyle:   lipgloss.NewStyle().Foreground(gray),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Terminal) DraftChanged(threadID string, d conversation.Draft, n conversation.Notification) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch n.Kind {
	case conversation.NotifyThreadAssigned:
		t.line(t.threadStyle.Render("thread " + threadID))

	case conversation.NotifyStatus:
		if d.Text == "" && d.Status != t.status[d.StreamID] {
			t.status[d.StreamID] = d.Status
			t.line(t.statusStyle.Render(d.Status))
		}
		if n.ToolLabels != "" && d.Text == "" {
			t.line(t.toolStyle.Render(n.ToolLabels))
		}

	case conversation.NotifyContent:
		if n.ToolLabels != "" && t.printed[d.StreamID] == 0 {
			t.line(t.toolStyle.Render(n.ToolLabels))
		}
		t.flushText(d)

	case conversation.NotifyDone:
		t.flushText(d)
		t.endText(d)
		if n.ToolLabels != "" {
			t.line(t.toolStyle.Render(n.ToolLabels))
		}
		if d.Finished {
			t.line(t.doneStyle.Render("✔ session finished"))
		}
		t.forget(d.StreamID)

	case conversation.NotifyFailed:
		t.flushText(d)
		t.endText(d)
		t.line(t.errorStyle.Render(d.Failure))
		t.forget(d.StreamID)

	case conversation.NotifyViolation:
		if n.Err != nil {
			t.line(t.errorStyle.Render("protocol: " + n.Err.Error()))
		}
	}
}

func (t *Terminal) SessionsChanged(groups []session.Group) {
	if !t.lists {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeGroups(groups)
}

// PrintSessions writes groups regardless of WithSessionLists.
func (t *Terminal) PrintSessions(groups []session.Group) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeGroups(groups)
}

// Print writes plain text, serialized with stream output.
func (t *Terminal) Print(a ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprint(t.out, a...)
}

// Println writes a plain line, serialized with stream output.
func (t *Terminal) Println(a ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintln(t.out, a...)
}

func (t *Terminal) writeGroups(groups []session.Group) {
	if len(groups) == 0 {
		t.line(t.metaStyle.Render("no sessions"))
		return
	}
	for _, g := range groups {
		t.line(t.bucketStyle.Render(g.Bucket.String()))
		for _, s := range g.Sessions {
			t.line(SessionLine(s, t.metaStyle))
		}
	}
}

// SessionLine renders one list entry: id, title, last activity and state.
func SessionLine(s session.Session, meta lipgloss.Style) string {
	title := s.Title
	if title == "" {
		title = "(untitled)"
	}
	var flags []string
	if s.IsFinished {
		flags = append(flags, "finished")
	}
	if s.Provisional {
		flags = append(flags, "pending")
	}
	when := ""
	if ts := s.LastActivity(); !ts.IsZero() {
		when = ts.Format("1/2 15:04")
	}

	line := fmt.Sprintf("  %s  %s  %s", s.ThreadID, title, meta.Render(when))
	if len(flags) > 0 {
		line += " " + meta.Render("["+strings.Join(flags, ", ")+"]")
	}
	return line
}

func (t *Terminal) flushText(d conversation.Draft) {
	done := t.printed[d.StreamID]
	if done >= len(d.Text) {
		return
	}
	fmt.Fprint(t.out, d.Text[done:])
	t.printed[d.StreamID] = len(d.Text)
}

func (t *Terminal) endText(d conversation.Draft) {
	if t.printed[d.StreamID] > 0 && !strings.HasSuffix(d.Text, "\n") {
		fmt.Fprintln(t.out)
	}
}

func (t *Terminal) forget(streamID string) {
	delete(t.printed, streamID)
	delete(t.status, streamID)
}

func (t *Terminal) line(s string) {
	fmt.Fprintln(t.out, s)
}
