package formatter

import (
	"fmt"
	"strings"

	"charm.land/lipgloss/v2"
	"charm.land/lipgloss/v2/table"

	"github.com/harunnryd/threadline/internal/session"
	"github.com/harunnryd/threadline/internal/tooluse"
)

const timeLayout = "2006-01-02 15:04"

type TableFormatter struct {
	headerStyle  lipgloss.Style
	cellStyle    lipgloss.Style
	oddRowStyle  lipgloss.Style
	evenRowStyle lipgloss.Style
	borderStyle  lipgloss.Style
}

func NewTableFormatter() *TableFormatter {
	purple := lipgloss.Color("99")
	gray := lipgloss.Color("245")
	lightGray := lipgloss.Color("241")

	return &TableFormatter{
		headerStyle: lipgloss.NewStyle().
			Foreground(purple).
			Bold(true).
			Align(lipgloss.Center).
			Padding(0, 1),
		cellStyle: lipgloss.NewStyle().
			Padding(0, 1),
		oddRowStyle: lipgloss.NewStyle().
			Foreground(gray).
			Padding(0, 1),
		evenRowStyle: lipgloss.NewStyle().
			Foreground(lightGray).
			Padding(0, 1),
		borderStyle: lipgloss.NewStyle().
			Foreground(purple),
	}
}

func (f *TableFormatter) FormatGroups(groups []session.Group) (string, error) {
	if len(groups) == 0 {
		return "No sessions found", nil
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(f.borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return f.headerStyle
			case row%2 == 0:
				return f.evenRowStyle
			default:
				return f.oddRowStyle
			}
		}).
		Headers("When", "Thread", "Title", "Mode", "Turns", "State")

	for _, g := range groups {
		for _, s := range g.Sessions {
			t.Row(
				g.Bucket.String(),
				s.ThreadID,
				truncateString(s.Title, 24),
				string(s.Mode),
				fmt.Sprint(len(s.Turns)),
				state(s),
			)
		}
	}

	return t.String(), nil
}

func (f *TableFormatter) FormatSession(d Detail) (string, error) {
	s := d.Session

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(f.borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return f.headerStyle
			}
			return f.cellStyle
		})

	t.Row("Thread", s.ThreadID)
	t.Row("Title", s.Title)
	t.Row("Mode", string(s.Mode))
	t.Row("State", state(s))
	if !s.CreatedAt.IsZero() {
		t.Row("Created", s.CreatedAt.Format(timeLayout))
	}
	if ts := s.LastActivity(); !ts.IsZero() {
		t.Row("Updated", ts.Format(timeLayout))
	}
	if labels := tooluse.Labels(s.ToolsUsed); labels != "" {
		t.Row("Tools", labels)
	}
	if p := d.Progress; p != nil {
		t.Row("Progress", fmt.Sprintf("%s  %d%%  %s", p.Label, p.Percent, p.Detail))
	}

	var b strings.Builder
	b.WriteString(t.String())

	if len(s.Turns) > 0 {
		turns := table.New().
			Border(lipgloss.NormalBorder()).
			BorderStyle(f.borderStyle).
			StyleFunc(func(row, col int) lipgloss.Style {
				if row == table.HeaderRow {
					return f.headerStyle
				}
				return f.cellStyle
			}).
			Headers("#", "Question", "Answer", "Feedback")
		for i, turn := range s.Turns {
			turns.Row(
				fmt.Sprint(i+1),
				truncateString(turn.Question, 40),
				truncateString(turn.Answer, 40),
				truncateString(turn.Feedback, 40),
			)
		}
		b.WriteString("\n")
		b.WriteString(turns.String())
	}

	if s.Report != "" {
		b.WriteString("\n\n")
		b.WriteString(s.Report)
	}

	return b.String(), nil
}

func state(s session.Session) string {
	switch {
	case s.Provisional:
		return "pending"
	case s.IsFinished:
		return "finished"
	case s.Resumable():
		return "awaiting answer"
	default:
		return "open"
	}
}

// truncateString cuts at rune boundaries and flattens newlines.
func truncateString(s string, maxLen int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
