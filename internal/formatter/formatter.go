// Package formatter renders session lists and session details for the CLI.
package formatter

import (
	"fmt"
	"strings"

	"github.com/harunnryd/threadline/internal/conversation"
	"github.com/harunnryd/threadline/internal/progress"
	"github.com/harunnryd/threadline/internal/session"
)

type OutputFormat string

const (
	OutputFormatTable OutputFormat = "table"
	OutputFormatJSON  OutputFormat = "json"
	OutputFormatYAML  OutputFormat = "yaml"
)

type SessionFormatter interface {
	FormatGroups([]session.Group) (string, error)
	FormatSession(Detail) (string, error)
}

// Detail is a session together with its computed progress.
type Detail struct {
	Session  session.Session    `json:"session" yaml:"session"`
	Progress *progress.Progress `json:"progress,omitempty" yaml:"progress,omitempty"`
}

// NewDetail attaches progress to interview sessions only.
func NewDetail(s session.Session, maxRounds int) Detail {
	d := Detail{Session: s}
	if s.Mode == conversation.ModeInterview {
		p := progress.Compute(s, maxRounds)
		d.Progress = &p
	}
	return d
}

// groupView is the serialized shape of a recency group.
type groupView struct {
	Bucket   string            `json:"bucket" yaml:"bucket"`
	Sessions []session.Session `json:"sessions" yaml:"sessions"`
}

func views(groups []session.Group) []groupView {
	out := make([]groupView, 0, len(groups))
	for _, g := range groups {
		out = append(out, groupView{Bucket: g.Bucket.String(), Sessions: g.Sessions})
	}
	return out
}

type FormatterFactory struct{}

func NewFormatterFactory() *FormatterFactory {
	return &FormatterFactory{}
}

func (f *FormatterFactory) Create(format OutputFormat) (SessionFormatter, error) {
	switch format {
	case OutputFormatTable:
		return NewTableFormatter(), nil
	case OutputFormatJSON:
		return NewJSONFormatter(), nil
	case OutputFormatYAML:
		return NewYAMLFormatter(), nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s (supported: table, json, yaml)", format)
	}
}

func ParseOutputFormat(s string) (OutputFormat, error) {
	format := OutputFormat(strings.ToLower(s))
	switch format {
	case OutputFormatTable, OutputFormatJSON, OutputFormatYAML:
		return format, nil
	default:
		return "", fmt.Errorf("invalid output format: %s (supported: table, json, yaml)", s)
	}
}
