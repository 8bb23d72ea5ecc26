package formatter

import (
	"encoding/json"

	"github.com/harunnryd/threadline/internal/session"
)

type JSONFormatter struct{}

func NewJSONFormatter() *JSONFormatter {
	return &JSONFormatter{}
}

func (f *JSONFormatter) FormatGroups(groups []session.Group) (string, error) {
	data, err := json.MarshalIndent(views(groups), "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (f *JSONFormatter) FormatSession(d Detail) (string, error) {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
