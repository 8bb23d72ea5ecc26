package formatter

import (
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/harunnryd/threadline/internal/session"
)

type YAMLFormatter struct{}

func NewYAMLFormatter() *YAMLFormatter {
	return &YAMLFormatter{}
}

func (f *YAMLFormatter) FormatGroups(groups []session.Group) (string, error) {
	data, err := yaml.Marshal(views(groups))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (f *YAMLFormatter) FormatSession(d Detail) (string, error) {
	data, err := yaml.Marshal(d)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
