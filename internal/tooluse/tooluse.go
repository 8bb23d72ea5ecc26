// Package tooluse detects auxiliary tool invocations announced in streamed
// status text and owns the display labels of every known tool.
package tooluse

import (
	"slices"
	"strings"
)

// ID identifies a tool. Unknown server-declared names pass through unchanged.
type ID string

const (
	KnowledgeBase ID = "knowledge_base"
	WebSearch     ID = "web_search"
)

type toolInfo struct {
	label   string
	aliases []string
}

var known = map[ID]toolInfo{
	KnowledgeBase: {label: "🔍 知识库搜索"},
	WebSearch:     {label: "🌐 联网搜索", aliases: []string{"tavily_search"}},
}

// Marker maps a phrase found in status text to the tool it announces.
type Marker struct {
	Phrase string
	Tool   ID
}

// DefaultMarkers is the closed list of phrases the server uses in status lines.
var DefaultMarkers = []Marker{
	{Phrase: "知识库", Tool: KnowledgeBase},
	{Phrase: "knowledge base", Tool: KnowledgeBase},
	{Phrase: "联网", Tool: WebSearch},
	{Phrase: "web search", Tool: WebSearch},
}

// Normalize maps a server-declared tool name to its ID, folding aliases.
func Normalize(name string) ID {
	name = strings.TrimSpace(name)
	for id, info := range known {
		if string(id) == name || slices.Contains(info.aliases, name) {
			return id
		}
	}
	return ID(name)
}

// Label returns the display label of a tool. Unknown tools get a generic label.
func Label(id ID) string {
	if info, ok := known[id]; ok {
		return info.label
	}
	return "🛠️ " + string(id)
}

// Labels renders a set in stable order, joined the way status badges show it.
func Labels(s Set) string {
	ids := s.Sorted()
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, Label(id))
	}
	return strings.Join(out, " + ")
}

// Detector scans text for marker phrases. It is case-sensitive and stateless;
// a marker split across two separately scanned fragments is not found.
type Detector struct {
	markers []Marker
}

func NewDetector(markers []Marker) *Detector {
	if len(markers) == 0 {
		markers = DefaultMarkers
	}
	return &Detector{markers: slices.Clone(markers)}
}

// Detect returns the tools whose markers occur in text.
func (d *Detector) Detect(text string) Set {
	found := Set{}
	if text == "" {
		return found
	}
	for _, m := range d.markers {
		if strings.Contains(text, m.Phrase) {
			found[m.Tool] = struct{}{}
		}
	}
	return found
}
