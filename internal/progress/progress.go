// Package progress estimates how far an interview session has advanced.
package progress

import (
	"fmt"
	"math"

	"github.com/harunnryd/threadline/internal/session"
)

const (
	// DefaultMaxRounds is used when the caller passes a non-positive limit.
	DefaultMaxRounds = 3

	inProgressCredit = 10
	unfinishedCap    = 95
)

// Progress is the display state of a session's round counter.
type Progress struct {
	CurrentRound int    `json:"current_round" yaml:"current_round"`
	MaxRounds    int    `json:"max_rounds" yaml:"max_rounds"`
	Percent      int    `json:"percent" yaml:"percent"`
	Label        string `json:"label" yaml:"label"`
	Detail       string `json:"detail" yaml:"detail"`
	Finished     bool   `json:"finished" yaml:"finished"`
}

// Compute derives progress from the turn history. Unfinished sessions get a
// flat in-progress credit and never reach 100 before the server finishes them.
func Compute(s session.Session, maxRounds int) Progress {
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}

	round := CurrentRound(s)
	p := Progress{
		CurrentRound: round,
		MaxRounds:    maxRounds,
		Label:        fmt.Sprintf("R%d", round),
		Detail:       fmt.Sprintf("第 %d / %d 轮", round, maxRounds),
		Finished:     s.IsFinished,
	}

	if s.IsFinished {
		p.Percent = 100
		p.Label = "Done"
		p.Detail = "面试已完成"
		return p
	}

	p.Percent = Percent(round-1, maxRounds)
	return p
}

// CurrentRound is the number of turns when the trailing turn is still open,
// otherwise one past it.
func CurrentRound(s session.Session) int {
	n := len(s.Turns)
	if n > 0 && s.Turns[n-1].Open() {
		return n
	}
	return n + 1
}

// Percent is min(round(completed/max*100)+10, 95).
func Percent(completed, maxRounds int) int {
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	if completed < 0 {
		completed = 0
	}
	raw := int(math.Round(float64(completed)/float64(maxRounds)*100)) + inProgressCredit
	return min(raw, unfinishedCap)
}
