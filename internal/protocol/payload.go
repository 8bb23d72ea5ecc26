package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	tlErrors "github.com/harunnryd/threadline/internal/errors"
)

type framePayload struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`

	// legacy top-level fields
	ToolsUsed  []string        `json:"tools_used"`
	Round      json.RawMessage `json:"round"`
	Report     string          `json:"report"`
	IsFinished bool            `json:"is_finished"`
	Error      json.RawMessage `json:"error"`
}

type donePayload struct {
	ToolsUsed  []string        `json:"tools_used"`
	Round      json.RawMessage `json:"round"`
	Report     string          `json:"report"`
	IsFinished bool            `json:"is_finished"`
	Question   string          `json:"question"`
	Title      string          `json:"title"`
}

// ParsePayload decodes the JSON text after the frame prefix.
func ParsePayload(data []byte) (Event, error) {
	var p framePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode frame payload: %v: %w", err, tlErrors.ErrProtocol)
	}

	switch Kind(p.Type) {
	case KindThreadID:
		id, err := contentString(p.Content)
		if err != nil {
			return nil, err
		}
		if id == "" {
			return nil, tlErrors.Protocol("thread_id frame without id")
		}
		return ThreadAssigned{ThreadID: id}, nil

	case KindToken:
		text, err := contentString(p.Content)
		if err != nil {
			return nil, err
		}
		return Token{Text: text}, nil

	case KindStatus:
		text, err := contentString(p.Content)
		if err != nil {
			return nil, err
		}
		return Status{Text: text}, nil

	case KindDone:
		return parseDone(p)

	case KindError:
		msg, err := contentString(p.Content)
		if err != nil {
			return nil, err
		}
		if msg == "" {
			msg = errorText(p.Error)
		}
		return ErrorEvent{Message: msg}, nil

	case "":
		if len(p.Error) > 0 && !isNull(p.Error) {
			return ErrorEvent{Message: errorText(p.Error)}, nil
		}
		return nil, tlErrors.Protocol("frame without type")

	default:
		return Unknown{Type: p.Type, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}

func parseDone(p framePayload) (Event, error) {
	var d donePayload
	if len(p.Content) > 0 && !isNull(p.Content) && bytes.HasPrefix(bytes.TrimSpace(p.Content), []byte("{")) {
		if err := json.Unmarshal(p.Content, &d); err != nil {
			return nil, fmt.Errorf("decode done content: %v: %w", err, tlErrors.ErrProtocol)
		}
	} else {
		d = donePayload{
			ToolsUsed:  p.ToolsUsed,
			Round:      p.Round,
			Report:     p.Report,
			IsFinished: p.IsFinished,
		}
	}

	round, err := parseRound(d.Round)
	if err != nil {
		return nil, err
	}

	return Done{
		ToolsUsed:    d.ToolsUsed,
		Round:        round,
		Report:       d.Report,
		Finished:     d.IsFinished,
		NextQuestion: d.Question,
		Title:        d.Title,
	}, nil
}

// parseRound accepts a number or a numeric string.
func parseRound(raw json.RawMessage) (int, error) {
	if len(raw) == 0 || isNull(raw) {
		return 0, nil
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if n, err := strconv.Atoi(s); err == nil {
			return n, nil
		}
	}
	return 0, tlErrors.Protocol(fmt.Sprintf("invalid round %s", string(raw)))
}

func contentString(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || isNull(raw) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("content is not a string: %w", tlErrors.ErrProtocol)
	}
	return s, nil
}

// errorText reads {"error": "msg"} or {"error": {"message": "msg"}}.
func errorText(raw json.RawMessage) string {
	if len(raw) == 0 || isNull(raw) {
		return "unknown error"
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(raw)
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
