// Package remote reads and deletes sessions through the backend's records
// API. The backend owns every write, so there is no Save.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/threadline/internal/conversation"
	tlErrors "github.com/harunnryd/threadline/internal/errors"
	"github.com/harunnryd/threadline/internal/session"
	"github.com/harunnryd/threadline/internal/transport"
)

const (
	defaultTimeout = 15 * time.Second
	bodyLimit      = 8 << 20
)

// Client talks to the records endpoints of both conversation modes.
type Client struct {
	baseURL string
	paths   map[conversation.Mode]string
	http    *http.Client
	mapper  tlErrors.ErrorMapper

	mu    sync.RWMutex
	modes map[string]conversation.Mode // thread id -> mode, learned from List
}

func New(baseURL string, paths transport.Paths, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		paths: map[conversation.Mode]string{
			conversation.ModeAdvisory:  strings.TrimRight(paths.Advisory, "/"),
			conversation.ModeInterview: strings.TrimRight(paths.Interview, "/"),
		},
		http:   &http.Client{Timeout: timeout},
		mapper: tlErrors.NewDefaultErrorMapper(),
		modes:  make(map[string]conversation.Mode),
	}
}

// List merges the records of both modes. A mode whose listing fails is
// skipped unless both fail.
func (c *Client) List(ctx context.Context, user string) ([]session.Session, error) {
	var (
		out  []session.Session
		errs []error
	)
	for _, mode := range []conversation.Mode{conversation.ModeAdvisory, conversation.ModeInterview} {
		var list recordList
		if err := c.do(ctx, http.MethodGet, c.recordsURL(mode, ""), user, &list); err != nil {
			slog.Warn("Records listing failed", "mode", mode, "error", err)
			errs = append(errs, err)
			continue
		}

		c.mu.Lock()
		for _, r := range list.Records {
			if r.ThreadID == "" {
				continue
			}
			c.modes[r.ThreadID] = mode
			out = append(out, r.toSession(mode))
		}
		c.mu.Unlock()
	}

	if len(errs) == len(c.paths) {
		return nil, errs[0]
	}
	session.SortByActivity(out)
	return out, nil
}

// Get loads the full history of threadID. A thread never seen in a listing
// is looked up under every mode.
func (c *Client) Get(ctx context.Context, user, threadID string) (session.Session, error) {
	var lastErr error
	for _, mode := range c.candidates(threadID) {
		s, err := c.get(ctx, mode, user, threadID)
		if err == nil {
			c.remember(threadID, mode)
			return s, nil
		}
		if !tlErrors.Is(err, tlErrors.ErrNotFound) {
			return session.Session{}, err
		}
		lastErr = err
	}
	return session.Session{}, lastErr
}

func (c *Client) Delete(ctx context.Context, user, threadID string) error {
	var lastErr error
	for _, mode := range c.candidates(threadID) {
		err := c.do(ctx, http.MethodDelete, c.recordsURL(mode, threadID), user, nil)
		if err == nil {
			c.mu.Lock()
			delete(c.modes, threadID)
			c.mu.Unlock()
			return nil
		}
		if !tlErrors.Is(err, tlErrors.ErrNotFound) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

func (c *Client) get(ctx context.Context, mode conversation.Mode, user, threadID string) (session.Session, error) {
	endpoint := c.recordsURL(mode, threadID)
	if mode == conversation.ModeInterview {
		var d interviewDetail
		if err := c.do(ctx, http.MethodGet, endpoint, user, &d); err != nil {
			return session.Session{}, err
		}
		if d.ThreadID == "" {
			d.ThreadID = threadID
		}
		return d.toSession(), nil
	}

	var d advisoryDetail
	if err := c.do(ctx, http.MethodGet, endpoint, user, &d); err != nil {
		return session.Session{}, err
	}
	if d.ThreadID == "" {
		d.ThreadID = threadID
	}
	return d.toSession(), nil
}

func (c *Client) candidates(threadID string) []conversation.Mode {
	c.mu.RLock()
	mode, ok := c.modes[threadID]
	c.mu.RUnlock()
	if ok {
		return []conversation.Mode{mode}
	}
	return []conversation.Mode{conversation.ModeAdvisory, conversation.ModeInterview}
}

func (c *Client) remember(threadID string, mode conversation.Mode) {
	c.mu.Lock()
	c.modes[threadID] = mode
	c.mu.Unlock()
}

func (c *Client) recordsURL(mode conversation.Mode, threadID string) string {
	u := c.baseURL + c.paths[mode] + "/records"
	if threadID != "" {
		u += "/" + url.PathEscape(threadID)
	}
	return u
}

func (c *Client) do(ctx context.Context, method, endpoint, user string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return tlErrors.WrapWithCategory(err, "build request", tlErrors.ErrInvalidInput)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(transport.UserHeader, user)

	resp, err := c.http.Do(req)
	if err != nil {
		return c.mapper.MapError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, bodyLimit))
	if err != nil {
		return c.mapper.MapError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return recordError(resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s %s: %v: %w", method, endpoint, err, tlErrors.ErrProtocol)
	}
	return nil
}

// recordError files server-side failures of the records API as store
// errors, keeping not-found distinct.
func recordError(code int, body []byte) error {
	err := transport.StatusError(code, body)
	if tlErrors.Is(err, tlErrors.ErrNotFound) {
		return err
	}
	return tlErrors.WrapWithCategory(err, "records api", tlErrors.ErrStore)
}
