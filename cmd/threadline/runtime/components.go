package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/harunnryd/threadline/internal/config"
	"github.com/harunnryd/threadline/internal/engine"
	"github.com/harunnryd/threadline/internal/persistence/filestore"
	"github.com/harunnryd/threadline/internal/persistence/remote"
	"github.com/harunnryd/threadline/internal/presenter"
	"github.com/harunnryd/threadline/internal/session"
	"github.com/harunnryd/threadline/internal/transport"
)

// Components is everything one CLI invocation needs, wired from config.
type Components struct {
	Ctx    context.Context
	Cancel context.CancelFunc

	Config   *config.Config
	Store    *session.Store
	Engine   *engine.Engine
	Terminal *presenter.Terminal

	closers []io.Closer
}

func NewComponents(ctx context.Context, cfg *config.Config, out io.Writer) (*Components, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)

	c := &Components{
		Ctx:    ctx,
		Cancel: cancel,
		Config: cfg,
	}

	if err := c.init(out); err != nil {
		c.Stop()
		return nil, err
	}
	return c, nil
}

func (c *Components) init(out io.Writer) error {
	cfg := c.Config

	headerTimeout, err := config.DurationOrDefault(cfg.Server.HeaderTimeout, config.DefaultServerHeaderTimeout)
	if err != nil {
		return fmt.Errorf("server.header_timeout: %w", err)
	}
	paths := transport.Paths{Advisory: cfg.Advisory.Path, Interview: cfg.Interview.Path}

	persistence, err := c.persistence(paths, headerTimeout)
	if err != nil {
		return err
	}

	var tr transport.Transport
	switch cfg.Transport.Kind {
	case config.TransportWebSocket:
		wsURL, err := WebSocketURL(cfg)
		if err != nil {
			return err
		}
		tr = transport.NewWebSocket(wsURL, headerTimeout)
	default:
		tr = transport.NewHTTP(cfg.Server.BaseURL, paths, headerTimeout)
	}

	runtimeCfg, err := engine.RuntimeConfigFrom(cfg)
	if err != nil {
		return err
	}

	c.Terminal = presenter.NewTerminal(out)
	c.Store = session.NewStore(cfg.Server.User, persistence)
	c.Engine = engine.New(c.Store, tr, c.Terminal, runtimeCfg)

	slog.Debug("Runtime components ready",
		"user", cfg.Server.User,
		"backend", cfg.Store.Backend,
		"transport", cfg.Transport.Kind)
	return nil
}

func (c *Components) persistence(paths transport.Paths, timeout time.Duration) (session.Persistence, error) {
	cfg := c.Config
	if cfg.Store.Backend != config.StoreBackendLocal {
		return remote.New(cfg.Server.BaseURL, paths, timeout), nil
	}

	lockTimeout, err := config.DurationOrDefault(cfg.Store.LockTimeout, config.DefaultStoreLockTimeout)
	if err != nil {
		return nil, fmt.Errorf("store.lock_timeout: %w", err)
	}
	lockRetry, err := config.DurationOrDefault(cfg.Store.LockRetry, config.DefaultStoreLockRetry)
	if err != nil {
		return nil, fmt.Errorf("store.lock_retry: %w", err)
	}

	fs, err := filestore.New(cfg.Store.WorkspacePath, filestore.Config{
		LockTimeout:  lockTimeout,
		LockRetry:    lockRetry,
		LockMaxRetry: cfg.Store.LockMaxRetry,
		InboxSize:    cfg.Store.InboxSize,
	})
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, fs)
	return fs, nil
}

// Stop releases the workspace lock of a local backend.
func (c *Components) Stop() {
	c.Cancel()
	for _, cl := range c.closers {
		if err := cl.Close(); err != nil {
			slog.Warn("Failed to close component", "error", err)
		}
	}
	c.closers = nil
}

// WebSocketURL is transport.websocket_url, or the base URL with a ws scheme
// and a /ws path when unset.
func WebSocketURL(cfg *config.Config) (string, error) {
	if u := strings.TrimSpace(cfg.Transport.WebSocketURL); u != "" {
		return u, nil
	}

	u, err := url.Parse(cfg.Server.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse server.base_url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}
