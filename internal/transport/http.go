package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	tlErrors "github.com/harunnryd/threadline/internal/errors"
)

const (
	defaultHeaderTimeout = 30 * time.Second
	errorBodyLimit       = 4 << 10
)

// HTTP streams responses of POST requests.
type HTTP struct {
	baseURL string
	paths   Paths
	client  *http.Client
	mapper  tlErrors.ErrorMapper
}

func NewHTTP(baseURL string, paths Paths, headerTimeout time.Duration) *HTTP {
	return &HTTP{
		baseURL: strings.TrimRight(baseURL, "/"),
		paths:   paths,
		client:  NewStreamingClient(headerTimeout),
		mapper:  tlErrors.NewDefaultErrorMapper(),
	}
}

// NewStreamingClient builds a client for long-lived responses. It bounds the
// wait for response headers but not the body, which streams for as long as
// the caller's context allows.
func NewStreamingClient(headerTimeout time.Duration) *http.Client {
	if headerTimeout <= 0 {
		headerTimeout = defaultHeaderTimeout
	}
	dialer := &net.Dialer{
		Timeout:   15 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   15 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ResponseHeaderTimeout: headerTimeout,
		},
	}
}

func (t *HTTP) Open(ctx context.Context, req Request) (io.ReadCloser, error) {
	body, err := req.Body()
	if err != nil {
		return nil, tlErrors.WrapWithCategory(err, "encode request", tlErrors.ErrInvalidInput)
	}

	endpoint := t.baseURL + t.paths.Endpoint(req.Mode)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, tlErrors.WrapWithCategory(err, "build request", tlErrors.ErrInvalidInput)
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", "threadline (go)")
	if req.User != "" {
		httpReq.Header.Set(UserHeader, req.User)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, t.mapper.MapError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return nil, StatusError(resp.StatusCode, raw)
	}

	return resp.Body, nil
}

// StatusError classifies a non-2xx response. The backend reports failures
// as {"detail": "..."}.
func StatusError(code int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	var detail struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &detail) == nil && detail.Detail != "" {
		msg = detail.Detail
	}
	if msg == "" {
		msg = http.StatusText(code)
	}

	text := fmt.Sprintf("http %d: %s", code, msg)
	switch {
	case code == http.StatusNotFound:
		return tlErrors.NotFound(text)
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return tlErrors.Transport(text)
	default:
		return tlErrors.Application(text)
	}
}
