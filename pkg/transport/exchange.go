package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Endpoint paths relative to the base URL.
const (
	PathConnect    = "/xhr/connect"
	PathSend       = "/xhr/send"
	PathPoll       = "/xhr/poll"
	PathDisconnect = "/xhr/disconnect"
)

// Exchange errors.
var (
	// ErrUnexpectedStatus indicates a response status the exchange does not accept.
	ErrUnexpectedStatus = errors.New("unexpected status")

	// ErrSessionGone indicates the server no longer knows the session.
	ErrSessionGone = errors.New("session gone")

	// ErrEmptySession indicates a connect response without a session id.
	ErrEmptySession = errors.New("empty session id")
)

// Doer performs HTTP requests. *http.Client implements it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// exchanger performs the four HTTP exchanges against one server.
type exchanger struct {
	base string
	http Doer
}

func (x exchanger) url(path string) string {
	return strings.TrimRight(x.base, "/") + path
}

func (x exchanger) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, x.url(path), r)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	}

	resp, err := x.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read body: %w", err)
	}
	return resp.StatusCode, data, nil
}

// connect returns the new session id.
func (x exchanger) connect(ctx context.Context) (string, int, error) {
	status, body, err := x.do(ctx, http.MethodGet, PathConnect, nil)
	if err != nil {
		return "", status, err
	}
	if status != http.StatusCreated {
		return "", status, fmt.Errorf("connect: %w %d", ErrUnexpectedStatus, status)
	}
	session := strings.TrimSpace(string(body))
	if session == "" {
		return "", status, ErrEmptySession
	}
	return session, status, nil
}

func (x exchanger) send(ctx context.Context, batch []byte) (int, error) {
	status, _, err := x.do(ctx, http.MethodPost, PathSend, batch)
	if err != nil {
		return status, err
	}
	if status != http.StatusCreated {
		return status, fmt.Errorf("send: %w %d", ErrUnexpectedStatus, status)
	}
	return status, nil
}

// poll returns the body of a 200 response. A 410 yields ErrSessionGone.
func (x exchanger) poll(ctx context.Context, session string) (int, []byte, error) {
	status, body, err := x.do(ctx, http.MethodGet, PathPoll+"?cid="+url.QueryEscape(session), nil)
	if err != nil {
		return status, nil, err
	}
	switch status {
	case http.StatusOK:
		return status, body, nil
	case http.StatusGone:
		return status, nil, ErrSessionGone
	}
	return status, nil, fmt.Errorf("poll: %w %d", ErrUnexpectedStatus, status)
}

func (x exchanger) disconnect(ctx context.Context, session string) (int, error) {
	status, _, err := x.do(ctx, http.MethodPost, PathDisconnect, []byte(session))
	return status, err
}
