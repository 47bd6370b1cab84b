package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/lessonlink/presenter-sync/pkg/protocol"
)

// ErrSessionNotFound is returned when the server no longer knows the session.
var ErrSessionNotFound = errors.New("session not found")

// StatusError is a non-2xx fallback response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("http %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("http %d", e.Code)
}

// api talks to the HTTP fallback endpoints of one session.
type api struct {
	client  *http.Client
	session string // .../sessions/<code>
	token   string
}

func newAPI(client *http.Client, base *url.URL, code, token string) *api {
	u := *base
	u.Path = singleSlashJoin(u.Path, "/sessions/"+code)
	u.RawQuery = ""
	return &api{client: client, session: u.String(), token: token}
}

func (a *api) Snapshot(ctx context.Context) (protocol.Snapshot, error) {
	var snap protocol.Snapshot
	err := a.do(ctx, http.MethodGet, a.session, nil, &snap)
	return snap, err
}

func (a *api) Update(ctx context.Context, req protocol.UpdateRequest) (protocol.UpdateResponse, error) {
	var res protocol.UpdateResponse
	err := a.do(ctx, http.MethodPost, a.session, req, &res)
	return res, err
}

func (a *api) CommandsSince(ctx context.Context, since int64) (protocol.CommandsResponse, error) {
	var res protocol.CommandsResponse
	err := a.do(ctx, http.MethodGet, a.session+"/commands?since="+strconv.FormatInt(since, 10), nil, &res)
	return res, err
}

func (a *api) PostCommand(ctx context.Context, command string) (string, error) {
	var res protocol.CommandResponse
	if err := a.do(ctx, http.MethodPost, a.session+"/commands", protocol.CommandRequest{Command: command}, &res); err != nil {
		return "", err
	}
	return res.CommandID, nil
}

func (a *api) do(ctx context.Context, method, target string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound && method == http.MethodGet {
		return ErrSessionNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &StatusError{Code: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func singleSlashJoin(a, b string) string {
	for len(a) > 0 && a[len(a)-1] == '/' {
		a = a[:len(a)-1]
	}
	return a + b
}
