package client

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

	"github.com/lalithlochan/beacon/internal/event"
)

var (
	// ErrUnauthorized means the server rejected the session proof. It is terminal.
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("notification not found")
	// ErrClosed is returned by operations on a controller that has been torn down.
	ErrClosed = errors.New("controller closed")
)

// StatusError is a non-2xx REST response.
type StatusError struct {
	Status int
	Title  string
}

func (e *StatusError) Error() string {
	if e.Title != "" {
		return fmt.Sprintf("server returned %d: %s", e.Status, e.Title)
	}
	return fmt.Sprintf("server returned %d", e.Status)
}

// rest is the user-scoped REST surface of the server.
type rest struct {
	base  *url.URL
	token string
	http  *http.Client
}

func (r *rest) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := r.base.JoinPath(path)
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+r.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 300:
		var p struct {
			Title string `json:"title"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&p)
		return &StatusError{Status: resp.StatusCode, Title: p.Title}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (r *rest) snapshot(ctx context.Context, limit int, before string) (event.Snapshot, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if before != "" {
		q.Set("before", before)
	}

	var snap event.Snapshot
	err := r.do(ctx, http.MethodGet, "/v1/notifications", q, nil, &snap)
	return snap, err
}

func (r *rest) markRead(ctx context.Context, id string) error {
	return r.do(ctx, http.MethodPatch, "/v1/notifications/"+url.PathEscape(id)+"/read", nil, nil, nil)
}

func (r *rest) markAllRead(ctx context.Context) error {
	return r.do(ctx, http.MethodPatch, "/v1/notifications/read-all", nil, map[string]bool{"all": true}, nil)
}

func (r *rest) delete(ctx context.Context, id string) error {
	return r.do(ctx, http.MethodDelete, "/v1/notifications/"+url.PathEscape(id), nil, nil, nil)
}
