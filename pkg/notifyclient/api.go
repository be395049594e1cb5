package notifyclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	pkgerrors "github.com/anonto42/nano-social/backend/pkg/errors"
)

const responseBodyLimit int64 = 1 << 20

// API is the REST surface the Store needs.
type API interface {
	List(ctx context.Context, page, limit int) (*Page, error)
	UnreadCount(ctx context.Context) (int64, error)
	MarkRead(ctx context.Context, id string) error
	MarkAllRead(ctx context.Context) error
	Delete(ctx context.Context, id string) error
}

// IsNotFound reports whether err means the notification no longer exists
// on the server.
func IsNotFound(err error) bool {
	return pkgerrors.IsCode(err, pkgerrors.CodeNotFound)
}

// HTTPAPI talks to the /api/v1/notifications endpoints with a bearer token.
type HTTPAPI struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

type APIOption func(*HTTPAPI)

func WithHTTPClient(client *http.Client) APIOption {
	return func(a *HTTPAPI) {
		if client != nil {
			a.httpClient = client
		}
	}
}

// NewHTTPAPI builds a client for baseURL, e.g. "https://api.example.com".
func NewHTTPAPI(baseURL, token string, opts ...APIOption) (*HTTPAPI, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if _, err := url.ParseRequestURI(trimmed); err != nil || trimmed == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "notification api base url is invalid")
	}
	a := &HTTPAPI{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    trimmed + "/api/v1/notifications",
		token:      token,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

func (a *HTTPAPI) List(ctx context.Context, page, limit int) (*Page, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))

	var out Page
	if _, err := a.do(ctx, http.MethodGet, "?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *HTTPAPI) UnreadCount(ctx context.Context) (int64, error) {
	var out struct {
		Count int64 `json:"count"`
	}
	if _, err := a.do(ctx, http.MethodGet, "/unread-count", &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// MarkRead treats the server's "already removed" answer as not found.
func (a *HTTPAPI) MarkRead(ctx context.Context, id string) error {
	var out struct {
		Removed bool `json:"removed"`
	}
	msg, err := a.do(ctx, http.MethodPut, "/"+url.PathEscape(id)+"/read", &out)
	if err != nil {
		return err
	}
	if out.Removed {
		return pkgerrors.New(pkgerrors.CodeNotFound, msg)
	}
	return nil
}

func (a *HTTPAPI) MarkAllRead(ctx context.Context) error {
	_, err := a.do(ctx, http.MethodPut, "/read-all", nil)
	return err
}

func (a *HTTPAPI) Delete(ctx context.Context, id string) error {
	_, err := a.do(ctx, http.MethodDelete, "/"+url.PathEscape(id), nil)
	return err
}

type responseEnvelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Code    string          `json:"code"`
	Data    json.RawMessage `json:"data"`
}

// do sends the request, decodes data into out and returns the envelope message.
func (a *HTTPAPI) do(ctx context.Context, method, path string, out any) (string, error) {
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, nil)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "build notification request")
	}
	req.Header.Set("Accept", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "notification api request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, responseBodyLimit))
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read notification api response")
	}

	var env responseEnvelope
	if len(body) > 0 {
		if err := json.Unmarshal(body, &env); err != nil {
			return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("decode notification api response (status %d)", resp.StatusCode))
		}
	}

	if resp.StatusCode >= http.StatusBadRequest || (len(body) > 0 && !env.Success) {
		return "", statusError(resp.StatusCode, env)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode notification api data")
		}
	}
	return env.Message, nil
}

func statusError(status int, env responseEnvelope) error {
	msg := env.Message
	if msg == "" {
		msg = http.StatusText(status)
	}
	if env.Code != "" {
		return pkgerrors.New(pkgerrors.Code(env.Code), msg)
	}
	switch status {
	case http.StatusNotFound:
		return pkgerrors.New(pkgerrors.CodeNotFound, msg)
	case http.StatusUnauthorized:
		return pkgerrors.New(pkgerrors.CodeUnauthorized, msg)
	case http.StatusBadRequest:
		return pkgerrors.New(pkgerrors.CodeValidation, msg)
	default:
		return pkgerrors.New(pkgerrors.CodeDependency, msg)
	}
}
