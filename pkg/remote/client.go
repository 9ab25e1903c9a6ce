// Package remote is the HTTP client for the session store.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/sessionsync/pkg/sessions"
)

const (
	unifiedListPath = "/dashboard/sessions"
	listPath        = "/sessions"
	maxErrorBody    = 4 << 10
)

// Store is the remote session store.
type Store interface {
	List(ctx context.Context, q sessions.Query) (sessions.ListResult, error)
	Update(ctx context.Context, id string, p sessions.Patch) (sessions.SessionRecord, error)
	Delete(ctx context.Context, id string, hard bool) error
	Create(ctx context.Context, in sessions.NewSession) (sessions.SessionRecord, error)
}

// Client talks to the store over HTTP.
type Client struct {
	base    *url.URL
	http    *http.Client
	tokens  TokenSource
	unified atomic.Bool
}

var _ Store = (*Client)(nil)

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) { c.tokens = ts }
}

// WithoutUnifiedEndpoint makes List use the per-resource endpoint from the start.
func WithoutUnifiedEndpoint() Option {
	return func(c *Client) { c.unified.Store(false) }
}

func NewClient(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, errors.New("remote: empty base url")
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, errors.Wrap(err, "remote: parse base url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("remote: unsupported scheme %q", u.Scheme)
	}
	c := &Client{base: u, http: &http.Client{Timeout: 30 * time.Second}}
	c.unified.Store(true)
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// UsesUnifiedEndpoint reports whether List still targets the dashboard endpoint.
func (c *Client) UsesUnifiedEndpoint() bool { return c.unified.Load() }

// List fetches one page. It prefers the unified dashboard endpoint, which also returns
// per-status counts, and switches permanently to the plain list endpoint the first time
// the unified one is reported missing.
func (c *Client) List(ctx context.Context, q sessions.Query) (sessions.ListResult, error) {
	params := EncodeQuery(q).Encode()
	if c.unified.Load() {
		res, err := c.list(ctx, unifiedListPath, params)
		if !errors.Is(err, sessions.ErrEndpointUnavailable) {
			return res, err
		}
		if c.unified.CompareAndSwap(true, false) {
			log.Warn().Str("component", "remote").Err(err).Str("fallback", listPath).Msg("unified dashboard endpoint unavailable, falling back")
		}
	}
	res, err := c.list(ctx, listPath, params)
	if err == nil {
		res.Counts = nil
	}
	return res, err
}

func (c *Client) list(ctx context.Context, path, params string) (sessions.ListResult, error) {
	var out sessions.ListResult
	op := "list " + path
	body, err := c.do(ctx, op, http.MethodGet, path+"?"+params, nil, false)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, &sessions.RemoteError{Op: op, Message: "malformed response: " + err.Error(), Kind: sessions.ErrServerError}
	}
	if out.Items == nil {
		out.Items = []sessions.SessionRecord{}
	}
	return out, nil
}

type sessionEnvelope struct {
	Session *sessions.SessionRecord `json:"session"`
}

func decodeSession(op string, body []byte) (sessions.SessionRecord, error) {
	var env sessionEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Session != nil {
		return *env.Session, nil
	}
	var rec sessions.SessionRecord
	if err := json.Unmarshal(body, &rec); err != nil || rec.ID == "" {
		return rec, &sessions.RemoteError{Op: op, Message: "malformed session response", Kind: sessions.ErrServerError}
	}
	return rec, nil
}

func (c *Client) Update(ctx context.Context, id string, p sessions.Patch) (sessions.SessionRecord, error) {
	if id == "" {
		return sessions.SessionRecord{}, errors.Wrap(sessions.ErrInvalidInput, "update: empty id")
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return sessions.SessionRecord{}, errors.Wrap(err, "encode patch")
	}
	op := "update " + id
	body, err := c.do(ctx, op, http.MethodPatch, listPath+"/"+url.PathEscape(id), payload, true)
	if err != nil {
		return sessions.SessionRecord{}, err
	}
	return decodeSession(op, body)
}

func (c *Client) Delete(ctx context.Context, id string, hard bool) error {
	if id == "" {
		return errors.Wrap(sessions.ErrInvalidInput, "delete: empty id")
	}
	_, err := c.do(ctx, "delete "+id, http.MethodDelete, listPath+"/"+url.PathEscape(id)+"?hard="+strconv.FormatBool(hard), nil, true)
	return err
}

func (c *Client) Create(ctx context.Context, in sessions.NewSession) (sessions.SessionRecord, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return sessions.SessionRecord{}, errors.Wrap(err, "encode session")
	}
	body, err := c.do(ctx, "create", http.MethodPost, listPath, payload, true)
	if err != nil {
		return sessions.SessionRecord{}, err
	}
	return decodeSession("create", body)
}

func (c *Client) do(ctx context.Context, op, method, pathAndQuery string, payload []byte, mutation bool) ([]byte, error) {
	target := c.base.String() + pathAndQuery
	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		tok, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "token")
		}
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &sessions.RemoteError{Op: op, Message: err.Error(), Kind: sessions.ErrNetworkUnavailable}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, &sessions.RemoteError{Op: op, Status: resp.StatusCode, Message: err.Error(), Kind: sessions.ErrNetworkUnavailable}
		}
		return body, nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return nil, &sessions.RemoteError{
		Op:      op,
		Status:  resp.StatusCode,
		Message: strings.TrimSpace(string(msg)),
		Kind:    classifyStatus(resp.StatusCode, mutation),
	}
}

func classifyStatus(status int, mutation bool) error {
	switch {
	case status == http.StatusUnauthorized:
		return sessions.ErrAuthExpired
	case status == http.StatusBadRequest:
		return sessions.ErrInvalidInput
	case mutation && (status == http.StatusNotFound || status == http.StatusConflict ||
		status == http.StatusPreconditionFailed || status == http.StatusUnprocessableEntity):
		return sessions.ErrMutationConflict
	case !mutation && (status == http.StatusNotFound || status == http.StatusNotImplemented):
		return sessions.ErrEndpointUnavailable
	default:
		return sessions.ErrServerError
	}
}
