package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/omarfornaroli/posapp-sub000/internal/config"
	"github.com/omarfornaroli/posapp-sub000/internal/logger"
	"github.com/omarfornaroli/posapp-sub000/internal/store"
)

// identityHeader carries the acting user on every privileged call.
const identityHeader = "X-User-Email"

// Client is the stateless JSON/HTTP gateway to the server's CRUD contract.
// No caching, no retries; retry policy belongs to the sync channels.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[*http.Response]

	mu    sync.RWMutex
	email string
}

// NewClient builds a gateway for the configured remote. The circuit breaker
// trips after consecutive transport failures so an offline device fails fast
// instead of waiting out the request timeout on every poll tick.
func NewClient(cfg config.RemoteConfig) *Client {
	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http: &http.Client{
			Timeout: cfg.GetRequestTimeout(),
		},
	}

	c.breaker = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "remote",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Log.Info("Remote breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return c
}

// SetIdentity sets the email attached as X-User-Email to subsequent calls.
// An empty value clears it (logged out).
func (c *Client) SetIdentity(email string) {
	c.mu.Lock()
	c.email = email
	c.mu.Unlock()
}

func (c *Client) identity() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.email
}

// Offline reports whether the breaker considers the remote unreachable.
func (c *Client) Offline() bool {
	return c.breaker.State() == gobreaker.StateOpen
}

// envelope is the server's uniform response shape.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// List fetches the server's full collection for the entity path.
func (c *Client) List(ctx context.Context, path string) ([]store.Record, error) {
	data, err := c.do(ctx, http.MethodGet, c.collectionURL(path), nil)
	if err != nil {
		return nil, err
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &ServerError{Status: http.StatusOK, Message: fmt.Sprintf("malformed list payload: %v", err)}
	}

	records := make([]store.Record, 0, len(raw))
	for _, item := range raw {
		rec, err := recordFromPayload(item)
		if err != nil {
			logger.Log.Warn("Skipping record without identity",
				zap.String("entity", path),
				zap.Error(err),
			)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Create posts a new record and returns the server's stored representation.
func (c *Client) Create(ctx context.Context, path string, payload json.RawMessage) (store.Record, error) {
	data, err := c.do(ctx, http.MethodPost, c.collectionURL(path), payload)
	if err != nil {
		return store.Record{}, err
	}
	return recordFromPayload(data)
}

// Update replaces an existing record's fields and returns the stored result.
func (c *Client) Update(ctx context.Context, path, id string, payload json.RawMessage) (store.Record, error) {
	data, err := c.do(ctx, http.MethodPut, c.itemURL(path, id), payload)
	if err != nil {
		return store.Record{}, err
	}
	return recordFromPayload(data)
}

// Delete removes a record by id.
func (c *Client) Delete(ctx context.Context, path, id string) error {
	_, err := c.do(ctx, http.MethodDelete, c.itemURL(path, id), nil)
	return err
}

// GetSingleton fetches a settings-style record stored under a fixed key.
func (c *Client) GetSingleton(ctx context.Context, path string) (store.Record, error) {
	data, err := c.do(ctx, http.MethodGet, c.collectionURL(path), nil)
	if err != nil {
		return store.Record{}, err
	}
	if len(data) == 0 || string(data) == "null" {
		return store.Record{ID: store.SingletonID, Data: json.RawMessage("{}")}, nil
	}
	return store.Record{ID: store.SingletonID, Data: data, UpdatedAt: time.Now().UTC()}, nil
}

// PutSingleton saves a settings-style record.
func (c *Client) PutSingleton(ctx context.Context, path string, payload json.RawMessage) (store.Record, error) {
	data, err := c.do(ctx, http.MethodPost, c.collectionURL(path), payload)
	if err != nil {
		return store.Record{}, err
	}
	if len(data) == 0 || string(data) == "null" {
		data = payload
	}
	return store.Record{ID: store.SingletonID, Data: data, UpdatedAt: time.Now().UTC()}, nil
}

func (c *Client) collectionURL(path string) string {
	return c.baseURL + "/api/" + path
}

func (c *Client) itemURL(path, id string) string {
	return c.baseURL + "/api/" + path + "/" + id
}

// do performs one request and returns the envelope's data payload.
// Transport failures and an open breaker map to ErrNetworkUnavailable;
// everything the server actually answered maps to *ServerError.
func (c *Client) do(ctx context.Context, method, url string, body json.RawMessage) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if email := c.identity(); email != "" {
		req.Header.Set(identityHeader, email)
	}

	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		return c.http.Do(req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: circuit open", ErrNetworkUnavailable)
		}
		return nil, fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrNetworkUnavailable, err)
	}

	var env envelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, &ServerError{Status: resp.StatusCode, Message: fmt.Sprintf("malformed response: %v", err)}
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ServerError{Status: resp.StatusCode, Message: env.Error}
	}
	if !env.Success {
		return nil, &ServerError{Status: resp.StatusCode, Message: env.Error}
	}

	return env.Data, nil
}

// recordPayload is the slice of every entity payload the cache cares about:
// the stable identity plus display timestamps. Timestamps are parsed
// tolerantly since backends disagree on formats; they are display-only.
type recordPayload struct {
	ID        string          `json:"id"`
	CreatedAt json.RawMessage `json:"createdAt"`
	UpdatedAt json.RawMessage `json:"updatedAt"`
}

func recordFromPayload(data json.RawMessage) (store.Record, error) {
	var p recordPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return store.Record{}, fmt.Errorf("failed to decode record payload: %w", err)
	}
	if p.ID == "" {
		return store.Record{}, fmt.Errorf("record payload has no id")
	}

	return store.Record{
		ID:        p.ID,
		Data:      data,
		CreatedAt: parseStamp(p.CreatedAt),
		UpdatedAt: parseStamp(p.UpdatedAt),
	}, nil
}

func parseStamp(raw json.RawMessage) time.Time {
	if len(raw) == 0 {
		return time.Time{}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
