// Package backend talks to the marketplace REST API and replays queued
// mutations against it.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/matheus3301/heroes/internal/apperr"
	"github.com/matheus3301/heroes/internal/queue"
	"go.uber.org/zap"
)

const (
	requestsPath = "/rest/v1/service_requests"
	offersPath   = "/rest/v1/request_offers"

	// IdempotencyHeader carries the queued action id so replays are deduplicated server side.
	IdempotencyHeader = "Idempotency-Key"
	// ActionIDField is the payload key a caller may use to pin the idempotency key
	// when the action is not being replayed from the queue.
	ActionIDField = "_action_id"
)

// Config configures the REST client.
type Config struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// Client issues REST mutations.
type Client struct {
	base   string
	apiKey string
	http   *http.Client
	logger *zap.Logger
}

// NewClient creates a client for the given base URL.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		base:   strings.TrimRight(cfg.URL, "/"),
		apiKey: cfg.APIKey,
		http: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger,
	}
}

// Row is one record as returned by the API.
type Row map[string]any

// CreateRequest inserts a service request and returns the stored row.
func (c *Client) CreateRequest(ctx context.Context, fields map[string]any) (Row, error) {
	rows, err := c.do(ctx, http.MethodPost, requestsPath, nil, fields)
	if err != nil {
		return nil, err
	}
	return first(rows), nil
}

// UpdateRequest patches the service request with the given id.
func (c *Client) UpdateRequest(ctx context.Context, id string, fields map[string]any) (Row, error) {
	q := url.Values{}
	q.Set("id", "eq."+id)
	rows, err := c.do(ctx, http.MethodPatch, requestsPath, q, fields)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &apperr.StatusError{Status: http.StatusNotFound, Code: "PGRST116", Message: fmt.Sprintf("service request %s not found", id)}
	}
	return rows[0], nil
}

// CreateOffer inserts a request offer.
func (c *Client) CreateOffer(ctx context.Context, fields map[string]any) (Row, error) {
	rows, err := c.do(ctx, http.MethodPost, offersPath, nil, fields)
	if err != nil {
		return nil, err
	}
	return first(rows), nil
}

func first(rows []Row) Row {
	if len(rows) == 0 {
		return nil
	}
	return rows[0]
}

// errorBody is the error envelope returned by the API.
type errorBody struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Hint    string `json:"hint"`
	Details string `json:"details"`
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body map[string]any) ([]Row, error) {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Prefer", "return=representation")
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if key, ok := queue.ActionID(ctx); ok {
		req.Header.Set(IdempotencyHeader, key)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperr.NetworkError(err.Error())
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.NetworkError(fmt.Sprintf("read response: %v", err))
	}
	c.logger.Debug("backend call",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, decodeError(resp.StatusCode, raw)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}

	var rows []Row
	if err := json.Unmarshal(raw, &rows); err != nil {
		var one Row
		if err2 := json.Unmarshal(raw, &one); err2 != nil {
			return nil, fmt.Errorf("decode %s response: %w", path, err)
		}
		rows = []Row{one}
	}
	return rows, nil
}

func decodeError(status int, raw []byte) *apperr.StatusError {
	se := &apperr.StatusError{Status: status}
	var body errorBody
	if err := json.Unmarshal(raw, &body); err == nil {
		se.Code = body.Code
		se.Message = body.Message
		se.Hint = body.Hint
		if se.Message == "" {
			se.Message = body.Details
		}
	}
	if se.Message == "" {
		se.Message = strings.TrimSpace(string(raw))
	}
	if se.Message == "" {
		se.Message = http.StatusText(status)
	}
	return se
}
