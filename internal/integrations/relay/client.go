// Package relay is the HTTP client for the answer relay service. It
// implements the delivery core's Transport and LogSink.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"softterminal/internal/delivery"
	"softterminal/internal/domain"
)

const (
	defaultTimeout    = 30 * time.Second
	correlationHeader = "X-Correlation-Id"
)

type sessionResponse struct {
	SessionID string `json:"session_id"`
}

type askRequest struct {
	Question  string               `json:"question"`
	History   []domain.ChatMessage `json:"history"`
	SessionID string               `json:"session_id,omitempty"`
}

type askResponse struct {
	ContextID     string   `json:"context_id"`
	Chunks        []string `json:"chunks"`
	MoreAvailable bool     `json:"more_available"`
}

type moreRequest struct {
	ContextID string `json:"context_id"`
}

type moreResponse struct {
	Chunks        []string `json:"chunks"`
	MoreAvailable bool     `json:"more_available"`
}

type logRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Question  string `json:"question"`
	Answer    string `json:"answer"`
}

// LoggedExchange is one entry of a session's conversation log.
type LoggedExchange struct {
	SessionID string    `json:"session_id"`
	Question  string    `json:"question"`
	Response  string    `json:"response"`
	Language  string    `json:"language"`
	DayOfWeek string    `json:"day_of_week"`
	Timestamp time.Time `json:"timestamp"`
}

type logsResponse struct {
	Logs []LoggedExchange `json:"logs"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// HTTPStatusError captures non-2xx relay responses.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Code       string
	Message    string
}

func (e *HTTPStatusError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("relay: unexpected status %d from %s", e.StatusCode, e.URL)
	}
	return fmt.Sprintf("relay: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Code)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client calls the relay's JSON endpoints.
type Client struct {
	baseURL    string
	httpClient *http.Client
	newID      func() string
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient = &http.Client{Timeout: d}
	}
}

// NewClient creates a Client for the relay at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("relay: base url must not be empty")
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("relay: invalid base url %q", baseURL)
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return c, nil
}

func (c *Client) CreateSession(ctx context.Context) (string, error) {
	var out sessionResponse
	if err := c.do(ctx, http.MethodPost, "/new-session", struct{}{}, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return "", errors.New("relay: empty session id in response")
	}
	return out.SessionID, nil
}

func (c *Client) Submit(ctx context.Context, req delivery.SubmitRequest) (delivery.FirstAnswer, error) {
	history := req.History
	if history == nil {
		history = []domain.ChatMessage{}
	}
	var out askResponse
	err := c.do(ctx, http.MethodPost, "/ask", askRequest{
		Question:  req.Question,
		History:   history,
		SessionID: req.SessionID,
	}, &out)
	if err != nil {
		return delivery.FirstAnswer{}, err
	}
	return delivery.FirstAnswer{
		ContextID:     out.ContextID,
		Chunks:        out.Chunks,
		MoreAvailable: out.MoreAvailable,
	}, nil
}

func (c *Client) RequestMore(ctx context.Context, contextID string) (delivery.Continuation, error) {
	var out moreResponse
	if err := c.do(ctx, http.MethodPost, "/more", moreRequest{ContextID: contextID}, &out); err != nil {
		return delivery.Continuation{}, err
	}
	return delivery.Continuation{
		Chunks:        out.Chunks,
		MoreAvailable: out.MoreAvailable,
	}, nil
}

// LogExchange posts a completed exchange to the relay's conversation log.
func (c *Client) LogExchange(ctx context.Context, ex delivery.CompletedExchange) error {
	return c.do(ctx, http.MethodPost, "/log", logRequest{
		SessionID: ex.SessionID,
		Question:  ex.Question,
		Answer:    ex.Answer,
	}, nil)
}

// Logs fetches a session's logged exchanges, oldest first.
func (c *Client) Logs(ctx context.Context, sessionID string) ([]LoggedExchange, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("relay: session id must not be empty")
	}
	var out logsResponse
	if err := c.do(ctx, http.MethodGet, "/logs/"+url.PathEscape(sessionID), nil, &out); err != nil {
		return nil, err
	}
	return out.Logs, nil
}

// Health reports whether the relay answers its health probe.
func (c *Client) Health(ctx context.Context) error {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return err
	}
	if out.Status != "ok" {
		return fmt.Errorf("relay: unhealthy status %q", out.Status)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("relay: marshal %s request: %w", path, err)
		}
		body = bytes.NewReader(buf)
	}

	endpoint := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("relay: create %s request: %w", path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(correlationHeader, c.newID())

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("relay: %s request failed: %w", path, err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		statusErr := &HTTPStatusError{StatusCode: res.StatusCode, URL: endpoint}
		var er errorResponse
		if json.Unmarshal(raw, &er) == nil {
			statusErr.Code = er.Error
			statusErr.Message = er.Message
		}
		return statusErr
	}

	if out == nil || res.StatusCode == http.StatusNoContent {
		return nil
	}
	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("relay: read %s response: %w", path, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("relay: decode %s response: %w", path, err)
	}
	return nil
}
