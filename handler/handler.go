package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"softterminal/internal/domain"
	"softterminal/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	genericMessage    = "Something went wrong. Let's try again!"
)

// UseCase is the relay behaviour served over API Gateway.
type UseCase interface {
	NewSession(ctx context.Context) string
	Ask(ctx context.Context, in usecase.AskInput) (usecase.AskOutput, error)
	More(ctx context.Context, in usecase.MoreInput) (usecase.MoreOutput, error)
	LogExchange(ctx context.Context, in usecase.LogInput) error
	ListExchanges(ctx context.Context, sessionID string) ([]domain.Exchange, error)
}

type sessionResponse struct {
	SessionID string `json:"session_id"`
}

type askRequest struct {
	Question  string               `json:"question"`
	History   []domain.ChatMessage `json:"history"`
	SessionID string               `json:"session_id"`
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
	SessionID string `json:"session_id"`
	Question  string `json:"question"`
	Answer    string `json:"answer"`
	Language  string `json:"language"`
}

type exchangeJSON struct {
	SessionID string    `json:"session_id"`
	Question  string    `json:"question"`
	Response  string    `json:"response"`
	Language  string    `json:"language"`
	DayOfWeek string    `json:"day_of_week"`
	Timestamp time.Time `json:"timestamp"`
}

type logsResponse struct {
	Logs []exchangeJSON `json:"logs"`
}

type healthResponse struct {
	Status string `json:"status"`
}

type versionResponse struct {
	UI  string `json:"ui"`
	API string `json:"api"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type Handler struct {
	uc      UseCase
	logger  *slog.Logger
	version versionResponse
}

type Option func(*Handler)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithVersion sets the values reported by GET /version.
func WithVersion(ui, api string) Option {
	return func(h *Handler) {
		h.version = versionResponse{UI: ui, API: api}
	}
}

func NewHandler(uc UseCase, opts ...Option) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	h := &Handler{
		uc:      uc,
		logger:  slog.Default(),
		version: versionResponse{UI: "dev", API: "dev"},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Handle routes an API Gateway proxy request. Failures are always rendered
// as JSON responses, so the returned error is nil.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	start := time.Now()
	correlationID := headerValue(req.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	logger := h.logger.With("correlation_id", correlationID, "method", req.HTTPMethod, "path", req.Path)

	body, err := requestBody(req)
	var resp events.APIGatewayProxyResponse
	if err != nil {
		resp = h.errorResponse(ctx, logger, usecase.ErrorInvalidInput, err)
	} else {
		resp = h.route(ctx, logger, req, body)
	}

	if resp.Headers == nil {
		resp.Headers = map[string]string{}
	}
	resp.Headers[correlationHeader] = correlationID
	resp.Headers["Access-Control-Allow-Origin"] = "*"
	logger.InfoContext(ctx, "request handled", "status", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())
	return resp, nil
}

func (h *Handler) route(ctx context.Context, logger *slog.Logger, req events.APIGatewayProxyRequest, body []byte) events.APIGatewayProxyResponse {
	path := strings.TrimRight(req.Path, "/")
	method := strings.ToUpper(req.HTTPMethod)

	switch {
	case method == http.MethodOptions:
		return events.APIGatewayProxyResponse{
			StatusCode: http.StatusNoContent,
			Headers: map[string]string{
				"Access-Control-Allow-Methods": "GET, POST, OPTIONS",
				"Access-Control-Allow-Headers": "Content-Type, " + correlationHeader,
			},
		}
	case method == http.MethodPost && path == "/new-session":
		return jsonResponse(http.StatusOK, sessionResponse{SessionID: h.uc.NewSession(ctx)})
	case method == http.MethodPost && path == "/ask":
		return h.ask(ctx, logger, body, req.RequestContext.Identity.SourceIP)
	case method == http.MethodPost && path == "/more":
		return h.more(ctx, logger, body)
	case method == http.MethodPost && path == "/log":
		return h.log(ctx, logger, body)
	case method == http.MethodGet && strings.HasPrefix(path, "/logs/"):
		sessionID := req.PathParameters["sessionId"]
		if sessionID == "" {
			sessionID = strings.TrimPrefix(path, "/logs/")
		}
		return h.listLogs(ctx, logger, sessionID)
	case method == http.MethodGet && path == "/health":
		return jsonResponse(http.StatusOK, healthResponse{Status: "ok"})
	case method == http.MethodGet && path == "/version":
		return jsonResponse(http.StatusOK, h.version)
	default:
		return h.errorResponse(ctx, logger, usecase.ErrorNotFound, errors.New("route not found"))
	}
}

func (h *Handler) ask(ctx context.Context, logger *slog.Logger, body []byte, sourceIP string) events.APIGatewayProxyResponse {
	var in askRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return h.errorResponse(ctx, logger, usecase.ErrorInvalidInput, err)
	}
	out, err := h.uc.Ask(ctx, usecase.AskInput{
		Question:  in.Question,
		History:   in.History,
		SessionID: in.SessionID,
		ClientIP:  sourceIP,
	})
	if err != nil {
		return h.useCaseError(ctx, logger, err)
	}
	return jsonResponse(http.StatusOK, askResponse{
		ContextID:     out.ContextID,
		Chunks:        nonNil(out.Chunks),
		MoreAvailable: out.MoreAvailable,
	})
}

func (h *Handler) more(ctx context.Context, logger *slog.Logger, body []byte) events.APIGatewayProxyResponse {
	var in moreRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return h.errorResponse(ctx, logger, usecase.ErrorInvalidInput, err)
	}
	out, err := h.uc.More(ctx, usecase.MoreInput{ContextID: in.ContextID})
	if err != nil {
		return h.useCaseError(ctx, logger, err)
	}
	return jsonResponse(http.StatusOK, moreResponse{
		Chunks:        nonNil(out.Chunks),
		MoreAvailable: out.MoreAvailable,
	})
}

func (h *Handler) log(ctx context.Context, logger *slog.Logger, body []byte) events.APIGatewayProxyResponse {
	var in logRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return h.errorResponse(ctx, logger, usecase.ErrorInvalidInput, err)
	}
	err := h.uc.LogExchange(ctx, usecase.LogInput{
		SessionID: in.SessionID,
		Question:  in.Question,
		Answer:    in.Answer,
		Language:  in.Language,
	})
	if err != nil {
		return h.useCaseError(ctx, logger, err)
	}
	return events.APIGatewayProxyResponse{StatusCode: http.StatusNoContent}
}

func (h *Handler) listLogs(ctx context.Context, logger *slog.Logger, sessionID string) events.APIGatewayProxyResponse {
	logs, err := h.uc.ListExchanges(ctx, sessionID)
	if err != nil {
		return h.useCaseError(ctx, logger, err)
	}
	out := logsResponse{Logs: make([]exchangeJSON, 0, len(logs))}
	for _, ex := range logs {
		out.Logs = append(out.Logs, exchangeJSON{
			SessionID: ex.SessionID,
			Question:  ex.Question,
			Response:  ex.Response,
			Language:  ex.Language,
			DayOfWeek: ex.DayOfWeek,
			Timestamp: ex.Timestamp,
		})
	}
	return jsonResponse(http.StatusOK, out)
}

func (h *Handler) useCaseError(ctx context.Context, logger *slog.Logger, err error) events.APIGatewayProxyResponse {
	var ucErr *usecase.Error
	if errors.As(err, &ucErr) {
		logger = logger.With("reason", ucErr.Reason)
		return h.errorResponse(ctx, logger, ucErr.Code, err)
	}
	return h.errorResponse(ctx, logger, usecase.ErrorInternal, err)
}

func (h *Handler) errorResponse(ctx context.Context, logger *slog.Logger, code usecase.ErrorCode, err error) events.APIGatewayProxyResponse {
	status := statusForCode(code)
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(ctx, "request failed", "code", code, "err", err)
	} else {
		logger.WarnContext(ctx, "request rejected", "code", code, "err", err)
	}
	return jsonResponse(status, errorResponse{Error: string(code), Message: genericMessage})
}

func statusForCode(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorConflict:
		return http.StatusConflict
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests
	case usecase.ErrorUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func jsonResponse(status int, v any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"INTERNAL_ERROR","message":"` + genericMessage + `"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(body),
	}
}

func requestBody(req events.APIGatewayProxyRequest) ([]byte, error) {
	if !req.IsBase64Encoded {
		return []byte(req.Body), nil
	}
	return base64.StdEncoding.DecodeString(req.Body)
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
