package delivery

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"softterminal/internal/domain"
)

// SubmitRequest carries a new question. SessionID is empty when no session
// could be established.
type SubmitRequest struct {
	Question  string
	History   []domain.Turn
	SessionID string
}

// FirstAnswer is the response to a submission.
type FirstAnswer struct {
	ContextID     string
	Chunks        []string
	MoreAvailable bool
}

// Continuation is the response to a continuation request.
type Continuation struct {
	Chunks        []string
	MoreAvailable bool
}

// Transport is the collaborator that talks to the answer-generation service.
type Transport interface {
	SessionCreator
	Submit(ctx context.Context, req SubmitRequest) (FirstAnswer, error)
	RequestMore(ctx context.Context, contextID string) (Continuation, error)
}

// CompletedExchange is emitted once per AnswerContext that reaches Complete.
type CompletedExchange struct {
	SessionID   string
	ContextID   string
	Question    string
	Answer      string
	Chunks      int
	CompletedAt time.Time
}

// LogSink receives completed exchanges out of band.
type LogSink interface {
	LogExchange(ctx context.Context, ex CompletedExchange) error
}

// SlogSink writes completed exchanges as structured log records.
type SlogSink struct {
	Logger *slog.Logger
}

func (s SlogSink) LogExchange(ctx context.Context, ex CompletedExchange) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "exchange completed",
		"session_id", ex.SessionID,
		"context_id", ex.ContextID,
		"question_length", len(ex.Question),
		"answer_length", len(ex.Answer),
		"chunks", ex.Chunks,
	)
	return nil
}

// MultiSink hands each completed exchange to every sink in order and joins
// their errors.
type MultiSink []LogSink

func (ms MultiSink) LogExchange(ctx context.Context, ex CompletedExchange) error {
	var errs []error
	for _, s := range ms {
		if s == nil {
			continue
		}
		if err := s.LogExchange(ctx, ex); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
