package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"softterminal/internal/domain"
)

const (
	defaultMaxQuestion  = 500
	defaultMaxTokens    = 300
	defaultTemperature  = 0.7
	defaultFirstBatch   = 3
	minFirstBatch       = 2
	defaultMoreBatch    = 3
	minContextIDLength  = 8
	contextIDLength     = 12
	sessionIDLength     = 8
	defaultLogListLimit = 100
)

type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

type LLMClient interface {
	Chat(ctx context.Context, model string, messages []domain.ChatMessage, params domain.GenerationParams) (string, error)
	Moderate(ctx context.Context, input string) (bool, error)
}

// AnswerStore persists undelivered answer chunks and the exchange log.
type AnswerStore interface {
	PutAnswer(ctx context.Context, rec domain.AnswerRecord) error
	GetAnswer(ctx context.Context, contextID string) (domain.AnswerRecord, bool, error)
	AdvanceCursor(ctx context.Context, contextID string, from, to int) (bool, error)
	SaveExchange(ctx context.Context, sessionID, question, response, language string) error
	ListExchanges(ctx context.Context, sessionID string, limit int) ([]domain.Exchange, error)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// Config tunes answer generation and delivery. Zero values take defaults.
type Config struct {
	MaxQuestionLen    int
	MaxTokens         int
	Temperature       float64
	FirstBatchSize    int
	MoreBatchSize     int
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxQuestionLen <= 0 {
		c.MaxQuestionLen = defaultMaxQuestion
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = defaultMaxTokens
	}
	if c.Temperature <= 0 {
		c.Temperature = defaultTemperature
	}
	if c.FirstBatchSize <= 0 {
		c.FirstBatchSize = defaultFirstBatch
	}
	c.FirstBatchSize = min(max(c.FirstBatchSize, minFirstBatch), defaultFirstBatch)
	if c.MoreBatchSize <= 0 {
		c.MoreBatchSize = defaultMoreBatch
	}
	return c
}

type AskService struct {
	params      ParamGetter
	llm         LLMClient
	store       AnswerStore
	limiter     *RateLimiter
	paramPrefix string
	cfg         Config
	now         func() time.Time

	cacheMu      sync.RWMutex
	cacheLoaded  bool
	systemPrompt string
	openaiModel  string
}

// AskInput is one question. ClientIP keys the rate limit when the caller
// has no session.
type AskInput struct {
	Question  string
	History   []domain.ChatMessage
	SessionID string
	ClientIP  string
}

type AskOutput struct {
	ContextID     string
	Chunks        []string
	MoreAvailable bool
}

type MoreInput struct {
	ContextID string
}

type MoreOutput struct {
	Chunks        []string
	MoreAvailable bool
}

type LogInput struct {
	SessionID string
	Question  string
	Answer    string
	Language  string
}

func NewAskService(p ParamGetter, llm LLMClient, s AnswerStore, paramPrefix string, cfg Config) (*AskService, error) {
	if p == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if s == nil {
		return nil, errors.New("usecase: answer store must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	cfg = cfg.withDefaults()
	return &AskService{
		params:      p,
		llm:         llm,
		store:       s,
		limiter:     NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow),
		paramPrefix: paramPrefix,
		cfg:         cfg,
		now:         time.Now,
	}, nil
}

// NewSession issues a short opaque session id.
func (s *AskService) NewSession(_ context.Context) string {
	return strings.ReplaceAll(newUUID(), "-", "")[:sessionIDLength]
}

// Ask generates an answer, returns its first batch of chunks and stores the
// rest for continuation. Unsafe topics and exhausted rate budgets produce a
// complete one-chunk answer instead of an error.
func (s *AskService) Ask(ctx context.Context, in AskInput) (AskOutput, error) {
	question := strings.TrimSpace(in.Question)
	if question == "" {
		return AskOutput{}, newError(ErrorInvalidInput, "empty_question", nil)
	}
	if utf8.RuneCountInString(question) > s.cfg.MaxQuestionLen {
		return AskOutput{}, newError(ErrorInvalidInput, "question_too_long", nil)
	}
	sessionID := strings.TrimSpace(in.SessionID)

	if !s.limiter.Allow(rateKey(sessionID, in.ClientIP)) {
		return cannedAnswer(SlowDownMessage), nil
	}

	if !isSafeTopic(question) {
		return cannedAnswer(AskAdultMessage), nil
	}
	flagged, err := s.llm.Moderate(ctx, question)
	if err != nil {
		if status, ok := upstreamStatusCode(err); ok && status == 429 {
			return AskOutput{}, newError(ErrorRateLimited, "moderation_rate_limited", err)
		}
		return AskOutput{}, newError(ErrorUpstream, "moderation_error", err)
	}
	if flagged {
		return cannedAnswer(AskAdultMessage), nil
	}

	if err := s.ensureConfig(ctx); err != nil {
		return AskOutput{}, newError(ErrorInternal, "ssm_load_error", err)
	}

	raw, err := s.llm.Chat(ctx, s.openaiModel,
		buildPromptMessages(s.systemPrompt, s.now(), question, in.History),
		domain.GenerationParams{MaxTokens: s.cfg.MaxTokens, Temperature: s.cfg.Temperature},
	)
	if err != nil {
		if status, ok := upstreamStatusCode(err); ok && status == 429 {
			return AskOutput{}, newError(ErrorRateLimited, "openai_rate_limited", err)
		}
		return AskOutput{}, newError(ErrorUpstream, "openai_error", err)
	}

	text := formatForLanguage(cleanResponse(raw), detectLanguage(question))
	chunks := chunkText(text, defaultMaxChunkRunes)
	if len(chunks) == 0 {
		return AskOutput{}, newError(ErrorUpstream, "openai_empty_answer", nil)
	}

	first := min(s.cfg.FirstBatchSize, len(chunks))
	out := AskOutput{
		ContextID:     newContextID(),
		Chunks:        chunks[:first],
		MoreAvailable: first < len(chunks),
	}
	if !out.MoreAvailable {
		return out, nil
	}

	rec := domain.AnswerRecord{
		ContextID: out.ContextID,
		SessionID: sessionID,
		Chunks:    chunks,
		Cursor:    first,
	}
	if err := s.store.PutAnswer(ctx, rec); err != nil {
		return AskOutput{}, newError(ErrorInternal, "dynamodb_write_error", err)
	}
	return out, nil
}

// More serves the next batch of a stored answer. The cursor only advances if
// no concurrent request moved it first, so a batch is never served twice.
func (s *AskService) More(ctx context.Context, in MoreInput) (MoreOutput, error) {
	contextID := strings.TrimSpace(in.ContextID)
	if len(contextID) < minContextIDLength {
		return MoreOutput{}, newError(ErrorInvalidInput, "invalid_context_id", nil)
	}

	rec, ok, err := s.store.GetAnswer(ctx, contextID)
	if err != nil {
		return MoreOutput{}, newError(ErrorInternal, "dynamodb_read_error", err)
	}
	if !ok {
		return MoreOutput{}, newError(ErrorNotFound, "context_not_found", nil)
	}
	if rec.Remaining() == 0 {
		return MoreOutput{Chunks: []string{}, MoreAvailable: false}, nil
	}

	next := min(rec.Cursor+s.cfg.MoreBatchSize, len(rec.Chunks))
	advanced, err := s.store.AdvanceCursor(ctx, contextID, rec.Cursor, next)
	if err != nil {
		return MoreOutput{}, newError(ErrorInternal, "dynamodb_write_error", err)
	}
	if !advanced {
		return MoreOutput{}, newError(ErrorConflict, "cursor_moved", nil)
	}
	return MoreOutput{
		Chunks:        rec.Chunks[rec.Cursor:next],
		MoreAvailable: next < len(rec.Chunks),
	}, nil
}

// LogExchange appends one completed exchange to the conversation log.
func (s *AskService) LogExchange(ctx context.Context, in LogInput) error {
	question := strings.TrimSpace(in.Question)
	if question == "" {
		return newError(ErrorInvalidInput, "empty_question", nil)
	}
	sessionID := strings.TrimSpace(in.SessionID)
	if sessionID == "" {
		sessionID = s.NewSession(ctx)
	}
	language := strings.TrimSpace(in.Language)
	if language == "" {
		language = detectLanguage(question)
	}
	if err := s.store.SaveExchange(ctx, sessionID, question, strings.TrimSpace(in.Answer), language); err != nil {
		return newError(ErrorInternal, "dynamodb_write_error", err)
	}
	return nil
}

// ListExchanges returns a session's logged exchanges, oldest first.
func (s *AskService) ListExchanges(ctx context.Context, sessionID string) ([]domain.Exchange, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, newError(ErrorInvalidInput, "empty_session_id", nil)
	}
	logs, err := s.store.ListExchanges(ctx, sessionID, defaultLogListLimit)
	if err != nil {
		return nil, newError(ErrorInternal, "dynamodb_query_error", err)
	}
	return logs, nil
}

func (s *AskService) ensureConfig(ctx context.Context) error {
	s.cacheMu.RLock()
	if s.cacheLoaded {
		s.cacheMu.RUnlock()
		return nil
	}
	s.cacheMu.RUnlock()

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.cacheLoaded {
		return nil
	}

	systemPrompt, err := s.params.GetParameter(ctx, s.paramPrefix+"/system_prompt")
	if err != nil {
		return fmt.Errorf("usecase: load system prompt: %w", err)
	}
	openaiModel, err := s.params.GetParameter(ctx, s.paramPrefix+"/config/openai_model")
	if err != nil {
		return fmt.Errorf("usecase: load openai model: %w", err)
	}

	s.systemPrompt = systemPrompt
	s.openaiModel = strings.TrimSpace(openaiModel)
	s.cacheLoaded = true
	return nil
}

func cannedAnswer(text string) AskOutput {
	return AskOutput{
		ContextID: newContextID(),
		Chunks:    []string{text},
	}
}

func rateKey(sessionID, clientIP string) string {
	if sessionID != "" {
		return "session:" + sessionID
	}
	if ip := strings.TrimSpace(clientIP); ip != "" {
		return "ip:" + ip
	}
	return "anonymous"
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

var newUUID = func() string {
	return uuid.NewString()
}

func newContextID() string {
	return strings.ReplaceAll(newUUID(), "-", "")[:contextIDLength]
}
