// Package delivery implements the progressive-answer delivery protocol: a
// question becomes a bounded first batch of answer chunks, optional
// continuation fetches, bounded conversation history and idle
// re-engagement suggestions.
//
// All transitions run to completion under one lock. The lock is released
// only around Transport calls, so a reset, a timer fire or another request
// may be observed while a call is outstanding. At most one submission or
// continuation is in flight at a time; attempts made meanwhile are rejected,
// not queued.
package delivery

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"softterminal/internal/domain"
)

// MaxFirstChunks caps how many chunks of a first answer are shown before the
// user asks for more.
const MaxFirstChunks = 3

// AnswerContext is the read-only projection of one answer.
type AnswerContext struct {
	ContextID     string
	Question      string
	Chunks        []string
	MoreAvailable bool
	Status        AnswerStatus
}

// Text is the full answer delivered so far.
func (a AnswerContext) Text() string {
	return strings.Join(a.Chunks, " ")
}

// Message is one submitted question as shown to the user. Answer is nil
// until the first chunk arrives.
type Message struct {
	ID       string
	Question string
	Answer   *AnswerContext
}

// View is an immutable snapshot handed to listeners.
type View struct {
	State       State
	SessionID   string
	Messages    []Message
	Suggestions []string
	Error       string
	Loading     bool
	CanRetry    bool
	CanGetMore  bool
}

type answer struct {
	contextID  string
	question   string
	chunks     []string
	held       []string
	serverMore bool
	status     AnswerStatus
}

func (a *answer) more() bool {
	return len(a.held) > 0 || a.serverMore
}

func (a *answer) project() *AnswerContext {
	return &AnswerContext{
		ContextID:     a.contextID,
		Question:      a.question,
		Chunks:        slices.Clone(a.chunks),
		MoreAvailable: a.status == StatusPartial && a.more(),
		Status:        a.status,
	}
}

type message struct {
	id       string
	question string
	answer   *answer
}

type Option func(*Machine)

func WithLogSink(sink LogSink) Option {
	return func(m *Machine) {
		if sink != nil {
			m.sink = sink
		}
	}
}

func WithClock(clock Clock) Option {
	return func(m *Machine) {
		if clock != nil {
			m.idle.clock = clock
		}
	}
}

func WithIdleDelay(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.idle.delay = d
		}
	}
}

// WithSuggestions replaces the suggestion pool and, optionally, the random
// index picker.
func WithSuggestions(pool []string, pick func(n int) int) Option {
	return func(m *Machine) {
		m.suggest = newSuggester(pool, pick)
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// Machine is the answer delivery state machine for one conversation front
// end. It owns the history buffer, the session manager and the idle timer.
type Machine struct {
	transport Transport
	sink      LogSink
	logger    *slog.Logger
	sessions  *SessionManager
	suggest   suggester
	now       func() time.Time
	newID     func() string

	mu          sync.Mutex
	state       State
	history     *History
	messages    []*message
	current     *answer
	suggestions []string
	errMsg      string
	idle        idleScheduler

	listenersMu sync.Mutex
	listeners   []func(View)
}

func New(t Transport, opts ...Option) (*Machine, error) {
	if t == nil {
		return nil, errors.New("delivery: transport must not be nil")
	}
	m := &Machine{
		transport: t,
		logger:    slog.Default(),
		suggest:   newSuggester(nil, nil),
		now:       time.Now,
		newID:     uuid.NewString,
		history:   NewHistory(),
		idle:      idleScheduler{clock: realClock{}, delay: DefaultIdleDelay},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.sink == nil {
		m.sink = SlogSink{Logger: m.logger}
	}
	m.sessions = NewSessionManager(t, m.logger)
	return m, nil
}

// OnChange registers fn to be called with a fresh View after every
// transition. Listeners run outside the machine lock and may call back into
// the Machine.
func (m *Machine) OnChange(fn func(View)) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// StartSession discards everything and establishes a new session. It
// returns the new session id, or "" when creation failed.
func (m *Machine) StartSession(ctx context.Context) string {
	m.mu.Lock()
	sess := m.resetLocked()
	m.mu.Unlock()
	m.notify()

	sess = m.sessions.Establish(ctx, sess)
	m.notify()
	return sess.ID
}

// Reset abandons any in-flight answer, clears history and messages and
// starts a new session. In-flight transport calls are not cancelled; their
// responses are discarded when they arrive.
func (m *Machine) Reset(ctx context.Context) {
	m.StartSession(ctx)
}

func (m *Machine) resetLocked() Session {
	m.idle.cancel()
	m.history.Clear()
	m.messages = nil
	m.current = nil
	m.errMsg = ""
	m.setStateLocked(StateIdle)
	m.suggestions = m.suggest.distinct(InitialSuggestions)
	return m.sessions.Begin()
}

// Submit sends a new question. Blank questions and submissions made while
// another request is in flight, or before Retry after a failure, are
// rejected without any visible effect.
func (m *Machine) Submit(ctx context.Context, question string) error {
	question = strings.TrimSpace(question)
	if question == "" {
		return rejected("empty_question")
	}

	m.mu.Lock()
	if !m.state.acceptsInput() {
		state := m.state
		m.mu.Unlock()
		m.logger.Debug("delivery: submission ignored", "state", state.String())
		return rejected("busy")
	}
	settled := m.settleLocked()

	msg := &message{id: m.newID(), question: question}
	m.messages = append(m.messages, msg)
	m.suggestions = nil
	m.errMsg = ""
	m.setStateLocked(StateSubmitting)
	m.rearmIdleLocked()

	sess := m.sessions.Current()
	req := SubmitRequest{
		Question:  question,
		History:   m.history.Snapshot(),
		SessionID: sess.ID,
	}
	m.mu.Unlock()
	m.notify()

	first, err := m.transport.Submit(ctx, req)
	m.emit(ctx, settled)
	if err == nil && first.MoreAvailable && strings.TrimSpace(first.ContextID) == "" {
		err = errors.New("response declares more chunks without a context id")
	}

	m.mu.Lock()
	if !m.sessions.IsCurrent(sess) {
		m.mu.Unlock()
		m.logger.Debug("delivery: stale submit response discarded")
		return ErrDiscarded
	}
	if err != nil {
		m.removeMessageLocked(msg.id)
		m.failLocked()
		m.mu.Unlock()
		m.logger.Warn("delivery: submit failed", "err", err)
		m.notify()
		return transportFailure("submit_failed", err)
	}

	chunks := slices.Clone(first.Chunks)
	ans := &answer{
		contextID:  first.ContextID,
		question:   question,
		serverMore: first.MoreAvailable,
	}
	if len(chunks) > MaxFirstChunks {
		ans.held = chunks[MaxFirstChunks:]
		chunks = chunks[:MaxFirstChunks]
	}
	ans.chunks = chunks
	msg.answer = ans

	var done *CompletedExchange
	if ans.more() {
		ans.status = StatusPartial
		m.current = ans
		m.setStateLocked(StatePartial)
	} else {
		done = m.completeLocked(ans, sess)
	}
	m.rearmIdleLocked()
	m.mu.Unlock()

	m.emit(ctx, done)
	m.notify()
	return nil
}

// More requests the continuation of the newest partial answer. New chunks
// are appended to the answer; a response without more chunks completes it.
func (m *Machine) More(ctx context.Context) error {
	m.mu.Lock()
	if !m.state.acceptsInput() || m.current == nil {
		m.mu.Unlock()
		return rejected("no_continuation")
	}
	ans := m.current
	sess := m.sessions.Current()

	if len(ans.held) > 0 {
		ans.chunks = append(ans.chunks, ans.held...)
		ans.held = nil
		var done *CompletedExchange
		if ans.serverMore {
			m.setStateLocked(StatePartial)
		} else {
			done = m.completeLocked(ans, sess)
		}
		m.rearmIdleLocked()
		m.mu.Unlock()
		m.emit(ctx, done)
		m.notify()
		return nil
	}

	m.errMsg = ""
	m.setStateLocked(StateFetchingMore)
	m.rearmIdleLocked()
	contextID := ans.contextID
	m.mu.Unlock()
	m.notify()

	cont, err := m.transport.RequestMore(ctx, contextID)

	m.mu.Lock()
	if !m.sessions.IsCurrent(sess) || m.current != ans {
		m.mu.Unlock()
		m.logger.Debug("delivery: stale continuation discarded", "context_id", contextID)
		return ErrDiscarded
	}
	if err != nil {
		m.failLocked()
		m.mu.Unlock()
		m.logger.Warn("delivery: continuation failed", "context_id", contextID, "err", err)
		m.notify()
		return transportFailure("more_failed", err)
	}

	ans.chunks = append(ans.chunks, cont.Chunks...)
	ans.serverMore = cont.MoreAvailable
	var done *CompletedExchange
	if ans.serverMore {
		m.setStateLocked(StatePartial)
	} else {
		done = m.completeLocked(ans, sess)
	}
	m.rearmIdleLocked()
	m.mu.Unlock()

	m.emit(ctx, done)
	m.notify()
	return nil
}

// Retry clears the error indicator and re-enables input. The lost question
// is not resubmitted.
func (m *Machine) Retry() error {
	m.mu.Lock()
	if m.state != StateFailed {
		m.mu.Unlock()
		return rejected("not_failed")
	}
	m.errMsg = ""
	m.setStateLocked(StateIdle)
	m.mu.Unlock()
	m.notify()
	return nil
}

// View returns a snapshot of the visible state.
func (m *Machine) View() View {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs := make([]Message, 0, len(m.messages))
	for _, msg := range m.messages {
		out := Message{ID: msg.id, Question: msg.question}
		if msg.answer != nil {
			out.Answer = msg.answer.project()
		}
		msgs = append(msgs, out)
	}
	return View{
		State:       m.state,
		SessionID:   m.sessions.Current().ID,
		Messages:    msgs,
		Suggestions: slices.Clone(m.suggestions),
		Error:       m.errMsg,
		Loading:     m.state.InFlight(),
		CanRetry:    m.state == StateFailed,
		CanGetMore:  m.state.acceptsInput() && m.current != nil,
	}
}

// History returns the context that the next submission would carry.
func (m *Machine) History() []domain.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history.Snapshot()
}

// State returns the current pipeline state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Close stops the idle timer.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.idle.cancel()
}

func (m *Machine) setStateLocked(s State) {
	if m.state != s {
		m.logger.Debug("delivery: transition", "from", m.state.String(), "to", s.String())
	}
	m.state = s
}

func (m *Machine) failLocked() {
	m.errMsg = ErrorMessage
	m.setStateLocked(StateFailed)
	m.rearmIdleLocked()
}

// settleLocked completes a partial answer that is superseded by a new
// submission, using the chunks delivered so far.
func (m *Machine) settleLocked() *CompletedExchange {
	if m.current == nil {
		return nil
	}
	ans := m.current
	ans.held = nil
	ans.serverMore = false
	return m.completeLocked(ans, m.sessions.Current())
}

// completeLocked moves ans to Complete, records the exchange in history and
// returns the log event. It is reached at most once per answer.
func (m *Machine) completeLocked(ans *answer, sess Session) *CompletedExchange {
	if ans.status == StatusComplete {
		return nil
	}
	ans.status = StatusComplete
	if m.current == ans {
		m.current = nil
	}
	text := strings.Join(ans.chunks, " ")
	m.history.Append(ans.question, text)
	m.setStateLocked(StateComplete)
	return &CompletedExchange{
		SessionID:   sess.ID,
		ContextID:   ans.contextID,
		Question:    ans.question,
		Answer:      text,
		Chunks:      len(ans.chunks),
		CompletedAt: m.now(),
	}
}

func (m *Machine) removeMessageLocked(id string) {
	m.messages = slices.DeleteFunc(m.messages, func(msg *message) bool {
		return msg.id == id
	})
}

func (m *Machine) rearmIdleLocked() {
	idle := len(m.messages) > 0 && !m.state.InFlight()
	m.idle.rearm(idle, m.onIdle)
}

func (m *Machine) onIdle(seq uint64) {
	m.mu.Lock()
	if !m.idle.claim(seq) || len(m.messages) == 0 || m.state.InFlight() {
		m.mu.Unlock()
		return
	}
	m.suggestions = []string{m.suggest.one()}
	m.mu.Unlock()
	m.notify()
}

func (m *Machine) emit(ctx context.Context, ex *CompletedExchange) {
	if ex == nil {
		return
	}
	if err := m.sink.LogExchange(context.WithoutCancel(ctx), *ex); err != nil {
		m.logger.Warn("delivery: exchange log failed", "context_id", ex.ContextID, "err", err)
	}
}

func (m *Machine) notify() {
	m.listenersMu.Lock()
	listeners := slices.Clone(m.listeners)
	m.listenersMu.Unlock()
	if len(listeners) == 0 {
		return
	}
	v := m.View()
	for _, fn := range listeners {
		fn(v)
	}
}
