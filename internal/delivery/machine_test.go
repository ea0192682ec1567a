package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"softterminal/internal/domain"
)

type harness struct {
	m     *Machine
	tr    *fakeTransport
	sink  *recordingSink
	clock *fakeClock
	views []View
}

func newHarness(t *testing.T, tr *fakeTransport) *harness {
	t.Helper()
	h := &harness{tr: tr, sink: &recordingSink{}, clock: &fakeClock{}}
	m, err := New(tr,
		WithLogSink(h.sink),
		WithClock(h.clock),
		WithSuggestions([]string{"Why is the sky blue?", "How do bees make honey?", "Why do cats purr?", "How do birds fly?"}, firstPick),
	)
	require.NoError(t, err)
	m.OnChange(func(v View) { h.views = append(h.views, v) })
	t.Cleanup(m.Close)
	h.m = m
	return h
}

func rainbowAnswer() FirstAnswer {
	return FirstAnswer{
		ContextID:     "c1",
		Chunks:        []string{"Rainbows form when light bends.", "They make an arc of colors."},
		MoreAvailable: true,
	}
}

func completeAnswer(id, text string) FirstAnswer {
	return FirstAnswer{ContextID: id, Chunks: []string{text}}
}

func TestNew_NilTransport(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be nil")
}

func TestStartSession_AssignsID(t *testing.T) {
	h := newHarness(t, &fakeTransport{sessionIDs: []string{"s-1"}})

	id := h.m.StartSession(context.Background())
	require.Equal(t, "s-1", id)

	v := h.m.View()
	require.Equal(t, "s-1", v.SessionID)
	require.Equal(t, StateIdle, v.State)
	require.Equal(t, []string{"Why is the sky blue?", "How do bees make honey?", "Why do cats purr?"}, v.Suggestions)
}

func TestStartSession_FailureDegradesToNoSession(t *testing.T) {
	tr := &fakeTransport{sessionErr: errors.New("offline")}
	tr.queueSubmit(completeAnswer("c1", "Cats purr when happy."), nil)
	h := newHarness(t, tr)

	require.Empty(t, h.m.StartSession(context.Background()))
	require.Empty(t, h.m.View().Error)

	require.NoError(t, h.m.Submit(context.Background(), "Why do cats purr?"))
	require.Empty(t, tr.lastRequest().SessionID)
	require.Equal(t, StateComplete, h.m.State())
}

func TestSubmit_RejectsBlankQuestion(t *testing.T) {
	tr := &fakeTransport{sessionIDs: []string{"s-1"}}
	h := newHarness(t, tr)
	h.m.StartSession(context.Background())

	err := h.m.Submit(context.Background(), "   \n\t")
	require.True(t, IsRejected(err))
	require.Empty(t, h.m.View().Messages)
	require.Empty(t, tr.requests)
}

func TestScenarioA_FirstChunksWithContinuation(t *testing.T) {
	tr := &fakeTransport{sessionIDs: []string{"s-1"}}
	tr.queueSubmit(rainbowAnswer(), nil)
	h := newHarness(t, tr)
	h.m.StartSession(context.Background())

	require.NoError(t, h.m.Submit(context.Background(), "How do rainbows form?"))

	v := h.m.View()
	require.Equal(t, StatePartial, v.State)
	require.Len(t, v.Messages, 1)
	require.Equal(t, "How do rainbows form?", v.Messages[0].Question)
	ans := v.Messages[0].Answer
	require.NotNil(t, ans)
	require.Len(t, ans.Chunks, 2)
	require.True(t, ans.MoreAvailable)
	require.Equal(t, StatusPartial, ans.Status)
	require.True(t, v.CanGetMore)
	require.Empty(t, v.Suggestions)
	require.Equal(t, "s-1", tr.lastRequest().SessionID)
	require.Empty(t, h.m.History())
	require.Empty(t, h.sink.all())
}

func TestScenarioB_ContinuationCompletesAnswer(t *testing.T) {
	tr := &fakeTransport{sessionIDs: []string{"s-1"}}
	tr.queueSubmit(rainbowAnswer(), nil)
	tr.queueMore(Continuation{Chunks: []string{"That's called refraction."}}, nil)
	h := newHarness(t, tr)
	h.m.StartSession(context.Background())

	require.NoError(t, h.m.Submit(context.Background(), "How do rainbows form?"))
	before := len(h.m.View().Messages[0].Answer.Chunks)
	require.NoError(t, h.m.More(context.Background()))

	require.Equal(t, []string{"c1"}, tr.moreIDs)
	v := h.m.View()
	ans := v.Messages[0].Answer
	require.Len(t, ans.Chunks, before+1)
	require.Equal(t, "Rainbows form when light bends.", ans.Chunks[0])
	require.Equal(t, "That's called refraction.", ans.Chunks[2])
	require.False(t, ans.MoreAvailable)
	require.Equal(t, StatusComplete, ans.Status)
	require.False(t, v.CanGetMore)
	require.Equal(t, StateComplete, v.State)

	want := "Rainbows form when light bends. They make an arc of colors. That's called refraction."
	require.Equal(t, []domain.Turn{
		{Role: domain.RoleUser, Content: "How do rainbows form?"},
		{Role: domain.RoleAssistant, Content: want},
	}, h.m.History())

	logged := h.sink.all()
	require.Len(t, logged, 1)
	require.Equal(t, want, logged[0].Answer)
	require.Equal(t, "s-1", logged[0].SessionID)
	require.Equal(t, 3, logged[0].Chunks)
}

func TestMore_ChainsUntilExhausted(t *testing.T) {
	tr := &fakeTransport{sessionIDs: []string{"s-1"}}
	tr.queueSubmit(rainbowAnswer(), nil)
	tr.queueMore(Continuation{Chunks: []string{"Light is made of colors."}, MoreAvailable: true}, nil)
	tr.queueMore(Continuation{Chunks: []string{"Raindrops split them apart."}}, nil)
	h := newHarness(t, tr)
	h.m.StartSession(context.Background())

	require.NoError(t, h.m.Submit(context.Background(), "How do rainbows form?"))
	require.NoError(t, h.m.More(context.Background()))
	require.Equal(t, StatePartial, h.m.State())
	require.NoError(t, h.m.More(context.Background()))
	require.Equal(t, StateComplete, h.m.State())
	require.Len(t, h.m.View().Messages[0].Answer.Chunks, 4)

	err := h.m.More(context.Background())
	require.True(t, IsRejected(err))
	require.Len(t, tr.moreIDs, 2)
	require.Len(t, h.sink.all(), 1)
}

func TestScenarioC_TransportFailureAndRetry(t *testing.T) {
	tr := &fakeTransport{sessionIDs: []string{"s-1"}}
	tr.queueSubmit(FirstAnswer{}, errors.New("dial tcp: connection refused"))
	tr.queueSubmit(completeAnswer("c2", "The sky is blue because of sunlight."), nil)
	h := newHarness(t, tr)
	h.m.StartSession(context.Background())

	err := h.m.Submit(context.Background(), "Why is the sky blue?")
	var derr *Error
	require.ErrorAs(t, err, &derr)
	require.Equal(t, ErrorTransport, derr.Kind)

	v := h.m.View()
	require.Equal(t, StateFailed, v.State)
	require.Empty(t, v.Messages)
	require.Equal(t, ErrorMessage, v.Error)
	require.NotContains(t, v.Error, "connection refused")
	require.True(t, v.CanRetry)
	require.Empty(t, h.m.History())

	require.True(t, IsRejected(h.m.Submit(context.Background(), "Why is the sky blue?")))

	require.NoError(t, h.m.Retry())
	v = h.m.View()
	require.Equal(t, StateIdle, v.State)
	require.Empty(t, v.Error)
	require.False(t, v.CanRetry)

	require.NoError(t, h.m.Submit(context.Background(), "Why is the sky blue?"))
	v = h.m.View()
	require.Empty(t, v.Error)
	require.Len(t, v.Messages, 1)
	require.Equal(t, StateComplete, v.State)
}

func TestRetry_RejectedWhenNotFailed(t *testing.T) {
	h := newHarness(t, &fakeTransport{sessionIDs: []string{"s-1"}})
	h.m.StartSession(context.Background())
	require.True(t, IsRejected(h.m.Retry()))
}

func TestMore_FailureKeepsDeliveredChunks(t *testing.T) {
	tr := &fakeTransport{sessionIDs: []string{"s-1"}}
	tr.queueSubmit(rainbowAnswer(), nil)
	tr.queueMore(Continuation{}, errors.New("502 bad gateway"))
	tr.queueMore(Continuation{Chunks: []string{"That's called refraction."}}, nil)
	h := newHarness(t, tr)
	h.m.StartSession(context.Background())

	require.NoError(t, h.m.Submit(context.Background(), "How do rainbows form?"))
	require.Error(t, h.m.More(context.Background()))

	v := h.m.View()
	require.Equal(t, StateFailed, v.State)
	require.Len(t, v.Messages, 1)
	require.Len(t, v.Messages[0].Answer.Chunks, 2)
	require.Equal(t, ErrorMessage, v.Error)

	require.NoError(t, h.m.Retry())
	require.True(t, h.m.View().CanGetMore)
	require.NoError(t, h.m.More(context.Background()))
	require.Len(t, h.m.View().Messages[0].Answer.Chunks, 3)
	require.Equal(t, StateComplete, h.m.State())
}

func TestScenarioD_HistoryKeepsLastThreeExchanges(t *testing.T) {
	tr := &fakeTransport{sessionIDs: []string{"s-1"}}
	questions := []string{"Q1?", "Q2?", "Q3?", "Q4?"}
	for i := range questions {
		tr.queueSubmit(completeAnswer("c", "A"+questions[i]), nil)
	}
	h := newHarness(t, tr)
	h.m.StartSession(context.Background())

	for i, q := range questions {
		require.NoError(t, h.m.Submit(context.Background(), q))
		hist := h.m.History()
		require.LessOrEqual(t, len(hist), MaxHistoryTurns)
		require.Zero(t, len(hist)%2)
		// the request never contains its own answer
		require.Len(t, tr.lastRequest().History, min(i, 3)*2)
	}

	hist := h.m.History()
	require.Len(t, hist, 6)
	require.Equal(t, "Q2?", hist[0].Content)
	require.Equal(t, domain.RoleUser, hist[0].Role)
	require.Equal(t, "AQ2?", hist[1].Content)
	require.Equal(t, domain.RoleAssistant, hist[1].Role)
	require.Equal(t, "Q4?", hist[4].Content)
}

func TestScenarioE_IdleSuggestion(t *testing.T) {
	tr := &fakeTransport{sessionIDs: []string{"s-1"}}
	tr.queueSubmit(completeAnswer("c1", "Cats purr when happy."), nil)
	h := newHarness(t, tr)
	h.m.StartSession(context.Background())

	require.NoError(t, h.m.Submit(context.Background(), "Why do cats purr?"))
	require.Empty(t, h.m.View().Suggestions)

	h.clock.Advance(DefaultIdleDelay - time.Second)
	require.Empty(t, h.m.View().Suggestions)

	h.clock.Advance(time.Second)
	v := h.m.View()
	require.Equal(t, []string{"Why is the sky blue?"}, v.Suggestions)

	// edge-triggered: no second fire without new activity
	h.clock.Advance(10 * DefaultIdleDelay)
	require.Equal(t, 0, h.clock.pending())
	require.Len(t, h.m.View().Suggestions, 1)
}

func TestIdle_NeverFiresWithoutMessages(t *testing.T) {
	h := newHarness(t, &fakeTransport{sessionIDs: []string{"s-1"}})
	h.m.StartSession(context.Background())

	h.clock.Advance(10 * DefaultIdleDelay)
	require.Equal(t, 0, h.clock.pending())
	require.Len(t, h.m.View().Suggestions, InitialSuggestions)
}

func TestIdle_NeverFiresWhileInFlight(t *testing.T) {
	tr := &fakeTransport{
		sessionIDs: []string{"s-1"},
		gate:       make(chan struct{}),
		entered:    make(chan struct{}, 4),
	}
	tr.queueSubmit(completeAnswer("c1", "Cats purr when happy."), nil)
	h := newHarness(t, tr)
	h.m.StartSession(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.m.Submit(context.Background(), "Why do cats purr?") }()
	<-tr.entered

	require.True(t, h.m.View().Loading)
	h.clock.Advance(10 * DefaultIdleDelay)
	require.Empty(t, h.m.View().Suggestions)

	tr.gate <- struct{}{}
	require.NoError(t, <-done)

	require.Equal(t, 1, h.clock.pending())
	h.clock.Advance(DefaultIdleDelay)
	require.Len(t, h.m.View().Suggestions, 1)
}

func TestIdle_ActivityCancelsPendingTimer(t *testing.T) {
	tr := &fakeTransport{sessionIDs: []string{"s-1"}}
	tr.queueSubmit(rainbowAnswer(), nil)
	tr.queueMore(Continuation{Chunks: []string{"That's called refraction."}}, nil)
	h := newHarness(t, tr)
	h.m.StartSession(context.Background())

	require.NoError(t, h.m.Submit(context.Background(), "How do rainbows form?"))
	h.clock.Advance(DefaultIdleDelay / 2)
	require.NoError(t, h.m.More(context.Background()))
	h.clock.Advance(DefaultIdleDelay / 2)
	require.Empty(t, h.m.View().Suggestions)

	h.clock.Advance(DefaultIdleDelay / 2)
	require.Len(t, h.m.View().Suggestions, 1)
}

func TestSubmit_IgnoredWhileInFlight(t *testing.T) {
	tr := &fakeTransport{
		sessionIDs: []string{"s-1"},
		gate:       make(chan struct{}),
		entered:    make(chan struct{}, 4),
	}
	tr.queueSubmit(rainbowAnswer(), nil)
	h := newHarness(t, tr)
	h.m.StartSession(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.m.Submit(context.Background(), "How do rainbows form?") }()
	<-tr.entered

	require.Equal(t, StateSubmitting, h.m.State())
	require.True(t, IsRejected(h.m.Submit(context.Background(), "Why do cats purr?")))
	require.True(t, IsRejected(h.m.More(context.Background())))

	v := h.m.View()
	require.Len(t, v.Messages, 1)
	require.Nil(t, v.Messages[0].Answer)

	tr.gate <- struct{}{}
	require.NoError(t, <-done)
	require.Len(t, tr.requests, 1)
	require.Equal(t, StatePartial, h.m.State())
}

func TestReset_DiscardsStaleResponse(t *testing.T) {
	tr := &fakeTransport{
		sessionIDs: []string{"s-1", "s-2"},
		gate:       make(chan struct{}),
		entered:    make(chan struct{}, 4),
	}
	tr.queueSubmit(completeAnswer("c1", "Old answer."), nil)
	h := newHarness(t, tr)
	h.m.StartSession(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.m.Submit(context.Background(), "Old question?") }()
	<-tr.entered

	h.m.Reset(context.Background())
	require.Equal(t, "s-2", h.m.View().SessionID)
	require.Equal(t, StateIdle, h.m.State())

	tr.gate <- struct{}{}
	require.ErrorIs(t, <-done, ErrDiscarded)

	v := h.m.View()
	require.Empty(t, v.Messages)
	require.Empty(t, h.m.History())
	require.Equal(t, StateIdle, v.State)
	require.Empty(t, h.sink.all())
}

func TestReset_DiscardsStaleContinuation(t *testing.T) {
	tr := &fakeTransport{
		sessionIDs: []string{"s-1", "s-2"},
		gate:       make(chan struct{}),
		entered:    make(chan struct{}, 4),
	}
	tr.queueSubmit(rainbowAnswer(), nil)
	tr.queueMore(Continuation{Chunks: []string{"Red is always on top."}}, nil)
	h := newHarness(t, tr)
	h.m.StartSession(context.Background())

	submitted := make(chan error, 1)
	go func() { submitted <- h.m.Submit(context.Background(), "How do rainbows form?") }()
	<-tr.entered
	tr.gate <- struct{}{}
	require.NoError(t, <-submitted)
	require.Equal(t, StatePartial, h.m.State())

	done := make(chan error, 1)
	go func() { done <- h.m.More(context.Background()) }()
	<-tr.entered
	require.Equal(t, StateFetchingMore, h.m.State())

	h.m.Reset(context.Background())
	require.Equal(t, "s-2", h.m.View().SessionID)

	tr.gate <- struct{}{}
	require.ErrorIs(t, <-done, ErrDiscarded)

	v := h.m.View()
	require.Empty(t, v.Messages)
	require.Empty(t, h.m.History())
	require.Equal(t, StateIdle, v.State)
	require.Empty(t, h.sink.all())
}

func TestSubmit_LogsSupersededAnswerAfterSubmitResolves(t *testing.T) {
	tr := &fakeTransport{sessionIDs: []string{"s-1"}}
	tr.queueSubmit(rainbowAnswer(), nil)
	tr.queueSubmit(completeAnswer("c2", "Cats purr when happy."), nil)
	h := newHarness(t, tr)
	h.m.StartSession(context.Background())
	require.NoError(t, h.m.Submit(context.Background(), "How do rainbows form?"))

	var submitsAtLog []int
	h.sink.onLog = func(CompletedExchange) {
		tr.mu.Lock()
		submitsAtLog = append(submitsAtLog, len(tr.requests))
		tr.mu.Unlock()
	}
	require.NoError(t, h.m.Submit(context.Background(), "Why do cats purr?"))

	logged := h.sink.all()
	require.Len(t, logged, 2)
	require.Equal(t, "c1", logged[0].ContextID)
	require.Equal(t, "c2", logged[1].ContextID)
	require.Equal(t, []int{2, 2}, submitsAtLog)
}

func TestReset_IsIdempotent(t *testing.T) {
	tr := &fakeTransport{sessionIDs: []string{"s-1"}}
	tr.queueSubmit(completeAnswer("c1", "Cats purr when happy."), nil)
	h := newHarness(t, tr)
	h.m.StartSession(context.Background())
	require.NoError(t, h.m.Submit(context.Background(), "Why do cats purr?"))

	h.m.Reset(context.Background())
	once := h.m.View()
	onceHistory := h.m.History()
	h.m.Reset(context.Background())
	twice := h.m.View()

	require.Equal(t, once, twice)
	require.Equal(t, onceHistory, h.m.History())
	require.Empty(t, twice.Messages)
	require.Empty(t, h.m.History())
	require.Equal(t, StateIdle, twice.State)
	require.Equal(t, 0, h.clock.pending())
}

func TestSubmit_SettlesSupersededPartialAnswer(t *testing.T) {
	tr := &fakeTransport{sessionIDs: []string{"s-1"}}
	tr.queueSubmit(rainbowAnswer(), nil)
	tr.queueSubmit(completeAnswer("c2", "Cats purr when happy."), nil)
	h := newHarness(t, tr)
	h.m.StartSession(context.Background())

	require.NoError(t, h.m.Submit(context.Background(), "How do rainbows form?"))
	require.NoError(t, h.m.Submit(context.Background(), "Why do cats purr?"))

	req := tr.lastRequest()
	require.Len(t, req.History, 2)
	require.Equal(t, "Rainbows form when light bends. They make an arc of colors.", req.History[1].Content)

	v := h.m.View()
	require.Equal(t, StatusComplete, v.Messages[0].Answer.Status)
	require.False(t, v.Messages[0].Answer.MoreAvailable)
	require.Len(t, h.sink.all(), 2)
}

func TestSubmit_CapsFirstBatchAndHoldsOverflow(t *testing.T) {
	tr := &fakeTransport{sessionIDs: []string{"s-1"}}
	tr.queueSubmit(FirstAnswer{ContextID: "c1", Chunks: []string{"One.", "Two.", "Three.", "Four.", "Five."}}, nil)
	h := newHarness(t, tr)
	h.m.StartSession(context.Background())

	require.NoError(t, h.m.Submit(context.Background(), "Count for me?"))
	ans := h.m.View().Messages[0].Answer
	require.Len(t, ans.Chunks, MaxFirstChunks)
	require.True(t, ans.MoreAvailable)

	require.NoError(t, h.m.More(context.Background()))
	require.Empty(t, tr.moreIDs)
	ans = h.m.View().Messages[0].Answer
	require.Equal(t, []string{"One.", "Two.", "Three.", "Four.", "Five."}, ans.Chunks)
	require.Equal(t, StatusComplete, ans.Status)
}

func TestSubmit_MoreWithoutContextIDFails(t *testing.T) {
	tr := &fakeTransport{sessionIDs: []string{"s-1"}}
	tr.queueSubmit(FirstAnswer{Chunks: []string{"Half."}, MoreAvailable: true}, nil)
	h := newHarness(t, tr)
	h.m.StartSession(context.Background())

	require.Error(t, h.m.Submit(context.Background(), "Why?"))
	require.Equal(t, StateFailed, h.m.State())
	require.Empty(t, h.m.View().Messages)
}

func TestSink_ErrorDoesNotAffectState(t *testing.T) {
	tr := &fakeTransport{sessionIDs: []string{"s-1"}}
	tr.queueSubmit(completeAnswer("c1", "Cats purr when happy."), nil)
	h := newHarness(t, tr)
	h.sink.err = errors.New("log endpoint down")
	h.m.StartSession(context.Background())

	require.NoError(t, h.m.Submit(context.Background(), "Why do cats purr?"))
	require.Equal(t, StateComplete, h.m.State())
	require.Empty(t, h.m.View().Error)
	require.Len(t, h.m.History(), 2)
}

func TestOnChange_ObservesSubmittingThenAnswer(t *testing.T) {
	tr := &fakeTransport{sessionIDs: []string{"s-1"}}
	tr.queueSubmit(rainbowAnswer(), nil)
	h := newHarness(t, tr)
	h.m.StartSession(context.Background())
	h.views = nil

	require.NoError(t, h.m.Submit(context.Background(), "How do rainbows form?"))
	require.GreaterOrEqual(t, len(h.views), 2)
	require.True(t, h.views[0].Loading)
	require.Nil(t, h.views[0].Messages[0].Answer)
	last := h.views[len(h.views)-1]
	require.False(t, last.Loading)
	require.Len(t, last.Messages[0].Answer.Chunks, 2)
}
