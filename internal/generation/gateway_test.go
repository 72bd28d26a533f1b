package generation

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"docqa/internal/domain"
	"docqa/internal/metrics"
)

// fakeProvider replays chunks and fails at index failAt when failAt >= 0.
// With block set, Recv hangs from index blockAt until the stream context ends.
type fakeProvider struct {
	name        string
	unavailable bool
	chunks      []string
	failAt      int
	err         error
	block       bool
	blockAt     int

	mu        sync.Mutex
	streams   int
	generates int
	closed    int
	lastMsgs  []domain.ConversationTurn
}

func ok(name string, chunks ...string) *fakeProvider {
	return &fakeProvider{name: name, chunks: chunks, failAt: -1}
}

func failing(name string, kind Kind, failAt int, chunks ...string) *fakeProvider {
	return &fakeProvider{name: name, chunks: chunks, failAt: failAt, err: &Error{Kind: kind, Provider: name}}
}

func (p *fakeProvider) Name() string    { return p.name }
func (p *fakeProvider) Available() bool { return !p.unavailable }

func (p *fakeProvider) Generate(ctx context.Context, msgs []domain.ConversationTurn, _ Options) (string, error) {
	p.mu.Lock()
	p.generates++
	p.lastMsgs = msgs
	p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if p.failAt >= 0 {
		return "", p.err
	}
	return strings.Join(p.chunks, ""), nil
}

func (p *fakeProvider) Stream(ctx context.Context, msgs []domain.ConversationTurn, _ Options) (TokenStream, error) {
	p.mu.Lock()
	p.streams++
	p.lastMsgs = msgs
	p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &fakeStream{p: p, ctx: ctx}, nil
}

func (p *fakeProvider) counts() (streams, closed int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streams, p.closed
}

type fakeStream struct {
	p   *fakeProvider
	ctx context.Context
	i   int
}

func (s *fakeStream) Recv() (string, error) {
	if err := s.ctx.Err(); err != nil {
		return "", err
	}
	if s.p.block && s.i >= s.p.blockAt {
		<-s.ctx.Done()
		return "", s.ctx.Err()
	}
	if s.i == s.p.failAt {
		return "", s.p.err
	}
	if s.i >= len(s.p.chunks) {
		return "", io.EOF
	}
	s.i++
	return s.p.chunks[s.i-1], nil
}

func (s *fakeStream) Close() error {
	s.p.mu.Lock()
	s.p.closed++
	s.p.mu.Unlock()
	return nil
}

type transitions struct {
	mu     sync.Mutex
	states []State
}

func (tr *transitions) record(_ string, _, to State) {
	tr.mu.Lock()
	tr.states = append(tr.states, to)
	tr.mu.Unlock()
}

func newGateway(t *testing.T, cfg Config, providers ...Provider) (*Gateway, *transitions, *metrics.Metrics) {
	t.Helper()
	tr := &transitions{}
	m := metrics.New(prometheus.NewRegistry())
	g, err := NewGateway(providers, cfg, GatewayOptions{
		Logger:       zaptest.NewLogger(t),
		Metrics:      m,
		OnTransition: tr.record,
	})
	require.NoError(t, err)
	return g, tr, m
}

// collect drains a stream, returning the chunks and every yielded error.
func collect(seq func(func(string, error) bool)) ([]string, []error) {
	var chunks []string
	var errs []error
	for chunk, err := range seq {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		chunks = append(chunks, chunk)
	}
	return chunks, errs
}

func TestFallbackAfterRateLimit(t *testing.T) {
	primary := failing("primary", KindRateLimit, 0)
	fallback := ok("fallback", "ok")
	g, tr, m := newGateway(t, DefaultConfig(), primary, fallback)

	chunks, errs := collect(g.Stream(context.Background(), "hi", nil, "sys"))
	assert.Empty(t, errs)
	assert.Equal(t, []string{"ok"}, chunks)

	s, closed := primary.counts()
	assert.Equal(t, 1, s)
	assert.Equal(t, 1, closed)
	s, _ = fallback.counts()
	assert.Equal(t, 1, s)

	assert.Equal(t, []State{StateBuildingContext, StateStreaming, StateFailedRetryable, StateFallbackStreaming, StateCompleted}, tr.states)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Fallbacks))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GenerationFailures.WithLabelValues("rate_limit")))
}

func TestFailureAfterPartialOutputIsTerminal(t *testing.T) {
	primary := failing("primary", KindNetwork, 1, "partial", "never")
	fallback := ok("fallback", "should not appear")
	g, tr, _ := newGateway(t, DefaultConfig(), primary, fallback)

	var events []string
	var final error
	for chunk, err := range g.Stream(context.Background(), "hi", nil, "") {
		if err != nil {
			final = err
			events = append(events, "error")
			continue
		}
		events = append(events, chunk)
	}
	assert.Equal(t, []string{"partial", "error"}, events)
	require.ErrorIs(t, final, ErrStreamInterrupted)
	var ge *Error
	require.ErrorAs(t, final, &ge)
	assert.Equal(t, KindNetwork, ge.Kind)
	assert.Equal(t, "primary", ge.Provider)

	s, _ := fallback.counts()
	assert.Zero(t, s)
	assert.Equal(t, StateFailedTerminal, tr.states[len(tr.states)-1])
}

func TestAuthErrorDoesNotFallBack(t *testing.T) {
	primary := failing("primary", KindAuth, 0)
	fallback := ok("fallback", "ok")
	g, _, _ := newGateway(t, DefaultConfig(), primary, fallback)

	chunks, errs := collect(g.Stream(context.Background(), "hi", nil, ""))
	assert.Empty(t, chunks)
	require.Len(t, errs, 1)
	assert.Equal(t, KindAuth, Classify(errs[0]))
	assert.NotErrorIs(t, errs[0], ErrRetryExhausted)
	s, _ := fallback.counts()
	assert.Zero(t, s)
}

func TestContentBlockedIsTerminal(t *testing.T) {
	primary := failing("primary", KindContentBlocked, 0)
	fallback := ok("fallback", "ok")
	g, _, _ := newGateway(t, DefaultConfig(), primary, fallback)

	_, errs := collect(g.Stream(context.Background(), "hi", nil, ""))
	require.Len(t, errs, 1)
	assert.Equal(t, KindContentBlocked, Classify(errs[0]))
	s, _ := fallback.counts()
	assert.Zero(t, s)
}

func TestAllProvidersFail(t *testing.T) {
	primary := failing("primary", KindRateLimit, 0)
	fallback := failing("fallback", KindModelUnavailable, 0)
	g, _, _ := newGateway(t, DefaultConfig(), primary, fallback)

	chunks, errs := collect(g.Stream(context.Background(), "hi", nil, ""))
	assert.Empty(t, chunks)
	require.Len(t, errs, 1)
	require.ErrorIs(t, errs[0], ErrRetryExhausted)
	var ge *Error
	require.ErrorAs(t, errs[0], &ge)
	assert.Equal(t, KindModelUnavailable, ge.Kind)
	assert.Equal(t, "fallback", ge.Provider)
}

func TestAttemptsAreBoundedByMaxFallbacks(t *testing.T) {
	a := failing("a", KindRateLimit, 0)
	b := failing("b", KindRateLimit, 0)
	c := ok("c", "late")
	g, _, _ := newGateway(t, DefaultConfig(), a, b, c)

	_, errs := collect(g.Stream(context.Background(), "hi", nil, ""))
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrRetryExhausted)
	s, _ := c.counts()
	assert.Zero(t, s)

	cfg := DefaultConfig()
	cfg.MaxFallbacks = 2
	g, _, _ = newGateway(t, cfg, a, b, c)
	chunks, errs := collect(g.Stream(context.Background(), "hi", nil, ""))
	assert.Empty(t, errs)
	assert.Equal(t, []string{"late"}, chunks)
}

func TestUnavailableProvidersAreSkipped(t *testing.T) {
	down := ok("down", "nope")
	down.unavailable = true
	flaky := failing("flaky", KindTimeout, 0)
	good := ok("good", "fine")
	g, _, _ := newGateway(t, DefaultConfig(), down, flaky, good)

	chunks, errs := collect(g.Stream(context.Background(), "hi", nil, ""))
	assert.Empty(t, errs)
	assert.Equal(t, []string{"fine"}, chunks)
	s, _ := down.counts()
	assert.Zero(t, s)
}

func TestNoAvailableProvider(t *testing.T) {
	down := ok("down")
	down.unavailable = true
	g, _, _ := newGateway(t, DefaultConfig(), down)

	_, errs := collect(g.Stream(context.Background(), "hi", nil, ""))
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrRetryExhausted)
	assert.ErrorIs(t, errs[0], ErrNoProvider)
}

func TestEarlyBreakClosesStream(t *testing.T) {
	p := ok("p", "a", "b", "c")
	g, tr, m := newGateway(t, DefaultConfig(), p)

	var got []string
	for chunk, err := range g.Stream(context.Background(), "hi", nil, "") {
		require.NoError(t, err)
		got = append(got, chunk)
		break
	}
	assert.Equal(t, []string{"a"}, got)
	_, closed := p.counts()
	assert.Equal(t, 1, closed)
	assert.Equal(t, StateCompleted, tr.states[len(tr.states)-1])
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProviderAttempts.WithLabelValues("p", "abandoned")))
}

func TestStreamMatchesGenerate(t *testing.T) {
	p := ok("p", "The ", "answer ", "is 42.")
	g, _, _ := newGateway(t, DefaultConfig(), p)
	ctx := context.Background()

	chunks, errs := collect(g.Stream(ctx, "q", nil, "sys"))
	require.Empty(t, errs)
	full, err := g.Generate(ctx, "q", nil, "sys")
	require.NoError(t, err)
	assert.Equal(t, full, strings.Join(chunks, ""))
	assert.Equal(t, 1, p.generates)
}

func TestGenerateFallsBack(t *testing.T) {
	g, _, _ := newGateway(t, DefaultConfig(), failing("a", KindNetwork, 0), ok("b", "from b"))
	out, err := g.Generate(context.Background(), "q", nil, "")
	require.NoError(t, err)
	assert.Equal(t, "from b", out)
}

func TestAttemptTimeoutFallsBack(t *testing.T) {
	slow := ok("slow")
	slow.block = true
	cfg := DefaultConfig()
	cfg.Timeout = 20 * time.Millisecond
	g, _, m := newGateway(t, cfg, slow, ok("fast", "ok"))

	chunks, errs := collect(g.Stream(context.Background(), "hi", nil, ""))
	assert.Empty(t, errs)
	assert.Equal(t, []string{"ok"}, chunks)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GenerationFailures.WithLabelValues("timeout")))
}

func TestSlowConsumerDoesNotTimeOut(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeout = 30 * time.Millisecond
	p := ok("a", "one ", "two ", "three")
	g, _, m := newGateway(t, cfg, p, ok("b", "fallback"))

	var chunks []string
	for chunk, err := range g.Stream(context.Background(), "hi", nil, "") {
		require.NoError(t, err)
		chunks = append(chunks, chunk)
		time.Sleep(3 * cfg.Timeout)
	}
	assert.Equal(t, []string{"one ", "two ", "three"}, chunks)
	assert.Zero(t, testutil.ToFloat64(m.GenerationFailures.WithLabelValues("timeout")))
	_, closed := p.counts()
	assert.Equal(t, 1, closed)
}

func TestStallAfterFirstChunkTimesOut(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeout = 30 * time.Millisecond
	p := ok("a", "partial", "never")
	p.block = true
	p.blockAt = 1
	g, _, _ := newGateway(t, cfg, p, ok("b", "fallback"))

	chunks, errs := collect(g.Stream(context.Background(), "hi", nil, ""))
	assert.Equal(t, []string{"partial"}, chunks)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrStreamInterrupted)
	var ge *Error
	require.ErrorAs(t, errs[0], &ge)
	assert.Equal(t, KindTimeout, ge.Kind)
}

func TestCallerCancellationIsTerminal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fallback := ok("b", "ok")
	g, _, _ := newGateway(t, DefaultConfig(), ok("a", "x"), fallback)

	_, errs := collect(g.Stream(ctx, "hi", nil, ""))
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], context.Canceled)
	s, _ := fallback.counts()
	assert.Zero(t, s)
}

func TestCircuitBreakerSkipsFailingProvider(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Breaker = BreakerConfig{ConsecutiveFailures: 2, OpenTimeout: time.Hour}
	primary := failing("primary", KindRateLimit, 0)
	g, _, _ := newGateway(t, cfg, primary, ok("fallback", "ok"))

	for range 3 {
		chunks, errs := collect(g.Stream(context.Background(), "hi", nil, ""))
		require.Empty(t, errs)
		require.Equal(t, []string{"ok"}, chunks)
	}
	s, _ := primary.counts()
	assert.Equal(t, 2, s)
	state, found := g.BreakerState("primary")
	require.True(t, found)
	assert.Equal(t, gobreaker.StateOpen, state)
}

func TestMessageWindowIsTrimmed(t *testing.T) {
	p := ok("p", "done")
	g, _, _ := newGateway(t, DefaultConfig(), p)

	turns := make([]domain.ConversationTurn, 14)
	for i := range turns {
		turns[i] = domain.ConversationTurn{Role: domain.RoleUser, Content: "turn"}
	}
	_, errs := collect(g.Stream(context.Background(), "now", turns, "sys"))
	require.Empty(t, errs)
	require.Len(t, p.lastMsgs, 12)
	assert.Equal(t, domain.RoleSystem, p.lastMsgs[0].Role)
	assert.Equal(t, "now", p.lastMsgs[11].Content)
}

func TestNewGatewayValidation(t *testing.T) {
	_, err := NewGateway(nil, DefaultConfig(), GatewayOptions{})
	require.ErrorIs(t, err, ErrNoProvider)

	_, err = NewGateway([]Provider{ok("same"), ok("same")}, DefaultConfig(), GatewayOptions{})
	require.Error(t, err)

	g, err := NewGateway([]Provider{ok("a"), ok("b")}, DefaultConfig(), GatewayOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, g.Providers())
}

func TestNonStreamingEmitsOneChunk(t *testing.T) {
	s, err := NonStreaming(ok("p", "whole ", "text")).Stream(context.Background(), nil, Options{})
	require.NoError(t, err)
	chunk, err := s.Recv()
	require.NoError(t, err)
	assert.Equal(t, "whole text", chunk)
	_, err = s.Recv()
	assert.True(t, errors.Is(err, io.EOF))
	require.NoError(t, s.Close())
}
