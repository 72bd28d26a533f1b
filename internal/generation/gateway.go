// Package generation puts one or more LLM providers behind a single
// streaming call with token-budget trimming and provider fallback.
package generation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"docqa/internal/domain"
	"docqa/internal/metrics"
)

// State is a step of a single generation call.
type State int

const (
	StateIdle State = iota
	StateBuildingContext
	StateStreaming
	StateFailedRetryable
	StateFallbackStreaming
	StateCompleted
	StateFailedTerminal
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBuildingContext:
		return "building_context"
	case StateStreaming:
		return "streaming"
	case StateFailedRetryable:
		return "failed_retryable"
	case StateFallbackStreaming:
		return "fallback_streaming"
	case StateCompleted:
		return "completed"
	case StateFailedTerminal:
		return "failed_terminal"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// BreakerConfig tunes the per-provider circuit breakers.
type BreakerConfig struct {
	// ConsecutiveFailures opens the breaker; 0 disables tripping.
	ConsecutiveFailures uint32
	// OpenTimeout is how long an open breaker rejects calls.
	OpenTimeout time.Duration
	// Interval clears failure counts while closed; 0 never clears.
	Interval time.Duration
}

// Config holds gateway limits.
type Config struct {
	TokenBudget  int
	MaxHistory   int
	Temperature  float64
	MaxTokens    int
	// Timeout bounds how long a provider may go without producing a chunk.
	Timeout      time.Duration
	MaxFallbacks int
	Breaker      BreakerConfig
}

// DefaultConfig returns the limits used when none are configured.
func DefaultConfig() Config {
	return Config{
		TokenBudget:  8000,
		MaxHistory:   10,
		Temperature:  0.7,
		MaxTokens:    4096,
		Timeout:      60 * time.Second,
		MaxFallbacks: 1,
		Breaker: BreakerConfig{
			ConsecutiveFailures: 5,
			OpenTimeout:         30 * time.Second,
		},
	}
}

// GatewayOptions carries the gateway's collaborators.
type GatewayOptions struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// OnTransition observes state changes of every call.
	OnTransition func(requestID string, from, to State)
}

// Gateway streams responses from the first provider that can serve them.
type Gateway struct {
	providers []Provider
	breakers  map[string]*gobreaker.TwoStepCircuitBreaker
	cfg       Config
	logger    *zap.Logger
	metrics   *metrics.Metrics
	observe   func(string, State, State)
}

// NewGateway holds providers in fallback order. Names must be unique.
func NewGateway(providers []Provider, cfg Config, opts GatewayOptions) (*Gateway, error) {
	if len(providers) == 0 {
		return nil, ErrNoProvider
	}
	def := DefaultConfig()
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = def.TokenBudget
	}
	if cfg.MaxHistory < 0 {
		cfg.MaxHistory = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxFallbacks < 0 {
		cfg.MaxFallbacks = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("gateway")

	g := &Gateway{
		providers: providers,
		breakers:  make(map[string]*gobreaker.TwoStepCircuitBreaker, len(providers)),
		cfg:       cfg,
		logger:    logger,
		metrics:   opts.Metrics,
		observe:   opts.OnTransition,
	}
	for _, p := range providers {
		name := p.Name()
		if _, dup := g.breakers[name]; dup {
			return nil, fmt.Errorf("duplicate provider name %q", name)
		}
		threshold := cfg.Breaker.ConsecutiveFailures
		g.breakers[name] = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
			Name:     name,
			Interval: cfg.Breaker.Interval,
			Timeout:  cfg.Breaker.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return threshold > 0 && counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("provider circuit breaker state change",
					zap.String("provider", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		})
	}
	return g, nil
}

// Providers returns the provider names in fallback order.
func (g *Gateway) Providers() []string {
	names := make([]string, len(g.providers))
	for i, p := range g.providers {
		names[i] = p.Name()
	}
	return names
}

// BreakerState reports the circuit breaker state of a provider.
func (g *Gateway) BreakerState(provider string) (gobreaker.State, bool) {
	b, ok := g.breakers[provider]
	if !ok {
		return gobreaker.StateClosed, false
	}
	return b.State(), true
}

// Stream returns a lazy, single-use sequence of response chunks. A failure
// is yielded once as a *Error and ends the sequence. Breaking out of the
// loop closes the provider stream.
func (g *Gateway) Stream(ctx context.Context, prompt string, history []domain.ConversationTurn, systemPrompt string) iter.Seq2[string, error] {
	return g.run(ctx, prompt, history, systemPrompt, func(p Provider) Provider { return p })
}

// Generate returns the complete response using each provider's
// non-streaming call, with the same fallback policy as Stream.
func (g *Gateway) Generate(ctx context.Context, prompt string, history []domain.ConversationTurn, systemPrompt string) (string, error) {
	var sb strings.Builder
	for chunk, err := range g.run(ctx, prompt, history, systemPrompt, func(p Provider) Provider { return NonStreaming(p) }) {
		if err != nil {
			return sb.String(), err
		}
		sb.WriteString(chunk)
	}
	return sb.String(), nil
}

type call struct {
	g     *Gateway
	id    string
	log   *zap.Logger
	state State
}

func (c *call) to(s State) {
	if c.g.observe != nil {
		c.g.observe(c.id, c.state, s)
	}
	c.log.Debug("state", zap.Stringer("from", c.state), zap.Stringer("to", s))
	c.state = s
}

func (g *Gateway) run(ctx context.Context, prompt string, history []domain.ConversationTurn, systemPrompt string, adapt func(Provider) Provider) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		id := uuid.NewString()
		c := &call{g: g, id: id, log: g.logger.With(zap.String("request_id", id)), state: StateIdle}

		c.to(StateBuildingContext)
		msgs := BuildWindow(systemPrompt, history, prompt, g.cfg.MaxHistory, g.cfg.TokenBudget)
		opts := Options{Temperature: g.cfg.Temperature, MaxTokens: g.cfg.MaxTokens}

		var (
			attempts int
			lastErr  error
			lastName string
		)
		for _, p := range g.providers {
			if attempts > g.cfg.MaxFallbacks {
				break
			}
			name := p.Name()
			if !p.Available() {
				c.log.Debug("provider unavailable", zap.String("provider", name))
				g.metrics.ProviderAttempt(name, "skipped")
				continue
			}
			done, err := g.breakers[name].Allow()
			if err != nil {
				c.log.Info("provider circuit open, skipping", zap.String("provider", name))
				g.metrics.ProviderAttempt(name, "skipped")
				continue
			}
			if attempts == 0 {
				c.to(StateStreaming)
			} else {
				c.to(StateFallbackStreaming)
				g.metrics.Fallback()
			}
			attempts++
			c.log.Info("streaming", zap.String("provider", name), zap.Int("attempt", attempts))

			emitted, stopped, err := g.attempt(ctx, adapt(p), msgs, opts, yield)
			switch {
			case stopped:
				// The caller walked away; the provider did nothing wrong.
				done(true)
				g.metrics.ProviderAttempt(name, "abandoned")
				c.to(StateCompleted)
				return
			case err == nil:
				done(true)
				g.metrics.ProviderAttempt(name, "success")
				c.to(StateCompleted)
				c.log.Info("stream completed", zap.String("provider", name))
				return
			}

			kind := Classify(err)
			canceled := ctx.Err() != nil
			done(canceled || !countsAgainstProvider(kind))
			g.metrics.ProviderAttempt(name, "failure")
			g.metrics.GenerationFailure(kind.String())
			c.log.Warn("provider failed",
				zap.String("provider", name),
				zap.String("kind", kind.String()),
				zap.Bool("partial", emitted),
				zap.Error(err))

			switch {
			case canceled:
				c.to(StateFailedTerminal)
				yield("", &Error{Kind: kind, Provider: name, Msg: "request canceled", Err: err})
				return
			case emitted:
				c.to(StateFailedTerminal)
				yield("", &Error{Kind: kind, Provider: name, Msg: "response interrupted: " + kind.Description(),
					Err: fmt.Errorf("%w: %w", ErrStreamInterrupted, err)})
				return
			case !kind.Retryable():
				c.to(StateFailedTerminal)
				yield("", &Error{Kind: kind, Provider: name, Err: err})
				return
			}
			c.to(StateFailedRetryable)
			lastErr, lastName = err, name
		}

		c.to(StateFailedTerminal)
		if lastErr == nil {
			yield("", &Error{Kind: KindModelUnavailable, Msg: ErrNoProvider.Error(),
				Err: fmt.Errorf("%w: %w", ErrRetryExhausted, ErrNoProvider)})
			return
		}
		kind := Classify(lastErr)
		yield("", &Error{Kind: kind, Provider: lastName, Msg: "all providers failed: " + kind.Description(),
			Err: fmt.Errorf("%w: %w", ErrRetryExhausted, lastErr)})
	}
}

// errIdle cancels an attempt whose provider went quiet for longer than the
// configured timeout.
var errIdle = errors.New("provider idle timeout")

// attempt streams one provider into yield. It reports whether anything was
// yielded and whether the caller stopped iterating. The timeout only runs
// while waiting on the provider, never while the caller holds a chunk.
func (g *Gateway) attempt(ctx context.Context, p Provider, msgs []domain.ConversationTurn, opts Options, yield func(string, error) bool) (emitted, stopped bool, err error) {
	actx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	idle := time.AfterFunc(g.cfg.Timeout, func() { cancel(errIdle) })
	defer idle.Stop()

	stream, err := p.Stream(actx, msgs, opts)
	if err != nil {
		return false, false, timeoutCause(ctx, actx, err)
	}
	defer stream.Close()

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return emitted, false, nil
		}
		if err != nil {
			return emitted, false, timeoutCause(ctx, actx, err)
		}
		if chunk == "" {
			continue
		}
		if !idle.Stop() {
			// The timer fired while Recv was returning.
			return emitted, false, timeoutCause(ctx, actx, context.Cause(actx))
		}
		emitted = true
		if !yield(chunk, nil) {
			return true, true, nil
		}
		idle.Reset(g.cfg.Timeout)
	}
}

// timeoutCause tags err as a deadline failure when the idle timer, not the
// caller, ended the attempt.
func timeoutCause(parent, attempt context.Context, err error) error {
	if parent.Err() == nil && errors.Is(context.Cause(attempt), errIdle) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
	}
	return err
}

// countsAgainstProvider reports whether a failure of this kind reflects
// provider health rather than the request.
func countsAgainstProvider(k Kind) bool {
	return k != KindContentBlocked && k != KindUnknown
}
