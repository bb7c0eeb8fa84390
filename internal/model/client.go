// Package model is the Model Client: the only path from swarm to language
// models. A primary model proposes actions, a small router model answers
// cheap classification questions and a set of voter models settles
// disagreements between candidate proposals.
//
// Every call goes through one rate limiter and a bounded retry loop. When
// the endpoint stays unreachable the caller gets ErrModelUnavailable rather
// than a hang.
package model

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/Xzeroone/The-Swarm/internal/config"
	"github.com/Xzeroone/The-Swarm/internal/logging"
	"github.com/Xzeroone/The-Swarm/internal/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("github.com/Xzeroone/The-Swarm/internal/model")

const (
	rolePrimary = "primary"
	roleRouter  = "router"
	roleVoter   = "voter"

	defaultBackoff = 500 * time.Millisecond
	autoPrimary    = "auto"
)

var (
	// callsTotal counts model calls.
	// Labels: role (primary, router, voter), outcome (ok, retry, unavailable, malformed)
	callsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "swarm",
			Subsystem: "model",
			Name:      "calls_total",
			Help:      "Total number of model calls by role and outcome",
		},
		[]string{"role", "outcome"},
	)

	callDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "swarm",
			Subsystem: "model",
			Name:      "call_duration_seconds",
			Help:      "Duration of successful model calls in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"role"},
	)
)

// Client is safe for concurrent use.
type Client struct {
	backend Backend
	cfg     config.ModelsConfig
	limiter *rate.Limiter
	logger  *logging.Logger
}

// NewClient validates cfg and returns a client over backend.
func NewClient(backend Backend, cfg config.ModelsConfig, logger *logging.Logger) (*Client, error) {
	if backend == nil {
		return nil, errors.New("model backend is required")
	}
	if strings.TrimSpace(cfg.Primary) == "" {
		return nil, errors.New("primary model is required")
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries must be >= 0, got %d", cfg.MaxRetries)
	}
	if logger == nil {
		logger = logging.Nop()
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimit > 0 {
		// A whole vote round may go out at once.
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), len(cfg.Voters)+1)
	}
	return &Client{
		backend: backend,
		cfg:     cfg,
		limiter: limiter,
		logger:  logger.Named("model"),
	}, nil
}

// Primary returns the configured primary model, resolving "auto" for a
// medium-complexity task.
func (c *Client) Primary() string {
	name, _ := c.CoderFor(ComplexityMedium)
	return name
}

// CoderFor returns the model that should write code for a task of the given
// complexity. An explicit primary always wins over the catalog.
func (c *Client) CoderFor(cx Complexity) (string, error) {
	if c.cfg.Primary != autoPrimary {
		return c.cfg.Primary, nil
	}
	name, err := SelectCoder(c.cfg.Catalog, cx)
	if err != nil {
		return autoPrimary, err
	}
	return name, nil
}

// Propose asks the primary model for the next action. Unparseable output
// yields a *MalformedError holding the raw text.
func (c *Client) Propose(ctx context.Context, pc Context) (session.Action, error) {
	ctx, span := tracer.Start(ctx, "model.Propose")
	defer span.End()

	name := pc.Model
	if name == "" {
		name = c.Primary()
	}
	raw, err := c.call(ctx, rolePrimary, name, proposePrompt(pc), c.cfg.Temperature)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "model call failed")
		return session.Action{}, err
	}

	a, err := ParseAction(raw)
	if err != nil {
		callsTotal.WithLabelValues(rolePrimary, "malformed").Inc()
		c.logger.Debug(ctx, "unparseable proposal",
			zap.String("model", name), logging.Snippet("raw", raw, 200))
		span.SetStatus(codes.Error, "malformed response")
		return session.Action{}, err
	}
	span.SetAttributes(attribute.String("action.kind", string(a.Kind)))
	return a, nil
}

// Route asks the router model which candidate best answers question and
// returns its index. A single candidate is returned without a call.
func (c *Client) Route(ctx context.Context, question string, candidates []string) (int, error) {
	if len(candidates) == 0 {
		return -1, errors.New("route needs at least one candidate")
	}
	if len(candidates) == 1 {
		return 0, nil
	}
	ctx, span := tracer.Start(ctx, "model.Route",
		trace.WithAttributes(attribute.Int("candidates", len(candidates))))
	defer span.End()

	raw, err := c.call(ctx, roleRouter, c.routerModel(), choicePrompt(question, candidates), 0)
	if err != nil {
		return -1, err
	}
	idx, ok := pickChoice(raw, candidates)
	if !ok {
		callsTotal.WithLabelValues(roleRouter, "malformed").Inc()
		return -1, &MalformedError{Reason: "router answer names no candidate", Raw: raw}
	}
	span.SetAttributes(attribute.Int("choice", idx))
	return idx, nil
}

// Consensus is the outcome of a vote.
type Consensus struct {
	Choice   int   `json:"choice"`
	Votes    []int `json:"votes"`   // per candidate
	Ballots  int   `json:"ballots"` // voters that produced a usable answer
	Majority bool  `json:"majority"`
}

// Vote polls every voter model concurrently. A candidate backed by a strict
// majority of configured voters wins; otherwise the choice falls back to
// candidates[0], which callers order as the primary model's own preference.
// Voters that fail or answer off-list abstain.
func (c *Client) Vote(ctx context.Context, question string, candidates []string) (Consensus, error) {
	if len(candidates) == 0 {
		return Consensus{}, errors.New("vote needs at least one candidate")
	}
	cons := Consensus{Votes: make([]int, len(candidates))}
	if len(candidates) == 1 {
		cons.Majority = true
		return cons, nil
	}
	ctx, span := tracer.Start(ctx, "model.Vote", trace.WithAttributes(
		attribute.Int("candidates", len(candidates)),
		attribute.Int("voters", len(c.cfg.Voters))))
	defer span.End()

	prompt := choicePrompt(question, candidates)
	ballots := make([]int, len(c.cfg.Voters))
	var wg sync.WaitGroup
	for i, voter := range c.cfg.Voters {
		wg.Add(1)
		go func(i int, voter string) {
			defer wg.Done()
			ballots[i] = -1
			raw, err := c.call(ctx, roleVoter, voter, prompt, 0)
			if err != nil {
				c.logger.Debug(ctx, "voter abstained", zap.String("model", voter), zap.Error(err))
				return
			}
			if idx, ok := pickChoice(raw, candidates); ok {
				ballots[i] = idx
			}
		}(i, voter)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return Consensus{}, err
	}

	best := 0
	for _, b := range ballots {
		if b < 0 {
			continue
		}
		cons.Ballots++
		cons.Votes[b]++
		if cons.Votes[b] > cons.Votes[best] {
			best = b
		}
	}
	if n := len(c.cfg.Voters); n > 0 && cons.Votes[best]*2 > n {
		cons.Choice = best
		cons.Majority = true
	}

	span.SetAttributes(attribute.Int("choice", cons.Choice), attribute.Bool("majority", cons.Majority))
	c.logger.Debug(ctx, "vote finished",
		zap.Ints("votes", cons.Votes), zap.Int("choice", cons.Choice), zap.Bool("majority", cons.Majority))
	return cons, nil
}

// Intent classifies text. Clear cases are decided by rule; the router model
// is consulted only for the rest and chat is assumed when it cannot help.
func (c *Client) Intent(ctx context.Context, text string) Intent {
	if in, ok := classifyRules(text); ok {
		return in
	}
	raw, err := c.call(ctx, roleRouter, c.routerModel(), intentPrompt(text), 0)
	if err != nil {
		c.logger.Debug(ctx, "intent fallback", zap.Error(err))
		return IntentChat
	}
	if in, ok := parseIntent(raw); ok {
		return in
	}
	return IntentChat
}

// Answer produces a direct conversational reply using the router model.
func (c *Client) Answer(ctx context.Context, text string) (string, error) {
	raw, err := c.call(ctx, roleRouter, c.routerModel(), answerPrompt(text), 0.7)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(raw), nil
}

func (c *Client) routerModel() string {
	if c.cfg.Router != "" {
		return c.cfg.Router
	}
	return c.Primary()
}

// call runs one completion under the rate limiter, the per-call timeout and
// the retry budget. Cancellation of ctx is returned as is.
func (c *Client) call(ctx context.Context, role, name, prompt string, temperature float64) (string, error) {
	ctx, span := tracer.Start(ctx, "model.call", trace.WithAttributes(
		attribute.String("model.role", role),
		attribute.String("model.name", name)))
	defer span.End()

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.backoff(attempt)):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("%w: rate limit: %w", ErrModelUnavailable, err)
		}

		attempts++
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if d := c.cfg.RequestTimeout.Duration(); d > 0 {
			callCtx, cancel = context.WithTimeout(ctx, d)
		}
		start := time.Now()
		out, err := c.backend.Generate(callCtx, Request{
			Model:       name,
			Prompt:      prompt,
			Temperature: temperature,
			MaxTokens:   c.cfg.MaxTokens,
		})
		cancel()
		if err == nil {
			callsTotal.WithLabelValues(role, "ok").Inc()
			callDuration.WithLabelValues(role).Observe(time.Since(start).Seconds())
			span.SetAttributes(attribute.Int("attempts", attempts))
			return out, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		lastErr = err
		if isPermanent(err) {
			break
		}
		callsTotal.WithLabelValues(role, "retry").Inc()
		c.logger.Warn(ctx, "model call failed",
			zap.String("role", role),
			zap.String("model", name),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	callsTotal.WithLabelValues(role, "unavailable").Inc()
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "model unavailable")
	return "", fmt.Errorf("%w: %s after %d attempt(s): %w", ErrModelUnavailable, name, attempts, lastErr)
}

// backoff returns base * 2^(attempt-1), capped at MaxBackoff.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.cfg.RetryBackoff.Duration()
	if d <= 0 {
		d = defaultBackoff
	}
	limit := c.cfg.MaxBackoff.Duration()
	for i := 1; i < attempt; i++ {
		if (limit > 0 && d >= limit) || d > math.MaxInt64/2 {
			break
		}
		d *= 2
	}
	if limit > 0 && d > limit {
		d = limit
	}
	return d
}
