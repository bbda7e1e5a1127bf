// Package gateway is the single path to generative and embedding providers.
// It owns the retry policy and the daily cost counter.
package gateway

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Request struct {
	Prompt          string
	Model           string
	Instructions    string
	Temperature     float64
	MaxOutputTokens int
	JSONMode        bool
}

// Completion is what a provider returns for one attempt.
type Completion struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
}

type Embedding struct {
	Vector      []float64
	Model       string
	InputTokens int
}

type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Completion, error)
	Embed(ctx context.Context, text, model string) (*Embedding, error)
}

type Result struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
	CostUSD      decimal.Decimal
	// DailyTotalUSD is the counter value right after this call was charged.
	DailyTotalUSD  decimal.Decimal
	BudgetExceeded bool
	Attempts       int
}

func (r *Result) TotalTokens() int {
	if r == nil {
		return 0
	}
	return r.InputTokens + r.OutputTokens
}

type EmbedResult struct {
	Vector         []float64
	Model          string
	InputTokens    int
	CostUSD        decimal.Decimal
	BudgetExceeded bool
	Attempts       int
}

type Usage struct {
	DailyTotalUSD  decimal.Decimal `json:"daily_total_usd"`
	DailyBudgetUSD decimal.Decimal `json:"daily_budget_usd"`
	BudgetExceeded bool            `json:"budget_exceeded"`
}

type Options struct {
	MaxAttempts    int
	BackoffBase    float64
	DailyBudgetUSD decimal.Decimal
	DefaultModel   string
	EmbeddingModel string
	Pricing        Pricing
}

type Gateway struct {
	provider Provider
	costs    CostTracker
	pricing  Pricing
	logger   *zap.Logger

	maxAttempts    int
	backoffBase    float64
	budget         decimal.Decimal
	defaultModel   string
	embeddingModel string

	sleep    func(ctx context.Context, d time.Duration) error
	exceeded atomic.Bool
}

func New(provider Provider, costs CostTracker, opts Options, logger *zap.Logger) *Gateway {
	if costs == nil {
		costs = NewMemoryCostTracker()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 2
	}
	return &Gateway{
		provider:       provider,
		costs:          costs,
		pricing:        opts.Pricing,
		logger:         logger.Named("gateway"),
		maxAttempts:    opts.MaxAttempts,
		backoffBase:    opts.BackoffBase,
		budget:         opts.DailyBudgetUSD,
		defaultModel:   opts.DefaultModel,
		embeddingModel: opts.EmbeddingModel,
		sleep:          sleepCtx,
	}
}

// WithSleep swaps the backoff sleeper.
func (g *Gateway) WithSleep(fn func(ctx context.Context, d time.Duration) error) *Gateway {
	if fn != nil {
		g.sleep = fn
	}
	return g
}

func (g *Gateway) Call(ctx context.Context, req Request) (*Result, error) {
	if g == nil || g.provider == nil {
		return nil, errors.New("gateway provider not configured")
	}
	if strings.TrimSpace(req.Model) == "" {
		req.Model = g.defaultModel
	}

	var completion *Completion
	attempts, err := g.retry(ctx, "call", req.Model, func(ctx context.Context) error {
		c, err := g.provider.Complete(ctx, req)
		if err != nil {
			return err
		}
		if c == nil || strings.TrimSpace(c.Text) == "" {
			return Permanent(g.provider.Name(), ErrMalformedResponse)
		}
		completion = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	cost := g.price(req.Model, completion.InputTokens, completion.OutputTokens)
	total, exceeded := g.charge(ctx, cost)
	model := completion.Model
	if model == "" {
		model = req.Model
	}
	return &Result{
		Text:           completion.Text,
		Model:          model,
		InputTokens:    completion.InputTokens,
		OutputTokens:   completion.OutputTokens,
		CostUSD:        cost,
		DailyTotalUSD:  total,
		BudgetExceeded: exceeded,
		Attempts:       attempts,
	}, nil
}

func (g *Gateway) Embed(ctx context.Context, text, model string) (*EmbedResult, error) {
	if g == nil || g.provider == nil {
		return nil, errors.New("gateway provider not configured")
	}
	if strings.TrimSpace(model) == "" {
		model = g.embeddingModel
	}

	var emb *Embedding
	attempts, err := g.retry(ctx, "embed", model, func(ctx context.Context) error {
		e, err := g.provider.Embed(ctx, text, model)
		if err != nil {
			return err
		}
		if e == nil || len(e.Vector) == 0 {
			return Permanent(g.provider.Name(), ErrMalformedResponse)
		}
		emb = e
		return nil
	})
	if err != nil {
		return nil, err
	}

	cost := g.price(model, emb.InputTokens, 0)
	_, exceeded := g.charge(ctx, cost)
	return &EmbedResult{
		Vector:         emb.Vector,
		Model:          model,
		InputTokens:    emb.InputTokens,
		CostUSD:        cost,
		BudgetExceeded: exceeded,
		Attempts:       attempts,
	}, nil
}

// ResetDailyCost zeroes the running total. Callers decide when a day ends.
func (g *Gateway) ResetDailyCost(ctx context.Context) error {
	if g == nil {
		return nil
	}
	if err := g.costs.Reset(ctx); err != nil {
		return err
	}
	g.exceeded.Store(false)
	g.logger.Info("daily cost reset")
	return nil
}

func (g *Gateway) Usage(ctx context.Context) (Usage, error) {
	if g == nil {
		return Usage{}, nil
	}
	total, err := g.costs.Total(ctx)
	if err != nil {
		return Usage{}, err
	}
	return Usage{
		DailyTotalUSD:  total,
		DailyBudgetUSD: g.budget,
		BudgetExceeded: g.exceeded.Load() || g.over(total),
	}, nil
}

// BudgetExceeded reports whether any call since the last reset pushed the
// total past the budget.
func (g *Gateway) BudgetExceeded() bool {
	if g == nil {
		return false
	}
	return g.exceeded.Load()
}

func (g *Gateway) retry(ctx context.Context, op, model string, fn func(ctx context.Context) error) (int, error) {
	var err error
	attempts := 0
	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		attempts = attempt + 1
		err = fn(ctx)
		if err == nil {
			return attempts, nil
		}
		if !IsTransient(err) {
			return attempts, err
		}
		if attempts == g.maxAttempts {
			break
		}
		wait := g.backoff(attempt)
		g.logger.Warn("transient provider error, retrying",
			zap.String("op", op),
			zap.String("model", model),
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
		if serr := g.sleep(ctx, wait); serr != nil {
			return attempts, serr
		}
	}
	g.logger.Error("provider call failed after retries",
		zap.String("op", op),
		zap.String("model", model),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)
	return attempts, err
}

func (g *Gateway) backoff(attempt int) time.Duration {
	return time.Duration(math.Pow(g.backoffBase, float64(attempt)) * float64(time.Second))
}

func (g *Gateway) price(model string, in, out int) decimal.Decimal {
	cost, ok := g.pricing.Cost(model, in, out)
	if !ok {
		g.logger.Warn("no pricing for model, cost recorded as zero", zap.String("model", model))
	}
	return cost
}

// charge adds cost to the daily counter. The call has already happened, so
// an exceeded budget is reported, never enforced, and the spend is recorded
// even if ctx was cancelled meanwhile.
func (g *Gateway) charge(ctx context.Context, cost decimal.Decimal) (decimal.Decimal, bool) {
	total, err := g.costs.Add(context.WithoutCancel(ctx), cost)
	if err != nil {
		g.logger.Warn("cost tracker update failed", zap.Error(err))
		return decimal.Zero, g.exceeded.Load()
	}
	if !g.over(total) {
		return total, false
	}
	g.exceeded.Store(true)
	g.logger.Warn("daily budget exceeded",
		zap.String("daily_total_usd", total.StringFixed(4)),
		zap.String("daily_budget_usd", g.budget.StringFixed(2)),
	)
	return total, true
}

func (g *Gateway) over(total decimal.Decimal) bool {
	return g.budget.IsPositive() && total.GreaterThan(g.budget)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
