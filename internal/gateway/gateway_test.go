package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

type fakeProvider struct {
	mu        sync.Mutex
	errs      []error
	calls     int
	text      string
	inTokens  int
	outTokens int
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Complete(ctx context.Context, req Request) (*Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	text := f.text
	if text == "" {
		text = "ok"
	}
	return &Completion{Text: text, InputTokens: f.inTokens, OutputTokens: f.outTokens}, nil
}

func (f *fakeProvider) Embed(ctx context.Context, text, model string) (*Embedding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return &Embedding{Vector: []float64{0.1, 0.2}, InputTokens: 1000}, nil
}

type recordedSleep struct {
	waits []time.Duration
}

func (r *recordedSleep) sleep(ctx context.Context, d time.Duration) error {
	r.waits = append(r.waits, d)
	return nil
}

func testPricing() Pricing {
	return Pricing{
		"gpt-4o-mini":            {InputPer1M: decimal.RequireFromString("0.15"), OutputPer1M: decimal.RequireFromString("0.60")},
		"text-embedding-3-small": {InputPer1M: decimal.RequireFromString("0.02")},
	}
}

func newTestGateway(p Provider, budget string) (*Gateway, *recordedSleep) {
	rs := &recordedSleep{}
	g := New(p, NewMemoryCostTracker(), Options{
		MaxAttempts:    3,
		BackoffBase:    2,
		DailyBudgetUSD: decimal.RequireFromString(budget),
		DefaultModel:   "gpt-4o-mini",
		EmbeddingModel: "text-embedding-3-small",
		Pricing:        testPricing(),
	}, nil).WithSleep(rs.sleep)
	return g, rs
}

func TestCallRetriesTransient(t *testing.T) {
	rateLimited := NewProviderError("fake", 429, errors.New("slow down"))
	cases := []struct {
		name      string
		errs      []error
		wantCalls int
		wantErr   bool
		wantWaits []time.Duration
	}{
		{name: "first try", errs: nil, wantCalls: 1},
		{name: "one transient", errs: []error{rateLimited}, wantCalls: 2, wantWaits: []time.Duration{time.Second}},
		{name: "two transient", errs: []error{rateLimited, rateLimited}, wantCalls: 3, wantWaits: []time.Duration{time.Second, 2 * time.Second}},
		{name: "exhausted", errs: []error{rateLimited, rateLimited, rateLimited, nil}, wantCalls: 3, wantErr: true, wantWaits: []time.Duration{time.Second, 2 * time.Second}},
		{name: "permanent", errs: []error{NewProviderError("fake", 401, errors.New("bad key"))}, wantCalls: 1, wantErr: true},
		{name: "unclassified", errs: []error{errors.New("boom")}, wantCalls: 1, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := &fakeProvider{errs: tc.errs}
			g, rs := newTestGateway(p, "5")
			res, err := g.Call(context.Background(), Request{Prompt: "hi"})
			if tc.wantErr != (err != nil) {
				t.Fatalf("err=%v wantErr=%v", err, tc.wantErr)
			}
			if p.calls != tc.wantCalls {
				t.Fatalf("calls=%d want=%d", p.calls, tc.wantCalls)
			}
			if len(rs.waits) != len(tc.wantWaits) {
				t.Fatalf("waits=%v want=%v", rs.waits, tc.wantWaits)
			}
			for i := range rs.waits {
				if rs.waits[i] != tc.wantWaits[i] {
					t.Fatalf("wait[%d]=%v want=%v", i, rs.waits[i], tc.wantWaits[i])
				}
			}
			if err == nil && res.Attempts != tc.wantCalls {
				t.Fatalf("attempts=%d want=%d", res.Attempts, tc.wantCalls)
			}
		})
	}
}

func TestCallEmptyTextIsMalformed(t *testing.T) {
	p := &fakeProvider{text: "   "}
	g, rs := newTestGateway(p, "5")
	_, err := g.Call(context.Background(), Request{Prompt: "hi"})
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("err=%v want=%v", err, ErrMalformedResponse)
	}
	if p.calls != 1 || len(rs.waits) != 0 {
		t.Fatalf("calls=%d waits=%d want=1 0", p.calls, len(rs.waits))
	}
}

func TestCallCost(t *testing.T) {
	p := &fakeProvider{inTokens: 1_000_000, outTokens: 500_000}
	g, _ := newTestGateway(p, "5")
	res, err := g.Call(context.Background(), Request{Prompt: "hi", Model: "gpt-4o-mini"})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	want := decimal.RequireFromString("0.45")
	if !res.CostUSD.Equal(want) {
		t.Fatalf("cost=%s want=%s", res.CostUSD, want)
	}
	if res.TotalTokens() != 1_500_000 {
		t.Fatalf("total tokens=%d want=1500000", res.TotalTokens())
	}
}

func TestCallUnknownModelCostsZero(t *testing.T) {
	p := &fakeProvider{inTokens: 1000, outTokens: 1000}
	g, _ := newTestGateway(p, "5")
	res, err := g.Call(context.Background(), Request{Prompt: "hi", Model: "mystery-model"})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if !res.CostUSD.IsZero() {
		t.Fatalf("cost=%s want=0", res.CostUSD)
	}
}

func TestBudgetIsSoftCap(t *testing.T) {
	p := &fakeProvider{}
	g, _ := newTestGateway(p, "2.00")
	ctx := context.Background()
	if _, err := g.costs.Add(ctx, decimal.RequireFromString("1.95")); err != nil {
		t.Fatalf("seed err=%v", err)
	}
	g.pricing["dime"] = Price{InputPer1M: decimal.RequireFromString("100000")}
	p.inTokens = 1

	res, err := g.Call(ctx, Request{Prompt: "hi", Model: "dime"})
	if err != nil {
		t.Fatalf("call should complete despite budget, err=%v", err)
	}
	if !res.CostUSD.Equal(decimal.RequireFromString("0.10")) {
		t.Fatalf("cost=%s want=0.10", res.CostUSD)
	}
	if !res.DailyTotalUSD.Equal(decimal.RequireFromString("2.05")) {
		t.Fatalf("total=%s want=2.05", res.DailyTotalUSD)
	}
	if !res.BudgetExceeded || !g.BudgetExceeded() {
		t.Fatalf("expected budget exceeded signal")
	}

	if err := g.ResetDailyCost(ctx); err != nil {
		t.Fatalf("reset err=%v", err)
	}
	usage, _ := g.Usage(ctx)
	if !usage.DailyTotalUSD.IsZero() || usage.BudgetExceeded {
		t.Fatalf("usage after reset=%+v", usage)
	}
}

func TestEmbedUsesDefaultModel(t *testing.T) {
	p := &fakeProvider{}
	g, _ := newTestGateway(p, "5")
	res, err := g.Embed(context.Background(), "text", "")
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if res.Model != "text-embedding-3-small" || len(res.Vector) != 2 {
		t.Fatalf("res=%+v", res)
	}
	if !res.CostUSD.Equal(decimal.RequireFromString("0.00002")) {
		t.Fatalf("cost=%s want=0.00002", res.CostUSD)
	}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{NewProviderError("x", 429, errors.New("rl")), true},
		{NewProviderError("x", 504, errors.New("gw")), true},
		{NewProviderError("x", 400, errors.New("bad")), false},
		{Transient("x", errors.New("timeout")), true},
		{Permanent("x", ErrMalformedResponse), false},
		{errors.New("plain"), false},
	}
	for _, tc := range cases {
		if got := IsTransient(tc.err); got != tc.want {
			t.Fatalf("IsTransient(%v)=%v want=%v", tc.err, got, tc.want)
		}
	}
}

type strictCostTracker struct {
	MemoryCostTracker
}

func (t *strictCostTracker) Add(ctx context.Context, usd decimal.Decimal) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	return t.MemoryCostTracker.Add(ctx, usd)
}

type cancelOnCompleteProvider struct {
	fakeProvider
	cancel context.CancelFunc
}

func (p *cancelOnCompleteProvider) Complete(ctx context.Context, req Request) (*Completion, error) {
	p.cancel()
	return p.fakeProvider.Complete(ctx, req)
}

func TestCallChargesAfterCallerCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := &cancelOnCompleteProvider{fakeProvider: fakeProvider{inTokens: 1_000_000}, cancel: cancel}
	tracker := &strictCostTracker{}
	g := New(p, tracker, Options{
		MaxAttempts:  1,
		DefaultModel: "gpt-4o-mini",
		Pricing:      testPricing(),
	}, nil)

	res, err := g.Call(ctx, Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	want := decimal.RequireFromString("0.15")
	if !res.DailyTotalUSD.Equal(want) {
		t.Fatalf("daily_total=%v want=%v", res.DailyTotalUSD, want)
	}
	total, _ := tracker.Total(context.Background())
	if !total.Equal(want) {
		t.Fatalf("tracker total=%v want=%v", total, want)
	}
}
