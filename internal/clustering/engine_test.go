package clustering

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"eventdesk/internal/gateway"
	"eventdesk/internal/models"
	"eventdesk/internal/repository/memory"
)

type scriptedCaller struct {
	mu      sync.Mutex
	replies []string
	errs    []error
	calls   int
}

func (s *scriptedCaller) Call(ctx context.Context, req gateway.Request) (*gateway.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	if i >= len(s.replies) {
		return nil, errors.New("no scripted reply")
	}
	if !req.JSONMode {
		return nil, errors.New("grouping calls must request json")
	}
	return &gateway.Result{Text: s.replies[i]}, nil
}

var (
	base    = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	seedSeq atomic.Int64
)

func seed(t *testing.T, repo *memory.Store, n int, sources ...string) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		src := sources[i%len(sources)]
		n := seedSeq.Add(1)
		a := &models.Article{
			Headline:    fmt.Sprintf("headline %s %d", src, n),
			URL:         fmt.Sprintf("https://news.test/%s/%d", src, n),
			SourceName:  src,
			PublishedAt: base.Add(time.Duration(n) * time.Minute),
			ContentHash: fmt.Sprintf("hash-%d", n),
			Status:      models.ArticleStatusPending,
		}
		if err := repo.InsertArticle(ctx, a); err != nil {
			t.Fatalf("seed err=%v", err)
		}
	}
}

func newEngine(repo *memory.Store, caller Caller, batch int) *Engine {
	return &Engine{
		Repo:    repo,
		Gateway: caller,
		Config:  Config{Model: "gpt-4o-mini", BatchSize: batch, MaxPending: 100, MaxConcurrency: 1, Temperature: 0.3},
		Now:     func() time.Time { return base.Add(time.Hour) },
	}
}

func TestRelevanceOnlyIncreasesAndCountsFollowMappings(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()
	caller := &scriptedCaller{replies: []string{
		`{"events":[{"event_summary":"Fed signals cut","event_key":"fed-rate-cut","headline_ids":[1,2],"relevance_score":6}],"ungrouped_headlines":[]}`,
		`{"events":[{"event_summary":"Fed cuts 25bp","event_key":"Fed Rate Cut","headline_ids":[1,2],"relevance_score":9}],"ungrouped_headlines":[]}`,
		`{"events":[{"event_summary":"Fed follow-up","event_key":"fed-rate-cut","headline_ids":[1],"relevance_score":4}],"ungrouped_headlines":[]}`,
	}}
	e := newEngine(repo, caller, 40)

	seed(t, repo, 2, "reuters", "bloomberg")
	if _, err := e.RunOnce(ctx); err != nil {
		t.Fatalf("pass 1 err=%v", err)
	}
	seed(t, repo, 2, "reuters", "wsj")
	if _, err := e.RunOnce(ctx); err != nil {
		t.Fatalf("pass 2 err=%v", err)
	}

	ev, _ := repo.GetEventByKey(ctx, "fed-rate-cut")
	if ev == nil {
		t.Fatalf("event not created")
	}
	if ev.RelevanceScore != 9 {
		t.Fatalf("score=%v want=9", ev.RelevanceScore)
	}
	mapped, _ := repo.CountEventArticles(ctx, ev.ID)
	if ev.ArticleCount != 4 || mapped != 4 {
		t.Fatalf("article_count=%d mapped=%d want=4", ev.ArticleCount, mapped)
	}
	if ev.SourceCount != 3 {
		t.Fatalf("source_count=%d want=3", ev.SourceCount)
	}
	if ev.Summary != "Fed cuts 25bp" {
		t.Fatalf("summary=%q", ev.Summary)
	}

	seed(t, repo, 1, "ft")
	if _, err := e.RunOnce(ctx); err != nil {
		t.Fatalf("pass 3 err=%v", err)
	}
	ev, _ = repo.GetEventByKey(ctx, "fed-rate-cut")
	if ev.RelevanceScore != 9 {
		t.Fatalf("score after lower pass=%v want=9", ev.RelevanceScore)
	}
	if ev.ArticleCount != 5 {
		t.Fatalf("article_count=%d want=5", ev.ArticleCount)
	}
}

func TestMalformedOutputFailsBatch(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()
	seed(t, repo, 3, "reuters")
	e := newEngine(repo, &scriptedCaller{replies: []string{`{"events": [`}}, 40)

	sum, err := e.RunOnce(ctx)
	if err == nil {
		t.Fatalf("expected error when the only batch fails")
	}
	if sum.Failed != 3 || sum.FailedBatches != 1 {
		t.Fatalf("summary=%+v", sum)
	}
	counts, _ := repo.CountArticlesByStatus(ctx)
	if counts[models.ArticleStatusFailed] != 3 || counts[models.ArticleStatusPending] != 0 {
		t.Fatalf("counts=%v", counts)
	}
}

func TestOneBadBatchDoesNotBlockOthers(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()
	seed(t, repo, 4, "reuters", "bloomberg")
	caller := &scriptedCaller{
		replies: []string{
			"",
			`{"events":[{"event_summary":"Oil spikes","event_key":"oil-spike","headline_ids":[1],"relevance_score":7}],"ungrouped_headlines":[2]}`,
		},
		errs: []error{gateway.Permanent("fake", gateway.ErrMalformedResponse)},
	}
	e := newEngine(repo, caller, 2)

	sum, err := e.RunOnce(ctx)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if sum.Batches != 2 || sum.FailedBatches != 1 || sum.EventsCreated != 1 {
		t.Fatalf("summary=%+v", sum)
	}
	counts, _ := repo.CountArticlesByStatus(ctx)
	if counts[models.ArticleStatusFailed] != 2 || counts[models.ArticleStatusProcessed] != 2 {
		t.Fatalf("counts=%v", counts)
	}
}

func TestUngroupedAndUnmentionedAreProcessed(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()
	seed(t, repo, 3, "reuters")
	caller := &scriptedCaller{replies: []string{
		`{"events":[],"ungrouped_headlines":[1]}`,
	}}
	e := newEngine(repo, caller, 40)
	if _, err := e.RunOnce(ctx); err != nil {
		t.Fatalf("err=%v", err)
	}
	counts, _ := repo.CountArticlesByStatus(ctx)
	if counts[models.ArticleStatusProcessed] != 3 {
		t.Fatalf("counts=%v", counts)
	}
}

func TestParseGroupingRejects(t *testing.T) {
	cases := map[string]string{
		"syntax":        `{"events": [}`,
		"unknown field": `{"events":[],"ungrouped_headlines":[],"notes":"x"}`,
		"id range":      `{"events":[{"event_summary":"s","event_key":"k","headline_ids":[9],"relevance_score":5}],"ungrouped_headlines":[]}`,
		"score range":   `{"events":[{"event_summary":"s","event_key":"k","headline_ids":[1],"relevance_score":11}],"ungrouped_headlines":[]}`,
		"missing score": `{"events":[{"event_summary":"s","event_key":"k","headline_ids":[1]}],"ungrouped_headlines":[]}`,
		"empty key":     `{"events":[{"event_summary":"s","event_key":"  ","headline_ids":[1],"relevance_score":5}],"ungrouped_headlines":[]}`,
		"two clusters":  `{"events":[{"event_summary":"s","event_key":"a","headline_ids":[1],"relevance_score":5},{"event_summary":"s","event_key":"b","headline_ids":[1],"relevance_score":5}],"ungrouped_headlines":[]}`,
		"bad timestamp": `{"events":[{"event_summary":"s","event_key":"k","headline_ids":[1],"relevance_score":5,"first_reported":"yesterday"}],"ungrouped_headlines":[]}`,
		"string ids":    `{"events":[{"event_summary":"s","event_key":"k","headline_ids":["1"],"relevance_score":5}],"ungrouped_headlines":[]}`,
		"grouped+ungrp": `{"events":[{"event_summary":"s","event_key":"k","headline_ids":[1],"relevance_score":5}],"ungrouped_headlines":[1]}`,
	}
	for name, text := range cases {
		if _, err := parseGrouping(text, 3); !errors.Is(err, ErrInvalidOutput) {
			t.Fatalf("%s: err=%v want=%v", name, err, ErrInvalidOutput)
		}
	}
}

func TestNormalizeKey(t *testing.T) {
	cases := map[string]string{
		"Fed Rate Cut":     "fed-rate-cut",
		" fed_rate__cut- ": "fed-rate-cut",
		"AAPL-Q4-Earnings": "aapl-q4-earnings",
		"":                 "",
	}
	for in, want := range cases {
		if got := NormalizeKey(in); got != want {
			t.Fatalf("NormalizeKey(%q)=%q want=%q", in, got, want)
		}
	}
}

type cancellingCaller struct {
	cancel context.CancelFunc
}

func (c *cancellingCaller) Call(ctx context.Context, req gateway.Request) (*gateway.Result, error) {
	c.cancel()
	return nil, gateway.Permanent("openai", context.Canceled)
}

func TestCancelledRunStillFailsClaimedArticles(t *testing.T) {
	repo := memory.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	seed(t, repo, 3, "reuters")

	e := newEngine(repo, &cancellingCaller{cancel: cancel}, 10)
	sum, err := e.RunOnce(ctx)
	if err == nil {
		t.Fatalf("err=nil want batch failure")
	}
	if sum == nil || sum.Failed != 3 {
		t.Fatalf("summary=%+v want failed=3", sum)
	}
	counts, _ := repo.CountArticlesByStatus(context.Background())
	if counts[models.ArticleStatusProcessing] != 0 || counts[models.ArticleStatusFailed] != 3 {
		t.Fatalf("counts=%v want processing=0 failed=3", counts)
	}
}
