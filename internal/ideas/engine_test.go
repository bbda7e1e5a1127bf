package ideas

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"eventdesk/internal/gateway"
	"eventdesk/internal/models"
	"eventdesk/internal/repository"
	"eventdesk/internal/repository/memory"
)

// keyedCaller answers by the event summary found in the prompt.
type keyedCaller struct {
	mu      sync.Mutex
	replies map[string]string
	fail    map[string]error
	calls   int
	asked   []string
}

func (k *keyedCaller) Call(ctx context.Context, req gateway.Request) (*gateway.Result, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.calls++
	k.asked = append(k.asked, req.Prompt)
	for summary, err := range k.fail {
		if strings.Contains(req.Prompt, summary) {
			return nil, err
		}
	}
	for summary, text := range k.replies {
		if strings.Contains(req.Prompt, summary) {
			return &gateway.Result{
				Text:         text,
				Model:        "gpt-4-turbo",
				InputTokens:  900,
				OutputTokens: 300,
				CostUSD:      decimal.RequireFromString("0.018"),
			}, nil
		}
	}
	return nil, errors.New("unexpected prompt")
}

var now = time.Date(2025, 8, 1, 9, 0, 0, 0, time.UTC)

func seedEvent(t *testing.T, repo *memory.Store, key string, score float64, articles int) uint64 {
	t.Helper()
	ctx := context.Background()
	ids := make([]uint64, 0, articles)
	for i := 0; i < articles; i++ {
		a := &models.Article{
			Headline:    fmt.Sprintf("%s headline %d", key, i),
			URL:         fmt.Sprintf("https://news.test/%s/%d", key, i),
			SourceName:  fmt.Sprintf("src-%d", i),
			PublishedAt: now.Add(-time.Duration(i) * time.Minute),
			ContentHash: fmt.Sprintf("%s-%d", key, i),
		}
		if err := repo.InsertArticle(ctx, a); err != nil {
			t.Fatalf("insert err=%v", err)
		}
		ids = append(ids, a.ID)
	}
	res, err := repo.ApplyCluster(ctx, repository.ClusterUpdate{
		NormalizedKey:   key,
		Summary:         "summary of " + key,
		RelevanceScore:  score,
		FirstReportedAt: now.Add(-time.Hour),
		ArticleIDs:      ids,
		Now:             now,
	})
	if err != nil {
		t.Fatalf("apply err=%v", err)
	}
	return res.EventID
}

const ideaJSON = `{"headline":"Long gold","summary":"Safe haven bid.","trading_thesis":"Rates falling.","confidence_score":%v,"research_highlights":["a"," ","b"],"risk_warnings":["c"]}`

func newEngine(repo *memory.Store, caller Caller) *Engine {
	return &Engine{
		Repo:    repo,
		Gateway: caller,
		Config: Config{
			Model:           "gpt-4-turbo",
			TopN:            10,
			MinArticles:     2,
			ConfidenceFloor: 6.0,
			Expiry:          72 * time.Hour,
			MaxConcurrency:  1,
		},
		Now: func() time.Time { return now },
	}
}

func TestGenerateCreatesIdeaWithExpiry(t *testing.T) {
	repo := memory.New()
	id := seedEvent(t, repo, "gold-rally", 8, 3)
	caller := &keyedCaller{replies: map[string]string{"summary of gold-rally": fmt.Sprintf(ideaJSON, 7.5)}}
	e := newEngine(repo, caller)

	res, err := e.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if res.Created != 1 {
		t.Fatalf("result=%+v", res)
	}
	ideas, _ := repo.ListIdeasByEvent(context.Background(), id)
	if len(ideas) != 1 {
		t.Fatalf("ideas=%d want=1", len(ideas))
	}
	idea := ideas[0]
	if !idea.ExpiresAt.Equal(now.Add(72 * time.Hour)) {
		t.Fatalf("expires=%v want=%v", idea.ExpiresAt, now.Add(72*time.Hour))
	}
	if idea.TotalTokens != 1200 || !idea.CostUSD.Equal(decimal.RequireFromString("0.018")) {
		t.Fatalf("tokens=%d cost=%s", idea.TotalTokens, idea.CostUSD)
	}
	if string(idea.Highlights) != `["a","b"]` {
		t.Fatalf("highlights=%s", idea.Highlights)
	}

	// a live idea keeps the event out of the next default run
	res, err = e.RunOnce(context.Background())
	if err != nil || res.Selected != 0 {
		t.Fatalf("second run selected=%d err=%v want=0", res.Selected, err)
	}
	// force regenerates
	res, err = e.GenerateForTopEvents(context.Background(), 10, true)
	if err != nil || res.Created != 1 {
		t.Fatalf("forced run=%+v err=%v", res, err)
	}
}

func TestNoTradeCreatesNothingAndContinues(t *testing.T) {
	repo := memory.New()
	quiet := seedEvent(t, repo, "quiet-news", 9, 2)
	busy := seedEvent(t, repo, "oil-shock", 7, 2)
	caller := &keyedCaller{replies: map[string]string{
		"summary of quiet-news": `{"no_trade": true, "reason": "priced in"}`,
		"summary of oil-shock":  fmt.Sprintf(ideaJSON, 8),
	}}
	res, err := newEngine(repo, caller).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if res.NoTrade != 1 || res.Created != 1 {
		t.Fatalf("result=%+v", res)
	}
	if ideas, _ := repo.ListIdeasByEvent(context.Background(), quiet); len(ideas) != 0 {
		t.Fatalf("no_trade event has %d ideas", len(ideas))
	}
	if ideas, _ := repo.ListIdeasByEvent(context.Background(), busy); len(ideas) != 1 {
		t.Fatalf("busy event has %d ideas", len(ideas))
	}
}

func TestConfidenceFloorIsRechecked(t *testing.T) {
	repo := memory.New()
	id := seedEvent(t, repo, "weak-signal", 9, 2)
	caller := &keyedCaller{replies: map[string]string{"summary of weak-signal": fmt.Sprintf(ideaJSON, 5.9)}}
	res, err := newEngine(repo, caller).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if res.BelowFloor != 1 || res.Created != 0 {
		t.Fatalf("result=%+v", res)
	}
	if ideas, _ := repo.ListIdeasByEvent(context.Background(), id); len(ideas) != 0 {
		t.Fatalf("ideas=%d want=0", len(ideas))
	}
}

func TestOneEventFailureDoesNotStopOthers(t *testing.T) {
	repo := memory.New()
	seedEvent(t, repo, "broken", 9, 2)
	seedEvent(t, repo, "garbled", 8, 2)
	seedEvent(t, repo, "healthy", 7, 2)
	caller := &keyedCaller{
		replies: map[string]string{
			"summary of garbled": `{"headline": "x"`,
			"summary of healthy": fmt.Sprintf(ideaJSON, 6),
		},
		fail: map[string]error{"summary of broken": gateway.Permanent("fake", errors.New("auth"))},
	}
	res, err := newEngine(repo, caller).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if res.Selected != 3 || res.Failed != 2 || res.Created != 1 {
		t.Fatalf("result=%+v", res)
	}
}

func TestSelectionRules(t *testing.T) {
	repo := memory.New()
	seedEvent(t, repo, "thin", 10, 1)
	seedEvent(t, repo, "low", 3, 2)
	seedEvent(t, repo, "high", 9, 2)
	caller := &keyedCaller{replies: map[string]string{
		"summary of low":  `{"no_trade": true, "reason": "r"}`,
		"summary of high": `{"no_trade": true, "reason": "r"}`,
	}}
	e := newEngine(repo, caller)
	res, err := e.GenerateForTopEvents(context.Background(), 1, false)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if res.Selected != 1 || caller.calls != 1 {
		t.Fatalf("selected=%d calls=%d want=1 1", res.Selected, caller.calls)
	}
	if !strings.Contains(caller.asked[0], "summary of high") {
		t.Fatalf("expected the highest relevance event with enough articles to be asked first")
	}
}

func TestParseProposalRejects(t *testing.T) {
	cases := map[string]string{
		"syntax":       `{"headline":`,
		"no thesis":    `{"headline":"h","summary":"s","confidence_score":7}`,
		"no score":     `{"headline":"h","summary":"s","trading_thesis":"t"}`,
		"score range":  `{"headline":"h","summary":"s","trading_thesis":"t","confidence_score":12}`,
		"extra field":  `{"headline":"h","summary":"s","trading_thesis":"t","confidence_score":7,"ticker":"GLD"}`,
		"score string": `{"headline":"h","summary":"s","trading_thesis":"t","confidence_score":"7"}`,
	}
	for name, text := range cases {
		if _, err := parseProposal(text); !errors.Is(err, ErrInvalidOutput) {
			t.Fatalf("%s: err=%v want=%v", name, err, ErrInvalidOutput)
		}
	}
}
