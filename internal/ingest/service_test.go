package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"eventdesk/internal/config"
	"eventdesk/internal/dedup"
	"eventdesk/internal/feeds"
	"eventdesk/internal/models"
	"eventdesk/internal/repository/memory"
)

type stubSource struct {
	items map[string][]feeds.Item
	errs  map[string]error
}

func (s *stubSource) Fetch(ctx context.Context, feed models.Feed) ([]feeds.Item, error) {
	if err := s.errs[feed.URL]; err != nil {
		return nil, err
	}
	return s.items[feed.URL], nil
}

func TestRunOnceIsolatesFeedFailures(t *testing.T) {
	now := time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)
	repo := memory.New()
	ctx := context.Background()
	svc := &Service{
		Repo: repo,
		Source: &stubSource{
			items: map[string][]feeds.Item{
				"https://a.test/rss": {
					{Headline: "Fed holds", URL: "https://a.test/1", PublishedAt: now},
					{Headline: "Fed holds", URL: "https://a.test/1?utm_source=rss", PublishedAt: now},
					{Headline: "", URL: "https://a.test/2"},
				},
			},
			errs: map[string]error{"https://b.test/rss": errors.New("timeout")},
		},
		Dedup: &dedup.Store{Repo: repo},
		Now:   func() time.Time { return now },
	}
	if err := svc.EnsureFeeds(ctx, []config.FeedConfig{
		{Name: "A", URL: "https://a.test/rss", PollInterval: 5 * time.Minute},
		{Name: "B", URL: "https://b.test/rss"},
	}); err != nil {
		t.Fatalf("ensure feeds err=%v", err)
	}

	res, err := svc.RunOnce(ctx)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if res.Feeds != 2 || res.FeedErrors != 1 || res.Accepted != 1 || res.Duplicates != 1 || res.Rejected != 1 {
		t.Fatalf("result=%+v", res)
	}

	var failed models.Feed
	for id := uint64(1); id <= 10; id++ {
		if f, ok := repo.GetFeed(id); ok && f.URL == "https://b.test/rss" {
			failed = f
		}
	}
	if failed.ErrorCount != 1 || failed.LastError != "timeout" {
		t.Fatalf("failed feed=%+v", failed)
	}
	if failed.NextFetchAt == nil || !failed.NextFetchAt.Equal(now.Add(5*time.Minute)) {
		t.Fatalf("next fetch=%v", failed.NextFetchAt)
	}

	// nothing is due until the poll interval passes
	res, err = svc.RunOnce(ctx)
	if err != nil || res.Feeds != 0 {
		t.Fatalf("second run feeds=%d err=%v want=0", res.Feeds, err)
	}
}
