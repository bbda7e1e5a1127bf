// Package ingest polls due feeds and admits their items through dedup.
package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"eventdesk/internal/config"
	"eventdesk/internal/dedup"
	"eventdesk/internal/feeds"
	"eventdesk/internal/models"
	"eventdesk/internal/repository"
)

const defaultPollInterval = 5 * time.Minute

type Admitter interface {
	Admit(ctx context.Context, c dedup.Candidate) (*models.Article, error)
}

type Service struct {
	Repo           repository.Repository
	Source         feeds.Source
	Dedup          Admitter
	MaxConcurrency int
	Logger         *zap.Logger
	Now            func() time.Time
}

type Result struct {
	Feeds      int `json:"feeds"`
	FeedErrors int `json:"feed_errors"`
	Items      int `json:"items"`
	Accepted   int `json:"accepted"`
	Duplicates int `json:"duplicates"`
	Rejected   int `json:"rejected"`
}

// EnsureFeeds upserts configured feeds.
func (s *Service) EnsureFeeds(ctx context.Context, items []config.FeedConfig) error {
	if s == nil || s.Repo == nil {
		return nil
	}
	for _, fc := range items {
		interval := fc.PollInterval
		if interval <= 0 {
			interval = defaultPollInterval
		}
		feed := &models.Feed{
			URL:          fc.URL,
			SourceName:   fc.Name,
			Category:     fc.Category,
			PollInterval: int(interval / time.Second),
			Active:       true,
		}
		if err := s.Repo.UpsertFeed(ctx, feed); err != nil {
			return err
		}
	}
	return nil
}

// RunOnce fetches every due feed. One feed failing never stops the rest.
func (s *Service) RunOnce(ctx context.Context) (*Result, error) {
	if s == nil || s.Repo == nil || s.Source == nil || s.Dedup == nil {
		return nil, errors.New("ingest service not configured")
	}
	now := s.now()
	due, err := s.Repo.ListDueFeeds(ctx, now, 0)
	if err != nil {
		return nil, err
	}
	res := &Result{Feeds: len(due)}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(s.maxConcurrency())
	for _, feed := range due {
		g.Go(func() error {
			fr, ferr := s.ingestFeed(ctx, feed)
			mu.Lock()
			res.Items += fr.Items
			res.Accepted += fr.Accepted
			res.Duplicates += fr.Duplicates
			res.Rejected += fr.Rejected
			if ferr != nil {
				res.FeedErrors++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if res.Feeds > 0 {
		s.logger().Info("ingest pass finished",
			zap.Int("feeds", res.Feeds),
			zap.Int("feed_errors", res.FeedErrors),
			zap.Int("accepted", res.Accepted),
			zap.Int("duplicates", res.Duplicates),
		)
	}
	return res, nil
}

func (s *Service) ingestFeed(ctx context.Context, feed models.Feed) (Result, error) {
	var out Result
	items, err := s.Source.Fetch(ctx, feed)
	finished := s.now()
	interval := time.Duration(feed.PollInterval) * time.Second
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if rerr := s.Repo.RecordFeedFetch(ctx, feed.ID, repository.FeedFetchResult{
		FetchedAt:   finished,
		NextFetchAt: finished.Add(interval),
		Err:         err,
	}); rerr != nil {
		s.logger().Warn("record feed fetch failed", zap.Uint64("feed_id", feed.ID), zap.Error(rerr))
	}
	if err != nil {
		s.logger().Warn("feed fetch failed",
			zap.Uint64("feed_id", feed.ID),
			zap.String("url", feed.URL),
			zap.Error(err),
		)
		return out, err
	}

	feedID := feed.ID
	for _, it := range items {
		out.Items++
		source := it.Source
		if source == "" {
			source = feed.SourceName
		}
		_, err := s.Dedup.Admit(ctx, dedup.Candidate{
			FeedID:      &feedID,
			Headline:    it.Headline,
			URL:         it.URL,
			SourceName:  source,
			PublishedAt: it.PublishedAt,
			RawContent:  it.Body,
		})
		switch {
		case err == nil:
			out.Accepted++
		case errors.Is(err, dedup.ErrDuplicate):
			out.Duplicates++
		default:
			out.Rejected++
			s.logger().Debug("item rejected", zap.String("url", it.URL), zap.Error(err))
		}
	}
	return out, nil
}

func (s *Service) maxConcurrency() int {
	if s.MaxConcurrency <= 0 {
		return 5
	}
	return s.MaxConcurrency
}

func (s *Service) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}
