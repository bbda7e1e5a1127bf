// Package clustering groups pending articles into events through the
// generation gateway.
package clustering

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"eventdesk/internal/gateway"
	"eventdesk/internal/models"
	"eventdesk/internal/repository"
)

type Caller interface {
	Call(ctx context.Context, req gateway.Request) (*gateway.Result, error)
}

type Config struct {
	Model          string
	BatchSize      int
	MaxPending     int
	MaxConcurrency int
	Temperature    float64
}

type Engine struct {
	Repo    repository.Repository
	Gateway Caller
	Config  Config
	Logger  *zap.Logger
	Now     func() time.Time
}

type Summary struct {
	Claimed       int      `json:"claimed"`
	Batches       int      `json:"batches"`
	FailedBatches int      `json:"failed_batches"`
	Processed     int      `json:"processed"`
	Failed        int      `json:"failed"`
	EventsCreated int      `json:"events_created"`
	EventsUpdated int      `json:"events_updated"`
	EventIDs      []uint64 `json:"event_ids"`
}

type batchOutcome struct {
	created   int
	updated   int
	processed int
	eventIDs  []uint64
}

// RunOnce claims up to MaxPending pending articles and clusters them.
func (e *Engine) RunOnce(ctx context.Context) (*Summary, error) {
	if e == nil || e.Repo == nil || e.Gateway == nil {
		return nil, errors.New("clustering engine not configured")
	}
	articles, err := e.Repo.ClaimPendingArticles(ctx, e.maxPending(), e.now())
	if err != nil {
		return nil, fmt.Errorf("claim pending articles: %w", err)
	}
	if len(articles) == 0 {
		return &Summary{}, nil
	}
	return e.ClusterPending(ctx, articles, e.batchSize())
}

// ClusterPending splits claimed articles into batches of at most
// maxBatchSize and clusters them with bounded concurrency. A failed batch
// marks its articles failed and never stops the others.
func (e *Engine) ClusterPending(ctx context.Context, articles []models.Article, maxBatchSize int) (*Summary, error) {
	if maxBatchSize <= 0 {
		maxBatchSize = e.batchSize()
	}
	batches := chunk(articles, maxBatchSize)
	summary := &Summary{Claimed: len(articles), Batches: len(batches)}
	touched := map[uint64]struct{}{}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(e.maxConcurrency())
	for i, batch := range batches {
		g.Go(func() error {
			out, err := e.clusterBatch(ctx, batch)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				summary.FailedBatches++
				failed := e.failBatch(ctx, batch)
				summary.Failed += failed
				e.logger().Warn("cluster batch failed",
					zap.Int("batch", i),
					zap.Int("batch_size", len(batch)),
					zap.Int("marked_failed", failed),
					zap.Error(err),
				)
			}
			if out != nil {
				summary.EventsCreated += out.created
				summary.EventsUpdated += out.updated
				summary.Processed += out.processed
				for _, id := range out.eventIDs {
					if _, ok := touched[id]; !ok {
						touched[id] = struct{}{}
						summary.EventIDs = append(summary.EventIDs, id)
					}
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	e.logger().Info("clustering pass finished",
		zap.Int("claimed", summary.Claimed),
		zap.Int("batches", summary.Batches),
		zap.Int("failed_batches", summary.FailedBatches),
		zap.Int("events_created", summary.EventsCreated),
		zap.Int("events_updated", summary.EventsUpdated),
	)
	if summary.FailedBatches > 0 && summary.FailedBatches == summary.Batches {
		return summary, fmt.Errorf("all %d cluster batches failed", summary.Batches)
	}
	return summary, nil
}

func (e *Engine) clusterBatch(ctx context.Context, batch []models.Article) (*batchOutcome, error) {
	prompt, err := buildPrompt(batch)
	if err != nil {
		return nil, err
	}
	res, err := e.Gateway.Call(ctx, gateway.Request{
		Prompt:       prompt,
		Model:        e.Config.Model,
		Instructions: instructions,
		Temperature:  e.Config.Temperature,
		JSONMode:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("grouping call: %w", err)
	}
	parsed, err := parseGrouping(res.Text, len(batch))
	if err != nil {
		return nil, err
	}

	now := e.now()
	out := &batchOutcome{}
	mentioned := make(map[int]struct{}, len(batch))
	var applyErr error
	for _, c := range parsed.Clusters {
		ids := make([]uint64, 0, len(c.LocalIDs))
		earliest := time.Time{}
		for _, local := range c.LocalIDs {
			mentioned[local] = struct{}{}
			a := batch[local-1]
			ids = append(ids, a.ID)
			if earliest.IsZero() || a.PublishedAt.Before(earliest) {
				earliest = a.PublishedAt
			}
		}
		if earliest.IsZero() && c.FirstReported != nil {
			earliest = *c.FirstReported
		}
		result, err := e.Repo.ApplyCluster(ctx, repository.ClusterUpdate{
			NormalizedKey:   c.Key,
			Summary:         c.Summary,
			RelevanceScore:  c.RelevanceScore,
			FirstReportedAt: earliest.UTC(),
			ArticleIDs:      ids,
			Now:             now,
		})
		if err != nil {
			applyErr = errors.Join(applyErr, err)
			continue
		}
		if result.Created {
			out.created++
		} else {
			out.updated++
		}
		out.processed += len(ids)
		out.eventIDs = append(out.eventIDs, result.EventID)
		e.logger().Debug("event merged",
			zap.Uint64("event_id", result.EventID),
			zap.String("event_key", c.Key),
			zap.Bool("created", result.Created),
			zap.Int("article_count", result.ArticleCount),
			zap.Int("source_count", result.SourceCount),
			zap.Float64("relevance_score", result.RelevanceScore),
		)
	}

	// Ungrouped and unmentioned headlines were considered; they are done.
	rest := make([]uint64, 0)
	for _, local := range parsed.Ungrouped {
		mentioned[local] = struct{}{}
		rest = append(rest, batch[local-1].ID)
	}
	unmentioned := 0
	for i := range batch {
		if _, ok := mentioned[i+1]; !ok {
			rest = append(rest, batch[i].ID)
			unmentioned++
		}
	}
	if unmentioned > 0 {
		e.logger().Debug("headlines missing from grouping treated as ungrouped", zap.Int("count", unmentioned))
	}
	if len(rest) > 0 {
		n, err := e.Repo.MarkArticles(ctx, rest, models.ArticleStatusProcessing, models.ArticleStatusProcessed, now)
		if err != nil {
			applyErr = errors.Join(applyErr, fmt.Errorf("mark ungrouped processed: %w", err))
		}
		out.processed += int(n)
	}
	if applyErr != nil {
		return out, applyErr
	}
	return out, nil
}

// failBatch marks whatever is still processing in batch as failed. It runs
// even when ctx is already cancelled so no claimed article is left behind.
func (e *Engine) failBatch(ctx context.Context, batch []models.Article) int {
	ctx = context.WithoutCancel(ctx)
	ids := make([]uint64, 0, len(batch))
	for _, a := range batch {
		ids = append(ids, a.ID)
	}
	n, err := e.Repo.MarkArticles(ctx, ids, models.ArticleStatusProcessing, models.ArticleStatusFailed, e.now())
	if err != nil {
		e.logger().Error("mark batch failed", zap.Int("batch_size", len(batch)), zap.Error(err))
	}
	return int(n)
}

func chunk(items []models.Article, size int) [][]models.Article {
	out := make([][]models.Article, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end])
	}
	return out
}

func (e *Engine) batchSize() int {
	if e.Config.BatchSize <= 0 {
		return 40
	}
	return e.Config.BatchSize
}

func (e *Engine) maxPending() int {
	if e.Config.MaxPending <= 0 {
		return 100
	}
	return e.Config.MaxPending
}

func (e *Engine) maxConcurrency() int {
	if e.Config.MaxConcurrency <= 0 {
		return 3
	}
	return e.Config.MaxConcurrency
}

func (e *Engine) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}
