package repository

import (
	"context"
	"errors"
	"time"

	"eventdesk/internal/models"
)

// ErrDuplicate reports a unique-constraint conflict. It is an expected
// outcome for callers, not a storage failure.
var ErrDuplicate = errors.New("duplicate record")

// ClusterUpdate is one event cluster to be merged into storage.
type ClusterUpdate struct {
	NormalizedKey   string
	Summary         string
	RelevanceScore  float64
	FirstReportedAt time.Time
	ArticleIDs      []uint64
	Now             time.Time
}

type ClusterResult struct {
	EventID        uint64
	Created        bool
	ArticleCount   int
	SourceCount    int
	RelevanceScore float64
	Linked         int
}

type IdeaCandidateParams struct {
	Limit       int
	MinArticles int
	// Force keeps events that already have a live idea.
	Force bool
	Now   time.Time
}

type FeedFetchResult struct {
	FetchedAt   time.Time
	NextFetchAt time.Time
	Err         error
}

type Repository interface {
	// articles
	InsertArticle(ctx context.Context, item *models.Article) error
	ClaimPendingArticles(ctx context.Context, limit int, now time.Time) ([]models.Article, error)
	FailExpiredClaims(ctx context.Context, cutoff, now time.Time) (int64, error)
	MarkArticles(ctx context.Context, ids []uint64, from, to string, at time.Time) (int64, error)
	CountArticlesByStatus(ctx context.Context) (map[string]int64, error)

	// events
	ApplyCluster(ctx context.Context, update ClusterUpdate) (*ClusterResult, error)
	MarkStaleEvents(ctx context.Context, cutoff time.Time) (int64, error)
	ArchiveStaleEvents(ctx context.Context, cutoff time.Time) (int64, error)
	ListIdeaCandidates(ctx context.Context, params IdeaCandidateParams) ([]models.Event, error)
	ListEventArticles(ctx context.Context, eventID uint64, limit int) ([]models.Article, error)

	// ideas
	CreateIdea(ctx context.Context, item *models.TradingIdea, force bool) error
	ExpireIdeas(ctx context.Context, now time.Time) (int64, error)

	// feeds
	UpsertFeed(ctx context.Context, item *models.Feed) error
	ListDueFeeds(ctx context.Context, now time.Time, limit int) ([]models.Feed, error)
	RecordFeedFetch(ctx context.Context, feedID uint64, result FeedFetchResult) error

	// settings
	GetSystemSettingByKey(ctx context.Context, key string) (*models.SystemSetting, error)
	UpsertSystemSetting(ctx context.Context, item *models.SystemSetting) error
}
