package gormrepository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"eventdesk/internal/models"
	"eventdesk/internal/repository"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(fn)
}

// --- articles ---------------------------------------------------------------

func (s *Store) InsertArticle(ctx context.Context, item *models.Article) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	err := s.db.WithContext(ctx).Create(item).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return repository.ErrDuplicate
	}
	return err
}

// ClaimPendingArticles moves up to limit pending articles to processing and
// stamps the claim time. Rows locked by a concurrent claimer are skipped.
func (s *Store) ClaimPendingArticles(ctx context.Context, limit int, now time.Time) ([]models.Article, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	limit = normalizeLimit(limit, 100)
	if now.IsZero() {
		now = time.Now().UTC()
	}
	var items []models.Article
	err := s.InTx(ctx, func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ?", models.ArticleStatusPending).
			Order("published_at asc").
			Order("id asc").
			Limit(limit).
			Find(&items).Error; err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}
		ids := make([]uint64, 0, len(items))
		for i := range items {
			ids = append(ids, items[i].ID)
			items[i].Status = models.ArticleStatusProcessing
			items[i].ClaimedAt = &now
		}
		return tx.Model(&models.Article{}).
			Where("id IN ?", ids).
			Updates(map[string]any{
				"status":     models.ArticleStatusProcessing,
				"claimed_at": now,
			}).Error
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) MarkArticles(ctx context.Context, ids []uint64, from, to string, at time.Time) (int64, error) {
	if s == nil || s.db == nil || len(ids) == 0 {
		return 0, nil
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	query := s.db.WithContext(ctx).Model(&models.Article{}).Where("id IN ?", ids)
	if strings.TrimSpace(from) != "" {
		query = query.Where("status = ?", from)
	}
	res := query.Updates(map[string]any{
		"status":       to,
		"processed_at": at,
	})
	return res.RowsAffected, res.Error
}

// FailExpiredClaims fails articles still processing from a claim older than
// cutoff. Their run died before it could mark them.
func (s *Store) FailExpiredClaims(ctx context.Context, cutoff, now time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Model(&models.Article{}).
		Where("status = ?", models.ArticleStatusProcessing).
		Where("claimed_at IS NULL OR claimed_at < ?", cutoff).
		Updates(map[string]any{
			"status":       models.ArticleStatusFailed,
			"processed_at": now,
		})
	return res.RowsAffected, res.Error
}

func (s *Store) CountArticlesByStatus(ctx context.Context) (map[string]int64, error) {
	if s == nil || s.db == nil {
		return map[string]int64{}, nil
	}
	var rows []struct {
		Status string
		Total  int64
	}
	if err := s.db.WithContext(ctx).
		Model(&models.Article{}).
		Select("status, COUNT(*) AS total").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.Total
	}
	return out, nil
}

// --- events -----------------------------------------------------------------

// ApplyCluster creates or merges the event for update.NormalizedKey, links the
// member articles and recomputes the aggregates from the mapping rows, all in
// one transaction holding the event row lock.
func (s *Store) ApplyCluster(ctx context.Context, update repository.ClusterUpdate) (*repository.ClusterResult, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	key := strings.TrimSpace(update.NormalizedKey)
	if key == "" {
		return nil, errors.New("normalized key is required")
	}
	now := update.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	first := update.FirstReportedAt
	if first.IsZero() {
		first = now
	}

	var out repository.ClusterResult
	err := s.InTx(ctx, func(tx *gorm.DB) error {
		seed := models.Event{
			Summary:         update.Summary,
			NormalizedKey:   key,
			FirstReportedAt: first,
			LastUpdatedAt:   now,
			RelevanceScore:  update.RelevanceScore,
			Status:          models.EventStatusActive,
		}
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "normalized_key"}},
			DoNothing: true,
		}).Create(&seed)
		if res.Error != nil {
			return res.Error
		}
		out.Created = res.RowsAffected == 1

		var event models.Event
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("normalized_key = ?", key).
			First(&event).Error; err != nil {
			return err
		}

		score := event.RelevanceScore
		if !out.Created {
			updates := map[string]any{"last_updated_at": now}
			if strings.TrimSpace(update.Summary) != "" {
				updates["summary"] = update.Summary
			}
			if update.RelevanceScore > score {
				score = update.RelevanceScore
				updates["relevance_score"] = score
			}
			if first.Before(event.FirstReportedAt) {
				updates["first_reported_at"] = first
			}
			if err := tx.Model(&models.Event{}).Where("id = ?", event.ID).Updates(updates).Error; err != nil {
				return err
			}
		}

		if len(update.ArticleIDs) > 0 {
			links := make([]models.EventArticle, 0, len(update.ArticleIDs))
			for _, id := range update.ArticleIDs {
				links = append(links, models.EventArticle{
					EventID:           event.ID,
					ArticleID:         id,
					ContributionScore: 1,
					AddedAt:           now,
				})
			}
			res := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "event_id"}, {Name: "article_id"}},
				DoNothing: true,
			}).Create(&links)
			if res.Error != nil {
				return res.Error
			}
			out.Linked = int(res.RowsAffected)
		}

		var agg struct {
			Articles int64
			Sources  int64
		}
		if err := tx.Table("event_articles AS ea").
			Select("COUNT(*) AS articles, COUNT(DISTINCT a.source_name) AS sources").
			Joins("JOIN articles AS a ON a.id = ea.article_id").
			Where("ea.event_id = ?", event.ID).
			Scan(&agg).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.Event{}).Where("id = ?", event.ID).Updates(map[string]any{
			"article_count": agg.Articles,
			"source_count":  agg.Sources,
		}).Error; err != nil {
			return err
		}

		if len(update.ArticleIDs) > 0 {
			if err := tx.Model(&models.Article{}).
				Where("id IN ?", update.ArticleIDs).
				Where("status IN ?", []string{models.ArticleStatusPending, models.ArticleStatusProcessing}).
				Updates(map[string]any{
					"status":       models.ArticleStatusProcessed,
					"processed_at": now,
				}).Error; err != nil {
				return err
			}
		}

		out.EventID = event.ID
		out.ArticleCount = int(agg.Articles)
		out.SourceCount = int(agg.Sources)
		out.RelevanceScore = score
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("apply cluster %q: %w", key, err)
	}
	return &out, nil
}

func (s *Store) MarkStaleEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Model(&models.Event{}).
		Where("status = ?", models.EventStatusActive).
		Where("last_updated_at < ?", cutoff).
		Update("status", models.EventStatusStale)
	return res.RowsAffected, res.Error
}

func (s *Store) ArchiveStaleEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Model(&models.Event{}).
		Where("status = ?", models.EventStatusStale).
		Where("last_updated_at < ?", cutoff).
		Update("status", models.EventStatusArchived)
	return res.RowsAffected, res.Error
}

func (s *Store) ListIdeaCandidates(ctx context.Context, params repository.IdeaCandidateParams) ([]models.Event, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	now := params.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	query := s.db.WithContext(ctx).
		Model(&models.Event{}).
		Where("status = ?", models.EventStatusActive)
	if params.MinArticles > 0 {
		query = query.Where("article_count >= ?", params.MinArticles)
	}
	if !params.Force {
		query = query.Where(`NOT EXISTS (
			SELECT 1 FROM trading_ideas AS ti
			WHERE ti.event_id = news_events.id AND ti.status <> ? AND ti.expires_at > ?
		)`, models.IdeaStatusExpired, now)
	}
	var items []models.Event
	if err := query.
		Order("relevance_score desc").
		Order("first_reported_at desc").
		Limit(normalizeLimit(params.Limit, 10)).
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// ListEventArticles returns the most recently published members of an event.
func (s *Store) ListEventArticles(ctx context.Context, eventID uint64, limit int) ([]models.Article, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.Article
	if err := s.db.WithContext(ctx).
		Model(&models.Article{}).
		Joins("JOIN event_articles AS ea ON ea.article_id = articles.id").
		Where("ea.event_id = ?", eventID).
		Order("articles.published_at desc").
		Limit(normalizeLimit(limit, 10)).
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// --- ideas ------------------------------------------------------------------

// CreateIdea inserts item while holding the parent event lock. Without force it
// returns repository.ErrDuplicate when the event already has a live idea.
func (s *Store) CreateIdea(ctx context.Context, item *models.TradingIdea, force bool) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	if item.GeneratedAt.IsZero() {
		item.GeneratedAt = time.Now().UTC()
	}
	return s.InTx(ctx, func(tx *gorm.DB) error {
		var event models.Event
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", item.EventID).
			First(&event).Error; err != nil {
			return fmt.Errorf("lock event %d: %w", item.EventID, err)
		}
		if !force {
			var live int64
			if err := tx.Model(&models.TradingIdea{}).
				Where("event_id = ?", item.EventID).
				Where("status <> ?", models.IdeaStatusExpired).
				Where("expires_at > ?", item.GeneratedAt).
				Count(&live).Error; err != nil {
				return err
			}
			if live > 0 {
				return repository.ErrDuplicate
			}
		}
		return tx.Create(item).Error
	})
}

func (s *Store) ExpireIdeas(ctx context.Context, now time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Model(&models.TradingIdea{}).
		Where("status IN ?", []string{models.IdeaStatusNew, models.IdeaStatusReviewed}).
		Where("expires_at <= ?", now).
		Update("status", models.IdeaStatusExpired)
	return res.RowsAffected, res.Error
}

// --- feeds ------------------------------------------------------------------

func (s *Store) UpsertFeed(ctx context.Context, item *models.Feed) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	item.URL = strings.TrimSpace(item.URL)
	if item.URL == "" {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "url"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"source_name",
			"category",
			"poll_interval",
			"active",
			"updated_at",
		}),
	}).Create(item).Error
}

func (s *Store) ListDueFeeds(ctx context.Context, now time.Time, limit int) ([]models.Feed, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.Feed
	if err := s.db.WithContext(ctx).
		Where("active = ?", true).
		Where("next_fetch_at IS NULL OR next_fetch_at <= ?", now).
		Order("next_fetch_at asc nulls first").
		Limit(normalizeLimit(limit, 200)).
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) RecordFeedFetch(ctx context.Context, feedID uint64, result repository.FeedFetchResult) error {
	if s == nil || s.db == nil || feedID == 0 {
		return nil
	}
	updates := map[string]any{
		"last_fetched_at": result.FetchedAt,
		"next_fetch_at":   result.NextFetchAt,
	}
	if result.Err != nil {
		updates["error_count"] = gorm.Expr("error_count + 1")
		updates["last_error"] = result.Err.Error()
	} else {
		updates["error_count"] = 0
		updates["last_error"] = ""
	}
	return s.db.WithContext(ctx).Model(&models.Feed{}).Where("id = ?", feedID).Updates(updates).Error
}

// --- settings ---------------------------------------------------------------

func (s *Store) UpsertSystemSetting(ctx context.Context, item *models.SystemSetting) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	item.Key = strings.TrimSpace(item.Key)
	if item.Key == "" {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"value",
			"description",
			"updated_at",
		}),
	}).Create(item).Error
}

func (s *Store) GetSystemSettingByKey(ctx context.Context, key string) (*models.SystemSetting, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, nil
	}
	var item models.SystemSetting
	err := s.db.WithContext(ctx).Model(&models.SystemSetting{}).Where("key = ?", key).First(&item).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func normalizeLimit(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > 500 {
		return 500
	}
	return limit
}

var _ repository.Repository = (*Store)(nil)
