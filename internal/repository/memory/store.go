// Package memory is an in-process Repository with the same uniqueness and
// transaction rules as the gorm store. A single mutex stands in for row locks.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"eventdesk/internal/models"
	"eventdesk/internal/repository"
)

type Store struct {
	mu sync.Mutex

	nextID uint64

	articles      map[uint64]*models.Article
	articleByURL  map[string]uint64
	articleByHash map[string]uint64

	events     map[uint64]*models.Event
	eventByKey map[string]uint64
	links      map[uint64]map[uint64]models.EventArticle

	ideas    map[uint64]*models.TradingIdea
	feeds    map[uint64]*models.Feed
	feedURL  map[string]uint64
	settings map[string]models.SystemSetting
}

func New() *Store {
	return &Store{
		articles:      map[uint64]*models.Article{},
		articleByURL:  map[string]uint64{},
		articleByHash: map[string]uint64{},
		events:        map[uint64]*models.Event{},
		eventByKey:    map[string]uint64{},
		links:         map[uint64]map[uint64]models.EventArticle{},
		ideas:         map[uint64]*models.TradingIdea{},
		feeds:         map[uint64]*models.Feed{},
		feedURL:       map[string]uint64{},
		settings:      map[string]models.SystemSetting{},
	}
}

func (s *Store) id() uint64 {
	s.nextID++
	return s.nextID
}

func (s *Store) InsertArticle(ctx context.Context, item *models.Article) error {
	if item == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.articleByURL[item.URL]; ok {
		return repository.ErrDuplicate
	}
	if _, ok := s.articleByHash[item.ContentHash]; ok {
		return repository.ErrDuplicate
	}
	item.ID = s.id()
	if item.Status == "" {
		item.Status = models.ArticleStatusPending
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	cp := *item
	s.articles[cp.ID] = &cp
	s.articleByURL[cp.URL] = cp.ID
	s.articleByHash[cp.ContentHash] = cp.ID
	return nil
}

func (s *Store) ClaimPendingArticles(ctx context.Context, limit int, now time.Time) ([]models.Article, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := make([]*models.Article, 0)
	for _, a := range s.articles {
		if a.Status == models.ArticleStatusPending {
			pending = append(pending, a)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if !pending[i].PublishedAt.Equal(pending[j].PublishedAt) {
			return pending[i].PublishedAt.Before(pending[j].PublishedAt)
		}
		return pending[i].ID < pending[j].ID
	})
	if len(pending) > limit {
		pending = pending[:limit]
	}
	out := make([]models.Article, 0, len(pending))
	for _, a := range pending {
		claimed := now
		a.Status = models.ArticleStatusProcessing
		a.ClaimedAt = &claimed
		out = append(out, *a)
	}
	return out, nil
}

func (s *Store) MarkArticles(ctx context.Context, ids []uint64, from, to string, at time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, id := range ids {
		a, ok := s.articles[id]
		if !ok {
			continue
		}
		if strings.TrimSpace(from) != "" && a.Status != from {
			continue
		}
		a.Status = to
		t := at
		a.ProcessedAt = &t
		n++
	}
	return n, nil
}

func (s *Store) FailExpiredClaims(ctx context.Context, cutoff, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, a := range s.articles {
		if a.Status != models.ArticleStatusProcessing {
			continue
		}
		if a.ClaimedAt != nil && !a.ClaimedAt.Before(cutoff) {
			continue
		}
		a.Status = models.ArticleStatusFailed
		at := now
		a.ProcessedAt = &at
		n++
	}
	return n, nil
}

func (s *Store) CountArticlesByStatus(ctx context.Context) (map[string]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]int64{}
	for _, a := range s.articles {
		out[a.Status]++
	}
	return out, nil
}

// GetArticle is a lookup helper used by tests and debugging tools.
func (s *Store) GetArticle(id uint64) (models.Article, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.articles[id]
	if !ok {
		return models.Article{}, false
	}
	return *a, true
}

func (s *Store) ApplyCluster(ctx context.Context, update repository.ClusterUpdate) (*repository.ClusterResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
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

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range update.ArticleIDs {
		if _, ok := s.articles[id]; !ok {
			return nil, fmt.Errorf("apply cluster %q: article %d not found", key, id)
		}
	}

	var out repository.ClusterResult
	event, ok := s.lookupEvent(key)
	if !ok {
		event = &models.Event{
			ID:              s.id(),
			Summary:         update.Summary,
			NormalizedKey:   key,
			FirstReportedAt: first,
			LastUpdatedAt:   now,
			RelevanceScore:  update.RelevanceScore,
			Status:          models.EventStatusActive,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		s.events[event.ID] = event
		s.eventByKey[key] = event.ID
		s.links[event.ID] = map[uint64]models.EventArticle{}
		out.Created = true
	} else {
		event.LastUpdatedAt = now
		event.UpdatedAt = now
		if strings.TrimSpace(update.Summary) != "" {
			event.Summary = update.Summary
		}
		if update.RelevanceScore > event.RelevanceScore {
			event.RelevanceScore = update.RelevanceScore
		}
		if first.Before(event.FirstReportedAt) {
			event.FirstReportedAt = first
		}
	}

	mapping := s.links[event.ID]
	for _, id := range update.ArticleIDs {
		if _, exists := mapping[id]; exists {
			continue
		}
		mapping[id] = models.EventArticle{
			ID:                s.id(),
			EventID:           event.ID,
			ArticleID:         id,
			ContributionScore: 1,
			AddedAt:           now,
		}
		out.Linked++
	}

	sources := map[string]struct{}{}
	for articleID := range mapping {
		if a, ok := s.articles[articleID]; ok {
			sources[a.SourceName] = struct{}{}
		}
	}
	event.ArticleCount = len(mapping)
	event.SourceCount = len(sources)

	for _, id := range update.ArticleIDs {
		a := s.articles[id]
		if a.Status == models.ArticleStatusPending || a.Status == models.ArticleStatusProcessing {
			a.Status = models.ArticleStatusProcessed
			t := now
			a.ProcessedAt = &t
		}
	}

	out.EventID = event.ID
	out.ArticleCount = event.ArticleCount
	out.SourceCount = event.SourceCount
	out.RelevanceScore = event.RelevanceScore
	return &out, nil
}

func (s *Store) lookupEvent(key string) (*models.Event, bool) {
	id, ok := s.eventByKey[key]
	if !ok {
		return nil, false
	}
	return s.events[id], true
}

// GetEventByKey is a lookup helper for tests, like GetArticle.
func (s *Store) GetEventByKey(ctx context.Context, key string) (*models.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	event, ok := s.lookupEvent(strings.TrimSpace(key))
	if !ok {
		return nil, nil
	}
	cp := *event
	return &cp, nil
}

// PutEvent stores an event as-is, for seeding fixtures.
func (s *Store) PutEvent(item models.Event) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item.ID == 0 {
		item.ID = s.id()
	}
	if item.Status == "" {
		item.Status = models.EventStatusActive
	}
	s.events[item.ID] = &item
	s.eventByKey[item.NormalizedKey] = item.ID
	if _, ok := s.links[item.ID]; !ok {
		s.links[item.ID] = map[uint64]models.EventArticle{}
	}
	return item.ID
}

func (s *Store) CountEventArticles(ctx context.Context, eventID uint64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.links[eventID])), nil
}

func (s *Store) MarkStaleEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.advanceEvents(ctx, models.EventStatusActive, models.EventStatusStale, cutoff)
}

func (s *Store) ArchiveStaleEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.advanceEvents(ctx, models.EventStatusStale, models.EventStatusArchived, cutoff)
}

func (s *Store) advanceEvents(ctx context.Context, from, to string, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, e := range s.events {
		if e.Status == from && e.LastUpdatedAt.Before(cutoff) {
			e.Status = to
			n++
		}
	}
	return n, nil
}

func (s *Store) ListIdeaCandidates(ctx context.Context, params repository.IdeaCandidateParams) ([]models.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := params.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	limit := params.Limit
	if limit <= 0 {
		limit = 10
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Event, 0)
	for _, e := range s.events {
		if e.Status != models.EventStatusActive || e.ArticleCount < params.MinArticles {
			continue
		}
		if !params.Force && s.hasLiveIdea(e.ID, now) {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RelevanceScore != out[j].RelevanceScore {
			return out[i].RelevanceScore > out[j].RelevanceScore
		}
		return out[i].FirstReportedAt.After(out[j].FirstReportedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) hasLiveIdea(eventID uint64, now time.Time) bool {
	for _, idea := range s.ideas {
		if idea.EventID == eventID && idea.Status != models.IdeaStatusExpired && idea.ExpiresAt.After(now) {
			return true
		}
	}
	return false
}

func (s *Store) ListEventArticles(ctx context.Context, eventID uint64, limit int) ([]models.Article, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Article, 0)
	for articleID := range s.links[eventID] {
		if a, ok := s.articles[articleID]; ok {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].PublishedAt.After(out[j].PublishedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CreateIdea(ctx context.Context, item *models.TradingIdea, force bool) error {
	if item == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if item.GeneratedAt.IsZero() {
		item.GeneratedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[item.EventID]; !ok {
		return fmt.Errorf("lock event %d: not found", item.EventID)
	}
	if !force && s.hasLiveIdea(item.EventID, item.GeneratedAt) {
		return repository.ErrDuplicate
	}
	item.ID = s.id()
	cp := *item
	s.ideas[cp.ID] = &cp
	return nil
}

func (s *Store) ExpireIdeas(ctx context.Context, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, idea := range s.ideas {
		if idea.Status != models.IdeaStatusNew && idea.Status != models.IdeaStatusReviewed {
			continue
		}
		if !idea.ExpiresAt.After(now) {
			idea.Status = models.IdeaStatusExpired
			n++
		}
	}
	return n, nil
}

func (s *Store) ListIdeasByEvent(ctx context.Context, eventID uint64) ([]models.TradingIdea, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.TradingIdea, 0)
	for _, idea := range s.ideas {
		if idea.EventID == eventID {
			out = append(out, *idea)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].GeneratedAt.After(out[j].GeneratedAt)
	})
	return out, nil
}

func (s *Store) UpsertFeed(ctx context.Context, item *models.Feed) error {
	if item == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	item.URL = strings.TrimSpace(item.URL)
	if item.URL == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.feedURL[item.URL]; ok {
		existing := s.feeds[id]
		existing.SourceName = item.SourceName
		existing.Category = item.Category
		existing.PollInterval = item.PollInterval
		existing.Active = item.Active
		existing.UpdatedAt = time.Now().UTC()
		item.ID = id
		return nil
	}
	item.ID = s.id()
	cp := *item
	s.feeds[cp.ID] = &cp
	s.feedURL[cp.URL] = cp.ID
	return nil
}

func (s *Store) ListDueFeeds(ctx context.Context, now time.Time, limit int) ([]models.Feed, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 200
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Feed, 0)
	for _, f := range s.feeds {
		if !f.Active {
			continue
		}
		if f.NextFetchAt != nil && f.NextFetchAt.After(now) {
			continue
		}
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) RecordFeedFetch(ctx context.Context, feedID uint64, result repository.FeedFetchResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.feeds[feedID]
	if !ok {
		return nil
	}
	fetched, next := result.FetchedAt, result.NextFetchAt
	f.LastFetchedAt = &fetched
	f.NextFetchAt = &next
	if result.Err != nil {
		f.ErrorCount++
		f.LastError = result.Err.Error()
	} else {
		f.ErrorCount = 0
		f.LastError = ""
	}
	return nil
}

// GetFeed is a lookup helper used by tests.
func (s *Store) GetFeed(id uint64) (models.Feed, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.feeds[id]
	if !ok {
		return models.Feed{}, false
	}
	return *f, true
}

func (s *Store) GetSystemSettingByKey(ctx context.Context, key string) (*models.SystemSetting, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.settings[strings.TrimSpace(key)]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (s *Store) UpsertSystemSetting(ctx context.Context, item *models.SystemSetting) error {
	if item == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	item.Key = strings.TrimSpace(item.Key)
	if item.Key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.settings[item.Key]; ok {
		item.ID = existing.ID
		item.CreatedAt = existing.CreatedAt
	} else {
		item.ID = s.id()
	}
	s.settings[item.Key] = *item
	return nil
}

var _ repository.Repository = (*Store)(nil)
