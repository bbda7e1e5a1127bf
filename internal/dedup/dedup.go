// Package dedup admits articles into storage exactly once per URL and per
// content fingerprint.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"eventdesk/internal/cache"
	"eventdesk/internal/models"
	"eventdesk/internal/repository"
)

// ErrDuplicate is returned by Admit for an article already stored.
var ErrDuplicate = repository.ErrDuplicate

type Candidate struct {
	FeedID      *uint64
	Headline    string
	URL         string
	SourceName  string
	PublishedAt time.Time
	RawContent  string
}

type Store struct {
	Repo   repository.Repository
	Seen   cache.Store
	TTL    time.Duration
	Logger *zap.Logger
	Now    func() time.Time
}

// Admit normalizes c and inserts it as a pending article. The storage
// unique constraints decide; the seen cache only short-circuits repeats.
func (s *Store) Admit(ctx context.Context, c Candidate) (*models.Article, error) {
	if s == nil || s.Repo == nil {
		return nil, errors.New("dedup store not configured")
	}
	headline := strings.Join(strings.Fields(c.Headline), " ")
	if headline == "" {
		return nil, errors.New("headline is required")
	}
	canonical, err := CanonicalURL(c.URL)
	if err != nil {
		return nil, err
	}
	hash := Fingerprint(headline, canonical)

	if s.seen(ctx, canonical, hash) {
		s.logger().Debug("article seen recently", zap.String("url", canonical))
		return nil, ErrDuplicate
	}

	now := s.now()
	published := c.PublishedAt
	if published.IsZero() {
		published = now
	}
	item := &models.Article{
		FeedID:      c.FeedID,
		Headline:    headline,
		URL:         canonical,
		SourceName:  strings.TrimSpace(c.SourceName),
		PublishedAt: published.UTC(),
		ContentHash: hash,
		Status:      models.ArticleStatusPending,
		CreatedAt:   now,
	}
	if body := strings.TrimSpace(c.RawContent); body != "" {
		item.RawContent = &body
	}

	err = s.Repo.InsertArticle(ctx, item)
	if errors.Is(err, repository.ErrDuplicate) {
		s.remember(ctx, canonical, hash)
		s.logger().Debug("duplicate article rejected", zap.String("url", canonical), zap.String("fingerprint", hash))
		return nil, ErrDuplicate
	}
	if err != nil {
		return nil, fmt.Errorf("insert article: %w", err)
	}
	s.remember(ctx, canonical, hash)
	return item, nil
}

func (s *Store) seen(ctx context.Context, canonical, hash string) bool {
	if s.Seen == nil {
		return false
	}
	for _, key := range []string{"url:" + canonical, "fp:" + hash} {
		_, found, err := s.Seen.Get(ctx, key)
		if err != nil {
			s.logger().Warn("seen cache lookup failed", zap.Error(err))
			return false
		}
		if found {
			return true
		}
	}
	return false
}

func (s *Store) remember(ctx context.Context, canonical, hash string) {
	if s.Seen == nil {
		return
	}
	for _, key := range []string{"url:" + canonical, "fp:" + hash} {
		if err := s.Seen.Set(ctx, key, []byte{1}, s.TTL); err != nil {
			s.logger().Warn("seen cache write failed", zap.Error(err))
			return
		}
	}
}

func (s *Store) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Fingerprint is the hex sha256 of headline followed by url.
func Fingerprint(headline, canonicalURL string) string {
	sum := sha256.Sum256([]byte(headline + canonicalURL))
	return hex.EncodeToString(sum[:])
}

// CanonicalURL lowercases scheme and host, drops the fragment and utm_*
// tracking parameters, and sorts what remains of the query.
func CanonicalURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q is not absolute", raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""

	q := u.Query()
	for key := range q {
		if strings.HasPrefix(strings.ToLower(key), "utm_") {
			q.Del(key)
		}
	}
	// Encode sorts by key.
	u.RawQuery = q.Encode()
	return u.String(), nil
}
