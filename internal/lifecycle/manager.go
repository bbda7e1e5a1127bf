// Package lifecycle advances events and ideas through their time-driven
// states. Transitions only move forward.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"eventdesk/internal/repository"
)

type Config struct {
	StaleThreshold time.Duration
	// ArchiveAfter archives stale events idle this long. Zero disables it.
	ArchiveAfter time.Duration
	// ClaimTimeout fails articles stuck in processing longer than this.
	ClaimTimeout time.Duration
}

type Manager struct {
	Repo   repository.Repository
	Config Config
	Logger *zap.Logger
	Now    func() time.Time
}

type SweepResult struct {
	Stale         int64 `json:"stale"`
	Archived      int64 `json:"archived"`
	Expired       int64 `json:"expired_ideas"`
	ExpiredClaims int64 `json:"expired_claims"`
}

// Sweep marks idle active events stale, archives long-idle stale events when
// retention is enabled, expires ideas past their horizon and fails articles
// whose clustering run never finished.
func (m *Manager) Sweep(ctx context.Context) (*SweepResult, error) {
	if m == nil || m.Repo == nil {
		return nil, errors.New("lifecycle manager not configured")
	}
	now := m.now()
	out := &SweepResult{}

	stale, err := m.Repo.MarkStaleEvents(ctx, now.Add(-m.staleThreshold()))
	if err != nil {
		return out, fmt.Errorf("mark stale events: %w", err)
	}
	out.Stale = stale

	if m.Config.ArchiveAfter > 0 {
		archived, err := m.Repo.ArchiveStaleEvents(ctx, now.Add(-m.Config.ArchiveAfter))
		if err != nil {
			return out, fmt.Errorf("archive stale events: %w", err)
		}
		out.Archived = archived
	}

	expired, err := m.Repo.ExpireIdeas(ctx, now)
	if err != nil {
		return out, fmt.Errorf("expire ideas: %w", err)
	}
	out.Expired = expired

	claims, err := m.Repo.FailExpiredClaims(ctx, now.Add(-m.claimTimeout()), now)
	if err != nil {
		return out, fmt.Errorf("fail expired claims: %w", err)
	}
	out.ExpiredClaims = claims

	if out.Stale > 0 || out.Archived > 0 || out.Expired > 0 || out.ExpiredClaims > 0 {
		m.logger().Info("lifecycle sweep",
			zap.Int64("stale", out.Stale),
			zap.Int64("archived", out.Archived),
			zap.Int64("expired_ideas", out.Expired),
			zap.Int64("expired_claims", out.ExpiredClaims),
		)
	}
	return out, nil
}

func (m *Manager) staleThreshold() time.Duration {
	if m.Config.StaleThreshold <= 0 {
		return 6 * time.Hour
	}
	return m.Config.StaleThreshold
}

func (m *Manager) claimTimeout() time.Duration {
	if m.Config.ClaimTimeout <= 0 {
		return 30 * time.Minute
	}
	return m.Config.ClaimTimeout
}

func (m *Manager) logger() *zap.Logger {
	if m.Logger == nil {
		return zap.NewNop()
	}
	return m.Logger
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}
