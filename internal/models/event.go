package models

import "time"

const (
	EventStatusActive   = "active"
	EventStatusStale    = "stale"
	EventStatusArchived = "archived"
)

// Event groups articles about one market occurrence.
type Event struct {
	ID              uint64    `gorm:"primaryKey;autoIncrement"`
	Summary         string    `gorm:"type:text;not null"`
	NormalizedKey   string    `gorm:"type:varchar(200);not null;uniqueIndex"`
	FirstReportedAt time.Time `gorm:"type:timestamptz;not null;index"`
	LastUpdatedAt   time.Time `gorm:"type:timestamptz;not null;index"`
	SourceCount     int       `gorm:"not null;default:0"`
	ArticleCount    int       `gorm:"not null;default:0"`
	RelevanceScore  float64   `gorm:"not null;default:0;index"`
	Status          string    `gorm:"type:varchar(16);not null;default:active;index"`
	CreatedAt       time.Time `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt       time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (Event) TableName() string {
	return "news_events"
}

// EventArticle maps an article into an event.
type EventArticle struct {
	ID                uint64    `gorm:"primaryKey;autoIncrement"`
	EventID           uint64    `gorm:"not null;uniqueIndex:idx_event_article,priority:1"`
	ArticleID         uint64    `gorm:"not null;uniqueIndex:idx_event_article,priority:2;index"`
	ContributionScore float64   `gorm:"not null;default:1"`
	AddedAt           time.Time `gorm:"type:timestamptz;not null"`
}

func (EventArticle) TableName() string {
	return "event_articles"
}
