package models

import "time"

const (
	ArticleStatusPending    = "pending"
	ArticleStatusProcessing = "processing"
	ArticleStatusProcessed  = "processed"
	ArticleStatusFailed     = "failed"
	ArticleStatusDuplicate  = "duplicate"
)

// Article is one ingested headline. URL and ContentHash are each unique.
type Article struct {
	ID          uint64     `gorm:"primaryKey;autoIncrement"`
	FeedID      *uint64    `gorm:"index"`
	Headline    string     `gorm:"type:text;not null"`
	URL         string     `gorm:"type:text;not null;uniqueIndex"`
	SourceName  string     `gorm:"type:varchar(200);not null;index"`
	PublishedAt time.Time  `gorm:"type:timestamptz;not null;index"`
	ContentHash string     `gorm:"type:char(64);not null;uniqueIndex"`
	RawContent  *string    `gorm:"type:text"`
	Status      string     `gorm:"type:varchar(16);not null;default:pending;index"`
	CreatedAt   time.Time  `gorm:"type:timestamptz;autoCreateTime;index"`
	ClaimedAt   *time.Time `gorm:"type:timestamptz;index"`
	ProcessedAt *time.Time `gorm:"type:timestamptz"`
}

func (Article) TableName() string {
	return "articles"
}
