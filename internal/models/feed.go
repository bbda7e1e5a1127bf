package models

import "time"

// Feed is a news source polled by the ingest job.
type Feed struct {
	ID            uint64     `gorm:"primaryKey;autoIncrement"`
	URL           string     `gorm:"type:text;not null;uniqueIndex"`
	SourceName    string     `gorm:"type:varchar(200);not null"`
	Category      string     `gorm:"type:varchar(80);index"`
	PollInterval  int        `gorm:"not null;default:300;comment:seconds"`
	LastFetchedAt *time.Time `gorm:"type:timestamptz"`
	NextFetchAt   *time.Time `gorm:"type:timestamptz;index"`
	Active        bool       `gorm:"not null;default:true;index"`
	ErrorCount    int        `gorm:"not null;default:0"`
	LastError     string     `gorm:"type:text"`
	CreatedAt     time.Time  `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt     time.Time  `gorm:"type:timestamptz;autoUpdateTime"`
}

func (Feed) TableName() string {
	return "rss_feeds"
}
