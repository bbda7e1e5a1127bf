package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const (
	IdeaStatusNew      = "new"
	IdeaStatusReviewed = "reviewed"
	IdeaStatusActioned = "actioned"
	IdeaStatusExpired  = "expired"
	IdeaStatusRejected = "rejected"
)

type TradingIdea struct {
	ID              uint64          `gorm:"primaryKey;autoIncrement"`
	EventID         uint64          `gorm:"not null;index"`
	Headline        string          `gorm:"type:text;not null"`
	Summary         string          `gorm:"type:text;not null"`
	Thesis          string          `gorm:"type:text;not null"`
	ConfidenceScore float64         `gorm:"not null"`
	Status          string          `gorm:"type:varchar(16);not null;default:new;index"`
	GeneratedAt     time.Time       `gorm:"type:timestamptz;not null;index"`
	ExpiresAt       time.Time       `gorm:"type:timestamptz;not null;index"`
	Model           string          `gorm:"type:varchar(80);not null"`
	InputTokens     int             `gorm:"not null;default:0"`
	OutputTokens    int             `gorm:"not null;default:0"`
	TotalTokens     int             `gorm:"not null;default:0"`
	CostUSD         decimal.Decimal `gorm:"type:numeric(12,6);not null;default:0"`
	Highlights      datatypes.JSON  `gorm:"type:jsonb"`
	Risks           datatypes.JSON  `gorm:"type:jsonb"`
	CreatedAt       time.Time       `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt       time.Time       `gorm:"type:timestamptz;autoUpdateTime"`
}

func (TradingIdea) TableName() string {
	return "trading_ideas"
}
