package db

import (
	"eventdesk/internal/models"
)

func AutoMigrate(db *DB) error {
	if db == nil || db.Gorm == nil || db.SQL == nil {
		return nil
	}

	return db.Gorm.AutoMigrate(
		&models.Feed{},
		&models.Article{},
		&models.Event{},
		&models.EventArticle{},
		&models.TradingIdea{},
		&models.SystemSetting{},
	)
}
