package db

import (
	"fmt"

	"github.com/zulandar/medconsult/internal/models"
	"gorm.io/gorm"
)

// AllModels returns the list of all GORM models for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Consultation{},
		&models.ConsultationParticipant{},
		&models.ChatMessage{},
		&models.Rating{},
		&models.Feedback{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
