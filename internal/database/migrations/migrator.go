package migrations

import (
	"fmt"
	"sort"
	"time"

	"github.com/nutricoach/nutrition-coach/internal/logger"
	"gorm.io/gorm"
)

// Migration represents a database migration
type Migration struct {
	ID   string
	Up   func(*gorm.DB) error
	Down func(*gorm.DB) error
}

// MigrationRecord tracks executed migrations
type MigrationRecord struct {
	ID        string `gorm:"primaryKey"`
	AppliedAt time.Time
}

var migrations = make(map[string]Migration)

// Register adds a new migration to the registry
func Register(id string, up, down func(*gorm.DB) error) {
	migrations[id] = Migration{
		ID:   id,
		Up:   up,
		Down: down,
	}
}

// RunMigrations executes all pending migrations in ID order
func RunMigrations(db *gorm.DB) error {
	if err := db.AutoMigrate(&MigrationRecord{}); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var ids []string
	for id := range migrations {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var executed []MigrationRecord
	if err := db.Find(&executed).Error; err != nil {
		return fmt.Errorf("failed to get executed migrations: %w", err)
	}

	executedMap := make(map[string]bool)
	for _, m := range executed {
		executedMap[m.ID] = true
	}

	for _, id := range ids {
		if executedMap[id] {
			continue
		}

		migration := migrations[id]
		if err := migration.Up(db); err != nil {
			return fmt.Errorf("migration %s failed: %w", id, err)
		}

		record := MigrationRecord{ID: id, AppliedAt: time.Now()}
		if err := db.Create(&record).Error; err != nil {
			return fmt.Errorf("failed to record migration %s: %w", id, err)
		}

		logger.Infof("Applied migration %s", id)
	}

	return nil
}
