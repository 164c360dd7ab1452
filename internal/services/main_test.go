package services

import (
	"fmt"
	"testing"

	"github.com/nutricoach/nutrition-coach/internal/database"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// newTestDB opens an isolated in-memory database with the full schema
// applied. Shared-cache mode keeps gorm's pooled connections on the same
// database.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	require.NoError(t, database.Migrate(db))
	return db
}

func createTestUser(t *testing.T, db *gorm.DB) *database.User {
	t.Helper()

	user := &database.User{
		TelegramID:     12345,
		Username:       "testuser",
		WeightKG:       82,
		TargetWeightKG: 75,
		HeightCM:       180,
		Goal:           "lose",
		CalorieTarget:  2000,
		ProteinTarget:  150,
		CarbsTarget:    250,
		FatTarget:      70,
		WaterGoalML:    2500,
	}
	require.NoError(t, db.Create(user).Error)
	return user
}
