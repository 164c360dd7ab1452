package database

import (
	"fmt"
	"time"

	"github.com/nutricoach/nutrition-coach/internal/config"
	"github.com/nutricoach/nutrition-coach/internal/database/migrations"
	"github.com/nutricoach/nutrition-coach/internal/logger"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

type User struct {
	gorm.Model
	TelegramID     int64 `gorm:"uniqueIndex"`
	Username       string
	FirstName      string
	LastName       string
	WeightKG       float64
	TargetWeightKG float64
	HeightCM       float64
	Goal           string `gorm:"default:maintain"` // "lose", "maintain" or "gain"
	CalorieTarget  float64
	ProteinTarget  float64
	CarbsTarget    float64
	FatTarget      float64
	WaterGoalML    int `gorm:"default:2000"`
}

// MealLog is one logged meal with its macro breakdown.
type MealLog struct {
	gorm.Model
	UserID   uint `gorm:"index"`
	User     User
	Calories float64
	Protein  float64
	Carbs    float64
	Fat      float64
}

// WaterLog is one logged water intake event.
type WaterLog struct {
	gorm.Model
	UserID   uint `gorm:"index"`
	User     User
	AmountML int
}

// AIRecommendation is one generation event. Rows are append-only; the
// feedback fields are filled in exactly once, after the fact.
type AIRecommendation struct {
	gorm.Model
	UserID              uint `gorm:"index"`
	User                User
	Recommendation      string
	RecommendationType  string
	ConfidenceScore     float64
	ContextSnapshot     string // NutritionContext at generation time, JSON
	EffectivenessRating *int
	UserFeedback        string
	WasFollowed         *bool
}

func (AIRecommendation) TableName() string { return "ai_recommendations" }

// UserNutritionBehavior is the daily aggregate, one row per user per date.
type UserNutritionBehavior struct {
	gorm.Model
	UserID             uint      `gorm:"uniqueIndex:idx_behavior_user_date"`
	Date               time.Time `gorm:"type:date;uniqueIndex:idx_behavior_user_date"`
	TotalCalories      float64
	TotalProtein       float64
	TotalCarbs         float64
	TotalFat           float64
	WaterML            int
	MealsLogged        int
	GoalAdherenceScore float64
}

func (UserNutritionBehavior) TableName() string { return "user_nutrition_behavior" }

// AILearningPattern holds one learned pattern per user and pattern type.
// Writes are merges, never appends.
type AILearningPattern struct {
	gorm.Model
	UserID          uint   `gorm:"uniqueIndex:idx_pattern_user_type"`
	PatternType     string `gorm:"uniqueIndex:idx_pattern_user_type"`
	PatternData     string // opaque payload, JSON
	ConfidenceLevel float64
	LastApplied     time.Time
}

func (AILearningPattern) TableName() string { return "ai_learning_patterns" }

// RecommendationInteraction links a recommendation to a feedback event.
// Audit trail only, never read back.
type RecommendationInteraction struct {
	gorm.Model
	RecommendationID uint `gorm:"index"`
	UserID           uint
	Rating           int
	Comment          string
	Followed         *bool
}

func (RecommendationInteraction) TableName() string { return "recommendation_interactions" }

// AppSetting is a generic keyed settings row. The AI provider configuration
// lives under the id "ai_config".
type AppSetting struct {
	ID        string `gorm:"primaryKey"`
	Value     string
	UpdatedAt time.Time
}

func (AppSetting) TableName() string { return "app_settings" }

func NewPostgresDB(cfg config.DBConfig) (*gorm.DB, error) {
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	logger.Info("Database connection established and migrations completed")
	return db, nil
}

// Migrate applies the schema and registered data migrations. Split out of
// NewPostgresDB so tests can run it against other gorm dialects.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&User{},
		&MealLog{},
		&WaterLog{},
		&AIRecommendation{},
		&UserNutritionBehavior{},
		&AILearningPattern{},
		&RecommendationInteraction{},
		&AppSetting{},
	); err != nil {
		return fmt.Errorf("failed to auto-migrate database: %w", err)
	}

	if err := migrations.RunMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}
