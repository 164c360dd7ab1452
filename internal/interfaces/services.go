package interfaces

import (
	"context"

	"github.com/nutricoach/nutrition-coach/internal/database"
	"github.com/nutricoach/nutrition-coach/internal/domain"
)

// UserServiceInterface defines the contract for user operations
type UserServiceInterface interface {
	RegisterUser(ctx context.Context, telegramID int64, username, firstName, lastName string) (*database.User, error)
	GetUserByTelegramID(ctx context.Context, telegramID int64) (*database.User, error)
	UpdateProfile(ctx context.Context, userID uint, weightKG, targetWeightKG, heightCM float64, goal string) error
	UpdateTargets(ctx context.Context, userID uint, targets domain.MacroTotals, waterGoalML int) error
	LogMeal(ctx context.Context, userID uint, meal domain.MacroTotals) error
	LogWater(ctx context.Context, userID uint, amountML int) error
}

// RecommendationServiceInterface defines the contract for the recommendation
// pipeline exposed to chat surfaces
type RecommendationServiceInterface interface {
	GetAgenticRecommendation(ctx context.Context, userID uint) (*database.AIRecommendation, error)
	GetTodaysRecommendation(ctx context.Context, userID uint) (*database.AIRecommendation, error)
	RecordFeedback(ctx context.Context, recommendationID uint, rating int, feedback string, followed *bool) error
	Complete(ctx context.Context, prompt string) (string, error)
}

// BehaviorServiceInterface defines the contract for daily behavior tracking
type BehaviorServiceInterface interface {
	TrackDailyBehavior(ctx context.Context, userID uint, totals domain.MacroTotals, waterML int, targets domain.MacroTotals, mealsLogged int) error
	TrackToday(ctx context.Context, user *database.User) error
}
