package services

import (
	"context"
	"fmt"

	"github.com/nutricoach/nutrition-coach/internal/database"
	"github.com/nutricoach/nutrition-coach/internal/domain"
	"gorm.io/gorm"
)

type UserService struct {
	db *gorm.DB
}

func NewUserService(db *gorm.DB) *UserService {
	return &UserService{db: db}
}

// RegisterUser gets an existing user by Telegram ID or creates a new one.
func (s *UserService) RegisterUser(ctx context.Context, telegramID int64, username, firstName, lastName string) (*database.User, error) {
	var user database.User
	result := s.db.WithContext(ctx).Where("telegram_id = ?", telegramID).First(&user)
	if result.Error == nil {
		return &user, nil
	}

	if result.Error != gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("failed to look up user: %w", result.Error)
	}

	user = database.User{
		TelegramID: telegramID,
		Username:   username,
		FirstName:  firstName,
		LastName:   lastName,
	}

	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	return &user, nil
}

// GetUserByTelegramID gets a user by their Telegram ID.
func (s *UserService) GetUserByTelegramID(ctx context.Context, telegramID int64) (*database.User, error) {
	var user database.User
	if err := s.db.WithContext(ctx).Where("telegram_id = ?", telegramID).First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// UpdateProfile updates the body metrics and goal used in context assembly.
func (s *UserService) UpdateProfile(ctx context.Context, userID uint, weightKG, targetWeightKG, heightCM float64, goal string) error {
	updates := map[string]interface{}{
		"weight_kg":        weightKG,
		"target_weight_kg": targetWeightKG,
		"height_cm":        heightCM,
		"goal":             goal,
	}
	return s.db.WithContext(ctx).Model(&database.User{}).Where("id = ?", userID).Updates(updates).Error
}

// UpdateTargets updates the daily macro targets and water goal.
func (s *UserService) UpdateTargets(ctx context.Context, userID uint, targets domain.MacroTotals, waterGoalML int) error {
	updates := map[string]interface{}{
		"calorie_target": targets.Calories,
		"protein_target": targets.Protein,
		"carbs_target":   targets.Carbs,
		"fat_target":     targets.Fat,
		"water_goal_ml":  waterGoalML,
	}
	return s.db.WithContext(ctx).Model(&database.User{}).Where("id = ?", userID).Updates(updates).Error
}

// LogMeal records one meal with its macro breakdown.
func (s *UserService) LogMeal(ctx context.Context, userID uint, meal domain.MacroTotals) error {
	row := database.MealLog{
		UserID:   userID,
		Calories: meal.Calories,
		Protein:  meal.Protein,
		Carbs:    meal.Carbs,
		Fat:      meal.Fat,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to log meal: %w", err)
	}
	return nil
}

// LogWater records one water intake event.
func (s *UserService) LogWater(ctx context.Context, userID uint, amountML int) error {
	if amountML <= 0 {
		return fmt.Errorf("water amount must be positive")
	}
	row := database.WaterLog{
		UserID:   userID,
		AmountML: amountML,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to log water: %w", err)
	}
	return nil
}
