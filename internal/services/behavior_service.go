package services

import (
	"context"
	"math"
	"time"

	"github.com/nutricoach/nutrition-coach/internal/database"
	"github.com/nutricoach/nutrition-coach/internal/domain"
	apperrors "github.com/nutricoach/nutrition-coach/internal/errors"
	"github.com/nutricoach/nutrition-coach/internal/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Analysis thresholds and the fixed per-insight confidences. Confidence here
// is a property of the heuristic, not of the sample, so it does not scale
// with the number of days observed.
const (
	defaultAnalysisWindowDays = 7

	consistentMealsPerDay  = 3.0
	proteinStdDevThreshold = 20.0 // grams
	adequateWaterML        = 2000.0
	excellentAdherence     = 0.8
	goodAdherence          = 0.6

	mealFrequencyConfidence      = 0.7
	proteinConsistencyConfidence = 0.6
	hydrationConfidence          = 0.8
	goalAdherenceConfidence      = 0.7

	noDataConfidence = 0.1
)

// BehaviorService maintains the daily behavior aggregates and derives
// insights from a trailing window of them.
type BehaviorService struct {
	db *gorm.DB
}

func NewBehaviorService(db *gorm.DB) *BehaviorService {
	return &BehaviorService{db: db}
}

// AdherenceScore is the mean of the four consumed/target ratios, each capped
// at 1.0. A zero target contributes a zero ratio, keeping the score in [0,1]
// for any non-negative inputs.
func AdherenceScore(totals, targets domain.MacroTotals) float64 {
	ratio := func(consumed, target float64) float64 {
		if target <= 0 {
			return 0
		}
		return math.Min(1.0, consumed/target)
	}

	return (ratio(totals.Calories, targets.Calories) +
		ratio(totals.Protein, targets.Protein) +
		ratio(totals.Carbs, targets.Carbs) +
		ratio(totals.Fat, targets.Fat)) / 4.0
}

// TrackDailyBehavior upserts today's behavior row for the user. Idempotent
// per (user, date); the last write for a date wins.
func (s *BehaviorService) TrackDailyBehavior(ctx context.Context, userID uint, totals domain.MacroTotals, waterML int, targets domain.MacroTotals, mealsLogged int) error {
	row := database.UserNutritionBehavior{
		UserID:             userID,
		Date:               utils.StartOfDay(time.Now()),
		TotalCalories:      totals.Calories,
		TotalProtein:       totals.Protein,
		TotalCarbs:         totals.Carbs,
		TotalFat:           totals.Fat,
		WaterML:            waterML,
		MealsLogged:        mealsLogged,
		GoalAdherenceScore: AdherenceScore(totals, targets),
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "date"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"total_calories", "total_protein", "total_carbs", "total_fat",
			"water_ml", "meals_logged", "goal_adherence_score", "updated_at",
		}),
	}).Create(&row).Error
	if err != nil {
		return apperrors.NewDatabaseError(err)
	}

	return nil
}

// TrackToday recomputes today's aggregate from the user's logs and upserts
// it. Called after every meal or water log so the daily row tracks the day
// as it happens.
func (s *BehaviorService) TrackToday(ctx context.Context, user *database.User) error {
	midnight := utils.StartOfDay(time.Now())

	var meals []database.MealLog
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND created_at >= ?", user.ID, midnight).
		Find(&meals).Error; err != nil {
		return apperrors.NewDatabaseError(err)
	}

	var totals domain.MacroTotals
	for _, m := range meals {
		totals.Calories += m.Calories
		totals.Protein += m.Protein
		totals.Carbs += m.Carbs
		totals.Fat += m.Fat
	}

	var waterML int64
	if err := s.db.WithContext(ctx).Model(&database.WaterLog{}).
		Where("user_id = ? AND created_at >= ?", user.ID, midnight).
		Select("COALESCE(SUM(amount_ml), 0)").
		Scan(&waterML).Error; err != nil {
		return apperrors.NewDatabaseError(err)
	}

	targets := domain.MacroTotals{
		Calories: user.CalorieTarget,
		Protein:  user.ProteinTarget,
		Carbs:    user.CarbsTarget,
		Fat:      user.FatTarget,
	}

	return s.TrackDailyBehavior(ctx, user.ID, totals, int(waterML), targets, len(meals))
}

// AnalyzeUserBehavior loads the trailing window of behavior rows and derives
// the insight set. An empty window yields no insights at low confidence,
// never an error.
func (s *BehaviorService) AnalyzeUserBehavior(ctx context.Context, userID uint, days int) (domain.BehaviorAnalysis, error) {
	if days <= 0 {
		days = defaultAnalysisWindowDays
	}

	// Window covers today and the days-1 dates before it.
	since := utils.StartOfDay(time.Now()).AddDate(0, 0, -(days - 1))

	var records []database.UserNutritionBehavior
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND date >= ?", userID, since).
		Order("date ASC").
		Find(&records).Error
	if err != nil {
		return domain.BehaviorAnalysis{OverallConfidence: noDataConfidence}, apperrors.NewDatabaseError(err)
	}

	return AnalyzeWindow(records), nil
}

// AnalyzeWindow computes the four fixed insights over a behavior window. The
// pattern labels vary with the data; the confidences are fixed per heuristic,
// and the overall confidence is their plain mean.
func AnalyzeWindow(records []database.UserNutritionBehavior) domain.BehaviorAnalysis {
	if len(records) == 0 {
		return domain.BehaviorAnalysis{OverallConfidence: noDataConfidence}
	}

	n := float64(len(records))

	var mealSum, proteinSum, waterSum, adherenceSum float64
	for _, r := range records {
		mealSum += float64(r.MealsLogged)
		proteinSum += r.TotalProtein
		waterSum += float64(r.WaterML)
		adherenceSum += r.GoalAdherenceScore
	}

	meanMeals := mealSum / n
	meanProtein := proteinSum / n
	meanWater := waterSum / n
	meanAdherence := adherenceSum / n

	var sqDevSum float64
	for _, r := range records {
		dev := r.TotalProtein - meanProtein
		sqDevSum += dev * dev
	}
	proteinStdDev := math.Sqrt(sqDevSum / n)

	mealPattern := "irregular"
	if meanMeals >= consistentMealsPerDay {
		mealPattern = "consistent"
	}

	proteinPattern := "variable"
	if proteinStdDev < proteinStdDevThreshold {
		proteinPattern = "consistent"
	}

	hydrationPattern := "insufficient"
	if meanWater >= adequateWaterML {
		hydrationPattern = "adequate"
	}

	adherencePattern := "needs_improvement"
	switch {
	case meanAdherence >= excellentAdherence:
		adherencePattern = "excellent"
	case meanAdherence >= goodAdherence:
		adherencePattern = "good"
	}

	insights := []domain.Insight{
		{Type: "meal_frequency", Pattern: mealPattern, Confidence: mealFrequencyConfidence},
		{Type: "protein_consistency", Pattern: proteinPattern, Confidence: proteinConsistencyConfidence},
		{Type: "hydration", Pattern: hydrationPattern, Confidence: hydrationConfidence},
		{Type: "goal_adherence", Pattern: adherencePattern, Confidence: goalAdherenceConfidence},
	}

	var confidenceSum float64
	for _, insight := range insights {
		confidenceSum += insight.Confidence
	}

	return domain.BehaviorAnalysis{
		Insights:          insights,
		OverallConfidence: confidenceSum / float64(len(insights)),
	}
}
