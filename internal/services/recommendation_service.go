package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/nutricoach/nutrition-coach/internal/database"
	"github.com/nutricoach/nutrition-coach/internal/domain"
	apperrors "github.com/nutricoach/nutrition-coach/internal/errors"
	"github.com/nutricoach/nutrition-coach/internal/logger"
	"github.com/nutricoach/nutrition-coach/internal/utils"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	pastRecommendationsLimit   = 10
	promptedRecommendations    = 3
	reinforcementThreshold     = 0.8
	parseFallbackChars         = 100
	todayCacheTTL              = time.Hour
	missingConfidenceDefault   = 0.7
	parseFailureConfidence     = 0.5
	minConfidence              = 0.1
	maxConfidence              = 1.0
)

var (
	recommendationRe = regexp.MustCompile(`(?is)RECOMMENDATION:\s*(.*?)\s*(?:TYPE:|CONFIDENCE:|$)`)
	typeRe           = regexp.MustCompile(`(?i)TYPE:\s*([a-z_]+)`)
	confidenceRe     = regexp.MustCompile(`(?i)CONFIDENCE:\s*(-?[0-9]+(?:\.[0-9]+)?)`)
)

// RecommendationCache is the piece of the cache layer the today-cache needs.
// Satisfied by *cache.RedisCache; nil disables caching.
type RecommendationCache interface {
	GetJSON(ctx context.Context, key string, dest interface{}) (bool, error)
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// RecommendationService assembles per-user context, asks the gateway for
// advice and turns the free-text answer into a stored recommendation. The
// whole pipeline is best-effort: it returns an error instead of a
// recommendation, never panics, and never leaves partial state a caller has
// to clean up.
type RecommendationService struct {
	db          *gorm.DB
	gateway     *AIGateway
	behaviorSvc *BehaviorService
	patternSvc  *PatternService
	cache       RecommendationCache
}

func NewRecommendationService(db *gorm.DB, gateway *AIGateway, behaviorSvc *BehaviorService, patternSvc *PatternService, redisCache RecommendationCache) *RecommendationService {
	return &RecommendationService{
		db:          db,
		gateway:     gateway,
		behaviorSvc: behaviorSvc,
		patternSvc:  patternSvc,
		cache:       redisCache,
	}
}

// BuildContext assembles the point-in-time nutrition context for a user from
// today's logs and the stored profile.
func (s *RecommendationService) BuildContext(ctx context.Context, user *database.User) (*domain.NutritionContext, error) {
	now := time.Now()
	midnight := utils.StartOfDay(now)

	var meals []database.MealLog
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND created_at >= ?", user.ID, midnight).
		Find(&meals).Error; err != nil {
		return nil, apperrors.NewDatabaseError(err)
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
		return nil, apperrors.NewDatabaseError(err)
	}

	return &domain.NutritionContext{
		Current: totals,
		Targets: domain.MacroTotals{
			Calories: user.CalorieTarget,
			Protein:  user.ProteinTarget,
			Carbs:    user.CarbsTarget,
			Fat:      user.FatTarget,
		},
		User: domain.UserSnapshot{
			WeightKG:       user.WeightKG,
			TargetWeightKG: user.TargetWeightKG,
			HeightCM:       user.HeightCM,
			Goal:           user.Goal,
			BMI:            BMI(user.WeightKG, user.HeightCM),
		},
		WaterIntakeML: int(waterML),
		MealCount:     len(meals),
		TimeOfDay:     utils.TimeOfDayBucket(now),
	}, nil
}

// BMI computes body mass index from weight in kg and height in cm. Zero
// height yields zero rather than dividing by zero.
func BMI(weightKG, heightCM float64) float64 {
	if heightCM <= 0 {
		return 0
	}
	heightM := heightCM / 100.0
	return weightKG / (heightM * heightM)
}

// GetAgenticRecommendation runs the full pipeline for a user: gather context,
// ask the model, parse, persist, reinforce. Returns (nil, err) as the uniform
// nothing-to-show signal; the error carries the failure kind for callers that
// want to distinguish unconfigured from rate-limited.
func (s *RecommendationService) GetAgenticRecommendation(ctx context.Context, userID uint) (*database.AIRecommendation, error) {
	var user database.User
	if err := s.db.WithContext(ctx).First(&user, userID).Error; err != nil {
		return nil, apperrors.NewDatabaseError(err)
	}

	nutritionCtx, err := s.BuildContext(ctx, &user)
	if err != nil {
		return nil, err
	}

	// The three feeder reads run concurrently and degrade to empty inputs
	// on failure; a missing feeder never aborts generation.
	var (
		past     []database.AIRecommendation
		patterns []database.AILearningPattern
		analysis domain.BehaviorAnalysis
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.db.WithContext(gctx).
			Where("user_id = ?", userID).
			Order("created_at DESC").
			Limit(pastRecommendationsLimit).
			Find(&past).Error; err != nil {
			logger.Warn("Failed to load past recommendations", "user_id", userID, "error", err)
		}
		return nil
	})
	g.Go(func() error {
		loaded, err := s.patternSvc.GetPatterns(gctx, userID)
		if err != nil {
			logger.Warn("Failed to load learned patterns", "user_id", userID, "error", err)
			return nil
		}
		patterns = loaded
		return nil
	})
	g.Go(func() error {
		result, err := s.behaviorSvc.AnalyzeUserBehavior(gctx, userID, defaultAnalysisWindowDays)
		if err != nil {
			logger.Warn("Behavior analysis degraded", "user_id", userID, "error", err)
		}
		analysis = result
		return nil
	})
	_ = g.Wait()

	for _, p := range patterns {
		nutritionCtx.RecentPatterns = append(nutritionCtx.RecentPatterns, p.PatternType)
	}

	prompt := buildPrompt(nutritionCtx, past, patterns, analysis)

	raw, err := s.gateway.Complete(ctx, prompt, nil)
	if err != nil {
		return nil, err
	}

	parsed := parseResponse(raw)

	snapshot, err := json.Marshal(nutritionCtx)
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}

	rec := &database.AIRecommendation{
		UserID:             userID,
		Recommendation:     parsed.Text,
		RecommendationType: parsed.Type,
		ConfidenceScore:    parsed.Confidence,
		ContextSnapshot:    string(snapshot),
	}

	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return nil, apperrors.NewDatabaseError(err)
	}

	if parsed.Confidence >= reinforcementThreshold && parsed.Type == domain.CategoryMealSuggestion {
		payload := map[string]interface{}{
			"time_of_day":       nutritionCtx.TimeOfDay,
			"recommendation_id": rec.ID,
		}
		if err := s.patternSvc.Reinforce(ctx, userID, domain.PatternMealTiming, parsed.Confidence, payload); err != nil {
			logger.Warn("Pattern reinforcement failed", "user_id", userID, "error", err)
		}
	}

	logger.Info("Recommendation generated",
		"user_id", userID,
		"type", rec.RecommendationType,
		"confidence", rec.ConfidenceScore)
	return rec, nil
}

func buildPrompt(nutritionCtx *domain.NutritionContext, past []database.AIRecommendation, patterns []database.AILearningPattern, analysis domain.BehaviorAnalysis) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are a personal nutrition coach. It is currently %s.\n\n", nutritionCtx.TimeOfDay)

	fmt.Fprintf(&b, "Today so far:\n")
	fmt.Fprintf(&b, "- Calories: %.0f of %.0f kcal\n", nutritionCtx.Current.Calories, nutritionCtx.Targets.Calories)
	fmt.Fprintf(&b, "- Protein: %.0f of %.0f g\n", nutritionCtx.Current.Protein, nutritionCtx.Targets.Protein)
	fmt.Fprintf(&b, "- Carbs: %.0f of %.0f g\n", nutritionCtx.Current.Carbs, nutritionCtx.Targets.Carbs)
	fmt.Fprintf(&b, "- Fat: %.0f of %.0f g\n", nutritionCtx.Current.Fat, nutritionCtx.Targets.Fat)
	fmt.Fprintf(&b, "- Water: %d ml, meals logged: %d\n\n", nutritionCtx.WaterIntakeML, nutritionCtx.MealCount)

	fmt.Fprintf(&b, "User profile: weight %.1f kg, target weight %.1f kg, height %.0f cm, goal: %s, BMI: %.1f\n\n",
		nutritionCtx.User.WeightKG, nutritionCtx.User.TargetWeightKG, nutritionCtx.User.HeightCM,
		nutritionCtx.User.Goal, nutritionCtx.User.BMI)

	if len(analysis.Insights) > 0 {
		b.WriteString("Behavioral insights:\n")
		for _, insight := range analysis.Insights {
			fmt.Fprintf(&b, "- %s: %s (confidence: %.2f)\n", insight.Type, insight.Pattern, insight.Confidence)
		}
		b.WriteString("\n")
	}

	if len(patterns) > 0 {
		b.WriteString("Learned patterns:\n")
		for _, p := range patterns {
			fmt.Fprintf(&b, "- %s: confidence %.2f\n", p.PatternType, p.ConfidenceLevel)
		}
		b.WriteString("\n")
	}

	if len(past) > 0 {
		b.WriteString("Recent recommendations:\n")
		limit := promptedRecommendations
		if len(past) < limit {
			limit = len(past)
		}
		for _, rec := range past[:limit] {
			rating := "not rated"
			if rec.EffectivenessRating != nil {
				rating = fmt.Sprintf("rated %d/5", *rec.EffectivenessRating)
			}
			fmt.Fprintf(&b, "- %q (%s)\n", rec.Recommendation, rating)
		}
		b.WriteString("\n")
	}

	b.WriteString("Give one specific, actionable recommendation in 30 words or less.\n")
	b.WriteString("Respond in exactly this format:\n")
	b.WriteString("RECOMMENDATION: <your advice>\n")
	b.WriteString("TYPE: <meal_suggestion|hydration|goal_adjustment|behavior_insight>\n")
	b.WriteString("CONFIDENCE: <0.0-1.0>\n")

	return b.String()
}

// parseResponse recovers structure from the model's free-text answer. A
// label-less response falls back to the leading text with defaults, and a
// panic in the salvage path yields the low-confidence fallback instead of
// propagating.
func parseResponse(raw string) (parsed domain.ParsedRecommendation) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("Recommendation parse panicked", "panic", r)
			parsed = domain.ParsedRecommendation{
				Text:       firstChars(raw, parseFallbackChars),
				Type:       domain.CategoryMealSuggestion,
				Confidence: parseFailureConfidence,
			}
		}
	}()

	parsed = domain.ParsedRecommendation{
		Text:       firstChars(raw, parseFallbackChars),
		Type:       domain.CategoryMealSuggestion,
		Confidence: missingConfidenceDefault,
	}

	if m := recommendationRe.FindStringSubmatch(raw); m != nil && strings.TrimSpace(m[1]) != "" {
		parsed.Text = strings.TrimSpace(m[1])
	}

	if m := typeRe.FindStringSubmatch(raw); m != nil {
		category := strings.ToLower(strings.TrimSpace(m[1]))
		if domain.IsKnownCategory(category) {
			parsed.Type = category
		}
	}

	if m := confidenceRe.FindStringSubmatch(raw); m != nil {
		if value, err := strconv.ParseFloat(m[1], 64); err == nil {
			parsed.Confidence = clampConfidence(value)
		}
	}

	return parsed
}

func clampConfidence(v float64) float64 {
	if v < minConfidence {
		return minConfidence
	}
	if v > maxConfidence {
		return maxConfidence
	}
	return v
}

func firstChars(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(runes[:n]))
}

// RecordFeedback attaches a feedback event to a recommendation. The
// recommendation row is mutated exactly once; a second rating is rejected,
// and the interaction row is a pure audit append.
func (s *RecommendationService) RecordFeedback(ctx context.Context, recommendationID uint, rating int, feedback string, followed *bool) error {
	if rating < 1 || rating > 5 {
		return apperrors.NewValidationError("rating must be between 1 and 5")
	}

	var rec database.AIRecommendation
	if err := s.db.WithContext(ctx).First(&rec, recommendationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperrors.NewValidationError("recommendation not found")
		}
		return apperrors.NewDatabaseError(err)
	}

	if rec.EffectivenessRating != nil {
		return apperrors.NewValidationError("recommendation already rated")
	}

	updates := map[string]interface{}{
		"effectiveness_rating": rating,
		"user_feedback":        feedback,
	}
	if followed != nil {
		updates["was_followed"] = *followed
	}
	if err := s.db.WithContext(ctx).Model(&rec).Updates(updates).Error; err != nil {
		return apperrors.NewDatabaseError(err)
	}

	interaction := database.RecommendationInteraction{
		RecommendationID: rec.ID,
		UserID:           rec.UserID,
		Rating:           rating,
		Comment:          feedback,
		Followed:         followed,
	}
	if err := s.db.WithContext(ctx).Create(&interaction).Error; err != nil {
		return apperrors.NewDatabaseError(err)
	}

	return nil
}

// GetTodaysRecommendation returns the most recent recommendation created
// since local midnight, caching hits for an hour. Misses and errors both
// yield nil; regeneration is the caller's call.
func (s *RecommendationService) GetTodaysRecommendation(ctx context.Context, userID uint) (*database.AIRecommendation, error) {
	midnight := utils.StartOfDay(time.Now())
	cacheKey := fmt.Sprintf("user:%d:todayrec:%s", userID, midnight.Format("2006-01-02"))

	if s.cache != nil {
		var cached database.AIRecommendation
		if found, err := s.cache.GetJSON(ctx, cacheKey, &cached); err == nil && found {
			return &cached, nil
		}
	}

	var rec database.AIRecommendation
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND created_at >= ?", userID, midnight).
		Order("created_at DESC").
		First(&rec).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			logger.Warn("Failed to load today's recommendation", "user_id", userID, "error", err)
		}
		return nil, nil
	}

	if s.cache != nil {
		if err := s.cache.SetJSON(ctx, cacheKey, &rec, todayCacheTTL); err != nil {
			logger.Warn("Failed to cache today's recommendation", "user_id", userID, "error", err)
		}
	}

	return &rec, nil
}

// Complete is the lower-level entry point for plain chat flows that bypass
// the agentic pipeline. Transport errors propagate so the caller can offer a
// retry.
func (s *RecommendationService) Complete(ctx context.Context, prompt string) (string, error) {
	return s.gateway.Complete(ctx, prompt, nil)
}
