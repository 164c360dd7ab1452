package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nutricoach/nutrition-coach/internal/database"
	"github.com/nutricoach/nutrition-coach/internal/domain"
	apperrors "github.com/nutricoach/nutrition-coach/internal/errors"
	"github.com/nutricoach/nutrition-coach/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newRecommendationHarness(t *testing.T, response string, respErr error) (*RecommendationService, *gorm.DB, *capturingCompleter) {
	t.Helper()
	db := newTestDB(t)
	completer := &capturingCompleter{response: response, err: respErr}
	gateway := newTestGateway(completer, time.Millisecond)
	behaviorSvc := NewBehaviorService(db)
	patternSvc := NewPatternService(db)
	svc := NewRecommendationService(db, gateway, behaviorSvc, patternSvc, nil)
	return svc, db, completer
}

type capturingCompleter struct {
	mu       sync.Mutex
	response string
	err      error
	prompts  []string
}

func (c *capturingCompleter) Complete(ctx context.Context, prompt string, image []byte) (string, error) {
	c.mu.Lock()
	c.prompts = append(c.prompts, prompt)
	c.mu.Unlock()
	return c.response, c.err
}

func (c *capturingCompleter) lastPrompt() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.prompts) == 0 {
		return ""
	}
	return c.prompts[len(c.prompts)-1]
}

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name           string
		raw            string
		wantText       string
		wantType       string
		wantConfidence float64
	}{
		{
			name:           "fully_labeled",
			raw:            "RECOMMENDATION: Add a palm-sized portion of chicken to dinner.\nTYPE: meal_suggestion\nCONFIDENCE: 0.85",
			wantText:       "Add a palm-sized portion of chicken to dinner.",
			wantType:       domain.CategoryMealSuggestion,
			wantConfidence: 0.85,
		},
		{
			name:           "lowercase_labels",
			raw:            "recommendation: Drink two glasses of water now.\ntype: hydration\nconfidence: 0.6",
			wantText:       "Drink two glasses of water now.",
			wantType:       domain.CategoryHydration,
			wantConfidence: 0.6,
		},
		{
			name:           "confidence_clamped_high",
			raw:            "RECOMMENDATION: Eat more fiber.\nTYPE: goal_adjustment\nCONFIDENCE: 1.7",
			wantText:       "Eat more fiber.",
			wantType:       domain.CategoryGoalAdjustment,
			wantConfidence: 1.0,
		},
		{
			name:           "confidence_clamped_low",
			raw:            "RECOMMENDATION: Skip the late snack.\nTYPE: behavior_insight\nCONFIDENCE: -3",
			wantText:       "Skip the late snack.",
			wantType:       domain.CategoryBehaviorInsight,
			wantConfidence: 0.1,
		},
		{
			name:           "unknown_type_defaults",
			raw:            "RECOMMENDATION: Try oatmeal tomorrow.\nTYPE: breakfast_wisdom\nCONFIDENCE: 0.5",
			wantText:       "Try oatmeal tomorrow.",
			wantType:       domain.CategoryMealSuggestion,
			wantConfidence: 0.5,
		},
		{
			name:           "missing_confidence_defaults",
			raw:            "RECOMMENDATION: Have a protein shake.\nTYPE: meal_suggestion",
			wantText:       "Have a protein shake.",
			wantType:       domain.CategoryMealSuggestion,
			wantConfidence: 0.7,
		},
		{
			name:           "unlabeled_free_text",
			raw:            "You should probably eat something green today.",
			wantText:       "You should probably eat something green today.",
			wantType:       domain.CategoryMealSuggestion,
			wantConfidence: 0.7,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed := parseResponse(tt.raw)
			assert.Equal(t, tt.wantText, parsed.Text)
			assert.Equal(t, tt.wantType, parsed.Type)
			assert.InDelta(t, tt.wantConfidence, parsed.Confidence, 1e-9)
		})
	}
}

func TestParseResponse_UnlabeledTruncatesLeadingText(t *testing.T) {
	raw := strings.Repeat("eat well ", 30) // well past the fallback window
	parsed := parseResponse(raw)

	assert.LessOrEqual(t, len([]rune(parsed.Text)), 100)
	assert.True(t, strings.HasPrefix(raw, parsed.Text))
	assert.Equal(t, domain.CategoryMealSuggestion, parsed.Type)
}

func TestBMI(t *testing.T) {
	assert.InDelta(t, 25.3, BMI(82, 180), 0.05)
	assert.Equal(t, 0.0, BMI(82, 0))
}

func TestBuildContext_AggregatesToday(t *testing.T) {
	svc, db, _ := newRecommendationHarness(t, "", nil)
	user := createTestUser(t, db)

	require.NoError(t, db.Create(&database.MealLog{UserID: user.ID, Calories: 450, Protein: 30, Carbs: 40, Fat: 15}).Error)
	require.NoError(t, db.Create(&database.MealLog{UserID: user.ID, Calories: 600, Protein: 45, Carbs: 55, Fat: 20}).Error)
	require.NoError(t, db.Create(&database.WaterLog{UserID: user.ID, AmountML: 300}).Error)
	require.NoError(t, db.Create(&database.WaterLog{UserID: user.ID, AmountML: 250}).Error)

	nutritionCtx, err := svc.BuildContext(context.Background(), user)
	require.NoError(t, err)

	assert.Equal(t, 1050.0, nutritionCtx.Current.Calories)
	assert.Equal(t, 75.0, nutritionCtx.Current.Protein)
	assert.Equal(t, 2000.0, nutritionCtx.Targets.Calories)
	assert.Equal(t, 550, nutritionCtx.WaterIntakeML)
	assert.Equal(t, 2, nutritionCtx.MealCount)
	assert.Contains(t, []string{"morning", "afternoon", "evening", "night"}, nutritionCtx.TimeOfDay)
	assert.InDelta(t, BMI(user.WeightKG, user.HeightCM), nutritionCtx.User.BMI, 1e-9)
}

func TestGetAgenticRecommendation_FullPipeline(t *testing.T) {
	response := "RECOMMENDATION: Add a lean protein source to your next meal.\nTYPE: meal_suggestion\nCONFIDENCE: 0.9"
	svc, db, completer := newRecommendationHarness(t, response, nil)
	user := createTestUser(t, db)

	require.NoError(t, db.Create(&database.MealLog{UserID: user.ID, Calories: 400, Protein: 20, Carbs: 50, Fat: 10}).Error)

	rec, err := svc.GetAgenticRecommendation(context.Background(), user.ID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.NotZero(t, rec.ID, "recommendation must be persisted")
	assert.Equal(t, "Add a lean protein source to your next meal.", rec.Recommendation)
	assert.Equal(t, domain.CategoryMealSuggestion, rec.RecommendationType)
	assert.InDelta(t, 0.9, rec.ConfidenceScore, 1e-9)

	var snapshot domain.NutritionContext
	require.NoError(t, json.Unmarshal([]byte(rec.ContextSnapshot), &snapshot))
	assert.Equal(t, 400.0, snapshot.Current.Calories)
	assert.Equal(t, 1, snapshot.MealCount)

	prompt := completer.lastPrompt()
	assert.Contains(t, prompt, "Today so far:")
	assert.Contains(t, prompt, "RECOMMENDATION:")

	// High-confidence meal advice reinforces the meal timing pattern.
	var pattern database.AILearningPattern
	require.NoError(t, db.Where("user_id = ? AND pattern_type = ?", user.ID, domain.PatternMealTiming).First(&pattern).Error)
	assert.InDelta(t, MergeConfidence(patternBaseConfidence, 0.9), pattern.ConfidenceLevel, 1e-9)
}

func TestGetAgenticRecommendation_LowConfidenceSkipsReinforcement(t *testing.T) {
	response := "RECOMMENDATION: Maybe drink some water.\nTYPE: meal_suggestion\nCONFIDENCE: 0.4"
	svc, db, _ := newRecommendationHarness(t, response, nil)
	user := createTestUser(t, db)

	_, err := svc.GetAgenticRecommendation(context.Background(), user.ID)
	require.NoError(t, err)

	var count int64
	require.NoError(t, db.Model(&database.AILearningPattern{}).Where("user_id = ?", user.ID).Count(&count).Error)
	assert.Zero(t, count)
}

func TestGetAgenticRecommendation_NonMealCategorySkipsReinforcement(t *testing.T) {
	response := "RECOMMENDATION: Drink 500ml of water within the hour.\nTYPE: hydration\nCONFIDENCE: 0.95"
	svc, db, _ := newRecommendationHarness(t, response, nil)
	user := createTestUser(t, db)

	_, err := svc.GetAgenticRecommendation(context.Background(), user.ID)
	require.NoError(t, err)

	var count int64
	require.NoError(t, db.Model(&database.AILearningPattern{}).Where("user_id = ?", user.ID).Count(&count).Error)
	assert.Zero(t, count)
}

func TestGetAgenticRecommendation_PromptIncludesPastRatings(t *testing.T) {
	response := "RECOMMENDATION: Keep your dinner light tonight.\nTYPE: meal_suggestion\nCONFIDENCE: 0.7"
	svc, db, completer := newRecommendationHarness(t, response, nil)
	user := createTestUser(t, db)

	rating := 4
	require.NoError(t, db.Create(&database.AIRecommendation{
		UserID:              user.ID,
		Recommendation:      "Eat more vegetables at lunch.",
		RecommendationType:  domain.CategoryMealSuggestion,
		ConfidenceScore:     0.8,
		EffectivenessRating: &rating,
	}).Error)
	require.NoError(t, db.Create(&database.AIRecommendation{
		UserID:             user.ID,
		Recommendation:     "Have a glass of water before breakfast.",
		RecommendationType: domain.CategoryHydration,
		ConfidenceScore:    0.6,
	}).Error)

	_, err := svc.GetAgenticRecommendation(context.Background(), user.ID)
	require.NoError(t, err)

	prompt := completer.lastPrompt()
	assert.Contains(t, prompt, "Recent recommendations:")
	assert.Contains(t, prompt, "rated 4/5")
	assert.Contains(t, prompt, "not rated")
}

func TestGetAgenticRecommendation_GatewayErrorPropagates(t *testing.T) {
	svc, db, _ := newRecommendationHarness(t, "", apperrors.ErrRateLimitExceeded)
	user := createTestUser(t, db)

	rec, err := svc.GetAgenticRecommendation(context.Background(), user.ID)
	assert.Nil(t, rec)
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeRateLimit))

	var count int64
	require.NoError(t, db.Model(&database.AIRecommendation{}).Count(&count).Error)
	assert.Zero(t, count, "failed generations must not be persisted")
}

func TestGetAgenticRecommendation_EndToEnd(t *testing.T) {
	response := "RECOMMENDATION: You are behind on protein; add a high-protein snack this afternoon.\nTYPE: meal_suggestion\nCONFIDENCE: 0.75"
	svc, db, completer := newRecommendationHarness(t, response, nil)
	user := createTestUser(t, db)

	// Today: 1200 of 2000 kcal, 80 of 150g protein, 1500 ml water.
	require.NoError(t, db.Create(&database.MealLog{UserID: user.ID, Calories: 700, Protein: 50, Carbs: 80, Fat: 20}).Error)
	require.NoError(t, db.Create(&database.MealLog{UserID: user.ID, Calories: 500, Protein: 30, Carbs: 60, Fat: 15}).Error)
	require.NoError(t, db.Create(&database.WaterLog{UserID: user.ID, AmountML: 1500}).Error)

	// A steady prior week: 3 meals/day, 2100 ml water, adherence 0.65.
	today := utils.StartOfDay(time.Now())
	for i := 1; i <= 7; i++ {
		row := behaviorDay(3, 80, 2100, 0.65)
		row.UserID = user.ID
		row.Date = today.AddDate(0, 0, -i)
		require.NoError(t, db.Create(&row).Error)
	}

	rec, err := svc.GetAgenticRecommendation(context.Background(), user.ID)
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.True(t, domain.IsKnownCategory(rec.RecommendationType))
	assert.GreaterOrEqual(t, rec.ConfidenceScore, 0.1)
	assert.LessOrEqual(t, rec.ConfidenceScore, 1.0)

	prompt := completer.lastPrompt()
	assert.Contains(t, prompt, "meal_frequency: consistent")
	assert.Contains(t, prompt, "hydration: adequate")
	assert.Contains(t, prompt, "goal_adherence: good")
	assert.Contains(t, prompt, "Calories: 1200 of 2000 kcal")
	assert.Contains(t, prompt, "Protein: 80 of 150 g")
	assert.Contains(t, prompt, "Water: 1500 ml, meals logged: 2")
}

func TestRecordFeedback(t *testing.T) {
	svc, db, _ := newRecommendationHarness(t, "", nil)
	user := createTestUser(t, db)

	rec := database.AIRecommendation{
		UserID:             user.ID,
		Recommendation:     "Add nuts to your snack.",
		RecommendationType: domain.CategoryMealSuggestion,
		ConfidenceScore:    0.8,
	}
	require.NoError(t, db.Create(&rec).Error)

	followed := true
	require.NoError(t, svc.RecordFeedback(context.Background(), rec.ID, 5, "worked great", &followed))

	var stored database.AIRecommendation
	require.NoError(t, db.First(&stored, rec.ID).Error)
	require.NotNil(t, stored.EffectivenessRating)
	assert.Equal(t, 5, *stored.EffectivenessRating)
	assert.Equal(t, "worked great", stored.UserFeedback)
	require.NotNil(t, stored.WasFollowed)
	assert.True(t, *stored.WasFollowed)

	var interactions []database.RecommendationInteraction
	require.NoError(t, db.Where("recommendation_id = ?", rec.ID).Find(&interactions).Error)
	require.Len(t, interactions, 1)
	assert.Equal(t, 5, interactions[0].Rating)
	assert.Equal(t, user.ID, interactions[0].UserID)
}

func TestRecordFeedback_SecondRatingRejected(t *testing.T) {
	svc, db, _ := newRecommendationHarness(t, "", nil)
	user := createTestUser(t, db)

	rec := database.AIRecommendation{UserID: user.ID, Recommendation: "Add nuts to your snack."}
	require.NoError(t, db.Create(&rec).Error)

	require.NoError(t, svc.RecordFeedback(context.Background(), rec.ID, 5, "", nil))

	err := svc.RecordFeedback(context.Background(), rec.ID, 3, "", nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))

	var stored database.AIRecommendation
	require.NoError(t, db.First(&stored, rec.ID).Error)
	require.NotNil(t, stored.EffectivenessRating)
	assert.Equal(t, 5, *stored.EffectivenessRating, "first rating must stand")

	var count int64
	require.NoError(t, db.Model(&database.RecommendationInteraction{}).
		Where("recommendation_id = ?", rec.ID).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestRecordFeedback_Validation(t *testing.T) {
	svc, db, _ := newRecommendationHarness(t, "", nil)
	user := createTestUser(t, db)

	rec := database.AIRecommendation{UserID: user.ID, Recommendation: "x"}
	require.NoError(t, db.Create(&rec).Error)

	for _, rating := range []int{0, 6, -1} {
		err := svc.RecordFeedback(context.Background(), rec.ID, rating, "", nil)
		assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation), "rating %d", rating)
	}

	err := svc.RecordFeedback(context.Background(), 99999, 3, "", nil)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))
}

type stubRecCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	ttls    map[string]time.Duration
	getErr  error
}

func newStubRecCache() *stubRecCache {
	return &stubRecCache{
		entries: map[string][]byte{},
		ttls:    map[string]time.Duration{},
	}
}

func (c *stubRecCache) GetJSON(ctx context.Context, key string, dest interface{}) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return false, c.getErr
	}
	data, ok := c.entries[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(data, dest)
}

func (c *stubRecCache) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = data
	c.ttls[key] = ttl
	return nil
}

func todayRecKey(userID uint) string {
	return fmt.Sprintf("user:%d:todayrec:%s", userID, time.Now().Format("2006-01-02"))
}

func TestGetTodaysRecommendation_CacheHitSkipsDB(t *testing.T) {
	svc, db, _ := newRecommendationHarness(t, "", nil)
	user := createTestUser(t, db)

	stub := newStubRecCache()
	cached := database.AIRecommendation{UserID: user.ID, Recommendation: "From the cache."}
	require.NoError(t, stub.SetJSON(context.Background(), todayRecKey(user.ID), &cached, time.Hour))
	svc.cache = stub

	// No database row at all: a result can only come from the cache.
	rec, err := svc.GetTodaysRecommendation(context.Background(), user.ID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "From the cache.", rec.Recommendation)
}

func TestGetTodaysRecommendation_MissPopulatesCache(t *testing.T) {
	svc, db, _ := newRecommendationHarness(t, "", nil)
	user := createTestUser(t, db)

	stub := newStubRecCache()
	svc.cache = stub

	stored := database.AIRecommendation{UserID: user.ID, Recommendation: "Fresh from the database."}
	require.NoError(t, db.Create(&stored).Error)

	rec, err := svc.GetTodaysRecommendation(context.Background(), user.ID)
	require.NoError(t, err)
	require.NotNil(t, rec)

	key := todayRecKey(user.ID)
	data, ok := stub.entries[key]
	require.True(t, ok, "hit must be cached under the per-user per-date key")
	assert.Equal(t, time.Hour, stub.ttls[key])

	var cached database.AIRecommendation
	require.NoError(t, json.Unmarshal(data, &cached))
	assert.Equal(t, "Fresh from the database.", cached.Recommendation)
}

func TestGetTodaysRecommendation_CacheErrorFallsThroughToDB(t *testing.T) {
	svc, db, _ := newRecommendationHarness(t, "", nil)
	user := createTestUser(t, db)

	stub := newStubRecCache()
	stub.getErr = errors.New("connection refused")
	svc.cache = stub

	stored := database.AIRecommendation{UserID: user.ID, Recommendation: "Today's advice."}
	require.NoError(t, db.Create(&stored).Error)

	rec, err := svc.GetTodaysRecommendation(context.Background(), user.ID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "Today's advice.", rec.Recommendation)
}

func TestGetTodaysRecommendation(t *testing.T) {
	svc, db, _ := newRecommendationHarness(t, "", nil)
	user := createTestUser(t, db)

	// Only yesterday's advice exists: nothing to show, no error.
	old := database.AIRecommendation{
		UserID:         user.ID,
		Recommendation: "Yesterday's advice.",
	}
	old.CreatedAt = time.Now().AddDate(0, 0, -1)
	require.NoError(t, db.Create(&old).Error)

	rec, err := svc.GetTodaysRecommendation(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Nil(t, rec)

	today := database.AIRecommendation{
		UserID:         user.ID,
		Recommendation: "Today's advice.",
	}
	require.NoError(t, db.Create(&today).Error)

	rec, err = svc.GetTodaysRecommendation(context.Background(), user.ID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "Today's advice.", rec.Recommendation)
}
