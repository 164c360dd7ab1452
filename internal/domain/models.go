package domain

// Recommendation categories a generated advice can fall into.
const (
	CategoryMealSuggestion  = "meal_suggestion"
	CategoryHydration       = "hydration"
	CategoryGoalAdjustment  = "goal_adjustment"
	CategoryBehaviorInsight = "behavior_insight"
)

// Learned behavior pattern types, one live record per user and type.
const (
	PatternMealTiming        = "meal_timing"
	PatternFoodPreferences   = "food_preferences"
	PatternGoalTrends        = "goal_trends"
	PatternHydrationPatterns = "hydration_patterns"
)

// KnownCategories lists the valid recommendation categories.
var KnownCategories = []string{
	CategoryMealSuggestion,
	CategoryHydration,
	CategoryGoalAdjustment,
	CategoryBehaviorInsight,
}

// IsKnownCategory reports whether c is one of the four recommendation categories.
func IsKnownCategory(c string) bool {
	for _, known := range KnownCategories {
		if c == known {
			return true
		}
	}
	return false
}

// MacroTotals holds a set of macro nutrient amounts, either consumed or targeted.
type MacroTotals struct {
	Calories float64 `json:"calories"`
	Protein  float64 `json:"protein"`
	Carbs    float64 `json:"carbs"`
	Fat      float64 `json:"fat"`
}

// UserSnapshot is the denormalized profile embedded in a NutritionContext.
type UserSnapshot struct {
	WeightKG       float64 `json:"weight_kg"`
	TargetWeightKG float64 `json:"target_weight_kg"`
	HeightCM       float64 `json:"height_cm"`
	Goal           string  `json:"goal"`
	BMI            float64 `json:"bmi"`
}

// NutritionContext is the point-in-time snapshot used to generate one
// recommendation. It is never stored on its own, only embedded in a
// recommendation row as provenance.
type NutritionContext struct {
	Current        MacroTotals  `json:"current"`
	Targets        MacroTotals  `json:"targets"`
	User           UserSnapshot `json:"user"`
	WaterIntakeML  int          `json:"water_intake_ml"`
	MealCount      int          `json:"meal_count"`
	TimeOfDay      string       `json:"time_of_day"`
	RecentPatterns []string     `json:"recent_patterns,omitempty"`
}

// Insight is one labeled observation derived from the behavior window.
type Insight struct {
	Type       string  `json:"type"`
	Pattern    string  `json:"pattern"`
	Confidence float64 `json:"confidence"`
}

// BehaviorAnalysis is the output of analyzing a trailing behavior window.
type BehaviorAnalysis struct {
	Insights          []Insight `json:"insights"`
	OverallConfidence float64   `json:"overall_confidence"`
}

// ParsedRecommendation is the structured form recovered from a model's
// free-text answer.
type ParsedRecommendation struct {
	Text       string
	Type       string
	Confidence float64
}
