package services

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/nutricoach/nutrition-coach/internal/database"
	apperrors "github.com/nutricoach/nutrition-coach/internal/errors"
	"github.com/nutricoach/nutrition-coach/internal/logger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	patternBaseConfidence = 0.5
	evidenceWeight        = 0.8
)

// PatternService owns the learned-pattern merges. One live row per user and
// pattern type; reinforcements only ever raise the stored confidence.
type PatternService struct {
	db *gorm.DB
}

func NewPatternService(db *gorm.DB) *PatternService {
	return &PatternService{db: db}
}

// MergeConfidence applies the reinforcement rule: the stored confidence is
// the max of the existing value (0.5 when the pattern is new) and the
// discounted evidence. Monotonically non-decreasing across reinforcements.
func MergeConfidence(existing, evidence float64) float64 {
	return math.Max(existing, evidence*evidenceWeight)
}

// Reinforce merges new evidence into the user's pattern record of the given
// type as a single upsert keyed by (user, pattern type), stamping
// last_applied. Stored confidence never goes below the base, so keeping the
// higher of the stored and incoming values in the conflict branch is the
// merge rule.
func (s *PatternService) Reinforce(ctx context.Context, userID uint, patternType string, evidenceConfidence float64, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "PATTERN_PAYLOAD", "Failed to encode pattern payload")
	}

	now := time.Now()
	pattern := database.AILearningPattern{
		UserID:          userID,
		PatternType:     patternType,
		PatternData:     string(data),
		ConfidenceLevel: MergeConfidence(patternBaseConfidence, evidenceConfidence),
		LastApplied:     now,
	}

	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "pattern_type"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"confidence_level": gorm.Expr("CASE WHEN confidence_level >= excluded.confidence_level THEN confidence_level ELSE excluded.confidence_level END"),
			"pattern_data":     string(data),
			"last_applied":     now,
			"updated_at":       now,
		}),
	}).Create(&pattern).Error
	if err != nil {
		return apperrors.NewDatabaseError(err)
	}

	logger.Debug("Pattern reinforced",
		"user_id", userID,
		"pattern_type", patternType,
		"evidence", evidenceConfidence)
	return nil
}

// GetPatterns returns all learned patterns for a user.
func (s *PatternService) GetPatterns(ctx context.Context, userID uint) ([]database.AILearningPattern, error) {
	var patterns []database.AILearningPattern
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Find(&patterns).Error; err != nil {
		return nil, apperrors.NewDatabaseError(err)
	}
	return patterns, nil
}
