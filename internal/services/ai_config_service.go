package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/nutricoach/nutrition-coach/internal/config"
	"github.com/nutricoach/nutrition-coach/internal/database"
	"github.com/nutricoach/nutrition-coach/internal/database/migrations"
	"github.com/nutricoach/nutrition-coach/internal/logger"
	"gorm.io/gorm"
)

const aiConfigSettingID = "ai_config"

// ResolvedAIConfig is the provider/model/credential triple the gateway runs
// with. An empty APIKey on a non-hosted provider means unconfigured; callers
// degrade instead of failing.
type ResolvedAIConfig struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	APIKey   string `json:"api_key"`
}

// AIConfigService resolves which provider/model/credential to use and builds
// the matching client once per resolution. Resolution order: memoized value,
// stored settings row (if its credential is real), environment fallbacks,
// hardcoded default.
type AIConfigService struct {
	db       *gorm.DB
	fallback config.AIConfig
	hosted   HostedCompleteFunc

	mu       sync.Mutex
	resolved *ResolvedAIConfig
	client   Completer
}

func NewAIConfigService(db *gorm.DB, fallback config.AIConfig, hosted HostedCompleteFunc) *AIConfigService {
	return &AIConfigService{
		db:       db,
		fallback: fallback,
		hosted:   hosted,
	}
}

// IsConfigured reports whether the resolved triple can actually serve
// completions.
func (c *ResolvedAIConfig) IsConfigured(hosted HostedCompleteFunc) bool {
	if c.Provider == ProviderHosted {
		return hosted != nil
	}
	return c.APIKey != ""
}

// Resolve returns the active AI configuration, memoized after the first
// successful resolution. No network calls happen here.
func (s *AIConfigService) Resolve(ctx context.Context) *ResolvedAIConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolveLocked(ctx)
}

func (s *AIConfigService) resolveLocked(ctx context.Context) *ResolvedAIConfig {
	if s.resolved != nil {
		return s.resolved
	}

	if stored := s.loadStored(ctx); stored != nil {
		s.resolved = stored
		return s.resolved
	}

	if s.fallback.Provider != "" || s.fallback.APIKey != "" {
		s.resolved = &ResolvedAIConfig{
			Provider: s.fallback.Provider,
			Model:    s.fallback.Model,
			APIKey:   s.fallback.APIKey,
		}
		if s.resolved.Provider == "" {
			s.resolved.Provider = ProviderRelay
		}
		return s.resolved
	}

	// Unconfigured default: callers must degrade gracefully, not fail
	s.resolved = &ResolvedAIConfig{Provider: ProviderHosted}
	return s.resolved
}

// loadStored reads the ai_config settings row. A row with a missing or
// placeholder credential is treated the same as no row at all.
func (s *AIConfigService) loadStored(ctx context.Context) *ResolvedAIConfig {
	var setting database.AppSetting
	err := s.db.WithContext(ctx).First(&setting, "id = ?", aiConfigSettingID).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			logger.Warn("Failed to read AI settings row", "error", err)
		}
		return nil
	}

	var stored ResolvedAIConfig
	if err := json.Unmarshal([]byte(setting.Value), &stored); err != nil {
		logger.Warn("Malformed AI settings row", "error", err)
		return nil
	}

	if stored.APIKey == "" || stored.APIKey == migrations.PlaceholderAPIKey {
		return nil
	}

	if stored.Provider == "" {
		stored.Provider = ProviderRelay
	}

	return &stored
}

// Client returns the completion client for the resolved configuration,
// constructing it on first use. The caller still has to check IsConfigured
// before dispatching.
func (s *AIConfigService) Client(ctx context.Context) (Completer, *ResolvedAIConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resolved := s.resolveLocked(ctx)
	if s.client != nil {
		return s.client, resolved, nil
	}

	switch resolved.Provider {
	case ProviderGemini:
		client, err := newGeminiCompleter(ctx, resolved.APIKey, resolved.Model)
		if err != nil {
			return nil, resolved, err
		}
		s.client = client
	case ProviderRelay:
		s.client = newRelayCompleter(resolved.APIKey, resolved.Model)
	default:
		s.client = &hostedCompleter{complete: s.hosted}
	}

	logger.Info("AI client initialized", "provider", resolved.Provider, "model", resolved.Model)
	return s.client, resolved, nil
}

// Configured reports whether completions can be served at all right now.
func (s *AIConfigService) Configured(ctx context.Context) bool {
	return s.Resolve(ctx).IsConfigured(s.hosted)
}

// Invalidate drops the memoized configuration and client. Called after an
// operator updates the stored settings.
func (s *AIConfigService) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolved = nil
	s.client = nil
}
