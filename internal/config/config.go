package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/nutricoach/nutrition-coach/internal/logger"
)

type Config struct {
	TelegramToken string
	AI            AIConfig
	DB            DBConfig
	Redis         RedisConfig
	Logger        LoggerConfig
}

// AIConfig carries the environment-supplied AI fallbacks. They are consulted
// only when the stored ai_config settings row is absent or holds a
// placeholder credential.
type AIConfig struct {
	Provider string
	Model    string
	APIKey   string
}

type DBConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
}

type RedisConfig struct {
	Host string
	Port string
}

type LoggerConfig struct {
	Level      logger.LogLevel
	OutputPath string
	Format     string
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseLogLevel(level string) logger.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return logger.LevelDebug
	case "info":
		return logger.LevelInfo
	case "warn", "warning":
		return logger.LevelWarn
	case "error":
		return logger.LevelError
	default:
		return logger.LevelInfo
	}
}

func Load() (*Config, error) {
	cfg := &Config{
		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		AI: AIConfig{
			Provider: getEnvOrDefault("AI_PROVIDER", ""),
			Model:    getEnvOrDefault("AI_MODEL", ""),
			APIKey:   os.Getenv("AI_API_KEY"),
		},
		DB: DBConfig{
			Host:     getEnvOrDefault("DB_HOST", "localhost"),
			Port:     getEnvOrDefault("DB_PORT", "5432"),
			User:     getEnvOrDefault("DB_USER", "postgres"),
			Password: getEnvOrDefault("DB_PASSWORD", "postgres"),
			DBName:   getEnvOrDefault("DB_NAME", "nutrition_coach"),
		},
		Redis: RedisConfig{
			Host: getEnvOrDefault("REDIS_HOST", "localhost"),
			Port: getEnvOrDefault("REDIS_PORT", "6379"),
		},
		Logger: LoggerConfig{
			Level:      parseLogLevel(getEnvOrDefault("LOG_LEVEL", "info")),
			OutputPath: getEnvOrDefault("LOG_OUTPUT", "logs/app.log"),
			Format:     getEnvOrDefault("LOG_FORMAT", "json"),
		},
	}

	if cfg.TelegramToken == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}

	return cfg, nil
}
