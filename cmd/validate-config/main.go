package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/nutricoach/nutrition-coach/internal/config"
)

func main() {
	fmt.Println("Checking configuration...")

	if err := godotenv.Load(); err != nil {
		fmt.Printf(".env file not found: %v\n", err)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Configuration is invalid:\n%v\n", err)
		os.Exit(1)
	}

	fmt.Println("Configuration is valid.")
	fmt.Printf("  - Telegram Token: %s\n", maskToken(cfg.TelegramToken))
	fmt.Printf("  - AI Provider (fallback): %s\n", orUnset(cfg.AI.Provider))
	fmt.Printf("  - AI Model (fallback): %s\n", orUnset(cfg.AI.Model))
	fmt.Printf("  - AI API Key (fallback): %s\n", maskToken(cfg.AI.APIKey))
	fmt.Printf("  - DB Host: %s\n", cfg.DB.Host)
	fmt.Printf("  - DB Port: %s\n", cfg.DB.Port)
	fmt.Printf("  - DB User: %s\n", cfg.DB.User)
	fmt.Printf("  - DB Name: %s\n", cfg.DB.DBName)
	fmt.Printf("  - Redis: %s:%s\n", cfg.Redis.Host, cfg.Redis.Port)
	fmt.Printf("  - Log Level: %v\n", cfg.Logger.Level)
	fmt.Printf("  - Log Output: %s\n", cfg.Logger.OutputPath)
	fmt.Printf("  - Log Format: %s\n", cfg.Logger.Format)
}

func maskToken(token string) string {
	if token == "" {
		return "<not set>"
	}
	if len(token) <= 8 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

func orUnset(value string) string {
	if value == "" {
		return "<not set>"
	}
	return value
}
