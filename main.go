package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/nutricoach/nutrition-coach/internal/bot"
	"github.com/nutricoach/nutrition-coach/internal/cache"
	"github.com/nutricoach/nutrition-coach/internal/config"
	"github.com/nutricoach/nutrition-coach/internal/database"
	"github.com/nutricoach/nutrition-coach/internal/logger"
	"github.com/nutricoach/nutrition-coach/internal/services"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := logger.InitWithConfig(logger.Config{
		Level:      cfg.Logger.Level,
		OutputPath: cfg.Logger.OutputPath,
		Format:     cfg.Logger.Format,
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	logger.Info("Starting nutrition coach bot")

	db, err := database.NewPostgresDB(cfg.DB)
	if err != nil {
		logger.Fatal("Failed to connect to database", "error", err)
	}

	redisCache, err := cache.NewRedisCache(cfg.Redis.Host, cfg.Redis.Port)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", "error", err)
	}
	defer redisCache.Close()

	// No host-embedded assistant in the standalone bot; the resolver falls
	// back to the stored or env-supplied provider.
	aiConfigSvc := services.NewAIConfigService(db, cfg.AI, nil)
	gateway := services.NewAIGateway(aiConfigSvc)

	userService := services.NewUserService(db)
	behaviorSvc := services.NewBehaviorService(db)
	patternSvc := services.NewPatternService(db)
	recSvc := services.NewRecommendationService(db, gateway, behaviorSvc, patternSvc, redisCache)
	logger.Info("Services initialized")

	telegramBot, err := bot.NewBot(cfg.TelegramToken, userService, recSvc, behaviorSvc, redisCache)
	if err != nil {
		logger.Fatal("Failed to create bot", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := telegramBot.Start(ctx); err != nil && ctx.Err() == nil {
		logger.Fatal("Bot stopped with error", "error", err)
	}
}
