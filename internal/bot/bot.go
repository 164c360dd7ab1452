package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/nutricoach/nutrition-coach/internal/cache"
	"github.com/nutricoach/nutrition-coach/internal/database"
	"github.com/nutricoach/nutrition-coach/internal/domain"
	apperrors "github.com/nutricoach/nutrition-coach/internal/errors"
	"github.com/nutricoach/nutrition-coach/internal/interfaces"
	"github.com/nutricoach/nutrition-coach/internal/logger"
)

const (
	stateNone              = ""
	stateWaitingForMeal    = "waiting_for_meal"
	stateWaitingForWater   = "waiting_for_water"
	stateWaitingForProfile = "waiting_for_profile"
	stateWaitingForTargets = "waiting_for_targets"
)

const (
	msgAIUnavailable = "AI advice isn't set up yet. Ask the operator to configure a provider, everything else keeps working."
	msgAIBusy        = "The coach is getting a lot of questions right now. Please try again in a minute."
	msgGenericError  = "Something went wrong. Please try again."
)

type Bot struct {
	api         *tgbotapi.BotAPI
	userService interfaces.UserServiceInterface
	recSvc      interfaces.RecommendationServiceInterface
	behaviorSvc interfaces.BehaviorServiceInterface
	states      *cache.RedisCache
}

func NewBot(token string, userService interfaces.UserServiceInterface, recSvc interfaces.RecommendationServiceInterface, behaviorSvc interfaces.BehaviorServiceInterface, states *cache.RedisCache) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	logger.Info("Bot authorized", "account", api.Self.UserName)
	return &Bot{
		api:         api,
		userService: userService,
		recSvc:      recSvc,
		behaviorSvc: behaviorSvc,
		states:      states,
	}, nil
}

func mainMenuKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("💡 Get advice", "advice"),
			tgbotapi.NewInlineKeyboardButtonData("📋 Today's advice", "today"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🍽️ Log meal", "log_meal"),
			tgbotapi.NewInlineKeyboardButtonData("💧 Log water", "log_water"),
		),
	)
}

func (b *Bot) sendMainMenu(chatID int64) error {
	msg := tgbotapi.NewMessage(chatID, "What would you like to do?")
	msg.ReplyMarkup = mainMenuKeyboard()
	_, err := b.api.Send(msg)
	return err
}

func (b *Bot) send(chatID int64, text string) error {
	_, err := b.api.Send(tgbotapi.NewMessage(chatID, text))
	return err
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) error {
	if update.Message == nil && update.CallbackQuery == nil {
		return nil
	}

	var from *tgbotapi.User
	var chatID int64
	if update.Message != nil {
		from = update.Message.From
		chatID = update.Message.Chat.ID
	} else {
		from = update.CallbackQuery.From
		chatID = update.CallbackQuery.Message.Chat.ID
	}

	user, err := b.userService.RegisterUser(ctx, from.ID, from.UserName, from.FirstName, from.LastName)
	if err != nil {
		return fmt.Errorf("failed to register user: %w", err)
	}

	if update.CallbackQuery != nil {
		callback := tgbotapi.NewCallback(update.CallbackQuery.ID, "")
		if _, err := b.api.Request(callback); err != nil {
			logger.Warn("Failed to answer callback query", "error", err)
		}
		return b.handleCallbackQuery(ctx, update.CallbackQuery, user, chatID)
	}

	if update.Message.IsCommand() {
		return b.handleCommand(ctx, update.Message, user)
	}

	if update.Message.Text != "" {
		return b.handleText(ctx, update.Message, user)
	}

	return nil
}

func (b *Bot) handleCallbackQuery(ctx context.Context, query *tgbotapi.CallbackQuery, user *database.User, chatID int64) error {
	data := query.Data

	if strings.HasPrefix(data, "rate:") {
		return b.handleRating(ctx, data, chatID)
	}

	switch data {
	case "advice":
		return b.sendAdvice(ctx, user, chatID)
	case "today":
		return b.sendTodaysAdvice(ctx, user, chatID)
	case "log_meal":
		b.states.SetUserState(user.TelegramID, stateWaitingForMeal)
		return b.send(chatID, "Send the meal as four numbers: calories, protein, carbs and fat in grams. Example: 450 30 40 15")
	case "log_water":
		b.states.SetUserState(user.TelegramID, stateWaitingForWater)
		return b.send(chatID, "How much water did you drink, in ml? Example: 250")
	case "main_menu":
		b.states.ClearUserState(user.TelegramID)
		return b.sendMainMenu(chatID)
	}

	return nil
}

// handleRating records feedback from a "rate:<recID>:<stars>" button press.
func (b *Bot) handleRating(ctx context.Context, data string, chatID int64) error {
	parts := strings.Split(data, ":")
	if len(parts) != 3 {
		return nil
	}

	recID, err1 := strconv.ParseUint(parts[1], 10, 64)
	rating, err2 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil {
		return nil
	}

	if err := b.recSvc.RecordFeedback(ctx, uint(recID), rating, "", nil); err != nil {
		if apperrors.IsType(err, apperrors.ErrorTypeValidation) {
			return b.send(chatID, "You've already rated this one.")
		}
		logger.Warn("Failed to record feedback", "recommendation_id", recID, "error", err)
		return b.send(chatID, msgGenericError)
	}

	return b.send(chatID, "Thanks, noted! The coach learns from your ratings.")
}

func (b *Bot) handleCommand(ctx context.Context, message *tgbotapi.Message, user *database.User) error {
	chatID := message.Chat.ID

	switch message.Command() {
	case "start":
		b.states.ClearUserState(user.TelegramID)
		return b.sendMainMenu(chatID)
	case "advice":
		return b.sendAdvice(ctx, user, chatID)
	case "today":
		return b.sendTodaysAdvice(ctx, user, chatID)
	case "meal":
		b.states.SetUserState(user.TelegramID, stateWaitingForMeal)
		return b.send(chatID, "Send the meal as four numbers: calories, protein, carbs and fat in grams. Example: 450 30 40 15")
	case "water":
		b.states.SetUserState(user.TelegramID, stateWaitingForWater)
		return b.send(chatID, "How much water did you drink, in ml? Example: 250")
	case "profile":
		b.states.SetUserState(user.TelegramID, stateWaitingForProfile)
		return b.send(chatID, "Send your profile: weight (kg), target weight (kg), height (cm) and goal (lose/maintain/gain). Example: 82 75 180 lose")
	case "targets":
		b.states.SetUserState(user.TelegramID, stateWaitingForTargets)
		return b.send(chatID, "Send your daily targets: calories, protein, carbs, fat (g) and water (ml). Example: 2000 150 250 70 2500")
	case "help":
		return b.send(chatID, `Available commands:
/start - Show the main menu
/advice - Get a fresh recommendation
/today - Show today's recommendation
/meal - Log a meal
/water - Log water intake
/profile - Set weight, height and goal
/targets - Set daily macro and water targets
/help - Show this message

Anything else you type is sent straight to the coach as a question.`)
	default:
		return b.send(chatID, "Unknown command. Use /help to see what I can do.")
	}
}

func (b *Bot) handleText(ctx context.Context, message *tgbotapi.Message, user *database.User) error {
	chatID := message.Chat.ID
	state := b.states.GetUserState(user.TelegramID)

	switch state {
	case stateWaitingForMeal:
		return b.handleMealInput(ctx, message.Text, user, chatID)
	case stateWaitingForWater:
		return b.handleWaterInput(ctx, message.Text, user, chatID)
	case stateWaitingForProfile:
		return b.handleProfileInput(ctx, message.Text, user, chatID)
	case stateWaitingForTargets:
		return b.handleTargetsInput(ctx, message.Text, user, chatID)
	default:
		return b.handleChat(ctx, message.Text, chatID)
	}
}

func parseFloats(text string, n int) ([]float64, error) {
	fields := strings.Fields(text)
	if len(fields) != n {
		return nil, fmt.Errorf("expected %d numbers, got %d", n, len(fields))
	}
	values := make([]float64, n)
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil || v < 0 {
			return nil, fmt.Errorf("invalid number %q", f)
		}
		values[i] = v
	}
	return values, nil
}

func (b *Bot) handleMealInput(ctx context.Context, text string, user *database.User, chatID int64) error {
	values, err := parseFloats(text, 4)
	if err != nil {
		return b.send(chatID, "Please send four numbers: calories, protein, carbs and fat. Example: 450 30 40 15")
	}

	meal := domain.MacroTotals{Calories: values[0], Protein: values[1], Carbs: values[2], Fat: values[3]}
	if err := b.userService.LogMeal(ctx, user.ID, meal); err != nil {
		logger.Error("Failed to log meal", "user_id", user.ID, "error", err)
		return b.send(chatID, msgGenericError)
	}

	if err := b.behaviorSvc.TrackToday(ctx, user); err != nil {
		logger.Warn("Failed to update daily behavior", "user_id", user.ID, "error", err)
	}

	b.states.ClearUserState(user.TelegramID)
	msg := tgbotapi.NewMessage(chatID, fmt.Sprintf("✅ Meal logged: %.0f kcal, %.0fP/%.0fC/%.0fF", meal.Calories, meal.Protein, meal.Carbs, meal.Fat))
	msg.ReplyMarkup = mainMenuKeyboard()
	_, err = b.api.Send(msg)
	return err
}

func (b *Bot) handleWaterInput(ctx context.Context, text string, user *database.User, chatID int64) error {
	amount, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil || amount <= 0 {
		return b.send(chatID, "Please send the amount in ml as a whole number. Example: 250")
	}

	if err := b.userService.LogWater(ctx, user.ID, amount); err != nil {
		logger.Error("Failed to log water", "user_id", user.ID, "error", err)
		return b.send(chatID, msgGenericError)
	}

	if err := b.behaviorSvc.TrackToday(ctx, user); err != nil {
		logger.Warn("Failed to update daily behavior", "user_id", user.ID, "error", err)
	}

	b.states.ClearUserState(user.TelegramID)
	msg := tgbotapi.NewMessage(chatID, fmt.Sprintf("✅ %d ml of water logged", amount))
	msg.ReplyMarkup = mainMenuKeyboard()
	_, err = b.api.Send(msg)
	return err
}

func (b *Bot) handleProfileInput(ctx context.Context, text string, user *database.User, chatID int64) error {
	fields := strings.Fields(text)
	if len(fields) != 4 {
		return b.send(chatID, "Please send: weight, target weight, height and goal. Example: 82 75 180 lose")
	}

	values, err := parseFloats(strings.Join(fields[:3], " "), 3)
	goal := strings.ToLower(fields[3])
	if err != nil || (goal != "lose" && goal != "maintain" && goal != "gain") {
		return b.send(chatID, "Please send: weight, target weight, height and goal (lose/maintain/gain). Example: 82 75 180 lose")
	}

	if err := b.userService.UpdateProfile(ctx, user.ID, values[0], values[1], values[2], goal); err != nil {
		logger.Error("Failed to update profile", "user_id", user.ID, "error", err)
		return b.send(chatID, msgGenericError)
	}

	b.states.ClearUserState(user.TelegramID)
	return b.send(chatID, "✅ Profile saved")
}

func (b *Bot) handleTargetsInput(ctx context.Context, text string, user *database.User, chatID int64) error {
	values, err := parseFloats(text, 5)
	if err != nil {
		return b.send(chatID, "Please send five numbers: calories, protein, carbs, fat and water. Example: 2000 150 250 70 2500")
	}

	targets := domain.MacroTotals{Calories: values[0], Protein: values[1], Carbs: values[2], Fat: values[3]}
	if err := b.userService.UpdateTargets(ctx, user.ID, targets, int(values[4])); err != nil {
		logger.Error("Failed to update targets", "user_id", user.ID, "error", err)
		return b.send(chatID, msgGenericError)
	}

	b.states.ClearUserState(user.TelegramID)
	return b.send(chatID, "✅ Targets saved")
}

// handleChat routes free text straight to the completion entry point,
// bypassing the agentic pipeline.
func (b *Bot) handleChat(ctx context.Context, text string, chatID int64) error {
	answer, err := b.recSvc.Complete(ctx, text)
	if err != nil {
		return b.send(chatID, aiErrorMessage(err))
	}
	return b.send(chatID, answer)
}

func (b *Bot) sendAdvice(ctx context.Context, user *database.User, chatID int64) error {
	if err := b.send(chatID, "Let me look at your day..."); err != nil {
		return err
	}

	rec, err := b.recSvc.GetAgenticRecommendation(ctx, user.ID)
	if err != nil || rec == nil {
		if err != nil {
			logger.Warn("Recommendation generation failed", "user_id", user.ID, "error", err)
		}
		return b.send(chatID, aiErrorMessage(err))
	}

	return b.sendRecommendation(chatID, rec)
}

func (b *Bot) sendTodaysAdvice(ctx context.Context, user *database.User, chatID int64) error {
	rec, err := b.recSvc.GetTodaysRecommendation(ctx, user.ID)
	if err != nil || rec == nil {
		return b.send(chatID, "No recommendation yet today. Use 💡 Get advice to generate one.")
	}
	return b.sendRecommendation(chatID, rec)
}

func (b *Bot) sendRecommendation(chatID int64, rec *database.AIRecommendation) error {
	text := fmt.Sprintf("💡 %s\n\nHow useful was this?", rec.Recommendation)

	row := make([]tgbotapi.InlineKeyboardButton, 0, 5)
	for stars := 1; stars <= 5; stars++ {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(
			fmt.Sprintf("%d⭐", stars),
			fmt.Sprintf("rate:%d:%d", rec.ID, stars),
		))
	}

	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		row,
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("◀️ Main menu", "main_menu"),
		),
	)
	_, err := b.api.Send(msg)
	return err
}

// aiErrorMessage maps pipeline failures to user-facing text. Configuration
// problems and rate limits get distinct messages; everything else is generic.
func aiErrorMessage(err error) string {
	switch {
	case apperrors.IsType(err, apperrors.ErrorTypeConfiguration):
		return msgAIUnavailable
	case apperrors.IsType(err, apperrors.ErrorTypeRateLimit):
		return msgAIBusy
	default:
		return msgGenericError
	}
}

func (b *Bot) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	logger.Info("Bot is now listening for updates")

	for {
		select {
		case <-ctx.Done():
			logger.Info("Bot is shutting down")
			return ctx.Err()
		case update := <-updates:
			if err := b.handleUpdate(ctx, update); err != nil {
				logger.Error("Error handling update", "error", err)
			}
		}
	}
}
