package notifier

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"council/internal/config"
)

// Notifier sends operational alerts to the admin chat. A nil Notifier is
// valid and drops everything, so callers never branch on whether
// notifications are configured.
type Notifier struct {
	api    *tgbotapi.BotAPI
	chatID int64
	logger *zap.Logger
}

// NewNotifier creates a Telegram notifier. Returns nil, nil when
// notifications are disabled or no token is configured.
func NewNotifier(cfg *config.Config, logger *zap.Logger) (*Notifier, error) {
	if !cfg.Notifications.Enabled || cfg.Notifications.TelegramBotToken == "" {
		logger.Info("Telegram notifications are disabled (notifications.enabled=false or token is empty)")
		return nil, nil
	}

	botAPI, err := tgbotapi.NewBotAPI(cfg.Notifications.TelegramBotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot API: %w", err)
	}

	logger.Info("Telegram notifier authorized", zap.String("username", botAPI.Self.UserName))

	return &Notifier{
		api:    botAPI,
		chatID: cfg.Notifications.AdminChatID,
		logger: logger,
	}, nil
}

// UserRegistered notifies the admin chat about a new signup.
func (n *Notifier) UserRegistered(email string) {
	if n == nil {
		return
	}
	n.send(fmt.Sprintf("👤 New user registered\n\nEmail: %s", email))
}

// CostUnresolved notifies the admin chat that a round finished but its
// charge could not be applied and needs manual reconciliation.
func (n *Notifier) CostUnresolved(roundID, userID string, cause error) {
	if n == nil {
		return
	}
	n.send(fmt.Sprintf(
		"⚠️ Round cost unresolved\n\nRound: %s\nUser: %s\nCause: %v\n\nThe round completed but was not charged.",
		roundID, userID, cause,
	))
}

func (n *Notifier) send(text string) {
	msg := tgbotapi.NewMessage(n.chatID, text)
	if _, err := n.api.Send(msg); err != nil {
		n.logger.Error("Failed to send Telegram notification", zap.Int64("chat_id", n.chatID), zap.Error(err))
	}
}
