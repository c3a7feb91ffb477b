// Package notify delivers reservation notifications and sync alerts to the
// operator.
package notify

import (
	"context"
	"fmt"

	"staysync/internal/config"
	"staysync/internal/domain"
	"staysync/internal/logging"
	"staysync/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// OperatorNotifier is what the outbox worker delivers through.
type OperatorNotifier interface {
	domain.Notifier
	domain.Alerter
}

var eventTitles = map[string]string{
	models.EventReservationReserved:  "Hold placed",
	models.EventReservationConfirmed: "Reservation confirmed",
	models.EventReservationRejected:  "Reservation rejected",
	models.EventReservationExpired:   "Hold expired",
	models.EventReservationReleased:  "Hold released",
}

// Message renders the notification text of a reservation event.
func Message(reservationID, event string) string {
	title, ok := eventTitles[event]
	if !ok {
		title = event
	}
	return fmt.Sprintf("%s\nReservation: %s", title, reservationID)
}

// TelegramNotifier posts to the operator chat.
type TelegramNotifier struct {
	sender domain.TelegramSender
	chatID int64
}

func NewTelegramNotifier(sender domain.TelegramSender, chatID int64) *TelegramNotifier {
	return &TelegramNotifier{sender: sender, chatID: chatID}
}

func (n *TelegramNotifier) Notify(ctx context.Context, reservationID, event string) error {
	return n.send(Message(reservationID, event))
}

func (n *TelegramNotifier) Alert(ctx context.Context, text string) error {
	return n.send(text)
}

func (n *TelegramNotifier) send(text string) error {
	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := n.sender.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// LogNotifier only writes notifications to the log.
type LogNotifier struct {
	logger *zerolog.Logger
}

func NewLogNotifier(logger *zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logging.Component(logger, "notifier")}
}

func (n *LogNotifier) Notify(ctx context.Context, reservationID, event string) error {
	n.logger.Info().Str("reservation_id", reservationID).Str("event", event).Msg("Notification")
	return nil
}

func (n *LogNotifier) Alert(ctx context.Context, text string) error {
	n.logger.Warn().Str("alert", text).Msg("Operator alert")
	return nil
}

// New returns a Telegram notifier when a bot token is configured and a log
// notifier otherwise.
func New(cfg config.TelegramConfig, logger *zerolog.Logger) (OperatorNotifier, error) {
	if cfg.BotToken == "" {
		return NewLogNotifier(logger), nil
	}
	bot, err := NewBotAPI(cfg)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("account", bot.Self.UserName).Msg("Telegram notifier authorized")
	return NewTelegramNotifier(bot, cfg.OperatorChatID), nil
}

// NewBotAPI authorizes the configured bot token.
func NewBotAPI(cfg config.TelegramConfig) (*tgbotapi.BotAPI, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	bot.Debug = cfg.Debug
	return bot, nil
}
