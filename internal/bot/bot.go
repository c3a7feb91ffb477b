// Package bot implements the operator command bot for the Telegram operator
// chat: channel health, anomalies, forced syncs, manual blocks and calendar
// exports.
package bot

import (
	"context"
	"time"

	"staysync/internal/channelsync"
	"staysync/internal/logging"
	"staysync/internal/metrics"
	"staysync/internal/models"
	"staysync/internal/service"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TelegramService is the part of the Bot API client the bot uses.
type TelegramService interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	StopReceivingUpdates()
	GetSelf() tgbotapi.User
}

// Operator is the operator surface the commands drive.
type Operator interface {
	CreateBlock(ctx context.Context, req service.BlockRequest) (*models.Interval, error)
	RemoveBlock(ctx context.Context, id int64, expectedVersion *int64) (*models.Interval, error)
	ChannelHealth(ctx context.Context) ([]models.ChannelHealth, error)
	ForceSync(ctx context.Context, unitID string, channel models.Source) (channelsync.PassResult, error)
	Anomalies(ctx context.Context, unitID string) ([]models.SyncAnomaly, error)
	ResolveAnomaly(ctx context.Context, id int64) error
}

type CalendarProjector interface {
	Project(ctx context.Context, unitID string, r models.DateRange) (*service.CalendarView, error)
}

type Bot struct {
	tg        TelegramService
	operator  Operator
	projector CalendarProjector
	chatID    int64
	now       func() time.Time
	logger    *zerolog.Logger
}

// NewBot serves commands sent from chatID only.
func NewBot(tg TelegramService, operator Operator, projector CalendarProjector, chatID int64, logger *zerolog.Logger) *Bot {
	return &Bot{
		tg:        tg,
		operator:  operator,
		projector: projector,
		chatID:    chatID,
		now:       time.Now,
		logger:    logging.Component(logger, "operator_bot"),
	}
}

func (b *Bot) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.tg.GetUpdatesChan(u)

	b.logger.Info().Str("username", b.tg.GetSelf().UserName).Msg("Operator bot listening")

	for {
		select {
		case <-ctx.Done():
			b.logger.Info().Msg("Operator bot stopping")
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			b.processUpdate(ctx, update)
		}
	}
}

// Stop stops receiving Telegram updates (best-effort).
func (b *Bot) Stop() {
	if b == nil || b.tg == nil {
		return
	}
	b.tg.StopReceivingUpdates()
}

func (b *Bot) processUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.Chat == nil || !msg.IsCommand() {
		return
	}
	if msg.Chat.ID != b.chatID {
		b.logger.Warn().Int64("chat_id", msg.Chat.ID).Str("command", msg.Command()).Msg("Command from foreign chat ignored")
		return
	}

	updateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	l := b.logger.With().Str("request_id", uuid.NewString()).Str("command", msg.Command()).Logger()
	updateCtx = l.WithContext(updateCtx)

	b.withRecovery(func() {
		result := "ok"
		if err := b.handleCommand(updateCtx, msg); err != nil {
			result = "error"
			l.Warn().Err(err).Msg("Operator command failed")
			b.sendMessage(msg.Chat.ID, describeError(err))
		}
		metrics.IncOperatorCommand(msg.Command(), result)
	})
}

func (b *Bot) withRecovery(handler func()) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Msg("Recovered from panic in update handler")
		}
	}()
	handler()
}

func (b *Bot) sendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := b.tg.Send(msg); err != nil {
		b.logger.Error().Err(err).Msg("Failed to send operator reply")
	}
}
