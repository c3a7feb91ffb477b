package bot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"staysync/internal/domain"
	"staysync/internal/models"
	"staysync/internal/service"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const calendarDays = 30

const helpText = `Operator commands:
/channels - feed health
/anomalies [unit] - open sync anomalies
/resolve <id> - mark an anomaly resolved
/sync <unit> <channel> - sync one feed now
/block <unit> <start> <end> [note] - block nights
/unblock <id> [version] - remove a manual block
/calendar <unit> [from] [to] - xlsx calendar`

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) error {
	chatID := msg.Chat.ID
	args := strings.Fields(msg.CommandArguments())

	switch msg.Command() {
	case "start", "help":
		b.sendMessage(chatID, helpText)
		return nil
	case "channels":
		return b.handleChannels(ctx, chatID)
	case "anomalies":
		unitID := ""
		if len(args) > 0 {
			unitID = args[0]
		}
		return b.handleAnomalies(ctx, chatID, unitID)
	case "resolve":
		return b.handleResolve(ctx, chatID, args)
	case "sync":
		return b.handleSync(ctx, chatID, args)
	case "block":
		return b.handleBlock(ctx, chatID, args)
	case "unblock":
		return b.handleUnblock(ctx, chatID, args)
	case "calendar":
		return b.handleCalendar(ctx, chatID, args)
	default:
		b.sendMessage(chatID, "Unknown command. Send /help for the list.")
		return nil
	}
}

func (b *Bot) handleChannels(ctx context.Context, chatID int64) error {
	health, err := b.operator.ChannelHealth(ctx)
	if err != nil {
		return err
	}
	b.sendMessage(chatID, formatChannels(health))
	return nil
}

func (b *Bot) handleAnomalies(ctx context.Context, chatID int64, unitID string) error {
	list, err := b.operator.Anomalies(ctx, unitID)
	if err != nil {
		return err
	}
	b.sendMessage(chatID, formatAnomalies(list))
	return nil
}

func (b *Bot) handleResolve(ctx context.Context, chatID int64, args []string) error {
	if len(args) != 1 {
		return domain.NewValidationError("args", "usage: /resolve <id>")
	}
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	if err := b.operator.ResolveAnomaly(ctx, id); err != nil {
		return err
	}
	b.sendMessage(chatID, fmt.Sprintf("Anomaly #%d resolved", id))
	return nil
}

func (b *Bot) handleSync(ctx context.Context, chatID int64, args []string) error {
	if len(args) != 2 {
		return domain.NewValidationError("args", "usage: /sync <unit> <channel>")
	}
	res, err := b.operator.ForceSync(ctx, args[0], models.Source(args[1]))
	if err != nil {
		return err
	}
	b.sendMessage(chatID, formatPass(res))
	return nil
}

func (b *Bot) handleBlock(ctx context.Context, chatID int64, args []string) error {
	if len(args) < 3 {
		return domain.NewValidationError("args", "usage: /block <unit> <start> <end> [note]")
	}
	r, err := models.ParseDateRange(args[1], args[2])
	if err != nil {
		return domain.NewValidationError("range", err.Error())
	}
	iv, err := b.operator.CreateBlock(ctx, service.BlockRequest{
		UnitID: args[0],
		Range:  r,
		Note:   strings.Join(args[3:], " "),
	})
	if err != nil {
		return err
	}
	b.sendMessage(chatID, fmt.Sprintf("Blocked %s %s as #%d (version %d)", iv.UnitID, iv.Range, iv.ID, iv.Version))
	return nil
}

func (b *Bot) handleUnblock(ctx context.Context, chatID int64, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return domain.NewValidationError("args", "usage: /unblock <id> [version]")
	}
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	var expected *int64
	if len(args) == 2 {
		v, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return domain.NewValidationError("version", "must be an integer")
		}
		expected = &v
	}
	iv, err := b.operator.RemoveBlock(ctx, id, expected)
	if err != nil {
		return err
	}
	b.sendMessage(chatID, fmt.Sprintf("Block #%d on %s %s removed", iv.ID, iv.UnitID, iv.Range))
	return nil
}

func (b *Bot) handleCalendar(ctx context.Context, chatID int64, args []string) error {
	if len(args) < 1 || len(args) > 3 {
		return domain.NewValidationError("args", "usage: /calendar <unit> [from] [to]")
	}
	start := models.TruncateDate(b.now())
	if len(args) > 1 {
		d, err := models.ParseDate(args[1])
		if err != nil {
			return domain.NewValidationError("from", err.Error())
		}
		start = d
	}
	end := start.AddDate(0, 0, calendarDays)
	if len(args) > 2 {
		d, err := models.ParseDate(args[2])
		if err != nil {
			return domain.NewValidationError("to", err.Error())
		}
		end = d
	}
	r := models.NewDateRange(start, end)
	if !r.Valid() {
		return domain.NewValidationError("range", "from must be before to")
	}

	view, err := b.projector.Project(ctx, args[0], r)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := service.WriteCalendarXLSX(&buf, []*service.CalendarView{view}); err != nil {
		return err
	}

	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{
		Name:  fmt.Sprintf("calendar_%s_%s_to_%s.xlsx", args[0], r.StartString(), r.EndString()),
		Bytes: buf.Bytes(),
	})
	doc.Caption = fmt.Sprintf("%s %s: %d entries, %d warnings", args[0], r, len(view.Entries), len(view.Warnings))
	if _, err := b.tg.Send(doc); err != nil {
		return fmt.Errorf("send calendar: %w", err)
	}
	return nil
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, domain.NewValidationError("id", "must be a positive integer")
	}
	return id, nil
}

func describeError(err error) string {
	var verr *domain.ValidationError
	var cerr *domain.ConflictError
	switch {
	case errors.As(err, &verr):
		return fmt.Sprintf("Invalid %s: %s", verr.Field, verr.Reason)
	case errors.As(err, &cerr):
		return "Conflict: " + cerr.Error()
	case errors.Is(err, domain.ErrNotFound):
		return "Not found: " + err.Error()
	case errors.Is(err, domain.ErrStaleVersion):
		return "Version changed, reload and retry"
	default:
		return "Failed: " + err.Error()
	}
}
