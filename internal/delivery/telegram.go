package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"bronisync/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramAPI is the subset of tgbotapi.BotAPI the sink needs.
type TelegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramSink posts a short booking summary to a chat addressed as
// telegram:<chat_id>.
type TelegramSink struct {
	bot TelegramAPI
}

func NewTelegramSink(bot TelegramAPI) *TelegramSink {
	return &TelegramSink{bot: bot}
}

func (s *TelegramSink) Send(ctx context.Context, endpoint string, payload []byte) models.DeliveryResult {
	chatID, err := strconv.ParseInt(strings.TrimPrefix(endpoint, telegramPrefix), 10, 64)
	if err != nil {
		return models.DeliveryErr(models.ErrCorrupt, "bad telegram chat id in %q", endpoint)
	}

	var booking models.Booking
	if err := json.Unmarshal(payload, &booking); err != nil {
		return models.DeliveryErr(models.ErrCorrupt, "decode booking: %v", err)
	}
	if err := ctx.Err(); err != nil {
		return models.DeliveryErr(models.ErrTransient, "%v", err)
	}

	msg := tgbotapi.NewMessage(chatID, formatBookingMessage(&booking))
	if _, err := s.bot.Send(msg); err != nil {
		return classifyTelegramError(err)
	}
	return models.Delivered()
}

func classifyTelegramError(err error) models.DeliveryResult {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 429 || apiErr.Code >= 500:
			return models.DeliveryErr(models.ErrTransient, "telegram %d: %s", apiErr.Code, apiErr.Message)
		case apiErr.Code == 401 || apiErr.Code == 403 || apiErr.Code == 400:
			return models.DeliveryErr(models.ErrPrecondition, "telegram %d: %s", apiErr.Code, apiErr.Message)
		}
	}
	return models.DeliveryErr(models.ErrTransient, "telegram: %v", err)
}

func formatBookingMessage(b *models.Booking) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Бронирование %s: %s\n", b.ExternalID, b.Status)
	if b.ItemName != "" {
		fmt.Fprintf(&sb, "Позиция: %s\n", b.ItemName)
	}
	if b.Customer != "" {
		fmt.Fprintf(&sb, "Клиент: %s\n", b.Customer)
	}
	if !b.Date.IsZero() {
		fmt.Fprintf(&sb, "Дата: %s\n", b.Date.Format("02.01.2006"))
	}
	return strings.TrimRight(sb.String(), "\n")
}
