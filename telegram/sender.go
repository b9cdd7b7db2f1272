// Package telegram delivers outbound messages through the Telegram Bot API.
package telegram

import (
	"context"
	"fmt"

	"github.com/mymmrac/telego"

	"github.com/wiquzix/notification-pipeline/config"
	"github.com/wiquzix/notification-pipeline/dto"
	"github.com/wiquzix/notification-pipeline/errs"
	"github.com/wiquzix/notification-pipeline/logger"
)

// messageSender is the part of *telego.Bot the sender uses.
type messageSender interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
}

// Sender sends messages as the configured bot. Failed sends are not retried.
type Sender struct {
	bot    messageSender
	logger logger.Logger
}

// NewSender creates a bot client from the Telegram configuration.
func NewSender(cfg config.TelegramConfig, log logger.Logger) (*Sender, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("Telegram bot token not configured")
	}
	bot, err := telego.NewBot(cfg.BotToken, telego.WithDiscardLogger())
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	log.Infof("Telegram sender initialized | Bot: %s", cfg.BotName)
	return &Sender{bot: bot, logger: log}, nil
}

// Send delivers msg. Failures wrap errs.ErrTransientInfra.
func (s *Sender) Send(ctx context.Context, msg dto.OutboundMessage) error {
	sent, err := s.bot.SendMessage(ctx, toSendParams(msg))
	if err != nil {
		s.logger.Errorf("Failed to send Telegram message | Chat: %d | Error: %v", msg.ChatID, err)
		return fmt.Errorf("%w: telegram send: %w", errs.ErrTransientInfra, err)
	}
	s.logger.Debugf("Telegram message sent | Chat: %d | Message: %d", msg.ChatID, sent.MessageID)
	return nil
}

func toSendParams(msg dto.OutboundMessage) *telego.SendMessageParams {
	params := &telego.SendMessageParams{
		ChatID:              telego.ChatID{ID: msg.ChatID},
		Text:                msg.Text,
		ParseMode:           string(msg.ParseMode),
		DisableNotification: msg.DisableNotification,
	}
	if msg.DisableWebPagePreview {
		params.LinkPreviewOptions = &telego.LinkPreviewOptions{IsDisabled: true}
	}
	if msg.ReplyToMessageID != nil {
		params.ReplyParameters = &telego.ReplyParameters{MessageID: int(*msg.ReplyToMessageID)}
	}
	if len(msg.Keyboard) > 0 {
		params.ReplyMarkup = toInlineKeyboard(msg.Keyboard)
	}
	return params
}

func toInlineKeyboard(rows [][]dto.Button) *telego.InlineKeyboardMarkup {
	keyboard := make([][]telego.InlineKeyboardButton, 0, len(rows))
	for _, row := range rows {
		buttons := make([]telego.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			button := telego.InlineKeyboardButton{Text: b.Label}
			switch b.Kind {
			case dto.ButtonURL:
				button.URL = b.Value
			case dto.ButtonCallback:
				button.CallbackData = b.Value
			case dto.ButtonWebApp:
				button.WebApp = &telego.WebAppInfo{URL: b.Value}
			}
			buttons = append(buttons, button)
		}
		keyboard = append(keyboard, buttons)
	}
	return &telego.InlineKeyboardMarkup{InlineKeyboard: keyboard}
}
