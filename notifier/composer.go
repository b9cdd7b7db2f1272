// Package notifier turns decoded bus events into chat messages and hands
// them to the chat sender.
package notifier

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/wiquzix/notification-pipeline/dto"
	"github.com/wiquzix/notification-pipeline/errs"
	"github.com/wiquzix/notification-pipeline/logger"
)

// Message templates
const (
	shareCreatedTitle = "🔄 Your share with ID %s was created successfully!\n\nShare details:\n"
	shareBirthdayLine = "📅 Birthday: %s\n"
	shareCreatedAt    = "\nCreated at: %s"
	userCreatedText   = "👋 Welcome! Your profile was created successfully."
	userUpdatedText   = "✅ Your profile was updated successfully."

	createdAtLayout = "2006-01-02 15:04:05"
)

// Composer builds outbound messages. It performs no I/O, and composing the
// same event twice at the same instant yields equal messages.
type Composer struct {
	now    func() time.Time
	logger logger.Logger
}

// NewComposer returns a Composer stamping messages with the wall clock.
func NewComposer(log logger.Logger) *Composer {
	return NewComposerWithClock(time.Now, log)
}

// NewComposerWithClock returns a Composer stamping messages with now.
func NewComposerWithClock(now func() time.Time, log logger.Logger) *Composer {
	return &Composer{now: now, logger: log}
}

// Compose builds the message for n. Events missing required fields, or that
// would produce an invalid message, return an error wrapping errs.ErrValidation.
func (c *Composer) Compose(n dto.Notification) (dto.OutboundMessage, error) {
	if err := n.Validate(); err != nil {
		return dto.OutboundMessage{}, fmt.Errorf("%w: %s: %w", errs.ErrValidation, n.Topic(), err)
	}

	var (
		msg dto.OutboundMessage
		err error
	)
	switch v := n.(type) {
	case dto.ShareCreated:
		msg, err = c.shareCreated(v)
	case dto.UserUpdated:
		msg, err = c.userUpdated(v)
	case dto.SendMessage:
		msg = c.sendMessage(*v.MessageData)
	default:
		return dto.OutboundMessage{}, fmt.Errorf("%w: unsupported notification %T", errs.ErrValidation, n)
	}
	if err != nil {
		return dto.OutboundMessage{}, fmt.Errorf("%w: %s: %w", errs.ErrValidation, n.Topic(), err)
	}

	if err := msg.Validate(); err != nil {
		return dto.OutboundMessage{}, fmt.Errorf("%w: %s: %w", errs.ErrValidation, n.Topic(), err)
	}
	return msg, nil
}

func (c *Composer) shareCreated(share dto.ShareCreated) (dto.OutboundMessage, error) {
	chatID, err := share.ChatID()
	if err != nil {
		return dto.OutboundMessage{}, fmt.Errorf("user_id is not a chat id: %w", err)
	}

	var text strings.Builder
	fmt.Fprintf(&text, shareCreatedTitle, html.EscapeString(share.ShareID))
	if share.Data.Birthday != nil {
		fmt.Fprintf(&text, shareBirthdayLine, html.EscapeString(*share.Data.Birthday))
	}
	fmt.Fprintf(&text, shareCreatedAt, c.now().Format(createdAtLayout))

	return dto.OutboundMessage{
		ChatID:    chatID,
		Text:      text.String(),
		ParseMode: dto.ParseModeHTML,
	}, nil
}

func (c *Composer) userUpdated(user dto.UserUpdated) (dto.OutboundMessage, error) {
	chatID, err := user.ChatID()
	if err != nil {
		return dto.OutboundMessage{}, fmt.Errorf("user_id is not a chat id: %w", err)
	}

	text := userUpdatedText
	if user.Data.Action == dto.UserActionCreated {
		text = userCreatedText
	}
	return dto.OutboundMessage{ChatID: chatID, Text: text}, nil
}

func (c *Composer) sendMessage(data dto.MessageData) dto.OutboundMessage {
	parseMode := dto.DefaultParseMode
	if data.ParseMode != nil {
		parseMode = dto.ParseParseMode(*data.ParseMode)
	}

	msg := dto.OutboundMessage{
		ChatID:                data.ChatID,
		Text:                  data.Text,
		ParseMode:             parseMode,
		DisableWebPagePreview: data.DisableWebPagePreview,
		DisableNotification:   data.DisableNotification,
	}
	if data.ReplyToMessageID != nil {
		replyTo := *data.ReplyToMessageID
		msg.ReplyToMessageID = &replyTo
	}
	if data.ReplyMarkup != nil {
		msg.Keyboard = c.keyboard(data.ChatID, data.ReplyMarkup.InlineKeyboard)
	}
	return msg
}

// keyboard keeps the buttons that carry a recognizable action, dropping
// rows left empty. It returns nil when no row survives.
func (c *Composer) keyboard(chatID int64, rows [][]dto.InlineButton) [][]dto.Button {
	var keyboard [][]dto.Button
	for i, row := range rows {
		var buttons []dto.Button
		for j, raw := range row {
			button, ok := toButton(raw)
			if !ok {
				c.logger.Warnf("Skipping inline button without a usable action | Chat: %d | Row: %d | Button: %d", chatID, i, j)
				continue
			}
			buttons = append(buttons, button)
		}
		if len(buttons) > 0 {
			keyboard = append(keyboard, buttons)
		}
	}
	return keyboard
}

// toButton picks the button's action by priority: url, then callback data,
// then mini app.
func toButton(raw dto.InlineButton) (dto.Button, bool) {
	if raw.Text == "" {
		return dto.Button{}, false
	}
	switch {
	case raw.URL != "":
		return dto.URLButton(raw.Text, raw.URL), true
	case raw.CallbackData != "":
		return dto.CallbackButton(raw.Text, raw.CallbackData), true
	case raw.WebApp != nil && raw.WebApp.URL != "":
		return dto.WebAppButton(raw.Text, raw.WebApp.URL), true
	default:
		return dto.Button{}, false
	}
}
