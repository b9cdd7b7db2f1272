package dto

import (
	"errors"
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// ParseMode selects how the chat client renders message text.
type ParseMode string

const (
	// ParseModeNone sends text as-is.
	ParseModeNone ParseMode = ""
	// ParseModeHTML renders a subset of HTML tags.
	ParseModeHTML ParseMode = "HTML"
	// ParseModeMarkdown renders legacy Markdown.
	ParseModeMarkdown ParseMode = "Markdown"
	// ParseModeMarkdownV2 renders MarkdownV2.
	ParseModeMarkdownV2 ParseMode = "MarkdownV2"
)

// DefaultParseMode applies when a message does not name a parse mode.
const DefaultParseMode = ParseModeHTML

// ParseParseMode maps a requested parse mode name onto a known mode.
// Matching is case-insensitive; unknown names mean plain text.
func ParseParseMode(s string) ParseMode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "html":
		return ParseModeHTML
	case "markdown":
		return ParseModeMarkdown
	case "markdownv2":
		return ParseModeMarkdownV2
	default:
		return ParseModeNone
	}
}

// ButtonKind is the action an inline button triggers.
type ButtonKind int

const (
	// ButtonURL opens a link.
	ButtonURL ButtonKind = iota + 1
	// ButtonCallback sends callback data back to the bot.
	ButtonCallback
	// ButtonWebApp opens a mini app.
	ButtonWebApp
)

func (k ButtonKind) String() string {
	switch k {
	case ButtonURL:
		return "url"
	case ButtonCallback:
		return "callback"
	case ButtonWebApp:
		return "web_app"
	default:
		return fmt.Sprintf("ButtonKind(%d)", int(k))
	}
}

// Button is an inline keyboard button carrying exactly one action.
type Button struct {
	Label string
	Kind  ButtonKind
	Value string
}

// URLButton returns a button opening url.
func URLButton(label, url string) Button {
	return Button{Label: label, Kind: ButtonURL, Value: url}
}

// CallbackButton returns a button sending token back to the bot.
func CallbackButton(label, token string) Button {
	return Button{Label: label, Kind: ButtonCallback, Value: token}
}

// WebAppButton returns a button opening the mini app at url.
func WebAppButton(label, url string) Button {
	return Button{Label: label, Kind: ButtonWebApp, Value: url}
}

// Validate checks the label and that the action is one known kind with a value.
func (b Button) Validate() error {
	return validation.ValidateStruct(&b,
		validation.Field(&b.Label, validation.Required),
		validation.Field(&b.Kind, validation.Required, validation.In(ButtonURL, ButtonCallback, ButtonWebApp)),
		validation.Field(&b.Value, validation.Required),
	)
}

// OutboundMessage is one chat message ready to hand to the send capability.
// It is built per received event and never persisted.
type OutboundMessage struct {
	ChatID                int64
	Text                  string
	ParseMode             ParseMode
	DisableWebPagePreview bool
	DisableNotification   bool
	ReplyToMessageID      *int64
	Keyboard              [][]Button
}

var errEmptyKeyboardRow = errors.New("keyboard rows must not be empty")

// Validate checks the message invariants: a chat, non-empty text, and a
// keyboard that, when present, has at least one row and no empty rows.
func (m OutboundMessage) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.ChatID, validation.Required),
		validation.Field(&m.Text, validation.Required),
		validation.Field(&m.Keyboard, validation.By(nonEmptyRows), validation.Each()),
	)
}

func nonEmptyRows(value interface{}) error {
	rows, _ := value.([][]Button)
	if rows == nil {
		return nil
	}
	if len(rows) == 0 {
		return errEmptyKeyboardRow
	}
	for _, row := range rows {
		if len(row) == 0 {
			return errEmptyKeyboardRow
		}
	}
	return nil
}
