package dto

import (
	"fmt"
	"strconv"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/go-viper/mapstructure/v2"

	"github.com/wiquzix/notification-pipeline/errs"
)

// Notification is one of the typed event payloads the bot reacts to.
// The set is closed: ShareCreated, UserUpdated and SendMessage.
type Notification interface {
	Topic() Topic
	Validate() error
	isNotification()
}

// ShareData is the optional detail attached to a share_created event.
type ShareData struct {
	Birthday *string `json:"birthday,omitempty"`
}

// WithBirthday returns ShareData carrying the given birthday.
func WithBirthday(d Date) ShareData {
	s := d.String()
	return ShareData{Birthday: &s}
}

// ShareCreated is the share_created payload.
type ShareCreated struct {
	ShareID   string    `json:"share_id"`
	UserID    string    `json:"user_id"`
	Data      ShareData `json:"data"`
	EventType Topic     `json:"event_type,omitempty"`
}

func (ShareCreated) Topic() Topic    { return TopicShareCreated }
func (ShareCreated) isNotification() {}

// Validate checks the fields required to notify the share owner.
func (s ShareCreated) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.ShareID, validation.Required.Error("share_id is required")),
		validation.Field(&s.UserID, validation.Required.Error("user_id is required"), is.Int),
	)
}

// ChatID returns the owner's chat identifier.
func (s ShareCreated) ChatID() (int64, error) {
	return strconv.ParseInt(s.UserID, 10, 64)
}

// UserData is the optional detail attached to a user_updated event.
type UserData struct {
	Action string `json:"action,omitempty"`
}

// UserActionCreated marks a user_updated event for a newly created profile.
const UserActionCreated = "created"

// UserUpdated is the user_updated payload.
type UserUpdated struct {
	UserID    string   `json:"user_id"`
	Data      UserData `json:"data"`
	EventType Topic    `json:"event_type,omitempty"`
}

func (UserUpdated) Topic() Topic    { return TopicUserUpdated }
func (UserUpdated) isNotification() {}

// Validate checks the fields required to notify the user.
func (u UserUpdated) Validate() error {
	return validation.ValidateStruct(&u,
		validation.Field(&u.UserID, validation.Required.Error("user_id is required"), is.Int),
	)
}

// ChatID returns the user's chat identifier.
func (u UserUpdated) ChatID() (int64, error) {
	return strconv.ParseInt(u.UserID, 10, 64)
}

// WebAppInfo points an inline button at a mini app.
type WebAppInfo struct {
	URL string `json:"url"`
}

// InlineButton is one raw inline keyboard button as sent by the API.
// Which action it carries is decided when the message is composed.
type InlineButton struct {
	Text         string      `json:"text"`
	URL          string      `json:"url,omitempty"`
	CallbackData string      `json:"callback_data,omitempty"`
	WebApp       *WebAppInfo `json:"web_app,omitempty"`
}

// ReplyMarkup wraps the raw inline keyboard.
type ReplyMarkup struct {
	InlineKeyboard [][]InlineButton `json:"inline_keyboard"`
}

// MessageData is a chat message requested by the API.
type MessageData struct {
	ChatID                int64        `json:"chat_id"`
	Text                  string       `json:"text"`
	ParseMode             *string      `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool         `json:"disable_web_page_preview,omitempty"`
	DisableNotification   bool         `json:"disable_notification,omitempty"`
	ReplyToMessageID      *int64       `json:"reply_to_message_id,omitempty"`
	ReplyMarkup           *ReplyMarkup `json:"reply_markup,omitempty"`
}

// Validate checks the fields required to send the message.
func (m MessageData) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.ChatID, validation.Required.Error("chat_id is required")),
		validation.Field(&m.Text, validation.Required.Error("text is required")),
	)
}

// SendMessage is the send_message payload.
type SendMessage struct {
	MessageData *MessageData `json:"message_data"`
	Timestamp   string       `json:"timestamp,omitempty"`
	EventType   Topic        `json:"event_type,omitempty"`
}

func (SendMessage) Topic() Topic    { return TopicSendMessage }
func (SendMessage) isNotification() {}

// Validate checks that message_data is present and complete.
func (s SendMessage) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.MessageData, validation.Required.Error("message_data is required")),
	)
}

// DecodeNotification turns a loosely typed payload into the typed
// notification for topic. Undecodable payloads wrap errs.ErrMalformedEvent;
// payloads missing required fields wrap errs.ErrValidation.
func DecodeNotification(topic Topic, payload Payload) (Notification, error) {
	var (
		n   Notification
		err error
	)
	switch topic {
	case TopicShareCreated:
		var v ShareCreated
		err = decodePayload(payload, &v)
		n = v
	case TopicUserUpdated:
		var v UserUpdated
		err = decodePayload(payload, &v)
		n = v
	case TopicSendMessage:
		var v SendMessage
		err = decodePayload(payload, &v)
		n = v
	default:
		return nil, fmt.Errorf("%w: unknown topic %q", errs.ErrMalformedEvent, topic)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s payload: %w", errs.ErrMalformedEvent, topic, err)
	}
	if err := n.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", errs.ErrValidation, topic, err)
	}
	return n, nil
}

func decodePayload(payload Payload, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(map[string]interface{}(payload))
}
