package notifier

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/wiquzix/notification-pipeline/dto"
	"github.com/wiquzix/notification-pipeline/errs"
	"github.com/wiquzix/notification-pipeline/logger"
)

var fixedNow = time.Date(2024, time.May, 1, 12, 30, 45, 0, time.UTC)

func newTestComposer() *Composer {
	return NewComposerWithClock(func() time.Time { return fixedNow }, logger.Nop())
}

func decode(t *testing.T, topic dto.Topic, payload dto.Payload) dto.Notification {
	t.Helper()

	n, err := dto.DecodeNotification(topic, payload)
	if err != nil {
		t.Fatalf("DecodeNotification() error = %v", err)
	}
	return n
}

func TestComposeShareCreated(t *testing.T) {
	t.Parallel()

	c := newTestComposer()
	n := decode(t, dto.TopicShareCreated, dto.Payload{
		"share_id": "s-1",
		"user_id":  "42",
		"data":     map[string]interface{}{"birthday": "2020-01-01"},
	})

	first, err := c.Compose(n)
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}
	if first.ChatID != 42 || first.ParseMode != dto.ParseModeHTML || first.Keyboard != nil {
		t.Errorf("message = %+v", first)
	}
	for _, want := range []string{"s-1", "📅 Birthday: 2020-01-01", "Created at: 2024-05-01 12:30:45"} {
		if !strings.Contains(first.Text, want) {
			t.Errorf("text %q missing %q", first.Text, want)
		}
	}

	// Duplicate delivery composes the same message.
	second, err := c.Compose(decode(t, dto.TopicShareCreated, dto.Payload{
		"share_id": "s-1",
		"user_id":  "42",
		"data":     map[string]interface{}{"birthday": "2020-01-01"},
	}))
	if err != nil {
		t.Fatalf("second Compose() error = %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("duplicate delivery composed %+v, want %+v", second, first)
	}
}

func TestComposeShareCreatedWithoutBirthday(t *testing.T) {
	t.Parallel()

	msg, err := newTestComposer().Compose(dto.ShareCreated{ShareID: "<b>x</b>", UserID: "1"})
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}
	if strings.Contains(msg.Text, "Birthday") {
		t.Errorf("text %q should not mention a birthday", msg.Text)
	}
	if !strings.Contains(msg.Text, "&lt;b&gt;x&lt;/b&gt;") {
		t.Errorf("share id not escaped: %q", msg.Text)
	}
}

func TestComposeUserUpdated(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		action string
		want   string
	}{
		{name: "created", action: "created", want: userCreatedText},
		{name: "updated", action: "updated", want: userUpdatedText},
		{name: "missing action", action: "", want: userUpdatedText},
		{name: "other action", action: "Created", want: userUpdatedText},
	}

	c := newTestComposer()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			msg, err := c.Compose(dto.UserUpdated{UserID: "7", Data: dto.UserData{Action: tt.action}})
			if err != nil {
				t.Fatalf("Compose() error = %v", err)
			}
			if msg.Text != tt.want || msg.ChatID != 7 || msg.ParseMode != dto.ParseModeNone {
				t.Errorf("message = %+v", msg)
			}
		})
	}
}

func TestComposeSendMessageDefaults(t *testing.T) {
	t.Parallel()

	msg, err := newTestComposer().Compose(decode(t, dto.TopicSendMessage, dto.Payload{
		"message_data": map[string]interface{}{"chat_id": 100, "text": "hello"},
	}))
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}
	want := dto.OutboundMessage{ChatID: 100, Text: "hello", ParseMode: dto.ParseModeHTML}
	if !reflect.DeepEqual(msg, want) {
		t.Errorf("Compose() = %+v, want %+v", msg, want)
	}
}

func TestComposeSendMessageOptions(t *testing.T) {
	t.Parallel()

	msg, err := newTestComposer().Compose(decode(t, dto.TopicSendMessage, dto.Payload{
		"message_data": map[string]interface{}{
			"chat_id":                  100,
			"text":                     "*hi*",
			"parse_mode":               "markdownv2",
			"disable_web_page_preview": true,
			"disable_notification":     true,
			"reply_to_message_id":      55,
		},
	}))
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}
	if msg.ParseMode != dto.ParseModeMarkdownV2 || !msg.DisableWebPagePreview || !msg.DisableNotification {
		t.Errorf("message = %+v", msg)
	}
	if msg.ReplyToMessageID == nil || *msg.ReplyToMessageID != 55 {
		t.Errorf("ReplyToMessageID = %v, want 55", msg.ReplyToMessageID)
	}
}

func TestComposeKeyboard(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		rows []interface{}
		want [][]dto.Button
	}{
		{
			name: "invalid button dropped from its row",
			rows: []interface{}{
				[]interface{}{
					map[string]interface{}{"text": "Open", "url": "https://x"},
					map[string]interface{}{"text": "Nothing", "callback_data": ""},
				},
			},
			want: [][]dto.Button{{dto.URLButton("Open", "https://x")}},
		},
		{
			name: "action priority",
			rows: []interface{}{
				[]interface{}{
					map[string]interface{}{"text": "a", "url": "https://a", "callback_data": "cb"},
					map[string]interface{}{"text": "b", "callback_data": "cb", "web_app": map[string]interface{}{"url": "https://app"}},
					map[string]interface{}{"text": "c", "url": "", "web_app": map[string]interface{}{"url": "https://app"}},
				},
			},
			want: [][]dto.Button{{
				dto.URLButton("a", "https://a"),
				dto.CallbackButton("b", "cb"),
				dto.WebAppButton("c", "https://app"),
			}},
		},
		{
			name: "empty rows omitted",
			rows: []interface{}{
				[]interface{}{map[string]interface{}{"text": "x"}},
				[]interface{}{map[string]interface{}{"text": "y", "callback_data": "go"}},
				[]interface{}{},
			},
			want: [][]dto.Button{{dto.CallbackButton("y", "go")}},
		},
		{
			name: "no usable rows omits the keyboard",
			rows: []interface{}{
				[]interface{}{map[string]interface{}{"text": "x", "web_app": map[string]interface{}{"url": ""}}},
				[]interface{}{map[string]interface{}{"url": "https://no-label"}},
			},
			want: nil,
		},
	}

	c := newTestComposer()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			msg, err := c.Compose(decode(t, dto.TopicSendMessage, dto.Payload{
				"message_data": map[string]interface{}{
					"chat_id":      1,
					"text":         "pick",
					"reply_markup": map[string]interface{}{"inline_keyboard": tt.rows},
				},
			}))
			if err != nil {
				t.Fatalf("Compose() error = %v", err)
			}
			if !reflect.DeepEqual(msg.Keyboard, tt.want) {
				t.Errorf("Keyboard = %+v, want %+v", msg.Keyboard, tt.want)
			}
		})
	}
}

func TestComposeRejectsIncompleteEvents(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		n    dto.Notification
	}{
		{name: "share without user", n: dto.ShareCreated{ShareID: "s"}},
		{name: "share with non numeric user", n: dto.ShareCreated{ShareID: "s", UserID: "abc"}},
		{name: "user without id", n: dto.UserUpdated{}},
		{name: "send without message data", n: dto.SendMessage{}},
		{name: "send without text", n: dto.SendMessage{MessageData: &dto.MessageData{ChatID: 1}}},
	}

	c := newTestComposer()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if _, err := c.Compose(tt.n); !errors.Is(err, errs.ErrValidation) {
				t.Errorf("Compose() error = %v, want ErrValidation", err)
			}
		})
	}
}
