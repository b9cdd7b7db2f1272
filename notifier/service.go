package notifier

import (
	"context"
	"errors"
	"fmt"

	"github.com/wiquzix/notification-pipeline/consumer"
	"github.com/wiquzix/notification-pipeline/dto"
	"github.com/wiquzix/notification-pipeline/errs"
	"github.com/wiquzix/notification-pipeline/logger"
	"github.com/wiquzix/notification-pipeline/metrics"
)

// SentCounter is the registry counter bumped for every delivered notification.
const SentCounter = "notifications_sent"

// Sender delivers one message to the chat service.
type Sender interface {
	Send(ctx context.Context, msg dto.OutboundMessage) error
}

// Counters records delivered notifications. Counting is best-effort.
type Counters interface {
	Increment(ctx context.Context, name string, amount int64) int64
}

// Service decodes an event, composes its message and sends it.
type Service struct {
	composer *Composer
	sender   Sender
	counters Counters
	logger   logger.Logger
}

// NewService returns a Service. counters may be nil.
func NewService(composer *Composer, sender Sender, counters Counters, log logger.Logger) *Service {
	return &Service{
		composer: composer,
		sender:   sender,
		counters: counters,
		logger:   log,
	}
}

// Handlers returns the dispatcher handler of every topic.
func (s *Service) Handlers() map[dto.Topic]consumer.Handler {
	handlers := make(map[dto.Topic]consumer.Handler, len(dto.Topics()))
	for _, topic := range dto.Topics() {
		topic := topic
		handlers[topic] = func(ctx context.Context, payload dto.Payload) error {
			return s.Handle(ctx, topic, payload)
		}
	}
	return handlers
}

// Handle processes one event. Payloads that cannot become a message are
// logged and dropped without error; a failed send is returned and not retried.
func (s *Service) Handle(ctx context.Context, topic dto.Topic, payload dto.Payload) error {
	n, err := dto.DecodeNotification(topic, payload)
	if err == nil {
		var msg dto.OutboundMessage
		if msg, err = s.composer.Compose(n); err == nil {
			return s.send(ctx, topic, msg)
		}
	}

	if errors.Is(err, errs.ErrMalformedEvent) || errors.Is(err, errs.ErrValidation) {
		s.logger.Errorf("Dropping event | Topic: %s | Error: %v", topic, err)
		metrics.MessagesDroppedTotal.WithLabelValues(topic.String(), metrics.ReasonInvalid).Inc()
		return nil
	}
	return err
}

func (s *Service) send(ctx context.Context, topic dto.Topic, msg dto.OutboundMessage) error {
	if err := s.sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("send %s notification to chat %d: %w", topic, msg.ChatID, err)
	}

	s.logger.Infof("Notification sent | Topic: %s | Chat: %d", topic, msg.ChatID)
	metrics.NotificationsSentTotal.WithLabelValues(topic.String()).Inc()
	// The message is out; shutdown must not lose its count.
	if s.counters != nil {
		s.counters.Increment(context.WithoutCancel(ctx), SentCounter, 1)
	}
	return nil
}
