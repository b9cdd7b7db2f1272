package kafka

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"

	"github.com/wiquzix/notification-pipeline/config"
	"github.com/wiquzix/notification-pipeline/dto"
	"github.com/wiquzix/notification-pipeline/errs"
	"github.com/wiquzix/notification-pipeline/logger"
)

// Message is one record received on a subscription. Its offset is committed
// only after Ack, so a message that was never acknowledged is redelivered.
type Message struct {
	Topic     string
	Key       string
	Value     []byte
	Headers   map[string]string
	Partition int32
	Offset    int64
	Timestamp time.Time

	ackOnce sync.Once
	acked   chan struct{}
}

// Ack marks the message handled. Calling it more than once has no effect.
func (m *Message) Ack() {
	m.ackOnce.Do(func() { close(m.acked) })
}

// NewMessage returns an unacknowledged message, for sources other than a
// consumer group.
func NewMessage(topic, key string, value []byte) *Message {
	return &Message{
		Topic:     topic,
		Key:       key,
		Value:     value,
		Headers:   map[string]string{},
		Timestamp: time.Now(),
		acked:     make(chan struct{}),
	}
}

// Acked reports whether Ack was called.
func (m *Message) Acked() bool {
	select {
	case <-m.acked:
		return true
	default:
		return false
	}
}

func newMessage(msg *sarama.ConsumerMessage) *Message {
	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		if h != nil {
			headers[string(h.Key)] = string(h.Value)
		}
	}
	return &Message{
		Topic:     msg.Topic,
		Key:       string(msg.Key),
		Value:     msg.Value,
		Headers:   headers,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Timestamp: msg.Timestamp,
		acked:     make(chan struct{}),
	}
}

// GroupSubscription turns a Sarama consumer group bound to one topic into a
// pull-style stream of messages. Messages are handed out one at a time; the
// next one is only fetched once the previous one is acknowledged.
type GroupSubscription struct {
	group  sarama.ConsumerGroup
	topic  string
	logger logger.Logger

	messages  chan *Message
	cancel    context.CancelFunc
	done      chan struct{}
	retryBase time.Duration

	closeOnce sync.Once
	closeErr  error
}

// Subscribe joins the topic's consumer group and starts consuming.
func Subscribe(cfg config.KafkaConfig, topic dto.Topic, log logger.Logger) (*GroupSubscription, error) {
	group, err := NewConsumerGroup(cfg, topic)
	if err != nil {
		return nil, err
	}
	log.Infof("Kafka subscription started | Topic: %s | Group: %s", topic, GroupID(cfg.ConsumerGroupPrefix, topic))
	return NewGroupSubscription(group, topic.String(), log), nil
}

// NewGroupSubscription starts consuming topic through group. Consume
// failures are retried until the subscription is closed.
func NewGroupSubscription(group sarama.ConsumerGroup, topic string, log logger.Logger) *GroupSubscription {
	return newGroupSubscription(group, topic, time.Second, log)
}

func newGroupSubscription(group sarama.ConsumerGroup, topic string, retryBase time.Duration, log logger.Logger) *GroupSubscription {
	ctx, cancel := context.WithCancel(context.Background())
	s := &GroupSubscription{
		group:     group,
		topic:     topic,
		logger:    log,
		messages:  make(chan *Message),
		cancel:    cancel,
		done:      make(chan struct{}),
		retryBase: retryBase,
	}
	go s.consume(ctx)
	go s.logErrors()
	return s
}

// Receive blocks until the next message arrives or ctx is done.
//
// Returns ctx.Err() on cancellation or errs.ErrClosed once the subscription
// is closed.
func (s *GroupSubscription) Receive(ctx context.Context) (*Message, error) {
	select {
	case msg := <-s.messages:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, errs.ErrClosed
	}
}

// Close leaves the consumer group and waits for the consume loop to exit.
// It is safe to call multiple times; subsequent calls return the first result.
func (s *GroupSubscription) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.closeErr = s.group.Close()
		<-s.done
		if s.closeErr != nil {
			s.logger.Errorf("Failed to close Kafka subscription | Topic: %s | Error: %v", s.topic, s.closeErr)
			return
		}
		s.logger.Infof("Kafka subscription closed | Topic: %s", s.topic)
	})
	return s.closeErr
}

// consume keeps the group session alive across rebalances and broker
// outages. It only returns once the subscription is closed.
func (s *GroupSubscription) consume(ctx context.Context) {
	defer close(s.done)

	handler := &claimHandler{messages: s.messages}
	retry := s.newBackOff()
	for {
		err := s.group.Consume(ctx, []string{s.topic}, handler)
		if ctx.Err() != nil || errors.Is(err, sarama.ErrClosedConsumerGroup) {
			return
		}
		if err == nil {
			retry.Reset()
			continue
		}

		wait := retry.NextBackOff()
		s.logger.Warnf("Kafka consume failed, retrying | Topic: %s | Retry in: %s | Error: %v", s.topic, wait, err)
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

func (s *GroupSubscription) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retryBase
	b.Multiplier = 2
	b.MaxInterval = 30 * s.retryBase
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (s *GroupSubscription) logErrors() {
	for err := range s.group.Errors() {
		s.logger.Warnf("Kafka consumer error | Topic: %s | Error: %v", s.topic, err)
	}
}

// claimHandler implements sarama.ConsumerGroupHandler.
type claimHandler struct {
	messages chan<- *Message
}

func (h *claimHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *claimHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim hands each message over and marks it once it is acknowledged.
// A session ending mid-message leaves it unmarked for redelivery.
func (h *claimHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case raw, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			msg := newMessage(raw)
			select {
			case h.messages <- msg:
			case <-session.Context().Done():
				return nil
			}
			select {
			case <-msg.acked:
				session.MarkMessage(raw, "")
			case <-session.Context().Done():
				return nil
			}
		case <-session.Context().Done():
			return nil
		}
	}
}
