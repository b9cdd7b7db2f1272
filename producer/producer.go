// Package producer provides the event bus client the API side uses to publish
// business events to Kafka with synchronous delivery confirmation.
package producer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/goccy/go-json"

	"github.com/wiquzix/notification-pipeline/config"
	"github.com/wiquzix/notification-pipeline/dto"
	"github.com/wiquzix/notification-pipeline/errs"
	"github.com/wiquzix/notification-pipeline/kafka"
	"github.com/wiquzix/notification-pipeline/logger"
	"github.com/wiquzix/notification-pipeline/metrics"
)

// Factory builds the underlying Sarama producer.
type Factory func() (sarama.SyncProducer, error)

// Counters records a publish per topic. Failures must not be reported:
// counting is best-effort.
type Counters interface {
	Increment(ctx context.Context, name string, amount int64) int64
}

// EventProducer publishes events to the bus. The Kafka connection is opened
// on the first publish and shared by all callers; Close releases it once.
type EventProducer struct {
	newProducer Factory
	counters    Counters
	logger      logger.Logger
	timeout     time.Duration

	mu       sync.RWMutex
	producer sarama.SyncProducer
	closed   bool
}

// NewEventProducer returns an EventProducer connecting with the Kafka
// configuration. counters may be nil.
func NewEventProducer(cfg config.KafkaConfig, counters Counters, log logger.Logger) *EventProducer {
	return NewEventProducerWithFactory(func() (sarama.SyncProducer, error) {
		return kafka.NewSyncProducer(cfg)
	}, cfg.PublishTimeout, counters, log)
}

// NewEventProducerWithFactory returns an EventProducer built on newProducer.
// A timeout <= 0 means 30 seconds.
func NewEventProducerWithFactory(newProducer Factory, timeout time.Duration, counters Counters, log logger.Logger) *EventProducer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &EventProducer{
		newProducer: newProducer,
		counters:    counters,
		logger:      log,
		timeout:     timeout,
	}
}

// Publish sends payload to topic and waits for the broker to confirm it.
// Events sharing a non-empty partitionKey keep their relative order.
//
// Transport failures wrap errs.ErrTransientInfra and are not retried here.
// After Close, Publish fails with errs.ErrClosed.
func (p *EventProducer) Publish(ctx context.Context, topic dto.Topic, payload interface{}, partitionKey string) error {
	if !topic.IsValid() {
		return fmt.Errorf("unknown topic %q", topic)
	}

	event, err := dto.NewEvent(topic, partitionKey, payload)
	if err != nil {
		return fmt.Errorf("failed to create event: %w", err)
	}

	if err := p.start(); err != nil {
		return err
	}

	kafkaMsg := &sarama.ProducerMessage{
		Topic:     topic.String(),
		Value:     sarama.ByteEncoder(event.Payload),
		Timestamp: event.ProducedAt,
		Headers: []sarama.RecordHeader{
			{Key: []byte("message_id"), Value: []byte(event.ID)},
			{Key: []byte("type"), Value: []byte(topic)},
			{Key: []byte("timestamp"), Value: []byte(event.ProducedAt.Format(time.RFC3339))},
		},
	}
	if partitionKey != "" {
		kafkaMsg.Key = sarama.StringEncoder(partitionKey)
	}

	if err := p.produceAndWait(ctx, kafkaMsg, event.ID, topic); err != nil {
		metrics.EventsPublishFailedTotal.WithLabelValues(topic.String()).Inc()
		return err
	}

	metrics.EventsPublishedTotal.WithLabelValues(topic.String()).Inc()
	if p.counters != nil {
		p.counters.Increment(context.WithoutCancel(ctx), topic.CounterName(), 1)
	}
	return nil
}

// PublishJSON is Publish for a body that is already JSON encoded.
func (p *EventProducer) PublishJSON(ctx context.Context, topic dto.Topic, body []byte, partitionKey string) error {
	if !json.Valid(body) {
		return fmt.Errorf("%w: body is not valid JSON", errs.ErrMalformedEvent)
	}
	return p.Publish(ctx, topic, json.RawMessage(body), partitionKey)
}

// Close flushes and closes the Kafka producer. It is safe to call multiple
// times; subsequent calls have no effect.
func (p *EventProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	if p.producer == nil {
		return nil
	}

	err := p.producer.Close()
	p.producer = nil
	if err != nil {
		p.logger.Errorf("Failed to close Kafka producer: %v", err)
		return fmt.Errorf("failed to close Kafka producer: %w", err)
	}
	p.logger.Infof("Kafka producer closed successfully")
	return nil
}

// start opens the Kafka producer on first use. Concurrent first callers
// wait on the lock and share the one producer it creates.
func (p *EventProducer) start() error {
	p.mu.RLock()
	ready, closed := p.producer != nil, p.closed
	p.mu.RUnlock()
	if closed {
		return errs.ErrClosed
	}
	if ready {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errs.ErrClosed
	}
	if p.producer != nil {
		return nil
	}

	producer, err := p.newProducer()
	if err != nil {
		p.logger.Errorf("Failed to initialize Kafka producer: %v", err)
		return fmt.Errorf("%w: %w", errs.ErrTransientInfra, err)
	}
	p.producer = producer
	p.logger.Infof("Kafka producer started")
	return nil
}

// produceAndWait sends the Kafka message but waits for delivery confirmation
// no longer than ctx and the publish timeout allow.
func (p *EventProducer) produceAndWait(ctx context.Context, kafkaMsg *sarama.ProducerMessage, messageID string, topic dto.Topic) error {
	done := make(chan error, 1)

	go func() {
		partition, offset, err := p.safeSendMessage(kafkaMsg)
		if err != nil {
			done <- err
			return
		}
		p.logger.Infof("Event published successfully | ID: %s | Topic: %s | Partition: %d | Offset: %d", messageID, topic, partition, offset)
		done <- nil
	}()

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err == nil || errors.Is(err, errs.ErrClosed) {
			return err
		}
		p.logger.Errorf("Failed to publish event | ID: %s | Topic: %s | Error: %v", messageID, topic, err)
		return fmt.Errorf("%w: failed to produce message: %w", errs.ErrTransientInfra, err)
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		p.logger.Errorf("Timed out waiting for delivery | ID: %s | Topic: %s", messageID, topic)
		return fmt.Errorf("%w: timeout while waiting for message delivery", errs.ErrTransientInfra)
	}
}

// safeSendMessage sends under the read lock so Close waits for in-flight
// sends instead of closing the producer underneath them.
func (p *EventProducer) safeSendMessage(msg *sarama.ProducerMessage) (int32, int64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed || p.producer == nil {
		return 0, 0, errs.ErrClosed
	}
	return p.producer.SendMessage(msg)
}
