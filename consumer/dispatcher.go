// Package consumer runs one receive loop per topic and routes each decoded
// message to the topic's handler.
//
// Delivery is at-least-once: a message is acknowledged after its handler
// returns, so handlers must tolerate seeing the same event twice. Messages
// that are not JSON objects are dropped, and handler errors or panics are
// logged; neither stops the loop.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/hashicorp/go-multierror"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/wiquzix/notification-pipeline/config"
	"github.com/wiquzix/notification-pipeline/dto"
	"github.com/wiquzix/notification-pipeline/kafka"
	"github.com/wiquzix/notification-pipeline/logger"
	"github.com/wiquzix/notification-pipeline/metrics"
)

// Subscription is a pull-style stream of one topic's messages.
type Subscription interface {
	// Receive blocks for the next message. It returns ctx.Err() once ctx is done.
	Receive(ctx context.Context) (*kafka.Message, error)
	Close() error
}

// SubscribeFunc opens the subscription of one topic.
type SubscribeFunc func(topic dto.Topic) (Subscription, error)

// Handler processes one decoded message payload.
type Handler func(ctx context.Context, payload dto.Payload) error

// KafkaSubscriber opens consumer-group subscriptions with cfg.
func KafkaSubscriber(cfg config.KafkaConfig, log logger.Logger) SubscribeFunc {
	return func(topic dto.Topic) (Subscription, error) {
		sub, err := kafka.Subscribe(cfg, topic, log)
		if err != nil {
			return nil, err
		}
		return sub, nil
	}
}

// Dispatcher owns the receive loops and their subscriptions.
type Dispatcher struct {
	subscribe SubscribeFunc
	handlers  map[dto.Topic]Handler
	grace     time.Duration
	logger    logger.Logger

	mu      sync.Mutex
	states  map[dto.Topic]State
	subs    map[dto.Topic]Subscription
	cancel  context.CancelFunc
	loops   conc.WaitGroup
	started bool

	stopOnce sync.Once
	stopErr  error
}

// NewDispatcher returns a Dispatcher consuming every topic that has a handler.
// Stop waits up to grace for the loops before closing their subscriptions.
func NewDispatcher(subscribe SubscribeFunc, handlers map[dto.Topic]Handler, grace time.Duration, log logger.Logger) *Dispatcher {
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return &Dispatcher{
		subscribe: subscribe,
		handlers:  handlers,
		grace:     grace,
		logger:    log,
		states:    make(map[dto.Topic]State),
		subs:      make(map[dto.Topic]Subscription),
	}
}

// Start subscribes to each handled topic and starts its receive loop.
// A topic whose subscription fails is marked failed while the others keep
// running; Start only returns an error when no topic could be subscribed.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return fmt.Errorf("dispatcher already started")
	}
	d.started = true

	topics := d.topics()
	if len(topics) == 0 {
		return fmt.Errorf("no topic handlers registered")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	var result *multierror.Error
	for _, topic := range topics {
		d.states[topic] = StateStarting
		sub, err := d.subscribe(topic)
		if err != nil {
			d.states[topic] = StateFailed
			d.logger.Errorf("Failed to subscribe | Topic: %s | Error: %v", topic, err)
			result = multierror.Append(result, fmt.Errorf("subscribe %s: %w", topic, err))
			continue
		}
		d.subs[topic] = sub
		d.states[topic] = StateRunning

		topic := topic
		d.loops.Go(func() { d.receiveLoop(loopCtx, topic, sub) })
		d.logger.Infof("Consumer started | Topic: %s", topic)
	}

	if len(d.subs) == 0 {
		cancel()
		return result.ErrorOrNil()
	}
	return nil
}

// Stop cancels every receive loop, waits up to the grace period for them to
// finish, closes each subscription exactly once and waits for the loops to
// exit. It is safe to call multiple times; subsequent calls return the
// first result.
func (d *Dispatcher) Stop() error {
	d.stopOnce.Do(func() {
		d.stopErr = d.stop()
	})
	return d.stopErr
}

func (d *Dispatcher) stop() error {
	d.mu.Lock()
	cancel := d.cancel
	subs := make(map[dto.Topic]Subscription, len(d.subs))
	for topic, sub := range d.subs {
		subs[topic] = sub
	}
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	loopsDone := make(chan *panics.Recovered, 1)
	go func() { loopsDone <- d.loops.WaitAndRecover() }()

	var result *multierror.Error
	waited := false
	select {
	case r := <-loopsDone:
		waited = true
		if r != nil {
			result = multierror.Append(result, r.AsError())
		}
	case <-time.After(d.grace):
		d.logger.Warnf("Receive loops still busy after grace period, closing subscriptions | Grace: %s", d.grace)
	}

	for _, topic := range dto.Topics() {
		sub, ok := subs[topic]
		if !ok {
			continue
		}
		if err := sub.Close(); err != nil {
			d.logger.Errorf("Failed to close subscription | Topic: %s | Error: %v", topic, err)
			result = multierror.Append(result, fmt.Errorf("close %s: %w", topic, err))
		}
	}

	if !waited {
		select {
		case r := <-loopsDone:
			if r != nil {
				result = multierror.Append(result, r.AsError())
			}
		case <-time.After(d.grace):
			d.logger.Errorf("Receive loops did not exit after their subscriptions closed")
			result = multierror.Append(result, errors.New("receive loops did not exit"))
		}
	}

	d.mu.Lock()
	for topic := range d.states {
		d.states[topic] = StateStopped
	}
	d.mu.Unlock()

	d.logger.Infof("Consumers stopped")
	return result.ErrorOrNil()
}

// Run starts the dispatcher, blocks until ctx is done and stops it.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return d.Stop()
}

// States returns a snapshot of each topic's loop state.
func (d *Dispatcher) States() map[dto.Topic]State {
	d.mu.Lock()
	defer d.mu.Unlock()

	states := make(map[dto.Topic]State, len(d.states))
	for topic, state := range d.states {
		states[topic] = state
	}
	return states
}

func (d *Dispatcher) topics() []dto.Topic {
	var topics []dto.Topic
	for _, topic := range dto.Topics() {
		if d.handlers[topic] != nil {
			topics = append(topics, topic)
		}
	}
	return topics
}

func (d *Dispatcher) setState(topic dto.Topic, state State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.states[topic] = state
}

// receiveLoop receives until ctx is done or the subscription breaks.
func (d *Dispatcher) receiveLoop(ctx context.Context, topic dto.Topic, sub Subscription) {
	for {
		msg, err := sub.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				d.setState(topic, StateCancelled)
				d.logger.Infof("Consumer cancelled | Topic: %s", topic)
				return
			}
			d.setState(topic, StateFailed)
			d.logger.Errorf("Consumer failed | Topic: %s | Error: %v", topic, err)
			return
		}
		d.handle(ctx, topic, msg)
	}
}

// handle decodes and routes one message. It never returns an error: every
// failure is logged and the message is acknowledged, except a handler
// failure caused by shutdown, which is left for redelivery.
func (d *Dispatcher) handle(ctx context.Context, topic dto.Topic, msg *kafka.Message) {
	metrics.MessagesConsumedTotal.WithLabelValues(topic.String()).Inc()

	var payload dto.Payload
	if err := json.Unmarshal(msg.Value, &payload); err != nil || payload == nil {
		if err == nil {
			err = errors.New("payload is not a JSON object")
		}
		d.logger.Errorf("Dropping malformed message | Topic: %s | Offset: %d | Error: %v", topic, msg.Offset, err)
		metrics.MessagesDroppedTotal.WithLabelValues(topic.String(), metrics.ReasonMalformed).Inc()
		msg.Ack()
		return
	}

	handler := d.handlers[topic]
	if handler == nil {
		d.logger.Warnf("No handler for message | Topic: %s", topic)
		metrics.MessagesDroppedTotal.WithLabelValues(topic.String(), metrics.ReasonUnrouted).Inc()
		msg.Ack()
		return
	}

	start := time.Now()
	var (
		catcher panics.Catcher
		err     error
	)
	catcher.Try(func() { err = handler(ctx, payload) })
	if r := catcher.Recovered(); r != nil {
		err = r.AsError()
	}
	metrics.HandlerDuration.WithLabelValues(topic.String()).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.MessagesFailedTotal.WithLabelValues(topic.String()).Inc()
		if ctx.Err() != nil {
			d.logger.Warnf("Handler interrupted by shutdown, leaving message for redelivery | Topic: %s | Offset: %d", topic, msg.Offset)
			return
		}
		d.logger.Errorf("Handler failed | Topic: %s | Offset: %d | Error: %v", topic, msg.Offset, err)
		msg.Ack()
		return
	}

	metrics.MessagesHandledTotal.WithLabelValues(topic.String()).Inc()
	msg.Ack()
}
