package consumer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wiquzix/notification-pipeline/dto"
	"github.com/wiquzix/notification-pipeline/errs"
	"github.com/wiquzix/notification-pipeline/kafka"
	"github.com/wiquzix/notification-pipeline/logger"
)

type fakeSubscription struct {
	messages   chan *kafka.Message
	failures   chan error
	closed     chan struct{}
	closeOnce  sync.Once
	closeCalls atomic.Int32
	ignoreCtx  bool
}

func newFakeSubscription() *fakeSubscription {
	return &fakeSubscription{
		messages: make(chan *kafka.Message, 16),
		failures: make(chan error, 1),
		closed:   make(chan struct{}),
	}
}

func (s *fakeSubscription) Receive(ctx context.Context) (*kafka.Message, error) {
	done := ctx.Done()
	if s.ignoreCtx {
		done = nil
	}
	select {
	case msg := <-s.messages:
		return msg, nil
	case err := <-s.failures:
		return nil, err
	case <-done:
		return nil, ctx.Err()
	case <-s.closed:
		return nil, errs.ErrClosed
	}
}

func (s *fakeSubscription) Close() error {
	s.closeCalls.Add(1)
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSubscription) push(topic dto.Topic, value string) *kafka.Message {
	msg := kafka.NewMessage(topic.String(), "", []byte(value))
	s.messages <- msg
	return msg
}

type fakeBus struct {
	mu   sync.Mutex
	subs map[dto.Topic]*fakeSubscription
	fail map[dto.Topic]error
}

func newFakeBus() *fakeBus {
	return &fakeBus{subs: map[dto.Topic]*fakeSubscription{}, fail: map[dto.Topic]error{}}
}

func (b *fakeBus) subscribe(topic dto.Topic) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fail[topic]; err != nil {
		return nil, err
	}
	sub, ok := b.subs[topic]
	if !ok {
		sub = newFakeSubscription()
		b.subs[topic] = sub
	}
	return sub, nil
}

func (b *fakeBus) sub(topic dto.Topic) *fakeSubscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subs[topic]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func noopHandlers() map[dto.Topic]Handler {
	noop := func(context.Context, dto.Payload) error { return nil }
	return map[dto.Topic]Handler{
		dto.TopicShareCreated: noop,
		dto.TopicUserUpdated:  noop,
		dto.TopicSendMessage:  noop,
	}
}

func TestDispatcherSurvivesBadMessages(t *testing.T) {
	t.Parallel()

	received := make(chan dto.Payload, 4)
	handlers := noopHandlers()
	handlers[dto.TopicSendMessage] = func(_ context.Context, p dto.Payload) error {
		received <- p
		return nil
	}

	bus := newFakeBus()
	d := NewDispatcher(bus.subscribe, handlers, time.Second, logger.Nop())
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = d.Stop() })

	sub := bus.sub(dto.TopicSendMessage)
	bad := []*kafka.Message{
		sub.push(dto.TopicSendMessage, "{not json"),
		sub.push(dto.TopicSendMessage, "null"),
		sub.push(dto.TopicSendMessage, "[1,2]"),
	}
	good := sub.push(dto.TopicSendMessage, `{"message_data":{"chat_id":1,"text":"hi"}}`)

	select {
	case p := <-received:
		if _, ok := p["message_data"]; !ok {
			t.Errorf("payload = %v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("well-formed message after malformed ones was not handled")
	}
	if len(received) != 0 {
		t.Errorf("malformed messages reached the handler")
	}

	waitFor(t, "acknowledgements", func() bool { return good.Acked() })
	for i, msg := range bad {
		if !msg.Acked() {
			t.Errorf("malformed message %d not acknowledged", i)
		}
	}
	if got := d.States()[dto.TopicSendMessage]; got != StateRunning {
		t.Errorf("state = %v, want running", got)
	}
}

func TestDispatcherSurvivesHandlerFailures(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	handled := make(chan string, 4)
	handlers := noopHandlers()
	handlers[dto.TopicShareCreated] = func(_ context.Context, p dto.Payload) error {
		switch calls.Add(1) {
		case 1:
			panic("boom")
		case 2:
			return errors.New("send failed")
		}
		handled <- p["share_id"].(string)
		return nil
	}

	bus := newFakeBus()
	d := NewDispatcher(bus.subscribe, handlers, time.Second, logger.Nop())
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = d.Stop() })

	sub := bus.sub(dto.TopicShareCreated)
	panicked := sub.push(dto.TopicShareCreated, `{"share_id":"a"}`)
	failed := sub.push(dto.TopicShareCreated, `{"share_id":"b"}`)
	sub.push(dto.TopicShareCreated, `{"share_id":"c"}`)

	select {
	case id := <-handled:
		if id != "c" {
			t.Errorf("handled %q, want c", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("loop stopped after a handler failure")
	}
	if !panicked.Acked() || !failed.Acked() {
		t.Error("failed messages should still be acknowledged")
	}
}

func TestDispatcherStopClosesEachSubscriptionOnce(t *testing.T) {
	t.Parallel()

	bus := newFakeBus()
	d := NewDispatcher(bus.subscribe, noopHandlers(), time.Second, logger.Nop())
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	for topic, state := range d.States() {
		if state != StateRunning {
			t.Errorf("%s state = %v, want running", topic, state)
		}
	}

	if err := d.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := d.Stop(); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}

	for _, topic := range dto.Topics() {
		if got := bus.sub(topic).closeCalls.Load(); got != 1 {
			t.Errorf("%s closed %d times, want 1", topic, got)
		}
		if got := d.States()[topic]; got != StateStopped {
			t.Errorf("%s state = %v, want stopped", topic, got)
		}
	}
}

func TestDispatcherStopIsBoundedByGrace(t *testing.T) {
	t.Parallel()

	bus := newFakeBus()
	stuck := newFakeSubscription()
	stuck.ignoreCtx = true
	bus.subs[dto.TopicUserUpdated] = stuck

	d := NewDispatcher(bus.subscribe, noopHandlers(), 50*time.Millisecond, logger.Nop())
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	start := time.Now()
	if err := d.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Stop() took %v", elapsed)
	}
	if got := stuck.closeCalls.Load(); got != 1 {
		t.Errorf("stuck subscription closed %d times, want 1", got)
	}
	if got := d.States()[dto.TopicUserUpdated]; got != StateStopped {
		t.Errorf("state = %v, want stopped", got)
	}
}

func TestDispatcherReceiveFailureMarksTopicFailed(t *testing.T) {
	t.Parallel()

	bus := newFakeBus()
	d := NewDispatcher(bus.subscribe, noopHandlers(), time.Second, logger.Nop())
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = d.Stop() })

	bus.sub(dto.TopicUserUpdated).failures <- errors.New("broker gone")

	waitFor(t, "failed state", func() bool {
		return d.States()[dto.TopicUserUpdated] == StateFailed
	})
	if got := d.States()[dto.TopicShareCreated]; got != StateRunning {
		t.Errorf("other topic state = %v, want running", got)
	}
}

func TestDispatcherSubscribeFailures(t *testing.T) {
	t.Parallel()

	t.Run("one topic", func(t *testing.T) {
		t.Parallel()

		bus := newFakeBus()
		bus.fail[dto.TopicSendMessage] = errors.New("no such topic")
		d := NewDispatcher(bus.subscribe, noopHandlers(), time.Second, logger.Nop())

		if err := d.Start(context.Background()); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		t.Cleanup(func() { _ = d.Stop() })

		states := d.States()
		if states[dto.TopicSendMessage] != StateFailed {
			t.Errorf("send_message state = %v, want failed", states[dto.TopicSendMessage])
		}
		if states[dto.TopicShareCreated] != StateRunning {
			t.Errorf("share_created state = %v, want running", states[dto.TopicShareCreated])
		}
	})

	t.Run("every topic", func(t *testing.T) {
		t.Parallel()

		bus := newFakeBus()
		for _, topic := range dto.Topics() {
			bus.fail[topic] = errors.New("brokers down")
		}
		d := NewDispatcher(bus.subscribe, noopHandlers(), time.Second, logger.Nop())

		if err := d.Start(context.Background()); err == nil {
			t.Fatal("Start() should fail when no topic can be subscribed")
		}
		if err := d.Stop(); err != nil {
			t.Errorf("Stop() error = %v", err)
		}
	})
}

func TestDispatcherOnlyConsumesHandledTopics(t *testing.T) {
	t.Parallel()

	bus := newFakeBus()
	handlers := map[dto.Topic]Handler{
		dto.TopicShareCreated: func(context.Context, dto.Payload) error { return nil },
	}
	d := NewDispatcher(bus.subscribe, handlers, time.Second, logger.Nop())
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = d.Stop() })

	if bus.sub(dto.TopicUserUpdated) != nil || bus.sub(dto.TopicSendMessage) != nil {
		t.Error("subscribed to topics without handlers")
	}
	if err := d.Start(context.Background()); err == nil {
		t.Error("second Start() should fail")
	}
}

func TestDispatcherRun(t *testing.T) {
	t.Parallel()

	bus := newFakeBus()
	d := NewDispatcher(bus.subscribe, noopHandlers(), time.Second, logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	waitFor(t, "subscriptions", func() bool { return bus.sub(dto.TopicSendMessage) != nil })
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancellation")
	}
	for _, topic := range dto.Topics() {
		if got := bus.sub(topic).closeCalls.Load(); got != 1 {
			t.Errorf("%s closed %d times, want 1", topic, got)
		}
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()

	if StateCancelled.String() != "cancelled" || State(42).String() != "unknown" {
		t.Error("unexpected state names")
	}
}
