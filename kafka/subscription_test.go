package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"

	"github.com/wiquzix/notification-pipeline/errs"
	"github.com/wiquzix/notification-pipeline/logger"
)

// fakeSession implements the parts of sarama.ConsumerGroupSession the
// handler uses.
type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx context.Context

	mu     sync.Mutex
	marked []int64
}

func (s *fakeSession) Context() context.Context { return s.ctx }

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg.Offset)
}

func (s *fakeSession) markedOffsets() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.marked...)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

// fakeGroup feeds one claim into the handler for each Consume call until
// closed. The first Consume calls fail with failures, in order.
type fakeGroup struct {
	sarama.ConsumerGroup
	session *fakeSession
	claim   *fakeClaim
	errors  chan error

	closeOnce  sync.Once
	closed     chan struct{}
	closeCalls int

	mu           sync.Mutex
	failures     []error
	consumeCalls int
}

func newFakeGroup() *fakeGroup {
	return &fakeGroup{
		claim:  &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 8)},
		errors: make(chan error),
		closed: make(chan struct{}),
	}
}

func (g *fakeGroup) Consume(ctx context.Context, _ []string, handler sarama.ConsumerGroupHandler) error {
	g.mu.Lock()
	g.consumeCalls++
	if len(g.failures) > 0 {
		err := g.failures[0]
		g.failures = g.failures[1:]
		g.mu.Unlock()
		return err
	}
	g.mu.Unlock()

	select {
	case <-g.closed:
		return sarama.ErrClosedConsumerGroup
	default:
	}

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-g.closed:
			cancel()
		case <-sessCtx.Done():
		}
	}()

	g.session = &fakeSession{ctx: sessCtx}
	return handler.ConsumeClaim(g.session, g.claim)
}

func (g *fakeGroup) Errors() <-chan error { return g.errors }

func (g *fakeGroup) Close() error {
	g.closeCalls++
	g.closeOnce.Do(func() {
		close(g.closed)
		close(g.errors)
	})
	return nil
}

func TestGroupSubscriptionDeliversAndMarksAfterAck(t *testing.T) {
	t.Parallel()

	group := newFakeGroup()
	sub := NewGroupSubscription(group, "share_created", logger.Nop())
	t.Cleanup(func() { _ = sub.Close() })

	group.claim.messages <- &sarama.ConsumerMessage{
		Topic:  "share_created",
		Key:    []byte("share-1"),
		Value:  []byte(`{"share_id":"share-1"}`),
		Offset: 7,
		Headers: []*sarama.RecordHeader{
			{Key: []byte("type"), Value: []byte("share_created")},
		},
	}
	group.claim.messages <- &sarama.ConsumerMessage{Topic: "share_created", Offset: 8}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	msg, err := sub.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if msg.Key != "share-1" || string(msg.Value) != `{"share_id":"share-1"}` || msg.Headers["type"] != "share_created" {
		t.Errorf("message = %+v", msg)
	}
	if got := group.session.markedOffsets(); len(got) != 0 {
		t.Fatalf("marked before ack: %v", got)
	}

	// The next message is withheld until the current one is acknowledged.
	shortCtx, shortCancel := context.WithTimeout(ctx, 50*time.Millisecond)
	if _, err := sub.Receive(shortCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Receive() before ack error = %v, want DeadlineExceeded", err)
	}
	shortCancel()

	msg.Ack()
	msg.Ack()

	next, err := sub.Receive(ctx)
	if err != nil {
		t.Fatalf("second Receive() error = %v", err)
	}
	if next.Offset != 8 {
		t.Errorf("second offset = %d, want 8", next.Offset)
	}
	if got := group.session.markedOffsets(); len(got) != 1 || got[0] != 7 {
		t.Errorf("marked = %v, want [7]", got)
	}
}

func TestGroupSubscriptionClose(t *testing.T) {
	t.Parallel()

	group := newFakeGroup()
	sub := NewGroupSubscription(group, "user_updated", logger.Nop())

	received := make(chan error, 1)
	go func() {
		_, err := sub.Receive(context.Background())
		received <- err
	}()

	if err := sub.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if group.closeCalls != 1 {
		t.Errorf("group closed %d times, want 1", group.closeCalls)
	}

	select {
	case err := <-received:
		if !errors.Is(err, errs.ErrClosed) {
			t.Errorf("blocked Receive() error = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Receive() still blocked after Close()")
	}
}

func TestGroupSubscriptionRetriesConsumeFailures(t *testing.T) {
	t.Parallel()

	group := newFakeGroup()
	group.failures = []error{sarama.ErrOutOfBrokers, sarama.ErrOutOfBrokers}
	group.claim.messages <- &sarama.ConsumerMessage{Topic: "send_message", Offset: 3}
	sub := newGroupSubscription(group, "send_message", time.Millisecond, logger.Nop())
	t.Cleanup(func() { _ = sub.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := sub.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() error = %v, want the message after retries", err)
	}
	if msg.Offset != 3 {
		t.Errorf("offset = %d, want 3", msg.Offset)
	}

	group.mu.Lock()
	calls := group.consumeCalls
	group.mu.Unlock()
	if calls != 3 {
		t.Errorf("Consume called %d times, want 3", calls)
	}
}

func TestGroupSubscriptionCloseDuringRetry(t *testing.T) {
	t.Parallel()

	group := newFakeGroup()
	group.failures = []error{sarama.ErrOutOfBrokers}
	sub := newGroupSubscription(group, "send_message", time.Hour, logger.Nop())

	closed := make(chan error, 1)
	go func() { closed <- sub.Close() }()

	select {
	case err := <-closed:
		if err != nil {
			t.Errorf("Close() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close() blocked on the retry wait")
	}
	if _, err := sub.Receive(context.Background()); !errors.Is(err, errs.ErrClosed) {
		t.Errorf("Receive() after Close() error = %v, want ErrClosed", err)
	}
}
