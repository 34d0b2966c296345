package core_test

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miladsoleymani/pubsub/core"
	"github.com/miladsoleymani/pubsub/internal/mock"
)

var (
	ordersTopic = core.TopicConfig{Name: "orders", OrderingEnabled: true}
	dlqTopic    = core.TopicConfig{Name: "orders-dlq"}
)

func newSub(cfg core.SubscriptionConfig, src core.Source, opts ...core.Option) core.Subscription {
	if cfg.Name == "" {
		cfg.Name = "billing"
	}
	cfg.Topic = ordersTopic.Name
	return core.NewSubscription(cfg, ordersTopic, src, opts...)
}

// run starts Subscribe in the background and returns a stop func that
// cancels it and yields its result.
func run(t *testing.T, sub core.Subscription, h core.SubHandler) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- sub.Subscribe(ctx, h) }()

	t.Cleanup(cancel)
	return func() error {
		cancel()
		select {
		case err := <-errCh:
			return err
		case <-time.After(2 * time.Second):
			t.Fatal("Subscribe did not return after cancellation")
			return nil
		}
	}
}

func waitSettled(t *testing.T, env *mock.Envelope) {
	t.Helper()
	select {
	case <-env.Settled():
	case <-time.After(2 * time.Second):
		t.Fatalf("message %s was never settled", env.Message().ID)
	}
}

func TestSubscription_DeliversAndAcks(t *testing.T) {
	src := mock.NewSource()
	sub := newSub(core.SubscriptionConfig{}, src)

	got := make(chan *core.Message, 1)
	stop := run(t, sub, func(ctx context.Context, msg *core.Message) error {
		got <- msg
		return nil
	})

	data, _ := core.NewMessageData([]byte("hello"))
	env := src.Deliver(&core.Message{ID: "1", Data: data})
	waitSettled(t, env)

	msg := <-got
	if msg.Subscription != "billing" || msg.Topic != "orders" || msg.Attempt != 1 {
		t.Errorf("unexpected message metadata: %+v", msg)
	}
	if !env.Acked() || env.Nacked() {
		t.Errorf("expected ack only, got acked=%v nacked=%v", env.Acked(), env.Nacked())
	}
	if sub.State() != core.StateDelivering {
		t.Errorf("state = %s, want delivering", sub.State())
	}

	if err := stop(); err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	if sub.State() != core.StateStopped {
		t.Errorf("state = %s, want stopped", sub.State())
	}
}

func TestSubscription_CancelWithoutMessages(t *testing.T) {
	sub := newSub(core.SubscriptionConfig{}, mock.NewSource())

	var calls atomic.Int32
	stop := run(t, sub, func(ctx context.Context, msg *core.Message) error {
		calls.Add(1)
		return nil
	})
	time.Sleep(50 * time.Millisecond)

	if err := stop(); err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
	if calls.Load() != 0 {
		t.Errorf("handler called %d times, want 0", calls.Load())
	}
}

func TestSubscription_OrderingKeyPreservesOrder(t *testing.T) {
	src := mock.NewSource()
	sub := newSub(core.SubscriptionConfig{MaxConcurrency: 8}, src)

	var (
		mu       sync.Mutex
		order    []core.MessageID
		inFlight atomic.Int32
		overlap  atomic.Bool
	)
	stop := run(t, sub, func(ctx context.Context, msg *core.Message) error {
		if inFlight.Add(1) > 1 {
			overlap.Store(true)
		}
		defer inFlight.Add(-1)
		if msg.ID == "a" {
			time.Sleep(30 * time.Millisecond)
		}
		mu.Lock()
		order = append(order, msg.ID)
		mu.Unlock()
		return nil
	})

	var envs []*mock.Envelope
	for _, id := range []core.MessageID{"a", "b", "c"} {
		envs = append(envs, src.Deliver(&core.Message{ID: id, OrderingKey: "k1"}))
	}
	for _, env := range envs {
		waitSettled(t, env)
	}
	_ = stop()

	want := []core.MessageID{"a", "b", "c"}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
	if overlap.Load() {
		t.Error("messages sharing an ordering key ran concurrently")
	}
}

func TestSubscription_DifferentKeysRunConcurrently(t *testing.T) {
	src := mock.NewSource()
	sub := newSub(core.SubscriptionConfig{MaxConcurrency: 2}, src)

	var entered sync.WaitGroup
	entered.Add(2)
	both := make(chan struct{})
	go func() { entered.Wait(); close(both) }()

	stop := run(t, sub, func(ctx context.Context, msg *core.Message) error {
		entered.Done()
		select {
		case <-both:
			return nil
		case <-time.After(time.Second):
			return errors.New("other key never ran")
		}
	})

	e1 := src.Deliver(&core.Message{ID: "1", OrderingKey: "k1"})
	e2 := src.Deliver(&core.Message{ID: "2", OrderingKey: "k2"})
	waitSettled(t, e1)
	waitSettled(t, e2)
	_ = stop()

	select {
	case <-both:
	default:
		t.Fatal("handlers for different keys did not overlap")
	}
}

func TestSubscription_RetryThenDeadLetter(t *testing.T) {
	drv := mock.NewDriver()
	pub, _ := drv.Publisher(dlqTopic)
	dlq := core.NewTopic(dlqTopic, pub)

	src := mock.NewSource()
	sub := newSub(core.SubscriptionConfig{
		Retry:           core.RetryPolicy{MaxRetries: 2, MinBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond},
		DeadLetterTopic: dlqTopic.Name,
	}, src, core.WithDeadLetter(dlq))

	var attempts []int
	var mu sync.Mutex
	stop := run(t, sub, func(ctx context.Context, msg *core.Message) error {
		mu.Lock()
		attempts = append(attempts, msg.Attempt)
		mu.Unlock()
		return errors.New("cannot charge")
	})

	data, _ := core.NewMessageData([]byte("order-1"), core.Attribute{Key: "tenant", Value: "acme"})
	env := src.Deliver(&core.Message{ID: "m1", Data: data})
	waitSettled(t, env)
	_ = stop()

	if len(attempts) != 3 || attempts[0] != 1 || attempts[2] != 3 {
		t.Fatalf("attempts = %v, want [1 2 3]", attempts)
	}
	if !env.Acked() {
		t.Error("dead-lettered message should be acked")
	}

	pubs := drv.Published()
	if len(pubs) != 1 {
		t.Fatalf("expected 1 dead-lettered message, got %d", len(pubs))
	}
	dl := pubs[0].Data
	if string(dl.Payload()) != "order-1" {
		t.Errorf("payload = %q", dl.Payload())
	}
	checks := map[string]string{
		"tenant":                        "acme",
		core.AttrDeadLetterSubscription: "billing",
		core.AttrDeadLetterMessageID:    "m1",
		core.AttrDeadLetterAttempts:     "3",
	}
	for k, want := range checks {
		if got, _ := dl.Attribute(k); got != want {
			t.Errorf("attribute %q = %q, want %q", k, got, want)
		}
	}
}

func TestSubscription_RetrySucceeds(t *testing.T) {
	src := mock.NewSource()
	sub := newSub(core.SubscriptionConfig{
		Retry: core.RetryPolicy{MaxRetries: 5, MinBackoff: time.Millisecond},
	}, src)

	var calls atomic.Int32
	stop := run(t, sub, func(ctx context.Context, msg *core.Message) error {
		if calls.Add(1) == 1 {
			return errors.New("transient")
		}
		return nil
	})

	env := src.Deliver(&core.Message{ID: "m1"})
	waitSettled(t, env)
	_ = stop()

	if calls.Load() != 2 {
		t.Errorf("handler called %d times, want 2", calls.Load())
	}
	if !env.Acked() {
		t.Error("expected ack after successful retry")
	}
}

func TestSubscription_UnrecoverableSkipsRetries(t *testing.T) {
	drv := mock.NewDriver()
	pub, _ := drv.Publisher(dlqTopic)

	src := mock.NewSource()
	sub := newSub(core.SubscriptionConfig{
		Retry: core.RetryPolicy{MaxRetries: 10, MinBackoff: time.Millisecond},
	}, src, core.WithDeadLetter(core.NewTopic(dlqTopic, pub)))

	var calls atomic.Int32
	stop := run(t, sub, func(ctx context.Context, msg *core.Message) error {
		calls.Add(1)
		return core.Unrecoverable(errors.New("malformed"))
	})

	env := src.Deliver(&core.Message{ID: "m1"})
	waitSettled(t, env)
	_ = stop()

	if calls.Load() != 1 {
		t.Errorf("handler called %d times, want 1", calls.Load())
	}
	if len(drv.Published()) != 1 {
		t.Error("expected message on dead-letter topic")
	}
}

func TestSubscription_ExhaustedWithoutDeadLetterAcks(t *testing.T) {
	src := mock.NewSource()
	sub := newSub(core.SubscriptionConfig{}, src)

	stop := run(t, sub, func(ctx context.Context, msg *core.Message) error {
		panic("handler bug")
	})

	env := src.Deliver(&core.Message{ID: "m1"})
	waitSettled(t, env)
	if err := stop(); err != nil {
		t.Fatalf("a panicking handler must not fail the subscription: %v", err)
	}
	if !env.Acked() {
		t.Error("expected exhausted message to be acked and dropped")
	}
}

func TestSubscription_DeadLetterMisconfiguredNacks(t *testing.T) {
	drv := mock.NewDriver()
	drv.PublishErr = core.Configuration(errors.New("no such topic"))
	pub, _ := drv.Publisher(dlqTopic)

	src := mock.NewSource()
	sub := newSub(core.SubscriptionConfig{}, src, core.WithDeadLetter(core.NewTopic(dlqTopic, pub)))

	stop := run(t, sub, func(ctx context.Context, msg *core.Message) error {
		return errors.New("nope")
	})

	env := src.Deliver(&core.Message{ID: "m1"})
	waitSettled(t, env)
	_ = stop()

	if !env.Nacked() || env.Acked() {
		t.Errorf("expected nack, got acked=%v nacked=%v", env.Acked(), env.Nacked())
	}
}

func TestSubscription_DeadLetterOutageNacksOnShutdown(t *testing.T) {
	drv := mock.NewDriver()
	drv.PublishErr = errors.New("dlq down")
	pub, _ := drv.Publisher(dlqTopic)

	src := mock.NewSource()
	sub := newSub(core.SubscriptionConfig{}, src, core.WithDeadLetter(core.NewTopic(dlqTopic, pub)))

	failed := make(chan struct{}, 1)
	stop := run(t, sub, func(ctx context.Context, msg *core.Message) error {
		failed <- struct{}{}
		return errors.New("nope")
	})

	env := src.Deliver(&core.Message{ID: "m1"})
	<-failed
	select {
	case <-env.Settled():
		t.Fatal("message settled while the dead-letter topic is still being retried")
	case <-time.After(50 * time.Millisecond):
	}

	if err := stop(); err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	if !env.Nacked() || env.Acked() {
		t.Errorf("expected nack, got acked=%v nacked=%v", env.Acked(), env.Nacked())
	}
}

// flakyPublisher fails a fixed number of publishes with a transport error.
type flakyPublisher struct {
	failures atomic.Int32
	mu       sync.Mutex
	ok       []core.MessageData
}

func (p *flakyPublisher) Publish(_ context.Context, data core.MessageData, _ string) (core.MessageID, error) {
	if p.failures.Add(-1) >= 0 {
		return "", core.Transport(errors.New("dlq unavailable"))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ok = append(p.ok, data)
	return core.MessageID(strconv.Itoa(len(p.ok))), nil
}

func TestSubscription_DeadLetterRetryKeepsKeyOrder(t *testing.T) {
	pub := &flakyPublisher{}
	pub.failures.Store(2)

	src := mock.NewSource()
	sub := newSub(core.SubscriptionConfig{MaxConcurrency: 2}, src,
		core.WithDeadLetter(core.NewTopic(dlqTopic, pub)))

	first := src.Deliver(&core.Message{ID: "k1-1", OrderingKey: "k1"})
	second := src.Deliver(&core.Message{ID: "k1-2", OrderingKey: "k1"})

	var firstSettledBeforeSecond atomic.Bool
	stop := run(t, sub, func(ctx context.Context, msg *core.Message) error {
		if msg.ID == "k1-1" {
			return errors.New("poison")
		}
		select {
		case <-first.Settled():
			firstSettledBeforeSecond.Store(true)
		default:
		}
		return nil
	})

	waitSettled(t, second)
	_ = stop()

	if !firstSettledBeforeSecond.Load() {
		t.Error("second message of key k1 ran before the first was dead-lettered")
	}
	if !first.Acked() || first.Nacked() {
		t.Errorf("first: acked=%v nacked=%v, want dead-lettered and acked", first.Acked(), first.Nacked())
	}
	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.ok) != 1 {
		t.Errorf("dead-letter topic received %d messages, want 1", len(pub.ok))
	}
}

func TestSubscription_ShutdownDuringBackoffNacks(t *testing.T) {
	src := mock.NewSource()
	sub := newSub(core.SubscriptionConfig{
		Retry: core.RetryPolicy{MaxRetries: 3, MinBackoff: time.Hour},
	}, src)

	failed := make(chan struct{}, 1)
	stop := run(t, sub, func(ctx context.Context, msg *core.Message) error {
		failed <- struct{}{}
		return errors.New("later")
	})

	env := src.Deliver(&core.Message{ID: "m1"})
	<-failed

	if err := stop(); err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	if !env.Nacked() {
		t.Error("message waiting for redelivery should be nacked on shutdown")
	}
}

func TestSubscription_InFlightHandlerFinishes(t *testing.T) {
	src := mock.NewSource()
	sub := newSub(core.SubscriptionConfig{}, src)

	started := make(chan struct{})
	release := make(chan struct{})
	var handlerCtxErr atomic.Value
	stop := run(t, sub, func(ctx context.Context, msg *core.Message) error {
		close(started)
		<-release
		if ctx.Err() != nil {
			handlerCtxErr.Store(ctx.Err())
		}
		return nil
	})

	env := src.Deliver(&core.Message{ID: "m1"})
	<-started

	done := make(chan error, 1)
	go func() { done <- stop() }()

	select {
	case <-done:
		t.Fatal("Subscribe returned before the in-flight handler finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	if !env.Acked() {
		t.Error("in-flight message should be acked")
	}
	if v := handlerCtxErr.Load(); v != nil {
		t.Errorf("handler context was cancelled by shutdown: %v", v)
	}
}

func TestSubscription_AckDeadline(t *testing.T) {
	src := mock.NewSource()
	sub := newSub(core.SubscriptionConfig{AckDeadline: 20 * time.Millisecond}, src)

	stop := run(t, sub, func(ctx context.Context, msg *core.Message) error {
		<-ctx.Done()
		return ctx.Err()
	})

	env := src.Deliver(&core.Message{ID: "m1"})
	waitSettled(t, env)
	_ = stop()

	if !env.Acked() {
		t.Error("timed out message should be dropped after its only attempt")
	}
}

func TestSubscription_FatalReceiveFails(t *testing.T) {
	src := mock.NewSource()
	sub := newSub(core.SubscriptionConfig{}, src)

	src.Fail(core.Fatal(errors.New("authentication failed")))
	err := sub.Subscribe(context.Background(), func(ctx context.Context, msg *core.Message) error { return nil })

	if !errors.Is(err, core.ErrFatal) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if sub.State() != core.StateFailed {
		t.Errorf("state = %s, want failed", sub.State())
	}
}

func TestSubscription_FatalReceiveStopsRetries(t *testing.T) {
	src := mock.NewSource()
	sub := newSub(core.SubscriptionConfig{
		MaxConcurrency: 2,
		Retry:          core.RetryPolicy{MaxRetries: -1, MinBackoff: 10 * time.Millisecond},
	}, src)

	failing := make(chan struct{}, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- sub.Subscribe(context.Background(), func(ctx context.Context, msg *core.Message) error {
			select {
			case failing <- struct{}{}:
			default:
			}
			return errors.New("always")
		})
	}()

	env := src.Deliver(&core.Message{ID: "m1"})
	<-failing
	src.Fail(core.Fatal(errors.New("authentication failed")))

	select {
	case err := <-errCh:
		if !errors.Is(err, core.ErrFatal) {
			t.Errorf("expected fatal error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Subscribe kept retrying after a fatal receive error")
	}
	if !env.Nacked() || env.Acked() {
		t.Errorf("expected nack, got acked=%v nacked=%v", env.Acked(), env.Nacked())
	}
	if sub.State() != core.StateFailed {
		t.Errorf("state = %s, want failed", sub.State())
	}
}

func TestSubscription_TransientReceiveRecovers(t *testing.T) {
	src := mock.NewSource()
	sub := newSub(core.SubscriptionConfig{}, src)

	stop := run(t, sub, func(ctx context.Context, msg *core.Message) error { return nil })

	src.Fail(errors.New("connection reset"))
	env := src.Deliver(&core.Message{ID: "m1"})
	waitSettled(t, env)

	if err := stop(); err != nil {
		t.Fatalf("transient receive error must not fail the subscription: %v", err)
	}
}

func TestSubscription_AlreadySubscribed(t *testing.T) {
	sub := newSub(core.SubscriptionConfig{}, mock.NewSource())
	h := func(ctx context.Context, msg *core.Message) error { return nil }

	stop := run(t, sub, h)
	time.Sleep(20 * time.Millisecond)

	if err := sub.Subscribe(context.Background(), h); !errors.Is(err, core.ErrAlreadySubscribed) {
		t.Errorf("expected ErrAlreadySubscribed, got %v", err)
	}
	if err := stop(); err != nil {
		t.Fatal(err)
	}

	// A stopped subscription may be resumed.
	stop = run(t, sub, h)
	if err := stop(); err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
}

func TestSubscription_NilHandler(t *testing.T) {
	sub := newSub(core.SubscriptionConfig{}, mock.NewSource())
	if err := sub.Subscribe(context.Background(), nil); !errors.Is(err, core.ErrConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
	if sub.State() != core.StateIdle {
		t.Errorf("state = %s, want idle", sub.State())
	}
}

func TestSubscription_Middleware(t *testing.T) {
	src := mock.NewSource()
	var seen atomic.Value
	mw := func(next core.SubHandler) core.SubHandler {
		return func(ctx context.Context, msg *core.Message) error {
			seen.Store(msg.Subscription)
			return next(ctx, msg)
		}
	}
	sub := newSub(core.SubscriptionConfig{}, src, core.WithMiddleware(mw))

	stop := run(t, sub, func(ctx context.Context, msg *core.Message) error { return nil })
	waitSettled(t, src.Deliver(&core.Message{ID: "m1"}))
	_ = stop()

	if seen.Load() != "billing" {
		t.Errorf("middleware saw %v", seen.Load())
	}
}
