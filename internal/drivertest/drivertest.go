// Package drivertest is a conformance suite for core.Driver implementations.
// Every backend test runs it against its own driver.
package drivertest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miladsoleymani/pubsub/core"
)

// Suite runs a common set of tests against any driver implementation.
type Suite struct {
	// Name identifies the driver being tested.
	Name string

	// NewDriver creates a driver instance. It is closed after each test.
	NewDriver func(t *testing.T) core.Driver

	// Timeout bounds every wait in the suite. Defaults to 5s.
	Timeout time.Duration

	// PrimeSources makes the suite call Receive once on every new source
	// before publishing, for backends that only retain messages for a
	// subscription after it first attached.
	PrimeSources bool

	// Skip lists test names to skip, with the reason.
	Skip map[string]string
}

var seq atomic.Int64

// Run executes the suite.
func (s *Suite) Run(t *testing.T) {
	tests := []struct {
		name string
		fn   func(t *testing.T, d core.Driver, topic core.TopicConfig)
	}{
		{"UniqueIDs", s.testUniqueIDs},
		{"RoundTrip", s.testRoundTrip},
		{"FanOut", s.testFanOut},
		{"NackRedelivers", s.testNackRedelivers},
		{"AckedNotRedelivered", s.testAckedNotRedelivered},
		{"OrderingKey", s.testOrderingKey},
		{"CancelReceive", s.testCancelReceive},
	}

	for _, tt := range tests {
		t.Run(s.Name+"/"+tt.name, func(t *testing.T) {
			if reason, ok := s.Skip[tt.name]; ok {
				t.Skip(reason)
			}

			d := s.NewDriver(t)
			defer d.Close()

			name := fmt.Sprintf("drivertest-%s-%d-%d", strings.ToLower(tt.name), time.Now().UnixNano(), seq.Add(1))
			tt.fn(t, d, core.TopicConfig{Name: name, OrderingEnabled: true})
		})
	}
}

func (s *Suite) timeout() time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return 5 * time.Second
}

func (s *Suite) topic(t *testing.T, d core.Driver, cfg core.TopicConfig) core.Topic {
	t.Helper()
	pub, err := d.Publisher(cfg)
	if err != nil {
		t.Fatalf("Publisher failed: %v", err)
	}
	return core.NewTopic(cfg, pub)
}

func (s *Suite) source(t *testing.T, d core.Driver, topic core.TopicConfig, name string) core.Source {
	t.Helper()
	src, err := d.Source(core.SubscriptionConfig{Name: topic.Name + "-" + name, Topic: topic.Name}, topic)
	if err != nil {
		t.Fatalf("Source failed: %v", err)
	}
	t.Cleanup(func() { _ = src.Close() })
	s.prime(src)
	return src
}

func (s *Suite) prime(src core.Source) {
	if !s.PrimeSources {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if env, err := src.Receive(ctx); err == nil {
		_ = env.Nack(context.Background())
	}
}

func (s *Suite) publish(t *testing.T, topic core.Topic, payload, key string, attrs ...core.Attribute) core.MessageID {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout())
	defer cancel()

	data, err := core.NewMessageData([]byte(payload), attrs...)
	if err != nil {
		t.Fatal(err)
	}
	id, err := topic.Publish(ctx, data, key)
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	return id
}

func (s *Suite) receive(t *testing.T, src core.Source) core.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout())
	defer cancel()

	env, err := src.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	return env
}

func (s *Suite) testUniqueIDs(t *testing.T, d core.Driver, cfg core.TopicConfig) {
	topic := s.topic(t, d, cfg)

	seen := make(map[core.MessageID]bool)
	for i := range 20 {
		id := s.publish(t, topic, fmt.Sprintf("m%d", i), "")
		if seen[id] {
			t.Fatalf("message id %q reused", id)
		}
		seen[id] = true
	}
}

func (s *Suite) testRoundTrip(t *testing.T, d core.Driver, cfg core.TopicConfig) {
	src := s.source(t, d, cfg, "sub")
	topic := s.topic(t, d, cfg)

	id := s.publish(t, topic, "hello", "k1",
		core.Attribute{Key: "z", Value: "last"},
		core.Attribute{Key: "a", Value: "first"},
	)

	env := s.receive(t, src)
	msg := env.Message()
	if msg.ID != id {
		t.Errorf("received id %q, published %q", msg.ID, id)
	}
	if string(msg.Data.Payload()) != "hello" {
		t.Errorf("payload = %q", msg.Data.Payload())
	}
	attrs := msg.Data.Attributes()
	if len(attrs) != 2 || attrs[0].Key != "z" || attrs[1].Value != "first" {
		t.Errorf("attributes = %v", attrs)
	}
	if msg.OrderingKey != "k1" {
		t.Errorf("ordering key = %q", msg.OrderingKey)
	}
	if msg.Attempt != 1 {
		t.Errorf("attempt = %d, want 1", msg.Attempt)
	}
	if err := env.Ack(context.Background()); err != nil {
		t.Errorf("Ack failed: %v", err)
	}
}

func (s *Suite) testFanOut(t *testing.T, d core.Driver, cfg core.TopicConfig) {
	first := s.source(t, d, cfg, "first")
	second := s.source(t, d, cfg, "second")
	topic := s.topic(t, d, cfg)

	id := s.publish(t, topic, "broadcast", "")

	for i, src := range []core.Source{first, second} {
		env := s.receive(t, src)
		if env.Message().ID != id {
			t.Errorf("subscription %d got %q, want %q", i+1, env.Message().ID, id)
		}
		_ = env.Ack(context.Background())
	}
}

func (s *Suite) testNackRedelivers(t *testing.T, d core.Driver, cfg core.TopicConfig) {
	src := s.source(t, d, cfg, "sub")
	topic := s.topic(t, d, cfg)
	id := s.publish(t, topic, "retry-me", "")

	env := s.receive(t, src)
	if err := env.Nack(context.Background()); err != nil {
		t.Fatalf("Nack failed: %v", err)
	}

	again := s.receive(t, src)
	if again.Message().ID != id {
		t.Fatalf("redelivered %q, want %q", again.Message().ID, id)
	}
	if again.Message().Attempt < 2 {
		t.Errorf("redelivery attempt = %d, want >= 2", again.Message().Attempt)
	}
	_ = again.Ack(context.Background())
}

func (s *Suite) testAckedNotRedelivered(t *testing.T, d core.Driver, cfg core.TopicConfig) {
	src := s.source(t, d, cfg, "sub")
	topic := s.topic(t, d, cfg)

	s.publish(t, topic, "one", "")
	_ = s.receive(t, src).Ack(context.Background())

	second := s.publish(t, topic, "two", "")
	env := s.receive(t, src)
	if env.Message().ID != second {
		t.Errorf("got %q after ack, want %q", env.Message().ID, second)
	}
	_ = env.Ack(context.Background())
}

func (s *Suite) testOrderingKey(t *testing.T, d core.Driver, cfg core.TopicConfig) {
	subCfg := core.SubscriptionConfig{Name: cfg.Name + "-ordered", Topic: cfg.Name, MaxConcurrency: 4}
	src, err := d.Source(subCfg, cfg)
	if err != nil {
		t.Fatalf("Source failed: %v", err)
	}
	defer src.Close()
	s.prime(src)
	sub := core.NewSubscription(subCfg, cfg, src)

	topic := s.topic(t, d, cfg)
	want := []string{"a", "b", "c", "d", "e"}
	for _, p := range want {
		s.publish(t, topic, p, "k1")
	}

	var (
		mu  sync.Mutex
		got []string
	)
	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- sub.Subscribe(ctx, func(ctx context.Context, msg *core.Message) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, string(msg.Data.Payload()))
			if len(got) == len(want) {
				close(done)
			}
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(s.timeout()):
		t.Error("timeout waiting for ordered messages")
	}
	cancel()
	if err := <-errCh; err != nil {
		t.Errorf("Subscribe returned error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(got, "") != strings.Join(want, "") {
		t.Errorf("delivery order %v, want %v", got, want)
	}
}

func (s *Suite) testCancelReceive(t *testing.T, d core.Driver, cfg core.TopicConfig) {
	src := s.source(t, d, cfg, "idle")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	if _, err := src.Receive(ctx); err == nil {
		t.Fatal("Receive returned a message from an empty topic")
	}
	if elapsed := time.Since(start); elapsed > s.timeout() {
		t.Errorf("Receive ignored cancellation for %s", elapsed)
	}
}
