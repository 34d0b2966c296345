package redis

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/miladsoleymani/pubsub/cluster"
	"github.com/miladsoleymani/pubsub/core"
	"github.com/miladsoleymani/pubsub/internal/drivertest"
)

func newTestDriver(t *testing.T, fns ...Option) (*Driver, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	fns = append([]Option{WithBlock(50 * time.Millisecond)}, fns...)
	d, err := New([]string{mr.Addr()}, "", fns...)
	if err != nil {
		t.Fatal(err)
	}
	return d, mr
}

func TestDriver(t *testing.T) {
	suite := &drivertest.Suite{
		Name: "redis",
		NewDriver: func(t *testing.T) core.Driver {
			d, _ := newTestDriver(t)
			return d
		},
	}
	suite.Run(t)
}

func TestPendingReplayedAfterRestart(t *testing.T) {
	mr := miniredis.RunT(t)
	topic := core.TopicConfig{Name: "orders"}
	sub := core.SubscriptionConfig{Name: "billing", Topic: "orders"}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, _ := New([]string{mr.Addr()}, "", WithBlock(50*time.Millisecond))
	src, _ := first.Source(sub, topic)
	pub, _ := first.Publisher(topic)
	id, err := pub.Publish(ctx, core.MessageData{}, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := src.Receive(ctx); err != nil {
		t.Fatal(err)
	}
	// Crash without settling.
	_ = first.Close()

	second, _ := New([]string{mr.Addr()}, "", WithBlock(50*time.Millisecond))
	defer second.Close()
	src, _ = second.Source(sub, topic)
	env, err := src.Receive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if env.Message().ID != id || env.Message().Attempt != 2 {
		t.Errorf("got %q attempt %d, want %q attempt 2", env.Message().ID, env.Message().Attempt, id)
	}
	if err := env.Ack(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestGroupPrefix(t *testing.T) {
	d, mr := newTestDriver(t)
	d.group = "svc"
	defer d.Close()

	src, _ := d.Source(core.SubscriptionConfig{Name: "billing"}, core.TopicConfig{Name: "orders"})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, _ = src.Receive(ctx)

	if !mr.Exists("orders") {
		t.Fatal("stream not created with the group")
	}
	err := d.client.XGroupCreate(context.Background(), "orders", "svc.billing", "0").Err()
	if err == nil || !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		t.Errorf("expected group svc.billing to exist, got %v", err)
	}
}

func TestDecode_ForeignEntry(t *testing.T) {
	msg := decode(redis.XMessage{
		ID:     "1700000000000-0",
		Values: map[string]any{fieldData: "raw", fieldAttrs: "not json"},
	})
	if string(msg.Data.Payload()) != "raw" || len(msg.Data.Attributes()) != 0 {
		t.Errorf("unexpected message %+v", msg)
	}
	if msg.PublishTime.UnixMilli() != 1700000000000 {
		t.Errorf("publish time = %s", msg.PublishTime)
	}
}

func TestClassify(t *testing.T) {
	if !errors.Is(classify(errors.New("NOAUTH Authentication required.")), core.ErrFatal) {
		t.Error("NOAUTH should be fatal")
	}
	if !errors.Is(classify(errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")), core.ErrConfiguration) {
		t.Error("WRONGTYPE should be a configuration error")
	}
	if !errors.Is(classify(redis.ErrClosed), core.ErrClosed) {
		t.Error("closed client should map to ErrClosed")
	}
	if !errors.Is(classify(errors.New("i/o timeout")), core.ErrTransport) {
		t.Error("network errors are transport errors")
	}
}

func TestOptsFromConfig(t *testing.T) {
	opts := defaults()
	for _, fn := range optsFromConfig(cluster.Config{Extra: map[string]any{
		"password": "secret",
		"db":       2,
		"max_len":  1000,
		"consumer": "worker-1",
	}}) {
		fn(&opts)
	}
	if opts.password != "secret" || opts.db != 2 || opts.maxLen != 1000 || opts.consumer != "worker-1" {
		t.Errorf("unexpected options: %+v", opts)
	}
}
