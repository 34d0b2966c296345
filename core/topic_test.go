package core_test

import (
	"context"
	"errors"
	"testing"

	"github.com/miladsoleymani/pubsub/core"
	"github.com/miladsoleymani/pubsub/internal/mock"
)

func TestTopic_Publish(t *testing.T) {
	drv := mock.NewDriver()
	pub, _ := drv.Publisher(ordersTopic)
	topic := core.NewTopic(ordersTopic, pub)

	data, _ := core.NewMessageData([]byte("a"))
	id1, err := topic.Publish(context.Background(), data, "k1")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	id2, _ := topic.Publish(context.Background(), data, "")
	if id1 == "" || id1 == id2 {
		t.Errorf("expected distinct non-empty ids, got %q and %q", id1, id2)
	}

	pubs := drv.Published()
	if len(pubs) != 2 || pubs[0].OrderingKey != "k1" {
		t.Errorf("unexpected published records: %+v", pubs)
	}
}

func TestTopic_OrderingKeyRequiresOrdering(t *testing.T) {
	drv := mock.NewDriver()
	pub, _ := drv.Publisher(dlqTopic)
	topic := core.NewTopic(dlqTopic, pub)

	_, err := topic.Publish(context.Background(), core.MessageData{}, "k1")
	if !errors.Is(err, core.ErrConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
	if len(drv.Published()) != 0 {
		t.Error("rejected message reached the backend")
	}
}

func TestTopic_ClassifiesBackendErrors(t *testing.T) {
	drv := mock.NewDriver()
	pub, _ := drv.Publisher(ordersTopic)
	topic := core.NewTopic(ordersTopic, pub)

	drv.PublishErr = errors.New("broker unavailable")
	_, err := topic.Publish(context.Background(), core.MessageData{}, "")
	if !errors.Is(err, core.ErrTransport) {
		t.Errorf("expected transport error, got %v", err)
	}

	drv.PublishErr = core.Fatal(errors.New("not authorized"))
	_, err = topic.Publish(context.Background(), core.MessageData{}, "")
	if !errors.Is(err, core.ErrFatal) || errors.Is(err, core.ErrTransport) {
		t.Errorf("expected fatal error only, got %v", err)
	}
}
