package core_test

import (
	"context"
	"errors"
	"testing"

	"github.com/miladsoleymani/pubsub/core"
)

type orderPlaced struct {
	ID     string `json:"id"`
	Amount int    `json:"amount"`
}

func TestBind(t *testing.T) {
	var got orderPlaced
	h := core.Bind(nil, func(ctx context.Context, msg *core.Message, o *orderPlaced) error {
		got = *o
		return nil
	})

	data, _ := core.NewMessageData([]byte(`{"id":"o-1","amount":42}`))
	if err := h(context.Background(), &core.Message{ID: "m1", Data: data}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != "o-1" || got.Amount != 42 {
		t.Errorf("decoded %+v", got)
	}
}

func TestBind_MalformedIsUnrecoverable(t *testing.T) {
	called := false
	h := core.Bind(core.JSONBinder{}, func(ctx context.Context, msg *core.Message, o *orderPlaced) error {
		called = true
		return nil
	})

	data, _ := core.NewMessageData([]byte(`{not json`))
	err := h(context.Background(), &core.Message{ID: "m1", Data: data})
	if !errors.Is(err, core.ErrUnrecoverable) {
		t.Errorf("expected unrecoverable error, got %v", err)
	}
	if called {
		t.Error("handler ran on undecodable payload")
	}
}

func TestErrorKinds(t *testing.T) {
	base := errors.New("boom")

	if core.Transport(nil) != nil {
		t.Error("wrapping nil must stay nil")
	}
	tr := core.Transport(base)
	if !errors.Is(tr, core.ErrTransport) || !errors.Is(tr, base) {
		t.Errorf("Transport lost its chain: %v", tr)
	}
	if core.Transport(tr) != tr {
		t.Error("re-wrapping an error of the same kind should be a no-op")
	}
	if !errors.Is(core.ErrTopicNotConfigured, core.ErrConfiguration) {
		t.Error("ErrTopicNotConfigured must be a configuration error")
	}
	if !errors.Is(core.Unrecoverable(base), core.ErrHandler) {
		t.Error("unrecoverable errors are handler errors")
	}
}
