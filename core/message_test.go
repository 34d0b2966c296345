package core_test

import (
	"context"
	"errors"
	"testing"

	"github.com/miladsoleymani/pubsub/core"
)

func TestNewMessageData(t *testing.T) {
	payload := []byte("hello")
	data, err := core.NewMessageData(payload,
		core.Attribute{Key: "b", Value: "2"},
		core.Attribute{Key: "a", Value: "1"},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	payload[0] = 'j'
	if string(data.Payload()) != "hello" {
		t.Errorf("payload aliased caller slice: %q", data.Payload())
	}
	if data.Len() != 5 {
		t.Errorf("Len() = %d", data.Len())
	}

	attrs := data.Attributes()
	if len(attrs) != 2 || attrs[0].Key != "b" || attrs[1].Key != "a" {
		t.Errorf("attribute order not preserved: %v", attrs)
	}
	attrs[0].Value = "mutated"
	if v, _ := data.Attribute("b"); v != "2" {
		t.Errorf("Attributes() exposed internal slice, b = %q", v)
	}
}

func TestNewMessageData_DuplicateKey(t *testing.T) {
	_, err := core.NewMessageData(nil,
		core.Attribute{Key: "k", Value: "1"},
		core.Attribute{Key: "k", Value: "2"},
	)
	if !errors.Is(err, core.ErrDuplicateAttribute) {
		t.Errorf("expected ErrDuplicateAttribute, got %v", err)
	}
}

func TestMessageData_EmptyPayload(t *testing.T) {
	data, err := core.NewMessageData(nil)
	if err != nil {
		t.Fatal(err)
	}
	if data.Len() != 0 || len(data.Attributes()) != 0 {
		t.Errorf("expected empty data, got %d bytes and %v", data.Len(), data.Attributes())
	}
	if _, ok := data.Attribute("missing"); ok {
		t.Error("lookup of missing attribute reported found")
	}
}

func TestMessageData_WithAttribute(t *testing.T) {
	data, _ := core.NewMessageData([]byte("x"),
		core.Attribute{Key: "a", Value: "1"},
		core.Attribute{Key: "b", Value: "2"},
	)

	replaced := data.WithAttribute("a", "9")
	appended := data.WithAttribute("c", "3")

	if v, _ := data.Attribute("a"); v != "1" {
		t.Errorf("original modified: a = %q", v)
	}
	if got := replaced.Attributes(); got[0] != (core.Attribute{Key: "a", Value: "9"}) || len(got) != 2 {
		t.Errorf("replace moved or duplicated key: %v", got)
	}
	if got := appended.Attributes(); len(got) != 3 || got[2].Key != "c" {
		t.Errorf("append failed: %v", got)
	}
}

func TestChain(t *testing.T) {
	var order []string
	mw := func(name string) core.Middleware {
		return func(next core.SubHandler) core.SubHandler {
			return func(ctx context.Context, msg *core.Message) error {
				order = append(order, name)
				return next(ctx, msg)
			}
		}
	}

	h := core.Chain(func(ctx context.Context, msg *core.Message) error {
		order = append(order, "h")
		return nil
	}, mw("A"), mw("B"), mw("C"))

	if err := h(context.Background(), &core.Message{}); err != nil {
		t.Fatal(err)
	}
	if len(order) != 4 || order[0] != "A" || order[2] != "C" || order[3] != "h" {
		t.Errorf("unexpected call order %v", order)
	}
}
