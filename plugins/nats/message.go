package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/miladsoleymani/pubsub/core"
)

// Reserved headers. Every other header is a message attribute.
const (
	headerOrderingKey = "Pubsub-Ordering-Key"
	headerAttributes  = "Pubsub-Attributes" // JSON list of attribute keys in order
)

func reserved(key string) bool {
	return key == headerOrderingKey || key == headerAttributes || strings.HasPrefix(key, "Nats-")
}

// source pulls from one durable consumer. The consumer is created on the
// first Receive; its callback hands messages to Receive over an unbuffered
// channel, so nothing is pulled ahead of demand beyond the client's batch.
type source struct {
	d       *Driver
	subject string
	topic   string
	config  jetstream.ConsumerConfig

	startMu sync.Mutex
	cc      jetstream.ConsumeContext

	msgs      chan jetstream.Msg
	done      chan struct{}
	closeOnce sync.Once
}

func (s *source) start(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.cc != nil {
		return nil
	}
	select {
	case <-s.done:
		return core.ErrClosed
	default:
	}

	st, err := s.d.stream(ctx, s.subject)
	if err != nil {
		return err
	}
	cons, err := st.CreateOrUpdateConsumer(ctx, s.config)
	if err != nil {
		return fmt.Errorf("pubsub/nats: create consumer %q: %w", s.config.Durable, classify(err))
	}
	cc, err := cons.Consume(func(m jetstream.Msg) {
		select {
		case s.msgs <- m:
		case <-s.done:
		}
	})
	if err != nil {
		return fmt.Errorf("pubsub/nats: start consume on %q: %w", s.config.Durable, classify(err))
	}
	s.cc = cc
	return nil
}

func (s *source) Receive(ctx context.Context) (core.Envelope, error) {
	if err := s.start(ctx); err != nil {
		return nil, err
	}
	select {
	case m := <-s.msgs:
		return newEnvelope(m, s.topic), nil
	case <-s.done:
		return nil, core.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *source) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.cc != nil {
		s.cc.Stop()
	}
	return nil
}

// envelope settles one delivery. Only the first Ack or Nack has an effect.
type envelope struct {
	raw     jetstream.Msg
	msg     *core.Message
	settled atomic.Bool
}

func newEnvelope(m jetstream.Msg, topic string) *envelope {
	msg := &core.Message{Topic: topic, Attempt: 1}
	if meta, err := m.Metadata(); err == nil {
		msg.ID = core.MessageID(strconv.FormatUint(meta.Sequence.Stream, 10))
		msg.Attempt = int(meta.NumDelivered)
		msg.PublishTime = meta.Timestamp
	}
	key, attrs := decodeHeaders(m.Headers())
	msg.OrderingKey = key
	msg.Data, _ = core.NewMessageData(m.Data(), attrs...)
	return &envelope{raw: m, msg: msg}
}

func (e *envelope) Message() *core.Message { return e.msg }

// Ack acknowledges the message and waits for the server to confirm.
func (e *envelope) Ack(ctx context.Context) error {
	if !e.settled.CompareAndSwap(false, true) {
		return nil
	}
	if err := e.raw.DoubleAck(ctx); err != nil {
		return fmt.Errorf("pubsub/nats: ack: %w", classify(err))
	}
	return nil
}

// Nack asks the server to redeliver the message.
func (e *envelope) Nack(context.Context) error {
	if !e.settled.CompareAndSwap(false, true) {
		return nil
	}
	if err := e.raw.Nak(); err != nil {
		return fmt.Errorf("pubsub/nats: nack: %w", classify(err))
	}
	return nil
}

// encodeHeaders stores the ordering key and attributes as message headers.
// Header maps are unordered, so the key order travels alongside.
func encodeHeaders(h nats.Header, key string, attrs []core.Attribute) error {
	if key != "" {
		h.Set(headerOrderingKey, key)
	}
	if len(attrs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(attrs))
	for _, a := range attrs {
		if reserved(a.Key) {
			return fmt.Errorf("attribute key %q is reserved", a.Key)
		}
		h.Set(a.Key, a.Value)
		keys = append(keys, a.Key)
	}
	order, err := json.Marshal(keys)
	if err != nil {
		return err
	}
	h.Set(headerAttributes, string(order))
	return nil
}

// decodeHeaders is the inverse of encodeHeaders. Headers set by other
// publishers become attributes in key order.
func decodeHeaders(h nats.Header) (key string, attrs []core.Attribute) {
	key = h.Get(headerOrderingKey)

	var keys []string
	if raw := h.Get(headerAttributes); raw != "" {
		_ = json.Unmarshal([]byte(raw), &keys)
	}
	if keys == nil {
		for k := range h {
			if !reserved(k) {
				keys = append(keys, k)
			}
		}
		slices.Sort(keys)
	}

	for _, k := range keys {
		if vals := h[k]; len(vals) > 0 {
			attrs = append(attrs, core.Attribute{Key: k, Value: vals[0]})
		}
	}
	return key, attrs
}
