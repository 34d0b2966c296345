package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/miladsoleymani/pubsub/core"
)

// Reserved headers. Every other string header is a message attribute.
const (
	headerOrderingKey   = "x-ordering-key"
	headerAttributeKeys = "x-attribute-keys"
	headerDeliveryCount = "x-delivery-count" // set by quorum queues
)

// source consumes one subscription queue on its own channel. The channel is
// opened on first Receive and reopened after it closes.
type source struct {
	d        *Driver
	queue    string
	exchange string
	topic    string

	mu         sync.Mutex
	ch         *amqp.Channel
	deliveries <-chan amqp.Delivery
	closed     bool
}

func (s *source) open() (<-chan amqp.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, core.ErrClosed
	}
	if s.ch != nil && !s.ch.IsClosed() {
		return s.deliveries, nil
	}

	ch, err := s.d.channel()
	if err != nil {
		return nil, err
	}
	deliveries, err := s.consume(ch)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	s.ch, s.deliveries = ch, deliveries
	return deliveries, nil
}

func (s *source) consume(ch *amqp.Channel) (<-chan amqp.Delivery, error) {
	opts := s.d.opts
	if err := ch.Qos(opts.prefetchCount, 0, false); err != nil {
		return nil, fmt.Errorf("pubsub/rabbitmq: set qos: %w", classify(err))
	}
	if err := s.d.declareExchange(ch, s.exchange); err != nil {
		return nil, err
	}

	var args amqp.Table
	if opts.queueType != "" {
		args = amqp.Table{"x-queue-type": opts.queueType}
	}
	q, err := ch.QueueDeclare(s.queue, opts.durable, opts.autoDelete, false, false, args)
	if err != nil {
		return nil, fmt.Errorf("pubsub/rabbitmq: declare queue %q: %w", s.queue, classify(err))
	}
	if err := ch.QueueBind(q.Name, s.exchange, s.exchange, false, nil); err != nil {
		return nil, fmt.Errorf("pubsub/rabbitmq: bind queue %q: %w", q.Name, classify(err))
	}

	deliveries, err := ch.Consume(
		q.Name,
		"",    // consumer tag (auto-generated)
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("pubsub/rabbitmq: consume %q: %w", q.Name, classify(err))
	}
	return deliveries, nil
}

func (s *source) Receive(ctx context.Context) (core.Envelope, error) {
	deliveries, err := s.open()
	if err != nil {
		return nil, err
	}

	select {
	case dl, ok := <-deliveries:
		if !ok {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil, core.ErrClosed
			}
			return nil, core.Transport(fmt.Errorf("pubsub/rabbitmq: channel for %q closed", s.queue))
		}
		return newEnvelope(dl, s.topic, s.d.opts.requeueOnNack), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.ch == nil || s.ch.IsClosed() {
		return nil
	}
	if err := s.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("pubsub/rabbitmq: close channel: %w", err)
	}
	return nil
}

// envelope settles one delivery. Only the first Ack or Nack has an effect.
type envelope struct {
	delivery amqp.Delivery
	msg      *core.Message
	requeue  bool
	settled  atomic.Bool
}

func newEnvelope(dl amqp.Delivery, topic string, requeue bool) *envelope {
	key, attrs := fromTable(dl.Headers)
	msg := &core.Message{
		ID:          core.MessageID(dl.MessageId),
		OrderingKey: key,
		Topic:       topic,
		Attempt:     attempt(dl),
		PublishTime: dl.Timestamp,
	}
	if msg.ID == "" {
		msg.ID = core.MessageID(uuid.NewString())
	}
	msg.Data, _ = core.NewMessageData(dl.Body, attrs...)
	return &envelope{delivery: dl, msg: msg, requeue: requeue}
}

func (e *envelope) Message() *core.Message { return e.msg }

// Ack acknowledges the message, removing it from the queue.
func (e *envelope) Ack(context.Context) error {
	if !e.settled.CompareAndSwap(false, true) {
		return nil
	}
	if err := e.delivery.Ack(false); err != nil {
		return fmt.Errorf("pubsub/rabbitmq: ack: %w", classify(err))
	}
	return nil
}

// Nack negatively acknowledges the message. If requeue is enabled,
// the message is returned to the queue for redelivery.
func (e *envelope) Nack(context.Context) error {
	if !e.settled.CompareAndSwap(false, true) {
		return nil
	}
	if err := e.delivery.Nack(false, e.requeue); err != nil {
		return fmt.Errorf("pubsub/rabbitmq: nack: %w", classify(err))
	}
	return nil
}

// attempt derives the 1-based delivery count. Classic queues only report
// whether a message was delivered before.
func attempt(dl amqp.Delivery) int {
	switch n := dl.Headers[headerDeliveryCount].(type) {
	case int64:
		return int(n) + 1
	case int32:
		return int(n) + 1
	case int:
		return n + 1
	}
	if dl.Redelivered {
		return 2
	}
	return 1
}

// toTable encodes the ordering key and attributes as headers. Tables are
// unordered, so the key order travels alongside.
func toTable(key string, attrs []core.Attribute) amqp.Table {
	t := amqp.Table{}
	if key != "" {
		t[headerOrderingKey] = key
	}
	if len(attrs) == 0 {
		return t
	}
	keys := make([]any, 0, len(attrs))
	for _, a := range attrs {
		t[a.Key] = a.Value
		keys = append(keys, a.Key)
	}
	t[headerAttributeKeys] = keys
	return t
}

// fromTable is the inverse of toTable. String headers set by other
// publishers become attributes in key order.
func fromTable(t amqp.Table) (key string, attrs []core.Attribute) {
	key, _ = t[headerOrderingKey].(string)

	var keys []string
	if raw, ok := t[headerAttributeKeys].([]any); ok {
		for _, k := range raw {
			if s, ok := k.(string); ok {
				keys = append(keys, s)
			}
		}
	} else {
		for k := range t {
			if k != headerOrderingKey && k != headerDeliveryCount {
				keys = append(keys, k)
			}
		}
		slices.Sort(keys)
	}

	for _, k := range keys {
		if v, ok := t[k].(string); ok {
			attrs = append(attrs, core.Attribute{Key: k, Value: v})
		}
	}
	return key, attrs
}
