package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/segmentio/kafka-go"

	"github.com/miladsoleymani/pubsub/core"
	"github.com/miladsoleymani/pubsub/internal/offset"
)

// Reserved headers. Every other header is a message attribute.
const (
	headerMessageID   = "x-message-id"
	headerOrderingKey = "x-ordering-key"
)

type position struct {
	partition int
	offset    int64
}

type fetched struct {
	msg kafka.Message
	err error
}

// source consumes one subscription. A background fetch loop feeds Receive;
// nacked messages are handed out again before anything new.
type source struct {
	cfg   kafka.ReaderConfig
	topic string

	startOnce sync.Once
	reader    *kafka.Reader
	fetches   chan fetched
	stop      context.CancelFunc
	stopped   chan struct{}

	tracker offset.Tracker

	mu       sync.Mutex
	requeued []*envelope
	wake     chan struct{}
	attempts map[position]int
	closed   bool
}

func newSource(cfg kafka.ReaderConfig, topic string) *source {
	return &source{
		cfg:      cfg,
		topic:    topic,
		fetches:  make(chan fetched),
		wake:     make(chan struct{}, 1),
		attempts: make(map[position]int),
	}
}

func (s *source) start() {
	s.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		s.stop = cancel
		s.stopped = make(chan struct{})
		s.reader = kafka.NewReader(s.cfg)
		go s.fetchLoop(ctx)
	})
}

func (s *source) fetchLoop(ctx context.Context) {
	defer close(s.stopped)
	for {
		m, err := s.reader.FetchMessage(ctx)
		if ctx.Err() != nil {
			return
		}
		select {
		case s.fetches <- fetched{msg: m, err: err}:
		case <-ctx.Done():
			return
		}
	}
}

func (s *source) Receive(ctx context.Context) (core.Envelope, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, core.ErrClosed
	}
	s.mu.Unlock()
	s.start()

	for {
		if env := s.popRequeued(); env != nil {
			return env, nil
		}

		select {
		case <-s.wake:
		case f := <-s.fetches:
			if f.err != nil {
				if errors.Is(f.err, io.EOF) {
					return nil, core.ErrClosed
				}
				return nil, fmt.Errorf("pubsub/kafka: fetch %q: %w", s.cfg.Topic, classify(f.err))
			}
			return s.deliver(f.msg), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *source) deliver(m kafka.Message) *envelope {
	s.tracker.Track(m.Partition, m.Offset)

	pos := position{m.Partition, m.Offset}
	s.mu.Lock()
	s.attempts[pos]++
	attempt := s.attempts[pos]
	s.mu.Unlock()

	msg := fromKafka(m)
	msg.Topic = s.topic
	msg.Attempt = attempt
	return &envelope{src: s, raw: m, msg: msg}
}

func (s *source) popRequeued() *envelope {
	s.mu.Lock()
	if len(s.requeued) == 0 {
		s.mu.Unlock()
		return nil
	}
	old := s.requeued[0]
	s.requeued = s.requeued[1:]
	s.mu.Unlock()
	return s.deliver(old.raw)
}

func (s *source) requeue(e *envelope) {
	s.mu.Lock()
	s.requeued = append(s.requeued, e)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *source) commit(ctx context.Context, m kafka.Message) error {
	s.mu.Lock()
	delete(s.attempts, position{m.Partition, m.Offset})
	s.mu.Unlock()

	off, ok := s.tracker.Done(m.Partition, m.Offset)
	if !ok {
		return nil
	}
	err := s.reader.CommitMessages(ctx, kafka.Message{Topic: m.Topic, Partition: m.Partition, Offset: off})
	if err != nil {
		return fmt.Errorf("pubsub/kafka: commit offset: %w", classify(err))
	}
	return nil
}

func (s *source) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	// Prevent a later start and wait for a concurrent one.
	s.startOnce.Do(func() {})
	if s.reader == nil {
		return nil
	}
	s.stop()
	<-s.stopped
	if err := s.reader.Close(); err != nil {
		return fmt.Errorf("pubsub/kafka: close reader: %w", err)
	}
	return nil
}

// envelope settles one delivery. Only the first Ack or Nack has an effect.
type envelope struct {
	src     *source
	raw     kafka.Message
	msg     *core.Message
	settled atomic.Bool
}

func (e *envelope) Message() *core.Message { return e.msg }

// Ack commits the offset once every earlier message of the partition is settled.
func (e *envelope) Ack(ctx context.Context) error {
	if !e.settled.CompareAndSwap(false, true) {
		return nil
	}
	return e.src.commit(ctx, e.raw)
}

// Nack hands the message back to this source for redelivery. The offset
// stays uncommitted, so a restart redelivers it as well.
func (e *envelope) Nack(context.Context) error {
	if e.settled.CompareAndSwap(false, true) {
		e.src.requeue(e)
	}
	return nil
}

// toHeaders encodes the message id, the ordering key and the attributes in order.
func toHeaders(id, key string, attrs []core.Attribute) []kafka.Header {
	headers := make([]kafka.Header, 0, len(attrs)+2)
	headers = append(headers, kafka.Header{Key: headerMessageID, Value: []byte(id)})
	if key != "" {
		headers = append(headers, kafka.Header{Key: headerOrderingKey, Value: []byte(key)})
	}
	for _, a := range attrs {
		headers = append(headers, kafka.Header{Key: a.Key, Value: []byte(a.Value)})
	}
	return headers
}

// fromKafka decodes a fetched record. Repeated attribute headers keep the
// first value.
func fromKafka(m kafka.Message) *core.Message {
	msg := &core.Message{PublishTime: m.Time}
	attrs := make([]core.Attribute, 0, len(m.Headers))
	seen := make(map[string]bool, len(m.Headers))
	for _, h := range m.Headers {
		switch h.Key {
		case headerMessageID:
			msg.ID = core.MessageID(h.Value)
		case headerOrderingKey:
			msg.OrderingKey = string(h.Value)
		default:
			if seen[h.Key] {
				continue
			}
			seen[h.Key] = true
			attrs = append(attrs, core.Attribute{Key: h.Key, Value: string(h.Value)})
		}
	}
	if msg.ID == "" {
		msg.ID = core.MessageID(fmt.Sprintf("%s/%d/%d", m.Topic, m.Partition, m.Offset))
	}
	if msg.OrderingKey == "" && len(m.Key) > 0 {
		msg.OrderingKey = string(m.Key)
	}
	msg.Data, _ = core.NewMessageData(m.Value, attrs...)
	return msg
}
