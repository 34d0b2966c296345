package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/miladsoleymani/pubsub/core"
)

// source reads one consumer group. Entries are fetched in batches and handed
// out one by one; nacked entries go out again before anything new.
type source struct {
	d      *Driver
	stream string
	topic  string
	group  string

	mu       sync.Mutex
	ready    bool
	pending  bool   // still replaying this consumer's pending entries
	cursor   string // last pending entry replayed
	buffered []redis.XMessage
	requeued []redis.XMessage
	attempts map[string]int
	closed   bool
}

func newSource(d *Driver, stream, topic, group string) *source {
	return &source{
		d:        d,
		stream:   stream,
		topic:    topic,
		group:    group,
		pending:  true,
		cursor:   "0",
		attempts: make(map[string]int),
	}
}

// ensureGroup creates the consumer group (and the stream) on first use.
func (s *source) ensureGroup(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrClosed
	}
	if s.ready {
		return nil
	}
	err := s.d.client.XGroupCreateMkStream(ctx, s.stream, s.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("pubsub/redis: create group %q on %q: %w", s.group, s.stream, classify(err))
	}
	s.ready = true
	return nil
}

func (s *source) Receive(ctx context.Context) (core.Envelope, error) {
	if err := s.ensureGroup(ctx); err != nil {
		return nil, err
	}

	for {
		if env := s.next(); env != nil {
			return env, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := s.fetch(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
	}
}

// next pops a requeued or buffered entry.
func (s *source) next() core.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		m      redis.XMessage
		replay bool
	)
	switch {
	case len(s.requeued) > 0:
		m, s.requeued = s.requeued[0], s.requeued[1:]
	case len(s.buffered) > 0:
		m, s.buffered = s.buffered[0], s.buffered[1:]
		replay = s.pending
	default:
		return nil
	}

	s.attempts[m.ID]++
	if replay && s.attempts[m.ID] == 1 {
		// Delivered by an earlier run.
		s.attempts[m.ID]++
	}
	attempt := s.attempts[m.ID]

	msg := decode(m)
	msg.Topic = s.topic
	msg.Attempt = attempt
	return &envelope{src: s, raw: m, msg: msg}
}

// fetch reads the next batch: first this consumer's pending entries, then
// new ones, blocking up to the configured time.
func (s *source) fetch(ctx context.Context) error {
	s.mu.Lock()
	pending, cursor := s.pending, s.cursor
	s.mu.Unlock()

	args := &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.d.opts.consumer,
		Count:    s.d.opts.count,
		Block:    s.d.opts.block,
	}
	if pending {
		args.Streams = []string{s.stream, cursor}
		args.Block = -1
	} else {
		args.Streams = []string{s.stream, ">"}
	}

	res, err := s.d.client.XReadGroup(ctx, args).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("pubsub/redis: read %q: %w", s.stream, classify(err))
	}

	var msgs []redis.XMessage
	for _, st := range res {
		msgs = append(msgs, st.Messages...)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if pending {
		if len(msgs) == 0 {
			s.pending = false
			return nil
		}
		s.cursor = msgs[len(msgs)-1].ID
	}
	s.buffered = append(s.buffered, msgs...)
	return nil
}

func (s *source) ack(ctx context.Context, m redis.XMessage) error {
	s.mu.Lock()
	delete(s.attempts, m.ID)
	s.mu.Unlock()

	if err := s.d.client.XAck(ctx, s.stream, s.group, m.ID).Err(); err != nil {
		return fmt.Errorf("pubsub/redis: ack %s: %w", m.ID, classify(err))
	}
	return nil
}

func (s *source) requeue(m redis.XMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requeued = append(s.requeued, m)
}

func (s *source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// envelope settles one delivery. Only the first Ack or Nack has an effect.
type envelope struct {
	src     *source
	raw     redis.XMessage
	msg     *core.Message
	settled atomic.Bool
}

func (e *envelope) Message() *core.Message { return e.msg }

func (e *envelope) Ack(ctx context.Context) error {
	if !e.settled.CompareAndSwap(false, true) {
		return nil
	}
	return e.src.ack(ctx, e.raw)
}

// Nack hands the entry back to this source. It stays pending in Redis.
func (e *envelope) Nack(context.Context) error {
	if e.settled.CompareAndSwap(false, true) {
		e.src.requeue(e.raw)
	}
	return nil
}
