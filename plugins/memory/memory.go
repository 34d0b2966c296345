// Package memory is an in-process backend keeping one append-only log per
// topic. It is durable for the life of the Driver, which makes it a faithful
// stand-in for a broker in tests and local development.
package memory

import (
	"context"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/miladsoleymani/pubsub/cluster"
	"github.com/miladsoleymani/pubsub/core"
)

func init() {
	cluster.Register("memory", func(cluster.Config) (core.Driver, error) {
		return New(), nil
	})
}

// Driver implements core.Driver in memory.
//
// Design decisions:
//   - Each topic is a log of entries; the message ID is the 1-based position.
//   - Each subscription owns a cursor over its topic's log. Sources created for
//     the same subscription share the cursor and compete for messages.
//   - Nack puts a message back in front of unread ones; redeliveries go out in
//     publish order.
//   - Receive waits on a channel that is closed and replaced on every publish.
type Driver struct {
	mu     sync.Mutex
	topics map[string]*topicLog
	done   chan struct{}
	closed bool
}

// New creates an empty in-memory Driver.
func New() *Driver {
	return &Driver{
		topics: make(map[string]*topicLog),
		done:   make(chan struct{}),
	}
}

type entry struct {
	data core.MessageData
	key  string
	at   time.Time
}

type topicLog struct {
	mu      sync.Mutex
	entries []entry
	notify  chan struct{}
	cursors map[string]*cursor
}

type cursor struct {
	next      int
	redeliver []int       // ascending log indexes handed back by Nack
	attempts  map[int]int // deliveries of unsettled indexes
}

func (d *Driver) log(name string) *topicLog {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.topics[name]
	if !ok {
		l = &topicLog{notify: make(chan struct{}), cursors: make(map[string]*cursor)}
		d.topics[name] = l
	}
	return l
}

func (d *Driver) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Driver) Publisher(cfg core.TopicConfig) (core.Publisher, error) {
	return &publisher{d: d, log: d.log(cfg.Resource())}, nil
}

// Source attaches to the subscription's cursor, creating it at the start of
// the topic log on first use.
func (d *Driver) Source(cfg core.SubscriptionConfig, topic core.TopicConfig) (core.Source, error) {
	l := d.log(topic.Resource())

	l.mu.Lock()
	cur, ok := l.cursors[cfg.Resource()]
	if !ok {
		cur = &cursor{attempts: make(map[int]int)}
		l.cursors[cfg.Resource()] = cur
	}
	l.mu.Unlock()

	return &source{d: d, log: l, cur: cur, topic: topic.Name}, nil
}

// Close stops all receivers. Later operations fail with core.ErrClosed.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.done)
	}
	return nil
}

type publisher struct {
	d   *Driver
	log *topicLog
}

func (p *publisher) Publish(ctx context.Context, data core.MessageData, key string) (core.MessageID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if p.d.isClosed() {
		return "", core.ErrClosed
	}

	l := p.log
	l.mu.Lock()
	l.entries = append(l.entries, entry{data: data, key: key, at: time.Now()})
	id := core.MessageID(strconv.Itoa(len(l.entries)))
	close(l.notify)
	l.notify = make(chan struct{})
	l.mu.Unlock()

	return id, nil
}

type source struct {
	d     *Driver
	log   *topicLog
	cur   *cursor
	topic string
}

func (s *source) Receive(ctx context.Context) (core.Envelope, error) {
	for {
		if s.d.isClosed() {
			return nil, core.ErrClosed
		}

		l := s.log
		l.mu.Lock()
		idx, ok := s.take()
		if !ok {
			wait := l.notify
			l.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-s.d.done:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		s.cur.attempts[idx]++
		e := l.entries[idx]
		msg := &core.Message{
			ID:          core.MessageID(strconv.Itoa(idx + 1)),
			Data:        e.data,
			OrderingKey: e.key,
			Topic:       s.topic,
			Attempt:     s.cur.attempts[idx],
			PublishTime: e.at,
		}
		l.mu.Unlock()

		return &envelope{src: s, idx: idx, msg: msg}, nil
	}
}

// take picks the next log index for delivery. Callers hold log.mu.
func (s *source) take() (int, bool) {
	if len(s.cur.redeliver) > 0 {
		idx := s.cur.redeliver[0]
		s.cur.redeliver = s.cur.redeliver[1:]
		return idx, true
	}
	if s.cur.next < len(s.log.entries) {
		idx := s.cur.next
		s.cur.next++
		return idx, true
	}
	return 0, false
}

func (s *source) settle(idx int, requeue bool) {
	l := s.log
	l.mu.Lock()
	defer l.mu.Unlock()

	if !requeue {
		delete(s.cur.attempts, idx)
		return
	}
	i, _ := slices.BinarySearch(s.cur.redeliver, idx)
	s.cur.redeliver = slices.Insert(s.cur.redeliver, i, idx)
	close(l.notify)
	l.notify = make(chan struct{})
}

func (s *source) Close() error { return nil }
