package postgres

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/miladsoleymani/pubsub/core"
	"github.com/miladsoleymani/pubsub/internal/offset"
)

// record is one row of the message table.
type record struct {
	ID          int64
	Payload     []byte
	Attributes  []core.Attribute
	OrderingKey string
	PublishedAt time.Time
}

// source reads one subscription's cursor. A listener goroutine turns
// notifications for the topic into wake-ups; Receive polls in between.
type source struct {
	d     *Driver
	topic string // resource
	name  string // logical topic name
	sub   string // cursor key

	wake       chan struct{}
	done       chan struct{}
	stopListen context.CancelFunc
	listening  sync.WaitGroup

	tracker offset.Tracker

	mu       sync.Mutex
	ready    bool
	read     int64 // highest row fetched
	buffered []record
	requeued []record
	attempts map[int64]int
	closed   bool
}

func newSource(d *Driver, topic, name, sub string) *source {
	return &source{
		d:        d,
		topic:    topic,
		name:     name,
		sub:      sub,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		attempts: make(map[int64]int),
	}
}

// start loads the cursor and starts the listener on first use.
func (s *source) start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrClosed
	}
	if s.ready {
		return nil
	}
	if err := s.d.setup(ctx); err != nil {
		return err
	}

	cursors := s.d.table("pubsub_cursors")
	upsert := fmt.Sprintf(`
INSERT INTO %s (subscription, topic) VALUES ($1, $2)
ON CONFLICT (subscription) DO UPDATE SET topic = EXCLUDED.topic
RETURNING position`, cursors)
	if err := s.d.pool.QueryRow(ctx, upsert, s.sub, s.topic).Scan(&s.read); err != nil {
		return fmt.Errorf("pubsub/postgres: load cursor %q: %w", s.sub, classify(err))
	}

	lctx, cancel := context.WithCancel(context.Background())
	s.stopListen = cancel
	s.listening.Add(1)
	go s.listen(lctx)

	s.ready = true
	return nil
}

// listen keeps a dedicated LISTEN connection open until the source closes.
func (s *source) listen(ctx context.Context) {
	defer s.listening.Done()
	for ctx.Err() == nil {
		if err := s.listenOnce(ctx); err != nil && ctx.Err() == nil {
			select {
			case <-time.After(s.d.opts.pollInterval):
			case <-ctx.Done():
			}
		}
	}
}

func (s *source) listenOnce(ctx context.Context) error {
	pc, err := s.d.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn := pc.Hijack()
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{notifyChannel}.Sanitize()); err != nil {
		return err
	}
	// Rows committed before LISTEN took effect have no notification.
	s.signal()

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		if n.Payload == s.topic {
			s.signal()
		}
	}
}

func (s *source) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *source) Receive(ctx context.Context) (core.Envelope, error) {
	if err := s.start(ctx); err != nil {
		return nil, err
	}

	for {
		if env := s.next(); env != nil {
			return env, nil
		}
		n, err := s.fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if n > 0 {
			continue
		}

		timer := time.NewTimer(s.d.opts.pollInterval)
		select {
		case <-s.wake:
		case <-timer.C:
		case <-s.done:
			timer.Stop()
			return nil, core.ErrClosed
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
		timer.Stop()
	}
}

// next pops a requeued or buffered row.
func (s *source) next() core.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()

	var r record
	switch {
	case len(s.requeued) > 0:
		r, s.requeued = s.requeued[0], s.requeued[1:]
	case len(s.buffered) > 0:
		r, s.buffered = s.buffered[0], s.buffered[1:]
	default:
		return nil
	}

	s.attempts[r.ID]++
	data, err := core.NewMessageData(r.Payload, r.Attributes...)
	if err != nil {
		data, _ = core.NewMessageData(r.Payload)
	}
	msg := &core.Message{
		ID:          core.MessageID(strconv.FormatInt(r.ID, 10)),
		Data:        data,
		OrderingKey: r.OrderingKey,
		Topic:       s.name,
		Attempt:     s.attempts[r.ID],
		PublishTime: r.PublishedAt,
	}
	return &envelope{src: s, raw: r, msg: msg}
}

// fetch reads the rows after the highest one seen and returns how many.
func (s *source) fetch(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, core.ErrClosed
	}
	after := s.read
	s.mu.Unlock()

	query := fmt.Sprintf(`
SELECT id, payload, attributes, ordering_key, published_at
FROM %s WHERE topic = $1 AND id > $2 ORDER BY id LIMIT $3`, s.d.table("pubsub_messages"))
	rows, err := s.d.pool.Query(ctx, query, s.topic, after, s.d.opts.batchSize)
	if err != nil {
		return 0, s.readErr(err)
	}
	recs, err := pgx.CollectRows(rows, pgx.RowToStructByPos[record])
	if err != nil {
		return 0, s.readErr(err)
	}
	if len(recs) == 0 {
		return 0, nil
	}

	for _, r := range recs {
		s.tracker.Track(0, r.ID)
	}
	s.mu.Lock()
	s.buffered = append(s.buffered, recs...)
	s.read = recs[len(recs)-1].ID
	s.mu.Unlock()
	return len(recs), nil
}

func (s *source) readErr(err error) error {
	if s.d.isClosed() {
		return core.ErrClosed
	}
	return fmt.Errorf("pubsub/postgres: read %q: %w", s.topic, classify(err))
}

// commit advances the cursor once every earlier row is settled.
func (s *source) commit(ctx context.Context, r record) error {
	s.mu.Lock()
	delete(s.attempts, r.ID)
	s.mu.Unlock()

	pos, ok := s.tracker.Done(0, r.ID)
	if !ok {
		return nil
	}
	update := fmt.Sprintf(
		"UPDATE %s SET position = $2 WHERE subscription = $1 AND position < $2",
		s.d.table("pubsub_cursors"))
	if _, err := s.d.pool.Exec(ctx, update, s.sub, pos); err != nil {
		return fmt.Errorf("pubsub/postgres: advance cursor %q: %w", s.sub, classify(err))
	}
	return nil
}

func (s *source) requeue(r record) {
	s.mu.Lock()
	s.requeued = append(s.requeued, r)
	s.mu.Unlock()
	s.signal()
}

func (s *source) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	stop := s.stopListen
	s.mu.Unlock()

	if stop != nil {
		stop()
		s.listening.Wait()
	}
	return nil
}

// envelope settles one delivery. Only the first Ack or Nack has an effect.
type envelope struct {
	src     *source
	raw     record
	msg     *core.Message
	settled atomic.Bool
}

func (e *envelope) Message() *core.Message { return e.msg }

func (e *envelope) Ack(ctx context.Context) error {
	if !e.settled.CompareAndSwap(false, true) {
		return nil
	}
	return e.src.commit(ctx, e.raw)
}

// Nack hands the row back to this source for redelivery.
func (e *envelope) Nack(context.Context) error {
	if e.settled.CompareAndSwap(false, true) {
		e.src.requeue(e.raw)
	}
	return nil
}
