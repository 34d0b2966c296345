package mock

import (
	"context"
	"sync"

	"github.com/miladsoleymani/pubsub/core"
)

type item struct {
	env *Envelope
	err error
}

// Source is a scripted core.Source. Tests push envelopes or errors and the
// delivery loop receives them in order.
type Source struct {
	ch chan item

	mu     sync.Mutex
	closed bool
}

func NewSource() *Source {
	return &Source{ch: make(chan item, 256)}
}

// Deliver queues msg for the next Receive and returns its envelope.
func (s *Source) Deliver(msg *core.Message) *Envelope {
	env := NewEnvelope(msg)
	s.ch <- item{env: env}
	return env
}

// Fail makes the next Receive return err.
func (s *Source) Fail(err error) {
	s.ch <- item{err: err}
}

func (s *Source) Receive(ctx context.Context) (core.Envelope, error) {
	select {
	case it := <-s.ch:
		if it.err != nil {
			return nil, it.err
		}
		return it.env, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// IsClosed reports whether Close was called.
func (s *Source) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
