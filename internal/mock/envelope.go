package mock

import (
	"context"
	"sync"

	"github.com/miladsoleymani/pubsub/core"
)

// Envelope is a core.Envelope that records how it was settled.
type Envelope struct {
	msg *core.Message

	AckErr  error
	NackErr error

	mu      sync.Mutex
	acked   bool
	nacked  bool
	once    sync.Once
	settled chan struct{}
}

func NewEnvelope(msg *core.Message) *Envelope {
	return &Envelope{msg: msg, settled: make(chan struct{})}
}

func (e *Envelope) Message() *core.Message { return e.msg }

func (e *Envelope) Ack(context.Context) error {
	e.mu.Lock()
	e.acked = true
	e.mu.Unlock()
	e.once.Do(func() { close(e.settled) })
	return e.AckErr
}

func (e *Envelope) Nack(context.Context) error {
	e.mu.Lock()
	e.nacked = true
	e.mu.Unlock()
	e.once.Do(func() { close(e.settled) })
	return e.NackErr
}

// Settled is closed after the first Ack or Nack.
func (e *Envelope) Settled() <-chan struct{} { return e.settled }

func (e *Envelope) Acked() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.acked
}

func (e *Envelope) Nacked() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nacked
}
