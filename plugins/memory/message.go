package memory

import (
	"context"
	"sync/atomic"

	"github.com/miladsoleymani/pubsub/core"
)

// envelope settles one delivery of a log entry. Only the first Ack or Nack
// has an effect.
type envelope struct {
	src     *source
	idx     int
	msg     *core.Message
	settled atomic.Bool
}

func (e *envelope) Message() *core.Message { return e.msg }

func (e *envelope) Ack(context.Context) error {
	if e.settled.CompareAndSwap(false, true) {
		e.src.settle(e.idx, false)
	}
	return nil
}

func (e *envelope) Nack(context.Context) error {
	if e.settled.CompareAndSwap(false, true) {
		e.src.settle(e.idx, true)
	}
	return nil
}
