package core

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// State is the lifecycle position of a Subscription.
type State int32

const (
	StateIdle State = iota
	StateDelivering
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDelivering:
		return "delivering"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// Attributes added to messages routed to a dead-letter topic.
const (
	AttrDeadLetterSubscription = "dead_letter.subscription"
	AttrDeadLetterMessageID    = "dead_letter.message_id"
	AttrDeadLetterAttempts     = "dead_letter.attempts"
	AttrDeadLetterError        = "dead_letter.error"
)

type subscription struct {
	cfg        SubscriptionConfig
	topic      TopicConfig
	src        Source
	deadLetter Topic
	mws        []Middleware
	logger     *zap.Logger

	state atomic.Int32
}

// NewSubscription runs the delivery loop for cfg on top of a backend Source.
func NewSubscription(cfg SubscriptionConfig, topic TopicConfig, src Source, opts ...Option) Subscription {
	o := buildOptions(opts)
	return &subscription{
		cfg:        cfg,
		topic:      topic,
		src:        src,
		deadLetter: o.deadLetter,
		mws:        o.middlewares,
		logger: o.logger.With(
			zap.String("subscription", cfg.Name),
			zap.String("topic", topic.Name),
		),
	}
}

func (s *subscription) Name() string { return s.cfg.Name }

func (s *subscription) State() State { return State(s.state.Load()) }

// Subscribe delivers messages to h until ctx is cancelled, in which case it
// stops receiving, lets in-flight handlers finish and returns nil. A
// configuration or fatal backend error ends the loop with that error.
func (s *subscription) Subscribe(ctx context.Context, h SubHandler) error {
	if h == nil {
		return fmt.Errorf("%w: subscription %q: nil handler", ErrConfiguration, s.cfg.Name)
	}
	for {
		cur := s.state.Load()
		if State(cur) == StateDelivering {
			return fmt.Errorf("%w: %q", ErrAlreadySubscribed, s.cfg.Name)
		}
		if s.state.CompareAndSwap(cur, int32(StateDelivering)) {
			break
		}
	}

	s.logger.Info("subscription delivering")
	err := s.deliver(ctx, Chain(h, s.mws...))
	if err != nil {
		s.state.Store(int32(StateFailed))
		s.logger.Error("subscription failed", zap.Error(err))
		return fmt.Errorf("pubsub: subscription %q: %w", s.cfg.Name, err)
	}
	s.state.Store(int32(StateStopped))
	s.logger.Info("subscription stopped")
	return nil
}

func (s *subscription) deliver(ctx context.Context, h SubHandler) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	// Cancelled on every return, so in-flight envelopes stop waiting between
	// attempts and are nacked before Subscribe reports the outcome.
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	slots := make(chan struct{}, s.cfg.Concurrency())
	order := newLanes()
	pause := receiveBackoff()

	for {
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			return nil
		}

		env, err := s.src.Receive(ctx)
		if err != nil {
			<-slots
			if ctx.Err() != nil {
				return nil
			}
			if terminal(err) {
				return err
			}
			d := next(pause)
			s.logger.Warn("receive failed, retrying", zap.Error(err), zap.Duration("backoff", d))
			if !sleep(ctx, d) {
				return nil
			}
			continue
		}
		pause.Reset()

		wait, leave := order.enter(env.Message().OrderingKey)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-slots }()
			defer leave()
			if wait != nil {
				<-wait
			}
			s.process(ctx, h, env)
		}()
	}
}

// process runs the handler for one envelope and settles it. Handlers and
// settlement use a context that survives shutdown so in-flight work is never
// left half acknowledged; only waiting between attempts observes ctx.
func (s *subscription) process(ctx context.Context, h SubHandler, env Envelope) {
	settleCtx := context.WithoutCancel(ctx)
	msg := *env.Message()
	if msg.Attempt < 1 {
		msg.Attempt = 1
	}
	msg.Subscription = s.cfg.Name
	if msg.Topic == "" {
		msg.Topic = s.topic.Name
	}
	log := s.logger.With(zap.String("message_id", string(msg.ID)))

	if ctx.Err() != nil {
		s.nack(settleCtx, env, log)
		return
	}

	delays := s.cfg.Retry.schedule()
	for {
		err := s.invoke(settleCtx, h, &msg)
		if err == nil {
			if err := env.Ack(settleCtx); err != nil {
				log.Warn("ack failed", zap.Error(err))
			}
			return
		}

		log.Warn("handler failed", zap.Int("attempt", msg.Attempt), zap.Error(err))
		if errors.Is(err, ErrUnrecoverable) || !s.cfg.Retry.allows(msg.Attempt) {
			s.exhausted(ctx, env, &msg, err, log)
			return
		}
		if !sleep(ctx, next(delays)) {
			s.nack(settleCtx, env, log)
			return
		}
		msg.Attempt++
	}
}

func (s *subscription) invoke(ctx context.Context, h SubHandler, msg *Message) (err error) {
	if s.cfg.AckDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.AckDeadline)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			s.logger.Error("handler panicked", zap.Any("panic", r), zap.ByteString("stack", buf[:n]))
			err = fmt.Errorf("%w: panic: %v", ErrHandler, r)
		}
	}()
	if err := h(ctx, msg); err != nil {
		if !errors.Is(err, ErrHandler) {
			err = fmt.Errorf("%w: %w", ErrHandler, err)
		}
		return err
	}
	return nil
}

// exhausted routes a message that will not be retried any more. A transient
// dead-letter failure is retried while ctx lasts, keeping the ordering lane;
// anything else nacks.
func (s *subscription) exhausted(ctx context.Context, env Envelope, msg *Message, cause error, log *zap.Logger) {
	settleCtx := context.WithoutCancel(ctx)
	if s.deadLetter == nil {
		log.Error("message dropped after final attempt", zap.Int("attempts", msg.Attempt), zap.Error(cause))
		if err := env.Ack(settleCtx); err != nil {
			log.Warn("ack failed", zap.Error(err))
		}
		return
	}

	data := msg.Data.
		WithAttribute(AttrDeadLetterSubscription, s.cfg.Name).
		WithAttribute(AttrDeadLetterMessageID, string(msg.ID)).
		WithAttribute(AttrDeadLetterAttempts, strconv.Itoa(msg.Attempt)).
		WithAttribute(AttrDeadLetterError, cause.Error())

	pause := receiveBackoff()
	for {
		id, err := s.deadLetter.Publish(settleCtx, data, "")
		if err == nil {
			log.Info("message dead-lettered",
				zap.String("dead_letter_topic", s.deadLetter.Name()),
				zap.String("dead_letter_id", string(id)),
				zap.Int("attempts", msg.Attempt))
			if err := env.Ack(settleCtx); err != nil {
				log.Warn("ack failed", zap.Error(err))
			}
			return
		}

		log.Error("dead-letter publish failed", zap.String("dead_letter_topic", s.deadLetter.Name()), zap.Error(err))
		if terminal(err) || !sleep(ctx, next(pause)) {
			s.nack(settleCtx, env, log)
			return
		}
	}
}

func (s *subscription) nack(ctx context.Context, env Envelope, log *zap.Logger) {
	if err := env.Nack(ctx); err != nil {
		log.Warn("nack failed", zap.Error(err))
	}
}
