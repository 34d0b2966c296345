package core

import "go.uber.org/zap"

// Option configures the generic Topic and Subscription.
type Option func(*options)

type options struct {
	logger      *zap.Logger
	deadLetter  Topic
	middlewares []Middleware
}

func buildOptions(fns []Option) options {
	o := options{logger: zap.NewNop()}
	for _, fn := range fns {
		fn(&o)
	}
	return o
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithDeadLetter sets the topic receiving messages that exhausted their attempts.
func WithDeadLetter(t Topic) Option {
	return func(o *options) { o.deadLetter = t }
}

// WithMiddleware wraps every handler passed to Subscribe.
func WithMiddleware(mws ...Middleware) Option {
	return func(o *options) { o.middlewares = append(o.middlewares, mws...) }
}
