package pubsub

import (
	"go.uber.org/zap"

	"github.com/miladsoleymani/pubsub/cluster"
	"github.com/miladsoleymani/pubsub/core"
)

// Option configures a Manager.
type Option func(*options)

type options struct {
	logger      *zap.Logger
	middlewares []core.Middleware
}

func defaults() options {
	return options{logger: zap.NewNop()}
}

func (o options) clusterOptions() []cluster.Option {
	return []cluster.Option{
		cluster.WithLogger(o.logger),
		cluster.WithMiddleware(o.middlewares...),
	}
}

// WithLogger sets the logger of the manager and every cluster it opens.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMiddleware wraps the handlers of every subscription.
func WithMiddleware(mws ...core.Middleware) Option {
	return func(o *options) { o.middlewares = append(o.middlewares, mws...) }
}
