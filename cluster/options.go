package cluster

import (
	"go.uber.org/zap"

	"github.com/miladsoleymani/pubsub/core"
)

// Option configures a Cluster.
type Option func(*options)

type options struct {
	logger      *zap.Logger
	middlewares []core.Middleware
}

func defaults() options {
	return options{logger: zap.NewNop()}
}

// WithLogger sets the logger passed down to every topic and subscription.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMiddleware wraps the handlers of every subscription of the cluster.
func WithMiddleware(mws ...core.Middleware) Option {
	return func(o *options) { o.middlewares = append(o.middlewares, mws...) }
}
