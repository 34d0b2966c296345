package core

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Router runs a set of subscriptions with shared middleware.
//
//	r := core.NewRouter()
//	r.Use(middleware.Recovery(logger))
//	r.Handle(c.Subscription(subCfg, topicCfg), handler)
//	err := r.Start(ctx)
type Router struct {
	mu          sync.Mutex
	middlewares []Middleware
	routes      []route
	logger      *zap.Logger
	started     bool
}

type route struct {
	sub     Subscription
	handler SubHandler
}

// NewRouter creates an empty Router.
func NewRouter(opts ...Option) *Router {
	o := buildOptions(opts)
	return &Router{logger: o.logger, middlewares: o.middlewares}
}

// Use registers middleware applied to every route. Middleware registered
// first wraps outermost.
func (r *Router) Use(m Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middlewares = append(r.middlewares, m)
}

// Handle binds a handler to a subscription.
func (r *Router) Handle(sub Subscription, h SubHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, route{sub: sub, handler: h})
}

// Start runs every registered subscription and blocks until ctx is cancelled
// (nil) or one subscription fails, which stops the others and returns its error.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return ErrAlreadyStarted
	}
	r.started = true

	// Snapshot routes and middleware under lock
	routes := make([]route, len(r.routes))
	copy(routes, r.routes)
	mws := make([]Middleware, len(r.middlewares))
	copy(mws, r.middlewares)
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.started = false
		r.mu.Unlock()
	}()

	if len(routes) == 0 {
		<-ctx.Done()
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, rt := range routes {
		h := Chain(rt.handler, mws...)
		g.Go(func() error {
			r.logger.Debug("starting subscription", zap.String("subscription", rt.sub.Name()))
			return rt.sub.Subscribe(gctx, h)
		})
	}
	return g.Wait()
}
