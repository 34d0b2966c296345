package noop

// Option configures the no-op driver.
type Option func(*options)

type options struct {
	reason error
}

func defaults() options {
	return options{}
}

// WithReason records why no real backend is available. It is appended to
// every publish error.
func WithReason(err error) Option {
	return func(o *options) { o.reason = err }
}
