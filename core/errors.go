package core

import (
	"errors"
	"fmt"
)

// Error kinds. Every error surfaced by this module wraps exactly one of them,
// so callers can classify with errors.Is.
var (
	// ErrConfiguration means a handle has no valid or reachable backend. It is
	// reported on every operation against that handle.
	ErrConfiguration = errors.New("pubsub: configuration error")

	// ErrTransport means the backend was reachable but the operation failed.
	ErrTransport = errors.New("pubsub: transport error")

	// ErrHandler marks a failure produced by application handler code.
	ErrHandler = errors.New("pubsub: handler error")

	// ErrFatal means the backend rejected us in a way retrying cannot fix,
	// e.g. an authentication failure.
	ErrFatal = errors.New("pubsub: fatal backend error")
)

var (
	// ErrTopicNotConfigured is returned by publish on topics with no backend.
	ErrTopicNotConfigured = fmt.Errorf("%w: topic not configured", ErrConfiguration)

	// ErrClosed is returned when operations are attempted on a closed cluster.
	ErrClosed = fmt.Errorf("%w: cluster is closed", ErrConfiguration)

	// ErrAlreadySubscribed is returned when Subscribe is called on a
	// subscription that is already delivering.
	ErrAlreadySubscribed = errors.New("pubsub: subscription already delivering")

	// ErrAlreadyStarted is returned when Start is called on a running router.
	ErrAlreadyStarted = errors.New("pubsub: router already started")

	// ErrUnrecoverable marks handler errors that must not be retried.
	ErrUnrecoverable = fmt.Errorf("%w: unrecoverable", ErrHandler)

	// ErrDuplicateAttribute is returned when message attributes repeat a key.
	ErrDuplicateAttribute = errors.New("pubsub: duplicate attribute key")
)

// Configuration wraps err as a configuration error.
func Configuration(err error) error { return wrapKind(ErrConfiguration, err) }

// Transport wraps err as a transport error.
func Transport(err error) error { return wrapKind(ErrTransport, err) }

// Fatal wraps err as a fatal backend error.
func Fatal(err error) error { return wrapKind(ErrFatal, err) }

// Unrecoverable wraps a handler error so the subscription skips the remaining
// attempts and routes the message straight to its dead-letter topic.
func Unrecoverable(err error) error { return wrapKind(ErrUnrecoverable, err) }

func wrapKind(kind, err error) error {
	if err == nil || errors.Is(err, kind) {
		return err
	}
	return fmt.Errorf("%w: %w", kind, err)
}

// classified reports whether err already carries one of the backend kinds.
func classified(err error) bool {
	return errors.Is(err, ErrConfiguration) || errors.Is(err, ErrTransport) || errors.Is(err, ErrFatal)
}

// terminal reports whether a receive error must stop the delivery loop.
func terminal(err error) bool {
	return errors.Is(err, ErrConfiguration) || errors.Is(err, ErrFatal)
}
