package config

import (
	"errors"
	"fmt"

	"github.com/miladsoleymani/pubsub/core"
)

// ValidationError is one problem found in a file, with its location.
type ValidationError struct {
	Path string // e.g. "subscriptions[2].topic"
	Err  error
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

// Unwrap exposes the error kind, core.ErrConfiguration for every problem
// Validate reports.
func (e ValidationError) Unwrap() error { return e.Err }

func invalid(path, format string, args ...any) error {
	return ValidationError{Path: path, Err: fmt.Errorf("%w: "+format, append([]any{core.ErrConfiguration}, args...)...)}
}

// Validate checks every entry and every cross reference. All problems are
// reported together.
func (f *File) Validate() error {
	var errs []error

	clusters := make(map[string]bool, len(f.Clusters))
	for i, c := range f.Clusters {
		path := fmt.Sprintf("clusters[%d]", i)
		switch {
		case c.Name == "":
			errs = append(errs, invalid(path+".name", "must not be empty"))
		case clusters[c.Name]:
			errs = append(errs, invalid(path+".name", "duplicate cluster %q", c.Name))
		}
		if c.Backend == "" {
			errs = append(errs, invalid(path+".backend", "must not be empty"))
		}
		clusters[c.Name] = true
	}

	topics := make(map[string]core.TopicConfig, len(f.Topics))
	for i, t := range f.Topics {
		path := fmt.Sprintf("topics[%d]", i)
		if err := t.Validate(); err != nil {
			errs = append(errs, ValidationError{Path: path, Err: err})
			continue
		}
		if _, dup := topics[t.Name]; dup {
			errs = append(errs, invalid(path+".name", "duplicate topic %q", t.Name))
		}
		topics[t.Name] = t
		if !clusters[t.Cluster] {
			errs = append(errs, invalid(path+".cluster", "unknown cluster %q", t.Cluster))
		}
	}

	subs := make(map[string]bool, len(f.Subscriptions))
	for i, s := range f.Subscriptions {
		path := fmt.Sprintf("subscriptions[%d]", i)
		if err := s.Validate(); err != nil {
			errs = append(errs, ValidationError{Path: path, Err: err})
			continue
		}
		if subs[s.Name] {
			errs = append(errs, invalid(path+".name", "duplicate subscription %q", s.Name))
		}
		subs[s.Name] = true
		topic, ok := topics[s.Topic]
		if !ok {
			errs = append(errs, invalid(path+".topic", "unknown topic %q", s.Topic))
		}
		if s.DeadLetterTopic == "" {
			continue
		}
		// Dead letters are published through the subscription's cluster.
		switch dlq, ok := topics[s.DeadLetterTopic]; {
		case !ok:
			errs = append(errs, invalid(path+".dead_letter_topic", "unknown topic %q", s.DeadLetterTopic))
		case topic.Cluster != "" && dlq.Cluster != topic.Cluster:
			errs = append(errs, invalid(path+".dead_letter_topic", "topic %q is on cluster %q, not %q", dlq.Name, dlq.Cluster, topic.Cluster))
		}
	}

	return errors.Join(errs...)
}
