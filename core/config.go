package core

import (
	"fmt"
	"time"
)

// TopicConfig describes one logical topic. It is read-only once loaded.
type TopicConfig struct {
	// Name is the logical name callers use.
	Name string `yaml:"name"`

	// Cluster names the cluster (backend identity) hosting the topic.
	Cluster string `yaml:"cluster"`

	// ProviderName is the broker-side name. Defaults to Name.
	ProviderName string `yaml:"provider_name,omitempty"`

	// OrderingEnabled allows publishing with an ordering key.
	OrderingEnabled bool `yaml:"ordering_enabled"`
}

// Resource returns the name the backend should use for the topic.
func (c TopicConfig) Resource() string {
	if c.ProviderName != "" {
		return c.ProviderName
	}
	return c.Name
}

func (c TopicConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: topic name is required", ErrConfiguration)
	}
	return nil
}

// RetryPolicy controls redelivery of messages whose handler failed.
// There are no implied defaults: the zero value means a single attempt.
type RetryPolicy struct {
	// MaxRetries is the number of redeliveries after the first attempt.
	// Negative means retry forever.
	MaxRetries int `yaml:"max_retries"`

	// MinBackoff is the delay before the first redelivery.
	MinBackoff time.Duration `yaml:"min_backoff"`

	// MaxBackoff caps the exponential delay. Zero leaves it uncapped.
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// allows reports whether another attempt may follow the given failed attempt.
func (p RetryPolicy) allows(attempt int) bool {
	return p.MaxRetries < 0 || attempt <= p.MaxRetries
}

func (p RetryPolicy) Validate() error {
	if p.MinBackoff < 0 || p.MaxBackoff < 0 {
		return fmt.Errorf("%w: negative backoff", ErrConfiguration)
	}
	if p.MaxBackoff > 0 && p.MaxBackoff < p.MinBackoff {
		return fmt.Errorf("%w: max_backoff %s is below min_backoff %s", ErrConfiguration, p.MaxBackoff, p.MinBackoff)
	}
	return nil
}

// SubscriptionConfig describes one subscription to a topic.
type SubscriptionConfig struct {
	Name         string `yaml:"name"`
	Topic        string `yaml:"topic"`
	ProviderName string `yaml:"provider_name,omitempty"`

	Retry RetryPolicy `yaml:"retry"`

	// DeadLetterTopic receives messages that exhausted their attempts.
	// Empty means exhausted messages are dropped after logging.
	DeadLetterTopic string `yaml:"dead_letter_topic,omitempty"`

	// MaxConcurrency bounds parallel handler invocations. Values below 1 mean 1.
	MaxConcurrency int `yaml:"max_concurrency,omitempty"`

	// AckDeadline bounds a single handler invocation. Zero means no limit.
	AckDeadline time.Duration `yaml:"ack_deadline,omitempty"`
}

// Resource returns the name the backend should use for the subscription.
func (c SubscriptionConfig) Resource() string {
	if c.ProviderName != "" {
		return c.ProviderName
	}
	return c.Name
}

// Concurrency returns the effective number of handler slots.
func (c SubscriptionConfig) Concurrency() int {
	return max(c.MaxConcurrency, 1)
}

func (c SubscriptionConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: subscription name is required", ErrConfiguration)
	}
	if c.Topic == "" {
		return fmt.Errorf("%w: subscription %q has no topic", ErrConfiguration, c.Name)
	}
	if c.AckDeadline < 0 {
		return fmt.Errorf("%w: subscription %q has a negative ack_deadline", ErrConfiguration, c.Name)
	}
	if c.DeadLetterTopic != "" && c.DeadLetterTopic == c.Topic {
		return fmt.Errorf("%w: subscription %q dead-letters into its own topic", ErrConfiguration, c.Name)
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("subscription %q: %w", c.Name, err)
	}
	return nil
}
