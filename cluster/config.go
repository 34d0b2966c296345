package cluster

// Config identifies one backend instance. Topics and subscriptions naming the
// cluster share its driver.
// Backend plugins extract the fields they need.
type Config struct {
	// Name is the logical cluster name topics refer to.
	Name string `yaml:"name"`

	// Backend selects a registered driver, e.g. "kafka" or "nats".
	Backend string `yaml:"backend"`

	// Brokers is a list of broker addresses (e.g., "localhost:9092").
	Brokers []string `yaml:"brokers,omitempty"`

	// Group prefixes consumer group names where the backend has them.
	Group string `yaml:"group,omitempty"`

	// Extra holds plugin-specific configuration.
	Extra map[string]any `yaml:"extra,omitempty"`
}
