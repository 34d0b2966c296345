// Package config loads the YAML file describing clusters, topics and
// subscriptions:
//
//	clusters:
//	  - name: main
//	    backend: kafka
//	    brokers: [localhost:9092]
//	topics:
//	  - name: orders
//	    cluster: main
//	    ordering_enabled: true
//	subscriptions:
//	  - name: billing
//	    topic: orders
//	    dead_letter_topic: orders-dlq
//	    retry: {max_retries: 3, min_backoff: 1s, max_backoff: 30s}
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/miladsoleymani/pubsub/cluster"
	"github.com/miladsoleymani/pubsub/core"
)

// File is a parsed configuration file. It is read-only once loaded.
type File struct {
	Clusters      []cluster.Config          `yaml:"clusters"`
	Topics        []core.TopicConfig        `yaml:"topics"`
	Subscriptions []core.SubscriptionConfig `yaml:"subscriptions"`
}

// Load reads and validates the file at path. Environment variables in the
// file ($VAR or ${VAR}) are expanded before parsing.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pubsub/config: %w", err)
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse decodes and validates a configuration document. Unknown keys are
// rejected; an empty document is an empty, valid file.
func Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("pubsub/config: %w: %w", core.ErrConfiguration, err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Cluster returns the cluster with the given name.
func (f *File) Cluster(name string) (cluster.Config, bool) {
	for _, c := range f.Clusters {
		if c.Name == name {
			return c, true
		}
	}
	return cluster.Config{}, false
}

// Topic returns the topic with the given name.
func (f *File) Topic(name string) (core.TopicConfig, bool) {
	for _, t := range f.Topics {
		if t.Name == name {
			return t, true
		}
	}
	return core.TopicConfig{}, false
}

// Subscription returns the subscription with the given name.
func (f *File) Subscription(name string) (core.SubscriptionConfig, bool) {
	for _, s := range f.Subscriptions {
		if s.Name == name {
			return s, true
		}
	}
	return core.SubscriptionConfig{}, false
}
