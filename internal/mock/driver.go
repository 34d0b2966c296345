package mock

import (
	"context"
	"strconv"
	"sync"

	"github.com/miladsoleymani/pubsub/core"
)

// Driver is a test double for core.Driver.
type Driver struct {
	mu        sync.Mutex
	published []Published
	sources   map[string]*Source
	seq       int
	closed    bool

	// PublisherErr and SourceErr make handle construction fail.
	PublisherErr error
	SourceErr    error

	// PublishErr makes every Publish fail.
	PublishErr error
}

// Published records a message sent through a mock publisher.
type Published struct {
	Topic       string
	ID          core.MessageID
	Data        core.MessageData
	OrderingKey string
}

func NewDriver() *Driver {
	return &Driver{sources: make(map[string]*Source)}
}

func (d *Driver) Publisher(cfg core.TopicConfig) (core.Publisher, error) {
	if d.PublisherErr != nil {
		return nil, d.PublisherErr
	}
	return &publisher{d: d, topic: cfg.Resource()}, nil
}

func (d *Driver) Source(cfg core.SubscriptionConfig, _ core.TopicConfig) (core.Source, error) {
	if d.SourceErr != nil {
		return nil, d.SourceErr
	}
	return d.SourceFor(cfg.Name), nil
}

// SourceFor returns the scripted source backing the named subscription.
func (d *Driver) SourceFor(name string) *Source {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sources[name]
	if !ok {
		s = NewSource()
		d.sources[name] = s
	}
	return s
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Published returns all messages sent via Publish.
func (d *Driver) Published() []Published {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Published, len(d.published))
	copy(out, d.published)
	return out
}

// IsClosed reports whether Close was called.
func (d *Driver) IsClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

type publisher struct {
	d     *Driver
	topic string
}

func (p *publisher) Publish(_ context.Context, data core.MessageData, key string) (core.MessageID, error) {
	p.d.mu.Lock()
	defer p.d.mu.Unlock()
	if p.d.PublishErr != nil {
		return "", p.d.PublishErr
	}
	p.d.seq++
	id := core.MessageID(p.topic + "-" + strconv.Itoa(p.d.seq))
	p.d.published = append(p.d.published, Published{Topic: p.topic, ID: id, Data: data, OrderingKey: key})
	return id, nil
}
