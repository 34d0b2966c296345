package core

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

type topic struct {
	cfg    TopicConfig
	pub    Publisher
	logger *zap.Logger
}

// NewTopic binds a backend Publisher to cfg.
func NewTopic(cfg TopicConfig, pub Publisher, opts ...Option) Topic {
	o := buildOptions(opts)
	return &topic{
		cfg:    cfg,
		pub:    pub,
		logger: o.logger.With(zap.String("topic", cfg.Name)),
	}
}

func (t *topic) Name() string { return t.cfg.Name }

func (t *topic) Publish(ctx context.Context, data MessageData, orderingKey string) (MessageID, error) {
	if orderingKey != "" && !t.cfg.OrderingEnabled {
		return "", fmt.Errorf("%w: topic %q does not accept ordering keys", ErrConfiguration, t.cfg.Name)
	}

	id, err := t.pub.Publish(ctx, data, orderingKey)
	if err != nil {
		if !classified(err) {
			err = Transport(err)
		}
		t.logger.Debug("publish failed", zap.Error(err))
		return "", fmt.Errorf("pubsub: publish to %q: %w", t.cfg.Name, err)
	}
	if id == "" {
		return "", fmt.Errorf("%w: publish to %q: backend returned no message id", ErrTransport, t.cfg.Name)
	}
	return id, nil
}
