package core_test

import (
	"errors"
	"testing"
	"time"

	"github.com/miladsoleymani/pubsub/core"
)

func TestTopicConfig_Resource(t *testing.T) {
	if got := (core.TopicConfig{Name: "orders"}).Resource(); got != "orders" {
		t.Errorf("Resource() = %q", got)
	}
	if got := (core.TopicConfig{Name: "orders", ProviderName: "prod.orders.v2"}).Resource(); got != "prod.orders.v2" {
		t.Errorf("Resource() = %q", got)
	}
}

func TestSubscriptionConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     core.SubscriptionConfig
		wantErr bool
	}{
		{"valid", core.SubscriptionConfig{Name: "s", Topic: "t"}, false},
		{"no name", core.SubscriptionConfig{Topic: "t"}, true},
		{"no topic", core.SubscriptionConfig{Name: "s"}, true},
		{"negative deadline", core.SubscriptionConfig{Name: "s", Topic: "t", AckDeadline: -time.Second}, true},
		{"dead-letter loop", core.SubscriptionConfig{Name: "s", Topic: "t", DeadLetterTopic: "t"}, true},
		{"max below min", core.SubscriptionConfig{Name: "s", Topic: "t", Retry: core.RetryPolicy{MinBackoff: time.Second, MaxBackoff: time.Millisecond}}, true},
		{"negative backoff", core.SubscriptionConfig{Name: "s", Topic: "t", Retry: core.RetryPolicy{MinBackoff: -1}}, true},
		{"unlimited retries", core.SubscriptionConfig{Name: "s", Topic: "t", Retry: core.RetryPolicy{MaxRetries: -1}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, core.ErrConfiguration) {
				t.Errorf("expected configuration error kind, got %v", err)
			}
		})
	}
}

func TestSubscriptionConfig_Concurrency(t *testing.T) {
	for in, want := range map[int]int{-3: 1, 0: 1, 1: 1, 16: 16} {
		if got := (core.SubscriptionConfig{MaxConcurrency: in}).Concurrency(); got != want {
			t.Errorf("Concurrency(%d) = %d, want %d", in, got, want)
		}
	}
}
