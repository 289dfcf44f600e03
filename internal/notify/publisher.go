package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/wherefrom/wherefrom/internal/platform/aws"
	"github.com/wherefrom/wherefrom/internal/platform/observability"
)

// Alert is an operational event worth a human's attention.
type Alert struct {
	Event   string    `json:"event"`
	Detail  string    `json:"detail"`
	Key     string    `json:"key,omitempty"`
	At      time.Time `json:"at"`
	Service string    `json:"service"`
}

// Alert event names.
const (
	EventRateLimitWindow    = "rate_limit_window_engaged"
	EventStorageUnavailable = "storage_unavailable"
)

// AlertPublisher publishes operational alerts to SNS. Everything here is
// best effort: a failed alert is logged and forgotten, never propagated
// into the resolve path.
type AlertPublisher struct {
	snsClient *aws.SNSClient
	topicARN  string
	service   string
	logger    *observability.Logger
}

// AlertPublisherConfig holds publisher configuration.
type AlertPublisherConfig struct {
	SNSClient *aws.SNSClient
	TopicARN  string
	Service   string
	Logger    *observability.Logger
}

// NewAlertPublisher creates an alert publisher.
func NewAlertPublisher(cfg AlertPublisherConfig) (*AlertPublisher, error) {
	if cfg.SNSClient == nil {
		return nil, fmt.Errorf("SNS client is required")
	}
	if cfg.TopicARN == "" {
		return nil, fmt.Errorf("SNS topic ARN is required")
	}
	if cfg.Service == "" {
		cfg.Service = "wherefrom"
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}

	return &AlertPublisher{
		snsClient: cfg.SNSClient,
		topicARN:  cfg.TopicARN,
		service:   cfg.Service,
		logger:    cfg.Logger,
	}, nil
}

// RateLimitWindow alerts that the upstream froze dispatch until resumeAt.
func (p *AlertPublisher) RateLimitWindow(ctx context.Context, resumeAt time.Time) {
	p.publish(ctx, Alert{
		Event:  EventRateLimitWindow,
		Detail: fmt.Sprintf("dispatch frozen until %s", resumeAt.UTC().Format(time.RFC3339)),
		At:     time.Now().UTC(),
	})
}

// StorageUnavailable alerts that a durable store operation failed.
func (p *AlertPublisher) StorageUnavailable(ctx context.Context, err error) {
	p.publish(ctx, Alert{
		Event:  EventStorageUnavailable,
		Detail: err.Error(),
		At:     time.Now().UTC(),
	})
}

func (p *AlertPublisher) publish(ctx context.Context, alert Alert) {
	alert.Service = p.service

	attributes := map[string]string{
		"event":   alert.Event,
		"service": alert.Service,
	}

	if err := p.snsClient.Publish(ctx, p.topicARN, alert, attributes); err != nil {
		p.logger.LogError(ctx, "failed to publish alert", err, "event", alert.Event)
		return
	}

	p.logger.LogInfo(ctx, "published alert", "event", alert.Event, "topic_arn", p.topicARN)
}

// CircuitBreakerState returns the SNS circuit breaker state.
func (p *AlertPublisher) CircuitBreakerState() string {
	return p.snsClient.CircuitBreakerState().String()
}
