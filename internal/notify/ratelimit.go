// Package notify carries operational signals in and out of the service:
// the rate-limit window side channel and SNS alerts.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wherefrom/wherefrom/internal/platform/observability"
	"github.com/wherefrom/wherefrom/internal/resolve"
)

// windowMessage is the wire shape of a rate-limit window notification.
// A zero or past resume_at clears the window.
type windowMessage struct {
	ResumeAt int64 `json:"resume_at"`
}

// WindowNotifier subscribes to a redis pub/sub channel and applies
// externally announced rate-limit windows to the dispatch limiter.
// Other resolver instances publish here when they see the upstream
// reject, so one instance's 429 freezes the whole fleet.
type WindowNotifier struct {
	client  *redis.Client
	channel string
	limiter *resolve.RateLimiter
	logger  *observability.Logger

	sub  *redis.PubSub
	done chan struct{}
}

// WindowNotifierConfig holds WindowNotifier configuration.
type WindowNotifierConfig struct {
	Client  *redis.Client
	Channel string
	Limiter *resolve.RateLimiter
	Logger  *observability.Logger
}

// NewWindowNotifier creates a notifier. Start must be called to begin
// consuming.
func NewWindowNotifier(cfg WindowNotifierConfig) *WindowNotifier {
	if cfg.Channel == "" {
		cfg.Channel = "wherefrom:ratelimit"
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}

	return &WindowNotifier{
		client:  cfg.Client,
		channel: cfg.Channel,
		limiter: cfg.Limiter,
		logger:  cfg.Logger,
		done:    make(chan struct{}),
	}
}

// Start subscribes and consumes notifications until Close. Malformed
// messages are logged and dropped.
func (n *WindowNotifier) Start(ctx context.Context) error {
	n.sub = n.client.Subscribe(ctx, n.channel)

	// Force the subscription to establish so a bad address fails here
	// rather than silently in the consume loop.
	if _, err := n.sub.Receive(ctx); err != nil {
		return err
	}

	go n.consume()

	n.logger.LogInfo(ctx, "rate-limit notifier started", "channel", n.channel)
	return nil
}

func (n *WindowNotifier) consume() {
	ch := n.sub.Channel()
	for {
		select {
		case <-n.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			n.handle(msg.Payload)
		}
	}
}

func (n *WindowNotifier) handle(payload string) {
	ctx := context.Background()

	var msg windowMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		n.logger.LogWarn(ctx, "undecodable rate-limit notification", "payload", payload, "error", err)
		return
	}

	if msg.ResumeAt <= 0 {
		n.logger.LogInfo(ctx, "rate-limit window cleared by notification")
		n.limiter.Clear()
		return
	}

	resumeAt := time.Unix(msg.ResumeAt, 0)
	n.logger.LogInfo(ctx, "rate-limit window set by notification", "resume_at", resumeAt)
	n.limiter.SetResumeAt(resumeAt)
}

// Announce publishes a window to the channel so other instances freeze
// too. Best effort.
func (n *WindowNotifier) Announce(ctx context.Context, resumeAt time.Time) {
	payload, _ := json.Marshal(windowMessage{ResumeAt: resumeAt.Unix()})
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		n.logger.LogWarn(ctx, "failed to announce rate-limit window", "error", err)
	}
}

// Close stops the consumer and tears down the subscription.
func (n *WindowNotifier) Close() error {
	close(n.done)
	if n.sub != nil {
		return n.sub.Close()
	}
	return nil
}
