package capabilities

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/tiller/core/pkg/contracts"
)

// Notification is the fire-and-forget message sent on each transition.
type Notification struct {
	Kind       contracts.EventKind `json:"kind"`
	ProposalID string              `json:"proposal_id,omitempty"`
	Message    string              `json:"message"`
	CreatedAt  time.Time           `json:"created_at"`
}

// NotificationChannel delivers best-effort notifications. Failures are
// logged by the caller and never affect state-machine correctness.
type NotificationChannel interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to structured logs.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a notifier over the given logger (slog.Default if nil).
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "notifier")}
}

func (l *LogNotifier) Notify(ctx context.Context, n Notification) error {
	l.logger.InfoContext(ctx, "notify",
		"kind", string(n.Kind),
		"proposal_id", n.ProposalID,
		"message", n.Message,
	)
	return nil
}

// RedisNotifier publishes notifications on a Redis channel for external
// delivery workers (email, chat) to pick up.
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

// NewRedisNotifier creates a notifier publishing to channel on addr.
func NewRedisNotifier(addr, password string, db int, channel string) *RedisNotifier {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisNotifier{client: rdb, channel: channel}
}

func (r *RedisNotifier) Notify(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

// Close releases the underlying Redis connection.
func (r *RedisNotifier) Close() error { return r.client.Close() }
