package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/arcanafx/effects-server-go/internal/triggers"
)

// DefaultChannel is the Redis channel notifications are published on.
const DefaultChannel = "effects:notifications"

// ParamChannel lets a notification action pick its own channel.
const ParamChannel = "channel"

var ErrNotificationFailed = errors.New("notification delivery failed")

// Message is the JSON document published for every notification.
type Message struct {
	TriggerID  string         `json:"trigger_id"`
	EventType  string         `json:"event_type"`
	Parameters map[string]any `json:"parameters,omitempty"`
	EventData  map[string]any `json:"event_data,omitempty"`
	SentAt     time.Time      `json:"sent_at"`
}

// NewMessage converts a notification into its published form.
func NewMessage(n triggers.Notification, now time.Time) Message {
	return Message{
		TriggerID:  n.TriggerID,
		EventType:  string(n.EventType),
		Parameters: n.Parameters,
		EventData:  n.EventData,
		SentAt:     now.UTC(),
	}
}

// publisher is the subset of the Redis client used for notifications.
type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisNotifier publishes notifications to a Redis pub/sub channel.
type RedisNotifier struct {
	client  publisher
	channel string
	logger  *zap.Logger
	now     func() time.Time
}

// RedisOptions selects the Redis server and channel.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// NewRedisNotifier connects a notifier to the configured Redis server.
func NewRedisNotifier(opts RedisOptions, logger *zap.Logger) *RedisNotifier {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return newRedisNotifier(rdb, opts.Channel, logger)
}

func newRedisNotifier(client publisher, channel string, logger *zap.Logger) *RedisNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisNotifier{client: client, channel: channel, logger: logger, now: time.Now}
}

// Notify publishes n as JSON.
func (r *RedisNotifier) Notify(ctx context.Context, n triggers.Notification) error {
	body, err := json.Marshal(NewMessage(n, r.now()))
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrNotificationFailed, err)
	}

	channel := r.channel
	if c, ok := n.Parameters[ParamChannel].(string); ok && c != "" {
		channel = c
	}

	receivers, err := r.client.Publish(ctx, channel, body).Result()
	if err != nil {
		return fmt.Errorf("%w: publish to %s: %v", ErrNotificationFailed, channel, err)
	}
	r.logger.Debug("notification published",
		zap.String("trigger_id", n.TriggerID),
		zap.String("channel", channel),
		zap.Int64("receivers", receivers),
	)
	return nil
}

// Close releases the Redis connection pool when the notifier owns one.
func (r *RedisNotifier) Close() error {
	if c, ok := r.client.(*redis.Client); ok {
		return c.Close()
	}
	return nil
}

// LogNotifier writes notifications to the log. It is used when no Redis server is
// configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a log-only notifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Notify logs n at info level.
func (l *LogNotifier) Notify(_ context.Context, n triggers.Notification) error {
	l.logger.Info("notification",
		zap.String("trigger_id", n.TriggerID),
		zap.String("event_type", string(n.EventType)),
		zap.Any("parameters", n.Parameters),
	)
	return nil
}
