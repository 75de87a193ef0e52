package broker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Baaaki/bazaar-inbox/internal/outbox"
	"github.com/Baaaki/bazaar-inbox/pkg/logger"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// NewRedisClient parses the URL and pings the server once.
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// RedisChangeFeed implements ChangeFeed on Redis pub/sub. Events that cannot
// be published are journaled and retried by Redeliver.
type RedisChangeFeed struct {
	client  *redis.Client
	journal *outbox.Journal
}

func NewRedisChangeFeed(client *redis.Client, journal *outbox.Journal) *RedisChangeFeed {
	return &RedisChangeFeed{
		client:  client,
		journal: journal,
	}
}

// Publish fans the event out to the channel of every participant.
func (f *RedisChangeFeed) Publish(ctx context.Context, event ChangeEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	var firstErr error
	for _, participant := range event.Participants {
		channel := ChannelFor(event.Table, participant)
		if err := f.client.Publish(ctx, channel, data).Err(); err != nil {
			journaled := false
			if f.journal != nil {
				journaled = f.journal.Append(outbox.Entry{
					ID:        event.ID + ":" + participant,
					Channel:   channel,
					Payload:   data,
					Timestamp: event.OccurredAt,
				}) == nil
			}
			if !journaled && firstErr == nil {
				firstErr = err
			}
			logger.Log.Warn("Change feed publish failed",
				zap.String("channel", channel),
				zap.String("event_id", event.ID),
				zap.Bool("journaled", journaled),
				zap.Error(err),
			)
		}
	}
	return firstErr
}

// Redeliver publishes journaled entries and drops the ones that went through.
func (f *RedisChangeFeed) Redeliver(ctx context.Context) (int, error) {
	if f.journal == nil {
		return 0, nil
	}

	entries, err := f.journal.ReadAll()
	if err != nil {
		return 0, err
	}

	var delivered []string
	for _, entry := range entries {
		if err := f.client.Publish(ctx, entry.Channel, []byte(entry.Payload)).Err(); err != nil {
			break
		}
		delivered = append(delivered, entry.ID)
	}

	if err := f.journal.Cleanup(delivered); err != nil {
		return 0, err
	}
	return len(delivered), nil
}

// StartRedelivery runs Redeliver every interval until ctx is done.
func (f *RedisChangeFeed) StartRedelivery(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := f.Redeliver(ctx)
				if err != nil {
					logger.Log.Error("Outbox redelivery failed", zap.Error(err))
					continue
				}
				if n > 0 {
					logger.Log.Info("Outbox entries redelivered", zap.Int("count", n))
				}
			}
		}
	}()
}

type redisSubscription struct {
	channel string
	pubsub  *redis.PubSub
}

func (s *redisSubscription) Channel() string { return s.channel }

func (s *redisSubscription) Close() error { return s.pubsub.Close() }

// Subscribe returns once Redis has confirmed the subscription, so nothing
// published afterwards is missed.
func (f *RedisChangeFeed) Subscribe(ctx context.Context, opts SubscribeOptions) (Subscription, error) {
	pubsub := f.client.Subscribe(ctx, opts.ChannelName)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	go func() {
		for msg := range pubsub.Channel() {
			var event ChangeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				logger.Log.Warn("Dropping malformed change event",
					zap.String("channel", msg.Channel),
					zap.Error(err),
				)
				continue
			}
			if opts.Table != "" && event.Table != opts.Table {
				continue
			}
			opts.Callback(event)
		}
	}()

	return &redisSubscription{channel: opts.ChannelName, pubsub: pubsub}, nil
}

func (f *RedisChangeFeed) Unsubscribe(sub Subscription) error {
	if sub == nil {
		return nil
	}
	return sub.Close()
}

func (f *RedisChangeFeed) Close() error {
	return f.client.Close()
}
