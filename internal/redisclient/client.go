package redisclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrSnapshotExists is returned when a confirmation snapshot token is reused.
var ErrSnapshotExists = errors.New("order snapshot already stashed for token")

type Client struct {
	rdb *redis.Client
}

// NewClient creates a new Redis client
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// CartFeedMessage is published on a cart's change feed after every save.
// Origin lets a browsing context skip its own writes.
type CartFeedMessage struct {
	Origin string          `json:"origin"`
	Items  json.RawMessage `json:"items"`
}

func cartKey(cartID string) string {
	return fmt.Sprintf("cart:%s", cartID)
}

func cartFeedChannel(cartID string) string {
	return fmt.Sprintf("cart:%s:feed", cartID)
}

// Save persists the full serialized item list and notifies the change
// feed. The whole list is written on every mutation; concurrent writers are
// last-writer-wins at list granularity.
func (c *Client) Save(ctx context.Context, cartID, origin string, items []byte) error {
	msg, err := json.Marshal(CartFeedMessage{Origin: origin, Items: items})
	if err != nil {
		return fmt.Errorf("failed to marshal cart feed message: %w", err)
	}

	pipe := c.rdb.Pipeline()
	pipe.Set(ctx, cartKey(cartID), items, 0)
	pipe.Publish(ctx, cartFeedChannel(cartID), msg)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save cart: %w", err)
	}
	return nil
}

// Load retrieves the serialized item list, or nil when no cart exists.
func (c *Client) Load(ctx context.Context, cartID string) ([]byte, error) {
	payload, err := c.rdb.Get(ctx, cartKey(cartID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cart: %w", err)
	}
	return payload, nil
}

// CartSubscription delivers foreign cart writes to a browsing context.
type CartSubscription struct {
	pubsub *redis.PubSub
	C      <-chan CartFeedMessage
}

// Close terminates the subscription.
func (s *CartSubscription) Close() error {
	return s.pubsub.Close()
}

// SubscribeCart subscribes to a cart's change feed. Messages that do not
// decode are dropped rather than delivered.
func (c *Client) SubscribeCart(ctx context.Context, cartID string) (*CartSubscription, error) {
	pubsub := c.rdb.Subscribe(ctx, cartFeedChannel(cartID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to cart feed: %w", err)
	}

	out := make(chan CartFeedMessage)
	go func() {
		defer close(out)
		for raw := range pubsub.Channel() {
			var msg CartFeedMessage
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				continue
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	return &CartSubscription{pubsub: pubsub, C: out}, nil
}

func snapshotKey(token string) string {
	return fmt.Sprintf("order-snapshot:%s", token)
}

// StashOrderSnapshot stores a just-created cash order for the confirmation
// screen. Write-once: a second stash for the same token fails.
func (c *Client) StashOrderSnapshot(ctx context.Context, token string, payload []byte, ttl time.Duration) error {
	ok, err := c.rdb.SetNX(ctx, snapshotKey(token), payload, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to stash order snapshot: %w", err)
	}
	if !ok {
		return ErrSnapshotExists
	}
	return nil
}

// TakeOrderSnapshot reads and deletes a stashed order snapshot. Returns nil
// when the token is unknown or already consumed.
func (c *Client) TakeOrderSnapshot(ctx context.Context, token string) ([]byte, error) {
	payload, err := c.rdb.GetDel(ctx, snapshotKey(token)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to take order snapshot: %w", err)
	}
	return payload, nil
}

// AcquireLock acquires a distributed lock
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), "1", ttl).Result()
}

// ReleaseLock releases a distributed lock
func (c *Client) ReleaseLock(ctx context.Context, lockKey string) error {
	return c.rdb.Del(ctx, fmt.Sprintf("lock:%s", lockKey)).Err()
}
