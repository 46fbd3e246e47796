// Package kv wraps the shared key-value store behind the narrow surface
// the rest of arcflow depends on: strings, counters, hashes and pub/sub.
// Transient transport failures are retried with exponential backoff; a
// key miss is reported as a miss, never as an error.
package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"arcflow.dev/common"
	"arcflow.dev/errcode"
)

const (
	defaultMaxRetries = 3
	defaultRetryBase  = 100 * time.Millisecond
	connectTimeout    = 5 * time.Second
)

// Options tunes the retry behavior of a Store.
type Options struct {
	MaxRetries int
	RetryBase  time.Duration
}

// Store is the key-value adapter. All methods are safe for concurrent use.
type Store struct {
	client     *redis.Client
	log        *logrus.Entry
	maxRetries int
	retryBase  time.Duration
}

// New connects to the store at the given URL and verifies the connection.
func New(url string) (*Store, error) {
	return NewWithOptions(url, Options{})
}

// NewWithOptions connects with explicit retry tuning.
func NewWithOptions(url string, opts Options) (*Store, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid kv url: %w", err)
	}

	client := redis.NewClient(redisOpts)
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errcode.Wrap(err, errcode.KVUnavailable, "kv ping failed")
	}

	store := NewWithClient(client)
	if opts.MaxRetries > 0 {
		store.maxRetries = opts.MaxRetries
	}
	if opts.RetryBase > 0 {
		store.retryBase = opts.RetryBase
	}
	return store, nil
}

// NewWithClient wraps an existing client. Used by tests.
func NewWithClient(client *redis.Client) *Store {
	return &Store{
		client:     client,
		log:        common.Component("kv"),
		maxRetries: defaultMaxRetries,
		retryBase:  defaultRetryBase,
	}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping verifies the connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return errcode.Wrap(err, errcode.KVUnavailable, "kv ping failed")
	}
	return nil
}

func isRetryable(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// withRetry runs fn up to maxRetries+1 times with exponential backoff.
// Exhausted retries surface as KV_UNAVAILABLE.
func (s *Store) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			delay := s.retryBase * (1 << (attempt - 1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		lastErr = fn(ctx)
		if lastErr == nil || !isRetryable(lastErr) {
			return lastErr
		}
		if attempt < s.maxRetries {
			s.log.WithError(lastErr).WithFields(logrus.Fields{
				"op":      op,
				"attempt": attempt + 1,
			}).Warn("kv operation failed, retrying")
		}
	}
	return errcode.Wrap(lastErr, errcode.KVUnavailable, "%s failed after %d attempts", op, s.maxRetries+1)
}

// Get returns the value at key. A missing key reports found=false.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	var found bool
	err := s.withRetry(ctx, "get", func(ctx context.Context) error {
		v, err := s.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		value, found = v, true
		return nil
	})
	return value, found, err
}

// MGet returns the values for all keys that exist, keyed by name.
func (s *Store) MGet(ctx context.Context, keys ...string) (map[string]string, error) {
	if len(keys) == 0 {
		return map[string]string{}, nil
	}
	var out map[string]string
	err := s.withRetry(ctx, "mget", func(ctx context.Context) error {
		vals, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return err
		}
		out = make(map[string]string, len(keys))
		for i, v := range vals {
			if str, ok := v.(string); ok {
				out[keys[i]] = str
			}
		}
		return nil
	})
	return out, err
}

// Set stores value at key. A zero ttl means no expiry.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.withRetry(ctx, "set", func(ctx context.Context) error {
		return s.client.Set(ctx, key, value, ttl).Err()
	})
}

// MSet stores all items in one pipelined round trip, each with the same ttl.
func (s *Store) MSet(ctx context.Context, items map[string]string, ttl time.Duration) error {
	if len(items) == 0 {
		return nil
	}
	return s.withRetry(ctx, "mset", func(ctx context.Context) error {
		pipe := s.client.Pipeline()
		for k, v := range items {
			pipe.Set(ctx, k, v, ttl)
		}
		_, err := pipe.Exec(ctx)
		return err
	})
}

// Del removes the given keys and returns how many existed.
func (s *Store) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	var removed int64
	err := s.withRetry(ctx, "del", func(ctx context.Context) error {
		n, err := s.client.Del(ctx, keys...).Result()
		if err != nil {
			return err
		}
		removed = n
		return nil
	})
	return removed, err
}

// Incr increments the counter at key by the given amount. When ttl is
// positive and the increment created the key, the ttl starts the
// counting window.
func (s *Store) Incr(ctx context.Context, key string, by int64, ttl time.Duration) (int64, error) {
	var value int64
	err := s.withRetry(ctx, "incr", func(ctx context.Context) error {
		v, err := s.client.IncrBy(ctx, key, by).Result()
		if err != nil {
			return err
		}
		value = v
		if ttl > 0 && v == by {
			return s.client.Expire(ctx, key, ttl).Err()
		}
		return nil
	})
	return value, err
}

// Decr decrements the counter at key.
func (s *Store) Decr(ctx context.Context, key string) (int64, error) {
	var value int64
	err := s.withRetry(ctx, "decr", func(ctx context.Context) error {
		v, err := s.client.Decr(ctx, key).Result()
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	return value, err
}

// Expire sets a ttl on an existing key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	var ok bool
	err := s.withRetry(ctx, "expire", func(ctx context.Context) error {
		v, err := s.client.Expire(ctx, key, ttl).Result()
		if err != nil {
			return err
		}
		ok = v
		return nil
	})
	return ok, err
}

// Keys returns all keys matching the glob pattern.
func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	err := s.withRetry(ctx, "keys", func(ctx context.Context) error {
		v, err := s.client.Keys(ctx, pattern).Result()
		if err != nil {
			return err
		}
		keys = v
		return nil
	})
	return keys, err
}

// HSet stores a field in a hash.
func (s *Store) HSet(ctx context.Context, key, field, value string) error {
	return s.withRetry(ctx, "hset", func(ctx context.Context) error {
		return s.client.HSet(ctx, key, field, value).Err()
	})
}

// HGet returns a hash field. A missing field reports found=false.
func (s *Store) HGet(ctx context.Context, key, field string) (string, bool, error) {
	var value string
	var found bool
	err := s.withRetry(ctx, "hget", func(ctx context.Context) error {
		v, err := s.client.HGet(ctx, key, field).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		value, found = v, true
		return nil
	})
	return value, found, err
}

// HGetAll returns every field of a hash. A missing hash is an empty map.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	var out map[string]string
	err := s.withRetry(ctx, "hgetall", func(ctx context.Context) error {
		v, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// HDel removes fields from a hash.
func (s *Store) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	return s.withRetry(ctx, "hdel", func(ctx context.Context) error {
		return s.client.HDel(ctx, key, fields...).Err()
	})
}

// HIncrBy increments a numeric hash field and returns the new value.
func (s *Store) HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error) {
	var value int64
	err := s.withRetry(ctx, "hincrby", func(ctx context.Context) error {
		v, err := s.client.HIncrBy(ctx, key, field, incr).Result()
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	return value, err
}

// Publish sends a payload to all subscribers of a channel.
func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	return s.withRetry(ctx, "publish", func(ctx context.Context) error {
		return s.client.Publish(ctx, channel, payload).Err()
	})
}

// MessageHandler receives a published payload with its concrete channel name.
type MessageHandler func(channel string, payload []byte)

// Subscription is a live pub/sub subscription. Close stops delivery.
type Subscription struct {
	pubsub    *redis.PubSub
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Close terminates the subscription and waits for its delivery
// goroutine to drain. Safe to call more than once.
func (sub *Subscription) Close() error {
	sub.closeOnce.Do(func() {
		sub.closeErr = sub.pubsub.Close()
		<-sub.done
	})
	return sub.closeErr
}

// Subscribe starts delivering messages for a channel or glob pattern to
// handler on a dedicated goroutine. The subscription is established
// before Subscribe returns.
func (s *Store) Subscribe(ctx context.Context, pattern string, handler MessageHandler) (*Subscription, error) {
	var pubsub *redis.PubSub
	if strings.ContainsAny(pattern, "*?[") {
		pubsub = s.client.PSubscribe(ctx, pattern)
	} else {
		pubsub = s.client.Subscribe(ctx, pattern)
	}

	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, errcode.Wrap(err, errcode.KVUnavailable, "subscribe %s", pattern)
	}

	sub := &Subscription{pubsub: pubsub, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		for msg := range pubsub.Channel() {
			s.deliver(handler, msg.Channel, []byte(msg.Payload))
		}
	}()

	s.log.WithField("pattern", pattern).Debug("subscribed")
	return sub, nil
}

// deliver isolates handler panics so one bad subscriber cannot kill the
// delivery goroutine.
func (s *Store) deliver(handler MessageHandler, channel string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("channel", channel).Errorf("subscriber panic: %v", r)
		}
	}()
	handler(channel, payload)
}
