package kv

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

// RedisStore implements Store, Publisher and Subscriber against a real
// Redis-compatible server. Construct separate RedisStore values for the
// storage handle, the publisher handle and the subscriber handle even when
// they point at the same cluster: a *redis.Client in subscribe mode cannot
// issue ordinary commands, and the renewer's subscription loop must never
// share a connection with the hot write path.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps an existing go-redis client. Callers own the
// client's lifecycle (construction, Close).
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) HSetBatch(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(fields)*2)
	for field, value := range fields {
		args = append(args, field, value)
	}
	if err := s.client.HSet(ctx, key, args...).Err(); err != nil {
		return errors.Wrapf(err, "kv: HSET %s", key)
	}
	return nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttlSeconds int64) error {
	if err := s.client.Expire(ctx, key, time.Duration(ttlSeconds)*time.Second).Err(); err != nil {
		return errors.Wrapf(err, "kv: EXPIRE %s", key)
	}
	return nil
}

func (s *RedisStore) HIncrByBatch(ctx context.Context, key string, deltas map[string]int64) error {
	if len(deltas) == 0 {
		return nil
	}
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for field, delta := range deltas {
			pipe.HIncrBy(ctx, key, field, delta)
		}
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "kv: HINCRBY pipeline on %s", key)
	}
	return nil
}

func (s *RedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.client.SAdd(ctx, key, args...).Err(); err != nil {
		return errors.Wrapf(err, "kv: SADD %s", key)
	}
	return nil
}

func (s *RedisStore) SCard(ctx context.Context, key string) (int64, error) {
	n, err := s.client.SCard(ctx, key).Result()
	if err != nil {
		return 0, errors.Wrapf(err, "kv: SCARD %s", key)
	}
	return n, nil
}

func (s *RedisStore) Rename(ctx context.Context, oldKey, newKey string) error {
	if err := s.client.Rename(ctx, oldKey, newKey).Err(); err != nil {
		return errors.Wrapf(err, "kv: RENAME %s -> %s", oldKey, newKey)
	}
	return nil
}

// SMembersDel reads then deletes the set. Redis has no atomic
// read-and-delete for sets, so this is two round trips; the caller (the
// flush protocol) already treats the set rename as its atomic handoff
// point and tolerates this read racing a concurrent SADD at worst by
// picking up the new member on the next cycle, never by losing one.
func (s *RedisStore) SMembersDel(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "kv: SMEMBERS %s", key)
	}
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return nil, errors.Wrapf(err, "kv: DEL %s", key)
	}
	return members, nil
}

func (s *RedisStore) HGetAllBatch(ctx context.Context, keys []string) (map[string]map[string]string, error) {
	if len(keys) == 0 {
		return map[string]map[string]string{}, nil
	}

	cmds := make(map[string]*redis.StringStringMapCmd, len(keys))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, k := range keys {
			cmds[k] = pipe.HGetAll(ctx, k)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "kv: HGETALL pipeline")
	}

	result := make(map[string]map[string]string, len(keys))
	for k, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil {
			return nil, errors.Wrapf(err, "kv: HGETALL %s", k)
		}
		if len(fields) > 0 {
			result[k] = fields
		}
	}
	return result, nil
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return errors.Wrapf(err, "kv: DEL %v", keys)
	}
	return nil
}

func (s *RedisStore) RPush(ctx context.Context, key string, value []byte) error {
	if err := s.client.RPush(ctx, key, value).Err(); err != nil {
		return errors.Wrapf(err, "kv: RPUSH %s", key)
	}
	return nil
}

func (s *RedisStore) Publish(ctx context.Context, channel, message string) error {
	if err := s.client.Publish(ctx, channel, message).Err(); err != nil {
		return errors.Wrapf(err, "kv: PUBLISH %s", channel)
	}
	return nil
}

// redisSubscription adapts *redis.PubSub to Subscription.
type redisSubscription struct {
	pubsub *redis.PubSub
	out    chan Message
	done   chan struct{}
}

func (s *RedisStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := s.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, errors.Wrapf(err, "kv: SUBSCRIBE %s", channel)
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		out:    make(chan Message),
		done:   make(chan struct{}),
	}

	go func() {
		defer close(sub.out)
		ch := pubsub.Channel()
		for {
			select {
			case <-sub.done:
				return
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				select {
				case sub.out <- Message{Channel: m.Channel, Payload: m.Payload}:
				case <-sub.done:
					return
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return sub, nil
}

func (s *redisSubscription) Receive() <-chan Message {
	return s.out
}

func (s *redisSubscription) Close() error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	return s.pubsub.Close()
}
