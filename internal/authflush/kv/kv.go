// Package kv is the contract between this daemon and the shared key/value
// store: hash and set primitives, pipelined batch variants, and pub/sub.
// storage and renewer depend only on these interfaces; kv/redis.go and
// kv/kvtest supply the two implementations (a real store, and an in-memory
// fake for tests).
package kv

import "context"

// Store is the subset of KV operations the storage layer needs. Every
// operation is a single round trip unless documented otherwise; batch
// variants exist specifically so storage.go can bound how many fields
// travel in one pipeline.
type Store interface {
	// HSetBatch writes fields into the hash at key in one pipelined round
	// trip. fields with zero entries is a no-op.
	HSetBatch(ctx context.Context, key string, fields map[string]string) error

	// Expire sets key's TTL, replacing any existing one.
	Expire(ctx context.Context, key string, ttlSeconds int64) error

	// HIncrByBatch atomically increments each field in the hash at key by
	// its delta, in one pipelined round trip.
	HIncrByBatch(ctx context.Context, key string, deltas map[string]int64) error

	// SAdd adds members to the set at key.
	SAdd(ctx context.Context, key string, members ...string) error

	// SCard returns the cardinality of the set at key.
	SCard(ctx context.Context, key string) (int64, error)

	// Rename renames oldKey to newKey. Returns an error if oldKey does not
	// exist, matching Redis RENAME semantics.
	Rename(ctx context.Context, oldKey, newKey string) error

	// SMembersDel atomically reads every member of the set at key and
	// deletes the set, returning the members read. Implementations that
	// cannot do this in one round trip must still guarantee the read
	// happens before the delete.
	SMembersDel(ctx context.Context, key string) ([]string, error)

	// HGetAllBatch reads the full contents of each hash in keys, returning
	// a map from key to its fields. A key with no such hash, or with an
	// empty one, is omitted from the result rather than mapped to an empty
	// map, so callers cannot tell the two apart; both read as "nothing to
	// flush" for this daemon's purposes.
	HGetAllBatch(ctx context.Context, keys []string) (map[string]map[string]string, error)

	// Del deletes keys. Deleting a key that does not exist is not an
	// error.
	Del(ctx context.Context, keys ...string) error

	// RPush appends value to the list at key.
	RPush(ctx context.Context, key string, value []byte) error
}

// Publisher publishes fire-and-forget messages to named channels.
type Publisher interface {
	Publish(ctx context.Context, channel, message string) error
}

// Message is one item delivered by a Subscription.
type Message struct {
	Channel string
	Payload string
}

// Subscription is an active channel subscription. Receive yields messages
// until the subscription is closed or its context is cancelled, at which
// point it is closed (nil, possibly after a final drain).
type Subscription interface {
	Receive() <-chan Message
	Close() error
}

// Subscriber opens subscriptions. A connection in subscribe mode cannot
// also issue commands, so a Subscriber handle MUST be distinct from the
// Store/Publisher handles used elsewhere in the same process.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}
