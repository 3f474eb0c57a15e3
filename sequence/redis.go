// Package sequence provides ledger.SequenceGenerator backends that live
// outside the database.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/warp/printshop-ledger/ledger"
)

// DefaultKeyPrefix namespaces the counters in a shared Redis.
const DefaultKeyPrefix = "printshop:seq:"

// Redis issues numbers with INCR, which is atomic across every process
// sharing the server.
type Redis struct {
	client *redis.Client
	prefix string
}

var _ ledger.SequenceGenerator = (*Redis)(nil)

func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

// Connect dials Redis and checks it answers.
func Connect(addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return rdb, nil
}

func (r *Redis) Next(ctx context.Context, kind ledger.SequenceKind) (string, error) {
	n, err := r.client.Incr(ctx, r.prefix+string(kind)).Result()
	if err != nil {
		return "", fmt.Errorf("next %s number: %w", kind, err)
	}
	return ledger.FormatSequence(kind, n), nil
}

// seedRetries bounds how often Seed retries when another client changes the
// counter between WATCH and EXEC.
const seedRetries = 50

// Seed raises a counter to at least n, e.g. after migrating from the
// database-backed sequences. It never lowers a counter.
func (r *Redis) Seed(ctx context.Context, kind ledger.SequenceKind, n int64) error {
	key := r.prefix + string(kind)
	raise := func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if cur >= n {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, n, 0)
			return nil
		})
		return err
	}

	for i := 0; i < seedRetries; i++ {
		err := r.client.Watch(ctx, raise, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return fmt.Errorf("seed %s sequence: %w", kind, err)
	}
	return fmt.Errorf("seed %s sequence: %w after %d attempts", kind, redis.TxFailedErr, seedRetries)
}
