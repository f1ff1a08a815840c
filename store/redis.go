package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Yulian302/lfusys-services-media/retries"
	"github.com/redis/go-redis/v9"
)

// watchAttempts bounds optimistic transaction retries in Update.
const watchAttempts = 5

type RedisTTLStore struct {
	client *redis.Client
}

func NewRedisTTLStore(client *redis.Client) *RedisTTLStore {
	return &RedisTTLStore{client: client}
}

func (s *RedisTTLStore) IsReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	return retries.Retry(
		ctx,
		retries.HealthAttempts,
		retries.HealthBaseDelay,
		func() error {
			return s.client.Ping(ctx).Err()
		},
		retries.IsRetriableRedisError,
	)
}

func (s *RedisTTLStore) Name() string {
	return "TTLStore[redis]"
}

func (s *RedisTTLStore) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			b, err := s.client.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return ErrKeyNotFound
			}
			out = b
			return err
		},
		isRetriable,
	)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *RedisTTLStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			return s.client.Set(ctx, key, value, ttl).Err()
		},
		isRetriable,
	)
}

func (s *RedisTTLStore) Update(ctx context.Context, key string, fn func([]byte) ([]byte, error)) error {
	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrKeyNotFound
		}
		if err != nil {
			return err
		}

		next, err := fn(current)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SetArgs(ctx, key, next, redis.SetArgs{KeepTTL: true})
			return nil
		})
		return err
	}

	err := retries.Retry(
		ctx,
		watchAttempts,
		10*time.Millisecond,
		func() error {
			return s.client.Watch(ctx, txf, key)
		},
		func(err error) bool {
			return errors.Is(err, redis.TxFailedErr)
		},
	)
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("update %s: too much contention: %w", key, err)
	}
	return err
}

func (s *RedisTTLStore) Delete(ctx context.Context, key string) error {
	return retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			return s.client.Del(ctx, key).Err()
		},
		isRetriable,
	)
}

func (s *RedisTTLStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, prefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %s*: %w", prefix, err)
	}
	return keys, nil
}

func isRetriable(err error) bool {
	return !errors.Is(err, ErrKeyNotFound) && retries.IsRetriableRedisError(err)
}
