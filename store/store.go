package store

import (
	"context"
	"errors"
	"time"

	"github.com/Yulian302/lfusys-services-media/health"
)

var ErrKeyNotFound = errors.New("key not found")

// TTLStore is a key/value store whose entries expire. Update is an atomic
// read-modify-write that keeps the entry's remaining TTL; it returns
// ErrKeyNotFound when the key is missing or expired.
type TTLStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Update(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)

	health.ReadinessCheck
}
