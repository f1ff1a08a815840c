package stats

import (
	"context"
	"fmt"
	"strconv"

	"github.com/Yulian302/lfusys-services-media/models"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "media:stats:"

// RedisAggregator keeps lifetime totals in one hash per kind so they survive
// restarts and are shared between replicas.
type RedisAggregator struct {
	client *redis.Client
}

func NewRedisAggregator(client *redis.Client) *RedisAggregator {
	return &RedisAggregator{client: client}
}

func (r *RedisAggregator) RecordTick(ctx context.Context, kind models.SessionKind, d Delta) error {
	if d.Empty() {
		return nil
	}
	key := keyPrefix + string(kind)

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, key, "processed", int64(d.Successful+d.Failed))
		pipe.HIncrBy(ctx, key, "successful", int64(d.Successful))
		pipe.HIncrBy(ctx, key, "failed", int64(d.Failed))
		pipe.HIncrBy(ctx, key, "bytes_saved", d.BytesSaved)
		return nil
	})
	if err != nil {
		return fmt.Errorf("record %s stats: %w", kind, err)
	}
	return nil
}

func (r *RedisAggregator) Totals(ctx context.Context) (map[models.SessionKind]Totals, error) {
	out := make(map[models.SessionKind]Totals, 2)
	for _, kind := range []models.SessionKind{models.KindMigration, models.KindOptimization} {
		fields, err := r.client.HGetAll(ctx, keyPrefix+string(kind)).Result()
		if err != nil {
			return nil, fmt.Errorf("read %s stats: %w", kind, err)
		}
		if len(fields) == 0 {
			continue
		}
		out[kind] = Totals{
			Processed:  parseInt(fields["processed"]),
			Successful: parseInt(fields["successful"]),
			Failed:     parseInt(fields["failed"]),
			BytesSaved: parseInt(fields["bytes_saved"]),
		}
	}
	return out, nil
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
