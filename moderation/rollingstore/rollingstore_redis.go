package rollingstore

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var redisRollingPrefix string = "rolling/"

// Rolling windows shared between processes, stored as redis lists.
type RedisRollingStore struct {
	Client   *redis.Client
	Capacity int
	// idle windows expire after this long; zero disables expiry
	TTL time.Duration
}

func NewRedisRollingStore(redisURL string, capacity int, ttl time.Duration) (*RedisRollingStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	// check redis connection
	_, err = rdb.Ping(context.TODO()).Result()
	if err != nil {
		return nil, err
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &RedisRollingStore{
		Client:   rdb,
		Capacity: capacity,
		TTL:      ttl,
	}, nil
}

func (s *RedisRollingStore) Read(ctx context.Context, key string) ([]float64, error) {
	vals, err := s.Client.LRange(ctx, redisRollingPrefix+key, 0, -1).Result()
	if err == redis.Nil {
		return []float64{}, nil
	} else if err != nil {
		return nil, err
	}
	out := make([]float64, 0, len(vals))
	for _, v := range vals {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func (s *RedisRollingStore) Push(ctx context.Context, key string, val float64) error {
	k := redisRollingPrefix + key

	// append and trim in a single MULTI, so readers never see an over-long list
	_, err := s.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, k, strconv.FormatFloat(val, 'f', -1, 64))
		pipe.LTrim(ctx, k, int64(-s.Capacity), -1)
		if s.TTL > 0 {
			pipe.Expire(ctx, k, s.TTL)
		}
		return nil
	})
	return err
}
