package status

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/models"
)

// Redis key structure:
//
//	incidents:status:{ds}:{env}:{granularity}:{unix}  - Hash with one bucket
//	incidents:status:idx:{ds}:{env}:{granularity}     - Sorted set of bucket starts
//
// Bucket hash fields:
//
//	connected        - "1" once any sample was connected, "0" otherwise
//	errors           - summed errors_received
//	samples          - number of samples folded in
//	host:{name}      - per-host count
//	logger:{name}    - per-logger count
const (
	fieldConnected = "connected"
	fieldErrors    = "errors"
	fieldSamples   = "samples"
	prefixHost     = "host:"
	prefixLogger   = "logger:"
)

// RedisStoreConfig configures bucket retention.
type RedisStoreConfig struct {
	Prefix    string
	MinuteTTL time.Duration
	HourTTL   time.Duration
	DayTTL    time.Duration
}

// RedisStore keeps buckets in Redis so every instance sees the same rollup.
type RedisStore struct {
	redis  *redis.Client
	prefix string
	ttl    map[models.Granularity]time.Duration
}

// NewRedisStore creates a store on an existing Redis connection.
func NewRedisStore(client *redis.Client, cfg RedisStoreConfig) *RedisStore {
	if cfg.Prefix == "" {
		cfg.Prefix = "incidents:status:"
	}
	if cfg.MinuteTTL <= 0 {
		cfg.MinuteTTL = 48 * time.Hour
	}
	if cfg.HourTTL <= 0 {
		cfg.HourTTL = 30 * 24 * time.Hour
	}
	if cfg.DayTTL <= 0 {
		cfg.DayTTL = 400 * 24 * time.Hour
	}
	return &RedisStore{
		redis:  client,
		prefix: cfg.Prefix,
		ttl: map[models.Granularity]time.Duration{
			models.GranularityMinute: cfg.MinuteTTL,
			models.GranularityHour:   cfg.HourTTL,
			models.GranularityDay:    cfg.DayTTL,
		},
	}
}

func (s *RedisStore) bucketKey(ds, env int64, g models.Granularity, start int64) string {
	return fmt.Sprintf("%s%d:%d:%s:%d", s.prefix, ds, env, g, start)
}

func (s *RedisStore) indexKey(ds, env int64, g models.Granularity) string {
	return fmt.Sprintf("%sidx:%d:%d:%s", s.prefix, ds, env, g)
}

// Apply implements Store. All three buckets are written in one MULTI/EXEC.
func (s *RedisStore) Apply(ctx context.Context, datasourceID, environmentID int64, sample models.Sample) error {
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, g := range models.Granularities {
			start := g.Truncate(sample.PollingTimestamp).Unix()
			key := s.bucketKey(datasourceID, environmentID, g, start)
			idx := s.indexKey(datasourceID, environmentID, g)
			ttl := s.ttl[g]

			if sample.Connected {
				pipe.HSet(ctx, key, fieldConnected, "1")
			} else {
				pipe.HSetNX(ctx, key, fieldConnected, "0")
			}
			pipe.HIncrBy(ctx, key, fieldErrors, sample.ErrorsReceived)
			pipe.HIncrBy(ctx, key, fieldSamples, 1)
			for h, n := range sample.Hosts {
				pipe.HIncrBy(ctx, key, prefixHost+h, n)
			}
			for l, n := range sample.Loggers {
				pipe.HIncrBy(ctx, key, prefixLogger+l, n)
			}
			pipe.Expire(ctx, key, ttl)

			member := strconv.FormatInt(start, 10)
			pipe.ZAdd(ctx, idx, redis.Z{Score: float64(start), Member: member})
			pipe.ZRemRangeByScore(ctx, idx, "-inf", "("+strconv.FormatInt(time.Now().Add(-ttl).Unix(), 10))
			pipe.Expire(ctx, idx, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to apply status sample: %w", err)
	}
	return nil
}

// Range implements Store.
func (s *RedisStore) Range(ctx context.Context, datasourceID, environmentID int64, g models.Granularity, from, to time.Time) ([]*models.Bucket, error) {
	starts, err := s.redis.ZRangeByScore(ctx, s.indexKey(datasourceID, environmentID, g), &redis.ZRangeBy{
		Min: strconv.FormatInt(from.Unix(), 10),
		Max: strconv.FormatInt(to.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read status index: %w", err)
	}
	return s.load(ctx, datasourceID, environmentID, g, starts)
}

// Latest implements Store.
func (s *RedisStore) Latest(ctx context.Context, datasourceID, environmentID int64, g models.Granularity) (*models.Bucket, error) {
	// The index may briefly reference expired hashes, so look a few back.
	starts, err := s.redis.ZRevRange(ctx, s.indexKey(datasourceID, environmentID, g), 0, 4).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read status index: %w", err)
	}
	buckets, err := s.load(ctx, datasourceID, environmentID, g, starts)
	if err != nil || len(buckets) == 0 {
		return nil, err
	}
	latest := buckets[0]
	for _, b := range buckets[1:] {
		if b.Start.After(latest.Start) {
			latest = b
		}
	}
	return latest, nil
}

func (s *RedisStore) load(ctx context.Context, ds, env int64, g models.Granularity, starts []string) ([]*models.Bucket, error) {
	if len(starts) == 0 {
		return []*models.Bucket{}, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(starts))
	_, err := s.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, member := range starts {
			start, _ := strconv.ParseInt(member, 10, 64)
			cmds[i] = pipe.HGetAll(ctx, s.bucketKey(ds, env, g, start))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read status buckets: %w", err)
	}

	out := make([]*models.Bucket, 0, len(starts))
	for i, member := range starts {
		fields := cmds[i].Val()
		if len(fields) == 0 {
			continue
		}
		start, _ := strconv.ParseInt(member, 10, 64)
		b := newBucket(ds, env, g, time.Unix(start, 0))
		decodeBucket(b, fields)
		out = append(out, b)
	}
	return out, nil
}

func decodeBucket(b *models.Bucket, fields map[string]string) {
	for f, v := range fields {
		n, _ := strconv.ParseInt(v, 10, 64)
		switch {
		case f == fieldConnected:
			b.Connected = v == "1"
		case f == fieldErrors:
			b.ErrorsReceived = n
		case f == fieldSamples:
			b.Samples = n
		case strings.HasPrefix(f, prefixHost):
			b.Hosts[strings.TrimPrefix(f, prefixHost)] = n
		case strings.HasPrefix(f, prefixLogger):
			b.Loggers[strings.TrimPrefix(f, prefixLogger)] = n
		}
	}
}
