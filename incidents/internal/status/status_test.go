package status

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/models"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func stores(t *testing.T) map[string]Store {
	_, client := setupTestRedis(t)
	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  NewRedisStore(client, RedisStoreConfig{}),
	}
}

// base is recent so Redis index trimming keeps the buckets.
func base() time.Time {
	return time.Now().UTC().Truncate(time.Hour)
}

func TestRollup_MinuteAndHourMerge(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r := NewRollup(store, nil)
			t0 := base()

			require.NoError(t, r.RecordSample(ctx, 1, 1, models.Sample{
				Connected: true, ErrorsReceived: 2, PollingTimestamp: t0,
				Hosts: map[string]int64{"web-1": 1}, Loggers: map[string]int64{"nova": 4},
			}))
			require.NoError(t, r.RecordSample(ctx, 1, 1, models.Sample{
				Connected: false, ErrorsReceived: 3, PollingTimestamp: t0.Add(30 * time.Second),
				Hosts: map[string]int64{"web-1": 2, "web-2": 1},
			}))

			for _, g := range models.Granularities {
				buckets, err := r.GetStatus(ctx, 1, 1, g, t0, t0.Add(time.Minute))
				require.NoError(t, err)
				require.Len(t, buckets, 1, "granularity %s", g)
				b := buckets[0]
				assert.True(t, b.Connected)
				assert.Equal(t, int64(5), b.ErrorsReceived)
				assert.Equal(t, int64(2), b.Samples)
				assert.Equal(t, map[string]int64{"web-1": 3, "web-2": 1}, b.Hosts)
				assert.Equal(t, map[string]int64{"nova": 4}, b.Loggers)
				assert.True(t, b.Start.Equal(g.Truncate(t0)))
			}
		})
	}
}

func TestRollup_OrderIndependent(t *testing.T) {
	t0 := base()
	samples := []models.Sample{
		{Connected: false, ErrorsReceived: 1, PollingTimestamp: t0.Add(5 * time.Second)},
		{Connected: true, ErrorsReceived: 4, PollingTimestamp: t0.Add(10 * time.Second)},
		{Connected: false, ErrorsReceived: 2, PollingTimestamp: t0.Add(50 * time.Second)},
	}
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r := NewRollup(store, nil)
			for i := len(samples) - 1; i >= 0; i-- {
				require.NoError(t, r.RecordSample(ctx, 2, 7, samples[i]))
			}
			buckets, err := r.GetStatus(ctx, 2, 7, models.GranularityMinute, t0, t0.Add(time.Minute))
			require.NoError(t, err)
			require.Len(t, buckets, 1)
			assert.True(t, buckets[0].Connected)
			assert.Equal(t, int64(7), buckets[0].ErrorsReceived)
		})
	}
}

func TestRollup_Health(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r := NewRollup(store, nil)

			h, err := r.Health(ctx, 3, 1)
			require.NoError(t, err)
			assert.Equal(t, models.HealthConnecting, h)

			require.NoError(t, r.RecordSample(ctx, 3, 1, models.Sample{Connected: true, PollingTimestamp: base()}))
			h, err = r.Health(ctx, 3, 1)
			require.NoError(t, err)
			assert.Equal(t, models.HealthOnline, h)

			require.NoError(t, r.RecordSample(ctx, 3, 1, models.Sample{Connected: false, PollingTimestamp: base().Add(2 * time.Minute)}))
			h, err = r.Health(ctx, 3, 1)
			require.NoError(t, err)
			assert.Equal(t, models.HealthOffline, h)

			// Other environments are unaffected.
			h, err = r.Health(ctx, 3, 2)
			require.NoError(t, err)
			assert.Equal(t, models.HealthConnecting, h)
		})
	}
}

func TestRollup_HealthFallsBackAfterMinuteExpiry(t *testing.T) {
	mr, client := setupTestRedis(t)
	ctx := context.Background()
	r := NewRollup(NewRedisStore(client, RedisStoreConfig{MinuteTTL: time.Hour}), nil)

	require.NoError(t, r.RecordSample(ctx, 4, 1, models.Sample{Connected: true, PollingTimestamp: base()}))
	mr.FastForward(2 * time.Hour)

	latest, err := NewRedisStore(client, RedisStoreConfig{}).Latest(ctx, 4, 1, models.GranularityMinute)
	require.NoError(t, err)
	assert.Nil(t, latest)

	h, err := r.Health(ctx, 4, 1)
	require.NoError(t, err)
	assert.Equal(t, models.HealthOnline, h)
}

func TestRollup_Validation(t *testing.T) {
	ctx := context.Background()
	r := NewRollup(NewMemoryStore(), nil)

	err := r.RecordSample(ctx, 1, 1, models.Sample{Connected: true})
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	err = r.RecordSample(ctx, 1, 1, models.Sample{ErrorsReceived: -1, PollingTimestamp: base()})
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	_, err = r.GetStatus(ctx, 1, 1, "week", base(), base())
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	_, err = r.GetStatus(ctx, 1, 1, models.GranularityHour, base(), base().Add(-time.Hour))
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	buckets, err := r.GetStatus(ctx, 1, 1, models.GranularityHour, base(), base().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, buckets)
}

func TestRedisStore_KeysCarryTTL(t *testing.T) {
	mr, client := setupTestRedis(t)
	store := NewRedisStore(client, RedisStoreConfig{MinuteTTL: time.Hour, HourTTL: 2 * time.Hour, DayTTL: 3 * time.Hour})
	require.NoError(t, store.Apply(context.Background(), 9, 1, models.Sample{Connected: true, PollingTimestamp: base()}))

	minuteKey := store.bucketKey(9, 1, models.GranularityMinute, base().Unix())
	assert.Equal(t, time.Hour, mr.TTL(minuteKey))
	assert.Equal(t, "1", mr.HGet(minuteKey, fieldConnected))
	assert.Equal(t, 2*time.Hour, mr.TTL(store.bucketKey(9, 1, models.GranularityHour, base().Unix())))
}
