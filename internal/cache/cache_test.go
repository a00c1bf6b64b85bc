package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"greenhouse/internal/models"
)

type fakeLoader struct {
	readings []models.SensorReading
	calls    int
}

func (f *fakeLoader) GetRecentReadings(_ context.Context, _ string, _ time.Duration) ([]models.SensorReading, error) {
	f.calls++
	return f.readings, nil
}

func newTestCache(t *testing.T, loader Loader) *Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewCache(rdb, loader, 5, zap.NewNop())
}

func TestLatestIsAlwaysTheNewestWrite(t *testing.T) {
	c := newTestCache(t, nil)
	ctx := context.Background()

	t0 := time.Now().Add(-time.Minute)
	require.NoError(t, c.SetLatest(ctx, "s1", "temperature", 21.5, t0))
	require.NoError(t, c.SetLatest(ctx, "s1", "temperature", 19.0, t0.Add(30*time.Second)))

	latest, err := c.GetLatest(ctx, "s1")
	require.NoError(t, err)
	require.Contains(t, latest, "temperature")
	assert.Equal(t, 19.0, latest["temperature"].Value)
}

func TestHistoryEvictsOldestBeyondCap(t *testing.T) {
	c := newTestCache(t, nil) // cap 5
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 8; i++ {
		require.NoError(t, c.PushHistory(ctx, "s1", "humidity", float64(i), base.Add(time.Duration(i)*time.Second)))
	}

	points, err := c.GetRecentHistory(ctx, "s1", "humidity", time.Hour)
	require.NoError(t, err)
	require.Len(t, points, 5)
	// Newest first; the three oldest samples were evicted.
	assert.Equal(t, 7.0, points[0].Value)
	assert.Equal(t, 3.0, points[len(points)-1].Value)
}

func TestHistoryWindowFiltersOldPoints(t *testing.T) {
	c := newTestCache(t, nil)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, c.PushHistory(ctx, "s1", "lux", 100, now.Add(-30*time.Minute)))
	require.NoError(t, c.PushHistory(ctx, "s1", "lux", 200, now.Add(-time.Minute)))

	points, err := c.GetRecentHistory(ctx, "s1", "lux", 10*time.Minute)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, 200.0, points[0].Value)
}

func TestGetLatestMissRebuildsFromStore(t *testing.T) {
	now := time.Now()
	loader := &fakeLoader{readings: []models.SensorReading{
		{SensorID: "s1", Fields: map[string]float64{"temperature": 18.0}, ReceivedAt: now},
		{SensorID: "s1", Fields: map[string]float64{"temperature": 17.0, "humidity": 55}, ReceivedAt: now.Add(-time.Minute)},
	}}
	c := newTestCache(t, loader)
	ctx := context.Background()

	latest, err := c.GetLatest(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, loader.calls)
	// Newest reading wins for temperature; humidity comes from the
	// older row because the newest had none.
	assert.Equal(t, 18.0, latest["temperature"].Value)
	assert.Equal(t, 55.0, latest["humidity"].Value)

	// The rebuild persisted, so the next read skips the loader.
	_, err = c.GetLatest(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, loader.calls)
}

func TestGetLatestEmptyStoreStaysEmpty(t *testing.T) {
	c := newTestCache(t, &fakeLoader{})
	latest, err := c.GetLatest(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Empty(t, latest)
}
