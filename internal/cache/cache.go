package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"greenhouse/internal/models"
)

// Point is one cached metric sample.
type Point struct {
	Value float64   `json:"v"`
	At    time.Time `json:"ts"`
}

// Loader rebuilds cache entries from the durable store. The store is
// authoritative; anything here is derived and disposable.
type Loader interface {
	GetRecentReadings(ctx context.Context, sensorID string, window time.Duration) ([]models.SensorReading, error)
}

// Cache holds the latest-value snapshot and a bounded recent-history
// list per sensor metric.
type Cache struct {
	rdb        *redis.Client
	loader     Loader
	historyCap int
	logger     *zap.Logger
}

// NewCache creates a cache around an existing Redis client.
func NewCache(rdb *redis.Client, loader Loader, historyCap int, logger *zap.Logger) *Cache {
	if historyCap <= 0 {
		historyCap = 100
	}
	return &Cache{rdb: rdb, loader: loader, historyCap: historyCap, logger: logger}
}

func latestKey(sensorID string) string {
	return fmt.Sprintf("sensor:%s:latest", sensorID)
}

func historyKey(sensorID, metric string) string {
	return fmt.Sprintf("sensor:%s:hist:%s", sensorID, metric)
}

// SetLatest upserts the latest-value entry for one metric.
func (c *Cache) SetLatest(ctx context.Context, sensorID, metric string, value float64, ts time.Time) error {
	raw, err := json.Marshal(Point{Value: value, At: ts})
	if err != nil {
		return err
	}
	return c.rdb.HSet(ctx, latestKey(sensorID), metric, raw).Err()
}

// GetLatest returns the latest value per metric for a sensor. A miss
// triggers a rebuild from the durable store, so a lost or stale cache
// entry self-heals on the next read.
func (c *Cache) GetLatest(ctx context.Context, sensorID string) (map[string]Point, error) {
	entries, err := c.rdb.HGetAll(ctx, latestKey(sensorID)).Result()
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return c.Rebuild(ctx, sensorID)
	}

	latest := make(map[string]Point, len(entries))
	for metric, raw := range entries {
		var p Point
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			c.logger.Warn("corrupt cache entry, rebuilding",
				zap.String("sensor_id", sensorID), zap.String("metric", metric))
			return c.Rebuild(ctx, sensorID)
		}
		latest[metric] = p
	}
	return latest, nil
}

// PushHistory appends a sample to the bounded recent-history list,
// evicting the oldest beyond the cap.
func (c *Cache) PushHistory(ctx context.Context, sensorID, metric string, value float64, ts time.Time) error {
	raw, err := json.Marshal(Point{Value: value, At: ts})
	if err != nil {
		return err
	}
	key := historyKey(sensorID, metric)
	pipe := c.rdb.Pipeline()
	pipe.LPush(ctx, key, raw)
	pipe.LTrim(ctx, key, 0, int64(c.historyCap-1))
	_, err = pipe.Exec(ctx)
	return err
}

// GetRecentHistory returns samples within the window, newest first.
func (c *Cache) GetRecentHistory(ctx context.Context, sensorID, metric string, window time.Duration) ([]Point, error) {
	raws, err := c.rdb.LRange(ctx, historyKey(sensorID, metric), 0, int64(c.historyCap-1)).Result()
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-window)
	var points []Point
	for _, raw := range raws {
		var p Point
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			continue
		}
		if p.At.Before(cutoff) {
			break // list is newest-first; everything past here is older
		}
		points = append(points, p)
	}
	return points, nil
}

// Rebuild repopulates a sensor's latest entry from the durable store.
// Called on miss and whenever an entry is found untrusted.
func (c *Cache) Rebuild(ctx context.Context, sensorID string) (map[string]Point, error) {
	if c.loader == nil {
		return nil, nil
	}
	readings, err := c.loader.GetRecentReadings(ctx, sensorID, 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("rebuild %s: %w", sensorID, err)
	}
	if len(readings) == 0 {
		return nil, nil
	}

	// Readings are newest-first; the first occurrence of a metric wins.
	latest := make(map[string]Point)
	for _, r := range readings {
		for metric, v := range r.Fields {
			if _, seen := latest[metric]; !seen {
				latest[metric] = Point{Value: v, At: r.ReceivedAt}
			}
		}
	}
	for metric, p := range latest {
		if err := c.SetLatest(ctx, sensorID, metric, p.Value, p.At); err != nil {
			c.logger.Warn("cache rebuild write failed",
				zap.String("sensor_id", sensorID), zap.String("metric", metric), zap.Error(err))
		}
	}
	c.logger.Info("cache rebuilt from store",
		zap.String("sensor_id", sensorID), zap.Int("metrics", len(latest)))
	return latest, nil
}
