// Package redis holds the measurement cache and the dosing interval gate.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"hydrocontrol/internal/script"
	"hydrocontrol/internal/utils"

	"github.com/redis/go-redis/v9"
)

var log = utils.Component("REDIS")

// readingsTTL bounds how long a silent device's readings stay usable.
const readingsTTL = 15 * time.Minute

// NewRedisClient creates a Redis client
func NewRedisClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr})
}

// Cache keeps the latest sensor readings per device.
type Cache struct {
	rdb redis.Cmdable
}

// NewCache wraps a client.
func NewCache(rdb redis.Cmdable) *Cache {
	return &Cache{rdb: rdb}
}

func readingsKey(deviceID string) string {
	return fmt.Sprintf("device:%s:readings", deviceID)
}

// StoreReadings merges readings into the device's hash.
func (c *Cache) StoreReadings(ctx context.Context, deviceID string, readings map[script.Sensor]script.Reading) error {
	if len(readings) == 0 {
		return nil
	}
	key := readingsKey(deviceID)
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, key, EncodeReadings(readings))
	pipe.HSet(ctx, key, "updated_at", time.Now().Unix())
	pipe.Expire(ctx, key, readingsTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		log.WithError(err).WithField("device", deviceID).Error("storing readings failed")
		return err
	}
	return nil
}

// Readings returns every cached reading of a device.
func (c *Cache) Readings(ctx context.Context, deviceID string) (map[script.Sensor]script.Reading, error) {
	fields, err := c.rdb.HGetAll(ctx, readingsKey(deviceID)).Result()
	if err != nil {
		return nil, err
	}
	return DecodeReadings(fields), nil
}

// LatestEC returns the cached EC of a device and whether one exists.
func (c *Cache) LatestEC(ctx context.Context, deviceID string) (float64, bool, error) {
	v, err := c.rdb.HGet(ctx, readingsKey(deviceID), string(script.SensorEC)).Float64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

// EncodeReadings flattens readings into hash fields. Level sensors store
// their ordinal.
func EncodeReadings(readings map[script.Sensor]script.Reading) map[string]interface{} {
	out := make(map[string]interface{}, len(readings))
	for s, r := range readings {
		if s.Ordinal() {
			out[string(s)] = strconv.Itoa(int(r.Level))
			continue
		}
		out[string(s)] = strconv.FormatFloat(r.Value, 'f', -1, 64)
	}
	return out
}

// DecodeReadings is the inverse of EncodeReadings. Unknown or malformed
// fields are dropped.
func DecodeReadings(fields map[string]string) map[script.Sensor]script.Reading {
	out := map[script.Sensor]script.Reading{}
	for k, v := range fields {
		s := script.Sensor(k)
		if !s.Known() {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			continue
		}
		r := script.Reading{Value: f}
		if s.Ordinal() {
			r.Level = script.Level(int(f))
		}
		out[s] = r
	}
	return out
}

// Gate is a per-key rate limiter backed by SET NX EX.
type Gate struct {
	rdb redis.Cmdable
}

// NewGate wraps a client.
func NewGate(rdb redis.Cmdable) *Gate {
	return &Gate{rdb: rdb}
}

// Acquire reports whether the caller holds key for ttl. Only one caller per
// ttl window succeeds.
func (g *Gate) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl < time.Second {
		ttl = time.Second
	}
	return g.rdb.SetNX(ctx, key, time.Now().Unix(), ttl).Result()
}
