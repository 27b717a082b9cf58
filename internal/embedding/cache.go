package embedding

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores vectors keyed by model+text digest.
type Cache interface {
	Get(ctx context.Context, key string) ([]float32, bool)
	Set(ctx context.Context, key string, v []float32, ttl time.Duration)
}

// RedisCache is a shared remote cache. Failures are treated as misses; the
// cache never blocks the embedding path.
type RedisCache struct {
	cli *redis.Client
}

// NewRedisCache connects and pings once so a bad address fails at startup.
func NewRedisCache(addr string) (*RedisCache, error) {
	cli := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := cli.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisCache{cli: cli}, nil
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]float32, bool) {
	b, err := r.cli.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	if len(b)%4 != 0 {
		return nil, false
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, true
}

func (r *RedisCache) Set(ctx context.Context, key string, v []float32, ttl time.Duration) {
	b := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(f))
	}
	_ = r.cli.Set(ctx, key, b, ttl).Err()
}

// MakeKey derives the cache key from model and text.
func MakeKey(model, text string) string {
	h := md5.Sum([]byte(model + "|" + text))
	return "emb:" + hex.EncodeToString(h[:])
}
