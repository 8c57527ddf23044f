package cache

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"math/big"
	"time"
)

// NullCacheValue marks a cached miss so repeated lookups of unknown keys
// do not reach the backing store.
const NullCacheValue = "$NULL$"

// GetJSONWithCached is cache-aside for JSON-encodable values. A nil result
// from fetch is cached as NullCacheValue for emptyTTL and returned as nil.
// Cache errors degrade to a direct fetch.
func GetJSONWithCached[T any](
	ctx context.Context,
	c Cache,
	key string,
	ttl time.Duration,
	emptyTTL time.Duration,
	fetch func(context.Context) (*T, error),
) (*T, error) {
	if cached, err := c.Get(ctx, key); err == nil && cached != "" {
		if cached == NullCacheValue {
			return nil, nil
		}
		var out T
		if err := json.Unmarshal([]byte(cached), &out); err == nil {
			return &out, nil
		}
	}

	data, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	if data == nil {
		_ = c.Set(ctx, key, NullCacheValue, JitterTTL(emptyTTL))
		return nil, nil
	}

	if raw, err := json.Marshal(data); err == nil {
		_ = c.Set(ctx, key, string(raw), JitterTTL(ttl))
	}
	return data, nil
}

// JitterTTL shortens ttl by up to 10% so entries written together do not
// expire together.
func JitterTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return ttl
	}
	maxJitter := int64(ttl / 10)
	if maxJitter <= 0 {
		return ttl
	}
	n, err := rand.Int(rand.Reader, big.NewInt(maxJitter+1))
	if err != nil {
		return ttl
	}
	return ttl - time.Duration(n.Int64())
}
