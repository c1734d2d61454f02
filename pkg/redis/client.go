// Package redis provides the revalidation cache used by the source
// fetcher to avoid re-fetching unchanged script bodies on every refresh
// cycle. It is a thin wrapper over go-redis/v9: this repo only needs
// GET/SET-with-TTL plus ETag bookkeeping, not the full client surface.
package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps a go-redis client with the two operations the source
// fetcher's revalidation cache needs.
type Client struct {
	rdb *redis.Client
}

// Entry is one cached fetch result: the body as last observed, plus the
// validator the fetcher sends back as If-None-Match on the next fetch.
type Entry struct {
	Body []byte
	ETag string
}

// New creates a client from a redis:// URL (redis[s]://[:password@]host[:port][/db]).
func New(redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &Client{rdb: redis.NewClient(opts)}, nil
}

// Ping verifies connectivity; construction never fails on a down Redis
// so the server can still start and degrade to always-refetch.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Get returns the cached entry for key, or ok=false if absent or on any
// Redis error (a cache miss, never a fatal condition for the caller).
func (c *Client) Get(ctx context.Context, key string) (Entry, bool) {
	vals, err := c.rdb.HMGet(ctx, key, "body", "etag").Result()
	if err != nil || len(vals) != 2 || vals[0] == nil {
		return Entry{}, false
	}
	body, _ := vals[0].(string)
	etag, _ := vals[1].(string)
	return Entry{Body: []byte(body), ETag: etag}, true
}

// Set stores an entry with a TTL and returns any failure to the caller;
// the source fetcher discards it, so a failed cache write never fails
// the fetch itself.
func (c *Client) Set(ctx context.Context, key string, e Entry, ttl time.Duration) error {
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{"body": string(e.Body), "etag": e.ETag})
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}
