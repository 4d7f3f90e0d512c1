// Package cache stores short-lived download ids in Redis. An id is issued
// after a device authenticated for an artifact and can be redeemed once.
package cache

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/witlox/dmfgate/pkg/errors"
)

// Config holds Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	TLS      bool
	// KeyPrefix namespaces the download keys.
	KeyPrefix string
}

// NewClient connects to Redis and verifies the connection.
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// Download is what a download id resolves to.
type Download struct {
	Tenant string `json:"tenant"`
	SHA1   string `json:"sha1"`
}

// DownloadCache issues and redeems download ids.
type DownloadCache struct {
	client redis.Cmdable
	ttl    time.Duration
	prefix string
}

// NewDownloadCache creates a cache whose ids expire after ttl.
func NewDownloadCache(client redis.Cmdable, ttl time.Duration, prefix string) *DownloadCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if prefix == "" {
		prefix = "dmfgate:download:"
	}
	return &DownloadCache{client: client, ttl: ttl, prefix: prefix}
}

func (c *DownloadCache) key(tenant, id string) string {
	return c.prefix + tenant + ":" + id
}

// Issue stores a fresh download id for the artifact with sha1.
func (c *DownloadCache) Issue(ctx context.Context, tenant, sha1 string) (string, error) {
	if tenant == "" || sha1 == "" {
		return "", errors.NewValidationError("download", "tenant and sha1 are required")
	}
	id := uuid.NewString()
	payload, err := json.Marshal(Download{Tenant: tenant, SHA1: sha1})
	if err != nil {
		return "", fmt.Errorf("failed to encode download: %w", err)
	}
	if err := c.client.Set(ctx, c.key(tenant, id), payload, c.ttl).Err(); err != nil {
		return "", fmt.Errorf("failed to store download id: %w", err)
	}
	return id, nil
}

// Redeem resolves and removes a download id. Unknown and expired ids are
// ErrNotFound.
func (c *DownloadCache) Redeem(ctx context.Context, tenant, id string) (*Download, error) {
	raw, err := c.client.GetDel(ctx, c.key(tenant, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to redeem download id: %w", err)
	}
	var d Download
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("corrupt download entry: %w", err)
	}
	return &d, nil
}

// Ping checks the connection.
func (c *DownloadCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
