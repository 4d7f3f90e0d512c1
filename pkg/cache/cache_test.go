package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/witlox/dmfgate/pkg/errors"
)

func newTestCache(t *testing.T, ttl time.Duration) (*DownloadCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewDownloadCache(client, ttl, ""), mr
}

func TestIssueAndRedeem(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t, time.Minute)

	id, err := c.Issue(ctx, "DEFAULT", "2d86c2a659e364e9abba49ea6ffcd53dd5559f05")
	require.NoError(t, err)
	assert.Len(t, id, 36)
	assert.True(t, mr.Exists("dmfgate:download:DEFAULT:"+id))
	assert.Equal(t, time.Minute, mr.TTL("dmfgate:download:DEFAULT:"+id))

	d, err := c.Redeem(ctx, "DEFAULT", id)
	require.NoError(t, err)
	assert.Equal(t, "DEFAULT", d.Tenant)
	assert.Equal(t, "2d86c2a659e364e9abba49ea6ffcd53dd5559f05", d.SHA1)

	// Ids are single use.
	_, err = c.Redeem(ctx, "DEFAULT", id)
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestRedeem_OtherTenant(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, time.Minute)

	id, err := c.Issue(ctx, "DEFAULT", "abc")
	require.NoError(t, err)

	_, err = c.Redeem(ctx, "ACME", id)
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestRedeem_Expired(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t, 30*time.Second)

	id, err := c.Issue(ctx, "DEFAULT", "abc")
	require.NoError(t, err)

	mr.FastForward(31 * time.Second)

	_, err = c.Redeem(ctx, "DEFAULT", id)
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestIssue_Validation(t *testing.T) {
	c, _ := newTestCache(t, 0)
	assert.Equal(t, time.Minute, c.ttl)

	_, err := c.Issue(context.Background(), "", "abc")
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
}

func TestRedisUnavailable(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t, time.Minute)
	mr.Close()

	_, err := c.Issue(ctx, "DEFAULT", "abc")
	assert.Error(t, err)
	assert.Error(t, c.Ping(ctx))
}

func TestNewClient(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewClient(context.Background(), Config{Addr: mr.Addr()})
	require.NoError(t, err)
	assert.NoError(t, client.Close())

	_, err = NewClient(context.Background(), Config{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}
