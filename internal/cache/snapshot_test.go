package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotCacheMissWithoutVersion(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := NewSnapshotCache(db, time.Second)
	key := ListKey("2026-10-19", 1, 2, "")

	mock.ExpectGet(versionKey).RedisNil()
	mock.ExpectGet("tokens:snapshot:v0:" + key).RedisNil()

	data, version, ok, err := c.Get(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, data)
	assert.Equal(t, int64(0), version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotCacheHit(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := NewSnapshotCache(db, time.Second)
	key := ListKey("2026-10-19", 0, 0, "waiting")

	mock.ExpectGet(versionKey).SetVal("3")
	mock.ExpectGet("tokens:snapshot:v3:" + key).SetVal(`[{"id":1}]`)

	data, version, ok, err := c.Get(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(3), version)
	assert.JSONEq(t, `[{"id":1}]`, string(data))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotCacheSetUsesLookupVersion(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := NewSnapshotCache(db, 2*time.Second)
	key := ListKey("2026-10-19", 1, 0, "")
	ctx := context.Background()

	mock.ExpectGet(versionKey).SetVal("7")
	mock.ExpectGet("tokens:snapshot:v7:" + key).RedisNil()
	mock.ExpectSet("tokens:snapshot:v7:"+key, []byte("[]"), 2*time.Second).SetVal("OK")

	_, version, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, c.Set(ctx, key, version, []byte("[]")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotCacheWriteDuringFillOrphansEntry(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := NewSnapshotCache(db, 2*time.Second)
	key := ListKey("2026-10-19", 0, 0, "")
	ctx := context.Background()

	mock.ExpectGet(versionKey).RedisNil()
	mock.ExpectGet("tokens:snapshot:v0:" + key).RedisNil()
	mock.ExpectIncr(versionKey).SetVal(1)
	mock.ExpectSet("tokens:snapshot:v0:"+key, []byte(`[{"status":"waiting"}]`), 2*time.Second).SetVal("OK")
	mock.ExpectGet(versionKey).SetVal("1")
	mock.ExpectGet("tokens:snapshot:v1:" + key).RedisNil()

	_, version, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, c.Invalidate(ctx))
	require.NoError(t, c.Set(ctx, key, version, []byte(`[{"status":"waiting"}]`)))

	_, version, ok, err = c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(1), version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotCacheInvalidateBumpsVersion(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := NewSnapshotCache(db, time.Second)

	mock.ExpectIncr(versionKey).SetVal(8)

	require.NoError(t, c.Invalidate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotCacheGetError(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := NewSnapshotCache(db, time.Second)

	mock.ExpectGet(versionKey).SetErr(errors.New("connection refused"))

	_, _, _, err := c.Get(context.Background(), "k")
	assert.Error(t, err)
}

func TestNilSnapshotCache(t *testing.T) {
	var c *SnapshotCache
	ctx := context.Background()

	_, _, ok, err := c.Get(ctx, "k")
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, c.Set(ctx, "k", 0, []byte("x")))
	assert.NoError(t, c.Invalidate(ctx))
	assert.NoError(t, c.Ping(ctx))
}
