package utils

import (
	"context"
	"testing"
	"time"

	"github.com/Perceptus-Labs/perceptus-live/models"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func TestRedisCatalogSnapshot(t *testing.T) {
	mr, rdb := newTestRedis(t)
	mr.HSet(DocsKey("store-1"), "b", models.DocumentStateProcessing)
	mr.HSet(DocsKey("store-1"), "a", models.DocumentStateReady)
	mr.HSet(DocsKey("store-2"), "c", models.DocumentStateReady)

	c := NewRedisCatalog(rdb, "store-1", zap.NewNop())
	kb, err := c.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.KnowledgeBase{
		StoreID: "store-1",
		Documents: []models.Document{
			{ID: "a", State: models.DocumentStateReady},
			{ID: "b", State: models.DocumentStateProcessing},
		},
	}, kb)

	empty, err := NewRedisCatalog(rdb, "missing", zap.NewNop()).Snapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, empty.Documents)
}

func TestRedisCatalogSnapshotError(t *testing.T) {
	mr, rdb := newTestRedis(t)
	mr.Close()

	_, err := NewRedisCatalog(rdb, "store-1", zap.NewNop()).Snapshot(context.Background())
	assert.Error(t, err)
}

func TestRedisCatalogWatch(t *testing.T) {
	mr, rdb := newTestRedis(t)
	c := NewRedisCatalog(rdb, "store-1", zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := c.Watch(ctx)
	require.NoError(t, err)

	mr.HSet(DocsKey("store-1"), "a", models.DocumentStateReady)
	mr.Publish(EventsChannel("store-1"), "a")

	select {
	case kb := <-ch:
		assert.Equal(t, []string{"a"}, kb.ReadyDocumentIDs())
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot after publish")
	}

	// events on other stores are not seen
	mr.Publish(EventsChannel("store-2"), "x")
	select {
	case kb := <-ch:
		t.Fatalf("unexpected snapshot %+v", kb)
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, open := <-ch:
			return !open
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}
