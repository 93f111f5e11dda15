package utils

import (
	"context"
	"fmt"
	"sort"

	"github.com/Perceptus-Labs/perceptus-live/models"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisCatalog reads document states from the hash kb:{store}:docs (document
// id to state). The ingest side publishes on kb:{store}:events after every
// change.
type RedisCatalog struct {
	StoreID string

	rdb    *redis.Client
	logger *zap.Logger
}

func NewRedisCatalog(rdb *redis.Client, storeID string, logger *zap.Logger) *RedisCatalog {
	return &RedisCatalog{
		StoreID: storeID,
		rdb:     rdb,
		logger:  logger.With(zap.String("component", "redis_catalog"), zap.String("store_id", storeID)),
	}
}

func DocsKey(storeID string) string { return fmt.Sprintf("kb:%s:docs", storeID) }

func EventsChannel(storeID string) string { return fmt.Sprintf("kb:%s:events", storeID) }

func (c *RedisCatalog) Snapshot(ctx context.Context) (models.KnowledgeBase, error) {
	states, err := c.rdb.HGetAll(ctx, DocsKey(c.StoreID)).Result()
	if err != nil {
		return models.KnowledgeBase{}, fmt.Errorf("failed to read documents of store %s: %w", c.StoreID, err)
	}

	kb := models.KnowledgeBase{StoreID: c.StoreID}
	for id, state := range states {
		kb.Documents = append(kb.Documents, models.Document{ID: id, State: state})
	}
	sort.Slice(kb.Documents, func(i, j int) bool { return kb.Documents[i].ID < kb.Documents[j].ID })
	return kb, nil
}

// Watch subscribes to the store's event channel and sends a fresh snapshot
// after every event. The channel is closed when ctx is done.
func (c *RedisCatalog) Watch(ctx context.Context) (<-chan models.KnowledgeBase, error) {
	pubsub := c.rdb.Subscribe(ctx, EventsChannel(c.StoreID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to store %s: %w", c.StoreID, err)
	}

	out := make(chan models.KnowledgeBase, 1)
	go func() {
		defer close(out)
		defer pubsub.Close()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				c.logger.Debug("Document store changed", zap.String("payload", msg.Payload))
				kb, err := c.Snapshot(ctx)
				if err != nil {
					c.logger.Warn("Failed to refresh documents", zap.Error(err))
					continue
				}
				select {
				case out <- kb:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
