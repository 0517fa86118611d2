package stock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atelier-erp/atelier/internal/ledger"
)

// AvailabilityCache holds availability snapshots in redis for the dashboard
// read path. Snapshots are refreshed after each mutation and expire on their
// own; mutations never read them.
type AvailabilityCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewAvailabilityCache constructs the cache.
func NewAvailabilityCache(client *redis.Client, ttl time.Duration) *AvailabilityCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &AvailabilityCache{client: client, ttl: ttl}
}

func availabilityKey(itemID uuid.UUID, itemType ledger.ItemType, scope ledger.Scope) string {
	return fmt.Sprintf("stock:avail:%s:%s:%s", itemType, itemID, scope)
}

// SetAvailability stores the latest availability for the item and scope.
func (c *AvailabilityCache) SetAvailability(ctx context.Context, itemID uuid.UUID, itemType ledger.ItemType, scope ledger.Scope, qty decimal.Decimal) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Set(ctx, availabilityKey(itemID, itemType, scope), qty.String(), c.ttl).Err()
}

// GetAvailability returns the cached availability, reporting a miss through
// the second return value.
func (c *AvailabilityCache) GetAvailability(ctx context.Context, itemID uuid.UUID, itemType ledger.ItemType, scope ledger.Scope) (decimal.Decimal, bool, error) {
	if c == nil || c.client == nil {
		return decimal.Zero, false, nil
	}
	val, err := c.client.Get(ctx, availabilityKey(itemID, itemType, scope)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return decimal.Zero, false, nil
		}
		return decimal.Zero, false, err
	}
	qty, err := decimal.NewFromString(val)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("stock: corrupt availability snapshot: %w", err)
	}
	return qty, true, nil
}
