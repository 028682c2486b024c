package resilience

import (
	"context"
	"time"

	"github.com/itskum47/arenaforge/control_plane/store"
)

// StoreVersionedWriter adapts store.RedisStore's Lua-script-backed
// versioned GET/SET onto the VersionedRedisWriter shape
// ReconcilePendingWrites expects, bridging the two independently-defined
// VersionedValue shapes rather than merging them into one: the store
// package's copy backs the Redis wire format, this package's copy backs
// the in-memory pending-write queue, and they only ever meet here.
type StoreVersionedWriter struct {
	RS *store.RedisStore
}

func (w *StoreVersionedWriter) GetVersioned(ctx context.Context, key string) (*VersionedValue, error) {
	v, err := w.RS.GetVersioned(ctx, key)
	if err != nil {
		return nil, err
	}
	return &VersionedValue{Value: v.Value, Version: v.Version, Timestamp: v.Timestamp}, nil
}

func (w *StoreVersionedWriter) SetVersioned(ctx context.Context, key string, value VersionedValue, ttl time.Duration) error {
	return w.RS.SetVersioned(ctx, key, store.VersionedValue{
		Value:     value.Value,
		Version:   value.Version,
		Timestamp: value.Timestamp,
	}, ttl)
}
