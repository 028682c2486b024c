package coordination

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/itskum47/arenaforge/control_plane/store"
)

// LockJanitor sweeps contest ownership locks for two failure modes:
// a lock fenced out by a newer durable epoch (a partition healed and
// someone else already re-acquired), and a lock whose holder died
// without releasing it (physical TTL expiry plus grace).
type LockJanitor struct {
	coordinator store.Coordinator
	store       store.Store
	interval    time.Duration
}

func NewLockJanitor(c store.Coordinator, s store.Store, interval time.Duration) *LockJanitor {
	return &LockJanitor{
		coordinator: c,
		store:       s,
		interval:    interval,
	}
}

func (j *LockJanitor) Start(ctx context.Context) {
	go j.loop(ctx)
}

func (j *LockJanitor) loop(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.clean(ctx)
		}
	}
}

const lockKeyPrefix = "arenaforge:lock:contest:"

func (j *LockJanitor) clean(ctx context.Context) {
	keys, err := j.coordinator.ScanLocks(ctx, lockKeyPrefix+"*")
	if err != nil {
		log.Printf("Janitor: scan failed: %v", err)
		return
	}

	for _, key := range keys {
		if strings.HasSuffix(key, ":epoch") {
			continue
		}

		contestID := strings.TrimPrefix(key, lockKeyPrefix)

		val, err := j.coordinator.GetLockOwner(ctx, key)
		if err != nil || val == "" {
			continue
		}

		var meta LockMetadata
		if err := json.Unmarshal([]byte(val), &meta); err != nil {
			log.Printf("Janitor: failed to unmarshal lock %s: %v", key, err)
			continue
		}

		currentEpoch, err := j.store.GetDurableEpoch(ctx, "contest_epoch:"+contestID)
		if err != nil {
			log.Printf("Janitor: failed to get durable epoch for contest %s: %v", contestID, err)
			continue
		}

		if meta.Epoch < currentEpoch {
			log.Printf("Janitor: fencing lock %s (epoch %d < current %d), force releasing", key, meta.Epoch, currentEpoch)
			if err := j.coordinator.ReleaseLease(ctx, key, val); err != nil {
				log.Printf("Janitor: failed to release fenced lock: %v", err)
			}
			continue
		}

		if time.Now().After(meta.ExpiresAt.Add(5 * time.Second)) {
			log.Printf("Janitor: found stale lock %s (expired at %s), force releasing", key, meta.ExpiresAt)
			if err := j.coordinator.ReleaseLease(ctx, key, val); err != nil {
				log.Printf("Janitor: failed to release stale lock: %v", err)
			} else {
				log.Printf("Janitor: reclaimed lock %s", key)
			}
		}
	}
}
