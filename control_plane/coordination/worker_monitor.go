package coordination

import (
	"context"
	"log"
	"time"

	"github.com/itskum47/arenaforge/control_plane/observability"
	"github.com/itskum47/arenaforge/control_plane/store"
)

// WorkerMonitor periodically checks for stale sandbox worker heartbeats
// and marks them offline so the submission pipeline stops dispatching
// to them.
type WorkerMonitor struct {
	store     store.Store
	interval  time.Duration
	threshold time.Duration
}

func NewWorkerMonitor(s store.Store, interval time.Duration, threshold time.Duration) *WorkerMonitor {
	return &WorkerMonitor{
		store:     s,
		interval:  interval,
		threshold: threshold,
	}
}

func (m *WorkerMonitor) Start(ctx context.Context) {
	go m.loop(ctx)
}

func (m *WorkerMonitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	log.Printf("starting sandbox worker liveness monitor (interval: %v, threshold: %v)", m.interval, m.threshold)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkLiveness(ctx)
		}
	}
}

func (m *WorkerMonitor) checkLiveness(ctx context.Context) {
	workers, err := m.store.ListWorkers(ctx)
	if err != nil {
		log.Printf("WorkerMonitor: failed to list workers: %v", err)
		return
	}

	activeCount := 0
	now := time.Now()
	for _, w := range workers {
		diff := now.Sub(w.LastHeartbeat)

		if w.Status == "offline" {
			continue
		}

		if diff > m.threshold {
			log.Printf("WorkerMonitor: worker %s heartbeat expired (last: %v), marking offline", w.WorkerID, w.LastHeartbeat)
			w.Status = "offline"
			if err := m.store.UpsertWorker(ctx, w); err != nil {
				log.Printf("WorkerMonitor: failed to mark worker %s offline: %v", w.WorkerID, err)
			}
		} else {
			activeCount++
		}
	}
	observability.ConnectedSandboxWorkers.Set(float64(activeCount))
}
