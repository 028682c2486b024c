package coordination

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/itskum47/arenaforge/control_plane/observability"
	"github.com/itskum47/arenaforge/control_plane/store"
)

// LockMetadata is the JSON payload stored as the lease value, so any
// node reading a contest's lock key can see who holds it and at what
// fencing epoch without a second round trip.
type LockMetadata struct {
	OwnerPod  string    `json:"owner_pod"`
	Epoch     int64     `json:"epoch"`
	ReqID     string    `json:"req_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// LeaderElector owns exactly one contest's loop ownership. The control
// plane runs one elector per ACTIVE contest rather than a single
// cluster-wide elector — each contest's lock key and durable epoch
// resource are scoped by ContestID, so losing the lock on one contest
// never perturbs another contest's loop.
type LeaderElector struct {
	contestID     string
	coordinator   store.Coordinator
	store         store.Store // Durable store for the contest's fencing epoch
	nodeID        string
	lockKey       string
	epochResource string
	ttl           time.Duration
	leaderCtx     context.Context // Context valid only while this node owns the contest loop
	leaderCancel  context.CancelFunc

	mu           sync.RWMutex
	isLeader     bool
	currentValue string // The exact JSON string for the held lease
	currentEpoch int64  // The durable fencing token for this contest

	onElected func(context.Context)
	onLost    func()

	ctx    context.Context
	cancel context.CancelFunc

	stepDownTime time.Time
	transitions  int64
}

type LeaderState struct {
	ContestID    string `json:"contest_id"`
	IsLeader     bool   `json:"is_leader"`
	CurrentEpoch int64  `json:"current_epoch"`
	Transitions  int64  `json:"transitions"`
	NodeID       string `json:"node_id"`
}

type fencingKey string

const fencingEpochKey fencingKey = "fencing_epoch"

// FencedContext returns a context that is cancelled the moment this
// node loses ownership of the contest loop. Work derived from it (e.g.
// the per-question broadcast ticker) must select on Done() and stop.
func (l *LeaderElector) FencedContext() context.Context {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.leaderCtx
}

// GetEpochFromContext extracts the fencing epoch from a context
// produced by FencedContext, so a write can be tagged with the epoch it
// was issued under and rejected if that epoch is stale by the time it lands.
func GetEpochFromContext(ctx context.Context) (int64, bool) {
	val := ctx.Value(fencingEpochKey)
	if val == nil {
		return 0, false
	}
	epoch, ok := val.(int64)
	return epoch, ok
}

func (l *LeaderElector) GetState() LeaderState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return LeaderState{
		ContestID:    l.contestID,
		IsLeader:     l.isLeader,
		CurrentEpoch: l.currentEpoch,
		Transitions:  l.transitions,
		NodeID:       l.nodeID,
	}
}

// NewLeaderElector creates an elector scoped to a single contest. The
// lock key and durable epoch resource are both derived from contestID
// so two contests never contend over the same lease.
func NewLeaderElector(c store.Coordinator, s store.Store, contestID, nodeID string, ttl time.Duration) *LeaderElector {
	ctx, cancel := context.WithCancel(context.Background())
	return &LeaderElector{
		contestID:     contestID,
		coordinator:   c,
		store:         s,
		nodeID:        nodeID,
		lockKey:       fmt.Sprintf("arenaforge:lock:contest:%s", contestID),
		epochResource: fmt.Sprintf("contest_epoch:%s", contestID),
		ttl:           ttl,
		ctx:           ctx,
		cancel:        cancel,
	}
}

func (l *LeaderElector) SetCallbacks(onElected func(ctx context.Context), onLost func()) {
	l.onElected = onElected
	l.onLost = onLost
}

func (l *LeaderElector) Start(ctx context.Context) {
	go l.loop(ctx)
}

func (l *LeaderElector) Stop() {
	l.cancel()
	if l.IsLeader() {
		l.release()
	}
}

func (l *LeaderElector) loop(ctx context.Context) {
	interval := l.ttl / 3
	minInterval := l.ttl / 3
	maxInterval := 10 * l.ttl

	renewFailures := 0
	const maxRenewFailures = 3

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if l.IsLeader() {
				l.release()
			}
			return
		case <-timer.C:
			var err error
			if l.IsLeader() {
				var renewed bool
				renewed, err = l.renew(ctx)
				if err == nil {
					renewFailures = 0
					if !renewed {
						l.stepDown()
					}
				} else {
					renewFailures++
					log.Printf("LeaderElector[%s]: renew failed (%d/%d): %v", l.contestID, renewFailures, maxRenewFailures, err)
					if renewFailures >= maxRenewFailures {
						log.Printf("LeaderElector[%s]: too many renew failures, stepping down for safety", l.contestID)
						l.stepDown()
						renewFailures = 0
					}
				}
			} else {
				var acquired bool
				acquired, err = l.acquire(ctx)
				if err == nil && acquired {
					l.becomeLeader()
					renewFailures = 0
				}
			}

			if err != nil {
				interval *= 2
				if interval > maxInterval {
					interval = maxInterval
				}
				log.Printf("LeaderElector[%s]: error encountered, backing off for %v", l.contestID, interval)
			} else {
				interval = minInterval
			}

			timer.Reset(interval)
		}
	}
}

func (l *LeaderElector) IsLeader() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isLeader
}

func (l *LeaderElector) acquire(ctx context.Context) (bool, error) {
	// Durable epoch lives in Postgres, not Redis, so fencing survives a
	// Redis flush: a node that reconnects to Redis cannot replay a stale
	// epoch because Postgres only ever moves it forward.
	epoch, err := l.store.IncrementDurableEpoch(ctx, l.epochResource)
	if err != nil {
		log.Printf("LeaderElector[%s]: failed to increment durable epoch: %v", l.contestID, err)
		return false, err
	}
	l.mu.Lock()
	if l.currentEpoch > 0 && epoch > l.currentEpoch+1 {
		log.Printf("LeaderElector[%s]: epoch drift detected, jumped from %d to %d", l.contestID, l.currentEpoch, epoch)
		observability.ContestLeaderTransitions.WithLabelValues(l.contestID, l.nodeID, "epoch_drift").Inc()
	}
	l.currentEpoch = epoch
	l.mu.Unlock()

	meta := LockMetadata{
		OwnerPod:  l.nodeID,
		Epoch:     epoch,
		ReqID:     generateUUID(),
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(l.ttl),
	}
	valBytes, _ := json.Marshal(meta)
	val := string(valBytes)

	acquired, err := l.coordinator.AcquireLease(ctx, l.lockKey, val, l.ttl)
	if err != nil {
		log.Printf("LeaderElector[%s]: failed to acquire lease: %v", l.contestID, err)
		return false, err
	}

	if acquired {
		l.mu.Lock()
		l.currentValue = val
		l.mu.Unlock()
	}
	return acquired, nil
}

func (l *LeaderElector) renew(ctx context.Context) (bool, error) {
	l.mu.RLock()
	val := l.currentValue
	l.mu.RUnlock()

	if val == "" {
		return false, nil
	}

	renewed, err := l.coordinator.RenewLease(ctx, l.lockKey, val, l.ttl)
	if err != nil {
		log.Printf("LeaderElector[%s]: renew failed: %v", l.contestID, err)
		return false, err
	}
	return renewed, nil
}

func (l *LeaderElector) release() {
	l.mu.RLock()
	val := l.currentValue
	l.mu.RUnlock()

	if val == "" {
		return
	}

	ctxt, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	l.coordinator.ReleaseLease(ctxt, l.lockKey, val)
}

func (l *LeaderElector) becomeLeader() {
	l.mu.Lock()
	l.isLeader = true
	ctx, cancel := context.WithCancel(context.Background())
	l.leaderCancel = cancel
	l.transitions++

	l.leaderCtx = context.WithValue(ctx, fencingEpochKey, l.currentEpoch)

	if !l.stepDownTime.IsZero() {
		transitionDuration := time.Since(l.stepDownTime)
		observability.ContestLeaderTransitionDuration.Observe(transitionDuration.Seconds())
		log.Printf("node %s became leader of contest %s (epoch %d) - transition took %v", l.nodeID, l.contestID, l.currentEpoch, transitionDuration)
		l.stepDownTime = time.Time{}
	} else {
		log.Printf("LeaderElector[%s]: acquired leadership, node %s", l.contestID, l.nodeID)
	}
	l.mu.Unlock()

	observability.ContestLeaderTransitions.WithLabelValues(l.contestID, l.nodeID, "acquired").Inc()
	observability.ContestLeaderEpoch.WithLabelValues(l.contestID, l.nodeID).Set(float64(l.currentEpoch))
	observability.ContestLeaderStatus.WithLabelValues(l.contestID).Set(1)

	if l.onElected != nil {
		go l.onElected(l.leaderCtx)
	}
}

func (l *LeaderElector) stepDown() {
	l.mu.Lock()
	if !l.isLeader {
		l.mu.Unlock()
		return
	}

	observability.ContestLeaderStatus.WithLabelValues(l.contestID).Set(0)
	l.isLeader = false
	l.transitions++
	l.stepDownTime = time.Now()

	if l.leaderCancel != nil {
		l.leaderCancel()
	}
	l.mu.Unlock()

	observability.ContestLeaderTransitions.WithLabelValues(l.contestID, l.nodeID, "lost").Inc()

	log.Printf("LeaderElector[%s]: lost leadership, node %s", l.contestID, l.nodeID)
	if l.onLost != nil {
		l.onLost()
	}
}

// generateUUID is a placeholder identifier generator; it is unique
// enough for request correlation logs but not suitable as a
// cryptographic or globally-ordered ID.
func generateUUID() string {
	return "uuid-" + time.Now().String()
}
