package submission

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/itskum47/arenaforge/control_plane/leaderboard"
	"github.com/itskum47/arenaforge/control_plane/streaming"
)

// LeaderboardBroadcaster coalesces leaderboard_update events across one
// tick interval instead of publishing one per accepted submission — a
// contest with a tight time limit and a large cohort can produce bursts
// of simultaneous accepts, and the realtime hub only needs the settled
// top-K once per tick, not once per submission.
type LeaderboardBroadcaster struct {
	lb        *leaderboard.Engine
	publisher streaming.Publisher
	topK      int
	interval  time.Duration

	mu    sync.Mutex
	dirty map[string]string // contestID -> most recent triggering userID this tick
}

// NewLeaderboardBroadcaster builds a broadcaster publishing the top topK
// leaderboard rows (plus the triggering submitter's own rank) for every
// contest that scored at least once since the last tick.
func NewLeaderboardBroadcaster(lb *leaderboard.Engine, pub streaming.Publisher, topK int, interval time.Duration) *LeaderboardBroadcaster {
	return &LeaderboardBroadcaster{
		lb:        lb,
		publisher: pub,
		topK:      topK,
		interval:  interval,
		dirty:     make(map[string]string),
	}
}

func (b *LeaderboardBroadcaster) Start(ctx context.Context) {
	go b.loop(ctx)
}

func (b *LeaderboardBroadcaster) loop(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	log.Printf("starting leaderboard update broadcaster (interval: %v, top: %d)", b.interval, b.topK)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.flush(ctx)
		}
	}
}

// NotifyScoreChange records that contestID's leaderboard moved because of
// userID's submission; the next tick broadcasts the coalesced result.
func (b *LeaderboardBroadcaster) NotifyScoreChange(contestID, userID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dirty[contestID] = userID
}

func (b *LeaderboardBroadcaster) flush(ctx context.Context) {
	b.mu.Lock()
	dirty := b.dirty
	b.dirty = make(map[string]string)
	b.mu.Unlock()

	for contestID, callerID := range dirty {
		top, err := b.lb.TopK(ctx, contestID, b.topK)
		if err != nil {
			log.Printf("leaderboard broadcaster: topK for contest %s: %v", contestID, err)
			continue
		}

		payload := map[string]interface{}{"contest_id": contestID, "top": top}
		if rank, err := b.lb.RankOf(ctx, contestID, callerID); err == nil {
			payload["caller_user_id"] = callerID
			payload["caller_rank"] = rank
		}

		if b.publisher != nil {
			if err := b.publisher.Publish(ctx, "leaderboard_update", payload); err != nil {
				log.Printf("leaderboard broadcaster: publish for contest %s failed: %v", contestID, err)
			}
		}
	}
}
