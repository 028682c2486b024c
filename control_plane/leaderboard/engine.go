// Package leaderboard implements the Leaderboard Engine: addOrIncr, topK,
// rankOf, scoreOf and snapshotAndFreeze, backed by a Redis sorted set.
//
// There is no analog for this in the reference codebase's own Redis
// usage — its sorted-set-free store only ever does simple key/value and
// lock/lease work. The atomicity discipline is grounded in the same
// idiom the reference codebase already uses for its other compound
// Redis operations (store/redis_versioned.go's Lua-script
// read-modify-write): a single EVAL does the score increment and the
// encoded-for-ranking ZADD together, so no other writer can observe a
// half-updated entry.
package leaderboard

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/itskum47/arenaforge/control_plane/observability"
	"github.com/itskum47/arenaforge/control_plane/resilience"
	"github.com/itskum47/arenaforge/control_plane/store"
)

// tieBreakScale spaces consecutive integer scores far enough apart in
// the combined ZSET score that subtracting a tie-breaker (assumed to be
// seconds elapsed since contest start, always well under tieBreakScale)
// can never push one score's range into its neighbor's.
const tieBreakScale = 1e7

const addOrIncrScript = `
-- KEYS[1] = sorted set key (ranking, by combined score)
-- KEYS[2] = raw score hash key (member -> plain integer score)
-- ARGV[1] = userID
-- ARGV[2] = deltaScore
-- ARGV[3] = tieBreakerSeconds (elapsed since contest start; lower is better)

local current = tonumber(redis.call("HGET", KEYS[2], ARGV[1]) or "0")
local newScore = current + tonumber(ARGV[2])
redis.call("HSET", KEYS[2], ARGV[1], newScore)

local combined = newScore * ` + "1e7" + ` - tonumber(ARGV[3])
redis.call("ZADD", KEYS[1], combined, ARGV[1])
return newScore
`

// degradedEntry is the last score this engine computed locally for one
// participant while Redis was unreachable, kept alongside the generic
// DegradedMode cache so recovery can replay it into the live sorted set
// (the generic reconciliation path only makes the value durable again
// under a shadow versioned key, it doesn't know how to re-ZADD it).
type degradedEntry struct {
	contestID, userID string
	score             int
	tieBreakerSeconds int64
}

// Engine is the Leaderboard Engine component. It shares the Redis
// connection pool with store.RedisStore via Client(), and falls back to
// an in-process degraded-mode cache when that connection is down —
// grounded on resilience.DegradedMode, which the reference codebase
// pairs with its own Redis-backed primitives the same way.
type Engine struct {
	client *redis.Client
	rs     *store.RedisStore

	degraded *resilience.DegradedMode

	mu          sync.Mutex
	pendingKeys map[string]degradedEntry
}

func NewEngine(rs *store.RedisStore) *Engine {
	return &Engine{
		client:      rs.Client(),
		rs:          rs,
		degraded:    resilience.NewDegradedMode(),
		pendingKeys: make(map[string]degradedEntry),
	}
}

// DegradedMode exposes the engine's Redis-unavailability fallback so a
// leader-epoch reconciliation loop can drive recovery alongside the
// engine's own opportunistic reconcile-on-next-write.
func (e *Engine) DegradedMode() *resilience.DegradedMode {
	return e.degraded
}

func sortedSetKey(contestID string) string { return "arenaforge:leaderboard:" + contestID }
func rawScoreKey(contestID string) string  { return "arenaforge:leaderboard:" + contestID + ":raw" }
func degradedKey(contestID, userID string) string {
	return "arenaforge:leaderboard:degraded:" + contestID + ":" + userID
}

// AddOrIncr adds deltaScore to userID's running score and re-encodes the
// combined ranking score atomically. tieBreakerSeconds should be seconds
// elapsed since contest start at the time of this accepted submission —
// keeping the tie-breaker relative (rather than absolute unix millis)
// keeps it small enough that tieBreakScale never has to be larger than
// float64 can represent exactly alongside the score.
//
// If Redis is unreachable, the increment is applied to a local cache
// instead of being lost: AddOrIncr still returns the participant's
// correct running score, just not yet durably ranked, and the caller
// gets a non-nil error so it can decide whether to treat the submission
// as provisionally scored.
func (e *Engine) AddOrIncr(ctx context.Context, contestID, userID string, deltaScore int, tieBreakerSeconds int64) (int, error) {
	result, err := e.client.Eval(ctx, addOrIncrScript,
		[]string{sortedSetKey(contestID), rawScoreKey(contestID)},
		userID, deltaScore, tieBreakerSeconds,
	).Result()
	if err != nil {
		return e.addOrIncrDegraded(contestID, userID, deltaScore, tieBreakerSeconds, err)
	}
	newScore, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("addOrIncr: unexpected result type %T", result)
	}
	observability.LeaderboardWrites.Inc()

	if e.degraded.IsDegraded() {
		go e.reconcile(context.Background())
	}
	return int(newScore), nil
}

func (e *Engine) addOrIncrDegraded(contestID, userID string, deltaScore int, tieBreakerSeconds int64, cause error) (int, error) {
	e.degraded.MarkRedisUnavailable()
	observability.LeaderboardDegradedWrites.Inc()

	key := degradedKey(contestID, userID)
	base := 0
	if cached, ok := e.degraded.GetFromCache(key); ok {
		if v, ok := cached.(degradedEntry); ok {
			base = v.score
		}
	}
	entry := degradedEntry{contestID: contestID, userID: userID, score: base + deltaScore, tieBreakerSeconds: tieBreakerSeconds}
	e.degraded.SetInCacheWithTTL(key, entry, 0)

	e.mu.Lock()
	e.pendingKeys[key] = entry
	e.mu.Unlock()

	return entry.score, fmt.Errorf("addOrIncr: leaderboard degraded, cached locally: %w", cause)
}

// reconcile replays the degraded-mode cache into Redis once it recovers:
// first the generic versioned reconciliation makes each pending write
// durable under a shadow key (conflict-checked so a stale replay can
// never clobber a newer write that landed directly), then the engine
// re-applies the same score directly into the live sorted set so
// TopK/RankOf reflect it again.
func (e *Engine) reconcile(ctx context.Context) {
	adapter := &resilience.StoreVersionedWriter{RS: e.rs}
	if err := e.degraded.MarkRedisAvailableWithReconciliation(ctx, adapter); err != nil {
		return
	}

	e.mu.Lock()
	pending := e.pendingKeys
	e.pendingKeys = make(map[string]degradedEntry)
	e.mu.Unlock()

	for _, entry := range pending {
		if _, err := e.client.Eval(ctx, setAbsoluteScript,
			[]string{sortedSetKey(entry.contestID), rawScoreKey(entry.contestID)},
			entry.userID, entry.score, entry.tieBreakerSeconds,
		).Result(); err != nil {
			continue
		}
		observability.LeaderboardReconciled.Inc()
	}
}

const setAbsoluteScript = `
-- KEYS[1] = sorted set key, KEYS[2] = raw score hash key
-- ARGV[1] = userID, ARGV[2] = absolute score, ARGV[3] = tieBreakerSeconds
redis.call("HSET", KEYS[2], ARGV[1], ARGV[2])
local combined = tonumber(ARGV[2]) * ` + "1e7" + ` - tonumber(ARGV[3])
redis.call("ZADD", KEYS[1], combined, ARGV[1])
return 1
`

// decodeEntry recovers the plain score and relative tie-breaker from a
// member's combined ZSET score, given its raw (plain) score.
func decodeTieBreaker(rawScore int64, combined float64) int64 {
	return rawScore*int64(tieBreakScale) - int64(combined)
}

func (e *Engine) TopK(ctx context.Context, contestID string, k int) ([]store.LeaderboardEntry, error) {
	zs, err := e.client.ZRevRangeWithScores(ctx, sortedSetKey(contestID), 0, int64(k)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("topK: %w", err)
	}
	return e.hydrate(ctx, contestID, zs)
}

func (e *Engine) RankOf(ctx context.Context, contestID, userID string) (int, error) {
	rank, err := e.client.ZRevRank(ctx, sortedSetKey(contestID), userID).Result()
	if err == redis.Nil {
		return 0, fmt.Errorf("user not ranked")
	}
	if err != nil {
		return 0, fmt.Errorf("rankOf: %w", err)
	}
	return int(rank) + 1, nil
}

func (e *Engine) ScoreOf(ctx context.Context, contestID, userID string) (int, int64, error) {
	rawStr, err := e.client.HGet(ctx, rawScoreKey(contestID), userID).Result()
	if err == redis.Nil {
		return 0, 0, fmt.Errorf("user not scored")
	}
	if err != nil {
		if cached, ok := e.degraded.GetFromCache(degradedKey(contestID, userID)); ok {
			if v, ok := cached.(degradedEntry); ok {
				return v.score, v.tieBreakerSeconds, nil
			}
		}
		return 0, 0, fmt.Errorf("scoreOf: %w", err)
	}
	var raw int64
	fmt.Sscanf(rawStr, "%d", &raw)

	combined, err := e.client.ZScore(ctx, sortedSetKey(contestID), userID).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("scoreOf: %w", err)
	}
	return int(raw), decodeTieBreaker(raw, combined), nil
}

// SnapshotAndFreeze reads the full ordered leaderboard. It does not
// itself block further writes — the orchestrator stops calling
// AddOrIncr once the contest leaves ACTIVE, which is what actually
// freezes it; this call just hands back what to persist durably.
func (e *Engine) SnapshotAndFreeze(ctx context.Context, contestID string) ([]store.LeaderboardEntry, error) {
	zs, err := e.client.ZRevRangeWithScores(ctx, sortedSetKey(contestID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("snapshotAndFreeze: %w", err)
	}
	return e.hydrate(ctx, contestID, zs)
}

func (e *Engine) hydrate(ctx context.Context, contestID string, zs []redis.Z) ([]store.LeaderboardEntry, error) {
	if len(zs) == 0 {
		return nil, nil
	}
	members := make([]string, len(zs))
	for i, z := range zs {
		members[i] = z.Member.(string)
	}
	rawVals, err := e.client.HMGet(ctx, rawScoreKey(contestID), members...).Result()
	if err != nil {
		return nil, fmt.Errorf("hydrate: %w", err)
	}

	out := make([]store.LeaderboardEntry, len(zs))
	for i, z := range zs {
		var raw int64
		if s, ok := rawVals[i].(string); ok {
			fmt.Sscanf(s, "%d", &raw)
		}
		out[i] = store.LeaderboardEntry{
			ContestID:        contestID,
			UserID:           members[i],
			Score:            int(raw),
			TieBreakerMillis: decodeTieBreaker(raw, z.Score),
			Rank:             i + 1,
		}
	}
	return out, nil
}
