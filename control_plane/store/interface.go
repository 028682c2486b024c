package store

import (
	"context"
	"time"
)

// Store is the durable (Postgres-backed) contest domain store: Contests,
// Questions, ContestQuestions, Participants and Submissions, plus the
// durable fencing epoch coordination uses to survive a Redis flush.
type Store interface {
	// Contests
	CreateContest(ctx context.Context, c *Contest) error
	UpdateContestStatus(ctx context.Context, contestID string, status ContestStatus, expectedVersion int) error
	GetContest(ctx context.Context, contestID string) (*Contest, error)
	ListContests(ctx context.Context, status ContestStatus) ([]*Contest, error)

	// Questions
	UpsertQuestion(ctx context.Context, q *Question) error
	GetQuestion(ctx context.Context, questionID string) (*Question, error)
	AddContestQuestion(ctx context.Context, cq *ContestQuestion) error
	ListContestQuestions(ctx context.Context, contestID string) ([]*ContestQuestion, error)

	// Participants
	UpsertParticipant(ctx context.Context, p *Participant) error
	GetParticipant(ctx context.Context, contestID, userID string) (*Participant, error)
	ListParticipants(ctx context.Context, contestID string) ([]*Participant, error)
	AdvanceParticipantCursor(ctx context.Context, contestID, userID string, newCursor int) error
	AwardParticipantScore(ctx context.Context, contestID, userID string, deltaScore int, tieBreakerMillis int64) error

	// Submissions
	CreateSubmission(ctx context.Context, s *Submission) error
	UpdateSubmissionVerdict(ctx context.Context, submissionID string, update VerdictUpdate) error
	GetSubmission(ctx context.Context, submissionID string) (*Submission, error)
	ListSubmissionsByParticipant(ctx context.Context, contestID, userID string, limit int) ([]*Submission, error)

	// Leaderboard snapshots (durable, frozen)
	SaveLeaderboardSnapshot(ctx context.Context, snap *LeaderboardSnapshot) error
	GetLatestLeaderboardSnapshot(ctx context.Context, contestID string) (*LeaderboardSnapshot, error)

	// Sandbox worker registry
	UpsertWorker(ctx context.Context, w *SandboxWorker) error
	GetWorker(ctx context.Context, workerID string) (*SandboxWorker, error)
	ListWorkers(ctx context.Context) ([]*SandboxWorker, error)
	UpdateWorkerHeartbeat(ctx context.Context, workerID string, t time.Time) error

	// Durable fencing epoch, keyed per contest (generalizes the reference
	// codebase's single global "leader_election" epoch resource).
	IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error)
	GetDurableEpoch(ctx context.Context, resourceID string) (int64, error)
}

// Coordinator defines distributed coordination: locks/leases used for
// per-contest ownership, and the fencing epoch counter that backs them.
// Unchanged from the reference codebase's Coordinator shape — it already
// generalizes cleanly to per-contest resource keys instead of one global
// leader key.
type Coordinator interface {
	AcquireLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error)
	RenewLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string, ownerID string) error
	GetLockOwner(ctx context.Context, key string) (string, error)

	AcquireLease(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	RenewLease(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, key string, value string) error
	IsLeaseOwner(ctx context.Context, key string, value string) (bool, error)

	IncrementEpoch(ctx context.Context, key string) (int64, error)
	ScanLocks(ctx context.Context, pattern string) ([]string, error)
}

// LeaderboardStore is the Redis sorted-set backed live leaderboard. It is
// the new functionality the reference codebase has no direct analog for;
// its atomic ZINCRBY/ZADD operations are grounded in the same
// Lua-script-or-single-command-atomicity discipline the reference
// codebase's lock/lease primitives use.
type LeaderboardStore interface {
	// AddOrIncr adds deltaScore to userID's score, creating the entry at
	// deltaScore if absent. tieBreakerMillis is stored alongside the
	// score so ties resolve by earliest last-accepted-submission time.
	AddOrIncr(ctx context.Context, contestID, userID string, deltaScore int, tieBreakerMillis int64) (newScore int, err error)

	// TopK returns the top K entries ordered score DESC, tieBreaker ASC.
	TopK(ctx context.Context, contestID string, k int) ([]LeaderboardEntry, error)

	// RankOf returns the caller's own 1-based rank, even outside TopK.
	RankOf(ctx context.Context, contestID, userID string) (rank int, err error)

	// ScoreOf returns the caller's own current score and tie-breaker.
	ScoreOf(ctx context.Context, contestID, userID string) (score int, tieBreakerMillis int64, err error)

	// SnapshotAndFreeze reads the full ordered set and hands back the
	// entries to be durably persisted by Store.SaveLeaderboardSnapshot;
	// it does not itself clear the live set (a frozen contest's
	// leaderboard stays queryable, it just stops accepting writes —
	// enforced by the orchestrator rejecting further AddOrIncr calls
	// once Contest.Status is COMPLETED).
	SnapshotAndFreeze(ctx context.Context, contestID string) ([]LeaderboardEntry, error)
}

// IdempotencyStore deduplicates submit_answer requests on
// (userId, contestId, questionId).
type IdempotencyStore interface {
	GetIdempotencyRecord(key string) (string, error)
	SetIdempotencyRecord(key string, value string, ttl time.Duration) error
	SetIdempotencyRecordNX(key string, value string, ttl time.Duration) error
}
