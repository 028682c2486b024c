package store

import "fmt"

// Resource names the kind of durable/coordination key being built.
type Resource string

const (
	ResourceContestLease Resource = "contest_lease"
	ResourceContestEpoch Resource = "contest_epoch"
	ResourceWorker       Resource = "worker"
)

// contestLockKey returns the Redis lock/lease key used for ownership of a
// single contest's orchestration loop.
func contestLockKey(contestID string) string {
	return fmt.Sprintf("arenaforge:lock:contest:%s", contestID)
}

// contestEpochKey returns the durable epoch resource name for a contest's
// fencing token, scoped separately from the global leader epoch the
// reference codebase uses for its single scheduler leader.
func contestEpochKey(contestID string) string {
	return fmt.Sprintf("contest_epoch:%s", contestID)
}

// leaderboardKey returns the Redis sorted-set key backing a contest's
// live leaderboard.
func leaderboardKey(contestID string) string {
	return fmt.Sprintf("arenaforge:leaderboard:%s", contestID)
}

// idempotencyKey builds the (userId, contestId, questionId) key spec.md's
// Submission & Grading Pipeline requires submissions be deduplicated on.
// contestID is the literal string "practice" for contest-less submissions.
func idempotencyKey(userID, contestID, questionID string) string {
	return fmt.Sprintf("arenaforge:idempotency:%s:%s:%s", userID, contestID, questionID)
}
