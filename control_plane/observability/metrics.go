package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SubmissionQueueDepth tracks the number of pending submissions awaiting judgement.
	SubmissionQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "arena_submission_queue_depth",
		Help: "Current number of submissions in the judging queue",
	}, []string{"priority"})

	// AdmissionDecisions tracks the number of admission decisions made by type.
	AdmissionDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_admission_decisions_total",
		Help: "Total number of submission admission decisions made",
	}, []string{"decision", "reason"})

	// WorkerPoolHealth tracks the failure rate of sandbox worker pools.
	WorkerPoolHealth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "arena_worker_pool_health",
		Help: "Current failure rate of sandbox worker pools (0-1)",
	}, []string{"pool"})

	// OrchestratorLoopDuration tracks the duration of the contest loop iteration.
	OrchestratorLoopDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "arena_orchestrator_loop_duration_seconds",
		Help:    "Duration of the main contest orchestrator loop iteration",
		Buckets: prometheus.DefBuckets,
	})

	// QueueOldestSubmissionAge tracks the age of the oldest queued submission.
	QueueOldestSubmissionAge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "arena_queue_oldest_submission_age_seconds",
		Help: "Age of the oldest submission in the queue in seconds",
	}, []string{"contest_id", "priority"})

	// OrchestratorMode tracks the current operating mode of the contest orchestrator.
	OrchestratorMode = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "arena_orchestrator_mode",
		Help: "Current orchestrator mode (1=Normal, 2=Degraded, 3=ReadOnly, 4=Draining)",
	}, []string{"mode"})

	// ContestLeaderEpoch tracks the current fencing epoch for a contest's elected owner.
	ContestLeaderEpoch = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "arena_contest_leader_epoch",
		Help: "Current fencing epoch of the contest's elected owner",
	}, []string{"contest_id", "node_id"})

	// ContestLeaderTransitions tracks leadership acquisition and loss events per contest.
	ContestLeaderTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_contest_leader_transitions_total",
		Help: "Total number of contest leadership transitions",
	}, []string{"contest_id", "node_id", "event"})

	// === Phase 5.1: Critical Production Hardening Metrics ===

	// SubmissionTimeouts tracks submissions forcibly terminated due to timeout.
	SubmissionTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_submission_timeouts_total",
		Help: "Submissions forcibly terminated due to timeout",
	}, []string{"contest_id", "phase", "timeout_reason"}) // timeout_reason: runtime_limit, leadership_loss, shutdown

	// SubmissionRuntimeSeconds tracks the wall-clock judging time of submissions.
	SubmissionRuntimeSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "arena_submission_runtime_seconds",
		Help:    "Submission judging time distribution",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1.7min
	})

	// SandboxPoolSaturation tracks sandbox worker utilization (circuit breaker signal).
	SandboxPoolSaturation = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arena_sandbox_pool_saturation",
		Help: "Ratio of busy sandbox workers to pool size (0.0-1.0)",
	})

	// AdmissionRejections tracks submissions rejected by admission control.
	AdmissionRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_admission_rejections_total",
		Help: "Submissions rejected by admission control",
	}, []string{"reason"}) // circuit_open, contest_not_active, degraded_mode, duplicate

	// AdmissionCircuitState tracks the submission pipeline circuit breaker state.
	AdmissionCircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "arena_admission_circuit_state",
		Help: "Circuit breaker state (0=closed, 1=half_open, 2=open)",
	}, []string{"state"})

	// EventPublishFailures tracks failed contest event publish attempts (non-blocking).
	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_event_publish_failures_total",
		Help: "Failed contest event publish attempts (non-blocking, best-effort)",
	}, []string{"event_type", "reason"})

	// === Phase 6: Pilot Operations Telemetry ===

	// SubmissionPendingAgeSeconds tracks the age of pending submissions (time since enqueued).
	// "North Star" metric for contestant-perceived judging latency.
	SubmissionPendingAgeSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "arena_submission_pending_age_seconds",
		Help:    "Age of pending submissions (time from enqueue to judging start)",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~7min
	})

	// JudgeRetries tracks the total number of judging retries.
	JudgeRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_judge_retries_total",
		Help: "Total number of submission judging retry attempts",
	})

	// SubmissionsJudged tracks the total number of submissions that received a verdict.
	SubmissionsJudged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_submissions_judged_total",
		Help: "Total number of submissions judged to a final verdict",
	})

	// DBPendingSubmissions tracks the number of submissions awaiting a verdict in the DB.
	DBPendingSubmissions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "arena_db_pending_submissions",
		Help: "Current number of submissions awaiting a verdict in the database",
	}, []string{"contest_id"})

	// AdmissionWaitSeconds tracks time submissions wait in the internal queue.
	AdmissionWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "arena_admission_wait_seconds",
		Help:    "Time submissions wait in the internal queue before being picked up by a sandbox worker",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
	})

	// -- Phase 6.1: Pilot Operational Metrics --

	RuntimeMode = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "arena_runtime_mode",
		Help: "Current runtime mode configuration (1 = active)",
	}, []string{"mode"})

	// LeaderboardSkew tracks scored submissions not yet reflected in the live leaderboard.
	LeaderboardSkew = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "arena_leaderboard_skew_count",
		Help: "Detected count of judged submissions not yet reflected in the live leaderboard",
	}, []string{"contest_id"})

	// === High-Value Observability Metrics ===

	// ContestLeaderTransitionDuration tracks time taken for a contest leadership transition.
	ContestLeaderTransitionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "arena_contest_leader_transition_duration_seconds",
		Help:    "Time taken for a contest leadership transition (step-down to become-leader)",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~100s
	})

	// APIRateLimited tracks API requests rejected by rate limiter.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_api_rate_limited_total",
		Help: "API requests rejected by rate limiter (storm protection)",
	}, []string{"endpoint"}) // submit_answer, join_contest, heartbeat

	// QueueWaitSeconds tracks queue wait time (overload early signal).
	QueueWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "arena_queue_wait_seconds",
		Help:    "Time submissions spend waiting in queue before judging begins",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~100s
	})

	// RedisLatency tracks Redis operation roundtrip latency (coordination + leaderboard spine).
	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "arena_redis_roundtrip_latency_seconds",
		Help:    "Redis operation latency (coordination and leaderboard spine health)",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
	})

	// LeaderboardWrites tracks successful leaderboard score updates.
	LeaderboardWrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_leaderboard_writes_total",
		Help: "Total number of successful leaderboard score updates",
	})

	// LeaderboardDegradedWrites tracks leaderboard updates served from the
	// local degraded-mode cache because the Redis sorted set was unreachable.
	LeaderboardDegradedWrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_leaderboard_degraded_writes_total",
		Help: "Total number of leaderboard score updates queued locally while Redis was unavailable",
	})

	// LeaderboardReconciled tracks pending degraded-mode writes successfully
	// replayed into Redis once it recovers.
	LeaderboardReconciled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_leaderboard_reconciled_total",
		Help: "Total number of degraded-mode leaderboard writes reconciled back into Redis",
	})

	// === Atomic Enforcement Metrics (Production Hardening) ===

	// VersionedWriteSuccess tracks successful atomic versioned writes.
	VersionedWriteSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_versioned_write_success_total",
		Help: "Total number of successful versioned writes",
	})

	// VersionedWriteConflict tracks version conflicts detected.
	VersionedWriteConflict = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_versioned_write_conflict_total",
		Help: "Total number of version conflicts detected",
	})

	// ContestLeaderEpochAbort tracks contest-loop iterations aborted due to an epoch change.
	// This is the "smoking gun" metric for fenced-leadership safety enforcement.
	ContestLeaderEpochAbort = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_contest_leader_epoch_abort_total",
		Help: "Total number of contest loop iterations aborted due to epoch change mid-iteration",
	}, []string{"contest_id"})

	// ContestLeaderStatus tracks current leader status per contest.
	ContestLeaderStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "arena_contest_leader_status",
		Help: "Current contest leader status (1 = leader, 0 = follower)",
	}, []string{"contest_id"})

	// IdempotencyLockAcquired tracks idempotency locks acquired.
	IdempotencyLockAcquired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_idempotency_lock_acquired_total",
		Help: "Total number of idempotency locks acquired",
	})

	// IdempotencyLockExpired tracks locks that expired.
	IdempotencyLockExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_idempotency_lock_expired_total",
		Help: "Total number of idempotency locks that expired",
	})

	// ConnectedSandboxWorkers tracks the number of currently registered sandbox workers.
	ConnectedSandboxWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arena_connected_sandbox_workers",
		Help: "Current number of connected sandbox workers",
	})

	// ConnectedRealtimeSessions tracks the number of open websocket sessions.
	ConnectedRealtimeSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "arena_connected_realtime_sessions",
		Help: "Current number of open realtime (websocket) sessions",
	}, []string{"room"})
)
