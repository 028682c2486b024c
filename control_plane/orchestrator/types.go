package orchestrator

import (
	"time"
)

// SubmissionCost represents the estimated resource cost of judging a
// submission (heavier for CODE submissions than MCQ).
type SubmissionCost struct {
	CPUSeconds float64
	IOOps      int
}

// SubmissionTask is a unit of admitted work: one submission waiting to
// be dispatched to a sandbox worker for judging.
type SubmissionTask struct {
	SubmissionID  string
	WorkerPool    string // sandbox worker pool / failure domain this task prefers
	ContestID     string // "" for practice submissions
	Priority      int    // 0 (contest, time-sensitive) to 10 (practice, background)
	Deadline      time.Time
	Attempt       int
	Cost          SubmissionCost
	FailureDomain string // sandbox pool shard / az
	UserID        string
	TraceContext  map[string]string
	SubmitTime    time.Time // For priority aging
	EnqueuedAt    time.Time // For backpressure telemetry (admission wait time)
}

// OrchestratorMode defines the operating mode of the contest orchestrator.
type OrchestratorMode string

const (
	ModeNormal   OrchestratorMode = "NORMAL"
	ModeDegraded OrchestratorMode = "DEGRADED"  // reject low-priority (practice) submissions, shed load
	ModeReadOnly OrchestratorMode = "READ_ONLY" // accept no new submissions, drain existing
	ModeDraining OrchestratorMode = "DRAINING"  // accept no new submissions, finish existing
)

// AdmissionMode controls ingress traffic (operator kill switch).
type AdmissionMode int

const (
	AdmissionNormal AdmissionMode = iota
	AdmissionDrain                // finish running, reject new
	AdmissionFreeze               // reject everything immediately
)

func (m AdmissionMode) String() string {
	switch m {
	case AdmissionNormal:
		return "Normal"
	case AdmissionDrain:
		return "Drain"
	case AdmissionFreeze:
		return "Freeze"
	default:
		return "Unknown"
	}
}

// Config holds configuration for the contest orchestrator's admission
// and dispatch behavior.
type Config struct {
	// MaxSubmissionExecutionTime is the hard timeout for judging a
	// single submission; after this the sandbox run is forcibly killed
	// and the submission is failed with a TLE-equivalent verdict.
	MaxSubmissionExecutionTime time.Duration // default: 30s (time-limit-per-question upper bound)

	// MaxConcurrency is the maximum number of submissions being judged
	// at once across the sandbox worker pool.
	MaxConcurrency int // default: 10

	// CircuitBreakerThreshold is the queue depth that triggers circuit open.
	CircuitBreakerThreshold int // default: 1000
}

func DefaultConfig() Config {
	return Config{
		MaxSubmissionExecutionTime: 30 * time.Second,
		MaxConcurrency:             10,
		CircuitBreakerThreshold:    1000,
	}
}

// AdmissionDecision is a structured log entry for admission/dispatch actions.
type AdmissionDecision struct {
	Component    string      `json:"component"`
	Decision     string      `json:"decision"` // DISPATCH, RATE_LIMIT_DELAY, QUARANTINE_DROP, DOMAIN_THROTTLE
	SubmissionID string      `json:"submission_id"`
	ContestID    string      `json:"contest_id"`
	UserID       string      `json:"user_id"`
	Priority     int         `json:"priority"`
	DelayMS      int64       `json:"delay_ms,omitempty"`
	Reason       string      `json:"reason,omitempty"`
	Metadata     interface{} `json:"metadata,omitempty"`
}

// WorkerHealth tracks the health/status of a sandbox worker from the
// orchestrator's dispatch perspective.
type WorkerHealth struct {
	WorkerID string

	AgentReportedHealth float64
	ObservedFailureRate float64
	ExternalProbeScore  float64

	CompositeScore  float64
	Quarantined     bool
	BackoffDuration time.Duration

	LastSeen time.Time
	Tier     string // normal, canary
}

func (n *WorkerHealth) CalculateCompositeScore() {
	n.CompositeScore = (0.2 * n.AgentReportedHealth) +
		(0.5 * n.ObservedFailureRate) +
		(0.3 * n.ExternalProbeScore)
}

// Metrics exposes internal orchestrator state for the admin dashboard.
type Metrics struct {
	QueueDepth          int     `json:"queue_depth"`
	ActiveTasks         int     `json:"active_tasks"`
	MaxConcurrency      int     `json:"max_concurrency"`
	WorkerSaturation    float64 `json:"worker_saturation"`
	CircuitBreakerState string  `json:"circuit_breaker_state"`
	AdmissionMode       string  `json:"admission_mode"`
	RuntimeMode         string  `json:"runtime_mode"`
}
