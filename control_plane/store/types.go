package store

import "time"

// ContestStatus is the lifecycle state of a Contest.
type ContestStatus string

const (
	ContestDraft     ContestStatus = "DRAFT"
	ContestUpcoming  ContestStatus = "UPCOMING"
	ContestActive    ContestStatus = "ACTIVE"
	ContestCompleted ContestStatus = "COMPLETED"
)

// QuestionType distinguishes MCQ from code questions; the judge strategy
// and Submission payload shape both branch on this.
type QuestionType string

const (
	QuestionMCQ  QuestionType = "MCQ"
	QuestionCode QuestionType = "CODE"
)

// Verdict is the outcome of grading a Submission.
type Verdict string

const (
	VerdictPending           Verdict = "PENDING"
	VerdictAccepted          Verdict = "ACCEPTED"
	VerdictWrongAnswer       Verdict = "WRONG_ANSWER"
	VerdictCompilationError  Verdict = "COMPILATION_ERROR"
	VerdictRuntimeError      Verdict = "RUNTIME_ERROR"
	VerdictTimeLimitExceeded Verdict = "TLE"
	VerdictMemoryLimitExceeded Verdict = "MLE"
	VerdictServiceBusy       Verdict = "SERVICE_BUSY"
)

// verdictRank encodes the reduction priority across test cases:
// COMPILATION_ERROR > TLE > MLE > RUNTIME_ERROR > WRONG_ANSWER > ACCEPTED.
// Lower rank wins when reducing a set of per-test-case verdicts to one.
var verdictRank = map[Verdict]int{
	VerdictCompilationError:    0,
	VerdictTimeLimitExceeded:   1,
	VerdictMemoryLimitExceeded: 2,
	VerdictRuntimeError:        3,
	VerdictWrongAnswer:         4,
	VerdictAccepted:            5,
}

// ReduceVerdicts folds per-test-case verdicts into the single verdict a
// Submission is graded with.
func ReduceVerdicts(verdicts []Verdict) Verdict {
	if len(verdicts) == 0 {
		return VerdictWrongAnswer
	}
	best := verdicts[0]
	for _, v := range verdicts[1:] {
		if verdictRank[v] < verdictRank[best] {
			best = v
		}
	}
	return best
}

// Contest is the top-level scheduled event.
type Contest struct {
	ContestID string        `json:"contest_id"`
	Name      string        `json:"name"`
	Status    ContestStatus `json:"status"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
	Version   int           `json:"version"`
}

// ContestQuestion orders Questions within a Contest and carries the
// per-contest overrides (time budget, points) that differ from a
// Question's own defaults when reused across contests.
type ContestQuestion struct {
	ContestID        string `json:"contest_id"`
	QuestionID       string `json:"question_id"`
	Sequence         int    `json:"sequence"`
	TimeLimitSeconds int    `json:"time_limit_seconds"`
	Points           int    `json:"points"`
}

// MCQOption is one selectable choice of an MCQ Question.
type MCQOption struct {
	OptionID string `json:"option_id"`
	Text     string `json:"text"`
}

// TestCase is one hidden or sample input/output pair a CODE Question is
// graded against inside the Sandbox Runner Pool.
type TestCase struct {
	TestCaseID     string `json:"test_case_id"`
	Input          string `json:"input"`
	ExpectedOutput string `json:"expected_output"`
	Hidden         bool   `json:"hidden"`
}

// Question is a reusable MCQ or CODE problem.
type Question struct {
	QuestionID      string       `json:"question_id"`
	Type            QuestionType `json:"type"`
	Title           string       `json:"title"`
	Body            string       `json:"body"`
	Options         []MCQOption  `json:"options,omitempty"`
	CorrectOptionID string       `json:"correct_option_id,omitempty"`
	TestCases       []TestCase   `json:"test_cases,omitempty"`
	TimeLimitMs     int          `json:"time_limit_ms,omitempty"`
	MemoryLimitMB   int          `json:"memory_limit_mb,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
}

// ParticipantStatus tracks a participant's progress through a Contest.
type ParticipantStatus string

const (
	ParticipantJoined    ParticipantStatus = "JOINED"
	ParticipantActive    ParticipantStatus = "ACTIVE"
	ParticipantCompleted ParticipantStatus = "COMPLETED"
)

// Participant is a single user's standing within a single Contest. The
// cursor is the index into the contest's ordered questions; it only ever
// advances (invariant I3 of the data model).
type Participant struct {
	ContestID        string            `json:"contest_id"`
	UserID           string            `json:"user_id"`
	Status           ParticipantStatus `json:"status"`
	CursorIndex      int               `json:"cursor_index"`
	Score            int               `json:"score"`
	TieBreakerMillis int64             `json:"tie_breaker_millis"`
	JoinedAt         time.Time         `json:"joined_at"`
	LastActivityAt   time.Time         `json:"last_activity_at"`
}

// SubmissionPayload carries whichever half of the union applies to the
// Submission's QuestionType.
type SubmissionPayload struct {
	SelectedOptionID string `json:"selected_option_id,omitempty"`
	Language         string `json:"language,omitempty"`
	SourceCode       string `json:"source_code,omitempty"`
}

// Submission is one graded attempt. ContestID is nil for practice
// submissions (decided open question: practice is contest-less,
// append-only, and never touches a cursor or leaderboard).
type Submission struct {
	SubmissionID     string            `json:"submission_id"`
	ContestID        *string           `json:"contest_id,omitempty"`
	UserID           string            `json:"user_id"`
	QuestionID       string            `json:"question_id"`
	Type             QuestionType      `json:"type"`
	Payload          SubmissionPayload `json:"payload"`
	Verdict          Verdict           `json:"verdict"`
	Score            int               `json:"score"`
	TestCasesPassed  int               `json:"test_cases_passed,omitempty"`
	TestCasesTotal   int               `json:"test_cases_total,omitempty"`
	RuntimeMs        int               `json:"runtime_ms,omitempty"`
	MemoryKB         int               `json:"memory_kb,omitempty"`
	Signature        string            `json:"signature,omitempty"`
	IdempotencyKey   string            `json:"idempotency_key"`
	SubmittedAt      time.Time         `json:"submitted_at"`
	JudgedAt         *time.Time        `json:"judged_at,omitempty"`
}

// VerdictUpdate bundles everything judging produces for one Submission so
// UpdateSubmissionVerdict persists the grading result in one call instead
// of growing a positional parameter per judge signal.
type VerdictUpdate struct {
	Verdict         Verdict
	Score           int
	TestCasesPassed int
	TestCasesTotal  int
	RuntimeMs       int
	MemoryKB        int
	Signature       string
	JudgedAt        time.Time
}

// LeaderboardEntry is one ranked row, computed from the leaderboard
// store's sorted set and never persisted on its own — only snapshots are.
type LeaderboardEntry struct {
	ContestID        string `json:"contest_id"`
	UserID           string `json:"user_id"`
	Score            int    `json:"score"`
	TieBreakerMillis int64  `json:"tie_breaker_millis"`
	Rank             int    `json:"rank"`
}

// LeaderboardSnapshot is the durable, frozen leaderboard taken at
// contest completion (or admin cancel) via snapshotAndFreeze.
type LeaderboardSnapshot struct {
	ContestID string             `json:"contest_id"`
	TakenAt   time.Time          `json:"taken_at"`
	Frozen    bool               `json:"frozen"`
	Entries   []LeaderboardEntry `json:"entries"`
}

// SandboxWorker is a registered executor node in the Sandbox Runner Pool,
// tracked the same way the reference codebase tracks agent liveness.
type SandboxWorker struct {
	WorkerID      string            `json:"worker_id"`
	Hostname      string            `json:"hostname"`
	IPAddress     string            `json:"ip_address"`
	Port          int               `json:"port"`
	Status        string            `json:"status"` // active, offline, recycling
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	CreatedAt     time.Time         `json:"created_at"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}
