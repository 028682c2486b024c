// Package submission is the Submission Pipeline: admission checks,
// judging (MCQ or per-test-case code execution against the Sandbox
// Runner Pool), verdict reduction, and scoring. It implements
// orchestrator.Dispatcher so the contest orchestrator's admission queue
// can hand it one submission at a time once accepted for judging.
package submission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"reflect"
	"strings"
	"time"

	"github.com/itskum47/arenaforge/control_plane/attestation"
	"github.com/itskum47/arenaforge/control_plane/leaderboard"
	"github.com/itskum47/arenaforge/control_plane/orchestrator"
	"github.com/itskum47/arenaforge/control_plane/sandbox"
	"github.com/itskum47/arenaforge/control_plane/store"
	"github.com/itskum47/arenaforge/control_plane/streaming"
)

// Pipeline wires the durable store, idempotency store, sandbox pool and
// leaderboard engine together into the submit_answer workflow.
type Pipeline struct {
	store        store.Store
	idempotency  store.IdempotencyStore
	sandboxPool  *sandbox.Pool
	leaderboard  *leaderboard.Engine
	publisher    streaming.Publisher
	contestLoops *orchestrator.Registry
	broadcaster  *LeaderboardBroadcaster
	signer       *attestation.Signer
}

// Admission failures the HTTP/WS layer maps directly to wire error codes.
var (
	ErrContestNotFound    = errors.New("contest not found")
	ErrContestNotActive   = errors.New("contest is not active")
	ErrNotParticipant     = errors.New("not a participant in this contest")
	ErrQuestionNotFound   = errors.New("question not found")
	ErrNotCurrentQuestion = errors.New("questionId is not the participant's current question")
	ErrAlreadySubmitted   = errors.New("a submission already exists for this user, contest and question")
)

// defaultLeaderboardTopK and defaultBroadcastInterval ground the
// leaderboard_update throttle's defaults: top 10 rows, coalesced once a
// second, matching the live-scoreboard cadence contestants actually
// perceive as "instant" without re-broadcasting on every submission.
const (
	defaultLeaderboardTopK        = 10
	defaultLeaderboardBroadcastMs = 1000
)

func NewPipeline(s store.Store, idem store.IdempotencyStore, pool *sandbox.Pool, lb *leaderboard.Engine, pub streaming.Publisher, loops *orchestrator.Registry, signer *attestation.Signer, nodeID string) *Pipeline {
	var broadcaster *LeaderboardBroadcaster
	if lb != nil {
		broadcaster = NewLeaderboardBroadcaster(lb, pub, defaultLeaderboardTopK, defaultLeaderboardBroadcastMs*time.Millisecond)
	}
	return &Pipeline{
		store:        s,
		idempotency:  idem,
		sandboxPool:  pool,
		leaderboard:  lb,
		publisher:    pub,
		contestLoops: loops,
		broadcaster:  broadcaster,
		signer:       signer,
	}
}

// StartBroadcaster begins the leaderboard_update coalescing loop; a nil
// leaderboard engine (standalone mode, no Redis) means there is nothing
// to broadcast, so this is a no-op in that case.
func (p *Pipeline) StartBroadcaster(ctx context.Context) {
	if p.broadcaster != nil {
		p.broadcaster.Start(ctx)
	}
}

// Admit runs the pre-admission checks (steps 1-3 below) and, if they
// pass, persists a PENDING submission row and returns its ID. The
// orchestrator's queue then calls Dispatch with that ID once it is
// scheduled for judging — this split is what lets the orchestrator's
// circuit breaker and rate limiters sit in front of judging without the
// HTTP handler itself blocking on a sandbox run.
func (p *Pipeline) Admit(ctx context.Context, contestID *string, userID, questionID string, payload store.SubmissionPayload, idempotencyKey string) (string, error) {
	// 1. Idempotency: has this exact (user, contest, question) submit
	// already been accepted for processing?
	if existing, err := p.idempotency.GetIdempotencyRecord(idempotencyKey); err == nil {
		return existing, nil
	}

	// 2. Contest state check: contest submissions only admitted while ACTIVE.
	if contestID != nil {
		contest, err := p.store.GetContest(ctx, *contestID)
		if err != nil {
			return "", fmt.Errorf("lookup contest: %w", err)
		}
		if contest == nil {
			return "", ErrContestNotFound
		}
		if contest.Status != store.ContestActive {
			return "", ErrContestNotActive
		}

		// 3. Participant must have joined.
		participant, err := p.store.GetParticipant(ctx, *contestID, userID)
		if err != nil {
			return "", fmt.Errorf("lookup participant: %w", err)
		}
		if participant == nil {
			return "", ErrNotParticipant
		}

		// 4. questionId must equal questions[participant.cursor] — the
		// server, not the client, is the source of truth for which
		// question is current.
		if seq, ok := questionSequence(ctx, p.store, *contestID, questionID); !ok || seq != participant.CursorIndex {
			return "", ErrNotCurrentQuestion
		}

		// 5. No existing submission for (user, contest, question).
		prior, err := p.store.ListSubmissionsByParticipant(ctx, *contestID, userID, 1000)
		if err != nil {
			return "", fmt.Errorf("check prior submissions: %w", err)
		}
		for _, s := range prior {
			if s.QuestionID == questionID {
				return "", ErrAlreadySubmitted
			}
		}

		// 6. Per-question deadline: a question only elapses via the
		// contest loop's own deadline queue, which advances the cursor
		// past it — so the cursor check in step 4 already enforces this
		// once the loop has processed the expiry. A deadline that fired
		// on another node but hasn't yet been observed here is a benign
		// race resolved by whichever write lands first, since the cursor
		// advance is itself idempotent (monotonic, never regresses).
	}

	question, err := p.store.GetQuestion(ctx, questionID)
	if err != nil {
		return "", fmt.Errorf("lookup question: %w", err)
	}
	if question == nil {
		return "", ErrQuestionNotFound
	}

	submissionID := fmt.Sprintf("sub-%d-%s", time.Now().UnixNano(), userID)
	sub := &store.Submission{
		SubmissionID:   submissionID,
		ContestID:      contestID,
		UserID:         userID,
		QuestionID:     questionID,
		Type:           question.Type,
		Payload:        payload,
		Verdict:        store.VerdictPending,
		IdempotencyKey: idempotencyKey,
	}
	if err := p.store.CreateSubmission(ctx, sub); err != nil {
		return "", fmt.Errorf("create submission: %w", err)
	}

	if err := p.idempotency.SetIdempotencyRecordNX(idempotencyKey, submissionID, 24*time.Hour); err != nil {
		log.Printf("submission %s: idempotency record already existed concurrently: %v", submissionID, err)
	}

	return submissionID, nil
}

// Dispatch is called by the orchestrator once a submission is admitted
// for judging. It judges the submission, reduces the verdict, persists
// it, and — for ACCEPTED contest submissions — scores the participant
// and updates the live leaderboard.
func (p *Pipeline) Dispatch(ctx context.Context, submissionID, userID string) error {
	sub, err := p.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return fmt.Errorf("lookup submission: %w", err)
	}
	if sub == nil {
		return fmt.Errorf("submission %s not found", submissionID)
	}

	question, err := p.store.GetQuestion(ctx, sub.QuestionID)
	if err != nil {
		return fmt.Errorf("lookup question: %w", err)
	}

	outcome, err := p.judge(ctx, submissionID, question, sub.Payload)
	if err != nil {
		return fmt.Errorf("judge submission %s: %w", submissionID, err)
	}
	verdict := outcome.verdict

	score := 0
	if verdict == store.VerdictAccepted {
		score = contestQuestionPoints(ctx, p.store, sub.ContestID, sub.QuestionID)
	}

	judgedAt := time.Now()

	var signature string
	if p.signer != nil {
		claim, err := p.signer.SignVerdict(submissionID, userID, string(verdict), score, judgedAt)
		if err != nil {
			log.Printf("submission %s: failed to sign verdict: %v", submissionID, err)
		} else {
			signature = claim.Signature
		}
	}

	if err := p.store.UpdateSubmissionVerdict(ctx, submissionID, store.VerdictUpdate{
		Verdict:         verdict,
		Score:           score,
		TestCasesPassed: outcome.testsPassed,
		TestCasesTotal:  outcome.testsTotal,
		RuntimeMs:       outcome.runtimeMs,
		MemoryKB:        outcome.memoryKB,
		Signature:       signature,
		JudgedAt:        judgedAt,
	}); err != nil {
		return fmt.Errorf("persist verdict: %w", err)
	}

	// The cursor only ever advances, and only on an accepted contest
	// submission — a wrong answer or a practice submission leaves the
	// participant where they were. The contest loop is the sole owner of
	// cursor state while it holds the contest's lease, so this routes
	// through it (cancelling the now-moot deadline in the same step)
	// rather than writing the cursor directly; if no loop is registered
	// for this contest on this node, fall back to a direct write so the
	// participant is never stuck mid-cursor.
	if verdict == store.VerdictAccepted && sub.ContestID != nil {
		if seq, ok := questionSequence(ctx, p.store, *sub.ContestID, sub.QuestionID); ok {
			var loop *orchestrator.ContestLoop
			var haveLoop bool
			if p.contestLoops != nil {
				loop, haveLoop = p.contestLoops.Get(*sub.ContestID)
			}
			if haveLoop {
				if err := loop.SubmissionAccepted(ctx, userID, seq); err != nil {
					log.Printf("submission %s: contest loop cursor advance failed: %v", submissionID, err)
				}
			} else if err := p.store.AdvanceParticipantCursor(ctx, *sub.ContestID, userID, seq+1); err != nil {
				log.Printf("submission %s: failed to advance cursor: %v", submissionID, err)
			}
		}
	}

	// Scoring critical section: only ACCEPTED contest submissions move
	// the leaderboard. Practice submissions (ContestID == nil) are
	// judged and stored but never scored. Done before publishing
	// submission_result so the event can carry the caller's fresh
	// score/rank rather than just the verdict.
	isCorrect := verdict == store.VerdictAccepted
	currentScore, currentRank := 0, 0
	if isCorrect && sub.ContestID != nil {
		cs, rank, err := p.score(ctx, *sub.ContestID, userID, score, judgedAt)
		if err != nil {
			return fmt.Errorf("score submission %s: %w", submissionID, err)
		}
		currentScore, currentRank = cs, rank
	}

	if p.publisher != nil {
		p.publisher.Publish(ctx, "submission_result", map[string]interface{}{
			"submission_id": submissionID,
			"user_id":       userID,
			"verdict":       verdict,
			"is_correct":    isCorrect,
			"points_earned": score,
			"current_score": currentScore,
			"current_rank":  currentRank,
		})
	}

	return nil
}

// score is the critical section for one accepted submission: award the
// delta to the durable participant row (source of truth), compute the
// relative tie-breaker, push the same delta into the live leaderboard
// engine, look up the caller's fresh rank, and mark the contest dirty
// for the next coalesced leaderboard_update broadcast. A leaderboard
// write that lands in the engine's degraded-mode cache (Redis briefly
// unreachable) is logged, not treated as fatal — AwardParticipantScore
// already made the point durable, and the engine reconciles the live
// ranking once Redis recovers.
func (p *Pipeline) score(ctx context.Context, contestID, userID string, deltaScore int, judgedAt time.Time) (newScore int, rank int, err error) {
	contest, err := p.store.GetContest(ctx, contestID)
	if err != nil || contest == nil {
		return 0, 0, fmt.Errorf("lookup contest for scoring: %w", err)
	}
	tieBreakerSeconds := int64(judgedAt.Sub(contest.StartTime).Seconds())
	if tieBreakerSeconds < 0 {
		tieBreakerSeconds = 0
	}

	if err := p.store.AwardParticipantScore(ctx, contestID, userID, deltaScore, tieBreakerSeconds); err != nil {
		return 0, 0, fmt.Errorf("award durable score: %w", err)
	}

	newScore, lbErr := p.leaderboard.AddOrIncr(ctx, contestID, userID, deltaScore, tieBreakerSeconds)
	if lbErr != nil {
		log.Printf("submission pipeline: leaderboard update for contest %s user %s degraded: %v", contestID, userID, lbErr)
	}

	rank, rankErr := p.leaderboard.RankOf(ctx, contestID, userID)
	if rankErr != nil {
		rank = 0
	}

	if p.broadcaster != nil {
		p.broadcaster.NotifyScoreChange(contestID, userID)
	}

	return newScore, rank, nil
}

// judgeOutcome bundles the verdict with everything the judge run
// observed about it, so Dispatch can persist per-test and resource
// signals in one VerdictUpdate instead of discarding them.
type judgeOutcome struct {
	verdict     store.Verdict
	testsPassed int
	testsTotal  int
	runtimeMs   int
	memoryKB    int
}

// judge runs the appropriate judge for the question type. MCQ judging
// is an in-process comparison; CODE judging runs every test case
// through the Sandbox Runner Pool and reduces the per-case verdicts
// according to the platform's priority order (store.ReduceVerdicts),
// tracking the pass count and the worst-case runtime/memory observed
// across all cases.
func (p *Pipeline) judge(ctx context.Context, submissionID string, question *store.Question, payload store.SubmissionPayload) (judgeOutcome, error) {
	if question.Type == store.QuestionMCQ {
		if payload.SelectedOptionID == question.CorrectOptionID {
			return judgeOutcome{verdict: store.VerdictAccepted}, nil
		}
		return judgeOutcome{verdict: store.VerdictWrongAnswer}, nil
	}

	if len(question.TestCases) == 0 {
		return judgeOutcome{verdict: store.VerdictAccepted}, nil
	}

	var verdicts []store.Verdict
	passed, maxRuntimeMs, maxMemoryKB := 0, 0, 0

	for _, tc := range question.TestCases {
		runCtx, cancel := context.WithTimeout(ctx, time.Duration(question.TimeLimitMs)*time.Millisecond+5*time.Second)
		result, err := p.sandboxPool.RunOne(runCtx, sandbox.RunRequest{
			SubmissionID: submissionID,
			Language:    payload.Language,
			SourceCode:  payload.SourceCode,
			Stdin:       tc.Input,
			TimeLimitMs: question.TimeLimitMs,
			MemoryMB:    question.MemoryLimitMB,
		})
		cancel()

		if err != nil {
			if err == sandbox.ErrPoolSaturated {
				verdicts = append(verdicts, store.VerdictServiceBusy)
				continue
			}
			return judgeOutcome{verdict: store.VerdictRuntimeError, testsTotal: len(question.TestCases)},
				fmt.Errorf("sandbox run failed for test case %s: %w", tc.TestCaseID, err)
		}

		v := verdictFromRunOutcome(result, tc.ExpectedOutput)
		verdicts = append(verdicts, v)
		if v == store.VerdictAccepted {
			passed++
		}
		if int(result.DurationMs) > maxRuntimeMs {
			maxRuntimeMs = int(result.DurationMs)
		}
		if result.MemoryKB > maxMemoryKB {
			maxMemoryKB = result.MemoryKB
		}
	}

	return judgeOutcome{
		verdict:     store.ReduceVerdicts(verdicts),
		testsPassed: passed,
		testsTotal:  len(question.TestCases),
		runtimeMs:   maxRuntimeMs,
		memoryKB:    maxMemoryKB,
	}, nil
}

func verdictFromRunOutcome(result *sandbox.RunResult, expected string) store.Verdict {
	switch result.Outcome {
	case "timeout":
		return store.VerdictTimeLimitExceeded
	case "oom":
		return store.VerdictMemoryLimitExceeded
	case "compile_error":
		return store.VerdictCompilationError
	case "runtime_error":
		return store.VerdictRuntimeError
	}
	if outputsMatch(result.Stdout, expected) {
		return store.VerdictAccepted
	}
	return store.VerdictWrongAnswer
}

// outputsMatch compares a run's stdout against the expected output the
// way a judge should, not the way a byte-diff would: trailing
// whitespace never fails a submission, and when both sides parse as
// JSON the comparison is structural with array/object order ignored —
// a question whose expected output is an unordered set (graph nodes, a
// bag of computed values) shouldn't fail a correct answer just because
// the contestant's program emitted it in a different order.
func outputsMatch(actual, expected string) bool {
	a := strings.TrimRight(actual, " \t\r\n")
	e := strings.TrimRight(expected, " \t\r\n")
	if a == e {
		return true
	}

	var aVal, eVal interface{}
	if json.Unmarshal([]byte(a), &aVal) != nil || json.Unmarshal([]byte(e), &eVal) != nil {
		return false
	}
	return jsonValuesEqual(aVal, eVal)
}

func jsonValuesEqual(a, b interface{}) bool {
	switch av := a.(type) {
	case []interface{}:
		bv, ok := b.([]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		return unorderedJSONArraysEqual(av, bv)
	case map[string]interface{}:
		bv, ok := b.(map[string]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bvv, ok := bv[k]
			if !ok || !jsonValuesEqual(v, bvv) {
				return false
			}
		}
		return true
	default:
		return reflect.DeepEqual(a, b)
	}
}

// unorderedJSONArraysEqual treats two JSON arrays as multisets: every
// element of a must pair with a distinct, equal element of b.
func unorderedJSONArraysEqual(a, b []interface{}) bool {
	used := make([]bool, len(b))
	for _, av := range a {
		matched := false
		for i, bv := range b {
			if used[i] {
				continue
			}
			if jsonValuesEqual(av, bv) {
				used[i] = true
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

func questionSequence(ctx context.Context, s store.Store, contestID, questionID string) (int, bool) {
	cqs, err := s.ListContestQuestions(ctx, contestID)
	if err != nil {
		return 0, false
	}
	for _, cq := range cqs {
		if cq.QuestionID == questionID {
			return cq.Sequence, true
		}
	}
	return 0, false
}

func contestQuestionPoints(ctx context.Context, s store.Store, contestID *string, questionID string) int {
	if contestID == nil {
		return 0
	}
	cqs, err := s.ListContestQuestions(ctx, *contestID)
	if err != nil {
		return 0
	}
	for _, cq := range cqs {
		if cq.QuestionID == questionID {
			return cq.Points
		}
	}
	return 0
}
