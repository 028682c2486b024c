package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/itskum47/arenaforge/control_plane/leaderboard"
	"github.com/itskum47/arenaforge/control_plane/store"
	"github.com/itskum47/arenaforge/control_plane/streaming"
)

// ContestLoop is the single owner goroutine for one ACTIVE contest's
// orchestration state: the DRAFT->UPCOMING->ACTIVE->COMPLETED lifecycle,
// per-participant cursor progression, and the per-question deadline
// queue. Exactly one ContestLoop runs per contest at a time, guarded by
// a per-contest LeaderElector lease upstream of this type — the loop
// itself assumes it already owns the contest when Start is called.
type ContestLoop struct {
	contestID   string
	store       store.Store
	publisher   streaming.Publisher
	leaderboard *leaderboard.Engine
	deadlines   *DeadlineQueue

	cmds chan loopCommand
}

type loopCommand struct {
	kind    string // publish, cancel, join, submission_accepted, time_expired
	userID  string
	seq     int
	respond chan error
}

func NewContestLoop(contestID string, s store.Store, pub streaming.Publisher, lb *leaderboard.Engine) *ContestLoop {
	return &ContestLoop{
		contestID:   contestID,
		store:       s,
		publisher:   pub,
		leaderboard: lb,
		deadlines:   NewDeadlineQueue(),
		cmds:        make(chan loopCommand, 32),
	}
}

// Join enqueues a participantJoined command and blocks for its result —
// the contest loop is the only writer of orchestration state, so even a
// read-modify-write as simple as "accept a join" goes through it.
func (l *ContestLoop) Join(ctx context.Context, userID string) error {
	return l.send(ctx, loopCommand{kind: "join", userID: userID})
}

// SubmissionAccepted tells the loop a (user, questionSeq) pair was just
// judged ACCEPTED so it can cancel that deadline and advance the cursor.
func (l *ContestLoop) SubmissionAccepted(ctx context.Context, userID string, seq int) error {
	return l.send(ctx, loopCommand{kind: "submission_accepted", userID: userID, seq: seq})
}

func (l *ContestLoop) Cancel(ctx context.Context) error {
	return l.send(ctx, loopCommand{kind: "cancel"})
}

func (l *ContestLoop) send(ctx context.Context, cmd loopCommand) error {
	cmd.respond = make(chan error, 1)
	select {
	case l.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.respond:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the lifecycle FSM until the contest reaches COMPLETED or
// the context is cancelled (e.g. this node lost the lease). The caller
// (the per-contest LeaderElector's acquire loop) is responsible for
// re-running Run on the next node that wins ownership; state is
// reconstructed from the Contest row and Participant cursors, not kept
// only in memory.
func (l *ContestLoop) Run(ctx context.Context) error {
	contest, err := l.store.GetContest(ctx, l.contestID)
	if err != nil || contest == nil {
		return fmt.Errorf("contest loop: load contest %s: %w", l.contestID, err)
	}

	if contest.Status == store.ContestUpcoming {
		if err := l.waitForStart(ctx, contest); err != nil {
			return err
		}
	}

	if contest.Status == store.ContestActive {
		if err := l.runActive(ctx); err != nil {
			return err
		}
	}

	return nil
}

func (l *ContestLoop) waitForStart(ctx context.Context, contest *store.Contest) error {
	delay := time.Until(contest.StartTime)
	if delay < 0 {
		delay = 0
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-l.cmds:
			l.handlePreStartCommand(ctx, cmd)
		case <-timer.C:
			if err := l.store.UpdateContestStatus(ctx, l.contestID, store.ContestActive, contest.Version); err != nil {
				return fmt.Errorf("contest loop: promote to ACTIVE: %w", err)
			}
			l.publish(ctx, "contest_start", map[string]interface{}{"contest_id": l.contestID})
			return nil
		}
	}
}

func (l *ContestLoop) handlePreStartCommand(ctx context.Context, cmd loopCommand) {
	switch cmd.kind {
	case "join":
		err := l.admitJoin(ctx, cmd.userID)
		cmd.respond <- err
	case "cancel":
		err := l.cancelContest(ctx)
		cmd.respond <- err
	default:
		cmd.respond <- fmt.Errorf("command %s invalid before contest start", cmd.kind)
	}
}

func (l *ContestLoop) admitJoin(ctx context.Context, userID string) error {
	existing, err := l.store.GetParticipant(ctx, l.contestID, userID)
	if err != nil {
		return fmt.Errorf("lookup participant: %w", err)
	}
	if existing != nil {
		return nil
	}
	now := time.Now()
	return l.store.UpsertParticipant(ctx, &store.Participant{
		ContestID: l.contestID,
		UserID:    userID,
		Status:    store.ParticipantJoined,
		JoinedAt:  now, LastActivityAt: now,
	})
}

// runActive is the core FSM state: arm deadlines for every participant's
// current question, then alternate between sleeping until the next
// deadline and draining the command channel, until endAt or every
// participant has finished every question.
func (l *ContestLoop) runActive(ctx context.Context) error {
	contest, err := l.store.GetContest(ctx, l.contestID)
	if err != nil || contest == nil {
		return fmt.Errorf("contest loop: reload contest: %w", err)
	}
	questions, err := l.store.ListContestQuestions(ctx, l.contestID)
	if err != nil {
		return fmt.Errorf("contest loop: load questions: %w", err)
	}

	participants, err := l.store.ListParticipants(ctx, l.contestID)
	if err != nil {
		return fmt.Errorf("contest loop: load participants: %w", err)
	}
	for _, p := range participants {
		l.armNextDeadline(p, questions)
	}

	endTimer := time.NewTimer(time.Until(contest.EndTime))
	defer endTimer.Stop()

	for {
		wakeAt, ok := l.deadlines.NextFireTime()
		var wake <-chan time.Time
		if ok {
			t := time.NewTimer(time.Until(wakeAt))
			defer t.Stop()
			wake = t.C
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-endTimer.C:
			return l.finalize(ctx, questions)

		case <-wake:
			now := time.Now()
			for _, due := range l.deadlines.PopDue(now) {
				l.handleTimeExpired(ctx, due, questions)
			}
			if l.allFinished(ctx, questions) {
				return l.finalize(ctx, questions)
			}

		case cmd := <-l.cmds:
			l.handleActiveCommand(ctx, cmd, questions)
			if l.allFinished(ctx, questions) {
				return l.finalize(ctx, questions)
			}
		}
	}
}

func (l *ContestLoop) handleActiveCommand(ctx context.Context, cmd loopCommand, questions []*store.ContestQuestion) {
	switch cmd.kind {
	case "join":
		cmd.respond <- l.admitJoin(ctx, cmd.userID)
	case "submission_accepted":
		p, err := l.store.GetParticipant(ctx, l.contestID, cmd.userID)
		if err == nil && p != nil {
			l.deadlines.Cancel(cmd.userID, cmd.seq)
			l.armNextDeadline(p, questions)
			l.publish(ctx, "question_change", map[string]interface{}{
				"contest_id": l.contestID, "user_id": cmd.userID, "cursor": p.CursorIndex,
			})
		}
		cmd.respond <- err
	case "cancel":
		cmd.respond <- l.cancelContest(ctx)
	default:
		cmd.respond <- fmt.Errorf("unknown command %s", cmd.kind)
	}
}

func (l *ContestLoop) handleTimeExpired(ctx context.Context, due *deadlineEntry, questions []*store.ContestQuestion) {
	if err := l.store.AdvanceParticipantCursor(ctx, l.contestID, due.UserID, due.QuestionSeq+1); err != nil {
		log.Printf("contest loop %s: advance cursor on time_expired for %s: %v", l.contestID, due.UserID, err)
		return
	}
	l.publish(ctx, "time_expired", map[string]interface{}{
		"contest_id": l.contestID, "user_id": due.UserID, "question_seq": due.QuestionSeq,
	})
	p, err := l.store.GetParticipant(ctx, l.contestID, due.UserID)
	if err == nil && p != nil {
		l.armNextDeadline(p, questions)
	}
}

// armNextDeadline schedules the timer for whatever question a
// participant's cursor currently points at, or marks them COMPLETED if
// they have exhausted the ordered question list.
func (l *ContestLoop) armNextDeadline(p *store.Participant, questions []*store.ContestQuestion) {
	if p.CursorIndex >= len(questions) {
		if p.Status != store.ParticipantCompleted {
			p.Status = store.ParticipantCompleted
			_ = l.store.UpsertParticipant(context.Background(), p)
		}
		return
	}
	cq := questions[p.CursorIndex]
	deadline := time.Now().Add(time.Duration(cq.TimeLimitSeconds) * time.Second)
	l.deadlines.Schedule(l.contestID, p.UserID, cq.Sequence, deadline)
	l.publish(context.Background(), "question_broadcast", map[string]interface{}{
		"contest_id": l.contestID, "user_id": p.UserID, "question_id": cq.QuestionID,
		"sequence": cq.Sequence, "time_limit_seconds": cq.TimeLimitSeconds,
	})
}

func (l *ContestLoop) allFinished(ctx context.Context, questions []*store.ContestQuestion) bool {
	participants, err := l.store.ListParticipants(ctx, l.contestID)
	if err != nil {
		return false
	}
	for _, p := range participants {
		if p.CursorIndex < len(questions) {
			return false
		}
	}
	return len(participants) > 0
}

func (l *ContestLoop) cancelContest(ctx context.Context) error {
	contest, err := l.store.GetContest(ctx, l.contestID)
	if err != nil || contest == nil {
		return fmt.Errorf("cancel: load contest: %w", err)
	}
	return l.finalizeWithVersion(ctx, contest.Version)
}

// finalize transitions the contest to COMPLETED. Per the decided
// admin-cancel semantics, points already awarded are preserved — this
// function only ever freezes state, never rolls it back.
func (l *ContestLoop) finalize(ctx context.Context, questions []*store.ContestQuestion) error {
	contest, err := l.store.GetContest(ctx, l.contestID)
	if err != nil || contest == nil {
		return fmt.Errorf("finalize: load contest: %w", err)
	}
	return l.finalizeWithVersion(ctx, contest.Version)
}

func (l *ContestLoop) finalizeWithVersion(ctx context.Context, version int) error {
	if err := l.store.UpdateContestStatus(ctx, l.contestID, store.ContestCompleted, version); err != nil {
		return fmt.Errorf("finalize: mark COMPLETED: %w", err)
	}

	// The live sorted set stays queryable after COMPLETED (nothing clears
	// it), but it keeps moving if this node somehow still has a stale
	// writer in flight — the snapshot is what every later leaderboard
	// read and the incident/audit tooling should trust as the contest's
	// final standing.
	if l.leaderboard != nil {
		entries, err := l.leaderboard.SnapshotAndFreeze(ctx, l.contestID)
		if err != nil {
			log.Printf("contest loop %s: snapshot leaderboard on finalize: %v", l.contestID, err)
		} else if err := l.store.SaveLeaderboardSnapshot(ctx, &store.LeaderboardSnapshot{
			ContestID: l.contestID,
			TakenAt:   time.Now(),
			Frozen:    true,
			Entries:   entries,
		}); err != nil {
			log.Printf("contest loop %s: persist leaderboard snapshot: %v", l.contestID, err)
		}
	}

	l.publish(ctx, "contest_end", map[string]interface{}{"contest_id": l.contestID})
	return nil
}

func (l *ContestLoop) publish(ctx context.Context, topic string, payload map[string]interface{}) {
	if l.publisher == nil {
		return
	}
	if err := l.publisher.Publish(ctx, topic, payload); err != nil {
		body, _ := json.Marshal(payload)
		log.Printf("contest loop %s: publish %s failed for %s: %v", l.contestID, topic, body, err)
	}
}
