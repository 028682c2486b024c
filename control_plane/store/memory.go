package store

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryStore is an in-process fake of Store, used by package tests the
// same way the reference codebase's MemoryStore backs its scheduler
// tests — no Postgres required.
type MemoryStore struct {
	mu sync.RWMutex

	contests         map[string]*Contest
	questions        map[string]*Question
	contestQuestions map[string][]*ContestQuestion
	participants     map[string]*Participant
	submissions      map[string]*Submission
	snapshots        map[string][]*LeaderboardSnapshot
	workers          map[string]*SandboxWorker
	epochs           map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contests:         make(map[string]*Contest),
		questions:        make(map[string]*Question),
		contestQuestions: make(map[string][]*ContestQuestion),
		participants:     make(map[string]*Participant),
		submissions:      make(map[string]*Submission),
		snapshots:        make(map[string][]*LeaderboardSnapshot),
		workers:          make(map[string]*SandboxWorker),
		epochs:           make(map[string]int64),
	}
}

func participantKey(contestID, userID string) string { return contestID + "/" + userID }

func (s *MemoryStore) CreateContest(ctx context.Context, c *Contest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	c.CreatedAt, c.UpdatedAt = now, now
	c.Version = 1
	cp := *c
	s.contests[c.ContestID] = &cp
	return nil
}

func (s *MemoryStore) UpdateContestStatus(ctx context.Context, contestID string, status ContestStatus, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contests[contestID]
	if !ok {
		return errors.New("contest not found")
	}
	if c.Version != expectedVersion {
		return errors.New("optimistic lock failure: contest version changed")
	}
	c.Status = status
	c.UpdatedAt = time.Now()
	c.Version++
	return nil
}

func (s *MemoryStore) GetContest(ctx context.Context, contestID string) (*Contest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contests[contestID]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) ListContests(ctx context.Context, status ContestStatus) ([]*Contest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Contest
	for _, c := range s.contests {
		if status == "" || c.Status == status {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) UpsertQuestion(ctx context.Context, q *Question) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q.CreatedAt.IsZero() {
		q.CreatedAt = time.Now()
	}
	cp := *q
	s.questions[q.QuestionID] = &cp
	return nil
}

func (s *MemoryStore) GetQuestion(ctx context.Context, questionID string) (*Question, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.questions[questionID]
	if !ok {
		return nil, nil
	}
	cp := *q
	return &cp, nil
}

func (s *MemoryStore) AddContestQuestion(ctx context.Context, cq *ContestQuestion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *cq
	s.contestQuestions[cq.ContestID] = append(s.contestQuestions[cq.ContestID], &cp)
	return nil
}

func (s *MemoryStore) ListContestQuestions(ctx context.Context, contestID string) ([]*ContestQuestion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ContestQuestion
	for _, cq := range s.contestQuestions[contestID] {
		cp := *cq
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) UpsertParticipant(ctx context.Context, p *Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.JoinedAt.IsZero() {
		p.JoinedAt = time.Now()
	}
	p.LastActivityAt = time.Now()
	cp := *p
	s.participants[participantKey(p.ContestID, p.UserID)] = &cp
	return nil
}

func (s *MemoryStore) GetParticipant(ctx context.Context, contestID, userID string) (*Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[participantKey(contestID, userID)]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListParticipants(ctx context.Context, contestID string) ([]*Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Participant
	for _, p := range s.participants {
		if p.ContestID == contestID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) AdvanceParticipantCursor(ctx context.Context, contestID, userID string, newCursor int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[participantKey(contestID, userID)]
	if !ok {
		return errors.New("participant not found")
	}
	if newCursor > p.CursorIndex {
		p.CursorIndex = newCursor
	}
	p.LastActivityAt = time.Now()
	return nil
}

func (s *MemoryStore) AwardParticipantScore(ctx context.Context, contestID, userID string, deltaScore int, tieBreakerMillis int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[participantKey(contestID, userID)]
	if !ok {
		return errors.New("participant not found")
	}
	p.Score += deltaScore
	p.TieBreakerMillis = tieBreakerMillis
	p.LastActivityAt = time.Now()
	return nil
}

func (s *MemoryStore) CreateSubmission(ctx context.Context, sub *Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub.SubmittedAt.IsZero() {
		sub.SubmittedAt = time.Now()
	}
	cp := *sub
	s.submissions[sub.SubmissionID] = &cp
	return nil
}

func (s *MemoryStore) UpdateSubmissionVerdict(ctx context.Context, submissionID string, update VerdictUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.submissions[submissionID]
	if !ok {
		return errors.New("submission not found")
	}
	sub.Verdict = update.Verdict
	sub.Score = update.Score
	sub.TestCasesPassed = update.TestCasesPassed
	sub.TestCasesTotal = update.TestCasesTotal
	sub.RuntimeMs = update.RuntimeMs
	sub.MemoryKB = update.MemoryKB
	sub.Signature = update.Signature
	jt := update.JudgedAt
	sub.JudgedAt = &jt
	return nil
}

func (s *MemoryStore) GetSubmission(ctx context.Context, submissionID string) (*Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.submissions[submissionID]
	if !ok {
		return nil, nil
	}
	cp := *sub
	return &cp, nil
}

func (s *MemoryStore) ListSubmissionsByParticipant(ctx context.Context, contestID, userID string, limit int) ([]*Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Submission
	for _, sub := range s.submissions {
		cid := ""
		if sub.ContestID != nil {
			cid = *sub.ContestID
		}
		if cid == contestID && sub.UserID == userID {
			cp := *sub
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) SaveLeaderboardSnapshot(ctx context.Context, snap *LeaderboardSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *snap
	s.snapshots[snap.ContestID] = append(s.snapshots[snap.ContestID], &cp)
	return nil
}

func (s *MemoryStore) GetLatestLeaderboardSnapshot(ctx context.Context, contestID string) (*LeaderboardSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.snapshots[contestID]
	if len(list) == 0 {
		return nil, nil
	}
	cp := *list[len(list)-1]
	return &cp, nil
}

func (s *MemoryStore) UpsertWorker(ctx context.Context, w *SandboxWorker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now()
	}
	cp := *w
	s.workers[w.WorkerID] = &cp
	return nil
}

func (s *MemoryStore) GetWorker(ctx context.Context, workerID string) (*SandboxWorker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workers[workerID]
	if !ok {
		return nil, nil
	}
	cp := *w
	return &cp, nil
}

func (s *MemoryStore) ListWorkers(ctx context.Context) ([]*SandboxWorker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*SandboxWorker
	for _, w := range s.workers {
		cp := *w
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) UpdateWorkerHeartbeat(ctx context.Context, workerID string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return errors.New("worker not found")
	}
	w.LastHeartbeat = t
	return nil
}

func (s *MemoryStore) IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epochs[resourceID]++
	return s.epochs[resourceID], nil
}

func (s *MemoryStore) GetDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epochs[resourceID], nil
}
