package submission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/itskum47/arenaforge/control_plane/orchestrator"
	"github.com/itskum47/arenaforge/control_plane/sandbox"
	"github.com/itskum47/arenaforge/control_plane/store"
)

var errNoRecord = errors.New("no idempotency record")

// fakeIdempotency is an in-memory stand-in for store.IdempotencyStore
// (normally backed by Redis) so Pipeline can be exercised without a
// running Redis instance.
type fakeIdempotency struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeIdempotency() *fakeIdempotency {
	return &fakeIdempotency{data: make(map[string]string)}
}

func (f *fakeIdempotency) GetIdempotencyRecord(key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return "", errNoRecord
	}
	return v, nil
}

func (f *fakeIdempotency) SetIdempotencyRecord(key string, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value
	return nil
}

func (f *fakeIdempotency) SetIdempotencyRecordNX(key string, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.data[key]; exists {
		return errNoRecord
	}
	f.data[key] = value
	return nil
}

func newTestPipeline(t *testing.T) (*Pipeline, store.Store) {
	t.Helper()
	s := store.NewMemoryStore()
	pool := sandbox.NewPool(s)
	return NewPipeline(s, newFakeIdempotency(), pool, nil, nil, orchestrator.NewRegistry(), nil, "test-node"), s
}

func mustCreateMCQQuestion(t *testing.T, s store.Store, questionID, correctOptionID string) {
	t.Helper()
	if err := s.UpsertQuestion(context.Background(), &store.Question{
		QuestionID:      questionID,
		Type:            store.QuestionMCQ,
		Title:           "2+2",
		CorrectOptionID: correctOptionID,
	}); err != nil {
		t.Fatalf("UpsertQuestion: %v", err)
	}
}

func TestAdmitPracticeSubmission(t *testing.T) {
	p, s := newTestPipeline(t)
	mustCreateMCQQuestion(t, s, "q1", "A")

	id, err := p.Admit(context.Background(), nil, "user-1", "q1", store.SubmissionPayload{SelectedOptionID: "A"}, "key-1")
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if id == "" {
		t.Fatal("expected a non-empty submission id")
	}
}

func TestAdmitIsIdempotent(t *testing.T) {
	p, s := newTestPipeline(t)
	mustCreateMCQQuestion(t, s, "q1", "A")

	first, err := p.Admit(context.Background(), nil, "user-1", "q1", store.SubmissionPayload{SelectedOptionID: "A"}, "key-1")
	if err != nil {
		t.Fatalf("first Admit: %v", err)
	}
	second, err := p.Admit(context.Background(), nil, "user-1", "q1", store.SubmissionPayload{SelectedOptionID: "A"}, "key-1")
	if err != nil {
		t.Fatalf("second Admit: %v", err)
	}
	if first != second {
		t.Errorf("expected idempotent replay to return the same submission id, got %q and %q", first, second)
	}
}

func TestAdmitContestChecks(t *testing.T) {
	ctx := context.Background()
	p, s := newTestPipeline(t)
	mustCreateMCQQuestion(t, s, "q1", "A")
	mustCreateMCQQuestion(t, s, "q2", "B")

	contestID := "contest-1"
	if err := s.CreateContest(ctx, &store.Contest{ContestID: contestID, Name: "Test Contest", Status: store.ContestDraft, StartTime: time.Now()}); err != nil {
		t.Fatalf("CreateContest: %v", err)
	}
	if err := s.AddContestQuestion(ctx, &store.ContestQuestion{ContestID: contestID, QuestionID: "q1", Sequence: 0, Points: 10}); err != nil {
		t.Fatalf("AddContestQuestion: %v", err)
	}
	if err := s.AddContestQuestion(ctx, &store.ContestQuestion{ContestID: contestID, QuestionID: "q2", Sequence: 1, Points: 10}); err != nil {
		t.Fatalf("AddContestQuestion: %v", err)
	}

	id := contestID
	if _, err := p.Admit(ctx, &id, "user-1", "q1", store.SubmissionPayload{SelectedOptionID: "A"}, "k-not-active"); err != ErrContestNotActive {
		t.Errorf("expected ErrContestNotActive, got %v", err)
	}

	if err := s.UpdateContestStatus(ctx, contestID, store.ContestActive, 0); err != nil {
		t.Fatalf("UpdateContestStatus: %v", err)
	}

	if _, err := p.Admit(ctx, &id, "user-1", "q1", store.SubmissionPayload{SelectedOptionID: "A"}, "k-not-participant"); err != ErrNotParticipant {
		t.Errorf("expected ErrNotParticipant, got %v", err)
	}

	if err := s.UpsertParticipant(ctx, &store.Participant{ContestID: contestID, UserID: "user-1", Status: store.ParticipantJoined}); err != nil {
		t.Fatalf("UpsertParticipant: %v", err)
	}

	if _, err := p.Admit(ctx, &id, "user-1", "q2", store.SubmissionPayload{SelectedOptionID: "B"}, "k-wrong-question"); err != ErrNotCurrentQuestion {
		t.Errorf("expected ErrNotCurrentQuestion for a question ahead of the cursor, got %v", err)
	}

	submissionID, err := p.Admit(ctx, &id, "user-1", "q1", store.SubmissionPayload{SelectedOptionID: "A"}, "k-ok")
	if err != nil {
		t.Fatalf("expected first submission against the current question to be admitted, got %v", err)
	}
	if submissionID == "" {
		t.Fatal("expected a non-empty submission id")
	}

	if _, err := p.Admit(ctx, &id, "user-1", "q1", store.SubmissionPayload{SelectedOptionID: "A"}, "k-duplicate"); err != ErrAlreadySubmitted {
		t.Errorf("expected ErrAlreadySubmitted for a second submission to the same question, got %v", err)
	}
}

func TestDispatchJudgesMCQAndPersistsVerdict(t *testing.T) {
	ctx := context.Background()
	p, s := newTestPipeline(t)
	mustCreateMCQQuestion(t, s, "q1", "A")

	correctID, err := p.Admit(ctx, nil, "user-1", "q1", store.SubmissionPayload{SelectedOptionID: "A"}, "k-correct")
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if err := p.Dispatch(ctx, correctID, "user-1"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	sub, err := s.GetSubmission(ctx, correctID)
	if err != nil || sub == nil {
		t.Fatalf("GetSubmission: %v", err)
	}
	if sub.Verdict != store.VerdictAccepted {
		t.Errorf("expected ACCEPTED for the correct option, got %v", sub.Verdict)
	}

	wrongID, err := p.Admit(ctx, nil, "user-2", "q1", store.SubmissionPayload{SelectedOptionID: "B"}, "k-wrong")
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if err := p.Dispatch(ctx, wrongID, "user-2"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	sub, err = s.GetSubmission(ctx, wrongID)
	if err != nil || sub == nil {
		t.Fatalf("GetSubmission: %v", err)
	}
	if sub.Verdict != store.VerdictWrongAnswer {
		t.Errorf("expected WRONG_ANSWER for the incorrect option, got %v", sub.Verdict)
	}
}

func TestOutputsMatchIgnoresTrailingWhitespace(t *testing.T) {
	if !outputsMatch("42\n", "42") {
		t.Error("expected a trailing newline to be ignored")
	}
	if !outputsMatch("42\r\n", "42\n") {
		t.Error("expected CRLF vs LF trailing whitespace to be ignored")
	}
	if outputsMatch("42", "43") {
		t.Error("expected different values to not match")
	}
}

func TestOutputsMatchJSONArrayIsOrderInsensitive(t *testing.T) {
	if !outputsMatch(`[3,1,2]`, `[1,2,3]`) {
		t.Error("expected JSON arrays with the same elements in a different order to match")
	}
	if outputsMatch(`[1,2,3]`, `[1,2,4]`) {
		t.Error("expected JSON arrays with different elements to not match")
	}
	if !outputsMatch(`{"a":1,"b":[2,1]}`, `{"b":[1,2],"a":1}`) {
		t.Error("expected JSON objects to compare by key, with nested arrays order-insensitive")
	}
}
