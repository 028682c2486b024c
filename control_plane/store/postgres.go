package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the durable contest store, grounded on the reference
// codebase's pgxpool-backed store: tuned pool settings, ON CONFLICT
// upserts, and an optimistic-lock WHERE-clause check on status updates.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects and tunes the pool exactly as the reference
// store does, then pings to fail fast on a bad connection string.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	cfg.MaxConns = 50
	cfg.MinConns = 5
	cfg.MaxConnLifetime = 1 * time.Hour
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

// --- Contests ---

func (s *PostgresStore) CreateContest(ctx context.Context, c *Contest) error {
	now := time.Now()
	c.CreatedAt, c.UpdatedAt = now, now
	c.Version = 1
	_, err := s.pool.Exec(ctx, `
		INSERT INTO contests (contest_id, name, status, start_time, end_time, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (contest_id) DO UPDATE SET
			name = EXCLUDED.name,
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			updated_at = EXCLUDED.updated_at`,
		c.ContestID, c.Name, c.Status, c.StartTime, c.EndTime, c.CreatedAt, c.UpdatedAt, c.Version)
	return err
}

// UpdateContestStatus performs the FSM transition with an optimistic
// version check — the same pattern the reference store uses for
// DesiredState status updates, generalized to the contest lifecycle.
func (s *PostgresStore) UpdateContestStatus(ctx context.Context, contestID string, status ContestStatus, expectedVersion int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE contests SET status = $1, updated_at = $2, version = version + 1
		WHERE contest_id = $3 AND version = $4`,
		status, time.Now(), contestID, expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("optimistic lock failure: contest version changed")
	}
	return nil
}

func (s *PostgresStore) GetContest(ctx context.Context, contestID string) (*Contest, error) {
	var c Contest
	err := s.pool.QueryRow(ctx, `
		SELECT contest_id, name, status, start_time, end_time, created_at, updated_at, version
		FROM contests WHERE contest_id = $1`, contestID).Scan(
		&c.ContestID, &c.Name, &c.Status, &c.StartTime, &c.EndTime, &c.CreatedAt, &c.UpdatedAt, &c.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) ListContests(ctx context.Context, status ContestStatus) ([]*Contest, error) {
	pgRows, err := s.pool.Query(ctx, `
		SELECT contest_id, name, status, start_time, end_time, created_at, updated_at, version
		FROM contests WHERE ($1 = '' OR status = $1) ORDER BY start_time ASC`, string(status))
	if err != nil {
		return nil, err
	}
	defer pgRows.Close()

	var out []*Contest
	for pgRows.Next() {
		var c Contest
		if err := pgRows.Scan(&c.ContestID, &c.Name, &c.Status, &c.StartTime, &c.EndTime, &c.CreatedAt, &c.UpdatedAt, &c.Version); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, pgRows.Err()
}

// --- Questions ---

func (s *PostgresStore) UpsertQuestion(ctx context.Context, q *Question) error {
	if q.CreatedAt.IsZero() {
		q.CreatedAt = time.Now()
	}
	optionsJSON, _ := json.Marshal(q.Options)
	testCasesJSON, _ := json.Marshal(q.TestCases)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO questions (question_id, type, title, body, options, correct_option_id, test_cases, time_limit_ms, memory_limit_mb, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (question_id) DO UPDATE SET
			title = EXCLUDED.title, body = EXCLUDED.body, options = EXCLUDED.options,
			correct_option_id = EXCLUDED.correct_option_id, test_cases = EXCLUDED.test_cases,
			time_limit_ms = EXCLUDED.time_limit_ms, memory_limit_mb = EXCLUDED.memory_limit_mb`,
		q.QuestionID, q.Type, q.Title, q.Body, optionsJSON, q.CorrectOptionID, testCasesJSON,
		q.TimeLimitMs, q.MemoryLimitMB, q.CreatedAt)
	return err
}

func (s *PostgresStore) GetQuestion(ctx context.Context, questionID string) (*Question, error) {
	var q Question
	var optionsJSON, testCasesJSON []byte
	err := s.pool.QueryRow(ctx, `
		SELECT question_id, type, title, body, options, correct_option_id, test_cases, time_limit_ms, memory_limit_mb, created_at
		FROM questions WHERE question_id = $1`, questionID).Scan(
		&q.QuestionID, &q.Type, &q.Title, &q.Body, &optionsJSON, &q.CorrectOptionID, &testCasesJSON,
		&q.TimeLimitMs, &q.MemoryLimitMB, &q.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(optionsJSON, &q.Options)
	_ = json.Unmarshal(testCasesJSON, &q.TestCases)
	return &q, nil
}

func (s *PostgresStore) AddContestQuestion(ctx context.Context, cq *ContestQuestion) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO contest_questions (contest_id, question_id, sequence, time_limit_seconds, points)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (contest_id, question_id) DO UPDATE SET
			sequence = EXCLUDED.sequence, time_limit_seconds = EXCLUDED.time_limit_seconds, points = EXCLUDED.points`,
		cq.ContestID, cq.QuestionID, cq.Sequence, cq.TimeLimitSeconds, cq.Points)
	return err
}

func (s *PostgresStore) ListContestQuestions(ctx context.Context, contestID string) ([]*ContestQuestion, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT contest_id, question_id, sequence, time_limit_seconds, points
		FROM contest_questions WHERE contest_id = $1 ORDER BY sequence ASC`, contestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ContestQuestion
	for rows.Next() {
		var cq ContestQuestion
		if err := rows.Scan(&cq.ContestID, &cq.QuestionID, &cq.Sequence, &cq.TimeLimitSeconds, &cq.Points); err != nil {
			return nil, err
		}
		out = append(out, &cq)
	}
	return out, rows.Err()
}

// --- Participants ---

func (s *PostgresStore) UpsertParticipant(ctx context.Context, p *Participant) error {
	if p.JoinedAt.IsZero() {
		p.JoinedAt = time.Now()
	}
	p.LastActivityAt = time.Now()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO participants (contest_id, user_id, status, cursor_index, score, tie_breaker_millis, joined_at, last_activity_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (contest_id, user_id) DO UPDATE SET
			status = EXCLUDED.status, last_activity_at = EXCLUDED.last_activity_at`,
		p.ContestID, p.UserID, p.Status, p.CursorIndex, p.Score, p.TieBreakerMillis, p.JoinedAt, p.LastActivityAt)
	return err
}

func (s *PostgresStore) GetParticipant(ctx context.Context, contestID, userID string) (*Participant, error) {
	var p Participant
	err := s.pool.QueryRow(ctx, `
		SELECT contest_id, user_id, status, cursor_index, score, tie_breaker_millis, joined_at, last_activity_at
		FROM participants WHERE contest_id = $1 AND user_id = $2`, contestID, userID).Scan(
		&p.ContestID, &p.UserID, &p.Status, &p.CursorIndex, &p.Score, &p.TieBreakerMillis, &p.JoinedAt, &p.LastActivityAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) ListParticipants(ctx context.Context, contestID string) ([]*Participant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT contest_id, user_id, status, cursor_index, score, tie_breaker_millis, joined_at, last_activity_at
		FROM participants WHERE contest_id = $1`, contestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.ContestID, &p.UserID, &p.Status, &p.CursorIndex, &p.Score, &p.TieBreakerMillis, &p.JoinedAt, &p.LastActivityAt); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// AdvanceParticipantCursor enforces invariant I3 (the cursor only ever
// advances) at the SQL layer with a WHERE guard, rather than trusting
// the caller to have checked first.
func (s *PostgresStore) AdvanceParticipantCursor(ctx context.Context, contestID, userID string, newCursor int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE participants SET cursor_index = $1, last_activity_at = $2
		WHERE contest_id = $3 AND user_id = $4 AND cursor_index < $1`,
		newCursor, time.Now(), contestID, userID)
	return err
}

// AwardParticipantScore is the durable half of the scoring critical
// section: the volatile leaderboard (Redis) is updated first, then this
// call makes the award durable. tieBreakerMillis always overwrites
// (tie-break is "earliest last accepted submission", i.e. first write
// wins — callers only call this on ACCEPTED submissions so the last call
// chronologically is the most recent accepted one, which is what the
// decided tie-break rule wants reflected durably too).
func (s *PostgresStore) AwardParticipantScore(ctx context.Context, contestID, userID string, deltaScore int, tieBreakerMillis int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE participants SET score = score + $1, tie_breaker_millis = $2, last_activity_at = $3
		WHERE contest_id = $4 AND user_id = $5`,
		deltaScore, tieBreakerMillis, time.Now(), contestID, userID)
	return err
}

// --- Submissions ---

func (s *PostgresStore) CreateSubmission(ctx context.Context, sub *Submission) error {
	if sub.SubmittedAt.IsZero() {
		sub.SubmittedAt = time.Now()
	}
	payloadJSON, _ := json.Marshal(sub.Payload)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO submissions (submission_id, contest_id, user_id, question_id, type, payload, verdict, score, test_cases_passed, test_cases_total, runtime_ms, memory_kb, signature, idempotency_key, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		sub.SubmissionID, sub.ContestID, sub.UserID, sub.QuestionID, sub.Type, payloadJSON,
		sub.Verdict, sub.Score, sub.TestCasesPassed, sub.TestCasesTotal, sub.RuntimeMs, sub.MemoryKB,
		sub.Signature, sub.IdempotencyKey, sub.SubmittedAt)
	return err
}

func (s *PostgresStore) UpdateSubmissionVerdict(ctx context.Context, submissionID string, update VerdictUpdate) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE submissions SET verdict = $1, score = $2, test_cases_passed = $3, test_cases_total = $4,
			runtime_ms = $5, memory_kb = $6, signature = $7, judged_at = $8
		WHERE submission_id = $9`,
		update.Verdict, update.Score, update.TestCasesPassed, update.TestCasesTotal,
		update.RuntimeMs, update.MemoryKB, update.Signature, update.JudgedAt, submissionID)
	return err
}

func (s *PostgresStore) GetSubmission(ctx context.Context, submissionID string) (*Submission, error) {
	var sub Submission
	var payloadJSON []byte
	err := s.pool.QueryRow(ctx, `
		SELECT submission_id, contest_id, user_id, question_id, type, payload, verdict, score,
			test_cases_passed, test_cases_total, runtime_ms, memory_kb, signature, idempotency_key, submitted_at, judged_at
		FROM submissions WHERE submission_id = $1`, submissionID).Scan(
		&sub.SubmissionID, &sub.ContestID, &sub.UserID, &sub.QuestionID, &sub.Type, &payloadJSON,
		&sub.Verdict, &sub.Score, &sub.TestCasesPassed, &sub.TestCasesTotal, &sub.RuntimeMs, &sub.MemoryKB,
		&sub.Signature, &sub.IdempotencyKey, &sub.SubmittedAt, &sub.JudgedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(payloadJSON, &sub.Payload)
	return &sub, nil
}

func (s *PostgresStore) ListSubmissionsByParticipant(ctx context.Context, contestID, userID string, limit int) ([]*Submission, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT submission_id, contest_id, user_id, question_id, type, payload, verdict, score,
			test_cases_passed, test_cases_total, runtime_ms, memory_kb, signature, idempotency_key, submitted_at, judged_at
		FROM submissions WHERE contest_id = $1 AND user_id = $2 ORDER BY submitted_at DESC LIMIT $3`, contestID, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Submission
	for rows.Next() {
		var sub Submission
		var payloadJSON []byte
		if err := rows.Scan(&sub.SubmissionID, &sub.ContestID, &sub.UserID, &sub.QuestionID, &sub.Type, &payloadJSON,
			&sub.Verdict, &sub.Score, &sub.TestCasesPassed, &sub.TestCasesTotal, &sub.RuntimeMs, &sub.MemoryKB,
			&sub.Signature, &sub.IdempotencyKey, &sub.SubmittedAt, &sub.JudgedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(payloadJSON, &sub.Payload)
		out = append(out, &sub)
	}
	return out, rows.Err()
}

// --- Leaderboard snapshots ---

func (s *PostgresStore) SaveLeaderboardSnapshot(ctx context.Context, snap *LeaderboardSnapshot) error {
	entriesJSON, _ := json.Marshal(snap.Entries)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO leaderboard_snapshots (contest_id, taken_at, frozen, entries)
		VALUES ($1, $2, $3, $4)`,
		snap.ContestID, snap.TakenAt, snap.Frozen, entriesJSON)
	return err
}

func (s *PostgresStore) GetLatestLeaderboardSnapshot(ctx context.Context, contestID string) (*LeaderboardSnapshot, error) {
	var snap LeaderboardSnapshot
	var entriesJSON []byte
	err := s.pool.QueryRow(ctx, `
		SELECT contest_id, taken_at, frozen, entries FROM leaderboard_snapshots
		WHERE contest_id = $1 ORDER BY taken_at DESC LIMIT 1`, contestID).Scan(
		&snap.ContestID, &snap.TakenAt, &snap.Frozen, &entriesJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(entriesJSON, &snap.Entries)
	return &snap, nil
}

// --- Sandbox worker registry ---

func (s *PostgresStore) UpsertWorker(ctx context.Context, w *SandboxWorker) error {
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now()
	}
	metaJSON, _ := json.Marshal(w.Metadata)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sandbox_workers (worker_id, hostname, ip_address, port, status, last_heartbeat, created_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (worker_id) DO UPDATE SET
			hostname = EXCLUDED.hostname, ip_address = EXCLUDED.ip_address, port = EXCLUDED.port,
			status = EXCLUDED.status, last_heartbeat = EXCLUDED.last_heartbeat, metadata = EXCLUDED.metadata`,
		w.WorkerID, w.Hostname, w.IPAddress, w.Port, w.Status, w.LastHeartbeat, w.CreatedAt, metaJSON)
	return err
}

func (s *PostgresStore) GetWorker(ctx context.Context, workerID string) (*SandboxWorker, error) {
	var w SandboxWorker
	var metaJSON []byte
	err := s.pool.QueryRow(ctx, `
		SELECT worker_id, hostname, ip_address, port, status, last_heartbeat, created_at, metadata
		FROM sandbox_workers WHERE worker_id = $1`, workerID).Scan(
		&w.WorkerID, &w.Hostname, &w.IPAddress, &w.Port, &w.Status, &w.LastHeartbeat, &w.CreatedAt, &metaJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(metaJSON, &w.Metadata)
	return &w, nil
}

func (s *PostgresStore) ListWorkers(ctx context.Context) ([]*SandboxWorker, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT worker_id, hostname, ip_address, port, status, last_heartbeat, created_at, metadata
		FROM sandbox_workers`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SandboxWorker
	for rows.Next() {
		var w SandboxWorker
		var metaJSON []byte
		if err := rows.Scan(&w.WorkerID, &w.Hostname, &w.IPAddress, &w.Port, &w.Status, &w.LastHeartbeat, &w.CreatedAt, &metaJSON); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(metaJSON, &w.Metadata)
		out = append(out, &w)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateWorkerHeartbeat(ctx context.Context, workerID string, t time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE sandbox_workers SET last_heartbeat = $1 WHERE worker_id = $2`, t, workerID)
	return err
}

// --- Durable fencing epoch ---

// IncrementDurableEpoch is the atomic UPSERT-RETURNING pattern the
// reference codebase uses for its single "leader_election" epoch,
// generalized to any resourceID — here, one per contest.
func (s *PostgresStore) IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	var epoch int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO contest_epochs (resource_id, epoch) VALUES ($1, 1)
		ON CONFLICT (resource_id) DO UPDATE SET epoch = contest_epochs.epoch + 1
		RETURNING epoch`, resourceID).Scan(&epoch)
	return epoch, err
}

func (s *PostgresStore) GetDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	var epoch int64
	err := s.pool.QueryRow(ctx, `SELECT epoch FROM contest_epochs WHERE resource_id = $1`, resourceID).Scan(&epoch)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return epoch, err
}
