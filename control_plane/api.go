package main

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/itskum47/arenaforge/control_plane/attestation"
	"github.com/itskum47/arenaforge/control_plane/auth"
	"github.com/itskum47/arenaforge/control_plane/idempotency"
	"github.com/itskum47/arenaforge/control_plane/incident"
	"github.com/itskum47/arenaforge/control_plane/leaderboard"
	"github.com/itskum47/arenaforge/control_plane/middleware"
	"github.com/itskum47/arenaforge/control_plane/observability"
	"github.com/itskum47/arenaforge/control_plane/orchestrator"
	"github.com/itskum47/arenaforge/control_plane/realtime"
	"github.com/itskum47/arenaforge/control_plane/store"
	"github.com/itskum47/arenaforge/control_plane/submission"
)

// API is the thin HTTP/WS wiring surface over the domain packages: it
// decodes requests, calls into the submission pipeline, admission
// engine, leaderboard and realtime hub, and maps domain sentinel errors
// to wire status codes. No contest business logic lives here.
type API struct {
	store        store.Store
	pipeline     *submission.Pipeline
	admission    *orchestrator.Orchestrator
	hub          *realtime.Hub
	contestLoops *orchestrator.Registry
	leaderboard  *leaderboard.Engine
	coordinator  store.Coordinator
	nodeID       string

	idempotency *idempotency.Store
	verifier    *attestation.Verifier

	submitLimiter *rate.Limiter
	joinLimiter   *rate.Limiter

	upgrader websocket.Upgrader
}

func NewAPI(s store.Store, pipeline *submission.Pipeline, admission *orchestrator.Orchestrator, hub *realtime.Hub, contestLoops *orchestrator.Registry, lb *leaderboard.Engine, coordinator store.Coordinator, nodeID string, idem *idempotency.Store, verifier *attestation.Verifier) *API {
	return &API{
		store:        s,
		pipeline:     pipeline,
		admission:    admission,
		hub:          hub,
		contestLoops: contestLoops,
		leaderboard:  lb,
		coordinator:  coordinator,
		nodeID:       nodeID,
		idempotency:  idem,
		verifier:     verifier,
		// Storm protection: submit_answer and join_contest are the two
		// endpoints a misbehaving contestant client can hammer.
		submitLimiter: rate.NewLimiter(rate.Limit(20), 40),
		joinLimiter:   rate.NewLimiter(rate.Limit(20), 40),
		upgrader:      websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
}

// discardResponseWriter captures a handler's response without writing it
// to the real connection, so withIdempotency can run the handler once
// inside Store.Execute's lock and only then write the (possibly replayed)
// result to the caller — avoiding the double-write a recorder wrapping
// the real ResponseWriter would otherwise need to guard against on replay.
type discardResponseWriter struct {
	header     http.Header
	statusCode int
	body       []byte
}

func newDiscardResponseWriter() *discardResponseWriter {
	return &discardResponseWriter{header: make(http.Header), statusCode: http.StatusOK}
}

func (w *discardResponseWriter) Header() http.Header { return w.header }

func (w *discardResponseWriter) WriteHeader(code int) { w.statusCode = code }

func (w *discardResponseWriter) Write(b []byte) (int, error) {
	w.body = append(w.body, b...)
	return len(b), nil
}

func (a *API) withIdempotency(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Idempotency-Key")
		if key == "" {
			next(w, r)
			return
		}

		resp, err := a.idempotency.Execute(r.Context(), key, func() idempotency.Response {
			rec := newDiscardResponseWriter()
			next(rec, r)
			return idempotency.Response{StatusCode: rec.statusCode, Body: rec.body, Headers: rec.header}
		})
		if err != nil {
			http.Error(w, "failed to process idempotent request: "+err.Error(), http.StatusInternalServerError)
			return
		}

		for k, v := range resp.Headers {
			for _, val := range v {
				w.Header().Add(k, val)
			}
		}
		w.WriteHeader(resp.StatusCode)
		w.Write(resp.Body)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// -- Auth --

// handleIssueToken is a stub issuer: a real deployment would sit this
// behind the contest platform's own login flow and just mint a bearer
// token for an already-authenticated user. There is no password check
// here — that boundary is explicitly out of scope for this service.
func (a *API) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		UserID string `json:"user_id"`
		Role   string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if req.Role != "admin" {
		req.Role = "contestant"
	}
	token, err := auth.GenerateToken(req.UserID, req.Role)
	if err != nil {
		http.Error(w, "failed to issue token", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// -- Contests --

func (a *API) handleListContests(w http.ResponseWriter, r *http.Request) {
	status := store.ContestStatus(strings.ToUpper(r.URL.Query().Get("status")))
	contests, err := a.store.ListContests(r.Context(), status)
	if err != nil {
		http.Error(w, "failed to list contests", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, contests)
}

// handleCreateContest admits a new contest in DRAFT status. Only an
// admin-role caller may create or mutate a contest.
func (a *API) handleCreateContest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if role, _ := middleware.GetRoleFromContext(r.Context()); role != "admin" {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var c store.Contest
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if c.ContestID == "" || c.Name == "" {
		http.Error(w, "contest_id and name are required", http.StatusBadRequest)
		return
	}
	c.Status = store.ContestDraft
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt

	if err := a.store.CreateContest(r.Context(), &c); err != nil {
		http.Error(w, "failed to create contest", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, &c)
}

// handleContestSubroutes dispatches every /contests/{id}/... route. The
// flat switch mirrors the size of the surface: a router dependency would
// buy nothing a half-dozen prefix checks doesn't already give us.
func (a *API) handleContestSubroutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/contests/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	contestID := parts[0]

	if len(parts) == 1 {
		a.handleGetContest(w, r, contestID)
		return
	}

	switch parts[1] {
	case "status":
		a.handleUpdateContestStatus(w, r, contestID)
	case "questions":
		a.withIdempotency(func(w http.ResponseWriter, r *http.Request) { a.handleAddContestQuestion(w, r, contestID) })(w, r)
	case "join":
		a.withIdempotency(func(w http.ResponseWriter, r *http.Request) { a.handleJoinContest(w, r, contestID) })(w, r)
	case "submit":
		a.withIdempotency(func(w http.ResponseWriter, r *http.Request) { a.handleSubmit(w, r, contestID) })(w, r)
	case "leaderboard":
		a.handleLeaderboard(w, r, contestID)
	case "incidents":
		if len(parts) < 3 || parts[2] == "" {
			http.Error(w, "user id is required", http.StatusBadRequest)
			return
		}
		a.handleIncidentReport(w, r, contestID, parts[2])
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (a *API) handleGetContest(w http.ResponseWriter, r *http.Request, contestID string) {
	c, err := a.store.GetContest(r.Context(), contestID)
	if err != nil {
		http.Error(w, "failed to get contest", http.StatusInternalServerError)
		return
	}
	if c == nil {
		http.Error(w, "contest not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// handleUpdateContestStatus is the only way a contest's status moves.
// The write-lock rule lives here: once a contest is ACTIVE or COMPLETED,
// its question list is frozen (see handleAddContestQuestion) but the
// status itself can still move forward (ACTIVE -> COMPLETED via admin
// cancel), which this just forwards to the store's optimistic-version
// update so a concurrent admin request can't silently clobber another.
func (a *API) handleUpdateContestStatus(w http.ResponseWriter, r *http.Request, contestID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if role, _ := middleware.GetRoleFromContext(r.Context()); role != "admin" {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var req struct {
		Status          string `json:"status"`
		ExpectedVersion int    `json:"expected_version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	newStatus := store.ContestStatus(strings.ToUpper(req.Status))

	if newStatus == store.ContestActive {
		loop := orchestrator.NewContestLoop(contestID, a.store, a.hub, a.leaderboard)
		a.contestLoops.Register(contestID, loop)
		go func() {
			defer a.contestLoops.Unregister(contestID)
			if err := loop.Run(r.Context()); err != nil {
				log.Printf("contest %s loop exited: %v", contestID, err)
			}
		}()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "loop_started"})
		return
	}

	if newStatus == store.ContestCompleted {
		if loop, ok := a.contestLoops.Get(contestID); ok {
			if err := loop.Cancel(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
			return
		}
	}

	if err := a.store.UpdateContestStatus(r.Context(), contestID, newStatus, req.ExpectedVersion); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// handleAddContestQuestion enforces the write-lock rule: a contest's
// question list may only be edited while it is still DRAFT or UPCOMING.
func (a *API) handleAddContestQuestion(w http.ResponseWriter, r *http.Request, contestID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if role, _ := middleware.GetRoleFromContext(r.Context()); role != "admin" {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	contest, err := a.store.GetContest(r.Context(), contestID)
	if err != nil || contest == nil {
		http.Error(w, "contest not found", http.StatusNotFound)
		return
	}
	if contest.Status == store.ContestActive || contest.Status == store.ContestCompleted {
		http.Error(w, "cannot modify questions once a contest is active or completed", http.StatusConflict)
		return
	}

	var req struct {
		Question store.Question        `json:"question"`
		Link     store.ContestQuestion `json:"link"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req.Question.CreatedAt = time.Now()
	if err := a.store.UpsertQuestion(r.Context(), &req.Question); err != nil {
		http.Error(w, "failed to store question", http.StatusInternalServerError)
		return
	}
	req.Link.ContestID = contestID
	req.Link.QuestionID = req.Question.QuestionID
	if err := a.store.AddContestQuestion(r.Context(), &req.Link); err != nil {
		http.Error(w, "failed to link question to contest", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "added"})
}

func (a *API) handleJoinContest(w http.ResponseWriter, r *http.Request, contestID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !a.joinLimiter.Allow() {
		observability.APIRateLimited.WithLabelValues("join_contest").Inc()
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}
	userID, err := middleware.GetUserIDFromContext(r.Context())
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if loop, ok := a.contestLoops.Get(contestID); ok {
		if err := loop.Join(r.Context(), userID); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "joined"})
		return
	}

	if err := a.store.UpsertParticipant(r.Context(), &store.Participant{
		ContestID: contestID,
		UserID:    userID,
		Status:    store.ParticipantJoined,
		JoinedAt:  time.Now(),
	}); err != nil {
		http.Error(w, "failed to join contest", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "joined"})
}

// handleSubmit admits a submission then hands it to the admission engine
// for judging; the HTTP response only reflects admission, not the
// eventual verdict, which arrives over the websocket's submission_result
// event.
func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request, contestID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !a.submitLimiter.Allow() {
		observability.APIRateLimited.WithLabelValues("submit_answer").Inc()
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}
	userID, err := middleware.GetUserIDFromContext(r.Context())
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		QuestionID     string                  `json:"question_id"`
		Payload        store.SubmissionPayload `json:"payload"`
		IdempotencyKey string                  `json:"idempotency_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = userID + ":" + contestID + ":" + req.QuestionID
	}

	id := contestID
	submissionID, err := a.pipeline.Admit(r.Context(), &id, userID, req.QuestionID, req.Payload, req.IdempotencyKey)
	if err != nil {
		writeAdmissionError(w, err)
		return
	}

	if err := a.admission.Submit(&orchestrator.SubmissionTask{
		SubmissionID: submissionID,
		ContestID:    contestID,
		UserID:       userID,
		Priority:     0,
		SubmitTime:   time.Now(),
		EnqueuedAt:   time.Now(),
	}); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"submission_id": submissionID, "status": "PENDING"})
}

func writeAdmissionError(w http.ResponseWriter, err error) {
	switch err {
	case submission.ErrContestNotFound, submission.ErrQuestionNotFound:
		http.Error(w, err.Error(), http.StatusNotFound)
	case submission.ErrContestNotActive, submission.ErrNotCurrentQuestion, submission.ErrAlreadySubmitted:
		http.Error(w, err.Error(), http.StatusConflict)
	case submission.ErrNotParticipant:
		http.Error(w, err.Error(), http.StatusForbidden)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// handleLeaderboard serves the live top-K plus the caller's own rank, so
// a contestant outside the top-K still sees where they stand.
func (a *API) handleLeaderboard(w http.ResponseWriter, r *http.Request, contestID string) {
	if a.leaderboard == nil {
		http.Error(w, "leaderboard unavailable (no coordination backend)", http.StatusServiceUnavailable)
		return
	}
	k := 50
	if kStr := r.URL.Query().Get("k"); kStr != "" {
		if parsed, err := strconv.Atoi(kStr); err == nil && parsed > 0 {
			k = parsed
		}
	}
	top, err := a.leaderboard.TopK(r.Context(), contestID, k)
	if err != nil {
		http.Error(w, "failed to read leaderboard", http.StatusInternalServerError)
		return
	}

	resp := map[string]interface{}{"entries": top}
	if userID, err := middleware.GetUserIDFromContext(r.Context()); err == nil {
		if rank, err := a.leaderboard.RankOf(r.Context(), contestID, userID); err == nil {
			resp["own_rank"] = rank
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleIncidentReport gathers a contestant's contest/participant/
// submission state plus their timeline events, for operator triage of a
// disputed verdict or a reported contest-loop incident. Admin-only.
func (a *API) handleIncidentReport(w http.ResponseWriter, r *http.Request, contestID, userID string) {
	if role, _ := middleware.GetRoleFromContext(r.Context()); role != "admin" {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	report, err := incident.CaptureIncident(r.Context(), a.store, a.admission.GetTimeline(), contestID, userID)
	if err != nil {
		http.Error(w, "failed to capture incident report", http.StatusInternalServerError)
		return
	}
	if report == nil {
		http.Error(w, "contest not found", http.StatusNotFound)
		return
	}

	resp := struct {
		*incident.IncidentReport
		AttestationValid map[string]bool `json:"attestation_valid,omitempty"`
	}{IncidentReport: report}

	if a.verifier != nil && a.verifier.IsEnabled() {
		resp.AttestationValid = make(map[string]bool, len(report.Submissions))
		for _, sub := range report.Submissions {
			if sub.Signature == "" || sub.JudgedAt == nil {
				continue
			}
			claim := &attestation.VerdictClaim{
				NodeID:       a.nodeID,
				SubmissionID: sub.SubmissionID,
				UserID:       sub.UserID,
				Verdict:      string(sub.Verdict),
				Score:        sub.Score,
				Signature:    sub.Signature,
				Timestamp:    sub.JudgedAt.Unix(),
			}
			err := a.verifier.Verify(claim)
			if err == nil {
				err = a.verifier.VerifyVerdictUnchanged(claim, string(sub.Verdict), sub.Score)
			}
			resp.AttestationValid[sub.SubmissionID] = err == nil
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// -- Realtime --

// handleWebsocket upgrades the connection and registers it to the room
// matching the caller's role: admins get the contest's admin room,
// everyone else gets the participant room for the contest_id query
// param, or "public" with none given.
func (a *API) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.GetUserIDFromContext(r.Context())
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	role, _ := middleware.GetRoleFromContext(r.Context())

	contestID := r.URL.Query().Get("contest_id")
	room := "public"
	if contestID != "" {
		room = "contest:" + contestID + ":participant"
		if role == "admin" {
			room = "contest:" + contestID + ":admin"
		}
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}
	a.hub.Register(conn, room, userID)
}
