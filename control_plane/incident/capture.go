package incident

import (
	"context"
	"time"

	"github.com/itskum47/arenaforge/control_plane/store"
	"github.com/itskum47/arenaforge/control_plane/timeline"
)

// IncidentReport is a captured failure snapshot for operator triage: a
// contest loop crash or a sandbox double-failure (a submission that
// exhausted its retries against every available worker).
type IncidentReport struct {
	ContestID   string               `json:"contest_id"`
	UserID      string               `json:"user_id"`
	Contest     *store.Contest       `json:"contest"`
	Participant *store.Participant   `json:"participant"`
	Submissions []*store.Submission  `json:"submissions"`
	Events      []timeline.Event     `json:"events"`
	CapturedAt  time.Time            `json:"captured_at"`
}

// StoreInterface defines the dependencies needed for capture.
type StoreInterface interface {
	GetContest(ctx context.Context, contestID string) (*store.Contest, error)
	GetParticipant(ctx context.Context, contestID, userID string) (*store.Participant, error)
	ListSubmissionsByParticipant(ctx context.Context, contestID, userID string, limit int) ([]*store.Submission, error)
}

// TimelineInterface defines the timeline dependency.
type TimelineInterface interface {
	GetEventsByContest(contestID string) []timeline.Event
}

// CaptureIncident gathers Contest + Participant + recent Submissions +
// timeline events for one participant, for operator triage.
func CaptureIncident(ctx context.Context, s StoreInterface, tl TimelineInterface, contestID, userID string) (*IncidentReport, error) {
	contest, err := s.GetContest(ctx, contestID)
	if err != nil {
		return nil, err
	}
	if contest == nil {
		return nil, nil
	}

	participant, err := s.GetParticipant(ctx, contestID, userID)
	if err != nil {
		return nil, err
	}

	submissions, err := s.ListSubmissionsByParticipant(ctx, contestID, userID, 50)
	if err != nil {
		return nil, err
	}

	events := tl.GetEventsByContest(contestID)

	report := &IncidentReport{
		ContestID:   contestID,
		UserID:      userID,
		Contest:     contest,
		Participant: participant,
		Submissions: submissions,
		Events:      events,
		CapturedAt:  time.Now(),
	}

	return report, nil
}
