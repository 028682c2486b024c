package timeline

import (
	"sync"
	"time"
)

// Event records one stage transition a submission passes through, from
// admission to final verdict, for the per-(contest,user) activity feed
// and incident postmortems.
type Event struct {
	SubmissionID string            `json:"submission_id"`
	Stage        string            `json:"stage"` // QUEUED, ADMITTED, DISPATCHED, JUDGING, SCORED, FAILED
	Timestamp    time.Time         `json:"timestamp"`
	WorkerID     string            `json:"worker_id"`
	ContestID    string            `json:"contest_id"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

type Store struct {
	events []Event
	mu     sync.RWMutex
}

func NewStore() *Store {
	return &Store{
		events: make([]Event, 0),
	}
}

func (s *Store) Record(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	s.events = append(s.events, e)
}

func (s *Store) GetEvents(submissionID string) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []Event
	for _, e := range s.events {
		if e.SubmissionID == submissionID {
			results = append(results, e)
		}
	}
	return results
}

func (s *Store) GetEventsByContest(contestID string) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []Event
	for _, e := range s.events {
		if e.ContestID == contestID {
			results = append(results, e)
		}
	}
	return results
}

// GetAllEvents returns a copy of the full timeline (debug snapshot).
func (s *Store) GetAllEvents() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := make([]Event, len(s.events))
	copy(c, s.events)
	return c
}
