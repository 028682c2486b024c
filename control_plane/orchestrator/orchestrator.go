package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/itskum47/arenaforge/control_plane/observability"
	"github.com/itskum47/arenaforge/control_plane/timeline"
)

// Dispatcher is the contract the submission pipeline implements: given
// an admitted task, actually run the judge against a sandbox worker.
type Dispatcher interface {
	Dispatch(ctx context.Context, submissionID, userID string) error
}

var ErrQueueFull = errors.New("orchestrator queue is full")

// Orchestrator is the admission-and-dispatch engine for submission
// judging: a fixed-size pool of sandbox workers behind a priority
// queue, rate limiters per worker pool and per contest, failure-domain
// throttling, and a circuit breaker that sheds load before the sandbox
// pool falls over.
type Orchestrator struct {
	queue          *ThreadSafeQueue
	poolLimiters   *TokenBucketLimiter
	contestLimiters *TokenBucketLimiter
	dispatcher     Dispatcher
	shardIndex     int
	shardCount     int

	workerHealth   map[string]*WorkerHealth
	domainFailures map[string]int
	domainTasks    map[string]int
	activeTasks    int
	timeline       *timeline.Store
	mode           OrchestratorMode
	admissionMode  AdmissionMode
	active         bool
	mu             sync.RWMutex

	circuitBreaker *CircuitBreaker
	domainLimiter  *DynamicLimiter
	config         Config
	maxConcurrency int
}

func NewOrchestrator(dispatcher Dispatcher, shardIndex, shardCount int, config Config) *Orchestrator {
	if shardCount < 1 {
		shardCount = 1
	}

	return &Orchestrator{
		queue:           NewThreadSafeQueue(),
		poolLimiters:    NewTokenBucketLimiter(5, 1),
		contestLimiters: NewTokenBucketLimiter(50, 10),
		dispatcher:      dispatcher,
		shardIndex:      shardIndex,
		shardCount:      shardCount,
		workerHealth:    make(map[string]*WorkerHealth),
		domainFailures:  make(map[string]int),
		domainTasks:     make(map[string]int),
		timeline:        timeline.NewStore(),
		mode:            ModeNormal,
		active:          false,
		config:          config,
		maxConcurrency:  config.MaxConcurrency,
		circuitBreaker:  NewCircuitBreaker(config.CircuitBreakerThreshold),
		domainLimiter:   NewDynamicLimiter(10, 1, 5),
	}
}

func (s *Orchestrator) SetMode(mode OrchestratorMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = mode
	log.Printf("orchestrator switched to %s mode", mode)
	observability.OrchestratorMode.WithLabelValues(string(mode)).Set(1)
}

func (s *Orchestrator) SetAdmissionMode(mode AdmissionMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.admissionMode = mode
}

func (s *Orchestrator) SetActive(active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = active
}

// Submit performs admission control (mode + circuit breaker + rate
// limits + sharding) and, if admitted, enqueues the submission for
// dispatch.
func (s *Orchestrator) Submit(task *SubmissionTask) error {
	s.mu.RLock()
	isActive := s.active
	currentMode := s.mode
	admissionMode := s.admissionMode

	isCanary := false
	if health, ok := s.workerHealth[task.WorkerPool]; ok {
		isCanary = (health.Tier == "canary")
	}

	saturation := float64(s.activeTasks) / float64(s.maxConcurrency)
	s.mu.RUnlock()

	if !isActive {
		observability.AdmissionRejections.WithLabelValues("not_leader").Inc()
		return errors.New("orchestrator is not active (not leader for this contest)")
	}

	switch admissionMode {
	case AdmissionFreeze:
		return fmt.Errorf("admission rejected: system in FREEZE mode")
	case AdmissionDrain:
		return fmt.Errorf("admission rejected: system in DRAIN mode")
	}

	queueDepth := s.queue.Len()
	observability.SubmissionQueueDepth.WithLabelValues("all").Set(float64(queueDepth))
	observability.SandboxPoolSaturation.Set(saturation)

	circuitState := s.circuitBreaker.GetState()
	observability.AdmissionCircuitState.WithLabelValues(circuitState.String()).Set(float64(circuitState))

	if !isCanary && !s.circuitBreaker.ShouldAdmit(queueDepth, saturation) {
		observability.AdmissionRejections.WithLabelValues("circuit_open").Inc()
		return fmt.Errorf("circuit breaker open (reason: %s, queue: %d, saturation: %.2f)", s.circuitBreaker.TripReason(), queueDepth, saturation)
	}

	if currentMode == ModeReadOnly || currentMode == ModeDraining {
		observability.AdmissionRejections.WithLabelValues("read_only_mode").Inc()
		return errors.New("orchestrator is in read-only/draining mode")
	}

	if currentMode == ModeDegraded && task.Priority > 5 {
		observability.AdmissionRejections.WithLabelValues("degraded_mode").Inc()
		return errors.New("orchestrator is degraded: low priority (practice) submission rejected")
	}

	if s.queue.Len() > 1000 && task.Priority > 0 {
		return ErrQueueFull
	}

	if task.SubmitTime.IsZero() {
		task.SubmitTime = time.Now()
	}
	task.EnqueuedAt = time.Now()

	if s.shardCount > 1 {
		h := fnvHash(task.WorkerPool)
		if int(h%uint32(s.shardCount)) != s.shardIndex {
			return fmt.Errorf("submission pool %s belongs to shard %d (my shard: %d)", task.WorkerPool, int(h%uint32(s.shardCount)), s.shardIndex)
		}
	}

	s.queue.Push(task)
	s.timeline.Record(timeline.Event{
		SubmissionID: task.SubmissionID,
		Stage:        "QUEUED",
		ContestID:    task.ContestID,
		Metadata:     map[string]string{"user_id": task.UserID},
	})
	return nil
}

func fnvHash(s string) uint32 {
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h *= 16777619
		h ^= uint32(s[i])
	}
	return h
}

func (s *Orchestrator) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	log.Println("stopping orchestrator and flushing queue")
	s.active = false
	s.queue = NewThreadSafeQueue()
}

// Start begins the admission-to-dispatch loop.
func (s *Orchestrator) Start(ctx context.Context) {
	log.Println("starting orchestrator dispatch loop")
	s.mu.Lock()
	s.active = true
	s.mu.Unlock()
	go s.worker(ctx)
}

func (s *Orchestrator) worker(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("CRITICAL: orchestrator worker panicked: %v", r)
		}
	}()

	log.Println("orchestrator: entering leadership freeze window (2s)")
	select {
	case <-time.After(2 * time.Second):
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		start := time.Now()
		select {
		case <-ctx.Done():
			log.Println("orchestrator worker stopping (context cancelled)")
			return
		case <-ticker.C:
			s.processNextTask(ctx)
		}
		observability.OrchestratorLoopDuration.Observe(time.Since(start).Seconds())
		observability.SubmissionQueueDepth.WithLabelValues("all").Set(float64(s.queue.Len()))

		oldest := s.queue.Peek()
		if oldest != nil {
			age := time.Since(oldest.SubmitTime).Seconds()
			observability.QueueOldestSubmissionAge.WithLabelValues(oldest.ContestID, fmt.Sprintf("%d", oldest.Priority)).Set(age)
		} else {
			observability.QueueOldestSubmissionAge.WithLabelValues("none", "none").Set(0)
		}
	}
}

// UpdateWorkerHealth updates a specific signal for a sandbox worker's health.
func (s *Orchestrator) UpdateWorkerHealth(workerID, signal string, score float64, tier string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	health, exists := s.workerHealth[workerID]
	if !exists {
		health = &WorkerHealth{WorkerID: workerID}
		s.workerHealth[workerID] = health
	}
	health.LastSeen = time.Now()

	switch signal {
	case "agent", "registration":
		health.AgentReportedHealth = score
	case "observed":
		health.ObservedFailureRate = score
	case "external":
		health.ExternalProbeScore = score
	}

	if tier != "" {
		health.Tier = tier
	}

	health.CalculateCompositeScore()

	if health.CompositeScore < 0.4 {
		health.Quarantined = true
		health.BackoffDuration = 1 * time.Minute
	} else {
		health.Quarantined = false
		health.BackoffDuration = 0
	}
	s.poolLimiters.EnsureLimiter(workerID)
}

func (s *Orchestrator) processNextTask(ctx context.Context) {
	if s.queue.Len() == 0 {
		return
	}

	task := s.queue.Pop()
	if task == nil {
		return
	}

	if !task.EnqueuedAt.IsZero() {
		observability.AdmissionWaitSeconds.Observe(time.Since(task.EnqueuedAt).Seconds())
	}

	if health, exists := s.workerHealth[task.WorkerPool]; exists {
		if health.Quarantined {
			logDecision(AdmissionDecision{
				Component:    "orchestrator",
				Decision:     "QUARANTINE_DROP",
				SubmissionID: task.SubmissionID,
				ContestID:    task.ContestID,
				Reason:       "worker pool quarantined due to low health score",
				Metadata:     map[string]float64{"score": health.CompositeScore},
			})
			return
		}
	}

	if task.FailureDomain != "" {
		s.mu.RLock()
		failures := s.domainFailures[task.FailureDomain]
		active := s.domainTasks[task.FailureDomain]
		s.mu.RUnlock()

		if !s.domainLimiter.Admit(active, failures) {
			logDecision(AdmissionDecision{
				Component:    "orchestrator",
				Decision:     "DOMAIN_THROTTLE",
				SubmissionID: task.SubmissionID,
				Priority:     task.Priority,
				Reason:       "sandbox failure domain saturation",
				Metadata:     map[string]int{"failures": failures, "active": active},
			})
			s.queue.PushDelayed(task, 2*time.Second)
			return
		}
	}

	if allowed, delay := s.poolLimiters.Reserve(task.WorkerPool); !allowed {
		s.queue.PushDelayed(task, delay)
		return
	}

	if allowed, delay := s.contestLimiters.Reserve(task.ContestID); !allowed {
		logDecision(AdmissionDecision{
			Component:    "orchestrator",
			Decision:     "CONTEST_THROTTLE",
			ContestID:    task.ContestID,
			SubmissionID: task.SubmissionID,
			Reason:       "contest submission rate limit exceeded",
		})
		s.queue.PushDelayed(task, delay)
		return
	}

	s.mu.Lock()
	if s.activeTasks >= 100 {
		s.mu.Unlock()
		s.queue.PushDelayed(task, 1*time.Second)
		return
	}
	s.activeTasks++
	s.mu.Unlock()

	logDecision(AdmissionDecision{
		Component:    "orchestrator",
		Decision:     "DISPATCH",
		SubmissionID: task.SubmissionID,
		ContestID:    task.ContestID,
		UserID:       task.UserID,
		Priority:     task.Priority,
	})

	if task.FailureDomain != "" {
		s.domainTasks[task.FailureDomain]++
	}

	go func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				log.Printf("CRITICAL: dispatch of submission %s panicked: %v", task.SubmissionID, r)
			}
			s.mu.Lock()
			s.activeTasks--
			if task.FailureDomain != "" {
				s.domainTasks[task.FailureDomain]--
				if err != nil {
					s.domainFailures[task.FailureDomain]++
				}
			}
			s.mu.Unlock()
		}()

		if ctx.Err() != nil {
			log.Printf("submission %s dispatch skipped: context cancelled (leadership lost)", task.SubmissionID)
			err = ctx.Err()
			return
		}

		err = s.dispatcher.Dispatch(ctx, task.SubmissionID, task.UserID)

		stage := "JUDGED"
		meta := map[string]string{"attempt": fmt.Sprintf("%d", task.Attempt)}
		if err != nil {
			stage = "FAILED"
			meta["error"] = err.Error()
		}
		s.timeline.Record(timeline.Event{
			SubmissionID: task.SubmissionID,
			Stage:        stage,
			ContestID:    task.ContestID,
			Metadata:     meta,
		})
	}()
}

func logDecision(d AdmissionDecision) {
	bytes, _ := json.Marshal(d)
	log.Println(string(bytes))
	observability.AdmissionDecisions.WithLabelValues(d.Decision, d.Reason).Inc()
}

func (s *Orchestrator) GetSnapshot() map[string]interface{} {
	return map[string]interface{}{
		"queue_depth":     s.queue.Len(),
		"domain_failures": s.domainFailures,
		"domain_active":   s.domainTasks,
		"timeline_events": s.timeline.GetAllEvents(),
		"mode":            s.mode,
	}
}

func (s *Orchestrator) GetTimeline() *timeline.Store {
	return s.timeline
}

func (s *Orchestrator) GetMetrics() Metrics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Metrics{
		QueueDepth:          s.queue.Len(),
		ActiveTasks:         s.activeTasks,
		MaxConcurrency:      s.maxConcurrency,
		WorkerSaturation:    float64(s.activeTasks) / float64(s.maxConcurrency),
		CircuitBreakerState: s.circuitBreaker.GetState().String(),
		AdmissionMode:       s.admissionMode.String(),
		RuntimeMode:         string(s.mode),
	}
}
