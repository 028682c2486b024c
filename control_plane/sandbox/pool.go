// Package sandbox is the Sandbox Runner Pool client: it selects a
// healthy sandbox worker from the registry and executes one run of
// submitted code against it, synchronously, over HTTP.
//
// Grounded on jobs.go's Dispatcher, which does the same "marshal a
// payload, POST it to an agent's /execute endpoint, check the status
// code" shape. The difference from jobs.go's fire-and-forget dispatch
// (202 Accepted, result reported back later via a separate endpoint) is
// that a judge run is call-and-response: the submission pipeline is
// already running inside its own goroutine off the orchestrator's
// dispatch pool, so it can afford to block on the HTTP round trip and
// get the run's stdout/verdict back directly.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/itskum47/arenaforge/control_plane/observability"
	"github.com/itskum47/arenaforge/control_plane/store"
)

// ErrPoolSaturated is returned when no sandbox worker is available to
// take a run; the caller (the submission pipeline) maps this directly
// to the SERVICE_BUSY verdict.
var ErrPoolSaturated = fmt.Errorf("sandbox pool saturated: no healthy worker available")

// RunRequest is the payload POSTed to a sandbox worker's /run endpoint.
type RunRequest struct {
	SubmissionID string `json:"submission_id"`
	Language     string `json:"language"`
	SourceCode   string `json:"source_code"`
	Stdin        string `json:"stdin"`
	TimeLimitMs  int    `json:"time_limit_ms"`
	MemoryMB     int    `json:"memory_mb"`
}

// RunResult is the sandbox worker's response: either the program ran to
// completion (Stdout populated) or it hit a resource limit or crashed
// (Outcome explains which).
type RunResult struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	Outcome    string `json:"outcome"` // ok, timeout, oom, compile_error, runtime_error
	DurationMs int64  `json:"duration_ms"`
	MemoryKB   int    `json:"memory_kb"`
}

// Pool selects a worker from the durable worker registry and executes
// one run against it. It does not itself hold any sandbox resources —
// the actual containerized execution happens on the worker process
// this control plane is talking to.
type Pool struct {
	store  store.Store
	client *http.Client
	next   int // round-robin cursor, not synchronized: an occasional race
	// picking the same worker twice under concurrent load is harmless.
}

func NewPool(s store.Store) *Pool {
	return &Pool{
		store:  s,
		client: &http.Client{Timeout: 35 * time.Second},
	}
}

// pickWorker returns the next healthy worker in round-robin order.
func (p *Pool) pickWorker(ctx context.Context) (*store.SandboxWorker, error) {
	workers, err := p.store.ListWorkers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}

	var healthy []*store.SandboxWorker
	for _, w := range workers {
		if w.Status == "active" {
			healthy = append(healthy, w)
		}
	}
	if len(healthy) == 0 {
		return nil, ErrPoolSaturated
	}

	p.next = (p.next + 1) % len(healthy)
	return healthy[p.next], nil
}

// Run dispatches one judged execution and blocks for the result. The
// context's deadline (set by the submission pipeline from the
// question's time limit) bounds the whole round trip.
func (p *Pool) Run(ctx context.Context, worker *store.SandboxWorker, req RunRequest) (*RunResult, error) {
	start := time.Now()
	defer func() { observability.SubmissionRuntimeSeconds.Observe(time.Since(start).Seconds()) }()

	if ctx.Err() != nil {
		return nil, fmt.Errorf("run skipped: %w", ctx.Err())
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal run request: %w", err)
	}

	url := fmt.Sprintf("http://%s:%d/run", worker.IPAddress, worker.Port)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build run request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("contact sandbox worker %s: %w", worker.WorkerID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("sandbox worker %s returned status %d", worker.WorkerID, resp.StatusCode)
	}

	var result RunResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode run result: %w", err)
	}
	return &result, nil
}

// RunOne picks a healthy worker and runs the given request against it.
func (p *Pool) RunOne(ctx context.Context, req RunRequest) (*RunResult, error) {
	worker, err := p.pickWorker(ctx)
	if err != nil {
		return nil, err
	}
	return p.Run(ctx, worker, req)
}
