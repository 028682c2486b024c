// Package idempotency caches whole HTTP responses by idempotency key, for
// handlers that want to replay a prior response verbatim on retry rather
// than re-run the operation. This is distinct from store.IdempotencyStore,
// which the submission pipeline uses to map an idempotency key straight to
// a submission ID without round-tripping a serialized response — the two
// exist at different layers (HTTP handler vs. domain pipeline) and are not
// interchangeable.
package idempotency

import (
	"context"
	"sync"

	"github.com/itskum47/arenaforge/control_plane/store"
)

type Response struct {
	StatusCode int
	Body       []byte
	Headers    map[string][]string
}

// Backend executes fn at most once per key. store.RedisStore's
// ExecuteIdempotent already implements the full two-phase
// LOCK -> EXECUTE -> RESULT pattern this needs — a concurrent retry of the
// same key blocks on the lock instead of racing a naive Get-then-Set — so
// this interface matches that method's shape exactly rather than
// introducing a second, weaker one.
type Backend interface {
	ExecuteIdempotent(ctx context.Context, key string, execute func(context.Context) (*store.IdempotencyResult, error)) (*store.IdempotencyResult, error)
}

type Store struct {
	backend Backend

	// Single-node fallback when no shared backend is configured. Unlike
	// the Redis-backed path this has no cross-request lock, so two
	// concurrent retries of the same key can both execute — acceptable
	// only because this path is standalone-mode already, with no peer
	// node for a duplicate to race against.
	mu    sync.Mutex
	cache map[string]*store.IdempotencyResult
}

func NewStore(backend Backend) *Store {
	return &Store{backend: backend, cache: make(map[string]*store.IdempotencyResult)}
}

// Execute runs fn at most once for key and returns its result; a
// concurrent or retried call with the same key waits for the first
// caller's result to land and replays it instead of running fn again.
func (s *Store) Execute(ctx context.Context, key string, fn func() Response) (Response, error) {
	execute := func(ctx context.Context) (*store.IdempotencyResult, error) {
		resp := fn()
		return &store.IdempotencyResult{
			StatusCode: resp.StatusCode,
			Body:       resp.Body,
			Headers:    flattenHeaders(resp.Headers),
		}, nil
	}

	var result *store.IdempotencyResult
	var err error
	if s.backend != nil {
		result, err = s.backend.ExecuteIdempotent(ctx, key, execute)
	} else {
		result, err = s.executeLocal(key, execute)
	}
	if err != nil {
		return Response{}, err
	}
	return Response{StatusCode: result.StatusCode, Body: result.Body, Headers: expandHeaders(result.Headers)}, nil
}

func (s *Store) executeLocal(key string, execute func(context.Context) (*store.IdempotencyResult, error)) (*store.IdempotencyResult, error) {
	s.mu.Lock()
	if cached, ok := s.cache[key]; ok {
		s.mu.Unlock()
		return cached, nil
	}
	s.mu.Unlock()

	result, err := execute(context.Background())
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cache[key] = result
	s.mu.Unlock()
	return result, nil
}

func flattenHeaders(h map[string][]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

func expandHeaders(h map[string]string) map[string][]string {
	out := make(map[string][]string, len(h))
	for k, v := range h {
		out[k] = []string{v}
	}
	return out
}
