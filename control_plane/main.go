package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/itskum47/arenaforge/control_plane/attestation"
	"github.com/itskum47/arenaforge/control_plane/coordination"
	"github.com/itskum47/arenaforge/control_plane/idempotency"
	"github.com/itskum47/arenaforge/control_plane/leaderboard"
	"github.com/itskum47/arenaforge/control_plane/middleware"
	"github.com/itskum47/arenaforge/control_plane/orchestrator"
	"github.com/itskum47/arenaforge/control_plane/realtime"
	"github.com/itskum47/arenaforge/control_plane/resilience"
	"github.com/itskum47/arenaforge/control_plane/sandbox"
	"github.com/itskum47/arenaforge/control_plane/store"
	"github.com/itskum47/arenaforge/control_plane/submission"
)

// publicKeyPEM encodes an RSA public key as PEM so it can be handed to
// attestation.NewVerifier the same way an operator would paste in a
// peer node's key in a multi-node deployment.
func publicKeyPEM(pub *rsa.PublicKey) string {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		log.Fatalf("failed to marshal attestation public key: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func generateNodeID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "node"
	}
	return hostname + "-" + fmt.Sprintf("%d", time.Now().UnixNano())
}

func main() {
	ctx := context.Background()
	nodeID := "node-" + generateNodeID()

	// Durable domain store: Postgres in production, an in-memory store for
	// local dev when no connection string is configured.
	var s store.Store
	if connString := os.Getenv("DATABASE_URL"); connString != "" {
		pg, err := store.NewPostgresStore(ctx, connString)
		if err != nil {
			log.Fatalf("failed to connect to Postgres: %v", err)
		}
		s = pg
		log.Println("using Postgres for durable contest storage")
	} else {
		s = store.NewMemoryStore()
		log.Println("DATABASE_URL not set, using in-memory store (single node, not durable)")
	}

	// Redis backs per-contest leader election/fencing, idempotency records
	// and the live leaderboard sorted set. Leader election requires a
	// shared coordination backend — a lone node can still run in
	// STANDALONE mode without it, but loses HA.
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	redisStore, err := store.NewRedisStore(redisAddr, os.Getenv("REDIS_PASSWORD"), 0)
	if err != nil {
		log.Printf("⚠️ Redis unavailable (%v); running in STANDALONE mode (no HA, no leaderboard)", err)
		redisStore = nil
	} else {
		log.Printf("connected to Redis at %s for coordination, idempotency and leaderboard", redisAddr)
	}

	var idemStore store.IdempotencyStore
	var idemBackend idempotency.Backend
	var lbEngine *leaderboard.Engine
	var coordinator store.Coordinator
	if redisStore != nil {
		idemStore = redisStore
		idemBackend = redisStore
		lbEngine = leaderboard.NewEngine(redisStore)
		coordinator = redisStore
	}

	// Verdict attestation: every judged submission is signed by the node
	// that judged it, so an operator auditing a disputed verdict later can
	// tell whether it was altered after the fact. The signing key is
	// per-process (not shared across nodes) since each node only ever
	// needs to prove its own judged verdicts, not impersonate another's.
	signerKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		log.Fatalf("failed to generate attestation signing key: %v", err)
	}
	signer := attestation.NewSigner(signerKey, nodeID)
	verifier, err := attestation.NewVerifier(publicKeyPEM(&signerKey.PublicKey), true)
	if err != nil {
		log.Fatalf("failed to construct attestation verifier: %v", err)
	}

	// Realtime delivery layer: rooms for contest participants, contest
	// admins, and a public room for discovery-level broadcasts. Also
	// implements streaming.Publisher, so it doubles as the event bus the
	// submission pipeline and contest loops publish through.
	hub := realtime.NewHub()
	go hub.Run(ctx)

	sandboxPool := sandbox.NewPool(s)
	contestLoops := orchestrator.NewRegistry()
	pipeline := submission.NewPipeline(s, idemStore, sandboxPool, lbEngine, hub, contestLoops, signer, nodeID)
	pipeline.StartBroadcaster(ctx)

	admissionConfig := orchestrator.DefaultConfig()
	if limitStr := os.Getenv("ORCHESTRATOR_CONCURRENCY"); limitStr != "" {
		var limit int
		fmt.Sscanf(limitStr, "%d", &limit)
		if limit > 0 {
			admissionConfig.MaxConcurrency = limit
		}
	}
	shardIndex, shardCount := 0, 1
	if idxStr := os.Getenv("POD_INDEX"); idxStr != "" {
		fmt.Sscanf(idxStr, "%d", &shardIndex)
	}
	if countStr := os.Getenv("POD_COUNT"); countStr != "" {
		fmt.Sscanf(countStr, "%d", &shardCount)
	}
	admission := orchestrator.NewOrchestrator(pipeline, shardIndex, shardCount, admissionConfig)
	admission.Start(ctx)
	log.Printf("submission admission/dispatch engine started (shard %d/%d)", shardIndex, shardCount)

	// Sandbox worker liveness monitor: marks workers offline on missed
	// heartbeat so the pool stops routing runs to them.
	workerMonitor := coordination.NewWorkerMonitor(s, 5*time.Second, 15*time.Second)
	workerMonitor.Start(ctx)

	if coordinator != nil {
		janitor := coordination.NewLockJanitor(coordinator, s, 60*time.Second)
		janitor.Start(ctx)
	}

	// Bring up a ContestLoop (through per-contest leader election, when
	// Redis is available) for every contest that isn't finished yet.
	for _, status := range []store.ContestStatus{store.ContestUpcoming, store.ContestActive} {
		contests, err := s.ListContests(ctx, status)
		if err != nil {
			log.Printf("⚠️ failed to list %s contests at startup: %v", status, err)
			continue
		}
		for _, c := range contests {
			startContestOwnership(ctx, c.ContestID, s, hub, contestLoops, lbEngine, coordinator, redisStore, nodeID)
		}
	}

	api := NewAPI(s, pipeline, admission, hub, contestLoops, lbEngine, coordinator, nodeID, idempotency.NewStore(idemBackend), verifier)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/auth/token", api.handleIssueToken)

	mux.Handle("/contests", middleware.AuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			api.handleListContests(w, r)
			return
		}
		api.withIdempotency(api.handleCreateContest)(w, r)
	})))
	mux.Handle("/contests/", middleware.AuthMiddleware(http.HandlerFunc(api.handleContestSubroutes)))

	mux.Handle("/ws", middleware.AuthMiddleware(http.HandlerFunc(api.handleWebsocket)))

	log.Println("Arena Forge control plane listening on :8080")
	log.Fatal(http.ListenAndServe(":8080", middleware.CORSMiddleware(mux)))
}

// startContestOwnership wires one contest's lifecycle loop to per-contest
// leader election: only the elected owner runs the ContestLoop, so a
// contest is never driven by two nodes at once. With no coordinator
// (standalone mode) this node just runs the loop directly. While this
// node holds the lease it also drives leaderboard reconciliation for the
// contest, so a leaderboard write queued locally during a Redis outage
// gets replayed by whichever node is actually allowed to write right now.
func startContestOwnership(ctx context.Context, contestID string, s store.Store, hub *realtime.Hub, loops *orchestrator.Registry, lbEngine *leaderboard.Engine, coordinator store.Coordinator, redisStore *store.RedisStore, nodeID string) {
	runLoop := func(ctx context.Context) {
		loop := orchestrator.NewContestLoop(contestID, s, hub, lbEngine)
		loops.Register(contestID, loop)
		go func() {
			defer loops.Unregister(contestID)
			if err := loop.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("contest %s loop exited: %v", contestID, err)
			}
		}()
	}

	if coordinator == nil {
		log.Printf("contest %s: no coordinator, running loop in standalone mode", contestID)
		runLoop(ctx)
		return
	}

	elector := coordination.NewLeaderElector(coordinator, s, contestID, nodeID, 30*time.Second)

	var reconciler *resilience.ReconciliationCoordinator
	if lbEngine != nil && redisStore != nil {
		reconciler = resilience.NewReconciliationCoordinator(
			lbEngine.DegradedMode(),
			&resilience.StoreVersionedWriter{RS: redisStore},
			func() (*resilience.LeaderEpoch, error) {
				state := elector.GetState()
				return &resilience.LeaderEpoch{Epoch: state.CurrentEpoch, LeaderID: state.NodeID}, nil
			},
			nodeID,
			contestID,
		)
	}

	var cancelLoop context.CancelFunc
	elector.SetCallbacks(
		func(loopCtx context.Context) {
			log.Printf("contest %s: elected owner, starting loop", contestID)
			loopCtx, cancelLoop = context.WithCancel(loopCtx)
			runLoop(loopCtx)
			if reconciler != nil {
				state := elector.GetState()
				reconciler.UpdateLeadershipStatus(state.CurrentEpoch, nodeID, true)
				go reconciler.StartPeriodicReconciliation(loopCtx, 30*time.Second)
			}
		},
		func() {
			log.Printf("contest %s: lost ownership, stopping loop", contestID)
			if reconciler != nil {
				reconciler.UpdateLeadershipStatus(elector.GetState().CurrentEpoch, nodeID, false)
			}
			if cancelLoop != nil {
				cancelLoop()
			}
		},
	)
	elector.Start(ctx)
}
