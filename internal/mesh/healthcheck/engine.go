package healthcheck

import (
	"context"
	"sync"

	"github.com/go-redis/redis/v8"
	"golang.org/x/sync/semaphore"

	"github.com/hashmesh/meshcore/infrastructure/logging"
	"github.com/hashmesh/meshcore/infrastructure/metrics"
	meshclock "github.com/hashmesh/meshcore/internal/mesh/clock"
)

// defaultWindow is the default number of samples used to derive the
// health score (§4.1).
const defaultWindow = 20

// StatusCallback is invoked atomically into the registry on a
// transition: "single status write + event publish" (§4.1).
type StatusCallback func(instanceID string, healthy bool, score float64)

// Config bounds health-check concurrency for the fan-out across probes.
type Config struct {
	Concurrency int64
	Window      int
}

func DefaultConfig() Config {
	return Config{Concurrency: 16, Window: defaultWindow}
}

type probeState struct {
	spec       ProbeSpec
	samples    []Outcome // ring buffer of up to Window outcomes
	consecF    int
	consecS    int
	lastHealthy bool
	everObserved bool
	cancel     context.CancelFunc
}

// Engine is the C2 health check engine.
type Engine struct {
	cfg     Config
	clock   meshclock.Clock
	onTransition StatusCallback
	metrics *metrics.Metrics
	logger  *logging.Logger
	redis   *redis.Client
	kafka   KafkaLagChecker
	sem     *semaphore.Weighted

	mu     sync.Mutex
	probes map[string]*probeState // instance_id -> state

	wg     sync.WaitGroup
	stopCh chan struct{}
	stopOnce sync.Once
}

// NewEngine constructs a health check Engine. redisClient/kafka may be
// nil when those probe kinds are unused.
func NewEngine(cfg Config, clk meshclock.Clock, onTransition StatusCallback, m *metrics.Metrics, log *logging.Logger, redisClient *redis.Client, kafka KafkaLagChecker) *Engine {
	if cfg.Concurrency <= 0 {
		cfg = DefaultConfig()
	}
	if clk == nil {
		clk = meshclock.System
	}
	if kafka == nil {
		kafka = StubKafkaLagChecker{}
	}
	return &Engine{
		cfg:          cfg,
		clock:        clk,
		onTransition: onTransition,
		metrics:      m,
		logger:       log,
		redis:        redisClient,
		kafka:        kafka,
		sem:          semaphore.NewWeighted(cfg.Concurrency),
		probes:       make(map[string]*probeState),
		stopCh:       make(chan struct{}),
	}
}

// Start is a no-op placeholder for symmetry with other components; probe
// loops are started individually by Submit. Scoped acquisition:
// everything launched here is joined by Stop.
func (e *Engine) Start(context.Context) {}

// Stop cancels every running probe loop and waits for them to exit,
// bounded by the caller's shutdown deadline.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.mu.Lock()
	for _, st := range e.probes {
		st.cancel()
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// Submit registers a probe for instanceID and starts its interval loop.
func (e *Engine) Submit(ctx context.Context, instanceID string, spec ProbeSpec) {
	spec = spec.normalized()
	loopCtx, cancel := context.WithCancel(ctx)

	e.mu.Lock()
	if existing, ok := e.probes[instanceID]; ok {
		existing.cancel()
	}
	st := &probeState{spec: spec, cancel: cancel}
	e.probes[instanceID] = st
	e.mu.Unlock()

	e.wg.Add(1)
	go e.loop(loopCtx, instanceID, st)
}

// Withdraw stops probing an instance, called on DEREGISTERED.
func (e *Engine) Withdraw(instanceID string) {
	e.mu.Lock()
	st, ok := e.probes[instanceID]
	if ok {
		delete(e.probes, instanceID)
	}
	e.mu.Unlock()
	if ok {
		st.cancel()
	}
}

func (e *Engine) loop(ctx context.Context, instanceID string, st *probeState) {
	defer e.wg.Done()
	ticker := e.clock.NewTicker(st.spec.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C():
			e.runOne(ctx, instanceID, st)
		}
	}
}

func (e *Engine) runOne(ctx context.Context, instanceID string, st *probeState) {
	if !e.sem.TryAcquire(1) {
		return // backpressure: drop this cycle's probe rather than queue unbounded work
	}
	defer e.sem.Release(1)

	outcome := runProbe(ctx, st.spec, e.redis, e.kafka)

	e.mu.Lock()
	e.record(st, outcome)
	score := deriveScore(st.samples, e.cfg.Window)
	transitioned, healthy := e.evaluateTransition(st)
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.SetMeshInstanceHealth("", instanceID, score)
	}

	if transitioned && e.onTransition != nil {
		e.onTransition(instanceID, healthy, score)
	}
}

func (e *Engine) record(st *probeState, o Outcome) {
	if o != OutcomeUnknown {
		st.everObserved = true
	}
	st.samples = append(st.samples, o)
	if len(st.samples) > e.cfg.Window {
		st.samples = st.samples[len(st.samples)-e.cfg.Window:]
	}
	if o == OutcomeSuccess {
		st.consecS++
		st.consecF = 0
	} else if o == OutcomeFailure || o == OutcomeTimeout {
		st.consecF++
		st.consecS = 0
	}
}

// evaluateTransition applies the hysteresis from §4.1: UNHEALTHY at
// consecutive failures >= unhealthy_after, RUNNING at consecutive
// successes >= healthy_after. Caller must hold e.mu.
func (e *Engine) evaluateTransition(st *probeState) (transitioned bool, healthy bool) {
	switch {
	case st.consecF >= st.spec.UnhealthyAfter && st.lastHealthy:
		st.lastHealthy = false
		return true, false
	case st.consecS >= st.spec.HealthyAfter && !st.lastHealthy:
		st.lastHealthy = true
		return true, true
	default:
		return false, st.lastHealthy
	}
}

// deriveScore computes score = clamp((successes - 0.5*timeouts -
// failures) / window, 0, 1) over the given samples (§4.1). Missing data
// (no samples) yields 0.5, the "ambiguous" UNKNOWN default.
func deriveScore(samples []Outcome, window int) float64 {
	if len(samples) == 0 {
		return 0.5
	}
	if window <= 0 {
		window = defaultWindow
	}
	var successes, failures, timeouts float64
	for _, o := range samples {
		switch o {
		case OutcomeSuccess:
			successes++
		case OutcomeFailure:
			failures++
		case OutcomeTimeout:
			timeouts++
		}
	}
	score := (successes - 0.5*timeouts - failures) / float64(window)
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}

// Score returns the current derived health score for an instance, or 0.5
// if it has never been probed.
func (e *Engine) Score(instanceID string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.probes[instanceID]
	if !ok {
		return 0.5
	}
	return deriveScore(st.samples, e.cfg.Window)
}
