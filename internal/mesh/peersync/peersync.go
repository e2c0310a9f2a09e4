// Package peersync implements Peer Sync (C9): pull-based, hash-first
// eventual consistency of the registry across a configured peer set.
package peersync

import (
	"bytes"
	"compress/zlib"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/hashmesh/meshcore/infrastructure/logging"
	"github.com/hashmesh/meshcore/infrastructure/metrics"
	meshclock "github.com/hashmesh/meshcore/internal/mesh/clock"
	"github.com/hashmesh/meshcore/internal/mesh/types"
)

// Config controls peer sync timing, per §4.8 defaults.
type Config struct {
	SyncInterval         time.Duration
	MaxRetries           int
	FailureLimit         int
	QuarantinePeriod     time.Duration
	CompressionThreshold int
	FanoutConcurrency    int64
}

func DefaultConfig() Config {
	return Config{
		SyncInterval:         15 * time.Second,
		MaxRetries:           3,
		FailureLimit:         5,
		QuarantinePeriod:     5 * time.Minute,
		CompressionThreshold: 4096,
		FanoutConcurrency:    8,
	}
}

// Peer is one configured mesh peer: a URL plus a shared-secret header.
// Transport security (TLS) is the caller's responsibility (§4.8).
type Peer struct {
	Name         string
	BaseURL      string
	SharedSecret string
}

// RegistryPort is the subset of the registry peer sync writes through;
// it never bypasses the normal registry API (§4.8).
type RegistryPort interface {
	StateHash() (string, error)
	Snapshot() ([]byte, error)
	MergeInstance(inst *types.ServiceInstance) (inserted, updated, conflictKeptLocal bool)
}

// Transport abstracts the HTTP calls to a peer so tests can fake the
// network.
type Transport interface {
	FetchHash(ctx context.Context, peer Peer) (string, error)
	FetchState(ctx context.Context, peer Peer) ([]byte, error)
}

// HTTPTransport is the production Transport using net/http.
type HTTPTransport struct {
	Client *http.Client
}

func (t *HTTPTransport) client() *http.Client {
	if t.Client != nil {
		return t.Client
	}
	return http.DefaultClient
}

func (t *HTTPTransport) FetchHash(ctx context.Context, peer Peer) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, peer.BaseURL+"/registry/state/hash", nil)
	if err != nil {
		return "", err
	}
	if peer.SharedSecret != "" {
		req.Header.Set("X-Mesh-Peer-Secret", peer.SharedSecret)
	}
	resp, err := t.client().Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	var body struct {
		Hash string `json:"hash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	return body.Hash, nil
}

// FetchState pulls the peer's signed registry snapshot and verifies its
// X-Mesh-State-Signature against the peer's shared secret (§6's "verified
// by peers before merge") before returning the blob for syncOne to merge.
func (t *HTTPTransport) FetchState(ctx context.Context, peer Peer) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, peer.BaseURL+"/registry/state", nil)
	if err != nil {
		return nil, err
	}
	if peer.SharedSecret != "" {
		req.Header.Set("X-Mesh-Peer-Secret", peer.SharedSecret)
	}
	resp, err := t.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	sig := resp.Header.Get("X-Mesh-State-Signature")

	var blob []byte
	if resp.Header.Get("Content-Encoding") == "deflate" {
		zr, err := zlib.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		blob, err = io.ReadAll(zr)
		if err != nil {
			return nil, err
		}
	} else {
		blob = body
	}

	if peer.SharedSecret != "" {
		if err := verifyStateSignature(blob, sig, peer.SharedSecret); err != nil {
			return nil, fmt.Errorf("peer %s: %w", peer.Name, err)
		}
	}
	return blob, nil
}

// verifyStateSignature recomputes the HMAC-SHA256 over blob with secret
// and compares it against the hex-encoded signature the peer sent,
// rejecting a missing or mismatched signature rather than letting an
// unsigned or tampered snapshot reach MergeInstance.
func verifyStateSignature(blob []byte, sigHex, secret string) error {
	if sigHex == "" {
		return fmt.Errorf("state signature missing")
	}
	want, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("state signature malformed: %w", err)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(blob)
	if !hmac.Equal(want, mac.Sum(nil)) {
		return fmt.Errorf("state signature mismatch")
	}
	return nil
}

type quarantine struct {
	until time.Time
}

// Syncer drives periodic reconciliation against every configured peer.
type Syncer struct {
	cfg       Config
	registry  RegistryPort
	transport Transport
	clock     meshclock.Clock
	metrics   *metrics.Metrics
	logger    *logging.Logger
	sem       *semaphore.Weighted

	mu          sync.Mutex
	peers       []Peer
	failures    map[string]int
	quarantined map[string]quarantine

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New constructs a Syncer.
func New(cfg Config, peers []Peer, registry RegistryPort, transport Transport, clk meshclock.Clock, m *metrics.Metrics, log *logging.Logger) *Syncer {
	if cfg.SyncInterval <= 0 {
		cfg = DefaultConfig()
	}
	if clk == nil {
		clk = meshclock.System
	}
	if transport == nil {
		transport = &HTTPTransport{}
	}
	return &Syncer{
		cfg:         cfg,
		peers:       peers,
		registry:    registry,
		transport:   transport,
		clock:       clk,
		metrics:     m,
		logger:      log,
		sem:         semaphore.NewWeighted(maxInt64(cfg.FanoutConcurrency, 1)),
		failures:    make(map[string]int),
		quarantined: make(map[string]quarantine),
		stopCh:      make(chan struct{}),
	}
}

func maxInt64(v, min int64) int64 {
	if v < min {
		return min
	}
	return v
}

// Start launches the periodic sync loop.
func (s *Syncer) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop cancels the sync loop and waits for in-flight peer fan-out to
// finish, never blocking local registry operations while doing so (§5).
func (s *Syncer) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Syncer) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := s.clock.NewTicker(s.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C():
			s.syncAll(ctx)
		}
	}
}

// syncAll fans out across peers bounded by FanoutConcurrency.
func (s *Syncer) syncAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, p := range s.peers {
		if s.isQuarantined(p.Name) {
			continue
		}
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		wg.Add(1)
		go func(peer Peer) {
			defer wg.Done()
			defer s.sem.Release(1)
			s.syncOne(ctx, peer)
		}(p)
	}
	wg.Wait()
}

func (s *Syncer) isQuarantined(peerName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quarantined[peerName]
	if !ok {
		return false
	}
	if s.clock.Now().After(q.until) {
		delete(s.quarantined, peerName)
		return false
	}
	return true
}

// SyncResult summarizes one reconciliation pass, emitted as SYNC_APPLIED.
type SyncResult struct {
	Peer      string
	Inserted  int
	Updated   int
	Conflicts int
	Skipped   bool // hashes matched; no transfer needed (P7)
}

// syncOne runs steps 1-4 of §4.8 against a single peer, with retry and
// exponential backoff; a peer reaching FailureLimit consecutive
// failures is quarantined.
func (s *Syncer) syncOne(ctx context.Context, peer Peer) SyncResult {
	result := SyncResult{Peer: peer.Name}

	op := func() error {
		localHash, err := s.registry.StateHash()
		if err != nil {
			return err
		}
		peerHash, err := s.transport.FetchHash(ctx, peer)
		if err != nil {
			return err
		}
		if peerHash == localHash {
			result.Skipped = true
			return nil
		}

		blob, err := s.transport.FetchState(ctx, peer)
		if err != nil {
			return err
		}
		var snapshot struct {
			Instances []*types.ServiceInstance `json:"instances"`
		}
		if err := json.Unmarshal(blob, &snapshot); err != nil {
			return fmt.Errorf("decode peer snapshot: %w", err)
		}

		for _, inst := range snapshot.Instances {
			inserted, updated, _ := s.registry.MergeInstance(inst)
			if inserted {
				result.Inserted++
			} else if updated {
				result.Updated++
			} else {
				result.Conflicts++
			}
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0
	retrier := backoff.WithMaxRetries(bo, uint64(maxIntMinusOne(s.cfg.MaxRetries)))

	err := backoff.Retry(op, backoff.WithContext(retrier, ctx))

	s.mu.Lock()
	if err != nil {
		s.failures[peer.Name]++
		if s.failures[peer.Name] >= s.cfg.FailureLimit {
			s.quarantined[peer.Name] = quarantine{until: s.clock.Now().Add(s.cfg.QuarantinePeriod)}
			s.failures[peer.Name] = 0
		}
	} else {
		s.failures[peer.Name] = 0
	}
	s.mu.Unlock()

	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordMeshPeerSyncFailure(peer.Name)
		}
		if s.logger != nil {
			s.logger.Warn(ctx, "peer_sync_failed", map[string]interface{}{"peer": peer.Name, "error": err.Error()})
		}
	}
	return result
}

func maxIntMinusOne(n int) int {
	if n <= 1 {
		return 0
	}
	return n - 1
}
