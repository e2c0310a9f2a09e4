// Package healthcheck implements the Health Check Engine (C2): it probes
// registered instances on an interval, derives a health score, and
// atomically writes status transitions back into the registry.
package healthcheck

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"time"

	"github.com/go-redis/redis/v8"
)

// ProbeKind tags which concrete prober a ProbeSpec uses.
type ProbeKind string

const (
	ProbeHTTP    ProbeKind = "HTTP"
	ProbeTCP     ProbeKind = "TCP"
	ProbeScript  ProbeKind = "SCRIPT"
	ProbeRedis   ProbeKind = "REDIS"
	ProbeElastic ProbeKind = "ELASTIC"
	ProbeKafka   ProbeKind = "KAFKA"
)

// ProbeSpec configures one probe, per spec §4.1.
type ProbeSpec struct {
	Kind ProbeKind

	// HTTP / ELASTIC
	URL                string
	ExpectedStatusSet  map[int]bool

	// TCP
	Host string
	Port int

	// SCRIPT
	Command []string

	// KAFKA
	Topic  string
	MaxLag int64

	Interval       time.Duration
	Timeout        time.Duration
	UnhealthyAfter int // consecutive failures
	HealthyAfter   int // consecutive successes
}

func (p ProbeSpec) normalized() ProbeSpec {
	if p.Interval <= 0 {
		p.Interval = 10 * time.Second
	}
	if p.Timeout <= 0 {
		p.Timeout = 2 * time.Second
	}
	if p.UnhealthyAfter <= 0 {
		p.UnhealthyAfter = 3
	}
	if p.HealthyAfter <= 0 {
		p.HealthyAfter = 2
	}
	return p
}

// Outcome is the result of running one probe.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	OutcomeTimeout
	OutcomeUnknown
)

// KafkaLagChecker abstracts consumer-group lag checks. No Kafka client is
// present anywhere in the retrieved example pack, so the engine ships
// only this interface plus an always-unknown stub; a real check is
// wired in by the embedding application (see DESIGN.md).
type KafkaLagChecker interface {
	Lag(ctx context.Context, topic string) (int64, error)
}

// prober runs one ProbeSpec and reports an Outcome. Implementations never
// panic; any internal error is reported as OutcomeFailure so "the engine
// itself never raises to callers" (§4.1).
type prober func(ctx context.Context, spec ProbeSpec, redisClient *redis.Client, kafka KafkaLagChecker) Outcome

func runProbe(ctx context.Context, spec ProbeSpec, redisClient *redis.Client, kafka KafkaLagChecker) (outcome Outcome) {
	defer func() {
		if recover() != nil {
			outcome = OutcomeFailure
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	switch spec.Kind {
	case ProbeHTTP:
		return probeHTTP(ctx, spec)
	case ProbeTCP:
		return probeTCP(ctx, spec)
	case ProbeScript:
		return probeScript(ctx, spec)
	case ProbeRedis:
		return probeRedis(ctx, redisClient)
	case ProbeElastic:
		return probeElastic(ctx, spec)
	case ProbeKafka:
		return probeKafka(ctx, spec, kafka)
	default:
		return OutcomeUnknown
	}
}

func probeHTTP(ctx context.Context, spec ProbeSpec) Outcome {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, spec.URL, nil)
	if err != nil {
		return OutcomeFailure
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return OutcomeTimeout
		}
		return OutcomeFailure
	}
	defer resp.Body.Close()
	if len(spec.ExpectedStatusSet) == 0 {
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return OutcomeSuccess
		}
		return OutcomeFailure
	}
	if spec.ExpectedStatusSet[resp.StatusCode] {
		return OutcomeSuccess
	}
	return OutcomeFailure
}

func probeTCP(ctx context.Context, spec ProbeSpec) Outcome {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", spec.Host, spec.Port))
	if err != nil {
		if ctx.Err() != nil {
			return OutcomeTimeout
		}
		return OutcomeFailure
	}
	_ = conn.Close()
	return OutcomeSuccess
}

func probeScript(ctx context.Context, spec ProbeSpec) Outcome {
	if len(spec.Command) == 0 {
		return OutcomeUnknown
	}
	cmd := exec.CommandContext(ctx, spec.Command[0], spec.Command[1:]...)
	err := cmd.Run()
	if err != nil {
		if ctx.Err() != nil {
			return OutcomeTimeout
		}
		return OutcomeFailure
	}
	return OutcomeSuccess
}

func probeRedis(ctx context.Context, client *redis.Client) Outcome {
	if client == nil {
		return OutcomeUnknown
	}
	if err := client.Ping(ctx).Err(); err != nil {
		if ctx.Err() != nil {
			return OutcomeTimeout
		}
		return OutcomeFailure
	}
	return OutcomeSuccess
}

type elasticClusterHealth struct {
	Status string `json:"status"`
}

func probeElastic(ctx context.Context, spec ProbeSpec) Outcome {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, spec.URL+"/_cluster/health", nil)
	if err != nil {
		return OutcomeFailure
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return OutcomeTimeout
		}
		return OutcomeFailure
	}
	defer resp.Body.Close()
	var body elasticClusterHealth
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return OutcomeFailure
	}
	switch body.Status {
	case "green", "yellow":
		return OutcomeSuccess
	default:
		return OutcomeFailure
	}
}

func probeKafka(ctx context.Context, spec ProbeSpec, checker KafkaLagChecker) Outcome {
	if checker == nil {
		return OutcomeUnknown
	}
	lag, err := checker.Lag(ctx, spec.Topic)
	if err != nil {
		if err == ErrNotConfigured {
			return OutcomeUnknown
		}
		if ctx.Err() != nil {
			return OutcomeTimeout
		}
		return OutcomeFailure
	}
	if spec.MaxLag > 0 && lag > spec.MaxLag {
		return OutcomeFailure
	}
	return OutcomeSuccess
}

// StubKafkaLagChecker always reports OutcomeUnknown via ErrNotConfigured;
// embedding applications supply a real implementation.
type StubKafkaLagChecker struct{}

var ErrNotConfigured = fmt.Errorf("kafka lag checker not configured")

func (StubKafkaLagChecker) Lag(ctx context.Context, topic string) (int64, error) {
	return 0, ErrNotConfigured
}
