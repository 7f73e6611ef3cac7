// Package metrics exports decision and latency time series to InfluxDB and
// keeps a small set of in-process atomic counters for the readiness/metrics
// endpoint. Neither the teacher nor the rest of the pack exercises
// influxdata/influxdb-client-go/v2 anywhere — it's declared in go.mod and
// never imported — so this is this engine's first real use of it.
package metrics

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/fraudshield/decisionengine/internal/domain"
)

// latencyBucketsMS are the histogram bucket upper bounds (milliseconds) for
// the decision-latency histogram (§4.1's "latency histogram"). Chosen
// around the §6 deadlines (80ms fan-out, 100ms request) so the budget
// boundary itself falls inside a bucket edge rather than being straddled.
var latencyBucketsMS = []int64{10, 25, 50, 75, 100, 150, 250, 500, 1000}

// Sink writes one point per decision to InfluxDB via its async write API,
// plus maintains atomic counters the HTTP layer reads for /metrics without
// a round trip.
type Sink struct {
	client influxdb2.Client
	writer api.WriteAPI

	requests   int64
	allows     int64
	challenges int64
	denies     int64
	degraded   int64
	errors     int64

	errMu        sync.Mutex
	errorsByKind map[string]int64

	latMu          sync.Mutex
	latencyBuckets []int64
	latencyCount   int64
	latencySumMS   int64
}

// NewSink connects to InfluxDB and returns a ready-to-use Sink. The
// underlying client batches and retries writes itself; a write failure here
// is logged by the client's own error channel and never blocks the caller.
func NewSink(url, token, org, bucket string) *Sink {
	client := influxdb2.NewClient(url, token)
	writer := client.WriteAPI(org, bucket)

	s := &Sink{
		client:         client,
		writer:         writer,
		errorsByKind:   make(map[string]int64),
		latencyBuckets: make([]int64, len(latencyBucketsMS)+1),
	}

	errCh := writer.Errors()
	go func() {
		for err := range errCh {
			log.Printf("metrics: influx write error: %v", err)
			atomic.AddInt64(&s.errors, 1)
		}
	}()

	return s
}

// RecordDecision writes a point for d and bumps the matching in-process
// counter. It is fire-and-forget: InfluxDB's write API buffers internally,
// so this call never waits on the network.
func (s *Sink) RecordDecision(d domain.Decision) {
	atomic.AddInt64(&s.requests, 1)
	switch d.Verdict {
	case domain.VerdictAllow:
		atomic.AddInt64(&s.allows, 1)
	case domain.VerdictChallenge:
		atomic.AddInt64(&s.challenges, 1)
	case domain.VerdictDeny:
		atomic.AddInt64(&s.denies, 1)
	}
	if d.Degraded {
		atomic.AddInt64(&s.degraded, 1)
	}

	p := influxdb2.NewPointWithMeasurement("decision").
		AddTag("tenant_id", d.TenantID).
		AddTag("verdict", string(d.Verdict)).
		AddField("score", d.Score).
		AddField("latency_ms", d.LatencyMS).
		AddField("requires_2fa", d.Requires2FA).
		AddField("degraded", d.Degraded).
		SetTime(d.CreatedAt)
	s.writer.WritePoint(p)

	s.recordLatency(d.LatencyMS)
}

// recordLatency buckets one decision's end-to-end latency for the
// /metrics histogram. latencyBucketsMS holds upper bounds; a sample lands
// in the first bucket it's less than or equal to, with a final overflow
// bucket for anything past the last bound.
func (s *Sink) recordLatency(ms int64) {
	s.latMu.Lock()
	defer s.latMu.Unlock()

	s.latencyCount++
	s.latencySumMS += ms

	idx := len(latencyBucketsMS)
	for i, bound := range latencyBucketsMS {
		if ms <= bound {
			idx = i
			break
		}
	}
	s.latencyBuckets[idx]++
}

// IncrementError tags one error occurrence with its kind (§4.1
// errors_total{kind}; §7 "every error increments a counter tagged with its
// kind") and mirrors it to InfluxDB as a tagged point.
func (s *Sink) IncrementError(kind string) {
	s.errMu.Lock()
	s.errorsByKind[kind]++
	s.errMu.Unlock()

	p := influxdb2.NewPointWithMeasurement("error").
		AddTag("kind", kind).
		AddField("count", int64(1)).
		SetTime(time.Now())
	s.writer.WritePoint(p)
}

// RecordLatency writes a standalone latency sample for a named stage (e.g.
// "ml_scorer", "rules_evaluator") independent of the overall decision —
// used to distinguish which fan-out leg is slow.
func (s *Sink) RecordLatency(stage string, d time.Duration) {
	p := influxdb2.NewPointWithMeasurement("stage_latency").
		AddTag("stage", stage).
		AddField("ms", float64(d.Microseconds())/1000.0).
		SetTime(time.Now())
	s.writer.WritePoint(p)
}

// LatencyHistogram is the per-bucket (non-cumulative: each sample is
// counted in exactly one bucket) view of decision latency
// exposed on /metrics, shaped after the stage_latency points already
// written to InfluxDB but summarized for a single in-process read.
type LatencyHistogram struct {
	BucketBoundsMS []int64 `json:"bucket_bounds_ms"`
	Counts         []int64 `json:"counts"`
	Count          int64   `json:"count"`
	SumMS          int64   `json:"sum_ms"`
}

// Snapshot is the in-process counter view served by the metrics endpoint.
type Snapshot struct {
	Requests    int64            `json:"requests_total"`
	Allows      int64            `json:"allow_total"`
	Challenges  int64            `json:"challenge_total"`
	Denies      int64            `json:"deny_total"`
	Degraded    int64            `json:"degraded_total"`
	WriteErrors int64            `json:"influx_write_errors_total"`
	Errors      map[string]int64 `json:"errors_total"`
	LatencyMS   LatencyHistogram `json:"latency_ms"`
}

func (s *Sink) Snapshot() Snapshot {
	s.errMu.Lock()
	errs := make(map[string]int64, len(s.errorsByKind))
	for k, v := range s.errorsByKind {
		errs[k] = v
	}
	s.errMu.Unlock()

	s.latMu.Lock()
	buckets := make([]int64, len(s.latencyBuckets))
	copy(buckets, s.latencyBuckets)
	count, sum := s.latencyCount, s.latencySumMS
	s.latMu.Unlock()

	return Snapshot{
		Requests:    atomic.LoadInt64(&s.requests),
		Allows:      atomic.LoadInt64(&s.allows),
		Challenges:  atomic.LoadInt64(&s.challenges),
		Denies:      atomic.LoadInt64(&s.denies),
		Degraded:    atomic.LoadInt64(&s.degraded),
		WriteErrors: atomic.LoadInt64(&s.errors),
		Errors:      errs,
		LatencyMS: LatencyHistogram{
			BucketBoundsMS: latencyBucketsMS,
			Counts:         buckets,
			Count:          count,
			SumMS:          sum,
		},
	}
}

// Close flushes buffered points and closes the client. Call once at
// shutdown.
func (s *Sink) Close() {
	s.writer.Flush()
	s.client.Close()
}
