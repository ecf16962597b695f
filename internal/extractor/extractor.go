// Package extractor invokes the external metadata-extraction worker. The
// worker is treated as an opaque, potentially slow or crashing collaborator:
// calls run through a bounded pool with per-file-type timeouts and a circuit
// breaker so a stuck or failing extractor degrades gracefully instead of
// exhausting the request-handling pool.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/metaextract/core/internal/circuitbreaker"
	"github.com/metaextract/core/internal/config"
	"github.com/metaextract/core/internal/metrics"
	"github.com/metaextract/core/internal/redact"
)

// EngineTier selects which extraction engine processes the request; "free"
// runs a cheaper engine for trial_limited access, "super" runs the full
// engine for device_free and paid access.
type EngineTier string

const (
	EngineFree  EngineTier = "free"
	EngineSuper EngineTier = "super"
)

// Request describes one file to extract metadata from.
type Request struct {
	FilePath   string
	MimeType   string
	EngineTier EngineTier
}

// Worker is the external collaborator that performs the actual extraction.
// Implementations wrap a subprocess, an RPC call, or an embedded library.
type Worker interface {
	Extract(ctx context.Context, req Request) (redact.RawMetadata, error)
}

// ErrExtractionFailed wraps any worker failure (crash, non-zero exit,
// malformed output) so callers see one failure type regardless of cause.
var ErrExtractionFailed = errors.New("extractor: extraction failed")

// ErrTimeout indicates the worker did not respond within its configured
// per-file-type (or default) timeout.
var ErrTimeout = errors.New("extractor: timed out")

// Pool runs extraction requests through a bounded worker pool, enforcing
// per-file-type timeouts and circuit-breaker isolation around the external
// worker.
type Pool struct {
	worker   Worker
	breaker  *circuitbreaker.Manager
	metrics  *metrics.Metrics
	cfg      config.ExtractorConfig
	sem      chan struct{}
}

// NewPool constructs a Pool bounded to cfg.WorkerPoolSize concurrent
// in-flight extractions.
func NewPool(worker Worker, breaker *circuitbreaker.Manager, m *metrics.Metrics, cfg config.ExtractorConfig) *Pool {
	size := cfg.WorkerPoolSize
	if size <= 0 {
		size = 4
	}
	return &Pool{
		worker:  worker,
		breaker: breaker,
		metrics: m,
		cfg:     cfg,
		sem:     make(chan struct{}, size),
	}
}

// Run submits req to the pool, blocking until a worker slot is free or ctx
// is cancelled, then invokes the external worker under the circuit breaker
// with the request's timeout applied.
func (p *Pool) Run(ctx context.Context, req Request) (redact.RawMetadata, error) {
	select {
	case p.sem <- struct{}{}:
		defer func() { <-p.sem }()
	case <-ctx.Done():
		return redact.RawMetadata{}, ctx.Err()
	}

	timeout := p.timeoutFor(req.MimeType)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	outcome := "success"
	defer func() {
		if p.metrics != nil {
			p.metrics.ObserveExtractor(string(req.EngineTier), outcome, time.Since(start))
			p.metrics.ObserveBreakerState(string(circuitbreaker.ServiceExtractor), int(p.breaker.State(circuitbreaker.ServiceExtractor)))
		}
	}()

	result, err := p.breaker.Execute(circuitbreaker.ServiceExtractor, func() (interface{}, error) {
		return p.worker.Extract(callCtx, req)
	})
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			outcome = "timeout"
			return redact.RawMetadata{}, fmt.Errorf("%w: %s", ErrTimeout, req.FilePath)
		}
		outcome = "failure"
		return redact.RawMetadata{}, fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}

	raw, ok := result.(redact.RawMetadata)
	if !ok {
		outcome = "failure"
		return redact.RawMetadata{}, fmt.Errorf("%w: unexpected worker result type", ErrExtractionFailed)
	}
	return raw, nil
}

func (p *Pool) timeoutFor(mimeType string) time.Duration {
	if d, ok := p.cfg.PerFileTypeTimeouts[mimeType]; ok && d.Duration > 0 {
		return d.Duration
	}
	if p.cfg.DefaultTimeout.Duration > 0 {
		return p.cfg.DefaultTimeout.Duration
	}
	return 60 * time.Second
}
