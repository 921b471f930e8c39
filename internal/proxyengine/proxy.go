// Package proxyengine implements the proxy send path (spec §4.7): criteria
// gate, condensation branch, direct passthrough, force-flush, and
// cooperative shutdown.
package proxyengine

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/chriswithf/broker-condense-proxy/internal/broker"
	"github.com/chriswithf/broker-condense-proxy/internal/canonical"
	"github.com/chriswithf/broker-condense-proxy/internal/clock"
	"github.com/chriswithf/broker-condense-proxy/internal/condense"
	"github.com/chriswithf/broker-condense-proxy/internal/criteria"
	"github.com/chriswithf/broker-condense-proxy/internal/strategy"
)

// ErrClosed is returned by Send after Close has returned — no send call
// may be initiated after Close returns (spec §5).
var ErrClosed = errors.New("proxyengine: proxy is closed")

// Config is the immutable ProxyConfig of spec §3/§6.
type Config struct {
	CondenserEnabled bool
	CriteriaEnabled  bool

	WindowMs        int64
	MaxBatchSize    int
	FlushIntervalMs int64

	// PreserveMessageOrder is plumbed but, per spec §9 open question 3,
	// intentionally not consumed by this package.
	PreserveMessageOrder bool

	MetricsEnabled bool

	// CPUPauseThreshold gates the scheduler's load-warning log (0 disables
	// it); see SPEC_FULL §4.6.
	CPUPauseThreshold float64

	TimestampFieldsExclude []string
	TimestampFieldsExtract []string

	DeliveryMode broker.DeliveryMode
	Priority     int
	TTL          time.Duration
}

// Statistics exposes the monotonic counters of spec §6.
type Statistics struct {
	InputMessages int64
	OutputBatches int64
}

// Proxy wraps a broker.Producer delegate and implements the condense/expand
// send-side contract.
type Proxy struct {
	cfg      Config
	delegate broker.Producer
	criteria *criteria.Chain
	logger   zerolog.Logger

	buffer        *condense.Buffer
	scheduler     *condense.Scheduler
	extractFields []string

	inputMessages int64
	outputBatches int64

	closed atomic.Bool
}

// New builds a Proxy. predicates may be nil (no criteria gate registered).
// sampler may be nil to disable the scheduler's CPU-aware load logging.
func New(cfg Config, delegate broker.Producer, predicates *criteria.Chain, sampler condense.LoadSampler, logger zerolog.Logger) *Proxy {
	exclude := canonical.NewExclusions(cfg.TimestampFieldsExclude...)
	if len(cfg.TimestampFieldsExclude) == 0 {
		exclude = strategy.DefaultTimestampExclude()
	}
	extract := cfg.TimestampFieldsExtract
	if len(extract) == 0 {
		extract = strategy.DefaultTimestampExtract()
	}

	strat := &strategy.FieldExclusion{Exclude: exclude}
	cache := canonical.NewKeyCache(canonical.DefaultCacheSize)
	buf := condense.NewBuffer(strat, cache, clock.Real{}, cfg.WindowMs, cfg.MaxBatchSize)

	p := &Proxy{
		cfg:           cfg,
		delegate:      delegate,
		criteria:      predicates,
		logger:        logger,
		buffer:        buf,
		extractFields: extract,
	}

	p.scheduler = condense.NewScheduler(
		time.Duration(cfg.FlushIntervalMs)*time.Millisecond,
		p.runFlushPass,
		func() bool { return p.buffer.BufferedCount() > 0 },
		sampler,
		cfg.CPUPauseThreshold,
		logger,
	)
	return p
}

// Send implements spec §4.7: criteria gate, condensation branch, direct
// passthrough, in that order.
func (p *Proxy) Send(ctx context.Context, destination string, msg *broker.Message, deliveryMode broker.DeliveryMode, priority int, ttl time.Duration) error {
	return p.SendWithCompletion(ctx, destination, msg, deliveryMode, priority, ttl, nil)
}

// SendWithCompletion is Send plus the upstream completion-listener overload
// contract of spec §4.7 step 1: a criteria-blocked message still invokes
// onComplete exactly once, carrying the original input, to preserve API
// symmetry with an unfiltered send.
func (p *Proxy) SendWithCompletion(ctx context.Context, destination string, msg *broker.Message, deliveryMode broker.DeliveryMode, priority int, ttl time.Duration, onComplete func(*broker.Message, error)) error {
	if p.closed.Load() {
		return ErrClosed
	}

	if p.cfg.CriteriaEnabled && p.criteria != nil && !p.criteria.Allow(msg) {
		if onComplete != nil {
			onComplete(msg, nil)
		}
		return nil
	}

	if p.cfg.CondenserEnabled {
		if adm, ok := p.buffer.ShouldAdmit(msg); ok {
			p.buffer.Admit(msg, adm)
			atomic.AddInt64(&p.inputMessages, 1)
			if p.cfg.MetricsEnabled {
				inputMessagesTotal.Inc()
				bufferedMessages.Set(float64(p.buffer.BufferedCount()))
			}
			p.scheduler.ArmIfNeeded()
			if onComplete != nil {
				onComplete(msg, nil)
			}
			return nil
		}
	}

	err := p.sendDirect(ctx, destination, msg, deliveryMode, priority, ttl)
	if onComplete != nil {
		onComplete(msg, err)
	}
	return err
}

// sendDirect implements spec §4.7 step 3: pass through to the delegate,
// preferring the destination-less overload when the caller's destination
// is empty or matches the delegate's preset default.
func (p *Proxy) sendDirect(ctx context.Context, destination string, msg *broker.Message, deliveryMode broker.DeliveryMode, priority int, ttl time.Duration) error {
	if dd, ok := p.delegate.DefaultDestination(); ok && (destination == "" || destination == dd) {
		return p.delegate.SendDefault(ctx, msg, deliveryMode, priority, ttl)
	}
	return p.delegate.Send(ctx, destination, msg, deliveryMode, priority, ttl)
}

// runFlushPass is the scheduler's onFire callback: flush only the
// flush-ready sequences, materializing and sending each outside the buffer
// lock, best-effort (spec §4.6/§4.7).
func (p *Proxy) runFlushPass() {
	batches := p.buffer.FlushReady()
	p.sendBatches(context.Background(), batches)
}

// Flush is the force-flush API (spec §4.7): drains the buffer regardless
// of readiness and sends every envelope, best-effort.
func (p *Proxy) Flush(ctx context.Context) {
	batches := p.buffer.Drain()
	p.sendBatches(ctx, batches)
}

func (p *Proxy) sendBatches(ctx context.Context, batches []condense.Batch) {
	if p.cfg.MetricsEnabled {
		timer := prometheus.NewTimer(flushPassDuration)
		defer timer.ObserveDuration()
		defer func() { bufferedMessages.Set(float64(p.buffer.BufferedCount())) }()
	}
	for _, batch := range batches {
		env := condense.BuildEnvelope(batch, p.extractFields)
		body, err := env.Materialize()
		if err != nil {
			// Envelope materialization failure (spec §7 kind 4): fall back
			// to the head content unchanged; still send.
			p.logger.Warn().Err(err).Str("key", batch.Key).Msg("condensed envelope materialization failed, sending head content unchanged")
			body = batch.Messages[0].Content
		}

		var firstTimestamp int64
		if env.FirstTimestamp != nil {
			firstTimestamp = *env.FirstTimestamp
		}

		envelopeMsg := &broker.Message{
			Body: body,
			Properties: map[string]any{
				broker.PropCondensedMarker:     true,
				broker.PropCondensedCount:      env.Count,
				broker.PropCondensedTimestamps: firstTimestamp,
			},
			Priority:   p.cfg.Priority,
			Expiration: p.cfg.TTL,
		}

		if err := p.sendDirect(ctx, "", envelopeMsg, p.cfg.DeliveryMode, p.cfg.Priority, p.cfg.TTL); err != nil {
			// Delegate send failure on a background/force flush (spec §7
			// kind 3): logged, swallowed, next envelope still attempted.
			p.logger.Error().Err(err).Str("key", batch.Key).Int("count", env.Count).Msg("condensed envelope send failed")
			if p.cfg.MetricsEnabled {
				envelopeSendFailures.Inc()
			}
			continue
		}
		atomic.AddInt64(&p.outputBatches, 1)
		if p.cfg.MetricsEnabled {
			outputBatchesTotal.Inc()
		}
	}
}

// BufferedCount returns the number of messages currently buffered
// (spec §8 "Conservation" property relies on this at close).
func (p *Proxy) BufferedCount() int {
	return p.buffer.BufferedCount()
}

// Stats returns the current monotonic counters.
func (p *Proxy) Stats() Statistics {
	return Statistics{
		InputMessages: atomic.LoadInt64(&p.inputMessages),
		OutputBatches: atomic.LoadInt64(&p.outputBatches),
	}
}

// Close performs force-flush, tears down the scheduler cooperatively, then
// closes the delegate (spec §4.7/§5). Errors during flush-on-close are
// logged, not returned.
func (p *Proxy) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.Flush(context.Background())
	p.scheduler.Stop()
	if err := p.delegate.Close(); err != nil {
		p.logger.Error().Err(err).Msg("error closing delegate producer during proxy close")
		return err
	}
	return nil
}
