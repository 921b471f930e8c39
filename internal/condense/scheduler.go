package condense

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// LoadSampler reports current CPU utilization so the scheduler can log a
// warning when a flush pass starts under CPU pressure; the pass itself is
// never deferred. Implementations must not panic and are called once per
// flush pass on the scheduler's timer goroutine; NewGopsutilLoadSampler backs this with
// github.com/shirou/gopsutil/v3 (see loadsampler_gopsutil.go).
type LoadSampler interface {
	CPUPercent() (float64, error)
}

// noopLoadSampler always reports zero load — used when the scheduler is
// built without a sampler configured.
type noopLoadSampler struct{}

func (noopLoadSampler) CPUPercent() (float64, error) { return 0, nil }

// Scheduler is the single-shot background flush task of spec §4.6: at most
// one flush pass is pending at any time. An admission arms it (idempotent
// compare-and-swap); when the timer fires it runs the flush callback, then
// re-arms itself only if work remains.
type Scheduler struct {
	flushInterval time.Duration

	armed atomic.Bool
	mu    sync.Mutex
	timer *time.Timer

	onFire  func()
	hasWork func() bool

	sampler            LoadSampler
	cpuPauseThreshold  float64 // 0 disables the load check

	logger zerolog.Logger

	stopped atomic.Bool
	doneCh  chan struct{} // closed once the in-flight fire completes, recreated per arm
	doneMu  sync.Mutex
}

// NewScheduler builds a Scheduler. onFire is the proxy's flush routine;
// hasWork reports whether anything remains buffered after a flush pass
// (drives re-arming). sampler may be nil to disable the CPU-aware logging
// described in SPEC_FULL §4.6.
func NewScheduler(flushInterval time.Duration, onFire func(), hasWork func() bool, sampler LoadSampler, cpuPauseThreshold float64, logger zerolog.Logger) *Scheduler {
	if sampler == nil {
		sampler = noopLoadSampler{}
	}
	return &Scheduler{
		flushInterval:     flushInterval,
		onFire:            onFire,
		hasWork:           hasWork,
		sampler:           sampler,
		cpuPauseThreshold: cpuPauseThreshold,
		logger:            logger,
	}
}

// ArmIfNeeded arms a one-shot delay of flushInterval if no task is
// currently pending. Double-arm must not schedule two tasks: the CAS on
// armed makes this safe under concurrent callers.
func (s *Scheduler) ArmIfNeeded() {
	if s.stopped.Load() {
		return
	}
	if !s.armed.CompareAndSwap(false, true) {
		return // already armed
	}

	s.doneMu.Lock()
	s.doneCh = make(chan struct{})
	done := s.doneCh
	s.doneMu.Unlock()

	s.mu.Lock()
	s.timer = time.AfterFunc(s.flushInterval, func() {
		defer close(done)
		s.fire()
	})
	s.mu.Unlock()
}

func (s *Scheduler) fire() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("condensation scheduler task panicked, recovered")
		}
	}()

	if pct, err := s.sampler.CPUPercent(); err == nil && s.cpuPauseThreshold > 0 && pct >= s.cpuPauseThreshold {
		// Liveness (spec §8) forbids silently delaying past
		// windowMs+flushIntervalMs, so the pass still runs — this is only
		// a visibility signal for operators, not a skip.
		s.logger.Warn().Float64("cpu_percent", pct).Msg("flush pass running under CPU pressure")
	}

	s.onFire()

	s.armed.Store(false)
	if s.hasWork() && !s.stopped.Load() {
		s.ArmIfNeeded()
	}
}

// Stop is the cooperative shutdown of spec §4.6/§5: it waits up to 5
// seconds for any in-flight fire to complete, then gives up. No further
// arming happens after Stop is called.
func (s *Scheduler) Stop() {
	s.stopped.Store(true)

	s.mu.Lock()
	timer := s.timer
	s.mu.Unlock()

	if timer != nil && timer.Stop() {
		// The timer was still pending and Stop canceled it before it fired:
		// its AfterFunc callback (and thus fire/onFire) will never run, so
		// there is nothing in-flight to wait for.
		return
	}

	s.doneMu.Lock()
	done := s.doneCh
	s.doneMu.Unlock()
	if done == nil {
		return
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logger.Warn().Msg("condensation scheduler shutdown timed out after 5s, abandoning in-flight task")
	}
}
