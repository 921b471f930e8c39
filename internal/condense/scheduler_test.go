package condense

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestSchedulerFiresAfterInterval(t *testing.T) {
	var fired atomic.Int32
	s := NewScheduler(20*time.Millisecond, func() { fired.Add(1) }, func() bool { return false }, nil, 0, zerolog.Nop())

	s.ArmIfNeeded()
	assert.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSchedulerDoubleArmSchedulesOnlyOneTask(t *testing.T) {
	var fired atomic.Int32
	s := NewScheduler(50*time.Millisecond, func() { fired.Add(1) }, func() bool { return false }, nil, 0, zerolog.Nop())

	s.ArmIfNeeded()
	s.ArmIfNeeded()
	s.ArmIfNeeded()

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
}

func TestSchedulerRearmsWhileWorkRemains(t *testing.T) {
	var fired atomic.Int32
	hasWork := func() bool { return fired.Load() < 3 }
	s := NewScheduler(10*time.Millisecond, func() { fired.Add(1) }, hasWork, nil, 0, zerolog.Nop())

	s.ArmIfNeeded()
	assert.Eventually(t, func() bool { return fired.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()
}

func TestSchedulerStopsArmingAfterStop(t *testing.T) {
	var fired atomic.Int32
	var hasWork atomic.Bool
	hasWork.Store(true)
	s := NewScheduler(10*time.Millisecond, func() {
		fired.Add(1)
		hasWork.Store(false) // simulate the one pending batch draining on this fire
	}, hasWork.Load, nil, 0, zerolog.Nop())

	s.ArmIfNeeded()
	assert.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
	s.Stop()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load(), "no further fires should occur once work is drained and Stop has run")
}

func TestSchedulerFireSurvivesOnFirePanic(t *testing.T) {
	var fired atomic.Int32
	s := NewScheduler(10*time.Millisecond, func() {
		fired.Add(1)
		panic("boom")
	}, func() bool { return false }, nil, 0, zerolog.Nop())

	s.ArmIfNeeded()
	assert.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
}
