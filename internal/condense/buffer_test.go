package condense

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chriswithf/broker-condense-proxy/internal/broker"
	"github.com/chriswithf/broker-condense-proxy/internal/canonical"
	"github.com/chriswithf/broker-condense-proxy/internal/clock"
	"github.com/chriswithf/broker-condense-proxy/internal/strategy"
)

// fakeClock is a manually-advanced clock.Clock for deterministic
// flush-readiness tests; AfterFunc is unused by Buffer but required to
// satisfy the interface.
type fakeClock struct {
	nowMs int64
}

func (f *fakeClock) NowMs() int64 { return f.nowMs }
func (f *fakeClock) AfterFunc(d time.Duration, fn func()) clock.Timer {
	return nil
}

func (f *fakeClock) advance(ms int64) { f.nowMs += ms }

func newTestBuffer(clk *fakeClock, windowMs int64, maxBatch int) *Buffer {
	strat := strategy.NewFieldExclusion()
	cache := canonical.NewKeyCache(10)
	return NewBuffer(strat, cache, clk, windowMs, maxBatch)
}

func msg(body string) *broker.Message {
	return &broker.Message{Body: body}
}

func TestShouldAdmitRejectsEmptyBody(t *testing.T) {
	clk := &fakeClock{}
	b := newTestBuffer(clk, 1000, 100)

	_, ok := b.ShouldAdmit(&broker.Message{Body: ""})
	assert.False(t, ok)

	_, ok = b.ShouldAdmit(nil)
	assert.False(t, ok)
}

func TestShouldAdmitRejectsNonStructuredContent(t *testing.T) {
	clk := &fakeClock{}
	b := newTestBuffer(clk, 1000, 100)

	_, ok := b.ShouldAdmit(msg("plain text"))
	assert.False(t, ok)
}

func TestShouldAdmitAcceptsStructuredContent(t *testing.T) {
	clk := &fakeClock{}
	b := newTestBuffer(clk, 1000, 100)

	adm, ok := b.ShouldAdmit(msg(`{"a":1}`))
	assert.True(t, ok)
	b.Admit(msg(`{"a":1}`), adm)
	assert.Equal(t, 1, b.BufferedCount())
}

func TestAdmitCoalescesEquivalentContentUnderOneKey(t *testing.T) {
	clk := &fakeClock{}
	b := newTestBuffer(clk, 1000, 100)

	m1 := msg(`{"v":42,"timestamp":1000}`)
	m2 := msg(`{"v":42,"timestamp":1001}`)
	m3 := msg(`{"v":42,"timestamp":1002}`)

	for _, m := range []*broker.Message{m1, m2, m3} {
		adm, ok := b.ShouldAdmit(m)
		require.True(t, ok)
		b.Admit(m, adm)
	}

	assert.Equal(t, 3, b.BufferedCount())

	batches := b.Drain()
	require.Len(t, batches, 1)
	assert.Len(t, batches[0].Messages, 3)
	// Admission order preserved within a key.
	assert.Equal(t, m1.Body, batches[0].Messages[0].Content)
	assert.Equal(t, m2.Body, batches[0].Messages[1].Content)
	assert.Equal(t, m3.Body, batches[0].Messages[2].Content)
}

func TestAdmitSeparatesDistinctKeys(t *testing.T) {
	clk := &fakeClock{}
	b := newTestBuffer(clk, 1000, 100)

	a := msg(`{"v":1}`)
	c := msg(`{"v":2}`)
	for _, m := range []*broker.Message{a, c} {
		adm, _ := b.ShouldAdmit(m)
		b.Admit(m, adm)
	}

	batches := b.Drain()
	assert.Len(t, batches, 2)
}

func TestFlushDueByBatchSize(t *testing.T) {
	clk := &fakeClock{}
	b := newTestBuffer(clk, 1_000_000, 2)

	m1 := msg(`{"x":1}`)
	adm, _ := b.ShouldAdmit(m1)
	b.Admit(m1, adm)
	assert.False(t, b.FlushDue())

	m2 := msg(`{"x":1}`)
	adm, _ = b.ShouldAdmit(m2)
	b.Admit(m2, adm)
	assert.True(t, b.FlushDue())
}

func TestFlushDueByWindowElapsed(t *testing.T) {
	clk := &fakeClock{}
	b := newTestBuffer(clk, 1000, 100)

	m := msg(`{"x":1}`)
	adm, _ := b.ShouldAdmit(m)
	b.Admit(m, adm)
	assert.False(t, b.FlushDue())

	clk.advance(1000)
	assert.True(t, b.FlushDue())
}

func TestFlushDueFalseWhenEmpty(t *testing.T) {
	clk := &fakeClock{}
	b := newTestBuffer(clk, 1000, 100)
	assert.False(t, b.FlushDue())
}

func TestFlushReadyOnlyEmitsReadySequences(t *testing.T) {
	clk := &fakeClock{}
	b := newTestBuffer(clk, 1000, 100)

	old := msg(`{"x":1}`)
	adm, _ := b.ShouldAdmit(old)
	b.Admit(old, adm)

	clk.advance(1000)

	fresh := msg(`{"x":2}`)
	adm, _ = b.ShouldAdmit(fresh)
	b.Admit(fresh, adm)

	batches := b.FlushReady()
	require.Len(t, batches, 1)
	assert.EqualValues(t, 0, batches[0].Messages[0].ArrivalMs)
	assert.Equal(t, 1, b.BufferedCount())
}

func TestFlushReadyRecomputesSummariesAfterPass(t *testing.T) {
	clk := &fakeClock{}
	b := newTestBuffer(clk, 1000, 100)

	m1 := msg(`{"x":1}`)
	adm, _ := b.ShouldAdmit(m1)
	b.Admit(m1, adm)
	clk.advance(1000)

	batches := b.FlushReady()
	require.Len(t, batches, 1)
	assert.Equal(t, 0, b.BufferedCount())
	assert.False(t, b.FlushDue())
}

func TestDrainForceFlushesRegardlessOfReadiness(t *testing.T) {
	clk := &fakeClock{}
	b := newTestBuffer(clk, 1_000_000, 1_000_000)

	m := msg(`{"x":1}`)
	adm, _ := b.ShouldAdmit(m)
	b.Admit(m, adm)

	batches := b.Drain()
	require.Len(t, batches, 1)
	assert.Equal(t, 0, b.BufferedCount())
}

func TestClearDiscardsWithoutEmitting(t *testing.T) {
	clk := &fakeClock{}
	b := newTestBuffer(clk, 1000, 100)

	m := msg(`{"x":1}`)
	adm, _ := b.ShouldAdmit(m)
	b.Admit(m, adm)
	require.Equal(t, 1, b.BufferedCount())

	b.Clear()
	assert.Equal(t, 0, b.BufferedCount())
	batches := b.Drain()
	assert.Empty(t, batches)
}

func TestAdmitStaleAdmissionRecomputesKey(t *testing.T) {
	clk := &fakeClock{}
	b := newTestBuffer(clk, 1000, 100)

	m1 := msg(`{"x":1}`)
	adm1, _ := b.ShouldAdmit(m1)

	// adm1 was computed for m1's body; admitting a different message with
	// it should recompute rather than silently reuse the stale key.
	m2 := msg(`{"x":2}`)
	b.Admit(m2, adm1)

	batches := b.Drain()
	require.Len(t, batches, 1)
	assert.Equal(t, `{"x":2}`, batches[0].Messages[0].Content)
}

func TestArrayBodyRoutesToItsOwnKeySpace(t *testing.T) {
	clk := &fakeClock{}
	b := newTestBuffer(clk, 1000, 100)

	arr := msg(`[1,2,3]`)
	obj := msg(`{"a":1}`)

	adm, ok := b.ShouldAdmit(arr)
	require.True(t, ok)
	b.Admit(arr, adm)

	adm, ok = b.ShouldAdmit(obj)
	require.True(t, ok)
	b.Admit(obj, adm)

	batches := b.Drain()
	assert.Len(t, batches, 2, "array and object bodies must never coalesce into the same key")
}
