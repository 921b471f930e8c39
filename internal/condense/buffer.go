// Package condense implements the keyed condensation buffer (spec §4.4),
// the envelope builder (spec §4.5), and the adaptive flush scheduler
// (spec §4.6).
package condense

import (
	"sync"

	"github.com/chriswithf/broker-condense-proxy/internal/broker"
	"github.com/chriswithf/broker-condense-proxy/internal/canonical"
	"github.com/chriswithf/broker-condense-proxy/internal/clock"
	"github.com/chriswithf/broker-condense-proxy/internal/strategy"
)

// BufferedMessage is the tuple of spec §3: the original message handle, a
// textual content snapshot, and the arrival monotonic timestamp captured at
// admission (not at send invocation).
type BufferedMessage struct {
	Original  *broker.Message
	Content   string
	ArrivalMs int64
}

// Admission is the explicit handle returned by ShouldAdmit and consumed by
// Admit. It replaces the source's per-caller-thread scratch slot (spec §9)
// with something language-neutral and safe across goroutines: the caller
// owns the handle and passes it straight to Admit, so there is no shared
// mutable scratch state and no TTL to get wrong.
type Admission struct {
	key     string
	content string
}

type bucket struct {
	messages []BufferedMessage
}

// Buffer is the keyed multimap of spec §3/§4.4: SimilarityKey to a
// non-empty ordered sequence of BufferedMessage, with O(1) flush-readiness
// summaries. A single mutex protects both the map and the summaries;
// nothing under this lock ever calls out to the delegate or the key cache.
type Buffer struct {
	mu sync.Mutex

	buckets map[string]*bucket

	totalCount      int
	earliestArrival int64 // math.MaxInt64 when empty
	largestBatch    int

	strategy strategy.Strategy
	cache    *canonical.KeyCache
	clock    clock.Clock

	windowMs     int64
	maxBatchSize int
}

const maxInt64 = int64(^uint64(0) >> 1)

// NewBuffer builds an empty Buffer with the given comparison strategy, an
// optional key cache (nil disables caching), a clock seam for tests, and
// the window/batch flush thresholds.
func NewBuffer(strat strategy.Strategy, cache *canonical.KeyCache, clk clock.Clock, windowMs int64, maxBatchSize int) *Buffer {
	return &Buffer{
		buckets:         make(map[string]*bucket),
		earliestArrival: maxInt64,
		strategy:        strat,
		cache:           cache,
		clock:           clk,
		windowMs:        windowMs,
		maxBatchSize:    maxBatchSize,
	}
}

// ShouldAdmit runs the admission test of spec §4.4 steps 1-3: extract a
// textual body, fast-reject non-structured content, compute the
// comparison key. It never takes the buffer lock — key computation may
// consult the (separately-locked) key cache but must never nest under the
// buffer mutex.
func (b *Buffer) ShouldAdmit(msg *broker.Message) (Admission, bool) {
	if msg == nil || msg.Body == "" {
		return Admission{}, false
	}
	content := msg.Body
	if !canonical.LooksStructured(content) {
		return Admission{}, false
	}

	if b.cache != nil {
		if key, ok := b.cache.Get(content); ok {
			return Admission{key: key, content: content}, true
		}
	}

	key, err := b.strategy.ComputeComparisonKey(content)
	if err != nil {
		return Admission{}, false
	}
	if b.cache != nil {
		b.cache.Put(content, key)
	}
	return Admission{key: key, content: content}, true
}

// Admit appends msg to the sequence for adm's key, using the stashed
// content from ShouldAdmit. If adm is the zero value (caller skipped
// ShouldAdmit, or it's stale w.r.t. msg), the key is recomputed here.
func (b *Buffer) Admit(msg *broker.Message, adm Admission) {
	content := adm.content
	key := adm.key
	if content == "" || content != msg.Body {
		content = msg.Body
		if k, err := b.strategy.ComputeComparisonKey(content); err == nil {
			key = k
		} else {
			key = content
		}
	}

	now := b.clock.NowMs()

	b.mu.Lock()
	defer b.mu.Unlock()

	bk, ok := b.buckets[key]
	if !ok {
		bk = &bucket{}
		b.buckets[key] = bk
	}
	bk.messages = append(bk.messages, BufferedMessage{Original: msg, Content: content, ArrivalMs: now})

	b.totalCount++
	if now < b.earliestArrival {
		b.earliestArrival = now
	}
	if len(bk.messages) > b.largestBatch {
		b.largestBatch = len(bk.messages)
	}
}

// FlushDue is the O(1) check of spec §4.4: true once the largest batch has
// reached maxBatchSize, or the oldest buffered item has waited windowMs.
func (b *Buffer) FlushDue() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushDueLocked()
}

func (b *Buffer) flushDueLocked() bool {
	if b.totalCount == 0 {
		return false
	}
	if b.largestBatch >= b.maxBatchSize {
		return true
	}
	now := b.clock.NowMs()
	return now-b.earliestArrival >= b.windowMs
}

// BufferedCount returns the total number of messages currently buffered
// across all keys.
func (b *Buffer) BufferedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalCount
}

// FlushReady removes and returns one sequence per key whose head is at
// least windowMs old or whose length has reached maxBatchSize, recomputing
// the O(1) summaries over whatever remains. Within a key, admission order
// is preserved; across keys there is no ordering guarantee.
func (b *Buffer) FlushReady() []Batch {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushLocked(false)
}

// Drain force-flushes every sequence regardless of readiness (spec §4.4
// "drain"), used by force-flush and shutdown-drain.
func (b *Buffer) Drain() []Batch {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushLocked(true)
}

func (b *Buffer) flushLocked(forceAll bool) []Batch {
	now := b.clock.NowMs()
	var out []Batch
	for key, bk := range b.buckets {
		ready := forceAll
		if !ready && len(bk.messages) > 0 {
			head := bk.messages[0]
			ready = len(bk.messages) >= b.maxBatchSize || now-head.ArrivalMs >= b.windowMs
		}
		if !ready {
			continue
		}
		out = append(out, Batch{Key: key, Messages: bk.messages})
		b.totalCount -= len(bk.messages)
		delete(b.buckets, key)
	}
	b.recomputeSummariesLocked()
	return out
}

func (b *Buffer) recomputeSummariesLocked() {
	if len(b.buckets) == 0 {
		b.earliestArrival = maxInt64
		b.largestBatch = 0
		return
	}
	earliest := maxInt64
	largest := 0
	for _, bk := range b.buckets {
		if len(bk.messages) == 0 {
			continue
		}
		if bk.messages[0].ArrivalMs < earliest {
			earliest = bk.messages[0].ArrivalMs
		}
		if len(bk.messages) > largest {
			largest = len(bk.messages)
		}
	}
	b.earliestArrival = earliest
	b.largestBatch = largest
}

// Clear discards all buffered items without emitting envelopes, used on
// abnormal shutdown.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buckets = make(map[string]*bucket)
	b.totalCount = 0
	b.earliestArrival = maxInt64
	b.largestBatch = 0
}

// Batch is one similarity-key's worth of buffered messages, ready for
// envelope construction outside the buffer lock.
type Batch struct {
	Key      string
	Messages []BufferedMessage
}
