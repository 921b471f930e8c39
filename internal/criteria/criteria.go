// Package criteria implements the send-criteria predicate gate (spec §4.7
// step 1): registered predicates evaluated in order, first false wins.
package criteria

import (
	"golang.org/x/time/rate"

	"github.com/chriswithf/broker-condense-proxy/internal/broker"
)

// Predicate is the send-criteria interface (spec §1 "only its interface
// matters"): given a message, decide whether the send should proceed.
type Predicate interface {
	Evaluate(msg *broker.Message) bool
}

// PredicateFunc adapts a plain function to Predicate.
type PredicateFunc func(msg *broker.Message) bool

func (f PredicateFunc) Evaluate(msg *broker.Message) bool { return f(msg) }

// Chain evaluates registered predicates in registration order; the first
// predicate to return false blocks the send (spec §4.7 step 1). An empty
// chain always allows.
type Chain struct {
	predicates []Predicate
}

// NewChain builds a Chain from an ordered predicate list.
func NewChain(predicates ...Predicate) *Chain {
	return &Chain{predicates: predicates}
}

// Register appends a predicate, evaluated after all previously registered
// ones.
func (c *Chain) Register(p Predicate) {
	c.predicates = append(c.predicates, p)
}

// Allow runs the chain; it returns false on the first predicate that
// returns false. This is not an error (spec §7 kind 2): the send path
// returns silently, no exception.
func (c *Chain) Allow(msg *broker.Message) bool {
	for _, p := range c.predicates {
		if !p.Evaluate(msg) {
			return false
		}
	}
	return true
}

// RateLimited wraps a Predicate with a token-bucket throttle on its own
// evaluation cost, an operational safety valve. Grounded in the teacher's
// resource_guard.go kafkaLimiter/broadcastLimiter pattern. When the limiter
// has no tokens available, the wrapped predicate is skipped (treated as
// allow) rather than blocking the caller, so while throttled the wrapped
// predicate filters nothing, and a throttled predicate can never itself
// cause messages to pile up in the criteria gate.
type RateLimited struct {
	inner   Predicate
	limiter *rate.Limiter
}

// NewRateLimited builds a RateLimited predicate allowing up to ratePerSec
// evaluations per second, with the given burst.
func NewRateLimited(inner Predicate, ratePerSec float64, burst int) *RateLimited {
	return &RateLimited{inner: inner, limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst)}
}

func (r *RateLimited) Evaluate(msg *broker.Message) bool {
	if !r.limiter.Allow() {
		return true
	}
	return r.inner.Evaluate(msg)
}
