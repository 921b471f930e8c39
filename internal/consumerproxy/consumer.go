// Package consumerproxy implements the buffered consumer proxy (spec
// §4.9): adapting the N-messages-per-incoming-envelope pattern onto a
// one-message-at-a-time consumer interface.
package consumerproxy

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/chriswithf/broker-condense-proxy/internal/broker"
	"github.com/chriswithf/broker-condense-proxy/internal/expand"
)

// DefaultQueueCapacity is the bounded FIFO capacity of spec §4.9.
const DefaultQueueCapacity = 1000

// Consumer adapts a broker.Consumer delegate so that each pulled or
// pushed condensed envelope is transparently expanded into N deliveries.
type Consumer struct {
	delegate broker.Consumer
	expander *expand.Expander
	logger   zerolog.Logger

	queue           chan *broker.Message
	blockOnOverflow bool
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithQueueCapacity overrides DefaultQueueCapacity.
func WithQueueCapacity(n int) Option {
	return func(c *Consumer) { c.queue = make(chan *broker.Message, n) }
}

// WithBlockingOverflow switches the overflow policy from drop-with-warning
// (the spec's documented default) to blocking the delivery thread, the
// alternative spec §9 explicitly allows as long as it is documented.
func WithBlockingOverflow() Option {
	return func(c *Consumer) { c.blockOnOverflow = true }
}

// New builds a Consumer wrapping delegate.
func New(delegate broker.Consumer, expander *expand.Expander, logger zerolog.Logger, opts ...Option) *Consumer {
	c := &Consumer{
		delegate: delegate,
		expander: expander,
		logger:   logger,
		queue:    make(chan *broker.Message, DefaultQueueCapacity),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Receive returns the queue's head immediately if non-empty; otherwise it
// pulls one message from the delegate (honoring timeout), expands it if
// condensed, returns index 0, and enqueues the rest (spec §4.9). Expansion
// time is not counted against timeout (spec §5).
func (c *Consumer) Receive(ctx context.Context, timeout time.Duration) (*broker.Message, error) {
	select {
	case m := <-c.queue:
		return m, nil
	default:
	}

	m, err := c.delegate.Receive(ctx, timeout)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, nil
	}

	expanded := c.safeExpand(m)
	c.enqueueRest(expanded[1:])
	return expanded[0], nil
}

// Listen wraps handler so that each incoming message is delivered once
// (non-condensed) or N times in expansion order (condensed). A panic from
// handler on one expanded item does not suppress delivery of the rest
// (spec §4.9); on an expander error, the envelope is delivered once
// unchanged.
func (c *Consumer) Listen(handler func(*broker.Message)) {
	c.delegate.Listen(func(m *broker.Message) {
		for _, item := range c.safeExpand(m) {
			c.deliverRecovered(handler, item)
		}
	})
}

func (c *Consumer) deliverRecovered(handler func(*broker.Message), m *broker.Message) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Msg("consumer listener panicked on an expanded message, continuing with the rest")
		}
	}()
	handler(m)
}

func (c *Consumer) safeExpand(m *broker.Message) []*broker.Message {
	expanded := c.expander.Expand(m)
	if len(expanded) == 0 {
		return []*broker.Message{m}
	}
	return expanded
}

// enqueueRest enqueues items 1..N-1 of an expanded batch. On overflow it
// either drops with a warning (default) or blocks the delivery thread
// (WithBlockingOverflow) — the design choice spec §9 asks implementations
// to document, since it affects the broker's flow control.
func (c *Consumer) enqueueRest(items []*broker.Message) {
	for _, item := range items {
		if c.blockOnOverflow {
			c.queue <- item
			continue
		}
		select {
		case c.queue <- item:
		default:
			c.logger.Warn().Msg("consumer expansion queue full, dropping expanded message")
		}
	}
}

// Close discards the internal queue and closes the delegate.
func (c *Consumer) Close() error {
	c.queue = make(chan *broker.Message, cap(c.queue))
	return c.delegate.Close()
}
