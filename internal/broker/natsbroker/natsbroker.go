// Package natsbroker is a nats.go-backed broker.Producer/broker.Consumer
// delegate, grounded in the teacher's go-server/pkg/nats.Client
// (connect options, subscribe-with-handler, publish/JSON helpers).
package natsbroker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/chriswithf/broker-condense-proxy/internal/broker"
)

type wireMessage struct {
	ID            string         `json:"id"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Body          string         `json:"body"`
	Properties    map[string]any `json:"properties,omitempty"`
	Priority      int            `json:"priority,omitempty"`
	Type          string         `json:"type,omitempty"`
	ExpirationMs  int64          `json:"expirationMs,omitempty"`
	TimestampMs   int64          `json:"timestampMs"`
}

// Config mirrors the connection options the teacher's nats.Config exposes.
type Config struct {
	URL             string
	DefaultSubject  string
	MaxReconnects   int
	ReconnectWait   time.Duration
	PingInterval    time.Duration
	MaxPingsOut     int
	Logger          zerolog.Logger
}

// Broker wraps a single *nats.Conn as both Producer and Consumer.
type Broker struct {
	conn           *nats.Conn
	logger         zerolog.Logger
	defaultSubject string

	mu   sync.Mutex
	subs map[string]*nats.Subscription

	pending chan *nats.Msg
}

// New connects to the NATS server, wiring connection-event logging the way
// the teacher's connectHandler/disconnectHandler/reconnectHandler do.
func New(cfg Config) (*Broker, error) {
	b := &Broker{logger: cfg.Logger, defaultSubject: cfg.DefaultSubject, subs: make(map[string]*nats.Subscription), pending: make(chan *nats.Msg, 1024)}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ConnectHandler(func(c *nats.Conn) {
			b.logger.Info().Str("url", c.ConnectedUrl()).Msg("connected to NATS")
		}),
		nats.DisconnectErrHandler(func(c *nats.Conn, err error) {
			if err != nil {
				b.logger.Warn().Err(err).Msg("disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			b.logger.Info().Str("url", c.ConnectedUrl()).Msg("reconnected to NATS")
		}),
		nats.ErrorHandler(func(c *nats.Conn, sub *nats.Subscription, err error) {
			b.logger.Error().Err(err).Msg("NATS error")
		}),
	}
	if cfg.PingInterval > 0 {
		opts = append(opts, nats.PingInterval(cfg.PingInterval))
	}
	if cfg.MaxPingsOut > 0 {
		opts = append(opts, nats.MaxPingsOutstanding(cfg.MaxPingsOut))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("natsbroker: failed to connect: %w", err)
	}
	b.conn = conn
	return b, nil
}

func (b *Broker) DefaultDestination() (string, bool) {
	return b.defaultSubject, b.defaultSubject != ""
}

func (b *Broker) SendDefault(ctx context.Context, msg *broker.Message, mode broker.DeliveryMode, priority int, ttl time.Duration) error {
	return b.Send(ctx, b.defaultSubject, msg, mode, priority, ttl)
}

func (b *Broker) Send(_ context.Context, destination string, msg *broker.Message, _ broker.DeliveryMode, priority int, ttl time.Duration) error {
	data, err := json.Marshal(toWire(msg, priority, ttl))
	if err != nil {
		return fmt.Errorf("natsbroker: failed to marshal message: %w", err)
	}
	if err := b.conn.Publish(destination, data); err != nil {
		return fmt.Errorf("natsbroker: publish to %s failed: %w", destination, err)
	}
	return nil
}

// Receive blocks up to timeout waiting for a message on the default
// subject's subscription, created lazily on first call.
func (b *Broker) Receive(ctx context.Context, timeout time.Duration) (*broker.Message, error) {
	if err := b.ensureSubscribed(b.defaultSubject); err != nil {
		return nil, err
	}

	if timeout <= 0 {
		select {
		case raw := <-b.pending:
			return fromWire(raw.Data)
		default:
			return nil, nil
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case raw := <-b.pending:
		return fromWire(raw.Data)
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Listen subscribes to the default subject and invokes handler per message,
// mirroring the teacher's Subscribe(subject, handler).
func (b *Broker) Listen(handler func(*broker.Message)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[b.defaultSubject]; ok {
		return
	}
	sub, err := b.conn.Subscribe(b.defaultSubject, func(raw *nats.Msg) {
		m, err := fromWire(raw.Data)
		if err != nil {
			b.logger.Error().Err(err).Str("subject", raw.Subject).Msg("failed to unmarshal NATS message")
			return
		}
		handler(m)
	})
	if err != nil {
		b.logger.Error().Err(err).Str("subject", b.defaultSubject).Msg("failed to subscribe to NATS subject")
		return
	}
	b.subs[b.defaultSubject] = sub
}

func (b *Broker) ensureSubscribed(subject string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[subject]; ok {
		return nil
	}
	sub, err := b.conn.Subscribe(subject, func(raw *nats.Msg) {
		select {
		case b.pending <- raw:
		default:
			b.logger.Warn().Str("subject", subject).Msg("natsbroker receive buffer full, dropping message")
		}
	})
	if err != nil {
		return fmt.Errorf("natsbroker: failed to subscribe to %s: %w", subject, err)
	}
	b.subs[subject] = sub
	return nil
}

func (b *Broker) Close() error {
	b.mu.Lock()
	for subject, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Warn().Err(err).Str("subject", subject).Msg("error unsubscribing from NATS subject")
		}
	}
	b.mu.Unlock()
	b.conn.Close()
	return nil
}

func toWire(msg *broker.Message, priority int, ttl time.Duration) wireMessage {
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return wireMessage{
		ID:            msg.ID,
		CorrelationID: msg.CorrelationID,
		Body:          msg.Body,
		Properties:    msg.Properties,
		Priority:      priority,
		Type:          msg.Type,
		ExpirationMs:  ttl.Milliseconds(),
		TimestampMs:   ts.UnixMilli(),
	}
}

func fromWire(data []byte) (*broker.Message, error) {
	var wire wireMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("natsbroker: failed to unmarshal message: %w", err)
	}
	return &broker.Message{
		ID:            wire.ID,
		CorrelationID: wire.CorrelationID,
		Body:          wire.Body,
		Properties:    wire.Properties,
		Priority:      wire.Priority,
		Type:          wire.Type,
		Expiration:    time.Duration(wire.ExpirationMs) * time.Millisecond,
		Timestamp:     time.UnixMilli(wire.TimestampMs),
	}, nil
}
