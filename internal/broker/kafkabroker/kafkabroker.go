// Package kafkabroker is a franz-go-backed broker.Producer/broker.Consumer
// delegate, grounded in the teacher's ws/kafka.Consumer and
// internal/single/kafka client configuration.
package kafkabroker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/chriswithf/broker-condense-proxy/internal/broker"
)

// wireMessage is the JSON envelope carried in a Kafka record's value; the
// record key carries CorrelationID so consumer-group partitioning can still
// key on it the way the teacher keys on tokenID.
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

// Config mirrors the fields the teacher's ConsumerConfig/client setup reads
// out of its own config package.
type Config struct {
	Brokers            []string
	ConsumerGroup      string
	DefaultTopic       string
	ConsumeTopics      []string
	Logger             zerolog.Logger
}

// Broker is a single franz-go client used as both Producer and Consumer,
// the same "one client, both directions" shape the teacher avoids only
// because its consumer and publisher run in separate processes; here a
// single condensation proxy legitimately needs both.
type Broker struct {
	client         *kgo.Client
	logger         zerolog.Logger
	defaultTopic   string
	listenerCancel context.CancelFunc
}

// New dials brokers and, if cfg.ConsumeTopics is non-empty, joins
// cfg.ConsumerGroup the way the teacher's NewConsumer does.
func New(cfg Config) (*Broker, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafkabroker: at least one broker is required")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.FetchMaxWait(500 * time.Millisecond),
	}
	if cfg.ConsumerGroup != "" && len(cfg.ConsumeTopics) > 0 {
		opts = append(opts,
			kgo.ConsumerGroup(cfg.ConsumerGroup),
			kgo.ConsumeTopics(cfg.ConsumeTopics...),
			kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
			kgo.SessionTimeout(30*time.Second),
			kgo.RebalanceTimeout(60*time.Second),
		)
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafkabroker: failed to create client: %w", err)
	}

	return &Broker{client: client, logger: cfg.Logger, defaultTopic: cfg.DefaultTopic}, nil
}

func (b *Broker) DefaultDestination() (string, bool) {
	return b.defaultTopic, b.defaultTopic != ""
}

func (b *Broker) SendDefault(ctx context.Context, msg *broker.Message, mode broker.DeliveryMode, priority int, ttl time.Duration) error {
	return b.Send(ctx, b.defaultTopic, msg, mode, priority, ttl)
}

func (b *Broker) Send(ctx context.Context, destination string, msg *broker.Message, _ broker.DeliveryMode, priority int, ttl time.Duration) error {
	wire := toWire(msg, priority, ttl)
	value, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("kafkabroker: failed to marshal message: %w", err)
	}

	record := &kgo.Record{Topic: destination, Value: value}
	if msg.CorrelationID != "" {
		record.Key = []byte(msg.CorrelationID)
	}

	result := b.client.ProduceSync(ctx, record)
	if err := result.FirstErr(); err != nil {
		return fmt.Errorf("kafkabroker: produce to %s failed: %w", destination, err)
	}
	return nil
}

func (b *Broker) Receive(ctx context.Context, timeout time.Duration) (*broker.Message, error) {
	fetchCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		fetchCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	fetches := b.client.PollFetches(fetchCtx)
	if err := fetchCtx.Err(); err != nil {
		return nil, nil
	}
	for _, err := range fetches.Errors() {
		b.logger.Error().Err(err.Err).Str("topic", err.Topic).Int32("partition", err.Partition).Msg("kafka fetch error")
	}

	var found *broker.Message
	fetches.EachRecord(func(record *kgo.Record) {
		if found != nil {
			return
		}
		m, err := fromWireRecord(record)
		if err != nil {
			b.logger.Error().Err(err).Str("topic", record.Topic).Msg("failed to unmarshal kafka record")
			return
		}
		found = m
	})
	return found, nil
}

func (b *Broker) Listen(handler func(*broker.Message)) {
	ctx, cancel := context.WithCancel(context.Background())
	b.listenerCancel = cancel
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			fetches := b.client.PollFetches(ctx)
			if ctx.Err() != nil {
				return
			}
			for _, err := range fetches.Errors() {
				b.logger.Error().Err(err.Err).Str("topic", err.Topic).Msg("kafka fetch error")
			}
			fetches.EachRecord(func(record *kgo.Record) {
				m, err := fromWireRecord(record)
				if err != nil {
					b.logger.Error().Err(err).Str("topic", record.Topic).Msg("failed to unmarshal kafka record")
					return
				}
				handler(m)
			})
		}
	}()
}

func (b *Broker) Close() error {
	if b.listenerCancel != nil {
		b.listenerCancel()
	}
	b.client.Close()
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

func fromWireRecord(record *kgo.Record) (*broker.Message, error) {
	var wire wireMessage
	if err := json.Unmarshal(record.Value, &wire); err != nil {
		return nil, err
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
