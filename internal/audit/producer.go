// Package audit publishes admission decisions to Kafka as a
// fire-and-forget side channel: nothing on the admission path ever
// blocks on it, and a publish failure never turns into a denied
// request. The teacher's go.mod already declares segmentio/kafka-go as
// the project's Kafka client even though no teacher file yet uses it;
// this package is that client's first real caller, following
// kafka-go's standard async Writer usage.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	kafka "github.com/segmentio/kafka-go"
)

// Config configures the audit producer.
type Config struct {
	Brokers []string `envconfig:"KAFKA_BROKERS"`
	Topic   string   `envconfig:"KAFKA_AUDIT_TOPIC" default:"ratelimitd.admissions"`

	// QueueSize bounds the in-memory buffer between admission calls
	// and the background publisher goroutine. A full queue drops the
	// incoming event rather than block an admission.
	QueueSize int `envconfig:"KAFKA_AUDIT_QUEUE_SIZE" default:"1024"`

	BatchTimeout time.Duration `envconfig:"KAFKA_BATCH_TIMEOUT" default:"100ms"`
}

// Event is one admission decision, published best-effort.
type Event struct {
	Key          string `json:"key"`
	Allowed      bool   `json:"allowed"`
	Remaining    int64  `json:"remaining"`
	Limit        uint64 `json:"limit"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
	Degraded     bool   `json:"degraded,omitempty"`
	DecidedAtMs  int64  `json:"decided_at_ms"`
}

// Producer batches and publishes Events asynchronously. A nil
// *Producer is valid and Publish on it is a no-op, so audit logging
// can be disabled entirely by leaving KAFKA_BROKERS unset.
type Producer struct {
	writer *kafka.Writer
	events chan Event
	done   chan struct{}
}

// New constructs a Producer and starts its background publish loop.
// Returns (nil, nil) when cfg.Brokers is empty — audit logging is
// opt-in.
func New(cfg Config) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		log.Info().Str("component", "audit").Msg("no Kafka brokers configured; admission audit events disabled")
		return nil, nil
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: cfg.BatchTimeout,
		Async:        true,
		ErrorLogger:  kafkaErrorLogger{},
	}

	p := &Producer{
		writer: writer,
		events: make(chan Event, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	go p.run()

	log.Info().Str("component", "audit").Strs("brokers", cfg.Brokers).Str("topic", cfg.Topic).Msg("Kafka audit producer started")
	return p, nil
}

// Publish enqueues an admission event for async delivery. It never
// blocks: if the queue is full, the event is dropped and a warning is
// logged; the admission decision itself is unaffected.
func (p *Producer) Publish(e Event) {
	if p == nil {
		return
	}
	select {
	case p.events <- e:
	default:
		log.Warn().Str("component", "audit").Str("key", e.Key).Msg("audit queue full; dropping admission event")
	}
}

func (p *Producer) run() {
	defer close(p.done)
	for e := range p.events {
		payload, err := json.Marshal(e)
		if err != nil {
			log.Error().Err(err).Str("component", "audit").Msg("failed to marshal admission event")
			continue
		}
		msg := kafka.Message{Key: []byte(e.Key), Value: payload}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := p.writer.WriteMessages(ctx, msg); err != nil {
			log.Warn().Err(err).Str("component", "audit").Msg("failed to publish admission event")
		}
		cancel()
	}
}

// Close stops accepting new events, drains the queue, and closes the
// underlying Kafka writer.
func (p *Producer) Close() error {
	if p == nil {
		return nil
	}
	close(p.events)
	<-p.done
	return p.writer.Close()
}

type kafkaErrorLogger struct{}

func (kafkaErrorLogger) Printf(format string, args ...interface{}) {
	log.Error().Str("component", "audit_kafka").Msgf(format, args...)
}
