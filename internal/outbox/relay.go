package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"github.com/atmx/energy-market/internal/metrics"
)

// NewProducer creates an idempotent Kafka producer that waits for all
// in-sync replicas.
func NewProducer(brokers []string) (sarama.SyncProducer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_7_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Retry.Backoff = 250 * time.Millisecond

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return producer, nil
}

// Relay drains the outbox into a Kafka topic.
type Relay struct {
	outbox   *Outbox
	producer sarama.SyncProducer
	topic    string
	batch    int
	logger   *slog.Logger
}

// NewRelay creates a relay publishing at most batch events per round.
func NewRelay(o *Outbox, producer sarama.SyncProducer, topic string, batch int, logger *slog.Logger) *Relay {
	if batch <= 0 {
		batch = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		outbox:   o,
		producer: producer,
		topic:    topic,
		batch:    batch,
		logger:   logger,
	}
}

// Run relays on every tick until ctx is cancelled.
func (r *Relay) Run(ctx context.Context, interval time.Duration) {
	r.logger.Info("outbox relay started", "topic", r.topic, "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return
		case <-ticker.C:
			if _, err := r.RelayOnce(ctx); err != nil {
				r.logger.Warn("outbox relay round failed", "error", err)
			}
		}
	}
}

// RelayOnce publishes pending events in order and acknowledges each one the
// broker accepted. It stops at the first failure so later events are never
// published ahead of an earlier one; the failed event is retried next round.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	sent := 0
	err := r.outbox.ScanPending(r.batch, func(ev Event) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		payload, err := encodeEvent(ev)
		if err != nil {
			return err
		}
		msg := &sarama.ProducerMessage{
			Topic: r.topic,
			Key:   sarama.StringEncoder(ev.Trade.ID),
			Value: sarama.ByteEncoder(payload),
		}
		if _, _, err := r.producer.SendMessage(msg); err != nil {
			metrics.OutboxPublished.WithLabelValues("error").Inc()
			return fmt.Errorf("publish trade %s: %w", ev.Trade.ID, err)
		}
		metrics.OutboxPublished.WithLabelValues("success").Inc()

		if err := r.outbox.Ack(ev.Seq); err != nil {
			return fmt.Errorf("ack outbox entry %d: %w", ev.Seq, err)
		}
		sent++
		return nil
	})

	if pending, perr := r.outbox.Pending(); perr == nil {
		metrics.OutboxPending.Set(float64(pending))
	}
	return sent, err
}

// Close shuts down the producer.
func (r *Relay) Close() error {
	return r.producer.Close()
}
