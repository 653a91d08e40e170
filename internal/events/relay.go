package events

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Outbox is the durable source of events to publish.
type Outbox interface {
	FetchPending(ctx context.Context, limit int) ([]Record, error)
	MarkSent(ctx context.Context, ids []string) error
}

// Writer publishes messages; *kafka.Writer satisfies it.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewWriter returns a Kafka writer hashing keys to partitions, so events of
// one checkout stay ordered.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}

// Relay moves outbox records to Kafka. Delivery is at-least-once: a record
// is marked sent only after the broker acknowledged it.
type Relay struct {
	outbox    Outbox
	writer    Writer
	lg        *zap.Logger
	interval  time.Duration
	batchSize int
}

// NewRelay creates a Relay.
func NewRelay(outbox Outbox, writer Writer, lg *zap.Logger, interval time.Duration, batchSize int) *Relay {
	if interval <= 0 {
		interval = time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Relay{outbox: outbox, writer: writer, lg: lg, interval: interval, batchSize: batchSize}
}

// Run polls until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for {
				n, err := r.Flush(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					r.lg.Warn("Outbox relay failed", zap.Error(err))
					break
				}
				if n < r.batchSize {
					break
				}
			}
		}
	}
}

// Flush publishes one batch and returns how many records it sent.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	records, err := r.outbox.FetchPending(ctx, r.batchSize)
	if err != nil {
		return 0, errors.Wrap(err, "fetch pending")
	}
	if len(records) == 0 {
		return 0, nil
	}

	msgs := make([]kafka.Message, len(records))
	ids := make([]string, len(records))
	for i, rec := range records {
		msgs[i] = kafka.Message{
			Key:   []byte(rec.Key),
			Value: rec.Payload,
			Time:  rec.CreatedAt,
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(rec.Type)},
				{Key: "event_id", Value: []byte(rec.ID)},
			},
		}
		ids[i] = rec.ID
	}

	if err := r.writer.WriteMessages(ctx, msgs...); err != nil {
		return 0, errors.Wrap(err, "publish")
	}
	if err := r.outbox.MarkSent(ctx, ids); err != nil {
		return 0, errors.Wrap(err, "mark sent")
	}
	r.lg.Debug("Relayed outbox records", zap.Int("count", len(records)))
	return len(records), nil
}
