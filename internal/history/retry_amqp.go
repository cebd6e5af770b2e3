package history

import (
	"context"
	"encoding/json"
	"log/slog"

	"bidcall-platform/internal/billing"
	"bidcall-platform/pkg/mq"
)

// Routing key and queue for deferred settlement writes.
const (
	RetryRoutingKey = "settlement.retry"
	RetryQueueName  = "settlement-retries"
)

// AMQPRetryQueue publishes settlements whose durable write failed onto the
// settlement exchange for later redelivery.
type AMQPRetryQueue struct {
	pub *mq.Publisher
}

func NewAMQPRetryQueue(pub *mq.Publisher) *AMQPRetryQueue {
	return &AMQPRetryQueue{pub: pub}
}

func (q *AMQPRetryQueue) Publish(ctx context.Context, s billing.Settlement) error {
	return q.pub.PublishJSON(ctx, RetryRoutingKey, s)
}

// RunRetryConsumer drains the retry queue until ctx is done, re-applying
// each settlement. Acked only once the write lands; a failed write is nacked
// back onto the queue. Malformed payloads are dropped after logging.
func RunRetryConsumer(ctx context.Context, consumer *mq.Consumer, recorder *Recorder, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	deliveries, err := consumer.Deliveries(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			var s billing.Settlement
			if err := json.Unmarshal(d.Body, &s); err != nil {
				log.Error("retry payload unreadable, dropping", "err", err)
				_ = d.Nack(false, false)
				continue
			}
			if err := recorder.Apply(ctx, s); err != nil {
				log.Warn("settlement retry failed, requeueing", "billing_session_id", s.BillingSessionID, "err", err)
				_ = d.Nack(false, true)
				continue
			}
			_ = d.Ack(false)
		}
	}
}
