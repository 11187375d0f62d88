// Package queue carries accepted webhook batches through RabbitMQ so a
// restart of the server does not lose work that was already acknowledged
// with 202.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/crm-sync/internal/model"
	"github.com/sells-group/crm-sync/internal/webhook"
)

const (
	exchangeName = "crmsync.webhooks"
	dlxName      = "crmsync.webhooks.dlx"
	routingKey   = "contacts"
)

// Batch is the message body for one accepted delivery.
type Batch struct {
	BatchID string        `json:"batch_id"`
	Events  []model.Event `json:"events"`
}

// AMQP publishes and consumes webhook batches on a durable queue with a
// dead-letter exchange for undecodable messages.
type AMQP struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
	log   *zap.Logger
}

// Dial connects and declares the topology.
func Dial(url, queue string) (*AMQP, error) {
	if queue == "" {
		queue = "crmsync.webhook.batches"
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, eris.Wrap(err, "queue: dial")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "queue: open channel")
	}
	if err := setupTopology(ch, queue); err != nil {
		conn.Close() //nolint:errcheck
		return nil, err
	}
	return &AMQP{
		conn:  conn,
		ch:    ch,
		queue: queue,
		log:   zap.L().With(zap.String("component", "queue"), zap.String("queue", queue)),
	}, nil
}

func setupTopology(ch *amqp.Channel, queue string) error {
	dlq := queue + ".dlq"
	if err := ch.ExchangeDeclare(dlxName, "direct", true, false, false, false, nil); err != nil {
		return eris.Wrap(err, "queue: declare dead-letter exchange")
	}
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return eris.Wrap(err, "queue: declare dead-letter queue")
	}
	if err := ch.QueueBind(dlq, routingKey, dlxName, false, nil); err != nil {
		return eris.Wrap(err, "queue: bind dead-letter queue")
	}

	args := amqp.Table{
		"x-dead-letter-exchange":    dlxName,
		"x-dead-letter-routing-key": routingKey,
	}
	if err := ch.ExchangeDeclare(exchangeName, "direct", true, false, false, false, nil); err != nil {
		return eris.Wrap(err, "queue: declare exchange")
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, args); err != nil {
		return eris.Wrap(err, "queue: declare queue")
	}
	return eris.Wrap(ch.QueueBind(queue, routingKey, exchangeName, false, nil), "queue: bind queue")
}

// Submit publishes a batch. It satisfies webhook.Submitter so the HTTP
// handler can sit in front of the broker instead of the dispatcher.
func (a *AMQP) Submit(batchID string, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}
	body, err := json.Marshal(Batch{BatchID: batchID, Events: events})
	if err != nil {
		return eris.Wrap(err, "queue: marshal batch")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = a.ch.PublishWithContext(ctx, exchangeName, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		MessageId:    batchID,
		Timestamp:    time.Now(),
		Body:         body,
		DeliveryMode: amqp.Persistent,
	})
	return eris.Wrapf(err, "queue: publish batch %s", batchID)
}

// Consume feeds queued batches to sub until ctx is done. Batches the
// dispatcher cannot take yet are requeued.
func (a *AMQP) Consume(ctx context.Context, sub webhook.Submitter) error {
	msgs, err := a.ch.ConsumeWithContext(ctx, a.queue, "", false, false, false, false, nil)
	if err != nil {
		return eris.Wrap(err, "queue: consume")
	}
	a.log.Info("consuming webhook batches")
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return eris.New("queue: delivery channel closed")
			}
			handle(ctx, d, sub, a.log)
		}
	}
}

// handle acks, requeues or dead-letters one delivery.
func handle(ctx context.Context, d amqp.Delivery, sub webhook.Submitter, log *zap.Logger) {
	var b Batch
	if err := json.Unmarshal(d.Body, &b); err != nil {
		log.Error("undecodable batch, dead-lettering", zap.String("message_id", d.MessageId), zap.Error(err))
		_ = d.Nack(false, false)
		return
	}

	err := sub.Submit(b.BatchID, b.Events)
	switch {
	case err == nil:
		_ = d.Ack(false)
	case errors.Is(err, webhook.ErrQueueFull):
		// Give the workers a moment before the broker redelivers.
		select {
		case <-ctx.Done():
		case <-time.After(200 * time.Millisecond):
		}
		_ = d.Nack(false, true)
	default:
		log.Warn("batch not accepted, requeueing", zap.String("batch_id", b.BatchID), zap.Error(err))
		_ = d.Nack(false, true)
	}
}

// Close closes the channel and connection.
func (a *AMQP) Close() error {
	if err := a.ch.Close(); err != nil {
		a.conn.Close() //nolint:errcheck
		return eris.Wrap(err, "queue: close channel")
	}
	return eris.Wrap(a.conn.Close(), "queue: close connection")
}
