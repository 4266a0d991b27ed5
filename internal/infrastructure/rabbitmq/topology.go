package rabbitmq

import (
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// One direct exchange, four queues. Every publish uses the target queue
// name as the routing key. The retry queues have no consumer: their TTL
// dead-letters messages back into the main queue, which is how deferred
// job retries are realized without a scheduler.
const (
	Exchange = "mailings"

	QueueMain   = "mailing.jobs.process"
	QueueRetry1 = "mailing.jobs.retry.1"
	QueueRetry2 = "mailing.jobs.retry.2"
	QueueDLQ    = "mailing.jobs.dlq"

	retry1TTLMillis = int64(60_000)
	retry2TTLMillis = int64(300_000)
)

func declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(Exchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", Exchange, err)
	}

	queues := []struct {
		name string
		args amqp.Table
	}{
		// A rejected delivery (Nack without requeue) dead-letters straight
		// into the DLQ instead of vanishing.
		{QueueMain, amqp.Table{
			"x-dead-letter-exchange":    Exchange,
			"x-dead-letter-routing-key": QueueDLQ,
		}},
		{QueueRetry1, amqp.Table{
			"x-message-ttl":             retry1TTLMillis,
			"x-dead-letter-exchange":    Exchange,
			"x-dead-letter-routing-key": QueueMain,
		}},
		{QueueRetry2, amqp.Table{
			"x-message-ttl":             retry2TTLMillis,
			"x-dead-letter-exchange":    Exchange,
			"x-dead-letter-routing-key": QueueMain,
		}},
		// Terminal. No TTL, no DLX; rows sit until an operator drains them.
		{QueueDLQ, nil},
	}

	for _, q := range queues {
		if _, err := ch.QueueDeclare(q.name, true, false, false, false, q.args); err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
		if err := ch.QueueBind(q.name, q.name, Exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", q.name, err)
		}
	}
	return nil
}

// isPreconditionFailed detects a queue that already exists with different
// arguments. Redeclaring cannot fix that; the operator has to delete the
// queue or align the arguments, so connect attempts must not loop on it.
func isPreconditionFailed(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToUpper(err.Error())
	return strings.Contains(msg, "PRECONDITION_FAILED") || strings.Contains(msg, "INEQUIVALENT ARG")
}
