package rabbitmq

import (
	"context"

	"github.com/opsmailer/mailing-service/internal/domain"
)

// Publisher adapts the client to the JobPublisher port. Routing key equals
// the target queue name on this exchange, so callers name queues and never
// see AMQP details.
type Publisher struct {
	client *Client
}

func NewPublisher(client *Client) *Publisher {
	return &Publisher{client: client}
}

func (p *Publisher) Publish(ctx context.Context, queue string, payload domain.JobPayload, messageID string) error {
	body, err := payload.Marshal()
	if err != nil {
		return err
	}
	return p.client.publish(ctx, queue, messageID, body)
}

func (p *Publisher) Live() bool {
	return p.client.Live()
}
