// Package sns publishes broadcast lifecycle events to an SNS topic.
package sns

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/pnptv/herald/internal/db"
)

// API is the subset of the SNS client the publisher uses.
type API interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// NewClient builds an SNS client; endpoint overrides the service URL for
// LocalStack.
func NewClient(awsCfg aws.Config, endpoint string) *sns.Client {
	return sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
}

// Publisher sends job events. Subscribers filter on the event_type and
// status message attributes.
type Publisher struct {
	client   API
	topicARN string
	logger   *zap.Logger
}

func NewPublisher(client API, topicARN string, logger *zap.Logger) *Publisher {
	return &Publisher{client: client, topicARN: topicARN, logger: logger}
}

func stringAttr(v string) types.MessageAttributeValue {
	return types.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(v),
	}
}

// PublishJobEvent sends one lifecycle event.
func (p *Publisher) PublishJobEvent(ctx context.Context, evt db.JobEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	result, err := p.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Subject:  aws.String(evt.Type),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_type": stringAttr(evt.Type),
			"status":     stringAttr(evt.Status),
			"job_id":     stringAttr(evt.JobID.String()),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}

	p.logger.Debug("broadcast event published",
		zap.String("event", evt.Type),
		zap.String("job_id", evt.JobID.String()),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}
