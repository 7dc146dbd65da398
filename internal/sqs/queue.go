// Package sqs carries dispatch triggers between the API and the workers
// over an SQS queue.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config holds SQS configuration.
type Config struct {
	QueueURL string
	// Endpoint overrides the service endpoint, e.g. for LocalStack.
	Endpoint string
	// WaitSeconds is the long-poll wait for Receive.
	WaitSeconds int32
	// VisibilitySeconds hides a received trigger from other consumers.
	VisibilitySeconds int32
}

// API is the subset of the SQS client the queue uses.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// NewClient builds an SQS client from the shared AWS config.
func NewClient(awsCfg aws.Config, endpoint string) *sqs.Client {
	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
}

// TriggerMessage asks a worker to dispatch a job.
type TriggerMessage struct {
	JobID       string `json:"job_id"`
	RequestedBy int64  `json:"requested_by,omitempty"`
	EnqueuedAt  int64  `json:"enqueued_at"`
}

// Trigger is a received message with the handle needed to ack it.
type Trigger struct {
	JobID         uuid.UUID
	RequestedBy   int64
	EnqueuedAt    time.Time
	ReceiptHandle string
}

// Producer sends dispatch triggers.
type Producer struct {
	client   API
	queueURL string
	logger   *zap.Logger
}

func NewProducer(client API, cfg Config, logger *zap.Logger) *Producer {
	logger.Info("sqs producer initialized", zap.String("queue_url", cfg.QueueURL))

	return &Producer{
		client:   client,
		queueURL: cfg.QueueURL,
		logger:   logger,
	}
}

// EnqueueDispatch queues a dispatch for the job and returns the message id.
func (p *Producer) EnqueueDispatch(ctx context.Context, jobID uuid.UUID, requestedBy int64) (string, error) {
	body, err := json.Marshal(TriggerMessage{
		JobID:       jobID.String(),
		RequestedBy: requestedBy,
		EnqueuedAt:  time.Now().UnixNano(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal trigger: %w", err)
	}

	result, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		p.logger.Error("failed to send trigger to sqs",
			zap.Error(err),
			zap.String("job_id", jobID.String()),
		)
		return "", fmt.Errorf("sqs send failed: %w", err)
	}

	return aws.ToString(result.MessageId), nil
}

// Consumer reads dispatch triggers.
type Consumer struct {
	client API
	cfg    Config
	logger *zap.Logger
}

func NewConsumer(client API, cfg Config, logger *zap.Logger) *Consumer {
	if cfg.WaitSeconds <= 0 {
		cfg.WaitSeconds = 20
	}
	if cfg.VisibilitySeconds <= 0 {
		cfg.VisibilitySeconds = 60
	}

	logger.Info("sqs consumer initialized", zap.String("queue_url", cfg.QueueURL))

	return &Consumer{client: client, cfg: cfg, logger: logger}
}

// Receive long-polls for up to max triggers. Malformed messages are
// deleted and skipped so they cannot block the queue.
func (c *Consumer) Receive(ctx context.Context, max int32) ([]Trigger, error) {
	if max <= 0 || max > 10 {
		max = 10
	}

	result, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.cfg.QueueURL),
		MaxNumberOfMessages: max,
		WaitTimeSeconds:     c.cfg.WaitSeconds,
		VisibilityTimeout:   c.cfg.VisibilitySeconds,
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive failed: %w", err)
	}

	triggers := make([]Trigger, 0, len(result.Messages))
	for _, m := range result.Messages {
		handle := aws.ToString(m.ReceiptHandle)

		t, err := decode(aws.ToString(m.Body))
		if err != nil {
			c.logger.Error("discarding malformed trigger",
				zap.Error(err),
				zap.String("message_id", aws.ToString(m.MessageId)),
			)
			if err := c.Delete(ctx, handle); err != nil {
				c.logger.Warn("failed to delete malformed trigger", zap.Error(err))
			}
			continue
		}
		t.ReceiptHandle = handle
		triggers = append(triggers, t)
	}

	return triggers, nil
}

func decode(body string) (Trigger, error) {
	var msg TriggerMessage
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return Trigger{}, fmt.Errorf("invalid message format: %w", err)
	}
	id, err := uuid.Parse(msg.JobID)
	if err != nil {
		return Trigger{}, fmt.Errorf("invalid job id %q: %w", msg.JobID, err)
	}
	return Trigger{
		JobID:       id,
		RequestedBy: msg.RequestedBy,
		EnqueuedAt:  time.Unix(0, msg.EnqueuedAt),
	}, nil
}

// Delete acknowledges a handled trigger.
func (c *Consumer) Delete(ctx context.Context, receiptHandle string) error {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.cfg.QueueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}
	return nil
}

// Release makes a trigger visible again right away, for one this worker
// could not take on.
func (c *Consumer) Release(ctx context.Context, receiptHandle string) error {
	_, err := c.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.cfg.QueueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: 0,
	})
	if err != nil {
		return fmt.Errorf("sqs change visibility failed: %w", err)
	}
	return nil
}
