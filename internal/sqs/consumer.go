package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"
)

// ConsumerConfig tunes long polling.
type ConsumerConfig struct {
	MaxMessages       int32
	WaitTimeSeconds   int32
	VisibilityTimeout int32
}

// DefaultConsumerConfig long-polls for up to 10 messages for 20 seconds.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{MaxMessages: 10, WaitTimeSeconds: 20, VisibilityTimeout: 60}
}

// Delivery is one received intent. Malformed bodies come back with a
// non-nil DecodeErr so the caller can drop them.
type Delivery struct {
	Intent        Intent
	MessageID     string
	ReceiptHandle string
	ReceiveCount  int
	DecodeErr     error
}

// Consumer reads intents.
type Consumer struct {
	client   API
	queueURL string
	config   ConsumerConfig
	logger   *zap.Logger
}

func NewConsumer(client API, queueURL string, cfg ConsumerConfig, logger *zap.Logger) *Consumer {
	if cfg.MaxMessages <= 0 || cfg.MaxMessages > 10 {
		cfg.MaxMessages = 10
	}

	logger.Info("sqs consumer initialized", zap.String("queue_url", queueURL))

	return &Consumer{
		client:   client,
		queueURL: queueURL,
		config:   cfg,
		logger:   logger,
	}
}

// Receive long-polls for a batch of intents. An empty batch is not an error.
func (c *Consumer) Receive(ctx context.Context) ([]Delivery, error) {
	result, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: c.config.MaxMessages,
		WaitTimeSeconds:     c.config.WaitTimeSeconds,
		VisibilityTimeout:   c.config.VisibilityTimeout,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive failed: %w", err)
	}

	deliveries := make([]Delivery, 0, len(result.Messages))
	for _, m := range result.Messages {
		d := Delivery{
			MessageID:     aws.ToString(m.MessageId),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
		}
		if n, err := strconv.Atoi(m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]); err == nil {
			d.ReceiveCount = n
		}
		if err := json.Unmarshal([]byte(aws.ToString(m.Body)), &d.Intent); err != nil {
			c.logger.Error("failed to unmarshal intent",
				zap.String("message_id", d.MessageID),
				zap.Error(err),
			)
			d.DecodeErr = fmt.Errorf("invalid message format: %w", err)
		}
		deliveries = append(deliveries, d)
	}

	return deliveries, nil
}

// Delete acknowledges a processed message.
func (c *Consumer) Delete(ctx context.Context, receiptHandle string) error {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}
	return nil
}

// ChangeVisibility hides a message for seconds before it is redelivered.
func (c *Consumer) ChangeVisibility(ctx context.Context, receiptHandle string, seconds int32) error {
	_, err := c.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: seconds,
	})
	if err != nil {
		return fmt.Errorf("sqs change visibility failed: %w", err)
	}
	return nil
}
