package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Producer publishes intents.
type Producer struct {
	client   API
	queueURL string
	logger   *zap.Logger
}

func NewProducer(client API, queueURL string, logger *zap.Logger) *Producer {
	logger.Info("sqs producer initialized", zap.String("queue_url", queueURL))

	return &Producer{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
	}
}

// Publish sends intent and returns it with IntentID and EnqueuedAt filled
// in, along with the SQS message ID.
func (p *Producer) Publish(ctx context.Context, intent Intent) (Intent, string, error) {
	if intent.IntentID == "" {
		intent.IntentID = uuid.New().String()
	}
	intent.EnqueuedAt = time.Now().UnixNano()

	body, err := json.Marshal(intent)
	if err != nil {
		return intent, "", fmt.Errorf("failed to marshal intent: %w", err)
	}

	result, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(intent.Input.Type)),
			},
		},
	})
	if err != nil {
		p.logger.Error("failed to send intent to sqs",
			zap.Error(err),
			zap.String("intent_id", intent.IntentID),
		)
		return intent, "", fmt.Errorf("sqs send failed: %w", err)
	}

	return intent, aws.ToString(result.MessageId), nil
}
