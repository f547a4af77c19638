package sns

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/channel"
	"github.com/lalithlochan/courier/internal/notification"
)

// Message is the JSON body published to the subscribe-push topic.
type Message struct {
	NotificationID string            `json:"notification_id"`
	UserID         string            `json:"user_id"`
	Recipient      string            `json:"recipient,omitempty"`
	Type           string            `json:"type"`
	Title          string            `json:"title"`
	Body           string            `json:"body"`
	TemplateID     string            `json:"template_id,omitempty"`
	Data           map[string]string `json:"data,omitempty"`
}

// TopicSender publishes subscribe-push notifications to an SNS topic.
// Subscribers filter on the type and user_id message attributes.
type TopicSender struct {
	client   API
	topicARN string
	logger   *zap.Logger
}

// NewTopicSender creates a topic publisher for topicARN.
func NewTopicSender(client API, topicARN string, logger *zap.Logger) *TopicSender {
	return &TopicSender{client: client, topicARN: topicARN, logger: logger}
}

func (s *TopicSender) Send(ctx context.Context, n *notification.Notification, ch notification.Channel) (channel.Receipt, error) {
	payload, err := json.Marshal(Message{
		NotificationID: n.ID,
		UserID:         n.Target.ID,
		Recipient:      n.Target.Address(ch),
		Type:           string(n.Type),
		Title:          n.Title,
		Body:           n.Content,
		TemplateID:     n.TemplateID,
		Data:           n.Data,
	})
	if err != nil {
		return channel.Receipt{}, fmt.Errorf("failed to marshal message: %w", err)
	}

	result, err := s.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(s.topicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(n.Type)),
			},
			"user_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(n.Target.ID),
			},
			"priority": {
				DataType:    aws.String("Number"),
				StringValue: aws.String(strconv.Itoa(int(n.Priority))),
			},
		},
	})
	if err != nil {
		return channel.Receipt{}, fmt.Errorf("failed to publish to SNS: %w", err)
	}

	id := messageID(result)
	s.logger.Debug("subscribe push published",
		zap.String("notification_id", n.ID),
		zap.String("message_id", id),
	)

	return channel.Receipt{ProviderMessageID: id}, nil
}
