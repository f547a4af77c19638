package sns

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/channel"
	"github.com/lalithlochan/courier/internal/notification"
)

// ErrNoPhoneNumber is returned when the target has no sms address.
var ErrNoPhoneNumber = fmt.Errorf("%w: no phone number", channel.ErrNoAddress)

// SMSSender sends short messages with SNS direct publish.
type SMSSender struct {
	client API
	logger *zap.Logger
}

// NewSMSSender creates an SMS sender on top of client.
func NewSMSSender(client API, logger *zap.Logger) *SMSSender {
	return &SMSSender{client: client, logger: logger}
}

// Send publishes "title: content" to the target's phone number. Urgent
// notifications go out as transactional SMS.
func (s *SMSSender) Send(ctx context.Context, n *notification.Notification, ch notification.Channel) (channel.Receipt, error) {
	phone := n.Target.Address(ch)
	if phone == "" {
		return channel.Receipt{}, ErrNoPhoneNumber
	}

	smsType := "Promotional"
	if n.Priority >= notification.PriorityUrgent {
		smsType = "Transactional"
	}

	result, err := s.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber: aws.String(phone),
		Message:     aws.String(smsText(n)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"AWS.SNS.SMS.SMSType": {
				DataType:    aws.String("String"),
				StringValue: aws.String(smsType),
			},
		},
	})
	if err != nil {
		return channel.Receipt{}, fmt.Errorf("sns publish failed: %w", err)
	}

	id := messageID(result)
	s.logger.Info("SMS sent via SNS",
		zap.String("notification_id", n.ID),
		zap.String("message_id", id),
	)

	return channel.Receipt{ProviderMessageID: id}, nil
}

func smsText(n *notification.Notification) string {
	if n.Title == "" {
		return n.Content
	}
	return n.Title + ": " + n.Content
}
