// Package sns delivers notifications through AWS SNS: direct SMS publishes
// for the sms channel and topic publishes for subscribe push.
package sns

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

// API is the subset of the SNS client the senders use.
type API interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Config selects the region and, for LocalStack, a custom endpoint.
type Config struct {
	Region   string
	Endpoint string
	TopicARN string
}

// NewClient builds an SNS client from the default AWS credential chain.
func NewClient(ctx context.Context, cfg Config) (*sns.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for SNS: %w", err)
	}

	return sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

func messageID(out *sns.PublishOutput) string {
	if out == nil || out.MessageId == nil {
		return ""
	}
	return *out.MessageId
}
