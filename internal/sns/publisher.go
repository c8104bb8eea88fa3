// Package sns publishes terminal delivery outcomes to an SNS topic so
// downstream dealership modules can react to them.
package sns

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/sproutogroup/dealernotify/internal/notify"
)

// PublishAPI is the subset of the SNS client the publisher uses.
type PublishAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Outcome is the message body published for each finished notification.
type Outcome struct {
	NotificationID string           `json:"notification_id"`
	UserID         string           `json:"user_id"`
	Status         notify.Status    `json:"status"`
	Delivered      []notify.Channel `json:"delivered_channels"`
	Attempts       int              `json:"attempts"`
	FailureReason  string           `json:"failure_reason,omitempty"`
	FinishedAt     time.Time        `json:"finished_at"`
}

// NewOutcome summarises a ledger row.
func NewOutcome(st notify.DeliveryStatus) Outcome {
	out := Outcome{
		NotificationID: st.NotificationID.String(),
		UserID:         st.UserID.String(),
		Status:         st.Status,
		Delivered:      []notify.Channel{},
		Attempts:       st.TotalAttempts,
		FailureReason:  st.FailureReason,
		FinishedAt:     st.UpdatedAt,
	}
	for _, ch := range notify.DeliveryOrder {
		if st.Delivered(ch) {
			out.Delivered = append(out.Delivered, ch)
		}
	}
	return out
}

// Publisher handles SNS topic publishing of delivery outcomes
type Publisher struct {
	client   PublishAPI
	topicARN string
	logger   *zap.Logger
}

// NewPublisher creates an SNS publisher for the given topic. A non-empty
// endpoint points the client at LocalStack.
func NewPublisher(ctx context.Context, topicARN, region, endpoint string, logger *zap.Logger) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sns.NewFromConfig(cfg, func(o *sns.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	return NewPublisherWithClient(client, topicARN, logger), nil
}

func NewPublisherWithClient(client PublishAPI, topicARN string, logger *zap.Logger) *Publisher {
	return &Publisher{client: client, topicARN: topicARN, logger: logger}
}

// PublishOutcome sends one finished notification to the topic. The status
// and user are copied into message attributes for subscription filters.
func (p *Publisher) PublishOutcome(ctx context.Context, st notify.DeliveryStatus) error {
	payload, err := json.Marshal(NewOutcome(st))
	if err != nil {
		return fmt.Errorf("failed to marshal outcome: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"status": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(st.Status)),
			},
			"user_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(st.UserID.String()),
			},
		},
	}

	result, err := p.client.Publish(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to publish outcome to SNS: %w", err)
	}

	p.logger.Debug("delivery outcome published",
		zap.String("notification_id", st.NotificationID.String()),
		zap.String("status", string(st.Status)),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}
