package worker

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	"github.com/sproutogroup/dealernotify/internal/notify"
)

// smsLimit is the longest SMS body sent; longer text is truncated.
const smsLimit = 320

// SNSSender sends SMS notifications via AWS SNS
type SNSSender struct {
	client SNSPublishAPI
	logger *zap.Logger
}

// NewSNSSender creates an SMS sender on an existing SNS client
func NewSNSSender(client SNSPublishAPI, logger *zap.Logger) *SNSSender {
	return &SNSSender{client: client, logger: logger}
}

func (s *SNSSender) Channel() notify.Channel {
	return notify.ChannelSMS
}

// Send sends the title and body as an SMS to the recipient's phone number
func (s *SNSSender) Send(ctx context.Context, item *notify.QueueItem) error {
	phone := item.Contact.Phone
	if phone == "" {
		return fmt.Errorf("%w: phone", ErrNoContact)
	}

	text := item.Request.Title
	if item.Request.Body != "" {
		text += ": " + item.Request.Body
	}
	if r := []rune(text); len(r) > smsLimit {
		text = string(r[:smsLimit-1]) + "…"
	}

	result, err := s.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber: aws.String(phone),
		Message:     aws.String(text),
	})
	if err != nil {
		return fmt.Errorf("sns publish failed: %w", err)
	}

	s.logger.Info("SMS sent via SNS",
		zap.String("notification_id", item.NotificationID.String()),
		zap.String("phone_number", phone),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}
