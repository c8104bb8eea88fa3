package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sproutogroup/dealernotify/internal/notify"
)

// ErrSubscriptionGone is returned when a push service reports the device
// subscription no longer exists.
var ErrSubscriptionGone = errors.New("push subscription expired")

// PushMessage is the platform-neutral push content.
type PushMessage struct {
	NotificationID string            `json:"notification_id"`
	Title          string            `json:"title"`
	Body           string            `json:"body"`
	URL            string            `json:"url,omitempty"`
	Priority       notify.Priority   `json:"priority"`
	Data           map[string]string `json:"data,omitempty"`
}

func newPushMessage(item *notify.QueueItem) PushMessage {
	return PushMessage{
		NotificationID: item.NotificationID.String(),
		Title:          item.Request.Title,
		Body:           item.Request.Body,
		URL:            item.Request.ActionURL,
		Priority:       item.Request.Priority,
		Data:           item.Request.Data,
	}
}

// PushTransport delivers to a single device.
type PushTransport interface {
	Push(ctx context.Context, device notify.Device, msg PushMessage) error
}

// PushSender fans a notification out to every registered device of the
// recipient. It succeeds when at least one device accepted the message.
type PushSender struct {
	transports map[notify.Platform]PushTransport
	limiter    *rate.Limiter
	logger     *zap.Logger
}

type PushConfig struct {
	// RatePerSecond caps outbound device pushes. Zero disables the limit.
	RatePerSecond float64
	Burst         int
}

func NewPushSender(transports map[notify.Platform]PushTransport, cfg PushConfig, logger *zap.Logger) *PushSender {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return &PushSender{
		transports: transports,
		limiter:    limiter,
		logger:     logger,
	}
}

func (s *PushSender) Channel() notify.Channel {
	return notify.ChannelPush
}

func (s *PushSender) Send(ctx context.Context, item *notify.QueueItem) error {
	if len(item.Devices) == 0 {
		return ErrNoDevices
	}

	msg := newPushMessage(item)
	var errs []error
	accepted := 0

	for _, device := range item.Devices {
		if err := s.limiter.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("push rate limit: %w", err))
			break
		}

		transport, ok := s.transports[device.Platform]
		if !ok {
			errs = append(errs, fmt.Errorf("device %s: no transport for platform %q", device.ID, device.Platform))
			continue
		}
		if err := transport.Push(ctx, device, msg); err != nil {
			errs = append(errs, fmt.Errorf("device %s: %w", device.ID, err))
			continue
		}
		accepted++
	}

	if accepted == 0 {
		return errors.Join(errs...)
	}
	if len(errs) > 0 {
		s.logger.Warn("push rejected by some devices",
			zap.String("notification_id", item.NotificationID.String()),
			zap.Int("accepted", accepted),
			zap.Error(errors.Join(errs...)),
		)
	}
	s.logger.Info("push sent",
		zap.String("notification_id", item.NotificationID.String()),
		zap.Int("devices", accepted),
	)
	return nil
}

// WebPushTransport sends to browser subscriptions using VAPID.
type WebPushTransport struct {
	publicKey  string
	privateKey string
	subscriber string
	ttl        int
	client     webpush.HTTPClient
}

type WebPushConfig struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subscriber      string
	TTL             int
	HTTPClient      webpush.HTTPClient
}

func NewWebPushTransport(cfg WebPushConfig) *WebPushTransport {
	if cfg.TTL == 0 {
		cfg.TTL = 86400
	}
	return &WebPushTransport{
		publicKey:  cfg.VAPIDPublicKey,
		privateKey: cfg.VAPIDPrivateKey,
		subscriber: cfg.Subscriber,
		ttl:        cfg.TTL,
		client:     cfg.HTTPClient,
	}
}

func webPushUrgency(p notify.Priority) webpush.Urgency {
	switch {
	case p >= notify.PriorityUrgent:
		return webpush.UrgencyHigh
	case p <= notify.PriorityLow:
		return webpush.UrgencyLow
	default:
		return webpush.UrgencyNormal
	}
}

func (t *WebPushTransport) Push(ctx context.Context, device notify.Device, msg PushMessage) error {
	if device.Endpoint == "" || device.P256dh == "" || device.Auth == "" {
		return fmt.Errorf("web push subscription incomplete")
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal push payload: %w", err)
	}

	sub := &webpush.Subscription{
		Endpoint: device.Endpoint,
		Keys: webpush.Keys{
			Auth:   device.Auth,
			P256dh: device.P256dh,
		},
	}
	resp, err := webpush.SendNotificationWithContext(ctx, payload, sub, &webpush.Options{
		HTTPClient:      t.client,
		Subscriber:      t.subscriber,
		VAPIDPublicKey:  t.publicKey,
		VAPIDPrivateKey: t.privateKey,
		TTL:             t.ttl,
		Urgency:         webPushUrgency(msg.Priority),
	})
	if err != nil {
		return fmt.Errorf("web push failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
		return ErrSubscriptionGone
	case resp.StatusCode >= 400:
		return fmt.Errorf("web push rejected: status %d", resp.StatusCode)
	}
	return nil
}

// SNSPublishAPI is the subset of the SNS client used for publishing.
type SNSPublishAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSMobileTransport sends to iOS and Android devices through SNS platform
// endpoints.
type SNSMobileTransport struct {
	client SNSPublishAPI
}

func NewSNSMobileTransport(client SNSPublishAPI) *SNSMobileTransport {
	return &SNSMobileTransport{client: client}
}

// mobileMessage builds the per-platform JSON document SNS expects when
// MessageStructure is "json".
func mobileMessage(platform notify.Platform, msg PushMessage) (string, error) {
	var native any
	var key string
	switch platform {
	case notify.PlatformIOS:
		key = "APNS"
		native = map[string]any{
			"aps": map[string]any{
				"alert": map[string]string{"title": msg.Title, "body": msg.Body},
				"sound": "default",
			},
			"notification_id": msg.NotificationID,
			"url":             msg.URL,
		}
	case notify.PlatformAndroid:
		key = "GCM"
		native = map[string]any{
			"notification": map[string]string{"title": msg.Title, "body": msg.Body},
			"data": map[string]string{
				"notification_id": msg.NotificationID,
				"url":             msg.URL,
			},
		}
	default:
		return "", fmt.Errorf("unsupported mobile platform %q", platform)
	}

	nativeJSON, err := json.Marshal(native)
	if err != nil {
		return "", err
	}
	doc, err := json.Marshal(map[string]string{
		"default": msg.Title,
		key:       string(nativeJSON),
	})
	if err != nil {
		return "", err
	}
	return string(doc), nil
}

func (t *SNSMobileTransport) Push(ctx context.Context, device notify.Device, msg PushMessage) error {
	if device.EndpointARN == "" {
		return fmt.Errorf("device has no endpoint ARN")
	}

	message, err := mobileMessage(device.Platform, msg)
	if err != nil {
		return fmt.Errorf("failed to build mobile push: %w", err)
	}

	_, err = t.client.Publish(ctx, &sns.PublishInput{
		TargetArn:        aws.String(device.EndpointARN),
		Message:          aws.String(message),
		MessageStructure: aws.String("json"),
	})
	if err != nil {
		return fmt.Errorf("sns mobile push failed: %w", err)
	}
	return nil
}
