package main

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awssns "github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/resend/resend-go/v2"
	"go.uber.org/zap"

	"github.com/sproutogroup/dealernotify/internal/circuitbreaker"
	"github.com/sproutogroup/dealernotify/internal/config"
	"github.com/sproutogroup/dealernotify/internal/metrics"
	"github.com/sproutogroup/dealernotify/internal/notify"
	"github.com/sproutogroup/dealernotify/internal/realtime"
	"github.com/sproutogroup/dealernotify/internal/worker"
)

// buildSenders registers one sender per channel. External providers are
// wrapped in a circuit breaker. Email and SMS without a configured provider
// get the logging stub. Push is a primary channel, so without a transport
// it stays unregistered and every push attempt fails.
func buildSenders(ctx context.Context, cfg *config.Config, hub *realtime.Hub, logger *zap.Logger) (worker.SenderTable, error) {
	protect := func(name string, s worker.ChannelSender) worker.ChannelSender {
		breaker := circuitbreaker.New(circuitbreaker.Config{
			Name:            name,
			MaxFailures:     cfg.BreakerMaxFailures,
			RecoveryTimeout: cfg.BreakerRecovery,
			OnStateChange: func(name string, _, to circuitbreaker.State) {
				metrics.SetCircuitState(name, int(to))
			},
			Ignore: worker.IsRecipientError,
		}, logger)
		metrics.SetCircuitState(name, int(circuitbreaker.StateClosed))
		return circuitbreaker.NewProtectedSender(s, breaker, logger)
	}

	var snsClient *awssns.Client
	if cfg.SMSEnabled || cfg.MobilePushSNS {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.SNSRegion))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config for SNS: %w", err)
		}
		snsClient = awssns.NewFromConfig(awsCfg, func(o *awssns.Options) {
			if cfg.AWSEndpoint != "" {
				o.BaseEndpoint = aws.String(cfg.AWSEndpoint)
			}
		})
	}

	senders := []worker.ChannelSender{worker.NewRealtimeSender(hub, logger)}

	transports := make(map[notify.Platform]worker.PushTransport)
	if cfg.WebPushEnabled() {
		transports[notify.PlatformWeb] = worker.NewWebPushTransport(worker.WebPushConfig{
			VAPIDPublicKey:  cfg.VAPIDPublicKey,
			VAPIDPrivateKey: cfg.VAPIDPrivateKey,
			Subscriber:      cfg.VAPIDSubject,
		})
	}
	if snsClient != nil && cfg.MobilePushSNS {
		mobile := worker.NewSNSMobileTransport(snsClient)
		transports[notify.PlatformIOS] = mobile
		transports[notify.PlatformAndroid] = mobile
	}
	if len(transports) > 0 {
		push := worker.NewPushSender(transports, worker.PushConfig{
			RatePerSecond: cfg.PushRatePerSec,
			Burst:         cfg.PushBurst,
		}, logger)
		senders = append(senders, protect("push", push))
	} else {
		logger.Warn("no push transport configured, push deliveries will fail")
	}

	switch cfg.EmailProvider {
	case "ses":
		ses, err := worker.NewSESSender(ctx, worker.SESConfig{Region: cfg.AWSRegion, FromEmail: cfg.EmailFrom}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create SES email sender: %w", err)
		}
		senders = append(senders, protect("ses", ses))
	case "resend":
		client := resend.NewClient(cfg.ResendAPIKey)
		senders = append(senders, protect("resend", worker.NewResendSender(client, cfg.EmailFrom, logger)))
	default:
		senders = append(senders, worker.NewLogSender(notify.ChannelEmail, logger))
	}

	if snsClient != nil && cfg.SMSEnabled {
		senders = append(senders, protect("sns-sms", worker.NewSNSSender(snsClient, logger)))
	} else {
		senders = append(senders, worker.NewLogSender(notify.ChannelSMS, logger))
	}

	logger.Info("initialized channel senders",
		zap.Bool("web_push", cfg.WebPushEnabled()),
		zap.Bool("mobile_push", cfg.MobilePushSNS),
		zap.String("email_provider", cfg.EmailProvider),
		zap.Bool("sms", cfg.SMSEnabled),
	)

	return worker.NewSenderTable(senders...), nil
}
